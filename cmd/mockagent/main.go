package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/controller/internal/protocol"
	"github.com/agentmesh/controller/pkg/testharness"
)

func main() {
	url := flag.String("url", "http://localhost:8080", "controller base URL")
	id := flag.String("id", "", "agent ID (auto-generated if not provided)")
	hostname := flag.String("hostname", "", "hostname reported in agent_hello (defaults to os.Hostname)")
	roles := flag.String("roles", "worker", "comma-separated roles reported in agent_hello")
	tags := flag.String("tags", "", "comma-separated tags reported in agent_hello")
	exitCode := flag.Int("exit-code", 0, "exit code returned for every command, absent a matching script rule")
	output := flag.String("output", "", "stdout chunk streamed before every command's result")
	delay := flag.Duration("delay", 0, "delay before replying to each command_execute")
	heartbeatInterval := flag.Duration("heartbeat-interval", 10*time.Second, "heartbeat send interval")
	noHeartbeat := flag.Bool("no-heartbeat", false, "disable automatic heartbeats")
	scriptFile := flag.String("script", "", "path to a response script file (JSON)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *id == "" {
		*id = fmt.Sprintf("mock-%s", uuid.New().String()[:8])
	}
	host := *hostname
	if host == "" {
		if h, err := os.Hostname(); err == nil {
			host = h
		} else {
			host = "mockagent"
		}
	}

	agent := testharness.NewFakeAgent(logger)
	agent.AgentID = *id
	agent.Hostname = host
	agent.Roles = splitCSV(*roles)
	agent.Tags = splitCSV(*tags)
	agent.ExitCode = *exitCode
	agent.Output = *output
	agent.Delay = *delay

	var script *Script
	if *scriptFile != "" {
		s, err := loadScript(*scriptFile)
		if err != nil {
			logger.Error("failed to load script", "error", err)
			os.Exit(1)
		}
		script = s
		agent.Handler = script.handle
	}

	logger.Info("mock agent starting", "id", agent.AgentID, "url", *url, "roles", agent.Roles)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal", "signal", sig)
		cancel()
	}()

	if err := agent.Connect(ctx, *url); err != nil {
		logger.Error("failed to connect", "error", err)
		os.Exit(1)
	}
	defer agent.Close()

	if !*noHeartbeat {
		go heartbeatLoop(ctx, agent, *heartbeatInterval, logger)
	}

	if err := agent.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("agent stopped with error", "error", err)
		os.Exit(1)
	}

	logger.Info("mock agent stopped")
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func heartbeatLoop(ctx context.Context, agent *testharness.FakeAgent, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			telemetry := protocol.Telemetry{
				CPUPercent:  5 + rand.Float64()*10,
				MemPercent:  20 + rand.Float64()*10,
				DiskPercent: 30,
				Load1:       0.2,
			}
			if err := agent.SendHeartbeat(telemetry); err != nil {
				logger.Error("failed to send heartbeat", "error", err)
				return
			}
		}
	}
}

// Script lets a command's response be scripted by matching its Run string
// against a set of rules, so integration tests can drive specific failures
// without writing a Go Handler func inline.
type Script struct {
	Rules []ScriptRule `json:"rules"`
}

// ScriptRule matches a command whose Run string contains Contains (or, if
// Contains is empty, matches any command) and responds with ExitCode/Output.
type ScriptRule struct {
	Contains string `json:"contains"`
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
}

func loadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading script file: %w", err)
	}
	var s Script
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing script JSON: %w", err)
	}
	return &s, nil
}

func (s *Script) handle(cmd *protocol.CommandExecute) (int, string) {
	for _, rule := range s.Rules {
		if rule.Contains == "" || strings.Contains(cmd.Run, rule.Contains) {
			return rule.ExitCode, rule.Output
		}
	}
	return 0, ""
}
