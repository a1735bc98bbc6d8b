package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentmesh/controller/internal/auditlog"
	"github.com/agentmesh/controller/internal/config"
	"github.com/agentmesh/controller/internal/eventbus"
	"github.com/agentmesh/controller/internal/orchestrator"
	"github.com/agentmesh/controller/internal/protocol"
	"github.com/agentmesh/controller/internal/registry"
	"github.com/agentmesh/controller/internal/scheduler"
	"github.com/agentmesh/controller/internal/snapshotstate"
	"github.com/agentmesh/controller/internal/tasks"
	"github.com/agentmesh/controller/internal/transcript"
	"github.com/agentmesh/controller/internal/transport/restapi"
	"github.com/agentmesh/controller/internal/transport/wsagent"
	"github.com/agentmesh/controller/internal/transport/wsclient"
	"github.com/agentmesh/controller/internal/workspace"
)

// retentionSweepInterval is how often SweepRetention runs against the task
// store (§9's retention note); independent of TASK_RETENTION_HOURS, which
// governs how old a terminal task must be before a sweep prunes it.
const retentionSweepInterval = 10 * time.Minute

// heartbeatSweepInterval is how often the registry checks for agents that
// have gone silent past AGENT_HEARTBEAT_TIMEOUT_SECONDS.
const heartbeatSweepInterval = 5 * time.Second

// snapshotInterval is how often the controller checkpoints task and agent
// state to state/snapshot.json (§8).
const snapshotInterval = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the controller, listening for agents and operator requests",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	logger.Info("starting controller", "port", cfg.Port, "llm_provider", cfg.LLMProvider, "data_root", cfg.DataRoot)

	if err := workspace.Initialize(cfg.DataRoot); err != nil {
		return fmt.Errorf("cli: initializing data root %s: %w", cfg.DataRoot, err)
	}

	auditDir := filepath.Join(cfg.DataRoot, "audit")

	store := tasks.New()
	reg := registry.New(logger)
	reg.SetHeartbeatTimeout(time.Duration(cfg.AgentHeartbeatTimeoutSeconds) * time.Second)

	recon, err := auditlog.Reconstruct(auditDir, logger)
	if err != nil {
		return fmt.Errorf("cli: reconstructing state from audit log: %w", err)
	}
	if len(recon.Tasks) > 0 {
		restored := make([]*protocol.Task, 0, len(recon.Tasks))
		for _, t := range recon.Tasks {
			restored = append(restored, t)
		}
		store.Restore(restored)
		logger.Info("restored tasks from audit log", "count", len(restored), "last_seq", recon.LastSeq)

		if abandoned := failAbandonedRunningTasks(store, restored, logger); abandoned > 0 {
			logger.Warn("failed tasks left running across restart", "count", abandoned)
		}
	}
	if len(recon.PendingCommands) > 0 {
		logger.Warn("commands dispatched before last shutdown never reported a result",
			"count", len(recon.PendingCommands))
	}
	lastSeq := recon.LastSeq

	bus := eventbus.New(logger)
	audit := auditlog.New(auditDir, logger)

	dispatcher := scheduler.New(store, cfg.DataRoot, logger)
	dispatcher.SetTranscriptFormatter(transcript.NewFormatter(true))

	plan := buildPlanner(cfg)

	orch := orchestrator.New(store, reg, dispatcher, bus, audit, plan, logger, cfg.TaskRetentionHours)

	addr := fmt.Sprintf(":%d", cfg.Port)
	rest := restapi.New(orch, reg, logger, addr)

	mux := rest.Mux()
	mux.Handle("/ws/agent", wsagent.New(reg, bus, logger))
	mux.Handle("/ws/client", wsclient.New(bus, func() any { return orch.ListTasks("", 0) }, logger))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	stopSweeps := runBackgroundSweeps(ctx, orch, store, reg, bus, cfg.DataRoot, &lastSeq, logger)
	defer stopSweeps()

	serverErr := make(chan error, 1)
	go func() {
		if err := rest.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := rest.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	return nil
}

// failAbandonedRunningTasks transitions every restored task still in
// running to failed: no dispatcher goroutine survives a restart to resume
// it, so leaving it running would strand it there forever (§8 crash
// recovery). Returns the number of tasks it failed.
func failAbandonedRunningTasks(store *tasks.Store, restored []*protocol.Task, logger *slog.Logger) int {
	abandoned := 0
	for _, t := range restored {
		if t.Status != protocol.TaskRunning {
			continue
		}
		if _, err := store.Mutate(t.ID, func(task *protocol.Task) error {
			task.Status = protocol.TaskFailed
			task.Error = "controller restarted while task was running; no dispatcher survives a restart to resume it"
			return nil
		}); err != nil {
			logger.Warn("failed to fail abandoned running task", "task_id", t.ID, "error", err)
			continue
		}
		abandoned++
	}
	return abandoned
}

// runBackgroundSweeps starts the retention, heartbeat and snapshot tickers
// and returns a func stopping all three. lastSeq seeds the snapshot's
// LastSeq field with whatever Reconstruct found at startup; the snapshot
// ticker does not advance it further since Reconstruct currently has no
// partial-replay-from-seq support, so each snapshot records the same
// starting point until the next restart recomputes it.
func runBackgroundSweeps(ctx context.Context, orch *orchestrator.Orchestrator, store *tasks.Store, reg *registry.Registry, bus *eventbus.Bus, dataRoot string, lastSeq *int64, logger *slog.Logger) func() {
	sweepCtx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(retentionSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				if n := orch.SweepRetention(time.Now().UTC()); n > 0 {
					logger.Info("retention sweep pruned tasks", "count", n)
				}
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(heartbeatSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				for _, agent := range reg.SweepStale(time.Now().UTC()) {
					bus.Broadcast(protocol.Envelope{
						Kind:      protocol.BroadcastAgentDisconnected,
						Payload:   agent,
						EmittedAt: time.Now().UTC(),
					})
				}
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(snapshotInterval)
		defer ticker.Stop()
		snapPath := snapshotstate.Path(dataRoot)
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				snap := snapshotstate.New(*lastSeq, store.Snapshot(), reg.List())
				if err := snapshotstate.Save(snap, snapPath); err != nil {
					logger.Warn("snapshot write failed", "error", err)
				}
			}
		}
	}()

	return cancel
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
