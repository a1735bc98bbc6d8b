// Package transcript formats dispatcher activity for console display,
// optionally colorizing risk levels and command outcomes.
package transcript

import (
	"fmt"

	"github.com/fatih/color"

	"github.com/agentmesh/controller/internal/protocol"
)

// Formatter formats protocol messages for console output. It implements
// scheduler.TranscriptFormatter.
type Formatter struct {
	useColor bool
}

// NewFormatter creates a transcript formatter. Color output can be disabled
// for non-terminal destinations (e.g. when stdout is redirected to a file).
func NewFormatter(useColor bool) *Formatter {
	return &Formatter{useColor: useColor}
}

// FormatCommand formats a command_execute for console display.
func (f *Formatter) FormatCommand(cmd *protocol.CommandExecute) string {
	line := fmt.Sprintf("[cmd %d] %s (task: %s, dir: %s)", cmd.CommandIndex, cmd.Run, cmd.TaskID, cmd.Dir)
	if !f.useColor {
		return line
	}
	return color.CyanString(line)
}

// FormatOutput formats a streamed task_output chunk, highlighting stderr in
// yellow so it stands out from stdout in a scrolling terminal.
func (f *Formatter) FormatOutput(out *protocol.TaskOutput) string {
	prefix := fmt.Sprintf("[cmd %d] ", out.CommandIndex)
	if !f.useColor {
		return prefix + out.Content
	}
	if out.Stream == "stderr" {
		return prefix + color.YellowString(out.Content)
	}
	return prefix + out.Content
}

// FormatResult formats a command's terminal result, colorizing by exit
// code: green for success, red for any failure (including the synthetic
// timeout/disconnect/cancel codes).
func (f *Formatter) FormatResult(res *protocol.CommandResult) string {
	line := fmt.Sprintf("[cmd %d] exit=%d duration=%dms", res.CommandIndex, res.ExitCode, res.DurationMs)
	if !f.useColor {
		return line
	}
	if res.ExitCode == 0 {
		return color.GreenString(line)
	}
	return color.RedString(line)
}

// FormatRiskLevel renders a plan's advisory risk level with the severity
// color a human operator would expect: low is unremarkable, medium draws
// the eye, high demands it.
func FormatRiskLevel(risk protocol.RiskLevel, enableColor bool) string {
	if !enableColor {
		return string(risk)
	}
	switch risk {
	case protocol.RiskHigh:
		return color.RedString(string(risk))
	case protocol.RiskMedium:
		return color.YellowString(string(risk))
	default:
		return color.GreenString(string(risk))
	}
}
