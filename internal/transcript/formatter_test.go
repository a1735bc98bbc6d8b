package transcript

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentmesh/controller/internal/protocol"
)

func TestFormatCommand(t *testing.T) {
	f := NewFormatter(false)
	cmd := &protocol.CommandExecute{
		Kind:         protocol.MessageKindCommand,
		TaskID:       "T-0042",
		CommandIndex: 0,
		Dir:          "/srv/app",
		Run:          "git pull origin main",
	}
	require.Equal(t, "[cmd 0] git pull origin main (task: T-0042, dir: /srv/app)", f.FormatCommand(cmd))
}

func TestFormatOutput(t *testing.T) {
	tests := []struct {
		name     string
		out      *protocol.TaskOutput
		expected string
	}{
		{
			name:     "stdout",
			out:      &protocol.TaskOutput{CommandIndex: 1, Stream: "stdout", Content: "hello\n"},
			expected: "[cmd 1] hello\n",
		},
		{
			name:     "stderr",
			out:      &protocol.TaskOutput{CommandIndex: 1, Stream: "stderr", Content: "warning\n"},
			expected: "[cmd 1] warning\n",
		},
	}

	f := NewFormatter(false)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, f.FormatOutput(tt.out))
		})
	}
}

func TestFormatResult(t *testing.T) {
	tests := []struct {
		name     string
		res      *protocol.CommandResult
		expected string
	}{
		{
			name:     "success",
			res:      &protocol.CommandResult{CommandIndex: 0, ExitCode: 0, DurationMs: 120},
			expected: "[cmd 0] exit=0 duration=120ms",
		},
		{
			name:     "failure",
			res:      &protocol.CommandResult{CommandIndex: 2, ExitCode: 1, DurationMs: 5},
			expected: "[cmd 2] exit=1 duration=5ms",
		},
	}

	f := NewFormatter(false)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, f.FormatResult(tt.res))
		})
	}
}

func TestFormatRiskLevelWithoutColor(t *testing.T) {
	require.Equal(t, "low", FormatRiskLevel(protocol.RiskLow, false))
	require.Equal(t, "medium", FormatRiskLevel(protocol.RiskMedium, false))
	require.Equal(t, "high", FormatRiskLevel(protocol.RiskHigh, false))
}

func TestFormatRiskLevelWithColorWrapsTheSameText(t *testing.T) {
	// Color codes surround the text but the plain risk word must still be
	// present; this pins the behavior without hardcoding fatih/color's
	// exact escape sequences.
	for _, risk := range []protocol.RiskLevel{protocol.RiskLow, protocol.RiskMedium, protocol.RiskHigh} {
		colored := FormatRiskLevel(risk, true)
		require.Contains(t, colored, string(risk))
	}
}
