package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentmesh/controller/internal/config"
)

func TestValidateConfigCommandAcceptsDefaults(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "missing-controller.json")
	t.Cleanup(func() {
		resetFlag(rootCmd, "config")
		rootCmd.SetArgs(nil)
	})

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"validate-config", "--config", configPath})

	require.NoError(t, rootCmd.Execute())
	require.Contains(t, out.String(), "config OK")
}

func TestValidateConfigCommandRejectsBadPort(t *testing.T) {
	cfg := config.GenerateDefault()
	cfg.Port = 99999
	configPath := filepath.Join(t.TempDir(), "controller.json")
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(configPath, data, 0600))

	t.Cleanup(func() {
		resetFlag(rootCmd, "config")
		rootCmd.SetArgs(nil)
	})

	rootCmd.SetArgs([]string{"validate-config", "--config", configPath})

	err = rootCmd.Execute()
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid port")
}
