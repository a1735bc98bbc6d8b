package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentmesh/controller/internal/config"
)

var validateConfigCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Load and validate controller.json plus the environment overlay",
	RunE: func(cmd *cobra.Command, args []string) error {
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

		fmt.Fprintf(cmd.OutOrStdout(), "config OK: port=%d llm_provider=%s data_root=%s\n",
			cfg.Port, cfg.LLMProvider, cfg.DataRoot)
		return nil
	},
}
