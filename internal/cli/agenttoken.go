package cli

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var agentTokenCmd = &cobra.Command{
	Use:   "agent-token",
	Short: "Generate an agent ID suitable for agent_hello's id field",
	Long: `Prints a freshly generated agent ID. The controller accepts any
non-empty id in agent_hello (§6.3); this is a convenience so operators
standing up a new worker host don't have to invent one by hand. It is a
plain identifier, not an authentication credential — transport security is
out of scope (§9).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix, err := cmd.Flags().GetString("prefix")
		if err != nil {
			return err
		}
		id := uuid.New().String()
		if prefix != "" {
			id = fmt.Sprintf("%s-%s", prefix, id)
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

func init() {
	agentTokenCmd.Flags().String("prefix", "", "optional prefix prepended to the generated ID")
}
