package cli

import (
	"github.com/spf13/cobra"

	"github.com/grantcarthew/catsnake/internal/clientid"
)

var clientidCmd = &cobra.Command{
	Use:   "clientid",
	Short: "Print a new client identifier",
	Long:  "Generates a client identifier suitable for --client-id or " + EnvClientID + ". Does not connect.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		id := clientid.Generate()
		if JSONOutput {
			return outputSuccess(cmd.OutOrStdout(), map[string]string{"clientId": id})
		}
		return outputText(cmd.OutOrStdout(), id)
	},
}

func init() {
	rootCmd.AddCommand(clientidCmd)
}
