package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/grantcarthew/catsnake"
)

var grantCmd = &cobra.Command{
	Use:   "grant <channel> <client> <secret>",
	Short: "Grant a client access to a channel",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAccess(cmd, func(c *catsnake.Client) *catsnake.Pending {
			return c.Grant(args[0], args[1], args[2])
		})
	},
}

var denyCmd = &cobra.Command{
	Use:   "deny <channel> <client> <secret>",
	Short: "Remove a client's access to a channel",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAccess(cmd, func(c *catsnake.Client) *catsnake.Pending {
			return c.Deny(args[0], args[1], args[2])
		})
	},
}

var authenticateCmd = &cobra.Command{
	Use:   "authenticate <secret>",
	Short: "Authenticate with the broker",
	Long:  "Requests elevated access with secret and reports whether the broker accepted it.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAccess(cmd, func(c *catsnake.Client) *catsnake.Pending {
			return c.Authenticate(args[0])
		})
	},
}

func init() {
	rootCmd.AddCommand(grantCmd, denyCmd, authenticateCmd)
}

// runAccess sends one access-control request and reports the outcome.
func runAccess(cmd *cobra.Command, request func(c *catsnake.Client) *catsnake.Pending) error {
	ctx := cmd.Context()
	c, err := connect(ctx)
	if err != nil {
		return outputError(cmd.ErrOrStderr(), err.Error())
	}
	defer c.Close()

	waitCtx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	payload, err := await(waitCtx, request(c))
	if err != nil {
		return outputError(cmd.ErrOrStderr(), err.Error())
	}
	return outputSuccess(cmd.OutOrStdout(), payload)
}
