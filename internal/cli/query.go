package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/grantcarthew/catsnake"
)

var infoCmd = &cobra.Command{
	Use:   "info <channel> [payload]",
	Short: "Show channel information",
	Long:  "Requests metadata about channel from the broker and prints the reply payload.",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQuery(cmd, func(c *catsnake.Client, key string) *catsnake.Pending {
			return c.Info(args[0], optionalPayload(args), key)
		})
	},
}

var clientsCmd = &cobra.Command{
	Use:   "clients <channel> [payload]",
	Short: "List clients on a channel",
	Long:  "Requests the clients connected to channel and prints the reply payload.",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQuery(cmd, func(c *catsnake.Client, key string) *catsnake.Pending {
			return c.Clients(args[0], optionalPayload(args), key)
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <channel>",
	Short: "Show recent messages on a channel",
	Long:  "Requests up to --limit prior messages on channel and prints the reply payload.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		if limit < 1 {
			return outputError(cmd.ErrOrStderr(), "--limit must be at least 1")
		}
		return runQuery(cmd, func(c *catsnake.Client, key string) *catsnake.Pending {
			return c.History(args[0], limit, key)
		})
	},
}

func init() {
	for _, cmd := range []*cobra.Command{infoCmd, clientsCmd, historyCmd} {
		cmd.Flags().String("key", "", "Private key of the channel")
		rootCmd.AddCommand(cmd)
	}
	historyCmd.Flags().Int("limit", 10, "Maximum number of messages")
}

func optionalPayload(args []string) any {
	if len(args) < 2 {
		return nil
	}
	return parsePayload(args[1])
}

// runQuery connects, sends one request and prints the reply payload.
func runQuery(cmd *cobra.Command, request func(c *catsnake.Client, key string) *catsnake.Pending) error {
	key, _ := cmd.Flags().GetString("key")

	ctx := cmd.Context()
	c, err := connect(ctx)
	if err != nil {
		return outputError(cmd.ErrOrStderr(), err.Error())
	}
	defer c.Close()

	waitCtx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	payload, err := await(waitCtx, request(c, key))
	if err != nil {
		return outputError(cmd.ErrOrStderr(), err.Error())
	}
	if payload == nil {
		return outputNotice(cmd.ErrOrStderr(), "broker replied without data")
	}
	return outputSuccess(cmd.OutOrStdout(), payload)
}
