package cli

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"
)

var publishCmd = &cobra.Command{
	Use:   "publish <channel> <payload>",
	Short: "Publish a message to a channel",
	Long: `Publishes payload to every subscriber of channel.

The payload is parsed as JSON when possible and sent as a plain string otherwise.
Returns once the message is written unless --wait is specified.`,
	Args: cobra.ExactArgs(2),
	RunE: runPublish,
}

func init() {
	publishCmd.Flags().String("key", "", "Private key of the channel")
	publishCmd.Flags().Bool("wait", false, "Wait for the broker to acknowledge the message")
	rootCmd.AddCommand(publishCmd)
}

// parsePayload decodes s as JSON, falling back to the raw string.
func parsePayload(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

func runPublish(cmd *cobra.Command, args []string) error {
	key, _ := cmd.Flags().GetString("key")
	wait, _ := cmd.Flags().GetBool("wait")

	ctx := cmd.Context()
	c, err := connect(ctx)
	if err != nil {
		return outputError(cmd.ErrOrStderr(), err.Error())
	}
	defer c.Close()

	p := c.Publish(args[0], parsePayload(args[1]), key)

	waitCtx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	if wait {
		if _, err := await(waitCtx, p); err != nil {
			return outputError(cmd.ErrOrStderr(), err.Error())
		}
		return outputSuccess(cmd.OutOrStdout(), nil)
	}

	if err := c.Flush(waitCtx); err != nil {
		return outputError(cmd.ErrOrStderr(), err.Error())
	}
	// A send failure resolves the request before Flush returns
	select {
	case <-p.Done():
		if err := p.Err(); err != nil {
			return outputError(cmd.ErrOrStderr(), describe(p, err).Error())
		}
	default:
	}
	return outputSuccess(cmd.OutOrStdout(), nil)
}
