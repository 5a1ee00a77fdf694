package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/grantcarthew/catsnake"
	"github.com/grantcarthew/catsnake/protocol"
)

var subscribeCmd = &cobra.Command{
	Use:   "subscribe <channel>",
	Short: "Stream messages published on a channel",
	Long: `Subscribes to channel and prints every message until interrupted.

Text output prints one line per message: time, sender and payload.
JSON output prints one object per line.`,
	Args: cobra.ExactArgs(1),
	RunE: runSubscribe,
}

func init() {
	subscribeCmd.Flags().String("key", "", "Private key of the channel")
	subscribeCmd.Flags().Bool("noself", false, "Do not receive messages published by this client")
	subscribeCmd.Flags().String("access-token", "", "Access token for a protected channel")
	subscribeCmd.Flags().Bool("private", false, "Declare the channel private")
	subscribeCmd.Flags().Int("count", 0, "Exit after this many messages (0 streams until interrupted)")
	rootCmd.AddCommand(subscribeCmd)
}

// messageLine is the JSON form of a received message.
type messageLine struct {
	Channel    string `json:"channel"`
	Client     string `json:"client,omitempty"`
	CommonName string `json:"commonName,omitempty"`
	Time       int64  `json:"time,omitempty"`
	Payload    any    `json:"payload,omitempty"`
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	key, _ := cmd.Flags().GetString("key")
	noself, _ := cmd.Flags().GetBool("noself")
	accessToken, _ := cmd.Flags().GetString("access-token")
	private, _ := cmd.Flags().GetBool("private")
	count, _ := cmd.Flags().GetInt("count")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := connect(ctx)
	if err != nil {
		return outputError(cmd.ErrOrStderr(), err.Error())
	}
	defer c.Close()

	// Closed before Close runs so a blocked handler cannot stall it
	quit := make(chan struct{})
	defer close(quit)

	messages := make(chan *protocol.Message, 64)
	sub := c.Subscribe(args[0], func(msg *protocol.Message) {
		select {
		case messages <- msg:
		case <-quit:
		}
	}, catsnake.SubscribeOptions{
		PrivateKey:  key,
		NoSelf:      noself,
		AccessToken: accessToken,
		Private:     private,
	})

	debugf("subscribed to %s", args[0])
	out := cmd.OutOrStdout()
	received := 0
	subscribed := sub.Done()
	for {
		select {
		case <-subscribed:
			subscribed = nil
			// A rejected subscribe ends the stream; an unanswered one does not
			if err := sub.Err(); err != nil && !errors.Is(err, catsnake.ErrReplyTimeout) {
				return outputError(cmd.ErrOrStderr(), describe(sub.Pending, err).Error())
			}
		case msg := <-messages:
			// Replies to this client's own requests are not channel traffic
			if msg.Metadata.RequestID == sub.ID() {
				continue
			}
			if err := printMessage(out, msg); err != nil {
				return outputError(cmd.ErrOrStderr(), err.Error())
			}
			received++
			if count > 0 && received >= count {
				return nil
			}
		case <-ctx.Done():
			return nil
		case <-c.Done():
			if ctx.Err() != nil {
				return nil
			}
			return outputError(cmd.ErrOrStderr(), "connection to broker closed")
		}
	}
}

func printMessage(w io.Writer, msg *protocol.Message) error {
	if JSONOutput {
		return outputJSON(w, messageLine{
			Channel:    msg.Channel,
			Client:     msg.Metadata.Client,
			CommonName: msg.Metadata.CommonName,
			Time:       msg.Metadata.Time,
			Payload:    msg.Payload,
		})
	}

	stamp := time.UnixMilli(msg.Metadata.Time).Format(time.TimeOnly)
	sender := msg.Metadata.CommonName
	if sender == "" {
		sender = msg.Metadata.Client
	}
	if shouldUseColor() {
		fmt.Fprintf(w, "%s %s ", color.HiBlackString(stamp), color.CyanString(sender))
	} else {
		fmt.Fprintf(w, "%s %s ", stamp, sender)
	}
	return outputText(w, msg.Payload)
}
