package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/grantcarthew/catsnake"
	"github.com/grantcarthew/catsnake/internal/clientid"
	"github.com/grantcarthew/catsnake/protocol"
)

// DialFunc connects a client to a broker.
type DialFunc func(ctx context.Context, address string, opts ...catsnake.Option) (*catsnake.Client, error)

// dialClient is the package-level dialer, replaceable for testing.
var dialClient DialFunc = catsnake.Dial

// SetDialer sets the dialer (for testing).
func SetDialer(f DialFunc) {
	dialClient = f
}

// ResetDialer resets to the default dialer.
func ResetDialer() {
	dialClient = catsnake.Dial
}

// connect dials the broker configured by the persistent flags.
func connect(ctx context.Context) (*catsnake.Client, error) {
	if ClientID != "" && !clientid.Valid(ClientID) {
		return nil, fmt.Errorf("invalid client id %q: expected %s", ClientID, clientid.Pattern)
	}

	opts := []catsnake.Option{
		catsnake.WithLogger(newLogger(os.Stderr)),
		catsnake.WithCommonName(CommonName),
		catsnake.WithClientID(ClientID),
		catsnake.WithBypassThrottle(BypassThrottle),
		catsnake.WithReplyTimeout(Timeout),
		catsnake.WithUnsubscribeOnClose(true),
		catsnake.WithContext(ctx),
	}

	dialCtx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	debugf("connecting to %s", Address)
	c, err := dialClient(dialCtx, Address, opts...)
	if err != nil {
		return nil, err
	}
	debugf("connected as %s (%s)", c.ID(), c.CommonName())
	return c, nil
}

// await waits for p and returns the reply payload.
func await(ctx context.Context, p *catsnake.Pending) (any, error) {
	reply, err := p.Wait(ctx)
	if err != nil {
		return nil, describe(p, err)
	}
	if reply == nil {
		return nil, nil
	}
	return reply.Payload, nil
}

// describe turns request failures into user-facing messages.
func describe(p *catsnake.Pending, err error) error {
	var brokerErr *protocol.BrokerError
	switch {
	case errors.As(err, &brokerErr):
		return fmt.Errorf("broker rejected %s: %s", p.Type(), brokerErr.Message)
	case errors.Is(err, catsnake.ErrReplyTimeout):
		return fmt.Errorf("no reply to %s within %s", p.Type(), Timeout)
	default:
		return fmt.Errorf("%s failed: %w", p.Type(), err)
	}
}
