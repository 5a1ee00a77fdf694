package catsnake

import (
	"errors"
	"fmt"
	"time"

	"github.com/grantcarthew/catsnake/internal/session"
	"github.com/grantcarthew/catsnake/protocol"
)

var (
	// ErrClosed is returned for operations on a closed client.
	ErrClosed = session.ErrClosed

	// ErrReplyTimeout resolves a Pending whose request got no reply in time.
	ErrReplyTimeout = errors.New("no reply from broker")

	// ErrNotSubscribed resolves an unsubscribe for a channel without listeners.
	ErrNotSubscribed = errors.New("not subscribed")
)

// ErrorEvent is one observable failure.
type ErrorEvent struct {
	Time    time.Time
	Type    protocol.Type
	Channel string
	Err     error
}

// Error implements the error interface.
func (e ErrorEvent) Error() string {
	switch {
	case e.Type != "" && e.Channel != "":
		return fmt.Sprintf("%s %q: %v", e.Type, e.Channel, e.Err)
	case e.Channel != "":
		return fmt.Sprintf("%q: %v", e.Channel, e.Err)
	default:
		return e.Err.Error()
	}
}

// Unwrap returns the underlying error.
func (e ErrorEvent) Unwrap() error {
	return e.Err
}

// HandlerPanicError reports a subscription handler that panicked.
type HandlerPanicError struct {
	Value any
}

// Error implements the error interface.
func (e *HandlerPanicError) Error() string {
	return fmt.Sprintf("subscription handler panicked: %v", e.Value)
}
