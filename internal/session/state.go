package session

import (
	"time"

	"github.com/coder/websocket"
)

// State represents the lifecycle state of a session.
type State int

const (
	// StateConnecting indicates the socket is being dialed. Operations are queued.
	StateConnecting State = iota
	// StateOpen indicates the socket is open and queued operations are being sent.
	StateOpen
	// StateClosed indicates the session was torn down. It is terminal.
	StateClosed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DisconnectReason describes why a connection ended.
type DisconnectReason int

const (
	// ReasonUnknown is the default when reason cannot be determined.
	ReasonUnknown DisconnectReason = iota
	// ReasonGraceful indicates a normal close (codes 1000, 1001).
	ReasonGraceful
	// ReasonAbnormal indicates an unexpected disconnect (code 1006, network error).
	ReasonAbnormal
)

// String returns a human-readable name for the disconnect reason.
func (r DisconnectReason) String() string {
	switch r {
	case ReasonGraceful:
		return "graceful"
	case ReasonAbnormal:
		return "abnormal"
	default:
		return "unknown"
	}
}

// ConnectionInfo holds session health information for status reporting.
type ConnectionInfo struct {
	State       State     `json:"state"`
	StateString string    `json:"stateString"`
	Address     string    `json:"address"`
	ConnectedAt time.Time `json:"connectedAt,omitempty"`
	DialRetries int       `json:"dialRetries,omitempty"`
	Reconnects  int       `json:"reconnects,omitempty"`
	Queued      int       `json:"queued,omitempty"`
	LastError   string    `json:"lastError,omitempty"`

	// ErrorsDropped counts error events evicted from the client history.
	ErrorsDropped uint64 `json:"errorsDropped,omitempty"`
}

// ClassifyCloseCode determines whether a disconnect is recoverable based on
// the WebSocket close code carried by err.
// Returns the disconnect reason and whether reconnecting makes sense.
func ClassifyCloseCode(err error) (reason DisconnectReason, shouldReconnect bool) {
	if err == nil {
		return ReasonUnknown, false
	}

	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		// The broker closed the session deliberately
		return ReasonGraceful, false
	case websocket.StatusPolicyViolation:
		// Rejected by the broker (throttled or denied); redialing would repeat it
		return ReasonAbnormal, false
	default:
		// No close frame (-1), 1006, or any other code
		return ReasonAbnormal, true
	}
}
