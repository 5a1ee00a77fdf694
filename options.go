package catsnake

import (
	"context"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/grantcarthew/catsnake/internal/session"
)

const (
	// DefaultCommonName is the display name sent when none is configured.
	DefaultCommonName = "Anonymous"
	// DefaultRetryInterval is the fixed delay between connection attempts.
	DefaultRetryInterval = session.DefaultRetryInterval
	// DefaultReplyTimeout bounds how long a Pending waits for a reply.
	DefaultReplyTimeout = 30 * time.Second
	// DefaultThrottleRate is the outbound frame rate allowed per second.
	DefaultThrottleRate = 20
	// DefaultThrottleBurst is the outbound frame burst allowance.
	DefaultThrottleBurst = 40
	// DefaultErrorHistory is the number of error events kept for RecentErrors.
	DefaultErrorHistory = 64
	// DefaultCloseFlushTimeout bounds the unsubscribe flush done by Close.
	DefaultCloseFlushTimeout = 2 * time.Second
)

// Conn is a message-oriented connection to the broker.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// DialFunc opens a connection to address.
type DialFunc func(ctx context.Context, address string) (Conn, error)

// Option configures a Client.
type Option func(*options)

type options struct {
	commonName         string
	clientID           string
	bypassThrottle     bool
	throttleRate       rate.Limit
	throttleBurst      int
	logger             *slog.Logger
	dial               DialFunc
	dialOptions        *websocket.DialOptions
	retryInterval      time.Duration
	dialTimeout        time.Duration
	replyTimeout       time.Duration
	autoReconnect      bool
	unsubscribeOnClose bool
	registerer         prometheus.Registerer
	errorHandler       func(ErrorEvent)
	errorHistory       int
	ctx                context.Context
}

func defaultOptions() options {
	return options{
		commonName:    DefaultCommonName,
		throttleRate:  DefaultThrottleRate,
		throttleBurst: DefaultThrottleBurst,
		retryInterval: DefaultRetryInterval,
		replyTimeout:  DefaultReplyTimeout,
		errorHistory:  DefaultErrorHistory,
		ctx:           context.Background(),
	}
}

// WithCommonName sets the display name attached to every envelope.
func WithCommonName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.commonName = name
		}
	}
}

// WithClientID reuses a client identifier instead of generating one.
func WithClientID(id string) Option {
	return func(o *options) { o.clientID = id }
}

// WithBypassThrottle disables client-side throttling. The broker may still
// throttle.
func WithBypassThrottle(bypass bool) Option {
	return func(o *options) { o.bypassThrottle = bypass }
}

// WithThrottle sets the client-side outbound frame rate and burst.
func WithThrottle(perSecond float64, burst int) Option {
	return func(o *options) {
		o.throttleRate = rate.Limit(perSecond)
		o.throttleBurst = burst
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithDialer replaces the websocket dialer.
func WithDialer(dial DialFunc) Option {
	return func(o *options) { o.dial = dial }
}

// WithDialOptions passes options to the default websocket dialer.
func WithDialOptions(opts *websocket.DialOptions) Option {
	return func(o *options) { o.dialOptions = opts }
}

// WithRetryInterval sets the fixed delay between connection attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(o *options) { o.retryInterval = d }
}

// WithDialTimeout bounds a single connection attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

// WithReplyTimeout sets how long a Pending waits for the broker after its
// request was sent. Zero or less waits until the client closes.
func WithReplyTimeout(d time.Duration) Option {
	return func(o *options) { o.replyTimeout = d }
}

// WithAutoReconnect redials after an abnormal disconnect and restores
// subscriptions on the new connection.
func WithAutoReconnect(enabled bool) Option {
	return func(o *options) { o.autoReconnect = enabled }
}

// WithUnsubscribeOnClose makes Close send an unsubscribe for every
// subscribed channel before closing the socket.
func WithUnsubscribeOnClose(enabled bool) Option {
	return func(o *options) { o.unsubscribeOnClose = enabled }
}

// WithMetrics registers client metrics with reg. Every series carries a
// client label with the client id, so several clients may share reg.
// Close unregisters the client's series.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithErrorHandler sets a hook that receives every error event.
// The hook runs on client goroutines and must not block.
func WithErrorHandler(fn func(ErrorEvent)) Option {
	return func(o *options) { o.errorHandler = fn }
}

// WithErrorHistory sets how many error events RecentErrors keeps.
func WithErrorHistory(n int) Option {
	return func(o *options) { o.errorHistory = n }
}

// WithContext ties the client to ctx. Cancelling it closes the connection
// with a going-away status.
func WithContext(ctx context.Context) Option {
	return func(o *options) {
		if ctx != nil {
			o.ctx = ctx
		}
	}
}
