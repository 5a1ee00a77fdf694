package catsnake

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/grantcarthew/catsnake/internal/clientid"
	"github.com/grantcarthew/catsnake/internal/logx"
	"github.com/grantcarthew/catsnake/internal/metrics"
	"github.com/grantcarthew/catsnake/internal/registry"
	"github.com/grantcarthew/catsnake/internal/ringbuf"
	"github.com/grantcarthew/catsnake/internal/session"
	"github.com/grantcarthew/catsnake/protocol"
)

// State is the connection state of a client.
type State = session.State

// Connection states.
const (
	StateConnecting = session.StateConnecting
	StateOpen       = session.StateOpen
	StateClosed     = session.StateClosed
)

// ConnectionInfo holds connection health information.
type ConnectionInfo = session.ConnectionInfo

// Handler receives messages published on a subscribed channel.
type Handler func(*protocol.Message)

// Client is a connection to a CatSnake broker. It is safe for concurrent use.
type Client struct {
	id         string
	commonName string
	address    string
	opts       options
	log        *slog.Logger
	metrics    *metrics.Metrics

	session  *session.Session
	registry *registry.Registry
	pending  *haxmap.Map[string, *Pending]
	errors   *ringbuf.Buffer[ErrorEvent]

	mu       sync.Mutex
	channels map[string]SubscribeOptions // last options per subscribed channel
	secret   string                      // last authenticate secret

	closed atomic.Bool
	wg     sync.WaitGroup
}

// New creates a client and starts connecting to address in the background.
// It returns immediately; operations made before the connection opens are
// queued. address must be a ws, wss, http or https URL.
func New(address string, opts ...Option) (*Client, error) {
	if err := validateAddress(address); err != nil {
		return nil, err
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	id := o.clientID
	if id == "" {
		id = clientid.Generate()
	}

	c := &Client{
		id:         id,
		commonName: o.commonName,
		address:    address,
		opts:       o,
		log:        o.logger.With(slog.String("client", id)),
		pending:    haxmap.New[string, *Pending](),
		errors:     ringbuf.New[ErrorEvent](o.errorHistory),
		channels:   make(map[string]SubscribeOptions),
	}
	if o.registerer != nil {
		m, err := metrics.New(
			metrics.WithRegistry(o.registerer),
			metrics.WithConstLabels(prometheus.Labels{"client": id}),
		)
		if err != nil {
			return nil, err
		}
		c.metrics = m
	}
	c.registry = registry.New(c.handlerPanicked)

	var limiter *rate.Limiter
	if !o.bypassThrottle {
		limiter = rate.NewLimiter(o.throttleRate, o.throttleBurst)
	}

	dial := session.WebsocketDialer(o.dialOptions)
	if o.dial != nil {
		dial = func(ctx context.Context, address string) (session.Conn, error) {
			return o.dial(ctx, address)
		}
	}

	c.session = session.New(session.Config{
		Address:       address,
		Dial:          dial,
		RetryInterval: o.retryInterval,
		DialTimeout:   o.dialTimeout,
		Limiter:       limiter,
		AutoReconnect: o.autoReconnect,
		Logger:        c.log,
		Metrics:       c.metrics,
		OnOpen:        c.restore,
		OnMessage:     c.handleMessage,
		OnError:       c.sessionError,
	})
	c.session.Start(o.ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		<-c.session.Done()
		c.failPending(ErrClosed)
	}()

	c.log.Debug("client created",
		slog.String("address", address),
		slog.String("commonName", c.commonName))
	return c, nil
}

// Dial creates a client and waits until the connection opens or ctx is done.
func Dial(ctx context.Context, address string, opts ...Option) (*Client, error) {
	c, err := New(address, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.session.WaitOpen(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	return c, nil
}

func validateAddress(address string) error {
	u, err := url.Parse(address)
	if err != nil {
		return fmt.Errorf("invalid broker address %q: %w", address, err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("invalid broker address %q: scheme must be ws, wss, http or https", address)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid broker address %q: missing host", address)
	}
	return nil
}

// ID returns the client identifier sent with every envelope.
func (c *Client) ID() string { return c.id }

// CommonName returns the display name sent with every envelope.
func (c *Client) CommonName() string { return c.commonName }

// Address returns the broker address.
func (c *Client) Address() string { return c.address }

// State returns the connection state.
func (c *Client) State() State { return c.session.State() }

// ConnectionInfo returns connection health information.
func (c *Client) ConnectionInfo() ConnectionInfo {
	info := c.session.Info()
	info.ErrorsDropped = c.errors.Dropped()
	return info
}

// Done is closed once the connection is closed for good.
func (c *Client) Done() <-chan struct{} { return c.session.Done() }

// WaitOpen blocks until the connection opens, the client closes, or ctx is done.
func (c *Client) WaitOpen(ctx context.Context) error { return c.session.WaitOpen(ctx) }

// Flush blocks until every queued operation has been written.
func (c *Client) Flush(ctx context.Context) error { return c.session.Flush(ctx) }

// Channels returns the subscribed channels in subscription order.
func (c *Client) Channels() []string { return c.registry.Channels() }

// RecentErrors returns the retained error events, oldest first.
func (c *Client) RecentErrors() []ErrorEvent { return c.errors.All() }

// LastError returns the most recent error event.
func (c *Client) LastError() (ErrorEvent, bool) { return c.errors.Last() }

// Close tears the connection down. When WithUnsubscribeOnClose is set it
// first sends an unsubscribe for every subscribed channel. Unresolved
// Pendings resolve with ErrClosed. Close is idempotent.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	if c.opts.unsubscribeOnClose && c.session.State() == StateOpen {
		for _, channel := range c.registry.Channels() {
			c.send(protocol.TypeUnsubscribe, channel, c.subscribedKey(channel), nil)
		}
		ctx, cancel := context.WithTimeout(context.Background(), DefaultCloseFlushTimeout)
		if err := c.session.Flush(ctx); err != nil {
			c.log.Warn("unsubscribe before close did not complete", logx.Error(err))
		}
		cancel()
	}

	err := c.session.Close()
	c.wg.Wait()
	c.metrics.Unregister()
	return err
}

// envelope builds the common part of every request.
func (c *Client) envelope(typ protocol.Type, channel string, key protocol.Key, requestID string) protocol.Envelope {
	return protocol.Envelope{
		Channel:    channel,
		PrivateKey: key,
		Metadata: protocol.Metadata{
			Time:       time.Now().UnixMilli(),
			Client:     c.id,
			CommonName: c.commonName,
			Type:       typ,
			RequestID:  requestID,
		},
	}
}

// send queues one request and returns its Pending. fill sets the
// type-specific envelope fields and may be nil.
func (c *Client) send(typ protocol.Type, channel string, key protocol.Key, fill func(*protocol.Envelope)) *Pending {
	p := newPending(typ, channel)
	c.pending.Set(p.id, p)
	c.session.Send(c.operation(p, key, fill))
	return p
}

func (c *Client) operation(p *Pending, key protocol.Key, fill func(*protocol.Envelope)) session.Operation {
	return session.Operation{
		Type:    p.typ,
		Channel: p.channel,
		Build: func() protocol.Envelope {
			env := c.envelope(p.typ, p.channel, key, p.id)
			if fill != nil {
				fill(&env)
			}
			return env
		},
		Sent: func() {
			p.expireAfter(c.opts.replyTimeout, c.expired)
		},
		Failed: func(err error) {
			c.pending.Del(p.id)
			p.resolve(nil, err)
		},
	}
}

func (c *Client) expired(p *Pending) {
	c.pending.Del(p.id)
	c.log.Debug("request got no reply",
		slog.String("type", string(p.typ)),
		slog.String("channel", p.channel),
		slog.String("requestId", p.id))
}

// handleMessage resolves the matching Pending, then dispatches to listeners.
func (c *Client) handleMessage(msg *protocol.Message) {
	brokerErr := msg.Err()

	if id := msg.Metadata.RequestID; id != "" {
		if p, ok := c.pending.Get(id); ok {
			c.pending.Del(id)
			p.resolve(msg, brokerErr)
		}
	}

	if brokerErr != nil {
		c.log.Warn("broker reported an error",
			slog.String("channel", msg.Channel),
			slog.String("type", string(msg.Metadata.Type)),
			logx.Error(brokerErr))
		c.record(ErrorEvent{Type: msg.Metadata.Type, Channel: msg.Channel, Err: brokerErr})
	}

	if msg.Channel != "" {
		c.registry.Dispatch(msg)
	}
}

// restore replays authentication and subscriptions after a reconnect.
func (c *Client) restore(reconnect bool) []session.Operation {
	if !reconnect {
		return nil
	}

	c.mu.Lock()
	secret := c.secret
	c.mu.Unlock()

	var ops []session.Operation
	if secret != "" {
		p := newPending(protocol.TypeAuthenticate, "")
		ops = append(ops, c.operation(p, "", func(env *protocol.Envelope) {
			env.AccessToken = secret
		}))
	}
	for _, channel := range c.registry.Channels() {
		opts := c.subscribeOptions(channel)
		p := newPending(protocol.TypeSubscribe, channel)
		ops = append(ops, c.operation(p, protocol.Key(opts.PrivateKey), opts.apply))
	}

	if len(ops) > 0 {
		c.log.Info("restoring session after reconnect", slog.Int("operations", len(ops)))
	}
	return ops
}

func (c *Client) sessionError(err error) {
	c.record(ErrorEvent{Err: err})
}

func (c *Client) handlerPanicked(channel string, recovered any) {
	err := &HandlerPanicError{Value: recovered}
	c.log.Error("subscription handler panicked", slog.String("channel", channel), logx.Error(err))
	c.record(ErrorEvent{Type: protocol.TypeSubscribe, Channel: channel, Err: err})
}

func (c *Client) record(ev ErrorEvent) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	c.errors.Push(ev)
	if c.opts.errorHandler != nil {
		c.opts.errorHandler(ev)
	}
}

// failPending resolves every outstanding request with err.
func (c *Client) failPending(err error) {
	var ids []string
	c.pending.ForEach(func(id string, p *Pending) bool {
		p.resolve(nil, err)
		ids = append(ids, id)
		return true
	})
	if len(ids) > 0 {
		c.pending.Del(ids...)
	}
}

func (c *Client) subscribeOptions(channel string) SubscribeOptions {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[channel]
}

func (c *Client) subscribedKey(channel string) protocol.Key {
	return protocol.Key(c.subscribeOptions(channel).PrivateKey)
}
