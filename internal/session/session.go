// Package session owns the broker socket: it dials with a fixed retry
// interval, queues operations until the socket is open, writes them in order
// from a single writer, and decodes inbound frames in socket order.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/grantcarthew/catsnake/internal/codec"
	"github.com/grantcarthew/catsnake/internal/logx"
	"github.com/grantcarthew/catsnake/internal/metrics"
	"github.com/grantcarthew/catsnake/protocol"
)

const (
	// DefaultRetryInterval is the fixed delay between dial attempts.
	DefaultRetryInterval = 500 * time.Millisecond
	// DefaultDialTimeout bounds a single dial attempt.
	DefaultDialTimeout = 10 * time.Second
	// DefaultWriteTimeout bounds a single frame write.
	DefaultWriteTimeout = 5 * time.Second
)

// ErrClosed is returned for operations on a session that has been torn down.
var ErrClosed = errors.New("session closed")

// Operation is one logical send. Build is called at transmit time so the
// envelope carries the time it actually left the client.
type Operation struct {
	Type    protocol.Type
	Channel string
	Build   func() protocol.Envelope
	// Sent is called after the frame was written. May be nil.
	Sent func()
	// Failed is called when the operation will never be sent. May be nil.
	Failed func(error)
}

func (op Operation) sent() {
	if op.Sent != nil {
		op.Sent()
	}
}

func (op Operation) fail(err error) {
	if op.Failed != nil {
		op.Failed(err)
	}
}

// Config holds session configuration.
type Config struct {
	Address       string
	Dial          DialFunc
	RetryInterval time.Duration
	DialTimeout   time.Duration
	WriteTimeout  time.Duration
	// Limiter throttles outbound frames. Nil disables throttling.
	Limiter *rate.Limiter
	// AutoReconnect redials after an abnormal close instead of closing.
	AutoReconnect bool
	Logger        *slog.Logger
	Metrics       *metrics.Metrics

	// OnOpen is called each time the socket opens, before queued operations
	// are sent. Operations it returns are sent ahead of the queue.
	OnOpen func(reconnect bool) []Operation
	// OnMessage receives every decoded inbound message in socket order.
	OnMessage func(*protocol.Message)
	// OnError receives encode, decode, dial and connection errors.
	OnError func(error)
}

// Session is a single broker connection and its outbound queue.
type Session struct {
	cfg Config
	log *slog.Logger

	mu          sync.Mutex
	state       State
	conn        Conn
	queue       []Operation
	inflight    int
	changed     chan struct{} // closed and replaced on every state or queue transition
	connectedAt time.Time
	dialRetries int
	reconnects  int
	lastErr     error

	wake    chan struct{}
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool
	closing atomic.Bool
	// callbacks counts OnMessage and OnError calls in progress
	callbacks atomic.Int32
	wg        sync.WaitGroup
}

// New creates a session in the connecting state. Operations sent before
// Start are queued.
func New(cfg Config) *Session {
	if cfg.Dial == nil {
		cfg.Dial = WebsocketDialer(nil)
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:     cfg,
		log:     cfg.Logger.With(slog.String("address", cfg.Address)),
		state:   StateConnecting,
		changed: make(chan struct{}),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins dialing. Cancelling parent tears the session down as Close
// does. Start has no effect after the first call.
func (s *Session) Start(parent context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		select {
		case <-parent.Done():
			s.log.Info("shutdown signalled, closing session")
			_ = s.teardown(websocket.StatusGoingAway, "client shutting down")
		case <-s.done:
		}
	}()
	go s.run()
	go s.writeLoop()
}

// Send queues op. It never blocks. While the session is not open the
// operation waits in the queue and is sent exactly once after open.
func (s *Session) Send(op Operation) {
	s.mu.Lock()
	state := s.state
	if state == StateClosed {
		s.mu.Unlock()
		op.fail(ErrClosed)
		return
	}
	s.queue = append(s.queue, op)
	s.notifyLocked()
	s.mu.Unlock()

	if state != StateOpen {
		s.log.Warn("not connected yet, deferring send until the session opens",
			slog.String("type", string(op.Type)),
			slog.String("channel", op.Channel))
		s.cfg.Metrics.Deferred()
	}
	s.signal()
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session reaches StateClosed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Info returns session health information.
func (s *Session) Info() ConnectionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := ConnectionInfo{
		State:       s.state,
		StateString: s.state.String(),
		Address:     s.cfg.Address,
		ConnectedAt: s.connectedAt,
		DialRetries: s.dialRetries,
		Reconnects:  s.reconnects,
		Queued:      len(s.queue),
	}
	if s.lastErr != nil {
		info.LastError = s.lastErr.Error()
	}
	return info
}

// WaitOpen blocks until the session is open, closed, or ctx is done.
func (s *Session) WaitOpen(ctx context.Context) error {
	for {
		s.mu.Lock()
		state, changed, lastErr := s.state, s.changed, s.lastErr
		s.mu.Unlock()

		switch state {
		case StateOpen:
			return nil
		case StateClosed:
			if lastErr != nil {
				return fmt.Errorf("%w: %w", ErrClosed, lastErr)
			}
			return ErrClosed
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Flush blocks until every queued operation has been written. It returns
// immediately when the session is not open.
func (s *Session) Flush(ctx context.Context) error {
	for {
		s.mu.Lock()
		state, changed := s.state, s.changed
		idle := len(s.queue) == 0 && s.inflight == 0
		s.mu.Unlock()

		if state == StateClosed {
			return ErrClosed
		}
		if state != StateOpen || idle {
			return nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close closes the socket with a normal closure, fails queued operations
// with ErrClosed and waits for the session goroutines to exit. While an
// OnMessage or OnError callback is running Close returns without waiting,
// so callbacks may call it. Frames read after Close begins are not
// dispatched.
func (s *Session) Close() error {
	err := s.teardown(websocket.StatusNormalClosure, "client closing")
	s.wait()
	return err
}

func (s *Session) teardown(code websocket.StatusCode, reason string) error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	var conn Conn
	if s.state != StateClosed {
		conn = s.conn
	}
	s.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close(code, reason)
	}
	s.shutdown(nil)
	return err
}

func (s *Session) wait() {
	if !s.started.Load() || s.callbacks.Load() > 0 {
		return
	}
	s.wg.Wait()
}

// callback runs fn, which may reach caller code, on a session goroutine.
func (s *Session) callback(fn func()) {
	s.callbacks.Add(1)
	defer s.callbacks.Add(-1)
	fn()
}

// run dials, reads until the connection ends, and redials when configured.
func (s *Session) run() {
	defer s.wg.Done()

	reconnect := false
	for {
		conn, err := s.dial()
		if err != nil {
			s.shutdown(err)
			return
		}
		if !s.setOpen(conn, reconnect) {
			return
		}

		err = s.readLoop(conn)
		if s.closing.Load() || s.ctx.Err() != nil {
			return
		}

		reason, shouldReconnect := ClassifyCloseCode(err)
		_ = conn.Close(websocket.StatusNormalClosure, "")
		if !s.cfg.AutoReconnect || !shouldReconnect {
			s.log.Info("connection ended", logx.Stringer("reason", reason), logx.Error(err))
			s.report(fmt.Errorf("connection ended (%s): %w", reason, err))
			s.shutdown(err)
			return
		}

		s.log.Warn("connection lost, reconnecting", logx.Error(err))
		s.report(fmt.Errorf("connection lost: %w", err))
		s.setConnecting(err)
		s.cfg.Metrics.Reconnect()
		reconnect = true
	}
}

// dial retries at a fixed interval until it succeeds or the session closes.
func (s *Session) dial() (Conn, error) {
	retry := backoff.NewConstantBackOff(s.cfg.RetryInterval)

	return backoff.Retry(s.ctx, func() (Conn, error) {
		attemptCtx, cancel := context.WithTimeout(s.ctx, s.cfg.DialTimeout)
		defer cancel()
		return s.cfg.Dial(attemptCtx, s.cfg.Address)
	},
		backoff.WithBackOff(retry),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.mu.Lock()
			s.dialRetries++
			s.lastErr = err
			s.mu.Unlock()
			s.cfg.Metrics.DialRetry()
			s.log.Warn("dial failed, retrying", logx.Error(err), logx.Duration("next_retry", next))
		}),
	)
}

func (s *Session) setOpen(conn Conn, reconnect bool) bool {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "client closing")
		return false
	}
	s.conn = conn
	s.connectedAt = time.Now()
	if reconnect {
		s.reconnects++
	}
	s.mu.Unlock()

	var first []Operation
	if s.cfg.OnOpen != nil {
		first = s.cfg.OnOpen(reconnect)
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		for _, op := range first {
			op.fail(ErrClosed)
		}
		return false
	}
	if len(first) > 0 {
		s.queue = append(first, s.queue...)
	}
	s.state = StateOpen
	queued := len(s.queue)
	s.notifyLocked()
	s.mu.Unlock()

	s.log.Info("session open", slog.Bool("reconnect", reconnect), slog.Int("queued", queued))
	s.signal()
	return true
}

func (s *Session) setConnecting(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return
	}
	s.state = StateConnecting
	s.conn = nil
	s.lastErr = cause
	s.notifyLocked()
}

// shutdown moves the session to the terminal state exactly once.
func (s *Session) shutdown(cause error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	if cause != nil {
		s.lastErr = cause
	}
	pending := s.queue
	s.queue = nil
	s.notifyLocked()
	s.mu.Unlock()

	close(s.done)
	s.cancel()

	for _, op := range pending {
		op.fail(ErrClosed)
	}
	s.log.Info("session closed", slog.Int("dropped", len(pending)))
}

func (s *Session) readLoop(conn Conn) error {
	for {
		_, data, err := conn.Read(s.ctx)
		if err != nil {
			return err
		}
		s.cfg.Metrics.FrameReceived()

		msg, err := codec.Decode(data)
		if err != nil {
			// Skip this frame only; the session keeps reading
			s.log.Warn("discarding undecodable frame", logx.Error(err))
			s.cfg.Metrics.DecodeError()
			s.report(err)
			continue
		}

		s.log.Debug("frame received",
			slog.String("channel", msg.Channel),
			slog.String("type", string(msg.Metadata.Type)))
		if s.closing.Load() {
			return ErrClosed
		}
		if s.cfg.OnMessage != nil {
			s.callback(func() { s.cfg.OnMessage(msg) })
		}
	}
}

func (s *Session) writeLoop() {
	defer s.wg.Done()

	for {
		op, conn, ok := s.next()
		if !ok {
			return
		}
		s.transmit(conn, op)

		s.mu.Lock()
		s.inflight--
		s.notifyLocked()
		s.mu.Unlock()
	}
}

// next waits until the session is open with work queued.
func (s *Session) next() (Operation, Conn, bool) {
	for {
		s.mu.Lock()
		if s.state == StateClosed {
			s.mu.Unlock()
			return Operation{}, nil, false
		}
		if s.state == StateOpen && len(s.queue) > 0 {
			op := s.queue[0]
			s.queue[0] = Operation{}
			s.queue = s.queue[1:]
			s.inflight++
			conn := s.conn
			s.mu.Unlock()
			return op, conn, true
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-s.done:
			return Operation{}, nil, false
		}
	}
}

func (s *Session) transmit(conn Conn, op Operation) {
	if s.cfg.Limiter != nil {
		if err := s.cfg.Limiter.Wait(s.ctx); err != nil {
			op.fail(ErrClosed)
			return
		}
	}

	env := op.Build()
	data, err := codec.Encode(env)
	if err != nil {
		s.log.Warn("attempted to send a value that cannot be encoded",
			slog.String("type", string(op.Type)),
			slog.String("channel", op.Channel),
			logx.Error(err))
		s.cfg.Metrics.EncodeError()
		s.report(err)
		op.fail(err)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.WriteTimeout)
	err = conn.Write(ctx, websocket.MessageBinary, data)
	cancel()
	if err != nil {
		if s.closing.Load() {
			op.fail(ErrClosed)
			return
		}
		err = fmt.Errorf("failed to send %s: %w", op.Type, err)
		s.log.Warn("write failed", logx.Error(err))
		s.report(err)
		op.fail(err)
		return
	}

	s.cfg.Metrics.FrameSent(env.Metadata.Type)
	s.log.Debug("frame sent",
		slog.String("type", string(env.Metadata.Type)),
		slog.String("channel", env.Channel),
		slog.Int("bytes", len(data)))
	op.sent()
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Session) report(err error) {
	if s.cfg.OnError != nil && err != nil {
		s.callback(func() { s.cfg.OnError(err) })
	}
}
