package catsnake

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/grantcarthew/catsnake/internal/codec"
	"github.com/grantcarthew/catsnake/protocol"
)

// testBroker is an in-process broker that records every envelope and
// answers through respond.
type testBroker struct {
	t       *testing.T
	srv     *httptest.Server
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	respond func(protocol.Envelope) []protocol.Message

	mu       sync.Mutex
	received []protocol.Envelope
	conns    []*websocket.Conn
	accepted int
}

// ack replies with the request id only, so nothing is dispatched to listeners.
func ack(env protocol.Envelope) []protocol.Message {
	return []protocol.Message{{Metadata: env.Metadata}}
}

// silent never replies.
func silent(protocol.Envelope) []protocol.Message {
	return nil
}

func newTestBroker(t *testing.T, respond func(protocol.Envelope) []protocol.Message) *testBroker {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	b := &testBroker{t: t, ctx: ctx, cancel: cancel, respond: respond}
	b.srv = httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(func() {
		b.cancel()
		b.srv.Close()
		b.wg.Wait()
	})
	return b
}

func (b *testBroker) address() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

func (b *testBroker) serve(w http.ResponseWriter, r *http.Request) {
	b.wg.Add(1)
	defer b.wg.Done()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	b.mu.Lock()
	b.conns = append(b.conns, conn)
	b.accepted++
	b.mu.Unlock()

	for {
		_, data, err := conn.Read(b.ctx)
		if err != nil {
			return
		}

		var env protocol.Envelope
		if err := msgpack.Unmarshal(data, &env); err != nil {
			b.t.Errorf("broker received undecodable frame: %v", err)
			continue
		}

		b.mu.Lock()
		b.received = append(b.received, env)
		b.mu.Unlock()

		if b.respond == nil {
			continue
		}
		for _, msg := range b.respond(env) {
			out, err := codec.Encode(msg)
			if err != nil {
				b.t.Errorf("broker failed to encode reply: %v", err)
				continue
			}
			if err := conn.Write(b.ctx, websocket.MessageBinary, out); err != nil {
				return
			}
		}
	}
}

// push writes frame to every connection.
func (b *testBroker) push(frame []byte) {
	b.t.Helper()

	b.mu.Lock()
	conns := append([]*websocket.Conn(nil), b.conns...)
	b.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Write(b.ctx, websocket.MessageBinary, frame)
	}
}

// publish writes msg to every connection.
func (b *testBroker) publish(msg protocol.Message) {
	b.t.Helper()

	frame, err := codec.Encode(msg)
	if err != nil {
		b.t.Fatalf("encode: %v", err)
	}
	b.push(frame)
}

// drop closes every connection without a close frame.
func (b *testBroker) drop() {
	b.mu.Lock()
	conns := b.conns
	b.conns = nil
	b.mu.Unlock()

	for _, conn := range conns {
		_ = conn.CloseNow()
	}
}

func (b *testBroker) envelopes() []protocol.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]protocol.Envelope(nil), b.received...)
}

func (b *testBroker) ofType(typ protocol.Type) []protocol.Envelope {
	var out []protocol.Envelope
	for _, env := range b.envelopes() {
		if env.Metadata.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

func (b *testBroker) connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.accepted
}

// waitEnvelopes waits until at least n envelopes arrived.
func (b *testBroker) waitEnvelopes(n int) []protocol.Envelope {
	b.t.Helper()
	waitFor(b.t, "broker envelopes", func() bool { return len(b.envelopes()) >= n })
	return b.envelopes()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

// gate holds dials until opened.
type gate struct {
	ch   chan struct{}
	once sync.Once
}

func newGate() *gate {
	return &gate{ch: make(chan struct{})}
}

func (g *gate) open() {
	g.once.Do(func() { close(g.ch) })
}

func (g *gate) dialer() DialFunc {
	return func(ctx context.Context, address string) (Conn, error) {
		select {
		case <-g.ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		conn, _, err := websocket.Dial(ctx, address, nil)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// syncBuffer is a bytes.Buffer safe for use as a log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}
