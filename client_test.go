package catsnake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/grantcarthew/catsnake/internal/clientid"
	"github.com/grantcarthew/catsnake/internal/codec"
	"github.com/grantcarthew/catsnake/internal/logx"
	"github.com/grantcarthew/catsnake/protocol"
)

func newTestClient(t *testing.T, address string, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{
		WithLogger(logx.Discard()),
		WithRetryInterval(5 * time.Millisecond),
		WithBypassThrottle(true),
	}, opts...)
	c, err := New(address, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitPending(t *testing.T, p *Pending) (*protocol.Message, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	reply, err := p.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("%s %q did not resolve", p.Type(), p.Channel())
	}
	return reply, err
}

func TestNew_InvalidAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		address string
	}{
		{name: "empty", address: ""},
		{name: "no scheme", address: "broker.example/ps"},
		{name: "wrong scheme", address: "ftp://broker.example/ps"},
		{name: "missing host", address: "ws:///ps"},
		{name: "unparseable", address: "ws://bad host\x7f"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c, err := New(tt.address)
			if err == nil {
				_ = c.Close()
				t.Fatalf("expected error for %q", tt.address)
			}
			if !strings.Contains(err.Error(), "invalid broker address") {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestNew_Identity(t *testing.T) {
	t.Parallel()

	g := newGate()
	a := newTestClient(t, "ws://broker.test/ps", WithDialer(g.dialer()))
	b := newTestClient(t, "ws://broker.test/ps", WithDialer(g.dialer()))

	if !clientid.Valid(a.ID()) || !clientid.Valid(b.ID()) {
		t.Fatalf("generated ids do not match pattern: %q %q", a.ID(), b.ID())
	}
	if a.ID() == b.ID() {
		t.Errorf("expected distinct ids, both %q", a.ID())
	}
	if a.CommonName() != DefaultCommonName {
		t.Errorf("expected default common name, got %q", a.CommonName())
	}

	c := newTestClient(t, "ws://broker.test/ps",
		WithDialer(g.dialer()),
		WithClientID("client-0000beef"),
		WithCommonName("alice"))
	if c.ID() != "client-0000beef" || c.CommonName() != "alice" {
		t.Errorf("expected supplied identity, got %q %q", c.ID(), c.CommonName())
	}
	if c.State() != StateConnecting {
		t.Errorf("expected connecting, got %s", c.State())
	}
}

func TestClient_PublishBeforeOpenIsDeferred(t *testing.T) {
	t.Parallel()

	broker := newTestBroker(t, ack)
	g := newGate()
	logs := &syncBuffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelWarn}))

	c := newTestClient(t, broker.address(), WithDialer(g.dialer()), WithLogger(logger))
	p := c.Publish("general", map[string]any{"msg": "hi"}, "")

	time.Sleep(30 * time.Millisecond)
	if n := len(broker.envelopes()); n != 0 {
		t.Fatalf("expected no frame before open, got %d", n)
	}
	if !strings.Contains(logs.String(), "deferring send") {
		t.Errorf("expected deferral warning, got logs:\n%s", logs.String())
	}

	g.open()
	if _, err := waitPending(t, p); err != nil {
		t.Fatalf("publish error = %v", err)
	}

	envs := broker.waitEnvelopes(1)
	time.Sleep(20 * time.Millisecond)
	if n := len(broker.envelopes()); n != 1 {
		t.Fatalf("expected exactly one frame, got %d", n)
	}

	env := envs[0]
	if env.Channel != "general" || env.Metadata.Type != protocol.TypePublish {
		t.Errorf("unexpected envelope %+v", env)
	}
	if env.PrivateKey != "" {
		t.Errorf("expected no private key, got %q", env.PrivateKey)
	}
	if env.Metadata.Client != c.ID() || env.Metadata.CommonName != DefaultCommonName {
		t.Errorf("unexpected metadata %+v", env.Metadata)
	}
	if env.Metadata.RequestID != p.ID() {
		t.Errorf("expected request id %q, got %q", p.ID(), env.Metadata.RequestID)
	}
	payload, ok := env.Payload.(map[string]any)
	if !ok || payload["msg"] != "hi" {
		t.Errorf("unexpected payload %#v", env.Payload)
	}
}

func TestClient_SubscribeDispatchesInOrder(t *testing.T) {
	t.Parallel()

	broker := newTestBroker(t, ack)
	c := newTestClient(t, broker.address())

	var mu sync.Mutex
	var calls []string
	record := func(name string) Handler {
		return func(msg *protocol.Message) {
			mu.Lock()
			calls = append(calls, fmt.Sprintf("%s:%s:%v", name, msg.Channel, msg.Payload))
			mu.Unlock()
		}
	}

	first := c.Subscribe("general", record("first"), SubscribeOptions{})
	second := c.Subscribe("general", record("second"), SubscribeOptions{})
	other := c.Subscribe("other", record("other"), SubscribeOptions{})
	for _, sub := range []*Subscription{first, second, other} {
		if _, err := waitPending(t, sub.Pending); err != nil {
			t.Fatalf("subscribe error = %v", err)
		}
	}

	broker.publish(protocol.Message{Channel: "general", Payload: "x"})

	waitFor(t, "dispatch", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) >= 2
	})
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"first:general:x", "second:general:x"}
	if len(calls) != len(want) {
		t.Fatalf("expected %v, got %v", want, calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d: expected %q, got %q", i, want[i], calls[i])
		}
	}
}

func TestClient_DecodeFailureSkipsFrame(t *testing.T) {
	t.Parallel()

	broker := newTestBroker(t, ack)
	var events atomic.Int32
	c := newTestClient(t, broker.address(), WithErrorHandler(func(ErrorEvent) { events.Add(1) }))

	received := make(chan *protocol.Message, 4)
	sub := c.Subscribe("general", func(msg *protocol.Message) { received <- msg }, SubscribeOptions{})
	if _, err := waitPending(t, sub.Pending); err != nil {
		t.Fatalf("subscribe error = %v", err)
	}

	broker.push([]byte{0xc1})
	broker.publish(protocol.Message{Channel: "general", Payload: "after"})

	select {
	case msg := <-received:
		if msg.Payload != "after" {
			t.Errorf("expected the valid frame, got %+v", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("valid frame not dispatched after bad frame")
	}
	if len(received) != 0 {
		t.Errorf("expected one dispatch, got %d more", len(received))
	}

	errs := c.RecentErrors()
	if len(errs) != 1 {
		t.Fatalf("expected 1 error event, got %v", errs)
	}
	var decErr *codec.DecodeError
	if !errors.As(errs[0], &decErr) {
		t.Errorf("expected DecodeError, got %v", errs[0])
	}
	if events.Load() != 1 {
		t.Errorf("expected error handler called once, got %d", events.Load())
	}
	if c.State() != StateOpen {
		t.Errorf("expected open, got %s", c.State())
	}
}

func TestClient_PendingResolvesWithReply(t *testing.T) {
	t.Parallel()

	broker := newTestBroker(t, func(env protocol.Envelope) []protocol.Message {
		return []protocol.Message{{
			Payload:  map[string]any{"subscribers": 3},
			Metadata: env.Metadata,
		}}
	})
	c := newTestClient(t, broker.address())

	reply, err := waitPending(t, c.Info("general", nil, ""))
	if err != nil {
		t.Fatalf("info error = %v", err)
	}
	payload, ok := reply.Payload.(map[string]any)
	if !ok || fmt.Sprint(payload["subscribers"]) != "3" {
		t.Errorf("unexpected reply payload %#v", reply.Payload)
	}
}

func TestClient_BrokerErrorResolvesPending(t *testing.T) {
	t.Parallel()

	broker := newTestBroker(t, func(env protocol.Envelope) []protocol.Message {
		return []protocol.Message{{Channel: env.Channel, Metadata: env.Metadata, Error: "access denied"}}
	})
	handled := make(chan ErrorEvent, 1)
	c := newTestClient(t, broker.address(), WithErrorHandler(func(ev ErrorEvent) { handled <- ev }))

	_, err := waitPending(t, c.Grant("vault", "client-00000001", "wrong"))
	var brokerErr *protocol.BrokerError
	if !errors.As(err, &brokerErr) {
		t.Fatalf("expected BrokerError, got %v", err)
	}
	if brokerErr.Message != "access denied" || brokerErr.Type != protocol.TypeGrant {
		t.Errorf("unexpected broker error %+v", brokerErr)
	}

	select {
	case ev := <-handled:
		if ev.Channel != "vault" || ev.Type != protocol.TypeGrant {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("error handler not called")
	}
}

func TestClient_ReplyTimeout(t *testing.T) {
	t.Parallel()

	broker := newTestBroker(t, silent)
	c := newTestClient(t, broker.address(), WithReplyTimeout(20*time.Millisecond))

	_, err := waitPending(t, c.History("general", 10, ""))
	if !errors.Is(err, ErrReplyTimeout) {
		t.Fatalf("expected ErrReplyTimeout, got %v", err)
	}
}

func TestClient_EncodeFailureDoesNotStopLaterSends(t *testing.T) {
	t.Parallel()

	broker := newTestBroker(t, ack)
	c := newTestClient(t, broker.address())

	_, err := waitPending(t, c.Publish("general", func() {}, ""))
	var encErr *codec.EncodeError
	if !errors.As(err, &encErr) {
		t.Fatalf("expected EncodeError, got %v", err)
	}

	if _, err := waitPending(t, c.Publish("general", "ok", "")); err != nil {
		t.Fatalf("publish error = %v", err)
	}
	if n := len(broker.ofType(protocol.TypePublish)); n != 1 {
		t.Errorf("expected one publish frame, got %d", n)
	}
	if len(c.RecentErrors()) != 1 {
		t.Errorf("expected encode failure in recent errors, got %v", c.RecentErrors())
	}
}

func TestClient_Envelopes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		call  func(*Client) *Pending
		check func(*testing.T, protocol.Envelope)
	}{
		{
			name: "history",
			call: func(c *Client) *Pending { return c.History("general", 25, "k1") },
			check: func(t *testing.T, env protocol.Envelope) {
				payload, _ := env.Payload.(map[string]any)
				if env.Metadata.Type != protocol.TypeHistory || fmt.Sprint(payload["limit"]) != "25" {
					t.Errorf("unexpected history envelope %+v", env)
				}
				if env.PrivateKey != "k1" {
					t.Errorf("expected private key k1, got %q", env.PrivateKey)
				}
			},
		},
		{
			name: "grant",
			call: func(c *Client) *Pending { return c.Grant("vault", "client-00000001", "s3cret") },
			check: func(t *testing.T, env protocol.Envelope) {
				payload, _ := env.Payload.(map[string]any)
				if env.AccessToken != "s3cret" || payload["client"] != "client-00000001" {
					t.Errorf("unexpected grant envelope %+v", env)
				}
			},
		},
		{
			name: "deny",
			call: func(c *Client) *Pending { return c.Deny("vault", "client-00000001", "s3cret") },
			check: func(t *testing.T, env protocol.Envelope) {
				if env.Metadata.Type != protocol.TypeDeny || env.Channel != "vault" {
					t.Errorf("unexpected deny envelope %+v", env)
				}
			},
		},
		{
			name: "authenticate",
			call: func(c *Client) *Pending { return c.Authenticate("s3cret") },
			check: func(t *testing.T, env protocol.Envelope) {
				if env.Channel != "" || env.AccessToken != "s3cret" || env.Payload != nil {
					t.Errorf("unexpected authenticate envelope %+v", env)
				}
			},
		},
		{
			name: "clients",
			call: func(c *Client) *Pending { return c.Clients("general", "list", "") },
			check: func(t *testing.T, env protocol.Envelope) {
				if env.Metadata.Type != protocol.TypeClients || env.Payload != "list" {
					t.Errorf("unexpected clients envelope %+v", env)
				}
			},
		},
		{
			name: "subscribe with options",
			call: func(c *Client) *Pending {
				return c.Subscribe("vault", func(*protocol.Message) {}, SubscribeOptions{
					PrivateKey:  "k2",
					NoSelf:      true,
					AccessToken: "tok",
					Private:     true,
				}).Pending
			},
			check: func(t *testing.T, env protocol.Envelope) {
				if env.NoSelf == nil || !*env.NoSelf || env.Private == nil || !*env.Private {
					t.Errorf("expected noself and private set, got %+v", env)
				}
				if env.AccessToken != "tok" || env.PrivateKey != "k2" {
					t.Errorf("unexpected subscribe envelope %+v", env)
				}
			},
		},
		{
			name: "plain subscribe omits flags",
			call: func(c *Client) *Pending {
				return c.Subscribe("general", func(*protocol.Message) {}, SubscribeOptions{}).Pending
			},
			check: func(t *testing.T, env protocol.Envelope) {
				if env.NoSelf != nil || env.Private != nil || env.AccessToken != "" {
					t.Errorf("expected no optional fields, got %+v", env)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			broker := newTestBroker(t, ack)
			c := newTestClient(t, broker.address())

			if _, err := waitPending(t, tt.call(c)); err != nil {
				t.Fatalf("call error = %v", err)
			}
			envs := broker.waitEnvelopes(1)
			tt.check(t, envs[0])
		})
	}
}

func TestSubscription_Unsubscribe(t *testing.T) {
	t.Parallel()

	broker := newTestBroker(t, ack)
	c := newTestClient(t, broker.address())

	var second atomic.Int32
	a := c.Subscribe("general", func(*protocol.Message) { t.Error("removed handler called") }, SubscribeOptions{PrivateKey: "k"})
	b := c.Subscribe("general", func(*protocol.Message) { second.Add(1) }, SubscribeOptions{PrivateKey: "k"})
	if _, err := waitPending(t, b.Pending); err != nil {
		t.Fatalf("subscribe error = %v", err)
	}

	if _, err := waitPending(t, a.Unsubscribe()); err != nil {
		t.Fatalf("first unsubscribe error = %v", err)
	}
	if n := len(broker.ofType(protocol.TypeUnsubscribe)); n != 0 {
		t.Fatalf("expected no unsubscribe frame while listeners remain, got %d", n)
	}
	if _, err := waitPending(t, a.Unsubscribe()); !errors.Is(err, ErrNotSubscribed) {
		t.Errorf("expected ErrNotSubscribed on repeat, got %v", err)
	}

	broker.publish(protocol.Message{Channel: "general", Payload: "x"})
	waitFor(t, "remaining handler", func() bool { return second.Load() == 1 })

	if _, err := waitPending(t, b.Unsubscribe()); err != nil {
		t.Fatalf("last unsubscribe error = %v", err)
	}
	unsubs := broker.ofType(protocol.TypeUnsubscribe)
	if len(unsubs) != 1 || unsubs[0].Channel != "general" || unsubs[0].PrivateKey != "k" {
		t.Fatalf("expected one unsubscribe for general with key, got %+v", unsubs)
	}
	if len(c.Channels()) != 0 {
		t.Errorf("expected no channels, got %v", c.Channels())
	}

	if _, err := waitPending(t, c.Unsubscribe("nowhere")); !errors.Is(err, ErrNotSubscribed) {
		t.Errorf("expected ErrNotSubscribed, got %v", err)
	}
}

func TestClient_UnsubscribeChannel(t *testing.T) {
	t.Parallel()

	broker := newTestBroker(t, ack)
	c := newTestClient(t, broker.address())

	c.Subscribe("general", func(*protocol.Message) {}, SubscribeOptions{})
	c.Subscribe("general", func(*protocol.Message) {}, SubscribeOptions{})

	if _, err := waitPending(t, c.Unsubscribe("general")); err != nil {
		t.Fatalf("unsubscribe error = %v", err)
	}
	if n := len(broker.ofType(protocol.TypeUnsubscribe)); n != 1 {
		t.Errorf("expected one unsubscribe frame, got %d", n)
	}
}

func TestClient_CloseResolvesPending(t *testing.T) {
	t.Parallel()

	broker := newTestBroker(t, silent)
	c := newTestClient(t, broker.address(), WithReplyTimeout(0))

	p := c.Info("general", nil, "")
	broker.waitEnvelopes(1)

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := waitPending(t, p); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if c.State() != StateClosed {
		t.Errorf("expected closed, got %s", c.State())
	}

	if _, err := waitPending(t, c.Publish("general", "late", "")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after close, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestClient_UnsubscribeOnClose(t *testing.T) {
	t.Parallel()

	broker := newTestBroker(t, ack)
	c := newTestClient(t, broker.address(), WithUnsubscribeOnClose(true))

	for _, ch := range []string{"a", "b"} {
		if _, err := waitPending(t, c.Subscribe(ch, func(*protocol.Message) {}, SubscribeOptions{}).Pending); err != nil {
			t.Fatalf("subscribe error = %v", err)
		}
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	waitFor(t, "unsubscribes", func() bool { return len(broker.ofType(protocol.TypeUnsubscribe)) == 2 })
	unsubs := broker.ofType(protocol.TypeUnsubscribe)
	if unsubs[0].Channel != "a" || unsubs[1].Channel != "b" {
		t.Errorf("expected unsubscribes for a then b, got %s %s", unsubs[0].Channel, unsubs[1].Channel)
	}
}

func TestClient_AutoReconnectRestoresSession(t *testing.T) {
	t.Parallel()

	broker := newTestBroker(t, ack)
	c := newTestClient(t, broker.address(), WithAutoReconnect(true))

	received := make(chan *protocol.Message, 4)
	if _, err := waitPending(t, c.Authenticate("s3cret")); err != nil {
		t.Fatalf("authenticate error = %v", err)
	}
	sub := c.Subscribe("general", func(msg *protocol.Message) { received <- msg }, SubscribeOptions{NoSelf: true})
	if _, err := waitPending(t, sub.Pending); err != nil {
		t.Fatalf("subscribe error = %v", err)
	}

	broker.drop()

	waitFor(t, "restored subscribe", func() bool {
		return broker.connections() == 2 && len(broker.ofType(protocol.TypeSubscribe)) == 2
	})
	if n := len(broker.ofType(protocol.TypeAuthenticate)); n != 2 {
		t.Errorf("expected authenticate replayed, got %d", n)
	}
	restored := broker.ofType(protocol.TypeSubscribe)[1]
	if restored.Channel != "general" || restored.NoSelf == nil || !*restored.NoSelf {
		t.Errorf("unexpected restored subscribe %+v", restored)
	}

	broker.publish(protocol.Message{Channel: "general", Payload: "back"})
	select {
	case msg := <-received:
		if msg.Payload != "back" {
			t.Errorf("unexpected message %+v", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no dispatch after reconnect")
	}
	if info := c.ConnectionInfo(); info.Reconnects != 1 {
		t.Errorf("expected 1 reconnect, got %d", info.Reconnects)
	}
}

func TestClient_HandlerPanicIsRecorded(t *testing.T) {
	t.Parallel()

	broker := newTestBroker(t, ack)
	c := newTestClient(t, broker.address())

	var after atomic.Int32
	c.Subscribe("general", func(*protocol.Message) { panic("boom") }, SubscribeOptions{})
	sub := c.Subscribe("general", func(*protocol.Message) { after.Add(1) }, SubscribeOptions{})
	if _, err := waitPending(t, sub.Pending); err != nil {
		t.Fatalf("subscribe error = %v", err)
	}

	broker.publish(protocol.Message{Channel: "general", Payload: "x"})
	waitFor(t, "second handler", func() bool { return after.Load() == 1 })

	errs := c.RecentErrors()
	var panicErr *HandlerPanicError
	if len(errs) != 1 || !errors.As(errs[0], &panicErr) || panicErr.Value != "boom" {
		t.Errorf("expected recorded handler panic, got %v", errs)
	}
}

func TestClient_ErrorHistoryIsBounded(t *testing.T) {
	t.Parallel()

	broker := newTestBroker(t, ack)
	c := newTestClient(t, broker.address(), WithErrorHistory(2))

	for range 3 {
		_, _ = waitPending(t, c.Publish("general", make(chan int), ""))
	}
	if n := len(c.RecentErrors()); n != 2 {
		t.Errorf("expected 2 retained errors, got %d", n)
	}
	if dropped := c.ConnectionInfo().ErrorsDropped; dropped != 1 {
		t.Errorf("expected 1 dropped error, got %d", dropped)
	}
	last, ok := c.LastError()
	var encErr *codec.EncodeError
	if !ok || !errors.As(last, &encErr) {
		t.Errorf("expected last error to be an encode error, got %v", last)
	}
}

func TestClient_Metrics(t *testing.T) {
	t.Parallel()

	broker := newTestBroker(t, ack)
	reg := prometheus.NewRegistry()
	c := newTestClient(t, broker.address(), WithMetrics(reg), WithClientID("client-0123abcd"))

	sub := c.Subscribe("general", func(*protocol.Message) {}, SubscribeOptions{})
	if _, err := waitPending(t, sub.Pending); err != nil {
		t.Fatalf("subscribe error = %v", err)
	}
	if _, err := waitPending(t, c.Publish("general", "x", "")); err != nil {
		t.Fatalf("publish error = %v", err)
	}

	const expected = `
# HELP catsnake_client_frames_sent_total Total number of envelopes written to the socket
# TYPE catsnake_client_frames_sent_total counter
catsnake_client_frames_sent_total{client="client-0123abcd",type="publish"} 1
catsnake_client_frames_sent_total{client="client-0123abcd",type="subscribe"} 1
# HELP catsnake_client_listeners Number of registered subscription listeners
# TYPE catsnake_client_listeners gauge
catsnake_client_listeners{client="client-0123abcd"} 1
`
	var err error
	waitFor(t, "metrics", func() bool {
		err = testutil.GatherAndCompare(reg, strings.NewReader(expected),
			"catsnake_client_frames_sent_total", "catsnake_client_listeners")
		return err == nil
	})
}

func TestClient_MetricsSharedRegistry(t *testing.T) {
	t.Parallel()

	broker := newTestBroker(t, ack)
	reg := prometheus.NewRegistry()
	first := newTestClient(t, broker.address(), WithMetrics(reg), WithClientID("client-0000000a"))
	second := newTestClient(t, broker.address(), WithMetrics(reg), WithClientID("client-0000000b"))
	// A repeated client id reuses the registered collectors
	_ = newTestClient(t, broker.address(), WithMetrics(reg), WithClientID("client-0000000b"))

	for _, c := range []*Client{first, second} {
		if _, err := waitPending(t, c.Publish("general", "x", "")); err != nil {
			t.Fatalf("publish error = %v", err)
		}
	}

	waitFor(t, "series per client", func() bool {
		count, err := testutil.GatherAndCount(reg, "catsnake_client_frames_sent_total")
		return err == nil && count == 2
	})

	if err := first.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	count, err := testutil.GatherAndCount(reg, "catsnake_client_frames_sent_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if count != 1 {
		t.Errorf("expected only the open client's series, got %d", count)
	}
}

func TestClient_CloseFromHandler(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opts []Option
	}{
		{name: "plain"},
		{name: "unsubscribe on close", opts: []Option{WithUnsubscribeOnClose(true)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			broker := newTestBroker(t, ack)
			c := newTestClient(t, broker.address(), tt.opts...)

			closed := make(chan error, 1)
			sub := c.Subscribe("general", func(*protocol.Message) {
				closed <- c.Close()
			}, SubscribeOptions{})
			if _, err := waitPending(t, sub.Pending); err != nil {
				t.Fatalf("subscribe error = %v", err)
			}

			broker.publish(protocol.Message{Channel: "general", Payload: "bye"})

			select {
			case err := <-closed:
				if err != nil {
					t.Errorf("Close() error = %v", err)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("Close called from a handler did not return")
			}
			select {
			case <-c.Done():
			case <-time.After(time.Second):
				t.Fatal("expected client to be closed")
			}
		})
	}
}

func TestDial(t *testing.T) {
	t.Parallel()

	broker := newTestBroker(t, ack)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	c, err := Dial(ctx, broker.address(), WithLogger(logx.Discard()))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close()

	if c.State() != StateOpen {
		t.Errorf("expected open, got %s", c.State())
	}
}

func TestDial_ContextExpires(t *testing.T) {
	t.Parallel()

	g := newGate()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := Dial(ctx, "ws://broker.test/ps", WithLogger(logx.Discard()), WithDialer(g.dialer()))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestClient_ParentContextClosesClient(t *testing.T) {
	t.Parallel()

	broker := newTestBroker(t, silent)
	ctx, cancel := context.WithCancel(context.Background())
	c := newTestClient(t, broker.address(), WithContext(ctx), WithReplyTimeout(0))

	if err := c.WaitOpen(context.Background()); err != nil {
		t.Fatalf("WaitOpen() error = %v", err)
	}
	p := c.Info("general", nil, "")
	broker.waitEnvelopes(1)

	cancel()
	if _, err := waitPending(t, p); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	waitFor(t, "closed", func() bool { return c.State() == StateClosed })
}
