// Package metrics exposes Prometheus collectors for a CatSnake client.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/grantcarthew/catsnake/protocol"
)

// Config configures the collectors.
type Config struct {
	// Namespace is the metrics namespace (default: "catsnake").
	Namespace string

	// Subsystem is the metrics subsystem (default: "client").
	Subsystem string

	// ConstLabels are added to every collector.
	ConstLabels prometheus.Labels

	// Registry receives the collectors.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures the collectors.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) Option {
	return func(c *Config) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all collectors.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithRegistry sets the registerer the collectors are added to.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

// Metrics holds the client collectors.
type Metrics struct {
	registry prometheus.Registerer
	owned    []prometheus.Collector

	framesSent     *prometheus.CounterVec
	framesReceived prometheus.Counter
	encodeErrors   prometheus.Counter
	decodeErrors   prometheus.Counter
	deferredSends  prometheus.Counter
	dialRetries    prometheus.Counter
	reconnects     prometheus.Counter
	listeners      prometheus.Gauge
}

// New creates and registers the collectors. Collectors already registered
// with identical descriptors are reused, so several clients may share one
// registerer.
func New(opts ...Option) (*Metrics, error) {
	cfg := Config{
		Namespace: "catsnake",
		Subsystem: "client",
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	m := &Metrics{registry: cfg.Registry}
	counterOpts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: cfg.ConstLabels,
		}
	}

	var err error
	counter := func(name, help string) prometheus.Counter {
		if err != nil {
			return nil
		}
		var c prometheus.Counter
		c, err = register(m, prometheus.NewCounter(counterOpts(name, help)))
		return c
	}

	if m.framesSent, err = register(m, prometheus.NewCounterVec(
		counterOpts("frames_sent_total", "Total number of envelopes written to the socket"),
		[]string{"type"},
	)); err != nil {
		return nil, err
	}
	m.framesReceived = counter("frames_received_total", "Total number of frames read from the socket")
	m.encodeErrors = counter("encode_errors_total", "Total number of envelopes dropped because they could not be encoded")
	m.decodeErrors = counter("decode_errors_total", "Total number of inbound frames discarded because they could not be decoded")
	m.deferredSends = counter("deferred_sends_total", "Total number of operations queued while the session was not open")
	m.dialRetries = counter("dial_retries_total", "Total number of failed dial attempts that were retried")
	m.reconnects = counter("reconnects_total", "Total number of reconnects after an abnormal close")
	if err != nil {
		m.Unregister()
		return nil, err
	}

	if m.listeners, err = register(m, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   cfg.Namespace,
		Subsystem:   cfg.Subsystem,
		Name:        "listeners",
		Help:        "Number of registered subscription listeners",
		ConstLabels: cfg.ConstLabels,
	})); err != nil {
		m.Unregister()
		return nil, err
	}
	return m, nil
}

// register adds c to the registerer, or returns the collector already
// registered under the same descriptors.
func register[T prometheus.Collector](m *Metrics, c T) (T, error) {
	err := m.registry.Register(c)
	if err == nil {
		m.owned = append(m.owned, c)
		return c, nil
	}

	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("register metrics: %w", err)
}

// Unregister removes the collectors this Metrics registered. Reused
// collectors stay with their owner.
func (m *Metrics) Unregister() {
	if m == nil {
		return
	}
	for _, c := range m.owned {
		m.registry.Unregister(c)
	}
	m.owned = nil
}

// FrameSent records one transmitted envelope.
func (m *Metrics) FrameSent(typ protocol.Type) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(string(typ)).Inc()
}

// FrameReceived records one inbound frame.
func (m *Metrics) FrameReceived() {
	if m == nil {
		return
	}
	m.framesReceived.Inc()
}

// EncodeError records a dropped envelope.
func (m *Metrics) EncodeError() {
	if m == nil {
		return
	}
	m.encodeErrors.Inc()
}

// DecodeError records a discarded inbound frame.
func (m *Metrics) DecodeError() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

// Deferred records an operation queued before the session opened.
func (m *Metrics) Deferred() {
	if m == nil {
		return
	}
	m.deferredSends.Inc()
}

// DialRetry records a failed dial that will be retried.
func (m *Metrics) DialRetry() {
	if m == nil {
		return
	}
	m.dialRetries.Inc()
}

// Reconnect records a reconnect after an abnormal close.
func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// SetListeners records the current listener count.
func (m *Metrics) SetListeners(n int) {
	if m == nil {
		return
	}
	m.listeners.Set(float64(n))
}
