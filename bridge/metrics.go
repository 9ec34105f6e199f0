package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/janvanbouwel/libzt-node/resource"
)

// MetricsConfig configures the bridge Prometheus collectors.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "ztsock").
	Namespace string

	// Subsystem is the metrics subsystem (default: "bridge").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures MetricsConfig.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithRegisterer sets the Prometheus registry.
func WithRegisterer(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "ztsock",
		Subsystem: "bridge",
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics holds the bridge collectors. A nil *Metrics records nothing.
type Metrics struct {
	jobsPosted      prometheus.Counter
	jobsDropped     prometheus.Counter
	eventsDelivered prometheus.Counter
	eventsDropped   prometheus.Counter
	sendFailures    prometheus.Counter
	channels        prometheus.Gauge
	pendingOps      prometheus.Gauge
	leases          prometheus.Gauge
	entities        *prometheus.GaugeVec
}

// NewMetrics registers the bridge collectors.
func NewMetrics(opts ...MetricsOption) *Metrics {
	cfg := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	factory := promauto.With(cfg.Registry)

	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: cfg.ConstLabels,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: cfg.ConstLabels,
		})
	}

	return &Metrics{
		jobsPosted:      counter("engine_jobs_posted_total", "Jobs posted to the engine goroutine"),
		jobsDropped:     counter("engine_jobs_dropped_total", "Jobs refused because the engine stopped"),
		eventsDelivered: counter("events_delivered_total", "Values delivered to channel handlers"),
		eventsDropped:   counter("events_dropped_total", "Queued values discarded by an aborted channel"),
		sendFailures:    counter("send_failures_total", "Channel sends refused by a released or aborted channel"),
		channels:        gauge("channels_active", "Channels not yet finalized"),
		pendingOps:      gauge("pending_operations", "Operations whose future has not settled"),
		leases:          gauge("leases_outstanding", "Buffer leases not yet released"),
		entities: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "entities",
			Help:        "Registered sockets and servers by type",
			ConstLabels: cfg.ConstLabels,
		}, []string{"type"}),
	}
}

func (m *Metrics) jobPosted() {
	if m != nil {
		m.jobsPosted.Inc()
	}
}

func (m *Metrics) jobDropped() {
	if m != nil {
		m.jobsDropped.Inc()
	}
}

func (m *Metrics) eventDelivered() {
	if m != nil {
		m.eventsDelivered.Inc()
	}
}

func (m *Metrics) eventDropped() {
	if m != nil {
		m.eventsDropped.Inc()
	}
}

func (m *Metrics) sendFailed() {
	if m != nil {
		m.sendFailures.Inc()
	}
}

func (m *Metrics) channelOpened() {
	if m != nil {
		m.channels.Inc()
	}
}

func (m *Metrics) channelClosed() {
	if m != nil {
		m.channels.Dec()
	}
}

func (m *Metrics) opStarted() {
	if m != nil {
		m.pendingOps.Inc()
	}
}

func (m *Metrics) opFinished() {
	if m != nil {
		m.pendingOps.Dec()
	}
}

func (m *Metrics) leaseTaken() {
	if m != nil {
		m.leases.Inc()
	}
}

func (m *Metrics) leaseReleased() {
	if m != nil {
		m.leases.Dec()
	}
}

// OnResourceEvent tracks registry inserts and removals.
func (m *Metrics) OnResourceEvent(e resource.Event) {
	if m == nil {
		return
	}
	g := m.entities.WithLabelValues(TypeName(e.TypeID))
	switch e.Type {
	case resource.EventCreated:
		g.Inc()
	case resource.EventDropped:
		g.Dec()
	}
}
