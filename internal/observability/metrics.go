package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics centralizes Prometheus instrumentation for the control plane.
type Metrics struct {
	registry *prometheus.Registry

	requests    prometheus.Counter
	blocked     prometheus.Counter
	rateLimited prometheus.Counter
	attacks     *prometheus.CounterVec

	eventsPublished *prometheus.CounterVec
	eventsDropped   prometheus.Counter

	blocklistSize prometheus.Gauge
	allowlistSize prometheus.Gauge
	activeAttacks prometheus.Gauge
	subscribers   prometheus.Gauge

	storeLatency *prometheus.HistogramVec
}

// NewMetrics builds a metrics container backed by the provided registry. If no
// registry is supplied, a new one is created.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{registry: reg}

	m.requests = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rampart_requests_total",
		Help: "Requests checked by the control plane",
	})
	m.blocked = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rampart_blocked_total",
		Help: "Requests rejected by blocklist membership",
	})
	m.rateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rampart_rate_limited_total",
		Help: "Requests rejected by rate limiting",
	})
	m.attacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rampart_attacks_total",
		Help: "Classified attacks grouped by type",
	}, []string{"type"})

	m.eventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rampart_events_published_total",
		Help: "Live events published grouped by type",
	}, []string{"type"})
	m.eventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rampart_events_dropped_total",
		Help: "Live events dropped on subscriber queue overflow",
	})

	m.blocklistSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rampart_blocklist_size",
		Help: "Current blocklist entry count",
	})
	m.allowlistSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rampart_allowlist_size",
		Help: "Current allowlist entry count",
	})
	m.activeAttacks = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rampart_active_attacks",
		Help: "Attacks still inside their coalescing window",
	})
	m.subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rampart_event_subscribers",
		Help: "Connected live-event subscribers",
	})

	m.storeLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rampart_store_op_seconds",
		Help:    "Durable store operation latencies",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	reg.MustRegister(m.requests, m.blocked, m.rateLimited, m.attacks,
		m.eventsPublished, m.eventsDropped,
		m.blocklistSize, m.allowlistSize, m.activeAttacks, m.subscribers,
		m.storeLatency)

	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) IncRequests()    { m.requests.Inc() }
func (m *Metrics) IncBlocked()     { m.blocked.Inc() }
func (m *Metrics) IncRateLimited() { m.rateLimited.Inc() }

func (m *Metrics) IncAttack(attackType string) {
	m.attacks.WithLabelValues(attackType).Inc()
}

func (m *Metrics) EventPublished(eventType string) {
	m.eventsPublished.WithLabelValues(eventType).Inc()
}

func (m *Metrics) EventDropped() { m.eventsDropped.Inc() }

func (m *Metrics) SetSubscribers(n int) { m.subscribers.Set(float64(n)) }

func (m *Metrics) SetBlocklistSize(n int) { m.blocklistSize.Set(float64(n)) }
func (m *Metrics) SetAllowlistSize(n int) { m.allowlistSize.Set(float64(n)) }

func (m *Metrics) SetActiveAttacks(n int) { m.activeAttacks.Set(float64(n)) }

func (m *Metrics) ObserveStoreOp(op string, d time.Duration) {
	m.storeLatency.WithLabelValues(op).Observe(d.Seconds())
}
