package process

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the set of Prometheus collectors a Process updates on
// every poll. prometheus/client_golang is present in the teacher's
// dependency set but only ever wired to promhttp.Handler there
// (cli/cli.go); this extends it with the registry's standard
// constructors to give the poll loop, dispatch path, and clock
// subsystem real instrumentation.
type Metrics struct {
	MessagesDispatched *prometheus.CounterVec
	MessagesDropped    *prometheus.CounterVec
	PollDuration       prometheus.Histogram
	ClockOffset        prometheus.Gauge
	ClockRoundtrip     prometheus.Gauge
	Peers              prometheus.Gauge
}

// NewMetrics creates and registers a fresh Metrics set against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "o2",
			Name:      "messages_dispatched_total",
			Help:      "Total messages successfully dispatched to a local handler, by service.",
		}, []string{"service"}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "o2",
			Name:      "messages_dropped_total",
			Help:      "Total messages dropped, by reason.",
		}, []string{"reason"}),
		PollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "o2",
			Name:      "poll_duration_seconds",
			Help:      "Wall-clock duration of one Poll call.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 14),
		}),
		ClockOffset: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "o2",
			Name:      "clock_offset_seconds",
			Help:      "Currently slewed offset between local time and global time.",
		}),
		ClockRoundtrip: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "o2",
			Name:      "clock_roundtrip_seconds",
			Help:      "Most recent minimum round trip to the clock master.",
		}),
		Peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "o2",
			Name:      "peers",
			Help:      "Number of peers currently known to this process.",
		}),
	}
	reg.MustRegister(
		m.MessagesDispatched,
		m.MessagesDropped,
		m.PollDuration,
		m.ClockOffset,
		m.ClockRoundtrip,
		m.Peers,
	)
	return m
}
