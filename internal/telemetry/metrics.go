package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Metrics wraps the small set of Prometheus instruments the core
// exposes. A nil *Metrics is safe to use everywhere (every method
// no-ops), so the core never requires a registry to function.
type Metrics struct {
	StreamsReset      *prometheus.CounterVec
	StreamsOpened     prometheus.Counter
	QPACKBlocked      prometheus.Gauge
	EarlyDataAccepted prometheus.Counter
	EarlyDataRejected prometheus.Counter
	CookieJarSize     prometheus.Gauge
}

// NewMetrics constructs and registers the instruments against reg. Pass a
// fresh prometheus.NewRegistry() in tests, or prometheus.DefaultRegisterer
// in production.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StreamsReset: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "h3net",
			Name:      "streams_reset_total",
			Help:      "Streams reset, labelled by error code.",
		}, []string{"code"}),
		StreamsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "h3net",
			Name:      "streams_opened_total",
			Help:      "Request streams opened.",
		}),
		QPACKBlocked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "h3net",
			Name:      "qpack_blocked_streams",
			Help:      "Streams currently blocked on unacknowledged dynamic table entries.",
		}),
		EarlyDataAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "h3net",
			Name:      "early_data_accepted_total",
			Help:      "0-RTT attempts accepted by the server.",
		}),
		EarlyDataRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "h3net",
			Name:      "early_data_rejected_total",
			Help:      "0-RTT attempts rejected by the server.",
		}),
		CookieJarSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "h3net",
			Name:      "cookie_jar_size",
			Help:      "Number of cookies currently stored in the jar.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.StreamsReset, m.StreamsOpened, m.QPACKBlocked,
			m.EarlyDataAccepted, m.EarlyDataRejected, m.CookieJarSize)
	}
	return m
}

func (m *Metrics) streamReset(code string) {
	if m == nil {
		return
	}
	m.StreamsReset.WithLabelValues(code).Inc()
}

func (m *Metrics) streamOpened() {
	if m == nil {
		return
	}
	m.StreamsOpened.Inc()
}

// Record* methods are nil-receiver safe so callers never branch on whether
// metrics are enabled.

func (m *Metrics) RecordStreamReset(code string) { m.streamReset(code) }
func (m *Metrics) RecordStreamOpened()           { m.streamOpened() }

func (m *Metrics) SetQPACKBlocked(n int) {
	if m == nil {
		return
	}
	m.QPACKBlocked.Set(float64(n))
}

func (m *Metrics) RecordEarlyData(accepted bool) {
	if m == nil {
		return
	}
	if accepted {
		m.EarlyDataAccepted.Inc()
	} else {
		m.EarlyDataRejected.Inc()
	}
}

func (m *Metrics) SetCookieJarSize(n int) {
	if m == nil {
		return
	}
	m.CookieJarSize.Set(float64(n))
}
