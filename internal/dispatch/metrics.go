package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the dispatcher. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	enqueuedTotal prometheus.Counter
	sentTotal     prometheus.Counter
	retriedTotal  prometheus.Counter
	rejectedTotal prometheus.Counter
	timeoutsTotal prometheus.Counter

	length prometheus.Gauge
}

// NewMetrics creates dispatcher metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		enqueuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "proximity",
			Subsystem: "dispatch",
			Name:      "enqueued_total",
			Help:      "Total number of requests accepted onto the queue",
		}),
		sentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "proximity",
			Subsystem: "dispatch",
			Name:      "sent_total",
			Help:      "Total number of transmissions, retries included",
		}),
		retriedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "proximity",
			Subsystem: "dispatch",
			Name:      "retried_total",
			Help:      "Total number of requests put back on the queue",
		}),
		rejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "proximity",
			Subsystem: "dispatch",
			Name:      "rejected_total",
			Help:      "Total number of requests rejected because the queue was full",
		}),
		timeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "proximity",
			Subsystem: "dispatch",
			Name:      "timeouts_total",
			Help:      "Total number of requests ended with the client timeout status",
		}),
		length: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "proximity",
			Subsystem: "dispatch",
			Name:      "queue_length",
			Help:      "Current number of requests waiting to be sent",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.enqueuedTotal, m.sentTotal, m.retriedTotal, m.rejectedTotal, m.timeoutsTotal, m.length,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) enqueued(length int) {
	if m == nil {
		return
	}
	m.enqueuedTotal.Inc()
	m.length.Set(float64(length))
}

func (m *Metrics) sent() {
	if m == nil {
		return
	}
	m.sentTotal.Inc()
}

func (m *Metrics) retried(length int) {
	if m == nil {
		return
	}
	m.retriedTotal.Inc()
	m.length.Set(float64(length))
}

func (m *Metrics) rejected() {
	if m == nil {
		return
	}
	m.rejectedTotal.Inc()
}

func (m *Metrics) timedOut() {
	if m == nil {
		return
	}
	m.timeoutsTotal.Inc()
}

func (m *Metrics) queueLength(length int) {
	if m == nil {
		return
	}
	m.length.Set(float64(length))
}
