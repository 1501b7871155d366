package services

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	DispatchResultDelivered   = "delivered"
	DispatchResultUnreachable = "unreachable"
	DispatchResultExhausted   = "exhausted"
	DispatchResultRejected    = "rejected"
	// DispatchResultInvalid counts tasks failed because their stored params no longer decode.
	DispatchResultInvalid = "invalid_params"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	dispatches   *prometheus.CounterVec
	reports      *prometheus.CounterVec
	tickDuration prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskfleet_dispatch_total",
			Help: "Dispatch attempts by result.",
		}, []string{"result"}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskfleet_reports_total",
			Help: "Agent reports by outcome.",
		}, []string{"outcome"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskfleet_tick_duration_seconds",
			Help:    "Duration of scheduling passes.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.dispatches, m.reports, m.tickDuration)
	}
	return m
}

func (m *Metrics) observeDispatch(result string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(result).Inc()
}

func (m *Metrics) observeReport(outcome string) {
	if m == nil {
		return
	}
	m.reports.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeTick(d time.Duration) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(d.Seconds())
}
