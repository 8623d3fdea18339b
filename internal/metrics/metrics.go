package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks workflow transitions, operation outcomes and notification
// delivery. A nil *Metrics records nothing.
type Metrics struct {
	Transitions       *prometheus.CounterVec
	Operations        *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	Notifications     *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "etd_transitions_total",
			Help: "Total number of committed application status transitions",
		}, []string{"from", "to"}),
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "etd_operations_total",
			Help: "Total number of workflow operations by outcome",
		}, []string{"operation", "outcome"}),
		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "etd_operation_duration_seconds",
			Help:    "Duration of workflow operations in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"operation"}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "etd_notifications_total",
			Help: "Total number of notification deliveries by sink and outcome",
		}, []string{"sink", "outcome"}),
	}
}

// ObserveOperation records one operation that started at start. outcome is
// the error kind, or "ok".
func (m *Metrics) ObserveOperation(op, outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(op, outcome).Inc()
	m.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncTransition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) IncNotification(sink, outcome string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(sink, outcome).Inc()
}
