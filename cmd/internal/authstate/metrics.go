package authstate

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments the lifecycle. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Operations *prometheus.CounterVec
	Events     *prometheus.CounterVec
	SignedIn   prometheus.Gauge
}

// NewMetrics creates the lifecycle metrics and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quill_auth_operations_total",
				Help: "Auth operations by operation and result code",
			},
			[]string{"op", "result"},
		),
		Events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quill_auth_events_total",
				Help: "Provider session events by kind and disposition",
			},
			[]string{"event", "disposition"},
		),
		SignedIn: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "quill_auth_signed_in",
				Help: "1 while the process holds a session, 0 otherwise",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.Operations, m.Events, m.SignedIn)
	}
	return m
}

// Observe keeps the signed-in gauge in sync with s.
func (m *Metrics) Observe(s *Store) Subscription {
	if m == nil || s == nil {
		return SubscriptionFunc(nil)
	}
	m.setSignedIn(s.Current())
	return s.Subscribe(m.setSignedIn)
}

func (m *Metrics) setSignedIn(st State) {
	if st.SignedIn() {
		m.SignedIn.Set(1)
		return
	}
	m.SignedIn.Set(0)
}

func (m *Metrics) operation(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = Code(err)
	}
	m.Operations.WithLabelValues(op, result).Inc()
}

func (m *Metrics) outcome(op, result string) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(op, result).Inc()
}

func (m *Metrics) event(kind, disposition string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(kind, disposition).Inc()
}
