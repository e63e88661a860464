package billing

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is optional; a nil *Metrics records nothing.
type Metrics struct {
	settlements  *prometheus.CounterVec
	refunds      *prometheus.CounterVec
	retries      *prometheus.CounterVec
	consumptions *prometheus.CounterVec
	payments     *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "practice", Subsystem: "billing", Name: "settlements_total",
			Help: "Charge settlements by mode.",
		}, []string{"mode"}),
		refunds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "practice", Subsystem: "billing", Name: "refunds_total",
			Help: "Refund attempts by outcome.",
		}, []string{"outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "practice", Subsystem: "billing", Name: "optimistic_retries_total",
			Help: "Transactions rerun after a version or serialization conflict.",
		}, []string{"op"}),
		consumptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "practice", Subsystem: "billing", Name: "package_consumptions_total",
			Help: "Package session draws by result.",
		}, []string{"result"}),
		payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "practice", Subsystem: "billing", Name: "payments_total",
			Help: "Payment attempts by final status.",
		}, []string{"status"}),
	}
	reg.MustRegister(m.settlements, m.refunds, m.retries, m.consumptions, m.payments)
	return m
}

func (m *Metrics) settled(mode SettlementMode) {
	if m != nil {
		m.settlements.WithLabelValues(string(mode)).Inc()
	}
}

func (m *Metrics) refund(outcome string) {
	if m != nil {
		m.refunds.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) retry(op string) {
	if m != nil {
		m.retries.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) consumption(result string) {
	if m != nil {
		m.consumptions.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) payment(status PaymentStatus) {
	if m != nil {
		m.payments.WithLabelValues(string(status)).Inc()
	}
}
