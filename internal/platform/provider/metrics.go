package provider

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts provider calls by outcome and records their latency.
type Metrics struct {
	calls   *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "practice",
			Subsystem: "provider",
			Name:      "calls_total",
			Help:      "Payment provider calls by provider, operation and outcome.",
		}, []string{"provider", "op", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "practice",
			Subsystem: "provider",
			Name:      "call_duration_seconds",
			Help:      "Payment provider call latency.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"provider", "op"}),
	}
	reg.MustRegister(m.calls, m.latency)
	return m
}

// Instrument wraps p so every call is observed. A nil Metrics returns p.
func Instrument(p BillingProvider, m *Metrics) BillingProvider {
	if m == nil {
		return p
	}
	return &instrumented{next: p, m: m}
}

type instrumented struct {
	next BillingProvider
	m    *Metrics
}

func (i *instrumented) observe(op string, start time.Time, ok bool, err error) {
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case !ok:
		outcome = "declined"
	}
	name := i.next.Name()
	i.m.calls.WithLabelValues(name, op, outcome).Inc()
	i.m.latency.WithLabelValues(name, op).Observe(time.Since(start).Seconds())
}

func (i *instrumented) Name() string { return i.next.Name() }

func (i *instrumented) CreateCharge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	start := time.Now()
	res, err := i.next.CreateCharge(ctx, req)
	i.observe("create_charge", start, res != nil && res.OK, err)
	return res, err
}

func (i *instrumented) CreateInvoice(ctx context.Context, paymentID string) (*InvoiceResult, error) {
	start := time.Now()
	res, err := i.next.CreateInvoice(ctx, paymentID)
	i.observe("create_invoice", start, res != nil && res.OK, err)
	return res, err
}

func (i *instrumented) CheckChargeStatus(ctx context.Context, transactionID string) (*StatusResult, error) {
	start := time.Now()
	res, err := i.next.CheckChargeStatus(ctx, transactionID)
	i.observe("check_status", start, res != nil && res.Status != TxNotFound, err)
	return res, err
}

func (i *instrumented) RefundCharge(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	start := time.Now()
	res, err := i.next.RefundCharge(ctx, req)
	i.observe("refund_charge", start, res != nil && res.OK, err)
	return res, err
}
