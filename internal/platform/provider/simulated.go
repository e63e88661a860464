package provider

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

const SimulatedName = "simulated"

var simulatedFailureReasons = []string{
	ReasonInsufficientFunds,
	ReasonCardDeclined,
	ReasonNetworkError,
	ReasonTimeout,
	ReasonInvalidCard,
}

type SimulatedConfig struct {
	FailureRate float64
	// RefundFailureRate below zero means FailureRate/4.
	RefundFailureRate float64
	MinDelay          time.Duration
	MaxDelay          time.Duration
	// Rand overrides the random source; tests pass a seeded generator.
	Rand *rand.Rand
}

type simTransaction struct {
	amount   decimal.Decimal
	refunded decimal.Decimal
	currency string
	clientID string
	created  time.Time
}

// Simulated is an in-process gateway with configurable latency and failure
// rates. It remembers the transactions it approved so status checks and
// refunds behave like a real processor.
type Simulated struct {
	failureRate       float64
	refundFailureRate float64
	minDelay          time.Duration
	maxDelay          time.Duration

	mu  sync.Mutex
	rng *rand.Rand
	txs map[string]*simTransaction
}

func NewSimulated(cfg SimulatedConfig) *Simulated {
	refundRate := cfg.RefundFailureRate
	if refundRate < 0 {
		refundRate = cfg.FailureRate / 4
	}
	maxDelay := cfg.MaxDelay
	if maxDelay < cfg.MinDelay {
		maxDelay = cfg.MinDelay
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), rand.Uint64()))
	}
	return &Simulated{
		failureRate:       cfg.FailureRate,
		refundFailureRate: refundRate,
		minDelay:          cfg.MinDelay,
		maxDelay:          maxDelay,
		rng:               rng,
		txs:               make(map[string]*simTransaction),
	}
}

func (s *Simulated) Name() string { return SimulatedName }

// RefundFailureRate reports the effective refund failure probability.
func (s *Simulated) RefundFailureRate() float64 { return s.refundFailureRate }

// wait sleeps for a uniform random delay, returning early with an error when
// ctx ends first.
func (s *Simulated) wait(ctx context.Context) error {
	s.mu.Lock()
	d := s.minDelay
	if span := s.maxDelay - s.minDelay; span > 0 {
		d += time.Duration(s.rng.Int64N(int64(span) + 1))
	}
	s.mu.Unlock()

	if d <= 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("simulated provider: %s: %w", ReasonTimeout, err)
		}
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("simulated provider: %s: %w", ReasonTimeout, ctx.Err())
	case <-t.C:
		return nil
	}
}

// roll returns a failure reason with probability rate, or "".
func (s *Simulated) roll(rate float64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rollLocked(rate)
}

func (s *Simulated) rollLocked(rate float64) string {
	if rate <= 0 || s.rng.Float64() >= rate {
		return ""
	}
	return simulatedFailureReasons[s.rng.IntN(len(simulatedFailureReasons))]
}

func newSimID(prefix string) string {
	return prefix + ulid.Make().String()
}

func (s *Simulated) CreateCharge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	if !req.Amount.IsPositive() {
		return &ChargeResult{
			Error:            ReasonInvalidAmount,
			ProviderResponse: map[string]interface{}{"simulated": true, "status": "rejected"},
		}, nil
	}
	if reason := s.roll(s.failureRate); reason != "" {
		return &ChargeResult{
			Error: reason,
			ProviderResponse: map[string]interface{}{
				"simulated": true,
				"status":    "declined",
				"reason":    reason,
			},
		}, nil
	}

	txID := newSimID("sim_")
	s.mu.Lock()
	s.txs[txID] = &simTransaction{
		amount:   req.Amount,
		refunded: decimal.Zero,
		currency: req.Currency,
		clientID: req.ClientID,
		created:  time.Now().UTC(),
	}
	s.mu.Unlock()

	return &ChargeResult{
		OK:            true,
		TransactionID: txID,
		ProviderResponse: map[string]interface{}{
			"simulated":       true,
			"status":          TxSucceeded,
			"transaction_id":  txID,
			"amount":          req.Amount.StringFixed(2),
			"currency":        req.Currency,
			"idempotency_key": req.IdempotencyKey,
		},
	}, nil
}

func (s *Simulated) CreateInvoice(ctx context.Context, paymentID string) (*InvoiceResult, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	if reason := s.roll(s.failureRate); reason != "" {
		return &InvoiceResult{
			Error:            reason,
			ProviderResponse: map[string]interface{}{"simulated": true, "reason": reason},
		}, nil
	}
	invoiceID := newSimID("sim_inv_")
	return &InvoiceResult{
		OK:         true,
		InvoiceID:  invoiceID,
		InvoiceURL: "https://billing.simulated.invalid/invoices/" + invoiceID,
		ProviderResponse: map[string]interface{}{
			"simulated":  true,
			"payment_id": paymentID,
		},
	}, nil
}

func (s *Simulated) CheckChargeStatus(ctx context.Context, transactionID string) (*StatusResult, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	tx, ok := s.txs[transactionID]
	var snapshot simTransaction
	if ok {
		snapshot = *tx
	}
	s.mu.Unlock()

	if !ok {
		return &StatusResult{TransactionID: transactionID, Status: TxNotFound}, nil
	}
	status := TxSucceeded
	switch {
	case snapshot.refunded.GreaterThanOrEqual(snapshot.amount):
		status = TxRefunded
	case snapshot.refunded.IsPositive():
		status = TxPartiallyRefunded
	}
	return &StatusResult{
		TransactionID:  transactionID,
		Status:         status,
		Amount:         snapshot.amount,
		RefundedAmount: snapshot.refunded,
		Currency:       snapshot.currency,
		ProviderResponse: map[string]interface{}{
			"simulated":  true,
			"created_at": snapshot.created.Format(time.RFC3339),
		},
	}, nil
}

func (s *Simulated) RefundCharge(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	if !req.Amount.IsPositive() {
		return &RefundResult{Error: ReasonInvalidAmount}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[req.TransactionID]
	if !ok {
		return &RefundResult{Error: ReasonTransactionNotFound}, nil
	}
	if req.Amount.GreaterThan(tx.amount.Sub(tx.refunded)) {
		return &RefundResult{Error: ReasonRefundExceedsCharge}, nil
	}
	if reason := s.rollLocked(s.refundFailureRate); reason != "" {
		return &RefundResult{
			Error:            reason,
			ProviderResponse: map[string]interface{}{"simulated": true, "reason": reason},
		}, nil
	}
	tx.refunded = tx.refunded.Add(req.Amount)

	refundID := newSimID("sim_rf_")
	return &RefundResult{
		OK:                  true,
		RefundTransactionID: refundID,
		ProviderResponse: map[string]interface{}{
			"simulated":      true,
			"transaction_id": req.TransactionID,
			"amount":         req.Amount.StringFixed(2),
			"reason":         req.Reason,
		},
	}, nil
}
