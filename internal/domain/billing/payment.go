package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ehr/practice/internal/platform/provider"
)

type CreatePaymentInput struct {
	ClientID      uuid.UUID
	Amount        decimal.Decimal
	Currency      string
	Method        PaymentMethod
	AppointmentID *uuid.UUID
	// ChargeID allocates the payment to one ad-hoc charge once it succeeds.
	ChargeID *uuid.UUID
	Metadata map[string]interface{}
}

type PaymentOutcome struct {
	Success       bool     `json:"success"`
	Payment       *Payment `json:"payment"`
	TransactionID string   `json:"transaction_id,omitempty"`
	Error         string   `json:"error,omitempty"`
	Charge        *Charge  `json:"charge,omitempty"`
	// SettlementError is set when the payment was recorded but applying it
	// to a charge failed. The payment can be redriven later.
	SettlementError string `json:"settlement_error,omitempty"`
}

func (s *Service) validatePayment(in *CreatePaymentInput) error {
	if in.ClientID == uuid.Nil {
		return invalid("client_id", "required")
	}
	if !in.Amount.IsPositive() {
		return invalid("amount", "must be positive")
	}
	if !isCents(in.Amount) {
		return invalid("amount", "at most two decimal places")
	}
	in.Currency = s.currencyOrDefault(in.Currency)
	if err := validateCurrency(in.Currency); err != nil {
		return err
	}
	if in.Method == "" {
		in.Method = MethodCard
	}
	if !validPaymentMethods[in.Method] {
		return invalid("method", fmt.Sprintf("unknown method %q", in.Method))
	}
	if in.AppointmentID != nil && in.ChargeID != nil {
		return invalid("charge_id", "give either appointment_id or charge_id")
	}
	return nil
}

// CreatePayment charges the client through the provider and records the
// result. A provider decline is not an error: the outcome reports
// Success=false and the payment is stored as failed. The provider is never
// called while a transaction is open.
func (s *Service) CreatePayment(ctx context.Context, in CreatePaymentInput) (*PaymentOutcome, error) {
	if err := s.validatePayment(&in); err != nil {
		return nil, err
	}
	now := s.now()
	p := &Payment{
		ID:                  uuid.New(),
		ClientID:            in.ClientID,
		AppointmentID:       in.AppointmentID,
		ChargeID:            in.ChargeID,
		Amount:              in.Amount,
		Currency:            in.Currency,
		Method:              in.Method,
		Provider:            s.provider.Name(),
		Status:              PaymentPending,
		RefundedAmount:      decimal.Zero,
		RefundPendingAmount: decimal.Zero,
		AllocatedAmount:     decimal.Zero,
		Metadata:            in.Metadata,
		ExpiresAt:           now.Add(s.opts.PaymentExpiry),
	}
	if err := s.payments.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}
	log := s.logger.With().
		Str("payment_id", p.ID.String()).
		Str("client_id", p.ClientID.String()).
		Str("amount", p.Amount.StringFixed(2)).
		Logger()

	pctx, cancel := s.providerCtx(ctx)
	res, callErr := s.provider.CreateCharge(pctx, provider.ChargeRequest{
		ClientID:       p.ClientID.String(),
		Amount:         p.Amount,
		Currency:       p.Currency,
		Method:         string(p.Method),
		IdempotencyKey: p.ID.String(),
	})
	cancel()

	if callErr != nil || !res.OK {
		reason := provider.ReasonNetworkError
		var raw map[string]interface{}
		if callErr == nil {
			reason, raw = res.Error, res.ProviderResponse
		}
		failed, err := s.mutatePayment(ctx, "payment_failed", p.ID, func(cur *Payment) error {
			cur.Status = PaymentFailed
			cur.FailureReason = reason
			cur.setMeta("failure_reason", reason)
			if raw != nil {
				cur.setMeta("provider_response", raw)
			}
			return nil
		})
		if err != nil {
			log.Error().Err(err).Str("reason", reason).Msg("failed payment not recorded")
			return nil, fmt.Errorf("record failed payment %s: %w", p.ID, err)
		}
		s.metrics.payment(PaymentFailed)
		outcome := &PaymentOutcome{Success: false, Payment: failed, Error: reason}
		if callErr != nil {
			log.Warn().Err(callErr).Msg("provider charge call failed")
			return outcome, fmt.Errorf("create payment %s: %w: %v", p.ID, ErrProviderUnavailable, callErr)
		}
		log.Info().Str("reason", reason).Msg("payment declined")
		return outcome, nil
	}

	paid, err := s.mutatePayment(ctx, "payment_paid", p.ID, func(cur *Payment) error {
		paidAt := s.now()
		cur.Status = PaymentPaid
		cur.TransactionID = res.TransactionID
		cur.PaidAt = &paidAt
		cur.FailureReason = ""
		return nil
	})
	if err != nil {
		s.metrics.payment("unrecorded")
		log.Error().Err(err).
			Str("transaction_id", res.TransactionID).
			Msg("provider charged but the payment was not recorded")
		return nil, &UnrecordedError{PaymentID: p.ID, TransactionID: res.TransactionID, Err: err}
	}
	s.metrics.payment(PaymentPaid)
	log.Info().Str("transaction_id", res.TransactionID).Msg("payment succeeded")

	outcome := &PaymentOutcome{Success: true, Payment: paid, TransactionID: res.TransactionID}
	switch {
	case paid.AppointmentID != nil:
		c, err := s.SettleAppointment(ctx, *paid.AppointmentID)
		if err != nil {
			log.Error().Err(err).Msg("payment recorded but appointment settlement failed")
			outcome.SettlementError = err.Error()
		}
		outcome.Charge = c
	case paid.ChargeID != nil:
		alloc, err := s.ApplyPaymentToCharges(ctx, paid.ID, []uuid.UUID{*paid.ChargeID})
		if err != nil {
			log.Error().Err(err).Msg("payment recorded but allocation failed")
			outcome.SettlementError = err.Error()
			break
		}
		outcome.Payment = alloc.Payment
		if len(alloc.Charges) > 0 {
			outcome.Charge = alloc.Charges[0]
		}
	}
	return outcome, nil
}

// mutatePayment reloads the payment inside a transaction, applies fn and
// writes it back, retrying on conflicts.
func (s *Service) mutatePayment(ctx context.Context, op string, id uuid.UUID, fn func(p *Payment) error) (*Payment, error) {
	var out *Payment
	err := s.inTx(ctx, op, func(ctx context.Context) error {
		p, err := s.payments.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
		if err := s.payments.Update(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

func (s *Service) GetPayment(ctx context.Context, id uuid.UUID) (*Payment, error) {
	p, err := s.payments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Status = p.EffectiveStatus(s.now())
	return p, nil
}

func (s *Service) ListPayments(ctx context.Context, clientID uuid.UUID, limit, offset int) ([]*Payment, int, error) {
	if clientID == uuid.Nil {
		return nil, 0, invalid("client_id", "required")
	}
	items, total, err := s.payments.ListByClient(ctx, clientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	now := s.now()
	for _, p := range items {
		p.Status = p.EffectiveStatus(now)
	}
	return items, total, nil
}

// CancelPayment abandons a pending payment. Payments already sent to the
// provider cannot be cancelled; refund them instead.
func (s *Service) CancelPayment(ctx context.Context, id uuid.UUID, reason string) (*Payment, error) {
	p, err := s.mutatePayment(ctx, "payment_cancel", id, func(p *Payment) error {
		if st := p.EffectiveStatus(s.now()); st != PaymentPending {
			return fmt.Errorf("payment %s is %s: %w", p.ID, st, ErrInvalidTransition)
		}
		p.Status = PaymentCanceled
		if reason != "" {
			p.setMeta("cancel_reason", reason)
		}
		p.setMeta("canceled_by", actorFrom(ctx))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cancel payment %s: %w", id, err)
	}
	return p, nil
}

// IssueInvoice asks the provider for an invoice document for a paid payment
// and stores its reference on the payment and the charges it settled.
// Calling it again returns the existing invoice.
func (s *Service) IssueInvoice(ctx context.Context, id uuid.UUID) (*Payment, error) {
	p, err := s.payments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.InvoiceID != "" {
		return p, nil
	}
	if !p.Status.Settled() {
		return nil, fmt.Errorf("invoice payment %s: %w", id, ErrPaymentNotPaid)
	}

	pctx, cancel := s.providerCtx(ctx)
	res, err := s.provider.CreateInvoice(pctx, p.ID.String())
	cancel()
	if err != nil {
		return nil, fmt.Errorf("invoice payment %s: %w: %v", id, ErrProviderUnavailable, err)
	}
	if !res.OK {
		return nil, fmt.Errorf("invoice payment %s: %w: %s", id, ErrProviderDeclined, res.Error)
	}

	var out *Payment
	err = s.inTx(ctx, "invoice", func(ctx context.Context) error {
		cur, err := s.payments.GetByID(ctx, id)
		if err != nil {
			return err
		}
		cur.InvoiceID, cur.InvoiceURL = res.InvoiceID, res.InvoiceURL
		if err := s.payments.Update(ctx, cur); err != nil {
			return err
		}
		charges, err := s.charges.ListByPayment(ctx, id)
		if err != nil {
			return err
		}
		for _, c := range charges {
			if c.InvoiceID != "" {
				continue
			}
			c.InvoiceID, c.InvoiceURL = res.InvoiceID, res.InvoiceURL
			if err := s.charges.Update(ctx, c); err != nil {
				return err
			}
		}
		out = cur
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).
			Str("payment_id", id.String()).
			Str("invoice_id", res.InvoiceID).
			Msg("invoice issued but not recorded")
		return nil, fmt.Errorf("record invoice for payment %s: %w", id, err)
	}
	return out, nil
}

type VerifyResult struct {
	Payment     *Payment               `json:"payment"`
	Provider    *provider.StatusResult `json:"provider,omitempty"`
	Consistent  bool                   `json:"consistent"`
	Discrepancy string                 `json:"discrepancy,omitempty"`
}

// VerifyPayment compares the local record of a payment with the provider's.
func (s *Service) VerifyPayment(ctx context.Context, id uuid.UUID) (*VerifyResult, error) {
	p, err := s.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	out := &VerifyResult{Payment: p, Consistent: true}
	if p.TransactionID == "" {
		if p.Status.Settled() {
			out.Consistent = false
			out.Discrepancy = "payment is settled without a provider transaction"
		}
		return out, nil
	}

	pctx, cancel := s.providerCtx(ctx)
	st, err := s.provider.CheckChargeStatus(pctx, p.TransactionID)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("verify payment %s: %w: %v", id, ErrProviderUnavailable, err)
	}
	out.Provider = st

	switch {
	case st.Status == provider.TxNotFound:
		out.Discrepancy = "transaction unknown to provider"
	case !st.Amount.Equal(p.Amount):
		out.Discrepancy = fmt.Sprintf("amount %s locally, %s at provider", p.Amount.StringFixed(2), st.Amount.StringFixed(2))
	case !st.RefundedAmount.Equal(p.RefundedAmount):
		out.Discrepancy = fmt.Sprintf("refunded %s locally, %s at provider",
			p.RefundedAmount.StringFixed(2), st.RefundedAmount.StringFixed(2))
	}
	if out.Discrepancy != "" {
		out.Consistent = false
		s.logger.Warn().
			Str("payment_id", id.String()).
			Str("transaction_id", p.TransactionID).
			Str("discrepancy", out.Discrepancy).
			Msg("payment differs from provider record")
	}
	return out, nil
}

// RedriveSettlement reruns the direct recompute for a payment's appointment.
func (s *Service) RedriveSettlement(ctx context.Context, id uuid.UUID) (*Charge, error) {
	p, err := s.payments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.Status.Settled() {
		return nil, fmt.Errorf("redrive payment %s: %w", id, ErrPaymentNotPaid)
	}
	if p.AppointmentID == nil {
		return nil, invalid("payment_id", "payment is not tied to an appointment")
	}
	return s.SettleAppointment(ctx, *p.AppointmentID)
}

// SweepExpiredPayments persists the expired status of pending payments past
// their expiry.
func (s *Service) SweepExpiredPayments(ctx context.Context) (int, error) {
	n, err := s.payments.ExpirePending(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("sweep expired payments: %w", err)
	}
	if n > 0 {
		s.logger.Info().Int("expired", n).Msg("expired pending payments")
	}
	return n, nil
}

// RunExpirySweeper sweeps on every tick until ctx is done.
func (s *Service) RunExpirySweeper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.SweepExpiredPayments(ctx); err != nil {
				s.logger.Error().Err(err).Msg("payment expiry sweep failed")
			}
		}
	}
}
