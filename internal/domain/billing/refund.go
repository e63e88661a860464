package billing

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ehr/practice/internal/platform/provider"
)

type RefundInput struct {
	PaymentID uuid.UUID
	// Amount defaults to everything still refundable.
	Amount *decimal.Decimal
	Reason string
}

type RefundOutcome struct {
	Success             bool            `json:"success"`
	Payment             *Payment        `json:"payment"`
	Amount              decimal.Decimal `json:"amount"`
	RefundTransactionID string          `json:"refund_transaction_id,omitempty"`
	Error               string          `json:"error,omitempty"`
	Charges             []ChargeView    `json:"charges,omitempty"`
}

// RefundPayment refunds all or part of a paid payment through the provider
// and takes the refunded money back out of the charges the payment settled.
//
// The amount is reserved on the payment before the provider is called so
// that concurrent refunds cannot exceed what was paid. A provider failure
// releases the reservation and leaves charges untouched.
func (s *Service) RefundPayment(ctx context.Context, in RefundInput) (*RefundOutcome, error) {
	p, amount, err := s.reserveRefund(ctx, in)
	if err != nil {
		return nil, err
	}
	log := s.logger.With().
		Str("payment_id", p.ID.String()).
		Str("amount", amount.StringFixed(2)).
		Logger()

	pctx, cancel := s.providerCtx(ctx)
	res, callErr := s.provider.RefundCharge(pctx, provider.RefundRequest{
		TransactionID: p.TransactionID,
		Amount:        amount,
		Reason:        in.Reason,
	})
	cancel()

	if callErr != nil || !res.OK {
		reason := provider.ReasonNetworkError
		if callErr == nil {
			reason = res.Error
		}
		released, relErr := s.releaseRefund(ctx, p.ID, amount, reason)
		if relErr != nil {
			log.Error().Err(relErr).Msg("refund reservation not released")
		}
		if released == nil {
			released = p
		}
		outcome := &RefundOutcome{Success: false, Payment: released, Amount: amount, Error: reason}
		if callErr != nil {
			s.metrics.refund("error")
			log.Warn().Err(callErr).Msg("refund provider call failed")
			return outcome, fmt.Errorf("refund payment %s: %w: %v", p.ID, ErrProviderUnavailable, callErr)
		}
		s.metrics.refund("declined")
		log.Info().Str("reason", reason).Msg("refund declined by provider")
		return outcome, nil
	}

	outcome, err := s.applyRefund(ctx, p.ID, amount, res.RefundTransactionID, in.Reason)
	if err != nil {
		s.metrics.refund("unrecorded")
		log.Error().Err(err).
			Str("refund_transaction_id", res.RefundTransactionID).
			Msg("provider refunded but the refund was not recorded")
		return nil, &UnrecordedError{PaymentID: p.ID, TransactionID: res.RefundTransactionID, Err: err}
	}
	s.metrics.refund("ok")
	log.Info().
		Str("refund_transaction_id", res.RefundTransactionID).
		Int("charges", len(outcome.Charges)).
		Msg("payment refunded")
	return outcome, nil
}

func (s *Service) reserveRefund(ctx context.Context, in RefundInput) (*Payment, decimal.Decimal, error) {
	if in.Amount != nil {
		if !in.Amount.IsPositive() {
			return nil, decimal.Zero, invalid("amount", "must be positive")
		}
		if !isCents(*in.Amount) {
			return nil, decimal.Zero, invalid("amount", "at most two decimal places")
		}
	}

	var (
		p      *Payment
		amount decimal.Decimal
	)
	err := s.inTx(ctx, "refund_reserve", func(ctx context.Context) error {
		cur, err := s.payments.GetByID(ctx, in.PaymentID)
		if err != nil {
			return err
		}
		switch {
		case cur.Status == PaymentRefunded:
			return fmt.Errorf("payment %s is fully refunded: %w", cur.ID, ErrRefundExceedsPaid)
		case cur.Status != PaymentPaid || cur.TransactionID == "":
			return fmt.Errorf("payment %s is %s: %w", cur.ID, cur.EffectiveStatus(s.now()), ErrPaymentNotPaid)
		}
		refundable := cur.Refundable()
		amount = refundable
		if in.Amount != nil {
			amount = *in.Amount
		}
		if !amount.IsPositive() || amount.GreaterThan(refundable) {
			return fmt.Errorf("requested %s, refundable %s: %w",
				amount.StringFixed(2), refundable.StringFixed(2), ErrRefundExceedsPaid)
		}
		cur.RefundPendingAmount = cur.RefundPendingAmount.Add(amount)
		if err := s.payments.Update(ctx, cur); err != nil {
			return err
		}
		p = cur
		return nil
	})
	if err != nil {
		return nil, decimal.Zero, fmt.Errorf("refund payment %s: %w", in.PaymentID, err)
	}
	return p, amount, nil
}

func (s *Service) releaseRefund(ctx context.Context, paymentID uuid.UUID, amount decimal.Decimal, reason string) (*Payment, error) {
	var p *Payment
	err := s.inTx(ctx, "refund_release", func(ctx context.Context) error {
		cur, err := s.payments.GetByID(ctx, paymentID)
		if err != nil {
			return err
		}
		cur.RefundPendingAmount = clampZero(cur.RefundPendingAmount.Sub(amount))
		cur.setMeta("last_refund_error", reason)
		if err := s.payments.Update(ctx, cur); err != nil {
			return err
		}
		p = cur
		return nil
	})
	return p, err
}

func (s *Service) applyRefund(ctx context.Context, paymentID uuid.UUID, amount decimal.Decimal, refundTxID, reason string) (*RefundOutcome, error) {
	var outcome *RefundOutcome
	err := s.inTx(ctx, "refund_apply", func(ctx context.Context) error {
		p, err := s.payments.GetByID(ctx, paymentID)
		if err != nil {
			return err
		}
		now := s.now()
		actor := actorFrom(ctx)

		// Money not allocated to any charge is refunded first.
		floating := clampZero(p.Amount.Sub(p.RefundedAmount).Sub(p.AllocatedAmount))

		p.RefundPendingAmount = clampZero(p.RefundPendingAmount.Sub(amount))
		p.RefundedAmount = p.RefundedAmount.Add(amount)
		p.Refunds = append(p.Refunds, Refund{
			RefundTransactionID: refundTxID,
			Amount:              amount,
			Reason:              reason,
			Actor:               actor,
			At:                  now,
		})
		if p.RefundedAmount.GreaterThanOrEqual(p.Amount) {
			p.Status = PaymentRefunded
		}

		charges, err := s.charges.ListByPayment(ctx, p.ID)
		if err != nil {
			return err
		}
		var direct, allocated []*Charge
		for _, c := range charges {
			if c.SettlementMode == SettlementDirect {
				direct = append(direct, c)
			} else {
				allocated = append(allocated, c)
			}
		}

		if err := s.payments.Update(ctx, p); err != nil {
			return err
		}

		entry := func(c *Charge, reduced decimal.Decimal) {
			c.addAudit(now, AuditRefundedPayment, actor, map[string]interface{}{
				"payment_id":            p.ID.String(),
				"refund_transaction_id": refundTxID,
				"amount":                reduced.StringFixed(2),
				"reason":                reason,
			})
		}
		var updated []*Charge

		for _, c := range direct {
			if c.AppointmentID == nil {
				continue
			}
			paid, allocs, err := s.directPaid(ctx, *c.AppointmentID, c)
			if err != nil {
				return err
			}
			reduced := clampZero(c.PaidAmount.Sub(paid))
			c.PaidAmount = paid
			c.Allocations = allocs
			c.Status = statusAfterRefund(c.Status, paid, c.Total())
			entry(c, reduced)
			if err := s.charges.Update(ctx, c); err != nil {
				return err
			}
			if err := s.mirror(ctx, c); err != nil {
				return fmt.Errorf("mirror payment status: %w", err)
			}
			updated = append(updated, c)
		}

		fromCharges := clampZero(amount.Sub(floating))
		if fromCharges.IsPositive() && len(allocated) > 0 {
			reductions := proportionalReductions(allocated, p.ID, fromCharges)
			total := decimal.Zero
			for i, c := range allocated {
				r := reductions[i]
				if !r.IsPositive() {
					continue
				}
				idx, cur := c.allocationFor(p.ID)
				c.Allocations[idx].Amount = cur.Sub(r)
				c.PaidAmount = clampZero(c.PaidAmount.Sub(r))
				c.Status = statusAfterRefund(c.Status, c.PaidAmount, c.Total())
				entry(c, r)
				if err := s.charges.Update(ctx, c); err != nil {
					return err
				}
				if err := s.mirror(ctx, c); err != nil {
					return fmt.Errorf("mirror payment status: %w", err)
				}
				total = total.Add(r)
				updated = append(updated, c)
			}
			if total.IsPositive() {
				p.AllocatedAmount = clampZero(p.AllocatedAmount.Sub(total))
				if err := s.payments.Update(ctx, p); err != nil {
					return err
				}
			}
		}

		outcome = &RefundOutcome{
			Success:             true,
			Payment:             p,
			Amount:              amount,
			RefundTransactionID: refundTxID,
			Charges:             ViewsOf(updated),
		}
		return nil
	})
	return outcome, err
}

// directPaid sums what the appointment's settled payments still contribute.
func (s *Service) directPaid(ctx context.Context, appointmentID uuid.UUID, c *Charge) (decimal.Decimal, []Allocation, error) {
	payments, err := s.payments.ListByAppointment(ctx, appointmentID)
	if err != nil {
		return decimal.Zero, nil, err
	}
	paid := decimal.Zero
	allocs := make([]Allocation, 0, len(payments))
	for _, p := range payments {
		if !p.Status.Settled() {
			continue
		}
		net := p.NetAmount()
		paid = paid.Add(net)
		at := s.now()
		if i, _ := c.allocationFor(p.ID); i >= 0 {
			at = c.Allocations[i].At
		}
		allocs = append(allocs, Allocation{PaymentID: p.ID, Amount: net, At: at})
	}
	return paid, allocs, nil
}

// proportionalReductions splits amount across the charges by their share of
// the payment's allocations. Each reduction is capped by what the charge
// holds from the payment; the last charge absorbs rounding.
func proportionalReductions(charges []*Charge, paymentID uuid.UUID, amount decimal.Decimal) []decimal.Decimal {
	out := make([]decimal.Decimal, len(charges))
	held := make([]decimal.Decimal, len(charges))
	total := decimal.Zero
	for i, c := range charges {
		_, a := c.allocationFor(paymentID)
		held[i] = minDecimal(a, c.PaidAmount)
		total = total.Add(a)
	}
	if !total.IsPositive() {
		for i := range out {
			out[i] = decimal.Zero
		}
		return out
	}

	left := amount
	last := len(charges) - 1
	for i, c := range charges {
		_, a := c.allocationFor(paymentID)
		share := left
		if i != last {
			share = amount.Mul(a).Div(total).Round(2)
		}
		r := clampZero(minDecimal(share, held[i]))
		r = minDecimal(r, left)
		out[i] = r
		left = left.Sub(r)
	}
	return out
}
