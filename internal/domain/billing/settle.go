package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SettleAppointment recomputes the appointment's charge from the payments
// recorded against the appointment. It returns nil when the appointment has
// no charge yet.
func (s *Service) SettleAppointment(ctx context.Context, appointmentID uuid.UUID) (*Charge, error) {
	var result *Charge
	changed := false
	err := s.inTx(ctx, "settle_direct", func(ctx context.Context) error {
		result, changed = nil, false
		existing, err := s.charges.GetByAppointment(ctx, appointmentID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if existing.SettlementMode == SettlementAllocation {
			return fmt.Errorf("charge %s: %w", existing.ID, ErrSettlementModeConflict)
		}
		payments, err := s.payments.ListByAppointment(ctx, appointmentID)
		if err != nil {
			return err
		}

		now := s.now()
		next := existing.clone()
		paid := decimal.Zero
		allocs := make([]Allocation, 0, len(payments))
		for _, p := range payments {
			if !p.Status.Settled() {
				continue
			}
			net := p.NetAmount()
			paid = paid.Add(net)
			at := now
			if p.PaidAt != nil {
				at = *p.PaidAt
			}
			allocs = append(allocs, Allocation{PaymentID: p.ID, Amount: net, At: at})
			next.recordPayment(p.ID)
		}
		next.PaidAmount = paid
		next.Allocations = allocs
		if len(allocs) > 0 {
			next.SettlementMode = SettlementDirect
		}
		next.Status = DeriveStatus(existing.Status, paid, next.Total(), false)
		if next.Status == ChargePaid && existing.Status != ChargePaid {
			next.PaidAt = &now
		}

		if !settlementChanged(existing, next) {
			result = existing
			return nil
		}
		next.addAudit(now, AuditSettledFromPayments, actorFrom(ctx), map[string]interface{}{
			"paid_amount":          paid.StringFixed(2),
			"previous_paid_amount": existing.PaidAmount.StringFixed(2),
			"payments":             len(allocs),
			"status":               string(next.Status),
		})
		if err := s.charges.Update(ctx, next); err != nil {
			return err
		}
		if err := s.mirror(ctx, next); err != nil {
			return fmt.Errorf("mirror payment status: %w", err)
		}
		result, changed = next, true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("settle appointment %s: %w", appointmentID, err)
	}
	if changed {
		s.metrics.settled(SettlementDirect)
		s.logger.Info().
			Str("charge_id", result.ID.String()).
			Str("appointment_id", appointmentID.String()).
			Str("paid_amount", result.PaidAmount.StringFixed(2)).
			Str("status", string(result.Status)).
			Msg("charge settled from payments")
	}
	return result, nil
}

func settlementChanged(old, next *Charge) bool {
	if !old.PaidAmount.Equal(next.PaidAmount) || old.Status != next.Status ||
		old.SettlementMode != next.SettlementMode || len(old.Payments) != len(next.Payments) ||
		len(old.Allocations) != len(next.Allocations) {
		return true
	}
	for i := range old.Allocations {
		if old.Allocations[i].PaymentID != next.Allocations[i].PaymentID ||
			!old.Allocations[i].Amount.Equal(next.Allocations[i].Amount) {
			return true
		}
	}
	return false
}

// ChargeAllocation is the amount one allocation call applied to a charge.
type ChargeAllocation struct {
	ChargeID uuid.UUID       `json:"charge_id"`
	Amount   decimal.Decimal `json:"amount"`
	Balance  decimal.Decimal `json:"balance"`
}

type AllocationResult struct {
	Payment     *Payment           `json:"payment"`
	Applied     []ChargeAllocation `json:"applied"`
	Charges     []*Charge          `json:"-"`
	Unallocated decimal.Decimal    `json:"unallocated"`
}

// ApplyPaymentToCharges spreads a paid payment's unallocated amount over the
// given charges in order, settling each up to its balance. Whatever is left
// is reported as unallocated and recorded on the payment.
func (s *Service) ApplyPaymentToCharges(ctx context.Context, paymentID uuid.UUID, chargeIDs []uuid.UUID) (*AllocationResult, error) {
	ids := dedupe(chargeIDs)
	if len(ids) == 0 {
		return nil, invalid("charge_ids", "at least one charge is required")
	}

	var result *AllocationResult
	err := s.inTx(ctx, "allocate", func(ctx context.Context) error {
		result = nil
		p, err := s.payments.GetByID(ctx, paymentID)
		if err != nil {
			return err
		}
		now := s.now()
		if p.EffectiveStatus(now) != PaymentPaid {
			return fmt.Errorf("payment %s is %s: %w", p.ID, p.EffectiveStatus(now), ErrPaymentNotPaid)
		}
		if p.AppointmentID != nil {
			return fmt.Errorf("payment %s settles appointment %s: %w", p.ID, p.AppointmentID, ErrSettlementModeConflict)
		}

		actor := actorFrom(ctx)
		remaining := p.Unallocated()
		res := &AllocationResult{Applied: []ChargeAllocation{}}
		applied := decimal.Zero

		for _, id := range ids {
			if !remaining.IsPositive() {
				break
			}
			c, err := s.charges.GetByID(ctx, id)
			if err != nil {
				return err
			}
			if c.SettlementMode == SettlementDirect {
				return fmt.Errorf("charge %s: %w", c.ID, ErrSettlementModeConflict)
			}
			if c.ClientID != p.ClientID {
				return invalid("charge_ids", fmt.Sprintf("charge %s belongs to another client", c.ID))
			}
			if c.Currency != p.Currency {
				return fmt.Errorf("charge %s in %s, payment in %s: %w", c.ID, c.Currency, p.Currency, ErrCurrencyMismatch)
			}
			if c.Status.Voided() || c.Status == ChargeDraft {
				continue
			}
			bal := c.Balance()
			if !bal.IsPositive() {
				continue
			}

			amt := minDecimal(remaining, bal)
			c.PaidAmount = c.PaidAmount.Add(amt)
			c.recordPayment(p.ID)
			if i, prev := c.allocationFor(p.ID); i >= 0 {
				c.Allocations[i].Amount = prev.Add(amt)
				c.Allocations[i].At = now
			} else {
				c.Allocations = append(c.Allocations, Allocation{PaymentID: p.ID, Amount: amt, At: now})
			}
			c.SettlementMode = SettlementAllocation
			wasPaid := c.Status == ChargePaid
			c.Status = statusAfterAllocation(c)
			if c.Status == ChargePaid && !wasPaid {
				c.PaidAt = &now
			}
			c.addAudit(now, AuditAllocatedPayment, actor, map[string]interface{}{
				"payment_id": p.ID.String(),
				"amount":     amt.StringFixed(2),
				"balance":    c.Balance().StringFixed(2),
			})
			if err := s.charges.Update(ctx, c); err != nil {
				return err
			}

			remaining = remaining.Sub(amt)
			applied = applied.Add(amt)
			res.Applied = append(res.Applied, ChargeAllocation{ChargeID: c.ID, Amount: amt, Balance: c.Balance()})
			res.Charges = append(res.Charges, c)
		}

		p.AllocatedAmount = p.AllocatedAmount.Add(applied)
		p.setMeta("unallocated", remaining.StringFixed(2))
		if err := s.payments.Update(ctx, p); err != nil {
			return err
		}
		res.Payment = p
		res.Unallocated = remaining
		result = res
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("apply payment %s: %w", paymentID, err)
	}

	if len(result.Applied) > 0 {
		s.metrics.settled(SettlementAllocation)
	}
	ev := s.logger.Info()
	if result.Unallocated.IsPositive() {
		ev = s.logger.Warn()
	}
	ev.Str("payment_id", paymentID.String()).
		Int("charges", len(result.Applied)).
		Str("unallocated", result.Unallocated.StringFixed(2)).
		Msg("payment allocated")
	return result, nil
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
