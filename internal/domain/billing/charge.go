package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CreateChargeInput describes a charge that is not tied to an appointment,
// such as a cancellation fee or a product sale.
type CreateChargeInput struct {
	TherapistID uuid.UUID
	ClientID    uuid.UUID
	Currency    string
	LineItems   []LineItem
	TaxAmount   decimal.Decimal
	DueAt       *time.Time
	Notes       string
	// Draft charges are not owed until issued.
	Draft bool
}

func (s *Service) CreateCharge(ctx context.Context, in CreateChargeInput) (*Charge, error) {
	if in.TherapistID == uuid.Nil {
		return nil, invalid("therapist_id", "required")
	}
	if in.ClientID == uuid.Nil {
		return nil, invalid("client_id", "required")
	}
	if len(in.LineItems) == 0 {
		return nil, invalid("line_items", "at least one line item is required")
	}
	for _, li := range in.LineItems {
		if err := li.Validate(); err != nil {
			return nil, err
		}
	}
	if in.TaxAmount.IsNegative() || !isCents(in.TaxAmount) {
		return nil, invalid("tax_amount", "must be a non-negative amount with at most two decimal places")
	}
	currency := s.currencyOrDefault(in.Currency)
	if err := validateCurrency(currency); err != nil {
		return nil, err
	}

	totals := SumLineItems(in.LineItems)
	now := s.now()
	c := &Charge{
		TherapistID:           in.TherapistID,
		ClientID:              in.ClientID,
		Amount:                totals.Amount,
		PaidAmount:            decimal.Zero,
		TaxAmount:             in.TaxAmount,
		DiscountAmount:        totals.Discount,
		TipAmount:             totals.Tip,
		CancellationFeeAmount: totals.CancellationFee,
		Currency:              currency,
		LineItems:             append([]LineItem(nil), in.LineItems...),
		Payments:              []uuid.UUID{},
		Allocations:           []Allocation{},
		DueAt:                 in.DueAt,
		ProviderName:          s.provider.Name(),
		Notes:                 strings.TrimSpace(in.Notes),
	}
	if !c.Total().IsPositive() {
		return nil, invalid("line_items", "charge total must be positive")
	}
	if in.Draft {
		c.Status = ChargeDraft
	} else {
		c.Status = ChargePending
		c.IssuedAt = &now
	}
	c.addAudit(now, AuditCreated, actorFrom(ctx), map[string]interface{}{
		"total":  c.Total().StringFixed(2),
		"status": string(c.Status),
	})
	if err := s.charges.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("create charge: %w", err)
	}
	s.logger.Info().
		Str("charge_id", c.ID.String()).
		Str("client_id", c.ClientID.String()).
		Str("total", c.Total().StringFixed(2)).
		Msg("charge created")
	return c, nil
}

func (s *Service) GetCharge(ctx context.Context, id uuid.UUID) (*Charge, error) {
	return s.charges.GetByID(ctx, id)
}

// IssueCharge makes a draft charge owed.
func (s *Service) IssueCharge(ctx context.Context, id uuid.UUID) (*Charge, error) {
	return s.mutateCharge(ctx, "issue", id, func(c *Charge, now time.Time) error {
		if c.Status != ChargeDraft {
			return fmt.Errorf("charge %s is %s: %w", c.ID, c.Status, ErrInvalidTransition)
		}
		c.Status = ChargePending
		c.IssuedAt = &now
		c.addAudit(now, AuditIssued, actorFrom(ctx), nil)
		return nil
	})
}

// WriteOffCharge gives up on collecting a charge's balance.
func (s *Service) WriteOffCharge(ctx context.Context, id uuid.UUID, reason string) (*Charge, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, invalid("reason", "required")
	}
	return s.mutateCharge(ctx, "write_off", id, func(c *Charge, now time.Time) error {
		if protectedStatuses[c.Status] || c.Status == ChargeDraft {
			return fmt.Errorf("charge %s is %s: %w", c.ID, c.Status, ErrInvalidTransition)
		}
		c.addAudit(now, AuditWrittenOff, actorFrom(ctx), map[string]interface{}{
			"reason":  reason,
			"balance": c.Balance().StringFixed(2),
		})
		c.Status = ChargeWriteOff
		return nil
	})
}

// CancelCharge voids an ad-hoc charge nobody has paid toward. Appointment
// charges are cancelled by cancelling the appointment.
func (s *Service) CancelCharge(ctx context.Context, id uuid.UUID, reason string) (*Charge, error) {
	return s.mutateCharge(ctx, "cancel", id, func(c *Charge, now time.Time) error {
		if c.AppointmentID != nil {
			return fmt.Errorf("charge %s belongs to appointment %s: %w", c.ID, c.AppointmentID, ErrInvalidTransition)
		}
		if c.PaidAmount.IsPositive() {
			return fmt.Errorf("charge %s has payments: %w", c.ID, ErrInvalidTransition)
		}
		switch c.Status {
		case ChargeDraft, ChargePending, ChargeFailed:
		default:
			return fmt.Errorf("charge %s is %s: %w", c.ID, c.Status, ErrInvalidTransition)
		}
		c.addAudit(now, AuditCanceled, actorFrom(ctx), map[string]interface{}{"reason": reason})
		c.Status = ChargeCanceled
		return nil
	})
}

func (s *Service) mutateCharge(ctx context.Context, op string, id uuid.UUID, fn func(c *Charge, now time.Time) error) (*Charge, error) {
	var out *Charge
	err := s.inTx(ctx, "charge_"+op, func(ctx context.Context) error {
		c, err := s.charges.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(c, s.now()); err != nil {
			return err
		}
		if err := s.charges.Update(ctx, c); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s charge %s: %w", strings.ReplaceAll(op, "_", " "), id, err)
	}
	s.logger.Info().Str("charge_id", id.String()).Str("status", string(out.Status)).Msg("charge " + op)
	return out, nil
}
