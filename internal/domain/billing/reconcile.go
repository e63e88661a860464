package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EnsureChargeForAppointment brings the billing side of an appointment in
// line with its current facts. It is idempotent: a second call with the same
// snapshot writes nothing. It returns nil when the appointment is covered by
// a package or is free.
func (s *Service) EnsureChargeForAppointment(ctx context.Context, appt Appointment) (*Charge, error) {
	if err := s.validateAppointment(&appt); err != nil {
		return nil, err
	}

	switch appt.BillingPolicy {
	case PolicyFree:
		return nil, nil
	case PolicyPackage:
		if appt.PackageID != nil {
			if appt.PaidViaPackageID != nil && *appt.PaidViaPackageID == *appt.PackageID {
				return nil, nil
			}
			if !appt.Cancelled {
				covered, err := s.consumePackageSession(ctx, appt)
				if err != nil {
					return nil, err
				}
				if covered {
					return nil, nil
				}
			}
		}
	}

	return s.upsertAppointmentCharge(ctx, appt)
}

func (s *Service) validateAppointment(appt *Appointment) error {
	if appt.ID == uuid.Nil {
		return invalid("appointment_id", "required")
	}
	if appt.ClientID == uuid.Nil {
		return invalid("client_id", "required")
	}
	if appt.TherapistID == uuid.Nil {
		return invalid("therapist_id", "required")
	}
	if appt.BillingPolicy == "" {
		appt.BillingPolicy = PolicyPerSession
	}
	switch appt.BillingPolicy {
	case PolicyPerSession, PolicyPackage, PolicyFree:
	default:
		return invalid("billing_policy", fmt.Sprintf("unknown policy %q", appt.BillingPolicy))
	}
	if appt.Price.IsNegative() || !isCents(appt.Price) {
		return invalid("price", "must be a non-negative amount with at most two decimal places")
	}
	appt.Currency = s.currencyOrDefault(appt.Currency)
	return validateCurrency(appt.Currency)
}

// errSessionUnavailable rolls back an appointment claim when the package
// ran out between the capacity check and the draw.
var errSessionUnavailable = errors.New("package session unavailable")

// consumePackageSession draws one session for the appointment and marks it
// paid via the package. The appointment is claimed inside the transaction,
// so repeated or concurrent calls draw at most once. It reports false when
// the package cannot cover the session, in which case the appointment is
// billed as a charge, and true when this or an earlier call covered it.
func (s *Service) consumePackageSession(ctx context.Context, appt Appointment) (bool, error) {
	pkgID := *appt.PackageID
	consumed, claimedBefore := false, false
	err := s.inTx(ctx, "consume_package", func(ctx context.Context) error {
		consumed, claimedBefore = false, false
		pkg, err := s.packages.GetByID(ctx, pkgID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		now := s.now()
		if pkg.ClientID != appt.ClientID || !pkg.Consumable(now) {
			return nil
		}
		claimed, err := s.appointments.ClaimPackageSession(ctx, appt.ID, pkgID)
		if err != nil {
			return fmt.Errorf("claim appointment for package: %w", err)
		}
		if !claimed {
			claimedBefore = true
			return nil
		}
		pkg, ok, err := s.packages.ConsumeSession(ctx, pkgID, now)
		if err != nil {
			return err
		}
		if !ok {
			return errSessionUnavailable
		}
		if err := s.appointments.SetPaymentStatus(ctx, appt.ID, AppointmentPaid, &pkgID); err != nil {
			return fmt.Errorf("mark appointment paid via package: %w", err)
		}
		if err := s.retireSupersededCharge(ctx, appt, pkgID, now); err != nil {
			return err
		}
		consumed = true
		s.logger.Info().
			Str("appointment_id", appt.ID.String()).
			Str("package_id", pkgID.String()).
			Int("remaining", pkg.RemainingSessions()).
			Msg("package session consumed")
		return nil
	})
	if errors.Is(err, errSessionUnavailable) {
		err = nil
	}
	if err != nil {
		return false, err
	}
	switch {
	case claimedBefore:
		s.logger.Debug().
			Str("appointment_id", appt.ID.String()).
			Msg("appointment already covered by a package")
		return true, nil
	case consumed:
		s.metrics.consumption("consumed")
	default:
		s.metrics.consumption("fallthrough")
		s.logger.Info().
			Str("appointment_id", appt.ID.String()).
			Str("package_id", pkgID.String()).
			Msg("package cannot cover session, billing as charge")
	}
	return consumed, nil
}

// retireSupersededCharge cancels the charge an appointment carried before a
// package took it over. A charge that already collected money is kept and
// flagged for manual review.
func (s *Service) retireSupersededCharge(ctx context.Context, appt Appointment, pkgID uuid.UUID, now time.Time) error {
	existing, err := s.loadAppointmentCharge(ctx, appt)
	if err != nil || existing == nil || protectedStatuses[existing.Status] {
		return err
	}
	if existing.PaidAmount.IsPositive() {
		s.logger.Warn().
			Str("appointment_id", appt.ID.String()).
			Str("charge_id", existing.ID.String()).
			Str("package_id", pkgID.String()).
			Str("paid_amount", existing.PaidAmount.StringFixed(2)).
			Msg("appointment covered by package but its charge has payments")
		return nil
	}
	next := existing.clone()
	next.Status = ChargeCanceled
	next.addAudit(now, AuditCanceled, actorFrom(ctx), map[string]interface{}{
		"reason":         "covered_by_package",
		"appointment_id": appt.ID.String(),
		"package_id":     pkgID.String(),
	})
	if err := s.charges.Update(ctx, next); err != nil {
		return fmt.Errorf("cancel superseded charge: %w", err)
	}
	return nil
}

func (s *Service) loadAppointmentCharge(ctx context.Context, appt Appointment) (*Charge, error) {
	if appt.ChargeID != nil {
		c, err := s.charges.GetByID(ctx, *appt.ChargeID)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	c, err := s.charges.GetByAppointment(ctx, appt.ID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return c, err
}

func (s *Service) upsertAppointmentCharge(ctx context.Context, appt Appointment) (*Charge, error) {
	var result *Charge
	err := s.inTx(ctx, "reconcile", func(ctx context.Context) error {
		existing, err := s.loadAppointmentCharge(ctx, appt)
		if err != nil {
			return err
		}
		now := s.now()
		actor := actorFrom(ctx)
		items := []LineItem{{Kind: LineSession, Quantity: 1, UnitPrice: appt.Price}}
		totals := SumLineItems(items)

		if existing == nil {
			id := appt.ID
			c := &Charge{
				TherapistID:           appt.TherapistID,
				ClientID:              appt.ClientID,
				AppointmentID:         &id,
				Amount:                totals.Amount,
				PaidAmount:            decimal.Zero,
				TaxAmount:             decimal.Zero,
				DiscountAmount:        totals.Discount,
				TipAmount:             totals.Tip,
				CancellationFeeAmount: totals.CancellationFee,
				Currency:              appt.Currency,
				LineItems:             items,
				Payments:              []uuid.UUID{},
				Allocations:           []Allocation{},
				IssuedAt:              &now,
				ProviderName:          s.provider.Name(),
			}
			if !appt.StartsAt.IsZero() {
				due := appt.StartsAt.UTC()
				c.DueAt = &due
			}
			c.Status = DeriveStatus("", c.PaidAmount, c.Total(), appt.Cancelled)
			if c.Status == ChargePaid {
				c.PaidAt = &now
			}
			c.addAudit(now, AuditCreatedFromAppointment, actor, map[string]interface{}{
				"appointment_id": appt.ID.String(),
				"amount":         c.Amount.StringFixed(2),
				"status":         string(c.Status),
			})
			if err := s.charges.Create(ctx, c); err != nil {
				return err
			}
			if err := s.appointments.LinkCharge(ctx, appt.ID, c.ID); err != nil {
				return fmt.Errorf("link charge: %w", err)
			}
			result = c
		} else {
			next := existing.clone()
			next.TherapistID = appt.TherapistID
			next.ClientID = appt.ClientID
			next.Currency = appt.Currency
			next.LineItems = items
			next.Amount = totals.Amount
			next.DiscountAmount = totals.Discount
			next.TipAmount = totals.Tip
			next.CancellationFeeAmount = totals.CancellationFee
			if !appt.StartsAt.IsZero() {
				due := appt.StartsAt.UTC()
				next.DueAt = &due
			}
			next.Status = DeriveStatus(existing.Status, existing.PaidAmount, next.Total(), appt.Cancelled)
			if next.Status == ChargePaid && existing.Status != ChargePaid {
				next.PaidAt = &now
			}

			if changes := chargeFactChanges(existing, next); len(changes) > 0 {
				changes["appointment_id"] = appt.ID.String()
				next.addAudit(now, AuditUpdatedFromAppointment, actor, changes)
				if err := s.charges.Update(ctx, next); err != nil {
					return err
				}
			}
			if appt.ChargeID == nil || *appt.ChargeID != next.ID {
				if err := s.appointments.LinkCharge(ctx, appt.ID, next.ID); err != nil {
					return fmt.Errorf("link charge: %w", err)
				}
			}
			result = next
		}

		if st, ok := mirrorStatus(result.Status); ok && st != appt.PaymentStatus {
			if err := s.appointments.SetPaymentStatus(ctx, appt.ID, st, nil); err != nil {
				return fmt.Errorf("mirror payment status: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile appointment %s: %w", appt.ID, err)
	}
	return result, nil
}

// chargeFactChanges lists old and new values for every appointment-derived
// field that differs. An empty result means the charge is already current.
func chargeFactChanges(old, next *Charge) map[string]interface{} {
	changes := map[string]interface{}{}
	pair := func(key string, from, to interface{}) {
		changes[key] = map[string]interface{}{"from": from, "to": to}
	}
	if !old.Amount.Equal(next.Amount) {
		pair("amount", old.Amount.StringFixed(2), next.Amount.StringFixed(2))
	}
	if old.Currency != next.Currency {
		pair("currency", old.Currency, next.Currency)
	}
	if old.Status != next.Status {
		pair("status", string(old.Status), string(next.Status))
	}
	if old.TherapistID != next.TherapistID {
		pair("therapist_id", old.TherapistID.String(), next.TherapistID.String())
	}
	if old.ClientID != next.ClientID {
		pair("client_id", old.ClientID.String(), next.ClientID.String())
	}
	if !sameLineItems(old.LineItems, next.LineItems) {
		changes["line_items"] = len(next.LineItems)
	}
	if !sameTime(old.DueAt, next.DueAt) {
		pair("due_at", timeString(old.DueAt), timeString(next.DueAt))
	}
	return changes
}
