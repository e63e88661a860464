package scheduling

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ehr/practice/internal/domain/billing"
)

// Reconciler is the billing engine entry point scheduling drives.
type Reconciler interface {
	EnsureChargeForAppointment(ctx context.Context, appt billing.Appointment) (*billing.Charge, error)
}

const defaultSessionLength = 50 * time.Minute

type Service struct {
	appointments AppointmentRepository
	billing      Reconciler
	logger       zerolog.Logger
}

func NewService(appts AppointmentRepository, rec Reconciler, logger zerolog.Logger) *Service {
	return &Service{
		appointments: appts,
		billing:      rec,
		logger:       logger.With().Str("component", "scheduling").Logger(),
	}
}

func validateAppointment(a *Appointment) error {
	if a.TherapistID == uuid.Nil {
		return invalid("therapist_id", "required")
	}
	if a.ClientID == uuid.Nil {
		return invalid("client_id", "required")
	}
	if a.StartsAt.IsZero() {
		return invalid("starts_at", "required")
	}
	if !a.EndsAt.IsZero() && a.EndsAt.Before(a.StartsAt) {
		return invalid("ends_at", "must not be before starts_at")
	}
	if a.Price.IsNegative() {
		return invalid("price", "must not be negative")
	}
	if a.Currency != "" && len(a.Currency) != 3 {
		return invalid("currency", "must be a 3-letter code")
	}
	switch a.BillingPolicy {
	case billing.PolicyPerSession, billing.PolicyFree:
	case billing.PolicyPackage:
		if a.PackageID == nil {
			return invalid("package_id", "required for PACKAGE billing")
		}
	default:
		return invalid("billing_policy", fmt.Sprintf("unknown policy %q", a.BillingPolicy))
	}
	if !validAppointmentStatuses[a.Status] {
		return invalid("status", fmt.Sprintf("unknown status %q", a.Status))
	}
	return nil
}

// CreateAppointment books an appointment and bills it.
func (s *Service) CreateAppointment(ctx context.Context, a *Appointment) error {
	if a.Status == "" {
		a.Status = StatusScheduled
	}
	if a.BillingPolicy == "" {
		a.BillingPolicy = billing.PolicyPerSession
	}
	a.Currency = strings.ToUpper(strings.TrimSpace(a.Currency))
	a.Notes = strings.TrimSpace(a.Notes)
	a.ChargeID, a.PaidViaPackageID, a.PaymentStatus = nil, nil, ""
	if err := validateAppointment(a); err != nil {
		return err
	}
	if a.EndsAt.IsZero() {
		a.EndsAt = a.StartsAt.Add(defaultSessionLength)
	}
	if err := s.appointments.Create(ctx, a); err != nil {
		return err
	}
	s.logger.Info().
		Str("appointment_id", a.ID.String()).
		Str("client_id", a.ClientID.String()).
		Str("policy", string(a.BillingPolicy)).
		Msg("appointment created")

	if fresh := s.reconcile(ctx, a.ID); fresh != nil {
		*a = *fresh
	}
	return nil
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.appointments.GetByID(ctx, id)
}

func (s *Service) ListAppointmentsByClient(ctx context.Context, clientID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return s.appointments.ListByClient(ctx, clientID, limit, offset)
}

func (s *Service) ListAppointmentsByTherapist(ctx context.Context, therapistID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return s.appointments.ListByTherapist(ctx, therapistID, limit, offset)
}

// UpdateAppointmentInput carries a partial update; nil fields keep their
// stored value. Version must match the stored appointment.
type UpdateAppointmentInput struct {
	Version       int
	TherapistID   *uuid.UUID
	StartsAt      *time.Time
	EndsAt        *time.Time
	Status        *AppointmentStatus
	Price         *decimal.Decimal
	Currency      *string
	BillingPolicy *billing.BillingPolicy
	PackageID     *uuid.UUID
	Notes         *string
}

// touchesBooking reports whether anything besides notes and status changes.
func (in UpdateAppointmentInput) touchesBooking() bool {
	return in.TherapistID != nil || in.StartsAt != nil || in.EndsAt != nil || in.Price != nil ||
		in.Currency != nil || in.BillingPolicy != nil || in.PackageID != nil
}

// UpdateAppointment applies in to the stored appointment and re-bills it.
func (s *Service) UpdateAppointment(ctx context.Context, id uuid.UUID, in UpdateAppointmentInput) (*Appointment, error) {
	a, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.Version != 0 && in.Version != a.Version {
		return nil, fmt.Errorf("appointment %s is at version %d: %w", id, a.Version, ErrVersionConflict)
	}
	if in.Status != nil && !canTransition(a.Status, *in.Status) {
		return nil, fmt.Errorf("%s -> %s: %w", a.Status, *in.Status, ErrInvalidTransition)
	}
	if a.Status == StatusCancelled && in.touchesBooking() {
		return nil, fmt.Errorf("appointment %s is cancelled: %w", id, ErrInvalidTransition)
	}

	if in.TherapistID != nil {
		a.TherapistID = *in.TherapistID
	}
	if in.StartsAt != nil {
		a.StartsAt = *in.StartsAt
	}
	if in.EndsAt != nil {
		a.EndsAt = *in.EndsAt
	}
	if in.Status != nil {
		a.Status = *in.Status
	}
	if in.Price != nil {
		a.Price = *in.Price
	}
	if in.Currency != nil {
		a.Currency = strings.ToUpper(strings.TrimSpace(*in.Currency))
	}
	if in.BillingPolicy != nil {
		a.BillingPolicy = *in.BillingPolicy
	}
	if in.PackageID != nil {
		a.PackageID = in.PackageID
	}
	if in.Notes != nil {
		a.Notes = strings.TrimSpace(*in.Notes)
	}
	if err := validateAppointment(a); err != nil {
		return nil, err
	}
	if err := s.appointments.Update(ctx, a); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("appointment_id", a.ID.String()).
		Str("status", string(a.Status)).
		Int("version", a.Version).
		Msg("appointment updated")

	if fresh := s.reconcile(ctx, a.ID); fresh != nil {
		return fresh, nil
	}
	return a, nil
}

// CancelAppointment is UpdateAppointment to the cancelled status.
func (s *Service) CancelAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	st := StatusCancelled
	return s.UpdateAppointment(ctx, id, UpdateAppointmentInput{Status: &st})
}

// Reconcile re-runs billing for a stored appointment and reports the
// engine's error, unlike the implicit runs after writes.
func (s *Service) Reconcile(ctx context.Context, id uuid.UUID) (*Appointment, *billing.Charge, error) {
	a, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	c, err := s.billing.EnsureChargeForAppointment(ctx, a.Facts())
	if err != nil {
		return nil, nil, err
	}
	fresh, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return fresh, c, nil
}

// reconcile bills the stored appointment. Billing failures are logged and
// never fail the scheduling write that triggered them.
func (s *Service) reconcile(ctx context.Context, id uuid.UUID) *Appointment {
	if s.billing == nil {
		return nil
	}
	log := s.logger.With().Str("appointment_id", id.String()).Logger()
	a, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		log.Error().Err(err).Msg("reload appointment for billing")
		return nil
	}
	c, err := s.billing.EnsureChargeForAppointment(ctx, a.Facts())
	if err != nil {
		log.Error().Err(err).Msg("billing reconciliation failed")
		return nil
	}
	if c != nil {
		log.Debug().Str("charge_id", c.ID.String()).Str("charge_status", string(c.Status)).Msg("appointment billed")
	}
	fresh, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		log.Error().Err(err).Msg("reload appointment after billing")
		return nil
	}
	return fresh
}
