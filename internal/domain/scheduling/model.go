package scheduling

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ehr/practice/internal/domain/billing"
)

type AppointmentStatus string

const (
	StatusScheduled AppointmentStatus = "scheduled"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCompleted AppointmentStatus = "completed"
	StatusCancelled AppointmentStatus = "cancelled"
	StatusNoShow    AppointmentStatus = "no_show"
)

var validAppointmentStatuses = map[AppointmentStatus]bool{
	StatusScheduled: true, StatusConfirmed: true, StatusCompleted: true,
	StatusCancelled: true, StatusNoShow: true,
}

// appointmentTransitions lists where each status may move. Completed,
// cancelled and no-show appointments are final.
var appointmentTransitions = map[AppointmentStatus][]AppointmentStatus{
	StatusScheduled: {StatusConfirmed, StatusCompleted, StatusCancelled, StatusNoShow},
	StatusConfirmed: {StatusScheduled, StatusCompleted, StatusCancelled, StatusNoShow},
}

// Appointment maps to the appointments table. ChargeID, PaymentStatus and
// PaidViaPackageID belong to billing and are only written through
// LinkCharge and SetPaymentStatus.
type Appointment struct {
	ID               uuid.UUID                        `json:"id"`
	TherapistID      uuid.UUID                        `json:"therapist_id"`
	ClientID         uuid.UUID                        `json:"client_id"`
	StartsAt         time.Time                        `json:"starts_at"`
	EndsAt           time.Time                        `json:"ends_at"`
	Status           AppointmentStatus                `json:"status"`
	Price            decimal.Decimal                  `json:"price"`
	Currency         string                           `json:"currency"`
	BillingPolicy    billing.BillingPolicy            `json:"billing_policy"`
	PackageID        *uuid.UUID                       `json:"package_id,omitempty"`
	ChargeID         *uuid.UUID                       `json:"charge_id,omitempty"`
	PaymentStatus    billing.AppointmentPaymentStatus `json:"payment_status,omitempty"`
	PaidViaPackageID *uuid.UUID                       `json:"paid_via_package_id,omitempty"`
	Notes            string                           `json:"notes,omitempty"`
	Version          int                              `json:"version"`
	CreatedAt        time.Time                        `json:"created_at"`
	UpdatedAt        time.Time                        `json:"updated_at"`
}

// Facts is the snapshot the billing engine reconciles from.
func (a *Appointment) Facts() billing.Appointment {
	return billing.Appointment{
		ID:               a.ID,
		TherapistID:      a.TherapistID,
		ClientID:         a.ClientID,
		StartsAt:         a.StartsAt,
		Price:            a.Price,
		Currency:         a.Currency,
		Cancelled:        a.Status == StatusCancelled,
		BillingPolicy:    a.BillingPolicy,
		PackageID:        a.PackageID,
		ChargeID:         a.ChargeID,
		PaymentStatus:    a.PaymentStatus,
		PaidViaPackageID: a.PaidViaPackageID,
	}
}

func (a *Appointment) clone() *Appointment {
	cp := *a
	return &cp
}

func canTransition(from, to AppointmentStatus) bool {
	if from == to {
		return true
	}
	for _, s := range appointmentTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
