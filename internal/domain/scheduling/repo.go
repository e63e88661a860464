package scheduling

import (
	"context"

	"github.com/google/uuid"

	"github.com/ehr/practice/internal/domain/billing"
)

// AppointmentRepository persists appointments. Update is optimistic on
// Version and writes only the scheduling fields. The billing fields are
// written by the billing.AppointmentLinker methods, which leave Version
// alone so engine write-backs never conflict with user edits.
type AppointmentRepository interface {
	billing.AppointmentLinker

	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	Update(ctx context.Context, a *Appointment) error
	ListByClient(ctx context.Context, clientID uuid.UUID, limit, offset int) ([]*Appointment, int, error)
	ListByTherapist(ctx context.Context, therapistID uuid.UUID, limit, offset int) ([]*Appointment, int, error)
}
