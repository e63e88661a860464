package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ChargeFilter narrows ListByClient. Zero values match everything.
type ChargeFilter struct {
	ClientID uuid.UUID
	Status   ChargeStatus
}

// ChargeRepository persists charges. Update is optimistic: it succeeds only
// when the stored version equals c.Version, bumps the version, and appends
// only the audit entries added since load. A stale version yields
// ErrVersionConflict.
type ChargeRepository interface {
	Create(ctx context.Context, c *Charge) error
	GetByID(ctx context.Context, id uuid.UUID) (*Charge, error)
	GetByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Charge, error)
	Update(ctx context.Context, c *Charge) error
	List(ctx context.Context, f ChargeFilter, limit, offset int) ([]*Charge, int, error)
	ListByPayment(ctx context.Context, paymentID uuid.UUID) ([]*Charge, error)
	// ListOpen returns issued, non-voided charges with a balance, oldest first.
	ListOpen(ctx context.Context, clientID uuid.UUID) ([]*Charge, error)
}

type PaymentRepository interface {
	Create(ctx context.Context, p *Payment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Payment, error)
	Update(ctx context.Context, p *Payment) error
	ListByClient(ctx context.Context, clientID uuid.UUID, limit, offset int) ([]*Payment, int, error)
	ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]*Payment, error)
	// ExpirePending marks pending payments whose expiry is before now as
	// expired and reports how many changed.
	ExpirePending(ctx context.Context, now time.Time) (int, error)
}

type PackageRepository interface {
	Create(ctx context.Context, p *Package) error
	GetByID(ctx context.Context, id uuid.UUID) (*Package, error)
	Update(ctx context.Context, p *Package) error
	ListByClient(ctx context.Context, clientID uuid.UUID, limit, offset int) ([]*Package, int, error)
	// ConsumeSession draws one session if the package is active, unexpired
	// and has sessions left, in a single atomic step. It reports false with
	// no error when the package cannot be drawn from.
	ConsumeSession(ctx context.Context, id uuid.UUID, now time.Time) (*Package, bool, error)
}

// AppointmentLinker is implemented by the scheduling store. Calls made with
// a context from TxRunner.InTx join the same transaction.
type AppointmentLinker interface {
	LinkCharge(ctx context.Context, appointmentID, chargeID uuid.UUID) error
	SetPaymentStatus(ctx context.Context, appointmentID uuid.UUID, status AppointmentPaymentStatus, viaPackageID *uuid.UUID) error
	// ClaimPackageSession sets the appointment's paid-via package only when
	// none is set yet. It reports false when another call got there first.
	ClaimPackageSession(ctx context.Context, appointmentID, packageID uuid.UUID) (bool, error)
}

// TxRunner runs fn in one transaction. db.TxRunner and the in-memory store
// both implement it.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}
