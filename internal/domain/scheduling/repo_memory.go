package scheduling

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/practice/internal/domain/billing"
	"github.com/ehr/practice/pkg/pagination"
)

// rollbackJoiner is the hook billing.MemoryStore offers other stores to take
// part in its transactions.
type rollbackJoiner interface {
	OnRollback(ctx context.Context, undo func())
}

type memoryAppointments struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*Appointment
	tx    rollbackJoiner
}

// NewMemoryRepo returns an in-process AppointmentRepository. Writes made
// inside a tx transaction are reverted with it; tx may be nil.
func NewMemoryRepo(tx rollbackJoiner) AppointmentRepository {
	return &memoryAppointments{items: make(map[uuid.UUID]*Appointment), tx: tx}
}

// save stores a and journals the previous value. Callers hold r.mu.
func (r *memoryAppointments) save(ctx context.Context, a *Appointment) {
	if r.tx != nil {
		prev, existed := r.items[a.ID]
		r.tx.OnRollback(ctx, func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if existed {
				r.items[a.ID] = prev
			} else {
				delete(r.items, a.ID)
			}
		})
	}
	r.items[a.ID] = a
}

func (r *memoryAppointments) Create(ctx context.Context, a *Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if _, ok := r.items[a.ID]; ok {
		return fmt.Errorf("create appointment %s: %w", a.ID, ErrVersionConflict)
	}
	now := time.Now().UTC()
	a.Version = 1
	a.CreatedAt, a.UpdatedAt = now, now
	r.save(ctx, a.clone())
	return nil
}

func (r *memoryAppointments) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.clone(), nil
}

func (r *memoryAppointments) Update(ctx context.Context, a *Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.items[a.ID]
	if !ok || stored.Version != a.Version {
		return fmt.Errorf("update appointment %s: %w", a.ID, ErrVersionConflict)
	}
	next := stored.clone()
	next.TherapistID = a.TherapistID
	next.StartsAt, next.EndsAt = a.StartsAt, a.EndsAt
	next.Status = a.Status
	next.Price, next.Currency = a.Price, a.Currency
	next.BillingPolicy, next.PackageID = a.BillingPolicy, a.PackageID
	next.Notes = a.Notes
	next.Version++
	next.UpdatedAt = time.Now().UTC()
	r.save(ctx, next)
	a.Version, a.UpdatedAt = next.Version, next.UpdatedAt
	return nil
}

func (r *memoryAppointments) LinkCharge(ctx context.Context, appointmentID, chargeID uuid.UUID) error {
	return r.billingWrite(ctx, appointmentID, func(a *Appointment) {
		id := chargeID
		a.ChargeID = &id
	})
}

func (r *memoryAppointments) SetPaymentStatus(ctx context.Context, appointmentID uuid.UUID, status billing.AppointmentPaymentStatus, viaPackageID *uuid.UUID) error {
	return r.billingWrite(ctx, appointmentID, func(a *Appointment) {
		a.PaymentStatus = status
		if viaPackageID != nil {
			id := *viaPackageID
			a.PaidViaPackageID = &id
		}
	})
}

func (r *memoryAppointments) ClaimPackageSession(ctx context.Context, appointmentID, packageID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.items[appointmentID]
	if !ok {
		return false, ErrNotFound
	}
	if stored.PaidViaPackageID != nil {
		return false, nil
	}
	next := stored.clone()
	id := packageID
	next.PaidViaPackageID = &id
	next.UpdatedAt = time.Now().UTC()
	r.save(ctx, next)
	return true, nil
}

func (r *memoryAppointments) billingWrite(ctx context.Context, id uuid.UUID, fn func(a *Appointment)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.items[id]
	if !ok {
		return ErrNotFound
	}
	next := stored.clone()
	fn(next)
	next.UpdatedAt = time.Now().UTC()
	r.save(ctx, next)
	return nil
}

func (r *memoryAppointments) ListByClient(_ context.Context, clientID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return r.list(func(a *Appointment) bool { return a.ClientID == clientID }, limit, offset)
}

func (r *memoryAppointments) ListByTherapist(_ context.Context, therapistID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return r.list(func(a *Appointment) bool { return a.TherapistID == therapistID }, limit, offset)
}

func (r *memoryAppointments) list(keep func(a *Appointment) bool, limit, offset int) ([]*Appointment, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var all []*Appointment
	for _, a := range r.items {
		if keep(a) {
			all = append(all, a)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].StartsAt.Equal(all[j].StartsAt) {
			return all[i].StartsAt.After(all[j].StartsAt)
		}
		return all[i].ID.String() < all[j].ID.String()
	})
	start, end := pagination.Params{Limit: limit, Offset: offset}.Window(len(all))
	items := make([]*Appointment, 0, end-start)
	for _, a := range all[start:end] {
		items = append(items, a.clone())
	}
	return items, len(all), nil
}
