package billing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/practice/pkg/pagination"
)

// MemoryStore keeps charges, payments and packages in process. It backs
// STORE_DRIVER=memory and the package tests. Records are copied on every
// read and write so callers never share state with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	seq      int64
	order    map[uuid.UUID]int64
	charges  map[uuid.UUID]*Charge
	payments map[uuid.UUID]*Payment
	packages map[uuid.UUID]*Package

	// txMu serializes InTx bodies.
	txMu sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		order:    make(map[uuid.UUID]int64),
		charges:  make(map[uuid.UUID]*Charge),
		payments: make(map[uuid.UUID]*Payment),
		packages: make(map[uuid.UUID]*Package),
	}
}

func (s *MemoryStore) Charges() ChargeRepository   { return memCharges{s} }
func (s *MemoryStore) Payments() PaymentRepository { return memPayments{s} }
func (s *MemoryStore) Packages() PackageRepository { return memPackages{s} }

type memTxKey struct{}

type memTx struct {
	undo []func()
}

// InTx runs fn with writes journaled; if fn fails every write it made is
// reverted.
func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		return fn(ctx)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &memTx{}
	if err := fn(context.WithValue(ctx, memTxKey{}, tx)); err != nil {
		s.mu.Lock()
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

// OnRollback registers undo to run if the transaction carried by ctx fails.
// Stores outside this package use it to join InTx. Outside a transaction it
// does nothing.
func (s *MemoryStore) OnRollback(ctx context.Context, undo func()) {
	if tx, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		tx.undo = append(tx.undo, undo)
	}
}

// journal records how to undo a write. Callers hold s.mu.
func journal[T any](ctx context.Context, m map[uuid.UUID]T, id uuid.UUID) {
	tx, ok := ctx.Value(memTxKey{}).(*memTx)
	if !ok {
		return
	}
	prev, existed := m[id]
	tx.undo = append(tx.undo, func() {
		if existed {
			m[id] = prev
		} else {
			delete(m, id)
		}
	})
}

func (s *MemoryStore) nextSeq(id uuid.UUID) {
	s.seq++
	s.order[id] = s.seq
}

func (s *MemoryStore) sortNewestFirst(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool { return s.order[ids[i]] > s.order[ids[j]] })
}

func (s *MemoryStore) sortOldestFirst(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool { return s.order[ids[i]] < s.order[ids[j]] })
}

func page[T any](items []T, limit, offset int) []T {
	start, end := pagination.Params{Limit: limit, Offset: offset}.Window(len(items))
	return items[start:end]
}

// -- charges --

type memCharges struct{ s *MemoryStore }

func (r memCharges) Create(ctx context.Context, c *Charge) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.AppointmentID != nil {
		for _, existing := range s.charges {
			if existing.AppointmentID != nil && *existing.AppointmentID == *c.AppointmentID {
				return fmt.Errorf("create charge: %w", ErrVersionConflict)
			}
		}
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := time.Now().UTC()
	c.Version = 1
	c.CreatedAt, c.UpdatedAt = now, now
	c.newAudit = nil

	journal(ctx, s.charges, c.ID)
	s.charges[c.ID] = c.clone()
	s.nextSeq(c.ID)
	return nil
}

func (r memCharges) GetByID(_ context.Context, id uuid.UUID) (*Charge, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	c, ok := r.s.charges[id]
	if !ok {
		return nil, fmt.Errorf("charge: %w", ErrNotFound)
	}
	return c.clone(), nil
}

func (r memCharges) GetByAppointment(_ context.Context, appointmentID uuid.UUID) (*Charge, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, c := range r.s.charges {
		if c.AppointmentID != nil && *c.AppointmentID == appointmentID {
			return c.clone(), nil
		}
	}
	return nil, fmt.Errorf("charge: %w", ErrNotFound)
}

func (r memCharges) Update(ctx context.Context, c *Charge) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.charges[c.ID]
	if !ok || stored.Version != c.Version {
		return fmt.Errorf("update charge %s: %w", c.ID, ErrVersionConflict)
	}
	next := c.clone()
	next.Audit = append(append([]AuditEntry(nil), stored.Audit...), c.newAudit...)
	next.newAudit = nil
	next.Version = stored.Version + 1
	next.CreatedAt = stored.CreatedAt
	next.UpdatedAt = time.Now().UTC()

	journal(ctx, s.charges, c.ID)
	s.charges[c.ID] = next

	c.Version = next.Version
	c.UpdatedAt = next.UpdatedAt
	c.newAudit = nil
	return nil
}

func (r memCharges) filter(keep func(*Charge) bool) []uuid.UUID {
	var ids []uuid.UUID
	for id, c := range r.s.charges {
		if keep(c) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (r memCharges) List(_ context.Context, f ChargeFilter, limit, offset int) ([]*Charge, int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	ids := r.filter(func(c *Charge) bool {
		return (f.ClientID == uuid.Nil || c.ClientID == f.ClientID) && (f.Status == "" || c.Status == f.Status)
	})
	r.s.sortNewestFirst(ids)
	var items []*Charge
	for _, id := range page(ids, limit, offset) {
		items = append(items, r.s.charges[id].clone())
	}
	return items, len(ids), nil
}

func (r memCharges) ListByPayment(_ context.Context, paymentID uuid.UUID) ([]*Charge, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	ids := r.filter(func(c *Charge) bool { return c.hasPayment(paymentID) })
	r.s.sortOldestFirst(ids)
	var items []*Charge
	for _, id := range ids {
		items = append(items, r.s.charges[id].clone())
	}
	return items, nil
}

func (r memCharges) ListOpen(_ context.Context, clientID uuid.UUID) ([]*Charge, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	ids := r.filter(func(c *Charge) bool {
		return c.ClientID == clientID && !c.Status.Voided() && c.Status != ChargeDraft && c.Balance().IsPositive()
	})
	r.s.sortOldestFirst(ids)
	var items []*Charge
	for _, id := range ids {
		items = append(items, r.s.charges[id].clone())
	}
	return items, nil
}

// -- payments --

type memPayments struct{ s *MemoryStore }

func (r memPayments) Create(ctx context.Context, p *Payment) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now().UTC()
	p.Version = 1
	p.CreatedAt, p.UpdatedAt = now, now

	journal(ctx, s.payments, p.ID)
	s.payments[p.ID] = p.clone()
	s.nextSeq(p.ID)
	return nil
}

func (r memPayments) GetByID(_ context.Context, id uuid.UUID) (*Payment, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	p, ok := r.s.payments[id]
	if !ok {
		return nil, fmt.Errorf("payment: %w", ErrNotFound)
	}
	return p.clone(), nil
}

func (r memPayments) Update(ctx context.Context, p *Payment) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.payments[p.ID]
	if !ok || stored.Version != p.Version {
		return fmt.Errorf("update payment %s: %w", p.ID, ErrVersionConflict)
	}
	next := p.clone()
	next.Version = stored.Version + 1
	next.CreatedAt = stored.CreatedAt
	next.UpdatedAt = time.Now().UTC()

	journal(ctx, s.payments, p.ID)
	s.payments[p.ID] = next
	p.Version = next.Version
	p.UpdatedAt = next.UpdatedAt
	return nil
}

func (r memPayments) ListByClient(_ context.Context, clientID uuid.UUID, limit, offset int) ([]*Payment, int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var ids []uuid.UUID
	for id, p := range r.s.payments {
		if p.ClientID == clientID {
			ids = append(ids, id)
		}
	}
	r.s.sortNewestFirst(ids)
	var items []*Payment
	for _, id := range page(ids, limit, offset) {
		items = append(items, r.s.payments[id].clone())
	}
	return items, len(ids), nil
}

func (r memPayments) ListByAppointment(_ context.Context, appointmentID uuid.UUID) ([]*Payment, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var ids []uuid.UUID
	for id, p := range r.s.payments {
		if p.AppointmentID != nil && *p.AppointmentID == appointmentID {
			ids = append(ids, id)
		}
	}
	r.s.sortOldestFirst(ids)
	var items []*Payment
	for _, id := range ids {
		items = append(items, r.s.payments[id].clone())
	}
	return items, nil
}

func (r memPayments) ExpirePending(ctx context.Context, now time.Time) (int, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, p := range s.payments {
		if p.Status != PaymentPending || !p.ExpiresAt.Before(now) {
			continue
		}
		next := p.clone()
		next.Status = PaymentExpired
		next.Version++
		next.UpdatedAt = time.Now().UTC()
		journal(ctx, s.payments, id)
		s.payments[id] = next
		n++
	}
	return n, nil
}

// -- packages --

type memPackages struct{ s *MemoryStore }

func clonePackage(p *Package) *Package {
	cp := *p
	return &cp
}

func (r memPackages) Create(ctx context.Context, p *Package) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now().UTC()
	p.Version = 1
	p.CreatedAt, p.UpdatedAt = now, now

	journal(ctx, s.packages, p.ID)
	s.packages[p.ID] = clonePackage(p)
	s.nextSeq(p.ID)
	return nil
}

func (r memPackages) GetByID(_ context.Context, id uuid.UUID) (*Package, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	p, ok := r.s.packages[id]
	if !ok {
		return nil, fmt.Errorf("package: %w", ErrNotFound)
	}
	return clonePackage(p), nil
}

func (r memPackages) Update(ctx context.Context, p *Package) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.packages[p.ID]
	if !ok || stored.Version != p.Version {
		return fmt.Errorf("update package %s: %w", p.ID, ErrVersionConflict)
	}
	next := clonePackage(stored)
	next.Name = p.Name
	next.Status = p.Status
	next.ExpiresAt = p.ExpiresAt
	next.Version++
	next.UpdatedAt = time.Now().UTC()

	journal(ctx, s.packages, p.ID)
	s.packages[p.ID] = next
	p.Version = next.Version
	p.UpdatedAt = next.UpdatedAt
	return nil
}

func (r memPackages) ListByClient(_ context.Context, clientID uuid.UUID, limit, offset int) ([]*Package, int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var ids []uuid.UUID
	for id, p := range r.s.packages {
		if p.ClientID == clientID {
			ids = append(ids, id)
		}
	}
	r.s.sortNewestFirst(ids)
	var items []*Package
	for _, id := range page(ids, limit, offset) {
		items = append(items, clonePackage(r.s.packages[id]))
	}
	return items, len(ids), nil
}

func (r memPackages) ConsumeSession(ctx context.Context, id uuid.UUID, now time.Time) (*Package, bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.packages[id]
	if !ok {
		return nil, false, fmt.Errorf("package: %w", ErrNotFound)
	}
	if !p.Consumable(now) {
		return clonePackage(p), false, nil
	}
	next := clonePackage(p)
	next.SessionsUsed++
	if next.SessionsUsed >= next.SessionsTotal {
		next.Status = PackageExhausted
	}
	next.Version++
	next.UpdatedAt = time.Now().UTC()

	journal(ctx, s.packages, id)
	s.packages[id] = next
	return clonePackage(next), true, nil
}
