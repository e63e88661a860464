package billing

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ehr/practice/internal/platform/auth"
	"github.com/ehr/practice/internal/platform/provider"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ptr[T any](v T) *T { return &v }

func testCtx() context.Context {
	return auth.WithUser(context.Background(), "billing-clerk", []string{auth.RoleBilling})
}

// stubProvider is the simulated gateway with switches for forcing failures.
type stubProvider struct {
	*provider.Simulated

	mu            sync.Mutex
	chargeErr     error
	declineCharge string
	refundErr     error
	declineRefund string
	charges       int
}

func newStubProvider() *stubProvider {
	return &stubProvider{Simulated: provider.NewSimulated(provider.SimulatedConfig{
		RefundFailureRate: 0,
		Rand:              rand.New(rand.NewPCG(1, 2)),
	})}
}

func (p *stubProvider) CreateCharge(ctx context.Context, req provider.ChargeRequest) (*provider.ChargeResult, error) {
	p.mu.Lock()
	p.charges++
	err, reason := p.chargeErr, p.declineCharge
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if reason != "" {
		return &provider.ChargeResult{OK: false, Error: reason}, nil
	}
	return p.Simulated.CreateCharge(ctx, req)
}

func (p *stubProvider) RefundCharge(ctx context.Context, req provider.RefundRequest) (*provider.RefundResult, error) {
	p.mu.Lock()
	err, reason := p.refundErr, p.declineRefund
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if reason != "" {
		return &provider.RefundResult{OK: false, Error: reason}, nil
	}
	return p.Simulated.RefundCharge(ctx, req)
}

// fakeAppointments records what the engine writes back to appointments.
type fakeAppointments struct {
	mu      sync.Mutex
	charge  map[uuid.UUID]uuid.UUID
	status  map[uuid.UUID]AppointmentPaymentStatus
	via     map[uuid.UUID]uuid.UUID
	updates int
	tx      *MemoryStore
}

func newFakeAppointments() *fakeAppointments {
	return &fakeAppointments{
		charge: map[uuid.UUID]uuid.UUID{},
		status: map[uuid.UUID]AppointmentPaymentStatus{},
		via:    map[uuid.UUID]uuid.UUID{},
	}
}

func (f *fakeAppointments) LinkCharge(_ context.Context, appointmentID, chargeID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.charge[appointmentID] = chargeID
	f.updates++
	return nil
}

func (f *fakeAppointments) SetPaymentStatus(_ context.Context, appointmentID uuid.UUID, st AppointmentPaymentStatus, via *uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[appointmentID] = st
	if via != nil {
		f.via[appointmentID] = *via
	}
	f.updates++
	return nil
}

func (f *fakeAppointments) ClaimPackageSession(ctx context.Context, appointmentID, packageID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.via[appointmentID]; ok {
		return false, nil
	}
	f.via[appointmentID] = packageID
	f.updates++
	if f.tx != nil {
		f.tx.OnRollback(ctx, func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			delete(f.via, appointmentID)
		})
	}
	return true, nil
}

func (f *fakeAppointments) statusOf(id uuid.UUID) AppointmentPaymentStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status[id]
}

// refresh fills in what the scheduling store would hold after earlier
// engine calls.
func (f *fakeAppointments) refresh(a Appointment) Appointment {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.charge[a.ID]; ok {
		a.ChargeID = &id
	}
	a.PaymentStatus = f.status[a.ID]
	if id, ok := f.via[a.ID]; ok {
		a.PaidViaPackageID = &id
	}
	return a
}

type testEnv struct {
	svc   *Service
	store *MemoryStore
	appts *fakeAppointments
	prov  *stubProvider
	now   time.Time

	clientID    uuid.UUID
	therapistID uuid.UUID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := NewMemoryStore()
	env := &testEnv{
		store:       store,
		appts:       newFakeAppointments(),
		prov:        newStubProvider(),
		now:         time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
		clientID:    uuid.New(),
		therapistID: uuid.New(),
	}
	env.appts.tx = store
	env.svc = NewService(Deps{
		Charges:      store.Charges(),
		Payments:     store.Payments(),
		Packages:     store.Packages(),
		Appointments: env.appts,
		Tx:           store,
		Provider:     env.prov,
		Logger:       zerolog.Nop(),
	}, Options{RetryBackoff: time.Millisecond})
	env.svc.SetClock(func() time.Time { return env.now })
	return env
}

func (e *testEnv) appointment(price string) Appointment {
	return Appointment{
		ID:            uuid.New(),
		TherapistID:   e.therapistID,
		ClientID:      e.clientID,
		StartsAt:      e.now.Add(24 * time.Hour),
		Price:         d(price),
		Currency:      "ILS",
		BillingPolicy: PolicyPerSession,
	}
}

func (e *testEnv) reconcile(t *testing.T, a Appointment) *Charge {
	t.Helper()
	c, err := e.svc.EnsureChargeForAppointment(testCtx(), e.appts.refresh(a))
	require.NoError(t, err)
	return c
}

func (e *testEnv) pay(t *testing.T, amount string, appointmentID *uuid.UUID) *PaymentOutcome {
	t.Helper()
	out, err := e.svc.CreatePayment(testCtx(), CreatePaymentInput{
		ClientID:      e.clientID,
		Amount:        d(amount),
		Currency:      "ILS",
		Method:        MethodCard,
		AppointmentID: appointmentID,
	})
	require.NoError(t, err)
	require.True(t, out.Success, "payment declined: %s", out.Error)
	return out
}

func (e *testEnv) adHocCharge(t *testing.T, price string) *Charge {
	t.Helper()
	c, err := e.svc.CreateCharge(testCtx(), CreateChargeInput{
		TherapistID: e.therapistID,
		ClientID:    e.clientID,
		Currency:    "ILS",
		LineItems:   []LineItem{{Kind: LineSession, Quantity: 1, UnitPrice: d(price)}},
	})
	require.NoError(t, err)
	return c
}

func (e *testEnv) charge(t *testing.T, id uuid.UUID) *Charge {
	t.Helper()
	c, err := e.store.Charges().GetByID(context.Background(), id)
	require.NoError(t, err)
	return c
}

func (e *testEnv) payment(t *testing.T, id uuid.UUID) *Payment {
	t.Helper()
	p, err := e.store.Payments().GetByID(context.Background(), id)
	require.NoError(t, err)
	return p
}

var errNetwork = errors.New("connection reset by peer")

func assertMoney(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, d(want).Equal(got), "want %s, got %s", want, got.String())
}
