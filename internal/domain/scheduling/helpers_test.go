package scheduling

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ehr/practice/internal/domain/billing"
	"github.com/ehr/practice/internal/platform/provider"
)

type harness struct {
	svc     *Service
	billing *billing.Service
	store   *billing.MemoryStore
	repo    AppointmentRepository

	clientID    uuid.UUID
	therapistID uuid.UUID
	startsAt    time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := billing.NewMemoryStore()
	repo := NewMemoryRepo(store)
	engine := billing.NewService(billing.Deps{
		Charges:      store.Charges(),
		Payments:     store.Payments(),
		Packages:     store.Packages(),
		Appointments: repo,
		Tx:           store,
		Provider:     provider.NewSimulated(provider.SimulatedConfig{}),
		Logger:       zerolog.Nop(),
	}, billing.Options{RetryBackoff: time.Millisecond})
	return &harness{
		svc:         NewService(repo, engine, zerolog.Nop()),
		billing:     engine,
		store:       store,
		repo:        repo,
		clientID:    uuid.New(),
		therapistID: uuid.New(),
		startsAt:    time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC),
	}
}

func (h *harness) book(t *testing.T, price string) *Appointment {
	t.Helper()
	a := &Appointment{
		TherapistID: h.therapistID,
		ClientID:    h.clientID,
		StartsAt:    h.startsAt,
		EndsAt:      h.startsAt.Add(50 * time.Minute),
		Price:       decimal.RequireFromString(price),
		Currency:    "ILS",
	}
	require.NoError(t, h.svc.CreateAppointment(context.Background(), a))
	return a
}

func (h *harness) chargeFor(t *testing.T, apptID uuid.UUID) *billing.Charge {
	t.Helper()
	c, err := h.store.Charges().GetByAppointment(context.Background(), apptID)
	require.NoError(t, err)
	return c
}

func dec(s string) *decimal.Decimal {
	v := decimal.RequireFromString(s)
	return &v
}
