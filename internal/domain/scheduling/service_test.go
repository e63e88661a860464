package scheduling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ehr/practice/internal/domain/billing"
)

func TestCreateAppointment_BillsAndLinks(t *testing.T) {
	h := newHarness(t)
	a := h.book(t, "300")

	require.NotNil(t, a.ChargeID)
	assert.Equal(t, billing.AppointmentUnpaid, a.PaymentStatus)
	assert.Equal(t, StatusScheduled, a.Status)

	c := h.chargeFor(t, a.ID)
	assert.Equal(t, *a.ChargeID, c.ID)
	assert.True(t, c.Amount.Equal(a.Price))
	assert.Equal(t, billing.ChargePending, c.Status)
}

func TestCreateAppointment_Validation(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		name string
		a    Appointment
	}{
		{"no therapist", Appointment{ClientID: h.clientID, StartsAt: h.startsAt}},
		{"no start", Appointment{TherapistID: h.therapistID, ClientID: h.clientID}},
		{"ends before start", Appointment{TherapistID: h.therapistID, ClientID: h.clientID, StartsAt: h.startsAt, EndsAt: h.startsAt.Add(-time.Hour)}},
		{"package without id", Appointment{TherapistID: h.therapistID, ClientID: h.clientID, StartsAt: h.startsAt, BillingPolicy: billing.PolicyPackage}},
		{"bad currency", Appointment{TherapistID: h.therapistID, ClientID: h.clientID, StartsAt: h.startsAt, Currency: "SHEKEL"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := tt.a
			err := h.svc.CreateAppointment(context.Background(), &a)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestUpdateAppointment_RepricesCharge(t *testing.T) {
	h := newHarness(t)
	a := h.book(t, "300")

	updated, err := h.svc.UpdateAppointment(context.Background(), a.ID, UpdateAppointmentInput{Version: a.Version, Price: dec("350")})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)

	c := h.chargeFor(t, a.ID)
	assert.Equal(t, "350", c.Amount.String())
	assert.Equal(t, billing.AuditUpdatedFromAppointment, c.Audit[len(c.Audit)-1].Action)
}

func TestUpdateAppointment_StaleVersion(t *testing.T) {
	h := newHarness(t)
	a := h.book(t, "300")
	_, err := h.svc.UpdateAppointment(context.Background(), a.ID, UpdateAppointmentInput{Version: a.Version + 5, Price: dec("1")})
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestCancelAppointment_CancelsUnpaidCharge(t *testing.T) {
	h := newHarness(t)
	a := h.book(t, "300")

	cancelled, err := h.svc.CancelAppointment(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, billing.ChargeCanceled, h.chargeFor(t, a.ID).Status)

	_, err = h.svc.UpdateAppointment(context.Background(), a.ID, UpdateAppointmentInput{Price: dec("10")})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	notes := "client called in sick"
	_, err = h.svc.UpdateAppointment(context.Background(), a.ID, UpdateAppointmentInput{Notes: &notes})
	assert.NoError(t, err)
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, canTransition(StatusScheduled, StatusConfirmed))
	assert.True(t, canTransition(StatusConfirmed, StatusNoShow))
	assert.True(t, canTransition(StatusCompleted, StatusCompleted))
	assert.False(t, canTransition(StatusCompleted, StatusScheduled))
	assert.False(t, canTransition(StatusCancelled, StatusConfirmed))
}

func TestPaymentMirrorsOntoAppointment(t *testing.T) {
	h := newHarness(t)
	a := h.book(t, "300")

	out, err := h.billing.CreatePayment(context.Background(), billing.CreatePaymentInput{
		ClientID:      h.clientID,
		Amount:        *dec("120"),
		Currency:      "ILS",
		AppointmentID: &a.ID,
	})
	require.NoError(t, err)
	require.True(t, out.Success)

	got, err := h.svc.GetAppointment(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.AppointmentPartiallyPaid, got.PaymentStatus)
}

func TestPackageAppointment_ConsumesSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pkg := &billing.Package{
		TherapistID: h.therapistID, ClientID: h.clientID, Name: "Five pack",
		SessionsTotal: 5, Price: *dec("1200"), Currency: "ILS",
	}
	require.NoError(t, h.billing.CreatePackage(ctx, pkg))

	a := &Appointment{
		TherapistID: h.therapistID, ClientID: h.clientID, StartsAt: h.startsAt,
		Price: *dec("300"), BillingPolicy: billing.PolicyPackage, PackageID: &pkg.ID,
	}
	require.NoError(t, h.svc.CreateAppointment(ctx, a))

	assert.Nil(t, a.ChargeID)
	assert.Equal(t, billing.AppointmentPaid, a.PaymentStatus)
	require.NotNil(t, a.PaidViaPackageID)
	assert.Equal(t, pkg.ID, *a.PaidViaPackageID)

	_, _, err := h.svc.Reconcile(ctx, a.ID)
	require.NoError(t, err)
	stored, err := h.billing.GetPackage(ctx, pkg.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.SessionsUsed)
}

type mockReconciler struct{ mock.Mock }

func (m *mockReconciler) EnsureChargeForAppointment(ctx context.Context, appt billing.Appointment) (*billing.Charge, error) {
	args := m.Called(ctx, appt)
	c, _ := args.Get(0).(*billing.Charge)
	return c, args.Error(1)
}

func TestCreateAppointment_BillingFailureDoesNotFailBooking(t *testing.T) {
	repo := NewMemoryRepo(nil)
	rec := &mockReconciler{}
	rec.On("EnsureChargeForAppointment", mock.Anything, mock.Anything).Return(nil, errors.New("db down"))
	svc := NewService(repo, rec, zerolog.Nop())

	a := &Appointment{TherapistID: uuid.New(), ClientID: uuid.New(), StartsAt: time.Now()}
	require.NoError(t, svc.CreateAppointment(context.Background(), a))
	rec.AssertNumberOfCalls(t, "EnsureChargeForAppointment", 1)

	_, err := repo.GetByID(context.Background(), a.ID)
	assert.NoError(t, err)

	_, _, err = svc.Reconcile(context.Background(), a.ID)
	assert.EqualError(t, err, "db down")
}

func TestReconcile_PassesFacts(t *testing.T) {
	repo := NewMemoryRepo(nil)
	rec := &mockReconciler{}
	svc := NewService(repo, rec, zerolog.Nop())
	rec.On("EnsureChargeForAppointment", mock.Anything, mock.Anything).Return(nil, nil)

	a := &Appointment{TherapistID: uuid.New(), ClientID: uuid.New(), StartsAt: time.Now(), Price: *dec("90")}
	require.NoError(t, svc.CreateAppointment(context.Background(), a))
	_, err := svc.CancelAppointment(context.Background(), a.ID)
	require.NoError(t, err)

	rec.AssertCalled(t, "EnsureChargeForAppointment", mock.Anything, mock.MatchedBy(func(f billing.Appointment) bool {
		return f.ID == a.ID && f.Cancelled && f.Price.Equal(*dec("90")) && f.BillingPolicy == billing.PolicyPerSession
	}))
}
