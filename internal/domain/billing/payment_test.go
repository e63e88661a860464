package billing

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreatePayment_Validation(t *testing.T) {
	env := newTestEnv(t)
	apptID, chargeID := uuid.New(), uuid.New()
	tests := []struct {
		name  string
		in    CreatePaymentInput
		field string
	}{
		{"missing client", CreatePaymentInput{Amount: d("10")}, "client_id"},
		{"zero amount", CreatePaymentInput{ClientID: env.clientID, Amount: d("0")}, "amount"},
		{"sub-cent amount", CreatePaymentInput{ClientID: env.clientID, Amount: d("0.001")}, "amount"},
		{"bad currency", CreatePaymentInput{ClientID: env.clientID, Amount: d("10"), Currency: "EURO"}, "currency"},
		{"unknown method", CreatePaymentInput{ClientID: env.clientID, Amount: d("10"), Method: "crypto"}, "method"},
		{"both targets", CreatePaymentInput{ClientID: env.clientID, Amount: d("10"), AppointmentID: &apptID, ChargeID: &chargeID}, "charge_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.CreatePayment(testCtx(), tt.in)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
	assert.Zero(t, env.prov.charges, "provider must not be called for invalid input")
}

func TestCreatePayment_Success(t *testing.T) {
	env := newTestEnv(t)
	out := env.pay(t, "75.50", nil)

	p := env.payment(t, out.Payment.ID)
	assert.Equal(t, PaymentPaid, p.Status)
	assert.True(t, strings.HasPrefix(p.TransactionID, "sim_"))
	assert.Equal(t, out.TransactionID, p.TransactionID)
	assert.Equal(t, MethodCard, p.Method)
	assert.Equal(t, "simulated", p.Provider)
	require.NotNil(t, p.PaidAt)
	assert.True(t, p.ExpiresAt.Equal(env.now.Add(7*24*time.Hour)))
}

func TestCreatePayment_DeclineTouchesNoCharge(t *testing.T) {
	env := newTestEnv(t)
	appt := env.appointment("300")
	charge := env.reconcile(t, appt)
	env.prov.declineCharge = "insufficient_funds"

	out, err := env.svc.CreatePayment(testCtx(), CreatePaymentInput{
		ClientID: env.clientID, Amount: d("300"), AppointmentID: &appt.ID,
	})
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, "insufficient_funds", out.Error)
	assert.Equal(t, PaymentFailed, out.Payment.Status)
	assert.Equal(t, "insufficient_funds", out.Payment.FailureReason)
	assert.Equal(t, "insufficient_funds", out.Payment.Metadata["failure_reason"])

	c := env.charge(t, charge.ID)
	assertMoney(t, "0", c.PaidAmount)
	assert.Equal(t, 1, c.Version)
}

func TestCreatePayment_ProviderUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.prov.chargeErr = errNetwork

	out, err := env.svc.CreatePayment(testCtx(), CreatePaymentInput{ClientID: env.clientID, Amount: d("10")})
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	require.NotNil(t, out)
	assert.Equal(t, PaymentFailed, env.payment(t, out.Payment.ID).Status)
}

// failingPayments refuses to record successful payments.
type failingPayments struct {
	PaymentRepository
}

func (f failingPayments) Update(ctx context.Context, p *Payment) error {
	if p.Status == PaymentPaid {
		return errors.New("connection lost")
	}
	return f.PaymentRepository.Update(ctx, p)
}

func TestCreatePayment_UnrecordedProviderCharge(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(Deps{
		Charges:  store.Charges(),
		Payments: failingPayments{store.Payments()},
		Packages: store.Packages(),
		Tx:       store,
		Provider: newStubProvider(),
		Logger:   zerolog.Nop(),
	}, Options{})

	_, err := svc.CreatePayment(testCtx(), CreatePaymentInput{ClientID: uuid.New(), Amount: d("10")})
	require.ErrorIs(t, err, ErrUnrecordedProviderCharge)

	var ue *UnrecordedError
	require.ErrorAs(t, err, &ue)
	assert.True(t, strings.HasPrefix(ue.TransactionID, "sim_"))

	p, err := store.Payments().GetByID(context.Background(), ue.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, PaymentPending, p.Status)
}

func TestCreatePayment_ForChargeAllocates(t *testing.T) {
	env := newTestEnv(t)
	c := env.adHocCharge(t, "90")

	out, err := env.svc.CreatePayment(testCtx(), CreatePaymentInput{ClientID: env.clientID, Amount: d("90"), ChargeID: &c.ID})
	require.NoError(t, err)
	require.True(t, out.Success)
	require.NotNil(t, out.Charge)
	assert.Equal(t, ChargePaid, out.Charge.Status)
	assert.Empty(t, out.SettlementError)
	assertMoney(t, "90", out.Payment.AllocatedAmount)
}

func TestCreatePayment_SettlementFailureIsReported(t *testing.T) {
	env := newTestEnv(t)
	appt := env.appointment("100")
	charge := env.reconcile(t, appt)
	other := env.pay(t, "100", nil).Payment
	_, err := env.svc.ApplyPaymentToCharges(testCtx(), other.ID, []uuid.UUID{charge.ID})
	require.NoError(t, err)

	out, err := env.svc.CreatePayment(testCtx(), CreatePaymentInput{ClientID: env.clientID, Amount: d("10"), AppointmentID: &appt.ID})
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Contains(t, out.SettlementError, ErrSettlementModeConflict.Error())
	assert.Equal(t, PaymentPaid, env.payment(t, out.Payment.ID).Status)
}

func TestGetPayment_ReportsExpiry(t *testing.T) {
	env := newTestEnv(t)
	p := &Payment{
		ClientID:  env.clientID,
		Amount:    d("10"),
		Currency:  "ILS",
		Method:    MethodCash,
		Status:    PaymentPending,
		ExpiresAt: env.now.Add(-time.Minute),
	}
	require.NoError(t, env.store.Payments().Create(context.Background(), p))

	got, err := env.svc.GetPayment(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentExpired, got.Status)

	// Stored status only changes on sweep.
	assert.Equal(t, PaymentPending, env.payment(t, p.ID).Status)

	n, err := env.svc.SweepExpiredPayments(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, PaymentExpired, env.payment(t, p.ID).Status)

	_, err = env.svc.CancelPayment(testCtx(), p.ID, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelPayment(t *testing.T) {
	env := newTestEnv(t)
	p := &Payment{
		ClientID:  env.clientID,
		Amount:    d("10"),
		Currency:  "ILS",
		Method:    MethodCash,
		Status:    PaymentPending,
		ExpiresAt: env.now.Add(time.Hour),
	}
	require.NoError(t, env.store.Payments().Create(context.Background(), p))

	got, err := env.svc.CancelPayment(testCtx(), p.ID, "client changed their mind")
	require.NoError(t, err)
	assert.Equal(t, PaymentCanceled, got.Status)
	assert.Equal(t, "client changed their mind", got.Metadata["cancel_reason"])

	paid := env.pay(t, "10", nil).Payment
	_, err = env.svc.CancelPayment(testCtx(), paid.ID, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestListPayments(t *testing.T) {
	env := newTestEnv(t)
	env.pay(t, "10", nil)
	env.pay(t, "20", nil)

	items, total, err := env.svc.ListPayments(context.Background(), env.clientID, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, items, 1)
	assertMoney(t, "20", items[0].Amount)

	_, _, err = env.svc.ListPayments(context.Background(), uuid.Nil, 10, 0)
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestIssueInvoice(t *testing.T) {
	env := newTestEnv(t)
	appt := env.appointment("100")
	env.reconcile(t, appt)
	out := env.pay(t, "100", &appt.ID)

	p, err := env.svc.IssueInvoice(testCtx(), out.Payment.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(p.InvoiceID, "sim_inv_"))
	assert.NotEmpty(t, p.InvoiceURL)
	assert.Equal(t, p.InvoiceID, env.charge(t, out.Charge.ID).InvoiceID)

	again, err := env.svc.IssueInvoice(testCtx(), out.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, p.InvoiceID, again.InvoiceID)
}

func TestIssueInvoice_RequiresPaidPayment(t *testing.T) {
	env := newTestEnv(t)
	env.prov.declineCharge = "card_declined"
	out, err := env.svc.CreatePayment(testCtx(), CreatePaymentInput{ClientID: env.clientID, Amount: d("10")})
	require.NoError(t, err)

	_, err = env.svc.IssueInvoice(testCtx(), out.Payment.ID)
	assert.ErrorIs(t, err, ErrPaymentNotPaid)
}

func TestVerifyPayment(t *testing.T) {
	env := newTestEnv(t)
	p := env.pay(t, "100", nil).Payment

	res, err := env.svc.VerifyPayment(testCtx(), p.ID)
	require.NoError(t, err)
	assert.True(t, res.Consistent)
	require.NotNil(t, res.Provider)
	assertMoney(t, "100", res.Provider.Amount)

	_, err = env.svc.RefundPayment(testCtx(), RefundInput{PaymentID: p.ID, Amount: ptr(d("30"))})
	require.NoError(t, err)
	res, err = env.svc.VerifyPayment(testCtx(), p.ID)
	require.NoError(t, err)
	assert.True(t, res.Consistent)
}

func TestVerifyPayment_UnknownTransaction(t *testing.T) {
	env := newTestEnv(t)
	p := &Payment{
		ClientID:      env.clientID,
		Amount:        d("10"),
		Currency:      "ILS",
		Method:        MethodCard,
		Status:        PaymentPaid,
		TransactionID: "sim_missing",
		ExpiresAt:     env.now.Add(time.Hour),
	}
	require.NoError(t, env.store.Payments().Create(context.Background(), p))

	res, err := env.svc.VerifyPayment(testCtx(), p.ID)
	require.NoError(t, err)
	assert.False(t, res.Consistent)
	assert.Contains(t, res.Discrepancy, "unknown")
}

func TestRedriveSettlement(t *testing.T) {
	env := newTestEnv(t)
	appt := env.appointment("100")

	// Payment arrives before the appointment has been billed.
	out := env.pay(t, "100", &appt.ID)
	assert.Nil(t, out.Charge)

	env.reconcile(t, appt)
	c, err := env.svc.RedriveSettlement(testCtx(), out.Payment.ID)
	require.NoError(t, err)
	assertMoney(t, "100", c.PaidAmount)
	assert.Equal(t, ChargePaid, c.Status)

	adHoc := env.pay(t, "5", nil).Payment
	_, err = env.svc.RedriveSettlement(testCtx(), adHoc.ID)
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestRunExpirySweeper_StopsWithContext(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		env.svc.RunExpirySweeper(ctx, time.Millisecond)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
