package billing

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockCharges struct {
	ChargeRepository
	mock.Mock
}

func (m *mockCharges) GetByID(ctx context.Context, id uuid.UUID) (*Charge, error) {
	args := m.Called(ctx, id)
	c, _ := args.Get(0).(*Charge)
	if c != nil {
		c = c.clone()
	}
	return c, args.Error(1)
}

func (m *mockCharges) Update(ctx context.Context, c *Charge) error {
	return m.Called(ctx, c).Error(0)
}

type passthroughTx struct{}

func (passthroughTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func newRetryService(charges ChargeRepository, metrics *Metrics, backoff time.Duration) *Service {
	return NewService(Deps{
		Charges: charges,
		Tx:      passthroughTx{},
		Metrics: metrics,
		Logger:  zerolog.Nop(),
	}, Options{MaxRetries: 3, RetryBackoff: backoff})
}

func draftCharge() *Charge {
	return &Charge{ID: uuid.New(), Status: ChargeDraft, Version: 4, Amount: d("100"), Currency: "ILS"}
}

func TestInTx_RetriesThenSucceeds(t *testing.T) {
	c := draftCharge()
	charges := &mockCharges{}
	charges.On("GetByID", mock.Anything, c.ID).Return(c, nil)
	charges.On("Update", mock.Anything, mock.Anything).Return(ErrVersionConflict).Once()
	charges.On("Update", mock.Anything, mock.Anything).Return(nil).Once()

	metrics := NewMetrics(prometheus.NewRegistry())
	svc := newRetryService(charges, metrics, time.Millisecond)

	got, err := svc.IssueCharge(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, ChargePending, got.Status)
	charges.AssertNumberOfCalls(t, "GetByID", 2)
	charges.AssertNumberOfCalls(t, "Update", 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.retries.WithLabelValues("charge_issue")))
}

func TestInTx_GivesUpAfterMaxRetries(t *testing.T) {
	c := draftCharge()
	charges := &mockCharges{}
	charges.On("GetByID", mock.Anything, c.ID).Return(c, nil)
	charges.On("Update", mock.Anything, mock.Anything).Return(ErrVersionConflict)

	metrics := NewMetrics(prometheus.NewRegistry())
	svc := newRetryService(charges, metrics, time.Millisecond)

	_, err := svc.IssueCharge(context.Background(), c.ID)
	assert.ErrorIs(t, err, ErrConcurrentUpdate)
	charges.AssertNumberOfCalls(t, "Update", 3)
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.retries.WithLabelValues("charge_issue")))
}

func TestInTx_RetriesSerializationFailures(t *testing.T) {
	c := draftCharge()
	charges := &mockCharges{}
	charges.On("GetByID", mock.Anything, c.ID).Return(c, nil)
	charges.On("Update", mock.Anything, mock.Anything).Return(&pgconn.PgError{Code: pgerrcode.SerializationFailure}).Once()
	charges.On("Update", mock.Anything, mock.Anything).Return(nil).Once()

	svc := newRetryService(charges, nil, time.Millisecond)
	_, err := svc.IssueCharge(context.Background(), c.ID)
	require.NoError(t, err)
	charges.AssertNumberOfCalls(t, "Update", 2)
}

func TestInTx_DoesNotRetryOtherErrors(t *testing.T) {
	charges := &mockCharges{}
	id := uuid.New()
	charges.On("GetByID", mock.Anything, id).Return(nil, ErrNotFound)

	svc := newRetryService(charges, nil, time.Millisecond)
	_, err := svc.IssueCharge(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)
	charges.AssertNumberOfCalls(t, "GetByID", 1)
	charges.AssertNotCalled(t, "Update", mock.Anything, mock.Anything)
}

func TestInTx_StopsWhenContextEnds(t *testing.T) {
	c := draftCharge()
	charges := &mockCharges{}
	charges.On("GetByID", mock.Anything, c.ID).Return(c, nil)
	charges.On("Update", mock.Anything, mock.Anything).Return(ErrVersionConflict)

	svc := newRetryService(charges, nil, 400*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.IssueCharge(ctx, c.ID)
	assert.ErrorIs(t, err, context.Canceled)
	charges.AssertNumberOfCalls(t, "Update", 1)
}

func TestBackoff_Bounded(t *testing.T) {
	svc := newRetryService(&mockCharges{}, nil, 10*time.Millisecond)
	for attempt := 1; attempt <= 12; attempt++ {
		got := svc.backoff(attempt)
		assert.Greater(t, got, time.Duration(0))
		assert.LessOrEqual(t, got, maxRetryBackoff+time.Millisecond)
	}
}
