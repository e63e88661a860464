package main

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/practice/internal/config"
	"github.com/ehr/practice/internal/domain/billing"
	"github.com/ehr/practice/internal/domain/scheduling"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Env:                        "development",
		StoreDriver:                "memory",
		BillingProvider:            "simulated",
		SimulatedRefundFailureRate: -1,
		ProviderTimeout:            time.Second,
		PaymentExpiry:              time.Hour,
		ChargeUpdateRetries:        3,
		DefaultCurrency:            "ILS",
	}
}

func TestNewApp_MemoryStoreWiresSchedulingToBilling(t *testing.T) {
	ctx := context.Background()
	a, err := newApp(ctx, memoryConfig(), zerolog.Nop(), prometheus.NewRegistry())
	require.NoError(t, err)
	defer a.Close()
	assert.Nil(t, a.pool)
	assert.Equal(t, "simulated", a.billing.ProviderName())

	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	appt := &scheduling.Appointment{
		TherapistID: uuid.New(),
		ClientID:    uuid.New(),
		StartsAt:    start,
		Price:       decimal.NewFromInt(300),
	}
	require.NoError(t, a.scheduling.CreateAppointment(ctx, appt))
	require.NotNil(t, appt.ChargeID)
	assert.Equal(t, billing.AppointmentUnpaid, appt.PaymentStatus)

	c, err := a.billing.GetCharge(ctx, *appt.ChargeID)
	require.NoError(t, err)
	assert.True(t, c.Total().Equal(decimal.NewFromInt(300)))
	assert.Equal(t, "ILS", c.Currency)
}

func TestNewApp_UnknownProvider(t *testing.T) {
	cfg := memoryConfig()
	cfg.BillingProvider = "paypal"
	_, err := newApp(context.Background(), cfg, zerolog.Nop(), nil)
	assert.Error(t, err)
}
