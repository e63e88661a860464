package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ehr/practice/internal/config"
	"github.com/ehr/practice/internal/domain/billing"
	"github.com/ehr/practice/internal/domain/scheduling"
	"github.com/ehr/practice/internal/platform/db"
	"github.com/ehr/practice/internal/platform/provider"
)

// app holds the wired services. pool is nil with the in-memory store.
type app struct {
	pool       *pgxpool.Pool
	billing    *billing.Service
	scheduling *scheduling.Service
}

func (a *app) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

// newApp builds the stores, provider and services. A nil reg disables
// metrics.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, reg prometheus.Registerer) (*app, error) {
	p, err := provider.New(provider.Config{
		Name: cfg.BillingProvider,
		Dev:  cfg.IsDev(),
		Simulated: provider.SimulatedConfig{
			FailureRate:       cfg.SimulatedFailureRate,
			RefundFailureRate: cfg.SimulatedRefundFailureRate,
			MinDelay:          cfg.SimulatedMinDelay,
			MaxDelay:          cfg.SimulatedMaxDelay,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("billing provider: %w", err)
	}

	var billingMetrics *billing.Metrics
	if reg != nil {
		p = provider.Instrument(p, provider.NewMetrics(reg))
		billingMetrics = billing.NewMetrics(reg)
	}

	a := &app{}
	deps := billing.Deps{
		Provider: p,
		Metrics:  billingMetrics,
		Logger:   logger,
	}
	var appts scheduling.AppointmentRepository

	switch cfg.StoreDriver {
	case "memory":
		store := billing.NewMemoryStore()
		deps.Charges = store.Charges()
		deps.Payments = store.Payments()
		deps.Packages = store.Packages()
		deps.Tx = store
		appts = scheduling.NewMemoryRepo(store)
		logger.Warn().Msg("using in-memory store; data is lost on restart")
	default:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		a.pool = pool
		if reg != nil {
			db.RegisterPoolMetrics(reg, pool)
		}
		deps.Charges = billing.NewChargeRepoPG(pool)
		deps.Payments = billing.NewPaymentRepoPG(pool)
		deps.Packages = billing.NewPackageRepoPG(pool)
		deps.Tx = db.NewTxRunner(pool)
		appts = scheduling.NewAppointmentRepoPG(pool)
		logger.Info().Msg("connected to database")
	}
	deps.Appointments = appts

	a.billing = billing.NewService(deps, billing.Options{
		ProviderTimeout: cfg.ProviderTimeout,
		PaymentExpiry:   cfg.PaymentExpiry,
		MaxRetries:      cfg.ChargeUpdateRetries,
		DefaultCurrency: cfg.DefaultCurrency,
	})
	a.scheduling = scheduling.NewService(appts, a.billing, logger)

	logger.Info().
		Str("provider", a.billing.ProviderName()).
		Str("store", cfg.StoreDriver).
		Msg("billing engine ready")
	return a, nil
}
