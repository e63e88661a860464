package billing

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/practice/internal/platform/auth"
	"github.com/ehr/practice/internal/platform/provider"
)

type Options struct {
	ProviderTimeout time.Duration
	PaymentExpiry   time.Duration
	MaxRetries      int
	// RetryBackoff is the base delay between optimistic retries.
	RetryBackoff    time.Duration
	DefaultCurrency string
}

func DefaultOptions() Options {
	return Options{
		ProviderTimeout: 10 * time.Second,
		PaymentExpiry:   7 * 24 * time.Hour,
		MaxRetries:      5,
		RetryBackoff:    10 * time.Millisecond,
		DefaultCurrency: "ILS",
	}
}

type Deps struct {
	Charges      ChargeRepository
	Payments     PaymentRepository
	Packages     PackageRepository
	Appointments AppointmentLinker
	Tx           TxRunner
	Provider     provider.BillingProvider
	Metrics      *Metrics
	Logger       zerolog.Logger
}

// Service is the billing engine: reconciliation, settlement, refunds and the
// reporting reads on top of them.
type Service struct {
	charges      ChargeRepository
	payments     PaymentRepository
	packages     PackageRepository
	appointments AppointmentLinker
	tx           TxRunner
	provider     provider.BillingProvider
	metrics      *Metrics
	logger       zerolog.Logger
	opts         Options
	now          func() time.Time
}

func NewService(d Deps, opts Options) *Service {
	def := DefaultOptions()
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = def.ProviderTimeout
	}
	if opts.PaymentExpiry <= 0 {
		opts.PaymentExpiry = def.PaymentExpiry
	}
	if opts.MaxRetries < 1 {
		opts.MaxRetries = def.MaxRetries
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = def.RetryBackoff
	}
	if opts.DefaultCurrency == "" {
		opts.DefaultCurrency = def.DefaultCurrency
	}
	appts := d.Appointments
	if appts == nil {
		appts = noopLinker{}
	}
	return &Service{
		charges:      d.Charges,
		payments:     d.Payments,
		packages:     d.Packages,
		appointments: appts,
		tx:           d.Tx,
		provider:     d.Provider,
		metrics:      d.Metrics,
		logger:       d.Logger.With().Str("component", "billing").Logger(),
		opts:         opts,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) ProviderName() string { return s.provider.Name() }

func (s *Service) providerCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.ProviderTimeout)
}

func (s *Service) currencyOrDefault(c string) string {
	c = strings.ToUpper(strings.TrimSpace(c))
	if c == "" {
		return s.opts.DefaultCurrency
	}
	return c
}

func validateCurrency(c string) error {
	if len(c) != 3 || strings.ToUpper(c) != c {
		return invalid("currency", "must be a 3-letter ISO code")
	}
	return nil
}

func actorFrom(ctx context.Context) string {
	if id := auth.UserIDFromContext(ctx); id != "" {
		return id
	}
	return "system"
}

// mirror copies a charge's status onto its appointment when it is one of the
// display statuses.
func (s *Service) mirror(ctx context.Context, c *Charge) error {
	if c.AppointmentID == nil {
		return nil
	}
	st, ok := mirrorStatus(c.Status)
	if !ok {
		return nil
	}
	return s.appointments.SetPaymentStatus(ctx, *c.AppointmentID, st, nil)
}

type noopLinker struct{}

func (noopLinker) LinkCharge(context.Context, uuid.UUID, uuid.UUID) error { return nil }

func (noopLinker) SetPaymentStatus(context.Context, uuid.UUID, AppointmentPaymentStatus, *uuid.UUID) error {
	return nil
}

func (noopLinker) ClaimPackageSession(context.Context, uuid.UUID, uuid.UUID) (bool, error) {
	return true, nil
}
