package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	StoreDriver    string   `mapstructure:"STORE_DRIVER"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`

	// Billing
	BillingProvider            string        `mapstructure:"BILLING_PROVIDER"`
	SimulatedFailureRate       float64       `mapstructure:"SIMULATED_FAILURE_RATE"`
	SimulatedRefundFailureRate float64       `mapstructure:"SIMULATED_REFUND_FAILURE_RATE"`
	SimulatedMinDelay          time.Duration `mapstructure:"SIMULATED_MIN_DELAY"`
	SimulatedMaxDelay          time.Duration `mapstructure:"SIMULATED_MAX_DELAY"`
	ProviderTimeout            time.Duration `mapstructure:"PROVIDER_TIMEOUT"`
	PaymentExpiry              time.Duration `mapstructure:"PAYMENT_EXPIRY"`
	PaymentSweepInterval       time.Duration `mapstructure:"PAYMENT_SWEEP_INTERVAL"`
	ChargeUpdateRetries        int           `mapstructure:"CHARGE_UPDATE_RETRIES"`
	DefaultCurrency            string        `mapstructure:"DEFAULT_CURRENCY"`
}

var envKeys = []string{
	"PORT", "ENV", "STORE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"BILLING_PROVIDER", "SIMULATED_FAILURE_RATE", "SIMULATED_REFUND_FAILURE_RATE",
	"SIMULATED_MIN_DELAY", "SIMULATED_MAX_DELAY", "PROVIDER_TIMEOUT",
	"PAYMENT_EXPIRY", "PAYMENT_SWEEP_INTERVAL", "CHARGE_UPDATE_RETRIES", "DEFAULT_CURRENCY",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE_DRIVER", "postgres")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("BILLING_PROVIDER", "simulated")
	v.SetDefault("SIMULATED_FAILURE_RATE", 0.1)
	v.SetDefault("SIMULATED_REFUND_FAILURE_RATE", -1) // negative -> derived from failure rate
	v.SetDefault("SIMULATED_MIN_DELAY", "100ms")
	v.SetDefault("SIMULATED_MAX_DELAY", "800ms")
	v.SetDefault("PROVIDER_TIMEOUT", "10s")
	v.SetDefault("PAYMENT_EXPIRY", "168h")
	v.SetDefault("PAYMENT_SWEEP_INTERVAL", "0s")
	v.SetDefault("CHARGE_UPDATE_RETRIES", 5)
	v.SetDefault("DEFAULT_CURRENCY", "ILS")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.StoreDriver == "postgres" && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is postgres")
	}

	if cfg.IsDev() && cfg.AuthSigningKey == "" {
		log.Println("WARNING: development mode without AUTH_SIGNING_KEY; all requests get admin access")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("STORE_DRIVER must be \"postgres\" or \"memory\", got %q", c.StoreDriver)
	}
	if c.IsProduction() {
		if c.StoreDriver == "memory" {
			return fmt.Errorf("STORE_DRIVER=memory is not allowed in production")
		}
		if c.AuthSigningKey == "" {
			return fmt.Errorf("AUTH_SIGNING_KEY is required in production")
		}
		if c.BillingProvider == "" {
			return fmt.Errorf("BILLING_PROVIDER is required in production")
		}
	}

	if c.SimulatedFailureRate < 0 || c.SimulatedFailureRate > 1 {
		return fmt.Errorf("SIMULATED_FAILURE_RATE must be within [0,1], got %v", c.SimulatedFailureRate)
	}
	if c.SimulatedRefundFailureRate > 1 {
		return fmt.Errorf("SIMULATED_REFUND_FAILURE_RATE must be within [0,1], got %v", c.SimulatedRefundFailureRate)
	}
	if c.SimulatedMinDelay < 0 || c.SimulatedMaxDelay < c.SimulatedMinDelay {
		return fmt.Errorf("simulated delay bounds are invalid: min=%s max=%s", c.SimulatedMinDelay, c.SimulatedMaxDelay)
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be positive")
	}
	if c.PaymentExpiry <= 0 {
		return fmt.Errorf("PAYMENT_EXPIRY must be positive")
	}
	if c.ChargeUpdateRetries < 1 {
		return fmt.Errorf("CHARGE_UPDATE_RETRIES must be at least 1")
	}
	if len(c.DefaultCurrency) != 3 {
		return fmt.Errorf("DEFAULT_CURRENCY must be a 3-letter code, got %q", c.DefaultCurrency)
	}

	return nil
}
