package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	StoreDriver string `mapstructure:"STORE_DRIVER"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	RedisURL    string `mapstructure:"REDIS_URL"`

	RabbitMQURL      string `mapstructure:"RABBITMQ_URL"`
	RabbitMQExchange string `mapstructure:"RABBITMQ_EXCHANGE"`

	JWTSecret      string `mapstructure:"JWT_SECRET"`
	InternalAPIKey string `mapstructure:"INTERNAL_API_KEY"`

	StripeSecretKey     string `mapstructure:"STRIPE_SECRET_KEY"`
	StripeBaseURL       string `mapstructure:"STRIPE_BASE_URL"`
	StripeWebhookSecret string `mapstructure:"STRIPE_WEBHOOK_SECRET"`

	PayPalBaseURL      string `mapstructure:"PAYPAL_API_BASE"`
	PayPalClientID     string `mapstructure:"PAYPAL_CLIENT_ID"`
	PayPalClientSecret string `mapstructure:"PAYPAL_CLIENT_SECRET"`

	PlatformFeePercentage  string `mapstructure:"PLATFORM_FEE_PERCENTAGE"`
	Currency               string `mapstructure:"CURRENCY"`
	SecondaryOnlyCountries string `mapstructure:"SECONDARY_ONLY_COUNTRIES"`

	AutoFinalizeSchedule   string `mapstructure:"AUTO_FINALIZE_SCHEDULE"`
	AutoFinalizeBatchSize  int    `mapstructure:"AUTO_FINALIZE_BATCH_SIZE"`
	SafetyNetBatchSize     int    `mapstructure:"SAFETY_NET_BATCH_SIZE"`
	ReconciliationSchedule string `mapstructure:"RECONCILIATION_SCHEDULE"`
	PayoutStatusSchedule   string `mapstructure:"PAYOUT_STATUS_SCHEDULE"`
	PayoutStatusBatchSize  int    `mapstructure:"PAYOUT_STATUS_BATCH_SIZE"`

	ProcessorTimeout time.Duration `mapstructure:"PROCESSOR_TIMEOUT"`
	RetryAttempts    int           `mapstructure:"RETRY_ATTEMPTS"`
	RetryBaseDelay   time.Duration `mapstructure:"RETRY_BASE_DELAY"`
	RetryMaxDelay    time.Duration `mapstructure:"RETRY_MAX_DELAY"`
	WebhookTolerance time.Duration `mapstructure:"WEBHOOK_TOLERANCE"`
	WebhookLockTTL   time.Duration `mapstructure:"WEBHOOK_LOCK_TTL"`

	BrevoAPIKey      string `mapstructure:"BREVO_API_KEY"`
	BrevoSenderEmail string `mapstructure:"BREVO_SENDER_EMAIL"`
	BrevoSenderName  string `mapstructure:"BREVO_SENDER_NAME"`

	CloudinaryURL          string `mapstructure:"CLOUDINARY_URL"`
	CloudinaryReportFolder string `mapstructure:"CLOUDINARY_REPORT_FOLDER"`
}

var defaults = map[string]interface{}{
	"PORT":                     "8080",
	"LOG_LEVEL":                "info",
	"STORE_DRIVER":             StoreDriverPostgres,
	"RABBITMQ_EXCHANGE":        "billing.events",
	"STRIPE_BASE_URL":          "https://api.stripe.com",
	"PAYPAL_API_BASE":          "https://api-m.sandbox.paypal.com",
	"PLATFORM_FEE_PERCENTAGE":  "20",
	"CURRENCY":                 "USD",
	"SECONDARY_ONLY_COUNTRIES": "",
	"AUTO_FINALIZE_SCHEDULE":   "* * * * *",
	"AUTO_FINALIZE_BATCH_SIZE": 100,
	"SAFETY_NET_BATCH_SIZE":    50,
	"RECONCILIATION_SCHEDULE":  "0 3 * * *",
	"PAYOUT_STATUS_SCHEDULE":   "*/10 * * * *",
	"PAYOUT_STATUS_BATCH_SIZE": 100,
	"PROCESSOR_TIMEOUT":        "15s",
	"RETRY_ATTEMPTS":           3,
	"RETRY_BASE_DELAY":         "200ms",
	"RETRY_MAX_DELAY":          "5s",
	"WEBHOOK_TOLERANCE":        "5m",
	"WEBHOOK_LOCK_TTL":         "30s",
	"BREVO_SENDER_NAME":        "Lesson Billing",
	"CLOUDINARY_REPORT_FOLDER": "reconciliation",
	"DATABASE_URL":             "",
	"REDIS_URL":                "",
	"RABBITMQ_URL":             "",
	"JWT_SECRET":               "",
	"INTERNAL_API_KEY":         "",
	"STRIPE_SECRET_KEY":        "",
	"STRIPE_WEBHOOK_SECRET":    "",
	"PAYPAL_CLIENT_ID":         "",
	"PAYPAL_CLIENT_SECRET":     "",
	"BREVO_API_KEY":            "",
	"BREVO_SENDER_EMAIL":       "",
	"CLOUDINARY_URL":           "",
}

// Load reads envPath when it exists and then the process environment, which wins.
func Load(envPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envPath, err)
		}
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
		_ = v.BindEnv(key)
	}
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres store")
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if _, err := decimal.NewFromString(c.PlatformFeePercentage); err != nil {
		return fmt.Errorf("PLATFORM_FEE_PERCENTAGE: %w", err)
	}
	return nil
}

// FeePercentage is the platform's share of each charge, in percent.
func (c *Config) FeePercentage() decimal.Decimal {
	d, err := decimal.NewFromString(c.PlatformFeePercentage)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (c *Config) SecondaryCountries() []string {
	var out []string
	for _, country := range strings.Split(c.SecondaryOnlyCountries, ",") {
		if country = strings.ToUpper(strings.TrimSpace(country)); country != "" {
			out = append(out, country)
		}
	}
	return out
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
