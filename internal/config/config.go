package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"github.com/shopspring/decimal"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	CORSAllowedOrigins []string
	LogFormat          string
	LogLevel           string
	PublicBaseURL      string
	CallbackBaseURL    string
	MigrateOnStart     bool

	Cryptomus CryptomusConfig
	Retry     RetryConfig
	Bundle    BundleConfig
	Webhook   WebhookConfig
	Tracing   TracingConfig

	PaymentFallbackURL       string
	PaymentFallbackRecipient string
	GumroadProductURL        string

	OrderTokenSecret string
	OrderTokenTTL    time.Duration

	CheckoutRateLimit  int
	CheckoutRateWindow time.Duration
	IdempotencyTTL     time.Duration

	OutboxRelayInterval time.Duration
	LockTTL             time.Duration
	LockRetryBackoff    time.Duration

	WorkerConcurrency  int
	NotifyEmailFrom    string
	NotifyEmailEnabled bool
	DownloadURL        string
	SupportEmail       string
}

// CryptomusConfig carries merchant credentials and invoice policy.
type CryptomusConfig struct {
	BaseURL     string
	MerchantID  string
	APIKey      string
	Lifetime    int
	Subtract    int
	Description string
	Timeout     time.Duration
}

// RetryConfig tunes outbound provider calls.
type RetryConfig struct {
	MaxAttempts        int
	Base               time.Duration
	JitterPercent      float64
	CircuitMinRequests int
	CircuitFailureRate float64
	CircuitOpenFor     time.Duration
}

// BundleConfig is the server-side price of the course bundle.
type BundleConfig struct {
	Price    decimal.Decimal
	Currency string
}

// WebhookConfig controls inbound callback handling.
type WebhookConfig struct {
	ReplayTTL  time.Duration
	AllowedIPs []string
	MaxBytes   int64
}

// TracingConfig controls the OpenTelemetry exporter.
type TracingConfig struct {
	Enabled     bool
	Endpoint    string
	SampleRatio float64
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	price, err := decimal.NewFromString(valueOrDefault(k.String("BUNDLE_PRICE"), "12.99"))
	if err != nil || !price.IsPositive() {
		return nil, errors.New("BUNDLE_PRICE must be a positive decimal")
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		LogFormat:          valueOrDefault(k.String("LOG_FORMAT"), "json"),
		LogLevel:           valueOrDefault(k.String("LOG_LEVEL"), "info"),
		PublicBaseURL:      strings.TrimRight(strings.TrimSpace(k.String("PUBLIC_BASE_URL")), "/"),
		CallbackBaseURL:    strings.TrimRight(strings.TrimSpace(k.String("CALLBACK_BASE_URL")), "/"),
		MigrateOnStart:     parseBool(k.String("MIGRATE_ON_START")),
		Cryptomus: CryptomusConfig{
			BaseURL:     strings.TrimSpace(k.String("CRYPTOMUS_BASE_URL")),
			MerchantID:  strings.TrimSpace(k.String("CRYPTOMUS_MERCHANT_ID")),
			APIKey:      strings.TrimSpace(k.String("CRYPTOMUS_API_KEY")),
			Lifetime:    parseInt(k.String("CRYPTOMUS_INVOICE_LIFETIME"), 7200),
			Subtract:    parseInt(k.String("CRYPTOMUS_SUBTRACT"), 100),
			Description: valueOrDefault(k.String("CRYPTOMUS_DESCRIPTION"), "LearnforLess Course Bundle Payment"),
			Timeout:     parseDuration(k.String("CRYPTOMUS_TIMEOUT"), "5s"),
		},
		Retry: RetryConfig{
			MaxAttempts:        parseInt(k.String("RETRY_MAX_ATTEMPTS"), 3),
			Base:               parseDuration(k.String("RETRY_BASE"), "200ms"),
			JitterPercent:      parseFloat(k.String("RETRY_JITTER_PERCENT"), 20),
			CircuitMinRequests: parseInt(k.String("CIRCUIT_MIN_REQUESTS"), 10),
			CircuitFailureRate: parseFloat(k.String("CIRCUIT_FAILURE_RATE"), 0.5),
			CircuitOpenFor:     parseDuration(k.String("CIRCUIT_OPEN_FOR"), "30s"),
		},
		Bundle: BundleConfig{
			Price:    price,
			Currency: strings.ToUpper(valueOrDefault(k.String("BUNDLE_CURRENCY"), "USD")),
		},
		Webhook: WebhookConfig{
			ReplayTTL:  parseDuration(k.String("WEBHOOK_REPLAY_TTL"), "24h"),
			AllowedIPs: splitAndTrim(k.String("WEBHOOK_ALLOWED_IPS")),
			MaxBytes:   int64(parseInt(k.String("WEBHOOK_MAX_BODY_BYTES"), 64<<10)),
		},
		Tracing: TracingConfig{
			Enabled:     parseBool(k.String("OTEL_ENABLED")),
			Endpoint:    strings.TrimSpace(k.String("OTEL_EXPORTER_OTLP_ENDPOINT")),
			SampleRatio: parseFloat(k.String("OTEL_SAMPLE_RATIO"), 1),
		},
		PaymentFallbackURL:       strings.TrimSpace(k.String("PAYMENT_FALLBACK_URL")),
		PaymentFallbackRecipient: strings.TrimSpace(k.String("PAYMENT_FALLBACK_RECIPIENT")),
		GumroadProductURL:        strings.TrimSpace(k.String("GUMROAD_PRODUCT_URL")),
		OrderTokenSecret:         k.String("ORDER_TOKEN_SECRET"),
		OrderTokenTTL:            parseDuration(k.String("ORDER_TOKEN_TTL"), "24h"),
		CheckoutRateLimit:        parseInt(k.String("CHECKOUT_RATE_LIMIT"), 10),
		CheckoutRateWindow:       parseDuration(k.String("CHECKOUT_RATE_WINDOW"), "1m"),
		IdempotencyTTL:           parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		OutboxRelayInterval:      parseDuration(k.String("OUTBOX_RELAY_INTERVAL"), "5s"),
		LockTTL:                  parseDuration(k.String("LOCK_TTL"), "30s"),
		LockRetryBackoff:         parseDuration(k.String("LOCK_RETRY_BACKOFF"), "50ms"),
		WorkerConcurrency:        parseInt(k.String("WORKER_CONCURRENCY"), 10),
		NotifyEmailFrom:          valueOrDefault(k.String("NOTIFY_EMAIL_FROM"), "no-reply@learnforless.example"),
		NotifyEmailEnabled:       parseBoolDefault(k.String("NOTIFY_EMAIL_ENABLED"), true),
		DownloadURL:              strings.TrimSpace(k.String("DOWNLOAD_URL")),
		SupportEmail:             strings.TrimSpace(k.String("SUPPORT_EMAIL")),
	}

	required := []struct{ key, value string }{
		{"DATABASE_URL", cfg.DatabaseURL},
		{"REDIS_URL", cfg.RedisURL},
		{"CRYPTOMUS_MERCHANT_ID", cfg.Cryptomus.MerchantID},
		{"CRYPTOMUS_API_KEY", cfg.Cryptomus.APIKey},
		{"ORDER_TOKEN_SECRET", cfg.OrderTokenSecret},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return nil, fmt.Errorf("%s is required", r.key)
		}
	}
	if len(cfg.OrderTokenSecret) < 32 {
		return nil, errors.New("ORDER_TOKEN_SECRET must be at least 32 bytes")
	}

	return cfg, nil
}

// CallbackURL is the webhook endpoint the provider posts notifications to.
func (c *Config) CallbackURL() string {
	base := c.CallbackBaseURL
	if base == "" {
		base = c.PublicBaseURL
	}
	if base == "" {
		return ""
	}
	return base + "/api/v1/webhooks/cryptomus"
}

// ReturnURL is where the customer lands after paying.
func (c *Config) ReturnURL() string {
	if c.PublicBaseURL == "" {
		return ""
	}
	return c.PublicBaseURL + "/success"
}

// IsProduction reports whether the service runs in production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseBoolDefault(value string, fallback bool) bool {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return parseBool(value)
}

func parseInt(value string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func parseFloat(value string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
