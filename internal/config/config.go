package config

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

type Config struct {
	Environment Environment
	Port        string
	AppURL      string

	DatabaseURL string
	RedisURL    string
	JWTSecret   string

	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	FromEmail    string
	FromName     string

	KafkaBrokers string
	KafkaTopic   string

	RateLimit      int
	TrustedProxies []string

	PaymentTestMode      bool
	DefaultProvider      string
	PaymentMinAmount     decimal.Decimal
	AllowedCurrencies    []string
	RefundWindowDays     int
	ReconcileAfter       time.Duration
	ReconcileBatchSize   int
	ReconcileConcurrency int
	WebhookDedupeTTL     time.Duration
	GatewayTimeout       time.Duration

	EnableReceiptEmails bool
	EnablePaymentEvents bool
}

func Load() (*Config, error) {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	if env != "production" {
		if err := godotenv.Load(); err != nil {
			if err := godotenv.Load("../../.env"); err != nil {
				if env == "development" {
					return nil, fmt.Errorf("failed to load .env file: %w", err)
				}
			}
		}
	}

	cfg := &Config{
		Environment: Environment(env),
		Port:        getEnv("PORT", "8080"),
		AppURL:      getEnv("APP_URL", "http://localhost:3000"),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379"),
		JWTSecret:   getEnv("JWT_SECRET", ""),

		SMTPHost:     getEnv("SMTP_HOST", ""),
		SMTPPort:     getEnv("SMTP_PORT", "587"),
		SMTPUsername: getEnv("SMTP_USERNAME", ""),
		SMTPPassword: getEnv("SMTP_PASSWORD", ""),
		FromEmail:    getEnv("FROM_EMAIL", "payments@school.local"),
		FromName:     getEnv("FROM_NAME", "School Payments"),

		KafkaBrokers: getEnv("KAFKA_BROKERS", ""),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "payments.events"),

		RateLimit:      getEnvAsInt("RATE_LIMIT_PER_MINUTE", 60),
		TrustedProxies: splitList(os.Getenv("TRUSTED_PROXIES")),

		PaymentTestMode:      getEnvAsBool("PAYMENT_TEST_MODE", true),
		DefaultProvider:      getEnv("PAYMENT_DEFAULT_PROVIDER", "paystack"),
		PaymentMinAmount:     getEnvAsDecimal("PAYMENT_MIN_AMOUNT", decimal.NewFromInt(1)),
		AllowedCurrencies:    getEnvAsList("PAYMENT_ALLOWED_CURRENCIES", []string{"NGN", "USD", "GHS", "KES", "ZAR", "GBP", "EUR"}),
		RefundWindowDays:     getEnvAsInt("PAYMENT_REFUND_WINDOW_DAYS", 30),
		ReconcileAfter:       getEnvAsDuration("RECONCILE_AFTER", 30*time.Minute),
		ReconcileBatchSize:   getEnvAsInt("RECONCILE_BATCH_SIZE", 100),
		ReconcileConcurrency: getEnvAsInt("RECONCILE_CONCURRENCY", 4),
		WebhookDedupeTTL:     getEnvAsDuration("WEBHOOK_DEDUPE_TTL", 72*time.Hour),
		GatewayTimeout:       getEnvAsDuration("GATEWAY_TIMEOUT", 30*time.Second),

		EnableReceiptEmails: getEnvAsBool("ENABLE_RECEIPT_EMAILS", true),
		EnablePaymentEvents: getEnvAsBool("ENABLE_PAYMENT_EVENTS", true),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	if c.SMTPHost != "" || c.SMTPUsername != "" || c.SMTPPassword != "" {
		if c.SMTPHost == "" || c.SMTPUsername == "" || c.SMTPPassword == "" {
			return fmt.Errorf("incomplete SMTP configuration: all SMTP fields must be set")
		}
	}

	if c.PaymentMinAmount.IsNegative() {
		return fmt.Errorf("PAYMENT_MIN_AMOUNT must not be negative")
	}

	if c.RefundWindowDays < 0 {
		return fmt.Errorf("PAYMENT_REFUND_WINDOW_DAYS must not be negative")
	}

	for _, cur := range c.AllowedCurrencies {
		if len(cur) != 3 {
			return fmt.Errorf("invalid currency code %q in PAYMENT_ALLOWED_CURRENCIES", cur)
		}
	}

	if _, err := c.TrustedProxyPrefixes(); err != nil {
		return err
	}

	return nil
}

// TrustedProxyPrefixes parses TrustedProxies. A bare IP becomes a single
// address prefix.
func (c *Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, entry := range c.TrustedProxies {
		if prefix, err := netip.ParsePrefix(entry); err == nil {
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid entry %q in TRUSTED_PROXIES", entry)
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
	}
	return prefixes, nil
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == Development
}

func (c *Config) IsStaging() bool {
	return c.Environment == Staging
}

func (c *Config) IsProduction() bool {
	return c.Environment == Production
}

func (c *Config) SMTPEnabled() bool {
	return c.SMTPHost != ""
}

func (c *Config) RefundWindow() time.Duration {
	return time.Duration(c.RefundWindowDays) * 24 * time.Hour
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := decimal.NewFromString(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsList splits a comma separated value, upper-casing each entry.
func getEnvAsList(key string, defaultValue []string) []string {
	out := splitList(os.Getenv(key))
	if len(out) == 0 {
		return defaultValue
	}
	for i := range out {
		out[i] = strings.ToUpper(out[i])
	}
	return out
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
