package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config holds all runtime configuration read from the environment.
type Config struct {
	AppEnv           string `env:"APP_ENV" envDefault:"development"`
	LogLevel         string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat        string `env:"LOG_FORMAT" envDefault:"text"`
	HTTPListenAddr   string `env:"HTTP_LISTEN_ADDR" envDefault:":8080"`
	PublicBasePath   string `env:"PUBLIC_BASE_PATH"`
	MetricsNamespace string `env:"METRICS_NAMESPACE" envDefault:"wa_dispatch"`

	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"postgres"`
	DatabaseURL    string `env:"DATABASE_URL"`
	DatabaseSchema string `env:"DATABASE_SCHEMA"`
	SQLitePath     string `env:"SQLITE_PATH" envDefault:"data/dispatch.db"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisTLS      bool   `env:"REDIS_TLS" envDefault:"false"`
	NotifyChannel string `env:"NOTIFY_CHANNEL" envDefault:"dispatch:enqueued"`

	WhatsAppStoreDir     string `env:"WA_STORE_DIR" envDefault:"data/devices"`
	WhatsAppLogLevel     string `env:"WA_LOG_LEVEL" envDefault:"INFO"`
	WhatsAppCountryCode  string `env:"WA_COUNTRY_CODE" envDefault:"91"`
	WhatsAppLogoutOnIdle bool   `env:"WA_LOGOUT_ON_IDLE" envDefault:"true"`

	SessionIdleGrace       time.Duration `env:"SESSION_IDLE_GRACE" envDefault:"10s"`
	SessionMaxPairAttempts int           `env:"SESSION_MAX_PAIR_ATTEMPTS" envDefault:"1"`
	SessionPairTimeout     time.Duration `env:"SESSION_PAIR_TIMEOUT" envDefault:"60s"`

	DispatchPollInterval    time.Duration `env:"DISPATCH_POLL_INTERVAL" envDefault:"5s"`
	DispatchClaimLease      time.Duration `env:"DISPATCH_CLAIM_LEASE" envDefault:"2m"`
	DispatchSendTimeout     time.Duration `env:"DISPATCH_SEND_TIMEOUT" envDefault:"30s"`
	DispatchSendRate        float64       `env:"DISPATCH_SEND_RATE" envDefault:"1"`
	DispatchSendBurst       int           `env:"DISPATCH_SEND_BURST" envDefault:"1"`
	DispatchRefundOnFailure bool          `env:"DISPATCH_REFUND_ON_FAILURE" envDefault:"false"`

	CompanyInitialCredits int64  `env:"COMPANY_INITIAL_CREDITS" envDefault:"100"`
	AttachmentsDir        string `env:"ATTACHMENTS_DIR" envDefault:"attachments"`

	AuthJWTSecret string `env:"AUTH_JWT_SECRET,required,notEmpty"`
	AuthJWTIssuer string `env:"AUTH_JWT_ISSUER"`

	BillingWebhookUsernameMD5 string `env:"BILLING_WEBHOOK_USERNAME_MD5"`
	BillingWebhookPasswordMD5 string `env:"BILLING_WEBHOOK_PASSWORD_MD5"`
}

// Load reads configuration from environment variables. A .env file in the
// working directory is loaded first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	c.DatabaseDriver = strings.ToLower(strings.TrimSpace(c.DatabaseDriver))
	switch c.DatabaseDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when DATABASE_DRIVER=postgres")
		}
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when DATABASE_DRIVER=sqlite")
		}
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	if c.SessionMaxPairAttempts < 1 {
		return fmt.Errorf("SESSION_MAX_PAIR_ATTEMPTS must be at least 1")
	}
	if c.DispatchClaimLease <= c.DispatchSendTimeout {
		return fmt.Errorf("DISPATCH_CLAIM_LEASE (%s) must be longer than DISPATCH_SEND_TIMEOUT (%s)", c.DispatchClaimLease, c.DispatchSendTimeout)
	}
	if c.DispatchSendRate <= 0 {
		return fmt.Errorf("DISPATCH_SEND_RATE must be positive")
	}
	if c.DispatchSendBurst < 1 {
		c.DispatchSendBurst = 1
	}
	if c.CompanyInitialCredits < 0 {
		return fmt.Errorf("COMPANY_INITIAL_CREDITS must not be negative")
	}
	return nil
}
