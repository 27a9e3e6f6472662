package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultAppName           = "dgt-wallet"
	defaultAppEnv            = "development"
	defaultPort              = "8080"
	defaultLogLevel          = "info"
	defaultShutdownDelay     = 10 * time.Second
	defaultIdempotencyTTL    = 24 * time.Hour
	defaultReservationTTL    = 2 * time.Minute
	defaultReconcileSchedule = "@every 15m"
	defaultSweepSchedule     = "@every 5m"
	defaultWithdrawalTimeout = 24 * time.Hour
	idemTTLSecondsEnvVar     = "IDEMPOTENCY_TTL_SECONDS"
	idemTTLDurEnvVar         = "IDEMPOTENCY_TTL"
	shutdownSecondsEnvVar    = "SHUTDOWN_TIMEOUT_SECONDS"
	shutdownDurationEnvVar   = "SHUTDOWN_TIMEOUT"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	DatabaseURL    string
	RedisURL       string
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration

	JWTSecret        string
	ServiceKeyHashes []string
	// ReservationTTL bounds how long an unresolved ledger or webhook claim blocks retries.
	ReservationTTL          time.Duration
	ReconcileSchedule       string
	WithdrawalTimeout       time.Duration
	WithdrawalSweepSchedule string
	AutoMigrate             bool
	WalletConfigPath        string

	CCPayment CCPayment
	// StaticWebhookSecret enables the deterministic provider outside development.
	StaticWebhookSecret string
}

// CCPayment holds the processor credentials.
type CCPayment struct {
	AppID     string
	AppSecret string
	BaseURL   string
}

// Enabled reports whether credentials were supplied.
func (c CCPayment) Enabled() bool {
	return c.AppID != "" && c.AppSecret != ""
}

// Load reads configuration values from the environment and populates a Config instance.
func Load() (Config, error) {
	cfg := Config{
		AppName:                 getEnv("APP_NAME", defaultAppName),
		AppEnv:                  getEnv("APP_ENV", defaultAppEnv),
		Port:                    getEnv("PORT", defaultPort),
		LogLevel:                strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		RedisURL:                os.Getenv("REDIS_URL"),
		ShutdownPeriod:          defaultShutdownDelay,
		IdempotencyTTL:          defaultIdempotencyTTL,
		JWTSecret:               os.Getenv("JWT_SECRET"),
		ServiceKeyHashes:        splitList(os.Getenv("SERVICE_KEY_HASHES")),
		ReconcileSchedule:       getEnv("RECONCILE_SCHEDULE", defaultReconcileSchedule),
		WithdrawalSweepSchedule: getEnv("WITHDRAWAL_SWEEP_SCHEDULE", defaultSweepSchedule),
		WalletConfigPath:        os.Getenv("WALLET_CONFIG_PATH"),
		StaticWebhookSecret:     os.Getenv("STATIC_WEBHOOK_SECRET"),
		CCPayment: CCPayment{
			AppID:     os.Getenv("CCPAYMENT_APP_ID"),
			AppSecret: os.Getenv("CCPAYMENT_APP_SECRET"),
			BaseURL:   os.Getenv("CCPAYMENT_BASE_URL"),
		},
	}

	var err error
	if cfg.ShutdownPeriod, err = durationEnv(shutdownSecondsEnvVar, shutdownDurationEnvVar, defaultShutdownDelay); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = durationEnv(idemTTLSecondsEnvVar, idemTTLDurEnvVar, defaultIdempotencyTTL); err != nil {
		return Config{}, err
	}
	if cfg.ReservationTTL, err = durationEnv("", "RESERVATION_TTL", defaultReservationTTL); err != nil {
		return Config{}, err
	}
	if cfg.WithdrawalTimeout, err = durationEnv("", "WITHDRAWAL_TIMEOUT", defaultWithdrawalTimeout); err != nil {
		return Config{}, err
	}
	if v := os.Getenv("AUTO_MIGRATE"); v != "" {
		if cfg.AutoMigrate, err = strconv.ParseBool(v); err != nil {
			return Config{}, fmt.Errorf("invalid AUTO_MIGRATE: %w", err)
		}
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("JWT_SECRET must be set")
	}

	if !cfg.IsDev() {
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL must be set when APP_ENV=%s", cfg.AppEnv)
		}
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("REDIS_URL must be set when APP_ENV=%s", cfg.AppEnv)
		}
		if len(cfg.ServiceKeyHashes) == 0 {
			return Config{}, fmt.Errorf("SERVICE_KEY_HASHES must be set when APP_ENV=%s", cfg.AppEnv)
		}
	}

	return cfg, nil
}

// IsDev reports whether memory backends may stand in for Postgres and Redis.
func (c Config) IsDev() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local":
		return true
	default:
		return false
	}
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// durationEnv reads secondsKey as an integer count of seconds, else durKey as
// a Go duration, else returns fallback.
func durationEnv(secondsKey, durKey string, fallback time.Duration) (time.Duration, error) {
	if secondsKey != "" {
		if v := os.Getenv(secondsKey); v != "" {
			seconds, err := strconv.Atoi(v)
			if err != nil {
				return 0, fmt.Errorf("invalid %s: %w", secondsKey, err)
			}
			return time.Duration(seconds) * time.Second, nil
		}
	}
	if v := os.Getenv(durKey); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", durKey, err)
		}
		return d, nil
	}
	return fallback, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
