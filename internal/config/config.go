// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all engine configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string

	// Marketplace economics
	InitialCredits               int64
	TaskExpireHours              int64
	DefaultReviewTimeoutMinutes  int64
	DefaultClaimTimeoutMinutes   int64
	MatchTimeoutSeconds          int64
	VerificationTimeoutSeconds   int64
	SystemTaskAutoApproveSeconds int64
	MaxWaitSeconds               int64
	MaxRejections                int64
	RejectionGraceMinutes        int64
	ReferralBonus                int64
	MaxReferralBonusesPerAgent   int64
	MaxAbandonsBeforeCooldown    int64
	AbandonCooldownMinutes       int64
	PlatformAgentID              string
	MatchCredits                 int64
	VerifyCredits                int64

	// Security
	AdminSecret string // gates suspend/unsuspend/admin_grant

	// Database pool settings
	DBMaxOpenConns     int
	DBMaxIdleConns     int
	DBConnMaxLifetime  time.Duration
	DBConnMaxIdleTime  time.Duration
	DBConnectTimeout   int // seconds, appended to Postgres DSN
	DBStatementTimeout int // milliseconds, appended to Postgres DSN

	// HTTP server timeouts (carried for the eventual HTTP binding; unused by the engine today)
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RequestTimeout   time.Duration

	// Observability
	OTLPEndpoint string // OpenTelemetry collector endpoint, empty = disabled
}

const (
	DefaultPort     = "8080"
	DefaultEnv      = "development"
	DefaultLogLevel = "info"

	DefaultInitialCredits               = 100
	DefaultTaskExpireHours              = 72
	DefaultReviewTimeoutMinutes         = 30
	DefaultClaimTimeoutMinutes          = 15
	DefaultMatchTimeoutSeconds          = 120
	DefaultVerificationTimeoutSeconds   = 120
	DefaultSystemTaskAutoApproveSeconds = 60
	DefaultMaxWaitSeconds               = 300
	DefaultMaxRejections                = 3
	DefaultRejectionGraceMinutes        = 10
	DefaultReferralBonus                = 10
	DefaultMaxReferralBonusesPerAgent   = 50
	DefaultMaxAbandonsBeforeCooldown    = 3
	DefaultAbandonCooldownMinutes       = 30
	DefaultPlatformAgentID              = "ag_platform"
	DefaultMatchCredits                 = 3
	DefaultVerifyCredits                = 5

	// Database pool defaults
	DefaultDBMaxOpenConns     = 25
	DefaultDBMaxIdleConns     = 5
	DefaultDBConnMaxLifetime  = 5 * time.Minute
	DefaultDBConnMaxIdleTime  = 3 * time.Minute
	DefaultDBConnectTimeout   = 5     // seconds
	DefaultDBStatementTimeout = 30000 // milliseconds (30s)

	// HTTP server timeout defaults
	DefaultHTTPReadTimeout  = 10 * time.Second
	DefaultHTTPWriteTimeout = 30 * time.Second
	DefaultHTTPIdleTimeout  = 60 * time.Second
	DefaultRequestTimeout   = 30 * time.Second
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		Env:         getEnv("ENV", DefaultEnv),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		InitialCredits:               getEnvInt64("INITIAL_CREDITS", DefaultInitialCredits),
		TaskExpireHours:              getEnvInt64("TASK_EXPIRE_HOURS", DefaultTaskExpireHours),
		DefaultReviewTimeoutMinutes:  getEnvInt64("DEFAULT_REVIEW_TIMEOUT_MINUTES", DefaultReviewTimeoutMinutes),
		DefaultClaimTimeoutMinutes:   getEnvInt64("DEFAULT_CLAIM_TIMEOUT_MINUTES", DefaultClaimTimeoutMinutes),
		MatchTimeoutSeconds:          getEnvInt64("MATCH_TIMEOUT_SECONDS", DefaultMatchTimeoutSeconds),
		VerificationTimeoutSeconds:   getEnvInt64("VERIFICATION_TIMEOUT_SECONDS", DefaultVerificationTimeoutSeconds),
		SystemTaskAutoApproveSeconds: getEnvInt64("SYSTEM_TASK_AUTO_APPROVE_SECONDS", DefaultSystemTaskAutoApproveSeconds),
		MaxWaitSeconds:               getEnvInt64("MAX_WAIT_SECONDS", DefaultMaxWaitSeconds),
		MaxRejections:                getEnvInt64("MAX_REJECTIONS", DefaultMaxRejections),
		RejectionGraceMinutes:        getEnvInt64("REJECTION_GRACE_MINUTES", DefaultRejectionGraceMinutes),
		ReferralBonus:                getEnvInt64("REFERRAL_BONUS", DefaultReferralBonus),
		MaxReferralBonusesPerAgent:   getEnvInt64("MAX_REFERRAL_BONUSES_PER_AGENT", DefaultMaxReferralBonusesPerAgent),
		MaxAbandonsBeforeCooldown:    getEnvInt64("MAX_ABANDONS_BEFORE_COOLDOWN", DefaultMaxAbandonsBeforeCooldown),
		AbandonCooldownMinutes:       getEnvInt64("ABANDON_COOLDOWN_MINUTES", DefaultAbandonCooldownMinutes),
		PlatformAgentID:              getEnv("PLATFORM_AGENT_ID", DefaultPlatformAgentID),
		MatchCredits:                 getEnvInt64("MATCH_CREDITS", DefaultMatchCredits),
		VerifyCredits:                getEnvInt64("VERIFY_CREDITS", DefaultVerifyCredits),

		AdminSecret: os.Getenv("ADMIN_SECRET"),

		DBMaxOpenConns:     int(getEnvInt64("POSTGRES_MAX_OPEN_CONNS", int64(DefaultDBMaxOpenConns))),
		DBMaxIdleConns:     int(getEnvInt64("POSTGRES_MAX_IDLE_CONNS", int64(DefaultDBMaxIdleConns))),
		DBConnMaxLifetime:  getEnvDuration("POSTGRES_CONN_MAX_LIFETIME", DefaultDBConnMaxLifetime),
		DBConnMaxIdleTime:  getEnvDuration("POSTGRES_CONN_MAX_IDLE_TIME", DefaultDBConnMaxIdleTime),
		DBConnectTimeout:   int(getEnvInt64("POSTGRES_CONNECT_TIMEOUT", int64(DefaultDBConnectTimeout))),
		DBStatementTimeout: int(getEnvInt64("POSTGRES_STATEMENT_TIMEOUT", int64(DefaultDBStatementTimeout))),

		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", DefaultHTTPReadTimeout),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", DefaultHTTPWriteTimeout),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", DefaultHTTPIdleTimeout),
		RequestTimeout:   getEnvDuration("REQUEST_TIMEOUT", DefaultRequestTimeout),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and sane.
func (c *Config) Validate() error {
	port, err := strconv.Atoi(c.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a number between 1 and 65535, got %q", c.Port)
	}

	if c.InitialCredits < 0 {
		return fmt.Errorf("INITIAL_CREDITS must be >= 0, got %d", c.InitialCredits)
	}

	if c.MaxRejections < 1 {
		return fmt.Errorf("MAX_REJECTIONS must be at least 1, got %d", c.MaxRejections)
	}

	if c.MatchCredits < 0 || c.VerifyCredits < 0 {
		return fmt.Errorf("MATCH_CREDITS and VERIFY_CREDITS must be >= 0")
	}

	if c.DBStatementTimeout < 1000 {
		return fmt.Errorf("POSTGRES_STATEMENT_TIMEOUT must be at least 1000ms, got %d", c.DBStatementTimeout)
	}

	if c.HTTPWriteTimeout > 0 && c.RequestTimeout > 0 && c.HTTPWriteTimeout < c.RequestTimeout {
		return fmt.Errorf("HTTP_WRITE_TIMEOUT (%v) must be >= REQUEST_TIMEOUT (%v)", c.HTTPWriteTimeout, c.RequestTimeout)
	}

	if c.IsProduction() && c.AdminSecret == "" {
		slog.Warn("ADMIN_SECRET not set — admin operations accept any caller-asserted admin flag")
	}

	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
