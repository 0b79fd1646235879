package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is everything the service reads from the environment.
type Config struct {
	DatabaseURL       string
	RedisURL          string
	JWTSecret         string
	TOTPEncryptionKey string
	Environment       string
	SentryDSN         string
	LogFile           string
	CronSecret        string
	AdminUsername     string
	AdminPassword     string

	DBMaxOpenConns       int
	DBMaxIdleConns       int
	DBConnMaxLifetime    time.Duration
	DBConnMaxIdleTime    time.Duration
	LoginMaxAttempts     int
	LoginLockDuration    time.Duration
	AccessTokenTTL       time.Duration
	RefreshTokenTTL      time.Duration
	ChallengeTTL         time.Duration
	TrustedDeviceTTL     time.Duration
	LoginRateLimitMax    int
	LoginRateLimitWindow time.Duration

	TOTPIssuer           string
	TOTPSkewSteps        int
	BackupCodeBcryptCost int

	RevocationTimeout          time.Duration
	RevocationResyncInterval   time.Duration
	RevocationRebuildOnStartup bool
	AuditBufferSize            int
	AuditWriteTimeout          time.Duration

	RefreshTokenRetention time.Duration
	LoginAttemptRetention time.Duration
	CleanupBatchSize      int
	CleanupInterval       time.Duration
}

func LoadConfig() (Config, error) {
	cfg := Config{
		Environment:   envOrDefault("APP_ENV", "development"),
		SentryDSN:     os.Getenv("SENTRY_DSN"),
		LogFile:       strings.TrimSpace(os.Getenv("LOG_FILE")),
		CronSecret:    os.Getenv("CRON_SECRET"),
		AdminUsername: os.Getenv("ADMIN_USERNAME"),
		AdminPassword: os.Getenv("ADMIN_PASSWORD"),

		DBMaxOpenConns:       envIntOrDefault("DB_MAX_OPEN_CONNS", 10),
		DBMaxIdleConns:       envIntOrDefault("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLifetime:    envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30),
		DBConnMaxIdleTime:    envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10),
		LoginMaxAttempts:     envIntOrDefault("LOGIN_MAX_ATTEMPTS", 5),
		LoginLockDuration:    envMinutesOrDefault("LOGIN_LOCK_MINUTES", 15),
		AccessTokenTTL:       envMinutesOrDefault("ACCESS_TOKEN_TTL_MINUTES", 15),
		RefreshTokenTTL:      envHoursOrDefault("REFRESH_TOKEN_TTL_HOURS", 168),
		ChallengeTTL:         envMinutesOrDefault("MFA_CHALLENGE_TTL_MINUTES", 5),
		TrustedDeviceTTL:     envDaysOrDefault("TRUSTED_DEVICE_TTL_DAYS", 30),
		LoginRateLimitMax:    envIntOrDefault("LOGIN_RATE_LIMIT_MAX", 10),
		LoginRateLimitWindow: envSecondsOrDefault("LOGIN_RATE_LIMIT_WINDOW_SECONDS", 60),

		TOTPIssuer:           envOrDefault("TOTP_ISSUER", "trust-serverless"),
		TOTPSkewSteps:        envNonNegativeIntOrDefault("TOTP_SKEW_STEPS", 2),
		BackupCodeBcryptCost: envIntOrDefault("BACKUP_CODE_BCRYPT_COST", 10),

		RevocationTimeout:          envMillisecondsOrDefault("REVOCATION_TIMEOUT_MS", 150),
		RevocationResyncInterval:   envSecondsOrDefault("REVOCATION_RESYNC_SECONDS", 300),
		RevocationRebuildOnStartup: EnvBoolOrDefault("REVOCATION_REBUILD_ON_STARTUP", true),
		AuditBufferSize:            envIntOrDefault("AUDIT_BUFFER_SIZE", 1024),
		AuditWriteTimeout:          envMillisecondsOrDefault("AUDIT_WRITE_TIMEOUT_MS", 250),

		RefreshTokenRetention: envDaysOrDefault("AUTH_REFRESH_TOKEN_RETENTION_DAYS", 14),
		LoginAttemptRetention: envDaysOrDefault("AUTH_LOGIN_ATTEMPT_RETENTION_DAYS", 30),
		CleanupBatchSize:      envIntOrDefault("AUTH_CLEANUP_BATCH_SIZE", 500),
		CleanupInterval:       envMinutesOrDefault("AUTH_CLEANUP_INTERVAL_MINUTES", 60),
	}

	var err error
	if cfg.DatabaseURL, err = mustEnv("DATABASE_URL"); err != nil {
		return Config{}, err
	}
	if cfg.RedisURL, err = mustEnv("REDIS_URL"); err != nil {
		return Config{}, err
	}
	if cfg.JWTSecret, err = mustEnv("JWT_SECRET"); err != nil {
		return Config{}, err
	}
	if cfg.TOTPEncryptionKey, err = mustEnv("TOTP_ENCRYPTION_KEY"); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

// envNonNegativeIntOrDefault accepts 0, which envIntOrDefault treats as unset.
func envNonNegativeIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envHoursOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Hour
}

func envDaysOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * 24 * time.Hour
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}

func envMillisecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Millisecond
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
