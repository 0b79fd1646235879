package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"trust-serverless/internal/audit"
	"trust-serverless/internal/auth"
	"trust-serverless/internal/backupcode"
	"trust-serverless/internal/db"
	"trust-serverless/internal/observability"
	"trust-serverless/internal/revocation"
	"trust-serverless/internal/totp"
	"trust-serverless/internal/twofactor"
	"trust-serverless/internal/vault"
)

const startupTimeout = 10 * time.Second

// Core holds the wired services shared by the HTTP runtime and trustctl.
type Core struct {
	Config    Config
	Logger    *observability.Logger
	DB        *sql.DB
	Redis     *redis.Client
	AuthRepo  *auth.Repository
	Auth      *auth.Service
	TwoFactor *twofactor.Service
	Ledger    *revocation.Ledger
	Trail     *audit.Trail
	TOTP      *totp.Verifier
}

type CoreOptions struct {
	RunMigrations bool
	// RebuildCache repopulates the revocation cache from Postgres before
	// returning. A failure is logged; lookups fall back to Postgres until the
	// next resync.
	RebuildCache bool
}

func OpenCore(ctx context.Context, cfg Config, logger *observability.Logger, options CoreOptions) (*Core, error) {
	ctx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	keyring, err := vault.ParseKeyring(cfg.TOTPEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("parse TOTP_ENCRYPTION_KEY: %w", err)
	}

	database, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(cfg.DBMaxOpenConns)
	database.SetMaxIdleConns(cfg.DBMaxIdleConns)
	database.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	database.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	if err := database.PingContext(ctx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if options.RunMigrations {
		if err := db.RunMigrations(ctx, database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	redisClient := redis.NewClient(redisOptions)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		_ = redisClient.Close()
		_ = database.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	trail := audit.NewTrail(audit.NewRepository(database), logger, audit.Config{
		BufferSize:   cfg.AuditBufferSize,
		WriteTimeout: cfg.AuditWriteTimeout,
	})

	ledger := revocation.NewLedger(
		revocation.NewRepository(database),
		revocation.NewRedisCache(redisClient),
		trail,
		logger,
		revocation.Config{Timeout: cfg.RevocationTimeout},
	)

	verifier := totp.NewVerifier(totp.Config{Issuer: cfg.TOTPIssuer, Skew: cfg.TOTPSkewSteps})
	twoFactor := twofactor.NewService(
		twofactor.NewRepository(database),
		keyring,
		verifier,
		backupcode.NewManager(cfg.BackupCodeBcryptCost),
		trail,
		logger,
	)

	authRepo := auth.NewRepository(database)
	authService := auth.NewService(authRepo, cfg.JWTSecret, trail)
	authService.WithSecurityConfig(cfg.LoginMaxAttempts, cfg.LoginLockDuration, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	authService.WithSecondFactor(twoFactor, cfg.ChallengeTTL, cfg.TrustedDeviceTTL)
	authService.WithRevocationChecker(ledger)

	core := &Core{
		Config:    cfg,
		Logger:    logger,
		DB:        database,
		Redis:     redisClient,
		AuthRepo:  authRepo,
		Auth:      authService,
		TwoFactor: twoFactor,
		Ledger:    ledger,
		Trail:     trail,
		TOTP:      verifier,
	}

	if options.RebuildCache {
		revoked, err := ledger.Rebuild(ctx)
		if err != nil {
			logger.Error("revocation_rebuild_failed", map[string]any{"error": err.Error()})
		} else {
			logger.Info("revocation_rebuild_completed", map[string]any{"revoked_users": revoked})
		}
	}

	return core, nil
}

// Close drains the audit trail before closing the stores it writes to.
func (c *Core) Close() error {
	c.Trail.Close()
	return errors.Join(c.Redis.Close(), c.DB.Close())
}
