package maintenance

import (
	"context"
	"time"

	"trust-serverless/internal/auth"
)

// Cleaner prunes expired refresh tokens and stale login attempts.
// *auth.Repository implements it.
type Cleaner interface {
	CleanupStaleAuthData(ctx context.Context, refreshRetention time.Duration, loginAttemptRetention time.Duration, batchSize int) (auth.CleanupResult, error)
}

// Resyncer rebuilds the revocation fast path from the durable store.
// *revocation.Ledger implements it.
type Resyncer interface {
	Rebuild(ctx context.Context) (int, error)
}

type CleanupConfig struct {
	RefreshRetention      time.Duration
	LoginAttemptRetention time.Duration
	BatchSize             int
}

// Task is a named periodic job.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (map[string]any, error)
}

func CleanupTask(cleaner Cleaner, cfg CleanupConfig, interval time.Duration) Task {
	return Task{
		Name:     "auth_cleanup",
		Interval: interval,
		Run: func(ctx context.Context) (map[string]any, error) {
			result, err := cleaner.CleanupStaleAuthData(ctx, cfg.RefreshRetention, cfg.LoginAttemptRetention, cfg.BatchSize)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"deleted_refresh_tokens": result.DeletedRefreshTokens,
				"deleted_login_attempts": result.DeletedLoginAttempts,
			}, nil
		},
	}
}

func ResyncTask(resyncer Resyncer, interval time.Duration) Task {
	return Task{
		Name:     "revocation_resync",
		Interval: interval,
		Run: func(ctx context.Context) (map[string]any, error) {
			revoked, err := resyncer.Rebuild(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{"revoked_users": revoked}, nil
		},
	}
}
