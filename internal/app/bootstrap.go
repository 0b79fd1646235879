package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"trust-serverless/internal/audit"
	"trust-serverless/internal/auth"
	"trust-serverless/internal/maintenance"
	"trust-serverless/internal/observability"
	"trust-serverless/internal/revocation"
	"trust-serverless/internal/twofactor"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
	// RunScheduler starts the in-process maintenance jobs. Serverless
	// deployments leave it off and call the cleanup endpoint from cron.
	RunScheduler bool
}

type Runtime struct {
	Handler http.Handler
	Logger  *observability.Logger
	Close   func() error
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}

	logger := observability.NewLoggerWithOptions(observability.LoggerOptions{FilePath: cfg.LogFile})

	if err := observability.InitSentry(cfg.SentryDSN, cfg.Environment); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	core, err := OpenCore(context.Background(), cfg, logger, CoreOptions{
		RunMigrations: options.RunMigrations,
		RebuildCache:  cfg.RevocationRebuildOnStartup,
	})
	if err != nil {
		return nil, err
	}

	if err := core.Auth.BootstrapFromEnv(context.Background(), cfg.AdminUsername, cfg.AdminPassword); err != nil {
		_ = core.Close()
		return nil, fmt.Errorf("bootstrap admin: %w", err)
	}

	tasks := []maintenance.Task{
		maintenance.CleanupTask(core.AuthRepo, maintenance.CleanupConfig{
			RefreshRetention:      cfg.RefreshTokenRetention,
			LoginAttemptRetention: cfg.LoginAttemptRetention,
			BatchSize:             cfg.CleanupBatchSize,
		}, cfg.CleanupInterval),
		maintenance.ResyncTask(core.Ledger, cfg.RevocationResyncInterval),
	}

	var scheduler *maintenance.Scheduler
	if options.RunScheduler {
		scheduler = maintenance.NewScheduler(logger, 0)
		for _, task := range tasks {
			if err := scheduler.Register(task); err != nil {
				_ = core.Close()
				return nil, err
			}
		}
		scheduler.Start()
	}

	handler := routes(core, maintenance.NewCleanupHandler(logger, cfg.CronSecret, tasks...))

	return &Runtime{
		Handler: observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, handler)),
		Logger:  logger,
		Close: func() error {
			if scheduler != nil {
				scheduler.Stop()
			}
			err := core.Close()
			observability.FlushSentry()
			_ = logger.Sync()
			return err
		},
	}, nil
}

func routes(core *Core, cleanupHandler *maintenance.CleanupHandler) *http.ServeMux {
	authHandler := auth.NewHandler(core.Auth)
	twoFactorHandler := twofactor.NewHandler(core.TwoFactor, auth.UserIDFromContext)
	revocationHandler := revocation.NewHandler(core.Ledger, auth.UserIDFromContext)
	auditHandler := audit.NewHandler(core.Trail)

	loginLimiter := auth.NewLoginRateLimiter(core.Config.LoginRateLimitMax, core.Config.LoginRateLimitWindow)

	authenticated := func(h http.HandlerFunc) http.Handler {
		return auth.Middleware(core.Auth, h)
	}
	admin := func(h http.HandlerFunc) http.Handler {
		return auth.Middleware(core.Auth, auth.RequireRole(auth.RoleAdmin, h))
	}

	mux := http.NewServeMux()
	mux.Handle("POST /auth/login", loginLimiter.Middleware(http.HandlerFunc(authHandler.Login)))
	mux.Handle("POST /auth/2fa/login", loginLimiter.Middleware(http.HandlerFunc(authHandler.VerifySecondFactor)))
	mux.HandleFunc("POST /auth/refresh", authHandler.Refresh)
	mux.HandleFunc("POST /auth/logout", authHandler.Logout)

	mux.Handle("POST /auth/2fa/setup", authenticated(twoFactorHandler.Setup))
	mux.Handle("POST /auth/2fa/confirm", authenticated(twoFactorHandler.Confirm))
	mux.Handle("POST /auth/2fa/disable", authenticated(twoFactorHandler.Disable))
	mux.Handle("POST /auth/2fa/backup-codes", authenticated(twoFactorHandler.RegenerateBackupCodes))
	mux.Handle("GET /auth/2fa/status", authenticated(twoFactorHandler.Status))

	mux.Handle("POST /admin/users/{id}/sessions/revoke", admin(revocationHandler.Revoke))
	mux.Handle("POST /admin/users/{id}/sessions/restore", admin(revocationHandler.Restore))
	mux.Handle("GET /admin/users/{id}/sessions", admin(revocationHandler.Show))
	mux.Handle("GET /admin/audit", admin(auditHandler.Query))
	mux.Handle("GET /admin/audit/stats", admin(auditHandler.Stats))

	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(core))
	mux.Handle("GET /metrics", observability.MetricsHandler())

	return mux
}

func healthHandler(core *Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		err := errors.Join(core.DB.PingContext(ctx), core.Redis.Ping(ctx).Err())
		if err != nil {
			core.Logger.Warn("health_check_degraded", map[string]any{"error": err.Error()})
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
