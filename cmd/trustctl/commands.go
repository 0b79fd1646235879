package main

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"

	"trust-serverless/internal/app"
	"trust-serverless/internal/audit"
	"trust-serverless/internal/auth"
	"trust-serverless/internal/observability"
	"trust-serverless/internal/totp"
)

func openCore(ctx context.Context, c *cli.Command, options app.CoreOptions) (*app.Core, error) {
	_ = godotenv.Load()

	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, err
	}

	logger := observability.NewNopLogger()
	if c.Bool("verbose") {
		logger = observability.NewLoggerWithOptions(observability.LoggerOptions{FilePath: cfg.LogFile})
	}

	return app.OpenCore(ctx, cfg, logger, options)
}

// withCore opens the stores, runs fn and always drains the audit trail.
func withCore(options app.CoreOptions, fn func(ctx context.Context, c *cli.Command, core *app.Core) error) cli.ActionFunc {
	return func(ctx context.Context, c *cli.Command) error {
		core, err := openCore(ctx, c, options)
		if err != nil {
			return err
		}
		return errors.Join(fn(ctx, c, core), core.Close())
	}
}

func printJSON(value any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func actorFrom(c *cli.Command) audit.Actor {
	if id := strings.TrimSpace(c.String("actor")); id != "" {
		return audit.Admin(id)
	}
	return audit.System()
}

func operatorContext() audit.RequestContext {
	return audit.RequestContext{UserAgent: "trustctl/" + version}
}

func userFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "user",
		Usage:    "Target user id",
		Required: true,
	}
}

func actorFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "actor",
		Usage:   "Administrator user id recorded as the actor (default: system)",
		Sources: cli.EnvVars("TRUSTCTL_ACTOR"),
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply pending database migrations",
		Action: withCore(app.CoreOptions{RunMigrations: true}, func(_ context.Context, _ *cli.Command, _ *app.Core) error {
			fmt.Println("migrations applied")
			return nil
		}),
	}
}

func revokeCommand() *cli.Command {
	return &cli.Command{
		Name:  "revoke",
		Usage: "Invalidate every credential issued to a user until now",
		Flags: []cli.Flag{
			userFlag(),
			actorFlag(),
			&cli.StringFlag{Name: "reason", Usage: "Free-text reason stored with the revocation"},
		},
		Action: withCore(app.CoreOptions{}, func(ctx context.Context, c *cli.Command, core *app.Core) error {
			change, err := core.Ledger.RevokeAll(ctx, revocationRevokeRequest(c))
			if err != nil {
				return fmt.Errorf("revoke sessions: %w", err)
			}
			return printJSON(change)
		}),
	}
}

func restoreCommand() *cli.Command {
	return &cli.Command{
		Name:  "restore",
		Usage: "Lift a session revocation",
		Flags: []cli.Flag{userFlag(), actorFlag()},
		Action: withCore(app.CoreOptions{}, func(ctx context.Context, c *cli.Command, core *app.Core) error {
			change, err := core.Ledger.RestoreAll(ctx, revocationRestoreRequest(c))
			if err != nil {
				return fmt.Errorf("restore sessions: %w", err)
			}
			return printJSON(change)
		}),
	}
}

func sessionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "sessions",
		Usage: "Show the revocation record of a user",
		Flags: []cli.Flag{userFlag()},
		Action: withCore(app.CoreOptions{}, func(ctx context.Context, c *cli.Command, core *app.Core) error {
			record, err := core.Ledger.Get(ctx, c.String("user"))
			if err != nil {
				return fmt.Errorf("read revocation record: %w", err)
			}
			return printJSON(map[string]any{"record": record, "revoked": record.Revoked()})
		}),
	}
}

func rebuildCacheCommand() *cli.Command {
	return &cli.Command{
		Name:  "rebuild-cache",
		Usage: "Repopulate the Redis revocation cache from Postgres",
		Action: withCore(app.CoreOptions{}, func(ctx context.Context, _ *cli.Command, core *app.Core) error {
			revoked, err := core.Ledger.Rebuild(ctx)
			if err != nil {
				return fmt.Errorf("rebuild revocation cache: %w", err)
			}
			fmt.Printf("cache rebuilt: %d revoked users\n", revoked)
			return nil
		}),
	}
}

func auditCommand() *cli.Command {
	return &cli.Command{
		Name:  "audit",
		Usage: "Query the audit trail, newest first",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Usage: "Only entries about this user id"},
			&cli.StringSliceFlag{Name: "action", Usage: "Only these actions (repeatable)"},
			&cli.StringFlag{Name: "category", Usage: "Only this category: 2fa, session or auth"},
			&cli.StringFlag{Name: "outcome", Usage: "success or failure"},
			&cli.DurationFlag{Name: "since", Usage: "Only entries newer than this long ago"},
			&cli.IntFlag{Name: "limit", Usage: "Maximum entries", Value: audit.DefaultQueryLimit},
			&cli.IntFlag{Name: "offset", Usage: "Skip this many matching entries"},
		},
		Action: withCore(app.CoreOptions{}, func(ctx context.Context, c *cli.Command, core *app.Core) error {
			filter, err := auditFilter(c, time.Now().UTC())
			if err != nil {
				return err
			}
			entries, err := core.Trail.Query(ctx, filter)
			if err != nil {
				return fmt.Errorf("query audit trail: %w", err)
			}
			total, err := core.Trail.Count(ctx, filter)
			if err != nil {
				return fmt.Errorf("count audit entries: %w", err)
			}
			return printJSON(map[string]any{"entries": entries, "total": total})
		}),
	}
}

func auditStatsCommand() *cli.Command {
	return &cli.Command{
		Name:  "audit-stats",
		Usage: "Summarise recent audit entries",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "days", Usage: "Look back this many days", Value: audit.DefaultStatsDays},
		},
		Action: withCore(app.CoreOptions{}, func(ctx context.Context, c *cli.Command, core *app.Core) error {
			since, err := statsSince(c, time.Now().UTC())
			if err != nil {
				return err
			}
			stats, err := core.Trail.Stats(ctx, since)
			if err != nil {
				return fmt.Errorf("load audit stats: %w", err)
			}
			return printJSON(stats)
		}),
	}
}

func usersCommand() *cli.Command {
	return &cli.Command{
		Name:  "users",
		Usage: "Manage accounts",
		Commands: []*cli.Command{
			{
				Name:  "create",
				Usage: "Create an account",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "username", Required: true},
					&cli.StringFlag{Name: "password", Usage: "At least 12 characters", Sources: cli.EnvVars("TRUSTCTL_PASSWORD"), Required: true},
					&cli.StringFlag{Name: "role", Value: string(auth.RoleUser), Usage: "user or admin"},
				},
				Action: withCore(app.CoreOptions{}, func(ctx context.Context, c *cli.Command, core *app.Core) error {
					user, err := core.Auth.CreateUser(ctx, c.String("username"), c.String("password"), auth.Role(c.String("role")))
					if err != nil {
						return fmt.Errorf("create user: %w", err)
					}
					return printJSON(map[string]any{"id": user.ID, "username": user.Username, "role": user.Role})
				}),
			},
		},
	}
}

func keygenCommand() *cli.Command {
	return &cli.Command{
		Name:  "keygen",
		Usage: "Print a fresh base64 master key for TOTP_ENCRYPTION_KEY",
		Action: func(_ context.Context, _ *cli.Command) error {
			key := make([]byte, 32)
			if _, err := rand.Read(key); err != nil {
				return fmt.Errorf("generate key: %w", err)
			}
			fmt.Println(base64.StdEncoding.EncodeToString(key))
			return nil
		},
	}
}

func totpCodeCommand() *cli.Command {
	return &cli.Command{
		Name:  "totp-code",
		Usage: "Print the current code for a base32 secret (for smoke tests)",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "secret", Required: true, Sources: cli.EnvVars("TRUSTCTL_TOTP_SECRET")},
		},
		Action: func(_ context.Context, c *cli.Command) error {
			seed, err := decodeSecret(c.String("secret"))
			if err != nil {
				return err
			}
			fmt.Println(totp.NewVerifier(totp.Config{}).Generate(seed, time.Now()))
			return nil
		},
	}
}

func decodeSecret(secret string) ([]byte, error) {
	secret = strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(secret), " ", ""))
	seed, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.TrimRight(secret, "="))
	if err != nil {
		return nil, fmt.Errorf("decode base32 secret: %w", err)
	}
	return seed, nil
}
