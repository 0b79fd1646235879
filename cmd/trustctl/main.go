// Command trustctl is the operator CLI for the account trust core: session
// kill switch, audit queries, cache rebuilds and account bootstrap.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := &cli.Command{
		Name:    "trustctl",
		Usage:   "Operate the account trust service",
		Version: version,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "verbose",
				Usage:   "Write structured logs to stdout",
				Sources: cli.EnvVars("TRUSTCTL_VERBOSE"),
			},
		},
		Commands: []*cli.Command{
			migrateCommand(),
			revokeCommand(),
			restoreCommand(),
			sessionsCommand(),
			rebuildCacheCommand(),
			auditCommand(),
			auditStatsCommand(),
			usersCommand(),
			keygenCommand(),
			totpCodeCommand(),
		},
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "trustctl: %v\n", err)
		os.Exit(1)
	}
}
