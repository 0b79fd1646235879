package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"

	"trust-serverless/internal/audit"
)

// runWith parses args against a command carrying the flags of template and
// hands the parsed command to inspect.
func runWith(t *testing.T, template *cli.Command, args []string, inspect func(c *cli.Command)) {
	t.Helper()
	cmd := &cli.Command{
		Name:  template.Name,
		Flags: template.Flags,
		Action: func(_ context.Context, c *cli.Command) error {
			inspect(c)
			return nil
		},
	}
	require.NoError(t, cmd.Run(context.Background(), append([]string{template.Name}, args...)))
}

func TestAuditFilterFromFlags(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	runWith(t, auditCommand(), []string{
		"--user", "u-1",
		"--action", "session.revoked_all",
		"--action", "session.restored_all",
		"--outcome", "failure",
		"--since", "2h",
		"--limit", "5",
		"--offset", "10",
		"--category", "session",
	}, func(c *cli.Command) {
		filter, err := auditFilter(c, now)
		require.NoError(t, err)
		assert.Equal(t, "u-1", filter.UserID)
		assert.Equal(t, []audit.Action{audit.ActionSessionsRevoked, audit.ActionSessionsRestored}, filter.Actions)
		assert.Equal(t, audit.OutcomeFailure, filter.Outcome)
		assert.Equal(t, now.Add(-2*time.Hour), filter.Since)
		assert.Equal(t, 5, filter.Limit)
		assert.Equal(t, 10, filter.Offset)
		assert.Equal(t, "session", filter.Category)
	})
}

func TestAuditFilterRejectsUnknownValues(t *testing.T) {
	runWith(t, auditCommand(), []string{"--action", "session.nuked"}, func(c *cli.Command) {
		_, err := auditFilter(c, time.Now())
		require.ErrorContains(t, err, "unknown action")
	})
	runWith(t, auditCommand(), []string{"--outcome", "maybe"}, func(c *cli.Command) {
		_, err := auditFilter(c, time.Now())
		require.ErrorContains(t, err, "unknown outcome")
	})
	runWith(t, auditCommand(), []string{"--category", "_fa"}, func(c *cli.Command) {
		_, err := auditFilter(c, time.Now())
		require.ErrorContains(t, err, "unknown category")
	})
	runWith(t, auditCommand(), []string{"--offset=-1"}, func(c *cli.Command) {
		_, err := auditFilter(c, time.Now())
		require.ErrorContains(t, err, "offset")
	})
}

func TestStatsSinceFromFlags(t *testing.T) {
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	runWith(t, auditStatsCommand(), nil, func(c *cli.Command) {
		since, err := statsSince(c, now)
		require.NoError(t, err)
		assert.Equal(t, now.AddDate(0, 0, -audit.DefaultStatsDays), since)
	})
	runWith(t, auditStatsCommand(), []string{"--days", "0"}, func(c *cli.Command) {
		_, err := statsSince(c, now)
		require.Error(t, err)
	})
}

func TestRevokeRequestFromFlags(t *testing.T) {
	runWith(t, revokeCommand(), []string{"--user", " u-2 ", "--reason", "phished", "--actor", "admin-1"}, func(c *cli.Command) {
		req := revocationRevokeRequest(c)
		assert.Equal(t, "u-2", req.Target)
		assert.Equal(t, "phished", req.Reason)
		assert.Equal(t, audit.Admin("admin-1"), req.Actor)
		assert.Equal(t, "trustctl/"+version, req.Context.UserAgent)
	})

	runWith(t, restoreCommand(), []string{"--user", "u-2"}, func(c *cli.Command) {
		req := revocationRestoreRequest(c)
		assert.Equal(t, audit.System(), req.Actor)
	})
}

func TestDecodeSecret(t *testing.T) {
	seed, err := decodeSecret("gezd gnbv gy3t qojq")
	require.NoError(t, err)
	assert.Equal(t, []byte("1234567890"), seed)

	_, err = decodeSecret("not base32!")
	require.Error(t, err)
}
