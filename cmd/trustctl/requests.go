package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"trust-serverless/internal/audit"
	"trust-serverless/internal/revocation"
)

func revocationRevokeRequest(c *cli.Command) revocation.RevokeRequest {
	return revocation.RevokeRequest{
		Target:  strings.TrimSpace(c.String("user")),
		Reason:  strings.TrimSpace(c.String("reason")),
		Actor:   actorFrom(c),
		Context: operatorContext(),
	}
}

func revocationRestoreRequest(c *cli.Command) revocation.RestoreRequest {
	return revocation.RestoreRequest{
		Target:  strings.TrimSpace(c.String("user")),
		Actor:   actorFrom(c),
		Context: operatorContext(),
	}
}

func auditFilter(c *cli.Command, now time.Time) (audit.Filter, error) {
	filter := audit.Filter{
		UserID:   strings.TrimSpace(c.String("user")),
		Category: strings.TrimSpace(c.String("category")),
		Outcome:  audit.Outcome(strings.TrimSpace(c.String("outcome"))),
		Limit:    int(c.Int("limit")),
		Offset:   int(c.Int("offset")),
	}

	if filter.Category != "" && !audit.ValidCategory(filter.Category) {
		return audit.Filter{}, fmt.Errorf("unknown category %q", filter.Category)
	}
	if filter.Offset < 0 {
		return audit.Filter{}, fmt.Errorf("offset must not be negative")
	}

	for _, raw := range c.StringSlice("action") {
		action := audit.Action(strings.TrimSpace(raw))
		if !action.Valid() {
			return audit.Filter{}, fmt.Errorf("unknown action %q", raw)
		}
		filter.Actions = append(filter.Actions, action)
	}

	switch filter.Outcome {
	case "", audit.OutcomeSuccess, audit.OutcomeFailure:
	default:
		return audit.Filter{}, fmt.Errorf("unknown outcome %q", filter.Outcome)
	}

	if since := c.Duration("since"); since > 0 {
		filter.Since = now.Add(-since)
	}

	return filter, nil
}

func statsSince(c *cli.Command, now time.Time) (time.Time, error) {
	days := c.Int("days")
	if days <= 0 {
		return time.Time{}, fmt.Errorf("days must be positive")
	}
	return now.AddDate(0, 0, -int(days)), nil
}
