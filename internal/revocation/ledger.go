package revocation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"trust-serverless/internal/audit"
	"trust-serverless/internal/observability"
)

const defaultTimeout = 150 * time.Millisecond

// Recorder receives audit entries. *audit.Trail implements it.
type Recorder interface {
	Record(entry audit.Entry)
}

type Config struct {
	// Timeout bounds every store round trip of RevokeAll, RestoreAll and
	// IsRevoked. Rebuild uses the caller's context only.
	Timeout time.Duration
}

type Ledger struct {
	durable  Durable
	cache    Cache
	recorder Recorder
	logger   *observability.Logger
	timeout  time.Duration
	now      func() time.Time
}

func NewLedger(durable Durable, cache Cache, recorder Recorder, logger *observability.Logger, cfg Config) *Ledger {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Ledger{
		durable:  durable,
		cache:    cache,
		recorder: recorder,
		logger:   logger,
		timeout:  cfg.Timeout,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RevokeAll kills every token issued to the target before now. Revoking an
// already revoked user succeeds without moving the original revocation time.
func (l *Ledger) RevokeAll(ctx context.Context, req RevokeRequest) (Change, error) {
	entry := l.entry(req.Target, audit.ActionSessionsRevoked, req.Actor, req.Context)
	reason := strings.TrimSpace(req.Reason)

	if strings.TrimSpace(req.Target) == "" {
		l.fail(entry, "revoke", audit.RevocationPayload{Reason: reason, Failure: audit.ReasonInternalError})
		return Change{}, ErrMissingTarget
	}
	if req.Actor.ID == req.Target {
		l.fail(entry, "revoke", audit.RevocationPayload{Reason: reason, Failure: audit.ReasonSelfRevocation})
		return Change{}, ErrSelfRevocation
	}

	at := l.timestamp()
	change, err := l.save(ctx, req.Target, func(current Record) (Record, bool) {
		if current.Revoked() {
			return current, false
		}
		next := current
		next.RevokedAt = &at
		next.Reason = reason
		next.RevokedBy = req.Actor.ID
		next.UpdatedAt = at
		return next, true
	})
	if err != nil {
		l.fail(entry, "revoke", audit.RevocationPayload{Reason: reason, Failure: audit.ReasonStoreUnavailable})
		l.logger.Error("sessions_revoke_failed", map[string]any{
			"user_id":  req.Target,
			"actor_id": req.Actor.ID,
			"error":    err.Error(),
		})
		return Change{}, err
	}

	payload := audit.RevocationPayload{Reason: reason, RevokedAt: change.Record.RevokedAt, Changed: change.Changed}
	if !change.Changed {
		payload.Failure = audit.ReasonAlreadyRevoked
	}
	l.succeed(entry, "revoke", payload)
	l.logger.Info("sessions_revoked", map[string]any{
		"user_id":    req.Target,
		"actor_id":   req.Actor.ID,
		"changed":    change.Changed,
		"revoked_at": change.Record.RevokedAt,
	})

	return change, nil
}

// RestoreAll lifts the active revocation of the target. Tokens issued before
// the revocation become valid again if they have not expired. An actor may
// restore their own sessions.
func (l *Ledger) RestoreAll(ctx context.Context, req RestoreRequest) (Change, error) {
	entry := l.entry(req.Target, audit.ActionSessionsRestored, req.Actor, req.Context)

	if strings.TrimSpace(req.Target) == "" {
		l.fail(entry, "restore", audit.RevocationPayload{Failure: audit.ReasonInternalError})
		return Change{}, ErrMissingTarget
	}

	at := l.timestamp()
	change, err := l.save(ctx, req.Target, func(current Record) (Record, bool) {
		if !current.Revoked() {
			return current, false
		}
		next := current
		next.RestoredAt = &at
		next.RestoredBy = req.Actor.ID
		next.UpdatedAt = at
		return next, true
	})
	if err != nil {
		l.fail(entry, "restore", audit.RevocationPayload{Failure: audit.ReasonStoreUnavailable})
		l.logger.Error("sessions_restore_failed", map[string]any{
			"user_id":  req.Target,
			"actor_id": req.Actor.ID,
			"error":    err.Error(),
		})
		return Change{}, err
	}

	payload := audit.RevocationPayload{RevokedAt: change.Record.RevokedAt, Changed: change.Changed}
	if !change.Changed {
		payload.Failure = audit.ReasonNotRevoked
	}
	l.succeed(entry, "restore", payload)
	l.logger.Info("sessions_restored", map[string]any{
		"user_id":  req.Target,
		"actor_id": req.Actor.ID,
		"changed":  change.Changed,
	})

	return change, nil
}

// IsRevoked reports whether a token issued to userID at issuedAt has been
// revoked. It fails closed: when the answer cannot be established the error
// is ErrStoreUnavailable and the token must be refused.
func (l *Ledger) IsRevoked(ctx context.Context, userID string, issuedAt time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	revoked, err := l.lookup(ctx, userID, issuedAt)
	switch {
	case err != nil:
		observability.RevocationChecksTotal.WithLabelValues("unavailable").Inc()
		l.logger.Error("revocation_check_unavailable", map[string]any{
			"user_id": userID,
			"error":   err.Error(),
		})
		return true, err
	case revoked:
		observability.RevocationChecksTotal.WithLabelValues("revoked").Inc()
	default:
		observability.RevocationChecksTotal.WithLabelValues("allowed").Inc()
	}

	return revoked, nil
}

func (l *Ledger) lookup(ctx context.Context, userID string, issuedAt time.Time) (bool, error) {
	revokedAt, found, err := l.cache.Lookup(ctx, userID)
	if err == nil {
		return found && issuedAt.Before(revokedAt), nil
	}
	if !errors.Is(err, ErrCacheCold) {
		return true, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	record, err := l.durable.Get(ctx, userID)
	if err != nil {
		return true, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return record.Rejects(issuedAt), nil
}

// Get returns the durable record of a user.
func (l *Ledger) Get(ctx context.Context, userID string) (Record, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	record, err := l.durable.Get(ctx, userID)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return record, nil
}

// Rebuild repopulates the cache from the durable store and marks it ready.
// Revokes and restores wait for it to finish.
func (l *Ledger) Rebuild(ctx context.Context) (int, error) {
	revoked := 0
	err := l.durable.Snapshot(ctx, func(records []Record) error {
		revoked = len(records)
		return l.cache.Replace(ctx, records)
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	l.logger.Info("revocation_cache_rebuilt", map[string]any{"revoked_users": revoked})
	return revoked, nil
}

func (l *Ledger) save(ctx context.Context, userID string, mutate func(Record) (Record, bool)) (Change, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	record, changed, err := l.durable.Save(ctx, userID, mutate, func(next Record) error {
		return l.cache.Publish(ctx, next)
	})
	if err != nil {
		if errors.Is(err, ErrCommitFailed) {
			l.invalidateCache(ctx, userID, err)
		}
		return Change{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	return Change{Changed: changed, Record: record}, nil
}

// invalidateCache sends lookups to Postgres after the cache was published
// with a change whose commit failed.
func (l *Ledger) invalidateCache(ctx context.Context, userID string, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
	defer cancel()

	l.logger.Error("revocation_commit_failed", map[string]any{
		"user_id": userID,
		"error":   cause.Error(),
	})
	if err := l.cache.Invalidate(ctx); err != nil {
		observability.CaptureError(err, map[string]string{"component": "revocation"})
		l.logger.Error("revocation_cache_invalidate_failed", map[string]any{
			"user_id": userID,
			"error":   err.Error(),
		})
	}
}

// timestamp is truncated to what Postgres stores so both stores hold the
// same instant.
func (l *Ledger) timestamp() time.Time {
	return l.now().UTC().Truncate(time.Microsecond)
}

func (l *Ledger) entry(target string, action audit.Action, actor audit.Actor, rc audit.RequestContext) audit.Entry {
	return audit.Entry{
		UserID:     target,
		OccurredAt: l.now(),
		Action:     action,
		Actor:      actor,
		Context:    rc,
	}
}

func (l *Ledger) succeed(entry audit.Entry, action string, payload audit.RevocationPayload) {
	observability.RevocationChangesTotal.WithLabelValues(action, string(audit.OutcomeSuccess)).Inc()
	entry.Outcome = audit.OutcomeSuccess
	entry.Payload = payload
	l.recorder.Record(entry)
}

func (l *Ledger) fail(entry audit.Entry, action string, payload audit.RevocationPayload) {
	observability.RevocationChangesTotal.WithLabelValues(action, string(audit.OutcomeFailure)).Inc()
	entry.Outcome = audit.OutcomeFailure
	entry.Payload = payload
	l.recorder.Record(entry)
}
