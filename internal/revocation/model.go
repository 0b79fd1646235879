// Package revocation is the kill switch for an account's sessions: an
// administrator revokes every credential issued to a user up to now, and may
// later restore them.
//
// Postgres holds the durable record. Redis answers the per-request lookup and
// is rebuilt from Postgres whenever it is cold.
package revocation

import (
	"errors"
	"time"

	"trust-serverless/internal/audit"
)

var (
	ErrSelfRevocation = errors.New("actors cannot revoke their own sessions")
	// ErrStoreUnavailable is returned when either store cannot be reached in
	// time. A lookup that fails this way must be treated as revoked.
	ErrStoreUnavailable = errors.New("revocation store unavailable")
	ErrMissingTarget    = errors.New("target user is required")
	// ErrCacheCold means the fast store has not been populated since it was
	// last emptied and cannot answer on its own.
	ErrCacheCold = errors.New("revocation cache is cold")
	// ErrCommitFailed means the cache was already updated when the durable
	// write failed to commit, so the two may disagree.
	ErrCommitFailed = errors.New("revocation commit failed after publish")
)

// Record is the revocation history of one user. A user with no record has
// never been revoked.
type Record struct {
	UserID     string     `json:"user_id"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	RestoredAt *time.Time `json:"restored_at,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	RevokedBy  string     `json:"revoked_by,omitempty"`
	RestoredBy string     `json:"restored_by,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Revoked reports whether the latest revocation has not been restored.
func (r Record) Revoked() bool {
	if r.RevokedAt == nil {
		return false
	}
	return r.RestoredAt == nil || r.RestoredAt.Before(*r.RevokedAt)
}

// Rejects reports whether a token issued at issuedAt is dead.
func (r Record) Rejects(issuedAt time.Time) bool {
	return r.Revoked() && issuedAt.Before(*r.RevokedAt)
}

type RevokeRequest struct {
	Target  string
	Reason  string
	Actor   audit.Actor
	Context audit.RequestContext
}

type RestoreRequest struct {
	Target  string
	Actor   audit.Actor
	Context audit.RequestContext
}

// Change is the result of a revoke or restore. Changed is false when the
// call was a no-op because the user was already in the requested state.
type Change struct {
	Changed bool   `json:"changed"`
	Record  Record `json:"record"`
}
