// Package audit is the append-only trail of security decisions.
//
// Entries are recorded through Trail, which hands them to a background
// writer so an authentication decision never waits on, or fails because of,
// the audit store.
package audit

import (
	"net/http"
	"strings"
	"time"

	"trust-serverless/internal/observability"
)

type Action string

const (
	ActionSetupStarted           Action = "2fa.setup_started"
	ActionSetupConfirmed         Action = "2fa.setup_confirmed"
	ActionLoginVerified          Action = "2fa.login_verified"
	ActionDisabled               Action = "2fa.disabled"
	ActionBackupCodesRegenerated Action = "2fa.backup_codes_regenerated"
	ActionSessionsRevoked        Action = "session.revoked_all"
	ActionSessionsRestored       Action = "session.restored_all"
	ActionPasswordLogin          Action = "auth.password_login"
)

var knownActions = map[Action]struct{}{
	ActionSetupStarted:           {},
	ActionSetupConfirmed:         {},
	ActionLoginVerified:          {},
	ActionDisabled:               {},
	ActionBackupCodesRegenerated: {},
	ActionSessionsRevoked:        {},
	ActionSessionsRestored:       {},
	ActionPasswordLogin:          {},
}

func (a Action) Valid() bool {
	_, ok := knownActions[a]
	return ok
}

// Category is the prefix before the dot: "2fa", "session" or "auth".
func (a Action) Category() string {
	category, _, _ := strings.Cut(string(a), ".")
	return category
}

// ValidCategory reports whether some known action belongs to category.
func ValidCategory(category string) bool {
	for action := range knownActions {
		if action.Category() == category {
			return true
		}
	}
	return false
}

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

type ActorKind string

const (
	ActorSelf   ActorKind = "self"
	ActorAdmin  ActorKind = "admin"
	ActorSystem ActorKind = "system"
)

type Actor struct {
	Kind ActorKind `json:"kind"`
	ID   string    `json:"id,omitempty"`
}

func Self(userID string) Actor {
	return Actor{Kind: ActorSelf, ID: userID}
}

func Admin(userID string) Actor {
	return Actor{Kind: ActorAdmin, ID: userID}
}

func System() Actor {
	return Actor{Kind: ActorSystem}
}

type RequestContext struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

func RequestContextFrom(r *http.Request) RequestContext {
	return RequestContext{
		IP:        observability.ClientIP(r),
		UserAgent: strings.TrimSpace(r.UserAgent()),
	}
}

// Entry is one audit row. UserID is empty for anonymous or system events.
type Entry struct {
	ID         string         `json:"id"`
	OccurredAt time.Time      `json:"occurred_at"`
	UserID     string         `json:"user_id,omitempty"`
	Action     Action         `json:"action"`
	Outcome    Outcome        `json:"outcome"`
	Actor      Actor          `json:"actor"`
	Context    RequestContext `json:"context"`
	Payload    Payload        `json:"payload,omitempty"`
}

// Filter selects entries for Query. Zero values mean "any".
type Filter struct {
	UserID   string
	Actions  []Action
	Category string
	Outcome  Outcome
	Since    time.Time
	Until    time.Time
	Limit    int
	Offset   int
}

const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

func (f Filter) normalized() Filter {
	if f.Limit <= 0 {
		f.Limit = DefaultQueryLimit
	}
	if f.Limit > MaxQueryLimit {
		f.Limit = MaxQueryLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

const DefaultStatsDays = 30

// Stats summarises the entries recorded since a point in time. ByDay is
// keyed by UTC date (YYYY-MM-DD).
type Stats struct {
	Since     time.Time       `json:"since"`
	Total     int             `json:"total"`
	ByAction  map[Action]int  `json:"by_action"`
	ByOutcome map[Outcome]int `json:"by_outcome"`
	ByDay     map[string]int  `json:"by_day"`
}

func newStats(since time.Time) Stats {
	return Stats{
		Since:     since.UTC(),
		ByAction:  make(map[Action]int),
		ByOutcome: make(map[Outcome]int),
		ByDay:     make(map[string]int),
	}
}

func (s *Stats) add(action Action, outcome Outcome, day string, count int) {
	s.Total += count
	s.ByAction[action] += count
	s.ByOutcome[outcome] += count
	s.ByDay[day] += count
}
