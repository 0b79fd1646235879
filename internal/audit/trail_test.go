package audit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trust-serverless/internal/observability"
)

type memorySink struct {
	mu        sync.Mutex
	entries   []Entry
	insertErr error
	started   chan struct{}
	release   chan struct{}
	lastQuery Filter
}

func (s *memorySink) Insert(ctx context.Context, entry Entry) error {
	if s.started != nil {
		s.started <- struct{}{}
		<-s.release
	}
	if s.insertErr != nil {
		return s.insertErr
	}
	if _, err := EncodePayload(entry.Action, entry.Payload); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *memorySink) matching(filter Filter) []Entry {
	out := make([]Entry, 0)
	for _, e := range s.entries {
		if filter.UserID != "" && e.UserID != filter.UserID {
			continue
		}
		if filter.Outcome != "" && e.Outcome != filter.Outcome {
			continue
		}
		if filter.Category != "" && e.Action.Category() != filter.Category {
			continue
		}
		if !filter.Since.IsZero() && e.OccurredAt.Before(filter.Since) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.After(out[j].OccurredAt) })
	return out
}

func (s *memorySink) Query(ctx context.Context, filter Filter) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastQuery = filter

	out := s.matching(filter)
	if filter.Offset >= len(out) {
		return []Entry{}, nil
	}
	out = out[filter.Offset:]
	if len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *memorySink) Count(ctx context.Context, filter Filter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.matching(filter)), nil
}

func (s *memorySink) Stats(ctx context.Context, since time.Time) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := newStats(since)
	for _, e := range s.matching(Filter{Since: since}) {
		stats.add(e.Action, e.Outcome, e.OccurredAt.UTC().Format(time.DateOnly), 1)
	}
	return stats, nil
}

func (s *memorySink) all() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries...)
}

func TestTrail_RecordFillsIDAndTimestamp(t *testing.T) {
	sink := &memorySink{}
	trail := NewTrail(sink, observability.NewNopLogger(), Config{})

	trail.Record(Entry{
		UserID:  "u1",
		Action:  ActionLoginVerified,
		Outcome: OutcomeSuccess,
		Actor:   Self("u1"),
		Payload: VerificationPayload{Method: "totp"},
	})
	trail.Close()

	entries := sink.all()
	require.Len(t, entries, 1)
	assert.NotEmpty(t, entries[0].ID)
	assert.False(t, entries[0].OccurredAt.IsZero())
	assert.Equal(t, VerificationPayload{Method: "totp"}, entries[0].Payload)
}

func TestTrail_WriteFailureDoesNotPropagate(t *testing.T) {
	sink := &memorySink{insertErr: errors.New("database is down")}
	trail := NewTrail(sink, observability.NewNopLogger(), Config{})

	assert.NotPanics(t, func() {
		trail.Record(Entry{Action: ActionSetupStarted, Outcome: OutcomeSuccess, Actor: System()})
	})
	trail.Close()
	assert.Empty(t, sink.all())
}

func TestTrail_DropsWhenBufferFull(t *testing.T) {
	sink := &memorySink{started: make(chan struct{}), release: make(chan struct{})}
	trail := NewTrail(sink, observability.NewNopLogger(), Config{BufferSize: 1})

	trail.Record(Entry{UserID: "first", Action: ActionSetupStarted, Outcome: OutcomeSuccess})
	<-sink.started

	trail.Record(Entry{UserID: "second", Action: ActionSetupStarted, Outcome: OutcomeSuccess})
	trail.Record(Entry{UserID: "third", Action: ActionSetupStarted, Outcome: OutcomeSuccess})
	assert.Equal(t, uint64(1), trail.Dropped())

	go func() {
		for range sink.started {
		}
	}()
	close(sink.release)
	trail.Close()
	close(sink.started)

	var users []string
	for _, e := range sink.all() {
		users = append(users, e.UserID)
	}
	assert.Equal(t, []string{"first", "second"}, users)
}

func TestTrail_RecordAfterCloseIsDropped(t *testing.T) {
	sink := &memorySink{}
	trail := NewTrail(sink, observability.NewNopLogger(), Config{})
	trail.Close()
	trail.Close()

	trail.Record(Entry{Action: ActionSetupStarted, Outcome: OutcomeSuccess})
	assert.Equal(t, uint64(1), trail.Dropped())
	assert.Empty(t, sink.all())
}

func TestTrail_QueryNewestFirstWithDefaultLimit(t *testing.T) {
	sink := &memorySink{}
	trail := NewTrail(sink, observability.NewNopLogger(), Config{})

	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		trail.Record(Entry{
			UserID:     "u1",
			OccurredAt: base.Add(time.Duration(i) * time.Minute),
			Action:     ActionLoginVerified,
			Outcome:    OutcomeFailure,
			Payload:    VerificationPayload{Reason: ReasonInvalidCode},
		})
	}
	trail.Record(Entry{UserID: "u2", OccurredAt: base, Action: ActionSessionsRevoked, Outcome: OutcomeSuccess})
	trail.Close()

	entries, err := trail.Query(context.Background(), Filter{UserID: "u1", Since: base.Add(30 * time.Second)})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].OccurredAt.After(entries[1].OccurredAt))
	assert.Equal(t, DefaultQueryLimit, sink.lastQuery.Limit)

	_, err = trail.Query(context.Background(), Filter{Limit: 5000})
	require.NoError(t, err)
	assert.Equal(t, MaxQueryLimit, sink.lastQuery.Limit)
}

func TestHandler_Query(t *testing.T) {
	sink := &memorySink{}
	trail := NewTrail(sink, observability.NewNopLogger(), Config{})
	trail.Record(Entry{UserID: "u1", Action: ActionLoginVerified, Outcome: OutcomeFailure})
	trail.Record(Entry{UserID: "u1", Action: ActionSessionsRevoked, Outcome: OutcomeSuccess})
	trail.Close()

	h := NewHandler(trail)

	rec := httptest.NewRecorder()
	h.Query(rec, httptest.NewRequest(http.MethodGet, "/admin/audit?user_id=u1&category=2fa&outcome=failure&limit=10", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"action":"2fa.login_verified"`)
	assert.NotContains(t, rec.Body.String(), "session.revoked_all")
	assert.Equal(t, 10, sink.lastQuery.Limit)

	for _, bad := range []string{"action=nope", "outcome=maybe", "since=yesterday", "limit=-1", "page=0", "category=%25", "category=_fa"} {
		rec := httptest.NewRecorder()
		h.Query(rec, httptest.NewRequest(http.MethodGet, "/admin/audit?"+bad, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}

func TestHandler_QueryPages(t *testing.T) {
	sink := &memorySink{}
	trail := NewTrail(sink, observability.NewNopLogger(), Config{})
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		trail.Record(Entry{UserID: "u1", OccurredAt: base.Add(time.Duration(i) * time.Minute), Action: ActionLoginVerified, Outcome: OutcomeFailure})
	}
	trail.Close()

	rec := httptest.NewRecorder()
	NewHandler(trail).Query(rec, httptest.NewRequest(http.MethodGet, "/admin/audit?limit=2&page=3", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Entries    []Entry `json:"entries"`
		Page       int     `json:"page"`
		Total      int     `json:"total"`
		TotalPages int     `json:"total_pages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 3, body.Page)
	assert.Equal(t, 5, body.Total)
	assert.Equal(t, 3, body.TotalPages)
	require.Len(t, body.Entries, 1)
	assert.True(t, body.Entries[0].OccurredAt.Equal(base), "last page holds the oldest entry")
	assert.Equal(t, 4, sink.lastQuery.Offset)
}

func TestTrail_CountAndStats(t *testing.T) {
	sink := &memorySink{}
	trail := NewTrail(sink, observability.NewNopLogger(), Config{})
	day := time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC)
	trail.Record(Entry{UserID: "u1", OccurredAt: day.Add(-48 * time.Hour), Action: ActionLoginVerified, Outcome: OutcomeSuccess})
	trail.Record(Entry{UserID: "u1", OccurredAt: day, Action: ActionLoginVerified, Outcome: OutcomeFailure})
	trail.Record(Entry{UserID: "u1", OccurredAt: day.Add(time.Hour), Action: ActionLoginVerified, Outcome: OutcomeFailure})
	trail.Record(Entry{UserID: "u2", OccurredAt: day.Add(time.Hour), Action: ActionSessionsRevoked, Outcome: OutcomeSuccess})
	trail.Close()
	ctx := context.Background()

	total, err := trail.Count(ctx, Filter{UserID: "u1", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	stats, err := trail.Stats(ctx, day.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ByAction[ActionLoginVerified])
	assert.Equal(t, 1, stats.ByAction[ActionSessionsRevoked])
	assert.Equal(t, 2, stats.ByOutcome[OutcomeFailure])
	assert.Equal(t, map[string]int{"2026-03-01": 1, "2026-03-02": 2}, stats.ByDay)
}

func TestHandler_Stats(t *testing.T) {
	sink := &memorySink{}
	trail := NewTrail(sink, observability.NewNopLogger(), Config{})
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	trail.now = func() time.Time { return now }
	trail.Record(Entry{UserID: "u1", OccurredAt: now.AddDate(0, 0, -3), Action: ActionDisabled, Outcome: OutcomeSuccess})
	trail.Record(Entry{UserID: "u1", OccurredAt: now.AddDate(0, 0, -10), Action: ActionDisabled, Outcome: OutcomeSuccess})
	trail.Close()
	h := NewHandler(trail)

	rec := httptest.NewRecorder()
	h.Stats(rec, httptest.NewRequest(http.MethodGet, "/admin/audit/stats?days=7", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var stats Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Total)
	assert.True(t, stats.Since.Equal(now.AddDate(0, 0, -7)))

	rec = httptest.NewRecorder()
	h.Stats(rec, httptest.NewRequest(http.MethodGet, "/admin/audit/stats?days=0", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestValidCategory(t *testing.T) {
	for _, category := range []string{"2fa", "session", "auth"} {
		assert.True(t, ValidCategory(category), category)
	}
	for _, category := range []string{"", "%", "_fa", "2fa.setup_started"} {
		assert.False(t, ValidCategory(category), category)
	}
}
