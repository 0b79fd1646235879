package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"trust-serverless/internal/observability"
)

const (
	defaultBufferSize   = 1024
	defaultWriteTimeout = 250 * time.Millisecond
)

// Sink persists and reads entries. Repository is the Postgres implementation.
type Sink interface {
	Insert(ctx context.Context, entry Entry) error
	Query(ctx context.Context, filter Filter) ([]Entry, error)
	Count(ctx context.Context, filter Filter) (int, error)
	Stats(ctx context.Context, since time.Time) (Stats, error)
}

type Config struct {
	BufferSize   int
	WriteTimeout time.Duration
}

// Trail queues entries for a single background writer. Record never blocks
// and never reports failure to the caller: a full buffer or a failed write
// is logged and counted instead.
type Trail struct {
	sink         Sink
	logger       *observability.Logger
	writeTimeout time.Duration
	now          func() time.Time

	mu      sync.RWMutex
	closed  bool
	queue   chan Entry
	done    chan struct{}
	dropped atomic.Uint64
}

func NewTrail(sink Sink, logger *observability.Logger, cfg Config) *Trail {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	t := &Trail{
		sink:         sink,
		logger:       logger,
		writeTimeout: cfg.WriteTimeout,
		now:          func() time.Time { return time.Now().UTC() },
		queue:        make(chan Entry, cfg.BufferSize),
		done:         make(chan struct{}),
	}
	go t.run()
	return t
}

func (t *Trail) Record(entry Entry) {
	if entry.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			t.drop(entry, fmt.Errorf("generate audit id: %w", err))
			return
		}
		entry.ID = id.String()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = t.now()
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		t.drop(entry, fmt.Errorf("audit trail closed"))
		return
	}

	select {
	case t.queue <- entry:
	default:
		t.drop(entry, fmt.Errorf("audit buffer full"))
	}
}

func (t *Trail) Query(ctx context.Context, filter Filter) ([]Entry, error) {
	return t.sink.Query(ctx, filter.normalized())
}

// Count returns the number of entries Query would page through.
func (t *Trail) Count(ctx context.Context, filter Filter) (int, error) {
	return t.sink.Count(ctx, filter)
}

// Stats summarises the entries recorded since the given time.
func (t *Trail) Stats(ctx context.Context, since time.Time) (Stats, error) {
	return t.sink.Stats(ctx, since)
}

// Close stops accepting entries and waits for queued ones to be written.
func (t *Trail) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	close(t.queue)
	t.mu.Unlock()

	<-t.done
}

func (t *Trail) Dropped() uint64 {
	return t.dropped.Load()
}

func (t *Trail) run() {
	defer close(t.done)
	for entry := range t.queue {
		t.write(entry)
	}
}

func (t *Trail) write(entry Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), t.writeTimeout)
	defer cancel()

	if err := t.sink.Insert(ctx, entry); err != nil {
		observability.AuditWriteFailuresTotal.Inc()
		t.logger.Error("audit_write_failed", map[string]any{
			"error":   err.Error(),
			"action":  string(entry.Action),
			"outcome": string(entry.Outcome),
			"user_id": entry.UserID,
		})
	}
}

func (t *Trail) drop(entry Entry, reason error) {
	t.dropped.Add(1)
	observability.AuditDroppedTotal.Inc()
	t.logger.Error("audit_entry_dropped", map[string]any{
		"error":   reason.Error(),
		"action":  string(entry.Action),
		"outcome": string(entry.Outcome),
		"user_id": entry.UserID,
	})
}
