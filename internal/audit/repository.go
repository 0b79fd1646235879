package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Repository writes to audit_entries. The table rejects UPDATE and DELETE
// with a trigger; this type only ever inserts and selects.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Insert(ctx context.Context, entry Entry) error {
	payload, err := EncodePayload(entry.Action, entry.Payload)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO audit_entries (id, occurred_at, user_id, action, outcome, actor_kind, actor_id, ip, user_agent, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		entry.ID,
		entry.OccurredAt.UTC(),
		nullString(entry.UserID),
		string(entry.Action),
		string(entry.Outcome),
		string(entry.Actor.Kind),
		nullString(entry.Actor.ID),
		nullString(entry.Context.IP),
		nullString(entry.Context.UserAgent),
		nullBytes(payload),
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}

	return nil
}

// conditions renders the WHERE clause of filter. Limit and offset are not
// part of it.
type conditions struct {
	where []string
	args  []any
}

func (c *conditions) arg(v any) string {
	c.args = append(c.args, v)
	return fmt.Sprintf("$%d", len(c.args))
}

func (c *conditions) clause() string {
	if len(c.where) == 0 {
		return ""
	}
	return "\n\t\tWHERE " + strings.Join(c.where, " AND ")
}

func filterConditions(filter Filter) *conditions {
	c := &conditions{}

	if filter.UserID != "" {
		c.where = append(c.where, "user_id = "+c.arg(filter.UserID))
	}
	if len(filter.Actions) > 0 {
		placeholders := make([]string, len(filter.Actions))
		for i, action := range filter.Actions {
			placeholders[i] = c.arg(string(action))
		}
		c.where = append(c.where, "action IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.Category != "" {
		c.where = append(c.where, "split_part(action, '.', 1) = "+c.arg(filter.Category))
	}
	if filter.Outcome != "" {
		c.where = append(c.where, "outcome = "+c.arg(string(filter.Outcome)))
	}
	if !filter.Since.IsZero() {
		c.where = append(c.where, "occurred_at >= "+c.arg(filter.Since.UTC()))
	}
	if !filter.Until.IsZero() {
		c.where = append(c.where, "occurred_at <= "+c.arg(filter.Until.UTC()))
	}

	return c
}

func (r *Repository) Query(ctx context.Context, filter Filter) ([]Entry, error) {
	filter = filter.normalized()
	c := filterConditions(filter)

	query := `
		SELECT id, occurred_at, user_id, action, outcome, actor_kind, actor_id, ip, user_agent, payload
		FROM audit_entries` + c.clause()
	query += "\n\t\tORDER BY occurred_at DESC, id DESC\n\t\tLIMIT " + c.arg(filter.Limit) + " OFFSET " + c.arg(filter.Offset)
	args := c.args

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		var (
			e                              Entry
			action, outcome, actorKind     string
			userID, actorID, ip, userAgent sql.NullString
			payload                        []byte
		)
		if err := rows.Scan(&e.ID, &e.OccurredAt, &userID, &action, &outcome, &actorKind, &actorID, &ip, &userAgent, &payload); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}

		e.OccurredAt = e.OccurredAt.UTC()
		e.UserID = userID.String
		e.Action = Action(action)
		e.Outcome = Outcome(outcome)
		e.Actor = Actor{Kind: ActorKind(actorKind), ID: actorID.String}
		e.Context = RequestContext{IP: ip.String, UserAgent: userAgent.String}
		if e.Payload, err = DecodePayload(e.Action, payload); err != nil {
			return nil, fmt.Errorf("audit entry %s: %w", e.ID, err)
		}

		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}

	return entries, nil
}

// Count returns how many entries match filter, ignoring limit and offset.
func (r *Repository) Count(ctx context.Context, filter Filter) (int, error) {
	c := filterConditions(filter)

	var total int
	if err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM audit_entries`+c.clause(), c.args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}

	return total, nil
}

func (r *Repository) Stats(ctx context.Context, since time.Time) (Stats, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT action, outcome, to_char(occurred_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day, COUNT(*)
		FROM audit_entries
		WHERE occurred_at >= $1
		GROUP BY action, outcome, day
	`, since.UTC())
	if err != nil {
		return Stats{}, fmt.Errorf("query audit stats: %w", err)
	}
	defer rows.Close()

	stats := newStats(since)
	for rows.Next() {
		var (
			action, outcome, day string
			count                int
		)
		if err := rows.Scan(&action, &outcome, &day, &count); err != nil {
			return Stats{}, fmt.Errorf("scan audit stats: %w", err)
		}
		stats.add(Action(action), Outcome(outcome), day, count)
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("iterate audit stats: %w", err)
	}

	return stats, nil
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullBytes(value []byte) any {
	if len(value) == 0 {
		return nil
	}
	return string(value)
}
