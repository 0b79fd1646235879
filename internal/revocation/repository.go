package revocation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Durable is the source of truth for revocation records.
type Durable interface {
	Get(ctx context.Context, userID string) (Record, error)
	// Save locks the user's record, applies mutate and, when it reports a
	// change, writes the result. publish runs before the commit; if it fails
	// the write is rolled back and its error returned. A failed commit after
	// a successful publish returns an error matching ErrCommitFailed.
	Save(ctx context.Context, userID string, mutate func(current Record) (Record, bool), publish func(next Record) error) (Record, bool, error)
	// Snapshot hands every active revocation to apply and keeps concurrent
	// Saves from committing or publishing until apply returns.
	Snapshot(ctx context.Context, apply func(records []Record) error) error
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const recordColumns = `user_id, revoked_at, restored_at, reason, revoked_by, restored_by, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		record                        Record
		revokedAt, restoredAt         sql.NullTime
		reason, revokedBy, restoredBy sql.NullString
	)
	if err := row.Scan(&record.UserID, &revokedAt, &restoredAt, &reason, &revokedBy, &restoredBy, &record.UpdatedAt); err != nil {
		return Record{}, err
	}
	record.RevokedAt = nullTimePtr(revokedAt)
	record.RestoredAt = nullTimePtr(restoredAt)
	record.Reason = reason.String
	record.RevokedBy = revokedBy.String
	record.RestoredBy = restoredBy.String
	record.UpdatedAt = record.UpdatedAt.UTC()
	return record, nil
}

func (r *Repository) Get(ctx context.Context, userID string) (Record, error) {
	record, err := scanRecord(r.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM session_revocations
		WHERE user_id = $1
	`, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{UserID: userID}, nil
		}
		return Record{}, fmt.Errorf("query session revocation: %w", err)
	}

	return record, nil
}

func (r *Repository) Save(ctx context.Context, userID string, mutate func(current Record) (Record, bool), publish func(next Record) error) (Record, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, false, fmt.Errorf("begin revocation tx: %w", err)
	}
	defer tx.Rollback()

	current, err := scanRecord(tx.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM session_revocations
		WHERE user_id = $1
		FOR UPDATE
	`, userID))
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return Record{}, false, fmt.Errorf("lock session revocation: %w", err)
		}
		current = Record{UserID: userID}
	}

	next, changed := mutate(current)
	if changed {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO session_revocations (user_id, revoked_at, restored_at, reason, revoked_by, restored_by, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (user_id)
			DO UPDATE SET
				revoked_at = EXCLUDED.revoked_at,
				restored_at = EXCLUDED.restored_at,
				reason = EXCLUDED.reason,
				revoked_by = EXCLUDED.revoked_by,
				restored_by = EXCLUDED.restored_by,
				updated_at = EXCLUDED.updated_at
		`,
			userID,
			nullTime(next.RevokedAt),
			nullTime(next.RestoredAt),
			nullString(next.Reason),
			nullString(next.RevokedBy),
			nullString(next.RestoredBy),
			next.UpdatedAt.UTC(),
		)
		if err != nil {
			return Record{}, false, fmt.Errorf("upsert session revocation: %w", err)
		}
	}

	if err := publish(next); err != nil {
		return Record{}, false, err
	}

	if err := tx.Commit(); err != nil {
		return Record{}, false, fmt.Errorf("%w: %w", ErrCommitFailed, err)
	}

	return next, changed, nil
}

// Snapshot reads the active revocations under a SHARE lock on the table. The
// lock conflicts with the row-exclusive lock the upsert in Save takes, and
// Save publishes only after its upsert, so nothing reaches the cache between
// the read and the end of apply.
func (r *Repository) Snapshot(ctx context.Context, apply func(records []Record) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin revocation snapshot tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `LOCK TABLE session_revocations IN SHARE MODE`); err != nil {
		return fmt.Errorf("lock session revocations: %w", err)
	}

	records, err := queryRevoked(ctx, tx)
	if err != nil {
		return err
	}
	if err := apply(records); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit revocation snapshot tx: %w", err)
	}
	return nil
}

func queryRevoked(ctx context.Context, q queryer) ([]Record, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM session_revocations
		WHERE revoked_at IS NOT NULL
			AND (restored_at IS NULL OR restored_at < revoked_at)
		ORDER BY user_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query revoked users: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session revocation: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate revoked users: %w", err)
	}

	return records, nil
}

func nullTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC()
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
