package twofactor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store persists profiles and their backup codes. Every method that touches
// more than one row does so in a single transaction.
type Store interface {
	BackupCodeStore
	GetProfile(ctx context.Context, userID string) (Profile, error)
	// SavePending writes a fresh pending profile with its code hashes,
	// replacing any previous pending one. It reports whether a profile was
	// replaced and returns ErrProfileChanged if the profile is enabled.
	SavePending(ctx context.Context, profile Profile, codeHashes []string) (bool, error)
	// Enable turns on the pending profile whose seed was encrypted under iv.
	// It returns ErrProfileChanged if that seed is no longer the pending one.
	Enable(ctx context.Context, userID string, iv []byte, at time.Time) error
	MarkVerified(ctx context.Context, userID string, at time.Time) error
	ReplaceBackupCodes(ctx context.Context, userID string, codeHashes []string, at time.Time) error
	Delete(ctx context.Context, userID string) error
}

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) GetProfile(ctx context.Context, userID string) (Profile, error) {
	profile := Profile{UserID: userID}

	var enabledAt, lastVerifiedAt sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT encrypted_secret, encryption_iv, enabled, created_at, enabled_at, last_verified_at
		FROM two_factor_profiles
		WHERE user_id = $1
	`, userID).Scan(&profile.EncryptedSecret, &profile.EncryptionIV, &profile.Enabled, &profile.CreatedAt, &enabledAt, &lastVerifiedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Profile{}, ErrProfileNotFound
		}
		return Profile{}, fmt.Errorf("query two-factor profile: %w", err)
	}
	profile.CreatedAt = profile.CreatedAt.UTC()
	profile.EnabledAt = nullTimePtr(enabledAt)
	profile.LastVerifiedAt = nullTimePtr(lastVerifiedAt)

	rows, err := r.db.QueryContext(ctx, `
		SELECT position, code_hash, consumed_at
		FROM two_factor_backup_codes
		WHERE user_id = $1
		ORDER BY position ASC
	`, userID)
	if err != nil {
		return Profile{}, fmt.Errorf("query backup codes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var code BackupCode
		var consumedAt sql.NullTime
		if err := rows.Scan(&code.Position, &code.Hash, &consumedAt); err != nil {
			return Profile{}, fmt.Errorf("scan backup code: %w", err)
		}
		code.ConsumedAt = nullTimePtr(consumedAt)
		profile.BackupCodes = append(profile.BackupCodes, code)
	}
	if err := rows.Err(); err != nil {
		return Profile{}, fmt.Errorf("iterate backup codes: %w", err)
	}

	return profile, nil
}

func (r *Repository) SavePending(ctx context.Context, profile Profile, codeHashes []string) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin setup tx: %w", err)
	}
	defer tx.Rollback()

	var enabled bool
	replaced := true
	err = tx.QueryRowContext(ctx, `
		SELECT enabled
		FROM two_factor_profiles
		WHERE user_id = $1
		FOR UPDATE
	`, profile.UserID).Scan(&enabled)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("lock two-factor profile: %w", err)
		}
		replaced = false
	}
	if enabled {
		return false, ErrProfileChanged
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO two_factor_profiles (user_id, encrypted_secret, encryption_iv, enabled, created_at, enabled_at, last_verified_at)
		VALUES ($1, $2, $3, FALSE, $4, NULL, NULL)
		ON CONFLICT (user_id)
		DO UPDATE SET
			encrypted_secret = EXCLUDED.encrypted_secret,
			encryption_iv = EXCLUDED.encryption_iv,
			enabled = FALSE,
			created_at = EXCLUDED.created_at,
			enabled_at = NULL,
			last_verified_at = NULL
		WHERE two_factor_profiles.enabled = FALSE
	`, profile.UserID, profile.EncryptedSecret, profile.EncryptionIV, profile.CreatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("upsert pending two-factor profile: %w", err)
	}

	if err := replaceCodes(ctx, tx, profile.UserID, codeHashes, profile.CreatedAt); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit setup tx: %w", err)
	}

	return replaced, nil
}

func (r *Repository) Enable(ctx context.Context, userID string, iv []byte, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE two_factor_profiles
		SET enabled = TRUE, enabled_at = $2, last_verified_at = $2
		WHERE user_id = $1 AND enabled = FALSE AND encryption_iv = $3
	`, userID, at.UTC(), iv)
	if err != nil {
		return fmt.Errorf("enable two-factor profile: %w", err)
	}

	return expectOneRow(res, "enable two-factor profile")
}

func (r *Repository) MarkVerified(ctx context.Context, userID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE two_factor_profiles
		SET last_verified_at = $2
		WHERE user_id = $1
	`, userID, at.UTC())
	if err != nil {
		return fmt.Errorf("mark two-factor verified: %w", err)
	}

	return nil
}

func (r *Repository) ConsumeBackupCode(ctx context.Context, userID string, position int, at time.Time) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin backup code tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE two_factor_backup_codes
		SET consumed_at = $3
		WHERE user_id = $1 AND position = $2 AND consumed_at IS NULL
	`, userID, position, at.UTC())
	if err != nil {
		return 0, fmt.Errorf("consume backup code: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("consume backup code rows affected: %w", err)
	}
	if affected != 1 {
		return 0, ErrCodeAlreadyConsumed
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE two_factor_profiles
		SET last_verified_at = $2
		WHERE user_id = $1
	`, userID, at.UTC()); err != nil {
		return 0, fmt.Errorf("mark two-factor verified: %w", err)
	}

	var remaining int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM two_factor_backup_codes
		WHERE user_id = $1 AND consumed_at IS NULL
	`, userID).Scan(&remaining); err != nil {
		return 0, fmt.Errorf("count remaining backup codes: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit backup code tx: %w", err)
	}

	return remaining, nil
}

func (r *Repository) ReplaceBackupCodes(ctx context.Context, userID string, codeHashes []string, at time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin regenerate tx: %w", err)
	}
	defer tx.Rollback()

	var enabled bool
	err = tx.QueryRowContext(ctx, `
		SELECT enabled
		FROM two_factor_profiles
		WHERE user_id = $1
		FOR UPDATE
	`, userID).Scan(&enabled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrProfileChanged
		}
		return fmt.Errorf("lock two-factor profile: %w", err)
	}
	if !enabled {
		return ErrProfileChanged
	}

	if err := replaceCodes(ctx, tx, userID, codeHashes, at); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit regenerate tx: %w", err)
	}

	return nil
}

func (r *Repository) Delete(ctx context.Context, userID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin disable tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM two_factor_backup_codes WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("delete backup codes: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM two_factor_profiles WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("delete two-factor profile: %w", err)
	}
	if err := expectOneRow(res, "delete two-factor profile"); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit disable tx: %w", err)
	}

	return nil
}

func replaceCodes(ctx context.Context, tx *sql.Tx, userID string, codeHashes []string, at time.Time) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM two_factor_backup_codes WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("delete previous backup codes: %w", err)
	}

	for position, hash := range codeHashes {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate backup code id: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO two_factor_backup_codes (id, user_id, position, code_hash, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, id.String(), userID, position, hash, at.UTC()); err != nil {
			return fmt.Errorf("insert backup code: %w", err)
		}
	}

	return nil
}

func expectOneRow(res sql.Result, operation string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", operation, err)
	}
	if affected != 1 {
		return ErrProfileChanged
	}
	return nil
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}
