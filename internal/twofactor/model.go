// Package twofactor drives the second-factor lifecycle of an account:
// setup, confirmation, login verification, regeneration of backup codes and
// disabling.
package twofactor

import (
	"time"

	"trust-serverless/internal/audit"
)

type State string

const (
	StateNotConfigured State = "not_configured"
	StatePending       State = "pending_verification"
	StateEnabled       State = "enabled"
)

type Method string

const (
	MethodTOTP       Method = "totp"
	MethodBackupCode Method = "backup_code"
)

// Profile is the persisted second-factor record of one user.
type Profile struct {
	UserID          string
	EncryptedSecret []byte
	EncryptionIV    []byte
	Enabled         bool
	CreatedAt       time.Time
	EnabledAt       *time.Time
	LastVerifiedAt  *time.Time
	BackupCodes     []BackupCode
}

func (p Profile) State() State {
	if p.Enabled {
		return StateEnabled
	}
	return StatePending
}

func (p Profile) RemainingBackupCodes() int {
	remaining := 0
	for _, code := range p.BackupCodes {
		if code.ConsumedAt == nil {
			remaining++
		}
	}
	return remaining
}

type BackupCode struct {
	Position   int
	Hash       string
	ConsumedAt *time.Time
}

type SetupRequest struct {
	UserID string
	// Account is the label shown in the authenticator app.
	Account string
	Context audit.RequestContext
}

// SetupResult carries the plaintext seed and backup codes. They are returned
// exactly once and never persisted in the clear.
type SetupResult struct {
	Secret      string   `json:"secret"`
	URI         string   `json:"otpauth_uri"`
	BackupCodes []string `json:"backup_codes"`
}

type CodeRequest struct {
	UserID  string
	Code    string
	Context audit.RequestContext
}

type LoginRequest struct {
	UserID         string
	Code           string
	RememberDevice bool
	Context        audit.RequestContext
}

type Result struct {
	OK             bool   `json:"ok"`
	Method         Method `json:"method,omitempty"`
	RemainingCodes *int   `json:"remaining_codes,omitempty"`
	RememberDevice bool   `json:"-"`
}

type Status struct {
	State          State      `json:"state"`
	RemainingCodes int        `json:"remaining_backup_codes"`
	EnabledAt      *time.Time `json:"enabled_at,omitempty"`
	LastVerifiedAt *time.Time `json:"last_verified_at,omitempty"`
}
