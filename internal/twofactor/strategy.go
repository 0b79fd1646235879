package twofactor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"trust-serverless/internal/backupcode"
	"trust-serverless/internal/totp"
)

// SeedVault encrypts TOTP seeds at rest. *vault.Keyring implements it.
type SeedVault interface {
	Encrypt(seed []byte) (ciphertext []byte, iv []byte, err error)
	Decrypt(ciphertext, iv []byte) ([]byte, error)
}

// Attempt is one submitted code checked against a loaded profile.
type Attempt struct {
	Profile Profile
	Code    string
	At      time.Time
}

type Verification struct {
	OK             bool
	RemainingCodes *int
}

// Verifier is one way of proving possession of the second factor. Accepts
// is a cheap shape check; Verify does the cryptographic work and any state
// change the method needs.
type Verifier interface {
	Method() Method
	Accepts(code string) bool
	Verify(ctx context.Context, attempt Attempt) (Verification, error)
}

type TotpStrategy struct {
	vault SeedVault
	totp  *totp.Verifier
}

func NewTotpStrategy(vault SeedVault, verifier *totp.Verifier) *TotpStrategy {
	return &TotpStrategy{vault: vault, totp: verifier}
}

func (s *TotpStrategy) Method() Method {
	return MethodTOTP
}

func (s *TotpStrategy) Accepts(code string) bool {
	return totp.LooksLikeCode(strings.TrimSpace(code))
}

// Verify decrypts the seed and checks the code within the drift window.
// A vault failure is returned as an error, never as a failed verification.
func (s *TotpStrategy) Verify(ctx context.Context, attempt Attempt) (Verification, error) {
	seed, err := s.vault.Decrypt(attempt.Profile.EncryptedSecret, attempt.Profile.EncryptionIV)
	if err != nil {
		return Verification{}, fmt.Errorf("decrypt totp seed for %s: %w", attempt.Profile.UserID, err)
	}
	defer clear(seed)

	return Verification{OK: s.totp.Verify(seed, strings.TrimSpace(attempt.Code), attempt.At)}, nil
}

// BackupCodeStore is the part of Store the backup strategy needs.
type BackupCodeStore interface {
	ConsumeBackupCode(ctx context.Context, userID string, position int, at time.Time) (remaining int, err error)
}

type BackupCodeStrategy struct {
	codes *backupcode.Manager
	store BackupCodeStore
}

func NewBackupCodeStrategy(codes *backupcode.Manager, store BackupCodeStore) *BackupCodeStrategy {
	return &BackupCodeStrategy{codes: codes, store: store}
}

func (s *BackupCodeStrategy) Method() Method {
	return MethodBackupCode
}

func (s *BackupCodeStrategy) Accepts(code string) bool {
	return backupcode.LooksLikeCode(backupcode.Normalize(code))
}

// Verify matches the code against the unconsumed hashes and marks the match
// consumed with a conditional update. Losing a race for the same code is a
// failed verification.
func (s *BackupCodeStrategy) Verify(ctx context.Context, attempt Attempt) (Verification, error) {
	stored := make([]backupcode.Stored, len(attempt.Profile.BackupCodes))
	for i, code := range attempt.Profile.BackupCodes {
		stored[i] = backupcode.Stored{Hash: code.Hash, Consumed: code.ConsumedAt != nil}
	}

	ok, index := s.codes.Match(attempt.Code, stored)
	if !ok {
		return Verification{}, nil
	}

	position := attempt.Profile.BackupCodes[index].Position
	remaining, err := s.store.ConsumeBackupCode(ctx, attempt.Profile.UserID, position, attempt.At)
	if err != nil {
		if errors.Is(err, ErrCodeAlreadyConsumed) {
			return Verification{}, nil
		}
		return Verification{}, err
	}

	return Verification{OK: true, RemainingCodes: &remaining}, nil
}
