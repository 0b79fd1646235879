package twofactor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"trust-serverless/internal/audit"
	"trust-serverless/internal/backupcode"
	"trust-serverless/internal/observability"
	"trust-serverless/internal/totp"
	"trust-serverless/internal/vault"
)

// Recorder receives audit entries. *audit.Trail implements it.
type Recorder interface {
	Record(entry audit.Entry)
}

type Service struct {
	store    Store
	vault    SeedVault
	totp     *totp.Verifier
	codes    *backupcode.Manager
	recorder Recorder
	logger   *observability.Logger

	totpStrategy *TotpStrategy
	loginChain   []Verifier
	codeCount    int
	now          func() time.Time
}

func NewService(store Store, seedVault SeedVault, verifier *totp.Verifier, codes *backupcode.Manager, recorder Recorder, logger *observability.Logger) *Service {
	totpStrategy := NewTotpStrategy(seedVault, verifier)
	return &Service{
		store:        store,
		vault:        seedVault,
		totp:         verifier,
		codes:        codes,
		recorder:     recorder,
		logger:       logger,
		totpStrategy: totpStrategy,
		loginChain:   []Verifier{totpStrategy, NewBackupCodeStrategy(codes, store)},
		codeCount:    backupcode.DefaultCount,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// StartSetup provisions a new seed and backup codes and leaves the profile
// pending. A pending setup may be restarted; an enabled one may not.
func (s *Service) StartSetup(ctx context.Context, req SetupRequest) (SetupResult, error) {
	entry := s.entry(req.UserID, audit.ActionSetupStarted, req.Context)

	if strings.TrimSpace(req.UserID) == "" {
		err := &ValidationError{Field: "user_id", Problem: "required"}
		s.fail(entry, audit.SetupPayload{Reason: audit.ReasonMalformedCode})
		return SetupResult{}, err
	}

	existing, err := s.store.GetProfile(ctx, req.UserID)
	switch {
	case err == nil && existing.Enabled:
		s.fail(entry, audit.SetupPayload{Reason: audit.ReasonStateConflict})
		return SetupResult{}, &StateConflictError{Operation: "start setup", State: StateEnabled}
	case err != nil && !errors.Is(err, ErrProfileNotFound):
		s.fail(entry, audit.SetupPayload{Reason: audit.ReasonInternalError})
		return SetupResult{}, err
	}

	account := strings.TrimSpace(req.Account)
	if account == "" {
		account = req.UserID
	}
	key, err := s.totp.NewKey(account)
	if err != nil {
		s.fail(entry, audit.SetupPayload{Reason: audit.ReasonInternalError})
		return SetupResult{}, err
	}
	defer clear(key.Seed)

	ciphertext, iv, err := s.vault.Encrypt(key.Seed)
	if err != nil {
		s.fail(entry, audit.SetupPayload{Reason: audit.ReasonInternalError})
		return SetupResult{}, fmt.Errorf("encrypt totp seed: %w", err)
	}

	codes, err := s.codes.Generate(s.codeCount)
	if err != nil {
		s.fail(entry, audit.SetupPayload{Reason: audit.ReasonInternalError})
		return SetupResult{}, err
	}
	hashes, err := s.codes.HashAll(codes)
	if err != nil {
		s.fail(entry, audit.SetupPayload{Reason: audit.ReasonInternalError})
		return SetupResult{}, err
	}

	restarted, err := s.store.SavePending(ctx, Profile{
		UserID:          req.UserID,
		EncryptedSecret: ciphertext,
		EncryptionIV:    iv,
		CreatedAt:       s.now(),
	}, hashes)
	if err != nil {
		if errors.Is(err, ErrProfileChanged) {
			s.fail(entry, audit.SetupPayload{Reason: audit.ReasonStateConflict})
			return SetupResult{}, &StateConflictError{Operation: "start setup", State: StateEnabled}
		}
		s.fail(entry, audit.SetupPayload{Reason: audit.ReasonInternalError})
		return SetupResult{}, err
	}

	s.succeed(entry, audit.SetupPayload{BackupCodes: len(codes), Restarted: restarted})
	s.logger.Info("twofactor_setup_started", map[string]any{
		"user_id":   req.UserID,
		"restarted": restarted,
	})

	return SetupResult{Secret: key.Secret, URI: key.URI, BackupCodes: codes}, nil
}

// ConfirmSetup enables a pending profile once the user proves possession of
// the seed. A wrong code leaves the profile pending.
func (s *Service) ConfirmSetup(ctx context.Context, req CodeRequest) (bool, error) {
	const operation = "confirm setup"
	entry := s.entry(req.UserID, audit.ActionSetupConfirmed, req.Context)
	at := s.now()

	profile, err := s.loadProfile(ctx, req.UserID, StatePending, operation)
	if err != nil {
		s.fail(entry, audit.VerificationPayload{Reason: reasonFor(err)})
		return false, err
	}

	result, err := s.verify(ctx, profile, req.Code, at, []Verifier{s.totpStrategy})
	s.countCheck("confirm", result.Method, err)
	if err != nil {
		s.fail(entry, audit.VerificationPayload{Method: string(result.Method), Reason: reasonFor(err)})
		return false, err
	}

	if err := s.store.Enable(ctx, req.UserID, profile.EncryptionIV, at); err != nil {
		if errors.Is(err, ErrProfileChanged) {
			err = s.changedConflict(ctx, req.UserID, operation)
		}
		s.fail(entry, audit.VerificationPayload{Method: string(MethodTOTP), Reason: reasonFor(err)})
		return false, err
	}

	s.succeed(entry, audit.VerificationPayload{Method: string(MethodTOTP)})
	s.logger.Info("twofactor_enabled", map[string]any{"user_id": req.UserID})

	return true, nil
}

// VerifyLogin checks a code for an enabled profile, TOTP first and backup
// codes second. Every call records exactly one audit entry.
func (s *Service) VerifyLogin(ctx context.Context, req LoginRequest) (Result, error) {
	entry := s.entry(req.UserID, audit.ActionLoginVerified, req.Context)
	at := s.now()

	result, err := s.verifyLogin(ctx, req, at)
	s.countCheck("login", result.Method, err)

	payload := audit.VerificationPayload{
		Method:         string(result.Method),
		RemainingCodes: result.RemainingCodes,
		RememberDevice: req.RememberDevice && err == nil,
	}
	if err != nil {
		payload.Reason = reasonFor(err)
		s.fail(entry, payload)
		return Result{}, err
	}

	s.succeed(entry, payload)
	result.RememberDevice = req.RememberDevice
	return result, nil
}

func (s *Service) verifyLogin(ctx context.Context, req LoginRequest, at time.Time) (Result, error) {
	profile, err := s.loadProfile(ctx, req.UserID, StateEnabled, "verify login")
	if err != nil {
		return Result{}, err
	}

	result, err := s.verify(ctx, profile, req.Code, at, s.loginChain)
	if err != nil {
		return result, err
	}

	if result.Method == MethodTOTP {
		if err := s.store.MarkVerified(ctx, req.UserID, at); err != nil {
			s.logger.Warn("twofactor_mark_verified_failed", map[string]any{
				"user_id": req.UserID,
				"error":   err.Error(),
			})
		}
	}

	return result, nil
}

// Disable requires a fresh code from either method and then removes the
// profile with all of its backup codes.
func (s *Service) Disable(ctx context.Context, req CodeRequest) error {
	const operation = "disable"
	entry := s.entry(req.UserID, audit.ActionDisabled, req.Context)
	at := s.now()

	profile, err := s.loadProfile(ctx, req.UserID, StateEnabled, operation)
	if err != nil {
		s.fail(entry, audit.VerificationPayload{Reason: reasonFor(err)})
		return err
	}

	result, err := s.verify(ctx, profile, req.Code, at, s.loginChain)
	s.countCheck(operation, result.Method, err)
	if err != nil {
		s.fail(entry, audit.VerificationPayload{Method: string(result.Method), Reason: reasonFor(err)})
		return err
	}

	if err := s.store.Delete(ctx, req.UserID); err != nil {
		if errors.Is(err, ErrProfileChanged) {
			err = &StateConflictError{Operation: operation, State: StateNotConfigured}
		}
		s.fail(entry, audit.VerificationPayload{Method: string(result.Method), Reason: reasonFor(err)})
		return err
	}

	s.succeed(entry, audit.VerificationPayload{Method: string(result.Method)})
	s.logger.Info("twofactor_disabled", map[string]any{"user_id": req.UserID})

	return nil
}

// RegenerateBackupCodes replaces every backup code of an enabled profile
// after a fresh TOTP code. Old codes stop working in the same transaction
// that stores the new ones.
func (s *Service) RegenerateBackupCodes(ctx context.Context, req CodeRequest) ([]string, error) {
	const operation = "regenerate backup codes"
	entry := s.entry(req.UserID, audit.ActionBackupCodesRegenerated, req.Context)
	at := s.now()

	profile, err := s.loadProfile(ctx, req.UserID, StateEnabled, operation)
	if err != nil {
		s.fail(entry, audit.SetupPayload{Reason: reasonFor(err)})
		return nil, err
	}

	result, err := s.verify(ctx, profile, req.Code, at, []Verifier{s.totpStrategy})
	s.countCheck("regenerate", result.Method, err)
	if err != nil {
		s.fail(entry, audit.SetupPayload{Reason: reasonFor(err)})
		return nil, err
	}

	codes, err := s.codes.Generate(s.codeCount)
	if err != nil {
		s.fail(entry, audit.SetupPayload{Reason: audit.ReasonInternalError})
		return nil, err
	}
	hashes, err := s.codes.HashAll(codes)
	if err != nil {
		s.fail(entry, audit.SetupPayload{Reason: audit.ReasonInternalError})
		return nil, err
	}

	if err := s.store.ReplaceBackupCodes(ctx, req.UserID, hashes, at); err != nil {
		if errors.Is(err, ErrProfileChanged) {
			err = &StateConflictError{Operation: operation, State: StateNotConfigured}
		}
		s.fail(entry, audit.SetupPayload{Reason: reasonFor(err)})
		return nil, err
	}

	s.succeed(entry, audit.SetupPayload{BackupCodes: len(codes)})
	s.logger.Info("twofactor_backup_codes_regenerated", map[string]any{"user_id": req.UserID})

	return codes, nil
}

func (s *Service) Status(ctx context.Context, userID string) (Status, error) {
	profile, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrProfileNotFound) {
			return Status{State: StateNotConfigured}, nil
		}
		return Status{}, err
	}

	return Status{
		State:          profile.State(),
		RemainingCodes: profile.RemainingBackupCodes(),
		EnabledAt:      profile.EnabledAt,
		LastVerifiedAt: profile.LastVerifiedAt,
	}, nil
}

// Enabled reports whether the user must pass a second factor at login.
func (s *Service) Enabled(ctx context.Context, userID string) (bool, error) {
	status, err := s.Status(ctx, userID)
	if err != nil {
		return false, err
	}
	return status.State == StateEnabled, nil
}

func (s *Service) loadProfile(ctx context.Context, userID string, want State, operation string) (Profile, error) {
	if strings.TrimSpace(userID) == "" {
		return Profile{}, &ValidationError{Field: "user_id", Problem: "required"}
	}

	profile, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrProfileNotFound) {
			return Profile{}, &StateConflictError{Operation: operation, State: StateNotConfigured}
		}
		return Profile{}, err
	}
	if state := profile.State(); state != want {
		return Profile{}, &StateConflictError{Operation: operation, State: state}
	}

	return profile, nil
}

// changedConflict reports the state a profile moved to while an operation
// was running: another setup, a confirmation or a removal.
func (s *Service) changedConflict(ctx context.Context, userID, operation string) error {
	state := StateNotConfigured
	if profile, err := s.store.GetProfile(ctx, userID); err == nil {
		state = profile.State()
	}
	return &StateConflictError{Operation: operation, State: state}
}

// verify runs the code through each strategy in chain that accepts its
// shape. A code no strategy accepts is rejected before any cryptographic
// work.
func (s *Service) verify(ctx context.Context, profile Profile, code string, at time.Time, chain []Verifier) (Result, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Result{}, &ValidationError{Field: "code", Problem: "required"}
	}

	tried := false
	var last Method
	for _, strategy := range chain {
		if !strategy.Accepts(code) {
			continue
		}
		tried = true
		last = strategy.Method()

		verification, err := strategy.Verify(ctx, Attempt{Profile: profile, Code: code, At: at})
		if err != nil {
			if errors.Is(err, vault.ErrDecryption) {
				s.reportVaultFailure(profile.UserID, err)
			}
			return Result{Method: last}, err
		}
		if verification.OK {
			return Result{OK: true, Method: last, RemainingCodes: verification.RemainingCodes}, nil
		}
	}

	if !tried {
		return Result{}, &ValidationError{Field: "code", Problem: "malformed"}
	}
	return Result{Method: last}, ErrInvalidCode
}

func (s *Service) reportVaultFailure(userID string, err error) {
	observability.VaultFailuresTotal.Inc()
	observability.CaptureError(err, map[string]string{"component": "vault"})
	s.logger.Error("twofactor_seed_decryption_failed", map[string]any{
		"user_id": userID,
		"error":   err.Error(),
	})
}

func (s *Service) countCheck(operation string, method Method, err error) {
	methodLabel := string(method)
	if methodLabel == "" {
		methodLabel = "none"
	}
	outcome := string(audit.OutcomeSuccess)
	if err != nil {
		outcome = reasonFor(err)
	}
	observability.SecondFactorChecksTotal.WithLabelValues(operation, methodLabel, outcome).Inc()
}

func (s *Service) entry(userID string, action audit.Action, rc audit.RequestContext) audit.Entry {
	return audit.Entry{
		UserID:     userID,
		OccurredAt: s.now(),
		Action:     action,
		Actor:      audit.Self(userID),
		Context:    rc,
	}
}

func (s *Service) succeed(entry audit.Entry, payload audit.Payload) {
	entry.Outcome = audit.OutcomeSuccess
	entry.Payload = payload
	s.recorder.Record(entry)
}

func (s *Service) fail(entry audit.Entry, payload audit.Payload) {
	entry.Outcome = audit.OutcomeFailure
	entry.Payload = payload
	s.recorder.Record(entry)
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return audit.ReasonMalformedCode
	case errors.Is(err, ErrInvalidCode):
		return audit.ReasonInvalidCode
	case errors.Is(err, ErrStateConflict):
		return audit.ReasonStateConflict
	case errors.Is(err, vault.ErrDecryption):
		return audit.ReasonDecryptionFailed
	default:
		return audit.ReasonInternalError
	}
}
