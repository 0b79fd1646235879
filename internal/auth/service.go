package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"trust-serverless/internal/audit"
	"trust-serverless/internal/twofactor"
)

const (
	defaultAccessTTL    = 15 * time.Minute
	defaultRefreshTTL   = 7 * 24 * time.Hour
	defaultChallengeTTL = 5 * time.Minute
	defaultDeviceTTL    = 30 * 24 * time.Hour
	defaultMaxAttempts  = 5
	defaultLockWindow   = 15 * time.Minute
	minPasswordLength   = 12
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidChallenge   = errors.New("invalid or expired second factor challenge")
	ErrSessionRevoked     = errors.New("session revoked")
	// ErrSessionCheckUnavailable wraps a revocation lookup failure. Callers
	// must refuse the request.
	ErrSessionCheckUnavailable = errors.New("session check unavailable")
	ErrUserNotFound            = errors.New("user not found")
	ErrUsernameTaken           = errors.New("username already taken")
	ErrInvalidUser             = errors.New("invalid user")
)

type ErrLoginLocked struct {
	Until time.Time
}

func (e ErrLoginLocked) Error() string {
	return "login temporarily locked"
}

// Store is the persistence the service needs. *Repository implements it.
type Store interface {
	GetByUsername(ctx context.Context, username string) (User, error)
	GetByID(ctx context.Context, id string) (User, error)
	CreateUser(ctx context.Context, username, plainPassword string, role Role) (User, error)
	UpsertAdmin(ctx context.Context, username, plainPassword string) error
	GetLoginAttempt(ctx context.Context, username string) (LoginAttempt, error)
	RegisterFailedAttempt(ctx context.Context, username string, maxAttempts int, lockDuration time.Duration, now time.Time) (*time.Time, error)
	ResetLoginAttempt(ctx context.Context, username string) error
	CreateRefreshToken(ctx context.Context, userID, rawToken string, createdAt, expiresAt time.Time) error
	GetRefreshToken(ctx context.Context, rawToken string) (RefreshTokenRecord, error)
	RotateRefreshToken(ctx context.Context, rawOldToken, rawNewToken string, now, newExpiresAt time.Time) (string, error)
	RevokeRefreshToken(ctx context.Context, rawToken string) error
}

// SecondFactor is the part of the two-factor service login depends on.
type SecondFactor interface {
	Enabled(ctx context.Context, userID string) (bool, error)
	VerifyLogin(ctx context.Context, req twofactor.LoginRequest) (twofactor.Result, error)
}

// RevocationChecker answers whether a credential issued at issuedAt has been
// revoked. *revocation.Ledger implements it.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, userID string, issuedAt time.Time) (bool, error)
}

type Recorder interface {
	Record(entry audit.Entry)
}

type Service struct {
	store        Store
	recorder     Recorder
	jwtSecret    []byte
	accessTTL    time.Duration
	refreshTTL   time.Duration
	challengeTTL time.Duration
	deviceTTL    time.Duration
	maxAttempts  int
	lockDuration time.Duration
	secondFactor SecondFactor
	revocations  RevocationChecker
	now          func() time.Time
}

func NewService(store Store, jwtSecret string, recorder Recorder) *Service {
	return &Service{
		store:        store,
		recorder:     recorder,
		jwtSecret:    []byte(jwtSecret),
		accessTTL:    defaultAccessTTL,
		refreshTTL:   defaultRefreshTTL,
		challengeTTL: defaultChallengeTTL,
		deviceTTL:    defaultDeviceTTL,
		maxAttempts:  defaultMaxAttempts,
		lockDuration: defaultLockWindow,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) WithSecurityConfig(maxAttempts int, lockDuration time.Duration, accessTTL time.Duration, refreshTTL time.Duration) {
	if maxAttempts > 0 {
		s.maxAttempts = maxAttempts
	}
	if lockDuration > 0 {
		s.lockDuration = lockDuration
	}
	if accessTTL > 0 {
		s.accessTTL = accessTTL
	}
	if refreshTTL > 0 {
		s.refreshTTL = refreshTTL
	}
}

// WithSecondFactor makes Login stop at a challenge for accounts with two-factor
// enabled, unless the caller presents a valid trusted-device token.
func (s *Service) WithSecondFactor(secondFactor SecondFactor, challengeTTL, deviceTTL time.Duration) {
	s.secondFactor = secondFactor
	if challengeTTL > 0 {
		s.challengeTTL = challengeTTL
	}
	if deviceTTL > 0 {
		s.deviceTTL = deviceTTL
	}
}

func (s *Service) WithRevocationChecker(checker RevocationChecker) {
	s.revocations = checker
}

type LoginRequest struct {
	Username    string
	Password    string
	DeviceToken string
	Context     audit.RequestContext
}

func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	username := strings.TrimSpace(strings.ToLower(req.Username))
	password := strings.TrimSpace(req.Password)
	entry := audit.Entry{Action: audit.ActionPasswordLogin, Actor: audit.Self(""), Context: req.Context}

	if username == "" || password == "" {
		s.fail(entry, audit.LoginPayload{Username: username, Reason: audit.ReasonBadPassword})
		return LoginResult{}, ErrInvalidCredentials
	}

	now := s.now()
	attempt, err := s.store.GetLoginAttempt(ctx, username)
	if err != nil {
		return LoginResult{}, err
	}
	if attempt.LockedUntil != nil && now.Before(*attempt.LockedUntil) {
		s.fail(entry, audit.LoginPayload{Username: username, Reason: audit.ReasonLocked})
		return LoginResult{}, ErrLoginLocked{Until: *attempt.LockedUntil}
	}

	user, err := s.store.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return LoginResult{}, s.rejectPassword(ctx, entry, username, now)
		}
		return LoginResult{}, err
	}

	entry.UserID = user.ID
	entry.Actor = audit.Self(user.ID)

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return LoginResult{}, s.rejectPassword(ctx, entry, username, now)
	}

	if err := s.store.ResetLoginAttempt(ctx, username); err != nil {
		return LoginResult{}, err
	}

	payload := audit.LoginPayload{Username: username}
	if s.secondFactor != nil {
		enabled, err := s.secondFactor.Enabled(ctx, user.ID)
		if err != nil {
			return LoginResult{}, err
		}
		payload.SecondFactor = enabled
		payload.TrustedDevice = enabled && s.trustedDevice(ctx, req.DeviceToken, user.ID)
	}

	if payload.SecondFactor && !payload.TrustedDevice {
		challenge, err := signToken(s.jwtSecret, user.ID, "", tokenTypeChallenge, s.challengeTTL, now)
		if err != nil {
			return LoginResult{}, err
		}
		s.succeed(entry, payload)
		return LoginResult{SecondFactor: true, ChallengeToken: challenge}, nil
	}

	tokens, err := s.issueTokens(ctx, user, now)
	if err != nil {
		return LoginResult{}, err
	}
	s.succeed(entry, payload)

	return LoginResult{Tokens: &tokens}, nil
}

func (s *Service) rejectPassword(ctx context.Context, entry audit.Entry, username string, now time.Time) error {
	lockedUntil, err := s.store.RegisterFailedAttempt(ctx, username, s.maxAttempts, s.lockDuration, now)
	if err != nil {
		return err
	}
	if lockedUntil != nil {
		s.fail(entry, audit.LoginPayload{Username: username, Reason: audit.ReasonLocked})
		return ErrLoginLocked{Until: *lockedUntil}
	}
	s.fail(entry, audit.LoginPayload{Username: username, Reason: audit.ReasonBadPassword})
	return ErrInvalidCredentials
}

type SecondFactorRequest struct {
	ChallengeToken string
	Code           string
	RememberDevice bool
	Context        audit.RequestContext
}

// CompleteSecondFactor exchanges a login challenge plus a valid code for
// tokens. With RememberDevice a device token is returned that lets later
// logins from the same device skip the challenge.
func (s *Service) CompleteSecondFactor(ctx context.Context, req SecondFactorRequest) (LoginResult, error) {
	if s.secondFactor == nil {
		return LoginResult{}, ErrInvalidChallenge
	}

	claims, err := parseToken(s.jwtSecret, strings.TrimSpace(req.ChallengeToken), tokenTypeChallenge)
	if err != nil {
		return LoginResult{}, ErrInvalidChallenge
	}
	if err := s.ensureNotRevoked(ctx, claims.Subject, claims.IssuedAt); err != nil {
		if errors.Is(err, ErrSessionRevoked) {
			return LoginResult{}, ErrInvalidChallenge
		}
		return LoginResult{}, err
	}

	result, err := s.secondFactor.VerifyLogin(ctx, twofactor.LoginRequest{
		UserID:         claims.Subject,
		Code:           req.Code,
		RememberDevice: req.RememberDevice,
		Context:        req.Context,
	})
	if err != nil {
		return LoginResult{}, err
	}

	user, err := s.store.GetByID(ctx, claims.Subject)
	if err != nil {
		return LoginResult{}, err
	}

	now := s.now()
	tokens, err := s.issueTokens(ctx, user, now)
	if err != nil {
		return LoginResult{}, err
	}

	out := LoginResult{Tokens: &tokens, RemainingBackupCodes: result.RemainingCodes}
	if result.RememberDevice {
		out.DeviceToken, err = signToken(s.jwtSecret, user.ID, "", tokenTypeDevice, s.deviceTTL, now)
		if err != nil {
			return LoginResult{}, err
		}
	}

	return out, nil
}

// trustedDevice reports whether raw is a live device token for userID. Any
// doubt, including an unreachable revocation store, means "not trusted" and
// the user gets the challenge instead.
func (s *Service) trustedDevice(ctx context.Context, raw, userID string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false
	}
	claims, err := parseToken(s.jwtSecret, raw, tokenTypeDevice)
	if err != nil || claims.Subject != userID {
		return false
	}
	return s.ensureNotRevoked(ctx, userID, claims.IssuedAt) == nil
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return Tokens{}, ErrInvalidRefreshToken
	}

	record, err := s.store.GetRefreshToken(ctx, refreshToken)
	if err != nil {
		return Tokens{}, err
	}
	if err := s.ensureNotRevoked(ctx, record.UserID, record.CreatedAt); err != nil {
		if errors.Is(err, ErrSessionRevoked) {
			return Tokens{}, ErrInvalidRefreshToken
		}
		return Tokens{}, err
	}

	user, err := s.store.GetByID(ctx, record.UserID)
	if err != nil {
		return Tokens{}, err
	}

	newRefresh, err := randomToken(48)
	if err != nil {
		return Tokens{}, fmt.Errorf("generate new refresh token: %w", err)
	}

	now := s.now()
	if _, err := s.store.RotateRefreshToken(ctx, refreshToken, newRefresh, now, now.Add(s.refreshTTL)); err != nil {
		return Tokens{}, err
	}

	access, expiresIn, err := s.issueAccessToken(user, now)
	if err != nil {
		return Tokens{}, err
	}

	return Tokens{
		AccessToken:  access,
		RefreshToken: newRefresh,
		TokenType:    "Bearer",
		ExpiresIn:    expiresIn,
	}, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return ErrInvalidRefreshToken
	}
	return s.store.RevokeRefreshToken(ctx, refreshToken)
}

// Authenticate verifies an access token and checks it against the
// revocation ledger.
func (s *Service) Authenticate(ctx context.Context, rawAccessToken string) (Principal, error) {
	claims, err := parseToken(s.jwtSecret, rawAccessToken, tokenTypeAccess)
	if err != nil {
		return Principal{}, err
	}
	if err := s.ensureNotRevoked(ctx, claims.Subject, claims.IssuedAt); err != nil {
		return Principal{}, err
	}

	role := claims.Role
	if !role.Valid() {
		role = RoleUser
	}
	return Principal{UserID: claims.Subject, Role: role, IssuedAt: claims.IssuedAt}, nil
}

func (s *Service) ensureNotRevoked(ctx context.Context, userID string, issuedAt time.Time) error {
	if s.revocations == nil {
		return nil
	}
	revoked, err := s.revocations.IsRevoked(ctx, userID, issuedAt)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSessionCheckUnavailable, err)
	}
	if revoked {
		return ErrSessionRevoked
	}
	return nil
}

func (s *Service) issueTokens(ctx context.Context, user User, now time.Time) (Tokens, error) {
	access, expiresIn, err := s.issueAccessToken(user, now)
	if err != nil {
		return Tokens{}, err
	}

	refreshToken, err := randomToken(48)
	if err != nil {
		return Tokens{}, fmt.Errorf("generate refresh token: %w", err)
	}
	if err := s.store.CreateRefreshToken(ctx, user.ID, refreshToken, now, now.Add(s.refreshTTL)); err != nil {
		return Tokens{}, err
	}

	return Tokens{
		AccessToken:  access,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    expiresIn,
	}, nil
}

func (s *Service) issueAccessToken(user User, now time.Time) (string, int64, error) {
	encoded, err := signToken(s.jwtSecret, user.ID, user.Role, tokenTypeAccess, s.accessTTL, now)
	if err != nil {
		return "", 0, err
	}
	return encoded, int64(s.accessTTL.Seconds()), nil
}

func (s *Service) BootstrapFromEnv(ctx context.Context, adminUsername, adminPassword string) error {
	adminUsername = strings.TrimSpace(strings.ToLower(adminUsername))
	adminPassword = strings.TrimSpace(adminPassword)

	if adminUsername == "" && adminPassword == "" {
		return nil
	}
	if adminUsername == "" || adminPassword == "" {
		return fmt.Errorf("ADMIN_USERNAME and ADMIN_PASSWORD are required together")
	}

	return s.store.UpsertAdmin(ctx, adminUsername, adminPassword)
}

// CreateUser registers an account. Used by the operator CLI.
func (s *Service) CreateUser(ctx context.Context, username, password string, role Role) (User, error) {
	username = strings.TrimSpace(strings.ToLower(username))
	password = strings.TrimSpace(password)
	if !usernameRegex.MatchString(username) || len(password) < minPasswordLength || !role.Valid() {
		return User{}, ErrInvalidUser
	}
	return s.store.CreateUser(ctx, username, password, role)
}

func (s *Service) succeed(entry audit.Entry, payload audit.LoginPayload) {
	if s.recorder == nil {
		return
	}
	entry.Outcome = audit.OutcomeSuccess
	entry.Payload = payload
	s.recorder.Record(entry)
}

func (s *Service) fail(entry audit.Entry, payload audit.LoginPayload) {
	if s.recorder == nil {
		return
	}
	entry.Outcome = audit.OutcomeFailure
	entry.Payload = payload
	s.recorder.Record(entry)
}

func randomToken(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
