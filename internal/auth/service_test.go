package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"trust-serverless/internal/audit"
	"trust-serverless/internal/twofactor"
)

const testSecret = "test-jwt-secret-with-enough-entropy"

type storedRefresh struct {
	record  RefreshTokenRecord
	revoked bool
}

type memoryStore struct {
	mu       sync.Mutex
	users    map[string]User
	attempts map[string]LoginAttempt
	refresh  map[string]*storedRefresh
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		users:    make(map[string]User),
		attempts: make(map[string]LoginAttempt),
		refresh:  make(map[string]*storedRefresh),
	}
}

func (m *memoryStore) GetByUsername(_ context.Context, username string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if user.Username == username {
			return user, nil
		}
	}
	return User{}, ErrUserNotFound
}

func (m *memoryStore) GetByID(_ context.Context, id string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (m *memoryStore) CreateUser(ctx context.Context, username, plainPassword string, role Role) (User, error) {
	if _, err := m.GetByUsername(ctx, username); err == nil {
		return User{}, ErrUsernameTaken
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plainPassword), bcrypt.MinCost)
	if err != nil {
		return User{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	user := User{ID: "user-" + username, Username: username, PasswordHash: string(hash), Role: role}
	m.users[user.ID] = user
	return user, nil
}

func (m *memoryStore) UpsertAdmin(ctx context.Context, username, plainPassword string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(plainPassword), bcrypt.MinCost)
	if err != nil {
		return err
	}
	if user, err := m.GetByUsername(ctx, username); err == nil {
		m.mu.Lock()
		user.PasswordHash = string(hash)
		user.Role = RoleAdmin
		m.users[user.ID] = user
		m.mu.Unlock()
		return nil
	}
	_, err = m.CreateUser(ctx, username, plainPassword, RoleAdmin)
	return err
}

func (m *memoryStore) GetLoginAttempt(_ context.Context, username string) (LoginAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	attempt := m.attempts[username]
	attempt.Username = username
	return attempt, nil
}

func (m *memoryStore) RegisterFailedAttempt(_ context.Context, username string, maxAttempts int, lockDuration time.Duration, now time.Time) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	attempt := m.attempts[username]
	if attempt.LockedUntil != nil && now.Before(*attempt.LockedUntil) {
		return attempt.LockedUntil, nil
	}
	attempt.FailedAttempts++
	attempt.LockedUntil = nil
	if attempt.FailedAttempts >= maxAttempts {
		until := now.Add(lockDuration)
		attempt.LockedUntil = &until
		attempt.FailedAttempts = 0
	}
	m.attempts[username] = attempt
	return attempt.LockedUntil, nil
}

func (m *memoryStore) ResetLoginAttempt(_ context.Context, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attempts, username)
	return nil
}

func (m *memoryStore) CreateRefreshToken(_ context.Context, userID, rawToken string, createdAt, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh[rawToken] = &storedRefresh{record: RefreshTokenRecord{
		ID: rawToken, UserID: userID, CreatedAt: createdAt, ExpiresAt: expiresAt,
	}}
	return nil
}

func (m *memoryStore) GetRefreshToken(_ context.Context, rawToken string) (RefreshTokenRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.refresh[rawToken]
	if !ok || stored.revoked {
		return RefreshTokenRecord{}, ErrInvalidRefreshToken
	}
	return stored.record, nil
}

func (m *memoryStore) RotateRefreshToken(_ context.Context, rawOldToken, rawNewToken string, now, newExpiresAt time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.refresh[rawOldToken]
	if !ok || stored.revoked || now.After(stored.record.ExpiresAt) {
		return "", ErrInvalidRefreshToken
	}
	stored.revoked = true
	m.refresh[rawNewToken] = &storedRefresh{record: RefreshTokenRecord{
		ID: rawNewToken, UserID: stored.record.UserID, CreatedAt: now, ExpiresAt: newExpiresAt,
	}}
	return stored.record.UserID, nil
}

func (m *memoryStore) RevokeRefreshToken(_ context.Context, rawToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stored, ok := m.refresh[rawToken]; ok {
		stored.revoked = true
	}
	return nil
}

type fakeSecondFactor struct {
	mu      sync.Mutex
	enabled map[string]bool
	code    string
	calls   int
}

func (f *fakeSecondFactor) Enabled(_ context.Context, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled[userID], nil
}

func (f *fakeSecondFactor) VerifyLogin(_ context.Context, req twofactor.LoginRequest) (twofactor.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if req.Code != f.code {
		return twofactor.Result{}, twofactor.ErrInvalidCode
	}
	return twofactor.Result{OK: true, Method: twofactor.MethodTOTP, RememberDevice: req.RememberDevice}, nil
}

type fakeChecker struct {
	mu        sync.Mutex
	revokedAt map[string]time.Time
	err       error
}

func (f *fakeChecker) IsRevoked(_ context.Context, userID string, issuedAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return true, f.err
	}
	at, ok := f.revokedAt[userID]
	return ok && issuedAt.Before(at), nil
}

func (f *fakeChecker) revoke(userID string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revokedAt[userID] = at
}

func (f *fakeChecker) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type sliceRecorder struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *sliceRecorder) Record(entry audit.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
}

func (r *sliceRecorder) all() []audit.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.Entry(nil), r.entries...)
}

type harness struct {
	service  *Service
	store    *memoryStore
	factor   *fakeSecondFactor
	checker  *fakeChecker
	recorder *sliceRecorder
	clock    time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		store:    newMemoryStore(),
		factor:   &fakeSecondFactor{enabled: make(map[string]bool), code: "123456"},
		checker:  &fakeChecker{revokedAt: make(map[string]time.Time)},
		recorder: &sliceRecorder{},
		// Tokens are validated against the wall clock, so the fake clock
		// stays close to it.
		clock: time.Now().UTC().Add(-time.Minute).Truncate(time.Second),
	}
	h.service = NewService(h.store, testSecret, h.recorder)
	h.service.WithSecondFactor(h.factor, 0, 0)
	h.service.WithRevocationChecker(h.checker)
	h.service.now = func() time.Time { return h.clock }
	return h
}

func (h *harness) user(t *testing.T, username string, role Role) User {
	t.Helper()
	user, err := h.service.CreateUser(context.Background(), username, "correct-horse-battery", role)
	require.NoError(t, err)
	return user
}

func (h *harness) advance(d time.Duration) {
	h.clock = h.clock.Add(d)
}

func (h *harness) login(username string) (LoginResult, error) {
	return h.service.Login(context.Background(), LoginRequest{Username: username, Password: "correct-horse-battery"})
}

func TestLogin_IssuesTokensWithoutSecondFactor(t *testing.T) {
	h := newHarness(t)
	user := h.user(t, "alice", RoleAdmin)

	result, err := h.login("Alice")
	require.NoError(t, err)
	require.NotNil(t, result.Tokens)
	assert.False(t, result.SecondFactor)
	assert.Empty(t, result.ChallengeToken)
	assert.Equal(t, "Bearer", result.Tokens.TokenType)
	assert.Equal(t, int64(defaultAccessTTL.Seconds()), result.Tokens.ExpiresIn)

	principal, err := h.service.Authenticate(context.Background(), result.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, principal.UserID)
	assert.Equal(t, RoleAdmin, principal.Role)
	assert.Equal(t, h.clock, principal.IssuedAt)

	entries := h.recorder.all()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionPasswordLogin, entries[0].Action)
	assert.Equal(t, audit.OutcomeSuccess, entries[0].Outcome)
	assert.Equal(t, user.ID, entries[0].UserID)
}

func TestLogin_WrongPasswordLocksAccount(t *testing.T) {
	h := newHarness(t)
	h.service.WithSecurityConfig(2, time.Minute, 0, 0)
	h.user(t, "bob", RoleUser)
	ctx := context.Background()

	_, err := h.service.Login(ctx, LoginRequest{Username: "bob", Password: "wrong-password-123"})
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = h.service.Login(ctx, LoginRequest{Username: "bob", Password: "wrong-password-123"})
	var locked ErrLoginLocked
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, h.clock.Add(time.Minute), locked.Until)

	_, err = h.login("bob")
	require.ErrorAs(t, err, &locked, "the right password does not bypass the lock")

	h.advance(2 * time.Minute)
	result, err := h.login("bob")
	require.NoError(t, err)
	assert.NotNil(t, result.Tokens)

	reasons := []string{}
	for _, entry := range h.recorder.all() {
		payload, ok := entry.Payload.(audit.LoginPayload)
		require.True(t, ok)
		reasons = append(reasons, payload.Reason)
	}
	assert.Equal(t, []string{audit.ReasonBadPassword, audit.ReasonLocked, audit.ReasonLocked, ""}, reasons)
}

func TestLogin_UnknownUserIsInvalidCredentials(t *testing.T) {
	h := newHarness(t)

	_, err := h.login("nobody")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLogin_SecondFactorChallengeAndTrustedDevice(t *testing.T) {
	h := newHarness(t)
	user := h.user(t, "carol", RoleUser)
	h.factor.enabled[user.ID] = true
	ctx := context.Background()

	result, err := h.login("carol")
	require.NoError(t, err)
	assert.True(t, result.SecondFactor)
	assert.Nil(t, result.Tokens)
	require.NotEmpty(t, result.ChallengeToken)

	_, err = h.service.Authenticate(ctx, result.ChallengeToken)
	require.ErrorIs(t, err, ErrInvalidToken, "a challenge is not an access token")

	_, err = h.service.CompleteSecondFactor(ctx, SecondFactorRequest{ChallengeToken: result.ChallengeToken, Code: "000000"})
	require.ErrorIs(t, err, twofactor.ErrInvalidCode)

	done, err := h.service.CompleteSecondFactor(ctx, SecondFactorRequest{
		ChallengeToken: result.ChallengeToken,
		Code:           "123456",
		RememberDevice: true,
	})
	require.NoError(t, err)
	require.NotNil(t, done.Tokens)
	require.NotEmpty(t, done.DeviceToken)

	principal, err := h.service.Authenticate(ctx, done.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, principal.UserID)

	trusted, err := h.service.Login(ctx, LoginRequest{Username: "carol", Password: "correct-horse-battery", DeviceToken: done.DeviceToken})
	require.NoError(t, err)
	assert.False(t, trusted.SecondFactor)
	require.NotNil(t, trusted.Tokens)
	assert.Equal(t, 2, h.factor.calls)

	entries := h.recorder.all()
	last, ok := entries[len(entries)-1].Payload.(audit.LoginPayload)
	require.True(t, ok)
	assert.True(t, last.SecondFactor)
	assert.True(t, last.TrustedDevice)
}

func TestLogin_DeviceTokenOfAnotherUserIsIgnored(t *testing.T) {
	h := newHarness(t)
	carol := h.user(t, "carol", RoleUser)
	dave := h.user(t, "dave", RoleUser)
	h.factor.enabled[carol.ID] = true
	h.factor.enabled[dave.ID] = true

	device, err := signToken([]byte(testSecret), carol.ID, "", tokenTypeDevice, time.Hour, h.clock)
	require.NoError(t, err)

	result, err := h.service.Login(context.Background(), LoginRequest{Username: "dave", Password: "correct-horse-battery", DeviceToken: device})
	require.NoError(t, err)
	assert.True(t, result.SecondFactor)
}

func TestLogin_RevokedDeviceTokenRequiresChallenge(t *testing.T) {
	h := newHarness(t)
	user := h.user(t, "erin", RoleUser)
	h.factor.enabled[user.ID] = true

	device, err := signToken([]byte(testSecret), user.ID, "", tokenTypeDevice, time.Hour, h.clock)
	require.NoError(t, err)

	h.advance(10 * time.Second)
	h.checker.revoke(user.ID, h.clock)

	result, err := h.service.Login(context.Background(), LoginRequest{Username: "erin", Password: "correct-horse-battery", DeviceToken: device})
	require.NoError(t, err)
	assert.True(t, result.SecondFactor)
}

func TestAuthenticate_HonoursRevocation(t *testing.T) {
	h := newHarness(t)
	user := h.user(t, "frank", RoleUser)
	ctx := context.Background()

	before, err := h.login("frank")
	require.NoError(t, err)

	h.advance(10 * time.Second)
	h.checker.revoke(user.ID, h.clock)

	_, err = h.service.Authenticate(ctx, before.Tokens.AccessToken)
	require.ErrorIs(t, err, ErrSessionRevoked)

	h.advance(10 * time.Second)
	after, err := h.login("frank")
	require.NoError(t, err)
	_, err = h.service.Authenticate(ctx, after.Tokens.AccessToken)
	require.NoError(t, err)
}

func TestAuthenticate_FailsClosedWhenLedgerUnavailable(t *testing.T) {
	h := newHarness(t)
	h.user(t, "grace", RoleUser)

	result, err := h.login("grace")
	require.NoError(t, err)

	h.checker.fail(errors.New("redis down"))
	_, err = h.service.Authenticate(context.Background(), result.Tokens.AccessToken)
	require.ErrorIs(t, err, ErrSessionCheckUnavailable)
}

func TestAuthenticate_RejectsForgedAndExpiredTokens(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	forged, err := signToken([]byte("other-secret"), "user-x", RoleAdmin, tokenTypeAccess, time.Hour, h.clock)
	require.NoError(t, err)
	_, err = h.service.Authenticate(ctx, forged)
	require.ErrorIs(t, err, ErrInvalidToken)

	expired, err := signToken([]byte(testSecret), "user-x", RoleAdmin, tokenTypeAccess, time.Second, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	_, err = h.service.Authenticate(ctx, expired)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestCompleteSecondFactor_RevokedChallenge(t *testing.T) {
	h := newHarness(t)
	user := h.user(t, "heidi", RoleUser)
	h.factor.enabled[user.ID] = true

	result, err := h.login("heidi")
	require.NoError(t, err)

	h.advance(5 * time.Second)
	h.checker.revoke(user.ID, h.clock)

	_, err = h.service.CompleteSecondFactor(context.Background(), SecondFactorRequest{ChallengeToken: result.ChallengeToken, Code: "123456"})
	require.ErrorIs(t, err, ErrInvalidChallenge)
	assert.Zero(t, h.factor.calls, "no code is checked for a revoked challenge")
}

func TestRefresh_RotatesAndHonoursRevocation(t *testing.T) {
	h := newHarness(t)
	user := h.user(t, "ivan", RoleUser)
	ctx := context.Background()

	first, err := h.login("ivan")
	require.NoError(t, err)

	h.advance(time.Second)
	second, err := h.service.Refresh(ctx, first.Tokens.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, first.Tokens.RefreshToken, second.RefreshToken)

	_, err = h.service.Refresh(ctx, first.Tokens.RefreshToken)
	require.ErrorIs(t, err, ErrInvalidRefreshToken, "a rotated token is spent")

	h.advance(time.Second)
	h.checker.revoke(user.ID, h.clock)
	_, err = h.service.Refresh(ctx, second.RefreshToken)
	require.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestRefresh_LedgerUnavailable(t *testing.T) {
	h := newHarness(t)
	h.user(t, "judy", RoleUser)

	result, err := h.login("judy")
	require.NoError(t, err)

	h.checker.fail(errors.New("timeout"))
	_, err = h.service.Refresh(context.Background(), result.Tokens.RefreshToken)
	require.ErrorIs(t, err, ErrSessionCheckUnavailable)
}

func TestLogout_RevokesRefreshToken(t *testing.T) {
	h := newHarness(t)
	h.user(t, "mallory", RoleUser)
	ctx := context.Background()

	result, err := h.login("mallory")
	require.NoError(t, err)

	require.NoError(t, h.service.Logout(ctx, result.Tokens.RefreshToken))
	_, err = h.service.Refresh(ctx, result.Tokens.RefreshToken)
	require.ErrorIs(t, err, ErrInvalidRefreshToken)

	require.ErrorIs(t, h.service.Logout(ctx, " "), ErrInvalidRefreshToken)
}

func TestCreateUserAndBootstrap(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.service.CreateUser(ctx, "ab", "correct-horse-battery", RoleUser)
	require.ErrorIs(t, err, ErrInvalidUser)
	_, err = h.service.CreateUser(ctx, "oscar", "short", RoleUser)
	require.ErrorIs(t, err, ErrInvalidUser)
	_, err = h.service.CreateUser(ctx, "oscar", "correct-horse-battery", Role("root"))
	require.ErrorIs(t, err, ErrInvalidUser)

	h.user(t, "oscar", RoleUser)
	_, err = h.service.CreateUser(ctx, "OSCAR", "correct-horse-battery", RoleUser)
	require.ErrorIs(t, err, ErrUsernameTaken)

	require.NoError(t, h.service.BootstrapFromEnv(ctx, "", ""))
	require.Error(t, h.service.BootstrapFromEnv(ctx, "root", ""))
	require.NoError(t, h.service.BootstrapFromEnv(ctx, "Admin", "correct-horse-battery"))

	admin, err := h.store.GetByUsername(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, admin.Role)
}
