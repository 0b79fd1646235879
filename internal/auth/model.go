package auth

import "time"

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

type User struct {
	ID           string
	Username     string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// LoginResult is either a token pair or, for accounts with a second factor,
// a short-lived challenge to present to /auth/2fa/login.
type LoginResult struct {
	Tokens         *Tokens `json:"tokens,omitempty"`
	SecondFactor   bool    `json:"mfa_required"`
	ChallengeToken string  `json:"challenge_token,omitempty"`
	DeviceToken    string  `json:"device_token,omitempty"`
	// RemainingBackupCodes is set when the second factor was a backup code.
	RemainingBackupCodes *int `json:"remaining_backup_codes,omitempty"`
}

type RefreshTokenRecord struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time
}

type LoginAttempt struct {
	Username       string
	FailedAttempts int
	LockedUntil    *time.Time
}

// Principal is the caller behind a verified access token.
type Principal struct {
	UserID   string
	Role     Role
	IssuedAt time.Time
}
