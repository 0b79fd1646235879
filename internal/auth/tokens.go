package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenTypeAccess    = "access"
	tokenTypeChallenge = "mfa"
	tokenTypeDevice    = "device"
)

var ErrInvalidToken = errors.New("invalid token")

type tokenClaims struct {
	Subject  string
	Role     Role
	IssuedAt time.Time
}

func signToken(secret []byte, subject string, role Role, tokenType string, ttl time.Duration, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
		"typ": tokenType,
	}
	if role != "" {
		claims["role"] = string(role)
	}

	encoded, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign %s jwt: %w", tokenType, err)
	}
	return encoded, nil
}

// parseToken verifies signature, expiry and type. iat is required because
// the revocation ledger compares against it.
func parseToken(secret []byte, raw, tokenType string) (tokenClaims, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return tokenClaims{}, ErrInvalidToken
	}
	if typ, _ := claims["typ"].(string); typ != tokenType {
		return tokenClaims{}, ErrInvalidToken
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return tokenClaims{}, ErrInvalidToken
	}
	issuedAt, err := claims.GetIssuedAt()
	if err != nil || issuedAt == nil {
		return tokenClaims{}, ErrInvalidToken
	}
	role, _ := claims["role"].(string)

	return tokenClaims{Subject: subject, Role: Role(role), IssuedAt: issuedAt.Time.UTC()}, nil
}
