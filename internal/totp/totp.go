// Package totp verifies RFC 6238 time-based one-time passwords.
//
// Code derivation (HOTP dynamic truncation over HMAC-SHA1) is implemented
// here from RFC 4226 rather than delegated, because this is the trust
// boundary. github.com/pquerna/otp is used only to build the provisioning
// key and its otpauth:// URI for authenticator apps.
package totp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	DefaultIssuer = "Ashley ERP"
	DefaultSkew   = 2
	SeedSize      = 20
	Digits        = 6
	Period        = 30 * time.Second
)

type Config struct {
	Issuer string
	// Skew is the number of time steps accepted on each side of the current
	// one. The default of 2 absorbs ±60s of drift between the user's device
	// and the server; the price is five valid codes at any instant instead of
	// one, which widens the online guessing window by the same factor.
	// Negative values are treated as zero.
	Skew int
}

type Verifier struct {
	issuer string
	skew   int
}

// Key is a freshly provisioned seed. Secret and URI carry the plaintext seed
// and must only be shown to the user once.
type Key struct {
	Seed   []byte
	Secret string
	URI    string
}

func NewVerifier(cfg Config) *Verifier {
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = DefaultIssuer
	}
	skew := cfg.Skew
	if skew < 0 {
		skew = 0
	}
	return &Verifier{issuer: issuer, skew: skew}
}

func (v *Verifier) Skew() int {
	return v.skew
}

func (v *Verifier) NewKey(account string) (Key, error) {
	seed := make([]byte, SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return Key{}, fmt.Errorf("generate totp seed: %w", err)
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      v.issuer,
		AccountName: account,
		Period:      uint(Period / time.Second),
		Secret:      seed,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return Key{}, fmt.Errorf("build totp key: %w", err)
	}

	return Key{Seed: seed, Secret: key.Secret(), URI: key.URL()}, nil
}

// Generate returns the code for the time step containing at.
func (v *Verifier) Generate(seed []byte, at time.Time) string {
	return hotp(seed, uint64(at.Unix()/int64(Period/time.Second)))
}

// Verify reports whether code matches any step within the drift window
// around at. Every candidate is computed and compared in constant time.
func (v *Verifier) Verify(seed []byte, code string, at time.Time) bool {
	if len(seed) == 0 || !LooksLikeCode(code) {
		return false
	}

	step := at.Unix() / int64(Period/time.Second)
	submitted := []byte(code)
	match := 0
	for offset := -v.skew; offset <= v.skew; offset++ {
		counter := step + int64(offset)
		if counter < 0 {
			continue
		}
		candidate := []byte(hotp(seed, uint64(counter)))
		match |= subtle.ConstantTimeCompare(candidate, submitted)
	}

	return match == 1
}

// LooksLikeCode reports whether code has the shape of a TOTP code.
func LooksLikeCode(code string) bool {
	if len(code) != Digits {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}

func hotp(seed []byte, counter uint64) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)

	mac := hmac.New(sha1.New, seed)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	value := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff

	return fmt.Sprintf("%0*d", Digits, value%1_000_000)
}
