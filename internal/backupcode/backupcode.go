package backupcode

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultCount = 8
	Length       = 8
	groupSize    = 4
	alphabet     = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// Stored is one persisted backup code as the manager sees it.
type Stored struct {
	Hash     string
	Consumed bool
}

type Manager struct {
	cost int
}

func NewManager(cost int) *Manager {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Manager{cost: cost}
}

// Generate returns count plaintext codes formatted as XXXX-XXXX.
func (m *Manager) Generate(count int) ([]string, error) {
	if count <= 0 {
		count = DefaultCount
	}

	max := big.NewInt(int64(len(alphabet)))
	codes := make([]string, 0, count)
	seen := make(map[string]struct{}, count)
	for len(codes) < count {
		var b strings.Builder
		for i := 0; i < Length; i++ {
			n, err := rand.Int(rand.Reader, max)
			if err != nil {
				return nil, fmt.Errorf("generate backup code: %w", err)
			}
			b.WriteByte(alphabet[n.Int64()])
		}
		raw := b.String()
		if _, dup := seen[raw]; dup {
			continue
		}
		seen[raw] = struct{}{}
		codes = append(codes, raw[:groupSize]+"-"+raw[groupSize:])
	}

	return codes, nil
}

func (m *Manager) HashAll(codes []string) ([]string, error) {
	hashes := make([]string, len(codes))
	for i, code := range codes {
		normalized := Normalize(code)
		if !LooksLikeCode(normalized) {
			return nil, fmt.Errorf("hash backup code %d: malformed code", i)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(normalized), m.cost)
		if err != nil {
			return nil, fmt.Errorf("hash backup code %d: %w", i, err)
		}
		hashes[i] = string(hash)
	}
	return hashes, nil
}

// Match finds the unconsumed stored code that submitted hashes to. Codes are
// unordered from the user's point of view, so every candidate is checked.
// The caller owns marking the returned index consumed.
func (m *Manager) Match(submitted string, stored []Stored) (bool, int) {
	normalized := Normalize(submitted)
	if !LooksLikeCode(normalized) {
		return false, -1
	}

	for i, code := range stored {
		if code.Consumed {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(code.Hash), []byte(normalized)) == nil {
			return true, i
		}
	}

	return false, -1
}

// Normalize strips separators and whitespace and upper-cases the code.
func Normalize(code string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '-' || r == ' ' || r == '\t':
			return -1
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		default:
			return r
		}
	}, strings.TrimSpace(code))
}

// LooksLikeCode reports whether a normalized code has backup code shape.
func LooksLikeCode(normalized string) bool {
	if len(normalized) != Length {
		return false
	}
	for i := 0; i < len(normalized); i++ {
		if !strings.ContainsRune(alphabet, rune(normalized[i])) {
			return false
		}
	}
	return true
}
