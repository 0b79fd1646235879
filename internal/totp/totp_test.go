package totp

import (
	"encoding/base32"
	"net/url"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var rfcSeed = []byte("12345678901234567890")

func TestGenerate_RFC6238Vectors(t *testing.T) {
	v := NewVerifier(Config{})

	// RFC 6238 appendix B, SHA1, truncated to six digits.
	vectors := map[int64]string{
		59:          "287082",
		1111111109:  "081804",
		1111111111:  "050471",
		1234567890:  "005924",
		2000000000:  "279037",
		20000000000: "353130",
	}
	for unix, want := range vectors {
		assert.Equal(t, want, v.Generate(rfcSeed, time.Unix(unix, 0)), "t=%d", unix)
	}
}

func TestGenerate_MatchesReferenceLibrary(t *testing.T) {
	v := NewVerifier(Config{})
	key, err := v.NewKey("alice@example.com")
	require.NoError(t, err)

	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	for i := 0; i < 20; i++ {
		ts := at.Add(time.Duration(i) * 17 * time.Second)
		want, err := totp.GenerateCodeCustom(key.Secret, ts, totp.ValidateOpts{
			Period:    30,
			Digits:    otp.DigitsSix,
			Algorithm: otp.AlgorithmSHA1,
		})
		require.NoError(t, err)
		assert.Equal(t, want, v.Generate(key.Seed, ts))
	}
}

func TestVerify_DriftWindow(t *testing.T) {
	v := NewVerifier(Config{Skew: DefaultSkew})
	now := time.Unix(1_700_000_010, 0)

	for offset := -4; offset <= 4; offset++ {
		code := v.Generate(rfcSeed, now.Add(time.Duration(offset)*Period))
		got := v.Verify(rfcSeed, code, now)
		if offset >= -2 && offset <= 2 {
			assert.True(t, got, "offset %d should be accepted", offset)
		} else {
			assert.False(t, got, "offset %d should be rejected", offset)
		}
	}
}

func TestVerify_ZeroSkewOnlyCurrentStep(t *testing.T) {
	v := NewVerifier(Config{Skew: 0})
	now := time.Unix(1_700_000_010, 0)

	assert.True(t, v.Verify(rfcSeed, v.Generate(rfcSeed, now), now))
	assert.False(t, v.Verify(rfcSeed, v.Generate(rfcSeed, now.Add(Period)), now))
}

func TestVerify_StaleCodeScenario(t *testing.T) {
	v := NewVerifier(Config{Skew: DefaultSkew})
	issued := time.Unix(1_700_000_000, 0)
	code := v.Generate(rfcSeed, issued)

	assert.True(t, v.Verify(rfcSeed, code, issued.Add(45*time.Second)))
	assert.False(t, v.Verify(rfcSeed, code, issued.Add(120*time.Second)))
}

func TestVerify_RejectsMalformed(t *testing.T) {
	v := NewVerifier(Config{})
	now := time.Now()
	code := v.Generate(rfcSeed, now)

	assert.False(t, v.Verify(rfcSeed, "", now))
	assert.False(t, v.Verify(rfcSeed, code[:5], now))
	assert.False(t, v.Verify(rfcSeed, code+"0", now))
	assert.False(t, v.Verify(rfcSeed, "12a456", now))
	assert.False(t, v.Verify(nil, code, now))
}

func TestNewKey(t *testing.T) {
	v := NewVerifier(Config{Issuer: "Ashley ERP"})
	key, err := v.NewKey("ops@ashley.example")
	require.NoError(t, err)

	assert.Len(t, key.Seed, SeedSize)
	decoded, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(key.Secret)
	require.NoError(t, err)
	assert.Equal(t, key.Seed, decoded)

	uri, err := url.Parse(key.URI)
	require.NoError(t, err)
	assert.Equal(t, "otpauth", uri.Scheme)
	assert.Equal(t, "totp", uri.Host)
	assert.Equal(t, "Ashley ERP", uri.Query().Get("issuer"))
	assert.Equal(t, key.Secret, uri.Query().Get("secret"))

	other, err := v.NewKey("ops@ashley.example")
	require.NoError(t, err)
	assert.NotEqual(t, key.Seed, other.Seed)
}

func TestLooksLikeCode(t *testing.T) {
	assert.True(t, LooksLikeCode("000000"))
	assert.True(t, LooksLikeCode("123456"))
	assert.False(t, LooksLikeCode("12345"))
	assert.False(t, LooksLikeCode("ABCD-1234"))
	assert.False(t, LooksLikeCode("12 456"))
}
