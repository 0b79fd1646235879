package vault

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeyring(t *testing.T) *Keyring {
	t.Helper()
	master := bytes.Repeat([]byte{0x42}, KeySize)
	k, err := NewKeyring(master)
	require.NoError(t, err)
	return k
}

func randomSeed(t *testing.T) []byte {
	t.Helper()
	seed := make([]byte, 20)
	_, err := rand.Read(seed)
	require.NoError(t, err)
	return seed
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	k := testKeyring(t)

	for i := 0; i < 50; i++ {
		seed := randomSeed(t)
		ciphertext, iv, err := k.Encrypt(seed)
		require.NoError(t, err)
		require.Len(t, iv, IVSize)

		plain, err := k.Decrypt(ciphertext, iv)
		require.NoError(t, err)
		assert.Equal(t, seed, plain)
	}
}

func TestEncrypt_FreshIVEveryCall(t *testing.T) {
	k := testKeyring(t)
	seed := randomSeed(t)

	c1, iv1, err := k.Encrypt(seed)
	require.NoError(t, err)
	c2, iv2, err := k.Encrypt(seed)
	require.NoError(t, err)

	assert.NotEqual(t, iv1, iv2)
	assert.NotEqual(t, c1, c2)

	p1, err := k.Decrypt(c1, iv1)
	require.NoError(t, err)
	p2, err := k.Decrypt(c2, iv2)
	require.NoError(t, err)
	assert.Equal(t, seed, p1)
	assert.Equal(t, seed, p2)
}

func TestDecrypt_MismatchedIVFails(t *testing.T) {
	k := testKeyring(t)
	seed := randomSeed(t)

	c1, _, err := k.Encrypt(seed)
	require.NoError(t, err)
	_, iv2, err := k.Encrypt(seed)
	require.NoError(t, err)

	_, err = k.Decrypt(c1, iv2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDecryption))

	var decErr *DecryptionError
	require.True(t, errors.As(err, &decErr))
	assert.Equal(t, "authentication tag mismatch", decErr.Reason)
}

func TestDecrypt_CorruptedInputsFail(t *testing.T) {
	k := testKeyring(t)
	ciphertext, iv, err := k.Encrypt(randomSeed(t))
	require.NoError(t, err)

	flipped := append([]byte(nil), ciphertext...)
	flipped[3] ^= 0x01

	unknownVersion := append([]byte(nil), ciphertext...)
	unknownVersion[0] = 9

	cases := map[string]struct {
		ciphertext []byte
		iv         []byte
	}{
		"flipped body bit": {flipped, iv},
		"truncated":        {ciphertext[:len(ciphertext)-1], iv},
		"too short":        {ciphertext[:10], iv},
		"short iv":         {ciphertext, iv[:8]},
		"unknown version":  {unknownVersion, iv},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			plain, err := k.Decrypt(tc.ciphertext, tc.iv)
			assert.Nil(t, plain)
			assert.ErrorIs(t, err, ErrDecryption)
		})
	}
}

func TestDecrypt_WrongKeyFails(t *testing.T) {
	k := testKeyring(t)
	ciphertext, iv, err := k.Encrypt(randomSeed(t))
	require.NoError(t, err)

	other, err := NewKeyring(bytes.Repeat([]byte{0x17}, KeySize))
	require.NoError(t, err)

	_, err = other.Decrypt(ciphertext, iv)
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestParseKeyring(t *testing.T) {
	master := bytes.Repeat([]byte{0x01}, KeySize)

	_, err := ParseKeyring(base64.StdEncoding.EncodeToString(master))
	require.NoError(t, err)

	_, err = ParseKeyring("")
	require.Error(t, err)

	_, err = ParseKeyring(base64.StdEncoding.EncodeToString(master[:16]))
	require.Error(t, err)

	_, err = ParseKeyring("not base64 !!")
	require.Error(t, err)
}
