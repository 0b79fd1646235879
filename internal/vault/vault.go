// Package vault protects TOTP seeds at rest.
//
// Seeds are encrypted with AES-256-CBC under a fresh random IV and then
// authenticated with HMAC-SHA256 (encrypt-then-MAC). Both subkeys are derived
// from a single master key with HKDF. The stored ciphertext is
//
//	version(1) || cbc body || mac(32)
//
// and the IV is stored next to it. The version byte names the master key the
// row was sealed with, so a later keyring can hold several keys while already
// stored IVs stay untouched.
package vault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	KeySize = 32
	IVSize  = aes.BlockSize

	currentVersion byte = 1
	macSize             = sha256.Size
	hkdfInfo            = "trust-serverless/totp-seed/v1"
)

var ErrDecryption = errors.New("seed decryption failed")

// DecryptionError reports a vault integrity failure. It is a configuration
// class error: callers must not treat it as a wrong code.
type DecryptionError struct {
	Reason string
}

func (e *DecryptionError) Error() string {
	return "decrypt totp seed: " + e.Reason
}

func (e *DecryptionError) Is(target error) bool {
	return target == ErrDecryption
}

// Keyring holds the derived keys for one master key. It is built once at
// process start and never mutated afterwards.
type Keyring struct {
	version byte
	encKey  []byte
	macKey  []byte
	random  io.Reader
}

func NewKeyring(master []byte) (*Keyring, error) {
	if len(master) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(master))
	}

	derived := make([]byte, 2*KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(hkdfInfo)), derived); err != nil {
		return nil, fmt.Errorf("derive vault keys: %w", err)
	}

	return &Keyring{
		version: currentVersion,
		encKey:  derived[:KeySize],
		macKey:  derived[KeySize:],
		random:  rand.Reader,
	}, nil
}

// ParseKeyring decodes a base64 (standard or URL alphabet) master key.
func ParseKeyring(encoded string) (*Keyring, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, fmt.Errorf("encryption key not configured")
	}

	master, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		master, err = base64.URLEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("invalid encryption key format: %w", err)
		}
	}

	return NewKeyring(master)
}

func (k *Keyring) Encrypt(seed []byte) (ciphertext []byte, iv []byte, err error) {
	if len(seed) == 0 {
		return nil, nil, fmt.Errorf("encrypt totp seed: empty seed")
	}

	block, err := aes.NewCipher(k.encKey)
	if err != nil {
		return nil, nil, fmt.Errorf("create cipher: %w", err)
	}

	iv = make([]byte, IVSize)
	if _, err := io.ReadFull(k.random, iv); err != nil {
		return nil, nil, fmt.Errorf("generate iv: %w", err)
	}

	body := pad(seed)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(body, body)

	out := make([]byte, 0, 1+len(body)+macSize)
	out = append(out, k.version)
	out = append(out, body...)
	out = append(out, k.mac(k.version, iv, body)...)

	return out, iv, nil
}

func (k *Keyring) Decrypt(ciphertext, iv []byte) ([]byte, error) {
	if len(iv) != IVSize {
		return nil, &DecryptionError{Reason: "invalid iv length"}
	}
	if len(ciphertext) < 1+aes.BlockSize+macSize {
		return nil, &DecryptionError{Reason: "ciphertext too short"}
	}

	version := ciphertext[0]
	if version != k.version {
		return nil, &DecryptionError{Reason: fmt.Sprintf("unknown key version %d", version)}
	}

	body := ciphertext[1 : len(ciphertext)-macSize]
	tag := ciphertext[len(ciphertext)-macSize:]
	if len(body)%aes.BlockSize != 0 {
		return nil, &DecryptionError{Reason: "ciphertext is not a whole number of blocks"}
	}
	if !hmac.Equal(tag, k.mac(version, iv, body)) {
		return nil, &DecryptionError{Reason: "authentication tag mismatch"}
	}

	block, err := aes.NewCipher(k.encKey)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	plain := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, body)

	seed, err := unpad(plain)
	if err != nil {
		return nil, &DecryptionError{Reason: err.Error()}
	}

	return seed, nil
}

func (k *Keyring) mac(version byte, iv, body []byte) []byte {
	h := hmac.New(sha256.New, k.macKey)
	h.Write([]byte{version})
	h.Write(iv)
	h.Write(body)
	return h.Sum(nil)
}

func pad(data []byte) []byte {
	n := aes.BlockSize - len(data)%aes.BlockSize
	out := make([]byte, len(data), len(data)+n)
	copy(out, data)
	return append(out, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty plaintext")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, errors.New("invalid padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("invalid padding")
		}
	}
	return data[:len(data)-n], nil
}
