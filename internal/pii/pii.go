// Package pii implements the tokenization and encryption capability the
// engine exposes to collaborators. Tokens are stable lookup handles;
// ciphertexts are AES-256-GCM with a tenant-scoped data encryption key.
package pii

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	ivSize  = 12
	tagSize = 16
	keySize = 32
)

var (
	ErrBadKey        = errors.New("pii: key must be 32 bytes")
	ErrBadCiphertext = errors.New("pii: ciphertext malformed")
)

// Tokenize derives the stable lookup token for a value:
// hex(SHA-256(lower(trim(value)))). Equal values always tokenize equal, so
// tokens can be joined on without ever storing the plaintext.
func Tokenize(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// Vault encrypts with per-tenant data encryption keys.
type Vault struct {
	keys map[string][]byte
}

// NewVault validates and indexes the tenant DEKs.
func NewVault(keys map[string][]byte) (*Vault, error) {
	for tenant, key := range keys {
		if len(key) != keySize {
			return nil, fmt.Errorf("%w: tenant %s has %d", ErrBadKey, tenant, len(key))
		}
	}
	return &Vault{keys: keys}, nil
}

var ErrUnknownTenant = errors.New("pii: no key for tenant")

// Encrypt seals plaintext under the tenant's DEK with AES-256-GCM and
// returns base64(iv(12) ∥ ciphertext ∥ tag(16)). aad binds the ciphertext
// to its context (e.g. a payment id) so it cannot be swapped across rows.
func (v *Vault) Encrypt(tenantID string, plaintext, aad []byte) (string, error) {
	key, ok := v.keys[tenantID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("pii: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("pii: gcm: %w", err)
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("pii: iv: %w", err)
	}

	sealed := gcm.Seal(iv, iv, plaintext, aad)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt with the same tenant key
// and aad.
func (v *Vault) Decrypt(tenantID, ciphertext string, aad []byte) ([]byte, error) {
	key, ok := v.keys[tenantID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCiphertext, err)
	}
	if len(raw) < ivSize+tagSize {
		return nil, ErrBadCiphertext
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("pii: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("pii: gcm: %w", err)
	}

	plaintext, err := gcm.Open(nil, raw[:ivSize], raw[ivSize:], aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCiphertext, err)
	}
	return plaintext, nil
}
