// Package crypto implements the tenant key hierarchy: a process-wide
// key-encryption key (KEK) wraps one 256-bit data-encryption key (DEK) per
// tenant, and [DataEncryptor] uses a tenant's unwrapped DEK for record-level
// AES-GCM encryption.
//
// Ciphertext layout is nonce ∥ ciphertext ∥ auth tag, base64-encoded. A DEK is
// never persisted unwrapped; unwrap failure for a tenant is fatal for that
// tenant's data.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
)

const (
	kekSize   = 32
	dekSize   = 32
	nonceSize = 12
)

// ErrInvalidKEK is returned by [NewTenantKeyManager] when the master key is
// missing or not 256 bits. Startup must treat this as unrecoverable.
var ErrInvalidKEK = errors.New("crypto: KEK must be 32 bytes")

// ErrDecryptFailed is returned when AES-GCM authentication fails, which is
// how decryption with the wrong tenant DEK manifests.
var ErrDecryptFailed = errors.New("crypto: decryption failed: authentication error")

// TenantKeyManager generates, wraps, and unwraps per-tenant DEKs.
// Safe for concurrent use.
type TenantKeyManager struct {
	kekGCM cipher.AEAD

	mu      sync.RWMutex
	wrapped map[string][]byte // tenant_id → wrapped DEK blob
}

// NewTenantKeyManager creates a manager from the base64-encoded master KEK.
func NewTenantKeyManager(kekBase64 string) (*TenantKeyManager, error) {
	kek, err := base64.StdEncoding.DecodeString(kekBase64)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode KEK: %w", err)
	}
	if len(kek) != kekSize {
		return nil, fmt.Errorf("%w, got %d", ErrInvalidKEK, len(kek))
	}

	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("crypto: KEK cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: KEK GCM: %w", err)
	}

	return &TenantKeyManager{
		kekGCM:  gcm,
		wrapped: make(map[string][]byte),
	}, nil
}

// GenerateDEK creates a fresh 256-bit DEK for tenantID, stores the wrapped
// blob, and returns the plaintext key for immediate use.
func (m *TenantKeyManager) GenerateDEK(tenantID string) ([]byte, error) {
	dek := make([]byte, dekSize)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return nil, fmt.Errorf("crypto: generate DEK: %w", err)
	}

	blob, err := m.wrap(dek)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.wrapped[tenantID] = blob
	m.mu.Unlock()

	return dek, nil
}

// ImportWrapped registers a previously wrapped DEK blob for tenantID, as
// loaded from the tenant_keys table.
func (m *TenantKeyManager) ImportWrapped(tenantID string, blob []byte) {
	m.mu.Lock()
	m.wrapped[tenantID] = append([]byte(nil), blob...)
	m.mu.Unlock()
}

// WrappedDEK returns the stored wrapped blob for tenantID, for persistence.
func (m *TenantKeyManager) WrappedDEK(tenantID string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	blob, ok := m.wrapped[tenantID]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), blob...), true
}

// UnwrapDEK recovers the plaintext DEK for tenantID. A KEK mismatch surfaces
// as [ErrDecryptFailed].
func (m *TenantKeyManager) UnwrapDEK(tenantID string) ([]byte, error) {
	m.mu.RLock()
	blob, ok := m.wrapped[tenantID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("crypto: no DEK for tenant %q", tenantID)
	}

	if len(blob) < nonceSize {
		return nil, fmt.Errorf("crypto: wrapped DEK for tenant %q too short", tenantID)
	}
	nonce, ct := blob[:nonceSize], blob[nonceSize:]
	dek, err := m.kekGCM.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap DEK for tenant %q", ErrDecryptFailed, tenantID)
	}
	return dek, nil
}

func (m *TenantKeyManager) wrap(dek []byte) ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: wrap nonce: %w", err)
	}
	return m.kekGCM.Seal(nonce, nonce, dek, nil), nil
}

// DataEncryptor performs record-level AES-GCM encryption with one tenant's
// DEK. Safe for concurrent use.
type DataEncryptor struct {
	gcm cipher.AEAD
}

// NewDataEncryptor builds an encryptor from a 256-bit plaintext DEK.
func NewDataEncryptor(dek []byte) (*DataEncryptor, error) {
	if len(dek) != dekSize {
		return nil, fmt.Errorf("crypto: DEK must be %d bytes, got %d", dekSize, len(dek))
	}
	block, err := aes.NewCipher(dek)
	if err != nil {
		return nil, fmt.Errorf("crypto: DEK cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: DEK GCM: %w", err)
	}
	return &DataEncryptor{gcm: gcm}, nil
}

// Encrypt seals plaintext with a fresh 96-bit nonce and returns
// base64(nonce ∥ ciphertext ∥ tag).
func (e *DataEncryptor) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("crypto: nonce: %w", err)
	}
	sealed := e.gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses [DataEncryptor.Encrypt]. Wrong-key and tampered inputs
// both return [ErrDecryptFailed]; malformed base64 or truncated blobs are
// reported as distinct corruption errors.
func (e *DataEncryptor) Decrypt(encoded string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode ciphertext: %w", err)
	}
	if len(sealed) < nonceSize+e.gcm.Overhead() {
		return nil, fmt.Errorf("crypto: ciphertext too short: %d bytes", len(sealed))
	}
	nonce, ct := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := e.gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}
