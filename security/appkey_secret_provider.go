// Package security implements at-rest encryption for token material, the
// named-secret vault, and certificate fingerprint pinning.
package security

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/goliatone/go-openbanking/core"
)

type Option func(*AppKeySecretProvider)

// AppKeySecretProvider seals secrets with AES-256-GCM under an application
// key. Retired keys remain available for decrypt-only inside their rotation
// window, so re-encryption can trail a key rollover.
type AppKeySecretProvider struct {
	active  secretKey
	retired map[string]secretKey
	now     func() time.Time
}

type secretKey struct {
	material []byte
	keyID    string
	version  int
	window   KeyRotationWindow
}

func (k secretKey) matches(keyID string, version int) bool {
	if keyID != "" && keyID != k.keyID {
		return false
	}
	if version > 0 && version != k.version {
		return false
	}
	return true
}

func WithKeyID(id string) Option {
	return func(provider *AppKeySecretProvider) {
		trimmed := strings.TrimSpace(id)
		if trimmed != "" {
			provider.active.keyID = trimmed
		}
	}
}

func WithVersion(version int) Option {
	return func(provider *AppKeySecretProvider) {
		if version > 0 {
			provider.active.version = version
		}
	}
}

// WithRetiredKey registers a previous key for decryption only. The window
// bounds how long envelopes sealed under it stay readable.
func WithRetiredKey(keyID string, version int, material []byte, window KeyRotationWindow) Option {
	return func(provider *AppKeySecretProvider) {
		trimmed := strings.TrimSpace(keyID)
		key := bytes.TrimSpace(material)
		if trimmed == "" || len(key) == 0 {
			return
		}
		provider.retired[trimmed] = secretKey{
			material: deriveKey(key),
			keyID:    trimmed,
			version:  version,
			window:   window,
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(provider *AppKeySecretProvider) {
		if now != nil {
			provider.now = now
		}
	}
}

func NewAppKeySecretProvider(keyMaterial []byte, opts ...Option) (*AppKeySecretProvider, error) {
	key := bytes.TrimSpace(keyMaterial)
	if len(key) == 0 {
		return nil, fmt.Errorf("security: key material is required")
	}
	provider := &AppKeySecretProvider{
		active: secretKey{
			material: deriveKey(key),
			keyID:    "app-key",
			version:  1,
		},
		retired: map[string]secretKey{},
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(provider)
	}
	return provider, nil
}

func NewAppKeySecretProviderFromString(key string, opts ...Option) (*AppKeySecretProvider, error) {
	return NewAppKeySecretProvider([]byte(key), opts...)
}

func (p *AppKeySecretProvider) Encrypt(_ context.Context, plaintext []byte) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("security: secret provider is nil")
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("security: plaintext is required")
	}
	gcm, err := newGCM(p.active.material)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("security: nonce generation failed: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	return encodeEnvelope(envelope{
		KeyID:      p.active.keyID,
		Version:    p.active.version,
		Algorithm:  envelopeAlgorithm,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
	})
}

func (p *AppKeySecretProvider) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("security: secret provider is nil")
	}
	parsed, err := decodeEnvelope(ciphertext)
	if err != nil {
		return nil, err
	}
	if parsed.Algorithm != "" && parsed.Algorithm != envelopeAlgorithm {
		return nil, fmt.Errorf("security: unsupported algorithm %q", parsed.Algorithm)
	}

	key, err := p.resolveKey(parsed.KeyID, parsed.Version)
	if err != nil {
		return nil, err
	}

	nonce, err := decodeBase64Field("nonce", parsed.Nonce)
	if err != nil {
		return nil, err
	}
	sealed, err := decodeBase64Field("ciphertext", parsed.Ciphertext)
	if err != nil {
		return nil, err
	}

	gcm, err := newGCM(key.material)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("security: decrypt payload: %w", err)
	}
	return plaintext, nil
}

func (p *AppKeySecretProvider) resolveKey(keyID string, version int) (secretKey, error) {
	if p.active.matches(keyID, version) {
		return p.active, nil
	}
	retiredKey, ok := p.retired[keyID]
	if !ok || !retiredKey.matches(keyID, version) {
		return secretKey{}, fmt.Errorf("security: no key for id %q version %d", keyID, version)
	}
	if !retiredKey.window.Allows(p.now()) {
		return secretKey{}, fmt.Errorf("security: retired key %q is outside its rotation window", keyID)
	}
	return retiredKey, nil
}

func (p *AppKeySecretProvider) KeyID() string {
	if p == nil {
		return ""
	}
	return p.active.keyID
}

func (p *AppKeySecretProvider) Version() int {
	if p == nil {
		return 0
	}
	return p.active.version
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("security: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("security: create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey accepts exact AES key sizes as-is and hashes anything else down
// to 32 bytes, so passphrase-style material works.
func deriveKey(value []byte) []byte {
	if len(value) == 16 || len(value) == 24 || len(value) == 32 {
		key := make([]byte, len(value))
		copy(key, value)
		return key
	}
	sum := sha256.Sum256(value)
	key := make([]byte, len(sum))
	copy(key, sum[:])
	return key
}

var _ core.SecretProvider = (*AppKeySecretProvider)(nil)
