package security

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/goliatone/go-openbanking/core"
)

// envelopeAlgorithmVault tags envelopes wrapped by a Vault transit engine.
const envelopeAlgorithmVault = "vault-transit"

type VaultEncryptRequest struct {
	KeyPath    string
	KeyVersion int
	Plaintext  []byte
	Metadata   map[string]string
}

type VaultEncryptResponse struct {
	Ciphertext []byte
}

type VaultDecryptRequest struct {
	KeyPath    string
	KeyVersion int
	Ciphertext []byte
	Metadata   map[string]string
}

type VaultDecryptResponse struct {
	Plaintext []byte
}

// VaultClient is the wire boundary to a Vault transit engine.
type VaultClient interface {
	Encrypt(ctx context.Context, req VaultEncryptRequest) (VaultEncryptResponse, error)
	Decrypt(ctx context.Context, req VaultDecryptRequest) (VaultDecryptResponse, error)
}

type VaultOption func(*VaultSecretProvider)

// VaultSecretProvider seals token material through a Vault transit key.
// It carries the same local rotation policy as the KMS provider; only the
// wire boundary differs.
type VaultSecretProvider struct {
	client   VaultClient
	keys     *managedKeySet
	metadata map[string]string
}

func NewVaultSecretProvider(client VaultClient, keyPath string, version int, opts ...VaultOption) (*VaultSecretProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("security: vault client is required")
	}
	keys, err := newManagedKeySet(keyPath, version)
	if err != nil {
		return nil, err
	}
	provider := &VaultSecretProvider{client: client, keys: keys}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(provider)
	}
	return provider, nil
}

func WithVaultDecryptCompatibilityKey(keyPath string, version int) VaultOption {
	return func(provider *VaultSecretProvider) {
		provider.keys.allowDecrypt(keyPath, version)
	}
}

func WithVaultRotationWindow(keyPath string, version int, window KeyRotationWindow) VaultOption {
	return func(provider *VaultSecretProvider) {
		provider.keys.setWindow(keyPath, version, window)
	}
}

func WithVaultAllowAnyDecryptKey(allow bool) VaultOption {
	return func(provider *VaultSecretProvider) {
		provider.keys.allowAnyDecrypt = allow
	}
}

func WithVaultMetadata(metadata map[string]string) VaultOption {
	return func(provider *VaultSecretProvider) {
		provider.metadata = copyStringMap(metadata)
	}
}

func WithVaultClock(now func() time.Time) VaultOption {
	return func(provider *VaultSecretProvider) {
		provider.keys.setClock(now)
	}
}

func (p *VaultSecretProvider) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("security: secret provider is nil")
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("security: plaintext is required")
	}
	ref, err := p.keys.sealKey()
	if err != nil {
		return nil, err
	}

	response, err := p.client.Encrypt(ctx, VaultEncryptRequest{
		KeyPath:    ref.ID,
		KeyVersion: ref.Version,
		Plaintext:  append([]byte(nil), plaintext...),
		Metadata:   copyStringMap(p.metadata),
	})
	if err != nil {
		return nil, fmt.Errorf("security: vault encrypt: %w", err)
	}
	if len(response.Ciphertext) == 0 {
		return nil, fmt.Errorf("security: vault encrypt returned empty ciphertext")
	}
	return encodeEnvelope(envelope{
		KeyID:      ref.ID,
		Version:    ref.Version,
		Algorithm:  envelopeAlgorithmVault,
		Ciphertext: base64.StdEncoding.EncodeToString(response.Ciphertext),
	})
}

func (p *VaultSecretProvider) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("security: secret provider is nil")
	}
	env, err := decodeEnvelope(ciphertext)
	if err != nil {
		return nil, err
	}
	if env.Algorithm != "" && env.Algorithm != envelopeAlgorithmVault {
		return nil, fmt.Errorf("security: unsupported algorithm %q", env.Algorithm)
	}
	ref, err := p.keys.openKey(env.KeyID, env.Version)
	if err != nil {
		return nil, err
	}

	wrapped, err := decodeBase64Field("ciphertext", env.Ciphertext)
	if err != nil {
		return nil, err
	}
	response, err := p.client.Decrypt(ctx, VaultDecryptRequest{
		KeyPath:    ref.ID,
		KeyVersion: ref.Version,
		Ciphertext: wrapped,
		Metadata:   copyStringMap(p.metadata),
	})
	if err != nil {
		return nil, fmt.Errorf("security: vault decrypt: %w", err)
	}
	if len(response.Plaintext) == 0 {
		return nil, fmt.Errorf("security: vault decrypt returned empty plaintext")
	}
	return response.Plaintext, nil
}

func (p *VaultSecretProvider) KeyID() string {
	if p == nil {
		return ""
	}
	return p.keys.active.ID
}

func (p *VaultSecretProvider) Version() int {
	if p == nil {
		return 0
	}
	return p.keys.active.Version
}

var _ core.SecretProvider = (*VaultSecretProvider)(nil)
