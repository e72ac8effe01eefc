package security

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/goliatone/go-openbanking/core"
)

// envelopeAlgorithmKMS tags envelopes whose ciphertext is wrapped by an
// external KMS rather than sealed locally.
const envelopeAlgorithmKMS = "kms"

type KMSEncryptRequest struct {
	KeyID      string
	KeyVersion int
	Plaintext  []byte
	Metadata   map[string]string
}

type KMSEncryptResponse struct {
	Ciphertext []byte
}

type KMSDecryptRequest struct {
	KeyID      string
	KeyVersion int
	Ciphertext []byte
	Metadata   map[string]string
}

type KMSDecryptResponse struct {
	Plaintext []byte
}

// KMSClient is the wire boundary to a cloud key service. Implementations
// wrap AWS KMS, GCP Cloud KMS, or similar; the provider never sees key
// material, only wrapped payloads.
type KMSClient interface {
	Encrypt(ctx context.Context, req KMSEncryptRequest) (KMSEncryptResponse, error)
	Decrypt(ctx context.Context, req KMSDecryptRequest) (KMSDecryptResponse, error)
}

type KMSOption func(*KMSSecretProvider)

// KMSSecretProvider seals token material by delegating to an external KMS.
// The envelope records which key and version wrapped the payload; rotation
// policy is enforced locally so retired keys stop decrypting on schedule
// even when the KMS itself would still honor them.
type KMSSecretProvider struct {
	client   KMSClient
	keys     *managedKeySet
	metadata map[string]string
}

func NewKMSSecretProvider(client KMSClient, keyID string, version int, opts ...KMSOption) (*KMSSecretProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("security: kms client is required")
	}
	keys, err := newManagedKeySet(keyID, version)
	if err != nil {
		return nil, err
	}
	provider := &KMSSecretProvider{client: client, keys: keys}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(provider)
	}
	return provider, nil
}

// WithKMSDecryptCompatibilityKey keeps a retired key readable after a
// rollover to the active one.
func WithKMSDecryptCompatibilityKey(keyID string, version int) KMSOption {
	return func(provider *KMSSecretProvider) {
		provider.keys.allowDecrypt(keyID, version)
	}
}

func WithKMSRotationWindow(keyID string, version int, window KeyRotationWindow) KMSOption {
	return func(provider *KMSSecretProvider) {
		provider.keys.setWindow(keyID, version, window)
	}
}

// WithKMSAllowAnyDecryptKey skips the local allowlist and lets the KMS
// decide which keys may decrypt. Useful when key policy is owned entirely
// by the cloud side.
func WithKMSAllowAnyDecryptKey(allow bool) KMSOption {
	return func(provider *KMSSecretProvider) {
		provider.keys.allowAnyDecrypt = allow
	}
}

// WithKMSMetadata attaches request context, bank code or tenant for
// example, that the KMS records in its own audit trail.
func WithKMSMetadata(metadata map[string]string) KMSOption {
	return func(provider *KMSSecretProvider) {
		provider.metadata = copyStringMap(metadata)
	}
}

func WithKMSClock(now func() time.Time) KMSOption {
	return func(provider *KMSSecretProvider) {
		provider.keys.setClock(now)
	}
}

func (p *KMSSecretProvider) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
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

	response, err := p.client.Encrypt(ctx, KMSEncryptRequest{
		KeyID:      ref.ID,
		KeyVersion: ref.Version,
		Plaintext:  append([]byte(nil), plaintext...),
		Metadata:   copyStringMap(p.metadata),
	})
	if err != nil {
		return nil, fmt.Errorf("security: kms encrypt: %w", err)
	}
	if len(response.Ciphertext) == 0 {
		return nil, fmt.Errorf("security: kms encrypt returned empty ciphertext")
	}
	return encodeEnvelope(envelope{
		KeyID:      ref.ID,
		Version:    ref.Version,
		Algorithm:  envelopeAlgorithmKMS,
		Ciphertext: base64.StdEncoding.EncodeToString(response.Ciphertext),
	})
}

func (p *KMSSecretProvider) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("security: secret provider is nil")
	}
	env, err := decodeEnvelope(ciphertext)
	if err != nil {
		return nil, err
	}
	if env.Algorithm != "" && env.Algorithm != envelopeAlgorithmKMS {
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
	response, err := p.client.Decrypt(ctx, KMSDecryptRequest{
		KeyID:      ref.ID,
		KeyVersion: ref.Version,
		Ciphertext: wrapped,
		Metadata:   copyStringMap(p.metadata),
	})
	if err != nil {
		return nil, fmt.Errorf("security: kms decrypt: %w", err)
	}
	if len(response.Plaintext) == 0 {
		return nil, fmt.Errorf("security: kms decrypt returned empty plaintext")
	}
	return response.Plaintext, nil
}

func (p *KMSSecretProvider) KeyID() string {
	if p == nil {
		return ""
	}
	return p.keys.active.ID
}

func (p *KMSSecretProvider) Version() int {
	if p == nil {
		return 0
	}
	return p.keys.active.Version
}

var _ core.SecretProvider = (*KMSSecretProvider)(nil)
