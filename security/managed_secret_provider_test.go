package security

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"testing"
	"time"
)

type fakeKMSClient struct {
	failEncrypt bool
	failDecrypt bool
}

func (c *fakeKMSClient) Encrypt(_ context.Context, req KMSEncryptRequest) (KMSEncryptResponse, error) {
	if c.failEncrypt {
		return KMSEncryptResponse{}, fmt.Errorf("kms unavailable")
	}
	if len(req.Plaintext) == 0 {
		return KMSEncryptResponse{}, fmt.Errorf("plaintext is required")
	}
	encoded := base64.StdEncoding.EncodeToString(req.Plaintext)
	wire := fmt.Sprintf("kms|%s|%d|%s", req.KeyID, req.KeyVersion, encoded)
	return KMSEncryptResponse{Ciphertext: []byte(wire)}, nil
}

func (c *fakeKMSClient) Decrypt(_ context.Context, req KMSDecryptRequest) (KMSDecryptResponse, error) {
	if c.failDecrypt {
		return KMSDecryptResponse{}, fmt.Errorf("kms unavailable")
	}
	parts := strings.Split(string(req.Ciphertext), "|")
	if len(parts) != 4 || parts[0] != "kms" {
		return KMSDecryptResponse{}, fmt.Errorf("invalid kms payload")
	}
	if parts[1] != req.KeyID {
		return KMSDecryptResponse{}, fmt.Errorf("kms key mismatch")
	}
	if fmt.Sprintf("%d", req.KeyVersion) != parts[2] {
		return KMSDecryptResponse{}, fmt.Errorf("kms version mismatch")
	}
	decoded, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return KMSDecryptResponse{}, err
	}
	return KMSDecryptResponse{Plaintext: decoded}, nil
}

type fakeVaultClient struct {
	failEncrypt bool
	failDecrypt bool
}

func (c *fakeVaultClient) Encrypt(_ context.Context, req VaultEncryptRequest) (VaultEncryptResponse, error) {
	if c.failEncrypt {
		return VaultEncryptResponse{}, fmt.Errorf("vault unavailable")
	}
	encoded := base64.StdEncoding.EncodeToString(req.Plaintext)
	wire := fmt.Sprintf("vault|%s|%d|%s", req.KeyPath, req.KeyVersion, encoded)
	return VaultEncryptResponse{Ciphertext: []byte(wire)}, nil
}

func (c *fakeVaultClient) Decrypt(_ context.Context, req VaultDecryptRequest) (VaultDecryptResponse, error) {
	if c.failDecrypt {
		return VaultDecryptResponse{}, fmt.Errorf("vault unavailable")
	}
	parts := strings.Split(string(req.Ciphertext), "|")
	if len(parts) != 4 || parts[0] != "vault" {
		return VaultDecryptResponse{}, fmt.Errorf("invalid vault payload")
	}
	if parts[1] != req.KeyPath {
		return VaultDecryptResponse{}, fmt.Errorf("vault path mismatch")
	}
	if fmt.Sprintf("%d", req.KeyVersion) != parts[2] {
		return VaultDecryptResponse{}, fmt.Errorf("vault version mismatch")
	}
	decoded, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return VaultDecryptResponse{}, err
	}
	return VaultDecryptResponse{Plaintext: decoded}, nil
}

func TestKMSSecretProvider_EncryptDecryptRoundTrip(t *testing.T) {
	provider, err := NewKMSSecretProvider(&fakeKMSClient{}, "kms-tokens", 3, WithKMSMetadata(map[string]string{"env": "sandbox"}))
	if err != nil {
		t.Fatalf("new kms provider: %v", err)
	}
	plaintext := []byte("rt_sealed_by_kms")
	ciphertext, err := provider.Encrypt(context.Background(), plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	metadata, err := ParseEnvelopeMetadata(ciphertext)
	if err != nil {
		t.Fatalf("parse metadata: %v", err)
	}
	if metadata.Algorithm != envelopeAlgorithmKMS || metadata.KeyID != "kms-tokens" || metadata.Version != 3 {
		t.Fatalf("unexpected metadata: %#v", metadata)
	}
	decrypted, err := provider.Decrypt(context.Background(), ciphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Fatalf("expected roundtrip plaintext")
	}
}

func TestVaultSecretProvider_EncryptDecryptRoundTrip(t *testing.T) {
	provider, err := NewVaultSecretProvider(&fakeVaultClient{}, "transit/tokens", 2)
	if err != nil {
		t.Fatalf("new vault provider: %v", err)
	}
	plaintext := []byte("rt_sealed_by_vault")
	ciphertext, err := provider.Encrypt(context.Background(), plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	metadata, err := ParseEnvelopeMetadata(ciphertext)
	if err != nil {
		t.Fatalf("parse metadata: %v", err)
	}
	if metadata.Algorithm != envelopeAlgorithmVault || metadata.KeyID != "transit/tokens" || metadata.Version != 2 {
		t.Fatalf("unexpected metadata: %#v", metadata)
	}
	decrypted, err := provider.Decrypt(context.Background(), ciphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Fatalf("expected roundtrip plaintext")
	}
}

func TestKMSSecretProvider_DecryptRequiresConfiguredKey(t *testing.T) {
	client := &fakeKMSClient{}
	sealer, err := NewKMSSecretProvider(client, "kms-tokens", 4)
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	ciphertext, err := sealer.Encrypt(context.Background(), []byte("rt_unknown_key"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	opener, err := NewKMSSecretProvider(client, "kms-tokens", 5)
	if err != nil {
		t.Fatalf("new opener: %v", err)
	}
	if _, err := opener.Decrypt(context.Background(), ciphertext); err == nil {
		t.Fatalf("expected decrypt to fail for an unlisted key version")
	}

	permissive, err := NewKMSSecretProvider(client, "kms-tokens", 5, WithKMSAllowAnyDecryptKey(true))
	if err != nil {
		t.Fatalf("new permissive opener: %v", err)
	}
	if _, err := permissive.Decrypt(context.Background(), ciphertext); err != nil {
		t.Fatalf("decrypt with allow-any policy: %v", err)
	}
}

func TestKMSSecretProvider_RotationWindowAndLegacyDecrypt(t *testing.T) {
	now := time.Date(2026, 2, 18, 12, 0, 0, 0, time.UTC)
	client := &fakeKMSClient{}
	legacyProvider, err := NewKMSSecretProvider(client, "kms-tokens", 1)
	if err != nil {
		t.Fatalf("new legacy provider: %v", err)
	}
	legacyCiphertext, err := legacyProvider.Encrypt(context.Background(), []byte("rt_legacy"))
	if err != nil {
		t.Fatalf("legacy encrypt: %v", err)
	}

	activeWindow := KeyRotationWindow{NotBefore: now.Add(-2 * time.Hour), NotAfter: now.Add(2 * time.Hour)}
	legacyWindow := KeyRotationWindow{NotBefore: now.Add(-24 * time.Hour), NotAfter: now.Add(24 * time.Hour)}
	rotatedProvider, err := NewKMSSecretProvider(
		client,
		"kms-tokens",
		2,
		WithKMSClock(func() time.Time { return now }),
		WithKMSDecryptCompatibilityKey("kms-tokens", 1),
		WithKMSRotationWindow("kms-tokens", 2, activeWindow),
		WithKMSRotationWindow("kms-tokens", 1, legacyWindow),
	)
	if err != nil {
		t.Fatalf("new rotated provider: %v", err)
	}
	decrypted, err := rotatedProvider.Decrypt(context.Background(), legacyCiphertext)
	if err != nil {
		t.Fatalf("decrypt legacy ciphertext: %v", err)
	}
	if string(decrypted) != "rt_legacy" {
		t.Fatalf("expected legacy decrypt compatibility")
	}

	closedProvider, err := NewKMSSecretProvider(
		client,
		"kms-tokens",
		2,
		WithKMSClock(func() time.Time { return now }),
		WithKMSDecryptCompatibilityKey("kms-tokens", 1),
		WithKMSRotationWindow("kms-tokens", 1, KeyRotationWindow{NotAfter: now.Add(-time.Minute)}),
	)
	if err != nil {
		t.Fatalf("new closed provider: %v", err)
	}
	if _, err := closedProvider.Decrypt(context.Background(), legacyCiphertext); err == nil {
		t.Fatalf("expected decrypt to fail when compatibility window has closed")
	}
}

func TestFailoverSecretProvider_StrictPolicyRejectsFallback(t *testing.T) {
	fallback, err := NewAppKeySecretProviderFromString("fallback-key", WithKeyID("fallback"), WithVersion(1))
	if err != nil {
		t.Fatalf("new fallback app-key provider: %v", err)
	}
	primary, err := NewKMSSecretProvider(&fakeKMSClient{failEncrypt: true}, "kms-tokens", 2)
	if err != nil {
		t.Fatalf("new kms provider: %v", err)
	}
	provider, err := NewFailoverSecretProvider(
		primary,
		WithFallbackSecretProvider(fallback),
		WithSecretProviderFailurePolicy(SecretProviderFailurePolicyStrict),
	)
	if err != nil {
		t.Fatalf("new failover provider: %v", err)
	}
	if _, err := provider.Encrypt(context.Background(), []byte("rt_secret")); err == nil {
		t.Fatalf("expected strict policy to fail without fallback execution")
	}
}

func TestFailoverSecretProvider_FallbackPolicyAndDiagnostics(t *testing.T) {
	fallback, err := NewAppKeySecretProviderFromString("fallback-key", WithKeyID("fallback"), WithVersion(7))
	if err != nil {
		t.Fatalf("new fallback app-key provider: %v", err)
	}
	primary, err := NewKMSSecretProvider(&fakeKMSClient{failEncrypt: true, failDecrypt: true}, "kms-tokens", 2)
	if err != nil {
		t.Fatalf("new kms provider: %v", err)
	}
	events := []SecretProviderDiagnostic{}
	provider, err := NewFailoverSecretProvider(
		primary,
		WithFallbackSecretProvider(fallback),
		WithSecretProviderFailurePolicy(SecretProviderFailurePolicyFallback),
		WithSecretProviderDiagnostics(func(event SecretProviderDiagnostic) {
			events = append(events, event)
		}),
	)
	if err != nil {
		t.Fatalf("new failover provider: %v", err)
	}

	ciphertext, err := provider.Encrypt(context.Background(), []byte("rt_payload"))
	if err != nil {
		t.Fatalf("encrypt with fallback policy: %v", err)
	}
	if provider.Version() != 7 {
		t.Fatalf("expected key binding to reflect fallback key after fallback encrypt, got %s:%d", provider.KeyID(), provider.Version())
	}
	decrypted, err := provider.Decrypt(context.Background(), ciphertext)
	if err != nil {
		t.Fatalf("decrypt with fallback policy: %v", err)
	}
	if string(decrypted) != "rt_payload" {
		t.Fatalf("expected fallback decrypt payload")
	}
	if len(events) < 2 {
		t.Fatalf("expected diagnostic events for fallback flow")
	}
}

func TestFailoverSecretProvider_Migration_AppKeyToKMS(t *testing.T) {
	legacy, err := NewAppKeySecretProviderFromString("legacy-key", WithKeyID("app-v1"), WithVersion(1))
	if err != nil {
		t.Fatalf("new legacy provider: %v", err)
	}
	kmsProvider, err := NewKMSSecretProvider(&fakeKMSClient{}, "kms-tokens", 5)
	if err != nil {
		t.Fatalf("new kms provider: %v", err)
	}
	provider, err := NewFailoverSecretProvider(
		kmsProvider,
		WithFallbackSecretProvider(legacy),
		WithSecretProviderFailurePolicy(SecretProviderFailurePolicyFallback),
	)
	if err != nil {
		t.Fatalf("new migration provider: %v", err)
	}

	legacyCiphertext, err := legacy.Encrypt(context.Background(), []byte("rt_pre_migration"))
	if err != nil {
		t.Fatalf("legacy encrypt: %v", err)
	}
	legacyDecrypted, err := provider.Decrypt(context.Background(), legacyCiphertext)
	if err != nil {
		t.Fatalf("migration decrypt legacy payload: %v", err)
	}
	if string(legacyDecrypted) != "rt_pre_migration" {
		t.Fatalf("expected migration decrypt to recover legacy payload")
	}

	newCiphertext, err := provider.Encrypt(context.Background(), []byte("rt_post_migration"))
	if err != nil {
		t.Fatalf("migration encrypt new payload: %v", err)
	}
	metadata, err := ParseEnvelopeMetadata(newCiphertext)
	if err != nil {
		t.Fatalf("parse metadata: %v", err)
	}
	if metadata.Algorithm != envelopeAlgorithmKMS {
		t.Fatalf("expected new encryptions to use kms algorithm")
	}
}

func TestFailoverSecretProvider_Migration_AppKeyToVault(t *testing.T) {
	legacy, err := NewAppKeySecretProviderFromString("legacy-key", WithKeyID("app-v1"), WithVersion(1))
	if err != nil {
		t.Fatalf("new legacy provider: %v", err)
	}
	vaultProvider, err := NewVaultSecretProvider(&fakeVaultClient{}, "transit/tokens", 9)
	if err != nil {
		t.Fatalf("new vault provider: %v", err)
	}
	provider, err := NewFailoverSecretProvider(
		vaultProvider,
		WithFallbackSecretProvider(legacy),
		WithSecretProviderFailurePolicy(SecretProviderFailurePolicyFallback),
	)
	if err != nil {
		t.Fatalf("new migration provider: %v", err)
	}
	legacyCiphertext, err := legacy.Encrypt(context.Background(), []byte("rt_pre_migration"))
	if err != nil {
		t.Fatalf("legacy encrypt: %v", err)
	}
	if _, err := provider.Decrypt(context.Background(), legacyCiphertext); err != nil {
		t.Fatalf("vault migration decrypt legacy payload: %v", err)
	}
	newCiphertext, err := provider.Encrypt(context.Background(), []byte("rt_post_migration"))
	if err != nil {
		t.Fatalf("vault migration encrypt new payload: %v", err)
	}
	metadata, err := ParseEnvelopeMetadata(newCiphertext)
	if err != nil {
		t.Fatalf("parse metadata: %v", err)
	}
	if metadata.Algorithm != envelopeAlgorithmVault {
		t.Fatalf("expected new encryptions to use vault algorithm")
	}
}
