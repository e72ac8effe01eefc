package security

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/goliatone/go-openbanking/core"
)

// MemorySecretVault keeps named secrets in process memory. It backs
// development and tests; production deployments wrap a real store with
// EncryptedSecretVault.
type MemorySecretVault struct {
	mu    sync.RWMutex
	items map[string][]byte
}

func NewMemorySecretVault() *MemorySecretVault {
	return &MemorySecretVault{items: map[string][]byte{}}
}

func (v *MemorySecretVault) StoreSecret(_ context.Context, name string, value []byte) error {
	if v == nil {
		return fmt.Errorf("security: secret vault is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("security: secret name is required")
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	v.mu.Lock()
	defer v.mu.Unlock()
	v.items[name] = stored
	return nil
}

func (v *MemorySecretVault) RetrieveSecret(_ context.Context, name string) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("security: secret vault is nil")
	}
	name = strings.TrimSpace(name)
	v.mu.RLock()
	defer v.mu.RUnlock()
	value, ok := v.items[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrSecretNotFound, name)
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (v *MemorySecretVault) DeleteSecret(_ context.Context, name string) error {
	if v == nil {
		return fmt.Errorf("security: secret vault is nil")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.items, strings.TrimSpace(name))
	return nil
}

// EncryptedSecretVault seals every value with a SecretProvider before it
// reaches the inner vault. Values written before encryption was enabled are
// returned as-is, so enabling it is not a breaking migration.
type EncryptedSecretVault struct {
	inner    core.SecretVault
	provider core.SecretProvider
}

func NewEncryptedSecretVault(inner core.SecretVault, provider core.SecretProvider) (*EncryptedSecretVault, error) {
	if inner == nil {
		return nil, fmt.Errorf("security: inner vault is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("security: secret provider is required")
	}
	return &EncryptedSecretVault{inner: inner, provider: provider}, nil
}

func (v *EncryptedSecretVault) StoreSecret(ctx context.Context, name string, value []byte) error {
	if v == nil || v.inner == nil {
		return fmt.Errorf("security: secret vault is nil")
	}
	sealed, err := v.provider.Encrypt(ctx, value)
	if err != nil {
		return fmt.Errorf("security: seal secret %q: %w", name, err)
	}
	return v.inner.StoreSecret(ctx, name, sealed)
}

func (v *EncryptedSecretVault) RetrieveSecret(ctx context.Context, name string) ([]byte, error) {
	if v == nil || v.inner == nil {
		return nil, fmt.Errorf("security: secret vault is nil")
	}
	value, err := v.inner.RetrieveSecret(ctx, name)
	if err != nil {
		return nil, err
	}
	if !IsEnvelope(value) {
		return value, nil
	}
	plaintext, err := v.provider.Decrypt(ctx, value)
	if err != nil {
		return nil, fmt.Errorf("security: open secret %q: %w", name, err)
	}
	return plaintext, nil
}

func (v *EncryptedSecretVault) DeleteSecret(ctx context.Context, name string) error {
	if v == nil || v.inner == nil {
		return fmt.Errorf("security: secret vault is nil")
	}
	return v.inner.DeleteSecret(ctx, name)
}

var (
	_ core.SecretVault = (*MemorySecretVault)(nil)
	_ core.SecretVault = (*EncryptedSecretVault)(nil)
)
