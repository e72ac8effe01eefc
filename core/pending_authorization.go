package core

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"
)

const defaultPendingAuthorizationTTL = 10 * time.Minute

// PendingAuthorization holds the PKCE verifier and request binding between
// pushing the authorization request and exchanging the code. The verifier
// is written before the PAR call goes out so a crash after send cannot
// lose it, and cleared only once the exchange succeeds.
type PendingAuthorization struct {
	ClientID    string
	BankCode    string
	Environment Environment
	Verifier    string
	Challenge   string
	State       string
	Nonce       string
	RedirectURI string
	Scope       string
	RequestURI  string
	ConsentID   string
	Metadata    map[string]any
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

func (p PendingAuthorization) Key() TokenKey {
	return TokenKey{
		ClientID:    p.ClientID,
		BankCode:    p.BankCode,
		Environment: p.Environment,
	}.Normalize()
}

type PendingAuthorizationStore interface {
	Save(ctx context.Context, record PendingAuthorization) error
	Get(ctx context.Context, key TokenKey) (PendingAuthorization, error)
	Delete(ctx context.Context, key TokenKey) error
}

type MemoryPendingAuthorizationStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]PendingAuthorization
}

func NewMemoryPendingAuthorizationStore(ttl time.Duration) *MemoryPendingAuthorizationStore {
	if ttl <= 0 {
		ttl = defaultPendingAuthorizationTTL
	}
	return &MemoryPendingAuthorizationStore{
		ttl:     ttl,
		entries: map[string]PendingAuthorization{},
	}
}

func (s *MemoryPendingAuthorizationStore) Save(_ context.Context, record PendingAuthorization) error {
	if s == nil {
		return fmt.Errorf("core: pending authorization store is not configured")
	}
	key := record.Key()
	if err := key.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.ExpiresAt.IsZero() {
		record.ExpiresAt = record.CreatedAt.Add(s.ttl)
	}

	s.mu.Lock()
	s.entries[key.String()] = clonePendingAuthorization(record)
	s.mu.Unlock()

	return nil
}

func (s *MemoryPendingAuthorizationStore) Get(_ context.Context, key TokenKey) (PendingAuthorization, error) {
	if s == nil {
		return PendingAuthorization{}, fmt.Errorf("core: pending authorization store is not configured")
	}
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return PendingAuthorization{}, err
	}

	s.mu.Lock()
	record, ok := s.entries[key.String()]
	if ok && !record.ExpiresAt.IsZero() && time.Now().UTC().After(record.ExpiresAt) {
		delete(s.entries, key.String())
		ok = false
	}
	s.mu.Unlock()

	if !ok {
		return PendingAuthorization{}, fmt.Errorf("%w: %s", ErrPendingAuthorizationNotFound, key)
	}
	return clonePendingAuthorization(record), nil
}

func (s *MemoryPendingAuthorizationStore) Delete(_ context.Context, key TokenKey) error {
	if s == nil {
		return fmt.Errorf("core: pending authorization store is not configured")
	}
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.entries, key.String())
	s.mu.Unlock()

	return nil
}

var _ PendingAuthorizationStore = (*MemoryPendingAuthorizationStore)(nil)

func generateStateValue() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("core: generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func generateNonce() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("core: generate nonce: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func clonePendingAuthorization(record PendingAuthorization) PendingAuthorization {
	cloned := record
	if record.Metadata == nil {
		cloned.Metadata = map[string]any{}
	} else {
		cloned.Metadata = copyAnyMap(record.Metadata)
	}
	return cloned
}

func copyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
