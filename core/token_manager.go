package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// TokenStore persists managed tokens so a restarted process can resume an
// authorized session instead of forcing re-authorization.
type TokenStore interface {
	Save(ctx context.Context, record TokenRecord) error
	Get(ctx context.Context, key TokenKey) (TokenRecord, error)
	Delete(ctx context.Context, key TokenKey) error
	List(ctx context.Context) ([]TokenRecord, error)
}

// RefreshFunc produces a replacement token record for a key. It owns
// persistence and state transitions; the manager only guards concurrency.
type RefreshFunc func(ctx context.Context, current TokenRecord) (TokenRecord, error)

// TokenManager coalesces concurrent refreshes per key so a rotating
// refresh token is never spent twice. Callers that race on the same key
// while a refresh is in flight all observe that single flight's outcome.
type TokenManager struct {
	store  TokenStore
	window time.Duration
	group  singleflight.Group
	nowFn  func() time.Time
}

func NewTokenManager(store TokenStore, expiringSoonWindow time.Duration) *TokenManager {
	if expiringSoonWindow <= 0 {
		expiringSoonWindow = DefaultTokenExpiringSoonWindow
	}
	return &TokenManager{
		store:  store,
		window: expiringSoonWindow,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

func (m *TokenManager) Get(ctx context.Context, key TokenKey) (TokenRecord, error) {
	if m == nil || m.store == nil {
		return TokenRecord{}, fmt.Errorf("core: token manager is not configured")
	}
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return TokenRecord{}, err
	}
	return m.store.Get(ctx, key)
}

func (m *TokenManager) Invalidate(ctx context.Context, key TokenKey) error {
	if m == nil || m.store == nil {
		return fmt.Errorf("core: token manager is not configured")
	}
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return err
	}
	return m.store.Delete(ctx, key)
}

// EnsureActive returns the stored token when it is active and outside the
// expiring-soon window, and otherwise runs refresh exactly once per key no
// matter how many callers arrive while it is in flight.
func (m *TokenManager) EnsureActive(ctx context.Context, key TokenKey, refresh RefreshFunc) (TokenRecord, error) {
	if m == nil {
		return TokenRecord{}, fmt.Errorf("core: token manager is not configured")
	}
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return TokenRecord{}, err
	}
	if refresh == nil {
		return TokenRecord{}, fmt.Errorf("core: refresh function is required")
	}

	record, err := m.lookup(ctx, key)
	if err != nil {
		return TokenRecord{}, err
	}
	if m.isFresh(record) {
		return record, nil
	}

	value, err, _ := m.group.Do(key.String(), func() (any, error) {
		current, lookupErr := m.lookup(ctx, key)
		if lookupErr != nil {
			return TokenRecord{}, lookupErr
		}
		if m.isFresh(current) {
			return current, nil
		}
		refreshed, refreshErr := refresh(ctx, current)
		if refreshErr != nil {
			return TokenRecord{}, refreshErr
		}
		return refreshed, nil
	})
	if err != nil {
		return TokenRecord{}, err
	}
	refreshed, ok := value.(TokenRecord)
	if !ok {
		return TokenRecord{}, fmt.Errorf("core: unexpected token manager result type %T", value)
	}
	return refreshed, nil
}

// Refresh runs the refresh unconditionally. Concurrent callers on the same
// key still share one flight so the rotating refresh token is spent once.
func (m *TokenManager) Refresh(ctx context.Context, key TokenKey, refresh RefreshFunc) (TokenRecord, error) {
	if m == nil {
		return TokenRecord{}, fmt.Errorf("core: token manager is not configured")
	}
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return TokenRecord{}, err
	}
	if refresh == nil {
		return TokenRecord{}, fmt.Errorf("core: refresh function is required")
	}

	value, err, _ := m.group.Do(key.String(), func() (any, error) {
		current, lookupErr := m.lookup(ctx, key)
		if lookupErr != nil {
			return TokenRecord{}, lookupErr
		}
		refreshed, refreshErr := refresh(ctx, current)
		if refreshErr != nil {
			return TokenRecord{}, refreshErr
		}
		return refreshed, nil
	})
	if err != nil {
		return TokenRecord{}, err
	}
	refreshed, ok := value.(TokenRecord)
	if !ok {
		return TokenRecord{}, fmt.Errorf("core: unexpected token manager result type %T", value)
	}
	return refreshed, nil
}

func (m *TokenManager) lookup(ctx context.Context, key TokenKey) (TokenRecord, error) {
	empty := TokenRecord{
		ClientID:    key.ClientID,
		BankCode:    key.BankCode,
		Environment: key.Environment,
		Status:      TokenStatusNone,
	}
	if m.store == nil {
		return empty, nil
	}
	record, err := m.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return empty, nil
		}
		return TokenRecord{}, err
	}
	return record, nil
}

func (m *TokenManager) isFresh(record TokenRecord) bool {
	if record.Status != TokenStatusActive {
		return false
	}
	return !record.Token.IsExpiringSoon(m.now(), m.window)
}

func (m *TokenManager) now() time.Time {
	if m == nil || m.nowFn == nil {
		return time.Now().UTC()
	}
	return m.nowFn().UTC()
}

type MemoryTokenStore struct {
	mu      sync.Mutex
	entries map[string]TokenRecord
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{entries: map[string]TokenRecord{}}
}

func (s *MemoryTokenStore) Save(_ context.Context, record TokenRecord) error {
	if s == nil {
		return fmt.Errorf("core: token store is not configured")
	}
	key := record.Key()
	if err := key.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	s.mu.Lock()
	s.entries[key.String()] = cloneTokenRecord(record)
	s.mu.Unlock()

	return nil
}

func (s *MemoryTokenStore) Get(_ context.Context, key TokenKey) (TokenRecord, error) {
	if s == nil {
		return TokenRecord{}, fmt.Errorf("core: token store is not configured")
	}
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return TokenRecord{}, err
	}

	s.mu.Lock()
	record, ok := s.entries[key.String()]
	s.mu.Unlock()

	if !ok {
		return TokenRecord{}, fmt.Errorf("%w: %s", ErrTokenNotFound, key)
	}
	return cloneTokenRecord(record), nil
}

func (s *MemoryTokenStore) Delete(_ context.Context, key TokenKey) error {
	if s == nil {
		return fmt.Errorf("core: token store is not configured")
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

func (s *MemoryTokenStore) List(_ context.Context) ([]TokenRecord, error) {
	if s == nil {
		return nil, fmt.Errorf("core: token store is not configured")
	}

	s.mu.Lock()
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	records := make([]TokenRecord, 0, len(keys))
	sort.Strings(keys)
	for _, key := range keys {
		records = append(records, cloneTokenRecord(s.entries[key]))
	}
	s.mu.Unlock()

	return records, nil
}

var _ TokenStore = (*MemoryTokenStore)(nil)

func cloneTokenRecord(record TokenRecord) TokenRecord {
	cloned := record
	if record.Metadata == nil {
		cloned.Metadata = map[string]any{}
	} else {
		cloned.Metadata = copyAnyMap(record.Metadata)
	}
	return cloned
}
