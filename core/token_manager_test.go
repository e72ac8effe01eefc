package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func managerTestKey() TokenKey {
	return TokenKey{
		ClientID:    "client_1",
		BankCode:    "mockbank",
		Environment: EnvironmentSandbox,
	}
}

func activeManagerRecord(issuedAt time.Time) TokenRecord {
	return TokenRecord{
		ClientID:    "client_1",
		BankCode:    "mockbank",
		Environment: EnvironmentSandbox,
		Token: Token{
			AccessToken:  "access_1",
			TokenType:    "Bearer",
			ExpiresIn:    3600,
			RefreshToken: "refresh_1",
			IssuedAt:     issuedAt,
		},
		Status: TokenStatusActive,
	}
}

func TestTokenManagerEnsureActive_ReturnsFreshTokenWithoutRefresh(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryTokenStore()
	manager := NewTokenManager(store, 5*time.Minute)

	if err := store.Save(ctx, activeManagerRecord(time.Now().UTC())); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	refreshCalls := 0
	record, err := manager.EnsureActive(ctx, managerTestKey(), func(context.Context, TokenRecord) (TokenRecord, error) {
		refreshCalls++
		return TokenRecord{}, fmt.Errorf("refresh should not run")
	})
	if err != nil {
		t.Fatalf("ensure active: %v", err)
	}
	if refreshCalls != 0 {
		t.Fatalf("expected no refresh for a fresh token, got %d", refreshCalls)
	}
	if record.Token.AccessToken != "access_1" {
		t.Fatalf("unexpected access token %q", record.Token.AccessToken)
	}
}

func TestTokenManagerEnsureActive_RefreshesExpiringToken(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryTokenStore()
	manager := NewTokenManager(store, 5*time.Minute)

	// Issued 59 minutes ago with a one hour lifetime: inside the window.
	if err := store.Save(ctx, activeManagerRecord(time.Now().UTC().Add(-59*time.Minute))); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	record, err := manager.EnsureActive(ctx, managerTestKey(), func(_ context.Context, current TokenRecord) (TokenRecord, error) {
		next := current
		next.Token.AccessToken = "access_2"
		next.Token.IssuedAt = time.Now().UTC()
		if err := store.Save(ctx, next); err != nil {
			return TokenRecord{}, err
		}
		return next, nil
	})
	if err != nil {
		t.Fatalf("ensure active: %v", err)
	}
	if record.Token.AccessToken != "access_2" {
		t.Fatalf("expected refreshed token, got %q", record.Token.AccessToken)
	}
}

func TestTokenManagerEnsureActive_MissingRecordPassesEmptyToRefresh(t *testing.T) {
	ctx := context.Background()
	manager := NewTokenManager(NewMemoryTokenStore(), 5*time.Minute)

	var observed TokenRecord
	_, err := manager.EnsureActive(ctx, managerTestKey(), func(_ context.Context, current TokenRecord) (TokenRecord, error) {
		observed = current
		return current, nil
	})
	if err != nil {
		t.Fatalf("ensure active: %v", err)
	}
	if observed.Status != TokenStatusNone {
		t.Fatalf("expected an empty record with status none, got %q", observed.Status)
	}
	if observed.BankCode != "mockbank" {
		t.Fatalf("expected the key to be copied onto the empty record, got %q", observed.BankCode)
	}
}

func TestTokenManagerEnsureActive_CoalescesConcurrentRefreshes(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryTokenStore()
	manager := NewTokenManager(store, 5*time.Minute)

	if err := store.Save(ctx, activeManagerRecord(time.Now().UTC().Add(-59*time.Minute))); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	var refreshCalls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	refresh := func(_ context.Context, current TokenRecord) (TokenRecord, error) {
		refreshCalls.Add(1)
		once.Do(func() { close(started) })
		<-release
		next := current
		next.Token.AccessToken = "access_2"
		next.Token.IssuedAt = time.Now().UTC()
		if err := store.Save(ctx, next); err != nil {
			return TokenRecord{}, err
		}
		return next, nil
	}

	const callers = 16
	records := make([]TokenRecord, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			records[i], errs[i] = manager.EnsureActive(ctx, managerTestKey(), refresh)
		}(i)
	}

	<-started
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if records[i].Token.AccessToken != "access_2" {
			t.Fatalf("caller %d got access token %q", i, records[i].Token.AccessToken)
		}
	}
	if calls := refreshCalls.Load(); calls != 1 {
		t.Fatalf("expected exactly one refresh, got %d", calls)
	}
}

func TestTokenManagerEnsureActive_ValidatesInputs(t *testing.T) {
	manager := NewTokenManager(NewMemoryTokenStore(), 5*time.Minute)

	if _, err := manager.EnsureActive(context.Background(), TokenKey{}, func(_ context.Context, current TokenRecord) (TokenRecord, error) {
		return current, nil
	}); err == nil {
		t.Fatalf("expected an invalid key to be rejected")
	}
	if _, err := manager.EnsureActive(context.Background(), managerTestKey(), nil); err == nil {
		t.Fatalf("expected a nil refresh function to be rejected")
	}
}

func TestMemoryTokenStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryTokenStore()

	record := activeManagerRecord(time.Now().UTC())
	if err := store.Save(ctx, record); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := store.Get(ctx, managerTestKey())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.Token.AccessToken != "access_1" {
		t.Fatalf("unexpected access token %q", loaded.Token.AccessToken)
	}
	if loaded.CreatedAt.IsZero() || loaded.UpdatedAt.IsZero() {
		t.Fatalf("expected timestamps to be filled")
	}

	records, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}

	if err := store.Delete(ctx, managerTestKey()); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, managerTestKey()); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound, got %v", err)
	}
}
