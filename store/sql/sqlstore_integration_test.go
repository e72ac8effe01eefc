package sqlstore_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/goliatone/go-openbanking/core"
	"github.com/goliatone/go-openbanking/migrations"
	"github.com/goliatone/go-openbanking/ratelimit"
	"github.com/goliatone/go-openbanking/security"
	sqlstore "github.com/goliatone/go-openbanking/store/sql"
	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

type testPersistenceConfig struct {
	driver string
	server string
}

func (c testPersistenceConfig) GetDebug() bool {
	return false
}

func (c testPersistenceConfig) GetDriver() string {
	return c.driver
}

func (c testPersistenceConfig) GetServer() string {
	return c.server
}

func (c testPersistenceConfig) GetPingTimeout() time.Duration {
	return time.Second
}

func (c testPersistenceConfig) GetOtelIdentifier() string {
	return "go-openbanking-tests"
}

func TestMigrationSmokeApplySQLite(t *testing.T) {
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	var tableName string
	if err := client.DB().NewRaw(
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?",
		"openbanking_tokens",
	).Scan(context.Background(), &tableName); err != nil {
		t.Fatalf("query sqlite master: %v", err)
	}
	if tableName != "openbanking_tokens" {
		t.Fatalf("expected openbanking_tokens table, got %q", tableName)
	}
}

func TestTokenStore_RotationSupersedesPreviousVersion(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}
	tokenStore := factory.TokenStore()
	if tokenStore == nil {
		t.Fatalf("expected token store from factory")
	}

	issuedAt := time.Now().UTC().Truncate(time.Second)
	if err := tokenStore.Save(ctx, core.TokenRecord{
		ClientID:    "client-app",
		BankCode:    "MockBank",
		Environment: core.EnvironmentSandbox,
		Token: core.Token{
			AccessToken:  "access-v1",
			TokenType:    "Bearer",
			ExpiresIn:    3600,
			RefreshToken: "refresh-v1",
			Scope:        "accounts payments",
			IssuedAt:     issuedAt,
		},
		Status: core.TokenStatusActive,
	}); err != nil {
		t.Fatalf("save first token version: %v", err)
	}

	if err := tokenStore.Save(ctx, core.TokenRecord{
		ClientID:    "client-app",
		BankCode:    "mockbank",
		Environment: core.EnvironmentSandbox,
		Token: core.Token{
			AccessToken:  "access-v2",
			TokenType:    "Bearer",
			ExpiresIn:    3600,
			RefreshToken: "refresh-v2",
			Scope:        "accounts payments",
			IssuedAt:     issuedAt.Add(time.Hour),
		},
		Status: core.TokenStatusActive,
	}); err != nil {
		t.Fatalf("save rotated token version: %v", err)
	}

	key := core.TokenKey{ClientID: "client-app", BankCode: "mockbank", Environment: core.EnvironmentSandbox}
	current, err := tokenStore.Get(ctx, key)
	if err != nil {
		t.Fatalf("get current token: %v", err)
	}
	if current.Token.AccessToken != "access-v2" {
		t.Fatalf("expected rotated access token, got %q", current.Token.AccessToken)
	}
	if current.Token.RefreshToken != "refresh-v2" {
		t.Fatalf("expected rotated refresh token, got %q", current.Token.RefreshToken)
	}

	var totalRows int
	if err := client.DB().NewRaw(
		"SELECT COUNT(*) FROM openbanking_tokens WHERE client_id = ? AND bank_code = ?",
		"client-app",
		"mockbank",
	).Scan(ctx, &totalRows); err != nil {
		t.Fatalf("count token versions: %v", err)
	}
	if totalRows != 2 {
		t.Fatalf("expected 2 retained token versions, got %d", totalRows)
	}

	var currentRows int
	if err := client.DB().NewRaw(
		"SELECT COUNT(*) FROM openbanking_tokens WHERE client_id = ? AND bank_code = ? AND is_current = 1",
		"client-app",
		"mockbank",
	).Scan(ctx, &currentRows); err != nil {
		t.Fatalf("count current token rows: %v", err)
	}
	if currentRows != 1 {
		t.Fatalf("expected exactly 1 current token row, got %d", currentRows)
	}
}

func TestTokenStore_DeleteRetainsVersionHistory(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	tokenStore, err := sqlstore.NewTokenStore(client.DB(), nil)
	if err != nil {
		t.Fatalf("new token store: %v", err)
	}

	key := core.TokenKey{ClientID: "client-app", BankCode: "mockbank", Environment: core.EnvironmentSandbox}
	for i := 1; i <= 2; i++ {
		if err := tokenStore.Save(ctx, core.TokenRecord{
			ClientID:    key.ClientID,
			BankCode:    key.BankCode,
			Environment: key.Environment,
			Token: core.Token{
				AccessToken: fmt.Sprintf("access-v%d", i),
				TokenType:   "Bearer",
				ExpiresIn:   3600,
				IssuedAt:    time.Now().UTC(),
			},
			Status: core.TokenStatusActive,
		}); err != nil {
			t.Fatalf("save token version %d: %v", i, err)
		}
	}

	versions, err := tokenStore.VersionCount(ctx, key)
	if err != nil {
		t.Fatalf("count versions: %v", err)
	}
	if versions != 2 {
		t.Fatalf("expected 2 versions before delete, got %d", versions)
	}

	if err := tokenStore.Delete(ctx, key); err != nil {
		t.Fatalf("delete token: %v", err)
	}

	if _, err := tokenStore.Get(ctx, key); !errors.Is(err, core.ErrTokenNotFound) {
		t.Fatalf("expected token not found after delete, got %v", err)
	}

	var retained int
	if err := client.DB().NewRaw(
		"SELECT COUNT(*) FROM openbanking_tokens WHERE client_id = ? AND bank_code = ?",
		key.ClientID,
		key.BankCode,
	).Scan(ctx, &retained); err != nil {
		t.Fatalf("count retained rows: %v", err)
	}
	if retained != 2 {
		t.Fatalf("expected version rows retained after delete, got %d", retained)
	}
}

func TestTokenStore_SealsPayloadAtRest(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	provider, err := security.NewAppKeySecretProvider([]byte("integration-test-key-material"))
	if err != nil {
		t.Fatalf("new secret provider: %v", err)
	}
	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client, sqlstore.WithSecretProvider(provider))
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}

	if err := factory.TokenStore().Save(ctx, core.TokenRecord{
		ClientID:    "client-app",
		BankCode:    "mockbank",
		Environment: core.EnvironmentSandbox,
		Token: core.Token{
			AccessToken:  "plain-access-token",
			TokenType:    "Bearer",
			ExpiresIn:    3600,
			RefreshToken: "plain-refresh-token",
			IssuedAt:     time.Now().UTC(),
		},
		Status: core.TokenStatusActive,
	}); err != nil {
		t.Fatalf("save sealed token: %v", err)
	}

	var payload []byte
	if err := client.DB().NewRaw(
		"SELECT encrypted_payload FROM openbanking_tokens WHERE is_current = 1 LIMIT 1",
	).Scan(ctx, &payload); err != nil {
		t.Fatalf("load stored payload: %v", err)
	}
	if strings.Contains(string(payload), "plain-access-token") {
		t.Fatalf("expected token material sealed at rest")
	}
	if !security.IsEnvelope(payload) {
		t.Fatalf("expected stored payload to carry the envelope prefix")
	}

	key := core.TokenKey{ClientID: "client-app", BankCode: "mockbank", Environment: core.EnvironmentSandbox}
	loaded, err := factory.TokenStore().Get(ctx, key)
	if err != nil {
		t.Fatalf("get sealed token: %v", err)
	}
	if loaded.Token.AccessToken != "plain-access-token" {
		t.Fatalf("expected decrypted access token round trip, got %q", loaded.Token.AccessToken)
	}
	if loaded.Token.RefreshToken != "plain-refresh-token" {
		t.Fatalf("expected decrypted refresh token round trip, got %q", loaded.Token.RefreshToken)
	}
}

func TestPendingAuthorizationStore_ReplacesAttemptPerKey(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}
	pendingStore := factory.PendingAuthorizationStore()

	first := core.PendingAuthorization{
		ClientID:    "client-app",
		BankCode:    "mockbank",
		Environment: core.EnvironmentSandbox,
		Verifier:    "verifier-one",
		Challenge:   "challenge-one",
		State:       "state-one",
		Nonce:       "nonce-one",
		RedirectURI: "https://client.example.com/callback",
		Scope:       "accounts",
		ExpiresAt:   time.Now().UTC().Add(10 * time.Minute),
	}
	if err := pendingStore.Save(ctx, first); err != nil {
		t.Fatalf("save first attempt: %v", err)
	}

	second := first
	second.Verifier = "verifier-two"
	second.State = "state-two"
	if err := pendingStore.Save(ctx, second); err != nil {
		t.Fatalf("save replacement attempt: %v", err)
	}

	loaded, err := pendingStore.Get(ctx, first.Key())
	if err != nil {
		t.Fatalf("get pending authorization: %v", err)
	}
	if loaded.Verifier != "verifier-two" {
		t.Fatalf("expected replacement verifier, got %q", loaded.Verifier)
	}
	if loaded.State != "state-two" {
		t.Fatalf("expected replacement state, got %q", loaded.State)
	}

	var rows int
	if err := client.DB().NewRaw(
		"SELECT COUNT(*) FROM openbanking_pending_authorizations WHERE client_id = ?",
		"client-app",
	).Scan(ctx, &rows); err != nil {
		t.Fatalf("count pending rows: %v", err)
	}
	if rows != 1 {
		t.Fatalf("expected single pending row per key, got %d", rows)
	}
}

func TestPendingAuthorizationStore_ExpiredAttemptReadsAsMissing(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	pendingStore, err := sqlstore.NewPendingAuthorizationStore(client.DB(), nil)
	if err != nil {
		t.Fatalf("new pending authorization store: %v", err)
	}

	expired := core.PendingAuthorization{
		ClientID:    "client-app",
		BankCode:    "mockbank",
		Environment: core.EnvironmentSandbox,
		Verifier:    "verifier-expired",
		State:       "state-expired",
		RedirectURI: "https://client.example.com/callback",
		CreatedAt:   time.Now().UTC().Add(-20 * time.Minute),
		ExpiresAt:   time.Now().UTC().Add(-10 * time.Minute),
	}
	if err := pendingStore.Save(ctx, expired); err != nil {
		t.Fatalf("save expired attempt: %v", err)
	}

	if _, err := pendingStore.Get(ctx, expired.Key()); !errors.Is(err, core.ErrPendingAuthorizationNotFound) {
		t.Fatalf("expected expired attempt to read as missing, got %v", err)
	}

	var rows int
	if err := client.DB().NewRaw(
		"SELECT COUNT(*) FROM openbanking_pending_authorizations WHERE client_id = ?",
		"client-app",
	).Scan(ctx, &rows); err != nil {
		t.Fatalf("count pending rows after expiry read: %v", err)
	}
	if rows != 0 {
		t.Fatalf("expected expired row removed on read, got %d rows", rows)
	}

	fresh := expired
	fresh.BankCode = "modelbank"
	fresh.CreatedAt = time.Now().UTC()
	fresh.ExpiresAt = time.Now().UTC().Add(10 * time.Minute)
	if err := pendingStore.Save(ctx, fresh); err != nil {
		t.Fatalf("save fresh attempt: %v", err)
	}
	stale := expired
	stale.BankCode = "thirdbank"
	if err := pendingStore.Save(ctx, stale); err != nil {
		t.Fatalf("save stale attempt: %v", err)
	}

	purged, err := pendingStore.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("purge expired attempts: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged attempt, got %d", purged)
	}
	if _, err := pendingStore.Get(ctx, fresh.Key()); err != nil {
		t.Fatalf("expected fresh attempt to survive purge: %v", err)
	}
}

func TestConsentStore_LifecycleTransitionsAndListing(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}
	consentStore := factory.ConsentStore()

	created, err := consentStore.Save(ctx, core.ConsentRecord{
		ClientID:        "client-app",
		BankCode:        "mockbank",
		Environment:     core.EnvironmentSandbox,
		RequestedScopes: []string{"accounts", "payments"},
	})
	if err != nil {
		t.Fatalf("save consent: %v", err)
	}
	if created.ID == "" {
		t.Fatalf("expected assigned consent id")
	}
	if created.Status != core.ConsentStatusPending {
		t.Fatalf("expected pending status on create, got %q", created.Status)
	}

	if _, err := consentStore.UpdateStatus(ctx, created.ID, core.ConsentStatusRevoked, "premature"); !errors.Is(err, core.ErrInvalidConsentStatusTransition) {
		t.Fatalf("expected invalid transition pending->revoked, got %v", err)
	}

	authorized, err := consentStore.UpdateStatus(ctx, created.ID, core.ConsentStatusAuthorized, "")
	if err != nil {
		t.Fatalf("authorize consent: %v", err)
	}
	if authorized.Status != core.ConsentStatusAuthorized {
		t.Fatalf("expected authorized status, got %q", authorized.Status)
	}
	if authorized.DecidedAt == nil {
		t.Fatalf("expected decided timestamp after authorization")
	}

	if _, err := consentStore.Save(ctx, core.ConsentRecord{
		ClientID:        "client-app",
		BankCode:        "mockbank",
		Environment:     core.EnvironmentSandbox,
		RequestedScopes: []string{"accounts"},
	}); err != nil {
		t.Fatalf("save second consent: %v", err)
	}

	listed, err := consentStore.ListByBank(ctx, "MOCKBANK", core.EnvironmentSandbox)
	if err != nil {
		t.Fatalf("list consents by bank: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 consents for bank, got %d", len(listed))
	}

	if _, err := consentStore.Get(ctx, "missing-consent"); !errors.Is(err, core.ErrConsentNotFound) {
		t.Fatalf("expected consent not found, got %v", err)
	}
}

func TestConsentStore_RedactsSensitiveMetadata(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	consentStore, err := sqlstore.NewConsentStore(client.DB())
	if err != nil {
		t.Fatalf("new consent store: %v", err)
	}

	created, err := consentStore.Save(ctx, core.ConsentRecord{
		ClientID:        "client-app",
		BankCode:        "mockbank",
		Environment:     core.EnvironmentSandbox,
		RequestedScopes: []string{"accounts"},
		Metadata: map[string]any{
			"access_token": "plain-token",
			"channel":      "mobile",
		},
	})
	if err != nil {
		t.Fatalf("save consent: %v", err)
	}

	var storedMetadata string
	if err := client.DB().NewRaw(
		"SELECT metadata FROM openbanking_consents WHERE id = ?",
		created.ID,
	).Scan(ctx, &storedMetadata); err != nil {
		t.Fatalf("load consent metadata: %v", err)
	}
	if strings.Contains(storedMetadata, "plain-token") {
		t.Fatalf("expected redacted consent metadata")
	}
	if !strings.Contains(storedMetadata, "[REDACTED]") {
		t.Fatalf("expected redaction marker in consent metadata")
	}
	if !strings.Contains(storedMetadata, "mobile") {
		t.Fatalf("expected non-sensitive metadata preserved")
	}
}

func TestRateLimitStateStore_PersistsBucketBookkeeping(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	stateStore, err := sqlstore.NewRateLimitStateStore(client.DB())
	if err != nil {
		t.Fatalf("new rate limit state store: %v", err)
	}

	key := core.RateLimitKey{BankCode: "mockbank", Environment: "sandbox", Endpoint: "token"}
	if _, err := stateStore.Get(ctx, key); !errors.Is(err, ratelimit.ErrStateNotFound) {
		t.Fatalf("expected missing state sentinel, got %v", err)
	}

	resetAt := time.Now().UTC().Add(time.Minute).Truncate(time.Second)
	throttledUntil := time.Now().UTC().Add(30 * time.Second).Truncate(time.Second)
	lastRefill := time.Now().UTC().Truncate(time.Second)
	retryAfter := 30 * time.Second
	if err := stateStore.Upsert(ctx, ratelimit.State{
		Key:            key,
		Limit:          300,
		Remaining:      12,
		ResetAt:        &resetAt,
		RetryAfter:     &retryAfter,
		ThrottledUntil: &throttledUntil,
		Tokens:         42.5,
		LastRefillAt:   &lastRefill,
		LastStatus:     429,
		Attempts:       3,
		Metadata:       map[string]any{"source": "integration-test"},
	}); err != nil {
		t.Fatalf("upsert rate limit state: %v", err)
	}

	loaded, err := stateStore.Get(ctx, key)
	if err != nil {
		t.Fatalf("get rate limit state: %v", err)
	}
	if loaded.Limit != 300 || loaded.Remaining != 12 {
		t.Fatalf("expected budget round trip, got limit=%d remaining=%d", loaded.Limit, loaded.Remaining)
	}
	if loaded.Tokens != 42.5 {
		t.Fatalf("expected bucket tokens round trip, got %v", loaded.Tokens)
	}
	if loaded.LastRefillAt == nil || !loaded.LastRefillAt.Equal(lastRefill) {
		t.Fatalf("expected last refill round trip, got %v", loaded.LastRefillAt)
	}
	if loaded.LastStatus != 429 || loaded.Attempts != 3 {
		t.Fatalf("expected throttle bookkeeping round trip, got status=%d attempts=%d", loaded.LastStatus, loaded.Attempts)
	}
	if loaded.ThrottledUntil == nil || !loaded.ThrottledUntil.Equal(throttledUntil) {
		t.Fatalf("expected throttled-until round trip, got %v", loaded.ThrottledUntil)
	}
	if loaded.RetryAfter == nil || *loaded.RetryAfter != retryAfter {
		t.Fatalf("expected retry-after round trip, got %v", loaded.RetryAfter)
	}

	loaded.Remaining = 11
	loaded.Attempts = 0
	loaded.ThrottledUntil = nil
	if err := stateStore.Upsert(ctx, loaded); err != nil {
		t.Fatalf("upsert updated state: %v", err)
	}
	updated, err := stateStore.Get(ctx, key)
	if err != nil {
		t.Fatalf("get updated state: %v", err)
	}
	if updated.Remaining != 11 {
		t.Fatalf("expected updated remaining, got %d", updated.Remaining)
	}
	if updated.ThrottledUntil != nil {
		t.Fatalf("expected cleared throttle window, got %v", updated.ThrottledUntil)
	}

	var rows int
	if err := client.DB().NewRaw(
		"SELECT COUNT(*) FROM openbanking_rate_limit_states WHERE bank_code = ? AND endpoint = ?",
		"mockbank",
		"token",
	).Scan(ctx, &rows); err != nil {
		t.Fatalf("count state rows: %v", err)
	}
	if rows != 1 {
		t.Fatalf("expected single state row per key, got %d", rows)
	}
}

func newSQLiteClient(t *testing.T) (*persistence.Client, func()) {
	t.Helper()

	dsn := fmt.Sprintf(
		"file:openbanking-test-%d?mode=memory&cache=shared&_foreign_keys=on",
		time.Now().UnixNano(),
	)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	cfg := testPersistenceConfig{
		driver: "sqlite3",
		server: dsn,
	}
	client, err := persistence.New(cfg, sqlDB, sqlitedialect.New())
	if err != nil {
		_ = sqlDB.Close()
		t.Fatalf("new persistence client: %v", err)
	}

	ctx := context.Background()
	_, err = migrations.Register(ctx, func(_ context.Context, dialect string, _ string, fsys fs.FS) error {
		if dialect != migrations.DialectSQLite {
			return nil
		}
		client.RegisterSQLMigrations(fsys)
		return nil
	}, migrations.WithValidationTargets(migrations.DialectSQLite))
	if err != nil {
		_ = client.Close()
		t.Fatalf("register migrations: %v", err)
	}
	if err := client.Migrate(ctx); err != nil {
		_ = client.Close()
		t.Fatalf("migrate: %v", err)
	}

	return client, func() {
		_ = client.Close()
	}
}
