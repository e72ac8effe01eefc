package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/goliatone/go-openbanking/core"
	"github.com/goliatone/go-openbanking/security"
	bolt "go.etcd.io/bbolt"
)

const (
	// storeDirPerm is the permission mode for the store directory.
	storeDirPerm = fs.FileMode(0o700)

	// storeFilePerm is the permission mode for the database file. The file
	// holds token material, so group and world access stay off.
	storeFilePerm = fs.FileMode(0o600)

	// storeOpenTimeout is the maximum time to wait for the bolt file lock.
	storeOpenTimeout = 5 * time.Second
)

var tokensBucket = []byte("tokens")

// TokenStore persists managed tokens in an embedded bbolt database. It
// serves single-process deployments that have no SQL database at hand; the
// sqlstore package covers everything else.
type TokenStore struct {
	db       *bolt.DB
	provider core.SecretProvider
}

// Option configures a TokenStore.
type Option func(*TokenStore)

// WithSecretProvider seals token payloads before they reach disk. Without
// it, payloads persist as plain JSON.
func WithSecretProvider(provider core.SecretProvider) Option {
	return func(s *TokenStore) {
		s.provider = provider
	}
}

// Open opens the token database at path, creating the file and its parent
// directory if they do not exist.
func Open(path string, opts ...Option) (*TokenStore, error) {
	if path == "" {
		return nil, fmt.Errorf("boltstore: database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), storeDirPerm); err != nil {
		return nil, fmt.Errorf("boltstore: create store directory: %w", err)
	}

	db, err := bolt.Open(path, storeFilePerm, &bolt.Options{Timeout: storeOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("boltstore: open database: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(tokensBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("boltstore: initialize database: %w", err)
	}

	store := &TokenStore{db: db}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

// Close closes the database.
func (s *TokenStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// tokenEntry is the on-disk record. Token material lives in the sealed
// payload, never in the clear fields.
type tokenEntry struct {
	ClientID    string         `json:"client_id"`
	BankCode    string         `json:"bank_code"`
	Environment string         `json:"environment"`
	Payload     []byte         `json:"payload"`
	Status      string         `json:"status"`
	LastError   string         `json:"last_error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

type tokenPayload struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresIn    int       `json:"expires_in,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	IssuedAt     time.Time `json:"issued_at,omitempty"`
}

func (s *TokenStore) Save(ctx context.Context, record core.TokenRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := record.Key()
	if err := key.Validate(); err != nil {
		return err
	}

	payload, err := s.seal(ctx, record.Token)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	entry := tokenEntry{
		ClientID:    key.ClientID,
		BankCode:    key.BankCode,
		Environment: string(key.Environment),
		Payload:     payload,
		Status:      string(record.Status),
		LastError:   record.LastError,
		Metadata:    record.Metadata,
		CreatedAt:   createdAt,
		UpdatedAt:   now,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("boltstore: marshal token entry: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tokensBucket).Put([]byte(key.String()), data)
	})
}

func (s *TokenStore) Get(ctx context.Context, key core.TokenKey) (core.TokenRecord, error) {
	if err := ctx.Err(); err != nil {
		return core.TokenRecord{}, err
	}
	normalized := key.Normalize()
	if err := normalized.Validate(); err != nil {
		return core.TokenRecord{}, err
	}

	var data []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(tokensBucket).Get([]byte(normalized.String()))
		if value != nil {
			data = append([]byte(nil), value...)
		}
		return nil
	}); err != nil {
		return core.TokenRecord{}, fmt.Errorf("boltstore: load token: %w", err)
	}
	if data == nil {
		return core.TokenRecord{}, fmt.Errorf("%w: %s", core.ErrTokenNotFound, normalized.String())
	}

	return s.decodeEntry(ctx, data)
}

func (s *TokenStore) Delete(ctx context.Context, key core.TokenKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	normalized := key.Normalize()
	if err := normalized.Validate(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tokensBucket).Delete([]byte(normalized.String()))
	})
}

func (s *TokenStore) List(ctx context.Context) ([]core.TokenRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var raw [][]byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(tokensBucket).ForEach(func(_, value []byte) error {
			raw = append(raw, append([]byte(nil), value...))
			return nil
		})
	}); err != nil {
		return nil, fmt.Errorf("boltstore: list tokens: %w", err)
	}

	records := make([]core.TokenRecord, 0, len(raw))
	for _, data := range raw {
		record, err := s.decodeEntry(ctx, data)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].BankCode != records[j].BankCode {
			return records[i].BankCode < records[j].BankCode
		}
		return records[i].ClientID < records[j].ClientID
	})
	return records, nil
}

func (s *TokenStore) seal(ctx context.Context, token core.Token) ([]byte, error) {
	raw, err := json.Marshal(tokenPayload{
		AccessToken:  token.AccessToken,
		TokenType:    token.TokenType,
		ExpiresIn:    token.ExpiresIn,
		RefreshToken: token.RefreshToken,
		Scope:        token.Scope,
		IssuedAt:     token.IssuedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("boltstore: marshal token payload: %w", err)
	}
	if s.provider == nil {
		return raw, nil
	}
	sealed, err := s.provider.Encrypt(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("boltstore: seal token payload: %w", err)
	}
	return sealed, nil
}

func (s *TokenStore) decodeEntry(ctx context.Context, data []byte) (core.TokenRecord, error) {
	var entry tokenEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return core.TokenRecord{}, fmt.Errorf("boltstore: unmarshal token entry: %w", err)
	}

	payload := entry.Payload
	if security.IsEnvelope(payload) {
		if s.provider == nil {
			return core.TokenRecord{}, fmt.Errorf("boltstore: payload is sealed but no secret provider is configured")
		}
		plain, err := s.provider.Decrypt(ctx, payload)
		if err != nil {
			return core.TokenRecord{}, fmt.Errorf("boltstore: open token payload: %w", err)
		}
		payload = plain
	}
	var token tokenPayload
	if err := json.Unmarshal(payload, &token); err != nil {
		return core.TokenRecord{}, fmt.Errorf("boltstore: unmarshal token payload: %w", err)
	}

	return core.TokenRecord{
		ClientID:    entry.ClientID,
		BankCode:    entry.BankCode,
		Environment: core.Environment(entry.Environment),
		Token: core.Token{
			AccessToken:  token.AccessToken,
			TokenType:    token.TokenType,
			ExpiresIn:    token.ExpiresIn,
			RefreshToken: token.RefreshToken,
			Scope:        token.Scope,
			IssuedAt:     token.IssuedAt,
		},
		Status:    core.TokenStatus(entry.Status),
		LastError: entry.LastError,
		Metadata:  entry.Metadata,
		CreatedAt: entry.CreatedAt,
		UpdatedAt: entry.UpdatedAt,
	}, nil
}

var _ core.TokenStore = (*TokenStore)(nil)
