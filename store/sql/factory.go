package sqlstore

import (
	"fmt"

	"github.com/goliatone/go-openbanking/core"
	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/uptrace/bun"
)

// RepositoryFactory builds the SQL-backed stores over one bun handle. An
// optional secret provider seals token and PKCE payloads at rest.
type RepositoryFactory struct {
	db       *bun.DB
	provider core.SecretProvider

	tokenStore                *TokenStore
	pendingAuthorizationStore *PendingAuthorizationStore
	consentStore              *ConsentStore
	rateLimitStateStore       *RateLimitStateStore
}

type FactoryOption func(*RepositoryFactory)

// WithSecretProvider seals token and PKCE payload columns through the
// provider. Without it, payloads persist as plain JSON.
func WithSecretProvider(provider core.SecretProvider) FactoryOption {
	return func(factory *RepositoryFactory) {
		factory.provider = provider
	}
}

func NewRepositoryFactory(opts ...FactoryOption) *RepositoryFactory {
	factory := &RepositoryFactory{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(factory)
	}
	return factory
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client, opts ...FactoryOption) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(opts...)
	if _, err := factory.BuildStores(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB, opts ...FactoryOption) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(opts...)
	if _, err := factory.BuildStores(db); err != nil {
		return nil, err
	}
	return factory, nil
}

func (f *RepositoryFactory) BuildStores(persistenceClient any) (core.StoreProvider, error) {
	if f == nil {
		return nil, fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return nil, err
		}
		f.db = db
	}
	if f.tokenStore != nil && f.consentStore != nil {
		return f, nil
	}
	if err := f.initStores(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *RepositoryFactory) TokenStore() core.TokenStore {
	if f == nil {
		return nil
	}
	return f.tokenStore
}

func (f *RepositoryFactory) PendingAuthorizationStore() core.PendingAuthorizationStore {
	if f == nil {
		return nil
	}
	return f.pendingAuthorizationStore
}

func (f *RepositoryFactory) ConsentStore() core.ConsentStore {
	if f == nil {
		return nil
	}
	return f.consentStore
}

func (f *RepositoryFactory) RateLimitStateStore() *RateLimitStateStore {
	if f == nil {
		return nil
	}
	return f.rateLimitStateStore
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) initStores() error {
	tokenStore, err := NewTokenStore(f.db, f.provider)
	if err != nil {
		return err
	}
	f.tokenStore = tokenStore

	pendingStore, err := NewPendingAuthorizationStore(f.db, f.provider)
	if err != nil {
		return err
	}
	f.pendingAuthorizationStore = pendingStore

	consentStore, err := NewConsentStore(f.db)
	if err != nil {
		return err
	}
	f.consentStore = consentStore

	rateLimitStateStore, err := NewRateLimitStateStore(f.db)
	if err != nil {
		return err
	}
	f.rateLimitStateStore = rateLimitStateStore

	return nil
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
