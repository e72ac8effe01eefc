package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/goliatone/go-openbanking/core"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

const tokenCacheKeyPrefix = "go-openbanking::token::v1"

// CachedTokenStore fronts a persistent token store with a cache. Every
// freshness probe reads the current token, so Get is the hot path; Save and
// Delete write through and invalidate.
type CachedTokenStore struct {
	base  core.TokenStore
	cache repositorycache.CacheService
}

func NewCachedTokenStore(base core.TokenStore, cacheService repositorycache.CacheService) (*CachedTokenStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base token store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: token cache service is required")
	}
	return &CachedTokenStore{base: base, cache: cacheService}, nil
}

// TokenCacheKey returns the deterministic cache key contract for token
// reads: go-openbanking::token::v1::<client>::<bank>::<environment> with
// each segment URL-path escaped after key normalization.
func TokenCacheKey(key core.TokenKey) (string, error) {
	normalized := key.Normalize()
	if err := normalized.Validate(); err != nil {
		return "", err
	}
	segments := []string{
		normalized.ClientID,
		normalized.BankCode,
		string(normalized.Environment),
	}
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return strings.Join(append([]string{tokenCacheKeyPrefix}, segments...), "::"), nil
}

func (s *CachedTokenStore) Save(ctx context.Context, record core.TokenRecord) error {
	if s == nil || s.base == nil || s.cache == nil {
		return fmt.Errorf("sqlstore: cached token store is not configured")
	}
	if err := s.base.Save(ctx, record); err != nil {
		return err
	}
	return s.invalidate(ctx, record.Key())
}

func (s *CachedTokenStore) Get(ctx context.Context, key core.TokenKey) (core.TokenRecord, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.TokenRecord{}, fmt.Errorf("sqlstore: cached token store is not configured")
	}
	normalized := key.Normalize()
	cacheKey, err := TokenCacheKey(normalized)
	if err != nil {
		return core.TokenRecord{}, err
	}
	return repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(ctx context.Context) (core.TokenRecord, error) {
		return s.base.Get(ctx, normalized)
	})
}

func (s *CachedTokenStore) Delete(ctx context.Context, key core.TokenKey) error {
	if s == nil || s.base == nil || s.cache == nil {
		return fmt.Errorf("sqlstore: cached token store is not configured")
	}
	if err := s.base.Delete(ctx, key); err != nil {
		return err
	}
	return s.invalidate(ctx, key)
}

// List always reads through to the base store. The refresh sweep is the
// only caller and it must see every key, not a cached subset.
func (s *CachedTokenStore) List(ctx context.Context) ([]core.TokenRecord, error) {
	if s == nil || s.base == nil {
		return nil, fmt.Errorf("sqlstore: cached token store is not configured")
	}
	return s.base.List(ctx)
}

func (s *CachedTokenStore) invalidate(ctx context.Context, key core.TokenKey) error {
	cacheKey, err := TokenCacheKey(key)
	if err != nil {
		return err
	}
	return s.cache.Delete(ctx, cacheKey)
}

var _ core.TokenStore = (*CachedTokenStore)(nil)
