package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goliatone/go-openbanking/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// TokenStore persists managed tokens as immutable versions. Each Save writes
// a new row and clears is_current on the one it replaces inside a single
// transaction, so a rotated refresh token and its successor never both read
// as current.
type TokenStore struct {
	db    *bun.DB
	repo  repository.Repository[*tokenRecord]
	codec payloadCodec
}

func NewTokenStore(db *bun.DB, provider core.SecretProvider) (*TokenStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*tokenRecord](db, tokenHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid token repository wiring: %w", err)
		}
	}
	return &TokenStore{
		db:    db,
		repo:  repo,
		codec: payloadCodec{provider: provider},
	}, nil
}

func (s *TokenStore) Save(ctx context.Context, record core.TokenRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: token store is not configured")
	}
	key := record.Key()
	if err := key.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		nextVersion, err := s.nextVersion(ctx, tx, key)
		if err != nil {
			return err
		}

		if _, err := tx.NewUpdate().
			Model((*tokenRecord)(nil)).
			Set("is_current = ?", false).
			Set("updated_at = ?", now).
			Where("client_id = ?", key.ClientID).
			Where("bank_code = ?", key.BankCode).
			Where("environment = ?", string(key.Environment)).
			Where("is_current = ?", true).
			Exec(ctx); err != nil {
			return err
		}

		row, err := s.codec.newTokenRecord(ctx, record, nextVersion, now)
		if err != nil {
			return err
		}
		row.ID = uuid.NewString()
		if _, err := tx.NewInsert().Model(row).Exec(ctx); err != nil {
			return err
		}
		return nil
	})
}

func (s *TokenStore) Get(ctx context.Context, key core.TokenKey) (core.TokenRecord, error) {
	if s == nil || s.db == nil {
		return core.TokenRecord{}, fmt.Errorf("sqlstore: token store is not configured")
	}
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return core.TokenRecord{}, err
	}

	record := &tokenRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.client_id = ?", key.ClientID).
		Where("?TableAlias.bank_code = ?", key.BankCode).
		Where("?TableAlias.environment = ?", string(key.Environment)).
		Where("?TableAlias.is_current = ?", true).
		OrderExpr("?TableAlias.version DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return core.TokenRecord{}, fmt.Errorf("%w: %s", core.ErrTokenNotFound, key)
		}
		return core.TokenRecord{}, err
	}
	return s.codec.tokenToDomain(ctx, record)
}

// Delete retires every version for the key. Rows stay behind for rotation
// audits; only is_current flips, so Get reports not found.
func (s *TokenStore) Delete(ctx context.Context, key core.TokenKey) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: token store is not configured")
	}
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return err
	}

	_, err := s.db.NewUpdate().
		Model((*tokenRecord)(nil)).
		Set("is_current = ?", false).
		Set("updated_at = ?", time.Now().UTC()).
		Where("client_id = ?", key.ClientID).
		Where("bank_code = ?", key.BankCode).
		Where("environment = ?", string(key.Environment)).
		Where("is_current = ?", true).
		Exec(ctx)
	return err
}

func (s *TokenStore) List(ctx context.Context) ([]core.TokenRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: token store is not configured")
	}

	rows := []*tokenRecord{}
	err := s.db.NewSelect().
		Model(&rows).
		Where("?TableAlias.is_current = ?", true).
		OrderExpr("?TableAlias.bank_code ASC").
		OrderExpr("?TableAlias.client_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}

	records := make([]core.TokenRecord, 0, len(rows))
	for _, row := range rows {
		record, convertErr := s.codec.tokenToDomain(ctx, row)
		if convertErr != nil {
			return nil, convertErr
		}
		records = append(records, record)
	}
	return records, nil
}

// VersionCount reports how many versions exist for a key, current or not.
func (s *TokenStore) VersionCount(ctx context.Context, key core.TokenKey) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: token store is not configured")
	}
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return 0, err
	}
	return s.db.NewSelect().
		Model((*tokenRecord)(nil)).
		Where("?TableAlias.client_id = ?", key.ClientID).
		Where("?TableAlias.bank_code = ?", key.BankCode).
		Where("?TableAlias.environment = ?", string(key.Environment)).
		Count(ctx)
}

func (s *TokenStore) nextVersion(ctx context.Context, tx bun.Tx, key core.TokenKey) (int, error) {
	var maxVersion int
	if err := tx.NewSelect().
		Model((*tokenRecord)(nil)).
		ColumnExpr("COALESCE(MAX(version), 0)").
		Where("?TableAlias.client_id = ?", key.ClientID).
		Where("?TableAlias.bank_code = ?", key.BankCode).
		Where("?TableAlias.environment = ?", string(key.Environment)).
		Scan(ctx, &maxVersion); err != nil {
		return 0, err
	}
	return maxVersion + 1, nil
}
