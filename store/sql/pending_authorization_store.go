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

// PendingAuthorizationStore keeps one in-flight PAR request per token key.
// Saving replaces the previous attempt; reads past the expiry behave as a
// miss and clean the row up.
type PendingAuthorizationStore struct {
	db    *bun.DB
	repo  repository.Repository[*pendingAuthorizationRecord]
	codec payloadCodec
	ttl   time.Duration
}

const defaultPendingRowTTL = 10 * time.Minute

func NewPendingAuthorizationStore(db *bun.DB, provider core.SecretProvider) (*PendingAuthorizationStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*pendingAuthorizationRecord](db, pendingAuthorizationHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid pending authorization repository wiring: %w", err)
		}
	}
	return &PendingAuthorizationStore{
		db:    db,
		repo:  repo,
		codec: payloadCodec{provider: provider},
		ttl:   defaultPendingRowTTL,
	}, nil
}

func (s *PendingAuthorizationStore) Save(ctx context.Context, record core.PendingAuthorization) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: pending authorization store is not configured")
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

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().
			Model((*pendingAuthorizationRecord)(nil)).
			Where("client_id = ?", key.ClientID).
			Where("bank_code = ?", key.BankCode).
			Where("environment = ?", string(key.Environment)).
			Exec(ctx); err != nil {
			return err
		}

		row, err := s.codec.newPendingAuthorizationRecord(ctx, record, now)
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

func (s *PendingAuthorizationStore) Get(ctx context.Context, key core.TokenKey) (core.PendingAuthorization, error) {
	if s == nil || s.db == nil {
		return core.PendingAuthorization{}, fmt.Errorf("sqlstore: pending authorization store is not configured")
	}
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return core.PendingAuthorization{}, err
	}

	record := &pendingAuthorizationRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.client_id = ?", key.ClientID).
		Where("?TableAlias.bank_code = ?", key.BankCode).
		Where("?TableAlias.environment = ?", string(key.Environment)).
		OrderExpr("?TableAlias.created_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return core.PendingAuthorization{}, fmt.Errorf("%w: %s", core.ErrPendingAuthorizationNotFound, key)
		}
		return core.PendingAuthorization{}, err
	}

	if !record.ExpiresAt.IsZero() && time.Now().UTC().After(record.ExpiresAt) {
		if deleteErr := s.Delete(ctx, key); deleteErr != nil {
			return core.PendingAuthorization{}, deleteErr
		}
		return core.PendingAuthorization{}, fmt.Errorf("%w: %s", core.ErrPendingAuthorizationNotFound, key)
	}

	return s.codec.pendingToDomain(ctx, record)
}

func (s *PendingAuthorizationStore) Delete(ctx context.Context, key core.TokenKey) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: pending authorization store is not configured")
	}
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return err
	}

	_, err := s.db.NewDelete().
		Model((*pendingAuthorizationRecord)(nil)).
		Where("client_id = ?", key.ClientID).
		Where("bank_code = ?", key.BankCode).
		Where("environment = ?", string(key.Environment)).
		Exec(ctx)
	return err
}

// PurgeExpired removes rows whose window has lapsed and reports how many
// went away. The refresh sweep calls this so abandoned PAR attempts do not
// accumulate.
func (s *PendingAuthorizationStore) PurgeExpired(ctx context.Context) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: pending authorization store is not configured")
	}

	result, err := s.db.NewDelete().
		Model((*pendingAuthorizationRecord)(nil)).
		Where("expires_at < ?", time.Now().UTC()).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(affected), nil
}
