package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-openbanking/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// ConsentStore persists account-holder consent records. Status changes go
// through the domain transition rules, so a revoked consent can never read
// back as authorized.
type ConsentStore struct {
	db   *bun.DB
	repo repository.Repository[*consentRecord]
}

func NewConsentStore(db *bun.DB) (*ConsentStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*consentRecord](db, consentHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid consent repository wiring: %w", err)
		}
	}
	return &ConsentStore{db: db, repo: repo}, nil
}

func (s *ConsentStore) Save(ctx context.Context, record core.ConsentRecord) (core.ConsentRecord, error) {
	if s == nil || s.db == nil {
		return core.ConsentRecord{}, fmt.Errorf("sqlstore: consent store is not configured")
	}

	now := time.Now().UTC()
	if strings.TrimSpace(record.ID) == "" {
		record.ID = uuid.NewString()
	}
	if record.Status == "" {
		record.Status = core.ConsentStatusPending
	}

	row := newConsentRecord(record, now)
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		existing, findErr := findConsentTx(ctx, tx, row.ID)
		if findErr != nil {
			return findErr
		}
		if existing == nil {
			_, insertErr := tx.NewInsert().Model(row).Exec(ctx)
			return insertErr
		}
		row.CreatedAt = existing.CreatedAt
		_, updateErr := tx.NewUpdate().
			Model(row).
			Where("id = ?", row.ID).
			Exec(ctx)
		return updateErr
	})
	if err != nil {
		return core.ConsentRecord{}, err
	}
	return row.toDomain(), nil
}

func (s *ConsentStore) Get(ctx context.Context, id string) (core.ConsentRecord, error) {
	if s == nil || s.db == nil {
		return core.ConsentRecord{}, fmt.Errorf("sqlstore: consent store is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return core.ConsentRecord{}, fmt.Errorf("sqlstore: consent id is required")
	}

	record := &consentRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return core.ConsentRecord{}, fmt.Errorf("%w: %s", core.ErrConsentNotFound, id)
		}
		return core.ConsentRecord{}, err
	}
	return record.toDomain(), nil
}

func (s *ConsentStore) UpdateStatus(ctx context.Context, id string, status core.ConsentStatus, reason string) (core.ConsentRecord, error) {
	if s == nil || s.db == nil {
		return core.ConsentRecord{}, fmt.Errorf("sqlstore: consent store is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return core.ConsentRecord{}, fmt.Errorf("sqlstore: consent id is required")
	}
	now := time.Now().UTC()

	var updated core.ConsentRecord
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		existing, findErr := findConsentTx(ctx, tx, id)
		if findErr != nil {
			return findErr
		}
		if existing == nil {
			return fmt.Errorf("%w: %s", core.ErrConsentNotFound, id)
		}

		domainRecord := existing.toDomain()
		if transitionErr := domainRecord.TransitionTo(status, reason, now); transitionErr != nil {
			return transitionErr
		}

		row := newConsentRecord(domainRecord, now)
		row.CreatedAt = existing.CreatedAt
		if _, updateErr := tx.NewUpdate().
			Model(row).
			Where("id = ?", row.ID).
			Exec(ctx); updateErr != nil {
			return updateErr
		}
		updated = row.toDomain()
		return nil
	})
	if err != nil {
		return core.ConsentRecord{}, err
	}
	return updated, nil
}

func (s *ConsentStore) ListByBank(ctx context.Context, bankCode string, environment core.Environment) ([]core.ConsentRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: consent store is not configured")
	}

	rows := []*consentRecord{}
	query := s.db.NewSelect().Model(&rows)
	if trimmed := strings.TrimSpace(bankCode); trimmed != "" {
		query = query.Where("LOWER(?TableAlias.bank_code) = ?", strings.ToLower(trimmed))
	}
	if environment != "" {
		query = query.Where("?TableAlias.environment = ?", string(environment))
	}
	if err := query.
		OrderExpr("?TableAlias.created_at ASC").
		OrderExpr("?TableAlias.id ASC").
		Scan(ctx); err != nil {
		return nil, err
	}

	records := make([]core.ConsentRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.toDomain())
	}
	return records, nil
}

func findConsentTx(ctx context.Context, tx bun.Tx, id string) (*consentRecord, error) {
	record := &consentRecord{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}
