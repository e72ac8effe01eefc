package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrConsentNotFound                = errors.New("core: consent not found")
	ErrInvalidConsentStatusTransition = errors.New("core: invalid consent status transition")
)

type ConsentStatus string

const (
	ConsentStatusPending    ConsentStatus = "pending"
	ConsentStatusAuthorized ConsentStatus = "authorized"
	ConsentStatusRejected   ConsentStatus = "rejected"
	ConsentStatusRevoked    ConsentStatus = "revoked"
	ConsentStatusExpired    ConsentStatus = "expired"
)

// ConsentRecord tracks what the account holder agreed to for one client at
// one bank. It is created pending at PAR initiation and decided when the
// authorization code is exchanged.
type ConsentRecord struct {
	ID              string
	ClientID        string
	BankCode        string
	Environment     Environment
	RequestedScopes []string
	GrantedScopes   []string
	Status          ConsentStatus
	Reason          string
	Metadata        map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
	DecidedAt       *time.Time
	ExpiresAt       *time.Time
}

func (r *ConsentRecord) TransitionTo(status ConsentStatus, reason string, now time.Time) error {
	if r == nil {
		return nil
	}
	if r.Status == status {
		r.UpdatedAt = now
		if strings.TrimSpace(reason) != "" {
			r.Reason = strings.TrimSpace(reason)
		}
		return nil
	}
	if !consentTransitionAllowed(r.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidConsentStatusTransition, r.Status, status)
	}
	r.Status = status
	r.UpdatedAt = now
	if strings.TrimSpace(reason) != "" {
		r.Reason = strings.TrimSpace(reason)
	}
	switch status {
	case ConsentStatusAuthorized, ConsentStatusRejected:
		decidedAt := now
		r.DecidedAt = &decidedAt
	}
	return nil
}

func consentTransitionAllowed(current, next ConsentStatus) bool {
	if current == "" {
		current = ConsentStatusPending
	}
	allowed := map[ConsentStatus]map[ConsentStatus]struct{}{
		ConsentStatusPending: {
			ConsentStatusAuthorized: {},
			ConsentStatusRejected:   {},
			ConsentStatusExpired:    {},
		},
		ConsentStatusAuthorized: {
			ConsentStatusRevoked: {},
			ConsentStatusExpired: {},
		},
	}
	_, ok := allowed[current][next]
	return ok
}

type ConsentStore interface {
	Save(ctx context.Context, record ConsentRecord) (ConsentRecord, error)
	Get(ctx context.Context, id string) (ConsentRecord, error)
	UpdateStatus(ctx context.Context, id string, status ConsentStatus, reason string) (ConsentRecord, error)
	ListByBank(ctx context.Context, bankCode string, environment Environment) ([]ConsentRecord, error)
}

type MemoryConsentStore struct {
	mu      sync.Mutex
	entries map[string]ConsentRecord
}

func NewMemoryConsentStore() *MemoryConsentStore {
	return &MemoryConsentStore{entries: map[string]ConsentRecord{}}
}

func (s *MemoryConsentStore) Save(_ context.Context, record ConsentRecord) (ConsentRecord, error) {
	if s == nil {
		return ConsentRecord{}, fmt.Errorf("core: consent store is not configured")
	}

	now := time.Now().UTC()
	if strings.TrimSpace(record.ID) == "" {
		record.ID = uuid.NewString()
	}
	if record.Status == "" {
		record.Status = ConsentStatusPending
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	s.mu.Lock()
	s.entries[record.ID] = cloneConsentRecord(record)
	s.mu.Unlock()

	return cloneConsentRecord(record), nil
}

func (s *MemoryConsentStore) Get(_ context.Context, id string) (ConsentRecord, error) {
	if s == nil {
		return ConsentRecord{}, fmt.Errorf("core: consent store is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return ConsentRecord{}, fmt.Errorf("core: consent id is required")
	}

	s.mu.Lock()
	record, ok := s.entries[id]
	s.mu.Unlock()

	if !ok {
		return ConsentRecord{}, fmt.Errorf("%w: %s", ErrConsentNotFound, id)
	}
	return cloneConsentRecord(record), nil
}

func (s *MemoryConsentStore) UpdateStatus(ctx context.Context, id string, status ConsentStatus, reason string) (ConsentRecord, error) {
	if s == nil {
		return ConsentRecord{}, fmt.Errorf("core: consent store is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return ConsentRecord{}, fmt.Errorf("core: consent id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.entries[id]
	if !ok {
		return ConsentRecord{}, fmt.Errorf("%w: %s", ErrConsentNotFound, id)
	}
	if err := record.TransitionTo(status, reason, time.Now().UTC()); err != nil {
		return ConsentRecord{}, err
	}
	s.entries[id] = cloneConsentRecord(record)
	return cloneConsentRecord(record), nil
}

func (s *MemoryConsentStore) ListByBank(_ context.Context, bankCode string, environment Environment) ([]ConsentRecord, error) {
	if s == nil {
		return nil, fmt.Errorf("core: consent store is not configured")
	}
	bankCode = strings.TrimSpace(bankCode)

	s.mu.Lock()
	records := make([]ConsentRecord, 0, len(s.entries))
	for _, record := range s.entries {
		if bankCode != "" && !strings.EqualFold(record.BankCode, bankCode) {
			continue
		}
		if environment != "" && record.Environment != environment {
			continue
		}
		records = append(records, cloneConsentRecord(record))
	}
	s.mu.Unlock()

	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

var _ ConsentStore = (*MemoryConsentStore)(nil)

func cloneConsentRecord(record ConsentRecord) ConsentRecord {
	cloned := record
	cloned.RequestedScopes = append([]string(nil), record.RequestedScopes...)
	cloned.GrantedScopes = append([]string(nil), record.GrantedScopes...)
	if record.Metadata == nil {
		cloned.Metadata = map[string]any{}
	} else {
		cloned.Metadata = copyAnyMap(record.Metadata)
	}
	if record.DecidedAt != nil {
		decidedAt := *record.DecidedAt
		cloned.DecidedAt = &decidedAt
	}
	if record.ExpiresAt != nil {
		expiresAt := *record.ExpiresAt
		cloned.ExpiresAt = &expiresAt
	}
	return cloned
}
