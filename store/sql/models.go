package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

// tokenRecord is one version of a managed token. Saving writes a new row and
// clears is_current on the previous one, so rotation history survives.
type tokenRecord struct {
	bun.BaseModel `bun:"table:openbanking_tokens,alias:obt"`

	ID                string         `bun:"id,pk"`
	ClientID          string         `bun:"client_id,notnull"`
	BankCode          string         `bun:"bank_code,notnull"`
	Environment       string         `bun:"environment,notnull"`
	Version           int            `bun:"version,notnull"`
	IsCurrent         bool           `bun:"is_current,notnull"`
	EncryptedPayload  []byte         `bun:"encrypted_payload,notnull"`
	TokenType         string         `bun:"token_type"`
	Scope             string         `bun:"scope"`
	ExpiresAt         *time.Time     `bun:"expires_at,nullzero"`
	Refreshable       bool           `bun:"refreshable,notnull"`
	Status            string         `bun:"status,notnull"`
	LastError         string         `bun:"last_error"`
	EncryptionKeyID   string         `bun:"encryption_key_id"`
	EncryptionVersion int            `bun:"encryption_version"`
	Metadata          map[string]any `bun:"metadata,type:jsonb,notnull"`
	CreatedAt         time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt         time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

// pendingAuthorizationRecord holds in-flight PAR state between InitiatePAR
// and the code exchange. The PKCE verifier and nonce live in the sealed
// payload, never in plain columns.
type pendingAuthorizationRecord struct {
	bun.BaseModel `bun:"table:openbanking_pending_authorizations,alias:obp"`

	ID               string         `bun:"id,pk"`
	ClientID         string         `bun:"client_id,notnull"`
	BankCode         string         `bun:"bank_code,notnull"`
	Environment      string         `bun:"environment,notnull"`
	EncryptedPayload []byte         `bun:"encrypted_payload,notnull"`
	RedirectURI      string         `bun:"redirect_uri,notnull"`
	Scope            string         `bun:"scope"`
	RequestURI       string         `bun:"request_uri"`
	ConsentID        string         `bun:"consent_id"`
	Metadata         map[string]any `bun:"metadata,type:jsonb,notnull"`
	CreatedAt        time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	ExpiresAt        time.Time      `bun:"expires_at,notnull"`
}

type consentRecord struct {
	bun.BaseModel `bun:"table:openbanking_consents,alias:obc"`

	ID              string         `bun:"id,pk"`
	ClientID        string         `bun:"client_id,notnull"`
	BankCode        string         `bun:"bank_code,notnull"`
	Environment     string         `bun:"environment,notnull"`
	RequestedScopes []string       `bun:"requested_scopes,type:jsonb,notnull"`
	GrantedScopes   []string       `bun:"granted_scopes,type:jsonb,notnull"`
	Status          string         `bun:"status,notnull"`
	Reason          string         `bun:"reason"`
	Metadata        map[string]any `bun:"metadata,type:jsonb,notnull"`
	DecidedAt       *time.Time     `bun:"decided_at,nullzero"`
	ExpiresAt       *time.Time     `bun:"expires_at,nullzero"`
	CreatedAt       time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt       time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type rateLimitStateRecord struct {
	bun.BaseModel `bun:"table:openbanking_rate_limit_states,alias:obr"`

	ID          string         `bun:"id,pk"`
	BankCode    string         `bun:"bank_code,notnull"`
	Environment string         `bun:"environment,notnull"`
	Endpoint    string         `bun:"endpoint,notnull"`
	Limit       int            `bun:"limit_total"`
	Remaining   int            `bun:"remaining"`
	ResetAt     *time.Time     `bun:"reset_at,nullzero"`
	RetryAfter  *int           `bun:"retry_after_seconds"`
	Metadata    map[string]any `bun:"metadata,type:jsonb,notnull"`
	CreatedAt   time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt   time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}
