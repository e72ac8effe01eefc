package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/goliatone/go-openbanking/core"
	"github.com/goliatone/go-openbanking/security"
)

// tokenPayload is the sealed portion of a token row.
type tokenPayload struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresIn    int       `json:"expires_in,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	IssuedAt     time.Time `json:"issued_at,omitempty"`
}

// pendingPayload is the sealed portion of a pending authorization row. The
// PKCE verifier can redeem an authorization code, so it never hits a plain
// column.
type pendingPayload struct {
	Verifier  string `json:"verifier"`
	Challenge string `json:"challenge,omitempty"`
	State     string `json:"state,omitempty"`
	Nonce     string `json:"nonce,omitempty"`
}

// payloadCodec marshals sensitive row material and seals it through a
// secret provider when one is configured. Reads accept both sealed and
// plain payloads, so enabling encryption later is not a breaking migration.
type payloadCodec struct {
	provider core.SecretProvider
}

func (c payloadCodec) seal(ctx context.Context, value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: encode payload: %w", err)
	}
	if c.provider == nil {
		return data, nil
	}
	sealed, err := c.provider.Encrypt(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: seal payload: %w", err)
	}
	return sealed, nil
}

func (c payloadCodec) open(ctx context.Context, payload []byte, target any) error {
	if len(payload) == 0 {
		return fmt.Errorf("sqlstore: payload is empty")
	}
	if security.IsEnvelope(payload) {
		if c.provider == nil {
			return fmt.Errorf("sqlstore: payload is sealed but no secret provider is configured")
		}
		opened, err := c.provider.Decrypt(ctx, payload)
		if err != nil {
			return fmt.Errorf("sqlstore: open payload: %w", err)
		}
		payload = opened
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("sqlstore: decode payload: %w", err)
	}
	return nil
}

// encryptionIdentity reports the provider's key binding for the bookkeeping
// columns. Providers without key identity report zero values.
func (c payloadCodec) encryptionIdentity() (string, int) {
	type keyed interface {
		KeyID() string
		Version() int
	}
	if identified, ok := c.provider.(keyed); ok {
		return identified.KeyID(), identified.Version()
	}
	return "", 0
}
