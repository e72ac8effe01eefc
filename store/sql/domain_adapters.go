package sqlstore

import (
	"context"
	"time"

	"github.com/goliatone/go-openbanking/core"
)

func (c payloadCodec) newTokenRecord(ctx context.Context, in core.TokenRecord, version int, now time.Time) (*tokenRecord, error) {
	payload, err := c.seal(ctx, tokenPayload{
		AccessToken:  in.Token.AccessToken,
		TokenType:    in.Token.TokenType,
		ExpiresIn:    in.Token.ExpiresIn,
		RefreshToken: in.Token.RefreshToken,
		Scope:        in.Token.Scope,
		IssuedAt:     in.Token.IssuedAt,
	})
	if err != nil {
		return nil, err
	}
	keyID, keyVersion := c.encryptionIdentity()

	key := in.Key()
	record := &tokenRecord{
		ClientID:          key.ClientID,
		BankCode:          key.BankCode,
		Environment:       string(key.Environment),
		Version:           version,
		IsCurrent:         true,
		EncryptedPayload:  payload,
		TokenType:         in.Token.TokenType,
		Scope:             in.Token.Scope,
		Refreshable:       in.Token.HasRefreshToken(),
		Status:            string(in.Status),
		LastError:         in.LastError,
		EncryptionKeyID:   keyID,
		EncryptionVersion: keyVersion,
		Metadata:          copyAnyMap(in.Metadata),
		CreatedAt:         in.CreatedAt,
		UpdatedAt:         now,
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if expiresAt := in.Token.ExpiresAt(); !expiresAt.IsZero() {
		value := expiresAt.UTC()
		record.ExpiresAt = &value
	}
	return record, nil
}

func (c payloadCodec) tokenToDomain(ctx context.Context, r *tokenRecord) (core.TokenRecord, error) {
	if r == nil {
		return core.TokenRecord{}, nil
	}
	payload := tokenPayload{}
	if err := c.open(ctx, r.EncryptedPayload, &payload); err != nil {
		return core.TokenRecord{}, err
	}
	return core.TokenRecord{
		ClientID:    r.ClientID,
		BankCode:    r.BankCode,
		Environment: core.Environment(r.Environment),
		Token: core.Token{
			AccessToken:  payload.AccessToken,
			TokenType:    payload.TokenType,
			ExpiresIn:    payload.ExpiresIn,
			RefreshToken: payload.RefreshToken,
			Scope:        payload.Scope,
			IssuedAt:     payload.IssuedAt,
		},
		Status:    core.TokenStatus(r.Status),
		LastError: r.LastError,
		Metadata:  copyAnyMap(r.Metadata),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}, nil
}

func (c payloadCodec) newPendingAuthorizationRecord(ctx context.Context, in core.PendingAuthorization, now time.Time) (*pendingAuthorizationRecord, error) {
	payload, err := c.seal(ctx, pendingPayload{
		Verifier:  in.Verifier,
		Challenge: in.Challenge,
		State:     in.State,
		Nonce:     in.Nonce,
	})
	if err != nil {
		return nil, err
	}

	key := in.Key()
	record := &pendingAuthorizationRecord{
		ClientID:         key.ClientID,
		BankCode:         key.BankCode,
		Environment:      string(key.Environment),
		EncryptedPayload: payload,
		RedirectURI:      in.RedirectURI,
		Scope:            in.Scope,
		RequestURI:       in.RequestURI,
		ConsentID:        in.ConsentID,
		Metadata:         copyAnyMap(in.Metadata),
		CreatedAt:        in.CreatedAt,
		ExpiresAt:        in.ExpiresAt.UTC(),
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	return record, nil
}

func (c payloadCodec) pendingToDomain(ctx context.Context, r *pendingAuthorizationRecord) (core.PendingAuthorization, error) {
	if r == nil {
		return core.PendingAuthorization{}, nil
	}
	payload := pendingPayload{}
	if err := c.open(ctx, r.EncryptedPayload, &payload); err != nil {
		return core.PendingAuthorization{}, err
	}
	return core.PendingAuthorization{
		ClientID:    r.ClientID,
		BankCode:    r.BankCode,
		Environment: core.Environment(r.Environment),
		Verifier:    payload.Verifier,
		Challenge:   payload.Challenge,
		State:       payload.State,
		Nonce:       payload.Nonce,
		RedirectURI: r.RedirectURI,
		Scope:       r.Scope,
		RequestURI:  r.RequestURI,
		ConsentID:   r.ConsentID,
		Metadata:    copyAnyMap(r.Metadata),
		CreatedAt:   r.CreatedAt,
		ExpiresAt:   r.ExpiresAt,
	}, nil
}

func newConsentRecord(in core.ConsentRecord, now time.Time) *consentRecord {
	record := &consentRecord{
		ID:              in.ID,
		ClientID:        in.ClientID,
		BankCode:        in.BankCode,
		Environment:     string(in.Environment),
		RequestedScopes: append([]string(nil), in.RequestedScopes...),
		GrantedScopes:   append([]string(nil), in.GrantedScopes...),
		Status:          string(in.Status),
		Reason:          in.Reason,
		Metadata:        RedactMetadata(in.Metadata),
		CreatedAt:       in.CreatedAt,
		UpdatedAt:       now,
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if in.DecidedAt != nil {
		value := in.DecidedAt.UTC()
		record.DecidedAt = &value
	}
	if in.ExpiresAt != nil {
		value := in.ExpiresAt.UTC()
		record.ExpiresAt = &value
	}
	return record
}

func (r *consentRecord) toDomain() core.ConsentRecord {
	if r == nil {
		return core.ConsentRecord{}
	}
	record := core.ConsentRecord{
		ID:              r.ID,
		ClientID:        r.ClientID,
		BankCode:        r.BankCode,
		Environment:     core.Environment(r.Environment),
		RequestedScopes: append([]string(nil), r.RequestedScopes...),
		GrantedScopes:   append([]string(nil), r.GrantedScopes...),
		Status:          core.ConsentStatus(r.Status),
		Reason:          r.Reason,
		Metadata:        copyAnyMap(r.Metadata),
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.DecidedAt != nil {
		value := *r.DecidedAt
		record.DecidedAt = &value
	}
	if r.ExpiresAt != nil {
		value := *r.ExpiresAt
		record.ExpiresAt = &value
	}
	return record
}

func copyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
