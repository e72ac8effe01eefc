package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultTokenExpiringSoonWindow = 5 * time.Minute
	DefaultTokenRefreshLeadWindow  = 5 * time.Minute
)

// IsExpired reports whether the token lifetime has elapsed. A token with no
// expiry information counts as expired so callers re-acquire rather than
// trust it.
func (t Token) IsExpired(now time.Time) bool {
	expiresAt := t.ExpiresAt()
	if expiresAt.IsZero() {
		return true
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return !expiresAt.After(now)
}

// IsExpiringSoon reports whether the token will expire inside the window.
func (t Token) IsExpiringSoon(now time.Time, window time.Duration) bool {
	expiresAt := t.ExpiresAt()
	if expiresAt.IsZero() {
		return true
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if window <= 0 {
		window = DefaultTokenExpiringSoonWindow
	}
	return !expiresAt.After(now.Add(window))
}

// TokenFreshness captures the lifecycle flags derived from a token.
type TokenFreshness struct {
	ExpiresAt       *time.Time
	HasAccessToken  bool
	HasRefreshToken bool
	IsExpired       bool
	IsExpiringSoon  bool
}

// EnsureTokenFreshRequest resolves and conditionally refreshes a bank token.
type EnsureTokenFreshRequest struct {
	BankCode           string
	Environment        Environment
	Token              *Token
	RefreshLeadWindow  time.Duration
	ExpiringSoonWindow time.Duration
}

// EnsureTokenFreshResult returns resolved token state and refresh outcomes.
type EnsureTokenFreshResult struct {
	Record           TokenRecord
	State            TokenFreshness
	RefreshAttempted bool
	Refreshed        bool
}

// ResolveTokenFreshness evaluates expiry flags for a token.
func ResolveTokenFreshness(now time.Time, token Token, expiringSoonWindow time.Duration) TokenFreshness {
	if now.IsZero() {
		now = time.Now().UTC()
	} else {
		now = now.UTC()
	}
	if expiringSoonWindow <= 0 {
		expiringSoonWindow = DefaultTokenExpiringSoonWindow
	}

	state := TokenFreshness{
		HasAccessToken:  strings.TrimSpace(token.AccessToken) != "",
		HasRefreshToken: token.HasRefreshToken(),
	}
	expiresAt := token.ExpiresAt()
	if expiresAt.IsZero() {
		state.IsExpired = state.HasAccessToken
		state.IsExpiringSoon = state.HasAccessToken
		return state
	}
	expiresAt = expiresAt.UTC()
	state.ExpiresAt = &expiresAt
	if !expiresAt.After(now) {
		state.IsExpired = true
		state.IsExpiringSoon = true
		return state
	}
	state.IsExpiringSoon = !expiresAt.After(now.Add(expiringSoonWindow))
	return state
}

// ShouldRefreshToken returns true when a refresh should be attempted before
// the token is used against a bank endpoint.
func ShouldRefreshToken(now time.Time, state TokenFreshness, refreshLeadWindow time.Duration) bool {
	if !state.HasRefreshToken {
		return false
	}
	if !state.HasAccessToken {
		return true
	}
	if state.ExpiresAt == nil {
		return true
	}
	if refreshLeadWindow <= 0 {
		refreshLeadWindow = DefaultTokenRefreshLeadWindow
	}
	if now.IsZero() {
		now = time.Now().UTC()
	} else {
		now = now.UTC()
	}
	return !state.ExpiresAt.UTC().After(now.Add(refreshLeadWindow))
}

// IsTokenExpiringSoon applies the configured expiring-soon window to a token.
func (s *Service) IsTokenExpiringSoon(token Token) bool {
	window := time.Duration(0)
	if s != nil {
		window = s.config.Tokens.ExpiringSoonWindow
	}
	now := time.Now().UTC()
	if s != nil {
		now = s.now()
	}
	return token.IsExpiringSoon(now, window)
}

// EnsureTokenFresh resolves the stored token for a bank and refreshes it
// when it is missing, expired, or inside the refresh lead window.
func (s *Service) EnsureTokenFresh(ctx context.Context, req EnsureTokenFreshRequest) (EnsureTokenFreshResult, error) {
	if s == nil {
		return EnsureTokenFreshResult{}, fmt.Errorf("core: service is nil")
	}

	bankCode := strings.TrimSpace(req.BankCode)
	if bankCode == "" {
		return EnsureTokenFreshResult{}, s.mapError(fmt.Errorf("core: bank code is required"))
	}
	environment, err := ParseEnvironment(string(req.Environment))
	if err != nil {
		return EnsureTokenFreshResult{}, s.mapError(err)
	}

	expiringSoonWindow := req.ExpiringSoonWindow
	if expiringSoonWindow <= 0 {
		expiringSoonWindow = s.config.Tokens.ExpiringSoonWindow
	}
	refreshLeadWindow := req.RefreshLeadWindow
	if refreshLeadWindow <= 0 {
		refreshLeadWindow = s.config.Tokens.RefreshLeadWindow
	}

	record := TokenRecord{BankCode: bankCode, Environment: environment}
	if req.Token != nil {
		record.Token = *req.Token
		record.Status = TokenStatusActive
	} else {
		configuration, resolveErr := s.resolveBank(bankCode, environment)
		if resolveErr != nil {
			return EnsureTokenFreshResult{}, resolveErr
		}
		if s.tokenStore == nil {
			return EnsureTokenFreshResult{}, s.mapError(fmt.Errorf("core: token store is not configured"))
		}
		stored, loadErr := s.tokenStore.Get(ctx, TokenKey{
			ClientID:    configuration.ClientID,
			BankCode:    bankCode,
			Environment: environment,
		})
		switch {
		case loadErr == nil:
			record = stored
		case errors.Is(loadErr, ErrTokenNotFound):
			record.ClientID = configuration.ClientID
			record.Status = TokenStatusNone
		default:
			return EnsureTokenFreshResult{}, s.mapError(loadErr)
		}
	}

	now := s.now()
	state := ResolveTokenFreshness(now, record.Token, expiringSoonWindow)
	result := EnsureTokenFreshResult{
		Record: record,
		State:  state,
	}
	if !ShouldRefreshToken(now, state, refreshLeadWindow) {
		return result, nil
	}

	result.RefreshAttempted = true
	refreshResult, err := s.Refresh(ctx, RefreshTokenRequest{
		BankCode:    bankCode,
		Environment: environment,
		Token:       req.Token,
	})
	if err != nil {
		return result, err
	}

	result.Record = refreshResult.Record
	result.State = ResolveTokenFreshness(now, refreshResult.Record.Token, expiringSoonWindow)
	result.Refreshed = true
	return result, nil
}
