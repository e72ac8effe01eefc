// Package oauth2token exposes stored bank tokens as a golang.org/x/oauth2
// TokenSource, so standard oauth2 HTTP plumbing can call bank resource
// APIs with tokens the banking service keeps fresh. The source never
// refreshes on its own; every Token call goes through the service, which
// owns single-flight refresh and rotation bookkeeping.
package oauth2token

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/goliatone/go-openbanking/core"
)

// TokenEnsurer is the slice of the banking service the source depends on.
type TokenEnsurer interface {
	EnsureActiveToken(ctx context.Context, req core.EnsureActiveTokenRequest) (core.TokenRecord, error)
}

// Source adapts one bank binding to the oauth2.TokenSource contract.
// Wrap it in oauth2.ReuseTokenSource when callers hit it per request and
// the extra store read per call matters.
type Source struct {
	ctx         context.Context
	service     TokenEnsurer
	bankCode    string
	environment core.Environment
}

func NewSource(ctx context.Context, service TokenEnsurer, bankCode string, environment core.Environment) (*Source, error) {
	if service == nil {
		return nil, fmt.Errorf("oauth2token: banking service is required")
	}
	bankCode = strings.TrimSpace(bankCode)
	if bankCode == "" {
		return nil, fmt.Errorf("oauth2token: bank code is required")
	}
	if !environment.Valid() {
		return nil, fmt.Errorf("oauth2token: unknown environment %q", environment)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return &Source{
		ctx:         ctx,
		service:     service,
		bankCode:    bankCode,
		environment: environment,
	}, nil
}

// Token satisfies oauth2.TokenSource. The zero Expiry convention of
// oauth2, meaning never expires, is avoided by always carrying the
// record's expiry through.
func (s *Source) Token() (*oauth2.Token, error) {
	if s == nil || s.service == nil {
		return nil, fmt.Errorf("oauth2token: source is not configured")
	}
	record, err := s.service.EnsureActiveToken(s.ctx, core.EnsureActiveTokenRequest{
		BankCode:    s.bankCode,
		Environment: s.environment,
	})
	if err != nil {
		return nil, err
	}
	accessToken := strings.TrimSpace(record.Token.AccessToken)
	if accessToken == "" {
		return nil, fmt.Errorf("oauth2token: no active token for bank %s in %s", s.bankCode, s.environment)
	}
	tokenType := strings.TrimSpace(record.Token.TokenType)
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &oauth2.Token{
		AccessToken:  accessToken,
		TokenType:    tokenType,
		RefreshToken: record.Token.RefreshToken,
		Expiry:       record.Token.ExpiresAt(),
	}, nil
}

// HTTPClient returns a client whose transport injects the bank token on
// every request. The context bounds the transport's lifetime, matching
// oauth2.NewClient semantics.
func HTTPClient(ctx context.Context, source *Source) *http.Client {
	return oauth2.NewClient(ctx, source)
}

// StaticSource wraps an already-issued token for callers that manage
// refresh themselves, sandbox scripts mostly.
func StaticSource(token core.Token) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken:  token.AccessToken,
		TokenType:    token.TokenType,
		RefreshToken: token.RefreshToken,
		Expiry:       token.ExpiresAt(),
	})
}

var _ oauth2.TokenSource = (*Source)(nil)
