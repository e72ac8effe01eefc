package core

import (
	"context"
	"strings"
)

// RedirectResolveRequest carries the authorization context a resolver can
// route on when picking the callback the bank redirects back to.
type RedirectResolveRequest struct {
	ClientID    string
	BankCode    string
	Environment Environment
	Scope       string
	Metadata    map[string]any
}

// RedirectURIResolver supplies the redirect uri for authorization flows
// that do not pass one explicitly. Deployments use it to route callbacks
// per bank or per environment, a sandbox console versus the production
// gateway for example. The resolved uri still has to be one the bank has
// registered for the client.
type RedirectURIResolver interface {
	ResolveRedirectURI(ctx context.Context, req RedirectResolveRequest) (string, error)
}

type RedirectURIResolverFunc func(ctx context.Context, req RedirectResolveRequest) (string, error)

func (fn RedirectURIResolverFunc) ResolveRedirectURI(ctx context.Context, req RedirectResolveRequest) (string, error) {
	if fn == nil {
		return "", nil
	}
	uri, err := fn(ctx, req)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(uri), nil
}
