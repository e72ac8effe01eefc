package query

import (
	"context"

	"github.com/goliatone/go-openbanking/core"
)

// TokenReader exposes the stored-token lookup queries rely on.
type TokenReader interface {
	Get(ctx context.Context, key core.TokenKey) (core.TokenRecord, error)
}

// TokenValidator answers whether an access token is still usable,
// consulting introspection when the bank supports it.
type TokenValidator interface {
	IsTokenValid(ctx context.Context, req core.IsTokenValidRequest) bool
}

// AuthorizationURLBuilder composes the redirect URL for a pushed
// authorization request.
type AuthorizationURLBuilder interface {
	BuildAuthorizationURL(ctx context.Context, req core.BuildAuthorizationURLRequest) (string, error)
}

// ConsentReader exposes consent lookups.
type ConsentReader interface {
	Get(ctx context.Context, id string) (core.ConsentRecord, error)
	ListByBank(ctx context.Context, bankCode string, environment core.Environment) ([]core.ConsentRecord, error)
}

type LoadTokenQuery struct {
	reader TokenReader
}

func NewLoadTokenQuery(reader TokenReader) *LoadTokenQuery {
	return &LoadTokenQuery{reader: reader}
}

func (q *LoadTokenQuery) Query(ctx context.Context, msg LoadTokenMessage) (core.TokenRecord, error) {
	if q == nil || q.reader == nil {
		return core.TokenRecord{}, queryDependencyError("query: token reader is required")
	}
	return q.reader.Get(ctx, msg.key())
}

type ValidateTokenQuery struct {
	validator TokenValidator
}

func NewValidateTokenQuery(validator TokenValidator) *ValidateTokenQuery {
	return &ValidateTokenQuery{validator: validator}
}

func (q *ValidateTokenQuery) Query(ctx context.Context, msg ValidateTokenMessage) (bool, error) {
	if q == nil || q.validator == nil {
		return false, queryDependencyError("query: token validator is required")
	}
	return q.validator.IsTokenValid(ctx, msg.Request), nil
}

type BuildAuthorizationURLQuery struct {
	builder AuthorizationURLBuilder
}

func NewBuildAuthorizationURLQuery(builder AuthorizationURLBuilder) *BuildAuthorizationURLQuery {
	return &BuildAuthorizationURLQuery{builder: builder}
}

func (q *BuildAuthorizationURLQuery) Query(ctx context.Context, msg BuildAuthorizationURLMessage) (string, error) {
	if q == nil || q.builder == nil {
		return "", queryDependencyError("query: authorization url builder is required")
	}
	return q.builder.BuildAuthorizationURL(ctx, msg.Request)
}

type GetConsentQuery struct {
	reader ConsentReader
}

func NewGetConsentQuery(reader ConsentReader) *GetConsentQuery {
	return &GetConsentQuery{reader: reader}
}

func (q *GetConsentQuery) Query(ctx context.Context, msg GetConsentMessage) (core.ConsentRecord, error) {
	if q == nil || q.reader == nil {
		return core.ConsentRecord{}, queryDependencyError("query: consent reader is required")
	}
	return q.reader.Get(ctx, msg.ConsentID)
}

type ListConsentsQuery struct {
	reader ConsentReader
}

func NewListConsentsQuery(reader ConsentReader) *ListConsentsQuery {
	return &ListConsentsQuery{reader: reader}
}

func (q *ListConsentsQuery) Query(ctx context.Context, msg ListConsentsMessage) ([]core.ConsentRecord, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: consent reader is required")
	}
	return q.reader.ListByBank(ctx, msg.BankCode, msg.Environment)
}
