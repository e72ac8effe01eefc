package openbanking_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	gocmd "github.com/goliatone/go-command"

	openbanking "github.com/goliatone/go-openbanking"
	obcommand "github.com/goliatone/go-openbanking/command"
	"github.com/goliatone/go-openbanking/core"
	"github.com/goliatone/go-openbanking/fapi"
	obquery "github.com/goliatone/go-openbanking/query"
	"github.com/goliatone/go-openbanking/ratelimit"
)

// The downstream payments connector composes the published facade without
// touching runtime internals: bank packs for registration, commands for
// mutations, queries for reads.
func TestDownstreamComposition_PaymentsConnectorDrivesFullGrantLifecycle(t *testing.T) {
	var tokenCalls, parCalls, revokeCalls int

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		switch r.URL.Path {
		case "/oauth2/par":
			parCalls++
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"request_uri": "urn:ietf:params:oauth:request_uri:req_composed",
				"expires_in":  90,
			})
		case "/oauth2/token":
			tokenCalls++
			switch r.Form.Get("grant_type") {
			case "authorization_code":
				_ = json.NewEncoder(w).Encode(map[string]any{
					"access_token":  "at_1",
					"token_type":    "Bearer",
					"expires_in":    3600,
					"refresh_token": "rt_1",
					"scope":         "accounts payments",
				})
			case "refresh_token":
				if r.Form.Get("refresh_token") != "rt_1" {
					w.WriteHeader(http.StatusBadRequest)
					_ = json.NewEncoder(w).Encode(map[string]any{"error": "invalid_grant"})
					return
				}
				_ = json.NewEncoder(w).Encode(map[string]any{
					"access_token":  "at_2",
					"token_type":    "Bearer",
					"expires_in":    3600,
					"refresh_token": "rt_2",
				})
			default:
				w.WriteHeader(http.StatusBadRequest)
				_ = json.NewEncoder(w).Encode(map[string]any{"error": "unsupported_grant_type"})
			}
		case "/oauth2/revoke":
			revokeCalls++
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	configuration, err := openbanking.MockBankLocal(server.URL)
	if err != nil {
		t.Fatalf("build local mockbank: %v", err)
	}

	hooks := openbanking.NewExtensionHooks()
	if err := hooks.RegisterBankPack(openbanking.BankPack{
		Name:  "connector-pack",
		Banks: []core.BankConfiguration{configuration},
	}); err != nil {
		t.Fatalf("register bank pack: %v", err)
	}

	policy := ratelimit.NewAdaptivePolicy(ratelimit.NewMemoryStateStore())
	svc, err := openbanking.NewService(
		openbanking.DefaultConfig(),
		openbanking.WithProtocolClient(fapi.New(fapi.Config{RateLimitPolicy: policy})),
		openbanking.WithRateLimitPolicy(policy),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := hooks.ApplyBankPacks(svc); err != nil {
		t.Fatalf("apply bank packs: %v", err)
	}

	facade, err := openbanking.NewFacade(svc)
	if err != nil {
		t.Fatalf("new facade: %v", err)
	}

	connector := paymentsConnector{
		facade:      facade,
		bankCode:    configuration.BankCode,
		environment: configuration.Environment,
		clientID:    configuration.ClientID,
	}
	ctx := context.Background()

	authorizationURL, err := connector.Connect(ctx, "https://app.example.com/callback")
	if err != nil {
		t.Fatalf("connector connect: %v", err)
	}
	if parCalls != 1 {
		t.Fatalf("expected one par call, got %d", parCalls)
	}
	wantURL := server.URL + "/oauth2/authorize?request_uri=urn%3Aietf%3Aparams%3Aoauth%3Arequest_uri%3Areq_composed&client_id=dev-client-mockbank"
	if authorizationURL != wantURL {
		t.Fatalf("unexpected authorization url:\n got %q\nwant %q", authorizationURL, wantURL)
	}

	record, err := connector.Complete(ctx, "auth_code_1", "https://app.example.com/callback")
	if err != nil {
		t.Fatalf("connector complete: %v", err)
	}
	if record.Status != core.TokenStatusActive || record.Token.AccessToken != "at_1" {
		t.Fatalf("unexpected exchanged record: %#v", record)
	}

	active, err := connector.ActiveToken(ctx)
	if err != nil {
		t.Fatalf("connector active token: %v", err)
	}
	if active.Token.AccessToken != "at_1" {
		t.Fatalf("expected cached active token, got %#v", active)
	}
	if tokenCalls != 1 {
		t.Fatalf("expected no extra token calls for an active token, got %d", tokenCalls)
	}

	rotated, err := connector.ForceRefresh(ctx)
	if err != nil {
		t.Fatalf("connector refresh: %v", err)
	}
	if rotated.Token.AccessToken != "at_2" || rotated.Token.RefreshToken != "rt_2" {
		t.Fatalf("expected rotated token, got %#v", rotated)
	}

	if err := connector.Disconnect(ctx); err != nil {
		t.Fatalf("connector disconnect: %v", err)
	}
	if revokeCalls != 1 {
		t.Fatalf("expected one revoke call, got %d", revokeCalls)
	}

	remaining, err := facade.Queries().LoadToken.Query(ctx, obquery.LoadTokenMessage{
		ClientID:    connector.clientID,
		BankCode:    connector.bankCode,
		Environment: connector.environment,
	})
	if err != nil {
		t.Fatalf("load token after revoke: %v", err)
	}
	if remaining.Status != core.TokenStatusNone || remaining.Token.AccessToken != "" {
		t.Fatalf("expected cleared record after revoke, got %#v", remaining)
	}
}

type paymentsConnector struct {
	facade      *openbanking.Facade
	bankCode    string
	environment core.Environment
	clientID    string
}

func (c paymentsConnector) Connect(ctx context.Context, redirectURI string) (string, error) {
	collector := gocmd.NewResult[core.PARResult]()
	ctx = gocmd.ContextWithResult(ctx, collector)
	if err := c.facade.Commands().InitiatePAR.Execute(ctx, obcommand.InitiatePARMessage{
		Request: core.InitiatePARRequest{
			BankCode:    c.bankCode,
			Environment: c.environment,
			RedirectURI: redirectURI,
			Scope:       "accounts payments",
		},
	}); err != nil {
		return "", err
	}
	par, ok := collector.Load()
	if !ok {
		return "", fmt.Errorf("par result missing")
	}
	return c.facade.Queries().BuildAuthorizationURL.Query(ctx, obquery.BuildAuthorizationURLMessage{
		Request: core.BuildAuthorizationURLRequest{
			BankCode:    c.bankCode,
			Environment: c.environment,
			RequestURI:  par.Request.RequestURI,
		},
	})
}

func (c paymentsConnector) Complete(ctx context.Context, code string, redirectURI string) (core.TokenRecord, error) {
	collector := gocmd.NewResult[core.ExchangeResult]()
	ctx = gocmd.ContextWithResult(ctx, collector)
	if err := c.facade.Commands().ExchangeCode.Execute(ctx, obcommand.ExchangeCodeMessage{
		Request: core.ExchangeCodeRequest{
			BankCode:    c.bankCode,
			Environment: c.environment,
			Code:        code,
			RedirectURI: redirectURI,
		},
	}); err != nil {
		return core.TokenRecord{}, err
	}
	result, ok := collector.Load()
	if !ok {
		return core.TokenRecord{}, fmt.Errorf("exchange result missing")
	}
	return result.Record, nil
}

func (c paymentsConnector) ActiveToken(ctx context.Context) (core.TokenRecord, error) {
	collector := gocmd.NewResult[core.TokenRecord]()
	ctx = gocmd.ContextWithResult(ctx, collector)
	if err := c.facade.Commands().EnsureActiveToken.Execute(ctx, obcommand.EnsureActiveTokenMessage{
		Request: core.EnsureActiveTokenRequest{
			BankCode:    c.bankCode,
			Environment: c.environment,
		},
	}); err != nil {
		return core.TokenRecord{}, err
	}
	record, ok := collector.Load()
	if !ok {
		return core.TokenRecord{}, fmt.Errorf("ensure active result missing")
	}
	return record, nil
}

func (c paymentsConnector) ForceRefresh(ctx context.Context) (core.TokenRecord, error) {
	collector := gocmd.NewResult[core.RefreshTokenResult]()
	ctx = gocmd.ContextWithResult(ctx, collector)
	if err := c.facade.Commands().RefreshToken.Execute(ctx, obcommand.RefreshTokenMessage{
		Request: core.RefreshTokenRequest{
			BankCode:    c.bankCode,
			Environment: c.environment,
		},
	}); err != nil {
		return core.TokenRecord{}, err
	}
	result, ok := collector.Load()
	if !ok {
		return core.TokenRecord{}, fmt.Errorf("refresh result missing")
	}
	return result.Record, nil
}

func (c paymentsConnector) Disconnect(ctx context.Context) error {
	return c.facade.Commands().RevokeToken.Execute(ctx, obcommand.RevokeTokenMessage{
		Request: core.RevokeTokenRequest{
			BankCode:    c.bankCode,
			Environment: c.environment,
		},
	})
}
