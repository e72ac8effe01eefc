package core

import (
	"context"
	"fmt"
	"sync"
	"time"
)

func testBankConfiguration() BankConfiguration {
	return BankConfiguration{
		BankCode:                "mockbank",
		Environment:             EnvironmentSandbox,
		BaseURL:                 "https://api.sandbox.mockbank.example",
		ClientID:                "sandbox-client-1",
		AuthorizationEndpoint:   "https://auth.sandbox.mockbank.example/authorize",
		TokenEndpoint:           "https://auth.sandbox.mockbank.example/token",
		PAREndpoint:             "https://auth.sandbox.mockbank.example/par",
		IntrospectionEndpoint:   "https://auth.sandbox.mockbank.example/introspect",
		RevocationEndpoint:      "https://auth.sandbox.mockbank.example/revoke",
		CertificateFingerprints: []string{"b5:d1:16:6f:c4:1e:71:7c:21:89:53:9f:11:f0:b3:25"},
		SupportedScopes:         []string{ScopeAccounts, ScopePayments},
	}
}

func testToken(refreshToken string) Token {
	return Token{
		AccessToken:  "access_1",
		TokenType:    "Bearer",
		ExpiresIn:    3600,
		RefreshToken: refreshToken,
		Scope:        ScopeAccounts,
		IssuedAt:     time.Now().UTC(),
	}
}

type stubProtocolClient struct {
	mu              sync.Mutex
	pushCalls       int
	exchangeCalls   int
	refreshCalls    int
	grantCalls      int
	introspectCalls int
	revokeCalls     int

	pushFn       func(ctx context.Context, in PushAuthorizationInput) (AuthorizationRequest, error)
	exchangeFn   func(ctx context.Context, in ExchangeCodeInput) (Token, error)
	refreshFn    func(ctx context.Context, in RefreshGrantInput) (Token, error)
	grantFn      func(ctx context.Context, in ClientCredentialsInput) (Token, error)
	introspectFn func(ctx context.Context, in IntrospectInput) (IntrospectionResult, error)
	revokeFn     func(ctx context.Context, in RevokeGrantInput) error
}

func (c *stubProtocolClient) PushAuthorizationRequest(ctx context.Context, in PushAuthorizationInput) (AuthorizationRequest, error) {
	c.mu.Lock()
	c.pushCalls++
	fn := c.pushFn
	c.mu.Unlock()
	if fn != nil {
		return fn(ctx, in)
	}
	return AuthorizationRequest{
		RequestURI: RequestURIPrefix + "stub-request",
		ExpiresIn:  90,
	}, nil
}

func (c *stubProtocolClient) ExchangeAuthorizationCode(ctx context.Context, in ExchangeCodeInput) (Token, error) {
	c.mu.Lock()
	c.exchangeCalls++
	fn := c.exchangeFn
	c.mu.Unlock()
	if fn != nil {
		return fn(ctx, in)
	}
	return testToken("refresh_1"), nil
}

func (c *stubProtocolClient) RefreshGrant(ctx context.Context, in RefreshGrantInput) (Token, error) {
	c.mu.Lock()
	c.refreshCalls++
	fn := c.refreshFn
	c.mu.Unlock()
	if fn != nil {
		return fn(ctx, in)
	}
	token := testToken("refresh_2")
	token.AccessToken = "access_2"
	return token, nil
}

func (c *stubProtocolClient) ClientCredentialsGrant(ctx context.Context, in ClientCredentialsInput) (Token, error) {
	c.mu.Lock()
	c.grantCalls++
	fn := c.grantFn
	c.mu.Unlock()
	if fn != nil {
		return fn(ctx, in)
	}
	token := testToken("")
	token.Scope = in.Scope
	return token, nil
}

func (c *stubProtocolClient) Introspect(ctx context.Context, in IntrospectInput) (IntrospectionResult, error) {
	c.mu.Lock()
	c.introspectCalls++
	fn := c.introspectFn
	c.mu.Unlock()
	if fn != nil {
		return fn(ctx, in)
	}
	return IntrospectionResult{Active: true, Scope: ScopeAccounts}, nil
}

func (c *stubProtocolClient) RevokeGrant(ctx context.Context, in RevokeGrantInput) error {
	c.mu.Lock()
	c.revokeCalls++
	fn := c.revokeFn
	c.mu.Unlock()
	if fn != nil {
		return fn(ctx, in)
	}
	return nil
}

func (c *stubProtocolClient) counts() (push, exchange, refresh, grant, introspect, revoke int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pushCalls, c.exchangeCalls, c.refreshCalls, c.grantCalls, c.introspectCalls, c.revokeCalls
}

type memoryVault struct {
	mu      sync.Mutex
	secrets map[string][]byte
}

func newMemoryVault() *memoryVault {
	return &memoryVault{secrets: map[string][]byte{}}
}

func (v *memoryVault) StoreSecret(_ context.Context, name string, value []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.secrets[name] = append([]byte(nil), value...)
	return nil
}

func (v *memoryVault) RetrieveSecret(_ context.Context, name string) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	value, ok := v.secrets[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return append([]byte(nil), value...), nil
}

func (v *memoryVault) DeleteSecret(_ context.Context, name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.secrets, name)
	return nil
}

type stubLogger struct{}

func (stubLogger) Trace(string, ...any) {}
func (stubLogger) Debug(string, ...any) {}
func (stubLogger) Info(string, ...any)  {}
func (stubLogger) Warn(string, ...any)  {}
func (stubLogger) Error(string, ...any) {}
func (stubLogger) Fatal(string, ...any) {}
func (s stubLogger) WithContext(context.Context) Logger {
	return s
}

type stubLoggerProvider struct {
	logger Logger
}

func (s stubLoggerProvider) GetLogger(string) Logger {
	return s.logger
}

type mapRawLoader struct {
	values map[string]any
}

func (l mapRawLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.values))
	for key, value := range l.values {
		out[key] = value
	}
	return out, nil
}
