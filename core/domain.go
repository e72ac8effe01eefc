package core

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

var (
	ErrInvalidEnvironment           = errors.New("core: invalid environment")
	ErrInvalidTokenStatusTransition = errors.New("core: invalid token status transition")
	ErrBankNotFound                 = errors.New("core: bank configuration not found")
	ErrTokenNotFound                = errors.New("core: token not found")
	ErrPendingAuthorizationNotFound = errors.New("core: pending authorization not found")
)

type Environment string

const (
	EnvironmentSandbox     Environment = "sandbox"
	EnvironmentProduction  Environment = "production"
	EnvironmentDevelopment Environment = "development"
)

func ParseEnvironment(input string) (Environment, error) {
	env := Environment(strings.TrimSpace(strings.ToLower(input)))
	switch env {
	case EnvironmentSandbox, EnvironmentProduction, EnvironmentDevelopment:
		return env, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEnvironment, input)
	}
}

func (e Environment) Valid() bool {
	switch e {
	case EnvironmentSandbox, EnvironmentProduction, EnvironmentDevelopment:
		return true
	default:
		return false
	}
}

const (
	ScopeAccounts = "accounts"
	ScopePayments = "payments"
)

// Token holds the access token material returned by a bank token endpoint.
// ExpiresIn is the server-reported lifetime in seconds, anchored at IssuedAt.
type Token struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int
	RefreshToken string
	Scope        string
	IssuedAt     time.Time
}

func (t Token) ExpiresAt() time.Time {
	if t.IssuedAt.IsZero() {
		return time.Time{}
	}
	return t.IssuedAt.Add(time.Duration(t.ExpiresIn) * time.Second)
}

func (t Token) HasRefreshToken() bool {
	return strings.TrimSpace(t.RefreshToken) != ""
}

type TokenStatus string

const (
	TokenStatusNone         TokenStatus = "none"
	TokenStatusPARIssued    TokenStatus = "par_issued"
	TokenStatusCodeReceived TokenStatus = "code_received"
	TokenStatusActive       TokenStatus = "active"
	TokenStatusRefreshing   TokenStatus = "refreshing"
	TokenStatusExpired      TokenStatus = "expired"
)

// TokenKey identifies the managed token for one confidential client at one
// bank environment. All token reads and writes are serialized per key.
type TokenKey struct {
	ClientID    string
	BankCode    string
	Environment Environment
}

func (k TokenKey) Normalize() TokenKey {
	return TokenKey{
		ClientID:    strings.TrimSpace(k.ClientID),
		BankCode:    strings.ToLower(strings.TrimSpace(k.BankCode)),
		Environment: Environment(strings.ToLower(strings.TrimSpace(string(k.Environment)))),
	}
}

func (k TokenKey) Validate() error {
	normalized := k.Normalize()
	if normalized.ClientID == "" {
		return fmt.Errorf("core: token key client id is required")
	}
	if normalized.BankCode == "" {
		return fmt.Errorf("core: token key bank code is required")
	}
	if !normalized.Environment.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidEnvironment, k.Environment)
	}
	return nil
}

func (k TokenKey) String() string {
	normalized := k.Normalize()
	return normalized.ClientID + "::" + normalized.BankCode + "::" + string(normalized.Environment)
}

// TokenRecord is the managed token for a single client id: the token itself,
// its lifecycle status, and the bank binding it was issued under.
type TokenRecord struct {
	ClientID    string
	BankCode    string
	Environment Environment
	Token       Token
	Status      TokenStatus
	LastError   string
	Metadata    map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (r TokenRecord) Key() TokenKey {
	return TokenKey{
		ClientID:    r.ClientID,
		BankCode:    r.BankCode,
		Environment: r.Environment,
	}.Normalize()
}

func (r *TokenRecord) TransitionTo(status TokenStatus, reason string, now time.Time) error {
	if r == nil {
		return nil
	}
	if r.Status == status {
		r.UpdatedAt = now
		if strings.TrimSpace(reason) != "" {
			r.LastError = strings.TrimSpace(reason)
		}
		return nil
	}
	if !tokenTransitionAllowed(r.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTokenStatusTransition, r.Status, status)
	}
	r.Status = status
	r.UpdatedAt = now
	if strings.TrimSpace(reason) != "" {
		r.LastError = strings.TrimSpace(reason)
	}
	if status == TokenStatusActive {
		r.LastError = ""
	}
	return nil
}

func tokenTransitionAllowed(current, next TokenStatus) bool {
	if current == "" {
		current = TokenStatusNone
	}
	allowed := map[TokenStatus]map[TokenStatus]struct{}{
		TokenStatusNone: {
			TokenStatusPARIssued: {},
		},
		TokenStatusPARIssued: {
			TokenStatusCodeReceived: {},
			TokenStatusNone:         {},
		},
		TokenStatusCodeReceived: {
			TokenStatusActive: {},
			TokenStatusNone:   {},
		},
		TokenStatusActive: {
			TokenStatusRefreshing: {},
			TokenStatusExpired:    {},
			TokenStatusNone:       {},
		},
		TokenStatusRefreshing: {
			TokenStatusActive:  {},
			TokenStatusExpired: {},
		},
		TokenStatusExpired: {
			TokenStatusNone:      {},
			TokenStatusPARIssued: {},
		},
	}
	_, ok := allowed[current][next]
	return ok
}

// RequestURIPrefix is the mandatory prefix of a pushed authorization
// request uri per RFC 9126.
const RequestURIPrefix = "urn:ietf:params:oauth:request_uri:"

// AuthorizationRequest is the outcome of a pushed authorization request.
// Single use, short lived, never persisted beyond the current flow.
type AuthorizationRequest struct {
	RequestURI string
	ExpiresIn  int
}

func (r AuthorizationRequest) Validate() error {
	if !strings.HasPrefix(strings.TrimSpace(r.RequestURI), RequestURIPrefix) {
		return fmt.Errorf("core: request uri must start with %q", RequestURIPrefix)
	}
	return nil
}

type RateLimitSettings struct {
	RequestsPerSecond int
	Burst             int
}

type CallTimeouts struct {
	PAR           time.Duration
	Token         time.Duration
	Introspection time.Duration
	Revocation    time.Duration
}

// BankConfiguration describes one bank in one environment: endpoints,
// client identity, certificate fingerprints, scopes, and throttling.
type BankConfiguration struct {
	BankCode                string
	Environment             Environment
	BaseURL                 string
	ClientID                string
	AuthorizationEndpoint   string
	TokenEndpoint           string
	PAREndpoint             string
	IntrospectionEndpoint   string
	RevocationEndpoint      string
	CertificateFingerprints []string
	SupportedScopes         []string
	RateLimits              RateLimitSettings
	Timeouts                CallTimeouts
}

func (c BankConfiguration) Validate() error {
	if strings.TrimSpace(c.BankCode) == "" {
		return fmt.Errorf("core: bank code is required")
	}
	if !c.Environment.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidEnvironment, c.Environment)
	}
	if strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("core: bank base url is required")
	}
	if strings.TrimSpace(c.ClientID) == "" {
		return fmt.Errorf("core: bank client id is required")
	}
	for _, endpoint := range c.endpointList() {
		if endpoint.value == "" {
			continue
		}
		parsed, err := url.Parse(endpoint.value)
		if err != nil {
			return fmt.Errorf("core: bank %s is not a valid url: %w", endpoint.name, err)
		}
		if parsed.Host == "" {
			return fmt.Errorf("core: bank %s is missing a host", endpoint.name)
		}
	}
	return nil
}

// ValidateSandbox enforces that a sandbox configuration can never reach a
// production system: HTTPS everywhere, sandbox markers on every endpoint and
// on the client id, pinned certificate fingerprints, and the baseline
// accounts+payments scopes.
func (c BankConfiguration) ValidateSandbox() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Environment != EnvironmentSandbox {
		return fmt.Errorf("core: bank %s/%s is not a sandbox configuration", c.BankCode, c.Environment)
	}
	for _, endpoint := range c.endpointList() {
		if endpoint.value == "" {
			continue
		}
		parsed, err := url.Parse(endpoint.value)
		if err != nil {
			return fmt.Errorf("core: bank %s is not a valid url: %w", endpoint.name, err)
		}
		if !strings.EqualFold(parsed.Scheme, "https") {
			return fmt.Errorf("core: sandbox %s must use https, got %q", endpoint.name, endpoint.value)
		}
		if !hasSandboxMarker(endpoint.value) {
			return fmt.Errorf("core: sandbox %s is missing a sandbox marker: %q", endpoint.name, endpoint.value)
		}
	}
	if !hasSandboxMarker(c.ClientID) {
		return fmt.Errorf("core: sandbox client id is missing a sandbox marker: %q", c.ClientID)
	}
	if len(c.CertificateFingerprints) == 0 {
		return fmt.Errorf("core: sandbox configuration requires certificate fingerprints")
	}
	scopes := map[string]struct{}{}
	for _, scope := range c.SupportedScopes {
		scopes[strings.ToLower(strings.TrimSpace(scope))] = struct{}{}
	}
	for _, required := range []string{ScopeAccounts, ScopePayments} {
		if _, ok := scopes[required]; !ok {
			return fmt.Errorf("core: sandbox configuration must support scope %q", required)
		}
	}
	return nil
}

type namedEndpoint struct {
	name  string
	value string
}

func (c BankConfiguration) endpointList() []namedEndpoint {
	return []namedEndpoint{
		{name: "base_url", value: strings.TrimSpace(c.BaseURL)},
		{name: "authorization_endpoint", value: strings.TrimSpace(c.AuthorizationEndpoint)},
		{name: "token_endpoint", value: strings.TrimSpace(c.TokenEndpoint)},
		{name: "par_endpoint", value: strings.TrimSpace(c.PAREndpoint)},
		{name: "introspection_endpoint", value: strings.TrimSpace(c.IntrospectionEndpoint)},
		{name: "revocation_endpoint", value: strings.TrimSpace(c.RevocationEndpoint)},
	}
}

var sandboxMarkers = []string{"sandbox", "test", "dev"}

func hasSandboxMarker(value string) bool {
	lowered := strings.ToLower(value)
	for _, marker := range sandboxMarkers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}
