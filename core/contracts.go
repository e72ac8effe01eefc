package core

import (
	"context"
	"net/http"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

// HTTPDoer is the transport seam. *http.Client satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// SecretProvider encrypts token material before it reaches a persistent
// store and decrypts it on the way back.
type SecretProvider interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// SecretVault stores named secrets such as client secrets. Implementations
// decide where the material lives; callers only address it by name.
type SecretVault interface {
	StoreSecret(ctx context.Context, name string, value []byte) error
	RetrieveSecret(ctx context.Context, name string) ([]byte, error)
	DeleteSecret(ctx context.Context, name string) error
}

// CertificateValidator checks a host's presented certificate chain against
// the pinned fingerprints of a bank configuration.
type CertificateValidator interface {
	ValidateCertificate(hostname string, fingerprints []string) error
}

type PushAuthorizationInput struct {
	Configuration BankConfiguration
	ClientSecret  string
	RedirectURI   string
	Scope         string
	State         string
	Nonce         string
	CodeChallenge string
}

type ExchangeCodeInput struct {
	Configuration BankConfiguration
	ClientSecret  string
	Code          string
	RedirectURI   string
	CodeVerifier  string
}

type RefreshGrantInput struct {
	Configuration BankConfiguration
	ClientSecret  string
	RefreshToken  string
}

type ClientCredentialsInput struct {
	Configuration BankConfiguration
	ClientSecret  string
	Scope         string
}

type IntrospectInput struct {
	Configuration BankConfiguration
	ClientSecret  string
	AccessToken   string
}

type RevokeGrantInput struct {
	Configuration BankConfiguration
	ClientSecret  string
	Token         string
	TokenTypeHint string
}

type IntrospectionResult struct {
	Active    bool
	Scope     string
	ClientID  string
	TokenType string
	ExpiresAt time.Time
	Metadata  map[string]any
}

// ProtocolClient performs the OAuth and FAPI wire calls against one bank's
// endpoints. Every call accepts the resolved configuration so the client
// itself stays stateless across banks.
type ProtocolClient interface {
	PushAuthorizationRequest(ctx context.Context, in PushAuthorizationInput) (AuthorizationRequest, error)
	ExchangeAuthorizationCode(ctx context.Context, in ExchangeCodeInput) (Token, error)
	RefreshGrant(ctx context.Context, in RefreshGrantInput) (Token, error)
	ClientCredentialsGrant(ctx context.Context, in ClientCredentialsInput) (Token, error)
	Introspect(ctx context.Context, in IntrospectInput) (IntrospectionResult, error)
	RevokeGrant(ctx context.Context, in RevokeGrantInput) error
}

type RateLimitKey struct {
	BankCode    string
	Environment string
	Endpoint    string
}

type EndpointResponseMeta struct {
	StatusCode int
	Headers    map[string]string
	RetryAfter *time.Duration
	Metadata   map[string]any
}

type RateLimitPolicy interface {
	BeforeCall(ctx context.Context, key RateLimitKey) error
	AfterCall(ctx context.Context, key RateLimitKey, res EndpointResponseMeta) error
}

type StoreProvider interface {
	TokenStore() TokenStore
	PendingAuthorizationStore() PendingAuthorizationStore
	ConsentStore() ConsentStore
}

type RepositoryStoreFactory interface {
	BuildStores(persistenceClient any) (StoreProvider, error)
}

type InitiatePARRequest struct {
	BankCode    string
	Environment Environment
	RedirectURI string
	Scope       string
	State       string
	Metadata    map[string]any
}

type PARResult struct {
	Request   AuthorizationRequest
	State     string
	Nonce     string
	ConsentID string
}

type BuildAuthorizationURLRequest struct {
	BankCode    string
	Environment Environment
	RequestURI  string
}

type ExchangeCodeRequest struct {
	BankCode    string
	Environment Environment
	Code        string
	RedirectURI string
	Metadata    map[string]any
}

type ExchangeResult struct {
	Record    TokenRecord
	ConsentID string
}

type RefreshTokenRequest struct {
	BankCode    string
	Environment Environment
	Token       *Token
}

type RefreshTokenResult struct {
	Record  TokenRecord
	Rotated bool
}

type ClientCredentialsRequest struct {
	BankCode    string
	Environment Environment
	Scope       string
	Metadata    map[string]any
}

type EnsureActiveTokenRequest struct {
	BankCode    string
	Environment Environment
}

type IsTokenValidRequest struct {
	BankCode    string
	Environment Environment
	AccessToken string
}

type RevokeTokenRequest struct {
	BankCode    string
	Environment Environment
	Reason      string
}

// BankingService is the operation surface exposed to the rest of the
// application.
type BankingService interface {
	RegisterBank(configuration BankConfiguration) error
	ValidateSandboxConfiguration(bankCode string) error
	InitiatePAR(ctx context.Context, req InitiatePARRequest) (PARResult, error)
	BuildAuthorizationURL(ctx context.Context, req BuildAuthorizationURLRequest) (string, error)
	ExchangeCode(ctx context.Context, req ExchangeCodeRequest) (ExchangeResult, error)
	Refresh(ctx context.Context, req RefreshTokenRequest) (RefreshTokenResult, error)
	ClientCredentials(ctx context.Context, req ClientCredentialsRequest) (TokenRecord, error)
	EnsureActiveToken(ctx context.Context, req EnsureActiveTokenRequest) (TokenRecord, error)
	IsTokenValid(ctx context.Context, req IsTokenValidRequest) bool
	RevokeToken(ctx context.Context, req RevokeTokenRequest) error
	EnsureTokenFresh(ctx context.Context, req EnsureTokenFreshRequest) (EnsureTokenFreshResult, error)
}
