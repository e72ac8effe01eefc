package openbanking

import "github.com/goliatone/go-openbanking/core"

type Config = core.Config

type Option = core.Option

type Service = core.Service

type ServiceDependencies = core.ServiceDependencies
type BankingService = core.BankingService
type Environment = core.Environment
type Token = core.Token
type TokenKey = core.TokenKey
type TokenRecord = core.TokenRecord
type TokenStatus = core.TokenStatus
type BankConfiguration = core.BankConfiguration
type BankRegistry = core.BankRegistry
type AuthorizationRequest = core.AuthorizationRequest
type PendingAuthorization = core.PendingAuthorization
type ConsentRecord = core.ConsentRecord
type ConsentStatus = core.ConsentStatus
type TokenStore = core.TokenStore
type PendingAuthorizationStore = core.PendingAuthorizationStore
type ConsentStore = core.ConsentStore
type ProtocolClient = core.ProtocolClient
type SecretProvider = core.SecretProvider
type SecretVault = core.SecretVault
type RateLimitPolicy = core.RateLimitPolicy
type RedirectURIResolver = core.RedirectURIResolver
type RedirectURIResolverFunc = core.RedirectURIResolverFunc
type RedirectResolveRequest = core.RedirectResolveRequest

type InitiatePARRequest = core.InitiatePARRequest
type PARResult = core.PARResult
type BuildAuthorizationURLRequest = core.BuildAuthorizationURLRequest
type ExchangeCodeRequest = core.ExchangeCodeRequest
type ExchangeResult = core.ExchangeResult
type RefreshTokenRequest = core.RefreshTokenRequest
type RefreshTokenResult = core.RefreshTokenResult
type ClientCredentialsRequest = core.ClientCredentialsRequest
type EnsureActiveTokenRequest = core.EnsureActiveTokenRequest
type EnsureTokenFreshRequest = core.EnsureTokenFreshRequest
type EnsureTokenFreshResult = core.EnsureTokenFreshResult
type IsTokenValidRequest = core.IsTokenValidRequest
type RevokeTokenRequest = core.RevokeTokenRequest

const (
	EnvironmentSandbox     = core.EnvironmentSandbox
	EnvironmentProduction  = core.EnvironmentProduction
	EnvironmentDevelopment = core.EnvironmentDevelopment
)

var (
	WithLogger                    = core.WithLogger
	WithLoggerProvider            = core.WithLoggerProvider
	WithMetricsRecorder           = core.WithMetricsRecorder
	WithErrorFactory              = core.WithErrorFactory
	WithErrorMapper               = core.WithErrorMapper
	WithSecretProvider            = core.WithSecretProvider
	WithSecretVault               = core.WithSecretVault
	WithPersistenceClient         = core.WithPersistenceClient
	WithRepositoryFactory         = core.WithRepositoryFactory
	WithConfigProvider            = core.WithConfigProvider
	WithOptionsResolver           = core.WithOptionsResolver
	WithBankRegistry              = core.WithBankRegistry
	WithProtocolClient            = core.WithProtocolClient
	WithHTTPClient                = core.WithHTTPClient
	WithTokenStore                = core.WithTokenStore
	WithPendingAuthorizationStore = core.WithPendingAuthorizationStore
	WithConsentStore              = core.WithConsentStore
	WithRateLimitPolicy           = core.WithRateLimitPolicy
	WithRedirectURIResolver       = core.WithRedirectURIResolver
	WithNowFunc                   = core.WithNowFunc
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	return core.NewService(cfg, opts...)
}

func Setup(cfg Config, opts ...Option) (*Service, error) {
	return core.Setup(cfg, opts...)
}
