// Package modelbank defines the hosted reference bank. Its sandbox is a
// shared public environment with a fixed client registration; production
// access requires the integrator's own registration, so the production
// constructor takes everything explicitly.
package modelbank

import (
	"fmt"
	"strings"

	"github.com/goliatone/go-openbanking/core"
)

const (
	BankCode          = "modelbank"
	SandboxBaseURL    = "https://api.sandbox.modelbank.example.com"
	ProductionBaseURL = "https://api.modelbank.example.com"
)

const sandboxFingerprint = "3d74a1c0e9b86e5b12dd9f4c02a7c355c81d20b1f9e6a4d0c3b8572fa6491c0e"

type Config struct {
	ClientID                string
	BaseURL                 string
	CertificateFingerprints []string
	SupportedScopes         []string
	RateLimits              core.RateLimitSettings
	Timeouts                core.CallTimeouts
}

func DefaultConfig() Config {
	return Config{
		ClientID:                "sandbox-client-modelbank",
		BaseURL:                 SandboxBaseURL,
		CertificateFingerprints: []string{sandboxFingerprint},
		SupportedScopes:         []string{core.ScopeAccounts, core.ScopePayments, "fundsconfirmations"},
		RateLimits:              core.RateLimitSettings{RequestsPerSecond: 5, Burst: 10},
	}
}

func Sandbox(cfg Config) (core.BankConfiguration, error) {
	defaults := DefaultConfig()
	if strings.TrimSpace(cfg.ClientID) == "" {
		cfg.ClientID = defaults.ClientID
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaults.BaseURL
	}
	if len(cfg.CertificateFingerprints) == 0 {
		cfg.CertificateFingerprints = defaults.CertificateFingerprints
	}
	if len(cfg.SupportedScopes) == 0 {
		cfg.SupportedScopes = defaults.SupportedScopes
	}
	if cfg.RateLimits == (core.RateLimitSettings{}) {
		cfg.RateLimits = defaults.RateLimits
	}

	configuration := build(core.EnvironmentSandbox, cfg)
	if err := configuration.ValidateSandbox(); err != nil {
		return core.BankConfiguration{}, err
	}
	return configuration, nil
}

// Production builds a production configuration. There are no defaults for
// identity material: the client id and the pinned fingerprints come from the
// integrator's registration with the bank.
func Production(cfg Config) (core.BankConfiguration, error) {
	if strings.TrimSpace(cfg.ClientID) == "" {
		return core.BankConfiguration{}, fmt.Errorf("modelbank: production client id is required")
	}
	if len(cfg.CertificateFingerprints) == 0 {
		return core.BankConfiguration{}, fmt.Errorf("modelbank: production certificate fingerprints are required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = ProductionBaseURL
	}
	if len(cfg.SupportedScopes) == 0 {
		cfg.SupportedScopes = DefaultConfig().SupportedScopes
	}
	if cfg.RateLimits == (core.RateLimitSettings{}) {
		cfg.RateLimits = core.RateLimitSettings{RequestsPerSecond: 25, Burst: 50}
	}

	configuration := build(core.EnvironmentProduction, cfg)
	if err := configuration.Validate(); err != nil {
		return core.BankConfiguration{}, err
	}
	return configuration, nil
}

func build(environment core.Environment, cfg Config) core.BankConfiguration {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	return core.BankConfiguration{
		BankCode:                BankCode,
		Environment:             environment,
		BaseURL:                 base,
		ClientID:                strings.TrimSpace(cfg.ClientID),
		AuthorizationEndpoint:   base + "/open-banking/oauth2/authorize",
		TokenEndpoint:           base + "/open-banking/oauth2/token",
		PAREndpoint:             base + "/open-banking/oauth2/par",
		IntrospectionEndpoint:   base + "/open-banking/oauth2/introspect",
		RevocationEndpoint:      base + "/open-banking/oauth2/revoke",
		CertificateFingerprints: cfg.CertificateFingerprints,
		SupportedScopes:         cfg.SupportedScopes,
		RateLimits:              cfg.RateLimits,
		Timeouts:                cfg.Timeouts,
	}
}
