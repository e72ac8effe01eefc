// Package mockbank defines the fictional bank used for development and
// conformance testing. It has no production estate; the sandbox definition
// works out of the box, and Local points the same shape at a stub server.
package mockbank

import (
	"fmt"
	"strings"

	"github.com/goliatone/go-openbanking/core"
)

const (
	BankCode       = "mockbank"
	SandboxBaseURL = "https://sandbox.mockbank.example.com"
)

// sandboxFingerprint pins the static certificate the hosted mockbank
// sandbox serves. It never rotates.
const sandboxFingerprint = "9f2ac175b36c1f6f0d7f2f6b58c41a3af12f0cf84ee4c1b0a25c9d3cf47a8e61"

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
		ClientID:                "sandbox-client-mockbank",
		BaseURL:                 SandboxBaseURL,
		CertificateFingerprints: []string{sandboxFingerprint},
		SupportedScopes:         []string{core.ScopeAccounts, core.ScopePayments},
		RateLimits:              core.RateLimitSettings{RequestsPerSecond: 10, Burst: 20},
	}
}

// Sandbox builds the sandbox configuration, applying defaults for anything
// the caller leaves unset, and rejects it unless it satisfies the sandbox
// isolation rules.
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

// Local builds a development configuration against a stub server, typically
// an httptest URL. Development configurations skip the sandbox isolation
// rules, so plain http is fine here.
func Local(baseURL string) (core.BankConfiguration, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return core.BankConfiguration{}, fmt.Errorf("mockbank: base url is required for a local definition")
	}
	cfg := DefaultConfig()
	cfg.ClientID = "dev-client-mockbank"
	cfg.BaseURL = baseURL

	configuration := build(core.EnvironmentDevelopment, cfg)
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
		AuthorizationEndpoint:   base + "/oauth2/authorize",
		TokenEndpoint:           base + "/oauth2/token",
		PAREndpoint:             base + "/oauth2/par",
		IntrospectionEndpoint:   base + "/oauth2/introspect",
		RevocationEndpoint:      base + "/oauth2/revoke",
		CertificateFingerprints: cfg.CertificateFingerprints,
		SupportedScopes:         cfg.SupportedScopes,
		RateLimits:              cfg.RateLimits,
		Timeouts:                cfg.Timeouts,
	}
}
