package core

import (
	"fmt"
	"strings"
	"time"
)

type TokensConfig struct {
	ExpiringSoonWindow time.Duration `koanf:"expiring_soon_window" mapstructure:"expiring_soon_window"`
	RefreshLeadWindow  time.Duration `koanf:"refresh_lead_window" mapstructure:"refresh_lead_window"`
}

type RetryConfig struct {
	MaxAttempts int           `koanf:"max_attempts" mapstructure:"max_attempts"`
	BackoffBase time.Duration `koanf:"backoff_base" mapstructure:"backoff_base"`
	BackoffMax  time.Duration `koanf:"backoff_max" mapstructure:"backoff_max"`
}

type HTTPConfig struct {
	PARTimeout           time.Duration `koanf:"par_timeout" mapstructure:"par_timeout"`
	TokenTimeout         time.Duration `koanf:"token_timeout" mapstructure:"token_timeout"`
	IntrospectionTimeout time.Duration `koanf:"introspection_timeout" mapstructure:"introspection_timeout"`
	RevocationTimeout    time.Duration `koanf:"revocation_timeout" mapstructure:"revocation_timeout"`
}

type FAPIConfig struct {
	CustomerIPAddress string `koanf:"customer_ip_address" mapstructure:"customer_ip_address"`
}

type Config struct {
	ServiceName string       `koanf:"service_name" mapstructure:"service_name"`
	Environment string       `koanf:"environment" mapstructure:"environment"`
	Tokens      TokensConfig `koanf:"tokens" mapstructure:"tokens"`
	Retry       RetryConfig  `koanf:"retry" mapstructure:"retry"`
	HTTP        HTTPConfig   `koanf:"http" mapstructure:"http"`
	FAPI        FAPIConfig   `koanf:"fapi" mapstructure:"fapi"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "openbanking",
		Environment: string(EnvironmentSandbox),
		Tokens: TokensConfig{
			ExpiringSoonWindow: DefaultTokenExpiringSoonWindow,
			RefreshLeadWindow:  DefaultTokenRefreshLeadWindow,
		},
		Retry: RetryConfig{
			MaxAttempts: defaultRetryMaxAttempts,
			BackoffBase: defaultBackoffBase,
			BackoffMax:  defaultBackoffMax,
		},
		HTTP: HTTPConfig{
			PARTimeout:           30 * time.Second,
			TokenTimeout:         45 * time.Second,
			IntrospectionTimeout: 10 * time.Second,
			RevocationTimeout:    10 * time.Second,
		},
		FAPI: FAPIConfig{},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if strings.TrimSpace(c.Environment) != "" {
		if _, err := ParseEnvironment(c.Environment); err != nil {
			return err
		}
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("core: retry max_attempts must not be negative")
	}
	if c.Retry.BackoffBase < 0 || c.Retry.BackoffMax < 0 {
		return fmt.Errorf("core: retry backoff durations must not be negative")
	}
	if c.Retry.BackoffMax > 0 && c.Retry.BackoffBase > c.Retry.BackoffMax {
		return fmt.Errorf("core: retry backoff_base must not exceed backoff_max")
	}
	return nil
}

// BackoffPolicy builds the retry schedule from the configured bounds.
func (c Config) BackoffPolicy() BackoffPolicy {
	policy := BackoffPolicy{Base: c.Retry.BackoffBase, Max: c.Retry.BackoffMax}
	if policy.Base <= 0 {
		policy.Base = defaultBackoffBase
	}
	if policy.Max <= 0 {
		policy.Max = defaultBackoffMax
	}
	return policy
}

// TimeoutsFor merges the global call timeouts with a bank's overrides.
func (c Config) TimeoutsFor(configuration BankConfiguration) CallTimeouts {
	timeouts := CallTimeouts{
		PAR:           c.HTTP.PARTimeout,
		Token:         c.HTTP.TokenTimeout,
		Introspection: c.HTTP.IntrospectionTimeout,
		Revocation:    c.HTTP.RevocationTimeout,
	}
	if configuration.Timeouts.PAR > 0 {
		timeouts.PAR = configuration.Timeouts.PAR
	}
	if configuration.Timeouts.Token > 0 {
		timeouts.Token = configuration.Timeouts.Token
	}
	if configuration.Timeouts.Introspection > 0 {
		timeouts.Introspection = configuration.Timeouts.Introspection
	}
	if configuration.Timeouts.Revocation > 0 {
		timeouts.Revocation = configuration.Timeouts.Revocation
	}
	return timeouts
}
