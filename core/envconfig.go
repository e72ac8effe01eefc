package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	env "github.com/caarlos0/env/v11"
)

// envSettings mirrors Config with OPENBANKING_* environment bindings.
// Only values that are actually set become part of the config layer, so
// environment overrides never clobber file or runtime values with zeros.
type envSettings struct {
	ServiceName string `env:"OPENBANKING_SERVICE_NAME"`
	Environment string `env:"OPENBANKING_ENVIRONMENT"`

	TokenExpiringSoonWindow time.Duration `env:"OPENBANKING_TOKEN_EXPIRING_SOON_WINDOW"`
	TokenRefreshLeadWindow  time.Duration `env:"OPENBANKING_TOKEN_REFRESH_LEAD_WINDOW"`

	RetryMaxAttempts int           `env:"OPENBANKING_RETRY_MAX_ATTEMPTS"`
	RetryBackoffBase time.Duration `env:"OPENBANKING_RETRY_BACKOFF_BASE"`
	RetryBackoffMax  time.Duration `env:"OPENBANKING_RETRY_BACKOFF_MAX"`

	PARTimeout           time.Duration `env:"OPENBANKING_HTTP_PAR_TIMEOUT"`
	TokenTimeout         time.Duration `env:"OPENBANKING_HTTP_TOKEN_TIMEOUT"`
	IntrospectionTimeout time.Duration `env:"OPENBANKING_HTTP_INTROSPECTION_TIMEOUT"`
	RevocationTimeout    time.Duration `env:"OPENBANKING_HTTP_REVOCATION_TIMEOUT"`

	CustomerIPAddress string `env:"OPENBANKING_FAPI_CUSTOMER_IP"`
}

// EnvConfigLoader reads OPENBANKING_* variables into a raw config layer.
type EnvConfigLoader struct{}

func (EnvConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	settings := envSettings{}
	if err := env.Parse(&settings); err != nil {
		return nil, fmt.Errorf("core: parse environment config: %w", err)
	}

	raw := map[string]any{}
	if strings.TrimSpace(settings.ServiceName) != "" {
		raw["service_name"] = settings.ServiceName
	}
	if strings.TrimSpace(settings.Environment) != "" {
		raw["environment"] = settings.Environment
	}

	tokens := map[string]any{}
	if settings.TokenExpiringSoonWindow > 0 {
		tokens["expiring_soon_window"] = settings.TokenExpiringSoonWindow
	}
	if settings.TokenRefreshLeadWindow > 0 {
		tokens["refresh_lead_window"] = settings.TokenRefreshLeadWindow
	}
	if len(tokens) > 0 {
		raw["tokens"] = tokens
	}

	retry := map[string]any{}
	if settings.RetryMaxAttempts > 0 {
		retry["max_attempts"] = settings.RetryMaxAttempts
	}
	if settings.RetryBackoffBase > 0 {
		retry["backoff_base"] = settings.RetryBackoffBase
	}
	if settings.RetryBackoffMax > 0 {
		retry["backoff_max"] = settings.RetryBackoffMax
	}
	if len(retry) > 0 {
		raw["retry"] = retry
	}

	httpLayer := map[string]any{}
	if settings.PARTimeout > 0 {
		httpLayer["par_timeout"] = settings.PARTimeout
	}
	if settings.TokenTimeout > 0 {
		httpLayer["token_timeout"] = settings.TokenTimeout
	}
	if settings.IntrospectionTimeout > 0 {
		httpLayer["introspection_timeout"] = settings.IntrospectionTimeout
	}
	if settings.RevocationTimeout > 0 {
		httpLayer["revocation_timeout"] = settings.RevocationTimeout
	}
	if len(httpLayer) > 0 {
		raw["http"] = httpLayer
	}

	if strings.TrimSpace(settings.CustomerIPAddress) != "" {
		raw["fapi"] = map[string]any{
			"customer_ip_address": settings.CustomerIPAddress,
		}
	}
	return raw, nil
}

// NewEnvConfigProvider builds a config provider layered on OPENBANKING_*
// environment variables.
func NewEnvConfigProvider() *CfgxConfigProvider {
	return NewCfgxConfigProvider(EnvConfigLoader{})
}

var _ RawConfigLoader = EnvConfigLoader{}
