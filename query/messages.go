package query

import (
	"strings"

	"github.com/goliatone/go-openbanking/core"
)

const (
	TypeLoadToken             = "openbanking.query.token.load"
	TypeValidateToken         = "openbanking.query.token.validate"
	TypeBuildAuthorizationURL = "openbanking.query.authorization_url.build"
	TypeGetConsent            = "openbanking.query.consent.get"
	TypeListConsents          = "openbanking.query.consent.list"
)

type LoadTokenMessage struct {
	ClientID    string
	BankCode    string
	Environment core.Environment
}

func (LoadTokenMessage) Type() string { return TypeLoadToken }

func (m LoadTokenMessage) Validate() error {
	if strings.TrimSpace(m.ClientID) == "" {
		return queryValidationError("client_id", "client id is required")
	}
	if strings.TrimSpace(m.BankCode) == "" {
		return queryValidationError("bank_code", "bank code is required")
	}
	return validateEnvironment(m.Environment)
}

func (m LoadTokenMessage) key() core.TokenKey {
	return core.TokenKey{
		ClientID:    m.ClientID,
		BankCode:    m.BankCode,
		Environment: m.Environment,
	}
}

type ValidateTokenMessage struct {
	Request core.IsTokenValidRequest
}

func (ValidateTokenMessage) Type() string { return TypeValidateToken }

func (m ValidateTokenMessage) Validate() error {
	if strings.TrimSpace(m.Request.BankCode) == "" {
		return queryValidationError("bank_code", "bank code is required")
	}
	return validateEnvironment(m.Request.Environment)
}

type BuildAuthorizationURLMessage struct {
	Request core.BuildAuthorizationURLRequest
}

func (BuildAuthorizationURLMessage) Type() string { return TypeBuildAuthorizationURL }

func (m BuildAuthorizationURLMessage) Validate() error {
	if strings.TrimSpace(m.Request.BankCode) == "" {
		return queryValidationError("bank_code", "bank code is required")
	}
	if err := validateEnvironment(m.Request.Environment); err != nil {
		return err
	}
	if strings.TrimSpace(m.Request.RequestURI) == "" {
		return queryValidationError("request_uri", "request uri is required")
	}
	return nil
}

type GetConsentMessage struct {
	ConsentID string
}

func (GetConsentMessage) Type() string { return TypeGetConsent }

func (m GetConsentMessage) Validate() error {
	if strings.TrimSpace(m.ConsentID) == "" {
		return queryValidationError("consent_id", "consent id is required")
	}
	return nil
}

type ListConsentsMessage struct {
	BankCode    string
	Environment core.Environment
}

func (ListConsentsMessage) Type() string { return TypeListConsents }

func (m ListConsentsMessage) Validate() error {
	if strings.TrimSpace(m.BankCode) == "" {
		return queryValidationError("bank_code", "bank code is required")
	}
	return validateEnvironment(m.Environment)
}

func validateEnvironment(environment core.Environment) error {
	if environment == "" {
		return queryValidationError("environment", "environment is required")
	}
	if !environment.Valid() {
		return queryInvalidInputError("query: unknown environment " + string(environment))
	}
	return nil
}
