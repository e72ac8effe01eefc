package command

import (
	"strings"

	"github.com/goliatone/go-openbanking/core"
)

const (
	TypeRegisterBank        = "openbanking.command.bank.register"
	TypeInitiatePAR         = "openbanking.command.par.initiate"
	TypeExchangeCode        = "openbanking.command.code.exchange"
	TypeRefreshToken        = "openbanking.command.token.refresh"
	TypeClientCredentials   = "openbanking.command.token.client_credentials"
	TypeEnsureActiveToken   = "openbanking.command.token.ensure_active"
	TypeEnsureTokenFresh    = "openbanking.command.token.ensure_fresh"
	TypeRevokeToken         = "openbanking.command.token.revoke"
	TypeUpdateConsentStatus = "openbanking.command.consent.update_status"
)

type RegisterBankMessage struct {
	Configuration core.BankConfiguration
}

func (RegisterBankMessage) Type() string { return TypeRegisterBank }

func (m RegisterBankMessage) Validate() error {
	if strings.TrimSpace(m.Configuration.BankCode) == "" {
		return commandValidationError("bank_code", "bank code is required")
	}
	return commandWrapValidation(m.Configuration.Validate(), "command: invalid bank configuration")
}

type InitiatePARMessage struct {
	Request core.InitiatePARRequest
}

func (InitiatePARMessage) Type() string { return TypeInitiatePAR }

func (m InitiatePARMessage) Validate() error {
	if strings.TrimSpace(m.Request.BankCode) == "" {
		return commandValidationError("bank_code", "bank code is required")
	}
	if err := validateEnvironment(m.Request.Environment); err != nil {
		return err
	}
	if strings.TrimSpace(m.Request.RedirectURI) == "" {
		return commandValidationError("redirect_uri", "redirect uri is required")
	}
	if strings.TrimSpace(m.Request.Scope) == "" {
		return commandValidationError("scope", "scope is required")
	}
	return nil
}

type ExchangeCodeMessage struct {
	Request core.ExchangeCodeRequest
}

func (ExchangeCodeMessage) Type() string { return TypeExchangeCode }

func (m ExchangeCodeMessage) Validate() error {
	if strings.TrimSpace(m.Request.BankCode) == "" {
		return commandValidationError("bank_code", "bank code is required")
	}
	if err := validateEnvironment(m.Request.Environment); err != nil {
		return err
	}
	if strings.TrimSpace(m.Request.Code) == "" {
		return commandValidationError("code", "authorization code is required")
	}
	return nil
}

type RefreshTokenMessage struct {
	Request core.RefreshTokenRequest
}

func (RefreshTokenMessage) Type() string { return TypeRefreshToken }

func (m RefreshTokenMessage) Validate() error {
	if strings.TrimSpace(m.Request.BankCode) == "" {
		return commandValidationError("bank_code", "bank code is required")
	}
	return validateEnvironment(m.Request.Environment)
}

type ClientCredentialsMessage struct {
	Request core.ClientCredentialsRequest
}

func (ClientCredentialsMessage) Type() string { return TypeClientCredentials }

func (m ClientCredentialsMessage) Validate() error {
	if strings.TrimSpace(m.Request.BankCode) == "" {
		return commandValidationError("bank_code", "bank code is required")
	}
	return validateEnvironment(m.Request.Environment)
}

type EnsureActiveTokenMessage struct {
	Request core.EnsureActiveTokenRequest
}

func (EnsureActiveTokenMessage) Type() string { return TypeEnsureActiveToken }

func (m EnsureActiveTokenMessage) Validate() error {
	if strings.TrimSpace(m.Request.BankCode) == "" {
		return commandValidationError("bank_code", "bank code is required")
	}
	return validateEnvironment(m.Request.Environment)
}

type EnsureTokenFreshMessage struct {
	Request core.EnsureTokenFreshRequest
}

func (EnsureTokenFreshMessage) Type() string { return TypeEnsureTokenFresh }

func (m EnsureTokenFreshMessage) Validate() error {
	if strings.TrimSpace(m.Request.BankCode) == "" {
		return commandValidationError("bank_code", "bank code is required")
	}
	if err := validateEnvironment(m.Request.Environment); err != nil {
		return err
	}
	if m.Request.RefreshLeadWindow < 0 {
		return commandInvalidInputError("command: refresh lead window must be >= 0")
	}
	if m.Request.ExpiringSoonWindow < 0 {
		return commandInvalidInputError("command: expiring soon window must be >= 0")
	}
	return nil
}

type RevokeTokenMessage struct {
	Request core.RevokeTokenRequest
}

func (RevokeTokenMessage) Type() string { return TypeRevokeToken }

func (m RevokeTokenMessage) Validate() error {
	if strings.TrimSpace(m.Request.BankCode) == "" {
		return commandValidationError("bank_code", "bank code is required")
	}
	return validateEnvironment(m.Request.Environment)
}

type UpdateConsentStatusMessage struct {
	ConsentID string
	Status    core.ConsentStatus
	Reason    string
}

func (UpdateConsentStatusMessage) Type() string { return TypeUpdateConsentStatus }

func (m UpdateConsentStatusMessage) Validate() error {
	if strings.TrimSpace(m.ConsentID) == "" {
		return commandValidationError("consent_id", "consent id is required")
	}
	switch m.Status {
	case core.ConsentStatusPending,
		core.ConsentStatusAuthorized,
		core.ConsentStatusRejected,
		core.ConsentStatusRevoked,
		core.ConsentStatusExpired:
		return nil
	case "":
		return commandValidationError("status", "consent status is required")
	default:
		return commandInvalidInputError("command: unknown consent status " + string(m.Status))
	}
}

func validateEnvironment(environment core.Environment) error {
	if environment == "" {
		return commandValidationError("environment", "environment is required")
	}
	if !environment.Valid() {
		return commandInvalidInputError("command: unknown environment " + string(environment))
	}
	return nil
}
