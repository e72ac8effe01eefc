package command

import (
	"context"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-openbanking/core"
)

// MutatingService is the slice of the banking service that command
// handlers are allowed to touch.
type MutatingService interface {
	RegisterBank(configuration core.BankConfiguration) error
	InitiatePAR(ctx context.Context, req core.InitiatePARRequest) (core.PARResult, error)
	ExchangeCode(ctx context.Context, req core.ExchangeCodeRequest) (core.ExchangeResult, error)
	Refresh(ctx context.Context, req core.RefreshTokenRequest) (core.RefreshTokenResult, error)
	ClientCredentials(ctx context.Context, req core.ClientCredentialsRequest) (core.TokenRecord, error)
	EnsureActiveToken(ctx context.Context, req core.EnsureActiveTokenRequest) (core.TokenRecord, error)
	EnsureTokenFresh(ctx context.Context, req core.EnsureTokenFreshRequest) (core.EnsureTokenFreshResult, error)
	RevokeToken(ctx context.Context, req core.RevokeTokenRequest) error
}

// ConsentMutatingService covers consent decisions that land directly on
// the consent store rather than the banking service.
type ConsentMutatingService interface {
	UpdateStatus(ctx context.Context, id string, status core.ConsentStatus, reason string) (core.ConsentRecord, error)
}

type RegisterBankCommand struct {
	service MutatingService
}

func NewRegisterBankCommand(service MutatingService) *RegisterBankCommand {
	return &RegisterBankCommand{service: service}
}

func (c *RegisterBankCommand) Execute(ctx context.Context, msg RegisterBankMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: banking service is required")
	}
	return c.service.RegisterBank(msg.Configuration)
}

type InitiatePARCommand struct {
	service MutatingService
}

func NewInitiatePARCommand(service MutatingService) *InitiatePARCommand {
	return &InitiatePARCommand{service: service}
}

func (c *InitiatePARCommand) Execute(ctx context.Context, msg InitiatePARMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: banking service is required")
	}
	out, err := c.service.InitiatePAR(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type ExchangeCodeCommand struct {
	service MutatingService
}

func NewExchangeCodeCommand(service MutatingService) *ExchangeCodeCommand {
	return &ExchangeCodeCommand{service: service}
}

func (c *ExchangeCodeCommand) Execute(ctx context.Context, msg ExchangeCodeMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: banking service is required")
	}
	out, err := c.service.ExchangeCode(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type RefreshTokenCommand struct {
	service MutatingService
}

func NewRefreshTokenCommand(service MutatingService) *RefreshTokenCommand {
	return &RefreshTokenCommand{service: service}
}

func (c *RefreshTokenCommand) Execute(ctx context.Context, msg RefreshTokenMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: banking service is required")
	}
	out, err := c.service.Refresh(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type ClientCredentialsCommand struct {
	service MutatingService
}

func NewClientCredentialsCommand(service MutatingService) *ClientCredentialsCommand {
	return &ClientCredentialsCommand{service: service}
}

func (c *ClientCredentialsCommand) Execute(ctx context.Context, msg ClientCredentialsMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: banking service is required")
	}
	out, err := c.service.ClientCredentials(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type EnsureActiveTokenCommand struct {
	service MutatingService
}

func NewEnsureActiveTokenCommand(service MutatingService) *EnsureActiveTokenCommand {
	return &EnsureActiveTokenCommand{service: service}
}

func (c *EnsureActiveTokenCommand) Execute(ctx context.Context, msg EnsureActiveTokenMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: banking service is required")
	}
	out, err := c.service.EnsureActiveToken(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type EnsureTokenFreshCommand struct {
	service MutatingService
}

func NewEnsureTokenFreshCommand(service MutatingService) *EnsureTokenFreshCommand {
	return &EnsureTokenFreshCommand{service: service}
}

func (c *EnsureTokenFreshCommand) Execute(ctx context.Context, msg EnsureTokenFreshMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: banking service is required")
	}
	out, err := c.service.EnsureTokenFresh(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type RevokeTokenCommand struct {
	service MutatingService
}

func NewRevokeTokenCommand(service MutatingService) *RevokeTokenCommand {
	return &RevokeTokenCommand{service: service}
}

func (c *RevokeTokenCommand) Execute(ctx context.Context, msg RevokeTokenMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: banking service is required")
	}
	return c.service.RevokeToken(ctx, msg.Request)
}

type UpdateConsentStatusCommand struct {
	consents ConsentMutatingService
}

func NewUpdateConsentStatusCommand(consents ConsentMutatingService) *UpdateConsentStatusCommand {
	return &UpdateConsentStatusCommand{consents: consents}
}

func (c *UpdateConsentStatusCommand) Execute(ctx context.Context, msg UpdateConsentStatusMessage) error {
	if c == nil || c.consents == nil {
		return commandDependencyError("command: consent store is required")
	}
	out, err := c.consents.UpdateStatus(ctx, msg.ConsentID, msg.Status, msg.Reason)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
