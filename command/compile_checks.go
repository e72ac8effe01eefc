package command

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-openbanking/core"
)

var (
	_ gocmd.Commander[RegisterBankMessage]        = (*RegisterBankCommand)(nil)
	_ gocmd.Commander[InitiatePARMessage]         = (*InitiatePARCommand)(nil)
	_ gocmd.Commander[ExchangeCodeMessage]        = (*ExchangeCodeCommand)(nil)
	_ gocmd.Commander[RefreshTokenMessage]        = (*RefreshTokenCommand)(nil)
	_ gocmd.Commander[ClientCredentialsMessage]   = (*ClientCredentialsCommand)(nil)
	_ gocmd.Commander[EnsureActiveTokenMessage]   = (*EnsureActiveTokenCommand)(nil)
	_ gocmd.Commander[EnsureTokenFreshMessage]    = (*EnsureTokenFreshCommand)(nil)
	_ gocmd.Commander[RevokeTokenMessage]         = (*RevokeTokenCommand)(nil)
	_ gocmd.Commander[UpdateConsentStatusMessage] = (*UpdateConsentStatusCommand)(nil)
)

var (
	_ MutatingService        = (core.BankingService)(nil)
	_ ConsentMutatingService = (core.ConsentStore)(nil)
)
