package query

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-openbanking/core"
)

var (
	_ gocmd.Querier[LoadTokenMessage, core.TokenRecord]        = (*LoadTokenQuery)(nil)
	_ gocmd.Querier[ValidateTokenMessage, bool]                = (*ValidateTokenQuery)(nil)
	_ gocmd.Querier[BuildAuthorizationURLMessage, string]      = (*BuildAuthorizationURLQuery)(nil)
	_ gocmd.Querier[GetConsentMessage, core.ConsentRecord]     = (*GetConsentQuery)(nil)
	_ gocmd.Querier[ListConsentsMessage, []core.ConsentRecord] = (*ListConsentsQuery)(nil)
)

var (
	_ TokenReader             = (core.TokenStore)(nil)
	_ TokenValidator          = (core.BankingService)(nil)
	_ AuthorizationURLBuilder = (core.BankingService)(nil)
	_ ConsentReader           = (core.ConsentStore)(nil)
)
