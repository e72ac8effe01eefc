package sqlstore

import "github.com/goliatone/go-openbanking/core"

var (
	_ core.TokenStore                = (*TokenStore)(nil)
	_ core.PendingAuthorizationStore = (*PendingAuthorizationStore)(nil)
	_ core.ConsentStore              = (*ConsentStore)(nil)
	_ core.StoreProvider             = (*RepositoryFactory)(nil)
	_ core.RepositoryStoreFactory    = (*RepositoryFactory)(nil)
)
