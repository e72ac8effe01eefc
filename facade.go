package openbanking

import (
	"fmt"
	"reflect"

	obcommand "github.com/goliatone/go-openbanking/command"
	"github.com/goliatone/go-openbanking/core"
	obquery "github.com/goliatone/go-openbanking/query"
)

// CommandQueryService is the slice of the banking service the facade wires
// command and query handlers onto.
type CommandQueryService interface {
	obcommand.MutatingService
	obquery.TokenValidator
	obquery.AuthorizationURLBuilder
}

type Commands struct {
	RegisterBank        *obcommand.RegisterBankCommand
	InitiatePAR         *obcommand.InitiatePARCommand
	ExchangeCode        *obcommand.ExchangeCodeCommand
	RefreshToken        *obcommand.RefreshTokenCommand
	ClientCredentials   *obcommand.ClientCredentialsCommand
	EnsureActiveToken   *obcommand.EnsureActiveTokenCommand
	EnsureTokenFresh    *obcommand.EnsureTokenFreshCommand
	RevokeToken         *obcommand.RevokeTokenCommand
	UpdateConsentStatus *obcommand.UpdateConsentStatusCommand
}

type Queries struct {
	LoadToken             *obquery.LoadTokenQuery
	ValidateToken         *obquery.ValidateTokenQuery
	BuildAuthorizationURL *obquery.BuildAuthorizationURLQuery
	GetConsent            *obquery.GetConsentQuery
	ListConsents          *obquery.ListConsentsQuery
}

type Facade struct {
	service  CommandQueryService
	commands Commands
	queries  Queries
}

type FacadeOption func(*facadeOptions)

type facadeOptions struct {
	tokenReader  obquery.TokenReader
	consentStore core.ConsentStore
}

// WithFacadeTokenReader overrides where load-token queries read from. By
// default the facade reads from the token store the service was built with.
func WithFacadeTokenReader(reader obquery.TokenReader) FacadeOption {
	return func(options *facadeOptions) {
		options.tokenReader = reader
	}
}

// WithFacadeConsentStore overrides where consent commands and queries land.
func WithFacadeConsentStore(store core.ConsentStore) FacadeOption {
	return func(options *facadeOptions) {
		options.consentStore = store
	}
}

func NewFacade(service CommandQueryService, opts ...FacadeOption) (*Facade, error) {
	if service == nil {
		return nil, fmt.Errorf("openbanking: command/query service is required")
	}
	cfg := facadeOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}

	tokenReader := cfg.tokenReader
	if tokenReader == nil {
		tokenReader = resolveTokenReader(service)
	}
	consentStore := cfg.consentStore
	if consentStore == nil {
		consentStore = resolveConsentStore(service)
	}

	facade := &Facade{service: service}
	facade.commands = Commands{
		RegisterBank:        obcommand.NewRegisterBankCommand(service),
		InitiatePAR:         obcommand.NewInitiatePARCommand(service),
		ExchangeCode:        obcommand.NewExchangeCodeCommand(service),
		RefreshToken:        obcommand.NewRefreshTokenCommand(service),
		ClientCredentials:   obcommand.NewClientCredentialsCommand(service),
		EnsureActiveToken:   obcommand.NewEnsureActiveTokenCommand(service),
		EnsureTokenFresh:    obcommand.NewEnsureTokenFreshCommand(service),
		RevokeToken:         obcommand.NewRevokeTokenCommand(service),
		UpdateConsentStatus: obcommand.NewUpdateConsentStatusCommand(consentStore),
	}
	facade.queries = Queries{
		LoadToken:             obquery.NewLoadTokenQuery(tokenReader),
		ValidateToken:         obquery.NewValidateTokenQuery(service),
		BuildAuthorizationURL: obquery.NewBuildAuthorizationURLQuery(service),
		GetConsent:            obquery.NewGetConsentQuery(consentStore),
		ListConsents:          obquery.NewListConsentsQuery(consentStore),
	}

	return facade, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Service() CommandQueryService {
	if f == nil {
		return nil
	}
	return f.service
}

func resolveTokenReader(service CommandQueryService) obquery.TokenReader {
	if service == nil {
		return nil
	}
	if reader, ok := service.(obquery.TokenReader); ok {
		return reader
	}
	deps, ok := resolveDependencies(service)
	if !ok {
		return nil
	}
	if deps.TokenStore != nil {
		return deps.TokenStore
	}
	if reader, ok := resolveFactoryStore(deps.RepositoryFactory, "TokenStore").(obquery.TokenReader); ok {
		return reader
	}
	return nil
}

func resolveConsentStore(service CommandQueryService) core.ConsentStore {
	if service == nil {
		return nil
	}
	if store, ok := service.(core.ConsentStore); ok {
		return store
	}
	deps, ok := resolveDependencies(service)
	if !ok {
		return nil
	}
	if deps.ConsentStore != nil {
		return deps.ConsentStore
	}
	if store, ok := resolveFactoryStore(deps.RepositoryFactory, "ConsentStore").(core.ConsentStore); ok {
		return store
	}
	return nil
}

func resolveDependencies(service CommandQueryService) (core.ServiceDependencies, bool) {
	provider, ok := service.(interface {
		Dependencies() core.ServiceDependencies
	})
	if !ok {
		return core.ServiceDependencies{}, false
	}
	return provider.Dependencies(), true
}

// resolveFactoryStore asks a repository factory for a named store without
// binding the facade to any concrete factory type.
func resolveFactoryStore(factory any, methodName string) any {
	if factory == nil {
		return nil
	}

	factoryValue := reflect.ValueOf(factory)
	if !factoryValue.IsValid() {
		return nil
	}
	if factoryValue.Kind() == reflect.Ptr && factoryValue.IsNil() {
		return nil
	}
	method := factoryValue.MethodByName(methodName)
	if !method.IsValid() || method.Type().NumIn() != 0 || method.Type().NumOut() != 1 {
		return nil
	}

	results, ok := safeReflectCall(method)
	if !ok {
		return nil
	}
	if len(results) != 1 {
		return nil
	}
	candidate := results[0]
	if !candidate.IsValid() {
		return nil
	}
	if candidate.Kind() == reflect.Ptr && candidate.IsNil() {
		return nil
	}
	return candidate.Interface()
}

func safeReflectCall(method reflect.Value) (_ []reflect.Value, ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return method.Call(nil), true
}
