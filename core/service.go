package core

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
)

var ErrSecretNotFound = errors.New("core: secret not found")

const (
	metadataKeyConsentID           = "consent_id"
	metadataKeyRefreshTokenRotated = "refresh_token_rotated"

	clientSecretNamePrefix = "openbanking.client_secret."
)

// ClientSecretName is the vault slot a bank's client secret is read from.
// Deployments seed the vault under this name per bank and environment.
func ClientSecretName(bankCode string, environment Environment) string {
	return clientSecretNamePrefix + strings.ToLower(strings.TrimSpace(bankCode)) + "." + string(environment)
}

type Service struct {
	config            Config
	logger            Logger
	loggerProvider    LoggerProvider
	metricsRecorder   MetricsRecorder
	errorFactory      ErrorFactory
	errorMapper       ErrorMapper
	secretProvider    SecretProvider
	secretVault       SecretVault
	persistenceClient any
	repositoryFactory any
	configProvider    ConfigProvider
	optionsResolver   OptionsResolver
	registry          *BankRegistry
	protocolClient    ProtocolClient
	httpClient        HTTPDoer
	tokenStore        TokenStore
	pendingStore      PendingAuthorizationStore
	consentStore      ConsentStore
	rateLimitPolicy   RateLimitPolicy
	redirectResolver  RedirectURIResolver
	tokenManager      *TokenManager
	nowFn             func() time.Time
}

type ServiceDependencies struct {
	Logger            Logger
	LoggerProvider    LoggerProvider
	MetricsRecorder   MetricsRecorder
	ErrorFactory      ErrorFactory
	ErrorMapper       ErrorMapper
	SecretProvider    SecretProvider
	SecretVault       SecretVault
	PersistenceClient any
	RepositoryFactory any
	ConfigProvider    ConfigProvider
	OptionsResolver   OptionsResolver
	Registry          *BankRegistry
	ProtocolClient    ProtocolClient
	HTTPClient        HTTPDoer
	TokenStore        TokenStore
	PendingStore      PendingAuthorizationStore
	ConsentStore      ConsentStore
	RateLimitPolicy   RateLimitPolicy
	RedirectResolver  RedirectURIResolver
	TokenManager      *TokenManager
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	builder := defaultServiceBuilder(cfg)
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	provider, logger := glog.Resolve("openbanking", builder.loggerProvider, builder.logger)
	logger = glog.Ensure(logger)
	if provider != nil {
		if named := provider.GetLogger("openbanking"); named != nil {
			logger = glog.Ensure(named)
		}
	}

	if builder.errorFactory == nil {
		builder.errorFactory = goerrors.New
	}
	if builder.metricsRecorder == nil {
		builder.metricsRecorder = NopMetricsRecorder{}
	}
	if builder.errorMapper == nil {
		builder.errorMapper = defaultErrorMapper
	}
	if builder.configProvider == nil {
		builder.configProvider = NewCfgxConfigProvider(nil)
	}
	if builder.optionsResolver == nil {
		builder.optionsResolver = GoOptionsResolver{}
	}
	if builder.registry == nil {
		builder.registry = NewBankRegistry()
	}

	defaults := DefaultConfig()
	loaded, err := builder.configProvider.Load(context.Background(), defaults)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	finalConfig, err := builder.optionsResolver.Resolve(defaults, loaded, builder.runtimeConfig)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}

	needsStores := builder.tokenStore == nil || builder.pendingStore == nil || builder.consentStore == nil
	if needsStores && builder.repositoryFactory != nil {
		if storeFactory, ok := builder.repositoryFactory.(RepositoryStoreFactory); ok {
			storeProvider, buildErr := storeFactory.BuildStores(builder.persistenceClient)
			if buildErr != nil {
				return nil, mapBuildError(builder.errorMapper, buildErr)
			}
			if storeProvider != nil {
				if builder.tokenStore == nil {
					builder.tokenStore = storeProvider.TokenStore()
				}
				if builder.pendingStore == nil {
					builder.pendingStore = storeProvider.PendingAuthorizationStore()
				}
				if builder.consentStore == nil {
					builder.consentStore = storeProvider.ConsentStore()
				}
			}
		} else if storeProvider, ok := builder.repositoryFactory.(StoreProvider); ok {
			if builder.tokenStore == nil {
				builder.tokenStore = storeProvider.TokenStore()
			}
			if builder.pendingStore == nil {
				builder.pendingStore = storeProvider.PendingAuthorizationStore()
			}
			if builder.consentStore == nil {
				builder.consentStore = storeProvider.ConsentStore()
			}
		}
	}
	if builder.tokenStore == nil {
		builder.tokenStore = NewMemoryTokenStore()
	}
	if builder.pendingStore == nil {
		builder.pendingStore = NewMemoryPendingAuthorizationStore(0)
	}
	if builder.consentStore == nil {
		builder.consentStore = NewMemoryConsentStore()
	}

	tokenManager := NewTokenManager(builder.tokenStore, finalConfig.Tokens.ExpiringSoonWindow)
	if builder.nowFn != nil {
		tokenManager.nowFn = builder.nowFn
	}

	return &Service{
		config:            finalConfig,
		logger:            logger,
		loggerProvider:    provider,
		metricsRecorder:   builder.metricsRecorder,
		errorFactory:      builder.errorFactory,
		errorMapper:       builder.errorMapper,
		secretProvider:    builder.secretProvider,
		secretVault:       builder.secretVault,
		persistenceClient: builder.persistenceClient,
		repositoryFactory: builder.repositoryFactory,
		configProvider:    builder.configProvider,
		optionsResolver:   builder.optionsResolver,
		registry:          builder.registry,
		protocolClient:    builder.protocolClient,
		httpClient:        builder.httpClient,
		tokenStore:        builder.tokenStore,
		pendingStore:      builder.pendingStore,
		consentStore:      builder.consentStore,
		rateLimitPolicy:   builder.rateLimitPolicy,
		redirectResolver:  builder.redirectResolver,
		tokenManager:      tokenManager,
		nowFn:             builder.nowFn,
	}, nil
}

func Setup(cfg Config, opts ...Option) (*Service, error) {
	return NewService(cfg, opts...)
}

func mapBuildError(mapper ErrorMapper, err error) error {
	if err == nil {
		return nil
	}
	if mapper == nil {
		return err
	}
	mapped := mapper(err)
	if mapped == nil {
		return err
	}
	return mapped
}

func (s *Service) Config() Config {
	if s == nil {
		return Config{}
	}
	return s.config
}

func (s *Service) Dependencies() ServiceDependencies {
	if s == nil {
		return ServiceDependencies{}
	}
	return ServiceDependencies{
		Logger:            s.logger,
		LoggerProvider:    s.loggerProvider,
		MetricsRecorder:   s.metricsRecorder,
		ErrorFactory:      s.errorFactory,
		ErrorMapper:       s.errorMapper,
		SecretProvider:    s.secretProvider,
		SecretVault:       s.secretVault,
		PersistenceClient: s.persistenceClient,
		RepositoryFactory: s.repositoryFactory,
		ConfigProvider:    s.configProvider,
		OptionsResolver:   s.optionsResolver,
		Registry:          s.registry,
		ProtocolClient:    s.protocolClient,
		HTTPClient:        s.httpClient,
		TokenStore:        s.tokenStore,
		PendingStore:      s.pendingStore,
		ConsentStore:      s.consentStore,
		RateLimitPolicy:   s.rateLimitPolicy,
		RedirectResolver:  s.redirectResolver,
		TokenManager:      s.tokenManager,
	}
}

func (s *Service) RegisterBank(configuration BankConfiguration) error {
	if s == nil || s.registry == nil {
		return s.mapError(fmt.Errorf("core: bank registry is not configured"))
	}
	if err := s.registry.Register(configuration); err != nil {
		return s.mapError(err)
	}
	s.logInfo(context.Background(), "bank registered", map[string]any{
		"bank_code":   configuration.BankCode,
		"environment": string(configuration.Environment),
	})
	return nil
}

func (s *Service) ValidateSandboxConfiguration(bankCode string) error {
	if s == nil || s.registry == nil {
		return s.mapError(fmt.Errorf("core: bank registry is not configured"))
	}
	if err := s.registry.ValidateSandbox(bankCode); err != nil {
		return s.mapError(err)
	}
	s.logInfo(context.Background(), "sandbox configuration validated", map[string]any{
		"bank_code":   bankCode,
		"environment": string(EnvironmentSandbox),
	})
	return nil
}

func (s *Service) InitiatePAR(ctx context.Context, req InitiatePARRequest) (result PARResult, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"bank_code":   req.BankCode,
		"environment": string(req.Environment),
	}
	defer func() {
		s.observeOperation(ctx, startedAt, "initiate_par", err, fields)
	}()

	bankCode := strings.TrimSpace(req.BankCode)
	if bankCode == "" {
		err = s.mapError(fmt.Errorf("core: bank code is required"))
		return PARResult{}, err
	}
	scope := strings.TrimSpace(req.Scope)
	if scope == "" {
		err = s.mapError(fmt.Errorf("core: scope is required"))
		return PARResult{}, err
	}

	configuration, err := s.resolveBank(bankCode, req.Environment)
	if err != nil {
		return PARResult{}, err
	}
	fields["client_id"] = configuration.ClientID
	if err = validateRequestedScope(configuration, scope); err != nil {
		err = s.mapError(err)
		return PARResult{}, err
	}
	redirectURI, err := s.resolveRedirectURI(ctx, req, configuration, scope)
	if err != nil {
		return PARResult{}, err
	}
	if s.pendingStore == nil {
		err = s.mapError(fmt.Errorf("core: pending authorization store is not configured"))
		return PARResult{}, err
	}

	state := strings.TrimSpace(req.State)
	if state == "" {
		generated, generateErr := generateStateValue()
		if generateErr != nil {
			err = s.mapError(generateErr)
			return PARResult{}, err
		}
		state = generated
	}
	nonce, err := generateNonce()
	if err != nil {
		err = s.mapError(err)
		return PARResult{}, err
	}
	pkce, err := GeneratePKCE()
	if err != nil {
		err = s.mapError(err)
		return PARResult{}, err
	}

	// The verifier is persisted before the push so a crash between the
	// wire call and the redirect cannot strand an exchangeable code.
	pending := PendingAuthorization{
		ClientID:    configuration.ClientID,
		BankCode:    bankCode,
		Environment: configuration.Environment,
		Verifier:    pkce.Verifier,
		Challenge:   pkce.Challenge,
		State:       state,
		Nonce:       nonce,
		RedirectURI: redirectURI,
		Scope:       scope,
		Metadata:    copyAnyMap(req.Metadata),
	}
	if err = s.pendingStore.Save(ctx, pending); err != nil {
		err = s.mapError(err)
		return PARResult{}, err
	}

	clientSecret, err := s.resolveClientSecret(ctx, configuration)
	if err != nil {
		err = s.mapError(err)
		return PARResult{}, err
	}
	client, err := s.protocol()
	if err != nil {
		return PARResult{}, err
	}
	authorization, err := client.PushAuthorizationRequest(ctx, PushAuthorizationInput{
		Configuration: configuration,
		ClientSecret:  clientSecret,
		RedirectURI:   redirectURI,
		Scope:         scope,
		State:         state,
		Nonce:         nonce,
		CodeChallenge: pkce.Challenge,
	})
	if err != nil {
		err = s.mapError(err)
		return PARResult{}, err
	}

	consentID := ""
	if s.consentStore != nil {
		consent, consentErr := s.consentStore.Save(ctx, ConsentRecord{
			ClientID:        configuration.ClientID,
			BankCode:        bankCode,
			Environment:     configuration.Environment,
			RequestedScopes: strings.Fields(scope),
			Status:          ConsentStatusPending,
			Metadata:        copyAnyMap(req.Metadata),
		})
		if consentErr != nil {
			err = s.mapError(consentErr)
			return PARResult{}, err
		}
		consentID = consent.ID
	}

	pending.RequestURI = authorization.RequestURI
	pending.ConsentID = consentID
	if err = s.pendingStore.Save(ctx, pending); err != nil {
		err = s.mapError(err)
		return PARResult{}, err
	}

	if err = s.markAuthorizationRequested(ctx, configuration, bankCode); err != nil {
		return PARResult{}, err
	}

	result = PARResult{
		Request:   authorization,
		State:     state,
		Nonce:     nonce,
		ConsentID: consentID,
	}
	return result, nil
}

// markAuthorizationRequested moves the stored token record into the
// authorization-pending status, restarting the machine when a previous
// session left it mid-flow.
func (s *Service) markAuthorizationRequested(ctx context.Context, configuration BankConfiguration, bankCode string) error {
	if s == nil || s.tokenStore == nil {
		return nil
	}
	record := TokenRecord{
		ClientID:    configuration.ClientID,
		BankCode:    bankCode,
		Environment: configuration.Environment,
	}
	stored, loadErr := s.tokenStore.Get(ctx, record.Key())
	switch {
	case loadErr == nil:
		record = stored
	case errors.Is(loadErr, ErrTokenNotFound):
	default:
		return s.mapError(loadErr)
	}

	switch record.Status {
	case TokenStatusNone, TokenStatusExpired, TokenStatusPARIssued, "":
	default:
		if resetErr := record.TransitionTo(TokenStatusNone, "authorization restarted", s.now()); resetErr != nil {
			return s.mapError(resetErr)
		}
	}
	if transitionErr := record.TransitionTo(TokenStatusPARIssued, "authorization requested", s.now()); transitionErr != nil {
		return s.mapError(transitionErr)
	}
	if saveErr := s.tokenStore.Save(ctx, record); saveErr != nil {
		return s.mapError(saveErr)
	}
	return nil
}

func (s *Service) BuildAuthorizationURL(ctx context.Context, req BuildAuthorizationURLRequest) (authorizationURL string, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"bank_code":   req.BankCode,
		"environment": string(req.Environment),
	}
	defer func() {
		s.observeOperation(ctx, startedAt, "build_authorization_url", err, fields)
	}()

	configuration, err := s.resolveBank(req.BankCode, req.Environment)
	if err != nil {
		return "", err
	}
	fields["client_id"] = configuration.ClientID

	requestURI := strings.TrimSpace(req.RequestURI)
	if !strings.HasPrefix(requestURI, RequestURIPrefix) {
		err = s.mapError(fmt.Errorf("core: request uri must start with %s", RequestURIPrefix))
		return "", err
	}

	authorizationURL = configuration.AuthorizationEndpoint +
		"?request_uri=" + url.QueryEscape(requestURI) +
		"&client_id=" + url.QueryEscape(configuration.ClientID)
	return authorizationURL, nil
}

func (s *Service) ExchangeCode(ctx context.Context, req ExchangeCodeRequest) (result ExchangeResult, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"bank_code":   req.BankCode,
		"environment": string(req.Environment),
	}
	defer func() {
		s.observeOperation(ctx, startedAt, "exchange_code", err, fields)
	}()

	bankCode := strings.TrimSpace(req.BankCode)
	if bankCode == "" {
		err = s.mapError(fmt.Errorf("core: bank code is required"))
		return ExchangeResult{}, err
	}
	code := strings.TrimSpace(req.Code)
	if code == "" {
		err = s.mapError(fmt.Errorf("core: authorization code is required"))
		return ExchangeResult{}, err
	}

	configuration, err := s.resolveBank(bankCode, req.Environment)
	if err != nil {
		return ExchangeResult{}, err
	}
	fields["client_id"] = configuration.ClientID
	if s.pendingStore == nil {
		err = s.mapError(fmt.Errorf("core: pending authorization store is not configured"))
		return ExchangeResult{}, err
	}

	pending, err := s.pendingStore.Get(ctx, TokenKey{
		ClientID:    configuration.ClientID,
		BankCode:    bankCode,
		Environment: configuration.Environment,
	})
	if err != nil {
		err = s.mapError(err)
		return ExchangeResult{}, err
	}

	redirectURI := strings.TrimSpace(req.RedirectURI)
	if redirectURI == "" {
		redirectURI = pending.RedirectURI
	} else if pending.RedirectURI != "" && redirectURI != pending.RedirectURI {
		err = s.mapError(fmt.Errorf("core: redirect uri does not match the pending authorization"))
		return ExchangeResult{}, err
	}

	clientSecret, err := s.resolveClientSecret(ctx, configuration)
	if err != nil {
		err = s.mapError(err)
		return ExchangeResult{}, err
	}
	client, err := s.protocol()
	if err != nil {
		return ExchangeResult{}, err
	}

	// The pending record survives a failed exchange so the caller can
	// retry with the same verifier while the code is still redeemable.
	token, err := client.ExchangeAuthorizationCode(ctx, ExchangeCodeInput{
		Configuration: configuration,
		ClientSecret:  clientSecret,
		Code:          code,
		RedirectURI:   redirectURI,
		CodeVerifier:  pending.Verifier,
	})
	if err != nil {
		err = s.mapError(err)
		return ExchangeResult{}, err
	}
	if token.IssuedAt.IsZero() {
		token.IssuedAt = s.now()
	}

	record := TokenRecord{
		ClientID:    configuration.ClientID,
		BankCode:    bankCode,
		Environment: configuration.Environment,
	}
	if s.tokenStore != nil {
		stored, loadErr := s.tokenStore.Get(ctx, record.Key())
		switch {
		case loadErr == nil:
			record = stored
		case errors.Is(loadErr, ErrTokenNotFound):
		default:
			err = s.mapError(loadErr)
			return ExchangeResult{}, err
		}
	}
	if record.Status == "" || record.Status == TokenStatusNone {
		// A surviving pending authorization proves the push happened even
		// when the token record did not outlive a restart.
		record.Status = TokenStatusPARIssued
	}
	if err = record.TransitionTo(TokenStatusCodeReceived, "authorization code received", s.now()); err != nil {
		err = s.mapError(err)
		return ExchangeResult{}, err
	}
	record.Token = token
	if err = record.TransitionTo(TokenStatusActive, "", s.now()); err != nil {
		err = s.mapError(err)
		return ExchangeResult{}, err
	}

	metadata := copyAnyMap(record.Metadata)
	for key, value := range req.Metadata {
		metadata[key] = value
	}
	if pending.ConsentID != "" {
		metadata[metadataKeyConsentID] = pending.ConsentID
	}
	record.Metadata = metadata

	if s.tokenStore != nil {
		if saveErr := s.tokenStore.Save(ctx, record); saveErr != nil {
			err = s.mapError(saveErr)
			return ExchangeResult{}, err
		}
	}

	if deleteErr := s.pendingStore.Delete(ctx, pending.Key()); deleteErr != nil {
		s.logWarn(ctx, "pending authorization cleanup failed", map[string]any{
			"bank_code":   bankCode,
			"environment": string(configuration.Environment),
			"error":       deleteErr.Error(),
		})
	}

	grantedScope := strings.TrimSpace(token.Scope)
	if grantedScope == "" {
		grantedScope = pending.Scope
	}
	s.settleConsent(ctx, pending.ConsentID, grantedScope)

	result = ExchangeResult{
		Record:    record,
		ConsentID: pending.ConsentID,
	}
	return result, nil
}

// settleConsent marks a consent authorized once its code has been
// exchanged. Bookkeeping failures are logged, not returned; the token is
// already issued at this point.
func (s *Service) settleConsent(ctx context.Context, consentID string, grantedScope string) {
	if s == nil || s.consentStore == nil || strings.TrimSpace(consentID) == "" {
		return
	}
	consent, err := s.consentStore.Get(ctx, consentID)
	if err != nil {
		s.logWarn(ctx, "consent lookup failed after exchange", map[string]any{
			"consent_id": consentID,
			"error":      err.Error(),
		})
		return
	}
	if err := consent.TransitionTo(ConsentStatusAuthorized, "authorization code exchanged", s.now()); err != nil {
		s.logWarn(ctx, "consent transition failed after exchange", map[string]any{
			"consent_id": consentID,
			"error":      err.Error(),
		})
		return
	}
	consent.GrantedScopes = strings.Fields(grantedScope)
	if _, err := s.consentStore.Save(ctx, consent); err != nil {
		s.logWarn(ctx, "consent update failed after exchange", map[string]any{
			"consent_id": consentID,
			"error":      err.Error(),
		})
	}
}

func (s *Service) Refresh(ctx context.Context, req RefreshTokenRequest) (result RefreshTokenResult, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"bank_code":   req.BankCode,
		"environment": string(req.Environment),
	}
	defer func() {
		s.observeOperation(ctx, startedAt, "refresh", err, fields)
	}()

	bankCode := strings.TrimSpace(req.BankCode)
	if bankCode == "" {
		err = s.mapError(fmt.Errorf("core: bank code is required"))
		return RefreshTokenResult{}, err
	}
	configuration, err := s.resolveBank(bankCode, req.Environment)
	if err != nil {
		return RefreshTokenResult{}, err
	}
	fields["client_id"] = configuration.ClientID

	if req.Token != nil {
		refreshed, rotated, refreshErr := s.refreshToken(ctx, configuration, *req.Token)
		if refreshErr != nil {
			err = s.mapError(refreshErr)
			return RefreshTokenResult{}, err
		}
		result = RefreshTokenResult{
			Record: TokenRecord{
				ClientID:    configuration.ClientID,
				BankCode:    bankCode,
				Environment: configuration.Environment,
				Token:       refreshed,
				Status:      TokenStatusActive,
			},
			Rotated: rotated,
		}
		return result, nil
	}

	if s.tokenManager == nil {
		err = s.mapError(fmt.Errorf("core: token manager is not configured"))
		return RefreshTokenResult{}, err
	}
	record, err := s.tokenManager.Refresh(ctx, TokenKey{
		ClientID:    configuration.ClientID,
		BankCode:    bankCode,
		Environment: configuration.Environment,
	}, s.storedTokenRefresher(configuration))
	if err != nil {
		err = s.mapError(err)
		return RefreshTokenResult{}, err
	}

	rotated, _ := record.Metadata[metadataKeyRefreshTokenRotated].(bool)
	result = RefreshTokenResult{Record: record, Rotated: rotated}
	return result, nil
}

func (s *Service) ClientCredentials(ctx context.Context, req ClientCredentialsRequest) (record TokenRecord, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"bank_code":   req.BankCode,
		"environment": string(req.Environment),
	}
	defer func() {
		s.observeOperation(ctx, startedAt, "client_credentials", err, fields)
	}()

	bankCode := strings.TrimSpace(req.BankCode)
	if bankCode == "" {
		err = s.mapError(fmt.Errorf("core: bank code is required"))
		return TokenRecord{}, err
	}
	configuration, err := s.resolveBank(bankCode, req.Environment)
	if err != nil {
		return TokenRecord{}, err
	}
	fields["client_id"] = configuration.ClientID

	clientSecret, err := s.resolveClientSecret(ctx, configuration)
	if err != nil {
		err = s.mapError(err)
		return TokenRecord{}, err
	}
	client, err := s.protocol()
	if err != nil {
		return TokenRecord{}, err
	}

	token, err := client.ClientCredentialsGrant(ctx, ClientCredentialsInput{
		Configuration: configuration,
		ClientSecret:  clientSecret,
		Scope:         strings.TrimSpace(req.Scope),
	})
	if err != nil {
		err = s.mapError(err)
		return TokenRecord{}, err
	}
	// Client-credentials grants never rotate; a refresh token in the
	// response would be a server bug and is dropped.
	token.RefreshToken = ""
	if token.IssuedAt.IsZero() {
		token.IssuedAt = s.now()
	}

	// These tokens are cheap to re-acquire and are held by the caller, so
	// they are not written to the token store and cannot collide with an
	// authorization-code session under the same key.
	record = TokenRecord{
		ClientID:    configuration.ClientID,
		BankCode:    bankCode,
		Environment: configuration.Environment,
		Token:       token,
		Status:      TokenStatusActive,
		Metadata:    copyAnyMap(req.Metadata),
		CreatedAt:   s.now(),
		UpdatedAt:   s.now(),
	}
	return record, nil
}

func (s *Service) EnsureActiveToken(ctx context.Context, req EnsureActiveTokenRequest) (record TokenRecord, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"bank_code":   req.BankCode,
		"environment": string(req.Environment),
	}
	defer func() {
		s.observeOperation(ctx, startedAt, "ensure_active_token", err, fields)
	}()

	bankCode := strings.TrimSpace(req.BankCode)
	if bankCode == "" {
		err = s.mapError(fmt.Errorf("core: bank code is required"))
		return TokenRecord{}, err
	}
	configuration, err := s.resolveBank(bankCode, req.Environment)
	if err != nil {
		return TokenRecord{}, err
	}
	fields["client_id"] = configuration.ClientID
	if s.tokenManager == nil {
		err = s.mapError(fmt.Errorf("core: token manager is not configured"))
		return TokenRecord{}, err
	}

	record, err = s.tokenManager.EnsureActive(ctx, TokenKey{
		ClientID:    configuration.ClientID,
		BankCode:    bankCode,
		Environment: configuration.Environment,
	}, s.storedTokenRefresher(configuration))
	if err != nil {
		err = s.mapError(err)
		return TokenRecord{}, err
	}
	return record, nil
}

func (s *Service) IsTokenValid(ctx context.Context, req IsTokenValidRequest) bool {
	valid := false
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"bank_code":   req.BankCode,
		"environment": string(req.Environment),
	}
	defer func() {
		fields["valid"] = valid
		s.observeOperation(ctx, startedAt, "is_token_valid", nil, fields)
	}()

	configuration, err := s.resolveBank(req.BankCode, req.Environment)
	if err != nil {
		return false
	}
	fields["client_id"] = configuration.ClientID

	accessToken := strings.TrimSpace(req.AccessToken)
	if accessToken == "" && s.tokenStore != nil {
		stored, loadErr := s.tokenStore.Get(ctx, TokenKey{
			ClientID:    configuration.ClientID,
			BankCode:    configuration.BankCode,
			Environment: configuration.Environment,
		})
		if loadErr != nil {
			return false
		}
		accessToken = strings.TrimSpace(stored.Token.AccessToken)
	}
	if accessToken == "" {
		return false
	}

	clientSecret, err := s.resolveClientSecret(ctx, configuration)
	if err != nil {
		return false
	}
	client, err := s.protocol()
	if err != nil {
		return false
	}

	introspection, err := client.Introspect(ctx, IntrospectInput{
		Configuration: configuration,
		ClientSecret:  clientSecret,
		AccessToken:   accessToken,
	})
	if err != nil {
		// Introspection failures read as invalid rather than erroring so
		// callers can branch on a plain boolean.
		s.logWarn(ctx, "token introspection failed", map[string]any{
			"bank_code":   configuration.BankCode,
			"environment": string(configuration.Environment),
			"error":       err.Error(),
		})
		return false
	}
	valid = introspection.Active
	return valid
}

func (s *Service) RevokeToken(ctx context.Context, req RevokeTokenRequest) (err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"bank_code":   req.BankCode,
		"environment": string(req.Environment),
	}
	defer func() {
		s.observeOperation(ctx, startedAt, "revoke_token", err, fields)
	}()

	bankCode := strings.TrimSpace(req.BankCode)
	if bankCode == "" {
		err = s.mapError(fmt.Errorf("core: bank code is required"))
		return err
	}
	configuration, err := s.resolveBank(bankCode, req.Environment)
	if err != nil {
		return err
	}
	fields["client_id"] = configuration.ClientID
	if s.tokenStore == nil {
		err = s.mapError(fmt.Errorf("core: token store is not configured"))
		return err
	}

	record, err := s.tokenStore.Get(ctx, TokenKey{
		ClientID:    configuration.ClientID,
		BankCode:    bankCode,
		Environment: configuration.Environment,
	})
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			err = nil
			return nil
		}
		err = s.mapError(err)
		return err
	}

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "token revoked"
	}

	// Revoking the refresh token kills the whole grant; the access token
	// is only the fallback when no refresh token was issued.
	revocable := record.Token.RefreshToken
	hint := "refresh_token"
	if strings.TrimSpace(revocable) == "" {
		revocable = record.Token.AccessToken
		hint = "access_token"
	}
	if strings.TrimSpace(revocable) != "" {
		clientSecret, secretErr := s.resolveClientSecret(ctx, configuration)
		if secretErr != nil {
			err = s.mapError(secretErr)
			return err
		}
		client, clientErr := s.protocol()
		if clientErr != nil {
			err = clientErr
			return err
		}
		if revokeErr := client.RevokeGrant(ctx, RevokeGrantInput{
			Configuration: configuration,
			ClientSecret:  clientSecret,
			Token:         revocable,
			TokenTypeHint: hint,
		}); revokeErr != nil {
			err = s.mapError(revokeErr)
			return err
		}
	}

	record.Token = Token{}
	if transitionErr := record.TransitionTo(TokenStatusNone, reason, s.now()); transitionErr != nil {
		err = s.mapError(transitionErr)
		return err
	}
	if saveErr := s.tokenStore.Save(ctx, record); saveErr != nil {
		err = s.mapError(saveErr)
		return err
	}

	if consentID, ok := record.Metadata[metadataKeyConsentID].(string); ok && consentID != "" && s.consentStore != nil {
		if _, updateErr := s.consentStore.UpdateStatus(ctx, consentID, ConsentStatusRevoked, reason); updateErr != nil {
			s.logWarn(ctx, "consent revocation bookkeeping failed", map[string]any{
				"consent_id": consentID,
				"error":      updateErr.Error(),
			})
		}
	}
	return nil
}

// storedTokenRefresher adapts the wire refresh into the token manager's
// worker shape. The worker owns persistence and state transitions for the
// stored record.
func (s *Service) storedTokenRefresher(configuration BankConfiguration) RefreshFunc {
	return func(ctx context.Context, current TokenRecord) (TokenRecord, error) {
		return s.refreshStoredRecord(ctx, configuration, current)
	}
}

func (s *Service) refreshStoredRecord(ctx context.Context, configuration BankConfiguration, current TokenRecord) (TokenRecord, error) {
	if !current.Token.HasRefreshToken() {
		wrapped := s.errorFactory(
			fmt.Sprintf("no refresh token is available for bank %q", configuration.BankCode),
			goerrors.CategoryAuth,
		).WithTextCode(BankingErrorUnauthorized)
		return TokenRecord{}, wrapped.WithMetadata(map[string]any{
			"bank_code":                configuration.BankCode,
			"environment":              string(configuration.Environment),
			"reauthorization_required": true,
		})
	}

	if err := current.TransitionTo(TokenStatusRefreshing, "refresh started", s.now()); err != nil {
		return TokenRecord{}, err
	}
	if s.tokenStore != nil {
		if err := s.tokenStore.Save(ctx, current); err != nil {
			return TokenRecord{}, err
		}
	}

	refreshed, rotated, err := s.refreshToken(ctx, configuration, current.Token)
	if err != nil {
		s.recordRefreshFailure(ctx, current, err)
		return TokenRecord{}, err
	}

	next := current
	next.Token = refreshed
	if err := next.TransitionTo(TokenStatusActive, "", s.now()); err != nil {
		return TokenRecord{}, err
	}
	metadata := copyAnyMap(next.Metadata)
	metadata[metadataKeyRefreshTokenRotated] = rotated
	next.Metadata = metadata
	if s.tokenStore != nil {
		if err := s.tokenStore.Save(ctx, next); err != nil {
			return TokenRecord{}, err
		}
	}
	return next, nil
}

// recordRefreshFailure settles the stored record after a failed refresh so
// it is never left in the refreshing status. Recoverable failures return
// the record to active; anything else expires it and forces
// re-authorization.
func (s *Service) recordRefreshFailure(ctx context.Context, current TokenRecord, cause error) {
	if s == nil || s.tokenStore == nil {
		return
	}
	status := TokenStatusActive
	if !IsRecoverable(cause) {
		status = TokenStatusExpired
	}
	if err := current.TransitionTo(status, "refresh failed: "+cause.Error(), s.now()); err != nil {
		s.logWarn(ctx, "token status settle failed after refresh failure", map[string]any{
			"bank_code":   current.BankCode,
			"environment": string(current.Environment),
			"error":       err.Error(),
		})
		return
	}
	if err := s.tokenStore.Save(ctx, current); err != nil {
		s.logWarn(ctx, "token record save failed after refresh failure", map[string]any{
			"bank_code":   current.BankCode,
			"environment": string(current.Environment),
			"error":       err.Error(),
		})
	}
}

func (s *Service) refreshToken(ctx context.Context, configuration BankConfiguration, current Token) (Token, bool, error) {
	if !current.HasRefreshToken() {
		wrapped := s.errorFactory(
			fmt.Sprintf("no refresh token is available for bank %q", configuration.BankCode),
			goerrors.CategoryAuth,
		).WithTextCode(BankingErrorUnauthorized)
		return Token{}, false, wrapped.WithMetadata(map[string]any{
			"bank_code":                configuration.BankCode,
			"environment":              string(configuration.Environment),
			"reauthorization_required": true,
		})
	}

	clientSecret, err := s.resolveClientSecret(ctx, configuration)
	if err != nil {
		return Token{}, false, err
	}
	client, err := s.protocol()
	if err != nil {
		return Token{}, false, err
	}

	refreshed, err := client.RefreshGrant(ctx, RefreshGrantInput{
		Configuration: configuration,
		ClientSecret:  clientSecret,
		RefreshToken:  current.RefreshToken,
	})
	if err != nil {
		return Token{}, false, err
	}

	rotated := strings.TrimSpace(refreshed.RefreshToken) != "" &&
		refreshed.RefreshToken != current.RefreshToken
	if strings.TrimSpace(refreshed.RefreshToken) == "" {
		// RFC 6749 section 6: a response without a refresh token keeps the
		// previous one valid.
		refreshed.RefreshToken = current.RefreshToken
	}
	if refreshed.IssuedAt.IsZero() {
		refreshed.IssuedAt = s.now()
	}
	return refreshed, rotated, nil
}

// resolveRedirectURI prefers the explicit request value, consulting the
// configured resolver only when the caller left it blank.
func (s *Service) resolveRedirectURI(ctx context.Context, req InitiatePARRequest, configuration BankConfiguration, scope string) (string, error) {
	redirectURI := strings.TrimSpace(req.RedirectURI)
	if redirectURI != "" {
		return redirectURI, nil
	}
	if s.redirectResolver != nil {
		resolved, err := s.redirectResolver.ResolveRedirectURI(ctx, RedirectResolveRequest{
			ClientID:    configuration.ClientID,
			BankCode:    configuration.BankCode,
			Environment: configuration.Environment,
			Scope:       scope,
			Metadata:    copyAnyMap(req.Metadata),
		})
		if err != nil {
			return "", s.mapError(fmt.Errorf("core: resolve redirect uri: %w", err))
		}
		redirectURI = strings.TrimSpace(resolved)
	}
	if redirectURI == "" {
		return "", s.mapError(fmt.Errorf("core: redirect uri is required"))
	}
	return redirectURI, nil
}

func (s *Service) resolveBank(bankCode string, environment Environment) (BankConfiguration, error) {
	if s == nil || s.registry == nil {
		return BankConfiguration{}, s.mapError(fmt.Errorf("core: bank registry unavailable"))
	}
	bankCode = strings.TrimSpace(bankCode)
	configuration, ok := s.registry.Resolve(bankCode, environment)
	if ok {
		return configuration, nil
	}
	wrapped := s.errorFactory(
		fmt.Sprintf("bank %q is not registered for environment %q", bankCode, environment),
		goerrors.CategoryNotFound,
	).WithTextCode(BankingErrorNotFound)
	return BankConfiguration{}, wrapped.WithMetadata(map[string]any{
		"bank_code":   bankCode,
		"environment": string(environment),
	})
}

// resolveClientSecret reads the bank's client secret from the vault. A
// missing slot degrades to an empty secret with a warning; sandbox
// registrations for public clients legitimately have none.
func (s *Service) resolveClientSecret(ctx context.Context, configuration BankConfiguration) (string, error) {
	if s == nil || s.secretVault == nil {
		return "", nil
	}
	value, err := s.secretVault.RetrieveSecret(ctx, ClientSecretName(configuration.BankCode, configuration.Environment))
	if err != nil {
		if errors.Is(err, ErrSecretNotFound) {
			s.logWarn(ctx, "client secret not found in vault", map[string]any{
				"bank_code":   configuration.BankCode,
				"environment": string(configuration.Environment),
			})
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(value)), nil
}

func (s *Service) protocol() (ProtocolClient, error) {
	if s == nil || s.protocolClient == nil {
		return nil, s.mapError(fmt.Errorf("core: protocol client is not configured"))
	}
	return s.protocolClient, nil
}

func (s *Service) mapError(err error) error {
	if err == nil {
		return nil
	}
	if s == nil || s.errorMapper == nil {
		return err
	}
	mapped := s.errorMapper(err)
	if mapped == nil {
		return err
	}
	return mapped
}

func (s *Service) now() time.Time {
	if s == nil || s.nowFn == nil {
		return time.Now().UTC()
	}
	return s.nowFn().UTC()
}

func validateRequestedScope(configuration BankConfiguration, scope string) error {
	if len(configuration.SupportedScopes) == 0 {
		return nil
	}
	supported := make(map[string]struct{}, len(configuration.SupportedScopes))
	for _, value := range configuration.SupportedScopes {
		supported[strings.ToLower(strings.TrimSpace(value))] = struct{}{}
	}
	for _, requested := range strings.Fields(scope) {
		if _, ok := supported[strings.ToLower(requested)]; !ok {
			return fmt.Errorf("core: scope %q is not supported by bank %s", requested, configuration.BankCode)
		}
	}
	return nil
}

var _ BankingService = (*Service)(nil)
