package core

import (
	"context"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

type fixedConfigProvider struct {
	cfg Config
}

func (p *fixedConfigProvider) Load(context.Context, Config) (Config, error) {
	return p.cfg, nil
}

type fixedOptionsResolver struct {
	cfg Config
}

func (r *fixedOptionsResolver) Resolve(Config, Config, Config) (Config, error) {
	return r.cfg, nil
}

type testSecretProvider struct{}

func (testSecretProvider) Encrypt(_ context.Context, plaintext []byte) ([]byte, error) {
	return plaintext, nil
}

func (testSecretProvider) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	return ciphertext, nil
}

func TestNewService_DefaultDependencies(t *testing.T) {
	svc, err := NewService(Config{})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	deps := svc.Dependencies()
	if deps.Logger == nil {
		t.Fatalf("expected default logger")
	}
	if deps.LoggerProvider == nil {
		t.Fatalf("expected default logger provider")
	}
	if deps.ErrorFactory == nil {
		t.Fatalf("expected default error factory")
	}
	if deps.ErrorMapper == nil {
		t.Fatalf("expected default error mapper")
	}
	if deps.ConfigProvider == nil {
		t.Fatalf("expected default config provider")
	}
	if deps.OptionsResolver == nil {
		t.Fatalf("expected default options resolver")
	}
	if deps.Registry == nil {
		t.Fatalf("expected default bank registry")
	}
	if deps.TokenStore == nil || deps.PendingStore == nil || deps.ConsentStore == nil {
		t.Fatalf("expected in-memory store fallbacks")
	}
	if deps.TokenManager == nil {
		t.Fatalf("expected a token manager")
	}
	if got := svc.Config().ServiceName; got != "openbanking" {
		t.Fatalf("expected default config service_name=openbanking, got %q", got)
	}
	if got := svc.Config().Environment; got != string(EnvironmentSandbox) {
		t.Fatalf("expected default environment, got %q", got)
	}
}

func TestNewService_WithOverrides(t *testing.T) {
	customLogger := stubLogger{}
	customProvider := stubLoggerProvider{logger: customLogger}
	customFactory := func(message string, category ...goerrors.Category) *goerrors.Error {
		return goerrors.New("custom:"+message, category...)
	}
	customMapper := func(err error) *goerrors.Error {
		return goerrors.New("mapped", goerrors.CategoryOperation)
	}
	persistenceClient := &struct{ Name string }{Name: "persistence"}
	repositoryFactory := &struct{ Name string }{Name: "repo"}
	configProvider := &fixedConfigProvider{cfg: Config{ServiceName: "from-provider"}}
	optionsResolver := &fixedOptionsResolver{cfg: Config{ServiceName: "resolved"}}
	secretProvider := testSecretProvider{}
	vault := newMemoryVault()
	tokenStore := NewMemoryTokenStore()
	registry := NewBankRegistry()

	svc, err := NewService(Config{ServiceName: "runtime"},
		WithLogger(customLogger),
		WithLoggerProvider(customProvider),
		WithErrorFactory(customFactory),
		WithErrorMapper(customMapper),
		WithSecretProvider(secretProvider),
		WithSecretVault(vault),
		WithPersistenceClient(persistenceClient),
		WithRepositoryFactory(repositoryFactory),
		WithConfigProvider(configProvider),
		WithOptionsResolver(optionsResolver),
		WithBankRegistry(registry),
		WithTokenStore(tokenStore),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	deps := svc.Dependencies()
	if deps.Logger != customLogger {
		t.Fatalf("expected custom logger override")
	}
	if deps.LoggerProvider == nil {
		t.Fatalf("expected custom logger provider override")
	}
	if resolved := deps.LoggerProvider.GetLogger("openbanking.override"); resolved != customLogger {
		t.Fatalf("expected logger provider to resolve custom logger")
	}
	if deps.PersistenceClient != persistenceClient {
		t.Fatalf("expected custom persistence client override")
	}
	if deps.RepositoryFactory != repositoryFactory {
		t.Fatalf("expected custom repository factory override")
	}
	if deps.ConfigProvider != configProvider {
		t.Fatalf("expected custom config provider override")
	}
	if deps.OptionsResolver != optionsResolver {
		t.Fatalf("expected custom options resolver override")
	}
	if deps.SecretProvider != secretProvider {
		t.Fatalf("expected custom secret provider override")
	}
	if deps.SecretVault != vault {
		t.Fatalf("expected custom secret vault override")
	}
	if deps.Registry != registry {
		t.Fatalf("expected custom bank registry override")
	}
	if deps.TokenStore != tokenStore {
		t.Fatalf("expected custom token store override")
	}
	if got := svc.Config().ServiceName; got != "resolved" {
		t.Fatalf("expected options resolver output config, got %q", got)
	}
}

func TestNewService_ConfigLayeringPrecedence(t *testing.T) {
	provider := NewCfgxConfigProvider(mapRawLoader{values: map[string]any{
		"service_name": "from-config",
		"tokens": map[string]any{
			"refresh_lead_window": 10 * time.Minute,
		},
	}})

	svc, err := NewService(Config{ServiceName: "from-runtime"}, WithConfigProvider(provider))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	cfg := svc.Config()
	if cfg.ServiceName != "from-runtime" {
		t.Fatalf("expected runtime value to override config/default, got %q", cfg.ServiceName)
	}
	if cfg.Tokens.RefreshLeadWindow != 10*time.Minute {
		t.Fatalf("expected config layer value for tokens, got %v", cfg.Tokens.RefreshLeadWindow)
	}
	// Fields no layer touched keep their defaults.
	if cfg.Retry.MaxAttempts != 3 {
		t.Fatalf("expected default retry attempts, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.HTTP.TokenTimeout != 45*time.Second {
		t.Fatalf("expected default token timeout, got %v", cfg.HTTP.TokenTimeout)
	}
}

func TestConfigValidate(t *testing.T) {
	valid := DefaultConfig()
	if err := valid.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}

	missingName := DefaultConfig()
	missingName.ServiceName = " "
	if err := missingName.Validate(); err == nil {
		t.Fatalf("expected a blank service name to be rejected")
	}

	badEnvironment := DefaultConfig()
	badEnvironment.Environment = "staging"
	if err := badEnvironment.Validate(); err == nil {
		t.Fatalf("expected an unknown environment to be rejected")
	}

	invertedBackoff := DefaultConfig()
	invertedBackoff.Retry.BackoffBase = time.Minute
	invertedBackoff.Retry.BackoffMax = time.Second
	if err := invertedBackoff.Validate(); err == nil {
		t.Fatalf("expected backoff base above max to be rejected")
	}
}

func TestConfigTimeoutsFor(t *testing.T) {
	cfg := DefaultConfig()

	plain := cfg.TimeoutsFor(testBankConfiguration())
	if plain.PAR != 30*time.Second || plain.Token != 45*time.Second {
		t.Fatalf("expected global timeouts without overrides, got %+v", plain)
	}

	configured := testBankConfiguration()
	configured.Timeouts = CallTimeouts{Token: 5 * time.Second}
	merged := cfg.TimeoutsFor(configured)
	if merged.Token != 5*time.Second {
		t.Fatalf("expected the bank override to win, got %v", merged.Token)
	}
	if merged.PAR != 30*time.Second {
		t.Fatalf("expected untouched timeouts to keep globals, got %v", merged.PAR)
	}
}
