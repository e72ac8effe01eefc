package core

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// BankRegistry resolves a bank code and environment to a validated
// configuration. Registration validates up front so misconfiguration fails
// at startup, never mid-flow.
type BankRegistry struct {
	mu    sync.RWMutex
	banks map[string]BankConfiguration
}

func NewBankRegistry() *BankRegistry {
	return &BankRegistry{banks: make(map[string]BankConfiguration)}
}

func (r *BankRegistry) Register(configuration BankConfiguration) error {
	if r == nil {
		return fmt.Errorf("core: bank registry is nil")
	}
	if err := configuration.Validate(); err != nil {
		return err
	}
	configuration.BankCode = strings.TrimSpace(configuration.BankCode)

	key := bankRegistryKey(configuration.BankCode, configuration.Environment)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.banks[key]; exists {
		return fmt.Errorf("core: bank already registered: %s (%s)", configuration.BankCode, configuration.Environment)
	}
	r.banks[key] = configuration
	return nil
}

func (r *BankRegistry) Resolve(bankCode string, environment Environment) (BankConfiguration, bool) {
	if r == nil {
		return BankConfiguration{}, false
	}
	bankCode = strings.TrimSpace(bankCode)
	if bankCode == "" || !environment.Valid() {
		return BankConfiguration{}, false
	}
	r.mu.RLock()
	configuration, ok := r.banks[bankRegistryKey(bankCode, environment)]
	r.mu.RUnlock()
	return configuration, ok
}

func (r *BankRegistry) List() []BankConfiguration {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	keys := make([]string, 0, len(r.banks))
	for key := range r.banks {
		keys = append(keys, key)
	}
	r.mu.RUnlock()
	sort.Strings(keys)

	configurations := make([]BankConfiguration, 0, len(keys))
	r.mu.RLock()
	for _, key := range keys {
		configurations = append(configurations, r.banks[key])
	}
	r.mu.RUnlock()
	return configurations
}

// ValidateSandbox enforces the sandbox invariants for a registered bank.
func (r *BankRegistry) ValidateSandbox(bankCode string) error {
	configuration, ok := r.Resolve(bankCode, EnvironmentSandbox)
	if !ok {
		return fmt.Errorf("%w: %s (%s)", ErrBankNotFound, strings.TrimSpace(bankCode), EnvironmentSandbox)
	}
	return configuration.ValidateSandbox()
}

func bankRegistryKey(bankCode string, environment Environment) string {
	return strings.ToLower(strings.TrimSpace(bankCode)) + "::" + string(environment)
}
