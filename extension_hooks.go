package openbanking

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-openbanking/core"
)

// BankPack is a named set of bank configurations registered as a unit,
// typically a national ecosystem's participant directory.
type BankPack struct {
	Name  string
	Banks []core.BankConfiguration
}

type CommandQueryBundleFactory func(service CommandQueryService) (any, error)

// BankRegistrar is the registration surface bank packs are applied to. The
// banking service satisfies it directly.
type BankRegistrar interface {
	RegisterBank(configuration core.BankConfiguration) error
}

type ExtensionHooks struct {
	mu sync.RWMutex

	bankPacks map[string]BankPack
	bundles   map[string]CommandQueryBundleFactory
}

func NewExtensionHooks() *ExtensionHooks {
	return &ExtensionHooks{
		bankPacks: map[string]BankPack{},
		bundles:   map[string]CommandQueryBundleFactory{},
	}
}

func (h *ExtensionHooks) RegisterBankPack(pack BankPack) error {
	if h == nil {
		return fmt.Errorf("openbanking: extension hooks are nil")
	}
	name := strings.TrimSpace(pack.Name)
	if name == "" {
		return fmt.Errorf("openbanking: bank pack name is required")
	}
	if len(pack.Banks) == 0 {
		return fmt.Errorf("openbanking: bank pack %q has no banks", name)
	}
	for _, configuration := range pack.Banks {
		if strings.TrimSpace(configuration.BankCode) == "" {
			return fmt.Errorf("openbanking: bank pack %q contains a configuration without a bank code", name)
		}
	}

	normalized := BankPack{
		Name:  name,
		Banks: append([]core.BankConfiguration(nil), pack.Banks...),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.bankPacks[name]; exists {
		return fmt.Errorf("openbanking: bank pack %q already registered", name)
	}
	h.bankPacks[name] = normalized
	return nil
}

func (h *ExtensionHooks) RegisterCommandQueryBundle(
	name string,
	factory CommandQueryBundleFactory,
) error {
	if h == nil {
		return fmt.Errorf("openbanking: extension hooks are nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("openbanking: command/query bundle name is required")
	}
	if factory == nil {
		return fmt.Errorf("openbanking: command/query bundle %q factory is required", name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.bundles[name]; exists {
		return fmt.Errorf("openbanking: command/query bundle %q already registered", name)
	}
	h.bundles[name] = factory
	return nil
}

// ApplyBankPacks registers every pack's configurations. Registration is
// all-or-nothing per pack name ordering; the registrar's own validation
// decides whether a configuration is acceptable.
func (h *ExtensionHooks) ApplyBankPacks(registrar BankRegistrar) error {
	if h == nil {
		return nil
	}
	if registrar == nil {
		return fmt.Errorf("openbanking: bank registrar is required")
	}

	for _, pack := range h.BankPacks() {
		for _, configuration := range pack.Banks {
			if err := registrar.RegisterBank(configuration); err != nil {
				return fmt.Errorf("openbanking: bank pack %q: %w", pack.Name, err)
			}
		}
	}
	return nil
}

func (h *ExtensionHooks) BuildCommandQueryBundles(
	service CommandQueryService,
) (map[string]any, error) {
	if h == nil {
		return map[string]any{}, nil
	}
	if service == nil {
		return nil, fmt.Errorf("openbanking: command/query service is required")
	}

	h.mu.RLock()
	names := make([]string, 0, len(h.bundles))
	for name := range h.bundles {
		names = append(names, name)
	}
	sort.Strings(names)
	factories := make(map[string]CommandQueryBundleFactory, len(h.bundles))
	for name, factory := range h.bundles {
		factories[name] = factory
	}
	h.mu.RUnlock()

	result := make(map[string]any, len(names))
	for _, name := range names {
		bundle, err := factories[name](service)
		if err != nil {
			return nil, err
		}
		result[name] = bundle
	}
	return result, nil
}

func (h *ExtensionHooks) BankPacks() []BankPack {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.bankPacks))
	for name := range h.bankPacks {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]BankPack, 0, len(names))
	for _, name := range names {
		pack := h.bankPacks[name]
		out = append(out, BankPack{
			Name:  pack.Name,
			Banks: append([]core.BankConfiguration(nil), pack.Banks...),
		})
	}
	return out
}

func (h *ExtensionHooks) BundleNames() []string {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.bundles))
	for name := range h.bundles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
