// Package banks wires the shipped bank definitions into a registry.
package banks

import (
	"fmt"

	"github.com/goliatone/go-openbanking/banks/mockbank"
	"github.com/goliatone/go-openbanking/banks/modelbank"
	"github.com/goliatone/go-openbanking/core"
)

// RegisterBuiltin installs the sandbox definitions of every shipped bank.
// Production configurations carry integrator-specific identity material and
// are always registered explicitly.
func RegisterBuiltin(registry *core.BankRegistry) error {
	if registry == nil {
		return fmt.Errorf("banks: registry is required")
	}

	mock, err := mockbank.Sandbox(mockbank.Config{})
	if err != nil {
		return fmt.Errorf("banks: build mockbank sandbox: %w", err)
	}
	model, err := modelbank.Sandbox(modelbank.Config{})
	if err != nil {
		return fmt.Errorf("banks: build modelbank sandbox: %w", err)
	}

	for _, configuration := range []core.BankConfiguration{mock, model} {
		if err := registry.Register(configuration); err != nil {
			return err
		}
	}
	return nil
}
