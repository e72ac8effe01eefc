package openbanking

import (
	"github.com/goliatone/go-openbanking/banks/mockbank"
	"github.com/goliatone/go-openbanking/banks/modelbank"
	"github.com/goliatone/go-openbanking/core"
)

func MockBankSandbox(cfg mockbank.Config) (core.BankConfiguration, error) {
	return mockbank.Sandbox(cfg)
}

func MockBankLocal(baseURL string) (core.BankConfiguration, error) {
	return mockbank.Local(baseURL)
}

func ModelBankSandbox(cfg modelbank.Config) (core.BankConfiguration, error) {
	return modelbank.Sandbox(cfg)
}

func ModelBankProduction(cfg modelbank.Config) (core.BankConfiguration, error) {
	return modelbank.Production(cfg)
}
