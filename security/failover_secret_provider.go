package security

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-openbanking/core"
)

type SecretProviderFailurePolicy string

const (
	// SecretProviderFailurePolicyStrict surfaces the primary failure without
	// touching the fallback. The safe default: a misconfigured KMS should
	// halt token writes, not silently downgrade their protection.
	SecretProviderFailurePolicyStrict SecretProviderFailurePolicy = "strict_fail"
	// SecretProviderFailurePolicyFallback tries the fallback provider after
	// a primary failure. Meant for migrations, app-key to KMS for example,
	// where both providers are trusted.
	SecretProviderFailurePolicyFallback SecretProviderFailurePolicy = "fallback_allowed"
)

// SecretProviderDiagnostic describes one failover decision so operators can
// alert on a primary that keeps failing.
type SecretProviderDiagnostic struct {
	OccurredAt time.Time
	Operation  string
	Policy     SecretProviderFailurePolicy
	Outcome    string
	Primary    string
	Fallback   string
	Error      string
}

type SecretProviderDiagnosticHook func(event SecretProviderDiagnostic)

type FailoverOption func(*FailoverSecretProvider)

type keyBinding struct {
	KeyID   string
	Version int
}

// FailoverSecretProvider layers two secret providers. Decrypt tries both
// regardless of which sealed the envelope, which is what makes provider
// migrations possible: old envelopes open under the fallback while new
// seals go to the primary.
type FailoverSecretProvider struct {
	primary        core.SecretProvider
	fallback       core.SecretProvider
	policy         SecretProviderFailurePolicy
	diagnosticHook SecretProviderDiagnosticHook
	now            func() time.Time

	mu       sync.RWMutex
	lastSeal keyBinding
}

func NewFailoverSecretProvider(primary core.SecretProvider, opts ...FailoverOption) (*FailoverSecretProvider, error) {
	if primary == nil {
		return nil, fmt.Errorf("security: primary secret provider is required")
	}
	provider := &FailoverSecretProvider{
		primary: primary,
		policy:  SecretProviderFailurePolicyStrict,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(provider)
	}
	provider.policy = normalizeFailurePolicy(provider.policy)
	if provider.policy == SecretProviderFailurePolicyFallback && provider.fallback == nil {
		return nil, fmt.Errorf("security: fallback policy requires a configured fallback secret provider")
	}
	if provider.now == nil {
		provider.now = func() time.Time { return time.Now().UTC() }
	}
	provider.recordSeal(provider.primary)
	return provider, nil
}

func WithFallbackSecretProvider(provider core.SecretProvider) FailoverOption {
	return func(f *FailoverSecretProvider) {
		f.fallback = provider
	}
}

func WithSecretProviderFailurePolicy(policy SecretProviderFailurePolicy) FailoverOption {
	return func(f *FailoverSecretProvider) {
		f.policy = normalizeFailurePolicy(policy)
	}
}

func WithSecretProviderDiagnostics(hook SecretProviderDiagnosticHook) FailoverOption {
	return func(f *FailoverSecretProvider) {
		f.diagnosticHook = hook
	}
}

func WithFailoverClock(now func() time.Time) FailoverOption {
	return func(f *FailoverSecretProvider) {
		f.now = now
	}
}

func (p *FailoverSecretProvider) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("security: secret provider is nil")
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("security: plaintext is required")
	}
	ciphertext, err := p.primary.Encrypt(ctx, plaintext)
	if err == nil {
		p.recordSeal(p.primary)
		return ciphertext, nil
	}
	p.emit("encrypt", "primary_failed", err)
	if p.policy == SecretProviderFailurePolicyStrict || p.fallback == nil {
		return nil, fmt.Errorf("security: primary encrypt failed with %s policy: %w", p.policy, err)
	}
	fallbackCiphertext, fallbackErr := p.fallback.Encrypt(ctx, plaintext)
	if fallbackErr != nil {
		p.emit("encrypt", "fallback_failed", fallbackErr)
		return nil, fmt.Errorf("security: primary encrypt failed: %v; fallback encrypt failed: %w", err, fallbackErr)
	}
	p.recordSeal(p.fallback)
	p.emit("encrypt", "fallback_succeeded", err)
	return fallbackCiphertext, nil
}

func (p *FailoverSecretProvider) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("security: secret provider is nil")
	}
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("security: ciphertext is required")
	}
	plaintext, err := p.primary.Decrypt(ctx, ciphertext)
	if err == nil {
		return plaintext, nil
	}
	p.emit("decrypt", "primary_failed", err)
	if p.policy == SecretProviderFailurePolicyStrict || p.fallback == nil {
		return nil, fmt.Errorf("security: primary decrypt failed with %s policy: %w", p.policy, err)
	}
	fallbackPlaintext, fallbackErr := p.fallback.Decrypt(ctx, ciphertext)
	if fallbackErr != nil {
		p.emit("decrypt", "fallback_failed", fallbackErr)
		return nil, fmt.Errorf("security: primary decrypt failed: %v; fallback decrypt failed: %w", err, fallbackErr)
	}
	p.emit("decrypt", "fallback_succeeded", err)
	return fallbackPlaintext, nil
}

// KeyID reports the key that sealed the most recent envelope, falling back
// to whichever provider can name one.
func (p *FailoverSecretProvider) KeyID() string {
	binding, _ := p.currentBinding()
	return binding.KeyID
}

func (p *FailoverSecretProvider) Version() int {
	binding, _ := p.currentBinding()
	return binding.Version
}

func (p *FailoverSecretProvider) currentBinding() (keyBinding, bool) {
	if p == nil {
		return keyBinding{}, false
	}
	p.mu.RLock()
	last := p.lastSeal
	p.mu.RUnlock()
	if strings.TrimSpace(last.KeyID) != "" && last.Version > 0 {
		return last, true
	}
	if binding, ok := readKeyBinding(p.primary); ok {
		return binding, true
	}
	if binding, ok := readKeyBinding(p.fallback); ok {
		return binding, true
	}
	return keyBinding{}, false
}

func (p *FailoverSecretProvider) emit(operation string, outcome string, err error) {
	if p == nil || p.diagnosticHook == nil {
		return
	}
	now := p.now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	p.diagnosticHook(SecretProviderDiagnostic{
		OccurredAt: now().UTC(),
		Operation:  operation,
		Policy:     p.policy,
		Outcome:    outcome,
		Primary:    describeSecretProvider(p.primary),
		Fallback:   describeSecretProvider(p.fallback),
		Error:      msg,
	})
}

func (p *FailoverSecretProvider) recordSeal(provider core.SecretProvider) {
	binding, ok := readKeyBinding(provider)
	if !ok {
		return
	}
	p.mu.Lock()
	p.lastSeal = binding
	p.mu.Unlock()
}

func normalizeFailurePolicy(policy SecretProviderFailurePolicy) SecretProviderFailurePolicy {
	normalized := SecretProviderFailurePolicy(strings.ToLower(strings.TrimSpace(string(policy))))
	switch normalized {
	case SecretProviderFailurePolicyFallback:
		return SecretProviderFailurePolicyFallback
	default:
		return SecretProviderFailurePolicyStrict
	}
}

// readKeyBinding asks a provider which key it seals under. Providers that
// cannot name one, a custom implementation without key tracking, simply
// report nothing.
func readKeyBinding(provider core.SecretProvider) (keyBinding, bool) {
	if provider == nil {
		return keyBinding{}, false
	}
	keyed, ok := provider.(interface {
		KeyID() string
		Version() int
	})
	if !ok {
		return keyBinding{}, false
	}
	keyID := strings.TrimSpace(keyed.KeyID())
	version := keyed.Version()
	if keyID == "" || version <= 0 {
		return keyBinding{}, false
	}
	return keyBinding{KeyID: keyID, Version: version}, true
}

func describeSecretProvider(provider core.SecretProvider) string {
	if provider == nil {
		return ""
	}
	label := reflect.TypeOf(provider).String()
	if binding, ok := readKeyBinding(provider); ok {
		return fmt.Sprintf("%s(%s:%d)", label, binding.KeyID, binding.Version)
	}
	return label
}

var _ core.SecretProvider = (*FailoverSecretProvider)(nil)
