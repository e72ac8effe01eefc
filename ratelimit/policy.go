// Package ratelimit throttles outbound calls per bank, environment, and
// endpoint. Two signals feed it: the bank's advertised budget
// (BankConfiguration.RateLimits, enforced as a local token bucket) and the
// server's own feedback (429s, Retry-After, X-RateLimit-* headers).
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-openbanking/core"
)

var ErrStateNotFound = errors.New("ratelimit: state not found")

type State struct {
	Key            core.RateLimitKey
	Limit          int
	Remaining      int
	ResetAt        *time.Time
	RetryAfter     *time.Duration
	ThrottledUntil *time.Time
	Tokens         float64
	LastRefillAt   *time.Time
	LastStatus     int
	Attempts       int
	UpdatedAt      time.Time
	Metadata       map[string]any
}

type StateStore interface {
	Get(ctx context.Context, key core.RateLimitKey) (State, error)
	Upsert(ctx context.Context, state State) error
}

// LimitsResolver reports the advertised request budget for a key, usually
// from the bank registry.
type LimitsResolver func(key core.RateLimitKey) (core.RateLimitSettings, bool)

// RegistryLimits resolves budgets from registered bank configurations.
func RegistryLimits(registry *core.BankRegistry) LimitsResolver {
	return func(key core.RateLimitKey) (core.RateLimitSettings, bool) {
		if registry == nil {
			return core.RateLimitSettings{}, false
		}
		environment, err := core.ParseEnvironment(key.Environment)
		if err != nil {
			return core.RateLimitSettings{}, false
		}
		configuration, ok := registry.Resolve(key.BankCode, environment)
		if !ok {
			return core.RateLimitSettings{}, false
		}
		return configuration.RateLimits, true
	}
}

type ThrottledError struct {
	BankCode   string
	Endpoint   string
	RetryAfter time.Duration
}

func (e ThrottledError) Error() string {
	return fmt.Sprintf(
		"ratelimit: bank %q endpoint %q throttled for %s",
		strings.TrimSpace(e.BankCode),
		strings.TrimSpace(e.Endpoint),
		e.RetryAfter,
	)
}

func (e ThrottledError) ToBankingError() *goerrors.Error {
	metadata := map[string]any{
		"bank_code": strings.TrimSpace(e.BankCode),
		"endpoint":  strings.TrimSpace(e.Endpoint),
	}
	if e.RetryAfter > 0 {
		metadata["retry_after"] = e.RetryAfter
	}
	return goerrors.New(e.Error(), goerrors.CategoryRateLimit).
		WithCode(http.StatusTooManyRequests).
		WithTextCode(core.BankingErrorRateLimited).
		WithMetadata(metadata)
}

type AdaptivePolicy struct {
	Store            StateStore
	Limits           LimitsResolver
	Now              func() time.Time
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	DefaultRetryHint time.Duration
}

func NewAdaptivePolicy(store StateStore) *AdaptivePolicy {
	return &AdaptivePolicy{
		Store:            store,
		Now:              func() time.Time { return time.Now().UTC() },
		InitialBackoff:   time.Second,
		MaxBackoff:       time.Minute,
		DefaultRetryHint: 5 * time.Second,
	}
}

// BeforeCall rejects a call while a throttle window is open, while the
// server reports an exhausted quota, or when the local token bucket for the
// bank's advertised budget is empty.
func (p *AdaptivePolicy) BeforeCall(ctx context.Context, key core.RateLimitKey) error {
	if p == nil || p.Store == nil {
		return nil
	}
	key = normalizeKey(key)
	state, err := p.Store.Get(ctx, key)
	missing := errors.Is(err, ErrStateNotFound)
	if err != nil && !missing {
		return err
	}
	if missing {
		state = State{Key: key}
	}

	now := p.now()
	if until := state.ThrottledUntil; until != nil && now.Before(*until) {
		return ThrottledError{BankCode: key.BankCode, Endpoint: key.Endpoint, RetryAfter: until.Sub(now)}
	}
	if state.Remaining == 0 && state.ResetAt != nil && now.Before(*state.ResetAt) {
		return ThrottledError{BankCode: key.BankCode, Endpoint: key.Endpoint, RetryAfter: state.ResetAt.Sub(now)}
	}

	if p.Limits != nil {
		if settings, ok := p.Limits(key); ok && settings.RequestsPerSecond > 0 {
			return p.takeToken(ctx, state, settings, now)
		}
	}
	return nil
}

func (p *AdaptivePolicy) takeToken(ctx context.Context, state State, settings core.RateLimitSettings, now time.Time) error {
	rate := float64(settings.RequestsPerSecond)
	burst := float64(settings.Burst)
	if burst < 1 {
		burst = rate
	}

	tokens := burst
	if state.LastRefillAt != nil {
		elapsed := now.Sub(*state.LastRefillAt).Seconds()
		if elapsed < 0 {
			elapsed = 0
		}
		tokens = state.Tokens + elapsed*rate
		if tokens > burst {
			tokens = burst
		}
	}

	if tokens < 1 {
		wait := time.Duration((1 - tokens) / rate * float64(time.Second))
		if wait <= 0 {
			wait = time.Millisecond
		}
		return ThrottledError{BankCode: state.Key.BankCode, Endpoint: state.Key.Endpoint, RetryAfter: wait}
	}

	state.Tokens = tokens - 1
	state.LastRefillAt = &now
	state.UpdatedAt = now
	return p.Store.Upsert(ctx, state)
}

// AfterCall folds the response's rate-limit signals into the stored state.
func (p *AdaptivePolicy) AfterCall(ctx context.Context, key core.RateLimitKey, res core.EndpointResponseMeta) error {
	if p == nil || p.Store == nil {
		return nil
	}
	key = normalizeKey(key)
	now := p.now()
	state, err := p.Store.Get(ctx, key)
	missing := errors.Is(err, ErrStateNotFound)
	if err != nil && !missing {
		return err
	}
	if missing {
		state = State{Key: key}
	}

	state.LastStatus = res.StatusCode
	state.UpdatedAt = now
	state.Metadata = cloneMap(state.Metadata)
	for k, v := range res.Metadata {
		state.Metadata[k] = v
	}

	limit, hasLimit := parseHeaderInt(res.Headers, "x-ratelimit-limit")
	if hasLimit {
		state.Limit = limit
	}
	remaining, hasRemaining := parseHeaderInt(res.Headers, "x-ratelimit-remaining")
	if hasRemaining {
		state.Remaining = remaining
	}
	resetAt, hasResetAt := parseHeaderResetAt(res.Headers)
	if hasResetAt {
		state.ResetAt = &resetAt
	}

	retryAfter, hasRetryAfter := resolveRetryAfter(res, now)
	if hasRetryAfter {
		state.RetryAfter = &retryAfter
	} else {
		state.RetryAfter = nil
	}

	if isThrottledResponse(res.StatusCode, state.Remaining, hasRemaining, hasResetAt, hasLimit, hasRetryAfter) {
		state.Attempts++
		delay := retryAfter
		if !hasRetryAfter {
			delay = p.nextBackoff(state.Attempts)
		}
		until := now.Add(delay)
		state.ThrottledUntil = &until
		return p.Store.Upsert(ctx, state)
	}

	state.Attempts = 0
	state.ThrottledUntil = nil
	return p.Store.Upsert(ctx, state)
}

func (p *AdaptivePolicy) now() time.Time {
	if p != nil && p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func (p *AdaptivePolicy) nextBackoff(attempt int) time.Duration {
	initial := p.InitialBackoff
	if initial <= 0 {
		initial = time.Second
	}
	maximum := p.MaxBackoff
	if maximum <= 0 {
		maximum = time.Minute
	}
	if attempt <= 0 {
		return initial
	}
	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maximum {
			return maximum
		}
	}
	if delay <= 0 {
		return p.defaultRetryHint()
	}
	if delay > maximum {
		return maximum
	}
	return delay
}

func (p *AdaptivePolicy) defaultRetryHint() time.Duration {
	if p != nil && p.DefaultRetryHint > 0 {
		return p.DefaultRetryHint
	}
	return 5 * time.Second
}

// isThrottledResponse treats an explicit 429 as throttling, and an exhausted
// quota only when at least one rate-limit header proves the bank actually
// reported one. 5xx responses are availability failures, not throttling.
func isThrottledResponse(
	statusCode int,
	remaining int,
	hasRemaining bool,
	hasResetAt bool,
	hasLimit bool,
	hasRetryAfter bool,
) bool {
	if statusCode == http.StatusTooManyRequests {
		return true
	}
	if statusCode >= 500 {
		return false
	}
	return remaining == 0 && (hasRemaining || hasResetAt || hasLimit || hasRetryAfter)
}

func resolveRetryAfter(res core.EndpointResponseMeta, now time.Time) (time.Duration, bool) {
	if res.RetryAfter != nil && *res.RetryAfter > 0 {
		return *res.RetryAfter, true
	}
	raw := headerValue(res.Headers, "retry-after")
	if raw == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if retryAt, err := http.ParseTime(raw); err == nil {
		if retryAt.After(now) {
			return retryAt.Sub(now), true
		}
	}
	return 0, false
}

func parseHeaderInt(headers map[string]string, key string) (int, bool) {
	value := headerValue(headers, key)
	if value == "" {
		return 0, false
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

func parseHeaderResetAt(headers map[string]string) (time.Time, bool) {
	value := headerValue(headers, "x-ratelimit-reset")
	if value == "" {
		return time.Time{}, false
	}
	unix, err := strconv.ParseInt(value, 10, 64)
	if err != nil || unix <= 0 {
		return time.Time{}, false
	}
	return time.Unix(unix, 0).UTC(), true
}

func headerValue(headers map[string]string, key string) string {
	if len(headers) == 0 {
		return ""
	}
	for existing, value := range headers {
		if strings.EqualFold(strings.TrimSpace(existing), strings.TrimSpace(key)) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func normalizeKey(key core.RateLimitKey) core.RateLimitKey {
	return core.RateLimitKey{
		BankCode:    strings.TrimSpace(strings.ToLower(key.BankCode)),
		Environment: strings.TrimSpace(strings.ToLower(key.Environment)),
		Endpoint:    strings.TrimSpace(strings.ToLower(key.Endpoint)),
	}
}

func cloneMap(input map[string]any) map[string]any {
	output := make(map[string]any, len(input))
	for key, value := range input {
		output[key] = value
	}
	return output
}

type MemoryStateStore struct {
	mu    sync.RWMutex
	items map[string]State
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{items: map[string]State{}}
}

func (s *MemoryStateStore) Get(_ context.Context, key core.RateLimitKey) (State, error) {
	if s == nil {
		return State{}, fmt.Errorf("ratelimit: state store is nil")
	}
	normalized := normalizeKey(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.items[stateKey(normalized)]
	if !ok {
		return State{}, ErrStateNotFound
	}
	state.Metadata = cloneMap(state.Metadata)
	return state, nil
}

func (s *MemoryStateStore) Upsert(_ context.Context, state State) error {
	if s == nil {
		return fmt.Errorf("ratelimit: state store is nil")
	}
	state.Key = normalizeKey(state.Key)
	state.Metadata = cloneMap(state.Metadata)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[stateKey(state.Key)] = state
	return nil
}

func stateKey(key core.RateLimitKey) string {
	return key.BankCode + "|" + key.Environment + "|" + key.Endpoint
}

var _ core.RateLimitPolicy = (*AdaptivePolicy)(nil)
