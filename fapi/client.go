// Package fapi implements the wire calls of the FAPI 1.0 Advanced profile
// against a bank's authorization server: pushed authorization requests,
// token grants, introspection, and revocation. The client is stateless
// across banks; every call receives the resolved configuration.
package fapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-openbanking/auth"
	"github.com/goliatone/go-openbanking/core"
)

const (
	defaultPARTimeout           = 30 * time.Second
	defaultTokenTimeout         = 45 * time.Second
	defaultIntrospectionTimeout = 10 * time.Second
	defaultRevocationTimeout    = 10 * time.Second

	maxResponseBodyBytes = 1 << 20
)

const (
	endpointPAR           = "par"
	endpointToken         = "token"
	endpointIntrospection = "introspection"
	endpointRevocation    = "revocation"
)

type Config struct {
	HTTPClient        core.HTTPDoer
	Timeouts          core.CallTimeouts
	CustomerIPAddress string
	RateLimitPolicy   core.RateLimitPolicy
	// ClientAuth selects how the client authenticates at the bank's
	// endpoints. Defaults to client_secret_basic.
	ClientAuth auth.Method
	Now        func() time.Time
}

type Client struct {
	config     Config
	httpClient core.HTTPDoer
}

func New(cfg Config) *Client {
	if cfg.Timeouts.PAR <= 0 {
		cfg.Timeouts.PAR = defaultPARTimeout
	}
	if cfg.Timeouts.Token <= 0 {
		cfg.Timeouts.Token = defaultTokenTimeout
	}
	if cfg.Timeouts.Introspection <= 0 {
		cfg.Timeouts.Introspection = defaultIntrospectionTimeout
	}
	if cfg.Timeouts.Revocation <= 0 {
		cfg.Timeouts.Revocation = defaultRevocationTimeout
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// Per-call deadlines come from the context, so the shared client
		// carries no timeout of its own.
		httpClient = &http.Client{}
	}
	return &Client{config: cfg, httpClient: httpClient}
}

// PushAuthorizationRequest registers the authorization parameters with the
// bank ahead of the browser redirect and returns the request uri to redirect
// with.
func (c *Client) PushAuthorizationRequest(ctx context.Context, in core.PushAuthorizationInput) (core.AuthorizationRequest, error) {
	values := url.Values{}
	values.Set("response_type", "code")
	values.Set("client_id", in.Configuration.ClientID)
	values.Set("redirect_uri", strings.TrimSpace(in.RedirectURI))
	values.Set("scope", strings.TrimSpace(in.Scope))
	values.Set("code_challenge", strings.TrimSpace(in.CodeChallenge))
	values.Set("code_challenge_method", core.PKCEMethodS256)
	values.Set("nonce", strings.TrimSpace(in.Nonce))
	values.Set("response_mode", "jwt")
	if state := strings.TrimSpace(in.State); state != "" {
		values.Set("state", state)
	}

	payload, err := c.postForm(ctx, wireCall{
		configuration: in.Configuration,
		endpoint:      endpointPAR,
		url:           in.Configuration.PAREndpoint,
		values:        values,
		clientSecret:  in.ClientSecret,
		timeout:       pickTimeout(in.Configuration.Timeouts.PAR, c.config.Timeouts.PAR),
		wantStatus:    http.StatusCreated,
	})
	if err != nil {
		return core.AuthorizationRequest{}, err
	}

	request := core.AuthorizationRequest{
		RequestURI: strings.TrimSpace(readAnyString(payload["request_uri"])),
		ExpiresIn:  int(readAnyInt64(payload["expires_in"])),
	}
	if err := request.Validate(); err != nil {
		return core.AuthorizationRequest{}, fmt.Errorf("fapi: par response: %w", err)
	}
	return request, nil
}

// ExchangeAuthorizationCode redeems an authorization code together with its
// PKCE verifier for a token.
func (c *Client) ExchangeAuthorizationCode(ctx context.Context, in core.ExchangeCodeInput) (core.Token, error) {
	values := url.Values{}
	values.Set("grant_type", "authorization_code")
	values.Set("code", strings.TrimSpace(in.Code))
	values.Set("redirect_uri", strings.TrimSpace(in.RedirectURI))
	values.Set("client_id", in.Configuration.ClientID)
	values.Set("code_verifier", strings.TrimSpace(in.CodeVerifier))

	return c.tokenCall(ctx, in.Configuration, in.ClientSecret, values)
}

// RefreshGrant trades a refresh token for the next token. The caller owns
// rotation bookkeeping; the client only reports what the bank returned.
func (c *Client) RefreshGrant(ctx context.Context, in core.RefreshGrantInput) (core.Token, error) {
	values := url.Values{}
	values.Set("grant_type", "refresh_token")
	values.Set("refresh_token", strings.TrimSpace(in.RefreshToken))
	values.Set("client_id", in.Configuration.ClientID)

	return c.tokenCall(ctx, in.Configuration, in.ClientSecret, values)
}

// ClientCredentialsGrant acquires a machine-to-machine token.
func (c *Client) ClientCredentialsGrant(ctx context.Context, in core.ClientCredentialsInput) (core.Token, error) {
	values := url.Values{}
	values.Set("grant_type", "client_credentials")
	values.Set("client_id", in.Configuration.ClientID)
	if scope := strings.TrimSpace(in.Scope); scope != "" {
		values.Set("scope", scope)
	}

	return c.tokenCall(ctx, in.Configuration, in.ClientSecret, values)
}

// Introspect asks the bank whether an access token is still live.
func (c *Client) Introspect(ctx context.Context, in core.IntrospectInput) (core.IntrospectionResult, error) {
	values := url.Values{}
	values.Set("token", strings.TrimSpace(in.AccessToken))
	values.Set("token_type_hint", "access_token")

	payload, err := c.postForm(ctx, wireCall{
		configuration: in.Configuration,
		endpoint:      endpointIntrospection,
		url:           in.Configuration.IntrospectionEndpoint,
		values:        values,
		clientSecret:  in.ClientSecret,
		timeout:       pickTimeout(in.Configuration.Timeouts.Introspection, c.config.Timeouts.Introspection),
		wantStatus:    http.StatusOK,
	})
	if err != nil {
		return core.IntrospectionResult{}, err
	}

	result := core.IntrospectionResult{
		Active:    readAnyBool(payload["active"]),
		Scope:     strings.TrimSpace(readAnyString(payload["scope"])),
		ClientID:  strings.TrimSpace(readAnyString(payload["client_id"])),
		TokenType: strings.TrimSpace(readAnyString(payload["token_type"])),
		Metadata:  sanitizePayloadMetadata(payload),
	}
	if exp := readAnyInt64(payload["exp"]); exp > 0 {
		result.ExpiresAt = time.Unix(exp, 0).UTC()
	}
	return result, nil
}

// RevokeGrant invalidates a token at the bank. Revoking a refresh token
// revokes the whole grant, RFC 7009 section 2.1.
func (c *Client) RevokeGrant(ctx context.Context, in core.RevokeGrantInput) error {
	values := url.Values{}
	values.Set("token", strings.TrimSpace(in.Token))
	if hint := strings.TrimSpace(in.TokenTypeHint); hint != "" {
		values.Set("token_type_hint", hint)
	}

	_, err := c.postForm(ctx, wireCall{
		configuration: in.Configuration,
		endpoint:      endpointRevocation,
		url:           in.Configuration.RevocationEndpoint,
		values:        values,
		clientSecret:  in.ClientSecret,
		timeout:       pickTimeout(in.Configuration.Timeouts.Revocation, c.config.Timeouts.Revocation),
		wantStatus:    http.StatusOK,
	})
	return err
}

func (c *Client) tokenCall(ctx context.Context, configuration core.BankConfiguration, clientSecret string, values url.Values) (core.Token, error) {
	payload, err := c.postForm(ctx, wireCall{
		configuration: configuration,
		endpoint:      endpointToken,
		url:           configuration.TokenEndpoint,
		values:        values,
		clientSecret:  clientSecret,
		timeout:       pickTimeout(configuration.Timeouts.Token, c.config.Timeouts.Token),
		wantStatus:    http.StatusOK,
	})
	if err != nil {
		return core.Token{}, err
	}
	return tokenFromPayload(payload, c.now())
}

type wireCall struct {
	configuration core.BankConfiguration
	endpoint      string
	url           string
	values        url.Values
	clientSecret  string
	timeout       time.Duration
	wantStatus    int
}

func (c *Client) postForm(ctx context.Context, call wireCall) (map[string]any, error) {
	if c == nil || c.httpClient == nil {
		return nil, fmt.Errorf("fapi: http client is not configured")
	}
	endpointURL := strings.TrimSpace(call.url)
	if endpointURL == "" {
		return nil, fmt.Errorf("fapi: bank %s has no %s endpoint configured", call.configuration.BankCode, call.endpoint)
	}
	clientID := strings.TrimSpace(call.configuration.ClientID)
	if clientID == "" {
		return nil, fmt.Errorf("fapi: bank %s has no client id configured", call.configuration.BankCode)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	key := core.RateLimitKey{
		BankCode:    call.configuration.BankCode,
		Environment: string(call.configuration.Environment),
		Endpoint:    call.endpoint,
	}
	if c.config.RateLimitPolicy != nil {
		if err := c.config.RateLimitPolicy.BeforeCall(ctx, key); err != nil {
			return nil, err
		}
	}

	form := cloneFormValues(call.values)
	header := make(http.Header)
	header.Set("Content-Type", "application/x-www-form-urlencoded")
	header.Set("Accept", "application/json")
	clientAuth := c.config.ClientAuth
	if clientAuth == nil {
		clientAuth = auth.ClientSecretBasic{}
	}
	if err := clientAuth.Apply(header, form, auth.MethodInput{
		ClientID:     clientID,
		ClientSecret: call.clientSecret,
		Audience:     call.configuration.TokenEndpoint,
	}); err != nil {
		return nil, fmt.Errorf("fapi: %s authentication: %w", clientAuth.Name(), err)
	}

	requestCtx := ctx
	cancel := func() {}
	if call.timeout > 0 {
		requestCtx, cancel = context.WithTimeout(ctx, call.timeout)
	}
	defer cancel()

	httpReq, err := http.NewRequestWithContext(requestCtx, http.MethodPost, endpointURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("fapi: build %s request: %w", call.endpoint, err)
	}
	httpReq.Header = header
	interactionID := applyFAPIHeaders(httpReq, c.now(), c.config.CustomerIPAddress)

	response, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.decorateError(core.ClassifyTransportError(err, call.endpoint), call.configuration, interactionID)
	}
	defer response.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(response.Body, maxResponseBodyBytes+1))
	if readErr != nil {
		return nil, c.decorateError(core.ClassifyTransportError(readErr, call.endpoint), call.configuration, interactionID)
	}
	if int64(len(body)) > maxResponseBodyBytes {
		return nil, fmt.Errorf("fapi: %s response exceeds %d bytes", call.endpoint, maxResponseBodyBytes)
	}

	retryAfter := parseRetryAfter(response.Header.Get("Retry-After"), c.now())
	c.notifyAfterCall(ctx, key, response, retryAfter)

	if response.StatusCode != call.wantStatus {
		classified := core.ClassifyHTTPStatus(response.StatusCode, body, call.endpoint)
		if retryAfter > 0 {
			classified = core.WithRetryAfter(classified, retryAfter)
		}
		return nil, c.decorateError(classified, call.configuration, interactionID)
	}

	payload, err := parseResponsePayload(body)
	if err != nil {
		return nil, fmt.Errorf("fapi: decode %s response: %w", call.endpoint, err)
	}
	return payload, nil
}

// notifyAfterCall feeds the response outcome to the rate-limit policy. The
// wire call already happened, so a bookkeeping failure cannot be allowed to
// discard its result.
func (c *Client) notifyAfterCall(ctx context.Context, key core.RateLimitKey, response *http.Response, retryAfter time.Duration) {
	if c.config.RateLimitPolicy == nil || response == nil {
		return
	}
	meta := core.EndpointResponseMeta{
		StatusCode: response.StatusCode,
		Headers:    headersToMap(response.Header),
	}
	if retryAfter > 0 {
		meta.RetryAfter = &retryAfter
	}
	_ = c.config.RateLimitPolicy.AfterCall(ctx, key, meta)
}

// decorateError attaches the bank binding and the FAPI interaction id to a
// classified error so operators can correlate a failure with the bank's own
// audit trail.
func (c *Client) decorateError(err error, configuration core.BankConfiguration, interactionID string) error {
	if err == nil {
		return nil
	}
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return err
	}
	metadata := make(map[string]any, len(richErr.Metadata)+3)
	for key, value := range richErr.Metadata {
		metadata[key] = value
	}
	metadata["bank_code"] = configuration.BankCode
	metadata["environment"] = string(configuration.Environment)
	metadata["interaction_id"] = interactionID
	return richErr.WithMetadata(metadata)
}

func (c *Client) now() time.Time {
	if c == nil || c.config.Now == nil {
		return time.Now().UTC()
	}
	return c.config.Now().UTC()
}

func tokenFromPayload(payload map[string]any, now time.Time) (core.Token, error) {
	accessToken := strings.TrimSpace(readAnyString(payload["access_token"]))
	if accessToken == "" {
		return core.Token{}, fmt.Errorf("fapi: token response missing access_token")
	}
	tokenType := strings.TrimSpace(readAnyString(payload["token_type"]))
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return core.Token{
		AccessToken:  accessToken,
		TokenType:    tokenType,
		ExpiresIn:    int(readAnyInt64(payload["expires_in"])),
		RefreshToken: strings.TrimSpace(readAnyString(payload["refresh_token"])),
		Scope:        strings.TrimSpace(readAnyString(payload["scope"])),
		IssuedAt:     now,
	}, nil
}

// parseResponsePayload reads a JSON object, falling back to form encoding
// for banks that still emit it.
func parseResponsePayload(body []byte) (map[string]any, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return map[string]any{}, nil
	}

	if strings.HasPrefix(trimmed, "{") {
		payload := map[string]any{}
		if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
			return nil, err
		}
		return payload, nil
	}

	values, err := url.ParseQuery(trimmed)
	if err != nil {
		return nil, err
	}
	payload := make(map[string]any, len(values))
	for key := range values {
		payload[key] = values.Get(key)
	}
	return payload, nil
}

// parseRetryAfter reads the Retry-After header in both of its forms,
// delta-seconds and HTTP-date.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	at, err := http.ParseTime(value)
	if err != nil {
		return 0
	}
	delta := at.Sub(now)
	if delta <= 0 {
		return 0
	}
	return delta
}

func pickTimeout(bankOverride, global time.Duration) time.Duration {
	if bankOverride > 0 {
		return bankOverride
	}
	return global
}

// cloneFormValues copies the prepared form so authentication methods can add
// fields without mutating the caller's payload.
func cloneFormValues(values url.Values) url.Values {
	out := make(url.Values, len(values))
	for key, entries := range values {
		copied := make([]string, len(entries))
		copy(copied, entries)
		out[key] = copied
	}
	return out
}

func headersToMap(header http.Header) map[string]string {
	out := make(map[string]string, len(header))
	for key, values := range header {
		if len(values) == 0 {
			continue
		}
		out[strings.ToLower(key)] = values[0]
	}
	return out
}

func sanitizePayloadMetadata(payload map[string]any) map[string]any {
	metadata := make(map[string]any, len(payload))
	for key, value := range payload {
		metadata[key] = value
	}
	delete(metadata, "access_token")
	delete(metadata, "refresh_token")
	delete(metadata, "id_token")
	return metadata
}

func readAnyString(value any) string {
	switch typed := value.(type) {
	case string:
		return typed
	case fmt.Stringer:
		return typed.String()
	default:
		return ""
	}
}

func readAnyInt64(value any) int64 {
	switch typed := value.(type) {
	case int:
		return int64(typed)
	case int64:
		return typed
	case float64:
		return int64(typed)
	case json.Number:
		parsed, err := typed.Int64()
		if err == nil {
			return parsed
		}
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64)
		if err == nil {
			return parsed
		}
	}
	return 0
}

func readAnyBool(value any) bool {
	switch typed := value.(type) {
	case bool:
		return typed
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(typed))
		return err == nil && parsed
	default:
		return false
	}
}

var _ core.ProtocolClient = (*Client)(nil)
