package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

const (
	BankingErrorValidation   = "OPENBANKING_VALIDATION"
	BankingErrorBadRequest   = "OPENBANKING_BAD_REQUEST"
	BankingErrorUnauthorized = "OPENBANKING_UNAUTHORIZED"
	BankingErrorForbidden    = "OPENBANKING_FORBIDDEN"
	BankingErrorRateLimited  = "OPENBANKING_RATE_LIMITED"
	BankingErrorServer       = "OPENBANKING_SERVER_ERROR"
	BankingErrorTimeout      = "OPENBANKING_TIMEOUT"
	BankingErrorNetwork      = "OPENBANKING_NETWORK"
	BankingErrorNotFound     = "OPENBANKING_NOT_FOUND"
	BankingErrorConflict     = "OPENBANKING_CONFLICT"
	BankingErrorInternal     = "OPENBANKING_INTERNAL_ERROR"
)

const metadataKeyRetryAfter = "retry_after"

// ClassifyHTTPStatus turns a non-success bank response into the taxonomy
// error for its status, refining the message and kind from an OAuth error
// payload when the body carries one.
func ClassifyHTTPStatus(status int, body []byte, endpoint string) error {
	endpoint = strings.TrimSpace(endpoint)
	message := fmt.Sprintf("%s request failed with status %d", endpoint, status)
	metadata := map[string]any{
		"endpoint":    endpoint,
		"http_status": status,
	}

	payload, hasPayload := parseOAuthErrorBody(body)
	if hasPayload {
		message = fmt.Sprintf("%s: %s", message, payload.Error)
		if payload.ErrorDescription != "" {
			message = fmt.Sprintf("%s: %s", message, payload.ErrorDescription)
		}
		metadata["oauth_error"] = payload.Error
	}

	category := goerrors.CategoryExternal
	textCode := BankingErrorServer
	switch {
	case status == http.StatusBadRequest:
		category = goerrors.CategoryBadInput
		textCode = BankingErrorBadRequest
	case status == http.StatusUnauthorized:
		category = goerrors.CategoryAuth
		textCode = BankingErrorUnauthorized
	case status == http.StatusForbidden:
		category = goerrors.CategoryAuthz
		textCode = BankingErrorForbidden
	case status == http.StatusNotFound:
		category = goerrors.CategoryNotFound
		textCode = BankingErrorNotFound
	case status == http.StatusConflict:
		category = goerrors.CategoryConflict
		textCode = BankingErrorConflict
	case status == http.StatusTooManyRequests:
		category = goerrors.CategoryRateLimit
		textCode = BankingErrorRateLimited
	case status >= 500:
		category = goerrors.CategoryExternal
		textCode = BankingErrorServer
	}

	// invalid_grant and invalid_client mean the credential itself is dead
	// regardless of the status the bank chose; the flow must restart.
	if hasPayload {
		switch strings.ToLower(payload.Error) {
		case "invalid_grant", "invalid_client":
			category = goerrors.CategoryAuth
			textCode = BankingErrorUnauthorized
		}
	}
	if category == goerrors.CategoryAuth || category == goerrors.CategoryAuthz {
		metadata["reauthorization_required"] = true
	}

	return ensureBankingErrorEnvelope(
		goerrors.New(message, category).
			WithCode(status).
			WithTextCode(textCode).
			WithMetadata(metadata),
	)
}

// ClassifyTransportError maps a failed round trip (no HTTP response) into
// the timeout or network kind.
func ClassifyTransportError(err error, endpoint string) error {
	if err == nil {
		return nil
	}
	endpoint = strings.TrimSpace(endpoint)
	metadata := map[string]any{"endpoint": endpoint}

	if isTimeoutError(err) {
		return ensureBankingErrorEnvelope(
			goerrors.Wrap(err, goerrors.CategoryOperation, fmt.Sprintf("%s request timed out", endpoint)).
				WithCode(http.StatusGatewayTimeout).
				WithTextCode(BankingErrorTimeout).
				WithMetadata(metadata),
		)
	}
	return ensureBankingErrorEnvelope(
		goerrors.Wrap(err, goerrors.CategoryExternal, fmt.Sprintf("%s request failed: network error", endpoint)).
			WithCode(http.StatusBadGateway).
			WithTextCode(BankingErrorNetwork).
			WithMetadata(metadata),
	)
}

func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

// IsRecoverable reports whether a retry can possibly succeed. Only rate
// limiting, timeouts, upstream server failures, and network failures
// qualify; everything else needs caller intervention or a restarted flow.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return false
	}
	switch strings.TrimSpace(strings.ToUpper(richErr.TextCode)) {
	case BankingErrorRateLimited, BankingErrorTimeout, BankingErrorServer, BankingErrorNetwork:
		return true
	case BankingErrorValidation, BankingErrorBadRequest, BankingErrorUnauthorized,
		BankingErrorForbidden, BankingErrorNotFound, BankingErrorConflict:
		return false
	}
	switch richErr.Category {
	case goerrors.CategoryRateLimit, goerrors.CategoryExternal:
		return true
	}
	return false
}

// WithRetryAfter attaches the server's retry hint to a classified error.
func WithRetryAfter(err error, retryAfter time.Duration) error {
	if err == nil || retryAfter <= 0 {
		return err
	}
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return err
	}
	metadata := make(map[string]any, len(richErr.Metadata)+1)
	for key, value := range richErr.Metadata {
		metadata[key] = value
	}
	metadata[metadataKeyRetryAfter] = retryAfter
	return richErr.WithMetadata(metadata)
}

// RetryAfterFrom extracts the retry hint recorded by WithRetryAfter or by
// the rate-limit policy.
func RetryAfterFrom(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) || len(richErr.Metadata) == 0 {
		return 0, false
	}
	raw, ok := richErr.Metadata[metadataKeyRetryAfter]
	if !ok {
		return 0, false
	}
	switch typed := raw.(type) {
	case time.Duration:
		return typed, typed > 0
	case int:
		return time.Duration(typed) * time.Second, typed > 0
	case int64:
		return time.Duration(typed) * time.Second, typed > 0
	case float64:
		return time.Duration(typed * float64(time.Second)), typed > 0
	case string:
		seconds, parseErr := strconv.Atoi(strings.TrimSpace(typed))
		if parseErr != nil || seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	default:
		return 0, false
	}
}

type oauthErrorPayload struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// parseOAuthErrorBody reads an RFC 6749 error payload, accepting JSON first
// and form encoding as the fallback some banks still emit.
func parseOAuthErrorBody(body []byte) (oauthErrorPayload, bool) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return oauthErrorPayload{}, false
	}

	var payload oauthErrorPayload
	if err := json.Unmarshal([]byte(trimmed), &payload); err == nil {
		payload.Error = strings.TrimSpace(payload.Error)
		payload.ErrorDescription = strings.TrimSpace(payload.ErrorDescription)
		if payload.Error != "" {
			return payload, true
		}
	}

	values, err := url.ParseQuery(trimmed)
	if err != nil {
		return oauthErrorPayload{}, false
	}
	payload = oauthErrorPayload{
		Error:            strings.TrimSpace(values.Get("error")),
		ErrorDescription: strings.TrimSpace(values.Get("error_description")),
	}
	return payload, payload.Error != ""
}

func bankingErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureBankingErrorEnvelope(richErr)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "not found") || strings.Contains(msg, "not registered"):
		return newBankingError(err.Error(), goerrors.CategoryNotFound, BankingErrorNotFound)
	case strings.Contains(msg, "status transition"):
		return newBankingError(err.Error(), goerrors.CategoryConflict, BankingErrorConflict)
	case strings.Contains(msg, "throttl"), strings.Contains(msg, "rate limit"):
		return newBankingError(err.Error(), goerrors.CategoryRateLimit, BankingErrorRateLimited)
	case strings.Contains(msg, "timed out"), strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return newBankingError(err.Error(), goerrors.CategoryOperation, BankingErrorTimeout)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"),
		strings.Contains(msg, "mismatch"), strings.Contains(msg, "must"):
		return newBankingError(err.Error(), goerrors.CategoryValidation, BankingErrorValidation)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureBankingErrorEnvelope(mapped)
}

func newBankingError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureBankingErrorEnvelope(
		goerrors.New(message, category).
			WithTextCode(textCode),
	)
}

func ensureBankingErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = bankingHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultBankingTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultBankingTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput:
		return BankingErrorBadRequest
	case goerrors.CategoryValidation:
		return BankingErrorValidation
	case goerrors.CategoryNotFound:
		return BankingErrorNotFound
	case goerrors.CategoryAuth:
		return BankingErrorUnauthorized
	case goerrors.CategoryAuthz:
		return BankingErrorForbidden
	case goerrors.CategoryConflict:
		return BankingErrorConflict
	case goerrors.CategoryRateLimit:
		return BankingErrorRateLimited
	case goerrors.CategoryOperation:
		return BankingErrorTimeout
	case goerrors.CategoryExternal:
		return BankingErrorServer
	default:
		return BankingErrorInternal
	}
}

func bankingHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryOperation:
		return http.StatusGatewayTimeout
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
