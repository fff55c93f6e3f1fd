package oauth

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrValidation indicates malformed or missing caller input.
	ErrValidation = errors.New("oauth: validation failed")
	// ErrInvalidState indicates the PKCE state is unknown or expired.
	ErrInvalidState = errors.New("oauth: invalid state")
	// ErrTokenExchangeFailed covers any failure talking to the provider during exchange, refresh or profile fetch.
	ErrTokenExchangeFailed = errors.New("oauth: token exchange failed")
	// ErrMissingTokenSet signals that no credentials are bound to the session.
	ErrMissingTokenSet = errors.New("oauth: missing token set")
	// ErrUnauthorized is the generic authentication failure.
	ErrUnauthorized = errors.New("oauth: unauthorized")
	// ErrSessionNotFound signals an unknown or expired app session.
	ErrSessionNotFound = fmt.Errorf("%w: session not found", ErrUnauthorized)
)

// Sub-reasons carried by ProviderError.
const (
	ReasonInvalidGrant = "invalid_grant"
	ReasonRateLimited  = "rate_limited"
	ReasonUpstream     = "upstream_error"
	ReasonTransport    = "transport_error"
	ReasonMalformed    = "malformed_response"
)

// ProviderError describes a failed call to the OAuth provider. It matches ErrTokenExchangeFailed.
type ProviderError struct {
	Op         string
	StatusCode int
	Reason     string
	Code       string
	Detail     string
	// RetryAfter is the provider's Retry-After hint on 429 responses.
	RetryAfter time.Duration
	Err        error
}

// NewStatusError classifies a non-2xx provider response.
func NewStatusError(op string, status int, code, detail string) *ProviderError {
	reason := ReasonUpstream
	switch status {
	case http.StatusBadRequest:
		reason = ReasonInvalidGrant
	case http.StatusTooManyRequests:
		reason = ReasonRateLimited
	}
	return &ProviderError{Op: op, StatusCode: status, Reason: reason, Code: code, Detail: detail}
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Reason)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status=%d)", msg, e.StatusCode)
	}
	if e.Code != "" {
		msg = fmt.Sprintf("%s %s", msg, e.Code)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying the same request may succeed.
func (e *ProviderError) Temporary() bool {
	switch {
	case e.Reason == ReasonTransport:
		return true
	case e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= http.StatusInternalServerError:
		return true
	}
	return false
}

// Is makes every ProviderError match ErrTokenExchangeFailed.
func (e *ProviderError) Is(target error) bool {
	return target == ErrTokenExchangeFailed
}
