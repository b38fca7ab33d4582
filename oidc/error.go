package oidc

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidParameter    = errors.New("invalid parameter")
	ErrNilParameter        = errors.New("nil parameter")
	ErrInvalidCACert       = errors.New("invalid CA certificate")
	ErrProviderNotFound    = errors.New("provider not found")
	ErrEndpointNotFound    = errors.New("provider endpoint not configured")
	ErrStateMismatch       = errors.New("response state does not match stored state")
	ErrMissingPKCEContext  = errors.New("missing pkce context")
	ErrProviderResponse    = errors.New("provider returned an error response")
	ErrTokenExchangeFailed = errors.New("token exchange failed")
	ErrRefreshFailed       = errors.New("token refresh failed")
	ErrRefreshTimeout      = errors.New("timed out waiting for in-flight token refresh")
	ErrNetworkFailure      = errors.New("network failure")
	ErrCallbackConsumed    = errors.New("redirect callback already handled")
	ErrMissingToken        = errors.New("no token set is stored")
	ErrMissingRefreshToken = errors.New("token set has no refresh token")
	ErrMissingIDToken      = errors.New("token set has no id_token")
)

// ExchangeError reports a failed call to a provider's token endpoint. An
// HTTP-level failure carries the response status and body; a transport-level
// failure (no response at all) is flagged with Network so callers can offer
// a retry instead of a new login.
type ExchangeError struct {
	// Status is the HTTP status code of the provider's response. Zero when
	// Network is true.
	Status int

	// Body is the raw response body, typically an RFC 6749 error document.
	Body []byte

	// Network is true when no HTTP response was received.
	Network bool

	// grant is the grant_type of the failed request, for error text only.
	grant string

	wrapped error
}

func (e *ExchangeError) Error() string {
	switch {
	case e.Network:
		return fmt.Sprintf("%s grant failed: %s: %s", e.grant, ErrNetworkFailure, e.wrapped)
	default:
		return fmt.Sprintf("%s grant failed: status %d: %s", e.grant, e.Status, e.Body)
	}
}

// Unwrap lets errors.Is match ErrTokenExchangeFailed, and additionally
// ErrNetworkFailure for transport-level failures.
func (e *ExchangeError) Unwrap() []error {
	errs := []error{ErrTokenExchangeFailed}
	if e.Network {
		errs = append(errs, ErrNetworkFailure)
	}
	if e.wrapped != nil {
		errs = append(errs, e.wrapped)
	}
	return errs
}

// CallbackError carries the error parameters a provider appended to the
// redirect URI instead of an authorization code.
type CallbackError struct {
	// Code is the RFC 6749 error code, e.g. "access_denied".
	Code string

	// Description is the optional human readable error_description.
	Description string
}

func (e *CallbackError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("authorization callback error %q: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("authorization callback error %q", e.Code)
}

// Unwrap lets errors.Is match ErrProviderResponse.
func (e *CallbackError) Unwrap() error {
	return ErrProviderResponse
}
