package providers

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind is the normalized failure category carried by a failed Result.
type ErrorKind string

const (
	KindConfiguration   ErrorKind = "configuration"
	KindVendor          ErrorKind = "vendor"
	KindRateLimited     ErrorKind = "rate_limited"
	KindAuth            ErrorKind = "auth"
	KindUnknownProvider ErrorKind = "unknown_provider"
	KindInvalidRequest  ErrorKind = "invalid_request"
	KindUnknown         ErrorKind = "unknown"
)

// DefaultRetryAfter is used when a vendor throttles without saying for how long.
const DefaultRetryAfter = 30 * time.Second

// ConfigurationError means a provider is missing or has invalid credentials.
type ConfigurationError struct {
	Provider string
	Field    string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("provider %s: %s is not configured", e.Provider, e.Field)
}

// VendorError is a non-2xx, unreachable or malformed vendor response.
type VendorError struct {
	Provider   string
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *VendorError) Error() string {
	msg := fmt.Sprintf("provider %s", e.Provider)
	if e.StatusCode > 0 {
		msg += fmt.Sprintf(" status %d", e.StatusCode)
	}
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *VendorError) Unwrap() error { return e.Err }

type RateLimitedError struct {
	Provider   string
	StatusCode int
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("provider %s rate limited, retry after %s", e.Provider, e.RetryAfter)
}

// AuthError means the vendor rejected our credentials.
type AuthError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("provider %s rejected credentials (status %d)", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("provider %s rejected credentials (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// NotFoundError is returned for an unregistered provider id or an empty capability.
type NotFoundError struct {
	ID         string
	Capability Capability
}

func (e *NotFoundError) Error() string {
	if e.ID != "" {
		if e.Capability != "" {
			return fmt.Sprintf("provider %q not registered for %s", e.ID, e.Capability)
		}
		return fmt.Sprintf("provider %q not registered", e.ID)
	}
	return fmt.Sprintf("no provider registered for %s", e.Capability)
}

type InvalidRequestError struct {
	Provider string
	Reason   string
}

func (e *InvalidRequestError) Error() string {
	if e.Provider == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("provider %s: invalid request: %s", e.Provider, e.Reason)
}

// KindOf maps an error returned by an adapter or the registry to its ErrorKind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var (
		cfgErr  *ConfigurationError
		rlErr   *RateLimitedError
		authErr *AuthError
		nfErr   *NotFoundError
		invErr  *InvalidRequestError
		vendErr *VendorError
	)
	switch {
	case errors.As(err, &cfgErr):
		return KindConfiguration
	case errors.As(err, &rlErr):
		return KindRateLimited
	case errors.As(err, &authErr):
		return KindAuth
	case errors.As(err, &nfErr):
		return KindUnknownProvider
	case errors.As(err, &invErr):
		return KindInvalidRequest
	case errors.As(err, &vendErr):
		return KindVendor
	case errors.Is(err, context.DeadlineExceeded):
		return KindVendor
	default:
		return KindUnknown
	}
}

// RetryAfterOf returns the throttle hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var rlErr *RateLimitedError
	if errors.As(err, &rlErr) {
		return rlErr.RetryAfter
	}
	return 0
}
