package license

import (
	"errors"
	"net/http"
)

// Store-level sentinels. Store implementations wrap these with context.
var (
	// ErrNotFound is returned when no license matches the lookup key.
	ErrNotFound = errors.New("license not found")
	// ErrInactive is returned by ConsumeNote when the license is not active.
	ErrInactive = errors.New("license inactive")
	// ErrQuotaExhausted is returned by ConsumeNote when notes_used >= notes_limit.
	ErrQuotaExhausted = errors.New("notes quota exhausted")
)

// Kind classifies an access decision failure.
type Kind string

const (
	// KindUnauthenticated means the caller could not be identified.
	KindUnauthenticated Kind = "unauthenticated"
	// KindForbidden means the caller is known but not allowed.
	KindForbidden Kind = "forbidden"
	// KindNotFound means an addressed record does not exist.
	KindNotFound Kind = "not_found"
	// KindRateLimited means the caller exceeded the request window.
	KindRateLimited Kind = "rate_limited"
)

// Reason is a stable, machine-readable failure reason surfaced to clients.
type Reason string

const (
	ReasonMissingToken         Reason = "missing_token"
	ReasonInvalidToken         Reason = "invalid_token"
	ReasonExpiredToken         Reason = "expired_token"
	ReasonNoSubscription       Reason = "no_subscription"
	ReasonInactiveSubscription Reason = "inactive_subscription"
	ReasonQuotaExhausted       Reason = "quota_exhausted"
	ReasonLicenseNotFound      Reason = "license_not_found"
	ReasonRateLimited          Reason = "rate_limited"
)

// Error is a discriminated access failure.
type Error struct {
	Kind    Kind
	Reason  Reason
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Reason) + ": " + e.Err.Error()
	}
	return string(e.Reason) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the error kind to a response status.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

var messages = map[Reason]string{
	ReasonMissingToken:         "Missing authentication token",
	ReasonInvalidToken:         "Invalid authentication token",
	ReasonExpiredToken:         "Token has expired",
	ReasonNoSubscription:       "Invalid license. Please subscribe.",
	ReasonInactiveSubscription: "Your license is inactive. Please renew your subscription.",
	ReasonQuotaExhausted:       "You have reached your monthly note generation limit. Please upgrade your plan.",
	ReasonLicenseNotFound:      "License not found",
	ReasonRateLimited:          "Rate limit exceeded. Please try again later.",
}

var kinds = map[Reason]Kind{
	ReasonMissingToken:         KindUnauthenticated,
	ReasonInvalidToken:         KindUnauthenticated,
	ReasonExpiredToken:         KindUnauthenticated,
	ReasonNoSubscription:       KindUnauthenticated,
	ReasonInactiveSubscription: KindForbidden,
	ReasonQuotaExhausted:       KindForbidden,
	ReasonLicenseNotFound:      KindNotFound,
	ReasonRateLimited:          KindRateLimited,
}

// NewError builds an Error for a reason with its standard kind and message.
func NewError(reason Reason, cause error) *Error {
	return &Error{
		Kind:    kinds[reason],
		Reason:  reason,
		Message: messages[reason],
		Err:     cause,
	}
}

// AsError extracts an *Error from err.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	e, ok := AsError(err)
	return ok && e.Kind == kind
}

// IsReason reports whether err is an *Error with the given reason.
func IsReason(err error, reason Reason) bool {
	e, ok := AsError(err)
	return ok && e.Reason == reason
}
