package entities

import "errors"

// ErrorKind groups domain errors by how a caller is expected to recover.
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"    // rejected before touching state
	KindProtocol      ErrorKind = "protocol"      // retry the flow
	KindAdmission     ErrorKind = "admission"     // back off
	KindAuthorization ErrorKind = "authorization" // admin or tenant must act
	KindInfra         ErrorKind = "infra"
	KindNotFound      ErrorKind = "not_found"
	KindConflict      ErrorKind = "conflict"
)

// Error is a classified domain error. Instances below are sentinels; wrap them
// with fmt.Errorf("...: %w", ErrX) to add context.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

func newError(kind ErrorKind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

var (
	ErrValidation      = newError(KindValidation, "invalid_request", "invalid request")
	ErrRequestRejected = newError(KindValidation, "request_rejected", "telegram rejected the request")

	ErrAlreadyConfigured = newError(KindProtocol, "already_configured", "credentials already configured")
	ErrSessionExpired    = newError(KindProtocol, "session_expired", "verification session expired")
	ErrSessionMismatch   = newError(KindProtocol, "session_mismatch", "phone code hash does not match the latest session")
	ErrInvalidCode       = newError(KindProtocol, "invalid_code", "verification code rejected")
	ErrTwoFactorRequired = newError(KindProtocol, "two_factor_required", "two-factor password required")
	ErrInvalidPassword   = newError(KindProtocol, "invalid_password", "two-factor password rejected")
	ErrAttemptsExhausted = newError(KindProtocol, "attempts_exhausted", "too many failed attempts, start over")
	ErrQRExpired         = newError(KindProtocol, "qr_expired", "qr login session expired")
	ErrNotAwaitingTwoFA  = newError(KindProtocol, "two_factor_not_requested", "qr login session is not waiting for a password")
	ErrInvalidTransition = newError(KindProtocol, "invalid_transition", "operation not allowed in current state")

	ErrRateLimited         = newError(KindAdmission, "rate_limited", "request rate limit exceeded")
	ErrConcurrencyExceeded = newError(KindAdmission, "concurrency_exceeded", "too many concurrent requests")
	ErrUpstreamThrottled   = newError(KindAdmission, "upstream_throttled", "telegram asked to slow down")

	ErrSuspended          = newError(KindAuthorization, "suspended", "credentials suspended by administrator")
	ErrNotVerified        = newError(KindAuthorization, "not_verified", "credentials are not verified")
	ErrChannelDisabled    = newError(KindAuthorization, "channel_disabled", "channel is disabled")
	ErrCredentialRejected = newError(KindAuthorization, "credential_rejected", "telegram rejected the stored credentials")

	ErrUpstreamUnavailable = newError(KindInfra, "upstream_unavailable", "telegram is unreachable")
	ErrConnectionClosed    = newError(KindInfra, "connection_closed", "connection was closed")

	ErrNotFound = newError(KindNotFound, "not_found", "not found")
	ErrConflict = newError(KindConflict, "conflict", "concurrent modification")
)

// KindOf returns the kind of the first classified error in err's chain, or
// KindInfra for unclassified errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInfra
}

// CodeOf returns the code of the first classified error in err's chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal_error"
}

// IsNotFound reports whether err is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
