// Package apperr defines the error taxonomy shared across filament's service
// layer and REST surface. Every error a handler can return to a client is one
// of these kinds; anything else is wrapped as Internal before it reaches the
// response writer.
package apperr

import (
	"errors"
	"net/http"
)

// Kind is a stable, client-facing error code. It doubles as the flat
// "error" field value in HTTP responses.
type Kind string

const (
	InvalidRequest            Kind = "invalid_request"
	Unauthorized              Kind = "unauthorized"
	InvalidCredentials        Kind = "invalid_credentials"
	CaptchaFailed              Kind = "captcha_failed"
	Forbidden                  Kind = "forbidden"
	NotFound                   Kind = "not_found"
	PayloadTooLarge            Kind = "payload_too_large"
	QuotaExceeded              Kind = "quota_exceeded"
	RateLimited                Kind = "rate_limited"
	GuildCreationLimitReached  Kind = "guild_creation_limit_reached"
	DirectoryJoinUserBanned    Kind = "directory_join_user_banned"
	DirectoryJoinIPBanned      Kind = "directory_join_ip_banned"
	AuditAccessDenied          Kind = "audit_access_denied"
	Internal                   Kind = "internal"
)

// httpStatus maps each Kind to its HTTP status code per the error handling
// design.
var httpStatus = map[Kind]int{
	InvalidRequest:            http.StatusBadRequest,
	Unauthorized:              http.StatusUnauthorized,
	InvalidCredentials:        http.StatusUnauthorized,
	CaptchaFailed:             http.StatusForbidden,
	Forbidden:                 http.StatusForbidden,
	NotFound:                  http.StatusNotFound,
	PayloadTooLarge:           http.StatusRequestEntityTooLarge,
	QuotaExceeded:             http.StatusForbidden,
	RateLimited:               http.StatusTooManyRequests,
	GuildCreationLimitReached: http.StatusForbidden,
	DirectoryJoinUserBanned:   http.StatusForbidden,
	DirectoryJoinIPBanned:     http.StatusForbidden,
	AuditAccessDenied:         http.StatusForbidden,
	Internal:                  http.StatusInternalServerError,
}

// Error is the concrete error type carrying a Kind, a log-only Message and,
// for a wrapped internal failure, its cause. Message is never sent to a
// client.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.cause }

// Status returns the HTTP status code for this error's Kind.
func (e *Error) Status() int {
	if s, ok := httpStatus[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New builds an Error of the given Kind with a log-only message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap maps an arbitrary infrastructure error to Internal, retaining it as
// the cause for logging via errors.Unwrap while never exposing its text to
// a client.
func Wrap(err error) *Error {
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}
	return &Error{Kind: Internal, Message: err.Error(), cause: err}
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error, defaulting
// to Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// StatusOf extracts the HTTP status for err, defaulting to 500.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status()
	}
	return http.StatusInternalServerError
}

// WriteTo writes err as the module's flat JSON error envelope. Kept here
// (rather than in apiutil) so service-layer code can format errors without
// importing the REST package; handlers in internal/api call it directly.
func WriteTo(w http.ResponseWriter, err error) {
	e := Wrap(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status())
	_, _ = w.Write([]byte(`{"error":"` + string(e.Kind) + `"}`))
}
