// Package inference defines the shared contracts between the HTTP front end,
// the router, and the backend adapters: the error taxonomy, the endpoint
// table, and the adapter interface.
package inference

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind tags every user-visible failure with its taxonomy class.
type Kind string

const (
	KindInvalidRequest       Kind = "invalid_request"
	KindModelNotFound        Kind = "model_not_found"
	KindModelNotLoaded       Kind = "model_not_loaded"
	KindModelInvalidated     Kind = "model_invalidated"
	KindUnsupportedOperation Kind = "unsupported_operation"
	KindBackendInstallFailed Kind = "backend_install_failed"
	KindBackendStartupFailed Kind = "backend_startup_failed"
	KindDownloadCancelled    Kind = "download_cancelled"
	KindDownloadFailed       Kind = "download_failed"
	KindAuthFailed           Kind = "auth_failed"
	KindInternal             Kind = "internal_error"
)

// Error is the tagged error every layer below the HTTP front end returns.
// The front end is the sole translator to HTTP status codes.
type Error struct {
	Kind      Kind   `json:"type"`
	Message   string `json:"message"`
	ModelName string `json:"model,omitempty"`
	cause     error
}

func (e *Error) Error() string {
	if e.ModelName != "" {
		return fmt.Sprintf("%s: %s (model %s)", e.Kind, e.Message, e.ModelName)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// NewError builds a tagged error.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError tags an underlying error.
func WrapError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: err}
}

// WithModel attaches the offending model name.
func (e *Error) WithModel(name string) *Error {
	e.ModelName = name
	return e
}

// KindOf extracts the taxonomy tag from any error, defaulting to internal.
func KindOf(err error) Kind {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	return KindInternal
}

// HTTPStatus maps a taxonomy tag to its wire status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindModelNotFound:
		return http.StatusNotFound
	case KindModelNotLoaded:
		return http.StatusConflict
	case KindAuthFailed:
		return http.StatusUnauthorized
	case KindUnsupportedOperation:
		return http.StatusBadRequest
	case KindModelInvalidated, KindBackendInstallFailed, KindBackendStartupFailed,
		KindDownloadFailed, KindInternal:
		return http.StatusInternalServerError
	case KindDownloadCancelled:
		// Not an error for the client that initiated the cancellation.
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// RetryClass is the router's string-free classification of load failures.
type RetryClass int

const (
	// RetryOther failures trigger the evict-everything retry.
	RetryOther RetryClass = iota
	// RetryNotFound failures surface as-is.
	RetryNotFound
	// RetryInvalidated failures (FLM post-upgrade) surface as-is.
	RetryInvalidated
)

// ClassifyForRetry maps a load failure onto the router's retry policy using
// its taxonomy tag rather than message matching.
func ClassifyForRetry(err error) RetryClass {
	switch KindOf(err) {
	case KindModelNotFound, KindDownloadFailed, KindDownloadCancelled:
		return RetryNotFound
	case KindModelInvalidated:
		return RetryInvalidated
	default:
		return RetryOther
	}
}
