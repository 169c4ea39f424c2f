package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gath-stack/otel-demo-api/internal/workload"
)

// Error types used as the error_type label next to the workload kinds.
const (
	KindNotFound         = "NotFound"
	KindMethodNotAllowed = "MethodNotAllowed"
	KindBadRequest       = "BadRequest"
	KindTimeout          = "Timeout"
	KindPanic            = "Panic"
	KindInternal         = "InternalError"
)

// Error is a failure that reached the HTTP boundary. It carries everything
// needed to answer the client and to label the error counter.
type Error struct {
	Status  int
	Title   string
	Kind    string
	Message string
	Path    string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func notFound(path string) *Error {
	return &Error{
		Status:  http.StatusNotFound,
		Title:   "Not Found",
		Kind:    KindNotFound,
		Message: "The requested URL was not found on the server",
		Path:    path,
	}
}

func methodNotAllowed(method, path string) *Error {
	return &Error{
		Status:  http.StatusMethodNotAllowed,
		Title:   "Method Not Allowed",
		Kind:    KindMethodNotAllowed,
		Message: "Method " + method + " is not allowed on this resource",
		Path:    path,
	}
}

func badRequest(message string) *Error {
	return &Error{
		Status:  http.StatusBadRequest,
		Title:   "Bad Request",
		Kind:    KindBadRequest,
		Message: message,
	}
}

// toAPIError maps err to the response the client gets. title is used for
// failures that do not carry their own.
func toAPIError(err error, title string) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{
			Status:  http.StatusGatewayTimeout,
			Title:   "Gateway Timeout",
			Kind:    KindTimeout,
			Message: "The request did not complete before its deadline",
			Err:     err,
		}
	}

	var werr *workload.Error
	if errors.As(err, &werr) {
		return &Error{
			Status:  http.StatusInternalServerError,
			Title:   title,
			Kind:    string(werr.Kind),
			Message: werr.Message,
			Err:     err,
		}
	}

	return &Error{
		Status:  http.StatusInternalServerError,
		Title:   title,
		Kind:    KindInternal,
		Message: err.Error(),
		Err:     err,
	}
}
