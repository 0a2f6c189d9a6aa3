// Package apierr defines the stable error-code taxonomy of the HTTP
// control plane (spec §7) and the plumbing to carry it from the engine
// packages up to the gin handlers without losing the underlying cause.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is one of the stable error codes surfaced to HTTP clients.
type Code string

const (
	InvalidParameter  Code = "INVALID_PARAMETER"
	ResourceNotFound  Code = "RESOURCE_NOT_FOUND"
	NotConnected      Code = "NOT_CONNECTED"
	AlreadyRecording  Code = "ALREADY_RECORDING"
	NotRecording      Code = "NOT_RECORDING"
	PipelineError     Code = "PIPELINE_ERROR"
	PipelineConstruct Code = "PIPELINE_CONSTRUCT"
	DBError           Code = "DB_ERROR"
	InternalServer    Code = "INTERNAL_SERVER_ERROR"
)

var statusByCode = map[Code]int{
	InvalidParameter:  http.StatusBadRequest,
	ResourceNotFound:  http.StatusNotFound,
	NotConnected:      http.StatusConflict,
	AlreadyRecording:  http.StatusConflict,
	NotRecording:      http.StatusConflict,
	PipelineError:     http.StatusInternalServerError,
	PipelineConstruct: http.StatusInternalServerError,
	DBError:           http.StatusInternalServerError,
	InternalServer:    http.StatusInternalServerError,
}

// Error is a categorized error carrying one of the stable Codes plus an
// optional wrapped cause. It implements error and errors.Unwrap.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus returns the status code an *Error maps to, defaulting to 500
// for unrecognized codes.
func (e *Error) HTTPStatus() int {
	if status, ok := statusByCode[e.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// As extracts an *Error from err via errors.As, returning ok=false if err
// is not (or does not wrap) an *Error.
func As(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
