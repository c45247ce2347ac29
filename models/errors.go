package models

import (
	"fmt"
	"net/http"
)

// ErrorKind classifies a failed generation job
type ErrorKind string

const (
	KindInputMissing     ErrorKind = "input_missing"
	KindDecode           ErrorKind = "decode_error"
	KindModelUnavailable ErrorKind = "model_unavailable"
	KindGenerationFailed ErrorKind = "generation_failed"
	KindTimeout          ErrorKind = "timeout"
	KindTransport        ErrorKind = "transport"
	KindInternal         ErrorKind = "internal"
)

// JobError is a structured facade or client failure.
// Message becomes the wire "error" field and Details the optional "details" field.
type JobError struct {
	Kind      ErrorKind
	Message   string
	Details   string
	RequestID string
	Err       error
}

// NewJobError creates a JobError of the given kind
func NewJobError(kind ErrorKind, message, details string) *JobError {
	return &JobError{Kind: kind, Message: message, Details: details}
}

func (e *JobError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Details)
	}
	return e.Message
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// WithRequestID sets the request id and returns the same error
func (e *JobError) WithRequestID(id string) *JobError {
	e.RequestID = id
	return e
}

// HTTPStatus maps the error kind to the status code the REST facade answers with
func (e *JobError) HTTPStatus() int {
	switch e.Kind {
	case KindInputMissing, KindDecode:
		return http.StatusBadRequest
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Response converts the error to its wire form
func (e *JobError) Response() ErrorResponse {
	return ErrorResponse{
		Error:     e.Message,
		Details:   e.Details,
		RequestID: e.RequestID,
	}
}

// InternalError wraps an unexpected failure caught at the top of an entry point
func InternalError(v interface{}) *JobError {
	msg := fmt.Sprint(v)
	if err, ok := v.(error); ok {
		msg = err.Error()
		return &JobError{Kind: KindInternal, Message: "Internal server error", Details: msg, Err: err}
	}
	return &JobError{Kind: KindInternal, Message: "Internal server error", Details: msg}
}
