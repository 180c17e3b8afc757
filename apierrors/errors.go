// Package apierrors defines the structured error taxonomy used across the
// router controller and its mapping onto the canonical JSON error envelope.
package apierrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies the cause of an error, independent of its HTTP mapping.
type Code string

// Client errors (4xx).
const (
	CodeInvalidRequest Code = "invalid_request"
	CodePolicyNotFound Code = "policy_not_found"
	CodeMissingPrompt  Code = "missing_prompt"
	CodeMissingModel   Code = "missing_model"
	CodeModelNotFound  Code = "model_not_found"
)

// Classifier errors (5xx, strategy=triton).
const (
	CodeClassifierUnavailable   Code = "classifier_unavailable"
	CodeClassifierError         Code = "classifier_error"
	CodeClassifierMalformed     Code = "classifier_malformed"
	CodeClassifierShapeMismatch Code = "classifier_shape_mismatch"
)

// System / internal errors.
const (
	CodeUpstreamUnavailable Code = "upstream_unavailable"
	CodeInternal            Code = "internal_error"
	CodeCanceled            Code = "canceled"
)

// Error is a structured error carrying enough information to render the
// canonical envelope described in spec.md §7 and to classify itself into the
// request_failure_total{error_type} buckets from §4.2.
type Error struct {
	Code       Code   `json:"type"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"status"`
	Retryable  bool   `json:"-"`
	Cause      error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.Cause }

// New creates an Error with a code and message, deriving HTTPStatus from the
// code via mapCodeToHTTPStatus unless overridden with WithHTTPStatus.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: mapCodeToHTTPStatus(code)}
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus overrides the derived HTTP status, used for classifier
// errors that preserve an upstream 5xx status verbatim.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks whether the caller may usefully retry.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

func mapCodeToHTTPStatus(code Code) int {
	switch code {
	case CodeInvalidRequest, CodeMissingPrompt, CodeMissingModel:
		return http.StatusBadRequest
	case CodePolicyNotFound:
		return http.StatusBadRequest
	case CodeModelNotFound:
		return http.StatusNotFound
	case CodeClassifierUnavailable:
		return http.StatusServiceUnavailable
	case CodeClassifierError:
		return http.StatusBadGateway
	case CodeClassifierMalformed:
		return http.StatusBadGateway
	case CodeClassifierShapeMismatch:
		return http.StatusInternalServerError
	case CodeUpstreamUnavailable:
		return http.StatusBadGateway
	case CodeCanceled:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// FailureBucket classifies an error into the request_failure_total{error_type}
// label values from spec.md §4.2: 4xx, 5xx, system, or other.
func FailureBucket(err error) string {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == CodeUpstreamUnavailable || apiErr.Code == CodeCanceled:
			return "system"
		case apiErr.HTTPStatus >= 400 && apiErr.HTTPStatus < 500:
			return "4xx"
		case apiErr.HTTPStatus >= 500:
			return "5xx"
		default:
			return "other"
		}
	}
	return "other"
}

// FailureBucketForStatus classifies a raw HTTP status code (e.g. a
// passed-through upstream LLM response) into the same request_failure_total
// buckets FailureBucket uses for structured errors.
func FailureBucketForStatus(status int) string {
	switch {
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "other"
	}
}

// HTTPStatusOf returns the HTTP status to use for err, defaulting to 500 for
// errors that aren't *Error.
func HTTPStatusOf(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatus != 0 {
			return apiErr.HTTPStatus
		}
	}
	return http.StatusInternalServerError
}
