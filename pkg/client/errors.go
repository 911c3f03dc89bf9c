package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrAPI is matched by non-retryable API error responses.
	ErrAPI = errors.New("api error")

	// ErrProtocol is matched by malformed success responses.
	ErrProtocol = errors.New("protocol error")
)

// maxBodyInError bounds the response body kept in errors.
const maxBodyInError = 1024

// APIError is a non-2xx response that is not retried.
type APIError struct {
	Method     string
	Path       string
	StatusCode int

	// Code and Message come from the Zoho error body {"code":..,"message":..}.
	Code    int
	Message string

	Body string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("zoho api error (status %d, code %d) %s %s: %s",
			e.StatusCode, e.Code, e.Method, e.Path, e.Message)
	}
	return fmt.Sprintf("zoho api error (status %d) %s %s: %s",
		e.StatusCode, e.Method, e.Path, e.Body)
}

// Is reports whether target is ErrAPI.
func (e *APIError) Is(target error) bool {
	return target == ErrAPI
}

// RetryExhaustedError carries the last observed failure of a request whose
// retry budget ran out.
type RetryExhaustedError struct {
	Method     string
	Path       string
	ErrorClass ErrorClass
	Attempts   int

	// StatusCode and Body of the last response, zero for network failures.
	StatusCode int
	Body       string

	Err error
}

// Error implements the error interface.
func (e *RetryExhaustedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %v after %d attempts (%s)", e.Method, e.Path, ErrRetryExhausted, e.Attempts, e.ErrorClass)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d: %s", e.StatusCode, e.Body)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrRetryExhausted.
func (e *RetryExhaustedError) Is(target error) bool {
	return target == ErrRetryExhausted
}

// ProtocolError is a 2xx response whose body is not a JSON object.
type ProtocolError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
	Err        error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("zoho protocol error (status %d) %s %s: %v: %s",
		e.StatusCode, e.Method, e.Path, e.Err, e.Body)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrProtocol.
func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

// newAPIError builds an APIError, lifting code and message out of the body
// when it has the usual Zoho shape.
func newAPIError(method, path string, status int, body []byte) *APIError {
	apiErr := &APIError{
		Method:     method,
		Path:       path,
		StatusCode: status,
		Body:       truncate(body),
	}

	var zohoErr struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &zohoErr) == nil {
		apiErr.Code = zohoErr.Code
		apiErr.Message = zohoErr.Message
	}
	return apiErr
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassServer, ErrorClassRateLimit, ErrorClassNetwork:
		return true
	default:
		// client, auth and protocol failures are final; auth gets its
		// single refresh outside the retry budget.
		return false
	}
}

func truncate(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxBodyInError {
		return s[:maxBodyInError] + "..."
	}
	return s
}
