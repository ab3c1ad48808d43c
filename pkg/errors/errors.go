// SPDX-License-Identifier: Apache-2.0

// Package errors provides typed error handling with rich context for Switchboard.
package errors

import (
	"encoding/json"
	"fmt"
)

// ErrorCode classifies Switchboard errors for monitoring and recovery.
type ErrorCode string

const (
	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"

	// CodeInvalidInput indicates the input was invalid.
	CodeInvalidInput ErrorCode = "INVALID_INPUT"

	// CodeDuplicateAgent indicates a registration with an id already present.
	CodeDuplicateAgent ErrorCode = "DUPLICATE_AGENT"

	// CodeUnknownAgent indicates an operation referenced an unregistered agent.
	CodeUnknownAgent ErrorCode = "UNKNOWN_AGENT"

	// CodeNoCandidate indicates no registered agent matches a request.
	CodeNoCandidate ErrorCode = "NO_CANDIDATE"

	// CodeAllCandidatesFailed indicates every ranked candidate was tried and failed.
	CodeAllCandidatesFailed ErrorCode = "ALL_CANDIDATES_FAILED"

	// CodeTimeout indicates an attempt exceeded its time limit.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeUnreachable indicates the agent endpoint could not be reached.
	CodeUnreachable ErrorCode = "UNREACHABLE"

	// CodeDeclined indicates the agent explicitly refused the task.
	CodeDeclined ErrorCode = "DECLINED"

	// CodeProtocol indicates the agent returned a malformed response.
	CodeProtocol ErrorCode = "PROTOCOL_ERROR"

	// CodeContextLost indicates the caller context was cancelled mid-operation.
	CodeContextLost ErrorCode = "CONTEXT_LOST"

	// CodeSessionError indicates a session store failure.
	CodeSessionError ErrorCode = "SESSION_ERROR"
)

// SwitchboardError is a typed error with rich context for observability.
// It implements the error interface and can be unwrapped with errors.As().
type SwitchboardError struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]interface{}
	Recoverable bool
	StatusCode  int // For HTTP responses
}

// Error implements the error interface.
func (e *SwitchboardError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *SwitchboardError) Unwrap() error {
	return e.Err
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *SwitchboardError) MarshalJSON() ([]byte, error) {
	type Alias SwitchboardError
	return json.Marshal(&struct {
		Message     string `json:"message"`
		Code        string `json:"code"`
		Err         string `json:"error,omitempty"`
		Recoverable bool   `json:"recoverable"`
		*Alias
	}{
		Message:     e.Error(),
		Code:        string(e.Code),
		Err:         fmt.Sprintf("%v", e.Err),
		Recoverable: e.Recoverable,
		Alias:       (*Alias)(e),
	})
}

// New creates a new SwitchboardError with the given code, message, and cause.
func New(code ErrorCode, msg string, cause error) *SwitchboardError {
	return &SwitchboardError{
		Code:       code,
		Message:    msg,
		Err:        cause,
		Context:    make(map[string]interface{}),
		StatusCode: codeToStatusCode(code),
	}
}

// WithContext adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *SwitchboardError) WithContext(key string, value interface{}) *SwitchboardError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithRecoverable sets whether the error can be recovered from.
// Returns the error for method chaining.
func (e *SwitchboardError) WithRecoverable(recoverable bool) *SwitchboardError {
	e.Recoverable = recoverable
	return e
}

// AsSwitchboardError attempts to convert an error to a SwitchboardError.
// Returns the error as SwitchboardError if it is one, or wraps it otherwise.
func AsSwitchboardError(err error) *SwitchboardError {
	if err == nil {
		return nil
	}
	if se, ok := err.(*SwitchboardError); ok {
		return se
	}
	return New(CodeInternal, "wrapped error", err)
}

// CodeOf returns the error code, or CodeInternal for foreign errors.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if se, ok := err.(*SwitchboardError); ok {
		return se.Code
	}
	return CodeInternal
}

// IsCode reports whether err is a SwitchboardError carrying the given code.
func IsCode(err error, code ErrorCode) bool {
	se, ok := err.(*SwitchboardError)
	return ok && se.Code == code
}

// RecoverableString returns "true" or "false" as a string for observability.
func (e *SwitchboardError) RecoverableString() string {
	if e.Recoverable {
		return "true"
	}
	return "false"
}

// codeToStatusCode maps error codes to HTTP status codes.
func codeToStatusCode(code ErrorCode) int {
	switch code {
	case CodeUnknownAgent:
		return 404
	case CodeDuplicateAgent:
		return 409
	case CodeInvalidInput:
		return 400
	case CodeNoCandidate:
		return 422
	case CodeTimeout:
		return 408
	case CodeAllCandidatesFailed, CodeUnreachable:
		return 502
	case CodeDeclined:
		return 409
	default:
		return 500
	}
}
