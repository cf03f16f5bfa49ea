// Package errors defines the application error envelope shared by the API
// layer and the upstream executor. An AppError carries an HTTP status for the
// transport layer and a stable code for clients, and renders to the
// Anthropic-style error body.
package errors

import (
	"encoding/json"
	"fmt"
)

// AppError is the canonical application error. HTTPStatusCode and the wrapped
// error are excluded from JSON output.
type AppError struct {
	HTTPStatusCode int    `json:"-"`
	Code           string `json:"code"`
	Message        string `json:"message"`
	Err            error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error for errors.Is/As chains.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New constructs an AppError.
func New(status int, code, message string, err error) *AppError {
	return &AppError{
		HTTPStatusCode: status,
		Code:           code,
		Message:        message,
		Err:            err,
	}
}

// anthropicEnvelope is the wire shape Anthropic clients expect for errors.
type anthropicEnvelope struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// ToAnthropicJSON renders {"type":"error","error":{"type":...,"message":...}}.
func (e *AppError) ToAnthropicJSON() []byte {
	var env anthropicEnvelope
	env.Type = "error"
	env.Error.Type = e.Code
	env.Error.Message = e.Message
	b, err := json.Marshal(env)
	if err != nil {
		return []byte(`{"type":"error","error":{"type":"api_error","message":"internal error"}}`)
	}
	return b
}

// Common error codes surfaced to clients.
const (
	CodeInvalidRequest      = "invalid_request_error"
	CodeAuthentication      = "authentication_error"
	CodeNotFound            = "not_found_error"
	CodeRateLimit           = "rate_limit_error"
	CodeAPIError            = "api_error"
	CodeUpstreamUnavailable = "overloaded_error"
)
