package common

import (
	"errors"
	"fmt"
)

// ErrorKind classifies errors for retry and surfacing decisions.
type ErrorKind string

const (
	KindAuth                ErrorKind = "auth"
	KindGit                 ErrorKind = "git"
	KindProvider            ErrorKind = "provider"
	KindNetwork             ErrorKind = "network"
	KindNotFound            ErrorKind = "not_found"
	KindPort                ErrorKind = "port"
	KindWorkflowCycle       ErrorKind = "workflow_cycle"
	KindWorkflowState       ErrorKind = "workflow_state"
	KindWorkflowStep        ErrorKind = "workflow_step_not_found"
	KindAgentConfig         ErrorKind = "agent_config"
	KindAgentNotImplemented ErrorKind = "agent_not_implemented"
	KindAgentNotFound       ErrorKind = "agent_not_found"
	KindParse               ErrorKind = "parse"
	KindInternal            ErrorKind = "internal"
)

// Error is the typed error carried across subsystem boundaries. Code is a
// stable machine-readable identifier, Details holds structured context
// (for example the cycles detected during workflow construction).
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Details map[string]interface{}
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

// Unwrap exposes the wrapped cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// NewError creates a typed error.
func NewError(kind ErrorKind, code, message string) *Error {
	return &Error{
		Kind:    kind,
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
	}
}

// WrapError creates a typed error around a cause.
func WrapError(kind ErrorKind, code, message string, cause error) *Error {
	return &Error{
		Kind:    kind,
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		cause:   cause,
	}
}

// WithDetail attaches a structured detail and returns the error for chaining.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// KindOf returns the ErrorKind of err, or KindInternal for untyped errors.
func KindOf(err error) ErrorKind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether the resilience layer should retry the
// operation that produced err. Only network and provider failures are
// retried; everything else is surfaced verbatim.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindProvider:
		return true
	}
	return false
}
