package engine

import (
	"context"
	"errors"
	"fmt"

	"carebrain/internal/domain"
	"carebrain/internal/repo"
)

type Code string

const (
	CodeInvalidTransition          Code = "INVALID_TRANSITION"
	CodeBlockedByEmergency         Code = "BLOCKED_BY_EMERGENCY"
	CodeVersionMismatch            Code = "VERSION_MISMATCH"
	CodeSameState                  Code = "SAME_STATE"
	CodeNoBrainState               Code = "NO_BRAIN_STATE"
	CodeInvalidActionForState      Code = "INVALID_ACTION_FOR_STATE"
	CodeRuleEvaluationFailed       Code = "RULE_EVALUATION_FAILED"
	CodeExceptionAlreadyTriaged    Code = "EXCEPTION_ALREADY_TRIAGED"
	CodeBlockedByRule              Code = "BLOCKED_BY_RULE"
	CodeNotFound                   Code = "NOT_FOUND"
	CodeInvalidRequest             Code = "INVALID_REQUEST"
	CodeInvalidTaskTransition      Code = "INVALID_TASK_TRANSITION"
	CodeInvalidExceptionTransition Code = "INVALID_EXCEPTION_TRANSITION"
	CodeStorageTimeout             Code = "STORAGE_TIMEOUT"
)

// Block explains why a guard rule refused a transition.
type Block struct {
	RuleID      string `json:"rule_id"`
	Reason      string `json:"reason"`
	Remediation string `json:"remediation"`
}

// Error is the structured failure every operation returns.
type Error struct {
	Code      Code
	Message   string
	Details   map[string]any
	Block     *Block
	// Current is the authoritative state on VERSION_MISMATCH.
	Current   *domain.BrainState
	Retryable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func invalid(format string, args ...any) *Error {
	return newError(CodeInvalidRequest, format, args...)
}

// CodeOf returns the error code carried by err, or "" for untyped errors.
func CodeOf(err error) Code {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// AsError unwraps err into *Error.
func AsError(err error) (*Error, bool) {
	var ce *Error
	ok := errors.As(err, &ce)
	return ce, ok
}

// classify maps infrastructure errors onto stable codes.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := AsError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Code: CodeStorageTimeout, Message: "storage did not answer in time; retry with the same key", Retryable: true}
	case errors.Is(err, repo.ErrNotFound):
		return &Error{Code: CodeNotFound, Message: err.Error()}
	}
	return err
}

func notFound(kind, id string) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf("%s %s not found", kind, id), Details: map[string]any{"id": id}}
}
