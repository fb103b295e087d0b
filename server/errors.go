package main

import (
	"errors"

	"snake-arena/arena"
)

// Code is the machine-readable class of a GameError.
type Code string

const (
	CodeNotFound         Code = "NOT_FOUND"
	CodeCapacityExceeded Code = "CAPACITY_EXCEEDED"
	CodeUnauthorized     Code = "UNAUTHORIZED"
	CodeForbidden        Code = "FORBIDDEN"
	CodeConflict         Code = "CONFLICT"
	CodeInvalidRequest   Code = "INVALID_REQUEST"
	CodeInternal         Code = "INTERNAL"
)

// GameError is the error type returned by sessions, the registry and dispatch.
type GameError struct {
	Code  Code
	Msg   string
	Cause error
}

func (e *GameError) Error() string {
	if e.Cause != nil {
		return e.Msg + ": " + e.Cause.Error()
	}
	return e.Msg
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *GameError) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *GameError) Is(target error) bool {
	if t, ok := target.(*GameError); ok {
		return e.Code == t.Code
	}
	return false
}

// Sentinels for errors.Is. Only the code is compared.
var (
	ErrNotFound         = &GameError{Code: CodeNotFound, Msg: "not found"}
	ErrCapacityExceeded = &GameError{Code: CodeCapacityExceeded, Msg: "capacity exceeded"}
	ErrUnauthorized     = &GameError{Code: CodeUnauthorized, Msg: "unauthorized"}
	ErrForbidden        = &GameError{Code: CodeForbidden, Msg: "forbidden"}
	ErrConflict         = &GameError{Code: CodeConflict, Msg: "conflict"}
	ErrInvalidRequest   = &GameError{Code: CodeInvalidRequest, Msg: "invalid request"}
	ErrInternal         = &GameError{Code: CodeInternal, Msg: "internal error"}
)

func newError(code Code, msg string) *GameError {
	return &GameError{Code: code, Msg: msg}
}

func wrapError(code Code, msg string, cause error) *GameError {
	return &GameError{Code: code, Msg: msg, Cause: cause}
}

// errorResponse converts any error into the payload sent to clients. Causes of
// internal errors stay in the logs.
func errorResponse(err error) arena.ErrorResponse {
	var ge *GameError
	if errors.As(err, &ge) {
		if ge.Code == CodeInternal {
			return arena.ErrorResponse{Error: ge.Msg, Code: string(ge.Code)}
		}
		return arena.ErrorResponse{Error: ge.Error(), Code: string(ge.Code)}
	}
	return arena.ErrorResponse{Error: "internal error", Code: string(CodeInternal)}
}
