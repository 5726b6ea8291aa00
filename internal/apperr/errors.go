// Package apperr defines the engine's sentinel errors and the machine
// checkable error codes carried on the wire.
package apperr

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrWorkingCopyNotFound = errors.New("working copy not found")
	ErrConflict            = errors.New("conflict")
	ErrAlreadyExists       = errors.New("already exists")
	ErrInvalidOperation    = errors.New("invalid operation")
	ErrValidation          = errors.New("validation failed")
	// ErrNotSupported marks a misconfigured handler context (for example
	// working-copy calls on a node type with no working-copy table). It is a
	// setup bug, not an expected runtime outcome.
	ErrNotSupported = errors.New("not supported")
)

// Error codes of the command result contract.
const (
	CodeUnknown             = "UNKNOWN_ERROR"
	CodeNodeNotFound        = "NODE_NOT_FOUND"
	CodeWorkingCopyNotFound = "WORKING_COPY_NOT_FOUND"
	CodeCommitConflict      = "COMMIT_CONFLICT"
	CodeDatabase            = "DATABASE_ERROR"
	CodeInvalidOperation    = "INVALID_OPERATION"
	CodeValidation          = "VALIDATION_ERROR"
)

// CodeFor maps an error chain to its wire code.
func CodeFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrWorkingCopyNotFound):
		return CodeWorkingCopyNotFound
	case errors.Is(err, ErrNotFound):
		return CodeNodeNotFound
	case errors.Is(err, ErrConflict), errors.Is(err, ErrAlreadyExists):
		return CodeCommitConflict
	case errors.Is(err, ErrInvalidOperation), errors.Is(err, ErrNotSupported):
		return CodeInvalidOperation
	case errors.Is(err, ErrValidation):
		return CodeValidation
	}
	return CodeUnknown
}
