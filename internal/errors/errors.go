// Package errors provides the error taxonomy shared by the sync engine and its callers.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a stable error code that callers (UI bridge, CLI) can switch on.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"

	// Database errors
	ErrDatabase  ErrorCode = "DATABASE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"

	// Sync errors
	ErrNetwork               ErrorCode = "NETWORK_ERROR"
	ErrDecryption            ErrorCode = "DECRYPTION_ERROR"
	ErrStorageLimitExceeded  ErrorCode = "STORAGE_LIMIT_EXCEEDED"
	ErrAuthenticationMissing ErrorCode = "AUTHENTICATION_MISSING"
	ErrSyncConflict          ErrorCode = "SYNC_CONFLICT"
	ErrSyncFailed            ErrorCode = "SYNC_FAILED"
	ErrSyncNotConfigured     ErrorCode = "SYNC_NOT_CONFIGURED"
	ErrQueueFull             ErrorCode = "QUEUE_FULL"
	ErrCryptoFailed          ErrorCode = "CRYPTO_FAILED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is reports whether any error in err's chain is an AppError with the given code.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		var appErr *AppError
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the code of the outermost AppError in err's chain,
// or ErrInternal when there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// IsRetryable reports whether the operation that produced err should be
// retried later. Only transient network failures qualify.
func IsRetryable(err error) bool {
	return Is(err, ErrNetwork)
}

// IsFatal reports whether err must abort the remainder of a sync pass.
func IsFatal(err error) bool {
	return Is(err, ErrAuthenticationMissing) || Is(err, ErrStorageLimitExceeded)
}

// Network wraps a transport failure.
func Network(message string, err error) *AppError {
	return Wrap(ErrNetwork, message, err)
}
