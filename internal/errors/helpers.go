package errors

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Message keys handed to the presentation layer for localization.
const (
	MsgKeyUnauthorized    = "novelai.errors.unauthorized"
	MsgKeyUnsupportedType = "novelai.errors.unsupported_type"
	MsgKeyTooLarge        = "novelai.errors.too_large"
	MsgKeyCryptoInit      = "novelai.errors.crypto_init"
	MsgKeyTimeout         = "novelai.errors.timeout"
)

// Process exit codes returned by ExitCode
const (
	ExitFailure     = 1
	ExitInvalid     = 2
	ExitAuth        = 3
	ExitRejected    = 4
	ExitTimeout     = 5
	ExitInterrupted = 130
)

// NewInvalidInputError rejects a caller-supplied value before any I/O
func NewInvalidInputError(field, message string) *AppError {
	return New(ErrCodeInvalidInput, message).
		WithContext("field", field).
		WithUserMessage(fmt.Sprintf("Invalid %s", field))
}

// NewUnsupportedTypeError reports a content type outside the download policy
func NewUnsupportedTypeError(contentType, source string) *AppError {
	return New(ErrCodeUnsupportedType, fmt.Sprintf("content type %q is not supported", contentType)).
		WithContext("content_type", contentType).
		WithContext("source", source).
		WithUserMessage(MsgKeyUnsupportedType)
}

// NewTooLargeError reports a declared size above the ceiling
func NewTooLargeError(size, limit int64) *AppError {
	return New(ErrCodeTooLarge, fmt.Sprintf("content too large: %d > %d bytes", size, limit)).
		WithContext("content_length", size).
		WithContext("limit", limit).
		WithUserMessage(MsgKeyTooLarge)
}

// NewAuthError translates an upstream 401 into a domain error carrying the status code
func NewAuthError(statusCode int, err error) *AppError {
	return Wrap(err, ErrCodeAuthentication, "authentication failed").
		WithContext("status_code", statusCode).
		WithUserMessage(MsgKeyUnauthorized)
}

// NewCryptoInitError reports a failed primitive initialization. Never retryable.
func NewCryptoInitError(err error) *AppError {
	return Wrap(err, ErrCodeCryptoInit, "crypto primitives failed to initialize").
		WithUserMessage(MsgKeyCryptoInit)
}

// NewTimeoutError reports an operation that ran past its deadline
func NewTimeoutError(operation string, timeout time.Duration, err error) *AppError {
	return Wrap(err, ErrCodeTimeout, fmt.Sprintf("%s timed out after %s", operation, timeout)).
		WithContext("operation", operation).
		WithContext("timeout", timeout.String()).
		WithUserMessage(MsgKeyTimeout)
}

// NewMediaError creates a media processing error
func NewMediaError(operation, source string, err error) *AppError {
	return Wrap(err, ErrCodeMediaDownload, fmt.Sprintf("media %s failed", operation)).
		WithContext("operation", operation).
		WithContext("source", source).
		WithUserMessage("Media processing failed")
}

// ExitCode maps err to the process exit status. nil maps to 0.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, context.Canceled) {
		return ExitInterrupted
	}

	var appErr *AppError
	if !errors.As(err, &appErr) {
		return ExitFailure
	}
	switch appErr.Code {
	case ErrCodeInvalidInput:
		return ExitInvalid
	case ErrCodeAuthentication:
		return ExitAuth
	case ErrCodeUnsupportedType, ErrCodeTooLarge:
		return ExitRejected
	case ErrCodeTimeout:
		return ExitTimeout
	default:
		return ExitFailure
	}
}
