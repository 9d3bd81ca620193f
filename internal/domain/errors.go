package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures of the capture and transcription path.
type ErrorKind string

const (
	ErrorKindPermissionDenied ErrorKind = "permission_denied"
	ErrorKindNoDevice         ErrorKind = "no_device"
	ErrorKindUnsupported      ErrorKind = "unsupported"
	ErrorKindChannelTimeout   ErrorKind = "channel_timeout"
	ErrorKindChannelClosed    ErrorKind = "channel_closed"
	ErrorKindInvalidInput     ErrorKind = "invalid_input"
	ErrorKindMisconfigured    ErrorKind = "misconfigured"
	ErrorKindUnauthorized     ErrorKind = "unauthorized"
	ErrorKindRateLimited      ErrorKind = "rate_limited"
	ErrorKindPayloadTooLarge  ErrorKind = "payload_too_large"
	ErrorKindRemoteError      ErrorKind = "remote_error"
	ErrorKindEmptyResult      ErrorKind = "empty_result"
	ErrorKindNetworkError     ErrorKind = "network_error"
	ErrorKindSessionExpired   ErrorKind = "session_expired"
)

// Sentinels for errors.Is matching by kind.
var (
	ErrPermissionDenied = &Error{Kind: ErrorKindPermissionDenied}
	ErrNoDevice         = &Error{Kind: ErrorKindNoDevice}
	ErrUnsupported      = &Error{Kind: ErrorKindUnsupported}
	ErrChannelTimeout   = &Error{Kind: ErrorKindChannelTimeout}
	ErrChannelClosed    = &Error{Kind: ErrorKindChannelClosed}
	ErrInvalidInput     = &Error{Kind: ErrorKindInvalidInput}
	ErrMisconfigured    = &Error{Kind: ErrorKindMisconfigured}
	ErrUnauthorized     = &Error{Kind: ErrorKindUnauthorized}
	ErrRateLimited      = &Error{Kind: ErrorKindRateLimited}
	ErrPayloadTooLarge  = &Error{Kind: ErrorKindPayloadTooLarge}
	ErrRemoteError      = &Error{Kind: ErrorKindRemoteError}
	ErrEmptyResult      = &Error{Kind: ErrorKindEmptyResult}
	ErrNetworkError     = &Error{Kind: ErrorKindNetworkError}
	ErrSessionExpired   = &Error{Kind: ErrorKindSessionExpired}
)

// Error carries a kind alongside a developer-facing message and an optional cause.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// NewError builds an error of the given kind.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an error of the given kind around a cause.
func WrapError(kind ErrorKind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches any *Error with the same kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) || other == nil || e == nil {
		return false
	}
	return e.Kind == other.Kind
}

// KindOf returns the kind of the first *Error in the chain, or remote_error for foreign errors.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var kindErr *Error
	if errors.As(err, &kindErr) && kindErr.Kind != "" {
		return kindErr.Kind
	}
	return ErrorKindRemoteError
}
