package domain

import (
	"errors"
	"fmt"
)

// ErrorKind is the machine-readable class of an Error.
type ErrorKind string

const (
	KindKeyDownloadFailed         ErrorKind = "KeyDownloadFailed"
	KindSessionCreationFailed     ErrorKind = "SessionCreationFailed"
	KindEncryptionFailed          ErrorKind = "EncryptionFailed"
	KindKeyUploadFailed           ErrorKind = "KeyUploadFailed"
	KindDeliveryFailed            ErrorKind = "DeliveryFailed"
	KindSessionCorrupted          ErrorKind = "SessionCorrupted"
	KindAuthenticationTagMismatch ErrorKind = "AuthenticationTagMismatch"
	KindInvalidCiphertext         ErrorKind = "InvalidCiphertext"
	KindKeyGenerationFailed       ErrorKind = "KeyGenerationFailed"
)

type kindInfo struct {
	retryable   bool
	userMessage string
}

var kinds = map[ErrorKind]kindInfo{
	KindKeyDownloadFailed:         {true, "Couldn't fetch the recipient's keys. Tap to retry."},
	KindSessionCreationFailed:     {true, "Couldn't set up a secure session. Tap to retry."},
	KindEncryptionFailed:          {true, "Message could not be encrypted. Tap to retry."},
	KindKeyUploadFailed:           {true, "Couldn't publish your keys. Tap to retry."},
	KindDeliveryFailed:            {true, "Message could not be delivered. Tap to retry."},
	KindSessionCorrupted:          {false, "The secure session with this device was reset. New messages will start a fresh session."},
	KindAuthenticationTagMismatch: {false, "This content failed an integrity check and may have been tampered with."},
	KindInvalidCiphertext:         {false, "This content is damaged and can't be opened."},
	KindKeyGenerationFailed:       {false, "Couldn't generate encryption keys on this device."},
}

// Error is the error type raised by the encryption core. Errors compare equal
// under errors.Is when their kinds match.
type Error struct {
	Kind        ErrorKind
	Detail      string
	Retryable   bool
	UserMessage string
	Cause       error
}

// NewError builds an Error of kind with a technical detail and optional cause.
func NewError(kind ErrorKind, detail string, cause error) *Error {
	info := kinds[kind]
	return &Error{
		Kind:        kind,
		Detail:      detail,
		Retryable:   info.retryable,
		UserMessage: info.userMessage,
		Cause:       cause,
	}
}

// Errorf is NewError with a formatted detail and no cause.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return NewError(kind, fmt.Sprintf(format, args...), nil)
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrKeyDownloadFailed         = NewError(KindKeyDownloadFailed, "", nil)
	ErrSessionCreationFailed     = NewError(KindSessionCreationFailed, "", nil)
	ErrEncryptionFailed          = NewError(KindEncryptionFailed, "", nil)
	ErrKeyUploadFailed           = NewError(KindKeyUploadFailed, "", nil)
	ErrDeliveryFailed            = NewError(KindDeliveryFailed, "", nil)
	ErrSessionCorrupted          = NewError(KindSessionCorrupted, "", nil)
	ErrAuthenticationTagMismatch = NewError(KindAuthenticationTagMismatch, "", nil)
	ErrInvalidCiphertext         = NewError(KindInvalidCiphertext, "", nil)
	ErrKeyGenerationFailed       = NewError(KindKeyGenerationFailed, "", nil)
)

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether err carries the retryable flag.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// Wrap returns err unchanged when it already is an *Error, otherwise wraps it
// as kind.
func Wrap(kind ErrorKind, detail string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return NewError(kind, detail, err)
}
