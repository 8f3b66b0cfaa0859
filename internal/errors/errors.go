// Package errors provides shared error types for content transfer.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a transfer failure.
type Kind string

const (
	KindUnknown              Kind = ""
	KindAuthenticationFailed Kind = "authentication-failed"
	KindNoLoginToken         Kind = "no-login-token"
	KindNoCSRFToken          Kind = "no-csrf-token"
	KindPreflightNotMet      Kind = "preflight-not-met"
	KindNoPageProps          Kind = "no-page-props"
	KindCannotCreate         Kind = "cannot-create"
	KindNamespaceNotFound    Kind = "namespace-not-found"
	KindPageProtected        Kind = "page-protected"
	KindEditFailed           Kind = "edit-failed"
	KindUploadFailed         Kind = "upload-failed"
	KindRevisionNotFound     Kind = "revision-not-found"
	KindRenderFailed         Kind = "render-failed"
	KindInvalidTarget        Kind = "invalid-target"
	KindRemoteUnreachable    Kind = "remote-unreachable"
)

// TransferError is a classified failure raised while talking to a source or
// target wiki. Remote carries the verbatim error.info of the remote API, if any.
type TransferError struct {
	Kind    Kind
	Message string
	Remote  string
	Err     error
}

func (e *TransferError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Remote != "" {
		return fmt.Sprintf("%s: %s", msg, e.Remote)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// New creates a TransferError of the given kind.
func New(kind Kind, message string) *TransferError {
	return &TransferError{Kind: kind, Message: message}
}

// Wrap creates a TransferError of the given kind wrapping err.
func Wrap(kind Kind, message string, err error) *TransferError {
	return &TransferError{Kind: kind, Message: message, Err: err}
}

// Remote creates a TransferError carrying the remote wiki's error message.
func Remote(kind Kind, message, remote string) *TransferError {
	return &TransferError{Kind: kind, Message: message, Remote: remote}
}

// KindOf returns the Kind of the first TransferError in err's chain.
func KindOf(err error) Kind {
	var te *TransferError
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// RemoteMessage returns the remote wiki's message attached to err, if any.
func RemoteMessage(err error) string {
	var te *TransferError
	if errors.As(err, &te) {
		return te.Remote
	}
	return ""
}

// NotFoundError indicates a page or file was not found on a wiki.
type NotFoundError struct {
	Wiki       string // "source" or a target key
	EntityType string // "page", "file", "revision"
	Identifier string
}

func (e *NotFoundError) Error() string {
	if e.EntityType != "" {
		return fmt.Sprintf("%s not found on %s: %s", e.EntityType, e.Wiki, e.Identifier)
	}
	return fmt.Sprintf("not found on %s: %s", e.Wiki, e.Identifier)
}

// NewNotFoundError creates a NotFoundError for a page lookup.
func NewNotFoundError(wiki, identifier string) *NotFoundError {
	return &NotFoundError{
		Wiki:       wiki,
		EntityType: "page",
		Identifier: identifier,
	}
}

// ValidationError indicates invalid input parameters.
type ValidationError struct {
	Field   string // field name that failed validation
	Value   string // the invalid value (may be empty for sensitive data)
	Message string // human-readable error message
}

func (e *ValidationError) Error() string {
	if e.Field != "" && e.Value != "" {
		return fmt.Sprintf("validation failed for %s=%q: %s", e.Field, e.Value, e.Message)
	}
	if e.Field != "" {
		return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NewValidationError creates a ValidationError.
func NewValidationError(field, value, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// IsNotFound returns true if the error is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsValidation returns true if the error is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
