package errors

import (
	stderrors "errors"

	"github.com/louisbranch/cloudlabs/internal/platform/errors/i18n"
)

// Error is the domain error type with structured metadata.
type Error struct {
	Code     Code              // Machine-readable error code
	Message  string            // Internal message (for logs/telemetry)
	Metadata map[string]string // Additional context for templating
	Cause    error             // Wrapped underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil && e.Message == "" {
		return e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// Localize renders the user-facing message for the best locale matching
// acceptLanguage. It returns the resolved locale alongside the message.
func (e *Error) Localize(acceptLanguage string) (locale string, message string) {
	cat := i18n.Negotiate(acceptLanguage)
	return cat.Locale(), cat.Format(string(e.Code), e.Metadata)
}

// New creates a simple domain error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithMetadata creates a domain error with metadata for i18n templating.
func WithMetadata(code Code, message string, metadata map[string]string) *Error {
	return &Error{Code: code, Message: message, Metadata: metadata}
}

// Wrap creates a domain error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// WrapWithMetadata creates a domain error with both metadata and a cause.
func WrapWithMetadata(code Code, message string, metadata map[string]string, cause error) *Error {
	return &Error{Code: code, Message: message, Metadata: metadata, Cause: cause}
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var domainErr *Error
	if stderrors.As(err, &domainErr) {
		return domainErr, true
	}
	return nil, false
}

// CodeOf returns the code of the first *Error in err's chain, or CodeUnknown.
func CodeOf(err error) Code {
	if domainErr, ok := As(err); ok {
		return domainErr.Code
	}
	return CodeUnknown
}

// HasCode reports whether err carries code anywhere in its chain.
func HasCode(err error, code Code) bool {
	return stderrors.Is(err, &Error{Code: code})
}
