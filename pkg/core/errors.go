package core

import (
	"fmt"
)

// Error represents an engine error.
type Error struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Param     string    `json:"param,omitempty"`
	Code      string    `json:"code,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrProtocol       ErrorType = "protocol_error"
	ErrAuthentication ErrorType = "authentication_error"
	ErrCapacity       ErrorType = "capacity_error"
	ErrTemplate       ErrorType = "template_error"
	ErrSpeech         ErrorType = "speech_error"
	ErrSubmission     ErrorType = "submission_error"
	ErrValidation     ErrorType = "validation_error"
	ErrNotFound       ErrorType = "not_found_error"
	ErrInternal       ErrorType = "internal_error"
)

// NewProtocolError creates an error for a malformed or out-of-order wire message.
func NewProtocolError(message string) *Error {
	return &Error{
		Type:    ErrProtocol,
		Message: message,
	}
}

// NewProtocolErrorWithParam creates a protocol error naming the offending field.
func NewProtocolErrorWithParam(message, param string) *Error {
	return &Error{
		Type:    ErrProtocol,
		Message: message,
		Param:   param,
	}
}

// NewAuthenticationError creates an authentication error.
func NewAuthenticationError(message string) *Error {
	return &Error{
		Type:    ErrAuthentication,
		Message: message,
	}
}

// NewCapacityError creates an error for the concurrent-call cap being reached.
func NewCapacityError(message string) *Error {
	return &Error{
		Type:    ErrCapacity,
		Message: message,
	}
}

// NewTemplateError creates an error for a template that could not be loaded.
func NewTemplateError(message string, underlying error) *Error {
	return &Error{
		Type:    ErrTemplate,
		Message: message,
		Cause:   underlying,
	}
}

// NewSpeechError creates an error for a failed STT or TTS invocation.
func NewSpeechError(service string, underlying error) *Error {
	return &Error{
		Type:    ErrSpeech,
		Message: fmt.Sprintf("%s: %v", service, underlying),
		Param:   service,
		Cause:   underlying,
	}
}

// NewSubmissionError creates a transient submission error.
func NewSubmissionError(message string, underlying error) *Error {
	return &Error{
		Type:    ErrSubmission,
		Message: message,
		Cause:   underlying,
	}
}

// NewValidationError creates a permanent submission error; the downstream
// store rejected the payload and retrying cannot fix it.
func NewValidationError(message string) *Error {
	return &Error{
		Type:    ErrValidation,
		Message: message,
	}
}

// NewInternalError creates an error for an unexpected engine fault.
func NewInternalError(message string) *Error {
	return &Error{
		Type:    ErrInternal,
		Message: message,
	}
}

// IsRetryable returns true if the error is worth retrying.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrSubmission, ErrSpeech:
		return true
	default:
		return false
	}
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	return e.Cause
}
