package mailsink

import (
	"errors"
	"fmt"
)

var (
	ErrServerClosed      = errors.New("smtp: server closed")
	ErrTooManyRecipients = errors.New("smtp: too many recipients")
	ErrMessageTooLarge   = errors.New("smtp: message too large")
	ErrTLSRequired       = errors.New("smtp: TLS required")
	ErrAuthRequired      = errors.New("smtp: authentication required")
	ErrInvalidCommand    = errors.New("smtp: invalid command")
	ErrDropConnection    = errors.New("smtp: connection dropped")
	ErrListenerPanic     = errors.New("smtp: listener panicked")
)

// RejectError carries the reply a handler or listener wants sent to the
// client. With Drop set the session closes the connection after replying.
// Err, when set, names the condition for errors.Is.
type RejectError struct {
	Code         SMTPCode
	EnhancedCode EnhancedCode
	Message      string
	Drop         bool
	Err          error
}

// Reject returns a RejectError that keeps the session open.
func Reject(code SMTPCode, esc EnhancedCode, msg string) *RejectError {
	return &RejectError{Code: code, EnhancedCode: esc, Message: msg}
}

// DropConnection returns a RejectError that closes the session after the reply.
func DropConnection(code SMTPCode, esc EnhancedCode, msg string) *RejectError {
	return &RejectError{Code: code, EnhancedCode: esc, Message: msg, Drop: true}
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("smtp: rejected: %s", e.Response())
}

// Is matches ErrDropConnection for dropping rejections.
func (e *RejectError) Is(target error) bool {
	return e.Drop && target == ErrDropConnection
}

func (e *RejectError) Unwrap() error {
	return e.Err
}

// Response returns the reply the client receives.
func (e *RejectError) Response() Response {
	return Response{Code: e.Code, EnhancedCode: string(e.EnhancedCode), Message: e.Message}
}
