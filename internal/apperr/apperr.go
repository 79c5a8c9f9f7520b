// Package apperr defines the error taxonomy surfaced to clients.
package apperr

import "errors"

// Code is a machine-readable error code.
type Code string

const (
	// Authorization errors
	CodeInvalidCredentials Code = "INVALID_CREDENTIALS"
	CodeAccessDenied       Code = "ACCESS_DENIED"

	// Registration errors
	CodeUsernameTaken             Code = "USERNAME_TAKEN"
	CodeEmailTaken                Code = "EMAIL_TAKEN"
	CodeIncorrectVerificationCode Code = "INCORRECT_VERIFICATION_CODE"

	// Chat errors
	CodeUserNotParticipant Code = "USER_NOT_PARTICIPANT"
	CodeChatNotFound       Code = "CHAT_NOT_FOUND"
	CodeInvalidMessage     Code = "INVALID_MESSAGE"
)

// Kind groups codes into the three error families.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuthorization
	KindRegistration
	KindChat
)

func (c Code) Kind() Kind {
	switch c {
	case CodeInvalidCredentials, CodeAccessDenied:
		return KindAuthorization
	case CodeUsernameTaken, CodeEmailTaken, CodeIncorrectVerificationCode:
		return KindRegistration
	case CodeUserNotParticipant, CodeChatNotFound, CodeInvalidMessage:
		return KindChat
	default:
		return KindUnknown
	}
}

// Error is the typed error returned across the facade boundary.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

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

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

var (
	ErrInvalidCredentials        = New(CodeInvalidCredentials, "invalid credentials")
	ErrAccessDenied              = New(CodeAccessDenied, "access denied")
	ErrUsernameTaken             = New(CodeUsernameTaken, "username already taken")
	ErrEmailTaken                = New(CodeEmailTaken, "email already taken")
	ErrIncorrectVerificationCode = New(CodeIncorrectVerificationCode, "incorrect verification code")
	ErrUserNotParticipant        = New(CodeUserNotParticipant, "user is not a participant")
	ErrChatNotFound              = New(CodeChatNotFound, "chat not found")
	ErrInvalidMessage            = New(CodeInvalidMessage, "invalid message")
)

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Typed reports whether err already carries a taxonomy code.
func Typed(err error) bool {
	return CodeOf(err) != ""
}
