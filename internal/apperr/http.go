package apperr

import (
	"errors"
	"net/http"
)

// HTTPStatus maps an error to the status code it is served with.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeInvalidCredentials:
		return http.StatusUnauthorized
	case CodeAccessDenied:
		return http.StatusForbidden
	case CodeUsernameTaken, CodeEmailTaken:
		return http.StatusConflict
	case CodeIncorrectVerificationCode, CodeInvalidMessage:
		return http.StatusBadRequest
	case CodeUserNotParticipant:
		return http.StatusForbidden
	case CodeChatNotFound:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// Public returns the code and message safe to show a client. The cause is
// never included.
func Public(err error) (Code, string) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, e.Message
	}
	return "INTERNAL", "internal server error"
}
