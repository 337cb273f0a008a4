package attendance

import (
	"errors"
	"fmt"
	"net/http"
)

// ===== Error model (platform 共通と同型) =====
type Code string

const (
	CodeInvalidArgument    Code = "INVALID_ARGUMENT"
	CodeNotFound           Code = "NOT_FOUND"
	CodeConflict           Code = "CONFLICT"
	CodeInternal           Code = "INTERNAL"
	CodeUnauthorized       Code = "UNAUTHORIZED"
	CodeRosterUnavailable  Code = "ROSTER_UNAVAILABLE"
	CodeInvalidToken       Code = "INVALID_TOKEN"
	CodeExpiredToken       Code = "EXPIRED_TOKEN"
	CodeSessionClosed      Code = "SESSION_CLOSED"
	CodeStudentNotEnrolled Code = "STUDENT_NOT_ENROLLED"
	CodeDuplicateMark      Code = "DUPLICATE_MARK"
)

type APIError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// Is matches on Code so that errors.Is(err, ErrDuplicateMark) holds for any
// message variant.
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	return ok && t.Code == e.Code
}

func ErrInvalid(msg string) *APIError  { return &APIError{Code: CodeInvalidArgument, Message: msg} }
func ErrNotFound(msg string) *APIError { return &APIError{Code: CodeNotFound, Message: msg} }
func ErrConflict(msg string) *APIError { return &APIError{Code: CodeConflict, Message: msg} }
func ErrInternal(msg string) *APIError { return &APIError{Code: CodeInternal, Message: msg} }

var (
	ErrSessionNotFound    = &APIError{Code: CodeNotFound, Message: "session not found"}
	ErrUnauthorized       = &APIError{Code: CodeUnauthorized, Message: "caller is not allowed to act on this class"}
	ErrRosterUnavailable  = &APIError{Code: CodeRosterUnavailable, Message: "roster is unavailable or empty"}
	ErrInvalidToken       = &APIError{Code: CodeInvalidToken, Message: "code is not valid for this session"}
	ErrExpiredToken       = &APIError{Code: CodeExpiredToken, Message: "code has expired, scan the new one"}
	ErrSessionClosed      = &APIError{Code: CodeSessionClosed, Message: "session is closed"}
	ErrStudentNotEnrolled = &APIError{Code: CodeStudentNotEnrolled, Message: "student is not enrolled in this session"}
	ErrDuplicateMark      = &APIError{Code: CodeDuplicateMark, Message: "attendance already marked"}
)

func ToHTTPStatus(err error) int {
	var api *APIError
	if errors.As(err, &api) {
		switch api.Code {
		case CodeInvalidArgument, CodeRosterUnavailable:
			return http.StatusBadRequest
		case CodeUnauthorized:
			return http.StatusUnauthorized
		case CodeNotFound, CodeInvalidToken, CodeSessionClosed, CodeStudentNotEnrolled:
			return http.StatusNotFound
		case CodeExpiredToken:
			return http.StatusGone
		case CodeConflict, CodeDuplicateMark:
			return http.StatusConflict
		default:
			return http.StatusInternalServerError
		}
	}
	return http.StatusInternalServerError
}
