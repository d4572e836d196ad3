// Package apierr — закрытая таксономия ошибок backend'а.
//
// Каждая ошибка несёт строковый код, по которому вызывающая сторона
// принимает решение (повторять, показывать пользователю, падать).
package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

type Code string

const (
	CodeInvalidRequest        Code = "invalid_request"
	CodeMissingIdempotencyKey Code = "missing_idempotency_key"
	CodeIdempotencyKeyExpired Code = "idempotency_key_expired"
	CodeRequestInProgress     Code = "request_in_progress"
	CodeRateLimited           Code = "rate_limited"
	CodeUnknownDevice         Code = "unknown_device"
	CodeDeviceRevoked         Code = "device_revoked"
	CodeUnknownDeviceCode     Code = "unknown_device_code"
	CodeExpiredDeviceCode     Code = "expired_device_code"
	CodeAuthorizationPending  Code = "authorization_pending"
	CodeAccessDenied          Code = "access_denied"
	CodeAntiRelayBlocked      Code = "anti_relay_blocked"
	CodeInvalidAssertion      Code = "invalid_assertion"
	CodeAssertionExpired      Code = "assertion_expired"
	CodeChallengeMismatch     Code = "challenge_mismatch"
	CodeChallengeExpired      Code = "challenge_expired"
	CodeHOKMismatch           Code = "hok_mismatch"
	CodeAliasConflict         Code = "alias_conflict"
	CodeOwnerConflict         Code = "owner_conflict"
	CodeForbidden             Code = "forbidden"
	CodeForbiddenScope        Code = "forbidden_scope"
	CodeInvalidRole           Code = "invalid_role"
	CodeInvalidCSR            Code = "invalid_csr"
	CodeUnknownNode           Code = "unknown_node"
	CodeUnknownConsent        Code = "unknown_consent"
	CodeCSRPending            Code = "csr_pending"
	CodeInvalidToken          Code = "invalid_token"
	CodeTokenExpired          Code = "token_expired"
	CodeTokenRevoked          Code = "token_revoked"
	CodeUnknownSession        Code = "unknown_session"
	CodeExpiredSession        Code = "expired_session"
	CodeAuditCorrupted        Code = "audit_corrupted"
	CodeStoreFailure          Code = "store_failure"
	CodeInternal              Code = "internal_error"
)

// Fatal — неповторяемые классы: нарушение целостности аудита и поломка схемы хранилища.
func (c Code) Fatal() bool {
	return c == CodeAuditCorrupted || c == CodeStoreFailure
}

// Retryable — транзиентные состояния, которые безопасно повторить (с тем же idempotency key).
func (c Code) Retryable() bool {
	switch c {
	case CodeRateLimited, CodeRequestInProgress, CodeAuthorizationPending, CodeCSRPending, CodeInternal:
		return true
	}
	return false
}

func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidRequest, CodeMissingIdempotencyKey, CodeInvalidRole, CodeInvalidCSR,
		CodeAuthorizationPending, CodeExpiredDeviceCode, CodeExpiredSession:
		return http.StatusBadRequest
	case CodeInvalidAssertion, CodeAssertionExpired, CodeChallengeMismatch, CodeChallengeExpired,
		CodeHOKMismatch, CodeInvalidToken, CodeTokenExpired, CodeTokenRevoked:
		return http.StatusUnauthorized
	case CodeForbidden, CodeForbiddenScope, CodeAccessDenied, CodeAntiRelayBlocked, CodeDeviceRevoked:
		return http.StatusForbidden
	case CodeUnknownDevice, CodeUnknownDeviceCode, CodeUnknownNode, CodeUnknownConsent,
		CodeCSRPending, CodeUnknownSession:
		return http.StatusNotFound
	case CodeAliasConflict, CodeOwnerConflict, CodeRequestInProgress:
		return http.StatusConflict
	case CodeIdempotencyKeyExpired:
		return http.StatusUnprocessableEntity
	case CodeRateLimited:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

type Error struct {
	Code       Code
	Message    string
	Hint       string
	RetryAfter int // секунды, только для транзиентных кодов
	EventID    string
	ServerTime time.Time
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is сравнивает по коду: errors.Is(err, apierr.New(CodeX, "")) работает для любых сообщений.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

func New(code Code, msg string) *Error { return &Error{Code: code, Message: msg} }

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

func (e *Error) WithHint(h string) *Error { e.Hint = h; return e }

func (e *Error) WithRetryAfter(sec int) *Error {
	if sec < 1 {
		sec = 1
	}
	e.RetryAfter = sec
	return e
}

// As достаёт *Error из цепочки; ошибки вне таксономии превращаются в internal_error.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(CodeInternal, "internal error", err)
}

func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	return As(err).Code
}

func Is(err error, code Code) bool { return err != nil && CodeOf(err) == code }
