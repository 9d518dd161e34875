// Package errs defines the machine-readable error taxonomy for the
// broker core. Every rejected operation carries a stable code, a human
// message and an HTTP-equivalent status, so callers can map failures
// without string matching.
package errs

import (
	"errors"
	"fmt"
)

type Error struct {
	Code       string
	Message    string
	StatusCode int
	cause      error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

func (e *Error) String() string {
	return fmt.Sprintf("Error(code=%s, message=%s, status_code=%d)", e.Code, e.Message, e.StatusCode)
}

// New returns an InternalError with the given message.
func New(message string) *Error {
	return &Error{Code: "InternalError", Message: message, StatusCode: 500}
}

// Wrap preserves the original error as the cause while presenting the
// given code. The original message is kept verbatim.
func Wrap(code string, statusCode int, err error) *Error {
	return &Error{Code: code, Message: err.Error(), StatusCode: statusCode, cause: err}
}

// ConvertError normalizes an arbitrary error into *Error.
func ConvertError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: "InternalError", Message: err.Error(), StatusCode: 500, cause: err}
}

func newError(code, message string, statusCode int) *Error {
	return &Error{Code: code, Message: message, StatusCode: statusCode}
}

func BadRequest(message string) *Error {
	if message == "" {
		message = "bad request."
	}
	return newError("BadRequest", message, 400)
}

func InvalidArgument(message string) *Error {
	if message == "" {
		message = "invalid argument."
	}
	return newError("InvalidArgument", message, 400)
}

func AccessDenied(message string) *Error {
	if message == "" {
		message = "access denied."
	}
	return newError("AccessDenied", message, 403)
}

func NoSuchQuota(message string) *Error {
	if message == "" {
		message = "the specified quota does not exist."
	}
	return newError("NoSuchQuota", message, 404)
}

func QuotaShortage(message string) *Error {
	if message == "" {
		message = "there are not enough resources to use."
	}
	return newError("QuotaShortage", message, 409)
}

func QuotaOnlyIncrease(message string) *Error {
	if message == "" {
		message = "the quota can only be increased."
	}
	return newError("QuotaOnlyIncrease", message, 409)
}

func ServerNotExist(message string) *Error {
	if message == "" {
		message = "this server is not exist."
	}
	return newError("ServerNotExist", message, 404)
}

func ServiceNotExist(message string) *Error {
	if message == "" {
		message = "this service is not exist."
	}
	return newError("ServiceNotExist", message, 404)
}

func FlavorNotExist(message string) *Error {
	if message == "" {
		message = "invalid flavor id."
	}
	return newError("FlavorNotExist", message, 400)
}

func VoNotExist(message string) *Error {
	if message == "" {
		message = "this vo group is not exist."
	}
	return newError("VoNotExist", message, 404)
}

func ResourceNotCleanedUp(message string) *Error {
	if message == "" {
		message = "dependent resources are not cleaned up."
	}
	return newError("ResourceNotCleanedUp", message, 409)
}

func Conflict(message string) *Error {
	if message == "" {
		message = "the request conflicts with the current state of the resource."
	}
	return newError("Conflict", message, 409)
}

func InternalError(message string) *Error {
	if message == "" {
		message = "internal server error."
	}
	return newError("InternalError", message, 500)
}

// ProviderError wraps a failure from a provider adapter call, keeping
// the adapter's message intact for diagnosability.
func ProviderError(err error) *Error {
	return Wrap("ProviderError", 500, err)
}

func isCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

func IsNoSuchQuota(err error) bool { return isCode(err, "NoSuchQuota") }

func IsQuotaShortage(err error) bool { return isCode(err, "QuotaShortage") }

func IsQuotaOnlyIncrease(err error) bool { return isCode(err, "QuotaOnlyIncrease") }

func IsServerNotExist(err error) bool { return isCode(err, "ServerNotExist") }

func IsProviderError(err error) bool { return isCode(err, "ProviderError") }
