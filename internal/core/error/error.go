package errx

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure so callers can branch on the cause without
// scraping log output.
type Kind string

const (
	KindAuth       Kind = "auth"
	KindEmptyInput Kind = "empty_input"
	KindTimeout    Kind = "timeout"
	KindConnection Kind = "connection"
	KindHTTPStatus Kind = "http_status"
	KindParse      Kind = "parse"
	KindUnexpected Kind = "unexpected"
	KindConfig     Kind = "config"
	KindRedis      Kind = "redis"
)

const (
	// SystemErrorMessage is a user-facing fallback when internal errors occur.
	SystemErrorMessage = "internal server error"
	// RedisErrorMessage describes Redis related failures.
	RedisErrorMessage = "redis operation failed"
	// TimeoutMessage describes a request that ran past its deadline.
	TimeoutMessage = "request timeout"
	// ConnectionMessage describes a request that never reached the server.
	ConnectionMessage = "connection failed"
	// ParseMessage describes a response body that did not have the expected shape.
	ParseMessage = "invalid response format"
)

// Error wraps an underlying error with a failure kind, an HTTP status and a safe message.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a new Error with the provided information.
func New(kind Kind, err error, status int, message string) *Error {
	return &Error{
		Kind:    kind,
		Status:  status,
		Message: message,
		Err:     err,
	}
}

// Timeout reports a deadline exceeded while talking to an upstream.
func Timeout(err error) *Error {
	return New(KindTimeout, err, http.StatusGatewayTimeout, TimeoutMessage)
}

// Connection reports a transport-level failure (DNS, refused, reset).
func Connection(err error) *Error {
	return New(KindConnection, err, http.StatusBadGateway, ConnectionMessage)
}

// HTTPStatus reports an upstream answer with an unexpected status code.
// Status carries the upstream code, not the one we would answer with.
func HTTPStatus(status int, body string) *Error {
	msg := fmt.Sprintf("HTTP %d", status)
	if body != "" {
		msg += ": " + body
	}
	return New(KindHTTPStatus, nil, status, msg)
}

// Parse reports a response that could not be decoded or misses a field.
func Parse(err error) *Error {
	return New(KindParse, err, http.StatusBadGateway, ParseMessage)
}

// Unexpected wraps anything that does not fit the other kinds.
func Unexpected(err error) *Error {
	return New(KindUnexpected, err, http.StatusInternalServerError, SystemErrorMessage)
}

// Config reports an invalid startup configuration.
func Config(format string, args ...any) *Error {
	return New(KindConfig, nil, http.StatusInternalServerError, fmt.Sprintf(format, args...))
}

// WrapRedis wraps a Redis error with a consistent status code and message.
func WrapRedis(err error) error {
	if err == nil {
		return nil
	}
	return New(KindRedis, err, http.StatusBadGateway, RedisErrorMessage)
}

// KindOf returns the Kind of the first *Error in err's chain, or
// KindUnexpected when err is non-nil but carries no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnexpected
}

// StatusOf returns the Status of the first *Error in err's chain.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}
