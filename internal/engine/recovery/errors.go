package recovery

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType is a member of the error taxonomy.
type ErrorType string

const (
	TypeValidation         ErrorType = "validation_error"
	TypeInsufficientFunds  ErrorType = "insufficient_funds"
	TypeOracleRequest      ErrorType = "oracle_request_failed"
	TypeNetwork            ErrorType = "network_error"
	TypeProtocol           ErrorType = "protocol_error"
	TypeStorage            ErrorType = "storage_error"
	TypeFulfillmentTimeout ErrorType = "fulfillment_timeout"
	TypeConflict           ErrorType = "conflict"
)

// AllTypes lists the taxonomy in a stable order.
var AllTypes = []ErrorType{
	TypeValidation,
	TypeInsufficientFunds,
	TypeOracleRequest,
	TypeNetwork,
	TypeProtocol,
	TypeStorage,
	TypeFulfillmentTimeout,
	TypeConflict,
}

// Error is a typed failure raised by pool components.
type Error struct {
	Type    ErrorType
	Message string
	Context map[string]any
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Type))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// With returns e with an extra context field.
func (e *Error) With(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

func newError(t ErrorType, err error, format string, args ...any) *Error {
	return &Error{Type: t, Message: fmt.Sprintf(format, args...), Err: err}
}

// Validation reports bad input.
func Validation(format string, args ...any) *Error {
	return newError(TypeValidation, nil, format, args...)
}

// ValidationWrap reports bad input detected by err.
func ValidationWrap(err error) *Error {
	return newError(TypeValidation, err, "invalid input")
}

// Conflict reports an operation already in progress.
func Conflict(format string, args ...any) *Error {
	return newError(TypeConflict, nil, format, args...)
}

// InsufficientFunds reports a signer balance below the configured minimum.
func InsufficientFunds(address, balance, required string) *Error {
	return newError(TypeInsufficientFunds, nil, "signer %s balance %s below minimum %s", address, balance, required).
		With("address", address).
		With("balance", balance).
		With("required", required)
}

// OracleRequest reports a transient submission or contract failure.
func OracleRequest(err error, format string, args ...any) *Error {
	return newError(TypeOracleRequest, err, format, args...)
}

// Network reports an RPC connectivity failure.
func Network(err error) *Error {
	return newError(TypeNetwork, err, "rpc unavailable")
}

// Protocol reports a mismatch between the submitted batch and the observed result.
func Protocol(format string, args ...any) *Error {
	return newError(TypeProtocol, nil, format, args...)
}

// Storage reports a persistence failure.
func Storage(err error, op string) *Error {
	return newError(TypeStorage, err, "%s", op)
}

// FulfillmentTimeout reports a request that was not fulfilled within the monitor window.
func FulfillmentTimeout(requestID string) *Error {
	return newError(TypeFulfillmentTimeout, nil, "request %s not fulfilled in time", requestID).
		With("requestId", requestID)
}

// TypeOf returns the taxonomy member carried by err, if any.
func TypeOf(err error) (ErrorType, bool) {
	var ce ClassifiedError
	if errors.As(err, &ce) {
		return ce.Type, true
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Type, true
	}
	return "", false
}

// IsType reports whether err carries the given taxonomy member.
func IsType(err error, t ErrorType) bool {
	got, ok := TypeOf(err)
	return ok && got == t
}
