// Package errs defines the closed error taxonomy for the acquisition
// pipeline. Every failure carries a stable code, a human-readable message
// and a structured details payload so it can be diagnosed from logs alone,
// without reproducing the radio conditions that caused it.
package errs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Code identifies one variant of the error taxonomy.
type Code string

const (
	AdapterInitializationFailed Code = "adapter_initialization_failed"
	AdapterNotFound             Code = "adapter_not_found"
	DiscoveryError              Code = "discovery_error"
	DeviceNotFound              Code = "device_not_found"
	ConnectionFailed            Code = "connection_failed"
	DisconnectError             Code = "disconnect_error"
	CharacteristicError         Code = "characteristic_error"
	InvalidFrame                Code = "invalid_frame"
	NotificationHandlingError   Code = "notification_handling_error"
)

// Error is the tagged error type used throughout the pipeline.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	cause   error
}

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an Error that records cause for errors.Is/As chains.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// With attaches one structured detail and returns the same error, so call
// sites can chain: errs.New(...).With("address", addr).With("uuid", u).
func (e *Error) With(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%v", k, e.Details[k])
		}
		b.WriteString(")")
	}
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.cause }

// CodeOf returns the taxonomy code of err, if err (or anything it wraps)
// is a taxonomy error.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}

// IsCode reports whether err carries the given taxonomy code.
func IsCode(err error, code Code) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}

// DetailsOf returns the structured details of err, or nil.
func DetailsOf(err error) map[string]any {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	return nil
}
