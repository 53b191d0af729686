// Package errors provides structured error handling for the device session
// layer. Errors carry a category and severity so that callers can decide
// between local recovery (fail-over, back-off) and surfacing to an operator
// without string matching.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Category classifies an error for recovery decisions.
type Category string

const (
	CategoryTransport   Category = "transport"
	CategoryAuth        Category = "auth"
	CategoryProtocol    Category = "protocol"
	CategoryConfig      Category = "config"
	CategoryPersistence Category = "persistence"
	CategoryInternal    Category = "internal"
)

// Severity indicates how critical an error is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// DeviceError is the interface implemented by all errors produced in this
// module. No DeviceError is fatal to the process; the worst case is a
// session held offline, which is a reportable state, not a crash.
type DeviceError interface {
	error

	// Category returns the error category for classification.
	Category() Category

	// Severity returns the error severity level.
	Severity() Severity

	// DeviceID returns the device the error relates to, when known.
	DeviceID() string

	// Timestamp returns when the error was created.
	Timestamp() time.Time

	// Unwrap returns the underlying error for chain traversal.
	Unwrap() error
}

type baseError struct {
	message   string
	category  Category
	severity  Severity
	deviceID  string
	timestamp time.Time
	cause     error
}

func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *baseError) Category() Category   { return e.category }
func (e *baseError) Severity() Severity   { return e.severity }
func (e *baseError) DeviceID() string     { return e.deviceID }
func (e *baseError) Timestamp() time.Time { return e.timestamp }
func (e *baseError) Unwrap() error        { return e.cause }

// New creates a DeviceError with the given category and severity.
func New(category Category, severity Severity, message string) DeviceError {
	return &baseError{
		message:   message,
		category:  category,
		severity:  severity,
		timestamp: time.Now(),
	}
}

// Newf creates a DeviceError with a formatted message.
func Newf(category Category, severity Severity, format string, args ...interface{}) DeviceError {
	return New(category, severity, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error as a DeviceError.
func Wrap(err error, category Category, severity Severity, message string) DeviceError {
	return &baseError{
		message:   message,
		category:  category,
		severity:  severity,
		cause:     err,
		timestamp: time.Now(),
	}
}

// WithDevice returns a copy of err annotated with the device identity.
// Non-DeviceError values are wrapped as internal errors first.
func WithDevice(err error, deviceID string) DeviceError {
	var de *baseError
	if errors.As(err, &de) {
		cp := *de
		cp.deviceID = deviceID
		return &cp
	}
	return &baseError{
		message:   err.Error(),
		category:  CategoryInternal,
		severity:  SeverityError,
		deviceID:  deviceID,
		cause:     err,
		timestamp: time.Now(),
	}
}

// IsCategory reports whether err (or anything it wraps) carries the given
// category.
func IsCategory(err error, category Category) bool {
	var de DeviceError
	if errors.As(err, &de) {
		return de.Category() == category
	}
	return false
}
