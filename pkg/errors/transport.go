package errors

import "errors"

// Constructors for the error taxonomy the session layer recovers from
// locally. Transient transport failures drive fail-over or offline marking;
// they are logged rate-limited and never surfaced as hard errors.

// TransportUnreachable reports a delivery/connection failure on either
// channel. It is always transient from the session's point of view.
func TransportUnreachable(err error, detail string) DeviceError {
	return Wrap(err, CategoryTransport, SeverityWarning, detail)
}

// TransportClosed reports use of a transport after Stop.
func TransportClosed(detail string) DeviceError {
	return New(CategoryTransport, SeverityWarning, detail)
}

// AuthMismatch reports a message whose auth tag disagrees with the
// configured shared secret. Recoverable: under the fail-open policy the
// payload is still applied, but the condition must reach an operator.
func AuthMismatch(deviceID string) DeviceError {
	return WithDevice(New(CategoryAuth, SeverityWarning, "message signature does not match configured key"), deviceID)
}

// MalformedPayload reports a payload that did not parse for one message.
// The parse step is skipped for that message only; liveness is unaffected.
func MalformedPayload(err error, namespace string) DeviceError {
	return Wrap(err, CategoryProtocol, SeverityWarning, "malformed payload in "+namespace)
}

// PersistFailed reports a persistence sink failure. The session keeps its
// needs-persist flag set so the next full-state cycle retries.
func PersistFailed(err error, deviceID string) DeviceError {
	return WithDevice(Wrap(err, CategoryPersistence, SeverityError, "persist device state"), deviceID)
}

// IsTransient reports whether the error is a locally recoverable transport
// condition.
func IsTransient(err error) bool {
	return IsCategory(err, CategoryTransport)
}

// As is a convenience re-export so callers do not need to import both this
// package and the standard errors package for chain inspection.
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is re-exports the standard errors.Is.
func Is(err, target error) bool { return errors.Is(err, target) }
