package ratchet

import "fmt"

// SessionError is the generic non-retryable failure kind for the session
// engine: no record, no open session, no matching session, a missing or
// closed chain, future-overflow, or a malformed field.
type SessionError struct {
	msg string
	err error
}

func newSessionError(msg string) *SessionError {
	return &SessionError{msg: msg}
}

func wrapSessionError(msg string, err error) *SessionError {
	return &SessionError{msg: msg, err: err}
}

func (e *SessionError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s", e.msg, e.err)
	}
	return e.msg
}

func (e *SessionError) Unwrap() error { return e.err }

// MessageCounterError indicates a message counter was already consumed or
// was never filled in its chain. Duplicate-delivery indicator; callers may
// treat it as "already processed".
type MessageCounterError struct {
	*SessionError
}

func newMessageCounterError(msg string) *MessageCounterError {
	return &MessageCounterError{newSessionError(msg)}
}

// PreKeyError indicates a missing or invalid pre-key/signed-pre-key during
// an incoming handshake.
type PreKeyError struct {
	*SessionError
}

func newPreKeyError(msg string) *PreKeyError {
	return &PreKeyError{newSessionError(msg)}
}

// UntrustedIdentityKeyError is raised when a peer's identity key fails the
// trust check. Carries the peer id and the offending key; surfaced to the
// caller and never recovered locally.
type UntrustedIdentityKeyError struct {
	ID  string
	Key [33]byte
}

func (e *UntrustedIdentityKeyError) Error() string {
	return fmt.Sprintf("untrusted identity key for %q", e.ID)
}

// BadMacError is an authentication failure: the computed MAC did not match
// the received one.
type BadMacError struct{}

func (e *BadMacError) Error() string { return "bad mac" }

// BadMacLengthError is raised when a MAC comparison is asked to truncate to
// a length it cannot satisfy.
type BadMacLengthError struct {
	Want, Got int
}

func (e *BadMacLengthError) Error() string {
	return fmt.Sprintf("bad mac length: want %d, got %d", e.Want, e.Got)
}

// IncompatibleVersionError is raised when the version-byte nibble check
// fails during wire decoding.
type IncompatibleVersionError struct {
	VersionByte byte
}

func (e *IncompatibleVersionError) Error() string {
	return fmt.Sprintf("incompatible protocol version byte 0x%02x", e.VersionByte)
}

// InvalidArgumentError marks a precondition violation: nil fields, wrong
// sizes, or a wrong base-key type passed to GetSession. Programmer error.
type InvalidArgumentError struct {
	msg string
}

func newInvalidArgumentError(msg string) *InvalidArgumentError {
	return &InvalidArgumentError{msg: msg}
}

func (e *InvalidArgumentError) Error() string { return e.msg }
