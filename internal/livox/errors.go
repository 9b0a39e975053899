package livox

import (
	"errors"
	"fmt"
)

// Frame-level errors. Both are always non-fatal at the point of
// detection: the offending datagram is discarded and the stream
// continues.
var (
	// ErrMalformed reports a datagram too short for the layout it claims.
	ErrMalformed = errors.New("malformed frame")

	// ErrChecksumMismatch reports a control frame whose header or whole-frame
	// checksum failed validation.
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// Command-channel errors.
var (
	// ErrTimeout reports a request that received no matching acknowledgement
	// within its deadline, after the channel's bounded retries.
	ErrTimeout = errors.New("request timed out")

	// ErrCancelled reports a request discarded because the session
	// disconnected while it was in flight.
	ErrCancelled = errors.New("request cancelled")
)

// ErrInvalidState reports an operation requested while the session was
// not in a compatible state. It is surfaced synchronously to the caller
// and never silently ignored.
type ErrInvalidState struct {
	Op    string
	State string
}

func (e *ErrInvalidState) Error() string {
	return fmt.Sprintf("%s not valid in state %s", e.Op, e.State)
}

// ErrConnect reports a failed discovery or handshake. Terminal for that
// connection attempt; a new session must be constructed to retry.
type ErrConnect struct {
	Stage string // "discovery" or "handshake"
	Err   error
}

func (e *ErrConnect) Error() string {
	return fmt.Sprintf("connect failed during %s: %v", e.Stage, e.Err)
}

func (e *ErrConnect) Unwrap() error { return e.Err }

// ErrDisconnected reports a terminated session: heartbeat loss, an
// explicit disconnect, or an unrecoverable socket error.
type ErrDisconnected struct {
	Reason string
}

func (e *ErrDisconnected) Error() string {
	return fmt.Sprintf("session disconnected: %s", e.Reason)
}

// DeviceError reports a non-zero acknowledgement return code from the
// device for a control command.
type DeviceError struct {
	Op   string
	Code uint8
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device rejected %s: return code %d", e.Op, e.Code)
}
