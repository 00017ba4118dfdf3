// Package rnserrors defines the error taxonomy shared across the reticulum
// core. Call sites wrap one of these sentinels with fmt.Errorf("...: %w", ...)
// the same way every teacher package wraps plain errors; callers compare
// with errors.Is against the sentinel, never against the wrapped string.
package rnserrors

import "errors"

var (
	// ErrIO marks a failure at the transport boundary (send/receive).
	ErrIO = errors.New("io error")

	// ErrAuth marks a Token HMAC mismatch, bad signature, or wrong link key.
	ErrAuth = errors.New("authentication failed")

	// ErrProtocol marks a malformed packet, unknown type bits, or oversized payload.
	ErrProtocol = errors.New("protocol error")

	// ErrUnroutable marks a missing path entry or unknown SAM destination.
	ErrUnroutable = errors.New("unroutable")

	// ErrTimeout marks a path request, handshake, resource part, or command timeout.
	ErrTimeout = errors.New("timeout")

	// ErrBackpressure marks a full per-interface send queue.
	ErrBackpressure = errors.New("backpressure")

	// ErrResource marks a resource reassembly hash mismatch or exhausted retries.
	ErrResource = errors.New("resource error")

	// ErrSAM marks an unexpected SAM bridge reply; the session becomes unusable.
	ErrSAM = errors.New("sam error")

	// ErrPolicyReject marks a REJECT sent to a peer: bad version, not allow-listed,
	// or the session cap was reached.
	ErrPolicyReject = errors.New("policy reject")

	// ErrCancelled marks an operation that observed a cancellation signal while
	// awaiting I/O.
	ErrCancelled = errors.New("cancelled")

	// ErrClosed marks use of a link or session past its CLOSED/destroyed state.
	ErrClosed = errors.New("closed")
)

// PolicyRejectCode is the numeric code carried in a session REJECT message.
type PolicyRejectCode uint16

const (
	RejectVersionMismatch PolicyRejectCode = 2
	RejectNotAllowed      PolicyRejectCode = 3
	RejectSessionCapped   PolicyRejectCode = 4
	RejectMalformed       PolicyRejectCode = 5
	RejectAuthFailed      PolicyRejectCode = 6
)
