// Package rterr defines the error-kind taxonomy shared by every layer
// of the stack. Errors are returned, never raised: every function that
// may fail on the real-time path returns one of these sentinels (wrapped
// with context via fmt.Errorf("%w: ...")) rather than panicking or logging.
package rterr

import "errors"

// Sentinel error kinds, one per outcome named in the error handling design.
var (
	// ErrOutOfBuffers is returned when a pool is exhausted; the caller's
	// operation returns immediately. Never retried on the RT path.
	ErrOutOfBuffers = errors.New("rtnet: out of buffers")

	// ErrOutOfCompensation is returned when acquire fails to find a
	// compensation skb in the target pool; the caller must drop the
	// packet rather than violate the origin pool's quota.
	ErrOutOfCompensation = errors.New("rtnet: out of compensation buffers")

	// ErrHostUnreachable is returned when routing cannot resolve a
	// destination to (dest MAC, egress device).
	ErrHostUnreachable = errors.New("rtnet: host unreachable")

	// ErrNetDown is returned when the egress device is not UP.
	ErrNetDown = errors.New("rtnet: network is down")

	// ErrNoBufs is returned when a bounded invariant is violated at
	// send time (e.g. a fixed-size table is full).
	ErrNoBufs = errors.New("rtnet: no buffer space available")

	// ErrMsgTooLarge is returned when a datagram cannot be represented
	// within the configured limits (e.g. exceeds max fragment count).
	ErrMsgTooLarge = errors.New("rtnet: message too large")

	// ErrTimedOut is returned by a blocking recv that exceeded its
	// configured timeout.
	ErrTimedOut = errors.New("rtnet: timed out")

	// ErrWouldBlock is returned by a non-blocking recv/send that has
	// no data or would otherwise need to wait.
	ErrWouldBlock = errors.New("rtnet: operation would block")

	// ErrBusy is returned when a configuration change is attempted
	// while a resource is still referenced; the caller should retry
	// from non-RT context.
	ErrBusy = errors.New("rtnet: resource busy")

	// ErrAlreadyExists is returned by structural ioctl-equivalent
	// operations that would create a duplicate.
	ErrAlreadyExists = errors.New("rtnet: already exists")

	// ErrNotFound is returned by structural ioctl-equivalent lookups.
	ErrNotFound = errors.New("rtnet: not found")

	// ErrNotSocket is returned to a blocked waiter when its owning
	// socket is closed out from under it.
	ErrNotSocket = errors.New("rtnet: socket closed")

	// ErrAccessDenied is returned when an operation is attempted from
	// the wrong execution context (e.g. extending a pool from RT context).
	ErrAccessDenied = errors.New("rtnet: access denied")
)
