package domain

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrRateLimited  = errors.New("rate limited")
	ErrLockHeld     = errors.New("lock already held")
	ErrClosed       = errors.New("connection closed")
	ErrNotSupported = errors.New("not supported by this client")

	// ErrInconclusive is the internal signal that a settlement strategy could
	// not determine an outcome. It is never surfaced to callers; the resolver
	// advances to the next strategy in the chain instead.
	ErrInconclusive = errors.New("settlement inconclusive")
)

// AuthError reports an upstream-rejected authentication handshake. Reason is
// the upstream-supplied diagnostic, passed through verbatim.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "authentication rejected: " + e.Reason
}

// ConnectError reports a transient connectivity failure while establishing or
// using an upstream session.
type ConnectError struct {
	Reason string
}

func (e *ConnectError) Error() string {
	return "upstream connection failed: " + e.Reason
}

// PlacementError reports an upstream-rejected trade placement (asset closed,
// insufficient balance, ...). Placements are never retried automatically:
// a retry could double-place the trade.
type PlacementError struct {
	Reason string
}

func (e *PlacementError) Error() string {
	return "trade rejected: " + e.Reason
}
