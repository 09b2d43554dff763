package domain

import (
	"context"
	"time"
)

// PendingTradeStore persists the metadata of in-flight trades so an open
// trade can still be resolved after a gateway restart. Entries are keyed by
// (account key, trade id) and expire on their own once the longest plausible
// settlement window has passed.
type PendingTradeStore interface {
	Put(ctx context.Context, t PendingTrade) error

	// Get returns ErrNotFound when no metadata is stored for the id.
	Get(ctx context.Context, accountKey string, tradeID int64) (PendingTrade, error)

	Delete(ctx context.Context, accountKey string, tradeID int64) error
}

// SettledOutcomeStore records terminal settlement outcomes so repeat queries
// for a settled trade serve the recorded verdict instead of re-running the
// resolution chain without the original stake.
type SettledOutcomeStore interface {
	PutOutcome(ctx context.Context, accountKey string, o SettlementOutcome) error

	// GetOutcome returns ErrNotFound when no outcome is recorded for the id.
	GetOutcome(ctx context.Context, accountKey string, tradeID int64) (SettlementOutcome, error)
}

// RateLimiter applies sliding-window rate limits to a string key.
type RateLimiter interface {
	// Allow reports whether a request for key is permitted under limit
	// requests per window, counting the request when it is.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager hands out cross-replica locks. Acquire returns ErrLockHeld
// when another holder owns the key; on success the returned function releases
// the lock and is safe to call more than once.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}
