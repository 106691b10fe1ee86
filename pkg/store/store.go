// Package store defines the shared-store contract the admission controller
// and expiry listener depend on, plus a Redis-backed implementation.
// Business logic never talks to Redis directly — everything goes through
// the Client interface, so the reservation protocol can be tested against
// an in-memory fake without a live Redis.
package store

import "context"

// ReservationResult is the outcome of the atomic reservation script.
type ReservationResult int

const (
	Rejected ReservationResult = iota
	Allowed
)

// ExpiredKeyHandler is invoked once per delivered key-expiry notification.
// Delivery is best-effort: a handler must tolerate duplicate, out-of-order,
// and missed deliveries.
type ExpiredKeyHandler func(ctx context.Context, key string)

// Client is the abstract contract over the external k/v store described in
// spec.md §4.C. Every call may block on I/O; callers are expected to wrap
// calls in a context with a deadline. Failures are surfaced, never retried
// inside the client.
type Client interface {
	// SetWithTTL overwrites key with value and attaches ttl.
	SetWithTTL(ctx context.Context, key, value string, ttlSeconds int) error
	// Exists reports whether key is currently present.
	Exists(ctx context.Context, key string) (bool, error)
	// Delete removes key. Idempotent: deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Get returns the value stored at key, or ok=false if absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// TTLSeconds returns the remaining TTL on key, or 0 if absent or
	// persistent (no expiry set).
	TTLSeconds(ctx context.Context, key string) (int, error)
	// SetAdd adds member to the set at key. Idempotent.
	SetAdd(ctx context.Context, key, member string) error
	// SetRemove removes member from the set at key. Idempotent.
	SetRemove(ctx context.Context, key, member string) error
	// SetCardinality returns the number of members in the set at key. Must
	// be O(1) — backed by SCARD, never a key scan.
	SetCardinality(ctx context.Context, key string) (int, error)
	// SetMembers returns every member of the set at key. Used only by the
	// optional sweeper (spec.md §4.F) to check each reservation's safety key
	// for orphans — never on the admission hot path.
	SetMembers(ctx context.Context, key string) ([]string, error)
	// RunReservationScript executes the atomic reservation script (spec.md
	// §4.D) against setKey with the given concurrency limit and candidate
	// member.
	RunReservationScript(ctx context.Context, setKey string, limit int, member string) (ReservationResult, error)
	// SubscribeKeyExpiry starts a long-lived subscription to key-expiry
	// notifications and invokes handler for every expired key whose name
	// matches prefixFilter. It blocks until ctx is cancelled.
	SubscribeKeyExpiry(ctx context.Context, prefixFilter string, handler ExpiredKeyHandler) error
	// ScanKeys returns all keys matching pattern. Used only by the optional
	// sweeper (spec.md §4.F) — never by SetCardinality or any hot path.
	ScanKeys(ctx context.Context, pattern string) ([]string, error)
}
