package cache

import (
	"context"
	"time"
)

// Cache defines the unified interface for cache operations.
// This abstraction allows switching between different cache implementations
// (Redis, local memory) without changing business logic. The scheduler journal,
// the status cache and the raw-archive retention guard are the consumers.
type Cache interface {
	BasicOps
	HashOps
	ZSetOps
	LockOps

	// Ping verifies the cache connection is alive
	Ping(ctx context.Context) error

	// Close closes the cache connection
	Close() error
}

// BasicOps defines basic key-value operations
type BasicOps interface {
	// Get retrieves the value for the given key.
	// Returns "" without error if the key does not exist.
	Get(ctx context.Context, key string) (string, error)

	// Set stores a key-value pair with optional TTL
	// If ttl is 0, the key will not expire
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// HashOps defines hash (map) operations (the record journal)
type HashOps interface {
	// HSet sets field in the hash stored at key to value
	HSet(ctx context.Context, key, field string, value interface{}) error

	// HGetAll returns all fields and values of the hash stored at key
	HGetAll(ctx context.Context, key string) (map[string]string, error)
}

// ZSetOps defines sorted set operations (the pending-queue journal)
type ZSetOps interface {
	// ZAdd adds one or more members with scores to a sorted set
	ZAdd(ctx context.Context, key string, members ...ZMember) error

	// ZRem removes one or more members from a sorted set
	ZRem(ctx context.Context, key string, members ...string) error

	// ZRangeWithScores returns members with scores in a sorted set by index range
	// (ascending score order); start and stop are zero-based indexes
	ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ZMember, error)
}

// LockOps defines distributed lock operations
type LockOps interface {
	// TryLock attempts to acquire a lock
	// Returns true if lock was acquired, false otherwise
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Unlock releases a lock
	Unlock(ctx context.Context, key string) error
}

// ZMember is one member of a sorted set.
type ZMember struct {
	Score  float64
	Member string
}
