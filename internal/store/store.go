// Package store persists small per-plan UI preferences (branch collapse state)
// as namespaced key/value pairs.
package store

import (
	"context"
	"time"
)

// Store defines the preference persistence contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value stored under key, or a NOT_FOUND *schema.PlanError.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put creates or replaces the value stored under key.
	Put(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns the entries whose key starts with prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]*Preference, error)

	// Lifecycle
	Close() error
}

// Preference is one stored key/value pair.
type Preference struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}
