// Package store defines the persistent state interface used by the sync
// engine to resume session, ledger, and portfolio state across restarts.
// Implementations include Postgres (durable profile store), Redis (shared
// across devices — the single-active-session slot lives here), and
// in-memory (for testing).
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("store: key not found")

// Store is a durable key-value store with JSON values. Each subsystem owns
// a disjoint key namespace (see Key) and only writes to its own keys, so
// no cross-subsystem write races are possible.
type Store interface {
	// Get unmarshals the value at key into dest. Returns ErrNotFound
	// if the key is absent.
	Get(ctx context.Context, key string, dest any) error

	// Set marshals value as JSON and writes it at key.
	Set(ctx context.Context, key string, value any) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases any underlying connections.
	Close() error
}

// Key builds a namespaced store key: Key("session", pid, "state") →
// "session:pid:state". The first part is the owning subsystem's namespace.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

// wrapGet annotates backend read errors with the key for log context.
func wrapGet(key string, err error) error {
	return fmt.Errorf("store: get %s: %w", key, err)
}
