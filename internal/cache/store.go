// Package cache implements cache-key resolution with restore-key fallback
// chains, plus the store contract the resolver probes. The store is keyed by
// opaque strings; puts are atomic from the perspective of concurrent gets,
// which is the only protection the engine relies on when parallel jobs race
// to populate the same key.
package cache

import (
	"context"
	"io"
)

// Store is the cache-store collaborator contract.
type Store interface {
	// Get opens the entry stored under exactly key. The boolean reports
	// whether the entry exists.
	Get(ctx context.Context, key string) (io.ReadCloser, bool, error)

	// Put publishes content under key. Publication must be atomic: a
	// concurrent Get never observes a partially written entry.
	Put(ctx context.Context, key string, content io.Reader) error

	// Keys enumerates stored keys having the given prefix. An empty
	// prefix enumerates everything.
	Keys(ctx context.Context, prefix string) ([]string, error)
}
