// Package cache provides the short-lived key/value tier that sits in front of
// persisted, rebuildable data. A Store is never required for correctness:
// callers treat a miss and an error the same way and recompute from storage.
package cache

import (
	"context"
	"errors"
)

// ErrCorrupt is returned when a stored value cannot be decoded.
var ErrCorrupt = errors.New("cache: corrupt entry")

// Store is a TTL-bounded key/value cache.
//
// Get returns ok=false on a miss or an expired entry. Implementations may
// return errors or panic on internal failure; owners are expected to absorb
// both and replace the Store.
type Store[V any] interface {
	Get(ctx context.Context, key string) (v V, ok bool, err error)
	Set(ctx context.Context, key string, v V) error
	Invalidate(ctx context.Context, key string) error
}
