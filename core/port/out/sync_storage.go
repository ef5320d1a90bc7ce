package out

import "context"

// KVStore is the durable key/value surface the persistence adapters write
// through. Implementations: sqlite file store, redis, in-memory.
type KVStore interface {
	// Get returns the stored value and whether the key exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores the value, replacing any previous one.
	Set(ctx context.Context, key string, value []byte) error

	// Remove deletes the key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error

	Close() error
}
