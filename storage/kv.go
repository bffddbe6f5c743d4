package storage

import "context"

// Entry is one key/value pair returned by a prefix query.
type Entry struct {
	Key   string
	Value []byte
}

// KV is an ordered key-value store with prefix iteration. Query results are
// ordered by key, which the entity layer relies on for range scans over
// composite keys.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Query returns entries whose key starts with prefix, ordered by key,
	// skipping offset entries and returning at most limit (0 = no limit).
	Query(ctx context.Context, prefix string, offset, limit int) ([]Entry, error)
	Close()
}
