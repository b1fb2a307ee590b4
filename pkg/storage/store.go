// Package storage provides the durable backend behind the broker's queues
// and the streaming core's partitions and snapshots. Where the teacher
// fixed one interface method per cluster resource (CreateNode, GetService,
// ...), this generalizes to a generic named-bucket KV store: the fabric's
// durable entities (queued messages, partition events, projection
// snapshots) vary per core and per queue/stream instance, so a fixed
// per-entity interface would need to grow without bound. Each core owns
// its own key scheme and JSON encoding on top of this.
package storage

// Store is the durable backend contract. Keys are opaque strings scoped
// per bucket; callers choose their own key encoding (e.g. a stream
// partition's events are keyed by a zero-padded offset so ordered iteration
// via ForEach yields them in offset order).
type Store interface {
	// Put writes value under key in bucket, creating the bucket if absent.
	Put(bucket, key string, value []byte) error

	// Get reads the value for key in bucket. Returns (nil, nil) if absent.
	Get(bucket, key string) ([]byte, error)

	// Delete removes key from bucket. No error if absent.
	Delete(bucket, key string) error

	// ForEach iterates bucket in key order, stopping early if fn returns
	// an error (which ForEach then returns).
	ForEach(bucket string, fn func(key string, value []byte) error) error

	// ForEachRange iterates bucket over [startKey, endKey) in key order.
	// An empty endKey means "to the end of the bucket".
	ForEachRange(bucket, startKey, endKey string, fn func(key string, value []byte) error) error

	// Close releases the underlying database handle.
	Close() error
}
