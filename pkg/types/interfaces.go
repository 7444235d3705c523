package types

import (
	"context"
	"io"
	"time"
)

// Backend is the uniform key->bytes object store contract every
// provider (local directory, S3, Swift, GS, B2, Rackspace, SFTP)
// implements (§4.1). Keys are printable strings. Every operation is
// expected to be retried by the caller with exponential backoff on
// transient errors; Backend implementations return errors carrying
// pkg/errors codes so the retry package can tell transient failures
// from fatal ones.
type Backend interface {
	// Lookup returns metadata for key, or a NotFound-shaped error if
	// it does not exist.
	Lookup(ctx context.Context, key string) (*ObjectInfo, error)

	// Get streams the bytes stored at key. Callers must close the
	// returned ReadCloser.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Put uploads data from r under key, storing metadata alongside it
	// where the backend supports server-side metadata.
	Put(ctx context.Context, key string, r io.Reader, metadata ObjectMetadata) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List yields every key with the given prefix. The backend need
	// not offer list-after-write consistency; callers must never rely
	// on List for correctness, only for fsck and enumeration (§4.1).
	List(ctx context.Context, prefix string) (<-chan string, <-chan error)

	// Copy duplicates src to dst server-side where supported.
	Copy(ctx context.Context, src, dst string) error

	// Rename moves src to dst. Implementations without an atomic
	// rename primitive fall back to copy-then-delete.
	Rename(ctx context.Context, src, dst string) error

	// Close releases any connections or handles held by the backend.
	Close() error
}

// MetricsCollector records dispatcher operation counts, durations, and
// cache/upload gauges for export via Prometheus.
type MetricsCollector interface {
	RecordOperation(operation string, duration time.Duration, err error)
	RecordCacheState(blockID BlockID, state string)
	RecordUploadQueueDepth(depth int)
	RecordCacheHit(op string)
	RecordCacheMiss(op string)
}
