package crawler

import (
	"context"
	"iter"
	"net/url"
	"time"
)

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (RawPage, error)
}

// HeadlessDetector decides whether a lightweight fetch needs a rendered retry.
type HeadlessDetector interface {
	ShouldPromote(page RawPage) bool
}

// URLValidator normalizes and screens user supplied URLs.
type URLValidator interface {
	Validate(raw string) (*url.URL, error)
}

// Hasher computes digests for cache keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// Queue buffers tasks between the dispatcher and the worker pool.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	Dequeue(ctx context.Context) (Task, error)
	Close()
}

// Frontier is one discovery pass over a seed.
type Frontier interface {
	// All yields URLs seed first; it can be ranged over once.
	All() iter.Seq[string]
	Err() error
	// Degraded reports whether discovery failed to find anything beyond the seed.
	Degraded() bool
	SeedPage() (RawPage, bool)
}

// Discoverer starts discovery passes.
type Discoverer interface {
	Discover(ctx context.Context, seed *url.URL, opts Options) Frontier
}
