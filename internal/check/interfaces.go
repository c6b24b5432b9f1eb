package check

import (
	"context"
	"time"
)

// Store persists jobs. Implementations must be safe for concurrent use and
// must enforce the status graph and progress monotonicity themselves; callers
// never see the underlying container.
type Store interface {
	// Create inserts a new job. The job must be in StatusCreated.
	Create(ctx context.Context, job Job) error
	// Get returns a copy of the job or ErrNotFound.
	Get(ctx context.Context, jobID string) (Job, error)
	// Advance moves the job to the given status/progress. Progress may never
	// decrease except on the analyzed -> processing restart, which begins a
	// new run. Illegal transitions return ErrIllegalTransition.
	Advance(ctx context.Context, jobID string, status Status, progress int) error
	// AttachPhrases records the extracted search phrases.
	AttachPhrases(ctx context.Context, jobID string, phrases []string) error
	// AttachSources records the acquired sources.
	AttachSources(ctx context.Context, jobID string, sources []Source) error
	// SetArchiveURI records where the evidence bundle was archived.
	SetArchiveURI(ctx context.Context, jobID string, uri string) error
	// Complete stores the result and moves the job to completed/100.
	Complete(ctx context.Context, jobID string, result Result) error
	// Fail moves the job to failed with the given reason.
	Fail(ctx context.Context, jobID string, reason string) error
	// Sweep removes terminal jobs older than maxAge and returns the count.
	Sweep(ctx context.Context, maxAge time.Duration) (int, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for check jobs.
type Queue interface {
	// Enqueue pushes an item, returning ErrQueueFull when at capacity.
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Hasher computes digests for cache keys and archive object names.
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
