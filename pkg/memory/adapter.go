package memory

import "context"

// Adapter fronts the memory plane for agent runtimes: a hot read path
// and a cold write path. Implementations must never return an error
// from Retrieve (missing context is acceptable, a failed chat request
// is not) and must never block the caller in EnqueueWrite.
type Adapter interface {
	// Retrieve returns up to k hits relevant to the query, best first.
	// It returns an empty slice on any internal failure or when the
	// feature is disabled.
	Retrieve(ctx context.Context, query QueryContext, k int) []MemoryHit

	// EnqueueWrite schedules event for asynchronous ingestion and
	// returns immediately. The boolean reports whether the event was
	// accepted into the write queue; callers may ignore it, since a
	// dropped event is an operational concern, not a caller error.
	EnqueueWrite(event *MemoryEvent) bool
}
