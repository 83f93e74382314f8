package sink

import (
	"context"
	"time"

	"playercore/internal/manifest"
)

// ChunkStatus describes how much of its declared segment a buffered chunk
// holds.
type ChunkStatus int

const (
	ChunkComplete ChunkStatus = iota
	ChunkPartial
)

// ChunkContext ties a buffered chunk back to the manifest entities it was
// loaded for.
type ChunkContext struct {
	Period         *manifest.Period
	Adaptation     *manifest.Adaptation
	Representation *manifest.Representation
}

// BufferedChunk is one inventory entry: a segment actually pushed into a
// media buffer. Declared bounds come from the manifest; buffered bounds
// are what the platform still reports, and drift as the browser garbage
// collects media data.
type BufferedChunk struct {
	// Start and End are the declared bounds, in seconds.
	Start float64
	End   float64

	// BufferedStart and BufferedEnd are the observed bounds; nil until the
	// first synchronization against the platform's buffered ranges.
	BufferedStart *float64
	BufferedEnd   *float64

	Status ChunkStatus

	// ChunkSize is the pushed payload size, in bytes.
	ChunkSize int64

	Segment manifest.Segment
	Context ChunkContext
}

// GCedAtStart reports whether the chunk appears garbage collected at its
// start, beyond the tolerated missing time.
func (c *BufferedChunk) GCedAtStart(maxMissing float64) bool {
	return c.BufferedStart != nil && *c.BufferedStart-c.Start > maxMissing
}

// GCedAtEnd reports whether the chunk appears garbage collected at its
// end, beyond the tolerated missing time.
func (c *BufferedChunk) GCedAtEnd(maxMissing float64) bool {
	return c.BufferedEnd != nil && c.End-*c.BufferedEnd > maxMissing
}

// OperationType discriminates queued sink operations.
type OperationType int

const (
	OpPush OperationType = iota
	OpRemove
)

// Operation is a queued, not-yet-acknowledged sink mutation. Push
// operations carry the segment being pushed; remove operations carry the
// range being cleared.
type Operation struct {
	Type    OperationType
	Segment *manifest.Segment
	Context ChunkContext
	Start   float64
	End     float64
}

// SegmentRef identifies a segment across the whole manifest, for history
// lookups.
type SegmentRef struct {
	RepresentationUID string
	SegmentID         string
}

// HistoryEntry records where one push of a segment ended up in the buffer.
// Buffered bounds stay nil until a synchronization observes them.
type HistoryEntry struct {
	Date          time.Time
	BufferedStart *float64
	BufferedEnd   *float64
}

// SegmentSink is the per-track buffer collaborator consumed by the
// resolvers. Resolvers treat it as read-only; only the sink's own
// push/remove operations mutate the inventory.
type SegmentSink interface {
	// Type returns the buffer type this sink feeds.
	Type() manifest.BufferType

	// LastKnownInventory returns the resident chunks, ordered by start.
	LastKnownInventory() []*BufferedChunk

	// PendingOperations returns the queued operations not yet completed.
	PendingOperations() []Operation

	// SegmentHistory returns the push history of one segment, oldest
	// first.
	SegmentHistory(ref SegmentRef) []HistoryEntry

	// RemoveBuffer clears [start, end) from the buffer.
	RemoveBuffer(ctx context.Context, start, end float64) error
}

// InventorySizeKB sums the resident chunk sizes, in kilobytes.
func InventorySizeKB(chunks []*BufferedChunk) float64 {
	var bytes int64
	for _, c := range chunks {
		bytes += c.ChunkSize
	}
	return float64(bytes) / 1000
}
