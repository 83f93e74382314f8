package manifest

// Segment identifies one discrete, time-bounded chunk of encoded media for
// a Representation. It is immutable once described by the manifest; whether
// it is resident in a buffer is tracked separately by the sink inventory.
type Segment struct {
	// ID is unique within the Representation's index.
	ID string
	// Time is the segment's start, in seconds.
	Time float64
	// Duration is the segment's duration, in seconds. Zero for init
	// segments.
	Duration float64
	// IsInit marks an initialization segment.
	IsInit bool
	// Complete is false when the index only knows a partial chunk of the
	// segment (e.g. low-latency content).
	Complete bool
}

// End returns the segment's end time, in seconds.
func (s Segment) End() float64 {
	return s.Time + s.Duration
}

// SegmentIndex is the per-Representation collaborator listing which
// segments exist. Implementations must be safe for concurrent reads.
type SegmentIndex interface {
	// Segments returns the media segments overlapping
	// [start, start+duration), in chronological order.
	Segments(start, duration float64) []Segment

	// InitSegment returns the initialization segment, or nil when the
	// Representation has none.
	InitSegment() *Segment

	// ShouldRefresh reports whether the manifest has to be refreshed before
	// the index can describe [start, end).
	ShouldRefresh(start, end float64) bool

	// IsInitialized is false while the index has not loaded enough metadata
	// to list segments at all.
	IsInitialized() bool

	// AwaitingFutureSegments is true while segments are still expected to
	// be announced after the currently known last one.
	AwaitingFutureSegments() bool

	// LastAvailablePosition returns the start of the last known segment, or
	// nil when unknown.
	LastAvailablePosition() *float64

	// End returns the definitive end of the index, or nil while unknown.
	End() *float64
}
