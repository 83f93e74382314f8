package manifest

import (
	"strconv"
	"sync"
)

// TimelineEntry describes one run of equally-sized segments, in timescale
// units. R is the number of additional repetitions following the first
// segment.
type TimelineEntry struct {
	T uint64
	D uint64
	R int
}

// TimelineIndex is a SegmentIndex backed by a segment timeline, the shape
// used by segmented live and VOD content. It supports merging a refreshed
// timeline into the current one without losing already-known segments.
type TimelineIndex struct {
	mu        sync.RWMutex
	timescale uint64
	entries   []TimelineEntry
	init      *Segment
	dynamic   bool
	finished  bool
}

// NewTimelineIndex creates an index with the given timescale. A dynamic
// index is still awaiting future segments until MarkFinished is called.
func NewTimelineIndex(timescale uint64, init *Segment, dynamic bool) *TimelineIndex {
	return &TimelineIndex{
		timescale: timescale,
		init:      init,
		dynamic:   dynamic,
		finished:  !dynamic,
	}
}

// SetEntries replaces the whole timeline.
func (x *TimelineIndex) SetEntries(entries []TimelineEntry) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.entries = append([]TimelineEntry(nil), entries...)
}

// Merge integrates a refreshed timeline into the current one. Entries of
// the old timeline strictly before the new timeline's first entry are
// kept; everything from that point on is taken from the new timeline, so a
// refreshed duration wins over a stale one.
func (x *TimelineIndex) Merge(newer []TimelineEntry) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if len(newer) == 0 {
		return
	}
	if len(x.entries) == 0 {
		x.entries = append([]TimelineEntry(nil), newer...)
		return
	}

	cutoff := newer[0].T
	merged := make([]TimelineEntry, 0, len(x.entries)+len(newer))
	for _, e := range x.entries {
		if e.T < cutoff {
			merged = append(merged, e)
		}
	}
	merged = append(merged, newer...)
	x.entries = merged
}

// MarkFinished declares that no further segments will be announced.
func (x *TimelineIndex) MarkFinished() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.finished = true
}

// Segments returns the media segments overlapping [start, start+duration).
func (x *TimelineIndex) Segments(start, duration float64) []Segment {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.timescale == 0 {
		return nil
	}
	end := start + duration
	var out []Segment
	scale := float64(x.timescale)
	var cursor uint64
	for _, e := range x.entries {
		if e.T > 0 {
			cursor = e.T
		}
		for i := 0; i <= e.R; i++ {
			segStart := float64(cursor) / scale
			segDur := float64(e.D) / scale
			if segStart < end && segStart+segDur > start {
				out = append(out, Segment{
					ID:       strconv.FormatUint(cursor, 10),
					Time:     segStart,
					Duration: segDur,
					Complete: true,
				})
			}
			cursor += e.D
		}
	}
	return out
}

// InitSegment returns the initialization segment, if any.
func (x *TimelineIndex) InitSegment() *Segment {
	return x.init
}

// ShouldRefresh reports whether the wanted range extends past the known
// timeline of a still-growing index.
func (x *TimelineIndex) ShouldRefresh(start, end float64) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if !x.dynamic || x.finished {
		return false
	}
	last, ok := x.lastStartLocked()
	if !ok {
		return true
	}
	return end > last
}

// IsInitialized reports whether the index can list segments at all.
func (x *TimelineIndex) IsInitialized() bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.timescale != 0 && len(x.entries) > 0
}

// AwaitingFutureSegments is true while the timeline is still growing.
func (x *TimelineIndex) AwaitingFutureSegments() bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.dynamic && !x.finished
}

// LastAvailablePosition returns the start of the last known segment.
func (x *TimelineIndex) LastAvailablePosition() *float64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	last, ok := x.lastStartLocked()
	if !ok {
		return nil
	}
	return &last
}

// End returns the end of the last segment once the index is finished.
func (x *TimelineIndex) End() *float64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if !x.finished || len(x.entries) == 0 {
		return nil
	}
	end := x.timelineEndLocked()
	return &end
}

func (x *TimelineIndex) lastStartLocked() (float64, bool) {
	if len(x.entries) == 0 || x.timescale == 0 {
		return 0, false
	}
	var cursor, lastStart uint64
	for _, e := range x.entries {
		if e.T > 0 {
			cursor = e.T
		}
		for i := 0; i <= e.R; i++ {
			lastStart = cursor
			cursor += e.D
		}
	}
	return float64(lastStart) / float64(x.timescale), true
}

func (x *TimelineIndex) timelineEndLocked() float64 {
	var cursor uint64
	for _, e := range x.entries {
		if e.T > 0 {
			cursor = e.T
		}
		cursor += uint64(e.R+1) * e.D
	}
	return float64(cursor) / float64(x.timescale)
}
