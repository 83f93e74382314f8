package sink

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"playercore/internal/logger"
	"playercore/internal/manifest"
	"playercore/internal/playback"
)

// MemorySink is a thread-safe in-memory SegmentSink. It stands in for the
// browser's MSE SourceBuffer binding: pushes go through a pending
// operation queue, and Synchronize reconciles the inventory against the
// platform's reported buffered ranges, detecting garbage collection.
type MemorySink struct {
	mu         sync.RWMutex
	bufferType manifest.BufferType
	log        logger.Logger
	chunks     []*BufferedChunk
	pending    []Operation
	history    map[SegmentRef][]HistoryEntry
	now        func() time.Time
}

// NewMemorySink creates an empty sink for the given buffer type.
func NewMemorySink(bufferType manifest.BufferType, log logger.Logger) *MemorySink {
	return &MemorySink{
		bufferType: bufferType,
		log:        log.Named("sink." + string(bufferType)),
		history:    make(map[SegmentRef][]HistoryEntry),
		now:        time.Now,
	}
}

// Type returns the buffer type this sink feeds.
func (s *MemorySink) Type() manifest.BufferType {
	return s.bufferType
}

// BeginPush queues a push operation for the segment. Until CompletePush is
// called, the segment shows up in PendingOperations and must not be
// re-requested.
func (s *MemorySink) BeginPush(seg manifest.Segment, c ChunkContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	segCopy := seg
	s.pending = append(s.pending, Operation{
		Type:    OpPush,
		Segment: &segCopy,
		Context: c,
		Start:   seg.Time,
		End:     seg.End(),
	})
}

// CompletePush acknowledges a queued push: the pending operation is
// dropped, the chunk enters the inventory and a new history entry is
// recorded for the segment.
func (s *MemorySink) CompletePush(seg manifest.Segment, c ChunkContext, sizeBytes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, op := range s.pending {
		if op.Type == OpPush && op.Segment != nil &&
			op.Segment.ID == seg.ID && op.Context.Representation == c.Representation {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("no pending push for segment %s", seg.ID)
	}
	s.pending = append(s.pending[:idx], s.pending[idx+1:]...)

	if seg.IsInit {
		// Init segments occupy no timeline range and are not inventoried.
		return nil
	}

	status := ChunkComplete
	if !seg.Complete {
		status = ChunkPartial
	}
	chunk := &BufferedChunk{
		Start:     seg.Time,
		End:       seg.End(),
		Status:    status,
		ChunkSize: sizeBytes,
		Segment:   seg,
		Context:   c,
	}

	// Replace anything this chunk fully overlaps (e.g. a quality switch
	// re-pushing the same range).
	kept := s.chunks[:0]
	for _, existing := range s.chunks {
		if existing.Start >= chunk.Start && existing.End <= chunk.End {
			continue
		}
		kept = append(kept, existing)
	}
	s.chunks = append(kept, chunk)
	sort.Slice(s.chunks, func(i, j int) bool {
		return s.chunks[i].Start < s.chunks[j].Start
	})

	if c.Representation != nil {
		ref := SegmentRef{RepresentationUID: c.Representation.UID, SegmentID: seg.ID}
		s.history[ref] = append(s.history[ref], HistoryEntry{Date: s.now()})
	}

	s.log.Debugf("pushed segment %s [%f, %f], %d bytes", seg.ID, chunk.Start, chunk.End, sizeBytes)
	return nil
}

// AbortPush drops a queued push that will never complete, e.g. because
// every CDN failed. Without it the segment would look in-flight forever.
func (s *MemorySink) AbortPush(seg manifest.Segment, c ChunkContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, op := range s.pending {
		if op.Type == OpPush && op.Segment != nil &&
			op.Segment.ID == seg.ID && op.Context.Representation == c.Representation {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

// LastKnownInventory returns a snapshot of the resident chunks.
func (s *MemorySink) LastKnownInventory() []*BufferedChunk {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*BufferedChunk(nil), s.chunks...)
}

// PendingOperations returns a snapshot of the queued operations.
func (s *MemorySink) PendingOperations() []Operation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Operation(nil), s.pending...)
}

// SegmentHistory returns the push history of one segment.
func (s *MemorySink) SegmentHistory(ref SegmentRef) []HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]HistoryEntry(nil), s.history[ref]...)
}

// RemoveBuffer clears [start, end) from the inventory, trimming chunks
// that only partially overlap.
func (s *MemorySink) RemoveBuffer(ctx context.Context, start, end float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.chunks[:0]
	for _, c := range s.chunks {
		switch {
		case c.Start >= start && c.End <= end:
			// Fully removed.
		case c.End <= start || c.Start >= end:
			kept = append(kept, c)
		case c.Start < start && c.End > end:
			// Removal splits the chunk; keep the earlier part only, the
			// later part is considered lost.
			trimChunk(c, c.Start, start)
			kept = append(kept, c)
		case c.Start < start:
			trimChunk(c, c.Start, start)
			kept = append(kept, c)
		default:
			trimChunk(c, end, c.End)
			kept = append(kept, c)
		}
	}
	s.chunks = kept
	s.log.Debugf("removed buffer [%f, %f]", start, end)
	return nil
}

// Synchronize reconciles the inventory against the platform's reported
// buffered ranges. Chunk observed bounds are updated (and mirrored into
// the segment's latest history entry), fully-collected chunks are
// evicted, and the ranges that disappeared since the last known state are
// returned for the buffer size estimator.
func (s *MemorySink) Synchronize(buffered playback.Ranges) []playback.Range {
	s.mu.Lock()
	defer s.mu.Unlock()

	var gced []playback.Range
	kept := s.chunks[:0]
	for _, c := range s.chunks {
		overlap, found := overlapWith(buffered, c.Start, c.End)
		if !found {
			gced = append(gced, playback.Range{Start: c.Start, End: c.End})
			s.log.Debugf("chunk [%f, %f] fully garbage collected", c.Start, c.End)
			continue
		}
		if overlap.Start > c.Start {
			gced = append(gced, playback.Range{Start: c.Start, End: overlap.Start})
		}
		if overlap.End < c.End {
			gced = append(gced, playback.Range{Start: overlap.End, End: c.End})
		}
		bs, be := overlap.Start, overlap.End
		c.BufferedStart = &bs
		c.BufferedEnd = &be
		s.recordObservedBounds(c)
		kept = append(kept, c)
	}
	s.chunks = kept
	return gced
}

// recordObservedBounds mirrors a chunk's observed bounds into the latest
// history entry of its segment, so the GC-reload heuristic can compare
// successive pushes.
func (s *MemorySink) recordObservedBounds(c *BufferedChunk) {
	if c.Context.Representation == nil {
		return
	}
	ref := SegmentRef{RepresentationUID: c.Context.Representation.UID, SegmentID: c.Segment.ID}
	entries := s.history[ref]
	if len(entries) == 0 {
		return
	}
	last := &entries[len(entries)-1]
	last.BufferedStart = c.BufferedStart
	last.BufferedEnd = c.BufferedEnd
}

func trimChunk(c *BufferedChunk, newStart, newEnd float64) {
	oldDur := c.End - c.Start
	newDur := newEnd - newStart
	if oldDur > 0 && newDur < oldDur {
		c.ChunkSize = int64(float64(c.ChunkSize) * newDur / oldDur)
	}
	c.Start = newStart
	c.End = newEnd
	if c.BufferedStart != nil && *c.BufferedStart < newStart {
		c.BufferedStart = &newStart
	}
	if c.BufferedEnd != nil && *c.BufferedEnd > newEnd {
		c.BufferedEnd = &newEnd
	}
	c.Status = ChunkPartial
}

// overlapWith returns the widest intersection of [start, end) with a
// single buffered range.
func overlapWith(rs playback.Ranges, start, end float64) (playback.Range, bool) {
	var (
		best  playback.Range
		found bool
	)
	for _, r := range rs {
		lo := start
		if r.Start > lo {
			lo = r.Start
		}
		hi := end
		if r.End < hi {
			hi = r.End
		}
		if hi <= lo {
			continue
		}
		if !found || hi-lo > best.End-best.Start {
			best = playback.Range{Start: lo, End: hi}
			found = true
		}
	}
	return best, found
}
