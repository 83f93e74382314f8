package buffer

import (
	"math"

	"playercore/internal/config"
	"playercore/internal/manifest"
	"playercore/internal/playback"
	"playercore/internal/sink"
)

// inventorySlack widens the wanted window when matching buffered chunks,
// so segments straddling the window edges are accounted for.
const inventorySlack = 0.5

// Content identifies what a buffer is loading: one Representation of one
// track of one Period.
type Content struct {
	Manifest       *manifest.Manifest
	Period         *manifest.Period
	Adaptation     *manifest.Adaptation
	Representation *manifest.Representation
}

// Discontinuity is a permanent, unfillable hole in the timeline.
type Discontinuity struct {
	Start float64
	End   float64
}

// Status is the output of one GetBufferStatus evaluation. It is
// recomputed on every observation tick and never persisted.
type Status struct {
	// ImminentDiscontinuity is non-nil when a permanent hole precedes the
	// next loadable segment.
	ImminentDiscontinuity *Discontinuity

	// HasFinishedLoading is true once nothing is left to load for this
	// Period.
	HasFinishedLoading bool

	// NeededSegments lists the segments to request, in priority order.
	NeededSegments []manifest.Segment

	// SegmentsOnHold lists segments deferred because loading them would
	// exceed the memory budget.
	SegmentsOnHold []manifest.Segment

	// IsBufferFull signals memory backpressure. It is not an error.
	IsBufferFull bool

	// ShouldRefreshManifest is true when the index cannot describe the
	// wanted window without a manifest refresh.
	ShouldRefreshManifest bool
}

// GetBufferStatus computes, for one track's buffer, which segments must
// be loaded next given the current inventory, playback position, quality
// situation and memory budget. It is a pure function of its inputs: it
// never mutates the sink and is safe to call repeatedly.
//
// fastSwitchThreshold selects the replacement rule of buffered qualities:
// 0 means no explicit threshold (the bitrate-rebuffering-ratio rule
// applies); +Inf makes every strictly better bitrate upgrade-eligible.
// maxBufferSizeKB is the memory budget, in kilobytes.
func GetBufferStatus(
	content Content,
	initialWantedTime float64,
	obs *playback.Observation,
	fastSwitchThreshold float64,
	bufferGoal float64,
	maxBufferSizeKB float64,
	snk sink.SegmentSink,
	cfg *config.Tunables,
) Status {
	eps := cfg.RoundingError()
	index := content.Representation.Index

	askedStart := initialWantedTime
	if !obs.IsMovingForward() {
		// When paused or not moving forward, the exact current position
		// must stay loadable despite boundary rounding.
		askedStart -= eps
	}
	askedEnd := askedStart + bufferGoal

	start := math.Max(askedStart, content.Period.Start)
	end := askedEnd
	if content.Period.End != nil && end > *content.Period.End {
		end = *content.Period.End
	}
	if end < start {
		end = start
	}

	// Past the last known segment of the absolute last Period, back up one
	// segment so the final segment of the whole content is still
	// requested.
	if lastPos := index.LastAvailablePosition(); lastPos != nil &&
		start > *lastPos &&
		content.Manifest.IsLastPeriod(content.Period) &&
		!index.AwaitingFutureSegments() {
		start = math.Max(*lastPos-eps, content.Period.Start)
	}
	neededRange := playback.Range{Start: start, End: end}

	shouldRefresh := index.ShouldRefresh(neededRange.Start, neededRange.End)

	var beingPushed []manifest.Segment
	for _, op := range snk.PendingOperations() {
		if op.Type == sink.OpPush && op.Segment != nil &&
			op.Context.Representation == content.Representation {
			beingPushed = append(beingPushed, *op.Segment)
		}
	}

	inventory := snk.LastKnownInventory()
	buffered := playableBufferedSegments(neededRange, inventory)

	toLoad, onHold := getNeededSegments(
		content, neededRange, obs.Position, beingPushed, buffered,
		inventory, fastSwitchThreshold, maxBufferSizeKB, snk, cfg,
	)

	disc := checkForDiscontinuity(content, neededRange, buffered, cfg)

	return Status{
		ImminentDiscontinuity: disc,
		HasFinishedLoading:    hasFinishedLoading(content, neededRange, toLoad, onHold, cfg),
		NeededSegments:        toLoad,
		SegmentsOnHold:        onHold,
		IsBufferFull:          len(onHold) > 0,
		ShouldRefreshManifest: shouldRefresh,
	}
}

// playableBufferedSegments returns inventory chunks overlapping the
// wanted window (with slack) whose content is still playable: not known
// undecipherable and not known unsupported.
func playableBufferedSegments(wanted playback.Range, inventory []*sink.BufferedChunk) []*sink.BufferedChunk {
	lo := wanted.Start - inventorySlack
	hi := wanted.End + inventorySlack
	var out []*sink.BufferedChunk
	for _, chunk := range inventory {
		if chunk.End <= lo || chunk.Start >= hi {
			continue
		}
		if rep := chunk.Context.Representation; rep != nil && !rep.IsPlayable() {
			continue
		}
		out = append(out, chunk)
	}
	return out
}

// checkForDiscontinuity looks for a permanent hole in the timeline before
// the next loadable segment, either because the index starts later than
// the wanted window, or because nothing fills the window up to the
// Period's end.
func checkForDiscontinuity(
	content Content,
	neededRange playback.Range,
	buffered []*sink.BufferedChunk,
	cfg *config.Tunables,
) *Discontinuity {
	index := content.Representation.Index
	if !index.IsInitialized() {
		return nil
	}
	eps := cfg.RoundingError()
	segments := index.Segments(neededRange.Start, neededRange.End-neededRange.Start)

	if len(segments) == 0 {
		if index.AwaitingFutureSegments() {
			return nil
		}
		if content.Period.End != nil && *content.Period.End-neededRange.Start > eps &&
			!rangeCovered(neededRange.Start, *content.Period.End, buffered) {
			return &Discontinuity{Start: neededRange.Start, End: *content.Period.End}
		}
		return nil
	}

	first := segments[0]
	if first.Time-neededRange.Start > eps &&
		!rangeCovered(neededRange.Start, first.Time, buffered) {
		return &Discontinuity{Start: neededRange.Start, End: first.Time}
	}
	return nil
}

// rangeCovered reports whether a single buffered chunk spans the whole
// [start, end) range.
func rangeCovered(start, end float64, buffered []*sink.BufferedChunk) bool {
	for _, chunk := range buffered {
		if chunk.Start <= start && chunk.End >= end {
			return true
		}
	}
	return false
}

// hasFinishedLoading is true only once the index is initialized, expects
// no future segments, the wanted window reaches the Period's end and
// nothing is left to load or hold.
func hasFinishedLoading(
	content Content,
	neededRange playback.Range,
	toLoad, onHold []manifest.Segment,
	cfg *config.Tunables,
) bool {
	if len(toLoad) > 0 || len(onHold) > 0 {
		return false
	}
	index := content.Representation.Index
	if !index.IsInitialized() || index.AwaitingFutureSegments() {
		return false
	}
	if content.Period.End == nil {
		return false
	}
	return neededRange.End >= *content.Period.End-cfg.RoundingError()
}
