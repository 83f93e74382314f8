package buffer

import (
	"playercore/internal/config"
	"playercore/internal/manifest"
	"playercore/internal/playback"
	"playercore/internal/sink"
)

// History entries whose buffered start (or end) moved less than
// gcStableDelta between two pushes point at a stable browser rounding
// artifact rather than real garbage collection.
const gcStableDelta = 0.01

// getNeededSegments selects, within the wanted range, the segments that
// must be requested now (toLoad) and those deferred for memory reasons
// (onHold).
func getNeededSegments(
	content Content,
	neededRange playback.Range,
	position float64,
	beingPushed []manifest.Segment,
	buffered []*sink.BufferedChunk,
	inventory []*sink.BufferedChunk,
	fastSwitchThreshold float64,
	maxBufferSizeKB float64,
	snk sink.SegmentSink,
	cfg *config.Tunables,
) (toLoad, onHold []manifest.Segment) {
	eps := cfg.RoundingError()
	index := content.Representation.Index

	// Buffered chunks that still count as usable content for this buffer.
	var kept []*sink.BufferedChunk
	for _, chunk := range buffered {
		if shouldReplaceChunk(chunk, content, position, fastSwitchThreshold, snk, cfg) {
			continue
		}
		kept = append(kept, chunk)
	}

	bitrate := content.Representation.Bitrate
	availableKB := maxBufferSizeKB - sink.InventorySizeKB(inventory)
	for _, seg := range beingPushed {
		availableKB -= estimatedSizeKB(seg, bitrate)
	}

	segments := index.Segments(neededRange.Start, neededRange.End-neededRange.Start)
	for _, seg := range segments {
		if seg.IsInit {
			toLoad = append(toLoad, seg)
			continue
		}
		if seg.Duration < cfg.MinimumSegmentSize {
			continue
		}
		if isBeingPushed(seg, beingPushed) {
			continue
		}
		if segmentCovered(seg, kept, eps, cfg.MaxTimeMissingFromCompleteSegment) {
			continue
		}

		sizeKB := estimatedSizeKB(seg, bitrate)
		// A segment close to the playback position is loaded even over
		// budget; refusing it would stall playback instead of merely
		// limiting buffer growth.
		if sizeKB <= availableKB || seg.Time <= neededRange.Start+cfg.MinBufferAhead {
			toLoad = append(toLoad, seg)
			availableKB -= sizeKB
		} else {
			onHold = append(onHold, seg)
		}
	}
	return toLoad, onHold
}

// shouldReplaceChunk decides whether a buffered chunk no longer counts as
// usable content, so the corresponding range is reloaded.
func shouldReplaceChunk(
	chunk *sink.BufferedChunk,
	content Content,
	position float64,
	fastSwitchThreshold float64,
	snk sink.SegmentSink,
	cfg *config.Tunables,
) bool {
	// Content around the current position is never replaced; swapping it
	// out would risk dropping the frames being decoded.
	if chunk.Start < position+cfg.ContentReplacementPadding &&
		chunk.End > position-cfg.ContentReplacementPadding {
		return false
	}

	if chunk.Context.Adaptation != content.Adaptation {
		return true
	}

	if chunk.Context.Representation != content.Representation {
		oldBitrate := 0
		if chunk.Context.Representation != nil {
			oldBitrate = chunk.Context.Representation.Bitrate
		}
		return canFastSwitch(oldBitrate, content.Representation.Bitrate, fastSwitchThreshold, cfg)
	}

	// Same quality: only reload if the chunk was garbage collected and the
	// collection looks genuine rather than a platform rounding artifact.
	maxMissing := cfg.MaxTimeMissingFromCompleteSegment
	if !chunk.GCedAtStart(maxMissing) && !chunk.GCedAtEnd(maxMissing) {
		return false
	}
	history := snk.SegmentHistory(sink.SegmentRef{
		RepresentationUID: content.Representation.UID,
		SegmentID:         chunk.Segment.ID,
	})
	if chunk.GCedAtStart(maxMissing) && shouldReloadSegmentGCedAtTheStart(history) {
		return true
	}
	if chunk.GCedAtEnd(maxMissing) && shouldReloadSegmentGCedAtTheEnd(history) {
		return true
	}
	return false
}

// canFastSwitch applies the quality-replacement rule. With no explicit
// threshold, an already-buffered quality is only replaced by one
// sufficiently better to be worth the extra requests; with a threshold,
// any improvement of a quality below it qualifies.
func canFastSwitch(oldBitrate, newBitrate int, threshold float64, cfg *config.Tunables) bool {
	if threshold == 0 {
		return float64(newBitrate) > float64(oldBitrate)*cfg.BitrateRebufferingRatio
	}
	return float64(oldBitrate) < threshold && newBitrate > oldBitrate
}

// shouldReloadSegmentGCedAtTheStart decides whether a segment whose start
// went missing should be re-requested. When the last two pushes landed at
// nearly the same buffered start, the truncation is a deterministic
// platform artifact and reloading would loop forever.
func shouldReloadSegmentGCedAtTheStart(history []sink.HistoryEntry) bool {
	if len(history) < 2 {
		return true
	}
	last := history[len(history)-1]
	prev := history[len(history)-2]
	if last.BufferedStart == nil || prev.BufferedStart == nil {
		return true
	}
	diff := *last.BufferedStart - *prev.BufferedStart
	if diff < 0 {
		diff = -diff
	}
	return diff >= gcStableDelta
}

// shouldReloadSegmentGCedAtTheEnd is the end-side counterpart of
// shouldReloadSegmentGCedAtTheStart.
func shouldReloadSegmentGCedAtTheEnd(history []sink.HistoryEntry) bool {
	if len(history) < 2 {
		return true
	}
	last := history[len(history)-1]
	prev := history[len(history)-2]
	if last.BufferedEnd == nil || prev.BufferedEnd == nil {
		return true
	}
	diff := *last.BufferedEnd - *prev.BufferedEnd
	if diff < 0 {
		diff = -diff
	}
	return diff >= gcStableDelta
}

// segmentCovered reports whether a kept chunk already provides the
// segment's range, tolerating up to maxMissing seconds of truncation.
func segmentCovered(seg manifest.Segment, kept []*sink.BufferedChunk, eps, maxMissing float64) bool {
	for _, chunk := range kept {
		if chunk.Segment.ID == seg.ID && chunk.Status == sink.ChunkComplete {
			return true
		}
		if chunk.Start <= seg.Time+maxMissing+eps &&
			chunk.End >= seg.End()-maxMissing-eps {
			return true
		}
	}
	return false
}

// isBeingPushed reports whether the segment already sits in the sink's
// pending push queue.
func isBeingPushed(seg manifest.Segment, beingPushed []manifest.Segment) bool {
	for _, p := range beingPushed {
		if p.ID == seg.ID {
			return true
		}
	}
	return false
}

// estimatedSizeKB estimates a segment's memory footprint from its
// duration and the representation's advertised bitrate.
func estimatedSizeKB(seg manifest.Segment, bitrate int) float64 {
	return seg.Duration * float64(bitrate) / 8000
}
