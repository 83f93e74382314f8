package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"time"
)

// Tunables holds every externally tunable constant consumed by the core.
// All durations are wall-clock; all media times and sizes are seconds and
// kilobytes respectively unless stated otherwise.
type Tunables struct {
	// MinimumSegmentSize is the duration under which a media segment is not
	// worth requesting at all.
	MinimumSegmentSize float64

	// MinBufferAhead is the duration ahead of the current position that is
	// always loaded, even when the memory budget is exceeded.
	MinBufferAhead float64

	// BitrateRebufferingRatio is the bitrate multiplier an incoming quality
	// has to beat before an already-buffered segment is replaced, when no
	// explicit fast-switch threshold applies.
	BitrateRebufferingRatio float64

	// ContentReplacementPadding is the duration around the current position
	// within which buffered content is never scheduled for replacement.
	ContentReplacementPadding float64

	// MaxTimeMissingFromCompleteSegment is the tolerated amount of missing
	// time before a complete buffered segment is considered garbage
	// collected at one of its edges.
	MaxTimeMissingFromCompleteSegment float64

	// UnfreezingSeekDelay is how long playback has to stay frozen before a
	// flush (small seek) is attempted.
	UnfreezingSeekDelay time.Duration

	// UnfreezingDeltaPosition is the relative seek applied by a flush.
	UnfreezingDeltaPosition float64

	// FreezingFlushFailureDelayMinimum and Maximum bound the window after a
	// flush during which a still-frozen playback means the flush failed.
	FreezingFlushFailureDelayMinimum time.Duration
	FreezingFlushFailureDelayMaximum time.Duration

	// FreezingFlushFailurePositionDelta is the maximum position progress
	// under which a post-flush playback is considered still stuck.
	FreezingFlushFailurePositionDelta float64

	// FreezeIgnoreWindow is the minimum delay between two remediation
	// actions emitted by the freeze resolver.
	FreezeIgnoreWindow time.Duration

	// FreezeSustainedDelay is how long a freeze has to persist before it is
	// correlated with pending decipherability.
	FreezeSustainedDelay time.Duration

	// SegmentRequestBaseDelay, SegmentRequestMaxDelay and
	// SegmentRequestMaxRetry configure the request scheduler backoff.
	SegmentRequestBaseDelay time.Duration
	SegmentRequestMaxDelay  time.Duration
	SegmentRequestMaxRetry  int

	// WantedBufferAhead is the initial buffer goal, in seconds.
	WantedBufferAhead float64

	// MaxVideoBufferSize is the initial video memory budget, in kilobytes.
	MaxVideoBufferSize float64
}

// Default returns the tunables used when no configuration file overrides
// them.
func Default() *Tunables {
	return &Tunables{
		MinimumSegmentSize:                0.005,
		MinBufferAhead:                    5,
		BitrateRebufferingRatio:           1.5,
		ContentReplacementPadding:         1.2,
		MaxTimeMissingFromCompleteSegment: 0.15,
		UnfreezingSeekDelay:               6 * time.Second,
		UnfreezingDeltaPosition:           0.001,
		FreezingFlushFailureDelayMinimum:  4 * time.Second,
		FreezingFlushFailureDelayMaximum:  8 * time.Second,
		FreezingFlushFailurePositionDelta: 0.1,
		FreezeIgnoreWindow:                6 * time.Second,
		FreezeSustainedDelay:              4 * time.Second,
		SegmentRequestBaseDelay:           200 * time.Millisecond,
		SegmentRequestMaxDelay:            3 * time.Second,
		SegmentRequestMaxRetry:            4,
		WantedBufferAhead:                 30,
		MaxVideoBufferSize:                math.Inf(1),
	}
}

// RoundingError is the epsilon used everywhere segment boundaries are
// compared, tolerating floating-point and segment-alignment jitter.
func (t *Tunables) RoundingError() float64 {
	return math.Min(1.0/60, t.MinimumSegmentSize)
}

// rawTunables mirrors Tunables with JSON tags and pointer fields so that a
// configuration file only needs to name the values it overrides.
type rawTunables struct {
	MinimumSegmentSize                *float64 `json:"minimumSegmentSize"`
	MinBufferAhead                    *float64 `json:"minBufferAhead"`
	BitrateRebufferingRatio           *float64 `json:"bitrateRebufferingRatio"`
	ContentReplacementPadding         *float64 `json:"contentReplacementPadding"`
	MaxTimeMissingFromCompleteSegment *float64 `json:"maxTimeMissingFromCompleteSegment"`
	UnfreezingSeekDelayMs             *int64   `json:"unfreezingSeekDelayMs"`
	UnfreezingDeltaPosition           *float64 `json:"unfreezingDeltaPosition"`
	FreezingFlushFailureDelayMinMs    *int64   `json:"freezingFlushFailureDelayMinimumMs"`
	FreezingFlushFailureDelayMaxMs    *int64   `json:"freezingFlushFailureDelayMaximumMs"`
	FreezingFlushFailurePositionDelta *float64 `json:"freezingFlushFailurePositionDelta"`
	FreezeIgnoreWindowMs              *int64   `json:"freezeIgnoreWindowMs"`
	FreezeSustainedDelayMs            *int64   `json:"freezeSustainedDelayMs"`
	SegmentRequestBaseDelayMs         *int64   `json:"segmentRequestBaseDelayMs"`
	SegmentRequestMaxDelayMs          *int64   `json:"segmentRequestMaxDelayMs"`
	SegmentRequestMaxRetry            *int     `json:"segmentRequestMaxRetry"`
	WantedBufferAhead                 *float64 `json:"wantedBufferAhead"`
	MaxVideoBufferSizeKB              *float64 `json:"maxVideoBufferSizeKb"`
}

// Load reads tunable overrides from the JSON file at the given path and
// applies them on top of the defaults.
func Load(path string) (*Tunables, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file at %s: %w", path, err)
	}

	var raw rawTunables
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config JSON: %w", err)
	}

	t := Default()
	setF := func(dst *float64, src *float64) {
		if src != nil {
			*dst = *src
		}
	}
	setD := func(dst *time.Duration, src *int64) {
		if src != nil {
			*dst = time.Duration(*src) * time.Millisecond
		}
	}
	setF(&t.MinimumSegmentSize, raw.MinimumSegmentSize)
	setF(&t.MinBufferAhead, raw.MinBufferAhead)
	setF(&t.BitrateRebufferingRatio, raw.BitrateRebufferingRatio)
	setF(&t.ContentReplacementPadding, raw.ContentReplacementPadding)
	setF(&t.MaxTimeMissingFromCompleteSegment, raw.MaxTimeMissingFromCompleteSegment)
	setD(&t.UnfreezingSeekDelay, raw.UnfreezingSeekDelayMs)
	setF(&t.UnfreezingDeltaPosition, raw.UnfreezingDeltaPosition)
	setD(&t.FreezingFlushFailureDelayMinimum, raw.FreezingFlushFailureDelayMinMs)
	setD(&t.FreezingFlushFailureDelayMaximum, raw.FreezingFlushFailureDelayMaxMs)
	setF(&t.FreezingFlushFailurePositionDelta, raw.FreezingFlushFailurePositionDelta)
	setD(&t.FreezeIgnoreWindow, raw.FreezeIgnoreWindowMs)
	setD(&t.FreezeSustainedDelay, raw.FreezeSustainedDelayMs)
	setD(&t.SegmentRequestBaseDelay, raw.SegmentRequestBaseDelayMs)
	setD(&t.SegmentRequestMaxDelay, raw.SegmentRequestMaxDelayMs)
	if raw.SegmentRequestMaxRetry != nil {
		t.SegmentRequestMaxRetry = *raw.SegmentRequestMaxRetry
	}
	setF(&t.WantedBufferAhead, raw.WantedBufferAhead)
	setF(&t.MaxVideoBufferSize, raw.MaxVideoBufferSizeKB)

	if t.MinimumSegmentSize <= 0 {
		return nil, fmt.Errorf("minimumSegmentSize must be positive, got %v", t.MinimumSegmentSize)
	}
	return t, nil
}
