package playback

import (
	"time"

	"playercore/internal/manifest"
)

// StallInfo describes an ongoing rebuffering or freezing situation.
type StallInfo struct {
	// Timestamp is when the stall was first observed.
	Timestamp time.Time
	// Position is the playback position at which the stall happened.
	Position float64
}

// PlayedContent identifies what content a buffer is currently playing.
type PlayedContent struct {
	Period         *manifest.Period
	Adaptation     *manifest.Adaptation
	Representation *manifest.Representation
	Segment        *manifest.Segment
}

// Observation is one tick of playback state, polled from the media
// element. Resolvers are driven exclusively by these.
type Observation struct {
	// Position is the current playback position, in seconds.
	Position float64

	// ReadyState mirrors the media element's readyState (0..4).
	ReadyState int

	// Rebuffering is non-nil while playback is interrupted by an empty
	// buffer.
	Rebuffering *StallInfo

	// Freezing is non-nil while playback does not advance despite data
	// being available.
	Freezing *StallInfo

	// BufferGap is the buffered duration ahead of Position for the media
	// element as a whole.
	BufferGap float64

	// Paused and Speed describe the intended playback rate.
	Paused bool
	Speed  float64

	// FullyLoaded is true once the whole content is buffered.
	FullyLoaded bool

	// Buffered lists per-track buffered ranges.
	Buffered map[manifest.BufferType]Ranges

	// Playing lists, per track, the content currently being played, when
	// known.
	Playing map[manifest.BufferType]*PlayedContent
}

// IsMovingForward reports whether playback is expected to progress.
func (o *Observation) IsMovingForward() bool {
	return !o.Paused && o.Speed > 0
}
