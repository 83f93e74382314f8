package manifest

// BufferType identifies one kind of media buffer.
type BufferType string

const (
	Audio BufferType = "audio"
	Video BufferType = "video"
	Text  BufferType = "text"
)

// Manifest is the root of the content description: an ordered list of
// Periods plus the boundaries the player is allowed to play within.
// The core treats it as read-only, except for the mutable decipherability
// and support flags on Representations.
type Manifest struct {
	ID      string
	Periods []*Period

	// IsDynamic is true for live content whose timeline still grows.
	IsDynamic bool

	// IsLastPeriodKnown is true once the final Period of the content is
	// known, which is a precondition for ending the stream.
	IsLastPeriodKnown bool

	// MinimumSafePosition and MaximumSafePosition bound the seekable range.
	// MaximumSafePosition may move forward on live content.
	MinimumSafePosition float64
	MaximumSafePosition float64
}

// LastPeriod returns the last Period of the manifest, or nil.
func (m *Manifest) LastPeriod() *Period {
	if len(m.Periods) == 0 {
		return nil
	}
	return m.Periods[len(m.Periods)-1]
}

// IsLastPeriod reports whether the given Period is the known-final Period.
func (m *Manifest) IsLastPeriod(p *Period) bool {
	last := m.LastPeriod()
	return m.IsLastPeriodKnown && last != nil && p != nil && last.ID == p.ID
}

// Period is a time-bounded part of the overall timeline with its own set
// of tracks.
type Period struct {
	ID    string
	Start float64
	// End is nil while the Period's end is unknown (e.g. growing live
	// content).
	End *float64

	Adaptations map[BufferType][]*Adaptation
}

// ContainsTime reports whether t falls inside the Period's bounds.
func (p *Period) ContainsTime(t float64) bool {
	if t < p.Start {
		return false
	}
	return p.End == nil || t < *p.End
}

// Adaptation is a selectable track of one media kind within a Period.
type Adaptation struct {
	ID       string
	Type     BufferType
	Language string
	// IsDub marks an audio track as a dubbed version. Set by
	// track-selection logic, read-only here.
	IsDub bool

	Representations []*Representation
}

// Representation is one encoded quality variant of a track.
type Representation struct {
	ID string
	// UID uniquely identifies the Representation across the whole Manifest
	// (Representation IDs are only unique within their Adaptation).
	UID     string
	Bitrate int

	// Encrypted is true when the Representation carries content protection.
	Encrypted bool

	// KeyID is the hex-encoded content key this Representation is encrypted
	// with, empty for clear content.
	KeyID string

	// Decipherable is nil while the key status is unknown, then flipped by
	// DRM logic. A false value means pushing this content would stall
	// playback.
	Decipherable *bool

	// IsSupported is nil until codec support has been probed.
	IsSupported *bool

	// Index exposes the Representation's segment index.
	Index SegmentIndex
}

// IsPlayable reports whether content from this Representation can be
// pushed and decoded right now. Unknown statuses count as playable.
func (r *Representation) IsPlayable() bool {
	if r.Decipherable != nil && !*r.Decipherable {
		return false
	}
	if r.IsSupported != nil && !*r.IsSupported {
		return false
	}
	return true
}
