package freeze

import (
	"math"
	"sync"
	"time"

	"playercore/internal/config"
	"playercore/internal/logger"
	"playercore/internal/manifest"
	"playercore/internal/playback"
	"playercore/internal/sink"
)

// ActionType discriminates the remediation actions the resolver can ask
// for.
type ActionType int

const (
	// ActionFlush asks for a tiny relative seek to nudge the decoder.
	ActionFlush ActionType = iota
	// ActionReload asks for a full reload of the current content.
	ActionReload
	// ActionDeprecate asks to stop using the listed Representations and
	// reload without them.
	ActionDeprecate
)

// Action is a remediation decision for an ongoing freeze.
type Action struct {
	Type ActionType

	// RelativeSeek is the seek to apply for ActionFlush, in seconds.
	RelativeSeek float64

	// Representations lists what to deprecate for ActionDeprecate.
	Representations []*manifest.Representation
}

// Playback stuck with that much (or more) buffered ahead despite a
// readyState of 1 is a freeze, not a rebuffering: data is there, the
// decoder just does not progress.
const frozenBufferGap = 6.0

// History of played content is bounded both in entry count and in age.
const (
	historyMaxEntries = 100
	historyMaxAge     = 60 * time.Second
)

type trackRecord struct {
	date    time.Time
	content playback.PlayedContent
}

type flushAttempt struct {
	date     time.Time
	position float64
}

// Resolver watches playback observations for freezes, situations where
// playback does not advance despite available data, and decides when and
// how to intervene. Interventions are spaced out: after emitting an
// action the resolver stays silent for a configured window, so the player
// gets a chance to recover before the next escalation.
type Resolver struct {
	cfg *config.Tunables
	log logger.Logger
	now func() time.Time

	history     map[manifest.BufferType][]trackRecord
	ignoreUntil time.Time
	frozenSince time.Time
	lastFlush   *flushAttempt

	sinksMu sync.Mutex
	sinks   map[manifest.BufferType]sink.SegmentSink
}

// NewResolver creates a resolver with no freeze being tracked.
func NewResolver(cfg *config.Tunables, log logger.Logger) *Resolver {
	return &Resolver{
		cfg:     cfg,
		log:     log.Named("freeze"),
		now:     time.Now,
		history: make(map[manifest.BufferType][]trackRecord),
		sinks:   make(map[manifest.BufferType]sink.SegmentSink),
	}
}

// Watch registers a track's sink so decisions can take the buffered
// inventory into account, not only the currently played content. Only
// audio and video sinks matter here.
func (r *Resolver) Watch(snk sink.SegmentSink) {
	t := snk.Type()
	if t != manifest.Audio && t != manifest.Video {
		return
	}
	r.sinksMu.Lock()
	defer r.sinksMu.Unlock()
	r.sinks[t] = snk
}

// OnObservation processes one playback tick and returns the remediation
// to apply, or nil. A tick with neither a freezing nor a rebuffering
// status resets the freeze tracking entirely.
func (r *Resolver) OnObservation(obs *playback.Observation) *Action {
	now := r.now()
	r.recordPlayedContent(now, obs)

	if obs.Freezing == nil && obs.Rebuffering == nil {
		r.frozenSince = time.Time{}
		r.lastFlush = nil
		return nil
	}

	if !isFrozen(obs) {
		r.frozenSince = time.Time{}
		return nil
	}

	if r.frozenSince.IsZero() {
		r.frozenSince = freezeStart(obs, now)
	}

	if now.Before(r.ignoreUntil) {
		return nil
	}

	if act := r.checkFlushFailure(now, obs); act != nil {
		return act
	}

	frozenFor := now.Sub(r.frozenSince)

	// Undecipherable content sitting in the buffer cannot start playing
	// again on its own; only a reload gets rid of it.
	if r.hasUndecipherableContent(obs) {
		r.log.Warnf("frozen over undecipherable content, reloading")
		r.emit(now)
		return &Action{Type: ActionReload}
	}
	if frozenFor >= r.cfg.FreezeSustainedDelay && hasPendingDecipherability(obs) {
		r.log.Warnf("sustained freeze over encrypted content with pending key status, reloading")
		r.emit(now)
		return &Action{Type: ActionReload}
	}

	if frozenFor >= r.cfg.UnfreezingSeekDelay {
		r.log.Warnf("playback frozen for %v, attempting an unfreezing seek", frozenFor)
		r.lastFlush = &flushAttempt{date: now, position: obs.Position}
		r.emit(now)
		return &Action{Type: ActionFlush, RelativeSeek: r.cfg.UnfreezingDeltaPosition}
	}
	return nil
}

// checkFlushFailure escalates when a previously attempted flush left
// playback stuck at the same position.
func (r *Resolver) checkFlushFailure(now time.Time, obs *playback.Observation) *Action {
	if r.lastFlush == nil {
		return nil
	}
	elapsed := now.Sub(r.lastFlush.date)
	if elapsed < r.cfg.FreezingFlushFailureDelayMinimum ||
		elapsed > r.cfg.FreezingFlushFailureDelayMaximum {
		return nil
	}
	if math.Abs(obs.Position-r.lastFlush.position) >= r.cfg.FreezingFlushFailurePositionDelta {
		return nil
	}
	r.log.Warnf("unfreezing seek did not help, escalating")
	act := r.strategyAfterFailedFlush(obs)
	r.lastFlush = nil
	r.emit(now)
	return act
}

// strategyAfterFailedFlush picks the escalation: a freeze right after a
// Period transition means the transition itself went wrong and a reload
// is due; a freeze right after a Representation change, or from the very
// start of a track, incriminates the Representation and deprecates it.
func (r *Resolver) strategyAfterFailedFlush(obs *playback.Observation) *Action {
	var deprecate []*manifest.Representation
	for bufferType, records := range r.history {
		current := obs.Playing[bufferType]
		if current == nil {
			continue
		}
		var before *trackRecord
		for i := range records {
			if records[i].date.Before(r.frozenSince) {
				before = &records[i]
			}
		}
		if before == nil {
			// This track never played anything before the freeze.
			if current.Representation != nil {
				deprecate = append(deprecate, current.Representation)
			}
			continue
		}
		if before.content.Period != current.Period {
			return &Action{Type: ActionReload}
		}
		if before.content.Representation != current.Representation && current.Representation != nil {
			deprecate = append(deprecate, current.Representation)
		}
	}
	if len(deprecate) > 0 {
		return &Action{Type: ActionDeprecate, Representations: deprecate}
	}
	return &Action{Type: ActionReload}
}

// emit opens the post-action silence window.
func (r *Resolver) emit(now time.Time) {
	r.ignoreUntil = now.Add(r.cfg.FreezeIgnoreWindow)
	r.frozenSince = time.Time{}
}

// recordPlayedContent appends the currently played content of each track
// to its history and prunes old entries.
func (r *Resolver) recordPlayedContent(now time.Time, obs *playback.Observation) {
	for bufferType, played := range obs.Playing {
		if played == nil {
			continue
		}
		records := r.history[bufferType]
		if len(records) > 0 {
			last := records[len(records)-1].content
			if last.Period == played.Period &&
				last.Representation == played.Representation &&
				last.Segment == played.Segment {
				continue
			}
		}
		records = append(records, trackRecord{date: now, content: *played})

		cutoff := now.Add(-historyMaxAge)
		for len(records) > 0 && records[0].date.Before(cutoff) {
			records = records[1:]
		}
		if len(records) > historyMaxEntries {
			records = records[len(records)-historyMaxEntries:]
		}
		r.history[bufferType] = records
	}
}

// isFrozen decides whether the observation describes a freeze. An
// explicit freezing status always does; a rebuffering status only counts
// when the element claims to merely lack data while data is demonstrably
// there.
func isFrozen(obs *playback.Observation) bool {
	if obs.Freezing != nil {
		return true
	}
	if obs.Rebuffering == nil || obs.ReadyState != 1 {
		return false
	}
	return obs.BufferGap >= frozenBufferGap || obs.FullyLoaded
}

// freezeStart anchors the freeze on the stall's own timestamp when the
// observation carries one.
func freezeStart(obs *playback.Observation, now time.Time) time.Time {
	if obs.Freezing != nil && !obs.Freezing.Timestamp.IsZero() {
		return obs.Freezing.Timestamp
	}
	if obs.Rebuffering != nil && !obs.Rebuffering.Timestamp.IsZero() {
		return obs.Rebuffering.Timestamp
	}
	return now
}

// hasPendingDecipherability reports whether some currently played content
// is encrypted without a confirmed key status yet.
func hasPendingDecipherability(obs *playback.Observation) bool {
	for _, played := range obs.Playing {
		if played == nil || played.Representation == nil {
			continue
		}
		if played.Representation.Encrypted && played.Representation.Decipherable == nil {
			return true
		}
	}
	return false
}

// hasUndecipherableContent reports whether content known to be
// undecipherable is being played or still sits in a watched audio or
// video buffer.
func (r *Resolver) hasUndecipherableContent(obs *playback.Observation) bool {
	for _, played := range obs.Playing {
		if played == nil || played.Representation == nil {
			continue
		}
		if isUndecipherable(played.Representation) {
			return true
		}
	}
	r.sinksMu.Lock()
	defer r.sinksMu.Unlock()
	for _, snk := range r.sinks {
		for _, chunk := range snk.LastKnownInventory() {
			if isUndecipherable(chunk.Context.Representation) {
				return true
			}
		}
	}
	return false
}

func isUndecipherable(rep *manifest.Representation) bool {
	return rep != nil && rep.Decipherable != nil && !*rep.Decipherable
}
