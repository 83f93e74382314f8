package boundaries

import (
	"math"
	"sync"

	"playercore/internal/logger"
	"playercore/internal/manifest"
	"playercore/internal/playback"
)

// Event is one notification emitted by the Observer. The concrete types
// are PeriodChangeEvent, EndOfStreamEvent, ResumeStreamEvent and
// WarningEvent.
type Event interface {
	isBoundaryEvent()
}

// PeriodChangeEvent signals that the Period considered current changed.
type PeriodChangeEvent struct {
	Period *manifest.Period
}

// EndOfStreamEvent signals that every track has loaded up to the end of
// the last known Period: the stream can be ended.
type EndOfStreamEvent struct{}

// ResumeStreamEvent cancels a previously announced end of stream, e.g.
// after a backwards seek.
type ResumeStreamEvent struct{}

// WarningEvent signals that the playback position left the safe range.
type WarningEvent struct {
	Position float64
	Minimum  float64
	Maximum  float64
}

func (PeriodChangeEvent) isBoundaryEvent() {}
func (EndOfStreamEvent) isBoundaryEvent()  {}
func (ResumeStreamEvent) isBoundaryEvent() {}
func (WarningEvent) isBoundaryEvent()      {}

// Observer aggregates per-track buffering progress into content-level
// time boundary decisions: which Period is current, whether the whole
// stream has been loaded to its end, and whether the playback position
// sits inside the seekable range.
type Observer struct {
	mu  sync.Mutex
	mft *manifest.Manifest
	log logger.Logger

	types   []manifest.BufferType
	active  map[manifest.BufferType]map[string]*manifest.Period
	ended   map[manifest.BufferType]bool
	current *manifest.Period

	streamEnded bool
	outOfBounds bool

	nextSub int
	subs    map[int]func(Event)
}

// NewObserver creates an observer for the given manifest and the buffer
// types the content actually carries.
func NewObserver(mft *manifest.Manifest, types []manifest.BufferType, log logger.Logger) *Observer {
	active := make(map[manifest.BufferType]map[string]*manifest.Period, len(types))
	ended := make(map[manifest.BufferType]bool, len(types))
	for _, bt := range types {
		active[bt] = make(map[string]*manifest.Period)
	}
	return &Observer{
		mft:    mft,
		log:    log.Named("boundaries"),
		types:  types,
		active: active,
		ended:  ended,
		subs:   make(map[int]func(Event)),
	}
}

// Subscribe registers an event listener and returns its unsubscribe
// function. Listeners are invoked synchronously, in unspecified order.
func (o *Observer) Subscribe(fn func(Event)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = fn
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.subs, id)
	}
}

// OnPeriodActivated records that a track started buffering the given
// Period.
func (o *Observer) OnPeriodActivated(bufferType manifest.BufferType, p *manifest.Period) {
	o.mu.Lock()
	if periods, ok := o.active[bufferType]; ok {
		periods[p.ID] = p
	}
	events := o.refreshCurrentLocked()
	o.mu.Unlock()
	o.publish(events)
}

// OnPeriodDeactivated records that a track no longer buffers the given
// Period.
func (o *Observer) OnPeriodDeactivated(bufferType manifest.BufferType, p *manifest.Period) {
	o.mu.Lock()
	if periods, ok := o.active[bufferType]; ok {
		delete(periods, p.ID)
	}
	events := o.refreshCurrentLocked()
	o.mu.Unlock()
	o.publish(events)
}

// OnTrackEnded records that a track finished loading the last known
// Period. Once every track has, an EndOfStreamEvent is published.
func (o *Observer) OnTrackEnded(bufferType manifest.BufferType) {
	o.mu.Lock()
	o.ended[bufferType] = true
	events := o.refreshStreamEndLocked()
	o.mu.Unlock()
	o.publish(events)
}

// OnTrackResumed records that a previously finished track has more to
// load again.
func (o *Observer) OnTrackResumed(bufferType manifest.BufferType) {
	o.mu.Lock()
	o.ended[bufferType] = false
	events := o.refreshStreamEndLocked()
	o.mu.Unlock()
	o.publish(events)
}

// OnObservation checks the playback position against the seekable range
// and publishes a WarningEvent when it leaves it. The warning is emitted
// once per excursion, not on every tick.
func (o *Observer) OnObservation(obs *playback.Observation) {
	o.mu.Lock()
	minPos := o.mft.MinimumSafePosition
	maxPos := o.maximumPositionLocked()
	out := obs.Position < minPos || obs.Position > maxPos

	var events []Event
	if out && !o.outOfBounds {
		o.log.Warnf("position %.3f outside safe range [%.3f, %.3f]", obs.Position, minPos, maxPos)
		events = append(events, WarningEvent{Position: obs.Position, Minimum: minPos, Maximum: maxPos})
	}
	o.outOfBounds = out
	o.mu.Unlock()
	o.publish(events)
}

// CurrentPeriod returns the Period currently considered current, or nil.
func (o *Observer) CurrentPeriod() *manifest.Period {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// MaximumPosition returns the highest position every track can provide
// content for.
func (o *Observer) MaximumPosition() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.maximumPositionLocked()
}

// refreshCurrentLocked recomputes the current Period: the earliest Period
// active on every track at once.
func (o *Observer) refreshCurrentLocked() []Event {
	var candidate *manifest.Period
	for _, p := range o.mft.Periods {
		activeEverywhere := true
		for _, bt := range o.types {
			if _, ok := o.active[bt][p.ID]; !ok {
				activeEverywhere = false
				break
			}
		}
		if activeEverywhere {
			candidate = p
			break
		}
	}
	if candidate == nil || (o.current != nil && o.current.ID == candidate.ID) {
		return nil
	}
	o.current = candidate
	o.log.Infof("current period is now %q", candidate.ID)
	return []Event{PeriodChangeEvent{Period: candidate}}
}

// refreshStreamEndLocked recomputes whether the whole stream has ended
// and publishes the transition events.
func (o *Observer) refreshStreamEndLocked() []Event {
	allEnded := o.mft.IsLastPeriodKnown && len(o.types) > 0
	for _, bt := range o.types {
		if !o.ended[bt] {
			allEnded = false
			break
		}
	}
	switch {
	case allEnded && !o.streamEnded:
		o.streamEnded = true
		o.log.Infof("every track reached the end of the content")
		return []Event{EndOfStreamEvent{}}
	case !allEnded && o.streamEnded:
		o.streamEnded = false
		return []Event{ResumeStreamEvent{}}
	}
	return nil
}

// maximumPositionLocked is the minimum, across audio and video tracks of
// the last Period, of the last position their indexes can provide.
func (o *Observer) maximumPositionLocked() float64 {
	last := o.mft.LastPeriod()
	if last == nil {
		return o.mft.MaximumSafePosition
	}
	maxPos := math.Inf(1)
	constrained := false
	for _, bt := range []manifest.BufferType{manifest.Audio, manifest.Video} {
		trackMax := math.Inf(-1)
		known := false
		for _, adap := range last.Adaptations[bt] {
			for _, rep := range adap.Representations {
				if rep.Index == nil {
					continue
				}
				if end := rep.Index.End(); end != nil {
					trackMax = math.Max(trackMax, *end)
					known = true
				} else if pos := rep.Index.LastAvailablePosition(); pos != nil {
					trackMax = math.Max(trackMax, *pos)
					known = true
				}
			}
		}
		if known {
			maxPos = math.Min(maxPos, trackMax)
			constrained = true
		}
	}
	if !constrained {
		return o.mft.MaximumSafePosition
	}
	return math.Min(maxPos, o.mft.MaximumSafePosition)
}

func (o *Observer) publish(events []Event) {
	if len(events) == 0 {
		return
	}
	o.mu.Lock()
	subs := make([]func(Event), 0, len(o.subs))
	for _, fn := range o.subs {
		subs = append(subs, fn)
	}
	o.mu.Unlock()
	for _, ev := range events {
		for _, fn := range subs {
			fn(ev)
		}
	}
}
