package session

import (
	"context"
	"fmt"
	"sync"

	"playercore/internal/boundaries"
	"playercore/internal/buffer"
	"playercore/internal/config"
	"playercore/internal/drm"
	"playercore/internal/estimator"
	"playercore/internal/freeze"
	"playercore/internal/logger"
	"playercore/internal/manifest"
	"playercore/internal/playback"
	"playercore/internal/scheduler"
	"playercore/internal/sink"
)

// SegmentLoader fetches one segment's payload from one CDN. It is called
// through the request scheduler, so it must classify failures with the
// scheduler's error taxonomy.
type SegmentLoader func(ctx context.Context, cdn *scheduler.Cdn, content buffer.Content, seg manifest.Segment) ([]byte, error)

// Options configures a playback session.
type Options struct {
	Cfg    *config.Tunables
	Log    logger.Logger
	Loader SegmentLoader
	Cdns   []*scheduler.Cdn

	// FastSwitchThreshold tunes buffered-quality replacement; 0 applies
	// the default bitrate-ratio rule.
	FastSwitchThreshold float64

	// OnManifestRefresh is invoked (at most once per observation tick)
	// when a segment index cannot describe the wanted window anymore.
	OnManifestRefresh func()
}

// track is the per-buffer-type loading state.
type track struct {
	content    buffer.Content
	snk        *sink.MemorySink
	ended      bool
	initLoaded map[string]bool
}

// Session drives the buffering of one content: on every playback
// observation it reconciles each track's buffer against the wanted
// window, schedules the missing segment requests, reacts to garbage
// collections and freezes, and reports content-level boundary events.
type Session struct {
	cfg  *config.Tunables
	log  logger.Logger
	mft  *manifest.Manifest
	opts Options

	prio   *scheduler.RankedPrioritizer
	limits *estimator.Limits
	est    *estimator.Estimator
	frozen *freeze.Resolver
	bounds *boundaries.Observer
	keys   *drm.KeyStore

	mu         sync.Mutex
	tracks     map[manifest.BufferType]*track
	inflight   map[sink.SegmentRef]bool
	deprecated map[string]bool
	wg         sync.WaitGroup
}

// New creates a session for the given manifest. Tracks still have to be
// selected with SelectTrack before observations produce any request.
func New(mft *manifest.Manifest, opts Options) *Session {
	if opts.Cfg == nil {
		opts.Cfg = config.Default()
	}
	if opts.Log == nil {
		opts.Log = logger.Nop{}
	}
	log := opts.Log.Named("session")

	var types []manifest.BufferType
	if len(mft.Periods) > 0 {
		for bt := range mft.Periods[0].Adaptations {
			types = append(types, bt)
		}
	}

	s := &Session{
		cfg:        opts.Cfg,
		log:        log,
		mft:        mft,
		opts:       opts,
		prio:       scheduler.NewRankedPrioritizer(),
		limits:     estimator.NewLimits(opts.Cfg.WantedBufferAhead, opts.Cfg.MaxVideoBufferSize),
		frozen:     freeze.NewResolver(opts.Cfg, opts.Log),
		bounds:     boundaries.NewObserver(mft, types, opts.Log),
		keys:       drm.NewKeyStore(opts.Log),
		tracks:     make(map[manifest.BufferType]*track),
		inflight:   make(map[sink.SegmentRef]bool),
		deprecated: make(map[string]bool),
	}
	return s
}

// Keys exposes the session's key store, fed by license exchanges.
func (s *Session) Keys() *drm.KeyStore { return s.keys }

// Boundaries exposes the session's boundary observer for event
// subscription.
func (s *Session) Boundaries() *boundaries.Observer { return s.bounds }

// Limits exposes the mutable buffering limits.
func (s *Session) Limits() *estimator.Limits { return s.limits }

// Sink returns the sink of one track, or nil when the track was never
// selected.
func (s *Session) Sink(bufferType manifest.BufferType) *sink.MemorySink {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tr := s.tracks[bufferType]; tr != nil {
		return tr.snk
	}
	return nil
}

// SelectTrack starts (or switches) the loading of one buffer type from
// the given Adaptation and Representation of the given Period.
func (s *Session) SelectTrack(period *manifest.Period, adaptation *manifest.Adaptation, rep *manifest.Representation) error {
	if rep.Index == nil {
		return fmt.Errorf("representation %s has no segment index", rep.UID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deprecated[rep.UID] {
		return fmt.Errorf("representation %s is deprecated", rep.UID)
	}

	bufferType := adaptation.Type
	tr := s.tracks[bufferType]
	if tr == nil {
		tr = &track{
			snk:        sink.NewMemorySink(bufferType, s.log),
			initLoaded: make(map[string]bool),
		}
		s.tracks[bufferType] = tr
		s.frozen.Watch(tr.snk)
	} else if tr.content.Period != period {
		s.bounds.OnPeriodDeactivated(bufferType, tr.content.Period)
	}
	tr.content = buffer.Content{
		Manifest:       s.mft,
		Period:         period,
		Adaptation:     adaptation,
		Representation: rep,
	}
	tr.ended = false
	s.bounds.OnPeriodActivated(bufferType, period)
	s.log.Infof("selected %s representation %s (%d b/s)", bufferType, rep.ID, rep.Bitrate)
	return nil
}

// OnObservation processes one playback tick end to end and returns the
// freeze remediation to apply, if any.
func (s *Session) OnObservation(ctx context.Context, obs *playback.Observation) (*freeze.Action, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := s.reactToCollections(ctx, obs); err != nil {
		return nil, err
	}
	s.bounds.OnObservation(obs)

	refresh := false
	s.mu.Lock()
	tracks := make([]*track, 0, len(s.tracks))
	for _, tr := range s.tracks {
		tracks = append(tracks, tr)
	}
	s.mu.Unlock()

	for _, tr := range tracks {
		status := s.evaluateTrack(ctx, tr, obs)
		refresh = refresh || status.ShouldRefreshManifest
	}
	if refresh && s.opts.OnManifestRefresh != nil {
		s.opts.OnManifestRefresh()
	}

	act := s.frozen.OnObservation(obs)
	if act != nil && act.Type == freeze.ActionDeprecate {
		s.Deprecate(act.Representations)
	}
	return act, nil
}

// Deprecate bars the given Representations from future selection.
// Already-buffered content from them is reloaded by the caller through
// the freeze action.
func (s *Session) Deprecate(reps []*manifest.Representation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rep := range reps {
		s.deprecated[rep.UID] = true
		s.log.Warnf("deprecating representation %s", rep.UID)
	}
}

// Close waits for in-flight segment requests to settle.
func (s *Session) Close() {
	s.wg.Wait()
}

// reactToCollections synchronizes every sink against the observed
// buffered ranges and forwards collected ranges to the size estimator.
func (s *Session) reactToCollections(ctx context.Context, obs *playback.Observation) error {
	s.mu.Lock()
	var collected []playback.Range
	var videoSink *sink.MemorySink
	var allSinks []sink.SegmentSink
	for bt, tr := range s.tracks {
		allSinks = append(allSinks, tr.snk)
		if bt == manifest.Video {
			videoSink = tr.snk
		}
		ranges, ok := obs.Buffered[bt]
		if !ok {
			continue
		}
		collected = append(collected, tr.snk.Synchronize(ranges)...)
	}
	if s.est == nil && videoSink != nil {
		s.est = estimator.New(s.limits, videoSink, allSinks, s.cfg, s.log)
	}
	est := s.est
	s.mu.Unlock()

	if est == nil {
		return nil
	}
	return est.OnGarbageCollection(ctx, obs, collected)
}

// evaluateTrack recomputes one track's buffer status and schedules the
// missing requests.
func (s *Session) evaluateTrack(ctx context.Context, tr *track, obs *playback.Observation) buffer.Status {
	// Snapshot the track's content once: SelectTrack may swap it while
	// this evaluation and its download goroutines run.
	s.mu.Lock()
	content := tr.content
	s.mu.Unlock()

	maxSizeKB := s.limits.MaxVideoBufferSizeKB()
	if tr.snk.Type() != manifest.Video {
		// Only the video buffer is memory-constrained; audio and text
		// segments are comparatively tiny.
		maxSizeKB = s.cfg.MaxVideoBufferSize
	}

	status := buffer.GetBufferStatus(
		content,
		obs.Position,
		obs,
		s.opts.FastSwitchThreshold,
		s.limits.BufferAhead(),
		maxSizeKB,
		tr.snk,
		s.cfg,
	)

	if status.ImminentDiscontinuity != nil {
		s.log.Warnf("%s: imminent discontinuity [%.3f, %.3f]",
			tr.snk.Type(), status.ImminentDiscontinuity.Start, status.ImminentDiscontinuity.End)
	}
	if status.IsBufferFull {
		s.log.Debugf("%s: buffer full, %d segment(s) on hold", tr.snk.Type(), len(status.SegmentsOnHold))
	}

	s.mu.Lock()
	if init := content.Representation.Index.InitSegment(); init != nil &&
		!tr.initLoaded[content.Representation.UID] {
		status.NeededSegments = append([]manifest.Segment{*init}, status.NeededSegments...)
	}
	for _, seg := range status.NeededSegments {
		ref := sink.SegmentRef{
			RepresentationUID: content.Representation.UID,
			SegmentID:         seg.ID,
		}
		if s.inflight[ref] {
			continue
		}
		s.inflight[ref] = true
		s.wg.Add(1)
		go s.loadSegment(ctx, tr, content, seg, ref)
	}

	switch {
	case s.trackEndedLocked(tr, content, status):
		s.mu.Unlock()
		s.bounds.OnTrackEnded(tr.snk.Type())
	case tr.ended && !status.HasFinishedLoading:
		tr.ended = false
		s.mu.Unlock()
		s.bounds.OnTrackResumed(tr.snk.Type())
	default:
		s.mu.Unlock()
	}
	return status
}

// trackEndedLocked records whether a track just finished loading the last
// known Period.
func (s *Session) trackEndedLocked(tr *track, content buffer.Content, status buffer.Status) bool {
	if !status.HasFinishedLoading || tr.ended {
		return false
	}
	if !s.mft.IsLastPeriod(content.Period) {
		return false
	}
	tr.ended = true
	return true
}

// loadSegment performs one scheduled segment request and pushes the
// result into the track's sink.
func (s *Session) loadSegment(ctx context.Context, tr *track, content buffer.Content, seg manifest.Segment, ref sink.SegmentRef) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, ref)
		s.mu.Unlock()
	}()

	chunkCtx := sink.ChunkContext{
		Period:         content.Period,
		Adaptation:     content.Adaptation,
		Representation: content.Representation,
	}
	tr.snk.BeginPush(seg, chunkCtx)

	data, err := scheduler.ScheduleRequestWithCdns(ctx, s.opts.Cdns, s.prio,
		func(ctx context.Context, cdn *scheduler.Cdn) ([]byte, error) {
			return s.opts.Loader(ctx, cdn, content, seg)
		},
		scheduler.RetryOptions{
			BaseDelay: s.cfg.SegmentRequestBaseDelay,
			MaxDelay:  s.cfg.SegmentRequestMaxDelay,
			MaxRetry:  s.cfg.SegmentRequestMaxRetry,
			Logger:    s.log,
			OnRetry: func(err error) {
				s.log.Warnf("retrying segment %s after error: %v", seg.ID, err)
			},
		},
	)
	if err != nil {
		tr.snk.AbortPush(seg, chunkCtx)
		s.log.Errorf("segment %s failed on every CDN: %v", seg.ID, err)
		return
	}

	if err := tr.snk.CompletePush(seg, chunkCtx, int64(len(data))); err != nil {
		s.log.Errorf("pushing segment %s: %v", seg.ID, err)
		return
	}
	if seg.IsInit {
		s.mu.Lock()
		tr.initLoaded[content.Representation.UID] = true
		s.mu.Unlock()
	}
}
