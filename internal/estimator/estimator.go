package estimator

import (
	"context"
	"math"
	"sync"
	"time"

	"playercore/internal/config"
	"playercore/internal/logger"
	"playercore/internal/playback"
	"playercore/internal/sink"
)

const (
	// revisionInterval is the minimum delay between two limit revisions,
	// so one garbage-collection burst does not shrink the limits in a
	// cascade.
	revisionInterval = 10 * time.Second

	// trimBehind and trimAheadMargin bound the buffer kept around the
	// current position right after a collection.
	trimBehind      = 10.0
	trimAheadMargin = 20.0

	// historyLimit caps the rolling record of buffer sizes observed at
	// collection time.
	historyLimit = 10

	// clusterRatioLow and clusterRatioHigh delimit the band within which
	// consecutive collection sizes count as the same platform ceiling.
	clusterRatioLow  = 0.83
	clusterRatioHigh = 1.20

	// lockFactor is the fraction of the detected ceiling the budget is
	// permanently locked to.
	lockFactor = 0.75
)

// Limits is the pair of mutable buffering limits shared between the
// estimator, which lowers them, and the buffering loop, which reads them
// on every tick.
type Limits struct {
	mu                   sync.RWMutex
	bufferAhead          float64
	maxVideoBufferSizeKB float64
}

// NewLimits creates the shared limits with their initial values.
func NewLimits(bufferAhead, maxVideoBufferSizeKB float64) *Limits {
	return &Limits{
		bufferAhead:          bufferAhead,
		maxVideoBufferSizeKB: maxVideoBufferSizeKB,
	}
}

// BufferAhead returns the current buffer-ahead goal, in seconds.
func (l *Limits) BufferAhead() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.bufferAhead
}

// MaxVideoBufferSizeKB returns the current video memory budget.
func (l *Limits) MaxVideoBufferSizeKB() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.maxVideoBufferSizeKB
}

func (l *Limits) setBufferAhead(v float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bufferAhead = v
}

func (l *Limits) setMaxVideoBufferSizeKB(v float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maxVideoBufferSizeKB = v
}

// Estimator reacts to media-buffer garbage collections by shrinking the
// shared buffering limits towards what the platform demonstrably
// sustains, trimming already-buffered data so playback can keep going in
// the meantime.
type Estimator struct {
	mu      sync.Mutex
	limits  *Limits
	video   sink.SegmentSink
	sinks   []sink.SegmentSink
	cfg     *config.Tunables
	log     logger.Logger
	now     func() time.Time
	history []float64
	last    time.Time
	locked  bool
}

// New creates an estimator revising the given limits. video is the sink
// whose resident size is sampled at collection time; sinks lists every
// sink to trim, video included.
func New(limits *Limits, video sink.SegmentSink, sinks []sink.SegmentSink, cfg *config.Tunables, log logger.Logger) *Estimator {
	return &Estimator{
		limits: limits,
		video:  video,
		sinks:  sinks,
		cfg:    cfg,
		log:    log.Named("estimator"),
		now:    time.Now,
	}
}

// OnGarbageCollection processes the ranges that disappeared from the
// buffers since the last observation. With no collected range it does
// nothing. Otherwise the resident video size is recorded, the limits are
// revised at most once per revision interval, and data far from the
// current position is trimmed.
func (e *Estimator) OnGarbageCollection(ctx context.Context, obs *playback.Observation, collected []playback.Range) error {
	if len(collected) == 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	sizeKB := sink.InventorySizeKB(e.video.LastKnownInventory())
	e.history = append(e.history, sizeKB)
	if len(e.history) > historyLimit {
		e.history = e.history[len(e.history)-historyLimit:]
	}

	now := e.now()
	if !e.last.IsZero() && now.Sub(e.last) < revisionInterval {
		return nil
	}
	e.last = now

	e.reviseLimits(obs, sizeKB)
	return e.trim(ctx, obs)
}

// Locked reports whether the video memory budget has been permanently
// locked to a detected platform ceiling.
func (e *Estimator) Locked() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.locked
}

// reviseLimits lowers the buffer-ahead goal towards the duration the
// platform actually kept, and locks the memory budget once three
// consecutive collections happened at about the same resident size.
func (e *Estimator) reviseLimits(obs *playback.Observation, sizeKB float64) {
	ahead := e.limits.BufferAhead()
	// The span the platform actually kept across all ranges, behind the
	// position included. BufferGap is the fallback when no per-track
	// ranges were observed.
	span := obs.BufferGap
	if ranges, ok := obs.Buffered[e.video.Type()]; ok && len(ranges) > 0 {
		span = ranges.TotalDuration()
	}
	observed := math.Max(span, e.cfg.MinBufferAhead)
	if observed < ahead {
		e.log.Infof("lowering buffer-ahead goal from %.1fs to %.1fs after collection", ahead, observed)
		e.limits.setBufferAhead(observed)
	}

	if e.locked || len(e.history) < 3 {
		return
	}
	lastThree := e.history[len(e.history)-3:]
	low := math.Min(lastThree[0], math.Min(lastThree[1], lastThree[2]))
	for i := 1; i < len(lastThree); i++ {
		if lastThree[i-1] <= 0 {
			return
		}
		ratio := lastThree[i] / lastThree[i-1]
		if ratio < clusterRatioLow || ratio > clusterRatioHigh {
			return
		}
	}
	budget := low * lockFactor
	e.locked = true
	e.limits.setMaxVideoBufferSizeKB(budget)
	e.log.Infof("collections cluster around %.0f KB, locking video budget at %.0f KB", low, budget)
}

// trim removes buffered data far behind and far ahead of the current
// position from every sink.
func (e *Estimator) trim(ctx context.Context, obs *playback.Observation) error {
	behindEdge := obs.Position - trimBehind
	aheadEdge := obs.Position + e.limits.BufferAhead() + trimAheadMargin
	for _, s := range e.sinks {
		if behindEdge > 0 {
			if err := s.RemoveBuffer(ctx, 0, behindEdge); err != nil {
				return err
			}
		}
		if err := s.RemoveBuffer(ctx, aheadEdge, math.Inf(1)); err != nil {
			return err
		}
	}
	return nil
}
