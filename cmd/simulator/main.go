package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"playercore/internal/boundaries"
	"playercore/internal/buffer"
	"playercore/internal/config"
	"playercore/internal/freeze"
	"playercore/internal/logger"
	"playercore/internal/manifest"
	"playercore/internal/playback"
	"playercore/internal/scheduler"
	"playercore/internal/session"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to a JSON tunables file")
		duration    = flag.Float64("duration", 120, "content duration in seconds")
		segDuration = flag.Float64("segment", 4, "segment duration in seconds")
		lossRate    = flag.Float64("loss", 0.1, "probability of a request failing")
		latency     = flag.Duration("latency", 80*time.Millisecond, "simulated request latency")
		seed        = flag.Int64("seed", 0, "random seed, 0 for time-based")
		verbose     = flag.Bool("v", false, "enable debug logging")
	)
	flag.Parse()

	level := "info"
	if *verbose {
		level = "debug"
	}
	log := logger.NewLogger(level)

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
			os.Exit(1)
		}
	}

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(*seed))
	log.Infof("simulator starting (seed %d, loss %.0f%%)", *seed, *lossRate*100)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mft := syntheticManifest(*duration, *segDuration)
	cdns := []*scheduler.Cdn{
		{ID: "cdn-primary", BaseURL: "http://cdn-primary.example"},
		{ID: "cdn-backup", BaseURL: "http://cdn-backup.example"},
	}

	net := &lossyNetwork{rng: rng, lossRate: *lossRate, latency: *latency}
	sess := session.New(mft, session.Options{
		Cfg:    cfg,
		Log:    log,
		Cdns:   cdns,
		Loader: net.load,
		OnManifestRefresh: func() {
			log.Debugf("manifest refresh requested")
		},
	})
	defer sess.Close()

	period := mft.Periods[0]
	videoAdap := period.Adaptations[manifest.Video][0]
	audioAdap := period.Adaptations[manifest.Audio][0]
	if err := sess.SelectTrack(period, videoAdap, videoAdap.Representations[0]); err != nil {
		log.Errorf("selecting video track: %v", err)
		os.Exit(1)
	}
	if err := sess.SelectTrack(period, audioAdap, audioAdap.Representations[0]); err != nil {
		log.Errorf("selecting audio track: %v", err)
		os.Exit(1)
	}

	done := make(chan struct{})
	unsub := sess.Boundaries().Subscribe(func(ev boundaries.Event) {
		switch ev := ev.(type) {
		case boundaries.PeriodChangeEvent:
			log.Infof("current period: %s", ev.Period.ID)
		case boundaries.EndOfStreamEvent:
			log.Infof("end of stream reached")
			close(done)
		case boundaries.WarningEvent:
			log.Warnf("position %.2f outside [%.2f, %.2f]", ev.Position, ev.Minimum, ev.Maximum)
		}
	})
	defer unsub()

	runPlayback(ctx, sess, mft, log, done)
}

// runPlayback advances a simulated playhead and feeds the resulting
// observations to the session until the content ends or the context is
// cancelled.
func runPlayback(
	ctx context.Context,
	sess *session.Session,
	mft *manifest.Manifest,
	log logger.Logger,
	done <-chan struct{},
) {
	const tick = 250 * time.Millisecond
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	position := 0.0
	var rebufferingSince *playback.StallInfo

	for {
		select {
		case <-ctx.Done():
			log.Infof("interrupted at position %.2f", position)
			return
		case <-done:
			log.Infof("playback finished at position %.2f", position)
			return
		case <-ticker.C:
		}

		buffered := map[manifest.BufferType]playback.Ranges{}
		gap := 0.0
		first := true
		for _, bt := range []manifest.BufferType{manifest.Video, manifest.Audio} {
			snk := sess.Sink(bt)
			if snk == nil {
				continue
			}
			var rs playback.Ranges
			for _, c := range snk.LastKnownInventory() {
				rs = append(rs, playback.Range{Start: c.Start, End: c.End})
			}
			buffered[bt] = rs
			trackGap := rs.GapFrom(position)
			if first || trackGap < gap {
				gap = trackGap
				first = false
			}
		}

		playing := gap > 0
		if playing {
			advance := tick.Seconds()
			if advance > gap {
				advance = gap
			}
			position += advance
			rebufferingSince = nil
		} else if rebufferingSince == nil {
			rebufferingSince = &playback.StallInfo{Timestamp: time.Now(), Position: position}
			log.Debugf("rebuffering at %.2f", position)
		}

		readyState := 4
		if !playing {
			readyState = 2
		}
		obs := &playback.Observation{
			Position:    position,
			ReadyState:  readyState,
			Rebuffering: rebufferingSince,
			BufferGap:   gap,
			Speed:       1,
			Buffered:    buffered,
			FullyLoaded: position >= mft.MaximumSafePosition,
		}

		act, err := sess.OnObservation(ctx, obs)
		if err != nil {
			log.Errorf("observation failed: %v", err)
			return
		}
		if act != nil {
			switch act.Type {
			case freeze.ActionFlush:
				log.Infof("flushing: seeking %+.3fs", act.RelativeSeek)
				position += act.RelativeSeek
			case freeze.ActionReload:
				log.Infof("reloading content at %.2f", position)
			case freeze.ActionDeprecate:
				log.Infof("deprecating %d representation(s)", len(act.Representations))
			}
		}

		if position >= mft.MaximumSafePosition {
			log.Infof("reached the end of the content")
			return
		}
	}
}

// syntheticManifest builds a one-Period VOD manifest with an audio and a
// video track.
func syntheticManifest(duration, segDuration float64) *manifest.Manifest {
	end := duration
	timescale := uint64(1000)
	segTicks := uint64(segDuration * 1000)
	repeat := int(duration/segDuration) - 1

	newIndex := func() *manifest.TimelineIndex {
		idx := manifest.NewTimelineIndex(timescale, &manifest.Segment{ID: "init", IsInit: true, Complete: true}, false)
		idx.SetEntries([]manifest.TimelineEntry{{T: 0, D: segTicks, R: repeat}})
		return idx
	}

	videoAdap := &manifest.Adaptation{
		ID:   "video",
		Type: manifest.Video,
		Representations: []*manifest.Representation{
			{ID: "video-720", UID: "p1/video/video-720", Bitrate: 3_000_000, Index: newIndex()},
			{ID: "video-480", UID: "p1/video/video-480", Bitrate: 1_200_000, Index: newIndex()},
		},
	}
	audioAdap := &manifest.Adaptation{
		ID:       "audio",
		Type:     manifest.Audio,
		Language: "en",
		Representations: []*manifest.Representation{
			{ID: "audio-main", UID: "p1/audio/audio-main", Bitrate: 128_000, Index: newIndex()},
		},
	}
	period := &manifest.Period{
		ID:    "p1",
		Start: 0,
		End:   &end,
		Adaptations: map[manifest.BufferType][]*manifest.Adaptation{
			manifest.Video: {videoAdap},
			manifest.Audio: {audioAdap},
		},
	}
	return &manifest.Manifest{
		ID:                  "simulated-content",
		Periods:             []*manifest.Period{period},
		IsLastPeriodKnown:   true,
		MinimumSafePosition: 0,
		MaximumSafePosition: duration,
	}
}

// lossyNetwork simulates segment downloads with latency and random
// failures, so the scheduler's retry and failover paths actually run.
type lossyNetwork struct {
	mu       sync.Mutex
	rng      *rand.Rand
	lossRate float64
	latency  time.Duration
}

func (n *lossyNetwork) load(ctx context.Context, cdn *scheduler.Cdn, content buffer.Content, seg manifest.Segment) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(n.latency):
	}

	n.mu.Lock()
	roll := n.rng.Float64()
	kind := n.rng.Float64()
	n.mu.Unlock()

	url := fmt.Sprintf("%s/%s/%s.m4s", cdn.BaseURL, content.Representation.ID, seg.ID)
	if roll < n.lossRate {
		if kind < 0.5 {
			return nil, &scheduler.HTTPError{URL: url, Status: 503}
		}
		return nil, &scheduler.TimeoutError{URL: url}
	}

	size := int(seg.Duration * float64(content.Representation.Bitrate) / 8)
	if seg.IsInit {
		size = 1024
	}
	return make([]byte, size), nil
}
