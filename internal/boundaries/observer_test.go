package boundaries

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"playercore/internal/logger"
	"playercore/internal/manifest"
	"playercore/internal/playback"
)

func twoPeriodManifest() *manifest.Manifest {
	end1 := 30.0
	end2 := 60.0
	return &manifest.Manifest{
		ID: "content",
		Periods: []*manifest.Period{
			{ID: "p1", Start: 0, End: &end1},
			{ID: "p2", Start: 30, End: &end2},
		},
		IsLastPeriodKnown:   true,
		MinimumSafePosition: 0,
		MaximumSafePosition: 60,
	}
}

func collectEvents(o *Observer) *[]Event {
	var events []Event
	o.Subscribe(func(ev Event) { events = append(events, ev) })
	return &events
}

func TestObserverCurrentPeriodNeedsEveryTrack(t *testing.T) {
	mft := twoPeriodManifest()
	types := []manifest.BufferType{manifest.Audio, manifest.Video}
	o := NewObserver(mft, types, logger.Nop{})
	events := collectEvents(o)

	o.OnPeriodActivated(manifest.Audio, mft.Periods[0])
	assert.Nil(t, o.CurrentPeriod())
	assert.Empty(t, *events)

	o.OnPeriodActivated(manifest.Video, mft.Periods[0])
	require.NotNil(t, o.CurrentPeriod())
	assert.Equal(t, "p1", o.CurrentPeriod().ID)
	require.Len(t, *events, 1)
	assert.Equal(t, PeriodChangeEvent{Period: mft.Periods[0]}, (*events)[0])
}

func TestObserverPeriodTransition(t *testing.T) {
	mft := twoPeriodManifest()
	types := []manifest.BufferType{manifest.Audio, manifest.Video}
	o := NewObserver(mft, types, logger.Nop{})

	o.OnPeriodActivated(manifest.Audio, mft.Periods[0])
	o.OnPeriodActivated(manifest.Video, mft.Periods[0])
	events := collectEvents(o)

	// Both tracks start buffering p2 while p1 is still active: p1 stays
	// current until it is deactivated everywhere.
	o.OnPeriodActivated(manifest.Audio, mft.Periods[1])
	o.OnPeriodActivated(manifest.Video, mft.Periods[1])
	assert.Equal(t, "p1", o.CurrentPeriod().ID)
	assert.Empty(t, *events)

	o.OnPeriodDeactivated(manifest.Audio, mft.Periods[0])
	o.OnPeriodDeactivated(manifest.Video, mft.Periods[0])
	assert.Equal(t, "p2", o.CurrentPeriod().ID)
	require.Len(t, *events, 1)
	assert.Equal(t, PeriodChangeEvent{Period: mft.Periods[1]}, (*events)[0])
}

func TestObserverEndOfStreamAndResume(t *testing.T) {
	mft := twoPeriodManifest()
	types := []manifest.BufferType{manifest.Audio, manifest.Video}
	o := NewObserver(mft, types, logger.Nop{})
	events := collectEvents(o)

	o.OnTrackEnded(manifest.Audio)
	assert.Empty(t, *events)

	o.OnTrackEnded(manifest.Video)
	require.Len(t, *events, 1)
	assert.IsType(t, EndOfStreamEvent{}, (*events)[0])

	// A repeat does not re-announce.
	o.OnTrackEnded(manifest.Video)
	assert.Len(t, *events, 1)

	// One track resuming cancels the end of stream.
	o.OnTrackResumed(manifest.Video)
	require.Len(t, *events, 2)
	assert.IsType(t, ResumeStreamEvent{}, (*events)[1])
}

func TestObserverNoEndOfStreamWhileLastPeriodUnknown(t *testing.T) {
	mft := twoPeriodManifest()
	mft.IsLastPeriodKnown = false
	types := []manifest.BufferType{manifest.Video}
	o := NewObserver(mft, types, logger.Nop{})
	events := collectEvents(o)

	o.OnTrackEnded(manifest.Video)
	assert.Empty(t, *events)
}

func TestObserverPositionWarnings(t *testing.T) {
	mft := twoPeriodManifest()
	o := NewObserver(mft, []manifest.BufferType{manifest.Video}, logger.Nop{})
	events := collectEvents(o)

	o.OnObservation(&playback.Observation{Position: 10})
	assert.Empty(t, *events)

	o.OnObservation(&playback.Observation{Position: 75})
	require.Len(t, *events, 1)
	warning, ok := (*events)[0].(WarningEvent)
	require.True(t, ok)
	assert.Equal(t, 75.0, warning.Position)
	assert.Equal(t, 60.0, warning.Maximum)

	// Still out of range: no second warning for the same excursion.
	o.OnObservation(&playback.Observation{Position: 76})
	assert.Len(t, *events, 1)

	// Back in range, then out again: a new warning.
	o.OnObservation(&playback.Observation{Position: 50})
	o.OnObservation(&playback.Observation{Position: -5})
	require.Len(t, *events, 2)
}

func TestObserverMaximumPositionFollowsIndexes(t *testing.T) {
	mft := twoPeriodManifest()
	audioIdx := manifest.NewTimelineIndex(1, nil, true)
	audioIdx.SetEntries([]manifest.TimelineEntry{{T: 30, D: 5, R: 3}})
	videoIdx := manifest.NewTimelineIndex(1, nil, true)
	videoIdx.SetEntries([]manifest.TimelineEntry{{T: 30, D: 5, R: 4}})
	mft.Periods[1].Adaptations = map[manifest.BufferType][]*manifest.Adaptation{
		manifest.Audio: {{ID: "audio", Type: manifest.Audio, Representations: []*manifest.Representation{
			{ID: "a", UID: "a", Index: audioIdx},
		}}},
		manifest.Video: {{ID: "video", Type: manifest.Video, Representations: []*manifest.Representation{
			{ID: "v", UID: "v", Index: videoIdx},
		}}},
	}
	o := NewObserver(mft, []manifest.BufferType{manifest.Audio, manifest.Video}, logger.Nop{})

	// Audio's last announced segment starts at 45, video's at 50: the
	// reachable maximum is bounded by the laggard.
	assert.Equal(t, 45.0, o.MaximumPosition())
}
