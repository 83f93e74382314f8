package buffer

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"playercore/internal/config"
	"playercore/internal/logger"
	"playercore/internal/manifest"
	"playercore/internal/sink"
)

func TestCanFastSwitch(t *testing.T) {
	cfg := config.Default()

	tests := []struct {
		name       string
		oldBitrate int
		newBitrate int
		threshold  float64
		want       bool
	}{
		{"no threshold, sufficiently better", 1_000_000, 2_000_000, 0, true},
		{"no threshold, marginally better", 1_000_000, 1_400_000, 0, false},
		{"no threshold, exactly at ratio", 1_000_000, 1_500_000, 0, false},
		{"threshold, old below and new better", 1_000_000, 1_200_000, 5_000_000, true},
		{"threshold, old above", 6_000_000, 7_000_000, 5_000_000, false},
		{"threshold, new not better", 1_000_000, 1_000_000, 5_000_000, false},
		{"infinite threshold upgrades any improvement", 1_000_000, 1_000_001, math.Inf(1), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := canFastSwitch(tt.oldBitrate, tt.newBitrate, tt.threshold, cfg)
			assert.Equal(t, tt.want, got)
		})
	}
}

func historyWithStarts(starts ...float64) []sink.HistoryEntry {
	entries := make([]sink.HistoryEntry, len(starts))
	for i := range starts {
		s := starts[i]
		entries[i].BufferedStart = &s
	}
	return entries
}

func historyWithEnds(ends ...float64) []sink.HistoryEntry {
	entries := make([]sink.HistoryEntry, len(ends))
	for i := range ends {
		e := ends[i]
		entries[i].BufferedEnd = &e
	}
	return entries
}

func TestShouldReloadSegmentGCedAtTheStart(t *testing.T) {
	t.Run("stable start is a platform artifact", func(t *testing.T) {
		history := historyWithStarts(10.003, 10.008)
		assert.False(t, shouldReloadSegmentGCedAtTheStart(history))
	})
	t.Run("moved start means real collection", func(t *testing.T) {
		history := historyWithStarts(10.0, 10.2)
		assert.True(t, shouldReloadSegmentGCedAtTheStart(history))
	})
	t.Run("single push reloads", func(t *testing.T) {
		history := historyWithStarts(10.0)
		assert.True(t, shouldReloadSegmentGCedAtTheStart(history))
	})
	t.Run("unknown bounds reload", func(t *testing.T) {
		history := []sink.HistoryEntry{{}, {}}
		assert.True(t, shouldReloadSegmentGCedAtTheStart(history))
	})
}

func TestShouldReloadSegmentGCedAtTheEnd(t *testing.T) {
	t.Run("stable end is a platform artifact", func(t *testing.T) {
		history := historyWithEnds(14.992, 14.997)
		assert.False(t, shouldReloadSegmentGCedAtTheEnd(history))
	})
	t.Run("moved end means real collection", func(t *testing.T) {
		history := historyWithEnds(15.0, 14.8)
		assert.True(t, shouldReloadSegmentGCedAtTheEnd(history))
	})
}

// pushSegments loads every segment of the given range into the sink under
// the given context.
func pushSegments(t *testing.T, snk *sink.MemorySink, content Content, ctx sink.ChunkContext, start, duration float64) {
	t.Helper()
	for _, seg := range content.Representation.Index.Segments(start, duration) {
		snk.BeginPush(seg, ctx)
		require.NoError(t, snk.CompletePush(seg, ctx, 500_000))
	}
}

func TestLowerQualityIsReplacedAwayFromPosition(t *testing.T) {
	content := testContent()
	cfg := config.Default()
	snk := sink.NewMemorySink(manifest.Video, logger.Nop{})

	lowRep := &manifest.Representation{
		ID:      "video-lo",
		UID:     "p1/video/video-lo",
		Bitrate: 500_000,
		Index:   content.Representation.Index,
	}
	content.Adaptation.Representations = append(content.Adaptation.Representations, lowRep)
	pushSegments(t, snk, content, sink.ChunkContext{
		Period:         content.Period,
		Adaptation:     content.Adaptation,
		Representation: lowRep,
	}, 10, 10)

	// Position at 0: the buffered range [10, 20] is far from playback, and
	// 2Mb/s beats 500kb/s by more than the rebuffering ratio.
	status := GetBufferStatus(content, 10, observationAt(0), 0, 10, math.Inf(1), snk, cfg)

	require.Len(t, status.NeededSegments, 2)
	assert.Equal(t, 10.0, status.NeededSegments[0].Time)
	assert.Equal(t, 15.0, status.NeededSegments[1].Time)
}

func TestBufferedContentNearPositionIsNotReplaced(t *testing.T) {
	content := testContent()
	cfg := config.Default()
	snk := sink.NewMemorySink(manifest.Video, logger.Nop{})

	lowRep := &manifest.Representation{
		ID:      "video-lo",
		UID:     "p1/video/video-lo",
		Bitrate: 500_000,
		Index:   content.Representation.Index,
	}
	content.Adaptation.Representations = append(content.Adaptation.Representations, lowRep)
	pushSegments(t, snk, content, sink.ChunkContext{
		Period:         content.Period,
		Adaptation:     content.Adaptation,
		Representation: lowRep,
	}, 10, 5)

	// Playing inside the buffered segment: it must stay untouched even
	// though a better quality is wanted.
	status := GetBufferStatus(content, 10, observationAt(11), 0, 5, math.Inf(1), snk, cfg)

	for _, seg := range status.NeededSegments {
		assert.NotEqual(t, 10.0, seg.Time)
	}
}

func TestCloseEnoughQualityIsKept(t *testing.T) {
	content := testContent()
	cfg := config.Default()
	snk := sink.NewMemorySink(manifest.Video, logger.Nop{})

	nearRep := &manifest.Representation{
		ID:      "video-mid",
		UID:     "p1/video/video-mid",
		Bitrate: 1_800_000,
		Index:   content.Representation.Index,
	}
	content.Adaptation.Representations = append(content.Adaptation.Representations, nearRep)
	pushSegments(t, snk, content, sink.ChunkContext{
		Period:         content.Period,
		Adaptation:     content.Adaptation,
		Representation: nearRep,
	}, 10, 10)

	// 2Mb/s over 1.8Mb/s does not clear the rebuffering ratio: the
	// buffered segments stay and nothing is requested for their range.
	status := GetBufferStatus(content, 10, observationAt(0), 0, 10, math.Inf(1), snk, cfg)

	assert.Empty(t, status.NeededSegments)
}

func TestUndecipherableBufferedContentIsReloaded(t *testing.T) {
	content := testContent()
	cfg := config.Default()
	snk := sink.NewMemorySink(manifest.Video, logger.Nop{})

	ctx := sink.ChunkContext{
		Period:         content.Period,
		Adaptation:     content.Adaptation,
		Representation: content.Representation,
	}
	pushSegments(t, snk, content, ctx, 10, 10)

	// Buffered content turning undecipherable no longer counts.
	undecipherable := false
	content.Representation.Decipherable = &undecipherable
	playable := &manifest.Representation{
		ID:      "video-clear",
		UID:     "p1/video/video-clear",
		Bitrate: 2_000_000,
		Index:   content.Representation.Index,
	}
	content.Adaptation.Representations = append(content.Adaptation.Representations, playable)
	content.Representation = playable

	status := GetBufferStatus(content, 10, observationAt(0), 0, 10, math.Inf(1), snk, cfg)

	require.Len(t, status.NeededSegments, 2)
}
