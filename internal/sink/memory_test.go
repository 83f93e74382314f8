package sink

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"playercore/internal/logger"
	"playercore/internal/manifest"
	"playercore/internal/playback"
)

func mediaSegment(id string, start, duration float64) manifest.Segment {
	return manifest.Segment{ID: id, Time: start, Duration: duration, Complete: true}
}

func testChunkContext() ChunkContext {
	return ChunkContext{
		Representation: &manifest.Representation{ID: "video", UID: "p1/video"},
	}
}

func TestMemorySinkPushLifecycle(t *testing.T) {
	s := NewMemorySink(manifest.Video, logger.Nop{})
	ctx := testChunkContext()
	seg := mediaSegment("0", 0, 5)

	s.BeginPush(seg, ctx)
	ops := s.PendingOperations()
	require.Len(t, ops, 1)
	assert.Equal(t, OpPush, ops[0].Type)
	assert.Empty(t, s.LastKnownInventory())

	require.NoError(t, s.CompletePush(seg, ctx, 1_000_000))
	assert.Empty(t, s.PendingOperations())

	chunks := s.LastKnownInventory()
	require.Len(t, chunks, 1)
	assert.Equal(t, 0.0, chunks[0].Start)
	assert.Equal(t, 5.0, chunks[0].End)
	assert.Equal(t, int64(1_000_000), chunks[0].ChunkSize)
	assert.Equal(t, ChunkComplete, chunks[0].Status)

	history := s.SegmentHistory(SegmentRef{RepresentationUID: "p1/video", SegmentID: "0"})
	assert.Len(t, history, 1)
}

func TestMemorySinkCompletePushWithoutBegin(t *testing.T) {
	s := NewMemorySink(manifest.Video, logger.Nop{})
	err := s.CompletePush(mediaSegment("0", 0, 5), testChunkContext(), 100)
	assert.Error(t, err)
}

func TestMemorySinkAbortPush(t *testing.T) {
	s := NewMemorySink(manifest.Video, logger.Nop{})
	ctx := testChunkContext()
	seg := mediaSegment("0", 0, 5)

	s.BeginPush(seg, ctx)
	s.AbortPush(seg, ctx)
	assert.Empty(t, s.PendingOperations())
	assert.Error(t, s.CompletePush(seg, ctx, 100))
}

func TestMemorySinkInitSegmentsAreNotInventoried(t *testing.T) {
	s := NewMemorySink(manifest.Video, logger.Nop{})
	ctx := testChunkContext()
	init := manifest.Segment{ID: "init", IsInit: true}

	s.BeginPush(init, ctx)
	require.NoError(t, s.CompletePush(init, ctx, 800))
	assert.Empty(t, s.LastKnownInventory())
}

func TestMemorySinkRePushReplacesOverlappedChunk(t *testing.T) {
	s := NewMemorySink(manifest.Video, logger.Nop{})
	ctx := testChunkContext()
	seg := mediaSegment("0", 0, 5)

	s.BeginPush(seg, ctx)
	require.NoError(t, s.CompletePush(seg, ctx, 1000))
	s.BeginPush(seg, ctx)
	require.NoError(t, s.CompletePush(seg, ctx, 2000))

	chunks := s.LastKnownInventory()
	require.Len(t, chunks, 1)
	assert.Equal(t, int64(2000), chunks[0].ChunkSize)

	history := s.SegmentHistory(SegmentRef{RepresentationUID: "p1/video", SegmentID: "0"})
	assert.Len(t, history, 2)
}

func TestMemorySinkRemoveBuffer(t *testing.T) {
	s := NewMemorySink(manifest.Video, logger.Nop{})
	ctx := testChunkContext()
	for i, start := range []float64{0, 5, 10} {
		seg := mediaSegment(string(rune('a'+i)), start, 5)
		s.BeginPush(seg, ctx)
		require.NoError(t, s.CompletePush(seg, ctx, 1000))
	}

	require.NoError(t, s.RemoveBuffer(context.Background(), 4, 11))

	chunks := s.LastKnownInventory()
	require.Len(t, chunks, 2)

	assert.Equal(t, 0.0, chunks[0].Start)
	assert.Equal(t, 4.0, chunks[0].End)
	assert.Equal(t, ChunkPartial, chunks[0].Status)
	assert.Equal(t, int64(800), chunks[0].ChunkSize)

	assert.Equal(t, 11.0, chunks[1].Start)
	assert.Equal(t, 15.0, chunks[1].End)
}

func TestMemorySinkSynchronizeDetectsCollections(t *testing.T) {
	s := NewMemorySink(manifest.Video, logger.Nop{})
	ctx := testChunkContext()
	for i, start := range []float64{0, 5, 10} {
		seg := mediaSegment(string(rune('a'+i)), start, 5)
		s.BeginPush(seg, ctx)
		require.NoError(t, s.CompletePush(seg, ctx, 1000))
	}

	// The platform kept only [5.2, 15]: the first chunk is gone and the
	// second is truncated at its start.
	gced := s.Synchronize(playback.Ranges{{Start: 5.2, End: 15}})

	require.Len(t, gced, 2)
	assert.Equal(t, playback.Range{Start: 0, End: 5}, gced[0])
	assert.Equal(t, playback.Range{Start: 5, End: 5.2}, gced[1])

	chunks := s.LastKnownInventory()
	require.Len(t, chunks, 2)
	require.NotNil(t, chunks[0].BufferedStart)
	assert.Equal(t, 5.2, *chunks[0].BufferedStart)
	assert.True(t, chunks[0].GCedAtStart(0.15))
	assert.False(t, chunks[1].GCedAtStart(0.15))

	// Observed bounds are mirrored into the push history.
	history := s.SegmentHistory(SegmentRef{RepresentationUID: "p1/video", SegmentID: "b"})
	require.Len(t, history, 1)
	require.NotNil(t, history[0].BufferedStart)
	assert.Equal(t, 5.2, *history[0].BufferedStart)
}

func TestMemorySinkSynchronizeIsStableWhenNothingChanged(t *testing.T) {
	s := NewMemorySink(manifest.Video, logger.Nop{})
	ctx := testChunkContext()
	seg := mediaSegment("a", 0, 5)
	s.BeginPush(seg, ctx)
	require.NoError(t, s.CompletePush(seg, ctx, 1000))

	assert.Empty(t, s.Synchronize(playback.Ranges{{Start: 0, End: 5}}))
	assert.Empty(t, s.Synchronize(playback.Ranges{{Start: 0, End: 5}}))
	assert.Len(t, s.LastKnownInventory(), 1)
}

func TestInventorySizeKB(t *testing.T) {
	chunks := []*BufferedChunk{{ChunkSize: 500_000}, {ChunkSize: 250_000}}
	assert.Equal(t, 750.0, InventorySizeKB(chunks))
}
