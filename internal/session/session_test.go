package session

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mrsinham/dicomseg/internal/aiseg"
	"github.com/mrsinham/dicomseg/internal/annotation"
	"github.com/mrsinham/dicomseg/internal/config"
	"github.com/mrsinham/dicomseg/internal/eventbus"
	"github.com/mrsinham/dicomseg/internal/imagecache"
	"github.com/mrsinham/dicomseg/internal/labelmap"
	"github.com/mrsinham/dicomseg/internal/snapshot"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fixtureSize = 32

// brightSquare is a 16-bit slice with a bright square at (8..23, 8..23).
func brightSquare(id string) *imagecache.Image {
	im := &imagecache.Image{ID: id, Rows: fixtureSize, Columns: fixtureSize, BitsAllocated: 16, PixelData: make([]byte, fixtureSize*fixtureSize*2)}
	for y := 0; y < fixtureSize; y++ {
		for x := 0; x < fixtureSize; x++ {
			v := uint16(50)
			if x >= 8 && x < 24 && y >= 8 && y < 24 {
				v = 1500
			}
			binary.LittleEndian.PutUint16(im.PixelData[2*(y*fixtureSize+x):], v)
		}
	}
	return im
}

var fixtureLoader = imagecache.LoaderFunc(func(_ context.Context, id string) (*imagecache.Image, error) {
	return brightSquare(id), nil
})

var refIDs = []string{"ref-1", "ref-2", "ref-3"}

func newSession(t *testing.T, deps Deps) *Session {
	t.Helper()
	if deps.Loader == nil {
		deps.Loader = fixtureLoader
	}
	if deps.Notifier == nil {
		deps.Notifier = &aiseg.RecordingNotifier{}
	}
	deps.Logger = zerolog.Nop()

	s, err := New(config.Default(), deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.OpenViewport(context.Background(), "vp", refIDs, map[string]int{"ref-1": 1, "ref-2": 2, "ref-3": 3})
	require.NoError(t, err)
	return s
}

func pixel(t *testing.T, s *Session, slice, x, y int) byte {
	t.Helper()
	im, ok := s.Cache().Get(labelmap.DerivedImageID("vp", slice))
	require.True(t, ok)
	return im.PixelData[y*im.Columns+x]
}

func TestNew_RequiresLoader(t *testing.T) {
	_, err := New(config.Default(), Deps{})
	assert.Error(t, err)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Backend = config.BackendBadger
	cfg.Storage.Path = ""
	_, err := New(cfg, Deps{Loader: fixtureLoader})
	assert.Error(t, err)
}

func TestOpenViewport_AllocatesLabelmaps(t *testing.T) {
	s := newSession(t, Deps{})

	for i := range refIDs {
		im, ok := s.Cache().Get(labelmap.DerivedImageID("vp", i))
		require.True(t, ok)
		assert.Len(t, im.PixelData, fixtureSize*fixtureSize)
	}
	assert.Empty(t, s.History("vp").Undo)
}

func TestPaint_RequiresLayerAndViewport(t *testing.T) {
	s := newSession(t, Deps{})

	_, err := s.Paint("vp", 0, 10, 10, 3, 1)
	assert.ErrorIs(t, err, ErrNoLayerSelected)

	require.NoError(t, s.SelectLayer("vp", "layer-1"))
	_, err = s.Paint("nope", 0, 10, 10, 3, 1)
	assert.ErrorIs(t, err, ErrUnknownViewport)

	_, err = s.Paint("vp", 5, 10, 10, 3, 1)
	assert.ErrorIs(t, err, ErrSliceOutOfRange)

	assert.ErrorIs(t, s.SelectLayer("nope", "layer-1"), ErrUnknownViewport)
}

func TestPaint_UndoRedo(t *testing.T) {
	s := newSession(t, Deps{})
	require.NoError(t, s.SelectLayer("vp", "layer-1"))

	changed, err := s.Paint("vp", 1, 16, 16, 2, 4)
	require.NoError(t, err)
	assert.Positive(t, changed)
	assert.Equal(t, byte(4), pixel(t, s, 1, 16, 16))
	assert.Len(t, s.History("vp").Undo, 1)

	// Painting the same label again changes nothing and records nothing.
	changed, err = s.Paint("vp", 1, 16, 16, 2, 4)
	require.NoError(t, err)
	assert.Zero(t, changed)
	assert.Len(t, s.History("vp").Undo, 1)

	require.True(t, s.Undo("vp"))
	assert.Equal(t, byte(0), pixel(t, s, 1, 16, 16))
	assert.Len(t, s.History("vp").Redo, 1)

	require.True(t, s.Redo("vp"))
	assert.Equal(t, byte(4), pixel(t, s, 1, 16, 16))

	assert.False(t, s.Redo("vp"))
}

func TestPaint_PersistsLayerAndRedraws(t *testing.T) {
	s := newSession(t, Deps{})
	require.NoError(t, s.SelectLayer("vp", "layer-1"))

	_, err := s.Paint("vp", 0, 4, 4, 2, 2)
	require.NoError(t, err)

	saved, err := s.Snapshots().Load(context.Background(), "layer-1")
	require.NoError(t, err)
	assert.Equal(t, labelmap.SegmentationIDForViewport("vp"), saved.SegmentationID)

	assert.Equal(t, 1, s.Renderer().Redraws(labelmap.DerivedImageID("vp", 0)))
}

func TestAI_SuccessIsRecordedAndUndoable(t *testing.T) {
	s := newSession(t, Deps{Registerer: prometheus.NewRegistry()})
	require.NoError(t, s.SelectLayer("vp", "layer-1"))

	started, err := s.StartAI("vp", 2)
	require.NoError(t, err)
	require.True(t, started)

	s.DrawBoundingBox("vp", annotation.BBox{2, 2, 30, 30})
	s.Wait()

	assert.Equal(t, aiseg.PhaseIdle, s.Controller().State().Phase)
	assert.Equal(t, byte(config.Default().Segmenter.Label), pixel(t, s, 2, 16, 16))
	assert.Equal(t, byte(0), pixel(t, s, 2, 3, 3))
	assert.Len(t, s.History("vp").Undo, 1)

	_, err = s.Snapshots().Load(context.Background(), "layer-1")
	require.NoError(t, err)

	require.True(t, s.Undo("vp"))
	assert.Equal(t, byte(0), pixel(t, s, 2, 16, 16))
}

func TestUndoRedo_Redraw(t *testing.T) {
	s := newSession(t, Deps{})
	require.NoError(t, s.SelectLayer("vp", "layer-1"))
	sliceID := labelmap.DerivedImageID("vp", 1)

	// below the caption band drawn across the top rows
	_, err := s.Paint("vp", 1, 16, 24, 3, 1)
	require.NoError(t, err)
	require.True(t, s.Undo("vp"))
	require.True(t, s.Redo("vp"))

	assert.Equal(t, 3, s.Renderer().Redraws(sliceID))
	preview, ok := s.Renderer().Latest(sliceID)
	require.True(t, ok)
	c := preview.RGBAAt(16, 24)
	assert.Greater(t, c.R, c.G, "redone stroke is drawn")
}

func TestPaintDuringAI_SharesEditLock(t *testing.T) {
	s := newSession(t, Deps{})
	require.NoError(t, s.SelectLayer("vp", "layer-1"))
	sliceID := labelmap.DerivedImageID("vp", 1)

	const rounds, strokes = 20, 50
	for i := 0; i < rounds; i++ {
		started, err := s.StartAI("vp", 1)
		require.NoError(t, err)
		require.True(t, started, "round %d", i)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < strokes; j++ {
				_, err := s.Paint("vp", 1, 4, 4, 2, byte(j%2+1))
				assert.NoError(t, err)
			}
		}()
		s.DrawBoundingBox("vp", annotation.BBox{2, 2, 30, 30})
		wg.Wait()
		s.Wait()
	}

	assert.Equal(t, aiseg.PhaseIdle, s.Controller().State().Phase)
	assert.GreaterOrEqual(t, s.Renderer().Redraws(sliceID), rounds*strokes)
	assert.Equal(t, byte(config.Default().Segmenter.Label), pixel(t, s, 1, 16, 16))
}

func TestStartAI_Errors(t *testing.T) {
	s := newSession(t, Deps{})

	_, err := s.StartAI("nope", 0)
	assert.ErrorIs(t, err, ErrUnknownViewport)
	_, err = s.StartAI("vp", 9)
	assert.ErrorIs(t, err, ErrSliceOutOfRange)

	started, err := s.StartAI("vp", 0)
	require.NoError(t, err)
	assert.False(t, started, "no layer selected")
}

type blockingSegmenter struct {
	entered chan struct{}
}

func (b blockingSegmenter) Segment(ctx context.Context, _ *imagecache.Image, _ annotation.BBox) ([]byte, error) {
	close(b.entered)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestAI_CancelLeavesNoTrace(t *testing.T) {
	seg := blockingSegmenter{entered: make(chan struct{})}
	s := newSession(t, Deps{Segmenter: seg})
	require.NoError(t, s.SelectLayer("vp", "layer-1"))

	_, err := s.StartAI("vp", 0)
	require.NoError(t, err)
	s.DrawBoundingBox("vp", annotation.BBox{2, 2, 30, 30})

	select {
	case <-seg.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("segmenter never started")
	}
	s.CancelAI()
	s.Wait()

	assert.Equal(t, aiseg.PhaseIdle, s.Controller().State().Phase)
	assert.Empty(t, s.History("vp").Undo)
	assert.Equal(t, byte(0), pixel(t, s, 0, 16, 16))
}

func TestLateSuccess_IsRolledBack(t *testing.T) {
	s := newSession(t, Deps{})
	segID := labelmap.SegmentationIDForViewport("vp")

	before, err := s.Snapshots().Capture(segID)
	require.NoError(t, err)
	im, _ := s.Cache().Get(labelmap.DerivedImageID("vp", 0))
	im.PixelData[0] = 9
	after, err := s.Snapshots().Capture(segID)
	require.NoError(t, err)

	s.Bus().Publish(eventbus.AISegmentationSuccess, aiseg.SuccessPayload{
		RequestID:  "ghost",
		ViewportID: "vp",
		Snapshot:   after,
		Before:     before,
	})

	assert.Equal(t, byte(0), pixel(t, s, 0, 0, 0))
	assert.Empty(t, s.History("vp").Undo)
	assert.Equal(t, 1, s.Renderer().Redraws(labelmap.DerivedImageID("vp", 0)), "rollback redraws the slice")
}

func TestLateSuccess_KeptWhenEditedSince(t *testing.T) {
	s := newSession(t, Deps{})
	segID := labelmap.SegmentationIDForViewport("vp")

	before, _ := s.Snapshots().Capture(segID)
	im, _ := s.Cache().Get(labelmap.DerivedImageID("vp", 0))
	im.PixelData[0] = 9
	after, _ := s.Snapshots().Capture(segID)
	im.PixelData[1] = 7

	s.Bus().Publish(eventbus.AISegmentationSuccess, aiseg.SuccessPayload{RequestID: "ghost", Snapshot: after, Before: before})

	assert.Equal(t, byte(9), pixel(t, s, 0, 0, 0))
	assert.Equal(t, byte(7), pixel(t, s, 0, 1, 0))
}

func TestLoadLayer_RestoresAndRecords(t *testing.T) {
	s := newSession(t, Deps{})
	require.NoError(t, s.SelectLayer("vp", "layer-1"))
	_, err := s.Paint("vp", 0, 16, 16, 3, 5)
	require.NoError(t, err)

	// Wipe the live labelmap behind history's back.
	im, _ := s.Cache().Get(labelmap.DerivedImageID("vp", 0))
	clear(im.PixelData)

	ok, err := s.LoadLayer(context.Background(), "layer-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, byte(5), pixel(t, s, 0, 16, 16))
	assert.Len(t, s.History("vp").Undo, 2)

	_, err = s.LoadLayer(context.Background(), "missing")
	assert.ErrorIs(t, err, snapshot.ErrNoSnapshot)
}

func TestDeleteLayer_DropsHistoryAndSnapshot(t *testing.T) {
	s := newSession(t, Deps{})
	require.NoError(t, s.SelectLayer("vp", "layer-1"))
	_, err := s.Paint("vp", 0, 16, 16, 3, 1)
	require.NoError(t, err)
	require.NoError(t, s.SelectLayer("vp", "layer-2"))
	_, err = s.Paint("vp", 1, 16, 16, 3, 2)
	require.NoError(t, err)
	require.True(t, s.Undo("vp"))

	require.NoError(t, s.DeleteLayer(context.Background(), "layer-2"))

	stacks := s.History("vp")
	assert.Len(t, stacks.Undo, 1)
	assert.Empty(t, stacks.Redo)
	assert.Equal(t, "layer-1", stacks.Undo[0].Label)

	_, ok := s.ActiveLayer()
	assert.False(t, ok, "deleting the active layer deselects it")

	_, err = s.Snapshots().Load(context.Background(), "layer-2")
	assert.True(t, errors.Is(err, snapshot.ErrNoSnapshot))
}

func TestCloseViewport_ReleasesEverything(t *testing.T) {
	s := newSession(t, Deps{})
	require.NoError(t, s.SelectLayer("vp", "layer-1"))
	_, err := s.Paint("vp", 0, 16, 16, 3, 1)
	require.NoError(t, err)

	s.CloseViewport("vp")

	assert.Empty(t, s.History("vp").Undo)
	assert.False(t, s.Cache().Contains(labelmap.DerivedImageID("vp", 0)))
	_, err = s.Paint("vp", 0, 16, 16, 3, 1)
	assert.ErrorIs(t, err, ErrUnknownViewport)

	// Closing twice is harmless.
	s.CloseViewport("vp")
}

func TestReopenWithOtherImages_ClearsHistory(t *testing.T) {
	s := newSession(t, Deps{})
	require.NoError(t, s.SelectLayer("vp", "layer-1"))
	_, err := s.Paint("vp", 0, 16, 16, 3, 1)
	require.NoError(t, err)

	_, err = s.OpenViewport(context.Background(), "vp", []string{"other-1", "other-2"}, nil)
	require.NoError(t, err)
	assert.Empty(t, s.History("vp").Undo)
}

func TestBadgerBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Backend = config.BackendBadger
	cfg.Storage.Path = t.TempDir()
	cfg.Storage.GCInterval = 0

	s, err := New(cfg, Deps{Loader: fixtureLoader, Logger: zerolog.Nop()})
	require.NoError(t, err)
	_, err = s.OpenViewport(context.Background(), "vp", refIDs, nil)
	require.NoError(t, err)
	require.NoError(t, s.SelectLayer("vp", "layer-1"))
	_, err = s.Paint("vp", 0, 16, 16, 3, 1)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := New(cfg, Deps{Loader: fixtureLoader, Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer s2.Close()
	_, err = s2.OpenViewport(context.Background(), "vp", refIDs, nil)
	require.NoError(t, err)

	ok, err := s2.LoadLayer(context.Background(), "layer-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, byte(1), pixel(t, s2, 0, 16, 16))
}

func TestStampDisc(t *testing.T) {
	im := &imagecache.Image{Rows: 10, Columns: 10, BitsAllocated: 8, PixelData: make([]byte, 100)}

	assert.Equal(t, 1, stampDisc(im, 5.5, 5.5, 0.5, 1))
	assert.Equal(t, 0, stampDisc(im, 5.5, 5.5, 0.5, 1))
	// Clipped at the image corner.
	n := stampDisc(im, 0, 0, 3, 2)
	assert.Positive(t, n)
	assert.Less(t, n, 9)
}
