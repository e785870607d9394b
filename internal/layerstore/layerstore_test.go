package layerstore

import (
	"context"
	"testing"
	"time"

	"github.com/mrsinham/dicomseg/internal/snapshot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type store interface {
	snapshot.LayerStore
	List(ctx context.Context) ([]string, error)
	Close() error
}

func stores(t *testing.T) map[string]store {
	t.Helper()

	mem, err := OpenInMemory()
	require.NoError(t, err)

	dir := t.TempDir()
	disk, err := Open(DefaultConfig(dir))
	require.NoError(t, err)

	return map[string]store{
		"memory":          NewMemory(),
		"badger-inmemory": mem,
		"badger-disk":     disk,
	}
}

func sample(segID string) *snapshot.Snapshot {
	return &snapshot.Snapshot{
		SegmentationID: segID,
		CapturedAt:     time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		ImageData: []snapshot.ImageData{
			{ImageID: "labelmap:vp:1", PixelData: []byte{0, 1, 2, 3}},
			{ImageID: "labelmap:vp:2", PixelData: []byte{4, 5, 6, 7}},
		},
	}
}

func TestLayerStores(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			defer func() { assert.NoError(t, s.Close()) }()
			ctx := context.Background()

			_, err := s.Get(ctx, "missing")
			assert.ErrorIs(t, err, snapshot.ErrNoSnapshot)

			require.NoError(t, s.Put(ctx, "b", sample("seg-b")))
			require.NoError(t, s.Put(ctx, "a", sample("seg-a")))

			got, err := s.Get(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, "seg-a", got.SegmentationID)
			assert.Equal(t, sample("seg-a").ImageData, got.ImageData)
			assert.True(t, got.CapturedAt.Equal(sample("").CapturedAt))

			ids, err := s.List(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b"}, ids)

			require.NoError(t, s.Delete(ctx, "a"))
			assert.ErrorIs(t, s.Delete(ctx, "a"), snapshot.ErrNoSnapshot)
		})
	}
}

func TestMemory_StoresCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	snap := sample("seg")

	require.NoError(t, m.Put(ctx, "layer", snap))
	snap.ImageData[0].PixelData[0] = 0xff

	got, err := m.Get(ctx, "layer")
	require.NoError(t, err)
	assert.Equal(t, byte(0), got.ImageData[0].PixelData[0])
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := NewMemory()
	assert.ErrorIs(t, m.Put(ctx, "layer", sample("seg")), context.Canceled)
}

func TestBadger_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	cfg := DefaultConfig(dir)
	cfg.GCInterval = 0
	b, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, b.Put(ctx, "layer", sample("seg")))
	require.NoError(t, b.Close())

	b, err = Open(cfg)
	require.NoError(t, err)
	defer b.Close()

	got, err := b.Get(ctx, "layer")
	require.NoError(t, err)
	assert.Equal(t, "seg", got.SegmentationID)
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}
