package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mrsinham/dicomseg/internal/eventbus"
	"github.com/mrsinham/dicomseg/internal/imagecache"
	"github.com/mrsinham/dicomseg/internal/segstate"
)

type fixture struct {
	segs  *segstate.Store
	cache *imagecache.Cache
	bus   *eventbus.Bus
	store *Store
}

var fixedTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newFixture(t *testing.T, slices int) *fixture {
	t.Helper()

	f := &fixture{segs: segstate.NewStore(), bus: eventbus.New()}
	cache, err := imagecache.New(16)
	if err != nil {
		t.Fatalf("imagecache.New failed: %v", err)
	}
	f.cache = cache

	var ids []string
	for i := 0; i < slices; i++ {
		ref := &imagecache.Image{ID: "ref", Rows: 2, Columns: 2, BitsAllocated: 8, PixelData: make([]byte, 4)}
		d, _ := imagecache.Derive(ref, fmt.Sprintf("labelmap:vp:%d", i+1))
		for p := range d.PixelData {
			d.PixelData[p] = byte(i*10 + p)
		}
		_ = cache.Put(d)
		ids = append(ids, d.ID)
	}
	if err := f.segs.Add(segstate.Segmentation{ID: "seg", ImageIDs: ids}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	f.store = NewStore(f.segs, f.cache, f.bus, WithClock(func() time.Time { return fixedTime }), WithLayerStore(newMapStore()))
	return f
}

func TestCapture_DeepCopies(t *testing.T) {
	f := newFixture(t, 2)

	snap, err := f.store.Capture("seg")
	if err != nil || snap == nil {
		t.Fatalf("Capture() = %v, %v", snap, err)
	}
	if !snap.CapturedAt.Equal(fixedTime) {
		t.Errorf("CapturedAt = %v, want %v", snap.CapturedAt, fixedTime)
	}
	if len(snap.ImageData) != 2 {
		t.Fatalf("captured %d slices, want 2", len(snap.ImageData))
	}

	live, _ := f.cache.Get("labelmap:vp:1")
	live.PixelData[0] = 0xff
	if snap.ImageData[0].PixelData[0] == 0xff {
		t.Error("snapshot buffer aliases the live buffer")
	}
}

func TestCapture_NothingToCapture(t *testing.T) {
	f := newFixture(t, 1)
	_ = f.segs.Add(segstate.Segmentation{ID: "empty"})
	_ = f.segs.Add(segstate.Segmentation{ID: "evicted", ImageIDs: []string{"gone"}})

	for _, id := range []string{"unknown", "empty", "evicted"} {
		snap, err := f.store.Capture(id)
		if err != nil || snap != nil {
			t.Errorf("Capture(%q) = %v, %v, want nil, nil", id, snap, err)
		}
	}
	if _, err := f.store.Capture(""); err == nil {
		t.Error("Capture(\"\") should fail")
	}
}

func TestCapture_SkipsUncachedSlices(t *testing.T) {
	f := newFixture(t, 3)
	_ = f.cache.Evict("labelmap:vp:2")

	snap, _ := f.store.Capture("seg")
	if snap == nil || len(snap.ImageData) != 2 {
		t.Fatalf("partial capture = %+v, want 2 slices", snap)
	}
}

func TestRestore_RoundTripIsBitExact(t *testing.T) {
	f := newFixture(t, 3)

	before := map[string][]byte{}
	for _, id := range []string{"labelmap:vp:1", "labelmap:vp:2", "labelmap:vp:3"} {
		im, _ := f.cache.Get(id)
		before[id] = append([]byte(nil), im.PixelData...)
	}

	snap, _ := f.store.Capture("seg")
	for id := range before {
		im, _ := f.cache.Get(id)
		for i := range im.PixelData {
			im.PixelData[i] = 0x42
		}
	}

	if !f.store.Restore(snap) {
		t.Fatal("Restore() = false, want true")
	}
	for id, want := range before {
		im, _ := f.cache.Get(id)
		if !bytes.Equal(im.PixelData, want) {
			t.Errorf("%s = %v, want %v", id, im.PixelData, want)
		}
	}
}

func TestRestore_EmitsOneEvent(t *testing.T) {
	f := newFixture(t, 3)
	var events []DataModified
	f.bus.Subscribe(func(e eventbus.Event) {
		events = append(events, e.Data.(DataModified))
	}, eventbus.SegmentationDataModified)

	snap, _ := f.store.Capture("seg")
	// one slice resized, one evicted
	im, _ := f.cache.Get("labelmap:vp:2")
	im.PixelData = make([]byte, 9)
	_ = f.cache.Evict("labelmap:vp:3")

	if !f.store.Restore(snap) {
		t.Fatal("Restore() = false, want true")
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].SegmentationID != "seg" || len(events[0].ModifiedSlices) != 1 || events[0].ModifiedSlices[0] != "labelmap:vp:1" {
		t.Errorf("event = %+v", events[0])
	}
}

func TestWrite_DefersEventToAnnounce(t *testing.T) {
	f := newFixture(t, 2)
	var events []DataModified
	f.bus.Subscribe(func(e eventbus.Event) {
		events = append(events, e.Data.(DataModified))
	}, eventbus.SegmentationDataModified)

	snap, _ := f.store.Capture("seg")
	im, _ := f.cache.Get("labelmap:vp:2")
	im.PixelData[0] = 0xee

	modified := f.store.Write(snap)
	if len(modified) != 2 {
		t.Fatalf("Write() wrote %v, want both slices", modified)
	}
	if im.PixelData[0] != 10 {
		t.Errorf("pixel = %d, want restored 10", im.PixelData[0])
	}
	if len(events) != 0 {
		t.Fatalf("Write published %d events", len(events))
	}

	f.store.Announce("seg", modified)
	f.store.Announce("seg", nil)
	if len(events) != 1 || len(events[0].ModifiedSlices) != 2 {
		t.Errorf("events = %+v, want one event naming both slices", events)
	}
}

func TestRestore_StaleSnapshot(t *testing.T) {
	f := newFixture(t, 1)
	calls := 0
	f.bus.Subscribe(func(eventbus.Event) { calls++ }, eventbus.SegmentationDataModified)

	if f.store.Restore(nil) {
		t.Error("Restore(nil) = true")
	}
	if f.store.Restore(&Snapshot{SegmentationID: "seg"}) {
		t.Error("Restore(empty) = true")
	}
	stale := &Snapshot{SegmentationID: "seg", ImageData: []ImageData{{ImageID: "gone", PixelData: []byte{1}}}}
	if f.store.Restore(stale) {
		t.Error("Restore(stale) = true")
	}
	if calls != 0 {
		t.Errorf("stale restores emitted %d events", calls)
	}
}

func TestSaveLoadDelete(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	snap, _ := f.store.Capture("seg")

	if err := f.store.Save(ctx, "layer-1", snap); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	snap.ImageData[0].PixelData[0] = 0x99

	loaded, err := f.store.Load(ctx, "layer-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.ImageData[0].PixelData[0] == 0x99 {
		t.Error("saved snapshot aliases the caller's snapshot")
	}

	if err := f.store.Delete(ctx, "layer-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := f.store.Delete(ctx, "layer-1"); err != nil {
		t.Errorf("second Delete = %v, want nil", err)
	}
	if _, err := f.store.Load(ctx, "layer-1"); !errors.Is(err, ErrNoSnapshot) {
		t.Errorf("Load after Delete = %v, want ErrNoSnapshot", err)
	}
}

type mapStore struct {
	mu   sync.Mutex
	data map[string]*Snapshot
}

func newMapStore() *mapStore {
	return &mapStore{data: make(map[string]*Snapshot)}
}

func (m *mapStore) Put(_ context.Context, id string, s *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[id] = s
	return nil
}

func (m *mapStore) Get(_ context.Context, id string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.data[id]
	if !ok {
		return nil, ErrNoSnapshot
	}
	return s.Clone(), nil
}

func (m *mapStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[id]; !ok {
		return ErrNoSnapshot
	}
	delete(m.data, id)
	return nil
}
