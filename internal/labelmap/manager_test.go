package labelmap

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/mrsinham/dicomseg/internal/imagecache"
	"github.com/mrsinham/dicomseg/internal/segstate"
)

// journal records cache evictions and loader calls in order.
type journal struct {
	mu     sync.Mutex
	events []string
}

func (j *journal) add(e string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, e)
}

func (j *journal) snapshot() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.events...)
}

type fixture struct {
	cache   *imagecache.Cache
	segs    *segstate.Store
	manager *Manager
	journal *journal
}

func newFixture(t *testing.T, failOn string) *fixture {
	t.Helper()

	j := &journal{}
	cache, err := imagecache.New(64, imagecache.WithEvictionHook(func(id string) { j.add("evict " + id) }))
	if err != nil {
		t.Fatalf("imagecache.New failed: %v", err)
	}
	loader := imagecache.LoaderFunc(func(_ context.Context, id string) (*imagecache.Image, error) {
		j.add("load " + id)
		if id == failOn {
			return nil, errors.New("unreadable file")
		}
		return &imagecache.Image{ID: id, Rows: 4, Columns: 4, BitsAllocated: 16, PixelData: make([]byte, 32)}, nil
	})
	segs := segstate.NewStore()
	return &fixture{
		cache:   cache,
		segs:    segs,
		manager: NewManager(NewRegistry(), cache, loader, segs, WithLoadConcurrency(2)),
		journal: j,
	}
}

func TestEnsureLabelmapImages_DerivesOnePerReference(t *testing.T) {
	f := newFixture(t, "")
	refs := []string{"r1", "r2", "r3"}

	ids, err := f.manager.EnsureLabelmapImages(context.Background(), "vp", refs)
	if err != nil {
		t.Fatalf("EnsureLabelmapImages failed: %v", err)
	}
	want := []string{"labelmap:vp:1", "labelmap:vp:2", "labelmap:vp:3"}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("ids = %v, want %v", ids, want)
	}
	for i, id := range ids {
		im, ok := f.cache.Get(id)
		if !ok {
			t.Fatalf("%s not cached", id)
		}
		if im.ReferenceID != refs[i] || len(im.PixelData) != 16 {
			t.Errorf("%s = ref %s len %d", id, im.ReferenceID, len(im.PixelData))
		}
	}
	registered, _ := f.manager.Registry().References("vp")
	if !reflect.DeepEqual(registered, refs) {
		t.Errorf("registered refs = %v, want %v", registered, refs)
	}
}

func TestEnsureLabelmapImages_Idempotent(t *testing.T) {
	f := newFixture(t, "")
	refs := []string{"r1", "r2"}
	ctx := context.Background()

	first, _ := f.manager.EnsureLabelmapImages(ctx, "vp", refs)
	im, _ := f.cache.Get(first[0])
	im.PixelData[0] = 7
	before := len(f.journal.snapshot())

	second, err := f.manager.EnsureLabelmapImages(ctx, "vp", refs)
	if err != nil {
		t.Fatalf("second call failed: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("second = %v, want %v", second, first)
	}
	if after := f.journal.snapshot(); len(after) != before {
		t.Errorf("second call touched the cache: %v", after[before:])
	}
	im, _ = f.cache.Get(first[0])
	if im.PixelData[0] != 7 {
		t.Error("idempotent call reallocated the derived buffer")
	}
}

func TestEnsureLabelmapImages_MismatchDisposesFirst(t *testing.T) {
	mismatches := map[string][]string{
		"different id":     {"r1", "x2"},
		"different order":  {"r2", "r1"},
		"different length": {"r1", "r2", "r3"},
	}

	for name, next := range mismatches {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, "")
			ctx := context.Background()
			if _, err := f.manager.EnsureLabelmapImages(ctx, "vp", []string{"r1", "r2"}); err != nil {
				t.Fatalf("first ensure failed: %v", err)
			}
			start := len(f.journal.snapshot())

			if _, err := f.manager.EnsureLabelmapImages(ctx, "vp", next); err != nil {
				t.Fatalf("second ensure failed: %v", err)
			}

			events := f.journal.snapshot()[start:]
			evicted := 0
			for _, e := range events {
				if strings.HasPrefix(e, "evict labelmap:vp:") {
					evicted++
					continue
				}
				if evicted < 2 {
					t.Fatalf("%q happened before old buffers were disposed: %v", e, events)
				}
			}
			if evicted != 2 {
				t.Errorf("evicted %d derived buffers, want 2: %v", evicted, events)
			}
			for i, ref := range next {
				im, _ := f.cache.Get(DerivedImageID("vp", i))
				if im == nil || im.ReferenceID != ref {
					t.Errorf("slice %d derived from %v, want %s", i, im, ref)
				}
			}
		})
	}
}

func TestEnsureLabelmapImages_FailureAborts(t *testing.T) {
	f := newFixture(t, "r2")

	ids, err := f.manager.EnsureLabelmapImages(context.Background(), "vp", []string{"r1", "r2", "r3"})
	if err == nil {
		t.Fatalf("EnsureLabelmapImages() = %v, want error", ids)
	}
	if f.manager.Registry().Len() != 0 {
		t.Error("failed ensure must not register anything")
	}
	if f.cache.PinnedLen() != 0 {
		t.Errorf("failed ensure left %d derived buffers", f.cache.PinnedLen())
	}
}

func TestEnsureLabelmapImages_RejectsEmpty(t *testing.T) {
	f := newFixture(t, "")
	if _, err := f.manager.EnsureLabelmapImages(context.Background(), "vp", nil); !errors.Is(err, ErrNoReferenceImages) {
		t.Errorf("err = %v, want ErrNoReferenceImages", err)
	}
}

func TestDisposeLabelmapImages(t *testing.T) {
	f := newFixture(t, "")

	// nothing registered
	f.manager.DisposeLabelmapImages("vp")
	if f.manager.Registry().Len() != 0 {
		t.Error("dispose of unknown viewport registered something")
	}

	_, _ = f.manager.EnsureLabelmapImages(context.Background(), "vp", []string{"r1", "r2"})
	// an externally evicted buffer must not stop the cleanup
	_ = f.cache.Evict("labelmap:vp:1")

	f.manager.DisposeLabelmapImages("vp")
	if f.cache.PinnedLen() != 0 {
		t.Errorf("%d derived buffers left after dispose", f.cache.PinnedLen())
	}
	if _, ok := f.manager.Registry().Labelmaps("vp"); ok {
		t.Error("registry entry survived dispose")
	}
	f.manager.DisposeLabelmapImages("vp")
}

func TestEnsureViewportLabelmapSegmentation(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	refs := []string{"r1", "r2"}

	segID, err := f.manager.EnsureViewportLabelmapSegmentation(ctx, "vp", refs)
	if err != nil {
		t.Fatalf("EnsureViewportLabelmapSegmentation failed: %v", err)
	}
	if segID != "labelmap-segmentation:vp" {
		t.Errorf("segID = %q", segID)
	}
	seg, ok := f.segs.Get(segID)
	if !ok || !reflect.DeepEqual(seg.ImageIDs, []string{"labelmap:vp:1", "labelmap:vp:2"}) {
		t.Fatalf("segmentation = %+v, %v", seg, ok)
	}
	style, ok := f.segs.Style("vp", segID)
	if !ok || style != segstate.DefaultStyle() {
		t.Errorf("style = %+v, %v", style, ok)
	}

	// repeat is a no-op
	if _, err := f.manager.EnsureViewportLabelmapSegmentation(ctx, "vp", refs); err != nil {
		t.Fatalf("repeat failed: %v", err)
	}
	if n := len(f.segs.Representations("vp")); n != 1 {
		t.Errorf("viewport has %d representations, want 1", n)
	}
}

func TestEnsureViewportLabelmapSegmentation_ReplacesStale(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	segID, _ := f.manager.EnsureViewportLabelmapSegmentation(ctx, "vp", []string{"r1", "r2"})
	if _, err := f.manager.EnsureViewportLabelmapSegmentation(ctx, "vp", []string{"r1", "r2", "r3"}); err != nil {
		t.Fatalf("ensure with new stack failed: %v", err)
	}

	seg, _ := f.segs.Get(segID)
	if len(seg.ImageIDs) != 3 {
		t.Errorf("segmentation backs %d images, want 3", len(seg.ImageIDs))
	}
	if n := len(f.segs.Representations("vp")); n != 1 {
		t.Errorf("viewport has %d representations, want 1", n)
	}
}

func TestEnsureViewportLabelmapSegmentation_IntrospectsWithoutRegistry(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	segID, _ := f.manager.EnsureViewportLabelmapSegmentation(ctx, "vp", []string{"r1"})
	// a fresh registry over the same cache and store
	m := NewManager(NewRegistry(), f.cache, nil, f.segs)
	if _, err := m.EnsureViewportLabelmapSegmentation(ctx, "vp", []string{"r1"}); err != nil {
		t.Fatalf("ensure with fresh registry failed: %v", err)
	}
	if _, ok := f.segs.Get(segID); !ok {
		t.Error("matching segmentation should have been kept")
	}
}
