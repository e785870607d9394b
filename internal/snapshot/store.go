package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mrsinham/dicomseg/internal/eventbus"
	"github.com/mrsinham/dicomseg/internal/imagecache"
	"github.com/mrsinham/dicomseg/internal/metrics"
	"github.com/mrsinham/dicomseg/internal/segstate"
	"github.com/rs/zerolog"
)

// Segmentations resolves a segmentation to its backing image ids.
type Segmentations interface {
	Get(id string) (segstate.Segmentation, bool)
}

// Images gives access to live cached images.
type Images interface {
	Get(id string) (*imagecache.Image, bool)
}

// Publisher emits bus events.
type Publisher interface {
	Publish(eventType eventbus.Type, data any)
}

// Store captures, restores and persists snapshots.
type Store struct {
	segmentations Segmentations
	images        Images
	bus           Publisher
	layers        LayerStore
	metrics       *metrics.Metrics
	logger        zerolog.Logger
	now           func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the capture timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithLogger sets the store logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithMetrics records capture and restore counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// WithLayerStore enables Save, Load and Delete.
func WithLayerStore(layers LayerStore) Option {
	return func(s *Store) {
		s.layers = layers
	}
}

// NewStore creates a snapshot store.
func NewStore(segmentations Segmentations, images Images, bus Publisher, opts ...Option) *Store {
	s := &Store{
		segmentations: segmentations,
		images:        images,
		bus:           bus,
		logger:        zerolog.Nop(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Capture copies the current labelmap buffers of a segmentation.
//
// It returns nil without error when there is nothing to capture: unknown
// segmentation, no backing images, or none of them cached with pixel data.
// Uncached images are skipped, so a capture may be partial.
func (s *Store) Capture(segmentationID string) (*Snapshot, error) {
	if segmentationID == "" {
		return nil, fmt.Errorf("capture snapshot: missing segmentation id")
	}

	seg, ok := s.segmentations.Get(segmentationID)
	if !ok || len(seg.ImageIDs) == 0 {
		return nil, nil
	}

	data := make([]ImageData, 0, len(seg.ImageIDs))
	for _, id := range seg.ImageIDs {
		im, ok := s.images.Get(id)
		if !ok || len(im.PixelData) == 0 {
			s.logger.Debug().Str("image_id", id).Msg("skipping uncached labelmap image")
			continue
		}
		data = append(data, ImageData{ImageID: id, PixelData: append([]byte(nil), im.PixelData...)})
	}
	if len(data) == 0 {
		return nil, nil
	}

	s.metrics.SnapshotCaptured()
	return &Snapshot{
		SegmentationID: segmentationID,
		ImageData:      data,
		CapturedAt:     s.now(),
	}, nil
}

// Restore writes the snapshot back into the live buffers.
//
// Slices that are no longer cached or changed size are skipped. Restore
// reports whether at least one slice was written; in that case exactly one
// SegmentationDataModified event listing the written slices is published.
func (s *Store) Restore(snap *Snapshot) bool {
	modified := s.Write(snap)
	if len(modified) == 0 {
		return false
	}
	s.Announce(snap.SegmentationID, modified)
	return true
}

// Write copies the snapshot into the live buffers without publishing and
// returns the ids of the slices written. Callers holding the edit lock use
// Write, release the lock, then Announce.
func (s *Store) Write(snap *Snapshot) []string {
	if snap == nil || len(snap.ImageData) == 0 {
		return nil
	}

	var modified []string
	for _, d := range snap.ImageData {
		im, ok := s.images.Get(d.ImageID)
		if !ok {
			s.logger.Debug().Str("image_id", d.ImageID).Msg("restore skipped uncached slice")
			continue
		}
		if len(im.PixelData) != len(d.PixelData) {
			s.logger.Debug().
				Str("image_id", d.ImageID).
				Int("live_len", len(im.PixelData)).
				Int("snapshot_len", len(d.PixelData)).
				Msg("restore skipped resized slice")
			continue
		}
		copy(im.PixelData, d.PixelData)
		modified = append(modified, d.ImageID)
	}

	if len(modified) == 0 {
		s.metrics.SnapshotStale()
		return nil
	}
	s.metrics.SnapshotRestored(len(modified))
	return modified
}

// Announce publishes one SegmentationDataModified event for the slices.
// Subscribers may take the edit lock, so it must not be held here.
func (s *Store) Announce(segmentationID string, modified []string) {
	if s.bus == nil || len(modified) == 0 {
		return
	}
	s.bus.Publish(eventbus.SegmentationDataModified, DataModified{
		SegmentationID: segmentationID,
		ModifiedSlices: modified,
	})
}

// Save persists snap as the current state of a layer.
func (s *Store) Save(ctx context.Context, layerID string, snap *Snapshot) error {
	if s.layers == nil {
		return fmt.Errorf("save layer %s: no layer store configured", layerID)
	}
	if layerID == "" || snap == nil {
		return fmt.Errorf("save layer %q: missing layer id or snapshot", layerID)
	}
	if err := s.layers.Put(ctx, layerID, snap.Clone()); err != nil {
		return fmt.Errorf("save layer %s: %w", layerID, err)
	}
	s.logger.Debug().
		Str("layer_id", layerID).
		Str("segmentation_id", snap.SegmentationID).
		Int("bytes", snap.Bytes()).
		Msg("layer snapshot saved")
	return nil
}

// Load returns the persisted snapshot of a layer, or ErrNoSnapshot.
func (s *Store) Load(ctx context.Context, layerID string) (*Snapshot, error) {
	if s.layers == nil {
		return nil, fmt.Errorf("load layer %s: no layer store configured", layerID)
	}
	snap, err := s.layers.Get(ctx, layerID)
	if err != nil {
		return nil, fmt.Errorf("load layer %s: %w", layerID, err)
	}
	return snap, nil
}

// Delete removes the persisted snapshot of a layer. Deleting a layer with
// nothing saved is not an error.
func (s *Store) Delete(ctx context.Context, layerID string) error {
	if s.layers == nil {
		return nil
	}
	if err := s.layers.Delete(ctx, layerID); err != nil && !errors.Is(err, ErrNoSnapshot) {
		return fmt.Errorf("delete layer %s: %w", layerID, err)
	}
	return nil
}
