// Package snapshot captures and restores the pixel state of labelmap
// segmentations.
package snapshot

import (
	"context"
	"errors"
	"time"
)

// ErrNoSnapshot is returned by a LayerStore when a layer has nothing saved.
var ErrNoSnapshot = errors.New("no snapshot saved for layer")

// ImageData is the captured pixel buffer of one backing image.
type ImageData struct {
	ImageID   string
	PixelData []byte
}

// Snapshot is an immutable capture of a segmentation's labelmap buffers. Its
// buffers never alias live image memory.
type Snapshot struct {
	SegmentationID string
	ImageData      []ImageData
	CapturedAt     time.Time
}

// Clone returns a deep copy of s.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := &Snapshot{
		SegmentationID: s.SegmentationID,
		CapturedAt:     s.CapturedAt,
		ImageData:      make([]ImageData, len(s.ImageData)),
	}
	for i, d := range s.ImageData {
		out.ImageData[i] = ImageData{ImageID: d.ImageID, PixelData: append([]byte(nil), d.PixelData...)}
	}
	return out
}

// Bytes returns the total size of the captured buffers.
func (s *Snapshot) Bytes() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, d := range s.ImageData {
		n += len(d.PixelData)
	}
	return n
}

// DataModified is the payload of eventbus.SegmentationDataModified.
type DataModified struct {
	SegmentationID string
	ModifiedSlices []string
}

// LayerStore persists one snapshot per layer.
type LayerStore interface {
	Put(ctx context.Context, layerID string, snap *Snapshot) error
	Get(ctx context.Context, layerID string) (*Snapshot, error)
	Delete(ctx context.Context, layerID string) error
}
