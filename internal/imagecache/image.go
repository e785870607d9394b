// Package imagecache holds decoded images keyed by image id.
package imagecache

import (
	"context"
	"encoding/binary"
	"fmt"
)

// Image is a single-frame grayscale raster. PixelData is little-endian when
// BitsAllocated is 16.
type Image struct {
	ID            string
	Rows          int
	Columns       int
	BitsAllocated int
	PixelData     []byte

	// Derived marks synthetic buffers allocated alongside a reference image.
	Derived     bool
	ReferenceID string
}

// Loader fetches and decodes the image behind an image id.
type Loader interface {
	Load(ctx context.Context, imageID string) (*Image, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, imageID string) (*Image, error)

// Load calls f.
func (f LoaderFunc) Load(ctx context.Context, imageID string) (*Image, error) {
	return f(ctx, imageID)
}

// BytesPerPixel returns the storage width of one sample.
func (im *Image) BytesPerPixel() int {
	if im.BitsAllocated > 8 {
		return 2
	}
	return 1
}

// NumPixels returns Rows*Columns.
func (im *Image) NumPixels() int {
	return im.Rows * im.Columns
}

// Validate checks that the buffer matches the declared shape.
func (im *Image) Validate() error {
	if im.Rows <= 0 || im.Columns <= 0 {
		return fmt.Errorf("invalid dimensions: %dx%d", im.Columns, im.Rows)
	}
	if im.BitsAllocated != 8 && im.BitsAllocated != 16 {
		return fmt.Errorf("unsupported bits allocated: %d", im.BitsAllocated)
	}
	if want := im.NumPixels() * im.BytesPerPixel(); len(im.PixelData) != want {
		return fmt.Errorf("pixel data length %d does not match %dx%d at %d bits", len(im.PixelData), im.Columns, im.Rows, im.BitsAllocated)
	}
	return nil
}

// At returns the sample at pixel index i.
func (im *Image) At(i int) int {
	if im.BytesPerPixel() == 2 {
		return int(binary.LittleEndian.Uint16(im.PixelData[2*i:]))
	}
	return int(im.PixelData[i])
}

// Derive allocates a zeroed 8-bit labelmap buffer with the reference's shape.
func Derive(ref *Image, derivedID string) (*Image, error) {
	if ref == nil {
		return nil, fmt.Errorf("derive %s: nil reference image", derivedID)
	}
	if ref.Rows <= 0 || ref.Columns <= 0 {
		return nil, fmt.Errorf("derive %s: reference %s has invalid dimensions %dx%d", derivedID, ref.ID, ref.Columns, ref.Rows)
	}
	return &Image{
		ID:            derivedID,
		Rows:          ref.Rows,
		Columns:       ref.Columns,
		BitsAllocated: 8,
		PixelData:     make([]byte, ref.Rows*ref.Columns),
		Derived:       true,
		ReferenceID:   ref.ID,
	}, nil
}
