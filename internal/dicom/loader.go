// Package dicom reads and writes the DICOM files behind viewport image ids.
package dicom

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"strings"

	"github.com/mrsinham/dicomseg/internal/imagecache"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// FileScheme prefixes image ids that name a DICOM file on disk.
const FileScheme = "dicomfile:"

// ImageID returns the image id for a DICOM file path.
func ImageID(path string) string {
	return FileScheme + path
}

// PathFromImageID strips the file scheme. Bare paths are returned as is.
func PathFromImageID(imageID string) string {
	return strings.TrimPrefix(imageID, FileScheme)
}

// FileLoader decodes single-frame native DICOM files into cache images.
type FileLoader struct{}

// Load implements imagecache.Loader.
func (FileLoader) Load(ctx context.Context, imageID string) (*imagecache.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := PathFromImageID(imageID)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("load %s: %w", imageID, err)
	}

	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	im, err := imageFromDataset(ds)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	im.ID = imageID
	return im, nil
}

func imageFromDataset(ds dicom.Dataset) (*imagecache.Image, error) {
	rows, err := intValue(ds, tag.Rows)
	if err != nil {
		return nil, err
	}
	cols, err := intValue(ds, tag.Columns)
	if err != nil {
		return nil, err
	}

	elem, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return nil, fmt.Errorf("missing pixel data: %w", err)
	}
	info, ok := elem.Value.GetValue().(dicom.PixelDataInfo)
	if !ok {
		return nil, fmt.Errorf("unexpected pixel data value %T", elem.Value.GetValue())
	}
	if info.IsEncapsulated || len(info.Frames) == 0 {
		return nil, fmt.Errorf("only native single-frame pixel data is supported")
	}
	fr := info.Frames[0]
	if fr.Encapsulated {
		return nil, fmt.Errorf("only native single-frame pixel data is supported")
	}

	im := &imagecache.Image{Rows: rows, Columns: cols}
	switch nf := fr.NativeData.(type) {
	case *frame.NativeFrame[uint8]:
		im.BitsAllocated = 8
		im.PixelData = append([]byte(nil), nf.RawData...)
	case *frame.NativeFrame[uint16]:
		im.BitsAllocated = 16
		im.PixelData = make([]byte, 2*len(nf.RawData))
		for i, v := range nf.RawData {
			binary.LittleEndian.PutUint16(im.PixelData[2*i:], v)
		}
	case *frame.NativeFrame[int16]:
		im.BitsAllocated = 16
		im.PixelData = make([]byte, 2*len(nf.RawData))
		for i, v := range nf.RawData {
			binary.LittleEndian.PutUint16(im.PixelData[2*i:], uint16(v))
		}
	default:
		return nil, fmt.Errorf("unsupported native frame %T", fr.NativeData)
	}

	if err := im.Validate(); err != nil {
		return nil, err
	}
	return im, nil
}

func intValue(ds dicom.Dataset, t tag.Tag) (int, error) {
	elem, err := ds.FindElementByTag(t)
	if err != nil {
		return 0, fmt.Errorf("missing tag %v: %w", t, err)
	}
	ints, ok := elem.Value.GetValue().([]int)
	if !ok || len(ints) == 0 {
		return 0, fmt.Errorf("tag %v is not an integer", t)
	}
	return ints[0], nil
}

// stringValue returns the first value of a string element, or "".
func stringValue(ds dicom.Dataset, t tag.Tag) string {
	elem, err := ds.FindElementByTag(t)
	if err != nil || elem == nil {
		return ""
	}
	strs, ok := elem.Value.GetValue().([]string)
	if !ok || len(strs) == 0 {
		return ""
	}
	return strings.TrimSpace(strs[0])
}
