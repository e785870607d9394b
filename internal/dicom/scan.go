package dicom

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	"golang.org/x/sync/errgroup"
)

// Instance is one image of a scanned series.
type Instance struct {
	Path           string
	ImageID        string
	SOPInstanceUID string
	InstanceNumber int
}

// Series groups the instances sharing a SeriesInstanceUID, ordered by
// InstanceNumber then path.
type Series struct {
	SeriesUID   string
	StudyUID    string
	Description string
	Modality    string
	Instances   []Instance
}

// ImageIDs returns the image ids of the series in display order.
func (s Series) ImageIDs() []string {
	ids := make([]string, len(s.Instances))
	for i, inst := range s.Instances {
		ids[i] = inst.ImageID
	}
	return ids
}

// InstanceMap maps each image id to its InstanceNumber.
func (s Series) InstanceMap() map[string]int {
	m := make(map[string]int, len(s.Instances))
	for _, inst := range s.Instances {
		m[inst.ImageID] = inst.InstanceNumber
	}
	return m
}

// ScanResult is the outcome of ScanSeries.
type ScanResult struct {
	Series []Series
	// Skipped lists files that could not be parsed as DICOM.
	Skipped []string
}

// ScanSeries walks dir and groups the DICOM files found by series. Pixel
// data is not read. Files that fail to parse are reported in Skipped.
func ScanSeries(ctx context.Context, dir string, workers int) (ScanResult, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return ScanResult{}, fmt.Errorf("walk %s: %w", dir, err)
	}

	type header struct {
		series, study, description, modality string
		inst                                  Instance
	}

	var (
		mu      sync.Mutex
		headers []header
		skipped []string
	)
	g, ctx := errgroup.WithContext(ctx)
	if workers <= 0 {
		workers = DefaultWorkers()
	}
	g.SetLimit(workers)
	for _, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			ds, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
			if err != nil {
				mu.Lock()
				skipped = append(skipped, path)
				mu.Unlock()
				return nil
			}
			// InstanceNumber is an IS element, parsed as a string.
			number, _ := strconv.Atoi(stringValue(ds, tag.InstanceNumber))
			h := header{
				series:      stringValue(ds, tag.SeriesInstanceUID),
				study:       stringValue(ds, tag.StudyInstanceUID),
				description: stringValue(ds, tag.SeriesDescription),
				modality:    stringValue(ds, tag.Modality),
				inst: Instance{
					Path:           path,
					ImageID:        ImageID(path),
					SOPInstanceUID: stringValue(ds, tag.SOPInstanceUID),
					InstanceNumber: number,
				},
			}
			mu.Lock()
			headers = append(headers, h)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ScanResult{}, err
	}

	bySeries := make(map[string]*Series)
	for _, h := range headers {
		s, ok := bySeries[h.series]
		if !ok {
			s = &Series{SeriesUID: h.series, StudyUID: h.study, Description: h.description, Modality: h.modality}
			bySeries[h.series] = s
		}
		s.Instances = append(s.Instances, h.inst)
	}

	result := ScanResult{Skipped: skipped}
	sort.Strings(result.Skipped)
	for _, s := range bySeries {
		sort.Slice(s.Instances, func(i, j int) bool {
			a, b := s.Instances[i], s.Instances[j]
			if a.InstanceNumber != b.InstanceNumber {
				return a.InstanceNumber < b.InstanceNumber
			}
			return a.Path < b.Path
		})
		result.Series = append(result.Series, *s)
	}
	sort.Slice(result.Series, func(i, j int) bool {
		return result.Series[i].SeriesUID < result.Series[j].SeriesUID
	})
	return result, nil
}
