package inference

import (
	"context"
	"errors"
	"fmt"

	"github.com/mrsinham/dicomseg/internal/annotation"
	"github.com/mrsinham/dicomseg/internal/imagecache"
)

var (
	// ErrEmptyRegion is returned when the box does not cover any pixel.
	ErrEmptyRegion = errors.New("bounding box covers no pixels")
	// ErrNoForeground is returned when nothing stands out inside the box.
	ErrNoForeground = errors.New("no foreground found in bounding box")
)

const histogramBins = 256

// Segmenter turns a bounding box on a reference image into a binary mask with
// the image's shape. Non-zero mask pixels are foreground.
type Segmenter interface {
	Segment(ctx context.Context, ref *imagecache.Image, bbox annotation.BBox) ([]byte, error)
}

// OtsuSegmenter thresholds the box with Otsu's method and keeps the largest
// 4-connected foreground component.
type OtsuSegmenter struct {
	// MinComponent discards results smaller than this many pixels.
	MinComponent int
}

// Segment implements Segmenter.
func (s OtsuSegmenter) Segment(ctx context.Context, ref *imagecache.Image, bbox annotation.BBox) ([]byte, error) {
	if err := ref.Validate(); err != nil {
		return nil, fmt.Errorf("segment %s: %w", ref.ID, err)
	}
	x0, y0, x1, y1 := bbox.Clamp(ref.Columns, ref.Rows)
	if x1 <= x0 || y1 <= y0 {
		return nil, ErrEmptyRegion
	}

	lo, hi := regionRange(ref, x0, y0, x1, y1)
	if hi == lo {
		return nil, ErrNoForeground
	}

	var hist [histogramBins]int
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			hist[bin(ref.At(y*ref.Columns+x), lo, hi)]++
		}
	}
	threshold := otsuThreshold(hist[:])

	fg := make([]bool, ref.NumPixels())
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			i := y*ref.Columns + x
			fg[i] = bin(ref.At(i), lo, hi) > threshold
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mask, size := largestComponent(fg, ref.Columns, x0, y0, x1, y1)
	if size == 0 || size < s.MinComponent {
		return nil, ErrNoForeground
	}
	return mask, nil
}

func regionRange(im *imagecache.Image, x0, y0, x1, y1 int) (lo, hi int) {
	lo, hi = im.At(y0*im.Columns+x0), im.At(y0*im.Columns+x0)
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			v := im.At(y*im.Columns + x)
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
	}
	return lo, hi
}

func bin(v, lo, hi int) int {
	return (v - lo) * (histogramBins - 1) / (hi - lo)
}

// otsuThreshold returns the bin that maximizes the between-class variance.
// Bins above the threshold are foreground.
func otsuThreshold(hist []int) int {
	total, sum := 0, 0.0
	for i, n := range hist {
		total += n
		sum += float64(i * n)
	}

	var (
		sumB, best float64
		weightB    int
		threshold  int
	)
	for i, n := range hist {
		weightB += n
		if weightB == 0 {
			continue
		}
		weightF := total - weightB
		if weightF == 0 {
			break
		}
		sumB += float64(i * n)
		meanB := sumB / float64(weightB)
		meanF := (sum - sumB) / float64(weightF)
		between := float64(weightB) * float64(weightF) * (meanB - meanF) * (meanB - meanF)
		if between > best {
			best = between
			threshold = i
		}
	}
	return threshold
}

// largestComponent labels 4-connected foreground regions inside the box and
// returns a mask of the largest one.
func largestComponent(fg []bool, columns, x0, y0, x1, y1 int) ([]byte, int) {
	seen := make([]bool, len(fg))
	var best []int
	queue := make([]int, 0, 64)

	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			start := y*columns + x
			if !fg[start] || seen[start] {
				continue
			}

			var component []int
			queue = append(queue[:0], start)
			seen[start] = true
			for len(queue) > 0 {
				i := queue[0]
				queue = queue[1:]
				component = append(component, i)

				cx, cy := i%columns, i/columns
				for _, n := range [4][2]int{{cx - 1, cy}, {cx + 1, cy}, {cx, cy - 1}, {cx, cy + 1}} {
					nx, ny := n[0], n[1]
					if nx < x0 || nx >= x1 || ny < y0 || ny >= y1 {
						continue
					}
					j := ny*columns + nx
					if fg[j] && !seen[j] {
						seen[j] = true
						queue = append(queue, j)
					}
				}
			}
			if len(component) > len(best) {
				best = component
			}
		}
	}

	mask := make([]byte, len(fg))
	for _, i := range best {
		mask[i] = 1
	}
	return mask, len(best)
}
