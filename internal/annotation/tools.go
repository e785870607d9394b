package annotation

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
)

// Tool names understood by the viewer.
const (
	ToolRectangleROI = "RectangleROI"
	ToolBrush        = "Brush"
	ToolWindowLevel  = "WindowLevel"
)

// ToolGroup tracks the active primary input tool of a viewer.
type ToolGroup struct {
	mu     sync.Mutex
	active string
}

// NewToolGroup creates a tool group with the given initial tool.
func NewToolGroup(initial string) *ToolGroup {
	return &ToolGroup{active: initial}
}

// Active returns the active tool name.
func (g *ToolGroup) Active() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// SetActive activates name and returns the previously active tool.
func (g *ToolGroup) SetActive(name string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	prev := g.active
	g.active = name
	return prev
}

// BBox is an axis-aligned box in image coordinates: [minX, minY, maxX, maxY].
type BBox [4]float64

// MinX etc. name the box corners.
func (b BBox) MinX() float64 { return b[0] }
func (b BBox) MinY() float64 { return b[1] }
func (b BBox) MaxX() float64 { return b[2] }
func (b BBox) MaxY() float64 { return b[3] }

// Empty reports whether the box has no area.
func (b BBox) Empty() bool {
	return b[2] <= b[0] || b[3] <= b[1]
}

// String formats the box the way ParseBBox reads it.
func (b BBox) String() string {
	parts := make([]string, len(b))
	for i, v := range b {
		parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strings.Join(parts, ",")
}

// ParseBBox reads "minX,minY,maxX,maxY". Corners may be given in any order.
func ParseBBox(s string) (BBox, error) {
	fields := strings.Split(s, ",")
	if len(fields) != 4 {
		return BBox{}, fmt.Errorf("invalid bounding box %q: want minX,minY,maxX,maxY", s)
	}
	var v [4]float64
	for i, f := range fields {
		n, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return BBox{}, fmt.Errorf("invalid bounding box %q: %w", s, err)
		}
		v[i] = n
	}
	b := BBox{math.Min(v[0], v[2]), math.Min(v[1], v[3]), math.Max(v[0], v[2]), math.Max(v[1], v[3])}
	if b.Empty() {
		return BBox{}, fmt.Errorf("invalid bounding box %q: no area", s)
	}
	return b, nil
}

// Clamp restricts the box to a columns x rows raster and rounds it to whole
// pixel bounds. The returned max values are exclusive.
func (b BBox) Clamp(columns, rows int) (x0, y0, x1, y1 int) {
	x0 = clampInt(int(math.Floor(b[0])), 0, columns)
	y0 = clampInt(int(math.Floor(b[1])), 0, rows)
	x1 = clampInt(int(math.Ceil(b[2])), 0, columns)
	y1 = clampInt(int(math.Ceil(b[3])), 0, rows)
	return x0, y0, x1, y1
}

// BoundingBox computes the per-axis min/max over the first four handles, so
// corner order does not matter. It returns false with fewer than four handles.
func BoundingBox(handles [][3]float64) (BBox, bool) {
	if len(handles) < 4 {
		return BBox{}, false
	}
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, h := range handles[:4] {
		minX = math.Min(minX, h[0])
		minY = math.Min(minY, h[1])
		maxX = math.Max(maxX, h[0])
		maxY = math.Max(maxY, h[1])
	}
	return BBox{minX, minY, maxX, maxY}, true
}

// Rectangle returns the four corner handles of a box, clockwise from the
// top-left corner.
func Rectangle(b BBox) [][3]float64 {
	return [][3]float64{
		{b[0], b[1], 0},
		{b[2], b[1], 0},
		{b[2], b[3], 0},
		{b[0], b[3], 0},
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
