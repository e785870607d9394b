// Package render draws labelmap overlays on their reference images and
// redraws them whenever segmentation data changes.
package render

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mrsinham/dicomseg/internal/eventbus"
	"github.com/mrsinham/dicomseg/internal/imagecache"
	"github.com/mrsinham/dicomseg/internal/segstate"
	"github.com/mrsinham/dicomseg/internal/snapshot"
	"github.com/rs/zerolog"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Palette maps labelmap values to overlay colors. Label 0 is background.
var Palette = []color.RGBA{
	{0, 0, 0, 0},
	{230, 60, 60, 255},
	{60, 200, 90, 255},
	{70, 120, 240, 255},
	{240, 200, 40, 255},
	{200, 80, 220, 255},
	{40, 210, 210, 255},
}

// Images gives access to cached images.
type Images interface {
	Get(id string) (*imagecache.Image, bool)
}

// Styles resolves how a segmentation is drawn on the viewports showing it.
type Styles interface {
	ViewportsShowing(segmentationID string) []string
	Representations(viewportID string) []segstate.Representation
}

// Renderer recomposes overlay previews for modified slices.
type Renderer struct {
	bus    *eventbus.Bus
	images Images
	styles Styles
	outDir string
	scale  int
	logger zerolog.Logger

	// edits guards labelmap pixel reads against concurrent editors.
	edits *sync.Mutex

	mu      sync.Mutex
	latest  map[string]*image.RGBA
	redraws map[string]int
	sub     string
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithOutputDir writes every redrawn slice as a PNG file into dir.
func WithOutputDir(dir string) Option {
	return func(r *Renderer) {
		r.outDir = dir
	}
}

// WithScale enlarges previews by an integer factor.
func WithScale(scale int) Option {
	return func(r *Renderer) {
		if scale > 0 {
			r.scale = scale
		}
	}
}

// WithEditLock shares the lock that guards labelmap pixel writes. The
// labelmap buffer is copied under it before drawing, so publishers of
// SegmentationDataModified must not hold it.
func WithEditLock(mu *sync.Mutex) Option {
	return func(r *Renderer) {
		r.edits = mu
	}
}

// WithLogger sets the renderer logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Renderer) {
		r.logger = logger
	}
}

// New creates a renderer subscribed to SegmentationDataModified.
func New(bus *eventbus.Bus, images Images, styles Styles, opts ...Option) *Renderer {
	r := &Renderer{
		bus:     bus,
		images:  images,
		styles:  styles,
		scale:   1,
		logger:  zerolog.Nop(),
		edits:   &sync.Mutex{},
		latest:  make(map[string]*image.RGBA),
		redraws: make(map[string]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.sub = bus.Subscribe(r.handle, eventbus.SegmentationDataModified)
	return r
}

// Close unsubscribes the renderer.
func (r *Renderer) Close() {
	r.bus.Unsubscribe(r.sub)
}

func (r *Renderer) handle(e eventbus.Event) {
	payload, ok := e.Data.(snapshot.DataModified)
	if !ok {
		r.logger.Debug().Str("event_id", e.ID).Msg("malformed data modified event")
		return
	}

	style, active := r.styleFor(payload.SegmentationID)
	for i, id := range payload.ModifiedSlices {
		img, err := r.Compose(id, style, active, fmt.Sprintf("%s %d/%d", sliceLabel(id), i+1, len(payload.ModifiedSlices)))
		if err != nil {
			r.logger.Debug().Err(err).Str("image_id", id).Msg("slice not redrawn")
			continue
		}

		r.mu.Lock()
		r.latest[id] = img
		r.redraws[id]++
		r.mu.Unlock()

		if r.outDir != "" {
			path := filepath.Join(r.outDir, FileName(id))
			if err := WritePNG(path, img); err != nil {
				r.logger.Warn().Err(err).Str("path", path).Msg("failed to write preview")
			}
		}
	}
}

func (r *Renderer) styleFor(segmentationID string) (segstate.Style, bool) {
	for _, vp := range r.styles.ViewportsShowing(segmentationID) {
		for _, rep := range r.styles.Representations(vp) {
			if rep.SegmentationID == segmentationID {
				return rep.Style, rep.Active
			}
		}
	}
	return segstate.DefaultStyle(), true
}

// Latest returns the most recent preview of a labelmap slice.
func (r *Renderer) Latest(labelmapID string) (*image.RGBA, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	img, ok := r.latest[labelmapID]
	return img, ok
}

// Redraws returns how many times a slice was redrawn.
func (r *Renderer) Redraws(labelmapID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.redraws[labelmapID]
}

// Compose draws the labelmap slice over its reference image.
func (r *Renderer) Compose(labelmapID string, style segstate.Style, active bool, caption string) (*image.RGBA, error) {
	lm, ok := r.images.Get(labelmapID)
	if !ok {
		return nil, fmt.Errorf("labelmap %s not cached", labelmapID)
	}
	ref, ok := r.images.Get(lm.ReferenceID)
	if !ok {
		return nil, fmt.Errorf("reference %s of %s not cached", lm.ReferenceID, labelmapID)
	}
	if ref.NumPixels() != lm.NumPixels() {
		return nil, fmt.Errorf("labelmap %s does not match reference %s", labelmapID, ref.ID)
	}

	r.edits.Lock()
	frozen := *lm
	frozen.PixelData = append([]byte(nil), lm.PixelData...)
	r.edits.Unlock()

	img := Overlay(ref, &frozen, style, active)
	if r.scale > 1 {
		b := img.Bounds()
		scaled := image.NewRGBA(image.Rect(0, 0, b.Dx()*r.scale, b.Dy()*r.scale))
		draw.NearestNeighbor.Scale(scaled, scaled.Bounds(), img, b, draw.Src, nil)
		img = scaled
	}
	if caption != "" {
		drawCaption(img, caption)
	}
	return img, nil
}

// Overlay windows the reference to 8 bits and blends the labelmap on top.
func Overlay(ref, lm *imagecache.Image, style segstate.Style, active bool) *image.RGBA {
	w, h := ref.Columns, ref.Rows
	img := image.NewRGBA(image.Rect(0, 0, w, h))

	lo, hi := ref.At(0), ref.At(0)
	for i := 1; i < ref.NumPixels(); i++ {
		v := ref.At(i)
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	span := hi - lo
	if span == 0 {
		span = 1
	}

	fillAlpha, outlineAlpha := style.FillAlpha, style.OutlineAlpha
	if !active {
		fillAlpha, outlineAlpha = style.FillAlphaInactive, style.OutlineAlphaInactive
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			g := uint8((ref.At(i) - lo) * 255 / span)
			c := color.RGBA{g, g, g, 255}

			if label := lm.PixelData[i]; label != 0 {
				lc := labelColor(label)
				switch {
				case style.RenderOutline && onBoundary(lm, x, y, style.OutlineWidth):
					c = blend(c, lc, outlineAlpha)
				case style.RenderFill:
					c = blend(c, lc, fillAlpha)
				}
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func labelColor(label byte) color.RGBA {
	return Palette[1+int(label-1)%(len(Palette)-1)]
}

func blend(base, over color.RGBA, alpha float64) color.RGBA {
	mix := func(a, b uint8) uint8 {
		return uint8(float64(a)*(1-alpha) + float64(b)*alpha)
	}
	return color.RGBA{mix(base.R, over.R), mix(base.G, over.G), mix(base.B, over.B), 255}
}

// onBoundary reports whether a labelled pixel lies within width pixels of a
// different label or the image edge.
func onBoundary(lm *imagecache.Image, x, y, width int) bool {
	if width <= 0 {
		width = 1
	}
	label := lm.PixelData[y*lm.Columns+x]
	for dy := -width; dy <= width; dy++ {
		for dx := -width; dx <= width; dx++ {
			nx, ny := x+dx, y+dy
			if nx < 0 || ny < 0 || nx >= lm.Columns || ny >= lm.Rows {
				return true
			}
			if lm.PixelData[ny*lm.Columns+nx] != label {
				return true
			}
		}
	}
	return false
}

// drawCaption writes text in the top-left corner, white on a dark band.
func drawCaption(img *image.RGBA, text string) {
	face := basicfont.Face7x13
	width := font.MeasureString(face, text).Ceil() + 6
	band := image.Rect(0, 0, width, 17).Intersect(img.Bounds())
	draw.Draw(img, band, image.NewUniform(color.RGBA{0, 0, 0, 160}), image.Point{}, draw.Over)

	drawer := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.RGBA{255, 255, 255, 255}),
		Face: face,
		Dot:  fixed.Point26_6{X: fixed.I(3), Y: fixed.I(13)},
	}
	drawer.DrawString(text)
}

func sliceLabel(labelmapID string) string {
	if i := strings.LastIndex(labelmapID, ":"); i >= 0 {
		return "Slice " + labelmapID[i+1:]
	}
	return labelmapID
}

// FileName turns an image id into a safe PNG file name.
func FileName(imageID string) string {
	r := strings.NewReplacer(":", "_", "/", "_", "\\", "_", " ", "_")
	return r.Replace(imageID) + ".png"
}

// WritePNG encodes img to path.
func WritePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create preview: %w", err)
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode preview: %w", err)
	}
	return f.Close()
}
