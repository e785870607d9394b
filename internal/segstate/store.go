// Package segstate tracks segmentations, their labelmap representations and
// which viewports display them.
package segstate

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned for unknown segmentation ids.
var ErrNotFound = errors.New("segmentation not found")

// RepresentationLabelmap is the only representation type handled here.
const RepresentationLabelmap = "Labelmap"

// Segmentation is a logical segmentation backed by a sequence of labelmap
// images, one per reference slice.
type Segmentation struct {
	ID       string
	Label    string
	ImageIDs []string
}

// Style controls how a labelmap is drawn over its reference images.
type Style struct {
	RenderFill           bool
	FillAlpha            float64
	RenderOutline        bool
	OutlineWidth         int
	OutlineAlpha         float64
	FillAlphaInactive    float64
	OutlineAlphaInactive float64
}

// DefaultStyle keeps the underlying image legible under the overlay.
func DefaultStyle() Style {
	return Style{
		RenderFill:           true,
		FillAlpha:            0.35,
		RenderOutline:        true,
		OutlineWidth:         1,
		OutlineAlpha:         0.9,
		FillAlphaInactive:    0.15,
		OutlineAlphaInactive: 0.5,
	}
}

// Representation links a segmentation to a viewport.
type Representation struct {
	SegmentationID string
	Type           string
	Style          Style
	Active         bool
}

// Store is the segmentation-state store. It is safe for concurrent use.
type Store struct {
	mu            sync.RWMutex
	segmentations map[string]*Segmentation
	viewports     map[string][]*Representation
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		segmentations: make(map[string]*Segmentation),
		viewports:     make(map[string][]*Representation),
	}
}

// Add registers a segmentation. It fails if the id is already taken.
func (s *Store) Add(seg Segmentation) error {
	if seg.ID == "" {
		return fmt.Errorf("add segmentation: missing id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.segmentations[seg.ID]; ok {
		return fmt.Errorf("add segmentation %s: already exists", seg.ID)
	}
	ids := append([]string(nil), seg.ImageIDs...)
	s.segmentations[seg.ID] = &Segmentation{ID: seg.ID, Label: seg.Label, ImageIDs: ids}
	return nil
}

// Get returns a copy of the segmentation.
func (s *Store) Get(id string) (Segmentation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seg, ok := s.segmentations[id]
	if !ok {
		return Segmentation{}, false
	}
	return Segmentation{ID: seg.ID, Label: seg.Label, ImageIDs: append([]string(nil), seg.ImageIDs...)}, true
}

// Remove deletes the segmentation and detaches it from every viewport.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.segmentations[id]; !ok {
		return fmt.Errorf("remove segmentation %s: %w", id, ErrNotFound)
	}
	delete(s.segmentations, id)
	for vp, reps := range s.viewports {
		kept := reps[:0]
		for _, r := range reps {
			if r.SegmentationID != id {
				kept = append(kept, r)
			}
		}
		if len(kept) == 0 {
			delete(s.viewports, vp)
		} else {
			s.viewports[vp] = kept
		}
	}
	return nil
}

// AddToViewport attaches a labelmap representation of the segmentation to
// the viewport and makes it active. It returns false when the representation
// was already attached.
func (s *Store) AddToViewport(viewportID, segmentationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.segmentations[segmentationID]; !ok {
		return false, fmt.Errorf("attach segmentation %s to %s: %w", segmentationID, viewportID, ErrNotFound)
	}
	for _, r := range s.viewports[viewportID] {
		if r.SegmentationID == segmentationID {
			return false, nil
		}
	}
	for _, r := range s.viewports[viewportID] {
		r.Active = false
	}
	s.viewports[viewportID] = append(s.viewports[viewportID], &Representation{
		SegmentationID: segmentationID,
		Type:           RepresentationLabelmap,
		Style:          DefaultStyle(),
		Active:         true,
	})
	return true, nil
}

// Representations returns copies of the viewport's representations.
func (s *Store) Representations(viewportID string) []Representation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reps := s.viewports[viewportID]
	out := make([]Representation, len(reps))
	for i, r := range reps {
		out[i] = *r
	}
	return out
}

// SetStyle sets the style of a representation.
func (s *Store) SetStyle(viewportID, segmentationID string, style Style) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.viewports[viewportID] {
		if r.SegmentationID == segmentationID {
			r.Style = style
			return nil
		}
	}
	return fmt.Errorf("style %s on %s: %w", segmentationID, viewportID, ErrNotFound)
}

// Style returns the style of a representation.
func (s *Store) Style(viewportID, segmentationID string) (Style, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.viewports[viewportID] {
		if r.SegmentationID == segmentationID {
			return r.Style, true
		}
	}
	return Style{}, false
}

// ViewportsShowing returns the viewports the segmentation is attached to.
func (s *Store) ViewportsShowing(segmentationID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for vp, reps := range s.viewports {
		for _, r := range reps {
			if r.SegmentationID == segmentationID {
				ids = append(ids, vp)
				break
			}
		}
	}
	return ids
}
