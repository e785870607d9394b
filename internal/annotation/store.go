// Package annotation holds the per-viewport annotation state and the active
// input tool.
package annotation

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Annotation is a shape drawn by a tool on a viewport. Handles are world
// coordinates; a rectangle carries its four corners.
type Annotation struct {
	UID        string
	ToolName   string
	ViewportID string
	Handles    [][3]float64
	Completed  bool
}

// Store keeps annotations by uid. It is safe for concurrent use.
type Store struct {
	mu          sync.RWMutex
	annotations map[string]Annotation
	order       []string
}

// NewStore creates an empty annotation store.
func NewStore() *Store {
	return &Store{annotations: make(map[string]Annotation)}
}

// Add stores a copy of a and returns its uid. A uid is generated when a has
// none.
func (s *Store) Add(a Annotation) string {
	if a.UID == "" {
		a.UID = uuid.NewString()
	}
	a.Handles = cloneHandles(a.Handles)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.annotations[a.UID]; !ok {
		s.order = append(s.order, a.UID)
	}
	s.annotations[a.UID] = a
	return a.UID
}

// Get returns the annotations of one tool on one viewport, oldest first.
func (s *Store) Get(toolName, viewportID string) []Annotation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Annotation
	for _, uid := range s.order {
		a := s.annotations[uid]
		if a.ToolName == toolName && a.ViewportID == viewportID {
			a.Handles = cloneHandles(a.Handles)
			out = append(out, a)
		}
	}
	return out
}

// ByUID returns the annotation with the given uid.
func (s *Store) ByUID(uid string) (Annotation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.annotations[uid]
	if ok {
		a.Handles = cloneHandles(a.Handles)
	}
	return a, ok
}

// Remove deletes an annotation. It reports whether the uid existed.
func (s *Store) Remove(uid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.annotations[uid]; !ok {
		return false
	}
	delete(s.annotations, uid)
	for i, id := range s.order {
		if id == uid {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// RemoveViewport deletes every annotation drawn on the viewport.
func (s *Store) RemoveViewport(viewportID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.order[:0]
	removed := 0
	for _, uid := range s.order {
		if s.annotations[uid].ViewportID == viewportID {
			delete(s.annotations, uid)
			removed++
			continue
		}
		kept = append(kept, uid)
	}
	s.order = kept
	return removed
}

// List returns every annotation sorted by viewport, then insertion order.
func (s *Store) List() []Annotation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Annotation, 0, len(s.order))
	for _, uid := range s.order {
		a := s.annotations[uid]
		a.Handles = cloneHandles(a.Handles)
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ViewportID < out[j].ViewportID
	})
	return out
}

func cloneHandles(h [][3]float64) [][3]float64 {
	if h == nil {
		return nil
	}
	return append([][3]float64(nil), h...)
}
