// Package labelmap manages the derived labelmap buffers that back each
// viewport's segmentation.
package labelmap

import "sync"

// Registry records, per viewport, the derived labelmap image ids and the
// reference image ids they were derived from. The two lists are always
// registered and cleared together.
//
// A Registry belongs to one viewer session. It is safe for concurrent use.
type Registry struct {
	mu                sync.RWMutex
	labelmapImageIDs  map[string][]string
	referenceImageIDs map[string][]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		labelmapImageIDs:  make(map[string][]string),
		referenceImageIDs: make(map[string][]string),
	}
}

// Labelmaps returns the derived ids registered for the viewport.
func (r *Registry) Labelmaps(viewportID string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids, ok := r.labelmapImageIDs[viewportID]
	return append([]string(nil), ids...), ok
}

// References returns the reference ids registered for the viewport.
func (r *Registry) References(viewportID string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids, ok := r.referenceImageIDs[viewportID]
	return append([]string(nil), ids...), ok
}

// Register replaces the viewport's entry.
func (r *Registry) Register(viewportID string, labelmapIDs, referenceIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.labelmapImageIDs[viewportID] = append([]string(nil), labelmapIDs...)
	r.referenceImageIDs[viewportID] = append([]string(nil), referenceIDs...)
}

// Clear drops the viewport's entry.
func (r *Registry) Clear(viewportID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.labelmapImageIDs, viewportID)
	delete(r.referenceImageIDs, viewportID)
}

// Len returns the number of registered viewports.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.labelmapImageIDs)
}

func sameSequence(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
