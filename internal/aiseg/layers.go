package aiseg

import "sync"

// LayerSelector reports the segmentation layer new results are written to.
type LayerSelector interface {
	ActiveLayer() (string, bool)
}

// Layers is a LayerSelector holding one selected layer id.
type Layers struct {
	mu     sync.RWMutex
	active string
}

// Select makes id the active layer. An empty id deselects.
func (l *Layers) Select(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active = id
}

// Clear deselects the active layer.
func (l *Layers) Clear() {
	l.Select("")
}

// ActiveLayer returns the selected layer id.
func (l *Layers) ActiveLayer() (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active, l.active != ""
}
