// Package layerstore persists the labelmap snapshot of each segmentation
// layer.
package layerstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mrsinham/dicomseg/internal/snapshot"
)

// Memory is an in-process LayerStore. It is safe for concurrent use.
type Memory struct {
	mu     sync.RWMutex
	layers map[string]*snapshot.Snapshot
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{layers: make(map[string]*snapshot.Snapshot)}
}

// Put stores a copy of snap under layerID.
func (m *Memory) Put(ctx context.Context, layerID string, snap *snapshot.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("put layer %s: %w", layerID, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.layers[layerID] = snap.Clone()
	return nil
}

// Get returns a copy of the stored snapshot or snapshot.ErrNoSnapshot.
func (m *Memory) Get(ctx context.Context, layerID string) (*snapshot.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("get layer %s: %w", layerID, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.layers[layerID]
	if !ok {
		return nil, snapshot.ErrNoSnapshot
	}
	return snap.Clone(), nil
}

// Delete removes a layer snapshot.
func (m *Memory) Delete(ctx context.Context, layerID string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("delete layer %s: %w", layerID, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.layers[layerID]; !ok {
		return snapshot.ErrNoSnapshot
	}
	delete(m.layers, layerID)
	return nil
}

// List returns the stored layer ids in lexical order.
func (m *Memory) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.layers))
	for id := range m.layers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }
