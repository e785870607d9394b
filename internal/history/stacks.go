// Package history keeps per-viewport undo/redo stacks of labelmap edits.
//
// History is linear: recording a new entry discards the redo stack, so
// branching histories are not supported. An entry lives in at most one of the
// two stacks at any time.
package history

import "sync"

// Entry is one recorded edit. ID names the logical edit (often the
// segmentation id); Snapshot is an opaque payload owned by the entry.
type Entry[T any] struct {
	ID       string
	Label    string
	Snapshot T
}

// ViewportStacks is the pair of stacks kept for one viewport. The last
// element of each slice is the top.
type ViewportStacks[T any] struct {
	Undo []Entry[T]
	Redo []Entry[T]
}

// Stacks holds history for every viewport. Viewports are fully partitioned.
//
// Stacks is safe for concurrent use; operations on one viewport are applied
// in call order.
type Stacks[T any] struct {
	mu        sync.Mutex
	viewports map[string]*ViewportStacks[T]
}

// New creates an empty history.
func New[T any]() *Stacks[T] {
	return &Stacks[T]{viewports: make(map[string]*ViewportStacks[T])}
}

func (s *Stacks[T]) ensureLocked(viewportID string) *ViewportStacks[T] {
	vs, ok := s.viewports[viewportID]
	if !ok {
		vs = &ViewportStacks[T]{}
		s.viewports[viewportID] = vs
	}
	return vs
}

// Ensure returns a copy of the viewport's stacks, creating them if needed.
func (s *Stacks[T]) Ensure(viewportID string) ViewportStacks[T] {
	s.mu.Lock()
	defer s.mu.Unlock()

	vs := s.ensureLocked(viewportID)
	return ViewportStacks[T]{
		Undo: append([]Entry[T](nil), vs.Undo...),
		Redo: append([]Entry[T](nil), vs.Redo...),
	}
}

// Record pushes entry on the undo stack and clears the redo stack. An entry
// with an empty id is ignored. An existing undo entry with the same id is
// removed first, so the latest version always ends up on top.
func (s *Stacks[T]) Record(viewportID string, entry Entry[T]) {
	if entry.ID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	vs := s.ensureLocked(viewportID)
	vs.Undo = removeByID(vs.Undo, entry.ID)
	vs.Undo = append(vs.Undo, entry)
	vs.Redo = nil
}

// Update replaces the payload of the entry with the given id in either
// stack, keeping stack order and membership. It reports whether an entry was
// found.
func (s *Stacks[T]) Update(viewportID, id string, snapshot T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	vs, ok := s.viewports[viewportID]
	if !ok {
		return false
	}

	found := false
	for i := range vs.Undo {
		if vs.Undo[i].ID == id {
			vs.Undo[i].Snapshot = snapshot
			found = true
		}
	}
	for i := range vs.Redo {
		if vs.Redo[i].ID == id {
			vs.Redo[i].Snapshot = snapshot
			found = true
		}
	}
	return found
}

// Remove deletes every entry with the given id from both stacks.
func (s *Stacks[T]) Remove(viewportID, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vs, ok := s.viewports[viewportID]
	if !ok {
		return
	}
	vs.Undo = removeByID(vs.Undo, id)
	vs.Redo = removeByID(vs.Redo, id)
}

// RemoveLabel deletes every entry carrying label from all viewports and
// returns how many were dropped.
func (s *Stacks[T]) RemoveLabel(label string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, vs := range s.viewports {
		n := len(vs.Undo) + len(vs.Redo)
		vs.Undo = removeWhere(vs.Undo, func(e Entry[T]) bool { return e.Label == label })
		vs.Redo = removeWhere(vs.Redo, func(e Entry[T]) bool { return e.Label == label })
		removed += n - len(vs.Undo) - len(vs.Redo)
	}
	return removed
}

// ClearViewport drops both stacks of the viewport.
func (s *Stacks[T]) ClearViewport(viewportID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.viewports, viewportID)
}

// ConsumeUndo pops the most recent undo entry and moves it to the redo
// stack. ok is false when there is nothing to undo.
func (s *Stacks[T]) ConsumeUndo(viewportID string) (entry Entry[T], ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vs := s.ensureLocked(viewportID)
	if len(vs.Undo) == 0 {
		return Entry[T]{}, false
	}
	entry = vs.Undo[len(vs.Undo)-1]
	vs.Undo = vs.Undo[:len(vs.Undo)-1]
	vs.Redo = append(vs.Redo, entry)
	return entry, true
}

// ConsumeRedo pops the most recent redo entry and moves it back to the undo
// stack. ok is false when there is nothing to redo.
func (s *Stacks[T]) ConsumeRedo(viewportID string) (entry Entry[T], ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vs := s.ensureLocked(viewportID)
	if len(vs.Redo) == 0 {
		return Entry[T]{}, false
	}
	entry = vs.Redo[len(vs.Redo)-1]
	vs.Redo = vs.Redo[:len(vs.Redo)-1]
	vs.Undo = append(vs.Undo, entry)
	return entry, true
}

// UndoLen returns the undo stack depth of the viewport.
func (s *Stacks[T]) UndoLen(viewportID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if vs, ok := s.viewports[viewportID]; ok {
		return len(vs.Undo)
	}
	return 0
}

// RedoLen returns the redo stack depth of the viewport.
func (s *Stacks[T]) RedoLen(viewportID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if vs, ok := s.viewports[viewportID]; ok {
		return len(vs.Redo)
	}
	return 0
}

// Peek returns the top undo entry without consuming it.
func (s *Stacks[T]) Peek(viewportID string) (Entry[T], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vs, ok := s.viewports[viewportID]
	if !ok || len(vs.Undo) == 0 {
		return Entry[T]{}, false
	}
	return vs.Undo[len(vs.Undo)-1], true
}

func removeByID[T any](entries []Entry[T], id string) []Entry[T] {
	return removeWhere(entries, func(e Entry[T]) bool { return e.ID == id })
}

func removeWhere[T any](entries []Entry[T], drop func(Entry[T]) bool) []Entry[T] {
	out := entries[:0]
	for _, e := range entries {
		if !drop(e) {
			out = append(out, e)
		}
	}
	// clear the tail so dropped payloads can be collected
	for i := len(out); i < len(entries); i++ {
		entries[i] = Entry[T]{}
	}
	return out
}
