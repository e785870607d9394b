// Package session wires the image cache, labelmap lifecycle, history, AI
// controller and inference worker into one viewer session.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mrsinham/dicomseg/internal/aiseg"
	"github.com/mrsinham/dicomseg/internal/annotation"
	"github.com/mrsinham/dicomseg/internal/config"
	"github.com/mrsinham/dicomseg/internal/eventbus"
	"github.com/mrsinham/dicomseg/internal/history"
	"github.com/mrsinham/dicomseg/internal/imagecache"
	"github.com/mrsinham/dicomseg/internal/inference"
	"github.com/mrsinham/dicomseg/internal/labelmap"
	"github.com/mrsinham/dicomseg/internal/layerstore"
	"github.com/mrsinham/dicomseg/internal/metrics"
	"github.com/mrsinham/dicomseg/internal/render"
	"github.com/mrsinham/dicomseg/internal/segstate"
	"github.com/mrsinham/dicomseg/internal/snapshot"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var (
	// ErrUnknownViewport is returned for viewports that were never opened.
	ErrUnknownViewport = errors.New("viewport not open")
	// ErrNoLayerSelected is returned by edits made without an active layer.
	ErrNoLayerSelected = errors.New("no layer selected")
	// ErrSliceOutOfRange is returned for slice indexes outside the stack.
	ErrSliceOutOfRange = errors.New("slice index out of range")
)

// EditSnapshot is the history payload: the labelmap before and after one
// edit. Undo restores Before, redo restores After.
type EditSnapshot struct {
	Before *snapshot.Snapshot
	After  *snapshot.Snapshot
}

// Deps are the collaborators a session cannot build from configuration.
type Deps struct {
	// Loader decodes reference images. Required.
	Loader imagecache.Loader
	// Segmenter defaults to an OtsuSegmenter.
	Segmenter inference.Segmenter
	// LayerStore overrides the configured storage backend. The session does
	// not close a supplied store.
	LayerStore snapshot.LayerStore
	// Registerer receives the session metrics. Nil disables metrics.
	Registerer prometheus.Registerer
	// Notifier defaults to logging notifications.
	Notifier aiseg.Notifier
	Logger   zerolog.Logger
}

type viewport struct {
	imageIDs       []string
	instanceMap    map[string]int
	segmentationID string
}

// Session is one viewer. It is safe for concurrent use.
type Session struct {
	cfg     config.Config
	logger  zerolog.Logger
	metrics *metrics.Metrics

	bus         *eventbus.Bus
	cache       *imagecache.Cache
	segs        *segstate.Store
	annotations *annotation.Store
	tools       *annotation.ToolGroup
	layers      *aiseg.Layers
	manager     *labelmap.Manager
	snaps       *snapshot.Store
	history     *history.Stacks[EditSnapshot]
	controller  *aiseg.Controller
	worker      *inference.Worker
	renderer    *render.Renderer

	layerStore snapshot.LayerStore
	closeStore func() error

	// edits serializes labelmap pixel writes with the inference worker.
	edits sync.Mutex

	mu        sync.Mutex
	viewports map[string]*viewport
	// layerViewports records which viewport a layer was selected on.
	layerViewports map[string]string
	// pending holds dispatched AI requests not yet resolved.
	pending map[string]string
	editSeq int
	subs    []string
}

// New builds a session from cfg.
func New(cfg config.Config, deps Deps) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if deps.Loader == nil {
		return nil, errors.New("new session: missing image loader")
	}

	s := &Session{
		cfg:            cfg,
		logger:         deps.Logger,
		viewports:      make(map[string]*viewport),
		layerViewports: make(map[string]string),
		pending:        make(map[string]string),
		history:        history.New[EditSnapshot](),
		annotations:    annotation.NewStore(),
		tools:          annotation.NewToolGroup(annotation.ToolWindowLevel),
		layers:         &aiseg.Layers{},
		segs:           segstate.NewStore(),
	}

	if deps.Registerer != nil {
		m, err := metrics.New(deps.Registerer)
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		s.metrics = m
	}

	s.bus = eventbus.New(eventbus.WithLogger(s.logger))

	cache, err := imagecache.New(cfg.Cache.ReferenceCapacity,
		imagecache.WithLogger(s.logger),
		imagecache.WithEvictionHook(func(string) { s.metrics.CacheEvicted() }),
	)
	if err != nil {
		return nil, fmt.Errorf("create image cache: %w", err)
	}
	s.cache = cache

	if err := s.openLayerStore(deps.LayerStore); err != nil {
		return nil, err
	}

	s.manager = labelmap.NewManager(labelmap.NewRegistry(), cache, deps.Loader, s.segs,
		labelmap.WithStyle(cfg.Style.SegStyle()),
		labelmap.WithLoadConcurrency(cfg.Cache.LoadConcurrency),
		labelmap.WithMetrics(s.metrics),
		labelmap.WithLogger(s.logger),
	)
	s.snaps = snapshot.NewStore(s.segs, cache, s.bus,
		snapshot.WithLayerStore(s.layerStore),
		snapshot.WithMetrics(s.metrics),
		snapshot.WithLogger(s.logger),
	)

	notifier := deps.Notifier
	if notifier == nil {
		notifier = aiseg.LogNotifier{Logger: s.logger}
	}
	s.controller = aiseg.New(s.bus, s.annotations, s.tools, s.layers,
		aiseg.WithSaver(s.snaps),
		aiseg.WithNotifier(notifier),
		aiseg.WithMetrics(s.metrics),
		aiseg.WithLogger(s.logger),
	)

	// Request tracking must see a request before the worker can answer it.
	s.subs = append(s.subs,
		s.bus.Subscribe(s.onRequest, eventbus.AISegmentViewport),
		s.bus.Subscribe(s.onCancel, eventbus.AISegmentationCancel),
		s.bus.Subscribe(s.onSuccess, eventbus.AISegmentationSuccess),
		s.bus.Subscribe(s.onError, eventbus.AISegmentationError),
	)

	segmenter := deps.Segmenter
	if segmenter == nil {
		segmenter = inference.OtsuSegmenter{MinComponent: cfg.Segmenter.MinComponent}
	}
	s.worker = inference.NewWorker(s.bus, cache, s.snaps, segmenter,
		inference.Config{Label: byte(cfg.Segmenter.Label), Timeout: cfg.Segmenter.Timeout},
		inference.WithEditLock(&s.edits),
		inference.WithMetrics(s.metrics),
		inference.WithLogger(s.logger),
	)

	s.renderer = render.New(s.bus, cache, s.segs,
		render.WithEditLock(&s.edits),
		render.WithOutputDir(cfg.Render.OutputDir),
		render.WithScale(cfg.Render.Scale),
		render.WithLogger(s.logger),
	)
	return s, nil
}

func (s *Session) openLayerStore(supplied snapshot.LayerStore) error {
	if supplied != nil {
		s.layerStore = supplied
		return nil
	}
	switch s.cfg.Storage.Backend {
	case config.BackendBadger:
		bcfg := layerstore.DefaultConfig(s.cfg.Storage.Path)
		bcfg.SyncWrites = s.cfg.Storage.SyncWrites
		bcfg.GCInterval = s.cfg.Storage.GCInterval
		bcfg.Logger = s.logger
		db, err := layerstore.Open(bcfg)
		if err != nil {
			return fmt.Errorf("open layer store: %w", err)
		}
		s.layerStore, s.closeStore = db, db.Close
	default:
		mem := layerstore.NewMemory()
		s.layerStore, s.closeStore = mem, mem.Close
	}
	return nil
}

// Bus returns the session event bus.
func (s *Session) Bus() *eventbus.Bus { return s.bus }

// Cache returns the shared image cache.
func (s *Session) Cache() *imagecache.Cache { return s.cache }

// Controller returns the AI segmentation controller.
func (s *Session) Controller() *aiseg.Controller { return s.controller }

// Renderer returns the overlay renderer.
func (s *Session) Renderer() *render.Renderer { return s.renderer }

// Tools returns the tool group.
func (s *Session) Tools() *annotation.ToolGroup { return s.tools }

// Snapshots returns the snapshot store.
func (s *Session) Snapshots() *snapshot.Store { return s.snaps }

// History returns a copy of the viewport's undo and redo stacks.
func (s *Session) History(viewportID string) history.ViewportStacks[EditSnapshot] {
	return s.history.Ensure(viewportID)
}

// HistoryDepth returns how many edits can be undone and redone on a viewport.
func (s *Session) HistoryDepth(viewportID string) (undo, redo int) {
	return s.history.UndoLen(viewportID), s.history.RedoLen(viewportID)
}

// LastEdit returns the id of the edit the next Undo would revert.
func (s *Session) LastEdit(viewportID string) (string, bool) {
	e, ok := s.history.Peek(viewportID)
	return e.ID, ok
}

// OpenViewport shows imageIDs on a viewport and makes sure it has a labelmap
// segmentation. It returns the segmentation id.
func (s *Session) OpenViewport(ctx context.Context, viewportID string, imageIDs []string, instanceMap map[string]int) (string, error) {
	segID, err := s.manager.EnsureViewportLabelmapSegmentation(ctx, viewportID, imageIDs)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	prev, reopened := s.viewports[viewportID]
	s.viewports[viewportID] = &viewport{
		imageIDs:       append([]string(nil), imageIDs...),
		instanceMap:    instanceMap,
		segmentationID: segID,
	}
	s.mu.Unlock()

	// History captured against another image stack cannot be replayed.
	if reopened && !equalIDs(prev.imageIDs, imageIDs) {
		s.history.ClearViewport(viewportID)
	}
	s.history.Ensure(viewportID)
	s.logger.Debug().Str("viewport_id", viewportID).Int("images", len(imageIDs)).Msg("viewport opened")
	return segID, nil
}

// CloseViewport tears a viewport down. Cleanup is best effort.
func (s *Session) CloseViewport(viewportID string) {
	s.mu.Lock()
	vp, ok := s.viewports[viewportID]
	delete(s.viewports, viewportID)
	s.mu.Unlock()
	if !ok {
		return
	}

	s.history.ClearViewport(viewportID)
	s.annotations.RemoveViewport(viewportID)
	s.manager.DisposeLabelmapImages(viewportID)
	if err := s.segs.Remove(vp.segmentationID); err != nil {
		s.logger.Warn().Err(err).Str("segmentation_id", vp.segmentationID).Msg("failed to remove segmentation")
	}
}

func (s *Session) viewport(viewportID string) (*viewport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vp, ok := s.viewports[viewportID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownViewport, viewportID)
	}
	return vp, nil
}

// SelectLayer makes layerID the active layer for edits on a viewport.
func (s *Session) SelectLayer(viewportID, layerID string) error {
	if layerID == "" {
		return errors.New("select layer: empty layer id")
	}
	if _, err := s.viewport(viewportID); err != nil {
		return err
	}
	s.mu.Lock()
	s.layerViewports[layerID] = viewportID
	s.mu.Unlock()
	s.layers.Select(layerID)
	return nil
}

// DeselectLayer clears the active layer.
func (s *Session) DeselectLayer() {
	s.layers.Clear()
}

// ActiveLayer returns the selected layer.
func (s *Session) ActiveLayer() (string, bool) {
	return s.layers.ActiveLayer()
}

func (s *Session) nextEditID(layerID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.editSeq++
	return fmt.Sprintf("%s/%d", layerID, s.editSeq)
}

// Paint stamps a filled disc of label onto one slice of the viewport's
// labelmap. Label 0 erases. The edit is recorded in history and persisted to
// the active layer. It returns the number of pixels changed.
func (s *Session) Paint(viewportID string, sliceIndex int, cx, cy, radius float64, label byte) (int, error) {
	layerID, ok := s.layers.ActiveLayer()
	if !ok {
		return 0, ErrNoLayerSelected
	}
	vp, err := s.viewport(viewportID)
	if err != nil {
		return 0, err
	}
	if sliceIndex < 0 || sliceIndex >= len(vp.imageIDs) {
		return 0, fmt.Errorf("%w: %d of %d", ErrSliceOutOfRange, sliceIndex, len(vp.imageIDs))
	}
	derivedID := labelmap.DerivedImageID(viewportID, sliceIndex)

	s.edits.Lock()
	im, ok := s.cache.Get(derivedID)
	if !ok {
		s.edits.Unlock()
		return 0, fmt.Errorf("paint %s: %w", derivedID, imagecache.ErrNotCached)
	}
	before, err := s.snaps.Capture(vp.segmentationID)
	if err != nil {
		s.edits.Unlock()
		return 0, err
	}
	changed := stampDisc(im, cx, cy, radius, label)
	var after *snapshot.Snapshot
	if changed > 0 {
		after, err = s.snaps.Capture(vp.segmentationID)
	}
	s.edits.Unlock()
	if err != nil {
		return changed, err
	}
	if changed == 0 {
		return 0, nil
	}

	s.history.Record(viewportID, history.Entry[EditSnapshot]{
		ID:       s.nextEditID(layerID),
		Label:    layerID,
		Snapshot: EditSnapshot{Before: before, After: after},
	})
	s.metrics.HistoryOp("record")
	s.bus.Publish(eventbus.SegmentationDataModified, snapshot.DataModified{
		SegmentationID: vp.segmentationID,
		ModifiedSlices: []string{derivedID},
	})
	s.persist(layerID, after)
	return changed, nil
}

// stampDisc writes label into every pixel whose centre lies within radius of
// (cx, cy).
func stampDisc(im *imagecache.Image, cx, cy, radius float64, label byte) int {
	changed := 0
	r2 := radius * radius
	for y := max(0, int(cy-radius)); y <= min(im.Rows-1, int(cy+radius)); y++ {
		for x := max(0, int(cx-radius)); x <= min(im.Columns-1, int(cx+radius)); x++ {
			dx, dy := float64(x)+0.5-cx, float64(y)+0.5-cy
			if dx*dx+dy*dy > r2 {
				continue
			}
			i := y*im.Columns + x
			if im.PixelData[i] != label {
				im.PixelData[i] = label
				changed++
			}
		}
	}
	return changed
}

func (s *Session) persist(layerID string, snap *snapshot.Snapshot) {
	if layerID == "" || snap == nil {
		return
	}
	if err := s.snaps.Save(context.Background(), layerID, snap); err != nil {
		s.logger.Warn().Err(err).Str("layer_id", layerID).Msg("failed to persist layer")
	}
}

// Undo reverts the latest edit on a viewport. It reports false when there is
// nothing to undo or the edit no longer applies to the live labelmap.
func (s *Session) Undo(viewportID string) bool {
	entry, ok := s.history.ConsumeUndo(viewportID)
	if !ok {
		return false
	}
	s.metrics.HistoryOp("undo")
	return s.apply(entry.Label, entry.Snapshot.Before)
}

// Redo reapplies the latest undone edit on a viewport.
func (s *Session) Redo(viewportID string) bool {
	entry, ok := s.history.ConsumeRedo(viewportID)
	if !ok {
		return false
	}
	s.metrics.HistoryOp("redo")
	return s.apply(entry.Label, entry.Snapshot.After)
}

func (s *Session) apply(layerID string, snap *snapshot.Snapshot) bool {
	s.edits.Lock()
	modified := s.snaps.Write(snap)
	s.edits.Unlock()
	if len(modified) == 0 {
		return false
	}
	s.snaps.Announce(snap.SegmentationID, modified)
	s.persist(layerID, snap)
	return true
}

// LoadLayer restores the persisted state of a layer onto its viewport. The
// restore is recorded in history so it can be undone.
func (s *Session) LoadLayer(ctx context.Context, layerID string) (bool, error) {
	snap, err := s.snaps.Load(ctx, layerID)
	if err != nil {
		return false, err
	}

	viewportID := s.viewportForSegmentation(snap.SegmentationID)
	if viewportID == "" {
		return false, fmt.Errorf("load layer %s: %w for segmentation %s", layerID, ErrUnknownViewport, snap.SegmentationID)
	}

	s.edits.Lock()
	before, err := s.snaps.Capture(snap.SegmentationID)
	if err != nil {
		s.edits.Unlock()
		return false, err
	}
	modified := s.snaps.Write(snap)
	s.edits.Unlock()
	if len(modified) == 0 {
		return false, nil
	}
	s.snaps.Announce(snap.SegmentationID, modified)

	s.history.Record(viewportID, history.Entry[EditSnapshot]{
		ID:       s.nextEditID(layerID),
		Label:    layerID,
		Snapshot: EditSnapshot{Before: before, After: snap},
	})
	s.metrics.HistoryOp("record")
	return true, nil
}

func (s *Session) viewportForSegmentation(segmentationID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, vp := range s.viewports {
		if vp.segmentationID == segmentationID {
			return id
		}
	}
	return ""
}

// DeleteLayer drops every history entry of a layer on every viewport and
// deletes its persisted snapshot, so a deleted layer can never be replayed.
func (s *Session) DeleteLayer(ctx context.Context, layerID string) error {
	if n := s.history.RemoveLabel(layerID); n > 0 {
		s.logger.Debug().Str("layer_id", layerID).Int("entries", n).Msg("layer history dropped")
	}

	s.mu.Lock()
	delete(s.layerViewports, layerID)
	s.mu.Unlock()
	if active, ok := s.layers.ActiveLayer(); ok && active == layerID {
		s.layers.Clear()
	}
	return s.snaps.Delete(ctx, layerID)
}

// StartAI enters AI segmentation mode on the viewport's current slice.
func (s *Session) StartAI(viewportID string, sliceIndex int) (bool, error) {
	vp, err := s.viewport(viewportID)
	if err != nil {
		return false, err
	}
	if sliceIndex < 0 || sliceIndex >= len(vp.imageIDs) {
		return false, fmt.Errorf("%w: %d of %d", ErrSliceOutOfRange, sliceIndex, len(vp.imageIDs))
	}
	return s.controller.Start(aiseg.StartInput{
		ViewportID:   viewportID,
		ImageIDs:     vp.imageIDs,
		InstanceMap:  vp.instanceMap,
		CurrentIndex: sliceIndex,
	}), nil
}

// DrawBoundingBox records a completed rectangle on a viewport with the
// active tool and hands it to the AI controller.
func (s *Session) DrawBoundingBox(viewportID string, box annotation.BBox) annotation.Annotation {
	a := annotation.Annotation{
		ToolName:   s.tools.Active(),
		ViewportID: viewportID,
		Handles:    annotation.Rectangle(box),
		Completed:  true,
	}
	a.UID = s.annotations.Add(a)
	s.controller.OnAnnotationCompleted(a)
	return a
}

// CancelAI leaves AI mode, abandoning any in-flight request.
func (s *Session) CancelAI() {
	s.controller.Cancel()
}

func (s *Session) onRequest(e eventbus.Event) {
	req, ok := e.Data.(aiseg.SegmentRequest)
	if !ok {
		return
	}
	s.mu.Lock()
	s.pending[req.RequestID] = req.ViewportID
	s.mu.Unlock()
}

func (s *Session) onCancel(e eventbus.Event) {
	payload, ok := e.Data.(aiseg.CancelPayload)
	if !ok {
		return
	}
	s.mu.Lock()
	delete(s.pending, payload.RequestID)
	s.mu.Unlock()
}

func (s *Session) onError(e eventbus.Event) {
	payload, ok := e.Data.(aiseg.ErrorPayload)
	if !ok {
		return
	}
	s.mu.Lock()
	delete(s.pending, payload.RequestID)
	s.mu.Unlock()
}

// onSuccess records accepted AI results in history. A result for a request
// that was cancelled is rolled back when nothing was edited after it.
func (s *Session) onSuccess(e eventbus.Event) {
	payload, ok := e.Data.(aiseg.SuccessPayload)
	if !ok || payload.Snapshot == nil {
		s.logger.Debug().Str("event_id", e.ID).Msg("malformed success event")
		return
	}

	s.mu.Lock()
	viewportID, accepted := s.pending[payload.RequestID]
	delete(s.pending, payload.RequestID)
	s.mu.Unlock()

	if !accepted {
		s.rollbackLate(payload)
		return
	}

	s.history.Record(viewportID, history.Entry[EditSnapshot]{
		ID:       s.nextEditID(payload.LayerID),
		Label:    payload.LayerID,
		Snapshot: EditSnapshot{Before: payload.Before, After: payload.Snapshot},
	})
	s.metrics.HistoryOp("record")
}

func (s *Session) rollbackLate(payload aiseg.SuccessPayload) {
	if payload.Before == nil {
		return
	}
	s.edits.Lock()
	current, err := s.snaps.Capture(payload.Snapshot.SegmentationID)
	if err != nil || !sameContent(current, payload.Snapshot) {
		s.edits.Unlock()
		s.logger.Debug().Str("request_id", payload.RequestID).Msg("late AI result kept, labelmap edited since")
		return
	}
	modified := s.snaps.Write(payload.Before)
	s.edits.Unlock()

	s.snaps.Announce(payload.Before.SegmentationID, modified)
	s.logger.Debug().Str("request_id", payload.RequestID).Msg("late AI result rolled back")
}

// Wait blocks until in-flight inference has finished.
func (s *Session) Wait() {
	s.worker.Wait()
}

// Close stops the worker, detaches every component from the bus and closes
// the layer store when the session opened it.
func (s *Session) Close() error {
	s.controller.Close()
	s.worker.Close()
	s.renderer.Close()
	for _, id := range s.subs {
		s.bus.Unsubscribe(id)
	}
	if s.closeStore != nil {
		return s.closeStore()
	}
	return nil
}

func sameContent(a, b *snapshot.Snapshot) bool {
	if a == nil || b == nil || len(a.ImageData) != len(b.ImageData) {
		return false
	}
	for i := range a.ImageData {
		if a.ImageData[i].ImageID != b.ImageData[i].ImageID || string(a.ImageData[i].PixelData) != string(b.ImageData[i].PixelData) {
			return false
		}
	}
	return true
}

func equalIDs(a, b []string) bool {
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
