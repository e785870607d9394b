// Package aiseg drives the AI-assisted bounding-box segmentation mode.
//
// The controller moves between three phases:
//
//	Idle -> AwaitingBox -> Processing -> Idle   (success or error)
//	Idle -> AwaitingBox -> Idle                 (cancel)
//
// Every dispatched request carries a request id. Start, success and error
// events naming any other id are dropped, so a result that arrives after a
// cancel cannot overwrite a newer session.
package aiseg

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/mrsinham/dicomseg/internal/annotation"
	"github.com/mrsinham/dicomseg/internal/eventbus"
	"github.com/mrsinham/dicomseg/internal/metrics"
	"github.com/mrsinham/dicomseg/internal/snapshot"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// ErrRequestInFlight is reported when a second request would be dispatched
// while one is still processing.
var ErrRequestInFlight = errors.New("AI segmentation request already in flight")

// User-facing messages.
const (
	MsgSelectLayer    = "Select a segmentation layer before starting AI segmentation"
	MsgDrawBox        = "Draw a bounding box around the region to segment"
	MsgCancelled      = "AI segmentation cancelled"
	MsgCompleted      = "AI segmentation completed"
	MsgBusy           = "An AI segmentation is already running"
	MsgGenericFailure = "AI segmentation failed"
)

// Phase is the externally visible controller phase.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAwaitingBox
	PhaseProcessing
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseAwaitingBox:
		return "AwaitingBoundingBox"
	case PhaseProcessing:
		return "Processing"
	default:
		return "Unknown"
	}
}

// StartInput is the viewport context captured when AI mode starts.
type StartInput struct {
	ViewportID   string
	ImageIDs     []string
	InstanceMap  map[string]int
	CurrentIndex int
}

// State is the observable controller state.
type State struct {
	Loading    bool
	Err        string
	LastResult *snapshot.Snapshot
	AIMode     bool
	Phase      Phase
}

// BBoxResult is an existing rectangle on a viewport.
type BBoxResult struct {
	BBox          annotation.BBox
	AnnotationUID string
}

// phase is the private per-phase state. Each variant carries what the next
// transition needs.
type phase interface {
	public() Phase
}

type idlePhase struct{}

type awaitingBoxPhase struct {
	input        StartInput
	layerID      string
	previousTool string
}

type processingPhase struct {
	requestID    string
	viewportID   string
	layerID      string
	acknowledged bool
}

func (idlePhase) public() Phase        { return PhaseIdle }
func (awaitingBoxPhase) public() Phase { return PhaseAwaitingBox }
func (processingPhase) public() Phase  { return PhaseProcessing }

// Annotations is the annotation store used to read and delete rectangles.
type Annotations interface {
	Get(toolName, viewportID string) []annotation.Annotation
	Remove(uid string) bool
}

// Tools switches the active input tool.
type Tools interface {
	Active() string
	SetActive(name string) string
}

// Bus is the event channel to the inference executor.
type Bus interface {
	Publish(eventType eventbus.Type, data any)
	Subscribe(handler eventbus.Handler, types ...eventbus.Type) string
	Unsubscribe(id string) bool
}

// Saver persists a result onto a layer.
type Saver interface {
	Save(ctx context.Context, layerID string, snap *snapshot.Snapshot) error
}

// Controller is the AI-segmentation mode state machine. It is safe for
// concurrent use; bus events are published after its lock is released.
type Controller struct {
	bus         Bus
	annotations Annotations
	tools       Tools
	layers      LayerSelector
	saver       Saver
	notifier    Notifier
	metrics     *metrics.Metrics
	logger      zerolog.Logger

	inflight *semaphore.Weighted

	mu         sync.Mutex
	phase      phase
	err        string
	lastResult *snapshot.Snapshot
	subs       []string
}

// Option configures a Controller.
type Option func(*Controller)

// WithSaver persists successful results onto the target layer.
func WithSaver(s Saver) Option {
	return func(c *Controller) {
		c.saver = s
	}
}

// WithNotifier sets where user-facing messages go.
func WithNotifier(n Notifier) Option {
	return func(c *Controller) {
		c.notifier = n
	}
}

// WithMetrics records request outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithLogger sets the controller logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// New creates a controller and subscribes it to the executor's start,
// success and error events.
func New(bus Bus, annotations Annotations, tools Tools, layers LayerSelector, opts ...Option) *Controller {
	c := &Controller{
		bus:         bus,
		annotations: annotations,
		tools:       tools,
		layers:      layers,
		logger:      zerolog.Nop(),
		inflight:    semaphore.NewWeighted(1),
		phase:       idlePhase{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.notifier == nil {
		c.notifier = LogNotifier{Logger: c.logger}
	}

	c.subs = []string{
		bus.Subscribe(c.handleStart, eventbus.AISegmentationStart),
		bus.Subscribe(c.handleSuccess, eventbus.AISegmentationSuccess),
		bus.Subscribe(c.handleError, eventbus.AISegmentationError),
	}
	return c
}

// Close unsubscribes the controller from the bus.
func (c *Controller) Close() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, id := range subs {
		c.bus.Unsubscribe(id)
	}
}

// State returns a copy of the observable state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, awaiting := c.phase.(awaitingBoxPhase)
	_, processing := c.phase.(processingPhase)
	return State{
		Loading:    processing,
		Err:        c.err,
		LastResult: c.lastResult,
		AIMode:     awaiting,
		Phase:      c.phase.public(),
	}
}

// RequestID returns the id of the in-flight request.
func (c *Controller) RequestID() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.phase.(processingPhase); ok {
		return p.requestID, true
	}
	return "", false
}

// Start enters AI mode on a viewport. It requires an active layer and
// refuses while a request is processing; in both cases the user is notified
// and nothing changes. Starting again while already awaiting a box replaces
// the viewport context but keeps the tool to restore.
func (c *Controller) Start(in StartInput) bool {
	layerID, ok := c.layers.ActiveLayer()
	if !ok {
		c.notifier.Error(MsgSelectLayer)
		return false
	}

	c.mu.Lock()
	var previousTool string
	switch p := c.phase.(type) {
	case processingPhase:
		c.mu.Unlock()
		c.notifier.Error(MsgBusy)
		return false
	case awaitingBoxPhase:
		previousTool = p.previousTool
		c.tools.SetActive(annotation.ToolRectangleROI)
	default:
		previousTool = c.tools.SetActive(annotation.ToolRectangleROI)
	}
	c.phase = awaitingBoxPhase{
		input:        cloneInput(in),
		layerID:      layerID,
		previousTool: previousTool,
	}
	c.mu.Unlock()

	c.logger.Debug().Str("viewport_id", in.ViewportID).Str("layer_id", layerID).Msg("AI segmentation mode started")
	c.notifier.Info(MsgDrawBox)
	return true
}

// OnAnnotationCompleted handles a finished annotation. Only a completed
// rectangle with at least four handles on the AI viewport, received while
// awaiting a box, dispatches a request; everything else is ignored.
func (c *Controller) OnAnnotationCompleted(a annotation.Annotation) {
	c.mu.Lock()
	p, ok := c.phase.(awaitingBoxPhase)
	if !ok {
		c.mu.Unlock()
		c.logger.Debug().Str("annotation_uid", a.UID).Msg("annotation ignored outside AI mode")
		return
	}
	if a.ToolName != annotation.ToolRectangleROI || !a.Completed || a.ViewportID != p.input.ViewportID {
		c.mu.Unlock()
		c.logger.Debug().Str("tool", a.ToolName).Str("viewport_id", a.ViewportID).Msg("annotation ignored: not a rectangle on the AI viewport")
		return
	}
	bbox, ok := annotation.BoundingBox(a.Handles)
	if !ok {
		c.mu.Unlock()
		c.logger.Debug().Int("handles", len(a.Handles)).Msg("annotation ignored: fewer than four handles")
		return
	}
	if !c.inflight.TryAcquire(1) {
		c.mu.Unlock()
		c.metrics.AIRequest(metrics.OutcomeIgnored)
		c.logger.Debug().Err(ErrRequestInFlight).Msg("bounding box dropped")
		return
	}

	req := SegmentRequest{
		RequestID:    uuid.NewString(),
		ViewportID:   p.input.ViewportID,
		LayerID:      p.layerID,
		BBox:         bbox,
		ImageIDs:     p.input.ImageIDs,
		InstanceMap:  p.input.InstanceMap,
		CurrentIndex: p.input.CurrentIndex,
	}
	c.phase = processingPhase{
		requestID:  req.RequestID,
		viewportID: req.ViewportID,
		layerID:    req.LayerID,
	}
	c.err = ""
	c.tools.SetActive(p.previousTool)
	c.mu.Unlock()

	c.annotations.Remove(a.UID)
	c.metrics.AIRequest(metrics.OutcomeDispatched)
	c.logger.Info().
		Str("request_id", req.RequestID).
		Str("viewport_id", req.ViewportID).
		Floats64("bbox", bbox[:]).
		Msg("AI segmentation requested")
	c.bus.Publish(eventbus.AISegmentViewport, req)
}

// Cancel returns to Idle from any phase, restores the tool that was active
// before AI mode and tells the executor to abandon an in-flight request.
func (c *Controller) Cancel() {
	c.mu.Lock()
	var cancelled string
	switch p := c.phase.(type) {
	case awaitingBoxPhase:
		c.tools.SetActive(p.previousTool)
	case processingPhase:
		cancelled = p.requestID
		c.inflight.Release(1)
		c.logger.Debug().
			Str("request_id", p.requestID).
			Bool("acknowledged", p.acknowledged).
			Msg("cancelling in-flight AI request")
	}
	c.phase = idlePhase{}
	c.mu.Unlock()

	if cancelled != "" {
		c.metrics.AIRequest(metrics.OutcomeCancelled)
		c.bus.Publish(eventbus.AISegmentationCancel, CancelPayload{RequestID: cancelled})
	}
	c.notifier.Info(MsgCancelled)
}

// HasRectangleROI reports whether the viewport has a rectangle annotation.
func (c *Controller) HasRectangleROI(viewportID string) bool {
	_, ok := c.RectangleROIBBox(viewportID)
	return ok
}

// RectangleROIBBox returns the box of the newest usable rectangle on the
// viewport, regardless of controller phase.
func (c *Controller) RectangleROIBBox(viewportID string) (BBoxResult, bool) {
	rects := c.annotations.Get(annotation.ToolRectangleROI, viewportID)
	for i := len(rects) - 1; i >= 0; i-- {
		if bbox, ok := annotation.BoundingBox(rects[i].Handles); ok {
			return BBoxResult{BBox: bbox, AnnotationUID: rects[i].UID}, true
		}
	}
	return BBoxResult{}, false
}

// matchProcessing returns the processing phase when requestID is the one in
// flight. Callers must hold c.mu.
func (c *Controller) matchProcessing(requestID string) (processingPhase, bool) {
	p, ok := c.phase.(processingPhase)
	if !ok || p.requestID != requestID {
		return processingPhase{}, false
	}
	return p, true
}

func (c *Controller) handleStart(e eventbus.Event) {
	payload, ok := e.Data.(StartPayload)
	if !ok {
		c.logger.Debug().Str("event_id", e.ID).Msg("malformed start event")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.matchProcessing(payload.RequestID)
	if !ok {
		c.logger.Debug().Str("request_id", payload.RequestID).Msg("start event for stale request ignored")
		return
	}
	p.acknowledged = true
	c.phase = p
	c.err = ""
}

func (c *Controller) handleSuccess(e eventbus.Event) {
	payload, ok := e.Data.(SuccessPayload)
	if !ok {
		c.logger.Debug().Str("event_id", e.ID).Msg("malformed success event")
		return
	}

	c.mu.Lock()
	p, ok := c.matchProcessing(payload.RequestID)
	if !ok {
		c.mu.Unlock()
		c.metrics.AIRequest(metrics.OutcomeIgnored)
		c.logger.Debug().Str("request_id", payload.RequestID).Msg("success event for stale request ignored")
		return
	}
	c.phase = idlePhase{}
	c.lastResult = payload.Snapshot
	c.err = ""
	c.inflight.Release(1)
	c.mu.Unlock()

	c.metrics.AIRequest(metrics.OutcomeSuccess)
	layerID := payload.LayerID
	if layerID == "" {
		layerID = p.layerID
	}
	if layerID != "" && payload.Snapshot != nil && c.saver != nil {
		if err := c.saver.Save(context.Background(), layerID, payload.Snapshot); err != nil {
			c.logger.Warn().Err(err).Str("layer_id", layerID).Msg("failed to persist AI result")
		}
	}
	c.notifier.Info(MsgCompleted)
}

func (c *Controller) handleError(e eventbus.Event) {
	payload, ok := e.Data.(ErrorPayload)
	if !ok {
		c.logger.Debug().Str("event_id", e.ID).Msg("malformed error event")
		return
	}

	msg := payload.Message
	if msg == "" {
		msg = MsgGenericFailure
	}

	c.mu.Lock()
	if _, ok := c.matchProcessing(payload.RequestID); !ok {
		c.mu.Unlock()
		c.metrics.AIRequest(metrics.OutcomeIgnored)
		c.logger.Debug().Str("request_id", payload.RequestID).Msg("error event for stale request ignored")
		return
	}
	c.phase = idlePhase{}
	c.err = msg
	c.inflight.Release(1)
	c.mu.Unlock()

	c.metrics.AIRequest(metrics.OutcomeError)
	c.notifier.Error(msg)
}

func cloneInput(in StartInput) StartInput {
	out := StartInput{
		ViewportID:   in.ViewportID,
		ImageIDs:     append([]string(nil), in.ImageIDs...),
		CurrentIndex: in.CurrentIndex,
	}
	if in.InstanceMap != nil {
		out.InstanceMap = make(map[string]int, len(in.InstanceMap))
		for k, v := range in.InstanceMap {
			out.InstanceMap[k] = v
		}
	}
	return out
}
