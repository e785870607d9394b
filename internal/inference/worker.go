// Package inference executes AI segmentation requests published on the bus.
package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mrsinham/dicomseg/internal/aiseg"
	"github.com/mrsinham/dicomseg/internal/eventbus"
	"github.com/mrsinham/dicomseg/internal/imagecache"
	"github.com/mrsinham/dicomseg/internal/labelmap"
	"github.com/mrsinham/dicomseg/internal/metrics"
	"github.com/mrsinham/dicomseg/internal/snapshot"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("dicomseg.inference")

// Bus is the event channel shared with the controller.
type Bus interface {
	Publish(eventType eventbus.Type, data any)
	Subscribe(handler eventbus.Handler, types ...eventbus.Type) string
	Unsubscribe(id string) bool
}

// Images gives access to cached reference and labelmap images.
type Images interface {
	Get(id string) (*imagecache.Image, bool)
}

// Capturer snapshots a segmentation.
type Capturer interface {
	Capture(segmentationID string) (*snapshot.Snapshot, error)
}

// Config tunes the worker.
type Config struct {
	// Label is written into the labelmap for foreground pixels.
	Label byte
	// Timeout bounds one request. Zero means no timeout.
	Timeout time.Duration
}

// Worker runs a Segmenter for every AISegmentViewport event. Each request
// runs on its own goroutine with a context cancelled by AISegmentationCancel.
type Worker struct {
	bus       Bus
	images    Images
	capturer  Capturer
	segmenter Segmenter
	cfg       Config
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	// edits serializes labelmap writes so before/after captures are exact.
	edits *sync.Mutex

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	subs    []string
	wg      sync.WaitGroup
	closed  bool
}

// Option configures a Worker.
type Option func(*Worker)

// WithMetrics records inference durations.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) {
		w.metrics = m
	}
}

// WithEditLock shares the lock that guards labelmap pixel writes with other
// editors.
func WithEditLock(mu *sync.Mutex) Option {
	return func(w *Worker) {
		w.edits = mu
	}
}

// WithLogger sets the worker logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

// NewWorker creates a worker and subscribes it to the bus.
func NewWorker(bus Bus, images Images, capturer Capturer, segmenter Segmenter, cfg Config, opts ...Option) *Worker {
	if cfg.Label == 0 {
		cfg.Label = 1
	}
	w := &Worker{
		bus:       bus,
		images:    images,
		capturer:  capturer,
		segmenter: segmenter,
		cfg:       cfg,
		logger:    zerolog.Nop(),
		cancels:   make(map[string]context.CancelFunc),
		edits:     &sync.Mutex{},
	}
	for _, opt := range opts {
		opt(w)
	}
	w.subs = []string{
		bus.Subscribe(w.handleRequest, eventbus.AISegmentViewport),
		bus.Subscribe(w.handleCancel, eventbus.AISegmentationCancel),
	}
	return w
}

func (w *Worker) handleRequest(e eventbus.Event) {
	req, ok := e.Data.(aiseg.SegmentRequest)
	if !ok {
		w.logger.Debug().Str("event_id", e.ID).Msg("malformed segmentation request")
		return
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if w.cfg.Timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), w.cfg.Timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	w.cancels[req.RequestID] = cancel
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		defer w.forget(req.RequestID)
		w.run(ctx, req)
	}()
}

func (w *Worker) handleCancel(e eventbus.Event) {
	payload, ok := e.Data.(aiseg.CancelPayload)
	if !ok {
		return
	}
	w.mu.Lock()
	cancel, ok := w.cancels[payload.RequestID]
	w.mu.Unlock()
	if ok {
		w.logger.Debug().Str("request_id", payload.RequestID).Msg("cancelling segmentation request")
		cancel()
	}
}

func (w *Worker) forget(requestID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if cancel, ok := w.cancels[requestID]; ok {
		cancel()
		delete(w.cancels, requestID)
	}
}

func (w *Worker) run(ctx context.Context, req aiseg.SegmentRequest) {
	ctx, span := tracer.Start(ctx, "inference.Segment",
		trace.WithAttributes(
			attribute.String("request_id", req.RequestID),
			attribute.String("viewport_id", req.ViewportID),
			attribute.Int("slice_index", req.CurrentIndex),
		),
	)
	defer span.End()

	w.bus.Publish(eventbus.AISegmentationStart, aiseg.StartPayload{RequestID: req.RequestID, ViewportID: req.ViewportID})

	start := time.Now()
	result, err := w.segment(ctx, req)
	w.metrics.ObserveInference(time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, context.Canceled) {
			w.logger.Debug().Str("request_id", req.RequestID).Msg("segmentation request abandoned")
			return
		}
		w.logger.Warn().Err(err).Str("request_id", req.RequestID).Msg("segmentation failed")
		w.bus.Publish(eventbus.AISegmentationError, aiseg.ErrorPayload{
			RequestID:  req.RequestID,
			ViewportID: req.ViewportID,
			Message:    err.Error(),
		})
		return
	}

	w.bus.Publish(eventbus.SegmentationDataModified, snapshot.DataModified{
		SegmentationID: result.Snapshot.SegmentationID,
		ModifiedSlices: []string{labelmap.DerivedImageID(req.ViewportID, req.CurrentIndex)},
	})
	w.bus.Publish(eventbus.AISegmentationSuccess, result)
}

func (w *Worker) segment(ctx context.Context, req aiseg.SegmentRequest) (aiseg.SuccessPayload, error) {
	if req.CurrentIndex < 0 || req.CurrentIndex >= len(req.ImageIDs) {
		return aiseg.SuccessPayload{}, fmt.Errorf("slice index %d out of range (%d images)", req.CurrentIndex, len(req.ImageIDs))
	}
	refID := req.ImageIDs[req.CurrentIndex]
	ref, ok := w.images.Get(refID)
	if !ok {
		return aiseg.SuccessPayload{}, fmt.Errorf("reference image %s is not loaded", refID)
	}
	derivedID := labelmap.DerivedImageID(req.ViewportID, req.CurrentIndex)
	derived, ok := w.images.Get(derivedID)
	if !ok {
		return aiseg.SuccessPayload{}, fmt.Errorf("labelmap image %s is not allocated", derivedID)
	}
	if derived.NumPixels() != ref.NumPixels() {
		return aiseg.SuccessPayload{}, fmt.Errorf("labelmap %s does not match reference %s", derivedID, refID)
	}

	mask, err := w.segmenter.Segment(ctx, ref, req.BBox)
	if err != nil {
		return aiseg.SuccessPayload{}, err
	}
	if err := ctx.Err(); err != nil {
		return aiseg.SuccessPayload{}, err
	}

	segID := labelmap.SegmentationIDForViewport(req.ViewportID)

	w.edits.Lock()
	defer w.edits.Unlock()

	before, err := w.capturer.Capture(segID)
	if err != nil {
		return aiseg.SuccessPayload{}, err
	}
	for i, m := range mask {
		if m != 0 {
			derived.PixelData[i] = w.cfg.Label
		}
	}
	after, err := w.capturer.Capture(segID)
	if err != nil {
		return aiseg.SuccessPayload{}, err
	}
	if after == nil {
		return aiseg.SuccessPayload{}, fmt.Errorf("segmentation %s has no labelmap to capture", segID)
	}

	return aiseg.SuccessPayload{
		RequestID:  req.RequestID,
		ViewportID: req.ViewportID,
		LayerID:    req.LayerID,
		Snapshot:   after,
		Before:     before,
	}, nil
}

// Wait blocks until every running request has finished.
func (w *Worker) Wait() {
	w.wg.Wait()
}

// Close cancels running requests, waits for them and unsubscribes.
func (w *Worker) Close() {
	w.mu.Lock()
	w.closed = true
	for _, cancel := range w.cancels {
		cancel()
	}
	subs := w.subs
	w.subs = nil
	w.mu.Unlock()

	w.wg.Wait()
	for _, id := range subs {
		w.bus.Unsubscribe(id)
	}
}
