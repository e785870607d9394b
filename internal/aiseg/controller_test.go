package aiseg

import (
	"context"
	"sync"
	"testing"

	"github.com/mrsinham/dicomseg/internal/annotation"
	"github.com/mrsinham/dicomseg/internal/eventbus"
	"github.com/mrsinham/dicomseg/internal/snapshot"
)

type savedLayer struct {
	layerID string
	snap    *snapshot.Snapshot
}

type fakeSaver struct {
	mu    sync.Mutex
	saved []savedLayer
}

func (f *fakeSaver) Save(_ context.Context, layerID string, snap *snapshot.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, savedLayer{layerID, snap})
	return nil
}

type fixture struct {
	bus         *eventbus.Bus
	annotations *annotation.Store
	tools       *annotation.ToolGroup
	layers      *Layers
	notifier    *RecordingNotifier
	saver       *fakeSaver
	controller  *Controller
	requests    []SegmentRequest
	cancels     []CancelPayload
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		bus:         eventbus.New(),
		annotations: annotation.NewStore(),
		tools:       annotation.NewToolGroup(annotation.ToolWindowLevel),
		layers:      &Layers{},
		notifier:    &RecordingNotifier{},
		saver:       &fakeSaver{},
	}
	f.bus.Subscribe(func(e eventbus.Event) {
		f.requests = append(f.requests, e.Data.(SegmentRequest))
	}, eventbus.AISegmentViewport)
	f.bus.Subscribe(func(e eventbus.Event) {
		f.cancels = append(f.cancels, e.Data.(CancelPayload))
	}, eventbus.AISegmentationCancel)

	f.controller = New(f.bus, f.annotations, f.tools, f.layers, WithNotifier(f.notifier), WithSaver(f.saver))
	t.Cleanup(f.controller.Close)
	return f
}

func input() StartInput {
	return StartInput{
		ViewportID:   "vp",
		ImageIDs:     []string{"img-1", "img-2", "img-3"},
		InstanceMap:  map[string]int{"img-1": 1, "img-2": 2, "img-3": 3},
		CurrentIndex: 1,
	}
}

func rectangle(viewportID string) annotation.Annotation {
	return annotation.Annotation{
		ToolName:   annotation.ToolRectangleROI,
		ViewportID: viewportID,
		Handles:    [][3]float64{{10, 10, 0}, {50, 10, 0}, {50, 40, 0}, {10, 40, 0}},
		Completed:  true,
	}
}

// dispatch starts AI mode and completes a rectangle.
func (f *fixture) dispatch(t *testing.T) SegmentRequest {
	t.Helper()

	f.layers.Select("layer-1")
	if !f.controller.Start(input()) {
		t.Fatal("Start() = false")
	}
	a := rectangle("vp")
	a.UID = f.annotations.Add(a)
	f.controller.OnAnnotationCompleted(a)
	if len(f.requests) == 0 {
		t.Fatal("no request dispatched")
	}
	return f.requests[len(f.requests)-1]
}

func TestStart_RequiresLayer(t *testing.T) {
	f := newFixture(t)

	if f.controller.Start(input()) {
		t.Fatal("Start() without a layer = true")
	}
	if got := f.controller.State(); got.Phase != PhaseIdle || got.AIMode {
		t.Errorf("state changed: %+v", got)
	}
	if n, _ := f.notifier.Last(); n.Level != "error" || n.Text != MsgSelectLayer {
		t.Errorf("last notification = %+v", n)
	}
	if f.tools.Active() != annotation.ToolWindowLevel {
		t.Errorf("tool switched to %s", f.tools.Active())
	}
}

func TestStart_EntersAwaitingBox(t *testing.T) {
	f := newFixture(t)
	f.layers.Select("layer-1")

	if !f.controller.Start(input()) {
		t.Fatal("Start() = false")
	}
	st := f.controller.State()
	if st.Phase != PhaseAwaitingBox || !st.AIMode || st.Loading {
		t.Errorf("state = %+v", st)
	}
	if f.tools.Active() != annotation.ToolRectangleROI {
		t.Errorf("active tool = %s, want %s", f.tools.Active(), annotation.ToolRectangleROI)
	}
	if n, _ := f.notifier.Last(); n.Text != MsgDrawBox {
		t.Errorf("last notification = %+v", n)
	}

	// deselect and start again: refused, state unchanged
	f.layers.Clear()
	if f.controller.Start(input()) {
		t.Error("Start() after deselect = true")
	}
	if st := f.controller.State(); st.Phase != PhaseAwaitingBox {
		t.Errorf("phase = %v, want AwaitingBoundingBox", st.Phase)
	}
}

func TestStart_RestartKeepsOriginalTool(t *testing.T) {
	f := newFixture(t)
	f.layers.Select("layer-1")

	f.controller.Start(input())
	f.controller.Start(input())
	f.controller.Cancel()

	if f.tools.Active() != annotation.ToolWindowLevel {
		t.Errorf("restored tool = %s, want %s", f.tools.Active(), annotation.ToolWindowLevel)
	}
}

func TestOnAnnotationCompleted_IgnoresMalformed(t *testing.T) {
	tests := []struct {
		name string
		a    annotation.Annotation
	}{
		{"other tool", annotation.Annotation{ToolName: annotation.ToolBrush, ViewportID: "vp", Completed: true, Handles: rectangle("vp").Handles}},
		{"too few handles", annotation.Annotation{ToolName: annotation.ToolRectangleROI, ViewportID: "vp", Completed: true, Handles: [][3]float64{{0, 0, 0}, {1, 1, 0}}}},
		{"not completed", annotation.Annotation{ToolName: annotation.ToolRectangleROI, ViewportID: "vp", Handles: rectangle("vp").Handles}},
		{"other viewport", rectangle("other")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.layers.Select("layer-1")
			f.controller.Start(input())

			f.controller.OnAnnotationCompleted(tt.a)

			if st := f.controller.State(); st.Phase != PhaseAwaitingBox {
				t.Errorf("phase = %v, want AwaitingBoundingBox", st.Phase)
			}
			if len(f.requests) != 0 {
				t.Errorf("dispatched %d requests", len(f.requests))
			}
		})
	}
}

func TestOnAnnotationCompleted_IgnoredWhenIdle(t *testing.T) {
	f := newFixture(t)
	f.controller.OnAnnotationCompleted(rectangle("vp"))
	if len(f.requests) != 0 {
		t.Errorf("dispatched %d requests while idle", len(f.requests))
	}
}

func TestOnAnnotationCompleted_DispatchesRequest(t *testing.T) {
	f := newFixture(t)
	req := f.dispatch(t)

	if len(f.requests) != 1 {
		t.Fatalf("dispatched %d requests, want 1", len(f.requests))
	}
	if req.BBox != (annotation.BBox{10, 10, 50, 40}) {
		t.Errorf("bbox = %v, want [10 10 50 40]", req.BBox)
	}
	if req.ViewportID != "vp" || req.LayerID != "layer-1" || req.CurrentIndex != 1 || len(req.ImageIDs) != 3 {
		t.Errorf("request = %+v", req)
	}
	if req.RequestID == "" {
		t.Error("request id missing")
	}

	st := f.controller.State()
	if st.AIMode || st.Phase != PhaseProcessing || !st.Loading {
		t.Errorf("state = %+v", st)
	}
	if f.tools.Active() != annotation.ToolWindowLevel {
		t.Errorf("tool not restored: %s", f.tools.Active())
	}
	if f.controller.HasRectangleROI("vp") {
		t.Error("transient rectangle was not deleted")
	}

	// a duplicate completion is dropped
	f.controller.OnAnnotationCompleted(rectangle("vp"))
	if len(f.requests) != 1 {
		t.Errorf("duplicate completion dispatched %d requests", len(f.requests))
	}
}

func TestSuccess_StoresAndPersistsResult(t *testing.T) {
	f := newFixture(t)
	req := f.dispatch(t)
	result := &snapshot.Snapshot{SegmentationID: "seg"}

	f.bus.Publish(eventbus.AISegmentationStart, StartPayload{RequestID: req.RequestID, ViewportID: "vp"})
	if st := f.controller.State(); st.Phase != PhaseProcessing {
		t.Errorf("phase after start = %v", st.Phase)
	}

	f.bus.Publish(eventbus.AISegmentationSuccess, SuccessPayload{RequestID: req.RequestID, ViewportID: "vp", LayerID: "layer-1", Snapshot: result})

	st := f.controller.State()
	if st.Phase != PhaseIdle || st.Loading || st.LastResult != result || st.Err != "" {
		t.Errorf("state = %+v", st)
	}
	if len(f.saver.saved) != 1 || f.saver.saved[0].layerID != "layer-1" {
		t.Errorf("saved = %+v", f.saver.saved)
	}

	// the in-flight guard is free again
	f.dispatch(t)
	if len(f.requests) != 2 {
		t.Errorf("second dispatch blocked: %d requests", len(f.requests))
	}
}

func TestError_RecordsMessage(t *testing.T) {
	tests := []struct {
		message string
		want    string
	}{
		{"model unavailable", "model unavailable"},
		{"", MsgGenericFailure},
	}

	for _, tt := range tests {
		f := newFixture(t)
		req := f.dispatch(t)

		f.bus.Publish(eventbus.AISegmentationError, ErrorPayload{RequestID: req.RequestID, ViewportID: "vp", Message: tt.message})

		st := f.controller.State()
		if st.Phase != PhaseIdle || st.Err != tt.want {
			t.Errorf("message %q: state = %+v, want Err %q", tt.message, st, tt.want)
		}
		if n, _ := f.notifier.Last(); n.Level != "error" || n.Text != tt.want {
			t.Errorf("message %q: notification = %+v", tt.message, n)
		}
	}
}

func TestCancel_FromProcessing(t *testing.T) {
	f := newFixture(t)
	req := f.dispatch(t)

	f.controller.Cancel()

	st := f.controller.State()
	if st.Phase != PhaseIdle || st.Loading || st.AIMode {
		t.Errorf("state = %+v", st)
	}
	if len(f.requests) != 1 {
		t.Errorf("cancel emitted a request: %d total", len(f.requests))
	}
	if len(f.cancels) != 1 || f.cancels[0].RequestID != req.RequestID {
		t.Errorf("cancels = %+v", f.cancels)
	}
	if n, _ := f.notifier.Last(); n.Text != MsgCancelled {
		t.Errorf("notification = %+v", n)
	}
}

func TestCancel_LateEventsIgnored(t *testing.T) {
	f := newFixture(t)
	stale := f.dispatch(t)
	f.controller.Cancel()

	fresh := f.dispatch(t)
	f.bus.Publish(eventbus.AISegmentationSuccess, SuccessPayload{RequestID: stale.RequestID, Snapshot: &snapshot.Snapshot{}})
	f.bus.Publish(eventbus.AISegmentationError, ErrorPayload{RequestID: stale.RequestID, Message: "late"})

	st := f.controller.State()
	if st.Phase != PhaseProcessing || st.LastResult != nil || st.Err != "" {
		t.Errorf("stale events changed state: %+v", st)
	}
	if id, _ := f.controller.RequestID(); id != fresh.RequestID {
		t.Errorf("in-flight id = %s, want %s", id, fresh.RequestID)
	}
	if len(f.saver.saved) != 0 {
		t.Error("stale success was persisted")
	}
}

func TestCancel_FromAwaitingRestoresTool(t *testing.T) {
	f := newFixture(t)
	f.layers.Select("layer-1")
	f.controller.Start(input())

	f.controller.Cancel()

	if f.tools.Active() != annotation.ToolWindowLevel {
		t.Errorf("tool = %s", f.tools.Active())
	}
	if len(f.cancels) != 0 {
		t.Error("cancel from AwaitingBoundingBox should not signal the executor")
	}
	// safe from idle too
	f.controller.Cancel()
}

func TestStart_RefusedWhileProcessing(t *testing.T) {
	f := newFixture(t)
	f.dispatch(t)

	if f.controller.Start(input()) {
		t.Error("Start() while processing = true")
	}
	if n, _ := f.notifier.Last(); n.Text != MsgBusy {
		t.Errorf("notification = %+v", n)
	}
}

func TestRectangleROIBBox(t *testing.T) {
	f := newFixture(t)

	if _, ok := f.controller.RectangleROIBBox("vp"); ok {
		t.Error("RectangleROIBBox on empty viewport = ok")
	}
	uid := f.annotations.Add(rectangle("vp"))
	got, ok := f.controller.RectangleROIBBox("vp")
	if !ok || got.AnnotationUID != uid || got.BBox != (annotation.BBox{10, 10, 50, 40}) {
		t.Errorf("RectangleROIBBox = %+v, %v", got, ok)
	}
	if f.controller.HasRectangleROI("other") {
		t.Error("HasRectangleROI(other) = true")
	}
}

func TestMalformedEventPayloadIgnored(t *testing.T) {
	f := newFixture(t)
	f.dispatch(t)

	f.bus.Publish(eventbus.AISegmentationSuccess, "not a payload")
	if st := f.controller.State(); st.Phase != PhaseProcessing {
		t.Errorf("phase = %v, want Processing", st.Phase)
	}
}
