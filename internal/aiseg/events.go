package aiseg

import (
	"github.com/mrsinham/dicomseg/internal/annotation"
	"github.com/mrsinham/dicomseg/internal/snapshot"
)

// SegmentRequest is the payload of eventbus.AISegmentViewport.
type SegmentRequest struct {
	RequestID    string
	ViewportID   string
	LayerID      string
	BBox         annotation.BBox
	ImageIDs     []string
	InstanceMap  map[string]int
	CurrentIndex int
}

// StartPayload is the payload of eventbus.AISegmentationStart.
type StartPayload struct {
	RequestID  string
	ViewportID string
}

// SuccessPayload is the payload of eventbus.AISegmentationSuccess. Before is
// the labelmap state the result replaced, so the edit can be undone.
type SuccessPayload struct {
	RequestID  string
	ViewportID string
	LayerID    string
	Snapshot   *snapshot.Snapshot
	Before     *snapshot.Snapshot
}

// ErrorPayload is the payload of eventbus.AISegmentationError.
type ErrorPayload struct {
	RequestID  string
	ViewportID string
	Message    string
}

// CancelPayload is the payload of eventbus.AISegmentationCancel.
type CancelPayload struct {
	RequestID string
}
