// Package eventbus is the in-process publish/subscribe channel that connects
// the viewer session components.
//
// Handlers run synchronously on the publisher's goroutine, in subscription
// order. A panicking handler is logged and does not prevent delivery to the
// remaining subscribers.
package eventbus

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Type identifies the kind of event.
type Type string

const (
	// SegmentationDataModified is emitted after labelmap pixels were overwritten.
	SegmentationDataModified Type = "SEGMENTATION_DATA_MODIFIED"

	// AISegmentViewport requests an AI segmentation of a bounding box.
	AISegmentViewport Type = "AI_SEGMENT_VIEWPORT"

	// AISegmentationStart acknowledges that a request was accepted.
	AISegmentationStart Type = "AI_SEGMENTATION_START"

	// AISegmentationSuccess carries the resulting labelmap snapshot.
	AISegmentationSuccess Type = "AI_SEGMENTATION_SUCCESS"

	// AISegmentationError reports a failed request.
	AISegmentationError Type = "AI_SEGMENTATION_ERROR"

	// AISegmentationCancel asks the executor to abandon a request.
	AISegmentationCancel Type = "AI_SEGMENTATION_CANCEL"
)

// Event is a single published message.
type Event struct {
	ID        string
	Type      Type
	Timestamp time.Time
	Data      any
}

// Handler processes events.
type Handler func(event Event)

type subscription struct {
	id      string
	handler Handler
	types   []Type
}

// Bus broadcasts events to subscribers.
//
// Bus is safe for concurrent use.
type Bus struct {
	mu         sync.RWMutex
	subs       []*subscription
	buffer     []Event
	bufferSize int
	logger     zerolog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize sets how many past events are retained for inspection.
func WithBufferSize(size int) Option {
	return func(b *Bus) {
		b.bufferSize = size
	}
}

// WithLogger sets the logger used to report handler panics.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// New creates an event bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		bufferSize: 256,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.buffer = make([]Event, 0, b.bufferSize)
	return b
}

// Subscribe registers handler for the given types (none = all types) and
// returns the subscription id.
func (b *Bus) Subscribe(handler Handler, types ...Type) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{
		id:      uuid.NewString(),
		handler: handler,
		types:   types,
	}
	b.subs = append(b.subs, sub)
	return sub.id
}

// Unsubscribe removes a subscription. It reports whether it existed.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Publish delivers data to every matching subscriber.
func (b *Bus) Publish(eventType Type, data any) {
	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}

	b.mu.Lock()
	if b.bufferSize > 0 {
		if len(b.buffer) >= b.bufferSize {
			b.buffer = b.buffer[1:]
		}
		b.buffer = append(b.buffer, event)
	}
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, sub := range subs {
		if sub.matches(eventType) {
			b.invoke(sub, event)
		}
	}
}

func (b *Bus) invoke(sub *subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("event_type", string(event.Type)).
				Str("event_id", event.ID).
				Interface("panic", r).
				Msg("event handler panicked")
		}
	}()
	sub.handler(event)
}

func (s *subscription) matches(t Type) bool {
	if len(s.types) == 0 {
		return true
	}
	for _, st := range s.types {
		if st == t {
			return true
		}
	}
	return false
}

// Buffer returns a copy of the retained events.
func (b *Bus) Buffer() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := make([]Event, len(b.buffer))
	copy(events, b.buffer)
	return events
}

// BufferByType returns retained events of one type.
func (b *Bus) BufferByType(t Type) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var events []Event
	for _, event := range b.buffer {
		if event.Type == t {
			events = append(events, event)
		}
	}
	return events
}
