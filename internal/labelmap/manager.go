package labelmap

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mrsinham/dicomseg/internal/imagecache"
	"github.com/mrsinham/dicomseg/internal/metrics"
	"github.com/mrsinham/dicomseg/internal/segstate"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("dicomseg.labelmap")

// ErrNoReferenceImages is returned when a viewport has nothing to derive from.
var ErrNoReferenceImages = errors.New("no reference images")

// DefaultLoadConcurrency bounds parallel reference image loads.
const DefaultLoadConcurrency = 4

// ImageCache is the subset of the shared image cache the manager uses.
type ImageCache interface {
	Get(id string) (*imagecache.Image, bool)
	Put(im *imagecache.Image) error
	Evict(id string) error
}

// Segmentations is the subset of the segmentation-state store the manager
// uses.
type Segmentations interface {
	Get(id string) (segstate.Segmentation, bool)
	Add(seg segstate.Segmentation) error
	Remove(id string) error
	AddToViewport(viewportID, segmentationID string) (bool, error)
	SetStyle(viewportID, segmentationID string, style segstate.Style) error
}

// SegmentationIDForViewport returns the id of the segmentation owned by a
// viewport.
func SegmentationIDForViewport(viewportID string) string {
	return "labelmap-segmentation:" + viewportID
}

// DerivedImageID returns the id of the derived buffer for the reference at
// index i (zero-based) of a viewport's stack.
func DerivedImageID(viewportID string, i int) string {
	return fmt.Sprintf("labelmap:%s:%d", viewportID, i+1)
}

// Manager allocates and disposes per-viewport derived labelmap buffers and
// keeps the viewport segmentation attached to them.
type Manager struct {
	registry      *Registry
	cache         ImageCache
	loader        imagecache.Loader
	segmentations Segmentations
	style         segstate.Style
	concurrency   int
	metrics       *metrics.Metrics
	logger        zerolog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithStyle overrides the style applied when attaching to a viewport.
func WithStyle(style segstate.Style) Option {
	return func(m *Manager) {
		m.style = style
	}
}

// WithLoadConcurrency bounds parallel reference loads.
func WithLoadConcurrency(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

// WithMetrics records allocation and disposal counts.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithLogger sets the manager logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a lifecycle manager over a session registry.
func NewManager(registry *Registry, cache ImageCache, loader imagecache.Loader, segmentations Segmentations, opts ...Option) *Manager {
	m := &Manager{
		registry:      registry,
		cache:         cache,
		loader:        loader,
		segmentations: segmentations,
		style:         segstate.DefaultStyle(),
		concurrency:   DefaultLoadConcurrency,
		logger:        zerolog.Nop(),
		locks:         make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Registry returns the registry the manager writes to.
func (m *Manager) Registry() *Registry {
	return m.registry
}

func (m *Manager) viewportLock(viewportID string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	l, ok := m.locks[viewportID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[viewportID] = l
	}
	return l
}

// EnsureLabelmapImages makes sure the viewport has one derived buffer per
// reference image and returns their ids, index-aligned with referenceImageIDs.
//
// A reference sequence that differs from the registered one in length, order
// or any id disposes the old buffers first. Any load or derive failure aborts
// the whole call; nothing is registered or cached in that case.
func (m *Manager) EnsureLabelmapImages(ctx context.Context, viewportID string, referenceImageIDs []string) ([]string, error) {
	ctx, span := tracer.Start(ctx, "labelmap.EnsureLabelmapImages",
		trace.WithAttributes(
			attribute.String("viewport_id", viewportID),
			attribute.Int("reference_count", len(referenceImageIDs)),
		),
	)
	defer span.End()

	l := m.viewportLock(viewportID)
	l.Lock()
	defer l.Unlock()

	ids, err := m.ensureLocked(ctx, viewportID, referenceImageIDs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return ids, nil
}

func (m *Manager) ensureLocked(ctx context.Context, viewportID string, referenceImageIDs []string) ([]string, error) {
	if len(referenceImageIDs) == 0 {
		return nil, fmt.Errorf("ensure labelmap images for %s: %w", viewportID, ErrNoReferenceImages)
	}

	if registered, ok := m.registry.References(viewportID); ok && !sameSequence(registered, referenceImageIDs) {
		m.logger.Debug().
			Str("viewport_id", viewportID).
			Int("registered", len(registered)).
			Int("requested", len(referenceImageIDs)).
			Msg("reference images changed, disposing derived buffers")
		m.disposeLocked(viewportID)
	}

	derivedIDs := make([]string, len(referenceImageIDs))
	derived := make([]*imagecache.Image, len(referenceImageIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for i, refID := range referenceImageIDs {
		derivedIDs[i] = DerivedImageID(viewportID, i)
		if im, ok := m.cache.Get(derivedIDs[i]); ok && im.ReferenceID == refID {
			continue
		}
		g.Go(func() error {
			ref, err := m.reference(gctx, refID)
			if err != nil {
				return fmt.Errorf("load reference %s: %w", refID, err)
			}
			d, err := imagecache.Derive(ref, derivedIDs[i])
			if err != nil {
				return err
			}
			derived[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("ensure labelmap images for %s: %w", viewportID, err)
	}

	allocated := 0
	for _, d := range derived {
		if d == nil {
			continue
		}
		if err := m.cache.Put(d); err != nil {
			m.rollback(derived)
			return nil, fmt.Errorf("cache derived image %s: %w", d.ID, err)
		}
		allocated++
	}

	m.registry.Register(viewportID, derivedIDs, referenceImageIDs)
	m.metrics.DerivedAllocated(allocated)
	m.logger.Debug().
		Str("viewport_id", viewportID).
		Int("slices", len(derivedIDs)).
		Int("allocated", allocated).
		Msg("labelmap images ensured")
	return derivedIDs, nil
}

// reference returns a cached reference image, loading and caching it when
// missing.
func (m *Manager) reference(ctx context.Context, refID string) (*imagecache.Image, error) {
	if im, ok := m.cache.Get(refID); ok {
		return im, nil
	}
	if m.loader == nil {
		return nil, fmt.Errorf("image %s not cached and no loader configured", refID)
	}
	im, err := m.loader.Load(ctx, refID)
	if err != nil {
		return nil, err
	}
	if err := im.Validate(); err != nil {
		return nil, err
	}
	if err := m.cache.Put(im); err != nil {
		return nil, err
	}
	return im, nil
}

func (m *Manager) rollback(derived []*imagecache.Image) {
	for _, d := range derived {
		if d == nil {
			continue
		}
		if err := m.cache.Evict(d.ID); err != nil && !errors.Is(err, imagecache.ErrNotCached) {
			m.logger.Warn().Err(err).Str("image_id", d.ID).Msg("rollback of derived image failed")
		}
	}
}

// DisposeLabelmapImages evicts every derived buffer registered for the
// viewport and clears its registry entry. It is a no-op when nothing is
// registered. Eviction failures are logged and skipped.
func (m *Manager) DisposeLabelmapImages(viewportID string) {
	l := m.viewportLock(viewportID)
	l.Lock()
	defer l.Unlock()

	m.disposeLocked(viewportID)
}

func (m *Manager) disposeLocked(viewportID string) {
	ids, ok := m.registry.Labelmaps(viewportID)
	if !ok {
		return
	}

	disposed := 0
	for _, id := range ids {
		if err := m.cache.Evict(id); err != nil {
			m.logger.Warn().Err(err).Str("image_id", id).Msg("failed to evict derived labelmap image")
			continue
		}
		disposed++
	}
	m.registry.Clear(viewportID)
	m.metrics.DerivedDisposed(disposed)
	m.logger.Debug().Str("viewport_id", viewportID).Int("disposed", disposed).Msg("labelmap images disposed")
}

// EnsureViewportLabelmapSegmentation makes the viewport show a labelmap
// segmentation backed by derived buffers for imageIDs and returns its id.
//
// An existing viewport segmentation built from a different reference
// sequence is removed first. Calling it again with the same arguments
// changes nothing.
func (m *Manager) EnsureViewportLabelmapSegmentation(ctx context.Context, viewportID string, imageIDs []string) (string, error) {
	ctx, span := tracer.Start(ctx, "labelmap.EnsureViewportLabelmapSegmentation",
		trace.WithAttributes(attribute.String("viewport_id", viewportID)),
	)
	defer span.End()

	segID := SegmentationIDForViewport(viewportID)

	existing, exists := m.segmentations.Get(segID)
	if exists && !sameSequence(m.backingReferences(viewportID, existing), imageIDs) {
		if err := m.segmentations.Remove(segID); err != nil {
			m.logger.Warn().Err(err).Str("segmentation_id", segID).Msg("failed to remove stale segmentation")
		}
		exists = false
	}

	derivedIDs, err := m.EnsureLabelmapImages(ctx, viewportID, imageIDs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	if !exists {
		if err := m.segmentations.Add(segstate.Segmentation{ID: segID, Label: viewportID, ImageIDs: derivedIDs}); err != nil {
			return "", fmt.Errorf("register segmentation %s: %w", segID, err)
		}
	}

	attached, err := m.segmentations.AddToViewport(viewportID, segID)
	if err != nil {
		return "", fmt.Errorf("attach segmentation %s: %w", segID, err)
	}
	if attached {
		if err := m.segmentations.SetStyle(viewportID, segID, m.style); err != nil {
			m.logger.Warn().Err(err).Str("segmentation_id", segID).Msg("failed to style segmentation")
		}
	}
	return segID, nil
}

// backingReferences returns the reference ids a segmentation was built from,
// from the registry or else from the live derived images.
func (m *Manager) backingReferences(viewportID string, seg segstate.Segmentation) []string {
	if refs, ok := m.registry.References(viewportID); ok {
		return refs
	}
	refs := make([]string, 0, len(seg.ImageIDs))
	for _, id := range seg.ImageIDs {
		im, ok := m.cache.Get(id)
		if !ok {
			return nil
		}
		refs = append(refs, im.ReferenceID)
	}
	return refs
}
