package imagecache

import (
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
)

// ErrNotCached is returned when an image id is absent from the cache.
var ErrNotCached = errors.New("image not cached")

// DefaultReferenceCapacity bounds the number of reference images kept.
const DefaultReferenceCapacity = 512

// Cache is the shared image cache.
//
// Derived images are pinned: they stay until evicted explicitly. Reference
// images live in a bounded LRU tier and may be evicted at any time, so callers
// must check liveness with Get before touching a reference image.
//
// Cache is safe for concurrent use.
type Cache struct {
	mu         sync.Mutex
	pinned     map[string]*Image
	references *lru.Cache
	logger     zerolog.Logger
	onEvict    func(id string)
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the cache logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithEvictionHook registers fn to be called for every image leaving the cache.
func WithEvictionHook(fn func(id string)) Option {
	return func(c *Cache) {
		c.onEvict = fn
	}
}

// New creates a cache holding at most referenceCapacity reference images.
func New(referenceCapacity int, opts ...Option) (*Cache, error) {
	if referenceCapacity <= 0 {
		referenceCapacity = DefaultReferenceCapacity
	}
	c := &Cache{
		pinned: make(map[string]*Image),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	refs, err := lru.NewWithEvict(referenceCapacity, func(key, _ interface{}) {
		id, _ := key.(string)
		c.logger.Debug().Str("image_id", id).Msg("reference image evicted")
		if c.onEvict != nil {
			c.onEvict(id)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("create reference tier: %w", err)
	}
	c.references = refs
	return c, nil
}

// Put stores an image. Derived images are pinned, others go to the LRU tier.
func (c *Cache) Put(im *Image) error {
	if im == nil || im.ID == "" {
		return fmt.Errorf("put image: missing id")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if im.Derived {
		c.pinned[im.ID] = im
		return nil
	}
	c.references.Add(im.ID, im)
	return nil
}

// Get returns the cached image or false.
func (c *Cache) Get(id string) (*Image, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if im, ok := c.pinned[id]; ok {
		return im, true
	}
	if v, ok := c.references.Get(id); ok {
		return v.(*Image), true
	}
	return nil, false
}

// Contains reports whether id is cached without touching LRU order.
func (c *Cache) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pinned[id]; ok {
		return true
	}
	return c.references.Contains(id)
}

// Evict removes an image from whichever tier holds it. It is the only way a
// derived image leaves the cache.
func (c *Cache) Evict(id string) error {
	c.mu.Lock()
	if _, ok := c.pinned[id]; ok {
		delete(c.pinned, id)
		c.mu.Unlock()
		if c.onEvict != nil {
			c.onEvict(id)
		}
		return nil
	}
	if c.references.Contains(id) {
		// the LRU eviction callback reports this removal
		c.references.Remove(id)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return fmt.Errorf("evict %s: %w", id, ErrNotCached)
}

// Len returns the number of cached images across both tiers.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.pinned) + c.references.Len()
}

// PinnedLen returns the number of derived images held.
func (c *Cache) PinnedLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.pinned)
}
