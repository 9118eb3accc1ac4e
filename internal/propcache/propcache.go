// Package propcache implements the persisted per-page optimization-state
// store: named cohorts with independent TTLs, asynchronous page reads, and
// batched writes through a pluggable backend.
package propcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/htmlforge/internal/observability"
)

// ErrUnknownCohort is returned when a page references a cohort that was
// never registered. Cohorts must be registered before any page using them
// is read.
var ErrUnknownCohort = errors.New("propcache: unknown cohort")

// StoredValue is the backend's view of one persisted property value.
type StoredValue struct {
	Bytes     []byte
	WrittenAt time.Time
}

// Backend is the storage contract the cache persists through. It is shared
// process-wide and must tolerate concurrent reads and writes across
// unrelated keys; cross-cohort consistency for the same key is the
// backend's own concern.
type Backend interface {
	// ReadPage loads every stored value for one cohort/key pair. A missing
	// page is not an error; it returns an empty map.
	ReadPage(ctx context.Context, cohort, key string) (map[string]StoredValue, error)
	// WritePage persists the given values for one cohort/key pair,
	// replacing what was stored before. It is idempotent and may be
	// retried.
	WritePage(ctx context.Context, cohort, key string, values map[string]StoredValue) error
}

// Cohort is a named partition of the property store with its own TTL.
// Cohort names are stable across process restarts.
type Cohort struct {
	name string
	ttl  time.Duration
}

func (c *Cohort) Name() string       { return c.name }
func (c *Cohort) TTL() time.Duration { return c.ttl }

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces the wall clock, primarily for staleness tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// Cache is the process-wide property cache. Reads never block the caller's
// goroutine; results are delivered by callback.
type Cache struct {
	backend Backend
	metrics observability.Metrics
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.RWMutex
	cohorts map[string]*Cohort
}

// New creates a property cache over the given backend.
func New(backend Backend, metrics observability.Metrics, logger *zap.Logger, opts ...Option) *Cache {
	if metrics == nil {
		metrics = observability.NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cache{
		backend: backend,
		metrics: metrics,
		logger:  logger.Named("propcache"),
		now:     time.Now,
		cohorts: make(map[string]*Cohort),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddCohort registers a cohort. Registration must happen before the first
// read of any page in that cohort.
func (c *Cache) AddCohort(name string, ttl time.Duration) (*Cohort, error) {
	if name == "" {
		return nil, fmt.Errorf("propcache: cohort name must not be empty")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("propcache: cohort %q needs a positive ttl", name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.cohorts[name]; dup {
		return nil, fmt.Errorf("propcache: cohort %q already registered", name)
	}
	cohort := &Cohort{name: name, ttl: ttl}
	c.cohorts[name] = cohort
	return cohort, nil
}

// GetCohort returns a registered cohort, or nil if the name is unknown.
func (c *Cache) GetCohort(name string) *Cohort {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cohorts[name]
}

// Get reads the page for one cohort/key pair and delivers it via callback
// from the backend's goroutine. It never blocks the caller and fails
// softly: on backend error the callback still receives a usable, empty
// page, with ok set to false.
func (c *Cache) Get(ctx context.Context, cohort *Cohort, key string, callback func(page *Page, ok bool)) {
	go func() {
		stored, err := c.backend.ReadPage(ctx, cohort.name, key)
		if err != nil {
			c.logger.Warn("Property page read failed; delivering empty page",
				zap.String("cohort", cohort.name), zap.String("key", key), zap.Error(err))
			callback(c.NewPage(cohort, key), false)
			return
		}
		callback(c.newLoadedPage(cohort, key, stored), true)
	}()
}

// WriteCohort persists the page's current values to the backend. Callers
// batch several UpdateValue mutations and then issue one WriteCohort.
func (c *Cache) WriteCohort(ctx context.Context, page *Page) error {
	if c.GetCohort(page.cohort.name) == nil {
		return fmt.Errorf("%w: %s", ErrUnknownCohort, page.cohort.name)
	}
	return c.backend.WritePage(ctx, page.cohort.name, page.key, page.snapshot())
}

// NewPage builds an empty, mutable page for the cohort/key pair. Used for
// soft-failed reads and for pages that will be populated from scratch.
func (c *Cache) NewPage(cohort *Cohort, key string) *Page {
	return c.newLoadedPage(cohort, key, nil)
}

func (c *Cache) newLoadedPage(cohort *Cohort, key string, stored map[string]StoredValue) *Page {
	p := &Page{
		cache:    c,
		cohort:   cohort,
		key:      key,
		values:   make(map[string]*Value, len(stored)),
		recorded: make(map[string]struct{}),
	}
	for name, sv := range stored {
		p.values[name] = &Value{bytes: sv.Bytes, writtenAt: sv.WrittenAt, present: true}
	}
	return p
}
