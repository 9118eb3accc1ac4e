package propcache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/htmlforge/internal/observability"
)

// failingBackend rejects every operation, to exercise soft-fail delivery.
type failingBackend struct{}

func (failingBackend) ReadPage(context.Context, string, string) (map[string]StoredValue, error) {
	return nil, errors.New("backend down")
}

func (failingBackend) WritePage(context.Context, string, string, map[string]StoredValue) error {
	return errors.New("backend down")
}

func newTestCache(t *testing.T, now *time.Time) (*Cache, *observability.InMemoryMetrics, *Cohort) {
	t.Helper()
	metrics := observability.NewInMemoryMetrics()
	cache := New(NewMemoryBackend(), metrics, zap.NewNop(), WithClock(func() time.Time { return *now }))
	cohort, err := cache.AddCohort("page", 5*time.Minute)
	require.NoError(t, err)
	return cache, metrics, cohort
}

func getPage(t *testing.T, cache *Cache, cohort *Cohort, key string) (*Page, bool) {
	t.Helper()
	var (
		page *Page
		ok   bool
		wg   sync.WaitGroup
	)
	wg.Add(1)
	cache.Get(context.Background(), cohort, key, func(p *Page, backendOK bool) {
		page, ok = p, backendOK
		wg.Done()
	})
	wg.Wait()
	return page, ok
}

func TestAddCohort(t *testing.T) {
	cache := New(NewMemoryBackend(), nil, nil)

	_, err := cache.AddCohort("device", time.Hour)
	require.NoError(t, err)
	assert.NotNil(t, cache.GetCohort("device"))
	assert.Nil(t, cache.GetCohort("client"))

	t.Run("should reject duplicates", func(t *testing.T) {
		_, err := cache.AddCohort("device", time.Hour)
		require.Error(t, err)
	})

	t.Run("should reject a non-positive ttl", func(t *testing.T) {
		_, err := cache.AddCohort("client", 0)
		require.Error(t, err)
	})
}

func TestReadClassification(t *testing.T) {
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	t.Run("value lifecycle valid then expired", func(t *testing.T) {
		cache, metrics, cohort := newTestCache(t, &now)

		// Write a value and persist it.
		page := cache.NewPage(cohort, "https://example.com/")
		page.UpdateValue("critical_selectors", []byte(".hero{}"))
		require.NoError(t, cache.WriteCohort(context.Background(), page))

		// Fresh read: valid hit.
		loaded, ok := getPage(t, cache, cohort, "https://example.com/")
		require.True(t, ok)
		v := loaded.Value("critical_selectors")
		assert.True(t, v.Found())
		assert.False(t, v.Stale())
		assert.Equal(t, []byte(".hero{}"), v.Bytes())
		assert.EqualValues(t, 1, metrics.PropertyReads("page", observability.ReadValidHit))

		// Ten minutes later, under a five minute TTL: expired hit. The
		// reader sees not-found, but the stale bytes stay reachable for
		// fallback logic.
		now = now.Add(10 * time.Minute)
		expired, ok := getPage(t, cache, cohort, "https://example.com/")
		require.True(t, ok)
		ev := expired.Value("critical_selectors")
		assert.False(t, ev.Found())
		assert.True(t, ev.Stale())
		assert.Nil(t, ev.Bytes())
		assert.Equal(t, []byte(".hero{}"), ev.StaleBytes())
		assert.EqualValues(t, 1, metrics.PropertyReads("page", observability.ReadExpiredHit))

		// A name that was never written is a miss, distinct from stale.
		missing := expired.Value("blink_split")
		assert.False(t, missing.Found())
		assert.False(t, missing.Stale())
		assert.Nil(t, missing.StaleBytes())
		assert.EqualValues(t, 1, metrics.PropertyReads("page", observability.ReadMiss))
	})

	t.Run("repeated reads of one name classify once", func(t *testing.T) {
		cache, metrics, cohort := newTestCache(t, &now)
		page, ok := getPage(t, cache, cohort, "https://example.com/twice")
		require.True(t, ok)

		page.Value("beacon_state")
		page.Value("beacon_state")
		page.Value("beacon_state")
		assert.EqualValues(t, 1, metrics.PropertyReads("page", observability.ReadMiss))
	})
}

func TestUpdateValueRefreshesStaleness(t *testing.T) {
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	cache, _, cohort := newTestCache(t, &now)

	page := cache.NewPage(cohort, "k")
	page.UpdateValue("v", []byte("old"))
	now = now.Add(time.Hour)
	require.True(t, page.Value("v").Stale())

	page.UpdateValue("v", []byte("new"))
	v := page.Value("v")
	assert.True(t, v.Found())
	assert.Equal(t, []byte("new"), v.Bytes())
	assert.Equal(t, now, v.WrittenAt())
}

func TestGetFailsSoftly(t *testing.T) {
	metrics := observability.NewInMemoryMetrics()
	cache := New(failingBackend{}, metrics, zap.NewNop())
	cohort, err := cache.AddCohort("client", time.Minute)
	require.NoError(t, err)

	page, ok := getPage(t, cache, cohort, "k")
	assert.False(t, ok)
	require.NotNil(t, page, "soft failure must still deliver a usable page")
	assert.False(t, page.Value("anything").Found())
}

func TestWriteCohortRequiresRegisteredCohort(t *testing.T) {
	cache := New(NewMemoryBackend(), nil, nil)
	rogue := &Cohort{name: "never-registered", ttl: time.Minute}
	err := cache.WriteCohort(context.Background(), cache.NewPage(rogue, "k"))
	require.ErrorIs(t, err, ErrUnknownCohort)
}

func TestWriteCohortIsIdempotent(t *testing.T) {
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	cache, _, cohort := newTestCache(t, &now)

	page := cache.NewPage(cohort, "k")
	page.UpdateValue("v", []byte("payload"))
	require.NoError(t, cache.WriteCohort(context.Background(), page))
	require.NoError(t, cache.WriteCohort(context.Background(), page))

	loaded, ok := getPage(t, cache, cohort, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), loaded.Value("v").Bytes())
}
