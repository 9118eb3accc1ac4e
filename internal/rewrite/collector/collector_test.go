package collector

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/xkilldash9x/htmlforge/internal/rewrite/sequence"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recordingSink counts teardown persists.
type recordingSink struct {
	mu       sync.Mutex
	statuses []int
	keys     []string
}

func (s *recordingSink) PersistStatus(key string, statusCode int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, key)
	s.statuses = append(s.statuses, statusCode)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.statuses)
}

// recordingFetch captures the completion notification.
type recordingFetch struct {
	mu      sync.Mutex
	calls   int
	success bool
}

func (f *recordingFetch) PropertyCacheComplete(success bool, c *Collector) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.success = success
}

func (f *recordingFetch) snapshot() (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, f.success
}

func TestAggregateSuccess(t *testing.T) {
	t.Run("all lookups succeed", func(t *testing.T) {
		c := New("k", nil, zap.NewNop())
		page := c.AddLookup("page")
		device := c.AddLookup("device")
		c.Release()

		fetch := &recordingFetch{}
		c.ConnectProxyFetch(fetch)

		page.Done(true, nil)
		device.Done(true, nil)

		calls, success := fetch.snapshot()
		assert.Equal(t, 1, calls)
		assert.True(t, success)
	})

	t.Run("one failure degrades the aggregate but keeps partial pages", func(t *testing.T) {
		c := New("k", nil, zap.NewNop())
		page := c.AddLookup("page")
		device := c.AddLookup("device")
		c.Release()

		fetch := &recordingFetch{}
		c.ConnectProxyFetch(fetch)

		page.Done(true, nil)
		device.Done(false, nil)

		calls, success := fetch.snapshot()
		assert.Equal(t, 1, calls)
		assert.False(t, success, "aggregate is the AND of all lookups")
	})
}

func TestConnectAfterDoneIsSynchronous(t *testing.T) {
	c := New("k", nil, zap.NewNop())
	lookup := c.AddLookup("page")
	c.Release()
	lookup.Done(true, nil)

	fetch := &recordingFetch{}
	c.ConnectProxyFetch(fetch)

	calls, success := fetch.snapshot()
	assert.Equal(t, 1, calls, "connect after completion must notify synchronously")
	assert.True(t, success)
}

func TestReleaseWithNoLookupsCompletesImmediately(t *testing.T) {
	c := New("k", nil, zap.NewNop())
	fetch := &recordingFetch{}
	c.ConnectProxyFetch(fetch)
	c.Release()

	calls, _ := fetch.snapshot()
	assert.Equal(t, 1, calls)
}

func TestPostLookupTasks(t *testing.T) {
	t.Run("queued task runs when lookups finish", func(t *testing.T) {
		c := New("k", nil, zap.NewNop())
		lookup := c.AddLookup("page")
		c.Release()

		var ran, cancelled atomic.Int32
		c.AddPostLookupTask(sequence.TaskFunc{
			OnRun:    func() { ran.Add(1) },
			OnCancel: func() { cancelled.Add(1) },
		})
		assert.EqualValues(t, 0, ran.Load())

		lookup.Done(true, nil)
		assert.EqualValues(t, 1, ran.Load())
		assert.EqualValues(t, 0, cancelled.Load())
	})

	t.Run("task added after completion runs immediately", func(t *testing.T) {
		c := New("k", nil, zap.NewNop())
		lookup := c.AddLookup("page")
		c.Release()
		lookup.Done(true, nil)

		var ran atomic.Int32
		c.AddPostLookupTask(sequence.TaskFunc{OnRun: func() { ran.Add(1) }})
		assert.EqualValues(t, 1, ran.Load())
	})

	t.Run("detach cancels queued tasks", func(t *testing.T) {
		c := New("k", &recordingSink{}, zap.NewNop())
		lookup := c.AddLookup("page")
		c.Release()

		var ran, cancelled atomic.Int32
		c.AddPostLookupTask(sequence.TaskFunc{
			OnRun:    func() { ran.Add(1) },
			OnCancel: func() { cancelled.Add(1) },
		})

		c.Detach(200)
		assert.EqualValues(t, 0, ran.Load())
		assert.EqualValues(t, 1, cancelled.Load())

		// The straggling lookup still resolves; the task must not revive.
		lookup.Done(true, nil)
		assert.EqualValues(t, 0, ran.Load())
		assert.EqualValues(t, 1, cancelled.Load())
	})
}

func TestRetireRace(t *testing.T) {
	t.Run("done then detach tears down once", func(t *testing.T) {
		sink := &recordingSink{}
		c := New("https://example.com/", sink, zap.NewNop())
		lookup := c.AddLookup("page")
		c.Release()

		lookup.Done(true, nil)
		assert.Equal(t, 0, sink.count(), "first retirer must not tear down")

		c.Detach(200)
		require.Equal(t, 1, sink.count())
		assert.Equal(t, []int{200}, sink.statuses)
		assert.Equal(t, []string{"https://example.com/"}, sink.keys)
	})

	t.Run("detach then done tears down once", func(t *testing.T) {
		sink := &recordingSink{}
		c := New("k", sink, zap.NewNop())
		lookup := c.AddLookup("page")
		c.Release()

		c.Detach(404)
		assert.Equal(t, 0, sink.count(), "first retirer must not tear down")

		lookup.Done(true, nil)
		require.Equal(t, 1, sink.count())
		assert.Equal(t, []int{404}, sink.statuses)
	})

	t.Run("concurrent done and detach always tear down exactly once", func(t *testing.T) {
		// Hammer the race from both sides; every iteration must see
		// exactly one teardown and every post-lookup task resolved
		// exactly once.
		for i := 0; i < 500; i++ {
			sink := &recordingSink{}
			c := New("k", sink, zap.NewNop())
			lookup := c.AddLookup("page")
			c.Release()

			var resolved atomic.Int32
			c.AddPostLookupTask(sequence.TaskFunc{
				OnRun:    func() { resolved.Add(1) },
				OnCancel: func() { resolved.Add(1) },
			})

			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				lookup.Done(true, nil)
			}()
			go func() {
				defer wg.Done()
				c.Detach(204)
			}()
			wg.Wait()

			require.Equal(t, 1, sink.count(), "iteration %d: teardown count", i)
			require.EqualValues(t, 1, resolved.Load(), "iteration %d: task resolution", i)
		}
	})

	t.Run("multiple lookups racing detach", func(t *testing.T) {
		for n := 1; n <= 4; n++ {
			t.Run(fmt.Sprintf("%d_lookups", n), func(t *testing.T) {
				for i := 0; i < 200; i++ {
					sink := &recordingSink{}
					c := New("k", sink, zap.NewNop())
					lookups := make([]*Lookup, n)
					for j := range lookups {
						lookups[j] = c.AddLookup(fmt.Sprintf("cohort%d", j))
					}
					c.Release()

					var wg sync.WaitGroup
					wg.Add(n + 1)
					for _, l := range lookups {
						l := l
						go func() {
							defer wg.Done()
							l.Done(true, nil)
						}()
					}
					go func() {
						defer wg.Done()
						c.Detach(200)
					}()
					wg.Wait()

					require.Equal(t, 1, sink.count())
				}
			})
		}
	})
}

func TestPagesDeliveredByName(t *testing.T) {
	c := New("k", nil, zap.NewNop())
	page := c.AddLookup("page")
	device := c.AddLookup("device")
	c.Release()

	page.Done(true, nil)
	device.Done(true, nil)

	assert.Nil(t, c.Page("page"), "no page object was delivered")
	assert.Nil(t, c.Page("client"), "unregistered lookup has no page")
}
