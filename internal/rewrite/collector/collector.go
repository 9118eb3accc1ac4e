// Package collector aggregates a fixed, pre-declared set of independent
// asynchronous property lookups into one completion event, and hands the
// resulting property pages to a request object that may attach after some
// or all lookups have already finished, or may never attach at all.
//
// Its central problem is the retire race: the last lookup's Done and the
// request's Detach arrive from different goroutines in either order, and
// the collector must be torn down exactly once. The rule is "the second
// retirer performs teardown": whichever of the two events observes that
// the other already happened runs the teardown; the first is a no-op.
package collector

import (
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/htmlforge/internal/propcache"
	"github.com/xkilldash9x/htmlforge/internal/rewrite/sequence"
)

// ProxyFetch is the request-side surface notified when all lookups have
// resolved. Implemented by rewrite.ProxyFetch; narrow here so the
// collector can be tested in isolation.
type ProxyFetch interface {
	// PropertyCacheComplete is called exactly once, either synchronously
	// from ConnectProxyFetch (if the lookups already finished) or from the
	// goroutine delivering the final Done.
	PropertyCacheComplete(success bool, c *Collector)
}

// StatusSink receives the best-effort final HTTP status persisted during
// teardown. Implementations must not call back into the collector.
type StatusSink interface {
	PersistStatus(key string, statusCode int)
}

// retirement tracks which of the two independent event sources, lookup
// completion and request detach, have fired. The zero value means neither.
type retirement int

const (
	retireNone retirement = iota
	// retireByDone: all lookups finished, request not yet detached.
	retireByDone
	// retireByDetach: request detached, lookups still outstanding.
	retireByDetach
	// retired: both happened; teardown has run.
	retired
)

// Lookup is one registered pending lookup. Its Done method is invoked by
// the property store's async machinery when the read resolves.
type Lookup struct {
	name string
	c    *Collector

	mu   sync.Mutex
	done bool
}

// Name returns the lookup's cohort name.
func (l *Lookup) Name() string { return l.name }

// Done reports this lookup's result. It must be called exactly once per
// lookup; the page may be nil on failure (an empty page is substituted so
// consumers never nil-check). The final Done across all lookups computes
// the aggregate result and triggers completion.
func (l *Lookup) Done(success bool, page *propcache.Page) {
	l.mu.Lock()
	if l.done {
		l.mu.Unlock()
		l.c.logger.DPanic("Lookup completed twice", zap.String("lookup", l.name))
		return
	}
	l.done = true
	l.mu.Unlock()

	l.c.lookupDone(l, success, page)
}

// Collector aggregates the lookups for one request.
type Collector struct {
	logger     *zap.Logger
	statusSink StatusSink
	key        string

	mu       sync.Mutex
	released bool
	pending  int
	// success is the logical AND of every lookup result; partial pages
	// from successful lookups are still delivered when one fails.
	success bool
	pages   map[string]*propcache.Page
	tasks   []sequence.Task
	fetch   ProxyFetch
	// connected latches once ConnectProxyFetch has been called so a second
	// connect, or a connect after detach, is rejected.
	connected   bool
	state       retirement
	finalStatus int
}

// New creates a collector for the given cache key. The status sink may be
// nil when nothing persists the final status code.
func New(key string, statusSink StatusSink, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		logger:     logger.Named("lookup_collector"),
		statusSink: statusSink,
		key:        key,
		success:    true,
		pages:      make(map[string]*propcache.Page),
	}
}

// AddLookup registers one more pending lookup. It must be called only
// before Release; registering after the collector is live would race with
// the pending count reaching zero.
func (c *Collector) AddLookup(name string) *Lookup {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		c.logger.DPanic("AddLookup after Release", zap.String("lookup", name))
		return nil
	}
	c.pending++
	return &Lookup{name: name, c: c}
}

// Release marks registration complete and arms completion. If zero
// lookups were registered the collector completes immediately.
func (c *Collector) Release() {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.released = true
	completeNow := c.pending == 0
	c.mu.Unlock()

	if completeNow {
		c.complete()
	}
}

// Page returns the property page delivered for the named lookup, or an
// untracked nil if that lookup failed to deliver one. Valid only after
// completion.
func (c *Collector) Page(name string) *propcache.Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pages[name]
}

// AddPostLookupTask schedules a closure to run exactly once: immediately
// if the lookups already finished, otherwise when they do. If the
// collector is detached first, the closure is cancelled instead. Exactly
// one of Run or Cancel is invoked.
func (c *Collector) AddPostLookupTask(task sequence.Task) {
	c.mu.Lock()
	switch c.state {
	case retireByDone:
		c.mu.Unlock()
		task.Run()
		return
	case retireByDetach, retired:
		c.mu.Unlock()
		task.Cancel()
		return
	}
	c.tasks = append(c.tasks, task)
	c.mu.Unlock()
}

// ConnectProxyFetch attaches the request object. Precondition: at most one
// connect per collector, and never after Detach. If the lookups already
// finished, the notification is delivered synchronously.
func (c *Collector) ConnectProxyFetch(fetch ProxyFetch) {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		c.logger.DPanic("ConnectProxyFetch called twice")
		return
	}
	if c.state == retireByDetach || c.state == retired {
		c.mu.Unlock()
		c.logger.DPanic("ConnectProxyFetch after Detach")
		return
	}
	c.connected = true
	alreadyDone := c.state == retireByDone
	success := c.success
	if !alreadyDone {
		c.fetch = fetch
	}
	c.mu.Unlock()

	if alreadyDone {
		fetch.PropertyCacheComplete(success, c)
	}
}

// Detach is called by the request object when it will never consume the
// property results (or has finished consuming them). Not-yet-run
// post-lookup tasks are cancelled. If the lookups have already completed,
// Detach is the second retirer and performs teardown; otherwise teardown
// falls to the final Done.
func (c *Collector) Detach(statusCode int) {
	c.mu.Lock()
	switch c.state {
	case retireByDetach, retired:
		c.mu.Unlock()
		c.logger.DPanic("Detach called twice")
		return
	}
	c.finalStatus = statusCode
	c.fetch = nil
	cancelled := c.tasks
	c.tasks = nil
	secondRetirer := c.state == retireByDone
	if secondRetirer {
		c.state = retired
	} else {
		c.state = retireByDetach
	}
	c.mu.Unlock()

	for _, task := range cancelled {
		task.Cancel()
	}
	if secondRetirer {
		c.teardown(statusCode)
	}
}

// lookupDone records one result and, when it is the last, runs completion.
// The last caller to decrement the pending count computes the aggregate
// and is the only caller that proceeds to post-lookup work.
func (c *Collector) lookupDone(l *Lookup, success bool, page *propcache.Page) {
	c.mu.Lock()
	if c.pending <= 0 || c.state == retired {
		c.mu.Unlock()
		c.logger.DPanic("Lookup finished on a completed collector", zap.String("lookup", l.name))
		return
	}
	c.success = c.success && success
	if page != nil {
		c.pages[l.name] = page
	}
	c.pending--
	last := c.released && c.pending == 0
	c.mu.Unlock()

	if last {
		c.complete()
	}
}

// complete runs when the final lookup resolves (or when Release finds no
// lookups). It flushes post-lookup tasks, notifies a connected fetch, and,
// if the request detached first, performs teardown as the second retirer.
func (c *Collector) complete() {
	c.mu.Lock()
	var (
		runnable     = c.tasks
		fetch        = c.fetch
		success      = c.success
		secondRetire bool
		status       int
	)
	c.tasks = nil
	c.fetch = nil
	switch c.state {
	case retireByDetach:
		// The request gave up before the lookups finished; queued tasks
		// were already cancelled at detach time.
		c.state = retired
		secondRetire = true
		status = c.finalStatus
	case retireNone:
		c.state = retireByDone
	default:
		c.mu.Unlock()
		c.logger.DPanic("Collector completed twice")
		return
	}
	c.mu.Unlock()

	// Never call out while holding the lock: copy what is needed, release,
	// then notify.
	for _, task := range runnable {
		task.Run()
	}
	if fetch != nil {
		fetch.PropertyCacheComplete(success, c)
	}
	if secondRetire {
		c.teardown(status)
	}
}

// teardown persists the last-known status code. It runs exactly once, on
// whichever of the two retire paths fired second.
func (c *Collector) teardown(statusCode int) {
	if c.statusSink != nil {
		c.statusSink.PersistStatus(c.key, statusCode)
	}
	c.logger.Debug("Collector retired", zap.String("key", c.key), zap.Int("status", statusCode))
}
