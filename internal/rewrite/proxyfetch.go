// File: internal/rewrite/proxyfetch.go

// Package rewrite contains the per-request concurrency core of the HTML
// rewriting proxy: the ProxyFetch object that bridges origin network I/O
// and the HTML pipeline, its content sniffing, buffering and flush
// scheduling, and the idle timer that bounds how long a stalled origin can
// hold the document open.
package rewrite

import (
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/htmlforge/internal/config"
	"github.com/xkilldash9x/htmlforge/internal/observability"
	"github.com/xkilldash9x/htmlforge/internal/rewrite/collector"
	"github.com/xkilldash9x/htmlforge/internal/rewrite/sequence"
)

// fetchState is the lifecycle of one ProxyFetch.
type fetchState int

const (
	// stateCreated: constructed, headers not yet seen.
	stateCreated fetchState = iota
	// stateSniffing: headers seen, body bytes held until HTML-or-not is
	// decided.
	stateSniffing
	// stateStreaming: decided HTML; bytes flow through the pipeline.
	stateStreaming
	// statePassThrough: decided not HTML; bytes flow straight to the client.
	statePassThrough
	// stateFinishing: terminal transition started, pipeline draining.
	stateFinishing
	// stateDone: the client has been told the response is complete.
	stateDone
)

// FetchOptions carries everything a ProxyFetch needs. Collector may be nil
// when no property lookups were issued for the request.
type FetchOptions struct {
	URL         string
	CrossDomain bool
	Config      config.RewriterConfig
	Pipeline    Pipeline
	Client      ClientWriter
	Sequence    *sequence.Sequence
	Collector   *collector.Collector
	Metrics     observability.Metrics
	Logger      *zap.Logger
}

// ProxyFetch is the per-request object between the origin fetcher and the
// HTML pipeline. Origin callbacks arrive on an I/O goroutine and property
// completion on a cache goroutine; ProxyFetch serializes all pipeline
// mutation by posting at most one unit of work at a time onto the
// request's sequence.
type ProxyFetch struct {
	logger      *zap.Logger
	metrics     observability.Metrics
	url         string
	crossDomain bool
	cfg         config.RewriterConfig
	pipeline    Pipeline
	client      ClientWriter
	seq         *sequence.Sequence
	coll        *collector.Collector
	idle        *IdleTimer

	mu         sync.Mutex
	state      fetchState
	sniffer    *sniffer
	statusCode int

	// queue holds body chunks and flush markers awaiting pipeline
	// submission, in receipt order. Markers keep a flush at its position
	// in the byte stream: bytes written after a flush are never fed ahead
	// of it.
	queue       []queueEntry
	queuedBytes int

	// Scheduling flags. queuedUnit means a unit of pipeline work is already
	// on the sequence; together with flushInProgress and
	// lookupsOutstanding it gates scheduleIfNeeded, the single choke point
	// that keeps at most one unit in flight per request.
	queuedUnit           bool
	flushInProgress      bool
	lookupsOutstanding   bool
	idleFlushRequested   bool
	fetchDoneOutstanding bool
	fetchSuccess         bool
	parseStarted         bool
	connected            bool
	detached             bool
	finishing            bool
}

// queueEntry is one queued item: body bytes, or a flush marker when flush
// is true and data is nil.
type queueEntry struct {
	data  []byte
	flush bool
}

// NewProxyFetch builds the request object. The caller invokes the
// HandleHeadersComplete / HandleWrite / HandleFlush / HandleDone surface
// as origin events arrive.
func NewProxyFetch(opts FetchOptions) *ProxyFetch {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NopMetrics{}
	}
	f := &ProxyFetch{
		logger:             logger.Named("proxy_fetch").With(zap.String("url", opts.URL)),
		metrics:            metrics,
		url:                opts.URL,
		crossDomain:        opts.CrossDomain,
		cfg:                opts.Config,
		pipeline:           opts.Pipeline,
		client:             opts.Client,
		seq:                opts.Sequence,
		coll:               opts.Collector,
		sniffer:            newSniffer(opts.Config.MaxSniffBytes),
		lookupsOutstanding: opts.Collector != nil,
		statusCode:         http.StatusOK,
	}
	f.idle = NewIdleTimer(opts.Config.IdleFlushInterval, f.onIdleTimer)
	return f
}

// HandleHeadersComplete records the origin status and content type and
// forwards headers to the client. When the response crosses a domain
// boundary, cookie and auth headers are stripped before any byte can be
// forwarded. With RequireHTMLContentType set, a response whose headers do
// not claim an HTML type short-circuits into pass-through without body
// sniffing.
func (f *ProxyFetch) HandleHeadersComplete(statusCode int, header http.Header) {
	if f.crossDomain {
		SanitizeCrossDomainHeaders(header)
	}

	f.mu.Lock()
	f.statusCode = statusCode
	claimsHTML := headerClaimsHTML(header)
	if f.cfg.RequireHTMLContentType && !claimsHTML {
		f.state = statePassThrough
	} else {
		f.state = stateSniffing
	}
	passthrough := f.state == statePassThrough
	f.mu.Unlock()

	f.client.HeadersComplete()
	if passthrough {
		f.detachCollector()
	}
}

// HandleWrite receives the next run of origin body bytes. While sniffing,
// bytes are held until the HTML-or-not decision lands; once streaming,
// they are split into bounded chunks and queued for the pipeline; in
// pass-through they go straight to the client.
func (f *ProxyFetch) HandleWrite(b []byte) {
	f.mu.Lock()
	switch f.state {
	case stateCreated:
		// Origin wrote without a headers event; sniff anyway.
		f.state = stateSniffing
		fallthrough
	case stateSniffing:
		switch f.sniffer.Feed(b) {
		case sniffUndetermined:
			f.mu.Unlock()
			return
		case sniffHTML:
			f.startStreamingLocked()
			f.mu.Unlock()
			f.connectCollector()
			f.scheduleIfNeeded()
			return
		case sniffNotHTML:
			f.state = statePassThrough
			buffered := f.sniffer.TakeBuffered()
			f.mu.Unlock()
			f.detachCollector()
			if len(buffered) > 0 {
				f.client.Write(buffered)
			}
			return
		}
	case stateStreaming:
		f.appendChunksLocked(b)
		f.mu.Unlock()
		f.idle.Arm()
		f.scheduleIfNeeded()
	case statePassThrough:
		f.mu.Unlock()
		f.client.Write(b)
	default:
		f.mu.Unlock()
		f.logger.DPanic("Write after terminal transition", zap.Int("state", int(f.state)))
	}
}

// HandleFlush records an origin-side flush event. For HTML responses it is
// forwarded into the pipeline only when network flush forwarding is
// enabled; a marker is queued so the flush keeps its position relative to
// the bytes around it. Flushes arriving before the sniff decision are
// no-ops. Back-to-back markers coalesce into one logical flush.
func (f *ProxyFetch) HandleFlush() {
	f.mu.Lock()
	switch f.state {
	case statePassThrough:
		f.mu.Unlock()
		f.client.Flush()
		return
	case stateStreaming:
		if f.cfg.ForwardNetworkFlushes {
			if n := len(f.queue); n == 0 || !f.queue[n-1].flush {
				f.queue = append(f.queue, queueEntry{flush: true})
			}
		}
	}
	f.mu.Unlock()
	f.scheduleIfNeeded()
}

// HandleDone signals end of the origin stream. An undetermined sniff is
// forced to a decision here: a body that never produced a meaningful byte
// degrades to pass-through with its buffered bytes forwarded unchanged. An
// origin failure before headers is reported to the client as a generic
// failure.
func (f *ProxyFetch) HandleDone(success bool) {
	f.mu.Lock()
	switch f.state {
	case stateCreated:
		f.state = stateDone
		f.mu.Unlock()
		f.idle.Cancel()
		f.detachCollector()
		f.metrics.IncFetch("error")
		f.client.Done(false)
	case stateSniffing:
		f.sniffer.FinishStream()
		buffered := f.sniffer.TakeBuffered()
		f.state = stateDone
		f.mu.Unlock()
		f.idle.Cancel()
		f.detachCollector()
		if len(buffered) > 0 {
			f.client.Write(buffered)
		}
		f.metrics.IncFetch("passthrough")
		f.client.Done(success)
	case statePassThrough:
		f.state = stateDone
		f.mu.Unlock()
		f.idle.Cancel()
		f.detachCollector()
		f.metrics.IncFetch("passthrough")
		f.client.Done(success)
	case stateStreaming:
		f.fetchDoneOutstanding = true
		f.fetchSuccess = success
		f.mu.Unlock()
		f.scheduleIfNeeded()
	default:
		f.mu.Unlock()
		f.logger.DPanic("Done after terminal transition", zap.Int("state", int(f.state)))
	}
}

// PropertyCacheComplete is the collector's completion callback. It may be
// invoked synchronously from connectCollector when the lookups finished
// before the sniff decision.
func (f *ProxyFetch) PropertyCacheComplete(success bool, c *collector.Collector) {
	f.mu.Lock()
	f.lookupsOutstanding = false
	f.mu.Unlock()
	f.logger.Debug("Property lookups resolved", zap.Bool("success", success))
	f.scheduleIfNeeded()
}

// startStreamingLocked transitions to streaming and queues the sniff
// buffer as the first chunks. Caller holds f.mu.
func (f *ProxyFetch) startStreamingLocked() {
	f.state = stateStreaming
	if buffered := f.sniffer.TakeBuffered(); len(buffered) > 0 {
		f.appendChunksLocked(buffered)
	}
}

// appendChunksLocked copies b into the queue, split so no chunk exceeds
// the flush buffer limit. The copy matters: origin read loops reuse their
// buffers. Caller holds f.mu.
func (f *ProxyFetch) appendChunksLocked(b []byte) {
	limit := f.cfg.FlushBufferLimit
	if limit <= 0 {
		limit = len(b)
	}
	for len(b) > 0 {
		n := len(b)
		if n > limit {
			n = limit
		}
		chunk := make([]byte, n)
		copy(chunk, b[:n])
		f.queue = append(f.queue, queueEntry{data: chunk})
		f.queuedBytes += n
		b = b[n:]
	}
}

// connectCollector attaches this fetch to its collector exactly once. The
// collector may deliver PropertyCacheComplete synchronously, so this must
// never be called with f.mu held.
func (f *ProxyFetch) connectCollector() {
	f.mu.Lock()
	if f.coll == nil || f.connected || f.detached {
		f.mu.Unlock()
		return
	}
	f.connected = true
	coll := f.coll
	f.mu.Unlock()
	coll.ConnectProxyFetch(f)
}

// detachCollector declares this fetch will never consume the property
// results. Called on the not-HTML path and during Finish.
func (f *ProxyFetch) detachCollector() {
	f.mu.Lock()
	if f.coll == nil || f.detached {
		f.mu.Unlock()
		return
	}
	f.detached = true
	f.lookupsOutstanding = false
	coll := f.coll
	status := f.statusCode
	f.mu.Unlock()
	coll.Detach(status)
}

// scheduleIfNeeded is the single choke point for pipeline work: it posts a
// unit onto the sequence only when streaming, no unit is already queued,
// no flush is executing, the property lookups have resolved and there is
// something to do.
func (f *ProxyFetch) scheduleIfNeeded() {
	f.mu.Lock()
	if f.state != stateStreaming ||
		f.queuedUnit || f.flushInProgress || f.lookupsOutstanding || f.finishing {
		f.mu.Unlock()
		return
	}
	hasWork := len(f.queue) > 0 || f.idleFlushRequested || f.fetchDoneOutstanding
	if !hasWork {
		f.mu.Unlock()
		return
	}
	f.queuedUnit = true
	f.mu.Unlock()

	f.seq.Add(sequence.TaskFunc{
		OnRun:    f.executeQueued,
		OnCancel: f.unitCancelled,
	})
}

// executeQueued runs on the sequence. It consumes queued bytes up to the
// flush buffer limit, feeds them to the pipeline, and then either executes
// a due flush (re-arming scheduling from flushDone), finishes the request
// if the origin stream ended and the queue drained, or re-arms the idle
// timer.
func (f *ProxyFetch) executeQueued() {
	f.mu.Lock()
	f.queuedUnit = false
	if f.state != stateStreaming {
		f.mu.Unlock()
		return
	}

	startParse := !f.parseStarted
	f.parseStarted = true

	consumed, trigger := f.takeChunksLocked(f.cfg.FlushBufferLimit)
	if trigger == "" && f.idleFlushRequested {
		trigger = "idle"
	}
	flushDue := trigger != ""
	if flushDue {
		// Any flush resets idleness, so a pending idle request coalesces
		// into this one.
		f.idleFlushRequested = false
		f.flushInProgress = true
	}
	finishDue := !flushDue && f.fetchDoneOutstanding && len(f.queue) == 0
	success := f.fetchSuccess
	f.mu.Unlock()

	if startParse {
		f.pipeline.StartParse(f.url)
	}
	for _, chunk := range consumed {
		f.pipeline.ParseText(chunk)
	}

	switch {
	case flushDue:
		f.idle.Cancel()
		f.metrics.IncFlush(trigger)
		f.pipeline.RequestFlush()
		f.pipeline.ExecuteFlushIfRequestedAsync(f.flushDone)
	case finishDue:
		f.finish(success)
	default:
		f.idle.Arm()
	}
}

// takeChunksLocked consumes queue entries from the head: up to limit body
// bytes, stopping early at a flush marker. It returns the consumed chunks
// and the flush trigger this unit must execute: "network" when a marker
// was reached, "threshold" when the byte budget ran out with more bytes
// still queued, "" when no flush is due. Bytes past the stop point stay
// queued for the next scheduled execution. Caller holds f.mu.
func (f *ProxyFetch) takeChunksLocked(limit int) (consumed [][]byte, trigger string) {
	budget := limit
	if budget <= 0 {
		budget = f.queuedBytes
	}
	for len(f.queue) > 0 {
		head := f.queue[0]
		if head.flush {
			f.queue = f.queue[1:]
			return consumed, "network"
		}
		if len(head.data) > budget {
			if budget > 0 {
				consumed = append(consumed, head.data[:budget])
				f.queue[0].data = head.data[budget:]
				f.queuedBytes -= budget
			}
			return consumed, "threshold"
		}
		consumed = append(consumed, head.data)
		f.queue = f.queue[1:]
		f.queuedBytes -= len(head.data)
		budget -= len(head.data)
		if budget == 0 {
			if len(f.queue) == 0 {
				return consumed, ""
			}
			if !f.queue[0].flush {
				return consumed, "threshold"
			}
			// Next entry is a marker; let the loop fold it into this unit.
		}
	}
	return consumed, ""
}

// flushDone is the pipeline's flush continuation. It clears the
// in-progress flag and re-schedules if more work arrived while the flush
// was executing.
func (f *ProxyFetch) flushDone() {
	f.mu.Lock()
	f.flushInProgress = false
	f.mu.Unlock()
	f.scheduleIfNeeded()
}

// onIdleTimer fires when no origin bytes arrived for the idle interval. A
// fire that lands while a flush or finish is already underway, or while a
// unit is queued, is dropped: that work resets idleness itself.
func (f *ProxyFetch) onIdleTimer() {
	f.mu.Lock()
	if f.state != stateStreaming || f.finishing ||
		f.flushInProgress || f.queuedUnit || f.fetchDoneOutstanding {
		f.mu.Unlock()
		return
	}
	f.idleFlushRequested = true
	f.mu.Unlock()
	f.logger.Debug("Idle interval elapsed, forcing flush")
	f.scheduleIfNeeded()
}

// finish runs the terminal transition on the sequence: detach from the
// collector, finalize the parse, and only after the pipeline confirms
// completion report Done downstream. Guarded so it runs at most once.
func (f *ProxyFetch) finish(success bool) {
	f.mu.Lock()
	if f.finishing {
		f.mu.Unlock()
		return
	}
	f.finishing = true
	f.state = stateFinishing
	f.mu.Unlock()

	f.idle.Cancel()
	f.detachCollector()
	f.pipeline.FinishParseAsync(func() { f.finishDone(success) })
}

func (f *ProxyFetch) finishDone(success bool) {
	f.mu.Lock()
	f.state = stateDone
	f.mu.Unlock()
	f.metrics.IncFetch("rewritten")
	f.client.Done(success)
}

// unitCancelled runs when the sequence pool shuts down with a unit still
// queued. The client must not be left hanging.
func (f *ProxyFetch) unitCancelled() {
	f.mu.Lock()
	if f.state == stateDone {
		f.mu.Unlock()
		return
	}
	f.state = stateDone
	f.queuedUnit = false
	f.mu.Unlock()
	f.idle.Cancel()
	f.detachCollector()
	f.metrics.IncFetch("error")
	f.client.Done(false)
}

func headerClaimsHTML(h http.Header) bool {
	ct := h.Get("Content-Type")
	if ct == "" {
		return false
	}
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml+xml")
}
