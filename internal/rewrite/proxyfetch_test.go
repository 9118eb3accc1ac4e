package rewrite

import (
	"bytes"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/xkilldash9x/htmlforge/internal/config"
	"github.com/xkilldash9x/htmlforge/internal/observability"
	"github.com/xkilldash9x/htmlforge/internal/rewrite/collector"
	"github.com/xkilldash9x/htmlforge/internal/rewrite/sequence"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// pipeEvent is one recorded pipeline call, used to assert ordering.
type pipeEvent struct {
	kind string // "start", "text", "flush", "finish"
	data []byte
}

// fakePipeline records the call stream. Continuations complete
// synchronously, mirroring a pipeline whose flush work is cheap.
type fakePipeline struct {
	mu             sync.Mutex
	events         []pipeEvent
	flushRequested bool
}

func (p *fakePipeline) StartParse(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, pipeEvent{kind: "start", data: []byte(url)})
}

func (p *fakePipeline) ParseText(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	data := make([]byte, len(b))
	copy(data, b)
	p.events = append(p.events, pipeEvent{kind: "text", data: data})
}

func (p *fakePipeline) RequestFlush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushRequested = true
}

func (p *fakePipeline) ExecuteFlushIfRequestedAsync(done func()) {
	p.mu.Lock()
	if p.flushRequested {
		p.flushRequested = false
		p.events = append(p.events, pipeEvent{kind: "flush"})
	}
	p.mu.Unlock()
	done()
}

func (p *fakePipeline) FinishParseAsync(done func()) {
	p.mu.Lock()
	p.events = append(p.events, pipeEvent{kind: "finish"})
	p.mu.Unlock()
	done()
}

func (p *fakePipeline) snapshot() []pipeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]pipeEvent, len(p.events))
	copy(out, p.events)
	return out
}

func (p *fakePipeline) flushCount() int {
	n := 0
	for _, e := range p.snapshot() {
		if e.kind == "flush" {
			n++
		}
	}
	return n
}

func (p *fakePipeline) parsedText() []byte {
	var buf bytes.Buffer
	for _, e := range p.snapshot() {
		if e.kind == "text" {
			buf.Write(e.data)
		}
	}
	return buf.Bytes()
}

// fakeClient records the downstream surface.
type fakeClient struct {
	mu          sync.Mutex
	headersDone bool
	body        bytes.Buffer
	flushes     int
	done        bool
	success     bool
}

func (c *fakeClient) HeadersComplete() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.headersDone = true
}

func (c *fakeClient) Write(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.body.Write(b)
}

func (c *fakeClient) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushes++
}

func (c *fakeClient) Done(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.done = true
	c.success = success
}

func (c *fakeClient) isDone() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *fakeClient) bodyString() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.body.String()
}

type fetchHarness struct {
	pool     *sequence.Pool
	pipeline *fakePipeline
	client   *fakeClient
	metrics  *observability.InMemoryMetrics
	fetch    *ProxyFetch
}

func newHarness(t *testing.T, cfg config.RewriterConfig, coll *collector.Collector) *fetchHarness {
	t.Helper()
	pool := sequence.NewPool(2, zap.NewNop())
	t.Cleanup(pool.Shutdown)

	h := &fetchHarness{
		pool:     pool,
		pipeline: &fakePipeline{},
		client:   &fakeClient{},
		metrics:  observability.NewInMemoryMetrics(),
	}
	h.fetch = NewProxyFetch(FetchOptions{
		URL:       "https://example.com/index.html",
		Config:    cfg,
		Pipeline:  h.pipeline,
		Client:    h.client,
		Sequence:  pool.NewSequence(),
		Collector: coll,
		Metrics:   h.metrics,
		Logger:    zap.NewNop(),
	})
	return h
}

func (h *fetchHarness) waitDone(t *testing.T) {
	t.Helper()
	require.Eventually(t, h.client.isDone, 2*time.Second, time.Millisecond)
}

func htmlHeaders() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "text/html; charset=utf-8")
	return h
}

func defaultConfig() config.RewriterConfig {
	return config.RewriterConfig{
		FlushBufferLimit:      4096,
		ForwardNetworkFlushes: true,
		MaxSniffBytes:         512,
	}
}

func TestStreamingOrdering(t *testing.T) {
	h := newHarness(t, defaultConfig(), nil)

	h.fetch.HandleHeadersComplete(200, htmlHeaders())
	h.fetch.HandleWrite([]byte("<html><body>one"))
	h.fetch.HandleWrite([]byte(" two"))
	h.fetch.HandleFlush()
	h.fetch.HandleWrite([]byte(" three</body></html>"))
	h.fetch.HandleDone(true)
	h.waitDone(t)

	events := h.pipeline.snapshot()
	require.NotEmpty(t, events)
	assert.Equal(t, "start", events[0].kind)

	// Everything before the flush concatenates to the pre-flush writes;
	// the post-flush write appears strictly after it.
	flushIdx := -1
	for i, e := range events {
		if e.kind == "flush" {
			flushIdx = i
			break
		}
	}
	require.GreaterOrEqual(t, flushIdx, 0, "network flush must reach the pipeline")

	var before, after bytes.Buffer
	for i, e := range events {
		if e.kind != "text" {
			continue
		}
		if i < flushIdx {
			before.Write(e.data)
		} else {
			after.Write(e.data)
		}
	}
	assert.Equal(t, "<html><body>one two", before.String())
	assert.Equal(t, " three</body></html>", after.String())

	assert.Equal(t, "finish", events[len(events)-1].kind)
	assert.True(t, h.client.success)
	assert.EqualValues(t, 1, h.metrics.Fetches("rewritten"))
}

func TestChunkThresholdSplitsWithoutLoss(t *testing.T) {
	cfg := defaultConfig()
	cfg.FlushBufferLimit = 8

	sink := &nopSink{}
	coll := collector.New("k", sink, zap.NewNop())
	lookup := coll.AddLookup("page")
	coll.Release()

	h := newHarness(t, cfg, coll)

	// 30 bytes of HTML, queued in full while the lookup is still pending so
	// the flush arithmetic is deterministic.
	body := []byte("<html>0123456789abcdefghij</h>")
	require.Len(t, body, 30)

	h.fetch.HandleHeadersComplete(200, htmlHeaders())
	h.fetch.HandleWrite(body)
	h.fetch.HandleDone(true)
	assert.Empty(t, h.pipeline.snapshot(), "no pipeline work before lookups resolve")

	lookup.Done(true, nil)
	h.waitDone(t)

	assert.Equal(t, body, h.pipeline.parsedText(), "chunk concatenation must equal the stream")
	// 30 bytes at an 8-byte limit: three threshold flushes consume 24, the
	// final 6 ride out with the finish.
	assert.Equal(t, 3, h.pipeline.flushCount())
	assert.EqualValues(t, 3, h.metrics.Flushes("threshold"))

	for _, e := range h.pipeline.snapshot() {
		if e.kind == "text" {
			assert.LessOrEqual(t, len(e.data), 8)
		}
	}
}

func TestNonHTMLBodyPassesThrough(t *testing.T) {
	sink := &nopSink{}
	coll := collector.New("k", sink, zap.NewNop())
	lookup := coll.AddLookup("page")
	coll.Release()

	h := newHarness(t, defaultConfig(), coll)

	h.fetch.HandleHeadersComplete(200, htmlHeaders())
	h.fetch.HandleWrite([]byte(`{"not": "html"}`))
	h.fetch.HandleDone(true)
	h.waitDone(t)

	assert.Equal(t, `{"not": "html"}`, h.client.bodyString())
	assert.Empty(t, h.pipeline.snapshot(), "pass-through must never touch the pipeline")
	assert.EqualValues(t, 1, h.metrics.Fetches("passthrough"))

	// The straggling lookup completes the detached collector without
	// reviving the fetch.
	lookup.Done(true, nil)
	assert.Empty(t, h.pipeline.snapshot())
}

func TestNonHTMLContentTypeSkipsSniffing(t *testing.T) {
	cfg := defaultConfig()
	cfg.RequireHTMLContentType = true
	h := newHarness(t, cfg, nil)

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	h.fetch.HandleHeadersComplete(200, headers)
	h.fetch.HandleDone(true)
	h.waitDone(t)

	assert.Empty(t, h.pipeline.snapshot())
	assert.True(t, h.client.success)
	assert.EqualValues(t, 1, h.metrics.Fetches("passthrough"))
}

func TestWhitespaceOnlyBodyDegradesToPassThrough(t *testing.T) {
	h := newHarness(t, defaultConfig(), nil)

	h.fetch.HandleHeadersComplete(200, htmlHeaders())
	h.fetch.HandleWrite([]byte("  \n\t "))
	h.fetch.HandleDone(true)
	h.waitDone(t)

	assert.Equal(t, "  \n\t ", h.client.bodyString())
	assert.Empty(t, h.pipeline.snapshot())
	assert.True(t, h.client.success)
}

func TestSniffSpansMultipleWrites(t *testing.T) {
	h := newHarness(t, defaultConfig(), nil)

	h.fetch.HandleHeadersComplete(200, htmlHeaders())
	h.fetch.HandleWrite([]byte("  "))
	h.fetch.HandleWrite([]byte(" \n"))
	assert.Empty(t, h.pipeline.snapshot(), "undetermined sniff must hold bytes back")

	h.fetch.HandleWrite([]byte("<html></html>"))
	h.fetch.HandleDone(true)
	h.waitDone(t)

	assert.Equal(t, "  \n<html></html>", string(h.pipeline.parsedText()),
		"sniff buffer must replay ahead of later bytes")
	assert.Empty(t, h.client.bodyString(), "streaming output belongs to the pipeline")
}

func TestOriginFailureBeforeHeaders(t *testing.T) {
	h := newHarness(t, defaultConfig(), nil)

	h.fetch.HandleDone(false)
	h.waitDone(t)

	assert.False(t, h.client.success)
	assert.EqualValues(t, 1, h.metrics.Fetches("error"))
	assert.Empty(t, h.pipeline.snapshot())
}

func TestIdleTimerForcesFlush(t *testing.T) {
	cfg := defaultConfig()
	cfg.IdleFlushInterval = 20 * time.Millisecond
	h := newHarness(t, cfg, nil)

	h.fetch.HandleHeadersComplete(200, htmlHeaders())
	h.fetch.HandleWrite([]byte("<html>stalled"))

	require.Eventually(t, func() bool {
		return h.metrics.Flushes("idle") >= 1
	}, 2*time.Second, time.Millisecond, "a stalled origin must trigger an idle flush")

	h.fetch.HandleWrite([]byte("</html>"))
	h.fetch.HandleDone(true)
	h.waitDone(t)

	assert.Equal(t, "<html>stalled</html>", string(h.pipeline.parsedText()))
}

func TestIdleTimerSuppressedDuringFinish(t *testing.T) {
	cfg := defaultConfig()
	cfg.IdleFlushInterval = 15 * time.Millisecond
	h := newHarness(t, cfg, nil)

	h.fetch.HandleHeadersComplete(200, htmlHeaders())
	h.fetch.HandleWrite([]byte("<html>done early</html>"))
	h.fetch.HandleDone(true)
	h.waitDone(t)

	// Give a stray fire every chance to land.
	time.Sleep(4 * cfg.IdleFlushInterval)
	assert.EqualValues(t, 0, h.metrics.Flushes("idle"),
		"an armed idle timer must never fire after finish")
}

func TestIdleTimerCancelledByNetworkFlush(t *testing.T) {
	cfg := defaultConfig()
	cfg.IdleFlushInterval = 15 * time.Millisecond
	h := newHarness(t, cfg, nil)

	h.fetch.HandleHeadersComplete(200, htmlHeaders())
	h.fetch.HandleWrite([]byte("<html>chunk"))
	h.fetch.HandleFlush()

	require.Eventually(t, func() bool {
		return h.metrics.Flushes("network") >= 1
	}, 2*time.Second, time.Millisecond)

	// The flush reset idleness; with no further bytes the idle timer must
	// stay quiet.
	time.Sleep(4 * cfg.IdleFlushInterval)
	assert.EqualValues(t, 0, h.metrics.Flushes("idle"))

	h.fetch.HandleDone(true)
	h.waitDone(t)
}

func TestNetworkFlushForwardingDisabled(t *testing.T) {
	cfg := defaultConfig()
	cfg.ForwardNetworkFlushes = false
	h := newHarness(t, cfg, nil)

	h.fetch.HandleHeadersComplete(200, htmlHeaders())
	h.fetch.HandleWrite([]byte("<html>body"))
	h.fetch.HandleFlush()
	h.fetch.HandleDone(true)
	h.waitDone(t)

	assert.Zero(t, h.pipeline.flushCount(), "origin flushes are ignored when forwarding is off")
}

func TestCrossDomainHeaderSanitization(t *testing.T) {
	pool := sequence.NewPool(1, zap.NewNop())
	t.Cleanup(pool.Shutdown)

	client := &fakeClient{}
	fetch := NewProxyFetch(FetchOptions{
		URL:         "https://cdn.example.net/page",
		CrossDomain: true,
		Config:      defaultConfig(),
		Pipeline:    &fakePipeline{},
		Client:      client,
		Sequence:    pool.NewSequence(),
		Logger:      zap.NewNop(),
	})

	headers := htmlHeaders()
	headers.Set("Set-Cookie", "session=secret")
	headers.Set("Authorization", "Bearer token")
	headers.Set("WWW-Authenticate", "Basic")
	headers.Set("X-Custom", "kept")

	fetch.HandleHeadersComplete(200, headers)

	assert.Empty(t, headers.Get("Set-Cookie"))
	assert.Empty(t, headers.Get("Authorization"))
	assert.Empty(t, headers.Get("WWW-Authenticate"))
	assert.Equal(t, "kept", headers.Get("X-Custom"))
	assert.True(t, client.headersDone)

	fetch.HandleDone(true)
	require.Eventually(t, client.isDone, 2*time.Second, time.Millisecond)
}

func TestSniffDecisionIsStable(t *testing.T) {
	s := newSniffer(512)
	require.Equal(t, sniffHTML, s.Feed([]byte("  <html>")))
	assert.Equal(t, sniffHTML, s.Feed([]byte("garbage not html")))
	assert.Equal(t, sniffHTML, s.FinishStream())

	s = newSniffer(512)
	require.Equal(t, sniffNotHTML, s.Feed([]byte("plain")))
	assert.Equal(t, sniffNotHTML, s.Feed([]byte("<html>")))
}

func TestSniffSkipsBOM(t *testing.T) {
	s := newSniffer(512)
	bom := []byte{0xEF, 0xBB, 0xBF}
	assert.Equal(t, sniffHTML, s.Feed(append(bom, []byte("<!doctype html>")...)))
}

func TestSniffCapForcesDecision(t *testing.T) {
	s := newSniffer(8)
	assert.Equal(t, sniffUndetermined, s.Feed([]byte("    ")))
	assert.Equal(t, sniffNotHTML, s.Feed([]byte("     ")), "whitespace past the cap stops buffering")
}

func TestFinishDetachesCollector(t *testing.T) {
	sink := &recordingStatusSink{}
	coll := collector.New("https://example.com/index.html", sink, zap.NewNop())
	lookup := coll.AddLookup("page")
	coll.Release()
	lookup.Done(true, nil)

	h := newHarness(t, defaultConfig(), coll)

	h.fetch.HandleHeadersComplete(200, htmlHeaders())
	h.fetch.HandleWrite([]byte("<html>ok</html>"))
	h.fetch.HandleDone(true)
	h.waitDone(t)

	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, time.Millisecond,
		"finish must retire the collector exactly once")
	assert.Equal(t, []int{200}, sink.statuses())
}

type nopSink struct{}

func (nopSink) PersistStatus(string, int) {}

type recordingStatusSink struct {
	mu   sync.Mutex
	got  []int
	keys []string
}

func (s *recordingStatusSink) PersistStatus(key string, statusCode int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, key)
	s.got = append(s.got, statusCode)
}

func (s *recordingStatusSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func (s *recordingStatusSink) statuses() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.got))
	copy(out, s.got)
	return out
}

func TestHeaderClaimsHTML(t *testing.T) {
	cases := []struct {
		ct   string
		want bool
	}{
		{"text/html", true},
		{"text/html; charset=utf-8", true},
		{"TEXT/HTML", true},
		{"application/xhtml+xml", true},
		{"application/json", false},
		{"", false},
	}
	for _, tc := range cases {
		h := http.Header{}
		if tc.ct != "" {
			h.Set("Content-Type", tc.ct)
		}
		assert.Equal(t, tc.want, headerClaimsHTML(h), "content type %q", tc.ct)
	}
}

func TestLargeBodyRoundTrip(t *testing.T) {
	cfg := defaultConfig()
	cfg.FlushBufferLimit = 1024
	h := newHarness(t, cfg, nil)

	body := "<html><body>" + strings.Repeat("lorem ipsum dolor sit amet ", 400) + "</body></html>"

	h.fetch.HandleHeadersComplete(200, htmlHeaders())
	for i := 0; i < len(body); i += 3000 {
		end := i + 3000
		if end > len(body) {
			end = len(body)
		}
		h.fetch.HandleWrite([]byte(body[i:end]))
	}
	h.fetch.HandleDone(true)
	h.waitDone(t)

	assert.Equal(t, body, string(h.pipeline.parsedText()))
	assert.True(t, h.client.success)
}
