// File: internal/observability/metrics.go
package observability

import "sync"

// ReadOutcome classifies a single property-cache read. The three outcomes
// are mutually exclusive and exhaustive: a value is either fresh, present
// but older than its cohort TTL, or absent entirely.
type ReadOutcome string

const (
	ReadValidHit   ReadOutcome = "valid_hit"
	ReadExpiredHit ReadOutcome = "expired_hit"
	ReadMiss       ReadOutcome = "miss"
)

// Metrics is the counter sink injected into components that emit
// operational counters. Implementations must be safe for concurrent use.
type Metrics interface {
	// IncPropertyRead records the classification of one property read for
	// the named cohort.
	IncPropertyRead(cohort string, outcome ReadOutcome)
	// IncFetch records a request passing through the rewrite core, keyed by
	// its terminal disposition ("rewritten", "passthrough", "error").
	IncFetch(disposition string)
	// IncFlush records one pipeline flush, keyed by its trigger
	// ("network", "threshold", "idle").
	IncFlush(trigger string)
}

// NopMetrics discards every counter. Useful as a default.
type NopMetrics struct{}

func (NopMetrics) IncPropertyRead(string, ReadOutcome) {}
func (NopMetrics) IncFetch(string)                     {}
func (NopMetrics) IncFlush(string)                     {}

// InMemoryMetrics aggregates counters in process. It backs the serve
// command's stats endpoint and doubles as the assertion target in tests.
type InMemoryMetrics struct {
	mu            sync.Mutex
	propertyReads map[string]map[ReadOutcome]int64
	fetches       map[string]int64
	flushes       map[string]int64
}

// NewInMemoryMetrics returns an empty, ready-to-use sink.
func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		propertyReads: make(map[string]map[ReadOutcome]int64),
		fetches:       make(map[string]int64),
		flushes:       make(map[string]int64),
	}
}

func (m *InMemoryMetrics) IncPropertyRead(cohort string, outcome ReadOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byOutcome, ok := m.propertyReads[cohort]
	if !ok {
		byOutcome = make(map[ReadOutcome]int64)
		m.propertyReads[cohort] = byOutcome
	}
	byOutcome[outcome]++
}

func (m *InMemoryMetrics) IncFetch(disposition string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches[disposition]++
}

func (m *InMemoryMetrics) IncFlush(trigger string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushes[trigger]++
}

// PropertyReads returns the count recorded for one cohort/outcome pair.
func (m *InMemoryMetrics) PropertyReads(cohort string, outcome ReadOutcome) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.propertyReads[cohort][outcome]
}

// Fetches returns the count recorded for one fetch disposition.
func (m *InMemoryMetrics) Fetches(disposition string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches[disposition]
}

// Flushes returns the count recorded for one flush trigger.
func (m *InMemoryMetrics) Flushes(trigger string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushes[trigger]
}
