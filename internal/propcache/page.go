package propcache

import (
	"sync"
	"time"

	"github.com/xkilldash9x/htmlforge/internal/observability"
)

// Page is an in-memory, mutable view of all property values for one cohort
// for one cache key. It is owned exclusively by whichever component
// currently holds it; the lookup machinery hands it off at most once.
type Page struct {
	cache  *Cache
	cohort *Cohort
	key    string

	mu     sync.Mutex
	values map[string]*Value
	// recorded tracks which names have already been classified for the
	// hit/miss counters, so repeated reads of one name count once.
	recorded map[string]struct{}
}

func (p *Page) Cohort() *Cohort { return p.cohort }
func (p *Page) Key() string     { return p.key }

// Value returns the named value. A name with no prior write yields a
// non-nil missing value, so callers never nil-check. The first read of
// each name is classified as exactly one of valid-hit, expired-hit, or
// miss for the metrics sink.
func (p *Page) Value(name string) *Value {
	p.mu.Lock()
	defer p.mu.Unlock()

	v, ok := p.values[name]
	if !ok {
		v = &Value{}
		p.values[name] = v
	}
	v.stale = v.present && p.cache.now().Sub(v.writtenAt) > p.cohort.ttl

	if _, seen := p.recorded[name]; !seen {
		p.recorded[name] = struct{}{}
		p.cache.metrics.IncPropertyRead(p.cohort.name, classify(v))
	}
	return v
}

// UpdateValue overwrites the named value's bytes and refreshes its write
// timestamp. Persistence is deferred to Cache.WriteCohort so several
// mutations can share one backend write.
func (p *Page) UpdateValue(name string, bytes []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.values[name]
	if !ok {
		v = &Value{}
		p.values[name] = v
	}
	v.bytes = bytes
	v.writtenAt = p.cache.now()
	v.present = true
	v.stale = false
}

// snapshot copies the present values for persistence.
func (p *Page) snapshot() map[string]StoredValue {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]StoredValue, len(p.values))
	for name, v := range p.values {
		if !v.present {
			continue
		}
		out[name] = StoredValue{Bytes: v.bytes, WrittenAt: v.writtenAt}
	}
	return out
}

func classify(v *Value) observability.ReadOutcome {
	switch {
	case !v.present:
		return observability.ReadMiss
	case v.stale:
		return observability.ReadExpiredHit
	default:
		return observability.ReadValidHit
	}
}

// Value is one named property inside a Page: raw bytes, a write timestamp,
// and a staleness flag derived from the cohort TTL. Expiration comparison
// uses wall-clock time, never sequence numbers, so it stays correct across
// process restarts.
type Value struct {
	bytes     []byte
	writtenAt time.Time
	present   bool
	stale     bool
}

// Found reports whether the value exists and is fresh. A stale value is
// treated identically to not-found by normal readers.
func (v *Value) Found() bool { return v.present && !v.stale }

// Stale reports whether the value exists but has outlived its cohort TTL.
// Stale values are never deleted; StaleBytes keeps them reachable for
// last-known-good fallback logic.
func (v *Value) Stale() bool { return v.present && v.stale }

// Bytes returns the value's bytes when fresh, nil otherwise.
func (v *Value) Bytes() []byte {
	if !v.Found() {
		return nil
	}
	return v.bytes
}

// StaleBytes returns the raw bytes regardless of staleness. Fallback
// consumers use this after Found reports false.
func (v *Value) StaleBytes() []byte {
	if !v.present {
		return nil
	}
	return v.bytes
}

// WrittenAt returns the value's last write timestamp; zero if never written.
func (v *Value) WrittenAt() time.Time { return v.writtenAt }
