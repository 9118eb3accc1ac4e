// File: internal/network/status.go
package network

import "sync"

// StatusRecorder keeps the best-effort final HTTP status persisted when a
// request's lookup collector retires. It backs the serve command's stats
// endpoint and feeds cache-validity heuristics.
type StatusRecorder struct {
	mu       sync.Mutex
	statuses map[string]int
}

func NewStatusRecorder() *StatusRecorder {
	return &StatusRecorder{statuses: make(map[string]int)}
}

// PersistStatus implements the collector's status sink.
func (r *StatusRecorder) PersistStatus(key string, statusCode int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[key] = statusCode
}

// Status returns the last persisted status for a key.
func (r *StatusRecorder) Status(key string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	code, ok := r.statuses[key]
	return code, ok
}

// Len reports how many keys have a persisted status.
func (r *StatusRecorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.statuses)
}
