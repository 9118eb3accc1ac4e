// Package sequence provides per-request FIFO executors backed by a shared
// worker pool. All mutation of one request's pipeline state is funneled
// through its sequence, so the pipeline itself needs no internal locking:
// closures for a given sequence run one at a time, in submission order,
// regardless of which goroutine produced them.
package sequence

import (
	"sync"

	"go.uber.org/zap"
)

// Task is one unit of work posted to a sequence. Exactly one of Run or
// Cancel is ever invoked, never both, never neither. Run must not block
// indefinitely; multi-step work re-submits continuations instead of
// waiting in place.
type Task interface {
	Run()
	Cancel()
}

// TaskFunc adapts a pair of closures to the Task interface. A nil cancel
// function makes Cancel a no-op.
type TaskFunc struct {
	OnRun    func()
	OnCancel func()
}

func (t TaskFunc) Run() {
	if t.OnRun != nil {
		t.OnRun()
	}
}

func (t TaskFunc) Cancel() {
	if t.OnCancel != nil {
		t.OnCancel()
	}
}

// Pool executes sequence closures on a fixed number of worker goroutines.
// Many sequences may run concurrently across requests; any single
// sequence is strictly ordered with at most one closure active.
type Pool struct {
	logger *zap.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	ready  []*Sequence
	closed bool
	wg     sync.WaitGroup
}

// NewPool starts a pool with the given worker count.
func NewPool(workers int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 4 // A sensible default.
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{logger: logger.Named("sequence_pool")}
	p.cond = sync.NewCond(&p.mu)

	p.logger.Info("Starting sequence worker pool", zap.Int("workers", workers))
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.runWorker(i + 1)
	}
	return p
}

// NewSequence creates an empty sequence scheduled on this pool.
func (p *Pool) NewSequence() *Sequence {
	return &Sequence{pool: p}
}

// Shutdown stops the workers and cancels every task still queued on any
// sequence. It blocks until all workers have exited; a closure already
// running is allowed to finish.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()

	// Workers are gone; drain whatever was still waiting for one.
	p.mu.Lock()
	remaining := p.ready
	p.ready = nil
	p.mu.Unlock()
	for _, seq := range remaining {
		seq.abort()
	}
	p.logger.Info("Sequence worker pool stopped")
}

func (p *Pool) runWorker(id int) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.ready) == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.closed {
			p.mu.Unlock()
			return
		}
		seq := p.ready[0]
		p.ready = p.ready[1:]
		p.mu.Unlock()

		seq.runOne()
	}
}

// enqueue marks a sequence ready. Caller must not hold p.mu.
func (p *Pool) enqueue(seq *Sequence) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.ready = append(p.ready, seq)
	p.cond.Signal()
	return true
}

// Sequence is a FIFO work queue with exactly one active executor at a
// time. Add is safe to call from any goroutine, including from a task
// currently running on the same sequence.
type Sequence struct {
	pool *Pool

	mu    sync.Mutex
	queue []Task
	// scheduled is true while the sequence sits in the pool's ready list
	// or one of its tasks is being executed. It is the invariant that
	// keeps per-sequence execution single-file.
	scheduled bool
}

// Add appends a task. If the pool has shut down the task is cancelled
// immediately instead of queued.
func (s *Sequence) Add(task Task) {
	s.mu.Lock()
	s.queue = append(s.queue, task)
	needsSchedule := !s.scheduled
	if needsSchedule {
		s.scheduled = true
	}
	s.mu.Unlock()

	if !needsSchedule {
		return
	}
	if !s.pool.enqueue(s) {
		s.abort()
	}
}

// runOne executes the head task, then hands the sequence back to the pool
// if more work arrived in the meantime.
func (s *Sequence) runOne() {
	s.mu.Lock()
	if len(s.queue) == 0 {
		// Shutdown raced us and drained the queue.
		s.scheduled = false
		s.mu.Unlock()
		return
	}
	task := s.queue[0]
	s.queue = s.queue[1:]
	s.mu.Unlock()

	task.Run()

	s.mu.Lock()
	more := len(s.queue) > 0
	if !more {
		s.scheduled = false
	}
	s.mu.Unlock()

	if more && !s.pool.enqueue(s) {
		s.abort()
	}
}

// abort clears the scheduled flag and cancels every queued task, in order.
// Used on the shutdown paths where the pool will never run this sequence
// again.
func (s *Sequence) abort() {
	s.mu.Lock()
	s.scheduled = false
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()
	for _, task := range pending {
		task.Cancel()
	}
}
