package device

import "sync"

// Queue is an in-order command stream. Enqueue records work without running
// it; Do runs everything recorded so far, in order, and then its own work.
// Anything passed to Do therefore observes the effects of all earlier
// transfers on the same queue without waiting on them individually.
type Queue struct {
	mu      sync.Mutex
	pending []func() error
	done    int64
}

// Enqueue appends fn to the queue and returns immediately.
func (q *Queue) Enqueue(fn func() error) {
	q.mu.Lock()
	q.pending = append(q.pending, fn)
	q.mu.Unlock()
}

// Do flushes the queue and then runs fn (which may be nil). The first error
// stops the flush; later commands are discarded.
func (q *Queue) Do(fn func() error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending := q.pending
	q.pending = nil
	for _, op := range pending {
		q.done++
		if err := op(); err != nil {
			return err
		}
	}
	if fn == nil {
		return nil
	}
	q.done++
	return fn()
}

// Sync flushes the queue.
func (q *Queue) Sync() error {
	return q.Do(nil)
}

// Len returns the number of commands waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Executed returns how many commands have run.
func (q *Queue) Executed() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.done
}
