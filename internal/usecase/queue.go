package usecase

import (
	"context"
	"sync"
)

type task func(ctx context.Context)

// sessionQueue runs tasks one at a time per key, in submission order.
// Different keys run concurrently; a worker goroutine exists only while its
// key has pending work.
type sessionQueue struct {
	ctx context.Context

	mu      sync.Mutex
	pending map[string][]task
	closed  bool
	wg      sync.WaitGroup
}

func newSessionQueue(ctx context.Context) *sessionQueue {
	return &sessionQueue{ctx: ctx, pending: make(map[string][]task)}
}

// submit enqueues t under key. It reports false once the queue is closed.
func (q *sessionQueue) submit(key string, t task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if tasks, running := q.pending[key]; running {
		q.pending[key] = append(tasks, t)
		return true
	}
	q.pending[key] = []task{t}
	q.wg.Add(1)
	go q.run(key)
	return true
}

func (q *sessionQueue) run(key string) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		tasks := q.pending[key]
		if len(tasks) == 0 {
			delete(q.pending, key)
			q.mu.Unlock()
			return
		}
		next := tasks[0]
		tasks[0] = nil
		q.pending[key] = tasks[1:]
		q.mu.Unlock()

		next(q.ctx)
	}
}

// wait blocks until every submitted task has finished, including tasks
// submitted while waiting.
func (q *sessionQueue) wait() {
	q.wg.Wait()
}

// close rejects new tasks and waits for queued ones.
func (q *sessionQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wg.Wait()
}
