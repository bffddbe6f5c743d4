// Package queue holds the in-memory registry of idle workers eligible for
// task assignment.
package queue

import "sync"

// WorkerQueue is an ordered list of worker peer ids. Enqueue is idempotent;
// Dequeue removes the first matching entry and the caller re-enqueues the
// worker once the assignment is sent or abandoned, which yields
// move-to-back rotation across assignments.
type WorkerQueue struct {
	mu  sync.Mutex
	ids []string
	set map[string]struct{}
}

// NewWorkerQueue returns an empty queue.
func NewWorkerQueue() *WorkerQueue {
	return &WorkerQueue{set: make(map[string]struct{})}
}

// Enqueue appends id to the back of the queue. Duplicate ids are ignored.
func (q *WorkerQueue) Enqueue(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.set[id]; ok {
		return
	}
	q.ids = append(q.ids, id)
	q.set[id] = struct{}{}
}

// Dequeue scans front-to-back and removes and returns the first worker for
// which pred returns true. A nil pred matches any worker. Returns "" and
// false when no worker matches.
func (q *WorkerQueue) Dequeue(pred func(id string) bool) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, id := range q.ids {
		if pred != nil && !pred(id) {
			continue
		}
		q.ids = append(q.ids[:i], q.ids[i+1:]...)
		delete(q.set, id)
		return id, true
	}
	return "", false
}

// Remove deletes id from the queue if present. Used on disconnect and ban.
func (q *WorkerQueue) Remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.set[id]; !ok {
		return
	}
	for i, cur := range q.ids {
		if cur == id {
			q.ids = append(q.ids[:i], q.ids[i+1:]...)
			break
		}
	}
	delete(q.set, id)
}

// Contains reports whether id is currently queued.
func (q *WorkerQueue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.set[id]
	return ok
}

// PeekAll returns a snapshot of the queue order for inspection.
func (q *WorkerQueue) PeekAll() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.ids))
	copy(out, q.ids)
	return out
}

// Len returns the number of queued workers.
func (q *WorkerQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}
