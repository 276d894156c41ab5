// Package fifo implements the bounded, blocking buffer queue that connects
// two pipeline stages. Each Queue has exactly one producer and one consumer;
// fan-out is done by cloning buffers before they are pushed.
package fifo

import (
	"context"
	"sync"

	"github.com/zsiec/reel/internal/media"
)

// Queue is a fixed-capacity FIFO of buffers. It holds capacity+1 slots so
// that full and empty can be told apart from the indices alone.
type Queue struct {
	name string

	mu    sync.Mutex
	cond  *sync.Cond
	slots []*media.Buffer
	in    int
	out   int
	dead  bool
}

// New creates a Queue that holds at most capacity buffers. A capacity below
// one is raised to one.
func New(name string, capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue{
		name:  name,
		slots: make([]*media.Buffer, capacity+1),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Name returns the label given at construction, used in logs.
func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) size() int {
	n := len(q.slots)
	return (n + q.in - q.out) % n
}

// Size returns the number of queued buffers.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size()
}

// Capacity returns the maximum number of queued buffers.
func (q *Queue) Capacity() int {
	return len(q.slots) - 1
}

// Dead reports whether MarkDead has been called.
func (q *Queue) Dead() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dead
}

// wake arranges for waiters to re-check their predicate when ctx ends.
func (q *Queue) wake(ctx context.Context) (stop func() bool) {
	return context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
}

// Push appends b, blocking while the queue is full. It returns false if the
// queue is dead or ctx ends before space frees up; b is dropped in that case.
// A false return is the normal shutdown signal, not an error.
func (q *Queue) Push(ctx context.Context, b *media.Buffer) bool {
	stop := q.wake(ctx)
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for !q.dead && ctx.Err() == nil && q.size() == q.Capacity() {
		q.cond.Wait()
	}
	if q.dead || ctx.Err() != nil {
		return false
	}

	q.slots[q.in] = b
	q.in = (q.in + 1) % len(q.slots)
	q.cond.Broadcast()
	return true
}

// Pop removes the oldest buffer, blocking while the queue is empty. It
// returns false once the queue is dead or ctx ends.
func (q *Queue) Pop(ctx context.Context) (*media.Buffer, bool) {
	stop := q.wake(ctx)
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for !q.dead && ctx.Err() == nil && q.size() == 0 {
		q.cond.Wait()
	}
	if q.dead || ctx.Err() != nil {
		return nil, false
	}

	b := q.slots[q.out]
	q.slots[q.out] = nil
	q.out = (q.out + 1) % len(q.slots)
	q.cond.Broadcast()
	return b, true
}

// TryPop removes the oldest buffer without blocking.
func (q *Queue) TryPop() (*media.Buffer, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.dead || q.size() == 0 {
		return nil, false
	}
	b := q.slots[q.out]
	q.slots[q.out] = nil
	q.out = (q.out + 1) % len(q.slots)
	q.cond.Broadcast()
	return b, true
}

// MarkDead discards every queued buffer and makes all current and future
// Push and Pop calls fail. It is safe to call more than once.
func (q *Queue) MarkDead() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.size() > 0 {
		q.slots[q.out] = nil
		q.out = (q.out + 1) % len(q.slots)
	}
	q.dead = true
	q.cond.Broadcast()
}
