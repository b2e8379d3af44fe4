// Package memory provides in-process job queues with FIFO or priority order.
package memory

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrClosed is returned once a queue is closed and drained.
var ErrClosed = errors.New("queue closed")

// Less reports whether a should be dequeued before b. Equal items keep
// insertion order.
type Less[T any] func(a, b T) bool

type entry[T any] struct {
	value     T
	notBefore time.Time
	seq       uint64
}

type entryHeap[T any] struct {
	entries []entry[T]
	less    func(a, b entry[T]) bool
}

func (h *entryHeap[T]) Len() int           { return len(h.entries) }
func (h *entryHeap[T]) Less(i, j int) bool { return h.less(h.entries[i], h.entries[j]) }
func (h *entryHeap[T]) Swap(i, j int)      { h.entries[i], h.entries[j] = h.entries[j], h.entries[i] }
func (h *entryHeap[T]) Push(x any)         { h.entries = append(h.entries, x.(entry[T])) }
func (h *entryHeap[T]) Pop() any {
	n := len(h.entries)
	e := h.entries[n-1]
	var zero entry[T]
	h.entries[n-1] = zero
	h.entries = h.entries[:n-1]
	return e
}

func (h *entryHeap[T]) peek() entry[T] {
	return h.entries[0]
}

// Queue is a bounded queue. Items become visible to Dequeue in priority
// order once their not-before time has passed. Enqueue blocks while the
// queue holds capacity items; Requeue does not, so workers handing an item
// back never deadlock against producers.
type Queue[T any] struct {
	mu       sync.Mutex
	ready    *entryHeap[T]
	delayed  *entryHeap[T]
	capacity int
	seq      uint64
	closed   bool
	changed  chan struct{}
	now      func() time.Time
}

// NewQueue constructs a FIFO queue. A capacity <= 0 is unbounded.
func NewQueue[T any](capacity int) *Queue[T] {
	return NewPriorityQueue[T](capacity, nil)
}

// NewPriorityQueue constructs a queue ordered by less, falling back to FIFO
// for ties. A nil less is plain FIFO.
func NewPriorityQueue[T any](capacity int, less Less[T]) *Queue[T] {
	readyLess := func(a, b entry[T]) bool { return a.seq < b.seq }
	if less != nil {
		readyLess = func(a, b entry[T]) bool {
			switch {
			case less(a.value, b.value):
				return true
			case less(b.value, a.value):
				return false
			default:
				return a.seq < b.seq
			}
		}
	}
	return &Queue[T]{
		ready: &entryHeap[T]{less: readyLess},
		delayed: &entryHeap[T]{less: func(a, b entry[T]) bool {
			if a.notBefore.Equal(b.notBefore) {
				return a.seq < b.seq
			}
			return a.notBefore.Before(b.notBefore)
		}},
		capacity: capacity,
		changed:  make(chan struct{}),
		now:      time.Now,
	}
}

// Enqueue adds v, blocking while the queue is full or until ctx ends.
func (q *Queue[T]) Enqueue(ctx context.Context, v T) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}
		if q.capacity <= 0 || q.lenLocked() < q.capacity {
			q.pushLocked(v, time.Time{})
			q.mu.Unlock()
			return nil
		}
		wait := q.changed
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return fmt.Errorf("enqueue canceled: %w", ctx.Err())
		case <-wait:
		}
	}
}

// Requeue adds v without honoring capacity. It is not visible to Dequeue
// before notBefore.
func (q *Queue[T]) Requeue(v T, notBefore time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.pushLocked(v, notBefore)
	return nil
}

// Dequeue pops the next eligible item. After Close it keeps serving queued
// items, delayed ones included, and returns ErrClosed once empty. Nothing is
// popped once ctx is done.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, error) {
	var zero T
	for {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("dequeue canceled: %w", err)
		}
		q.mu.Lock()
		now := q.now()
		q.promoteLocked(now)
		if q.ready.Len() > 0 {
			e := heap.Pop(q.ready).(entry[T])
			q.broadcastLocked()
			q.mu.Unlock()
			return e.value, nil
		}
		if q.closed && q.delayed.Len() == 0 {
			q.mu.Unlock()
			return zero, ErrClosed
		}
		var timer <-chan time.Time
		var stop func() bool
		if q.delayed.Len() > 0 {
			t := time.NewTimer(q.delayed.peek().notBefore.Sub(now))
			timer, stop = t.C, t.Stop
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			if stop != nil {
				stop()
			}
			return zero, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-wait:
		case <-timer:
		}
		if stop != nil {
			stop()
		}
	}
}

// Len reports queued items, delayed ones included.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

// Close stops new items from being added and wakes blocked callers.
// Closing twice is safe.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcastLocked()
}

// Drain removes and returns every queued item in dequeue order, ignoring
// not-before times.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.delayed.Len() > 0 {
		e := heap.Pop(q.delayed).(entry[T])
		heap.Push(q.ready, e)
	}
	out := make([]T, 0, q.ready.Len())
	for q.ready.Len() > 0 {
		out = append(out, heap.Pop(q.ready).(entry[T]).value)
	}
	q.broadcastLocked()
	return out
}

func (q *Queue[T]) lenLocked() int {
	return q.ready.Len() + q.delayed.Len()
}

func (q *Queue[T]) pushLocked(v T, notBefore time.Time) {
	q.seq++
	e := entry[T]{value: v, notBefore: notBefore, seq: q.seq}
	if notBefore.After(q.now()) {
		heap.Push(q.delayed, e)
	} else {
		heap.Push(q.ready, e)
	}
	q.broadcastLocked()
}

func (q *Queue[T]) promoteLocked(now time.Time) {
	for q.delayed.Len() > 0 && !q.delayed.peek().notBefore.After(now) {
		heap.Push(q.ready, heap.Pop(q.delayed))
	}
}

// broadcastLocked wakes every waiter by closing the current change channel.
func (q *Queue[T]) broadcastLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}
