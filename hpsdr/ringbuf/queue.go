// Package ringbuf holds the single-producer single-consumer FIFOs that sit
// between the transport goroutines and the per-stream consumers.
//
// Each ring index has exactly one writer: the producer advances in, the
// consumer advances out. A counting semaphore (a buffered channel) is posted
// once per committed element and the consumer blocks on it.
package ringbuf

import (
	"sync/atomic"
)

// Queue is a fixed capacity SPSC ring of opaque elements, typically buffer
// pool handles. One slot is always left empty so that in == out means empty.
type Queue[T any] struct {
	items []T
	in    atomic.Uint32
	out   atomic.Uint32
	sem   chan struct{}
	done  chan struct{}

	throttle  Throttle
	overflows atomic.Uint64
	dropped   atomic.Uint64
}

// NewQueue creates a queue with room for capacity-1 elements. skip is the
// number of arrivals dropped after an overflow.
func NewQueue[T any](capacity, skip int) *Queue[T] {
	if capacity < 2 {
		panic("ringbuf: queue capacity must be at least 2")
	}
	return &Queue[T]{
		items:    make([]T, capacity),
		sem:      make(chan struct{}, capacity),
		done:     make(chan struct{}),
		throttle: Throttle{Window: skip},
	}
}

func (q *Queue[T]) next(i uint32) uint32 {
	i++
	if int(i) >= len(q.items) {
		return 0
	}
	return i
}

// TryEnqueue appends v unless the queue is full. Producer only.
func (q *Queue[T]) TryEnqueue(v T) bool {
	in := q.in.Load()
	n := q.next(in)
	if n == q.out.Load() {
		return false
	}
	q.items[in] = v
	q.in.Store(n)
	q.sem <- struct{}{}
	return true
}

// Put enqueues v subject to the overflow throttle. It returns false when v
// was not queued, either because a drop window is active or because the
// queue was full (which opens a new drop window). The caller keeps ownership
// of v in that case. Producer only.
func (q *Queue[T]) Put(v T) bool {
	if q.throttle.Skip() {
		q.dropped.Add(1)
		return false
	}
	if !q.TryEnqueue(v) {
		q.throttle.Arm()
		q.overflows.Add(1)
		q.dropped.Add(1)
		return false
	}
	return true
}

// Dequeue blocks until an element is available or the queue is closed.
// Consumer only.
func (q *Queue[T]) Dequeue() (T, bool) {
	var zero T
	select {
	case <-q.sem:
	case <-q.done:
		return zero, false
	}
	out := q.out.Load()
	v := q.items[out]
	q.items[out] = zero
	q.out.Store(q.next(out))
	return v, true
}

// TryDequeue returns the oldest element without blocking. Consumer only.
func (q *Queue[T]) TryDequeue() (T, bool) {
	var zero T
	select {
	case <-q.sem:
	default:
		return zero, false
	}
	out := q.out.Load()
	v := q.items[out]
	q.items[out] = zero
	q.out.Store(q.next(out))
	return v, true
}

// Len returns the number of queued elements
func (q *Queue[T]) Len() int {
	in, out := int(q.in.Load()), int(q.out.Load())
	if in >= out {
		return in - out
	}
	return len(q.items) - out + in
}

// Cap returns the maximum number of queued elements
func (q *Queue[T]) Cap() int {
	return len(q.items) - 1
}

// Overflows returns how many times the queue was found full
func (q *Queue[T]) Overflows() uint64 {
	return q.overflows.Load()
}

// Dropped returns how many elements were refused by Put
func (q *Queue[T]) Dropped() uint64 {
	return q.dropped.Load()
}

// Close wakes every blocked Dequeue; subsequent Dequeue calls return false
// once the semaphore is empty
func (q *Queue[T]) Close() {
	select {
	case <-q.done:
	default:
		close(q.done)
	}
}

// Reset empties the queue and reopens it. Only valid while neither side
// is running. Elements still queued are returned so the caller can release
// them.
func (q *Queue[T]) Reset() []T {
	var left []T
	for {
		v, ok := q.TryDequeue()
		if !ok {
			break
		}
		left = append(left, v)
	}
	var zero T
	for i := range q.items {
		q.items[i] = zero
	}
	q.in.Store(0)
	q.out.Store(0)
	q.throttle.Clear()
	q.done = make(chan struct{})
	return left
}
