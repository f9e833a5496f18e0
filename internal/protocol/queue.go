package protocol

import "sync/atomic"

// Queue is a lock-free single-producer/single-consumer byte ring.
//
// The link reader is the only producer and the capture loop is the only
// consumer. A full queue drops the incoming byte and counts it.
type Queue struct {
	buf     []byte
	mask    uint64
	head    atomic.Uint64 // next read index, written by the consumer
	tail    atomic.Uint64 // next write index, written by the producer
	dropped atomic.Uint64
}

// NewQueue allocates a queue rounded up to a power of two.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	size := uint64(1)
	for size < uint64(capacity) {
		size <<= 1
	}
	return &Queue{buf: make([]byte, size), mask: size - 1}
}

// Push appends one byte. It never blocks.
func (q *Queue) Push(c byte) bool {
	t := q.tail.Load()
	if t-q.head.Load() == uint64(len(q.buf)) {
		q.dropped.Add(1)
		return false
	}
	q.buf[t&q.mask] = c
	q.tail.Store(t + 1)
	return true
}

// Write pushes every byte of p so the queue can sit behind an io.Reader copy.
// It always reports len(p); overflow shows up in Dropped.
func (q *Queue) Write(p []byte) (int, error) {
	for _, c := range p {
		q.Push(c)
	}
	return len(p), nil
}

// Pop removes one byte.
func (q *Queue) Pop() (byte, bool) {
	h := q.head.Load()
	if h == q.tail.Load() {
		return 0, false
	}
	c := q.buf[h&q.mask]
	q.head.Store(h + 1)
	return c, true
}

// Discard drops everything currently queued and returns how many bytes went.
func (q *Queue) Discard() int {
	h := q.head.Load()
	t := q.tail.Load()
	q.head.Store(t)
	return int(t - h)
}

// Len reports queued bytes.
func (q *Queue) Len() int {
	return int(q.tail.Load() - q.head.Load())
}

func (q *Queue) Cap() int {
	return len(q.buf)
}

// Dropped reports bytes lost to a full queue since creation.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}
