package ringbuf

import (
	"fmt"
	"sync/atomic"
	"time"
)

// ByteRing is a chunked SPSC byte FIFO. The producer appends fixed size
// records into the chunk at in; once a chunk is complete it is committed and
// the consumer is woken. The capacity is an exact multiple of the chunk
// size so a wrap never splits a chunk.
type ByteRing struct {
	buf   []byte
	chunk int
	in    atomic.Int64
	out   atomic.Int64
	fill  int
	sem   chan struct{}
	done  chan struct{}

	throttle  Throttle
	draining  atomic.Bool
	overflows atomic.Uint64
	dropped   atomic.Uint64
}

// NewByteRing allocates a ring of capacity bytes carved into chunk sized
// transfers. skip is the number of records (or whole chunks for WriteChunk)
// dropped after an overflow.
func NewByteRing(capacity, chunk, skip int) *ByteRing {
	if chunk <= 0 || capacity < 2*chunk || capacity%chunk != 0 {
		panic(fmt.Sprintf("ringbuf: capacity %d is not a multiple of chunk %d", capacity, chunk))
	}
	return &ByteRing{
		buf:      make([]byte, capacity),
		chunk:    chunk,
		sem:      make(chan struct{}, capacity/chunk),
		done:     make(chan struct{}),
		throttle: Throttle{Window: skip},
	}
}

// ChunkSize returns the transfer size
func (r *ByteRing) ChunkSize() int {
	return r.chunk
}

func (r *ByteRing) advance(p int64) int64 {
	p += int64(r.chunk)
	if p >= int64(len(r.buf)) {
		return 0
	}
	return p
}

// Write appends one record to the pending chunk and commits the chunk once
// it is full. It returns false when the record was dropped, either by an
// active drop window or because the commit found the ring full. len(rec)
// must divide the chunk size. Producer only.
func (r *ByteRing) Write(rec []byte) bool {
	if r.throttle.Skip() {
		r.dropped.Add(1)
		return false
	}
	in := r.in.Load()
	copy(r.buf[in+int64(r.fill):], rec)
	r.fill += len(rec)
	if r.fill < r.chunk {
		return true
	}
	r.fill = 0
	return r.commit(in)
}

// WriteChunk copies a complete chunk, possibly supplied in several parts,
// and commits it. The drop window counts whole chunks here. Producer only.
func (r *ByteRing) WriteChunk(parts ...[]byte) bool {
	if r.throttle.Skip() {
		r.dropped.Add(1)
		return false
	}
	in := r.in.Load()
	n := totalLen(parts)
	if n != r.chunk {
		panic(fmt.Sprintf("ringbuf: chunk of %d bytes, want %d", n, r.chunk))
	}
	off := in
	for _, p := range parts {
		copy(r.buf[off:], p)
		off += int64(len(p))
	}
	r.fill = 0
	return r.commit(in)
}

func totalLen(parts [][]byte) int {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	return n
}

func (r *ByteRing) commit(in int64) bool {
	n := r.advance(in)
	if n == r.out.Load() {
		r.throttle.Arm()
		r.overflows.Add(1)
		r.dropped.Add(1)
		return false
	}
	r.in.Store(n)
	r.sem <- struct{}{}
	return true
}

// Pending returns the number of bytes in the uncommitted chunk
func (r *ByteRing) Pending() int {
	return r.fill
}

// Next blocks until a committed chunk is available and returns a view of
// it. The view stays valid until Advance. Chunks that become available while
// the ring is draining are skipped. Consumer only.
func (r *ByteRing) Next() ([]byte, bool) {
	for {
		select {
		case <-r.sem:
		case <-r.done:
			return nil, false
		}
		out := r.out.Load()
		if r.draining.Load() {
			r.out.Store(r.advance(out))
			continue
		}
		return r.buf[out : out+int64(r.chunk)], true
	}
}

// Advance releases the chunk returned by Next. Consumer only.
func (r *ByteRing) Advance() {
	r.out.Store(r.advance(r.out.Load()))
}

// Read copies the next chunk into dst and releases it
func (r *ByteRing) Read(dst []byte) bool {
	c, ok := r.Next()
	if !ok {
		return false
	}
	copy(dst, c)
	r.Advance()
	return true
}

// Drain discards every chunk the consumer sees during d. It is called by the
// producer on a receive/transmit transition so stale samples do not add
// latency.
func (r *ByteRing) Drain(d time.Duration) {
	r.draining.Store(true)
	time.Sleep(d)
	r.draining.Store(false)
}

// Draining reports whether a drain is in progress
func (r *ByteRing) Draining() bool {
	return r.draining.Load()
}

// Len returns the number of committed chunks waiting for the consumer
func (r *ByteRing) Len() int {
	in, out := r.in.Load(), r.out.Load()
	size := int64(len(r.buf))
	return int(((in - out + size) % size) / int64(r.chunk))
}

// Overflows returns how many commits found the ring full
func (r *ByteRing) Overflows() uint64 {
	return r.overflows.Load()
}

// Dropped returns how many writes were refused
func (r *ByteRing) Dropped() uint64 {
	return r.dropped.Load()
}

// Close wakes a blocked consumer
func (r *ByteRing) Close() {
	select {
	case <-r.done:
	default:
		close(r.done)
	}
}

// Reset empties the ring and reopens it. Only valid while neither side is
// running.
func (r *ByteRing) Reset() {
	for {
		select {
		case <-r.sem:
			continue
		default:
		}
		break
	}
	r.in.Store(0)
	r.out.Store(0)
	r.fill = 0
	r.throttle.Clear()
	r.draining.Store(false)
	r.done = make(chan struct{})
}
