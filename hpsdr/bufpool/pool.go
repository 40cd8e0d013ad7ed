// Package bufpool is the network buffer allocator shared by the receive
// paths. Buffers are addressed by Handle (slot index plus generation) so a
// stale handle can never release a buffer that has since been reused.
//
// Acquire must only be called from a single goroutine (the inbound
// transport loop). Release may be called from any goroutine.
package bufpool

import (
	"log"
	"sync"
	"sync/atomic"
)

const (
	// BufferSize covers the largest inbound packet of either protocol
	BufferSize = 2048

	// Batch is the number of buffers added whenever the free list runs dry
	Batch = 25

	nilIndex = -1
)

// Handle identifies an acquired buffer
type Handle struct {
	index int32
	gen   uint32
}

// Valid reports whether h was returned by Acquire
func (h Handle) Valid() bool {
	return h.gen != 0
}

type slot struct {
	buf  []byte
	gen  atomic.Uint32
	free atomic.Bool
	next atomic.Int32
}

// Pool is a grow-only arena of fixed size buffers with a lock-free LIFO
// free list
type Pool struct {
	size  int
	slots atomic.Pointer[[]*slot]
	head  atomic.Int32

	growMu  sync.Mutex
	growths atomic.Int64

	// OnGrow is called after every growth batch with the new buffer count
	OnGrow func(total int)
}

// New creates an empty pool of buffers of the given size. A size of 0
// selects BufferSize.
func New(size int) *Pool {
	if size <= 0 {
		size = BufferSize
	}
	p := &Pool{size: size}
	empty := make([]*slot, 0)
	p.slots.Store(&empty)
	p.head.Store(nilIndex)
	return p
}

// Acquire returns a buffer handle, growing the pool by one batch when no
// buffer is free. It never blocks on consumers and never fails.
func (p *Pool) Acquire() Handle {
	for {
		h := p.head.Load()
		if h == nilIndex {
			p.grow()
			continue
		}
		s := (*p.slots.Load())[h]
		next := s.next.Load()
		if !p.head.CompareAndSwap(h, next) {
			continue
		}
		s.free.Store(false)
		return Handle{index: h, gen: s.gen.Load()}
	}
}

// Release hands the buffer back to the pool. Releasing a handle twice, or a
// handle from before a Reset, is ignored and reported as false.
func (p *Pool) Release(h Handle) bool {
	s := p.slot(h)
	if s == nil || s.gen.Load() != h.gen {
		return false
	}
	if !s.free.CompareAndSwap(false, true) {
		return false
	}
	s.gen.Add(1)
	if s.gen.Load() == 0 {
		s.gen.Store(1)
	}
	p.push(h.index, s)
	return true
}

// Bytes returns the full backing array of an acquired buffer
func (p *Pool) Bytes(h Handle) []byte {
	s := p.slot(h)
	if s == nil {
		return nil
	}
	return s.buf
}

// Len returns the number of buffers allocated so far
func (p *Pool) Len() int {
	return len(*p.slots.Load())
}

// Growths returns the number of growth batches performed
func (p *Pool) Growths() int64 {
	return p.growths.Load()
}

// InUse returns the number of buffers currently acquired
func (p *Pool) InUse() int {
	n := 0
	for _, s := range *p.slots.Load() {
		if !s.free.Load() {
			n++
		}
	}
	return n
}

// Reset marks every buffer free and invalidates all outstanding handles.
// It is used on protocol restart while no stream goroutine is running.
func (p *Pool) Reset() {
	p.growMu.Lock()
	defer p.growMu.Unlock()

	slots := *p.slots.Load()
	p.head.Store(nilIndex)
	for i := len(slots) - 1; i >= 0; i-- {
		s := slots[i]
		s.gen.Add(1)
		if s.gen.Load() == 0 {
			s.gen.Store(1)
		}
		s.free.Store(true)
		s.next.Store(p.head.Load())
		p.head.Store(int32(i))
	}
}

func (p *Pool) slot(h Handle) *slot {
	slots := *p.slots.Load()
	if h.index < 0 || int(h.index) >= len(slots) {
		return nil
	}
	return slots[h.index]
}

func (p *Pool) push(index int32, s *slot) {
	for {
		h := p.head.Load()
		s.next.Store(h)
		if p.head.CompareAndSwap(h, index) {
			return
		}
	}
}

func (p *Pool) grow() {
	p.growMu.Lock()
	old := *p.slots.Load()
	slots := make([]*slot, len(old), len(old)+Batch)
	copy(slots, old)
	first := int32(len(old))
	for i := 0; i < Batch; i++ {
		s := &slot{buf: make([]byte, p.size)}
		s.gen.Store(1)
		s.free.Store(true)
		slots = append(slots, s)
	}
	p.slots.Store(&slots)
	p.growMu.Unlock()

	for i := int32(Batch) - 1; i >= 0; i-- {
		p.push(first+i, slots[first+i])
	}

	p.growths.Add(1)
	total := len(slots)
	if p.OnGrow != nil {
		p.OnGrow(total)
	} else {
		log.Printf("[INFO] BufferPool: number of buffers increased to %d", total)
	}
}
