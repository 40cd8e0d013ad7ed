package bufpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func quietPool() *Pool {
	p := New(0)
	p.OnGrow = func(int) {}
	return p
}

func TestAcquireGrowsInBatches(t *testing.T) {
	// the pool starts empty, so the first acquire already grows a batch
	p := quietPool()

	seen := make(map[Handle]bool)
	for i := 0; i < Batch; i++ {
		h := p.Acquire()
		require.True(t, h.Valid())
		seen[h] = true
	}
	assert.Equal(t, int64(1), p.Growths())
	assert.Equal(t, Batch, p.Len())

	h := p.Acquire()
	seen[h] = true
	assert.Equal(t, int64(2), p.Growths())
	assert.Equal(t, 2*Batch, p.Len())
	assert.Len(t, seen, Batch+1)

	for i := Batch + 1; i < 2*Batch; i++ {
		p.Acquire()
	}
	assert.Equal(t, int64(2), p.Growths())
	p.Acquire()
	assert.Equal(t, int64(3), p.Growths())
}

func TestReleaseReusesLastFreed(t *testing.T) {
	p := quietPool()
	a := p.Acquire()
	p.Acquire()

	require.True(t, p.Release(a))
	b := p.Acquire()
	assert.Equal(t, a.index, b.index)
	assert.NotEqual(t, a.gen, b.gen)
	assert.Equal(t, int64(1), p.Growths())
}

func TestStaleHandleCannotRelease(t *testing.T) {
	p := quietPool()
	a := p.Acquire()
	require.True(t, p.Release(a))
	assert.False(t, p.Release(a), "double release")

	b := p.Acquire()
	assert.False(t, p.Release(a), "stale handle after reuse")
	assert.True(t, p.Release(b))
}

func TestBytesSize(t *testing.T) {
	p := New(1444)
	p.OnGrow = func(int) {}
	h := p.Acquire()
	assert.Len(t, p.Bytes(h), 1444)
	assert.Nil(t, p.Bytes(Handle{index: 99, gen: 1}))
}

func TestResetFreesEverything(t *testing.T) {
	p := quietPool()
	var hs []Handle
	for i := 0; i < 30; i++ {
		hs = append(hs, p.Acquire())
	}
	assert.Equal(t, 30, p.InUse())

	p.Reset()
	assert.Equal(t, 0, p.InUse())
	for _, h := range hs {
		assert.False(t, p.Release(h))
	}

	for i := 0; i < p.Len(); i++ {
		p.Acquire()
	}
	assert.Equal(t, int64(2), p.Growths(), "reset buffers are reused before growing")
}

func TestConcurrentRelease(t *testing.T) {
	p := quietPool()
	const n = 200

	ch := make(chan Handle, n)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for h := range ch {
				p.Release(h)
			}
		}()
	}
	for i := 0; i < n; i++ {
		ch <- p.Acquire()
	}
	close(ch)
	wg.Wait()

	assert.Equal(t, 0, p.InUse())
}

func TestAcquireDistinctHandles(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p := quietPool()
		n := rapid.IntRange(1, 120).Draw(t, "n")

		seen := make(map[int32]bool)
		for i := 0; i < n; i++ {
			h := p.Acquire()
			if seen[h.index] {
				t.Fatalf("index %d handed out twice", h.index)
			}
			seen[h.index] = true
		}
		want := int64((n + Batch - 1) / Batch)
		if p.Growths() != want {
			t.Fatalf("growths = %d, want %d", p.Growths(), want)
		}
	})
}
