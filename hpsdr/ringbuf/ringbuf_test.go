package ringbuf

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestQueueFullAndThrottle(t *testing.T) {
	q := NewQueue[int](4, 2)
	assert.Equal(t, 3, q.Cap())

	for i := 0; i < 3; i++ {
		require.True(t, q.Put(i))
	}
	assert.False(t, q.Put(3), "full")
	assert.Equal(t, uint64(1), q.Overflows())

	v, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, 0, v)

	// the drop window swallows the next two arrivals even though there is room
	assert.False(t, q.Put(4))
	assert.False(t, q.Put(5))
	assert.True(t, q.Put(6))
	assert.Equal(t, uint64(4), q.Dropped())

	for _, want := range []int{1, 2, 6} {
		v, ok := q.Dequeue()
		require.True(t, ok)
		assert.Equal(t, want, v)
	}
	assert.Equal(t, 0, q.Len())
}

func TestQueueCloseWakesConsumer(t *testing.T) {
	q := NewQueue[int](8, 1)
	done := make(chan bool)
	go func() {
		_, ok := q.Dequeue()
		done <- ok
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("consumer not released")
	}
}

func TestQueueResetReturnsLeftovers(t *testing.T) {
	q := NewQueue[int](8, 1)
	q.Put(1)
	q.Put(2)
	q.Close()

	left := q.Reset()
	assert.Equal(t, []int{1, 2}, left)
	assert.Equal(t, 0, q.Len())
	assert.True(t, q.Put(3))
	v, ok := q.Dequeue()
	assert.True(t, ok)
	assert.Equal(t, 3, v)
}

func TestQueueFIFOAcrossGoroutines(t *testing.T) {
	q := NewQueue[int](64, 0)
	const n = 10000

	got := make(chan []int)
	go func() {
		var out []int
		for len(out) < n {
			v, ok := q.Dequeue()
			if !ok {
				break
			}
			out = append(out, v)
		}
		got <- out
	}()

	for i := 0; i < n; {
		if q.TryEnqueue(i) {
			i++
		} else {
			time.Sleep(time.Microsecond)
		}
	}

	out := <-got
	require.Len(t, out, n)
	for i, v := range out {
		if v != i {
			t.Fatalf("element %d = %d", i, v)
		}
	}
}

func TestByteRingRejectsBadGeometry(t *testing.T) {
	assert.Panics(t, func() { NewByteRing(1000, 256, 0) })
	assert.NotPanics(t, func() { NewByteRing(1024, 256, 0) })
}

func TestByteRingRecordsToChunks(t *testing.T) {
	r := NewByteRing(32, 8, 1)
	for i := byte(0); i < 4; i++ {
		require.True(t, r.Write([]byte{i, i}))
	}
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, 0, r.Pending())

	buf := make([]byte, 8)
	require.True(t, r.Read(buf))
	assert.Equal(t, []byte{0, 0, 1, 1, 2, 2, 3, 3}, buf)
}

func TestByteRingOverflowDropsRecords(t *testing.T) {
	r := NewByteRing(24, 8, 4) // room for two chunks
	rec := []byte{1, 2, 3, 4}

	for i := 0; i < 4; i++ {
		require.True(t, r.Write(rec))
	}
	assert.True(t, r.Write(rec))
	assert.False(t, r.Write(rec), "third chunk does not fit")
	assert.Equal(t, uint64(1), r.Overflows())

	for i := 0; i < 4; i++ {
		assert.False(t, r.Write(rec), "drop window")
	}
	assert.True(t, r.Write(rec))
	assert.Equal(t, 2, r.Len())
}

func TestByteRingWriteChunkParts(t *testing.T) {
	r := NewByteRing(4096, 1024, 256)
	a := bytes.Repeat([]byte{0xAA}, 512)
	b := bytes.Repeat([]byte{0xBB}, 512)
	require.True(t, r.WriteChunk(a, b))

	c, ok := r.Next()
	require.True(t, ok)
	assert.Equal(t, a, c[:512])
	assert.Equal(t, b, c[512:])
	r.Advance()
	assert.Panics(t, func() { r.WriteChunk(a) })
}

func TestByteRingDrainSkipsChunks(t *testing.T) {
	r := NewByteRing(64, 8, 0)
	for i := 0; i < 3; i++ {
		r.WriteChunk(bytes.Repeat([]byte{byte(i)}, 8))
	}

	r.draining.Store(true)
	consumed := make(chan []byte, 4)
	go func() {
		for {
			c, ok := r.Next()
			if !ok {
				close(consumed)
				return
			}
			consumed <- append([]byte(nil), c...)
			r.Advance()
		}
	}()

	time.Sleep(20 * time.Millisecond)
	r.draining.Store(false)

	r.WriteChunk(bytes.Repeat([]byte{9}, 8))
	select {
	case c := <-consumed:
		assert.Equal(t, byte(9), c[0])
	case <-time.After(time.Second):
		t.Fatal("no chunk after drain")
	}
	r.Close()
}

func TestByteRingFIFOLaw(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		chunk := rapid.IntRange(1, 16).Draw(t, "chunk")
		slots := rapid.IntRange(2, 16).Draw(t, "slots")
		r := NewByteRing(chunk*slots, chunk, 0)

		rounds := rapid.IntRange(1, 8).Draw(t, "rounds")
		for round := 0; round < rounds; round++ {
			n := rapid.IntRange(0, slots-1).Draw(t, "n")
			var want [][]byte
			for i := 0; i < n; i++ {
				c := rapid.SliceOfN(rapid.Byte(), chunk, chunk).Draw(t, "c")
				if !r.WriteChunk(c) {
					t.Fatalf("write %d of %d refused", i, n)
				}
				want = append(want, c)
			}
			got := make([]byte, chunk)
			for i := 0; i < n; i++ {
				if !r.Read(got) {
					t.Fatal("read failed")
				}
				if !bytes.Equal(got, want[i]) {
					t.Fatalf("chunk %d = %v, want %v", i, got, want[i])
				}
			}
		}
	})
}
