package seqtrack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func quietSet(names ...string) *Set {
	s := NewSet(names...)
	s.OnError = func(string, uint32, uint32) {}
	return s
}

func TestMonotonicStreamHasNoErrors(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := quietSet("DDC0")
		n := rapid.IntRange(0, 500).Draw(t, "n")
		for i := 0; i < n; i++ {
			if !s.Check(0, uint32(i)) {
				t.Fatalf("false error at %d", i)
			}
		}
		if s.Errors() != 0 {
			t.Fatalf("errors = %d", s.Errors())
		}
	})
}

func TestSingleDropResynchronises(t *testing.T) {
	s := quietSet("DDC0")
	var gaps [][2]uint32
	s.OnError = func(_ string, expected, got uint32) {
		gaps = append(gaps, [2]uint32{expected, got})
	}

	assert.True(t, s.Check(0, 0))
	assert.True(t, s.Check(0, 1))
	assert.False(t, s.Check(0, 3))
	assert.True(t, s.Check(0, 4))

	assert.Equal(t, uint64(1), s.Errors())
	assert.Equal(t, [][2]uint32{{2, 3}}, gaps)
	assert.Equal(t, uint32(5), s.Stream(0).Expected())
}

func TestSharedCounterAcrossStreams(t *testing.T) {
	s := quietSet("HighPriority", "Mic")
	s.Check(0, 7)
	s.Check(1, 0)
	s.Check(1, 9)
	assert.Equal(t, uint64(2), s.Errors())

	s.Reset()
	assert.True(t, s.Check(0, 0))
	s.ResetErrors()
	assert.Zero(t, s.Errors())
}

func TestRestartOnZero(t *testing.T) {
	s := quietSet("EP6")
	s.Stream(0).RestartOnZero = true

	s.Check(0, 100)
	assert.Equal(t, uint64(1), s.Errors())
	assert.True(t, s.Check(0, 0))
	assert.True(t, s.Check(0, 1))
	assert.Equal(t, uint64(1), s.Errors())
}

func TestWrapAround(t *testing.T) {
	s := quietSet("TX")
	s.Check(0, 0)
	s.Stream(0).expected = 0xFFFFFFFF
	assert.True(t, s.Check(0, 0xFFFFFFFF))
	assert.True(t, s.Check(0, 0))
}
