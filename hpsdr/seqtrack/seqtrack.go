// Package seqtrack validates the 32-bit sequence numbers carried by every
// packet stream. A gap is counted and logged, then the tracker resynchronises
// to the observed value; frames are never dropped or reordered here.
package seqtrack

import (
	"log"
	"sync/atomic"
)

// Tracker follows one stream. Check must only be called from the stream's
// own goroutine.
type Tracker struct {
	Name string

	// RestartOnZero accepts a zero sequence number without complaint. The
	// Metis firmware restarts its counter at zero after a start command.
	RestartOnZero bool

	expected uint32
	errors   *atomic.Uint64
	onError  func(name string, expected, got uint32)
}

// Check compares observed against the expected value and advances the
// tracker to observed+1. It returns false on a gap.
func (t *Tracker) Check(observed uint32) bool {
	ok := observed == t.expected || (t.RestartOnZero && observed == 0)
	if !ok {
		if t.errors != nil {
			t.errors.Add(1)
		}
		if t.onError != nil {
			t.onError(t.Name, t.expected, observed)
		}
	}
	t.expected = observed + 1
	return ok
}

// Expected returns the next sequence number the tracker is waiting for
func (t *Tracker) Expected() uint32 {
	return t.expected
}

// Reset forgets the stream position
func (t *Tracker) Reset() {
	t.expected = 0
}

// Set groups the trackers of one protocol engine behind a shared error
// counter
type Set struct {
	trackers []*Tracker
	errors   atomic.Uint64

	// OnError is invoked for every gap; nil logs a warning
	OnError func(name string, expected, got uint32)
}

// NewSet creates one tracker per stream name. Stream ids are the indexes
// into names.
func NewSet(names ...string) *Set {
	s := &Set{}
	for _, n := range names {
		s.Add(n)
	}
	return s
}

// Add registers another stream and returns its tracker
func (s *Set) Add(name string) *Tracker {
	t := &Tracker{Name: name, errors: &s.errors, onError: s.report}
	s.trackers = append(s.trackers, t)
	return t
}

func (s *Set) report(name string, expected, got uint32) {
	if s.OnError != nil {
		s.OnError(name, expected, got)
		return
	}
	log.Printf("[WARN] %s: sequence error: expected %d got %d", name, expected, got)
}

// Stream returns the tracker for a stream id
func (s *Set) Stream(id int) *Tracker {
	return s.trackers[id]
}

// Check validates observed on stream id
func (s *Set) Check(id int, observed uint32) bool {
	return s.trackers[id].Check(observed)
}

// Errors returns the number of gaps seen on all streams since the last
// ResetErrors
func (s *Set) Errors() uint64 {
	return s.errors.Load()
}

// ResetErrors clears the shared counter
func (s *Set) ResetErrors() {
	s.errors.Store(0)
}

// Reset rewinds every stream to zero. Used on protocol restart.
func (s *Set) Reset() {
	for _, t := range s.trackers {
		t.Reset()
	}
}
