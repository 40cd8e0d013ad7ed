// Package radiotest provides recording implementations of the radio
// collaborator interfaces for use in tests.
package radiotest

import (
	"sync"

	"github.com/cwsl/ka9q_hpsdr/hpsdr/radio"
)

// IQSample is one recorded IQ call
type IQSample struct {
	RX   int
	I, Q float64
}

// Pair is one recorded PureSignal or diversity call
type Pair struct {
	AI, AQ float64
	BI, BQ float64
}

// Recorder is a radio.Sink and radio.StatusListener that keeps everything
// it is given
type Recorder struct {
	mu         sync.Mutex
	iq         []IQSample
	pureSignal []Pair
	diversity  []Pair
	mic        []float32
	ptt        []bool
	firmware   []string
}

var (
	_ radio.Sink           = (*Recorder)(nil)
	_ radio.StatusListener = (*Recorder)(nil)
)

func (r *Recorder) IQ(rx int, i, q float64) {
	r.mu.Lock()
	r.iq = append(r.iq, IQSample{RX: rx, I: i, Q: q})
	r.mu.Unlock()
}

// PureSignal records the TX reference in A and the feedback in B
func (r *Recorder) PureSignal(txI, txQ, rxI, rxQ float64) {
	r.mu.Lock()
	r.pureSignal = append(r.pureSignal, Pair{txI, txQ, rxI, rxQ})
	r.mu.Unlock()
}

// Diversity records the main antenna in A and the auxiliary in B
func (r *Recorder) Diversity(mainI, mainQ, auxI, auxQ float64) {
	r.mu.Lock()
	r.diversity = append(r.diversity, Pair{mainI, mainQ, auxI, auxQ})
	r.mu.Unlock()
}

func (r *Recorder) Mic(v float32) {
	r.mu.Lock()
	r.mic = append(r.mic, v)
	r.mu.Unlock()
}

func (r *Recorder) PTTChanged(ptt bool) {
	r.mu.Lock()
	r.ptt = append(r.ptt, ptt)
	r.mu.Unlock()
}

func (r *Recorder) FirmwareReported(_ radio.DeviceFamily, version string) {
	r.mu.Lock()
	r.firmware = append(r.firmware, version)
	r.mu.Unlock()
}

// IQFor returns the samples recorded for receiver rx
func (r *Recorder) IQFor(rx int) []IQSample {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []IQSample
	for _, s := range r.iq {
		if s.RX == rx {
			out = append(out, s)
		}
	}
	return out
}

func (r *Recorder) IQCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.iq)
}

func (r *Recorder) PureSignalPairs() []Pair {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Pair(nil), r.pureSignal...)
}

func (r *Recorder) DiversityPairs() []Pair {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Pair(nil), r.diversity...)
}

func (r *Recorder) MicSamples() []float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float32(nil), r.mic...)
}

func (r *Recorder) PTTEvents() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.ptt...)
}

func (r *Recorder) Firmware() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.firmware...)
}

// Reset forgets everything recorded so far
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.iq, r.pureSignal, r.diversity = nil, nil, nil
	r.mic, r.ptt, r.firmware = nil, nil, nil
	r.mu.Unlock()
}

// FixedMic is a radio.MicSource returning the same value every time
type FixedMic struct {
	Value float32
	OK    bool
}

func (m FixedMic) LocalMic() (float32, bool) {
	return m.Value, m.OK
}
