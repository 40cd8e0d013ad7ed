package main

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"

	"github.com/cwsl/ka9q_hpsdr/hpsdr/radio"
)

// fanoutSink hands every sample to each of its sinks in order
type fanoutSink []radio.Sink

var _ radio.Sink = fanoutSink(nil)

func (f fanoutSink) IQ(rx int, i, q float64) {
	for _, s := range f {
		s.IQ(rx, i, q)
	}
}

func (f fanoutSink) PureSignal(txI, txQ, rxI, rxQ float64) {
	for _, s := range f {
		s.PureSignal(txI, txQ, rxI, rxQ)
	}
}

func (f fanoutSink) Diversity(mainI, mainQ, auxI, auxQ float64) {
	for _, s := range f {
		s.Diversity(mainI, mainQ, auxI, auxQ)
	}
}

func (f fanoutSink) Mic(v float32) {
	for _, s := range f {
		s.Mic(v)
	}
}

// iqBlocker cuts one receiver's samples into interleaved float32 blocks of
// size complex samples. emit owns the block it is given.
type iqBlocker struct {
	radio.NopSink
	rx   int
	size int
	buf  []float32
	emit func(block []float32)
}

func newIQBlocker(rx, size int, emit func([]float32)) *iqBlocker {
	return &iqBlocker{rx: rx, size: size, buf: make([]float32, 0, 2*size), emit: emit}
}

func (b *iqBlocker) IQ(rx int, i, q float64) {
	if rx != b.rx {
		return
	}
	b.buf = append(b.buf, float32(i), float32(q))
	if len(b.buf) == 2*b.size {
		b.emit(b.buf)
		b.buf = make([]float32, 0, 2*b.size)
	}
}

// Level is a receiver's signal level over the last block, dBFS
type Level struct {
	Mean float64 `json:"mean_dbfs"`
	Peak float64 `json:"peak_dbfs"`
}

// levelMeter measures mean power and peak per receiver over fixed blocks
type levelMeter struct {
	radio.NopSink
	block   int
	power   [radio.MaxReceivers][]float64
	metrics *PrometheusMetrics

	mu   sync.Mutex
	last [radio.MaxReceivers]Level
	seen [radio.MaxReceivers]bool
}

func newLevelMeter(block int, metrics *PrometheusMetrics) *levelMeter {
	m := &levelMeter{block: block, metrics: metrics}
	for rx := range m.power {
		m.power[rx] = make([]float64, 0, block)
	}
	return m
}

// dBFS of a power relative to a full scale sine of amplitude 1
func dBFS(p float64) float64 {
	if p <= 0 {
		return -200
	}
	return 10 * math.Log10(p)
}

func (m *levelMeter) IQ(rx int, i, q float64) {
	if rx < 0 || rx >= radio.MaxReceivers {
		return
	}
	p := append(m.power[rx], i*i+q*q)
	if len(p) < m.block {
		m.power[rx] = p
		return
	}
	lvl := Level{
		Mean: dBFS(floats.Sum(p) / float64(len(p))),
		Peak: dBFS(floats.Max(p)),
	}
	m.power[rx] = p[:0]

	m.mu.Lock()
	m.last[rx] = lvl
	m.seen[rx] = true
	m.mu.Unlock()
	m.metrics.SetIQLevel(rx, lvl.Mean, lvl.Peak)
}

// Levels returns the last measurement of every receiver that has one
func (m *levelMeter) Levels() map[int]Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int]Level)
	for rx, ok := range m.seen {
		if ok {
			out[rx] = m.last[rx]
		}
	}
	return out
}
