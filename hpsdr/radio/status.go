package radio

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Status is what the radio reports back in control-in bytes (old
// protocol) or high priority status packets (new protocol)
type Status struct {
	PTT       bool
	Dot       bool
	Dash      bool
	PLLLocked bool

	ADCOverload bool
	IO1         bool
	IO2         bool
	IO3         bool

	// Raw ADC counts, forward/reverse/temperature/current averaged
	Exciter     int
	Forward     int
	Reverse     int
	AIN3        int
	AIN4        int
	AIN6        int
	SupplyVolts int
	Temperature int
	Current     int

	MercuryVersion  int
	PenelopeVersion int
	FPGAVersion     int
	Firmware        string

	// HL2 TX FIFO health
	FIFOUnderruns uint64
	FIFOOverruns  uint64

	Updated time.Time
}

// SWR from averaged forward and reverse readings. Returns 1 when there is
// no forward power.
func (s Status) SWR() float64 {
	if s.Forward <= 0 || s.Reverse >= s.Forward {
		return 1.0
	}
	rho := math.Sqrt(float64(s.Reverse) / float64(s.Forward))
	return (1 + rho) / (1 - rho)
}

// FirmwareString formats an FPGA version byte the way the radios print
// it, v/10 "." v%10
func FirmwareString(v int) string {
	return fmt.Sprintf("%d.%d", v/10, v%10)
}

// Average3of4 is the ¾ decay moving average used for power readings
func Average3of4(avg, v int) int {
	return (v + 3*avg) >> 2
}

// StatusBox is a mutex protected Status shared between the receive path
// that writes it and any number of readers
type StatusBox struct {
	mu sync.Mutex
	s  Status
}

// Get returns a copy
func (b *StatusBox) Get() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.s
}

// Update mutates the status in place
func (b *StatusBox) Update(fn func(s *Status)) {
	b.mu.Lock()
	fn(&b.s)
	b.s.Updated = time.Now()
	b.mu.Unlock()
}

// Reset clears everything
func (b *StatusBox) Reset() {
	b.mu.Lock()
	b.s = Status{}
	b.mu.Unlock()
}

// StreamStats counts losses on one ring buffer
type StreamStats struct {
	Name      string
	Overflows uint64
	Dropped   uint64
	Queued    int
}

// Stats is an engine's health snapshot
type Stats struct {
	Protocol       Protocol
	Running        bool
	SequenceErrors uint64
	Streams        []StreamStats
	PoolBuffers    int
	PoolInUse      int
}
