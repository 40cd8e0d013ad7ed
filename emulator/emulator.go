// Package emulator plays the radio side of both HPSDR protocols so the
// engines can run without hardware. Every receiver produces a steady tone
// a fixed offset above its tuned frequency; transmit traffic from the host
// is counted and otherwise discarded.
package emulator

import (
	"math"
	"time"

	"github.com/cwsl/ka9q_hpsdr/hpsdr/radio"
)

const (
	recvTimeout = 100 * time.Millisecond
	tick        = 2 * time.Millisecond
	// cap on packets sent per tick so a stalled host does not trigger a
	// burst once it catches up
	maxBurst = 32
)

// Config describes the emulated radio
type Config struct {
	Device radio.DeviceFamily
	// Firmware is the FPGA version byte reported back, 73 prints as 7.3
	Firmware byte
	// ToneOffset is the tone's distance from the tuned frequency in Hz
	ToneOffset float64
	// Amplitude of the tone, full scale 1.0
	Amplitude float64
	// Unpaced sends packets as fast as the link accepts them instead of
	// at the configured sample rate
	Unpaced bool
}

func (c Config) withDefaults() Config {
	if c.Device == radio.DeviceUnknown {
		c.Device = radio.DeviceHermes
	}
	if c.Firmware == 0 {
		c.Firmware = 73
	}
	if c.ToneOffset == 0 {
		c.ToneOffset = 1000
	}
	if c.Amplitude == 0 {
		c.Amplitude = 0.25
	}
	return c
}

// tone is a complex oscillator
type tone struct {
	phase float64
	step  float64
	amp   float64
}

func (t *tone) tune(offset float64, rate int, amp float64) {
	if rate <= 0 {
		rate = 48000
	}
	t.step = 2 * math.Pi * offset / float64(rate)
	t.amp = amp
}

func (t *tone) next() (i, q float64) {
	i = t.amp * math.Cos(t.phase)
	q = t.amp * math.Sin(t.phase)
	t.phase += t.step
	if t.phase > math.Pi {
		t.phase -= 2 * math.Pi
	}
	return i, q
}

// pacer releases packets at the rate the radio would produce them
type pacer struct {
	start time.Time
	sent  int64
}

func (p *pacer) reset(now time.Time) {
	p.start = now
	p.sent = 0
}

// due returns how many packets of perPacket samples are owed at rate
func (p *pacer) due(now time.Time, rate, perPacket int, unpaced bool) int {
	if unpaced {
		return maxBurst
	}
	owed := int64(now.Sub(p.start).Seconds()*float64(rate))/int64(perPacket) - p.sent
	if owed <= 0 {
		return 0
	}
	if owed > maxBurst {
		// fell behind; forget the backlog
		p.sent += owed - maxBurst
		owed = maxBurst
	}
	return int(owed)
}

func (p *pacer) add(n int) {
	p.sent += int64(n)
}
