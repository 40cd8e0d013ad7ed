package emulator

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cwsl/ka9q_hpsdr/hpsdr/newproto"
	"github.com/cwsl/ka9q_hpsdr/hpsdr/sample"
	"github.com/cwsl/ka9q_hpsdr/hpsdr/transport"
)

const (
	p2MaxDDC        = 8
	p2Samples       = 238
	p2BitsPerSample = 24
	p2StatusPeriod  = 50 * time.Millisecond
	p2Clock         = 122.88e6
)

// DDCState is one digital down converter as configured by the host
type DDCState struct {
	Enabled    bool
	ADC        int
	SampleRate int // Hz
	Frequency  int64
	// SyncedTo is the DDC this one is interleaved into, -1 when independent
	SyncedTo int
}

// Protocol2State is what the host has configured so far
type Protocol2State struct {
	General     bool
	Running     bool
	MOX         bool
	DDC         [p2MaxDDC]DDCState
	TXFrequency int64
	Drive       byte
	KeyerFlags  byte
	TXAtt       byte

	HighPriority uint64
	AudioPackets uint64
	TXIQPackets  uint64
	DDCPackets   uint64
}

// Protocol2 is an emulated fixed field UDP radio
type Protocol2 struct {
	cfg Config

	mu       sync.Mutex
	state    Protocol2State
	ddcSeq   [p2MaxDDC]uint32
	tones    [p2MaxDDC]tone
	pace     [p2MaxDDC]pacer
	micSeq   uint32
	micPace  pacer
	stSeq    uint32
	lastStat time.Time

	ptt atomic.Bool
	dot atomic.Bool
}

// NewProtocol2 creates an idle radio
func NewProtocol2(cfg Config) *Protocol2 {
	p := &Protocol2{cfg: cfg.withDefaults()}
	for d := range p.state.DDC {
		p.state.DDC[d].SyncedTo = -1
		p.state.DDC[d].SampleRate = 48000
	}
	return p
}

// SetPTT sets the PTT bit of the status packet and sends one at once
func (p *Protocol2) SetPTT(on bool) {
	p.ptt.Store(on)
	p.mu.Lock()
	p.lastStat = time.Time{}
	p.mu.Unlock()
}

// SetDot reports the CW dot paddle
func (p *Protocol2) SetDot(on bool) {
	p.dot.Store(on)
	p.mu.Lock()
	p.lastStat = time.Time{}
	p.mu.Unlock()
}

// State returns a copy of the configured state
func (p *Protocol2) State() Protocol2State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Serve answers the host on conn until ctx is done or conn fails
func (p *Protocol2) Serve(ctx context.Context, conn transport.Conn) error {
	log.Printf("[INFO] Emulator: Protocol2 %s ready", p.cfg.Device)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.receive(gctx, conn) })
	g.Go(func() error { return p.send(gctx, conn) })
	err := g.Wait()
	log.Printf("[INFO] Emulator: Protocol2 stopped")
	return err
}

func (p *Protocol2) receive(ctx context.Context, conn transport.Conn) error {
	buf := make([]byte, 2048)
	for {
		n, port, err := conn.Recv(buf, recvTimeout)
		if ctx.Err() != nil {
			return nil
		}
		switch {
		case errors.Is(err, transport.ErrTimeout):
			continue
		case errors.Is(err, transport.ErrClosed):
			return nil
		case err != nil:
			return fmt.Errorf("failed to receive from host: %w", err)
		}
		p.handle(port, buf[:n])
	}
}

func (p *Protocol2) handle(port int, b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch port {
	case newproto.GeneralPort:
		if len(b) >= newproto.GeneralSize {
			p.state.General = true
		}
	case newproto.HighPriorityPort:
		if len(b) >= newproto.HighPrioritySize {
			p.highPriority(b)
		}
	case newproto.RXSpecificPort:
		if len(b) >= newproto.RXSpecificSize {
			p.receiveSpecific(b)
		}
	case newproto.TXSpecificPort:
		if len(b) >= newproto.TXSpecificSize {
			p.state.KeyerFlags = b[5]
			p.state.TXAtt = b[59]
		}
	case newproto.AudioPort:
		p.state.AudioPackets++
	case newproto.TXIQPort:
		p.state.TXIQPackets++
	}
}

func frequencyOf(phase uint32) int64 {
	return int64(float64(phase)*p2Clock/4294967296.0 + 0.5)
}

// highPriority applies run state and DDC/DUC phase words. Called with mu held.
func (p *Protocol2) highPriority(b []byte) {
	p.state.HighPriority++
	running := b[4]&0x01 != 0
	if running != p.state.Running {
		log.Printf("[DEBUG] Emulator: Protocol2 running=%v", running)
		if running {
			now := time.Now()
			for d := range p.ddcSeq {
				p.ddcSeq[d] = 0
				p.pace[d].reset(now)
			}
			p.micSeq = 0
			p.stSeq = 0
			p.micPace.reset(now)
			p.lastStat = time.Time{}
		}
	}
	p.state.Running = running
	p.state.MOX = b[4]&0x02 != 0
	for d := range p.state.DDC {
		p.state.DDC[d].Frequency = frequencyOf(binary.BigEndian.Uint32(b[9+4*d:]))
	}
	p.state.TXFrequency = frequencyOf(binary.BigEndian.Uint32(b[329:]))
	p.state.Drive = b[345]
}

// receiveSpecific applies DDC enables, rates and sync. Called with mu held.
func (p *Protocol2) receiveSpecific(b []byte) {
	now := time.Now()
	for d := range p.state.DDC {
		ddc := &p.state.DDC[d]
		enabled := b[7]>>d&0x01 != 0
		rate := int(binary.BigEndian.Uint16(b[18+6*d:])) * 1000
		if enabled && !ddc.Enabled {
			p.pace[d].reset(now)
		}
		if rate != 0 && rate != ddc.SampleRate {
			ddc.SampleRate = rate
			p.pace[d].reset(now)
		}
		if enabled != ddc.Enabled {
			log.Printf("[DEBUG] Emulator: Protocol2 DDC%d enable=%v rate=%d", d, enabled, ddc.SampleRate)
		}
		ddc.Enabled = enabled
		ddc.ADC = int(b[17+6*d])
		ddc.SyncedTo = -1
	}
	// byte 1363 + d: bit n set means DDC n is synchronised to DDC d
	for d := range p.state.DDC {
		mask := b[1363+d]
		for n := range p.state.DDC {
			if mask>>n&0x01 != 0 && n != d {
				p.state.DDC[n].SyncedTo = d
			}
		}
	}
}

func (p *Protocol2) send(ctx context.Context, conn transport.Conn) error {
	t := time.NewTicker(tick)
	defer t.Stop()
	ddc := make([]byte, newproto.DDCHeader+p2Samples*6)
	mic := make([]byte, newproto.MicSize)
	status := make([]byte, 60)
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			if err := p.sendDue(conn, now, ddc, mic, status); err != nil {
				if errors.Is(err, transport.ErrClosed) {
					return nil
				}
				return err
			}
		}
	}
}

func (p *Protocol2) sendDue(conn transport.Conn, now time.Time, ddc, mic, status []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.state.Running || !p.state.General {
		return nil
	}

	if now.Sub(p.lastStat) >= p2StatusPeriod {
		p.lastStat = now
		p.fillStatus(status)
		if err := conn.Send(newproto.StatusPort, status); err != nil {
			return fmt.Errorf("failed to send status: %w", err)
		}
	}

	n := p.micPace.due(now, 48000, newproto.MicSamples, p.cfg.Unpaced)
	for i := 0; i < n; i++ {
		clear(mic)
		binary.BigEndian.PutUint32(mic, p.micSeq)
		p.micSeq++
		if err := conn.Send(newproto.MicPort, mic); err != nil {
			return fmt.Errorf("failed to send mic: %w", err)
		}
	}
	p.micPace.add(n)

	for d := range p.state.DDC {
		st := p.state.DDC[d]
		if !st.Enabled || st.SyncedTo >= 0 {
			continue
		}
		n := p.pace[d].due(now, st.SampleRate, p2Samples, p.cfg.Unpaced)
		for i := 0; i < n; i++ {
			p.fillDDC(ddc, d)
			if err := conn.Send(newproto.DDCPort+d, ddc); err != nil {
				return fmt.Errorf("failed to send DDC%d: %w", d, err)
			}
			p.state.DDCPackets++
		}
		p.pace[d].add(n)
	}
	return nil
}

// fillDDC builds the next packet of ddc, interleaving any DDC synchronised
// to it sample by sample. Called with mu held.
func (p *Protocol2) fillDDC(b []byte, ddc int) {
	binary.BigEndian.PutUint32(b[0:4], p.ddcSeq[ddc])
	p.ddcSeq[ddc]++
	binary.BigEndian.PutUint64(b[4:12], uint64(p.ddcSeq[ddc])*p2Samples)
	binary.BigEndian.PutUint16(b[12:14], p2BitsPerSample)
	binary.BigEndian.PutUint16(b[14:16], p2Samples)

	group := []int{ddc}
	for n := range p.state.DDC {
		if p.state.DDC[n].SyncedTo == ddc {
			group = append(group, n)
		}
	}
	rate := p.state.DDC[ddc].SampleRate
	for _, n := range group {
		p.tones[n].tune(p.cfg.ToneOffset*float64(1+n), rate, p.cfg.Amplitude)
	}
	off := newproto.DDCHeader
	for s := 0; s < p2Samples; s++ {
		i, q := p.tones[group[s%len(group)]].next()
		sample.PutInt24(b[off:], sample.FromFloat24(i))
		sample.PutInt24(b[off+3:], sample.FromFloat24(q))
		off += 6
	}
}

// fillStatus builds the high priority status packet. Called with mu held.
func (p *Protocol2) fillStatus(b []byte) {
	clear(b)
	binary.BigEndian.PutUint32(b[0:4], p.stSeq)
	p.stSeq++
	b[4] = 0x10 // PLL locked
	if p.ptt.Load() {
		b[4] |= 0x01
	}
	if p.dot.Load() {
		b[4] |= 0x02
	}
	forward := 0
	if p.state.MOX {
		forward = int(p.state.Drive) * 4
	}
	binary.BigEndian.PutUint16(b[14:16], uint16(forward))
	binary.BigEndian.PutUint16(b[22:24], uint16(forward/20))
	binary.BigEndian.PutUint16(b[49:51], 1380)
}
