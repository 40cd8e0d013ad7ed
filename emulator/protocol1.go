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

	"github.com/cwsl/ka9q_hpsdr/hpsdr/sample"
	"github.com/cwsl/ka9q_hpsdr/hpsdr/transport"
)

// Protocol 1 framing as seen from the radio
const (
	p1Port        = 1024
	p1PacketSize  = 1032
	p1FrameSize   = 512
	p1FrameData   = 504
	p1MaxRX       = 7
	p1TypeData    = 0x01
	p1TypeStart   = 0x04
	p1EP2         = 0x02
	p1EP6         = 0x06
	p1Sync        = 0x7F
	p1CommandMask = 0x1F
)

// Protocol1State is what the host has configured so far
type Protocol1State struct {
	Running     bool
	SampleRate  int
	Receivers   int
	MOX         bool
	TXFrequency int64
	RXFrequency [p1MaxRX]int64
	Drive       byte
	// Frames counts valid host frames, PacketsSent EP6 packets
	Frames      uint64
	PacketsSent uint64
}

// Protocol1 is an emulated Metis/Hermes class radio
type Protocol1 struct {
	cfg Config

	mu    sync.Mutex
	state Protocol1State
	seq   uint32
	tones [p1MaxRX]tone
	pace  pacer

	ptt atomic.Bool
}

// NewProtocol1 creates an idle radio
func NewProtocol1(cfg Config) *Protocol1 {
	p := &Protocol1{cfg: cfg.withDefaults()}
	p.state.SampleRate = 48000
	p.state.Receivers = 1
	return p
}

// SetPTT sets the PTT bit reported in C0 of every frame
func (p *Protocol1) SetPTT(on bool) {
	p.ptt.Store(on)
}

// State returns a copy of the configured state
func (p *Protocol1) State() Protocol1State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Serve answers the host on conn until ctx is done or conn fails
func (p *Protocol1) Serve(ctx context.Context, conn transport.Conn) error {
	log.Printf("[INFO] Emulator: Protocol1 %s ready", p.cfg.Device)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.receive(gctx, conn) })
	g.Go(func() error { return p.send(gctx, conn) })
	err := g.Wait()
	log.Printf("[INFO] Emulator: Protocol1 stopped")
	return err
}

func (p *Protocol1) receive(ctx context.Context, conn transport.Conn) error {
	buf := make([]byte, 2048)
	for {
		n, _, err := conn.Recv(buf, recvTimeout)
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
		p.handle(buf[:n])
	}
}

func (p *Protocol1) handle(b []byte) {
	if len(b) < 4 || b[0] != 0xEF || b[1] != 0xFE {
		return
	}
	switch b[2] {
	case p1TypeStart:
		p.mu.Lock()
		running := b[3]&0x01 != 0
		if running && !p.state.Running {
			p.seq = 0
			p.pace.reset(time.Now())
		}
		p.state.Running = running
		p.mu.Unlock()
		log.Printf("[DEBUG] Emulator: Protocol1 running=%v", running)

	case p1TypeData:
		if b[3] != p1EP2 || len(b) < p1PacketSize {
			return
		}
		for _, off := range []int{8, 8 + p1FrameSize} {
			f := b[off : off+p1FrameSize]
			if f[0] != p1Sync || f[1] != p1Sync || f[2] != p1Sync {
				continue
			}
			p.control(f[3:8])
		}
	}
}

// control applies one set of C0..C4
func (p *Protocol1) control(c []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.Frames++
	p.state.MOX = c[0]&0x01 != 0

	switch cmd := int(c[0]>>1) & p1CommandMask; {
	case cmd == 0:
		rate := 48000 << (c[1] & 0x03)
		rx := int(c[4]>>3&0x07) + 1
		if rx > p1MaxRX {
			rx = p1MaxRX
		}
		if rate != p.state.SampleRate || rx != p.state.Receivers {
			log.Printf("[DEBUG] Emulator: Protocol1 %d receivers at %d Hz", rx, rate)
			p.pace.reset(time.Now())
		}
		p.state.SampleRate = rate
		p.state.Receivers = rx
	case cmd == 1:
		p.state.TXFrequency = int64(binary.BigEndian.Uint32(c[1:5]))
	case cmd >= 2 && cmd < 2+p1MaxRX:
		p.state.RXFrequency[cmd-2] = int64(binary.BigEndian.Uint32(c[1:5]))
	case cmd == 9:
		p.state.Drive = c[1]
	}
}

func (p *Protocol1) send(ctx context.Context, conn transport.Conn) error {
	t := time.NewTicker(tick)
	defer t.Stop()
	pkt := make([]byte, p1PacketSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			p.mu.Lock()
			if !p.state.Running {
				p.mu.Unlock()
				continue
			}
			spf := p1FrameData / (6*p.state.Receivers + 2)
			n := p.pace.due(now, p.state.SampleRate, 2*spf, p.cfg.Unpaced)
			p.mu.Unlock()

			for i := 0; i < n; i++ {
				p.mu.Lock()
				p.fill(pkt)
				p.mu.Unlock()
				err := conn.Send(p1Port, pkt)
				if errors.Is(err, transport.ErrClosed) {
					return nil
				}
				if err != nil {
					return fmt.Errorf("failed to send EP6 packet: %w", err)
				}
			}
			p.mu.Lock()
			p.pace.add(n)
			p.mu.Unlock()
		}
	}
}

// fill builds the next EP6 packet. Called with mu held.
func (p *Protocol1) fill(pkt []byte) {
	pkt[0], pkt[1], pkt[2], pkt[3] = 0xEF, 0xFE, p1TypeData, p1EP6
	binary.BigEndian.PutUint32(pkt[4:8], p.seq)

	rx := p.state.Receivers
	for r := 0; r < rx; r++ {
		p.tones[r].tune(p.cfg.ToneOffset, p.state.SampleRate, p.cfg.Amplitude)
	}
	spf := p1FrameData / (6*rx + 2)
	for half := 0; half < 2; half++ {
		f := pkt[8+half*p1FrameSize : 8+(half+1)*p1FrameSize]
		clear(f)
		f[0], f[1], f[2] = p1Sync, p1Sync, p1Sync
		p.controlIn(f[3:8], 2*int(p.seq)+half)
		off := 8
		for s := 0; s < spf; s++ {
			for r := 0; r < rx; r++ {
				i, q := p.tones[r].next()
				sample.PutInt24(f[off:], sample.FromFloat24(i))
				sample.PutInt24(f[off+3:], sample.FromFloat24(q))
				off += 6
			}
			// mic stays silent
			off += 2
		}
	}
	p.seq++
	p.state.PacketsSent++
}

// controlIn rotates through the four status registers. Called with mu held.
func (p *Protocol1) controlIn(c []byte, frame int) {
	addr := byte(frame & 0x03)
	c[0] = addr << 3
	if p.ptt.Load() {
		c[0] |= 0x01
	}
	forward := 0
	if p.state.MOX {
		forward = int(p.state.Drive) * 4
	}
	switch addr {
	case 0:
		c[4] = p.cfg.Firmware
	case 1:
		binary.BigEndian.PutUint16(c[3:5], uint16(forward))
	case 2:
		binary.BigEndian.PutUint16(c[1:3], uint16(forward/20))
	case 3:
		// supply around 13.8 V on AIN6
		binary.BigEndian.PutUint16(c[3:5], 1380)
	}
}
