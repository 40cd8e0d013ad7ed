package oldproto

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cwsl/ka9q_hpsdr/hpsdr/radio"
	"github.com/cwsl/ka9q_hpsdr/hpsdr/ringbuf"
	"github.com/cwsl/ka9q_hpsdr/hpsdr/sample"
	"github.com/cwsl/ka9q_hpsdr/hpsdr/seqtrack"
	"github.com/cwsl/ka9q_hpsdr/hpsdr/transport"
)

const (
	rxRingSize  = 524288
	rxChunk     = 2 * OzyBufferSize
	txRingSize  = 32256
	txRecord    = 8
	txChunk     = 126 * txRecord // two frames of 63 samples
	txPerFrame  = OzyBufferSize - 8
	recvTimeout = 100 * time.Millisecond

	primeFrames = 8
	settle      = 100 * time.Millisecond
	tcpGuard    = 100 * time.Millisecond
	pacerSleep  = 2 * time.Millisecond
	drainTime   = 10 * time.Millisecond
	idlePeriod  = 2625 * time.Microsecond // 126 samples at 48 kHz
)

// Config wires an Engine to its collaborators
type Config struct {
	// Dial opens the link. It is called on every start so a TCP link,
	// which the radio closes on stop, can be re-established.
	Dial func(ctx context.Context) (transport.Conn, error)
	TCP  bool

	Store    *radio.Store
	Sink     radio.Sink
	Mic      radio.MicSource
	Listener radio.StatusListener

	Throttles radio.Throttles

	// IdleAudio feeds silence to the TX ring when no DSP supplies audio,
	// which keeps C&C frames flowing to the radio
	IdleAudio bool
}

// Engine runs the old protocol: a receive loop filling the RX ring, a
// consumer running the byte decoder, and a pacer draining the TX ring
// into Metis packets.
type Engine struct {
	cfg    Config
	store  *radio.Store
	status radio.StatusBox
	seq    *seqtrack.Set

	rx *ringbuf.ByteRing
	tx *ringbuf.ByteRing

	decoder *Decoder
	cmds    *Commands
	framer  *framer

	conn    transport.Conn
	running atomic.Bool

	// sendMu covers the output frame, command cursor, framer and socket
	sendMu sync.Mutex
	frame  [OzyBufferSize]byte

	// audioMu serialises the two TX ring producers
	audioMu      sync.Mutex
	txSide       bool // ring currently holds TX records
	transmitting atomic.Bool
	zeroAudio    atomic.Bool
}

// New builds an engine. Rings are allocated once and reused across
// restarts.
func New(cfg Config) *Engine {
	if cfg.Sink == nil {
		cfg.Sink = radio.NopSink{}
	}
	if cfg.Store == nil {
		cfg.Store = radio.NewStore(radio.DefaultState())
	}
	cfg.Throttles = cfg.Throttles.Normalize()

	e := &Engine{
		cfg:    cfg,
		store:  cfg.Store,
		seq:    seqtrack.NewSet("Protocol1 EP6"),
		rx:     ringbuf.NewByteRing(rxRingSize, rxChunk, cfg.Throttles.OldRX),
		tx:     ringbuf.NewByteRing(txRingSize, txChunk, cfg.Throttles.OldTX),
		cmds:   NewCommands(),
		framer: newFramer(),
	}
	e.seq.Stream(0).RestartOnZero = true
	e.decoder = NewDecoder(cfg.Sink, cfg.Mic, &e.status, cfg.Listener)
	e.decoder.SetStore(cfg.Store)

	e.observe(cfg.Store.Snapshot())
	cfg.Store.Watch(func(_, cur radio.State) { e.observe(cur) })
	return e
}

func (e *Engine) observe(s radio.State) {
	e.transmitting.Store(s.Transmitting)
	// HL2 reuses the audio bytes for extended addressing unless it has a codec
	e.zeroAudio.Store(s.Device.Caps().HermesLite2 && !s.HL2AudioCodec)
}

// Name identifies the engine in logs and metrics
func (e *Engine) Name() string {
	return "Protocol1"
}

// Status returns the latest telemetry decoded from control bytes
func (e *Engine) Status() radio.Status {
	return e.status.Get()
}

// Stats reports loss counters
func (e *Engine) Stats() radio.Stats {
	return radio.Stats{
		Protocol:       radio.ProtocolOld,
		Running:        e.running.Load(),
		SequenceErrors: e.seq.Errors(),
		Streams: []radio.StreamStats{
			{Name: "rx", Overflows: e.rx.Overflows(), Dropped: e.rx.Dropped(), Queued: e.rx.Len()},
			{Name: "tx", Overflows: e.tx.Overflows(), Dropped: e.tx.Dropped(), Queued: e.tx.Len()},
		},
	}
}

// Run starts the radio and blocks until ctx is cancelled or a transport
// error occurs, then performs the stop sequence
func (e *Engine) Run(ctx context.Context) error {
	conn, err := e.cfg.Dial(ctx)
	if err != nil {
		return fmt.Errorf("failed to open radio link: %w", err)
	}
	e.conn = conn
	defer conn.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.receiveLoop(gctx) })
	g.Go(e.rxConsumer)
	g.Go(e.txPacer)
	if e.cfg.IdleAudio {
		g.Go(func() error { return e.idleAudio(gctx) })
	}

	if err = e.restart(); err != nil {
		log.Printf("[ERROR] Protocol1: start failed: %v", err)
	} else {
		log.Printf("[INFO] Protocol1: running")
		<-gctx.Done()
	}

	e.stop()
	e.rx.Close()
	e.tx.Close()
	conn.Close()
	if werr := g.Wait(); werr != nil && err == nil {
		err = werr
	}
	return err
}

// Reset clears all stream state ahead of the next Run
func (e *Engine) Reset() {
	e.seq.Reset()
	e.rx.Reset()
	e.audioMu.Lock()
	e.tx.Reset()
	e.txSide = false
	e.audioMu.Unlock()
	e.decoder.Reset()
	e.status.Reset()
	e.sendMu.Lock()
	e.cmds.Reset()
	e.framer.reset()
	e.sendMu.Unlock()
}

// restart primes the radio's DUC FIFO with eight frames of C&C and
// silence, then sends the start command
func (e *Engine) restart() error {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	e.framer.reset()
	e.cmds.Reset()
	for i := metisHeader; i < OzyBufferSize; i++ {
		e.frame[i] = 0
	}
	for i := 0; i < primeFrames; i++ {
		if err := e.sendFrame(); err != nil {
			return err
		}
	}
	time.Sleep(settle)

	if e.store.Snapshot().Device != radio.DeviceOzy {
		if err := e.startStop(1); err != nil {
			return err
		}
		time.Sleep(settle)
	} else {
		e.running.Store(true)
	}
	return nil
}

func (e *Engine) stop() {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	if e.store.Snapshot().Device == radio.DeviceOzy {
		e.running.Store(false)
	} else if err := e.startStop(0); err != nil && !errors.Is(err, transport.ErrClosed) {
		log.Printf("[WARN] Protocol1: failed to send stop: %v", err)
	}
	log.Printf("[INFO] Protocol1: stopped")
}

// startStop sends the Metis start/stop command. Called with sendMu held.
func (e *Engine) startStop(cmd byte) error {
	e.running.Store(cmd != 0)
	log.Printf("[DEBUG] Protocol1: start/stop %d", cmd)
	pkt := startStopPacket(cmd, e.cfg.TCP)
	if !e.cfg.TCP {
		return e.conn.Send(DataPort, pkt)
	}
	// keep the start/stop record apart from TX records on the stream
	time.Sleep(tcpGuard)
	err := e.conn.Send(DataPort, pkt)
	time.Sleep(tcpGuard)
	if cmd == 0 {
		// the radio drops the connection after a stop
		time.Sleep(tcpGuard)
		e.conn.Close()
	}
	return err
}

// sendFrame fills C&C into the output frame and hands it to the framer.
// Called with sendMu held.
func (e *Engine) sendFrame() error {
	st := e.store.Snapshot()
	st.LocalPTT = e.decoder.PTT()
	e.cmds.Fill(e.frame[:], &st, e.framer.first(), time.Now())
	pkt, ok := e.framer.add(e.frame[:])
	if !ok {
		return nil
	}
	if err := e.conn.Send(DataPort, pkt); err != nil {
		return fmt.Errorf("failed to send Metis packet: %w", err)
	}
	return nil
}

func (e *Engine) receiveLoop(ctx context.Context) error {
	buf := make([]byte, 2048)
	ep6Seq := e.seq.Stream(0)
	for {
		n, _, err := e.conn.Recv(buf, recvTimeout)
		if ctx.Err() != nil {
			return nil
		}
		switch {
		case errors.Is(err, transport.ErrTimeout):
			continue
		case err != nil:
			return fmt.Errorf("failed to receive from radio: %w", err)
		}
		// swallow everything while stopped
		if n <= 0 || !e.running.Load() {
			continue
		}

		p, err := parseMetis(buf[:n])
		if err != nil {
			log.Printf("[WARN] Protocol1: %v (%02X %02X, %d bytes)", err, buf[0], buf[1], n)
			continue
		}
		ep6Seq.Check(p.seq)

		switch p.ep {
		case ep6:
			o := e.rx.Overflows()
			if !e.rx.WriteChunk(buf[8:520], buf[520:1032]) && e.rx.Overflows() != o {
				log.Printf("[WARN] Protocol1: input buffer overflow")
			}
		case 4:
			// wideband data, not used
		default:
			log.Printf("[WARN] Protocol1: unexpected EP %d length=%d", p.ep, n)
		}
	}
}

// rxConsumer decodes queued buffer pairs. The routing layout is sampled
// once per pair since the state may change between them.
func (e *Engine) rxConsumer() error {
	for {
		chunk, ok := e.rx.Next()
		if !ok {
			return nil
		}
		st := e.store.Snapshot()
		e.decoder.SetLayout(LayoutFor(&st))
		e.decoder.Feed(chunk)
		e.rx.Advance()
	}
}

// txPacer sends one Metis packet per TX chunk. Chunks are skipped while
// stopped, or when a control sender holds the link.
func (e *Engine) txPacer() error {
	for {
		chunk, ok := e.tx.Next()
		if !ok {
			return nil
		}
		if !e.running.Load() || !e.sendMu.TryLock() {
			e.tx.Advance()
			continue
		}
		copy(e.frame[metisHeader:], chunk[:txPerFrame])
		err := e.sendFrame()
		if err == nil {
			copy(e.frame[metisHeader:], chunk[txPerFrame:])
			err = e.sendFrame()
		}
		e.tx.Advance()
		time.Sleep(pacerSleep)
		e.sendMu.Unlock()
		if err != nil && e.running.Load() {
			return err
		}
	}
}

// AudioSamples queues one stereo speaker sample. Ignored while
// transmitting.
func (e *Engine) AudioSamples(left, right int16) {
	if e.transmitting.Load() {
		return
	}
	e.audioMu.Lock()
	defer e.audioMu.Unlock()
	if e.txSide {
		// first RX sample after TX: flush queued TX IQ
		e.tx.Drain(drainTime)
		e.txSide = false
	}
	var rec [txRecord]byte
	if !e.zeroAudio.Load() {
		sample.PutInt16(rec[0:], left)
		sample.PutInt16(rec[2:], right)
	}
	e.write(rec[:])
}

// IQSamples queues one TX IQ sample with the CW sidetone as audio.
// Ignored while receiving.
func (e *Engine) IQSamples(i, q, sidetone int16) {
	if !e.transmitting.Load() {
		return
	}
	e.audioMu.Lock()
	defer e.audioMu.Unlock()
	if !e.txSide {
		// first TX sample: flush queued audio for minimum sidetone latency
		e.tx.Drain(drainTime)
		e.txSide = true
	}
	var rec [txRecord]byte
	if !e.zeroAudio.Load() {
		sample.PutInt16(rec[0:], sidetone)
		sample.PutInt16(rec[2:], sidetone)
	}
	sample.PutInt16(rec[4:], i)
	sample.PutInt16(rec[6:], q)
	e.write(rec[:])
}

func (e *Engine) write(rec []byte) {
	o := e.tx.Overflows()
	if !e.tx.Write(rec) && e.tx.Overflows() != o {
		log.Printf("[WARN] Protocol1: output buffer overflow")
	}
}

// idleAudio stands in for a DSP layer: it writes a chunk of silence (or
// zero IQ while transmitting) every 126 sample periods
func (e *Engine) idleAudio(ctx context.Context) error {
	t := time.NewTicker(idlePeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		for n := 0; n < txChunk/txRecord; n++ {
			if e.transmitting.Load() {
				e.IQSamples(0, 0, 0)
			} else {
				e.AudioSamples(0, 0)
			}
		}
	}
}
