package newproto

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

	"github.com/cwsl/ka9q_hpsdr/hpsdr/actiontable"
	"github.com/cwsl/ka9q_hpsdr/hpsdr/bufpool"
	"github.com/cwsl/ka9q_hpsdr/hpsdr/radio"
	"github.com/cwsl/ka9q_hpsdr/hpsdr/ringbuf"
	"github.com/cwsl/ka9q_hpsdr/hpsdr/sample"
	"github.com/cwsl/ka9q_hpsdr/hpsdr/seqtrack"
	"github.com/cwsl/ka9q_hpsdr/hpsdr/transport"
)

const (
	ddcQueueSize    = 512
	micQueueSize    = 64
	statusQueueSize = 16

	audioRingSize = 16384
	txiqRingSize  = 97920
	audioRecord   = 4
	txiqRecord    = 6

	recvTimeout = 100 * time.Millisecond
	timerPeriod = 100 * time.Millisecond
	settle      = 100 * time.Millisecond
	senderSleep = time.Millisecond
	drainTime   = 10 * time.Millisecond

	stopSettle = 50 * time.Millisecond
	stopWait   = 200 * time.Millisecond
	stopQuiet  = 50 * time.Millisecond
)

// Config wires an Engine to its collaborators
type Config struct {
	Dial func(ctx context.Context) (transport.Conn, error)

	Store    *radio.Store
	Sink     radio.Sink
	Mic      radio.MicSource
	Listener radio.StatusListener

	Throttles radio.Throttles
}

// Engine runs the new protocol. Inbound datagrams go through one receive
// loop into per-stream queues with a worker each; outbound audio and TX IQ
// are paced from byte rings, and the four control packets are sent by a
// timer and whenever the state changes.
type Engine struct {
	cfg    Config
	store  *radio.Store
	status radio.StatusBox
	seq    *seqtrack.Set
	pool   *bufpool.Pool

	hp    *ringbuf.Queue[packet]
	mic   *ringbuf.Queue[packet]
	ddc   [actiontable.MaxDDC]*ringbuf.Queue[packet]
	audio *ringbuf.ByteRing
	txiq  *ringbuf.ByteRing

	route atomic.Pointer[routing]

	conn     transport.Conn
	running  atomic.Bool
	localPTT atomic.Bool
	localMic atomic.Bool
	cwTX     atomic.Bool

	// one lock, sequence number and buffer per control packet
	generalMu  sync.Mutex
	generalSeq uint32
	generalBuf [GeneralSize]byte
	hpMu       sync.Mutex
	hpSeq      uint32
	hpBuf      [HighPrioritySize]byte
	rxMu       sync.Mutex
	rxSeq      uint32
	rxBuf      [RXSpecificSize]byte
	txMu       sync.Mutex
	txSeq      uint32
	txBuf      [TXSpecificSize]byte

	audioSeq uint32
	txiqSeq  uint32

	// audioMu serialises the two speaker audio producers
	audioMu sync.Mutex
	cwSide  bool
}

// New builds an engine. Queues and rings are allocated once and reused
// across restarts.
func New(cfg Config) *Engine {
	if cfg.Sink == nil {
		cfg.Sink = radio.NopSink{}
	}
	if cfg.Store == nil {
		cfg.Store = radio.NewStore(radio.DefaultState())
	}
	cfg.Throttles = cfg.Throttles.Normalize()
	th := cfg.Throttles

	names := []string{"Protocol2 HighPriority", "Protocol2 Mic"}
	for i := 0; i < actiontable.MaxDDC; i++ {
		names = append(names, fmt.Sprintf("Protocol2 DDC%d", i))
	}
	e := &Engine{
		cfg:   cfg,
		store: cfg.Store,
		seq:   seqtrack.NewSet(names...),
		pool:  bufpool.New(0),
		hp:    ringbuf.NewQueue[packet](statusQueueSize, 0),
		mic:   ringbuf.NewQueue[packet](micQueueSize, th.NewMic),
		audio: ringbuf.NewByteRing(audioRingSize, AudioChunk, th.NewRXAudio),
		txiq:  ringbuf.NewByteRing(txiqRingSize, TXIQChunk, th.NewTXIQ),
	}
	for i := range e.ddc {
		e.ddc[i] = ringbuf.NewQueue[packet](ddcQueueSize, th.NewDDC)
	}
	e.pool.OnGrow = func(total int) {
		log.Printf("[DEBUG] Protocol2: network buffers grown to %d", total)
	}

	st := cfg.Store.Snapshot()
	e.observe(&st)
	e.recompute(&st)
	cfg.Store.Watch(e.stateChanged)
	return e
}

func (e *Engine) observe(s *radio.State) {
	e.localMic.Store(s.Transmitter.LocalMic)
	e.cwTX.Store(s.Transmitting && s.TXMode().IsCW())
}

// stateChanged pushes a state update to the radio without waiting for the
// timer
func (e *Engine) stateChanged(old, cur radio.State) {
	e.observe(&cur)
	if !e.running.Load() {
		e.recompute(&cur)
		return
	}
	if err := e.sendHighPriority(); err != nil {
		log.Printf("[WARN] Protocol2: %v", err)
	}
	if old.Transmitting != cur.Transmitting || old.Transmitter.PureSignal != cur.Transmitter.PureSignal ||
		old.Diversity != cur.Diversity || old.Duplex != cur.Duplex || old.Receivers != cur.Receivers ||
		old.Receiver != cur.Receiver || old.PSFeedback != cur.PSFeedback {
		if err := e.sendReceiveSpecific(); err != nil {
			log.Printf("[WARN] Protocol2: %v", err)
		}
	}
	if old.CW != cur.CW || old.Mic != cur.Mic || old.TXMode() != cur.TXMode() {
		if err := e.sendTransmitSpecific(); err != nil {
			log.Printf("[WARN] Protocol2: %v", err)
		}
	}
}

// Name identifies the engine in logs and metrics
func (e *Engine) Name() string {
	return "Protocol2"
}

// Status returns the latest telemetry from the radio
func (e *Engine) Status() radio.Status {
	return e.status.Get()
}

// Stats reports loss counters and buffer usage
func (e *Engine) Stats() radio.Stats {
	ddc := radio.StreamStats{Name: "ddc"}
	for _, q := range e.ddc {
		ddc.Overflows += q.Overflows()
		ddc.Dropped += q.Dropped()
		ddc.Queued += q.Len()
	}
	return radio.Stats{
		Protocol:       radio.ProtocolNew,
		Running:        e.running.Load(),
		SequenceErrors: e.seq.Errors(),
		Streams: []radio.StreamStats{
			ddc,
			{Name: "mic", Overflows: e.mic.Overflows(), Dropped: e.mic.Dropped(), Queued: e.mic.Len()},
			{Name: "rx_audio", Overflows: e.audio.Overflows(), Dropped: e.audio.Dropped(), Queued: e.audio.Len()},
			{Name: "tx_iq", Overflows: e.txiq.Overflows(), Dropped: e.txiq.Dropped(), Queued: e.txiq.Len()},
		},
		PoolBuffers: e.pool.Len(),
		PoolInUse:   e.pool.InUse(),
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
	e.running.Store(true)

	var workers errgroup.Group
	workers.Go(e.statusWorker)
	workers.Go(e.micWorker)
	for i := range e.ddc {
		workers.Go(e.ddcWorker(i))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(e.receiveLoop)
	g.Go(e.audioSender)
	g.Go(e.txiqSender)
	g.Go(func() error { return e.timer(gctx) })

	if err = e.start(); err != nil {
		log.Printf("[ERROR] Protocol2: start failed: %v", err)
	} else {
		log.Printf("[INFO] Protocol2: running")
		<-gctx.Done()
	}

	e.running.Store(false)
	time.Sleep(stopSettle)
	e.audio.Close()
	e.txiq.Close()
	if werr := g.Wait(); werr != nil && err == nil {
		err = werr
	}

	// the radio stops streaming once it sees running cleared
	if serr := e.sendHighPriority(); serr != nil && !errors.Is(serr, transport.ErrClosed) {
		log.Printf("[WARN] Protocol2: failed to send stop: %v", serr)
	}
	time.Sleep(stopWait)
	if n := transport.Drain(conn, stopQuiet); n > 0 {
		log.Printf("[DEBUG] Protocol2: discarded %d packets after stop", n)
	}

	e.hp.Close()
	e.mic.Close()
	for _, q := range e.ddc {
		q.Close()
	}
	if werr := workers.Wait(); werr != nil && err == nil {
		err = werr
	}
	log.Printf("[INFO] Protocol2: stopped")
	return err
}

// start sends the four control packets in the order the firmware expects
func (e *Engine) start() error {
	for _, send := range []func() error{
		e.sendGeneral,
		e.sendTransmitSpecific,
		e.sendReceiveSpecific,
		e.sendHighPriority,
	} {
		if err := send(); err != nil {
			return err
		}
	}
	return nil
}

// Reset clears all stream state ahead of the next Run
func (e *Engine) Reset() {
	e.seq.Reset()
	for _, q := range append([]*ringbuf.Queue[packet]{e.hp, e.mic}, e.ddc[:]...) {
		for _, p := range q.Reset() {
			e.pool.Release(p.h)
		}
	}
	e.pool.Reset()

	e.audioMu.Lock()
	e.audio.Reset()
	e.cwSide = false
	e.audioMu.Unlock()
	e.txiq.Reset()

	e.generalMu.Lock()
	e.generalSeq = 0
	e.generalMu.Unlock()
	e.hpMu.Lock()
	e.hpSeq = 0
	e.hpMu.Unlock()
	e.rxMu.Lock()
	e.rxSeq = 0
	e.rxMu.Unlock()
	e.txMu.Lock()
	e.txSeq = 0
	e.txMu.Unlock()
	e.audioSeq = 0
	e.txiqSeq = 0

	e.localPTT.Store(false)
	e.status.Reset()
	st := e.store.Snapshot()
	e.observe(&st)
	e.recompute(&st)
}

// snapshot copies the state and fills in the radio's own PTT
func (e *Engine) snapshot() radio.State {
	st := e.store.Snapshot()
	st.LocalPTT = e.localPTT.Load()
	return st
}

func (e *Engine) sendGeneral() error {
	e.generalMu.Lock()
	defer e.generalMu.Unlock()
	st := e.snapshot()
	BuildGeneral(e.generalBuf[:], &st, e.generalSeq)
	e.generalSeq++
	if err := e.conn.Send(GeneralPort, e.generalBuf[:]); err != nil {
		return fmt.Errorf("failed to send general packet: %w", err)
	}
	return nil
}

func (e *Engine) sendHighPriority() error {
	e.hpMu.Lock()
	defer e.hpMu.Unlock()
	st := e.snapshot()
	BuildHighPriority(e.hpBuf[:], &st, e.hpSeq, e.running.Load(), time.Now())
	e.hpSeq++
	e.recompute(&st)
	if err := e.conn.Send(HighPriorityPort, e.hpBuf[:]); err != nil {
		return fmt.Errorf("failed to send high priority packet: %w", err)
	}
	return nil
}

func (e *Engine) sendReceiveSpecific() error {
	e.rxMu.Lock()
	defer e.rxMu.Unlock()
	st := e.snapshot()
	BuildReceiveSpecific(e.rxBuf[:], &st, e.rxSeq)
	e.rxSeq++
	e.recompute(&st)
	if err := e.conn.Send(RXSpecificPort, e.rxBuf[:]); err != nil {
		return fmt.Errorf("failed to send receive specific packet: %w", err)
	}
	return nil
}

func (e *Engine) sendTransmitSpecific() error {
	e.txMu.Lock()
	defer e.txMu.Unlock()
	st := e.snapshot()
	BuildTransmitSpecific(e.txBuf[:], &st, e.txSeq)
	e.txSeq++
	if err := e.conn.Send(TXSpecificPort, e.txBuf[:]); err != nil {
		return fmt.Errorf("failed to send transmit specific packet: %w", err)
	}
	return nil
}

// timer refreshes the radio every 100ms: High-Priority each tick,
// Transmit- and Receive-Specific alternately, General every 800ms
func (e *Engine) timer(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(settle):
	}
	t := time.NewTicker(timerPeriod)
	defer t.Stop()
	step := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		step = step%8 + 1
		err := e.sendHighPriority()
		if err == nil {
			if step%2 == 1 {
				err = e.sendTransmitSpecific()
			} else {
				err = e.sendReceiveSpecific()
			}
		}
		if err == nil && step == 8 {
			err = e.sendGeneral()
		}
		if err != nil && e.running.Load() {
			return err
		}
	}
}

func (e *Engine) audioSender() error {
	var pkt [AudioSize]byte
	for {
		chunk, ok := e.audio.Next()
		if !ok {
			return nil
		}
		binary.BigEndian.PutUint32(pkt[0:4], e.audioSeq)
		copy(pkt[4:], chunk)
		e.audio.Advance()
		if e.running.Load() {
			e.audioSeq++
			// lost speaker audio is not worth a restart
			if err := e.conn.Send(AudioPort, pkt[:]); err != nil {
				log.Printf("[WARN] Protocol2: failed to send audio: %v", err)
			}
		}
		time.Sleep(senderSleep)
	}
}

func (e *Engine) txiqSender() error {
	var pkt [TXIQSize]byte
	for {
		chunk, ok := e.txiq.Next()
		if !ok {
			return nil
		}
		binary.BigEndian.PutUint32(pkt[0:4], e.txiqSeq)
		copy(pkt[4:], chunk)
		e.txiq.Advance()
		if e.running.Load() {
			e.txiqSeq++
			if err := e.conn.Send(TXIQPort, pkt[:]); err != nil {
				return fmt.Errorf("failed to send TX IQ: %w", err)
			}
		}
		time.Sleep(senderSleep)
	}
}

// AudioSamples queues one stereo speaker sample. Ignored while transmitting
// CW, where the sidetone arrives through CWAudioSamples instead.
func (e *Engine) AudioSamples(left, right int16) {
	if e.cwTX.Load() {
		return
	}
	e.audioMu.Lock()
	defer e.audioMu.Unlock()
	if e.cwSide {
		e.audio.Drain(drainTime)
		e.cwSide = false
	}
	e.writeAudio(left, right)
}

// CWAudioSamples queues one sample of CW sidetone audio. Only accepted
// while transmitting CW.
func (e *Engine) CWAudioSamples(left, right int16) {
	if !e.cwTX.Load() {
		return
	}
	e.audioMu.Lock()
	defer e.audioMu.Unlock()
	if !e.cwSide {
		// drop queued receive audio so the sidetone is heard at once
		e.audio.Drain(drainTime)
		e.cwSide = true
	}
	e.writeAudio(left, right)
}

func (e *Engine) writeAudio(left, right int16) {
	var rec [audioRecord]byte
	sample.PutInt16(rec[0:], left)
	sample.PutInt16(rec[2:], right)
	o := e.audio.Overflows()
	if !e.audio.Write(rec[:]) && e.audio.Overflows() != o {
		log.Printf("[WARN] Protocol2: audio buffer overflow")
	}
}

// IQSamples queues one 24-bit TX IQ sample. Must be called from a single
// goroutine.
func (e *Engine) IQSamples(i, q int32) {
	var rec [txiqRecord]byte
	sample.PutInt24(rec[0:], i)
	sample.PutInt24(rec[3:], q)
	o := e.txiq.Overflows()
	if !e.txiq.Write(rec[:]) && e.txiq.Overflows() != o {
		log.Printf("[WARN] Protocol2: TX IQ buffer overflow")
	}
}
