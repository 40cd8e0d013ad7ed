package newproto

import (
	"errors"
	"fmt"
	"log"

	"github.com/cwsl/ka9q_hpsdr/hpsdr/actiontable"
	"github.com/cwsl/ka9q_hpsdr/hpsdr/bufpool"
	"github.com/cwsl/ka9q_hpsdr/hpsdr/radio"
	"github.com/cwsl/ka9q_hpsdr/hpsdr/sample"
	"github.com/cwsl/ka9q_hpsdr/hpsdr/transport"
)

// Sequence tracker ids
const (
	streamStatus = iota
	streamMic
	streamDDC0
)

// packet is a received datagram waiting in a stream queue
type packet struct {
	h bufpool.Handle
	n int
}

// routing is the DDC dispatch decision, swapped atomically
type routing struct {
	table actiontable.Table
	// diversity aux samples also feed RX2 when both run at the same rate
	divFanout bool
}

func newRouting(s *radio.State) *routing {
	return &routing{
		table:     actiontable.Recompute(actiontable.FromState(s)),
		divFanout: s.Receivers > 1 && s.Receiver[0].SampleRate == s.Receiver[1].SampleRate,
	}
}

func (e *Engine) recompute(s *radio.State) {
	r := newRouting(s)
	if old := e.route.Swap(r); old == nil || old.table != r.table {
		log.Printf("[DEBUG] Protocol2: action table %v", r.table)
	}
}

// receiveLoop reads every datagram into a pool buffer and queues it on the
// stream its source port belongs to. A buffer is only given up once a queue
// accepts it.
func (e *Engine) receiveLoop() error {
	h := e.pool.Acquire()
	defer func() { e.pool.Release(h) }()
	for {
		n, port, err := e.conn.Recv(e.pool.Bytes(h), recvTimeout)
		if !e.running.Load() {
			return nil
		}
		switch {
		case errors.Is(err, transport.ErrTimeout):
			continue
		case err != nil:
			return fmt.Errorf("failed to receive from radio: %w", err)
		}
		if n <= 0 {
			continue
		}
		if e.dispatch(port, packet{h: h, n: n}) {
			h = e.pool.Acquire()
		}
	}
}

func (e *Engine) dispatch(port int, p packet) bool {
	switch {
	case port == CommandResponsePort:
		return false
	case port == StatusPort:
		if !e.hp.Put(p) {
			log.Printf("[WARN] Protocol2: high priority queue full")
			return false
		}
		return true
	case port == MicPort:
		return e.mic.Put(p)
	case port >= DDCPort && port < DDCPort+actiontable.MaxDDC:
		ddc := port - DDCPort
		if p.n >= DDCHeader {
			e.seq.Stream(streamDDC0 + ddc).Check(seqOf(e.pool.Bytes(p.h)))
		}
		q := e.ddc[ddc]
		o := q.Overflows()
		if !q.Put(p) {
			if q.Overflows() != o {
				log.Printf("[WARN] Protocol2: DDC%d buffer overflow", ddc)
			}
			return false
		}
		return true
	}
	log.Printf("[WARN] Protocol2: unexpected packet from port %d (%d bytes)", port, p.n)
	return false
}

func seqOf(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func (e *Engine) statusWorker() error {
	for {
		p, ok := e.hp.Dequeue()
		if !ok {
			return nil
		}
		e.processStatus(e.pool.Bytes(p.h)[:p.n])
		e.pool.Release(p.h)
	}
}

func (e *Engine) processStatus(b []byte) {
	st, err := ParseStatus(b)
	if err != nil {
		log.Printf("[WARN] Protocol2: high priority status: %v", err)
		return
	}
	e.seq.Stream(streamStatus).Check(st.Sequence)

	prev := e.localPTT.Swap(st.PTT)
	if !prev && st.PTT {
		// antenna relays follow the radio's PTT as soon as possible
		if err := e.sendHighPriority(); err != nil {
			log.Printf("[WARN] Protocol2: %v", err)
		}
	}

	e.status.Update(func(s *radio.Status) {
		s.PTT = st.PTT
		s.Dot = st.Dot
		s.Dash = st.Dash
		s.PLLLocked = st.PLLLocked
		s.ADCOverload = st.ADCOverload
		s.Exciter = st.Exciter
		s.Forward = radio.Average3of4(s.Forward, st.Forward)
		s.Reverse = radio.Average3of4(s.Reverse, st.Reverse)
		s.SupplyVolts = st.SupplyVolts
	})

	if (st.Dot || st.Dash) && e.store.Snapshot().CW.CATActive {
		// a paddle always wins over CAT keying
		e.store.Update(func(s *radio.State) { s.CW.CATActive = false })
	}
	if prev != st.PTT && e.cfg.Listener != nil {
		e.cfg.Listener.PTTChanged(st.PTT)
	}
}

func (e *Engine) micWorker() error {
	for {
		p, ok := e.mic.Dequeue()
		if !ok {
			return nil
		}
		e.processMic(e.pool.Bytes(p.h)[:p.n])
		e.pool.Release(p.h)
	}
}

func (e *Engine) processMic(b []byte) {
	if len(b) < MicSize {
		log.Printf("[WARN] Protocol2: short mic packet (%d bytes)", len(b))
		return
	}
	e.seq.Stream(streamMic).Check(seqOf(b))
	ptt := e.localPTT.Load()
	local := e.localMic.Load()
	for i := 0; i < MicSamples; i++ {
		raw := sample.Int16(b[4+2*i:])
		e.cfg.Sink.Mic(radio.MixMic(sample.Mic(raw), ptt, local, e.cfg.Mic))
	}
}

func (e *Engine) ddcWorker(ddc int) func() error {
	return func() error {
		q := e.ddc[ddc]
		for {
			p, ok := q.Dequeue()
			if !ok {
				return nil
			}
			e.processDDC(ddc, e.pool.Bytes(p.h)[:p.n])
			e.pool.Release(p.h)
		}
	}
}

// processDDC decodes one DDC packet according to the current action table.
// Synchronised DDC pairs arrive interleaved in the lower DDC's packets.
func (e *Engine) processDDC(ddc int, b []byte) {
	f, err := ParseDDC(b)
	if err != nil {
		log.Printf("[WARN] Protocol2: DDC%d: %v", ddc, err)
		return
	}
	r := e.route.Load()
	entry := r.table.Lookup(ddc)
	sink := e.cfg.Sink
	d := f.Data

	switch entry.Action {
	case actiontable.Normal:
		for k := 0; k < f.SamplesPerFrame; k++ {
			i, q := sample.IQ24(d[k*ddcSample:])
			sink.IQ(entry.Receiver, i, q)
		}
	case actiontable.PureSignal:
		for k := 0; k+1 < f.SamplesPerFrame; k += 2 {
			rxI, rxQ := sample.IQ24(d[k*ddcSample:])
			txI, txQ := sample.IQ24(d[(k+1)*ddcSample:])
			sink.PureSignal(txI, txQ, rxI, rxQ)
		}
	case actiontable.Diversity:
		for k := 0; k+1 < f.SamplesPerFrame; k += 2 {
			mainI, mainQ := sample.IQ24(d[k*ddcSample:])
			auxI, auxQ := sample.IQ24(d[(k+1)*ddcSample:])
			sink.Diversity(mainI, mainQ, auxI, auxQ)
			if r.divFanout {
				sink.IQ(1, auxI, auxQ)
			}
		}
	}
}
