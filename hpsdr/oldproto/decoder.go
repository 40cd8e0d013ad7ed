package oldproto

import (
	"github.com/cwsl/ka9q_hpsdr/hpsdr/radio"
	"github.com/cwsl/ka9q_hpsdr/hpsdr/sample"
)

type decodeState uint8

const (
	stSync0 decodeState = iota
	stSync1
	stSync2
	stControl0
	stControl1
	stControl2
	stControl3
	stControl4
	stLeftHi
	stLeftMid
	stLeftLo
	stRightHi
	stRightMid
	stRightLo
	stMicHi
	stMicLo
)

// Layout is the routing snapshot applied to one inbound buffer pair. The
// state can change between buffers but never inside one.
type Layout struct {
	Device       radio.DeviceFamily
	Receivers    int // hardware receivers in the stream
	UserRX       int // user receivers, 1 or 2
	RXFeedback   int
	TXFeedback   int
	Transmitting bool
	PureSignal   bool
	Diversity    bool
	Duplex       bool
	LocalMic     bool
	MicDivisor   int
}

// LayoutFor derives the layout from a state snapshot
func LayoutFor(s *radio.State) Layout {
	rxfb, txfb := feedbackChannels(s)
	div := sampleRate(s) / 48000
	if div < 1 {
		div = 1
	}
	return Layout{
		Device:       s.Device,
		Receivers:    ReceiverCount(s),
		UserRX:       s.Receivers,
		RXFeedback:   rxfb,
		TXFeedback:   txfb,
		Transmitting: s.Transmitting,
		PureSignal:   s.Transmitter.PureSignal,
		Diversity:    s.Diversity,
		Duplex:       s.Duplex,
		LocalMic:     s.Transmitter.LocalMic,
		MicDivisor:   div,
	}
}

// Decoder is the byte-at-a-time state machine for the inbound stream. Any
// unexpected byte while looking for sync restarts the search, so a
// misaligned stream heals itself at the next frame boundary.
type Decoder struct {
	sink    radio.Sink
	mic     radio.MicSource
	control *controlIn
	layout  Layout

	state      decodeState
	controlBuf [5]byte
	nreceiver  int
	nsamples   int
	iqSamples  int
	micCount   int
	raw        int32
	left       float64
	micRaw     uint16

	// PureSignal and diversity halves collected across receiver slots
	psRXI, psRXQ, psTXI, psTXQ float64
	divMI, divMQ, divAI, divAQ float64
}

// NewDecoder returns a decoder delivering to sink. mic, status and l may
// be nil.
func NewDecoder(sink radio.Sink, mic radio.MicSource, status *radio.StatusBox, l radio.StatusListener) *Decoder {
	if status == nil {
		status = &radio.StatusBox{}
	}
	return &Decoder{
		sink:    sink,
		mic:     mic,
		control: newControlIn(status, l),
		layout:  Layout{Receivers: 1, UserRX: 1, MicDivisor: 1},
	}
}

// SetStore lets dot or dash reports from the radio cancel CAT keying in st
func (d *Decoder) SetStore(st *radio.Store) {
	d.control.store = st
}

// SetLayout applies a new routing snapshot. Call between buffers.
func (d *Decoder) SetLayout(l Layout) {
	if l.Receivers < 1 {
		l.Receivers = 1
	}
	if l.MicDivisor < 1 {
		l.MicDivisor = 1
	}
	d.layout = l
}

// Reset returns to sync search
func (d *Decoder) Reset() {
	d.state = stSync0
	d.micCount = 0
	d.control.reset()
}

// PTT is the last PTT state reported by the radio
func (d *Decoder) PTT() bool {
	return d.control.ptt.Load()
}

// Feed runs every byte of b through the state machine
func (d *Decoder) Feed(b []byte) {
	for _, v := range b {
		d.step(v)
	}
}

func (d *Decoder) step(b byte) {
	switch d.state {
	case stSync0, stSync1, stSync2:
		if b == Sync {
			d.state++
		} else {
			d.state = stSync0
		}

	case stControl0, stControl1, stControl2, stControl3:
		d.controlBuf[d.state-stControl0] = b
		d.state++

	case stControl4:
		d.controlBuf[4] = b
		d.control.process(d.controlBuf[:], d.layout.Device, d.layout.Transmitting)
		d.nreceiver = 0
		d.nsamples = 0
		d.iqSamples = (OzyBufferSize - 8) / (d.layout.Receivers*6 + 2)
		d.state = stLeftHi

	case stLeftHi, stRightHi:
		d.raw = int32(int8(b)) << 16
		d.state++

	case stLeftMid, stRightMid:
		d.raw |= int32(b) << 8
		d.state++

	case stLeftLo:
		d.raw |= int32(b)
		d.left = float64(d.raw) * sample.Scale24
		d.state = stRightHi

	case stRightLo:
		d.raw |= int32(b)
		d.route(d.left, float64(d.raw)*sample.Scale24)
		d.nreceiver++
		if d.nreceiver == d.layout.Receivers {
			d.state = stMicHi
		} else {
			d.state = stLeftHi
		}

	case stMicHi:
		d.micRaw = uint16(b) << 8
		d.state = stMicLo

	case stMicLo:
		d.micRaw |= uint16(b)
		d.micCount++
		if d.micCount >= d.layout.MicDivisor {
			d.deliverMic(int16(d.micRaw))
			d.micCount = 0
		}
		d.nsamples++
		if d.nsamples == d.iqSamples {
			d.state = stSync0
		} else {
			d.nreceiver = 0
			d.state = stLeftHi
		}
	}
}

// route hands one sample of hardware receiver slot d.nreceiver to the sink
func (d *Decoder) route(i, q float64) {
	l := &d.layout
	n := d.nreceiver
	last := n+1 == l.Receivers

	if l.Transmitting && l.PureSignal {
		switch n {
		case l.RXFeedback:
			d.psRXI, d.psRXQ = i, q
		case l.TXFeedback:
			d.psTXI, d.psTXQ = i, q
		}
		if last {
			d.sink.PureSignal(d.psTXI, d.psTXQ, d.psRXI, d.psRXQ)
		}
	}

	if !l.Transmitting && l.Diversity {
		switch n {
		case rx1Channel:
			d.divMI, d.divMQ = i, q
		case rx2Channel:
			d.divAI, d.divAQ = i, q
		}
		if last {
			d.sink.Diversity(d.divMI, d.divMQ, d.divAI, d.divAQ)
			// show the auxiliary antenna on the second receiver
			if l.UserRX > 1 {
				d.sink.IQ(1, d.divAI, d.divAQ)
			}
		}
	}

	if (!l.Transmitting || l.Duplex) && !l.Diversity {
		switch {
		case n == rx1Channel:
			d.sink.IQ(0, i, q)
		case n == rx2Channel && l.UserRX > 1:
			d.sink.IQ(1, i, q)
		}
	}
}

func (d *Decoder) deliverMic(raw int16) {
	d.sink.Mic(radio.MixMic(sample.Mic(raw), d.control.ptt.Load(), d.layout.LocalMic, d.mic))
}
