// Package newproto drives radios speaking the fixed field UDP protocol
// (protocol 2). Control is split over four host-to-radio packets sent on a
// timer and on state changes; samples travel in per-stream packets, each
// with its own sequence number.
package newproto

import (
	"encoding/binary"
	"errors"
	"math"
	"time"

	"github.com/cwsl/ka9q_hpsdr/hpsdr/radio"
)

// Host to radio ports
const (
	GeneralPort      = 1024
	RXSpecificPort   = 1025
	TXSpecificPort   = 1026
	HighPriorityPort = 1027
	AudioPort        = 1028
	TXIQPort         = 1029
)

// Radio to host ports
const (
	CommandResponsePort = 1024
	StatusPort          = 1025
	MicPort             = 1026
	DDCPort             = 1035 // + DDC number
)

// Packet sizes
const (
	GeneralSize      = 60
	HighPrioritySize = 1444
	RXSpecificSize   = 1444
	TXSpecificSize   = 60
	AudioSize        = 260
	TXIQSize         = 1444
	MicSize          = 132

	MicSamples  = 64
	DDCHeader   = 16
	AudioChunk  = 256  // 64 stereo samples
	TXIQChunk   = 1440 // 240 IQ samples
	ddcSample   = 6

	xvtrOut7000 = 0x02
)

// phaseScale converts Hz into a 32-bit phase increment at 122.88 MHz
const phaseScale = 4294967296.0 / 122880000.0

var errShortPacket = errors.New("short packet")

// PhaseWord is the NCO phase increment for f Hz
func PhaseWord(f int64) uint32 {
	return uint32(int64(math.Round(float64(f) * phaseScale)))
}

func putSeq(b []byte, seq uint32) {
	binary.BigEndian.PutUint32(b[0:4], seq)
}

func bit(v bool, mask byte) byte {
	if v {
		return mask
	}
	return 0
}

// BuildGeneral fills the 60 byte General packet
func BuildGeneral(b []byte, s *radio.State, seq uint32) {
	b = b[:GeneralSize]
	clear(b)
	putSeq(b, seq)
	b[37] = 0x08 // phase word, not frequency
	b[38] = 0x01 // hardware timer

	b[58] = bit(s.PAActive(), 0x01)
	if s.FilterBoard == radio.FilterApollo {
		b[58] |= 0x02
	}
	if s.FilterBoard == radio.FilterAlex {
		b[59] = 0x01
		if s.Device.Caps().BandPassFilters {
			b[59] = 0x03 // Alex0 and Alex1
		}
	}
}

// BuildHighPriority fills the 1444 byte High-Priority packet. running is
// cleared in the final packet of the stop sequence.
func BuildHighPriority(b []byte, s *radio.State, seq uint32, running bool, now time.Time) {
	b = b[:HighPrioritySize]
	clear(b)
	caps := s.Device.Caps()
	xmit := s.Transmitting
	putSeq(b, seq)

	b[4] = bit(running, 0x01)
	if s.MOX() {
		b[4] |= 0x02
	}

	rx1 := s.RXFrequency(0)
	rx2 := s.RXFrequency(1)
	if s.Diversity && !xmit {
		// both ADCs on the first receiver's frequency
		binary.BigEndian.PutUint32(b[9:], PhaseWord(rx1))
		binary.BigEndian.PutUint32(b[13:], PhaseWord(rx1))
	} else {
		off := caps.DDCOffset * 4
		binary.BigEndian.PutUint32(b[9+off:], PhaseWord(rx1))
		if s.Receivers > 1 {
			binary.BigEndian.PutUint32(b[13+off:], PhaseWord(rx2))
		}
	}

	tx := s.TXFrequency()
	txPhase := PhaseWord(tx)
	if xmit && s.Transmitter.PureSignal {
		// DDC0 and DDC1 follow the transmitter
		binary.BigEndian.PutUint32(b[9:], txPhase)
		binary.BigEndian.PutUint32(b[13:], txPhase)
	}
	binary.BigEndian.PutUint32(b[329:], txPhase)
	b[345] = s.Transmitter.Drive

	b[1401] = s.OCBits(now) << 1
	if caps.BandPassFilters && s.Receiver[0].Antenna == 5 {
		// the firmware only drives XVTR out while transmitting
		b[1400] |= xvtrOut7000
	}

	alex0, alex1 := alexWords(s, rx1, rx2, tx)
	binary.BigEndian.PutUint32(b[1432:], alex0)
	if caps.BandPassFilters {
		binary.BigEndian.PutUint16(b[1430:], uint16(alex1))
	}

	if xmit {
		// PureSignal level on ADC0, second ADC protected
		b[1443] = byte(s.Transmitter.Attenuation)
		b[1442] = 31
	} else {
		b[1443] = byte(s.ADC[0].Attenuation)
		if s.Diversity {
			b[1442] = byte(s.ADC[0].Attenuation)
		} else {
			b[1442] = byte(s.ADC[1].Attenuation)
		}
	}
}

// BuildTransmitSpecific fills the 60 byte Transmit-Specific packet
func BuildTransmitSpecific(b []byte, s *radio.State, seq uint32) {
	b = b[:TXSpecificSize]
	clear(b)
	putSeq(b, seq)
	b[4] = 1 // one DAC

	cw := &s.CW
	if s.TXMode().IsCW() && cw.KeyerInternal && !cw.CATActive {
		b[5] = 0x02
		b[5] |= bit(cw.KeysReversed, 0x04)
		switch cw.Mode {
		case radio.KeyerModeA:
			b[5] |= 0x08
		case radio.KeyerModeB:
			b[5] |= 0x28
		}
		b[5] |= bit(cw.SidetoneVolume != 0, 0x10)
		b[5] |= bit(cw.Spacing, 0x40)
		b[5] |= bit(cw.Breakin, 0x80)
	}
	b[6] = byte(cw.SidetoneVolume & 0x7F)
	binary.BigEndian.PutUint16(b[7:], uint16(cw.SidetoneFreq))
	b[9] = byte(cw.Speed)
	b[10] = byte(cw.Weight)
	binary.BigEndian.PutUint16(b[11:], uint16(cw.HangTime))
	b[13] = byte(s.PTTDelay())

	m := &s.Mic
	b[50] = bit(m.LineIn, 0x01) | bit(m.Boost, 0x02) | bit(m.PTTDisabled, 0x04) |
		bit(m.TipRing, 0x08) | bit(m.Bias, 0x10) | bit(m.XLR, 0x20)
	b[51] = s.LineInGainByte()
	b[59] = byte(s.Transmitter.Attenuation)
}

func putDDC(b []byte, ddc, adc, rate int) {
	b[17+ddc*6] = byte(adc)
	binary.BigEndian.PutUint16(b[18+ddc*6:], uint16(rate/1000))
	b[22+ddc*6] = 24
}

// BuildReceiveSpecific fills the 1444 byte Receive-Specific packet
func BuildReceiveSpecific(b []byte, s *radio.State, seq uint32) {
	b = b[:RXSpecificSize]
	clear(b)
	caps := s.Device.Caps()
	xmit := s.Transmitting
	putSeq(b, seq)
	b[4] = byte(caps.ADCs)

	for i := 0; i < s.Receivers && i < radio.MaxReceivers; i++ {
		rx := &s.Receiver[i]
		ddc := i + caps.DDCOffset
		// dither/random are per ADC: any receiver asking turns it on
		b[5] |= bit(rx.Dither, 1) << rx.ADC
		b[6] |= bit(rx.Random, 1) << rx.ADC
		if (!xmit && !s.Diversity) || (xmit && s.Duplex) {
			b[7] |= 1 << ddc
		}
		putDDC(b, ddc, rx.ADC, rx.SampleRate)
	}

	if s.Transmitter.PureSignal && xmit {
		// DDC0 feedback from the PS receiver's ADC, DDC1 from the TX DAC,
		// both at 192k and synchronised
		putDDC(b, 0, s.PSFeedback.ADC, 192000)
		putDDC(b, 1, caps.ADCs, 192000)
		b[1363] = 0x02
		b[7] |= 0x01
	}

	if s.Diversity && !xmit {
		rx0 := &s.Receiver[0]
		b[5] |= bit(rx0.Dither, 0x01) | bit(rx0.Dither, 0x02)
		b[6] |= bit(rx0.Random, 0x01) | bit(rx0.Random, 0x02)
		putDDC(b, 0, 0, rx0.SampleRate)
		putDDC(b, 1, 1, rx0.SampleRate)
		b[1363] = 0x02
		b[7] = 0x01
	}
}

// Status is the decoded High-Priority packet from the radio
type Status struct {
	Sequence    uint32
	PTT         bool
	Dot         bool
	Dash        bool
	PLLLocked   bool
	ADCOverload bool
	Exciter     int
	Forward     int
	Reverse     int
	SupplyVolts int
}

// ParseStatus decodes a High-Priority status packet
func ParseStatus(b []byte) (Status, error) {
	if len(b) < 51 {
		return Status{}, errShortPacket
	}
	return Status{
		Sequence:    binary.BigEndian.Uint32(b[0:4]),
		PTT:         b[4]&0x01 != 0,
		Dot:         b[4]&0x02 != 0,
		Dash:        b[4]&0x04 != 0,
		PLLLocked:   b[4]&0x10 != 0,
		ADCOverload: b[5]&0x01 != 0,
		Exciter:     int(binary.BigEndian.Uint16(b[6:8])),
		Forward:     int(binary.BigEndian.Uint16(b[14:16])),
		Reverse:     int(binary.BigEndian.Uint16(b[22:24])),
		SupplyVolts: int(binary.BigEndian.Uint16(b[49:51])),
	}, nil
}

// DDCFrame is the header of a DDC IQ packet plus a view of its samples
type DDCFrame struct {
	Sequence        uint32
	Timestamp       uint64
	BitsPerSample   int
	SamplesPerFrame int
	Data            []byte
}

// ParseDDC decodes the header of a DDC IQ packet. SamplesPerFrame is
// limited to what the packet actually holds.
func ParseDDC(b []byte) (DDCFrame, error) {
	if len(b) < DDCHeader {
		return DDCFrame{}, errShortPacket
	}
	f := DDCFrame{
		Sequence:        binary.BigEndian.Uint32(b[0:4]),
		Timestamp:       binary.BigEndian.Uint64(b[4:12]),
		BitsPerSample:   int(binary.BigEndian.Uint16(b[12:14])),
		SamplesPerFrame: int(binary.BigEndian.Uint16(b[14:16])),
		Data:            b[DDCHeader:],
	}
	if n := len(f.Data) / ddcSample; f.SamplesPerFrame > n {
		f.SamplesPerFrame = n
	}
	return f, nil
}
