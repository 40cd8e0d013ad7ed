// Package oldproto drives radios speaking the original HPSDR protocol:
// 512 byte Ozy frames of sync, five control bytes and interleaved 24-bit
// IQ, carried two at a time in 1032 byte Metis packets over UDP or TCP.
package oldproto

import (
	"encoding/binary"
)

const (
	Sync          = 0x7F
	OzyBufferSize = 512
	MetisSize     = 1032
	DataPort      = 1024

	metisHeader = 8
	ep2         = 0x02 // host to radio: C&C, audio, TX IQ
	ep6         = 0x06 // radio to host: IQ and mic
)

// Offsets into an Ozy frame
const (
	c0 = 3
	c1 = 4
	c2 = 5
	c3 = 6
	c4 = 7
)

// Speed bits of C1 in the C0=0 packet
const (
	speed48K  = 0x00
	speed96K  = 0x01
	speed192K = 0x02
	speed384K = 0x03
)

// Atlas configuration bits of C1
const (
	configPenelope        = 0x20
	configMercury         = 0x40
	penelopeMic           = 0x80
	mercury12288Source    = 0x10
	penelope12288Source   = 0x00
	atlas10MHzSource      = 0x00
	penelope10MHzSource   = 0x04
	mercury10MHzSource    = 0x08
	lt2208GainOn          = 0x04
	lt2208DitherOn        = 0x08
	lt2208RandomOn        = 0x10
	duplexBit             = 0x04
	diversityPhaseLockBit = 0x80
)

// framer packs Ozy frames into Metis packets. The first frame of a pair
// goes to offset 8; the second completes the packet.
type framer struct {
	buf    [MetisSize]byte
	offset int
	seq    uint32
}

func newFramer() *framer {
	return &framer{offset: metisHeader}
}

// first reports whether the next frame opens a Metis packet. That frame
// always carries the C0=0 command.
func (f *framer) first() bool {
	return f.offset == metisHeader
}

// add copies one Ozy frame in and returns the completed packet after every
// second call
func (f *framer) add(frame []byte) ([]byte, bool) {
	copy(f.buf[f.offset:f.offset+OzyBufferSize], frame)
	if f.offset == metisHeader {
		f.offset = metisHeader + OzyBufferSize
		return nil, false
	}
	f.buf[0] = 0xEF
	f.buf[1] = 0xFE
	f.buf[2] = 0x01
	f.buf[3] = ep2
	binary.BigEndian.PutUint32(f.buf[4:8], f.seq)
	f.seq++
	f.offset = metisHeader
	return f.buf[:], true
}

func (f *framer) reset() {
	f.offset = metisHeader
}

// startStopPacket builds the Metis start (cmd 1) or stop (cmd 0) packet.
// TCP links need a full sized record.
func startStopPacket(cmd byte, tcp bool) []byte {
	n := 64
	if tcp {
		n = MetisSize
	}
	b := make([]byte, n)
	b[0] = 0xEF
	b[1] = 0xFE
	b[2] = 0x04
	b[3] = cmd
	return b
}

// metisPacket is a decoded inbound data packet
type metisPacket struct {
	ep  byte
	seq uint32
}

// parseMetis validates the header of an inbound packet
func parseMetis(b []byte) (metisPacket, error) {
	if len(b) < MetisSize {
		return metisPacket{}, errShort
	}
	if b[0] != 0xEF || b[1] != 0xFE {
		return metisPacket{}, errBadHeader
	}
	if b[2] != 0x01 {
		return metisPacket{}, errPacketType
	}
	return metisPacket{ep: b[3], seq: binary.BigEndian.Uint32(b[4:8])}, nil
}

// putFreq writes a frequency into C1..C4, big-endian
func putFreq(frame []byte, f int64) {
	binary.BigEndian.PutUint32(frame[c1:c1+4], uint32(f))
}

func speedBits(rate int) byte {
	switch rate {
	case 96000:
		return speed96K
	case 192000:
		return speed192K
	case 384000:
		return speed384K
	}
	return speed48K
}
