package newproto

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cwsl/ka9q_hpsdr/hpsdr/radio"
)

func be32(b []byte, off int) uint32 {
	return binary.BigEndian.Uint32(b[off:])
}

func be16(b []byte, off int) uint16 {
	return binary.BigEndian.Uint16(b[off:])
}

func TestPhaseWord(t *testing.T) {
	assert.Equal(t, uint32(496325973), PhaseWord(14200000))
	assert.Equal(t, uint32(0), PhaseWord(0))
	assert.Equal(t, uint32(1<<31), PhaseWord(61440000))
}

func TestPhaseWordMonotonic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		f := rapid.Int64Range(0, 61440000).Draw(t, "f")
		step := rapid.Int64Range(1, 1000000).Draw(t, "step")
		assert.LessOrEqual(t, PhaseWord(f), PhaseWord(f+step))
	})
}

func TestGeneralPacket(t *testing.T) {
	s := radio.DefaultState()
	b := make([]byte, GeneralSize)
	BuildGeneral(b, &s, 9)
	assert.Equal(t, uint32(9), be32(b, 0))
	assert.Equal(t, byte(0x08), b[37])
	assert.Equal(t, byte(0x01), b[38])
	assert.Equal(t, byte(0x01), b[58], "PA enabled")
	assert.Equal(t, byte(0x01), b[59], "Alex0 only")

	s.Device = radio.DeviceOrion2
	s.VFO[0].Band.DisablePA = true
	BuildGeneral(b, &s, 10)
	assert.Zero(t, b[58])
	assert.Equal(t, byte(0x03), b[59])
}

func TestHighPriorityReceive(t *testing.T) {
	s := radio.DefaultState()
	s.Transmitter.Drive = 100
	s.ADC[0].Attenuation = 5
	s.ADC[1].Attenuation = 7
	s.VFO[0].Band.OCRx = 0x05

	b := make([]byte, HighPrioritySize)
	BuildHighPriority(b, &s, 3, true, time.Now())
	assert.Equal(t, uint32(3), be32(b, 0))
	assert.Equal(t, byte(0x01), b[4])
	assert.Equal(t, uint32(496325973), be32(b, 9))
	assert.Zero(t, be32(b, 13), "second receiver off")
	assert.Equal(t, uint32(496325973), be32(b, 329))
	assert.Equal(t, byte(100), b[345])
	assert.Equal(t, byte(0x0A), b[1401])
	assert.Equal(t, uint32(txAnt1|lpf30_20|hpf13), be32(b, 1432))
	assert.Equal(t, byte(5), b[1443])
	assert.Equal(t, byte(7), b[1442])

	BuildHighPriority(b, &s, 4, false, time.Now())
	assert.Zero(t, b[4], "stop packet")
}

func TestHighPriorityTransmit(t *testing.T) {
	s := radio.DefaultState()
	s.Transmitting = true
	s.Transmitter.Attenuation = 12

	b := make([]byte, HighPrioritySize)
	BuildHighPriority(b, &s, 0, true, time.Now())
	assert.Equal(t, byte(0x03), b[4])
	assert.Equal(t, byte(12), b[1443])
	assert.Equal(t, byte(31), b[1442])
	assert.Equal(t, uint32(alexTXRelay|txAnt1|lpf30_20|hpf13), be32(b, 1432))

	// the radio's keyer owns PTT in CW
	s.VFO[0].Mode = radio.ModeCWU
	BuildHighPriority(b, &s, 1, true, time.Now())
	assert.Equal(t, byte(0x01), b[4])
}

func TestHighPriorityDDCOffset(t *testing.T) {
	s := radio.DefaultState()
	s.Device = radio.DeviceAngelia
	s.Receivers = 2
	s.VFO[1].Frequency = 7100000

	b := make([]byte, HighPrioritySize)
	BuildHighPriority(b, &s, 0, true, time.Now())
	assert.Zero(t, be32(b, 9))
	assert.Zero(t, be32(b, 13))
	assert.Equal(t, PhaseWord(14200000), be32(b, 17))
	assert.Equal(t, PhaseWord(7100000), be32(b, 21))

	s.Diversity = true
	BuildHighPriority(b, &s, 1, true, time.Now())
	assert.Equal(t, PhaseWord(14200000), be32(b, 9))
	assert.Equal(t, PhaseWord(14200000), be32(b, 13))
	assert.Zero(t, be32(b, 17))
	assert.Equal(t, b[1443], b[1442], "diversity shares the ADC0 attenuator")
}

func TestHighPriorityPureSignal(t *testing.T) {
	s := radio.DefaultState()
	s.Transmitting = true
	s.Transmitter.PureSignal = true
	s.VFO[0].XITEnabled = true
	s.VFO[0].XIT = 500

	b := make([]byte, HighPrioritySize)
	BuildHighPriority(b, &s, 0, true, time.Now())
	want := PhaseWord(14200500)
	assert.Equal(t, want, be32(b, 9))
	assert.Equal(t, want, be32(b, 13))
	assert.Equal(t, want, be32(b, 329))
	assert.NotZero(t, be32(b, 1432)&alexPSBit)
}

func TestHighPriorityOrion2(t *testing.T) {
	s := radio.DefaultState()
	s.Device = radio.DeviceOrion2
	s.Receiver[0].Antenna = 5

	b := make([]byte, HighPrioritySize)
	BuildHighPriority(b, &s, 0, true, time.Now())
	assert.Equal(t, byte(xvtrOut7000), b[1400])
	assert.Equal(t, uint16(bpf20_15), be16(b, 1430))
}

func TestTransmitSpecific(t *testing.T) {
	s := radio.DefaultState()
	s.Mic.LineIn = true
	s.Mic.XLR = true
	s.Transmitter.Attenuation = 9

	b := make([]byte, TXSpecificSize)
	BuildTransmitSpecific(b, &s, 2)
	assert.Equal(t, uint32(2), be32(b, 0))
	assert.Equal(t, byte(1), b[4])
	assert.Zero(t, b[5], "keyer off outside CW")
	assert.Equal(t, byte(50), b[6])
	assert.Equal(t, uint16(650), be16(b, 7))
	assert.Equal(t, byte(20), b[9])
	assert.Equal(t, byte(50), b[10])
	assert.Equal(t, uint16(300), be16(b, 11))
	assert.Equal(t, byte(20), b[13])
	assert.Equal(t, byte(0x21), b[50])
	assert.Equal(t, byte(23), b[51])
	assert.Equal(t, byte(9), b[59])

	s.VFO[0].Mode = radio.ModeCWU
	s.CW.Breakin = true
	BuildTransmitSpecific(b, &s, 3)
	assert.Equal(t, byte(0x02|0x28|0x10|0x80), b[5])

	s.CW.CATActive = true
	BuildTransmitSpecific(b, &s, 4)
	assert.Zero(t, b[5])
}

func TestTransmitSpecificPTTDelayClamp(t *testing.T) {
	s := radio.DefaultState()
	s.CW.Speed = 60
	b := make([]byte, TXSpecificSize)
	BuildTransmitSpecific(b, &s, 0)
	assert.Equal(t, byte(15), b[13])
}

func TestReceiveSpecific(t *testing.T) {
	s := radio.DefaultState()
	s.Receiver[0].Dither = true

	b := make([]byte, RXSpecificSize)
	BuildReceiveSpecific(b, &s, 1)
	assert.Equal(t, uint32(1), be32(b, 0))
	assert.Equal(t, byte(1), b[4])
	assert.Equal(t, byte(0x01), b[5])
	assert.Equal(t, byte(0x01), b[7])
	assert.Equal(t, byte(0), b[17])
	assert.Equal(t, uint16(48), be16(b, 18))
	assert.Equal(t, byte(24), b[22])

	s.Transmitting = true
	BuildReceiveSpecific(b, &s, 2)
	assert.Zero(t, b[7], "receivers idle on TX without duplex")

	s.Duplex = true
	BuildReceiveSpecific(b, &s, 3)
	assert.Equal(t, byte(0x01), b[7])
}

func TestReceiveSpecificNewDevice(t *testing.T) {
	s := radio.DefaultState()
	s.Device = radio.DeviceAngelia
	s.Receivers = 2
	s.Receiver[1].ADC = 1
	s.Receiver[1].SampleRate = 96000
	s.Receiver[1].Random = true

	b := make([]byte, RXSpecificSize)
	BuildReceiveSpecific(b, &s, 0)
	assert.Equal(t, byte(2), b[4])
	assert.Equal(t, byte(0x02), b[6])
	assert.Equal(t, byte(0x0C), b[7])
	assert.Equal(t, byte(0), b[29])
	assert.Equal(t, uint16(48), be16(b, 30))
	assert.Equal(t, byte(1), b[35])
	assert.Equal(t, uint16(96), be16(b, 36))
	assert.Equal(t, byte(24), b[40])
}

func TestReceiveSpecificPureSignal(t *testing.T) {
	s := radio.DefaultState()
	s.Transmitting = true
	s.Transmitter.PureSignal = true

	b := make([]byte, RXSpecificSize)
	BuildReceiveSpecific(b, &s, 0)
	assert.Equal(t, byte(0x01), b[7])
	assert.Equal(t, byte(0), b[17])
	assert.Equal(t, uint16(192), be16(b, 18))
	assert.Equal(t, byte(1), b[23], "DDC1 samples the TX DAC")
	assert.Equal(t, uint16(192), be16(b, 24))
	assert.Equal(t, byte(24), b[26])
	assert.Equal(t, byte(0x02), b[1363])
}

func TestReceiveSpecificDiversity(t *testing.T) {
	s := radio.DefaultState()
	s.Device = radio.DeviceAngelia
	s.Receivers = 2
	s.Diversity = true
	s.Receiver[0].Dither = true

	b := make([]byte, RXSpecificSize)
	BuildReceiveSpecific(b, &s, 0)
	assert.Equal(t, byte(0x01), b[7], "only DDC0 enabled")
	assert.Equal(t, byte(0x03), b[5])
	assert.Equal(t, byte(0), b[17])
	assert.Equal(t, byte(1), b[23])
	assert.Equal(t, uint16(48), be16(b, 24))
	assert.Equal(t, byte(0x02), b[1363])
}

func TestParseStatus(t *testing.T) {
	b := make([]byte, 60)
	binary.BigEndian.PutUint32(b, 7)
	b[4] = 0x01 | 0x04 | 0x10
	b[5] = 0x01
	binary.BigEndian.PutUint16(b[6:], 0x0102)
	binary.BigEndian.PutUint16(b[14:], 500)
	binary.BigEndian.PutUint16(b[22:], 20)
	binary.BigEndian.PutUint16(b[49:], 1300)

	st, err := ParseStatus(b)
	require.NoError(t, err)
	assert.Equal(t, Status{
		Sequence:    7,
		PTT:         true,
		Dash:        true,
		PLLLocked:   true,
		ADCOverload: true,
		Exciter:     0x0102,
		Forward:     500,
		Reverse:     20,
		SupplyVolts: 1300,
	}, st)

	_, err = ParseStatus(b[:40])
	assert.ErrorIs(t, err, errShortPacket)
}

func TestParseDDCBoundsSamples(t *testing.T) {
	b := make([]byte, TXIQSize)
	binary.BigEndian.PutUint32(b, 11)
	binary.BigEndian.PutUint16(b[12:], 24)
	binary.BigEndian.PutUint16(b[14:], 238)
	f, err := ParseDDC(b)
	require.NoError(t, err)
	assert.Equal(t, uint32(11), f.Sequence)
	assert.Equal(t, 24, f.BitsPerSample)
	assert.Equal(t, 238, f.SamplesPerFrame)

	binary.BigEndian.PutUint16(b[14:], 300)
	f, err = ParseDDC(b[:100])
	require.NoError(t, err)
	assert.Equal(t, 14, f.SamplesPerFrame)

	_, err = ParseDDC(b[:10])
	assert.ErrorIs(t, err, errShortPacket)
}
