package oldproto

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFramerPairsFrames(t *testing.T) {
	f := newFramer()
	a := make([]byte, OzyBufferSize)
	b := make([]byte, OzyBufferSize)
	a[0], b[0] = 0xAA, 0xBB

	for seq := uint32(0); seq < 3; seq++ {
		require.True(t, f.first())
		_, ok := f.add(a)
		require.False(t, ok)
		assert.False(t, f.first())

		pkt, ok := f.add(b)
		require.True(t, ok)
		require.Len(t, pkt, MetisSize)
		assert.Equal(t, []byte{0xEF, 0xFE, 0x01, ep2}, pkt[:4])
		assert.Equal(t, seq, binary.BigEndian.Uint32(pkt[4:8]))
		assert.Equal(t, byte(0xAA), pkt[8])
		assert.Equal(t, byte(0xBB), pkt[8+OzyBufferSize])
	}
}

func TestStartStopPacket(t *testing.T) {
	udp := startStopPacket(1, false)
	assert.Len(t, udp, 64)
	assert.Equal(t, []byte{0xEF, 0xFE, 0x04, 0x01}, udp[:4])

	tcp := startStopPacket(0, true)
	assert.Len(t, tcp, MetisSize)
	assert.Equal(t, byte(0), tcp[3])
}

func TestParseMetis(t *testing.T) {
	pkt := make([]byte, MetisSize)
	copy(pkt, []byte{0xEF, 0xFE, 0x01, ep6, 0, 0, 1, 2})
	p, err := parseMetis(pkt)
	require.NoError(t, err)
	assert.Equal(t, byte(ep6), p.ep)
	assert.Equal(t, uint32(0x0102), p.seq)

	_, err = parseMetis(pkt[:100])
	assert.ErrorIs(t, err, errShort)

	pkt[2] = 0x02
	_, err = parseMetis(pkt)
	assert.ErrorIs(t, err, errPacketType)

	pkt[0] = 0
	_, err = parseMetis(pkt)
	assert.ErrorIs(t, err, errBadHeader)
}

func TestSpeedBits(t *testing.T) {
	assert.Equal(t, byte(speed48K), speedBits(48000))
	assert.Equal(t, byte(speed96K), speedBits(96000))
	assert.Equal(t, byte(speed384K), speedBits(384000))
	assert.Equal(t, byte(speed48K), speedBits(12345))
}
