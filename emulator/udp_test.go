package emulator

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwsl/ka9q_hpsdr/hpsdr/transport"
)

// freePort finds a UDP port nothing is bound to right now
func freePort(t *testing.T) int {
	c, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := c.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, c.Close())
	return port
}

func TestListenerLoopback(t *testing.T) {
	port := freePort(t)
	l, err := ListenUDP("127.0.0.1", []int{port})
	require.NoError(t, err)

	// nothing to reply to before the host speaks
	require.NoError(t, l.Send(port, []byte{1}))
	assert.ErrorContains(t, l.Send(port+1, []byte{1}), "no socket")

	host, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	require.NoError(t, err)
	defer host.Close()
	_, err = host.Write([]byte{0xEF, 0xFE, 0x04, 0x01})
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, from, err := l.Recv(buf, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, port, from)
	assert.Equal(t, []byte{0xEF, 0xFE, 0x04, 0x01}, buf[:n])

	require.NoError(t, l.Send(port, []byte("reply")))
	require.NoError(t, host.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err = host.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "reply", string(buf[:n]))

	_, _, err = l.Recv(buf, 10*time.Millisecond)
	assert.ErrorIs(t, err, transport.ErrTimeout)

	require.NoError(t, l.Close())
	_, _, err = l.Recv(buf, 10*time.Millisecond)
	assert.ErrorIs(t, err, transport.ErrClosed)
	assert.ErrorIs(t, l.Send(port, []byte{1}), transport.ErrClosed)
}
