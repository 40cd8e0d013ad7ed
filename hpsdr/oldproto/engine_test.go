package oldproto

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwsl/ka9q_hpsdr/hpsdr/radio"
	"github.com/cwsl/ka9q_hpsdr/hpsdr/radio/radiotest"
	"github.com/cwsl/ka9q_hpsdr/hpsdr/transport"
)

// recordingConn keeps a copy of everything the engine sends
type recordingConn struct {
	transport.Conn
	mu   sync.Mutex
	sent [][]byte
}

func (c *recordingConn) Send(port int, b []byte) error {
	c.mu.Lock()
	c.sent = append(c.sent, append([]byte(nil), b...))
	c.mu.Unlock()
	return c.Conn.Send(port, b)
}

func (c *recordingConn) packets() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

func ep6Packet(seq uint32, control [5]byte) []byte {
	pkt := make([]byte, MetisSize)
	copy(pkt, []byte{0xEF, 0xFE, 0x01, ep6})
	binary.BigEndian.PutUint32(pkt[4:8], seq)
	copy(pkt[8:], ozyFrame(control, 1, 0))
	copy(pkt[8+OzyBufferSize:], ozyFrame(control, 1, 0))
	return pkt
}

type engineHarness struct {
	engine *Engine
	conn   *recordingConn
	radio  *transport.PipeEnd
	rec    *radiotest.Recorder
	cancel context.CancelFunc
	done   chan error
}

func startEngine(t *testing.T, store *radio.Store) *engineHarness {
	host, radioEnd := transport.Pipe(64)
	h := &engineHarness{
		conn:  &recordingConn{Conn: host},
		radio: radioEnd,
		rec:   &radiotest.Recorder{},
		done:  make(chan error, 1),
	}
	h.engine = New(Config{
		Dial:     func(context.Context) (transport.Conn, error) { return h.conn, nil },
		Store:    store,
		Sink:     h.rec,
		Listener: h.rec,
	})
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.engine.Run(ctx) }()

	// four priming packets then the start command
	require.Eventually(t, func() bool {
		return h.engine.Stats().Running && len(h.conn.packets()) >= 5
	}, 2*time.Second, 5*time.Millisecond)
	return h
}

func (h *engineHarness) stop(t *testing.T) {
	h.cancel()
	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
	}
}

func TestEngineStartSequence(t *testing.T) {
	h := startEngine(t, radio.NewStore(radio.DefaultState()))

	pkts := h.conn.packets()
	require.GreaterOrEqual(t, len(pkts), 5)
	for i := 0; i < 4; i++ {
		require.Len(t, pkts[i], MetisSize, "priming packet %d", i)
		assert.Equal(t, uint32(i), binary.BigEndian.Uint32(pkts[i][4:8]))
		assert.Equal(t, []byte{Sync, Sync, Sync, addrConfig}, pkts[i][8:12])
	}
	// second frame of the first packet opens the command cycle
	assert.Equal(t, byte(addrTXFreq), pkts[0][8+OzyBufferSize+c0])
	assert.Equal(t, uint32(14200000), binary.BigEndian.Uint32(pkts[0][8+OzyBufferSize+c1:]))

	assert.Equal(t, []byte{0xEF, 0xFE, 0x04, 0x01}, pkts[4][:4])
	assert.Len(t, pkts[4], 64)

	h.stop(t)
	pkts = h.conn.packets()
	last := pkts[len(pkts)-1]
	assert.Equal(t, []byte{0xEF, 0xFE, 0x04, 0x00}, last[:4])
	assert.False(t, h.engine.Stats().Running)
}

func TestEngineDeliversSamples(t *testing.T) {
	h := startEngine(t, radio.NewStore(radio.DefaultState()))

	require.NoError(t, h.radio.Send(DataPort, ep6Packet(0, [5]byte{0x00, 0, 0, 0, 34})))
	require.Eventually(t, func() bool { return h.rec.IQCount() == 2*63 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "3.4", h.engine.Status().Firmware)
	assert.Zero(t, h.engine.Stats().SequenceErrors)

	require.NoError(t, h.radio.Send(DataPort, ep6Packet(7, [5]byte{})))
	require.Eventually(t, func() bool { return h.rec.IQCount() == 4*63 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), h.engine.Stats().SequenceErrors)

	h.stop(t)
}

func TestEnginePaddleCancelsCAT(t *testing.T) {
	store := radio.NewStore(radio.DefaultState())
	store.Update(func(s *radio.State) { s.CW.CATActive = true })
	h := startEngine(t, store)

	require.NoError(t, h.radio.Send(DataPort, ep6Packet(0, [5]byte{0x04, 0, 0, 0, 34})))
	require.Eventually(t, func() bool { return !store.Snapshot().CW.CATActive }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, h.engine.Status().Dot)

	h.stop(t)
}

func TestEngineOzyNoStartStop(t *testing.T) {
	st := radio.DefaultState()
	st.Device = radio.DeviceOzy
	host, _ := transport.Pipe(64)
	conn := &recordingConn{Conn: host}
	e := New(Config{
		Dial:  func(context.Context) (transport.Conn, error) { return conn, nil },
		Store: radio.NewStore(st),
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool { return e.Stats().Running }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
	}

	assert.False(t, e.Stats().Running)
	for _, pkt := range conn.packets() {
		assert.NotEqual(t, byte(0x04), pkt[2], "no Metis start/stop to an Ozy")
	}
}

func TestEngineRadioPTTKeysOutput(t *testing.T) {
	h := startEngine(t, radio.NewStore(radio.DefaultState()))

	require.NoError(t, h.radio.Send(DataPort, ep6Packet(0, [5]byte{0x01})))
	require.Eventually(t, func() bool { return len(h.rec.PTTEvents()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, h.engine.Status().PTT)

	h.stop(t)
}

func TestEngineAudioPacing(t *testing.T) {
	h := startEngine(t, radio.NewStore(radio.DefaultState()))
	before := len(h.conn.packets())

	// IQ is ignored while receiving
	h.engine.IQSamples(1, 1, 1)
	assert.Zero(t, h.engine.tx.Pending())

	for i := 0; i < txChunk/txRecord; i++ {
		h.engine.AudioSamples(0x1234, -2)
	}
	require.Eventually(t, func() bool { return len(h.conn.packets()) == before+1 }, 2*time.Second, 5*time.Millisecond)

	pkt := h.conn.packets()[before]
	require.Len(t, pkt, MetisSize)
	assert.Equal(t, []byte{0x12, 0x34, 0xFF, 0xFE, 0, 0, 0, 0}, pkt[16:24])
	assert.Equal(t, []byte{0x12, 0x34}, pkt[8+OzyBufferSize+8:8+OzyBufferSize+10])

	h.stop(t)
}

func TestEngineIQWhileTransmitting(t *testing.T) {
	store := radio.NewStore(radio.DefaultState())
	h := startEngine(t, store)
	store.Update(func(s *radio.State) { s.Transmitting = true })
	before := len(h.conn.packets())

	h.engine.AudioSamples(5, 5)
	for i := 0; i < txChunk/txRecord; i++ {
		h.engine.IQSamples(0x0102, 0x0304, 0x0506)
	}
	require.Eventually(t, func() bool { return len(h.conn.packets()) == before+1 }, 2*time.Second, 5*time.Millisecond)

	pkt := h.conn.packets()[before]
	assert.Equal(t, byte(0x01), pkt[8+c0]&0x01, "MOX set")
	assert.Equal(t, []byte{0x05, 0x06, 0x05, 0x06, 0x01, 0x02, 0x03, 0x04}, pkt[16:24])

	h.stop(t)
}
