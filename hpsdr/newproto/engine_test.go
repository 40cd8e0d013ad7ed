package newproto

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
	"github.com/cwsl/ka9q_hpsdr/hpsdr/sample"
	"github.com/cwsl/ka9q_hpsdr/hpsdr/transport"
)

type sentPacket struct {
	port int
	data []byte
}

// recordingConn keeps a copy of everything the engine sends
type recordingConn struct {
	transport.Conn
	mu   sync.Mutex
	sent []sentPacket
}

func (c *recordingConn) Send(port int, b []byte) error {
	c.mu.Lock()
	c.sent = append(c.sent, sentPacket{port, append([]byte(nil), b...)})
	c.mu.Unlock()
	return c.Conn.Send(port, b)
}

func (c *recordingConn) packets() []sentPacket {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentPacket(nil), c.sent...)
}

func (c *recordingConn) on(port int) [][]byte {
	var out [][]byte
	for _, p := range c.packets() {
		if p.port == port {
			out = append(out, p.data)
		}
	}
	return out
}

// ddcPacket carries n samples whose I is the sample index and Q its
// negation, in 24-bit units
func ddcPacket(seq uint32, n int) []byte {
	b := make([]byte, DDCHeader+n*ddcSample)
	binary.BigEndian.PutUint32(b, seq)
	binary.BigEndian.PutUint16(b[12:], 24)
	binary.BigEndian.PutUint16(b[14:], uint16(n))
	for k := 0; k < n; k++ {
		sample.PutInt24(b[DDCHeader+k*ddcSample:], int32(k))
		sample.PutInt24(b[DDCHeader+k*ddcSample+3:], -int32(k))
	}
	return b
}

type engineHarness struct {
	engine *Engine
	conn   *recordingConn
	radio  *transport.PipeEnd
	rec    *radiotest.Recorder
	cancel context.CancelFunc
	done   chan error
}

func startEngine(t *testing.T, store *radio.Store, mic radio.MicSource) *engineHarness {
	host, radioEnd := transport.Pipe(256)
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
		Mic:      mic,
		Listener: h.rec,
	})
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.engine.Run(ctx) }()

	require.Eventually(t, func() bool {
		return h.engine.Stats().Running && len(h.conn.packets()) >= 4
	}, 2*time.Second, 5*time.Millisecond)
	return h
}

func (h *engineHarness) stop(t *testing.T) {
	h.cancel()
	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("engine did not stop")
	}
}

func TestEngineStartAndStop(t *testing.T) {
	h := startEngine(t, radio.NewStore(radio.DefaultState()), nil)

	pkts := h.conn.packets()
	ports := []int{pkts[0].port, pkts[1].port, pkts[2].port, pkts[3].port}
	assert.Equal(t, []int{GeneralPort, TXSpecificPort, RXSpecificPort, HighPriorityPort}, ports)
	assert.Len(t, pkts[0].data, GeneralSize)
	assert.Len(t, pkts[1].data, TXSpecificSize)
	assert.Len(t, pkts[2].data, RXSpecificSize)
	assert.Len(t, pkts[3].data, HighPrioritySize)
	assert.Equal(t, byte(0x01), pkts[3].data[4])

	// the timer keeps the radio refreshed
	require.Eventually(t, func() bool {
		return len(h.conn.on(HighPriorityPort)) >= 3
	}, 2*time.Second, 10*time.Millisecond)
	hp := h.conn.on(HighPriorityPort)
	for i, p := range hp {
		assert.Equal(t, uint32(i), binary.BigEndian.Uint32(p), "HP sequence")
	}

	h.stop(t)
	hp = h.conn.on(HighPriorityPort)
	assert.Zero(t, hp[len(hp)-1][4]&0x01, "stop clears running")
	assert.False(t, h.engine.Stats().Running)
}

func TestEngineDeliversDDCSamples(t *testing.T) {
	h := startEngine(t, radio.NewStore(radio.DefaultState()), nil)

	require.NoError(t, h.radio.Send(DDCPort, ddcPacket(0, 238)))
	require.Eventually(t, func() bool { return h.rec.IQCount() == 238 }, 2*time.Second, 5*time.Millisecond)
	iq := h.rec.IQFor(0)
	assert.Equal(t, 0, iq[5].RX)
	assert.InDelta(t, 5*sample.Scale24, iq[5].I, 1e-12)
	assert.InDelta(t, -5*sample.Scale24, iq[5].Q, 1e-12)
	assert.Zero(t, h.engine.Stats().SequenceErrors)

	// DDC1 is not in use with one receiver
	require.NoError(t, h.radio.Send(DDCPort+1, ddcPacket(0, 10)))
	require.NoError(t, h.radio.Send(DDCPort, ddcPacket(4, 10)))
	require.Eventually(t, func() bool { return h.rec.IQCount() == 248 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), h.engine.Stats().SequenceErrors)

	h.stop(t)
	assert.Zero(t, h.engine.Stats().PoolInUse, "every buffer returned")
}

func TestEnginePureSignalRouting(t *testing.T) {
	store := radio.NewStore(radio.DefaultState())
	h := startEngine(t, store, nil)
	store.Update(func(s *radio.State) {
		s.Transmitting = true
		s.Transmitter.PureSignal = true
	})

	rx := h.conn.on(RXSpecificPort)
	assert.Equal(t, byte(0x02), rx[len(rx)-1][1363], "DDC1 synchronised to DDC0")

	require.NoError(t, h.radio.Send(DDCPort, ddcPacket(0, 238)))
	require.Eventually(t, func() bool { return len(h.rec.PureSignalPairs()) == 119 }, 2*time.Second, 5*time.Millisecond)
	p := h.rec.PureSignalPairs()[1]
	assert.InDelta(t, 3*sample.Scale24, p.AI, 1e-12, "TX reference is the second sample")
	assert.InDelta(t, 2*sample.Scale24, p.BI, 1e-12)
	assert.Zero(t, h.rec.IQCount())

	h.stop(t)
}

func TestEngineDiversityFanout(t *testing.T) {
	st := radio.DefaultState()
	st.Device = radio.DeviceAngelia
	st.Receivers = 2
	st.Diversity = true
	h := startEngine(t, radio.NewStore(st), nil)

	require.NoError(t, h.radio.Send(DDCPort, ddcPacket(0, 20)))
	require.Eventually(t, func() bool { return len(h.rec.DiversityPairs()) == 10 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, h.rec.IQFor(1), 10)
	assert.Empty(t, h.rec.IQFor(0))

	h.stop(t)
}

func TestEngineRadioPTT(t *testing.T) {
	store := radio.NewStore(radio.DefaultState())
	store.Update(func(s *radio.State) { s.CW.CATActive = true })
	h := startEngine(t, store, nil)

	status := make([]byte, 60)
	status[4] = 0x01 | 0x02 // PTT and dot
	require.NoError(t, h.radio.Send(StatusPort, status))
	require.Eventually(t, func() bool { return len(h.rec.PTTEvents()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, h.engine.Status().PTT)
	assert.True(t, h.engine.Status().Dot)
	assert.False(t, store.Snapshot().CW.CATActive, "paddle cancels CAT keying")

	h.stop(t)
}

func TestEngineMicMixing(t *testing.T) {
	st := radio.DefaultState()
	st.Transmitter.LocalMic = true
	h := startEngine(t, radio.NewStore(st), radiotest.FixedMic{Value: 0.25, OK: true})

	pkt := make([]byte, MicSize)
	for i := 0; i < MicSamples; i++ {
		sample.PutInt16(pkt[4+2*i:], 0x4000)
	}
	require.NoError(t, h.radio.Send(MicPort, pkt))
	require.Eventually(t, func() bool { return len(h.rec.MicSamples()) == MicSamples }, 2*time.Second, 5*time.Millisecond)
	assert.InDelta(t, 0.25, h.rec.MicSamples()[0], 1e-6, "local mic replaces the radio's")

	h.stop(t)
}

func TestEngineAudioPacket(t *testing.T) {
	h := startEngine(t, radio.NewStore(radio.DefaultState()), nil)

	for i := 0; i < AudioChunk/audioRecord; i++ {
		h.engine.AudioSamples(0x1234, -2)
	}
	require.Eventually(t, func() bool { return len(h.conn.on(AudioPort)) == 1 }, 2*time.Second, 5*time.Millisecond)
	pkt := h.conn.on(AudioPort)[0]
	require.Len(t, pkt, AudioSize)
	assert.Equal(t, uint32(0), binary.BigEndian.Uint32(pkt))
	assert.Equal(t, []byte{0x12, 0x34, 0xFF, 0xFE}, pkt[4:8])

	// CW sidetone is refused while receiving
	h.engine.CWAudioSamples(1, 1)
	assert.Zero(t, h.engine.audio.Pending())

	h.stop(t)
}

func TestEngineTXIQPacket(t *testing.T) {
	h := startEngine(t, radio.NewStore(radio.DefaultState()), nil)

	for i := 0; i < TXIQChunk/txiqRecord; i++ {
		h.engine.IQSamples(0x123456, -1)
	}
	require.Eventually(t, func() bool { return len(h.conn.on(TXIQPort)) == 1 }, 2*time.Second, 5*time.Millisecond)
	pkt := h.conn.on(TXIQPort)[0]
	require.Len(t, pkt, TXIQSize)
	assert.Equal(t, []byte{0x12, 0x34, 0x56, 0xFF, 0xFF, 0xFF}, pkt[4:10])

	h.stop(t)
}

func TestEngineStateChangeSendsImmediately(t *testing.T) {
	store := radio.NewStore(radio.DefaultState())
	h := startEngine(t, store, nil)
	before := len(h.conn.on(RXSpecificPort))

	store.Update(func(s *radio.State) { s.Transmitting = true })
	rx := h.conn.on(RXSpecificPort)
	require.Greater(t, len(rx), before)
	assert.Zero(t, rx[len(rx)-1][7], "DDCs off on TX without duplex")
	hp := h.conn.on(HighPriorityPort)
	assert.Equal(t, byte(0x03), hp[len(hp)-1][4])

	h.stop(t)
}

func TestEngineRestartAfterReset(t *testing.T) {
	store := radio.NewStore(radio.DefaultState())
	h := startEngine(t, store, nil)
	h.stop(t)

	h.engine.Reset()
	h2 := &engineHarness{engine: h.engine, rec: h.rec, done: make(chan error, 1)}
	host, radioEnd := transport.Pipe(256)
	h2.conn = &recordingConn{Conn: host}
	h2.radio = radioEnd
	h.engine.cfg.Dial = func(context.Context) (transport.Conn, error) { return h2.conn, nil }
	ctx, cancel := context.WithCancel(context.Background())
	h2.cancel = cancel
	go func() { h2.done <- h.engine.Run(ctx) }()

	require.Eventually(t, func() bool { return len(h2.conn.on(HighPriorityPort)) >= 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint32(0), binary.BigEndian.Uint32(h2.conn.on(HighPriorityPort)[0]), "sequence numbers restart")

	require.NoError(t, h2.radio.Send(DDCPort, ddcPacket(0, 5)))
	require.Eventually(t, func() bool { return h.rec.IQCount() == 5 }, 2*time.Second, 5*time.Millisecond)
	h2.stop(t)
}
