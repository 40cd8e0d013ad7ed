package emulator

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwsl/ka9q_hpsdr/hpsdr/newproto"
	"github.com/cwsl/ka9q_hpsdr/hpsdr/oldproto"
	"github.com/cwsl/ka9q_hpsdr/hpsdr/radio"
	"github.com/cwsl/ka9q_hpsdr/hpsdr/radio/radiotest"
	"github.com/cwsl/ka9q_hpsdr/hpsdr/supervisor"
	"github.com/cwsl/ka9q_hpsdr/hpsdr/transport"
)

type server interface {
	Serve(ctx context.Context, conn transport.Conn) error
}

// link runs srv on the radio end of a pipe and returns a dialer for the
// host end
func link(t *testing.T, srv server) func(context.Context) (transport.Conn, error) {
	host, radioEnd := transport.Pipe(256)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, radioEnd) }()
	t.Cleanup(func() {
		cancel()
		radioEnd.Close()
		assert.NoError(t, <-done)
	})
	return func(context.Context) (transport.Conn, error) { return host, nil }
}

func magnitude(s radiotest.IQSample) float64 {
	return math.Hypot(s.I, s.Q)
}

func TestTone(t *testing.T) {
	var tn tone
	tn.tune(12000, 48000, 0.5)
	i, q := tn.next()
	assert.InDelta(t, 0.5, i, 1e-12)
	assert.InDelta(t, 0, q, 1e-12)
	i, q = tn.next()
	assert.InDelta(t, 0, i, 1e-12, "quarter of the rate turns 90 degrees")
	assert.InDelta(t, 0.5, q, 1e-12)
}

func TestPacerDue(t *testing.T) {
	var p pacer
	start := time.Unix(0, 0)
	p.reset(start)
	assert.Zero(t, p.due(start, 48000, 126, false))
	assert.Equal(t, 3, p.due(start.Add(8*time.Millisecond), 48000, 126, false))
	p.add(3)
	assert.Zero(t, p.due(start.Add(8*time.Millisecond), 48000, 126, false))

	// a long stall is not paid back in one burst
	assert.Equal(t, maxBurst, p.due(start.Add(time.Second), 48000, 126, false))
	assert.Equal(t, maxBurst, p.due(start, 48000, 126, true))
}

func TestProtocol1Engine(t *testing.T) {
	emu := NewProtocol1(Config{Unpaced: true})
	rec := &radiotest.Recorder{}
	store := radio.NewStore(radio.DefaultState())
	e := oldproto.New(oldproto.Config{
		Dial:      link(t, emu),
		Store:     store,
		Sink:      rec,
		Listener:  rec,
		IdleAudio: true,
	})

	sup := supervisor.New(e)
	require.NoError(t, sup.Start(context.Background()))

	require.Eventually(t, func() bool { return rec.IQCount() > 1000 }, 3*time.Second, 10*time.Millisecond)
	iq := rec.IQFor(0)
	assert.InDelta(t, 0.25, magnitude(iq[len(iq)-1]), 1e-4)
	assert.Empty(t, rec.IQFor(1))
	assert.Equal(t, []string{"7.3"}, rec.Firmware())

	require.Eventually(t, func() bool {
		st := emu.State()
		return st.RXFrequency[0] == 14200000 && st.TXFrequency == 14200000
	}, 2*time.Second, 10*time.Millisecond)
	st := emu.State()
	assert.True(t, st.Running)
	assert.Equal(t, 48000, st.SampleRate)
	assert.Equal(t, 1, st.Receivers)

	emu.SetPTT(true)
	require.Eventually(t, func() bool { return e.Status().PTT }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, rec.PTTEvents(), true)

	require.NoError(t, sup.Stop())
}

func TestProtocol1EngineFollowsReceiverCount(t *testing.T) {
	emu := NewProtocol1(Config{Unpaced: true})
	rec := &radiotest.Recorder{}
	st := radio.DefaultState()
	st.Receivers = 2
	st.VFO[1].Frequency = 7100000
	e := oldproto.New(oldproto.Config{
		Dial:      link(t, emu),
		Store:     radio.NewStore(st),
		Sink:      rec,
		IdleAudio: true,
	})
	sup := supervisor.New(e)
	require.NoError(t, sup.Start(context.Background()))

	require.Eventually(t, func() bool { return len(rec.IQFor(1)) > 500 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, emu.State().Receivers)
	require.Eventually(t, func() bool { return emu.State().RXFrequency[1] == 7100000 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, sup.Stop())
}

func TestProtocol2Engine(t *testing.T) {
	emu := NewProtocol2(Config{Unpaced: true})
	rec := &radiotest.Recorder{}
	store := radio.NewStore(radio.DefaultState())
	e := newproto.New(newproto.Config{
		Dial:     link(t, emu),
		Store:    store,
		Sink:     rec,
		Listener: rec,
	})
	sup := supervisor.New(e)
	require.NoError(t, sup.Start(context.Background()))

	require.Eventually(t, func() bool { return rec.IQCount() > 2000 }, 3*time.Second, 10*time.Millisecond)
	iq := rec.IQFor(0)
	assert.InDelta(t, 0.25, magnitude(iq[len(iq)-1]), 1e-4)
	assert.NotEmpty(t, rec.MicSamples())

	st := emu.State()
	assert.True(t, st.General)
	assert.True(t, st.Running)
	assert.True(t, st.DDC[0].Enabled)
	assert.False(t, st.DDC[1].Enabled)
	assert.Equal(t, 48000, st.DDC[0].SampleRate)
	assert.Equal(t, int64(14200000), st.DDC[0].Frequency)
	assert.Equal(t, int64(14200000), st.TXFrequency)

	emu.SetPTT(true)
	require.Eventually(t, func() bool { return e.Status().PTT }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []bool{true}, rec.PTTEvents())

	require.NoError(t, sup.Stop())
	assert.False(t, emu.State().Running, "stop packet reached the radio")
}

func TestProtocol2PureSignal(t *testing.T) {
	emu := NewProtocol2(Config{Unpaced: true})
	rec := &radiotest.Recorder{}
	store := radio.NewStore(radio.DefaultState())
	e := newproto.New(newproto.Config{
		Dial:  link(t, emu),
		Store: store,
		Sink:  rec,
	})
	sup := supervisor.New(e)
	require.NoError(t, sup.Start(context.Background()))
	require.Eventually(t, func() bool { return rec.IQCount() > 0 }, 3*time.Second, 10*time.Millisecond)

	store.Update(func(s *radio.State) {
		s.Transmitting = true
		s.Transmitter.PureSignal = true
	})
	require.Eventually(t, func() bool { return len(rec.PureSignalPairs()) > 500 }, 3*time.Second, 10*time.Millisecond)

	st := emu.State()
	assert.True(t, st.MOX)
	assert.Equal(t, 0, st.DDC[1].SyncedTo)
	assert.Equal(t, 192000, st.DDC[0].SampleRate)

	require.NoError(t, sup.Stop())
}
