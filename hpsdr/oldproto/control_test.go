package oldproto

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cwsl/ka9q_hpsdr/hpsdr/radio"
	"github.com/cwsl/ka9q_hpsdr/hpsdr/radio/radiotest"
)

func TestControlFirmwareReportedOnce(t *testing.T) {
	rec := &radiotest.Recorder{}
	ci := newControlIn(&radio.StatusBox{}, rec)

	ci.process([]byte{0x00, 0x00, 0x21, 0x12, 73}, radio.DeviceHermes, false)
	ci.process([]byte{0x00, 0x00, 0x21, 0x12, 73}, radio.DeviceHermes, false)

	st := ci.status.Get()
	assert.Equal(t, 0x21, st.MercuryVersion)
	assert.Equal(t, 0x12, st.PenelopeVersion)
	assert.Equal(t, "7.3", st.Firmware)
	assert.True(t, st.IO1, "inputs are active low")
	assert.Equal(t, []string{"7.3"}, rec.Firmware())
	assert.Empty(t, rec.PTTEvents())
}

func TestControlPowerAveraging(t *testing.T) {
	ci := newControlIn(&radio.StatusBox{}, nil)

	ci.process([]byte{1 << 3, 0x01, 0x02, 0x01, 0x00}, radio.DeviceHermes, true)
	st := ci.status.Get()
	assert.Equal(t, 0x0102, st.Exciter)
	assert.Equal(t, 64, st.Forward)

	ci.process([]byte{2 << 3, 0x00, 0x80, 0x00, 0x07}, radio.DeviceHermes, true)
	st = ci.status.Get()
	assert.Equal(t, 32, st.Reverse)
	assert.Equal(t, 7, st.AIN3)

	ci.process([]byte{3 << 3, 0x00, 0x04, 0x00, 0x06}, radio.DeviceHermes, true)
	st = ci.status.Get()
	assert.Equal(t, 4, st.AIN4)
	assert.Equal(t, 6, st.AIN6)
}

func TestControlPTTEdges(t *testing.T) {
	rec := &radiotest.Recorder{}
	ci := newControlIn(&radio.StatusBox{}, rec)
	for _, c0 := range []byte{0x01, 0x01, 0x00, 0x05} {
		ci.process([]byte{c0, 0, 0, 0, 10}, radio.DeviceHermes, false)
	}
	assert.Equal(t, []bool{true, false, true}, rec.PTTEvents())
	assert.True(t, ci.status.Get().Dot)
}

func TestControlPaddleCancelsCAT(t *testing.T) {
	store := radio.NewStore(radio.DefaultState())
	ci := newControlIn(&radio.StatusBox{}, nil)
	ci.store = store

	for _, c0 := range []byte{0x04, 0x02} {
		store.Update(func(s *radio.State) { s.CW.CATActive = true })
		ci.process([]byte{0x00, 0, 0, 0, 73}, radio.DeviceHermes, false)
		assert.True(t, store.Snapshot().CW.CATActive)

		ci.process([]byte{c0, 0, 0, 0, 73}, radio.DeviceHermes, false)
		assert.False(t, store.Snapshot().CW.CATActive, "C0 0x%02X", c0)
	}
}

func TestControlHL2FIFOCounters(t *testing.T) {
	ci := newControlIn(&radio.StatusBox{}, nil)
	fifo := func(v byte, tx bool) {
		ci.process([]byte{0x00, 0x00, 0x00, v, 72}, radio.DeviceHermesLite2, tx)
	}

	// reported straight after RX->TX before the FIFO fills: ignored
	fifo(0x80, true)
	assert.Zero(t, ci.status.Get().FIFOUnderruns)

	fifo(0x00, true)
	fifo(0x80, true)
	fifo(0xC0, true)
	st := ci.status.Get()
	assert.Equal(t, uint64(1), st.FIFOUnderruns)
	assert.Equal(t, uint64(1), st.FIFOOverruns)

	// back to RX disarms
	fifo(0x00, false)
	fifo(0x80, true)
	assert.Equal(t, uint64(1), ci.status.Get().FIFOUnderruns)
}

func TestControlHL2Telemetry(t *testing.T) {
	ci := newControlIn(&radio.StatusBox{}, nil)
	ci.process([]byte{1 << 3, 0x00, 0x80, 0x00, 0x00}, radio.DeviceHermesLite2, false)
	st := ci.status.Get()
	assert.Zero(t, st.Exciter)
	assert.Equal(t, 0x80>>3, st.Temperature)

	ci.process([]byte{2 << 3, 0x00, 0x00, 0x00, 0x40}, radio.DeviceHermesLite2, false)
	assert.Equal(t, 0x40>>2, ci.status.Get().Current)
}
