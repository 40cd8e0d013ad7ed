package main

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwsl/ka9q_hpsdr/hpsdr/radio"
)

func TestCheckFirmware(t *testing.T) {
	tests := []struct {
		device   radio.DeviceFamily
		reported string
		ok       bool
	}{
		{radio.DeviceHermes, "3.2", true},
		{radio.DeviceHermes, "2.9", true},
		{radio.DeviceHermes, "2.8", false},
		{radio.DeviceOrion2, "2.1.18", true},
		{radio.DeviceOrion2, "2.1.9", false},
		{radio.DeviceHermesLite2, "7.3", true},
		{radio.DeviceSaturn, "0.1", true}, // no known minimum
	}
	for _, tt := range tests {
		t.Run(tt.device.String()+"_"+tt.reported, func(t *testing.T) {
			info, err := checkFirmware(tt.device, tt.reported)
			require.NoError(t, err)
			assert.Equal(t, tt.ok, info.OK)
			assert.Equal(t, tt.device.String(), info.Device)
		})
	}

	info, err := checkFirmware(radio.DeviceHermes, "garbage")
	assert.Error(t, err)
	assert.False(t, info.OK)
}

func TestRadioEventsRecordsFirmware(t *testing.T) {
	pm := NewPrometheusMetrics(prometheus.NewRegistry())
	ev := &radioEvents{metrics: pm}
	assert.Nil(t, ev.Firmware())

	ev.FirmwareReported(radio.DeviceHermes, "2.5")
	ev.PTTChanged(true)

	fw := ev.Firmware()
	require.NotNil(t, fw)
	assert.False(t, fw.OK)
	assert.Equal(t, "2.9", fw.Minimum)
	assert.Equal(t, 0.0, testutil.ToFloat64(pm.firmwareInfo.WithLabelValues("hermes", "2.5")))
}
