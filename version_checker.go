package main

import (
	"fmt"
	"log"
	"sync"

	"github.com/hashicorp/go-version"

	"github.com/cwsl/ka9q_hpsdr/hpsdr/radio"
)

// FirmwareInfo is the result of the last firmware check
type FirmwareInfo struct {
	Device  string `json:"device"`
	Version string `json:"version"`
	Minimum string `json:"minimum,omitempty"`
	OK      bool   `json:"ok"`
}

// checkFirmware compares a reported version against the device family's
// known minimum. Families without a minimum always pass.
func checkFirmware(device radio.DeviceFamily, reported string) (FirmwareInfo, error) {
	info := FirmwareInfo{
		Device:  device.String(),
		Version: reported,
		Minimum: device.Caps().MinFirmware,
		OK:      true,
	}
	if info.Minimum == "" {
		return info, nil
	}
	have, err := version.NewVersion(reported)
	if err != nil {
		info.OK = false
		return info, fmt.Errorf("failed to parse firmware version %q: %w", reported, err)
	}
	want, err := version.NewVersion(info.Minimum)
	if err != nil {
		return info, fmt.Errorf("failed to parse minimum firmware %q: %w", info.Minimum, err)
	}
	info.OK = !have.LessThan(want)
	return info, nil
}

// radioEvents receives engine status events and routes them to metrics and
// MQTT. It runs on engine goroutines and must stay cheap.
type radioEvents struct {
	metrics *PrometheusMetrics
	mqtt    *MQTTPublisher

	mu       sync.Mutex
	firmware *FirmwareInfo
}

var _ radio.StatusListener = (*radioEvents)(nil)

func (e *radioEvents) PTTChanged(ptt bool) {
	log.Printf("[DEBUG] Radio: PTT %v", ptt)
	e.mqtt.PublishEvent(EventPayload{Event: "ptt", Value: fmt.Sprintf("%t", ptt)})
}

func (e *radioEvents) FirmwareReported(device radio.DeviceFamily, reported string) {
	info, err := checkFirmware(device, reported)
	if err != nil {
		log.Printf("[WARN] Radio: %v", err)
	}
	if info.OK {
		log.Printf("[INFO] Radio: %s firmware %s", device, reported)
	} else {
		log.Printf("[WARN] Radio: %s firmware %s is older than %s, expect problems", device, reported, info.Minimum)
	}

	e.mu.Lock()
	e.firmware = &info
	e.mu.Unlock()

	e.metrics.RecordFirmware(device, reported, info.OK)
	e.mqtt.PublishEvent(EventPayload{Event: "firmware", Device: device.String(), Value: reported})
}

// Firmware returns the last check, nil before the radio reported
func (e *radioEvents) Firmware() *FirmwareInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.firmware == nil {
		return nil
	}
	info := *e.firmware
	return &info
}
