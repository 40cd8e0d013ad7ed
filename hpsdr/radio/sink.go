package radio

// Sink receives decoded samples from an engine. Calls for one receiver
// come from a single goroutine in arrival order; different receivers may
// be delivered concurrently. Implementations must not block.
type Sink interface {
	// IQ delivers one complex sample for user receiver rx
	IQ(rx int, i, q float64)
	// PureSignal delivers a matched TX reference / RX feedback pair
	PureSignal(txI, txQ, rxI, rxQ float64)
	// Diversity delivers the main and auxiliary samples of one instant
	Diversity(mainI, mainQ, auxI, auxQ float64)
	// Mic delivers one decimated 48 kHz microphone sample
	Mic(sample float32)
}

// MicSource supplies locally captured microphone audio, one sample per
// radio mic sample. ok is false when no local sample is available.
type MicSource interface {
	LocalMic() (sample float32, ok bool)
}

// StatusListener is notified of discrete events decoded from the radio.
// Called from receive goroutines; must not block.
type StatusListener interface {
	PTTChanged(ptt bool)
	FirmwareReported(device DeviceFamily, version string)
}

// NopSink discards everything
type NopSink struct{}

func (NopSink) IQ(int, float64, float64) {}
func (NopSink) PureSignal(float64, float64, float64, float64) {}
func (NopSink) Diversity(float64, float64, float64, float64) {}
func (NopSink) Mic(float32) {}

// MixMic combines one radio microphone sample with local audio. With PTT
// pressed at the radio both are summed so a voice keyer and the mic can be
// used at once; otherwise local audio, when enabled, replaces the radio's.
func MixMic(radioMic float32, radioPTT, useLocal bool, src MicSource) float32 {
	if !useLocal || src == nil {
		return radioMic
	}
	local, ok := src.LocalMic()
	if !ok {
		local = 0
	}
	if radioPTT {
		return radioMic + local
	}
	return local
}
