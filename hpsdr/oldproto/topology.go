package oldproto

import (
	"github.com/cwsl/ka9q_hpsdr/hpsdr/radio"
)

// Hardware receiver slots of the two user receivers
const (
	rx1Channel = 0
	rx2Channel = 1
)

// ReceiverCount is the number of hardware receivers requested from the
// radio. Diversity needs both slots; PureSignal needs every slot up to the
// one wired to the TX DAC.
func ReceiverCount(s *radio.State) int {
	caps := s.Device.Caps()
	if caps.FixedReceivers > 0 {
		return caps.FixedReceivers
	}
	n := s.Receivers
	if n < 1 {
		n = 1
	}
	if s.Diversity {
		n = 2
	}
	if s.Transmitter.PureSignal {
		n = caps.PureSignalReceivers
	}
	return n
}

// feedbackChannels returns the receiver slots carrying the attenuated PA
// output and the TX DAC signal
func feedbackChannels(s *radio.State) (rx, tx int) {
	caps := s.Device.Caps()
	return caps.RXFeedback, caps.TXFeedback
}

// ChannelFrequency returns the frequency for receiver slot ch. Slots past
// the user receivers, and the feedback slots during PureSignal TX, follow
// the transmitter. ch < 0 asks for the TX frequency itself.
func ChannelFrequency(s *radio.State, ch int) int64 {
	vfo := -1
	switch ch {
	case 0:
		vfo = 0
	case 1:
		vfo = 1
		if s.Diversity {
			vfo = 0
		}
	}
	if s.Transmitting && s.Transmitter.PureSignal {
		rx, tx := feedbackChannels(s)
		if ch == rx || ch == tx {
			vfo = -1
		}
	}
	if vfo < 0 {
		return s.TXFrequency()
	}
	return s.RXFrequency(vfo)
}

// sampleRate is the single rate shared by every old protocol receiver
func sampleRate(s *radio.State) int {
	if s.ActiveReceiver == 1 {
		return s.Receiver[1].SampleRate
	}
	return s.Receiver[0].SampleRate
}
