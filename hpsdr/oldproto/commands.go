package oldproto

import (
	"time"

	"github.com/cwsl/ka9q_hpsdr/hpsdr/radio"
)

// Round robin command addresses, C0 without the MOX bit
const (
	addrConfig     = 0x00
	addrTXFreq     = 0x02
	addrRXFreq     = 0x04 // + 2*receiver
	addrDrive      = 0x12
	addrPreamp     = 0x14
	addrKeyer      = 0x16
	addrADC        = 0x1C
	addrCWEnable   = 0x1E
	addrCWHang     = 0x20
	addrEER        = 0x22
	addrAlex2      = 0x24
	addrHL2Latency = 0x2E
)

// Commands is the C&C cursor. Every Metis packet carries a C0=0 frame
// followed by the next command of an eleven step cycle; receiver
// frequencies take one step per hardware receiver.
type Commands struct {
	command   int
	currentRX int
}

// NewCommands starts the cycle at the TX frequency
func NewCommands() *Commands {
	return &Commands{command: 1}
}

// Reset rewinds the cycle
func (c *Commands) Reset() {
	c.command = 1
	c.currentRX = 0
}

// Next returns the command the following non-config frame will carry
func (c *Commands) Next() int {
	return c.command
}

// Fill writes sync and C0..C4 of frame. config selects the C0=0 packet;
// otherwise the next round robin command is emitted and the cursor
// advances. The sample area of frame is left alone.
func (c *Commands) Fill(frame []byte, s *radio.State, config bool, now time.Time) {
	frame[0], frame[1], frame[2] = Sync, Sync, Sync
	for i := c0; i <= c4; i++ {
		frame[i] = 0
	}
	if config {
		fillConfig(frame, s, now)
	} else {
		c.fillCommand(frame, s)
	}
	if s.MOX() {
		frame[c0] |= 0x01
	}
}

func fillConfig(frame []byte, s *radio.State, now time.Time) {
	caps := s.Device.Caps()
	frame[c0] = addrConfig
	frame[c1] = speedBits(sampleRate(s))

	if s.Device == radio.DeviceOzy || s.Device == radio.DeviceMetis {
		// a Mercury is always present; Penelope is configured whenever
		// it is referenced as TX, mic or clock source
		a := s.Atlas
		frame[c1] |= configMercury
		if a.Penelope {
			frame[c1] |= configPenelope
		}
		if a.PenelopeMic {
			frame[c1] |= penelopeMic | configPenelope
		}
		if a.MercuryClock {
			frame[c1] |= mercury12288Source
		} else {
			frame[c1] |= penelope12288Source | configPenelope
		}
		switch a.Clock10Source {
		case 0:
			frame[c1] |= atlas10MHzSource
		case 1:
			frame[c1] |= penelope10MHzSource | configPenelope
		case 2:
			frame[c1] |= mercury10MHzSource
		}
	}

	if s.ClassE {
		frame[c2] |= 0x01
	}
	frame[c2] |= s.OCBits(now) << 1

	active := s.Active()
	frame[c3] = byte(s.Receiver[0].AlexAttenuation & 0x03)
	if active.Random {
		frame[c3] |= lt2208RandomOn
	}
	if active.Dither {
		frame[c3] |= lt2208DitherOn
	}
	// some HL2 variants signal an audio codec with the dither bit
	if caps.HermesLite2 && s.HL2AudioCodec {
		frame[c3] |= lt2208DitherOn
	}
	if s.FilterBoard == radio.FilterCharly25 && active.Preamp {
		frame[c3] |= lt2208GainOn
	}
	frame[c3] |= rxAntennaBits(s)

	frame[c4] = duplexBit
	if s.Diversity {
		frame[c4] |= diversityPhaseLockBit
	}
	frame[c4] |= byte(ReceiverCount(s)-1) << 3
	switch jack := s.AntennaJack(); jack {
	case 0, 1, 2:
		frame[c4] |= byte(jack)
	default:
		// EXT1/EXT2/XVTR on the new PA board: disconnect ANT1..3
		frame[c4] |= 0x03
	}
}

// rxAntennaBits maps the receive input onto the Alex RX1_ANT/RX1_OUT bits.
// Combinations without a physical jack fall back to a neighbour.
func rxAntennaBits(s *radio.State) byte {
	switch s.RXAntennaIndex() {
	case 3, 6, 1006: // EXT1, or EXT1 on TX, old PA board
		return 0xC0
	case 4:
		return 0xA0
	case 5:
		return 0xE0
	case 103, 104: // ANAN-7000 has no EXT2
		return 0x40
	case 105:
		return 0x60
	case 106, 107:
		return 0x20
	case 1003:
		return 0x40
	case 1004:
		return 0x20
	case 1005:
		return 0x60
	case 7, 1007: // bypass on TX
		return 0x80
	}
	return 0
}

func (c *Commands) fillCommand(frame []byte, s *radio.State) {
	caps := s.Device.Caps()
	nrx := ReceiverCount(s)

	switch c.command {
	case 1:
		frame[c0] = addrTXFreq
		putFreq(frame, ChannelFrequency(s, -1))
		c.command = 2

	case 2:
		if c.currentRX < nrx {
			frame[c0] = addrRXFreq + byte(2*c.currentRX)
			putFreq(frame, ChannelFrequency(s, c.currentRX))
			c.currentRX++
		}
		if c.currentRX >= nrx {
			c.currentRX = 0
			c.command = 3
		}

	case 3:
		frame[c0] = addrDrive
		// CW keyed in the FPGA needs the drive level before PTT arrives
		if s.Transmitting || s.TXMode().IsCW() {
			frame[c1] = s.Transmitter.Drive
		}
		if s.Mic.Boost {
			frame[c2] |= 0x01
		}
		if s.Mic.LineIn {
			frame[c2] |= 0x02
		}
		if s.FilterBoard == radio.FilterApollo {
			frame[c2] |= 0x2C
			if s.Tune {
				frame[c2] |= 0x10
			}
		}
		if s.RXBand().SixMeter {
			frame[c3] |= 0x40
		}
		if !s.PAActive() {
			frame[c3] |= 0x80
			if s.Transmitting {
				frame[c2] |= 0x40
				frame[c3] |= 0x20
			}
		}
		if s.Transmitting && s.Transmitter.PureSignal && s.PSFeedback.Antenna == 6 {
			// feedback through EXT1: manual filters, RX bypass, and pick
			// the TX LPF by hand
			frame[c2] |= 0x40
			frame[c3] &= 0x80
			frame[c3] |= 0x20
			frame[c4] = manualLPF(ChannelFrequency(s, -1))
		}
		if caps.HermesLite2 {
			frame[c2], frame[c3], frame[c4] = 0, 0, 0
			if s.PAActive() {
				frame[c2] |= 0x08
			}
			if s.Tune {
				frame[c2] |= 0x10
			}
		}
		c.command = 4

	case 4:
		frame[c0] = addrPreamp
		if s.HavePreamp {
			for i := 0; i < s.Receivers && i < radio.MaxReceivers; i++ {
				if s.Receiver[i].Preamp {
					frame[c1] |= 1 << i
				}
			}
		}
		if s.Mic.PTTDisabled {
			frame[c1] |= 0x40
		}
		if s.Mic.Bias {
			frame[c1] |= 0x20
		}
		if s.Mic.TipRing {
			frame[c1] |= 0x10
		}
		frame[c2] |= s.LineInGainByte()
		if s.Transmitter.PureSignal {
			frame[c2] |= 0x40
		}
		if caps.HermesLite2 {
			// 0..60 in six bits, bit 6 enables the extended range
			gain := s.ADC[s.ActiveADC()].Gain + 12
			if s.Transmitting {
				gain = 31 - s.Transmitter.Attenuation
			}
			frame[c4] = 0x40 | byte(clamp(gain, 0, 60))
		} else if s.Transmitting {
			frame[c4] = 0x20 | byte(s.Transmitter.Attenuation&0x1F)
		} else {
			frame[c4] = 0x20 | byte(s.ADC[0].Attenuation&0x1F)
		}
		c.command = 5

	case 5:
		frame[c0] = addrKeyer
		if caps.ADCs == 2 {
			// maximum attenuation on TX protects the second ADC from
			// the auxiliary antenna
			switch {
			case s.Transmitting:
				frame[c1] = 0x3F
			case s.Diversity:
				frame[c1] = 0x20 | byte(s.ADC[0].Attenuation&0x1F)
			default:
				frame[c1] = 0x20 | byte(s.ADC[1].Attenuation&0x1F)
			}
		}
		if s.CW.KeysReversed {
			frame[c2] |= 0x40
		}
		frame[c3] = byte(s.CW.Speed) | byte(s.CW.Mode)<<6
		frame[c4] = byte(s.CW.Weight)
		if s.CW.Spacing {
			frame[c4] |= 0x80
		}
		c.command = 6

	case 6:
		frame[c0] = addrADC
		if caps.ADCs > 1 {
			if s.Diversity {
				frame[c1] |= 0x04
			} else {
				frame[c1] |= byte(s.Receiver[0].ADC) << (2 * rx1Channel)
				frame[c1] |= byte(s.Receiver[1].ADC) << (2 * rx2Channel)
			}
			if rxfb, _ := feedbackChannels(s); rxfb > rx2Channel && s.Transmitter.PureSignal {
				frame[c1] |= byte(s.PSFeedback.ADC) << (2 * rxfb)
			}
		}
		if caps.HermesLite2 {
			frame[c3] = 0xC0 | byte(clamp(31-s.Transmitter.Attenuation, 0, 60))
		} else {
			frame[c3] = byte(s.Transmitter.Attenuation & 0x1F)
		}
		c.command = 7

	case 7:
		frame[c0] = addrCWEnable
		if s.InternalCW() {
			frame[c1] |= 0x01
		}
		frame[c2] = byte(s.CW.SidetoneVolume)
		frame[c3] = byte(s.PTTDelay())
		c.command = 8

	case 8:
		frame[c0] = addrCWHang
		frame[c1] = byte(s.CW.HangTime >> 2)
		frame[c2] = byte(s.CW.HangTime & 0x03)
		frame[c3] = byte(s.CW.SidetoneFreq >> 4)
		frame[c4] = byte(s.CW.SidetoneFreq & 0x0F)
		c.command = 9

	case 9:
		frame[c0] = addrEER
		frame[c1] = byte(s.PWMMin >> 2)
		frame[c2] = byte(s.PWMMin & 0x03)
		frame[c3] = byte(s.PWMMax >> 3)
		frame[c4] = byte(s.PWMMax & 0x03)
		c.command = 10

	case 10:
		frame[c0] = addrAlex2
		if s.Transmitting {
			frame[c1] |= 0x80 // ground RX2 on TX
		}
		if s.Receiver[0].Antenna == 5 {
			frame[c2] |= 0x02 // XVTR enable
		}
		if s.Transmitter.PureSignal {
			frame[c2] |= 0x40
		}
		if caps.HermesLite2 {
			c.command = 11
		} else {
			c.command = 1
		}

	case 11:
		// HL2 extended set: 20 ms PTT hang, 40 ms TX latency
		frame[c0] = addrHL2Latency
		frame[c3] = 20
		frame[c4] = 40
		c.command = 1

	default:
		c.command = 1
	}
}

// manualLPF selects the TX low pass filter when the firmware's automatic
// choice is disabled
func manualLPF(f int64) byte {
	switch {
	case f > 35600000:
		return 0x10
	case f > 24000000:
		return 0x20
	case f > 16500000:
		return 0x40
	case f > 8000000:
		return 0x01
	case f > 5000000:
		return 0x02
	case f > 2500000:
		return 0x04
	}
	return 0x08
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
