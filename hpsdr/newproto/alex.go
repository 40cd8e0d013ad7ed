package newproto

import "github.com/cwsl/ka9q_hpsdr/hpsdr/radio"

// Alex0 attenuator and relay bits
const (
	alexAtt10dB = 0x00004000
	alexAtt20dB = 0x00002000
	alexAtt30dB = 0x00006000

	alexTXRelay = 0x08000000
	alexPSBit   = 0x00040000
)

// ANAN-7000/8000/G2 band pass filters, Alex0 for ADC0 and Alex1 for ADC1
const (
	bpfBypass = 0x00001000
	bpf160    = 0x00000040
	bpf80_60  = 0x00000020
	bpf40_30  = 0x00000010
	bpf20_15  = 0x00000002
	bpf12_10  = 0x00000004
	bpf6Pre   = 0x00000008

	alex1GroundOnTX = 0x00000100
)

// Older Alex high pass filters
const (
	hpfBypass = 0x00001000
	hpf1_5    = 0x00000040
	hpf6_5    = 0x00000020
	hpf9_5    = 0x00000010
	hpf13     = 0x00000002
	hpf20     = 0x00000004
	hpf6m     = 0x00000008
)

// Low pass filters
const (
	lpf6Bypass = 0x20000000
	lpf12_10   = 0x40000000
	lpf17_15   = 0x80000000
	lpf30_20   = 0x00100000
	lpf60_40   = 0x00200000
	lpf80      = 0x00400000
	lpf160     = 0x00800000
)

// RX input routing and TX antenna relays
const (
	rxAntXVTR     = 0x00000100
	rxAntEXT1     = 0x00000200
	rxAntEXT2     = 0x00000400
	rxAntBypass   = 0x00000800
	anan7000RXSel = 0x00004000

	txAnt1 = 0x01000000
	txAnt2 = 0x02000000
	txAnt3 = 0x04000000
)

// psEXT1 is the PureSignal feedback antenna taken from EXT1 on TX
const psEXT1 = 6

type edge struct {
	below int64
	bits  uint32
}

var bpfLadder = []edge{
	{1500000, bpfBypass},
	{2100000, bpf160},
	{5500000, bpf80_60},
	{11000000, bpf40_30},
	{22000000, bpf20_15},
	{35000000, bpf12_10},
}

var hpfLadder = []edge{
	{1800000, hpfBypass},
	{6500000, hpf1_5},
	{9500000, hpf6_5},
	{13000000, hpf9_5},
	{20000000, hpf13},
	{50000000, hpf20},
}

func ladder(l []edge, f int64, top uint32) uint32 {
	for _, e := range l {
		if f < e.below {
			return e.bits
		}
	}
	return top
}

func lpfBits(f int64) uint32 {
	switch {
	case f > 35600000:
		return lpf6Bypass
	case f > 24000000:
		return lpf12_10
	case f > 16500000:
		return lpf17_15
	case f > 8000000:
		return lpf30_20
	case f > 5000000:
		return lpf60_40
	case f > 2500000:
		return lpf80
	}
	return lpf160
}

// rxAntennaBits maps RXAntennaIndex onto the input routing bits. Jacks a
// board does not have fall back to the nearest one that exists.
func rxAntennaBits(index int) uint32 {
	switch index {
	case 3, 6, 1006:
		return rxAntEXT1 | rxAntBypass
	case 4:
		return rxAntEXT2 | rxAntBypass
	case 5:
		return rxAntXVTR | rxAntBypass
	case 103, 104:
		return rxAntEXT1 | anan7000RXSel
	case 105:
		return rxAntXVTR | anan7000RXSel
	case 106, 107:
		return rxAntBypass
	case 1003:
		return rxAntEXT1
	case 1004:
		return rxAntEXT2
	case 1005:
		return rxAntXVTR
	case 7, 1007:
		return rxAntBypass
	}
	return 0
}

// alexWords computes the Alex0 and Alex1 filter/relay words. rx1 and rx2
// control the filters of ADC0 and ADC1, tx the low pass filter.
func alexWords(s *radio.State, rx1, rx2, tx int64) (alex0, alex1 uint32) {
	xmit := s.Transmitting
	ps := xmit && s.Transmitter.PureSignal

	if s.AlexAtt {
		switch s.Receiver[0].AlexAttenuation {
		case 1:
			alex0 |= alexAtt10dB
		case 2:
			alex0 |= alexAtt20dB
		case 3:
			alex0 |= alexAtt30dB
		}
	}
	if xmit {
		if s.PAActive() {
			alex0 |= alexTXRelay
		}
		if s.Transmitter.PureSignal {
			alex0 |= alexPSBit
		}
	}

	if s.Device.Caps().BandPassFilters {
		alex0 |= ladder(bpfLadder, rx1, bpf6Pre)
		if s.Diversity {
			// both filters must match under diversity
			rx2 = rx1
		}
		alex1 |= ladder(bpfLadder, rx2, bpf6Pre)
		if xmit {
			alex1 |= alex1GroundOnTX
		}
	} else {
		// ADC0 shared by two receivers: the lower frequency wins
		hpf := rx1
		if s.Receivers > 1 && s.Receiver[1].ADC == 0 && rx2 < rx1 {
			hpf = rx2
		}
		if ps && s.PSFeedback.Antenna == psEXT1 {
			alex0 |= hpfBypass
		} else {
			alex0 |= ladder(hpfLadder, hpf, hpf6m)
		}
	}

	// on older boards ANT1..3 receive through the TX low pass filters
	lpf := tx
	if !xmit && !s.Device.Caps().BandPassFilters && s.Receiver[0].Antenna < 3 {
		lpf = rx1
		if s.Receivers > 1 && s.Receiver[1].ADC == 0 && rx2 > rx1 {
			lpf = rx2
		}
	}
	alex0 |= lpfBits(lpf)

	alex0 |= rxAntennaBits(s.RXAntennaIndex())

	switch s.AntennaJack() {
	case 0:
		alex0 |= txAnt1
	case 1:
		alex0 |= txAnt2
	case 2:
		alex0 |= txAnt3
	}
	return alex0, alex1
}
