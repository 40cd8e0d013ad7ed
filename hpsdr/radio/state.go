package radio

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

// MaxReceivers is the number of user receivers the engines drive. Extra
// hardware receivers only ever carry PureSignal feedback.
const MaxReceivers = 2

// Mode is the demodulation mode of a VFO. Only the CW modes change packet
// contents; the rest are carried for display.
type Mode int

const (
	ModeLSB Mode = iota
	ModeUSB
	ModeDSB
	ModeCWL
	ModeCWU
	ModeFM
	ModeAM
	ModeDIGU
	ModeDIGL
	ModeSAM
	ModeDRM
)

var modeNames = []string{"LSB", "USB", "DSB", "CWL", "CWU", "FM", "AM", "DIGU", "DIGL", "SAM", "DRM"}

func (m Mode) String() string {
	if int(m) < len(modeNames) && m >= 0 {
		return modeNames[m]
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// IsCW reports whether m is CWL or CWU
func (m Mode) IsCW() bool {
	return m == ModeCWL || m == ModeCWU
}

// ParseMode is case insensitive
func ParseMode(s string) (Mode, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for i, n := range modeNames {
		if n == s {
			return Mode(i), nil
		}
	}
	return ModeUSB, fmt.Errorf("unknown mode %q", s)
}

// Band holds the per band entries of the band table the engines need
type Band struct {
	OCRx      uint8 // open collector outputs while receiving
	OCTx      uint8 // open collector outputs while transmitting
	DisablePA bool
	SixMeter  bool
}

// VFO is one tuning slot. Frequencies are in Hz.
type VFO struct {
	Frequency int64
	LO        int64 // transverter local oscillator
	Mode      Mode

	CTUN   bool
	Offset int64

	RITEnabled bool
	RIT        int64
	XITEnabled bool
	XIT        int64

	Band Band
}

// Receiver is a user receiver
type Receiver struct {
	ADC             int
	SampleRate      int
	Antenna         int
	AlexAttenuation int // 0..3, 10dB steps
	Preamp          bool
	Dither          bool
	Random          bool
}

// ADC holds per converter front end settings
type ADC struct {
	Attenuation int
	Gain        int // HL2 LNA gain in dB, -12..48
}

// Transmitter is the TX side of the snapshot
type Transmitter struct {
	Drive       uint8
	Attenuation int
	Antenna     int
	PureSignal  bool
	TwoTone     bool
	LocalMic    bool
}

// Keyer modes as understood by the firmware
const (
	KeyerStraight = 0
	KeyerModeA    = 1
	KeyerModeB    = 2
)

// CW keyer settings
type CW struct {
	KeyerInternal  bool
	Speed          int // WPM
	Weight         int
	Spacing        bool
	Mode           int
	HangTime       int // ms
	SidetoneFreq   int // Hz
	SidetoneVolume int
	PTTDelay       int // ms
	Breakin        bool
	KeysReversed   bool
	OnVFOFreq      bool // the VFO shows the transmitted frequency
	CATActive      bool // CW is being keyed through CAT
}

// Mic input settings
type Mic struct {
	Boost       bool
	LineIn      bool
	PTTDisabled bool
	Bias        bool
	TipRing     bool
	XLR         bool
	LineInGain  float64 // dB, -34..+12
}

// Atlas describes the board complement of an Ozy/Metis backplane
type Atlas struct {
	Penelope      bool
	PenelopeMic   bool
	MercuryClock  bool // Mercury supplies the 122.88MHz clock
	Clock10Source int  // 0 Atlas, 1 Penelope, 2 Mercury
}

// Throttles are the overflow drop windows of each stream
type Throttles struct {
	OldRX      int `yaml:"old_rx"`       // 1024 byte buffers
	OldTX      int `yaml:"old_tx"`       // 8 byte records
	NewDDC     int `yaml:"new_ddc"`      // packets
	NewMic     int `yaml:"new_mic"`      // packets
	NewRXAudio int `yaml:"new_rx_audio"` // samples
	NewTXIQ    int `yaml:"new_tx_iq"`    // samples
}

// DefaultThrottles returns the empirically tuned windows
func DefaultThrottles() Throttles {
	return Throttles{
		OldRX:      256,
		OldTX:      1260,
		NewDDC:     128,
		NewMic:     16,
		NewRXAudio: 4096,
		NewTXIQ:    4800,
	}
}

// Normalize replaces unset windows with the defaults
func (t Throttles) Normalize() Throttles {
	d := DefaultThrottles()
	if t.OldRX <= 0 {
		t.OldRX = d.OldRX
	}
	if t.OldTX <= 0 {
		t.OldTX = d.OldTX
	}
	if t.NewDDC <= 0 {
		t.NewDDC = d.NewDDC
	}
	if t.NewMic <= 0 {
		t.NewMic = d.NewMic
	}
	if t.NewRXAudio <= 0 {
		t.NewRXAudio = d.NewRXAudio
	}
	if t.NewTXIQ <= 0 {
		t.NewTXIQ = d.NewTXIQ
	}
	return t
}

// State is the configuration snapshot read by the packet builders. The
// engines never modify it; they take a copy from a Store once per packet.
type State struct {
	Device        DeviceFamily
	FilterBoard   FilterBoard
	Atlas         Atlas
	NewPABoard    bool // ANAN-7000/8000 style PA board, different antenna map
	PAEnabled     bool
	HL2AudioCodec bool
	HavePreamp    bool
	AlexAtt       bool // step attenuator on the Alex board
	ClassE        bool

	Receivers      int // user receivers, 1 or 2
	Receiver       [MaxReceivers]Receiver
	PSFeedback     Receiver // receiver sampling the PA output for PureSignal
	ActiveReceiver int
	ADC            [2]ADC

	VFO   [2]VFO
	TXVFO int

	Transmitting bool
	LocalPTT     bool // PTT asserted at the radio, filled in by the engines
	Tune         bool
	TuneUntil    time.Time // OC tune outputs are dropped after this
	TuneOC       uint8
	TuneOCHold   bool // false applies the tune outputs for the whole tune
	Duplex       bool
	Diversity    bool
	Calibration  int64

	Transmitter Transmitter
	CW          CW
	Mic         Mic

	PWMMin int
	PWMMax int
}

// DefaultState is a single receiver Hermes on 14.2 MHz USB
func DefaultState() State {
	s := State{
		Device:      DeviceHermes,
		FilterBoard: FilterAlex,
		PAEnabled:   true,
		AlexAtt:     true,
		Receivers:   1,
		CW: CW{
			KeyerInternal:  true,
			Speed:          20,
			Weight:         50,
			Mode:           KeyerModeB,
			HangTime:       300,
			SidetoneFreq:   650,
			SidetoneVolume: 50,
			PTTDelay:       20,
		},
		PWMMin: 0,
		PWMMax: 1023,
	}
	for i := range s.Receiver {
		s.Receiver[i] = Receiver{ADC: 0, SampleRate: 48000}
	}
	s.PSFeedback = Receiver{SampleRate: 192000}
	for i := range s.VFO {
		s.VFO[i] = VFO{Frequency: 14200000, Mode: ModeUSB}
	}
	return s
}

// TXMode returns the mode of the transmit VFO
func (s *State) TXMode() Mode {
	return s.VFO[s.txVFO()].Mode
}

func (s *State) txVFO() int {
	if s.TXVFO == 1 {
		return 1
	}
	return 0
}

func (s *State) rxVFO() int {
	if s.ActiveReceiver == 1 {
		return 1
	}
	return 0
}

// Active returns the active receiver
func (s *State) Active() Receiver {
	return s.Receiver[s.rxVFO()]
}

// ActiveADC is the converter feeding the active receiver
func (s *State) ActiveADC() int {
	if a := s.Active().ADC; a == 1 {
		return 1
	}
	return 0
}

// TXBand and RXBand return the band entries of the transmit VFO and of the
// active receiver's VFO
func (s *State) TXBand() Band { return s.VFO[s.txVFO()].Band }
func (s *State) RXBand() Band { return s.VFO[s.rxVFO()].Band }

// MOX is the PTT bit sent to the radio. While transmitting CW generated by
// the radio's own keyer the bit stays clear; the keyer asserts PTT itself.
func (s *State) MOX() bool {
	if !s.Transmitting {
		return false
	}
	if !s.TXMode().IsCW() {
		return true
	}
	return s.Tune || s.CW.CATActive || !s.CW.KeyerInternal || s.Transmitter.TwoTone
}

// InternalCW is true when CW is keyed by the radio with no local override
func (s *State) InternalCW() bool {
	return s.TXMode().IsCW() && !s.Tune && s.CW.KeyerInternal && !s.Transmitter.TwoTone && !s.CW.CATActive
}

// TXFrequency is the frequency the radio's DUC must be set to
func (s *State) TXFrequency() int64 {
	v := &s.VFO[s.txVFO()]
	f := v.Frequency - v.LO
	if v.CTUN {
		f += v.Offset
	}
	if v.XITEnabled {
		f += v.XIT
	}
	if !s.CW.OnVFOFreq {
		switch v.Mode {
		case ModeCWU:
			f += int64(s.CW.SidetoneFreq)
		case ModeCWL:
			f -= int64(s.CW.SidetoneFreq)
		}
	}
	return f + s.Calibration
}

// RXFrequency is the DDC frequency for VFO n
func (s *State) RXFrequency(n int) int64 {
	if n != 1 {
		n = 0
	}
	v := &s.VFO[n]
	f := v.Frequency - v.LO
	if v.RITEnabled {
		f += v.RIT
	}
	if s.CW.OnVFOFreq {
		switch v.Mode {
		case ModeCWU:
			f -= int64(s.CW.SidetoneFreq)
		case ModeCWL:
			f += int64(s.CW.SidetoneFreq)
		}
	}
	return f + s.Calibration
}

// OCBits returns the open collector outputs for the current TX/RX state,
// unshifted
func (s *State) OCBits(now time.Time) uint8 {
	if !s.Transmitting {
		return s.RXBand().OCRx
	}
	oc := s.TXBand().OCTx
	if s.Tune && (!s.TuneOCHold || now.Before(s.TuneUntil)) {
		oc |= s.TuneOC
	}
	return oc
}

// PAActive reports whether the PA may be keyed on the transmit band
func (s *State) PAActive() bool {
	return s.PAEnabled && !s.TXBand().DisablePA
}

// TXAntenna returns the transmit antenna jack, 0..2. Anything else is
// logged and replaced by the first jack.
func (s *State) TXAntenna() int {
	a := s.Transmitter.Antenna
	if a < 0 || a > 2 {
		log.Printf("[WARN] Radio: invalid TX antenna %d, using ANT1", a)
		return 0
	}
	return a
}

// AntennaJack chooses the jack carried in the antenna field: the TX jack
// while transmitting, else the receive jack, where RX-only inputs fall back
// to the TX jack on boards without the new PA board's extra relays.
func (s *State) AntennaJack() int {
	if s.Transmitting || s.LocalPTT {
		return s.TXAntenna()
	}
	a := s.Receiver[0].Antenna
	if a > 2 && !s.NewPABoard {
		a = s.TXAntenna()
	}
	return a
}

// RXAntennaIndex is the key into the RX antenna routing tables: the
// receive antenna of RX1 (or of the feedback receiver during PureSignal TX)
// offset by 100 on Orion2 class boards and 1000 with the new PA board
func (s *State) RXAntennaIndex() int {
	a := s.Receiver[0].Antenna
	if s.Transmitting && s.Transmitter.PureSignal {
		a = s.PSFeedback.Antenna
	}
	if s.Device.Caps().BandPassFilters {
		a += 100
	} else if s.NewPABoard {
		a += 1000
	}
	return a
}

// LineInGainByte maps the line-in gain in dB onto the codec's 5 bit scale
func (s *State) LineInGainByte() uint8 {
	return uint8(int((s.Mic.LineInGain+34.0)*0.6739 + 0.5))
}

// PTTDelay is the keyer RF delay clamped to 900/speed. Larger values upset
// the firmware keyer.
func (s *State) PTTDelay() int {
	d := s.CW.PTTDelay
	if s.CW.Speed > 0 && d > 900/s.CW.Speed {
		d = 900 / s.CW.Speed
	}
	return d
}

// Store guards the live State. Writers replace fields inside Update;
// readers take value copies with Snapshot.
type Store struct {
	mu       sync.RWMutex
	state    State
	watchers []func(old, cur State)
}

// NewStore returns a store initialised with s
func NewStore(s State) *Store {
	return &Store{state: s}
}

// Snapshot returns a copy of the current state
func (st *Store) Snapshot() State {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.state
}

// Update applies fn under the write lock and then notifies watchers
// outside of it
func (st *Store) Update(fn func(s *State)) {
	st.mu.Lock()
	old := st.state
	fn(&st.state)
	cur := st.state
	watchers := append([]func(old, cur State){}, st.watchers...)
	st.mu.Unlock()

	for _, w := range watchers {
		w(old, cur)
	}
}

// Watch registers fn to be called after every Update
func (st *Store) Watch(fn func(old, cur State)) {
	st.mu.Lock()
	st.watchers = append(st.watchers, fn)
	st.mu.Unlock()
}
