// Package radio describes the hardware being driven and the collaborators
// the protocol engines talk to: the device capability table, the read-only
// state snapshot consumed by packet builders, the status reported back by
// the radio, and the DSP sink that receives decoded samples.
package radio

import (
	"fmt"
	"strings"
)

// Protocol selects the wire protocol family
type Protocol int

const (
	ProtocolOld Protocol = iota // Metis/Ozy framing, protocol 1
	ProtocolNew                 // fixed field UDP packets, protocol 2
)

func (p Protocol) String() string {
	if p == ProtocolNew {
		return "new"
	}
	return "old"
}

// ParseProtocol accepts "old"/"1"/"p1" and "new"/"2"/"p2"
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "old", "1", "p1", "protocol1":
		return ProtocolOld, nil
	case "new", "2", "p2", "protocol2":
		return ProtocolNew, nil
	}
	return ProtocolOld, fmt.Errorf("unknown protocol %q", s)
}

// DeviceFamily is the closed set of supported boards
type DeviceFamily int

const (
	DeviceUnknown DeviceFamily = iota
	DeviceOzy
	DeviceMetis
	DeviceHermes
	DeviceHermesANAN10E // ANAN-10E/100B: Hermes board with a small FPGA
	DeviceGriffin
	DeviceAngelia
	DeviceOrion
	DeviceOrion2
	DeviceSaturn
	DeviceHermesLite
	DeviceHermesLite2
	DeviceStemLab
	DeviceStemLabZ20
)

// Capabilities is everything about a device family the engines need.
// It is looked up once instead of switching on the family at every call
// site.
type Capabilities struct {
	Name string

	ADCs          int
	MaxReceivers  int
	MaxSampleRate int

	// Old protocol receiver slots hard-wired to the PureSignal feedback
	// paths, and the number of receivers to request while PureSignal is on
	RXFeedback          int
	TXFeedback          int
	PureSignalReceivers int

	// FixedReceivers, when non zero, pins the receiver count regardless
	// of configuration (Ozy hangs when it changes while running)
	FixedReceivers int

	// DDCOffset maps receiver i to DDC i+DDCOffset on the new protocol
	DDCOffset int

	// Orion2 class boards: BPF ladder, second Alex word, XVTR out routing
	// and a different antenna jack table
	BandPassFilters bool

	// HermesLite2 re-purposes several control fields
	HermesLite2 bool

	// MinFirmware is the lowest firmware known to work, as dotted version
	MinFirmware string
}

var capabilities = map[DeviceFamily]Capabilities{
	DeviceUnknown:       {Name: "unknown", ADCs: 1, MaxReceivers: 2, MaxSampleRate: 192000, RXFeedback: 0, TXFeedback: 1, PureSignalReceivers: 2},
	DeviceOzy:           {Name: "ozy", ADCs: 1, MaxReceivers: 2, MaxSampleRate: 192000, RXFeedback: 0, TXFeedback: 1, PureSignalReceivers: 2, FixedReceivers: 2},
	DeviceMetis:         {Name: "metis", ADCs: 1, MaxReceivers: 4, MaxSampleRate: 384000, RXFeedback: 0, TXFeedback: 1, PureSignalReceivers: 2, MinFirmware: "2.6"},
	DeviceHermes:        {Name: "hermes", ADCs: 1, MaxReceivers: 4, MaxSampleRate: 384000, RXFeedback: 2, TXFeedback: 3, PureSignalReceivers: 4, MinFirmware: "2.9"},
	DeviceHermesANAN10E: {Name: "anan10e", ADCs: 1, MaxReceivers: 2, MaxSampleRate: 384000, RXFeedback: 0, TXFeedback: 1, PureSignalReceivers: 2},
	DeviceGriffin:       {Name: "griffin", ADCs: 2, MaxReceivers: 2, MaxSampleRate: 384000, RXFeedback: 0, TXFeedback: 1, PureSignalReceivers: 2},
	DeviceAngelia:       {Name: "angelia", ADCs: 2, MaxReceivers: 5, MaxSampleRate: 1536000, RXFeedback: 3, TXFeedback: 4, PureSignalReceivers: 5, DDCOffset: 2, MinFirmware: "2.1"},
	DeviceOrion:         {Name: "orion", ADCs: 2, MaxReceivers: 5, MaxSampleRate: 1536000, RXFeedback: 3, TXFeedback: 4, PureSignalReceivers: 5, DDCOffset: 2, MinFirmware: "2.1"},
	DeviceOrion2:        {Name: "orion2", ADCs: 2, MaxReceivers: 5, MaxSampleRate: 1536000, RXFeedback: 3, TXFeedback: 4, PureSignalReceivers: 5, DDCOffset: 2, BandPassFilters: true, MinFirmware: "2.1.18"},
	DeviceSaturn:        {Name: "saturn", ADCs: 2, MaxReceivers: 5, MaxSampleRate: 1536000, RXFeedback: 3, TXFeedback: 4, PureSignalReceivers: 5, DDCOffset: 2, BandPassFilters: true},
	DeviceHermesLite:    {Name: "hermeslite", ADCs: 1, MaxReceivers: 2, MaxSampleRate: 384000, RXFeedback: 0, TXFeedback: 1, PureSignalReceivers: 2},
	DeviceHermesLite2:   {Name: "hermeslite2", ADCs: 1, MaxReceivers: 4, MaxSampleRate: 384000, RXFeedback: 2, TXFeedback: 3, PureSignalReceivers: 4, HermesLite2: true, MinFirmware: "7.2"},
	DeviceStemLab:       {Name: "stemlab", ADCs: 2, MaxReceivers: 4, MaxSampleRate: 384000, RXFeedback: 2, TXFeedback: 3, PureSignalReceivers: 4},
	DeviceStemLabZ20:    {Name: "stemlab_z20", ADCs: 2, MaxReceivers: 4, MaxSampleRate: 384000, RXFeedback: 2, TXFeedback: 3, PureSignalReceivers: 4},
}

// Caps returns the capability table entry for f
func (f DeviceFamily) Caps() Capabilities {
	if c, ok := capabilities[f]; ok {
		return c
	}
	return capabilities[DeviceUnknown]
}

func (f DeviceFamily) String() string {
	return f.Caps().Name
}

// NewDevice reports whether receivers start at DDC2 on the new protocol
func (f DeviceFamily) NewDevice() bool {
	return f.Caps().DDCOffset == 2
}

// ParseDeviceFamily looks a family up by its table name
func ParseDeviceFamily(s string) (DeviceFamily, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for f, c := range capabilities {
		if c.Name == s && f != DeviceUnknown {
			return f, nil
		}
	}
	return DeviceUnknown, fmt.Errorf("unknown device family %q", s)
}

// FilterBoard is the external filter/antenna board
type FilterBoard int

const (
	FilterNone FilterBoard = iota
	FilterAlex
	FilterApollo
	FilterCharly25
)

// ParseFilterBoard accepts none, alex, apollo and charly25
func ParseFilterBoard(s string) (FilterBoard, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return FilterNone, nil
	case "alex":
		return FilterAlex, nil
	case "apollo":
		return FilterApollo, nil
	case "charly25":
		return FilterCharly25, nil
	}
	return FilterNone, fmt.Errorf("unknown filter board %q", s)
}
