// Package actiontable decides what happens to each New Protocol DDC
// packet: deliver to a receiver, feed PureSignal, feed the diversity mixer,
// or drop it. The table depends only on TX/RX, duplex, PureSignal and
// diversity state and on where the device places user DDCs.
package actiontable

import (
	"fmt"
	"log"

	"github.com/cwsl/ka9q_hpsdr/hpsdr/radio"
)

// MaxDDC is the number of DDC streams a New Protocol radio can send
const MaxDDC = 8

// Action selects how a DDC frame is decoded
type Action uint8

const (
	Skip Action = iota
	Normal
	PureSignal
	Diversity
)

func (a Action) String() string {
	switch a {
	case Normal:
		return "normal"
	case PureSignal:
		return "puresignal"
	case Diversity:
		return "diversity"
	}
	return "skip"
}

// Entry is the routing decision for one DDC
type Entry struct {
	Action   Action
	Receiver int
}

func (e Entry) String() string {
	if e.Action == Normal {
		return fmt.Sprintf("%s(rx%d)", e.Action, e.Receiver)
	}
	return e.Action.String()
}

// Table is indexed by DDC number
type Table [MaxDDC]Entry

// Inputs is everything the table is derived from
type Inputs struct {
	Transmitting bool
	Duplex       bool
	PureSignal   bool
	Diversity    bool
	Device       radio.DeviceFamily
	Receivers    int
}

// FromState extracts the inputs from a state snapshot
func FromState(s *radio.State) Inputs {
	return Inputs{
		Transmitting: s.Transmitting,
		Duplex:       s.Duplex,
		PureSignal:   s.Transmitter.PureSignal,
		Diversity:    s.Diversity,
		Device:       s.Device,
		Receivers:    s.Receivers,
	}
}

// Flag packs the inputs into the decimal code the cases are keyed by.
// PureSignal and duplex only count while transmitting, diversity only
// while receiving, so twelve codes are reachable.
func (in Inputs) Flag() int {
	flag := 0
	if in.Duplex && in.Transmitting {
		flag += 10000
	}
	if in.Device.NewDevice() {
		flag += 1000
	}
	if in.Transmitting {
		flag += 100
	}
	if in.PureSignal && in.Transmitting {
		flag += 10
	}
	if in.Diversity && !in.Transmitting {
		flag += 1
	}
	return flag
}

// Recompute builds the table. Unhandled codes are logged and leave every
// DDC skipped.
func Recompute(in Inputs) Table {
	var t Table
	user := func(first int) {
		t[first] = Entry{Action: Normal, Receiver: 0}
		if in.Receivers > 1 {
			t[first+1] = Entry{Action: Normal, Receiver: 1}
		}
	}

	switch flag := in.Flag(); flag {
	case 0, 10100: // one ADC board: RX, or duplex TX without PureSignal
		user(0)
	case 1, 1001: // RX with diversity
		t[0] = Entry{Action: Diversity, Receiver: 0}
	case 100, 1100: // TX, no duplex: nothing to receive
	case 110, 1110, 10110: // TX with PureSignal; duplex is ignored on small boards
		t[0] = Entry{Action: PureSignal}
	case 11110: // new device, TX, PureSignal and duplex
		t[0] = Entry{Action: PureSignal}
		user(2)
	case 1000, 11100: // new device, RX or duplex TX
		user(2)
	default:
		log.Printf("[WARN] ActionTable: case not handled: %d", flag)
	}
	return t
}

// Lookup returns the entry for ddc, Skip when out of range
func (t *Table) Lookup(ddc int) Entry {
	if ddc < 0 || ddc >= MaxDDC {
		return Entry{}
	}
	return t[ddc]
}
