package oldproto

import (
	"log"
	"sync/atomic"

	"github.com/cwsl/ka9q_hpsdr/hpsdr/radio"
)

// controlIn interprets the five control bytes that follow every sync
// pattern. C0 carries PTT/dash/dot and a register address; C1..C4 hold
// the register contents.
type controlIn struct {
	status   *radio.StatusBox
	listener radio.StatusListener
	store    *radio.Store // optional, CAT keying is cancelled through it

	ptt     atomic.Bool // read by the senders
	fifoArm bool        // HL2: an RX/TX transition has seen its first "no underrun"
}

func newControlIn(status *radio.StatusBox, l radio.StatusListener) *controlIn {
	return &controlIn{status: status, listener: l}
}

func word(hi, lo byte) int {
	return int(hi)<<8 | int(lo)
}

// process decodes c (C0..C4). device and transmitting come from the
// snapshot taken for the current buffer.
func (ci *controlIn) process(c []byte, device radio.DeviceFamily, transmitting bool) {
	hl2 := device.Caps().HermesLite2
	ptt := c[0]&0x01 != 0
	paddle := c[0]&0x06 != 0
	pttChanged := ci.ptt.Swap(ptt) != ptt

	var firmware string
	ci.status.Update(func(s *radio.Status) {
		s.PTT = ptt
		s.Dash = c[0]&0x02 != 0
		s.Dot = c[0]&0x04 != 0

		switch (c[0] >> 3) & 0x1F {
		case 0:
			s.ADCOverload = c[1]&0x01 != 0
			if !hl2 {
				// HL2 uses C1..C3 for TX FIFO state
				s.IO1 = c[1]&0x02 == 0
				s.IO2 = c[1]&0x04 == 0
				s.IO3 = c[1]&0x08 == 0
				if s.MercuryVersion != int(c[2]) {
					s.MercuryVersion = int(c[2])
					log.Printf("[INFO] Protocol1: Mercury software version %d (0x%02X)", c[2], c[2])
				}
				if s.PenelopeVersion != int(c[3]) {
					s.PenelopeVersion = int(c[3])
					log.Printf("[INFO] Protocol1: Penelope software version %d (0x%02X)", c[3], c[3])
				}
			} else {
				// Underrun is reported right after RX->TX until the FIFO
				// fills, so only count it once it has cleared
				fifo := c[3] & 0xC0
				if !transmitting {
					ci.fifoArm = false
				} else {
					if fifo != 0x80 {
						ci.fifoArm = true
					}
					if fifo == 0x80 && ci.fifoArm {
						s.FIFOUnderruns++
					}
					if fifo == 0xC0 {
						s.FIFOOverruns++
					}
				}
			}
			if s.FPGAVersion != int(c[4]) || s.Firmware == "" {
				s.FPGAVersion = int(c[4])
				s.Firmware = radio.FirmwareString(int(c[4]))
				firmware = s.Firmware
				log.Printf("[INFO] Protocol1: FPGA firmware version %s", firmware)
			}

		case 1:
			if !hl2 {
				s.Exciter = word(c[1], c[2])
			} else {
				s.Exciter = 0
				s.Temperature = (word(c[1], c[2]) + 7*s.Temperature) >> 3
			}
			// averaged so SWR stays sane on the edges of an RF pulse
			s.Forward = radio.Average3of4(s.Forward, word(c[3], c[4]))

		case 2:
			s.Reverse = radio.Average3of4(s.Reverse, word(c[1], c[2]))
			if !hl2 {
				s.AIN3 = word(c[3], c[4])
			} else {
				s.Current = (3*s.Current + word(c[3], c[4])) >> 2
			}

		case 3:
			s.AIN4 = word(c[1], c[2])
			s.AIN6 = word(c[3], c[4])
		}
	})

	if paddle && ci.store != nil && ci.store.Snapshot().CW.CATActive {
		// a paddle always wins over CAT keying
		ci.store.Update(func(s *radio.State) { s.CW.CATActive = false })
	}
	if ci.listener == nil {
		return
	}
	if pttChanged {
		ci.listener.PTTChanged(ptt)
	}
	if firmware != "" {
		ci.listener.FirmwareReported(device, firmware)
	}
}

func (ci *controlIn) reset() {
	ci.ptt.Store(false)
	ci.fifoArm = false
}
