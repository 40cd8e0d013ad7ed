package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/cwsl/ka9q_hpsdr/hpsdr/radio"
	"github.com/cwsl/ka9q_hpsdr/hpsdr/supervisor"
)

// engine is a protocol engine as the daemon sees it
type engine interface {
	supervisor.Engine
	statsSource
}

// daemon ties the engine to its outputs and the HTTP API
type daemon struct {
	cfg    *Config
	store  *radio.Store
	engine engine
	sup    *supervisor.Supervisor
	levels *levelMeter
	events *radioEvents
}

// VFOView is a VFO as shown by the API
type VFOView struct {
	Frequency int64  `json:"frequency"`
	Mode      string `json:"mode"`
	RIT       int64  `json:"rit,omitempty"`
	XIT       int64  `json:"xit,omitempty"`
}

// StatusResponse is served by /api/status and pushed on /ws/status
type StatusResponse struct {
	Protocol     string        `json:"protocol"`
	Device       string        `json:"device"`
	Engine       string        `json:"engine"`
	Starts       int           `json:"starts"`
	Receivers    int           `json:"receivers"`
	SampleRates  []int         `json:"sample_rates"`
	VFO          []VFOView     `json:"vfo"`
	Transmitting bool          `json:"transmitting"`
	Tune         bool          `json:"tune"`
	Drive        uint8         `json:"drive"`
	Radio        radio.Status  `json:"radio"`
	SWR          float64       `json:"swr"`
	Stats        radio.Stats   `json:"stats"`
	Levels       map[int]Level `json:"levels,omitempty"`
	Firmware     *FirmwareInfo `json:"firmware,omitempty"`
}

func (d *daemon) snapshot() StatusResponse {
	s := d.store.Snapshot()
	st := d.engine.Status()
	resp := StatusResponse{
		Protocol:     d.cfg.Protocol().String(),
		Device:       s.Device.String(),
		Engine:       d.sup.State().String(),
		Starts:       d.sup.Runs(),
		Receivers:    s.Receivers,
		Transmitting: s.Transmitting,
		Tune:         s.Tune,
		Drive:        s.Transmitter.Drive,
		Radio:        st,
		SWR:          st.SWR(),
		Stats:        d.engine.Stats(),
		Levels:       d.levels.Levels(),
		Firmware:     d.events.Firmware(),
	}
	for rx := 0; rx < s.Receivers; rx++ {
		resp.SampleRates = append(resp.SampleRates, s.Receiver[rx].SampleRate)
	}
	for _, v := range s.VFO {
		view := VFOView{Frequency: v.Frequency, Mode: v.Mode.String()}
		if v.RITEnabled {
			view.RIT = v.RIT
		}
		if v.XITEnabled {
			view.XIT = v.XIT
		}
		resp.VFO = append(resp.VFO, view)
	}
	return resp
}

func (d *daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(d.snapshot()); err != nil {
		log.Printf("[WARN] API: failed to encode status: %v", err)
	}
}

// ControlRequest changes the radio state. Absent fields are left alone.
type ControlRequest struct {
	VFO       *int    `json:"vfo"` // defaults to 0
	Frequency *int64  `json:"frequency"`
	Mode      *string `json:"mode"`
	RIT       *int64  `json:"rit"` // 0 disables
	XIT       *int64  `json:"xit"`
	MOX       *bool   `json:"mox"`
	Tune      *bool   `json:"tune"`
	Drive     *int    `json:"drive"`
	Duplex    *bool   `json:"duplex"`
	TXVFO     *int    `json:"tx_vfo"`
}

// apply validates req and returns the mutation to run under the store lock
func (req ControlRequest) apply() (func(s *radio.State), error) {
	vfo := 0
	if req.VFO != nil {
		vfo = *req.VFO
	}
	if vfo < 0 || vfo > 1 {
		return nil, fmt.Errorf("vfo must be 0 or 1, got %d", vfo)
	}
	if req.TXVFO != nil && (*req.TXVFO < 0 || *req.TXVFO > 1) {
		return nil, fmt.Errorf("tx_vfo must be 0 or 1, got %d", *req.TXVFO)
	}
	if req.Frequency != nil && *req.Frequency < 0 {
		return nil, errors.New("frequency must not be negative")
	}
	var mode radio.Mode
	if req.Mode != nil {
		m, err := radio.ParseMode(*req.Mode)
		if err != nil {
			return nil, err
		}
		mode = m
	}
	if req.Drive != nil && (*req.Drive < 0 || *req.Drive > 255) {
		return nil, fmt.Errorf("drive must be 0..255, got %d", *req.Drive)
	}

	return func(s *radio.State) {
		v := &s.VFO[vfo]
		if req.Frequency != nil {
			v.Frequency = *req.Frequency
		}
		if req.Mode != nil {
			v.Mode = mode
		}
		if req.RIT != nil {
			v.RIT = *req.RIT
			v.RITEnabled = *req.RIT != 0
		}
		if req.XIT != nil {
			v.XIT = *req.XIT
			v.XITEnabled = *req.XIT != 0
		}
		if req.MOX != nil {
			s.Transmitting = *req.MOX
		}
		if req.Tune != nil {
			s.Tune = *req.Tune
		}
		if req.Drive != nil {
			s.Transmitter.Drive = uint8(*req.Drive)
		}
		if req.Duplex != nil {
			s.Duplex = *req.Duplex
		}
		if req.TXVFO != nil {
			s.TXVFO = *req.TXVFO
		}
	}, nil
}

func (d *daemon) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req ControlRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}
	fn, err := req.apply()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	d.store.Update(fn)
	log.Printf("[DEBUG] API: control from %s applied", r.RemoteAddr)
	d.handleStatus(w, r)
}
