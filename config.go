package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cwsl/ka9q_hpsdr/hpsdr/radio"
)

// Config represents the application configuration
type Config struct {
	Radio       RadioConfig       `yaml:"radio"`
	VFO         []VFOConfig       `yaml:"vfo"`
	Receivers   []ReceiverConfig  `yaml:"receivers"`
	ADC         []ADCConfig       `yaml:"adc"`
	Transmitter TransmitterConfig `yaml:"transmitter"`
	CW          CWConfig          `yaml:"cw"`
	Mic         MicConfig         `yaml:"mic"`
	Tuning      TuningConfig      `yaml:"tuning"`
	Throttle    radio.Throttles   `yaml:"throttle"`
	Server      ServerConfig      `yaml:"server"`
	Prometheus  PrometheusConfig  `yaml:"prometheus"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	RTP         RTPConfig         `yaml:"rtp"`
	Recorder    RecorderConfig    `yaml:"recorder"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// RadioConfig selects the hardware and how to reach it
type RadioConfig struct {
	Protocol    string `yaml:"protocol"`     // old or new
	Device      string `yaml:"device"`       // hermes, angelia, orion2, hermeslite2, ...
	Address     string `yaml:"address"`      // radio IPv4 address or hostname
	Interface   string `yaml:"interface"`    // optional network interface to bind to
	TCP         bool   `yaml:"tcp"`          // old protocol over TCP instead of UDP
	Receivers   int    `yaml:"receivers"`    // user receivers, 1 or 2
	FilterBoard string `yaml:"filter_board"` // none, alex, apollo, charly25
	DisablePA   bool   `yaml:"disable_pa"`
	NewPABoard  bool   `yaml:"new_pa_board"`
	HL2Codec    bool   `yaml:"hl2_audio_codec"`
	Preamp      bool   `yaml:"have_preamp"`
	AlexAtt     bool   `yaml:"alex_attenuator"`
	ClassE      bool   `yaml:"class_e"`
	IdleAudio   bool   `yaml:"idle_audio"` // feed silence when no DSP supplies TX audio

	Atlas AtlasConfig `yaml:"atlas"`

	ReadBuffer  int `yaml:"read_buffer"`  // SO_RCVBUF, bytes
	WriteBuffer int `yaml:"write_buffer"` // SO_SNDBUF, bytes
	TOS         int `yaml:"tos"`          // IP TOS byte
}

// AtlasConfig describes an Ozy/Metis backplane
type AtlasConfig struct {
	Penelope      bool `yaml:"penelope"`
	PenelopeMic   bool `yaml:"penelope_mic"`
	MercuryClock  bool `yaml:"mercury_clock"`
	Clock10Source int  `yaml:"clock_10mhz"` // 0 Atlas, 1 Penelope, 2 Mercury
}

// VFOConfig is one tuning slot
type VFOConfig struct {
	Frequency int64  `yaml:"frequency"` // Hz
	LO        int64  `yaml:"lo"`        // transverter LO, Hz
	Mode      string `yaml:"mode"`
	CTUN      bool   `yaml:"ctun"`
	Offset    int64  `yaml:"offset"`
	RIT       int64  `yaml:"rit"` // enabled when non zero
	XIT       int64  `yaml:"xit"`
	OCRx      uint8  `yaml:"oc_rx"`
	OCTx      uint8  `yaml:"oc_tx"`
	DisablePA bool   `yaml:"disable_pa"`
	SixMeter  bool   `yaml:"six_meter"`
}

// ReceiverConfig is one user receiver
type ReceiverConfig struct {
	ADC         int  `yaml:"adc"`
	SampleRate  int  `yaml:"sample_rate"`
	Antenna     int  `yaml:"antenna"`
	Attenuation int  `yaml:"alex_attenuation"` // 0..3, 10 dB steps
	Preamp      bool `yaml:"preamp"`
	Dither      bool `yaml:"dither"`
	Random      bool `yaml:"random"`
}

// ADCConfig holds per converter front end settings
type ADCConfig struct {
	Attenuation int `yaml:"attenuation"` // step attenuator, dB
	Gain        int `yaml:"gain"`        // HL2 LNA gain, dB
}

// TransmitterConfig is the TX side
type TransmitterConfig struct {
	Drive       int  `yaml:"drive"` // 0..255
	Attenuation int  `yaml:"attenuation"`
	Antenna     int  `yaml:"antenna"`
	PureSignal  bool `yaml:"puresignal"`
	TwoTone     bool `yaml:"twotone"`
	LocalMic    bool `yaml:"local_mic"`
	FeedbackADC int  `yaml:"feedback_adc"`
}

// CWConfig holds keyer settings
type CWConfig struct {
	InternalKeyer  *bool  `yaml:"internal_keyer"` // default true
	Speed          int    `yaml:"speed"`
	Weight         int    `yaml:"weight"`
	Spacing        bool   `yaml:"spacing"`
	Mode           string `yaml:"mode"` // straight, a, b
	HangTime       int    `yaml:"hang_time"`
	SidetoneFreq   int    `yaml:"sidetone_freq"`
	SidetoneVolume int    `yaml:"sidetone_volume"`
	PTTDelay       int    `yaml:"ptt_delay"`
	Breakin        bool   `yaml:"breakin"`
	Reversed       bool   `yaml:"reversed"`
}

// MicConfig holds microphone input settings
type MicConfig struct {
	Boost       bool    `yaml:"boost"`
	LineIn      bool    `yaml:"line_in"`
	LineInGain  float64 `yaml:"line_in_gain"`
	PTTDisabled bool    `yaml:"ptt_disabled"`
	Bias        bool    `yaml:"bias"`
	TipRing     bool    `yaml:"tip_ring"`
	XLR         bool    `yaml:"xlr"`
}

// TuningConfig holds receiver combination settings
type TuningConfig struct {
	Duplex      bool  `yaml:"duplex"`
	Diversity   bool  `yaml:"diversity"`
	Calibration int64 `yaml:"calibration"` // Hz added to every frequency
}

// ServerConfig contains the HTTP listener settings
type ServerConfig struct {
	Listen       string `yaml:"listen"`
	IQFrameSize  int    `yaml:"iq_frame_size"` // complex samples per websocket frame
	StatusPeriod int    `yaml:"status_period"` // ms between /ws/status pushes
	StatsBlock   int    `yaml:"stats_block"`   // samples per power measurement
	ControlRate  int    `yaml:"control_rate"`  // control requests per second per client, -1 unlimited
}

// PrometheusConfig contains Prometheus metrics settings
type PrometheusConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Pushgateway PushgatewayConfig `yaml:"pushgateway"`
}

// PushgatewayConfig contains Prometheus Pushgateway settings
type PushgatewayConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Job      string `yaml:"job"`
	Instance string `yaml:"instance"`
	Token    string `yaml:"token"`
	Interval int    `yaml:"interval"` // seconds
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Broker          string        `yaml:"broker"` // tcp://host:1883
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	TopicPrefix     string        `yaml:"topic_prefix"`
	PublishInterval int           `yaml:"publish_interval"` // seconds
	QoS             byte          `yaml:"qos"`
	Retain          bool          `yaml:"retain"`
	TLS             MQTTTLSConfig `yaml:"tls"`
}

// MQTTTLSConfig contains MQTT TLS/SSL settings
type MQTTTLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// RTPConfig forwards one receiver's IQ as RTP
type RTPConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Destination      string `yaml:"destination"` // host:port, unicast or multicast
	Receiver         int    `yaml:"receiver"`
	PayloadType      uint8  `yaml:"payload_type"`
	SamplesPerPacket int    `yaml:"samples_per_packet"`
	TTL              int    `yaml:"ttl"` // multicast TTL
}

// RecorderConfig captures one receiver's IQ to a zstd file
type RecorderConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Path     string `yaml:"path"`
	Receiver int    `yaml:"receiver"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Debug bool `yaml:"debug"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration and applies defaults
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	config.applyDefaults()
	return &config, nil
}

// DefaultConfig is used when no configuration file exists
func DefaultConfig() *Config {
	var config Config
	config.applyDefaults()
	return &config
}

func (c *Config) applyDefaults() {
	if c.Radio.Protocol == "" {
		c.Radio.Protocol = "old"
	}
	if c.Radio.Device == "" {
		c.Radio.Device = "hermes"
	}
	if c.Radio.Receivers == 0 {
		c.Radio.Receivers = 1
	}
	if c.Radio.FilterBoard == "" {
		c.Radio.FilterBoard = "alex"
	}
	if len(c.VFO) == 0 {
		c.VFO = []VFOConfig{{Frequency: 14200000, Mode: "USB"}}
	}
	for len(c.VFO) < 2 {
		c.VFO = append(c.VFO, c.VFO[0])
	}
	for i := range c.VFO {
		if c.VFO[i].Mode == "" {
			c.VFO[i].Mode = "USB"
		}
	}
	for len(c.Receivers) < radio.MaxReceivers {
		c.Receivers = append(c.Receivers, ReceiverConfig{})
	}
	for i := range c.Receivers {
		if c.Receivers[i].SampleRate == 0 {
			c.Receivers[i].SampleRate = 48000
		}
	}
	for len(c.ADC) < 2 {
		c.ADC = append(c.ADC, ADCConfig{})
	}

	if c.CW.InternalKeyer == nil {
		on := true
		c.CW.InternalKeyer = &on
	}
	if c.CW.Speed == 0 {
		c.CW.Speed = 20
	}
	if c.CW.Weight == 0 {
		c.CW.Weight = 50
	}
	if c.CW.Mode == "" {
		c.CW.Mode = "b"
	}
	if c.CW.HangTime == 0 {
		c.CW.HangTime = 300
	}
	if c.CW.SidetoneFreq == 0 {
		c.CW.SidetoneFreq = 650
	}
	if c.CW.SidetoneVolume == 0 {
		c.CW.SidetoneVolume = 50
	}
	if c.CW.PTTDelay == 0 {
		c.CW.PTTDelay = 20
	}

	c.Throttle = c.Throttle.Normalize()

	if c.Server.Listen == "" {
		c.Server.Listen = ":8073"
	}
	if c.Server.IQFrameSize == 0 {
		c.Server.IQFrameSize = 1024
	}
	if c.Server.StatusPeriod == 0 {
		c.Server.StatusPeriod = 1000
	}
	if c.Server.StatsBlock == 0 {
		c.Server.StatsBlock = 4800
	}
	if c.Server.ControlRate == 0 {
		c.Server.ControlRate = 20
	}

	if c.Prometheus.Pushgateway.Job == "" {
		c.Prometheus.Pushgateway.Job = "ka9q_hpsdr"
	}
	if c.Prometheus.Pushgateway.Interval == 0 {
		c.Prometheus.Pushgateway.Interval = 60
	}

	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "hpsdr"
	}
	if c.MQTT.PublishInterval == 0 {
		c.MQTT.PublishInterval = 10
	}

	if c.RTP.PayloadType == 0 {
		c.RTP.PayloadType = 96 // first dynamic type
	}
	if c.RTP.SamplesPerPacket == 0 {
		c.RTP.SamplesPerPacket = 240
	}
	if c.RTP.TTL == 0 {
		c.RTP.TTL = 1
	}

	if c.Recorder.Path == "" {
		c.Recorder.Path = "capture.iq.zst"
	}
}

// Validate checks the configuration for values the engines cannot use
func (c *Config) Validate() error {
	var errs []error
	if _, err := radio.ParseProtocol(c.Radio.Protocol); err != nil {
		errs = append(errs, fmt.Errorf("radio.protocol: %w", err))
	}
	device, err := radio.ParseDeviceFamily(c.Radio.Device)
	if err != nil {
		errs = append(errs, fmt.Errorf("radio.device: %w", err))
	}
	if _, err := radio.ParseFilterBoard(c.Radio.FilterBoard); err != nil {
		errs = append(errs, fmt.Errorf("radio.filter_board: %w", err))
	}
	if c.Radio.Receivers < 1 || c.Radio.Receivers > radio.MaxReceivers {
		errs = append(errs, fmt.Errorf("radio.receivers must be 1..%d, got %d", radio.MaxReceivers, c.Radio.Receivers))
	}
	if c.Radio.TCP && strings.EqualFold(c.Radio.Protocol, "new") {
		errs = append(errs, errors.New("radio.tcp is only supported with the old protocol"))
	}

	maxRate := device.Caps().MaxSampleRate
	for i, rx := range c.Receivers {
		switch rx.SampleRate {
		case 48000, 96000, 192000, 384000, 768000, 1536000:
		default:
			errs = append(errs, fmt.Errorf("receivers[%d].sample_rate %d is not a supported rate", i, rx.SampleRate))
			continue
		}
		if err == nil && rx.SampleRate > maxRate {
			errs = append(errs, fmt.Errorf("receivers[%d].sample_rate %d exceeds the %s maximum of %d", i, rx.SampleRate, device, maxRate))
		}
		if rx.Attenuation < 0 || rx.Attenuation > 3 {
			errs = append(errs, fmt.Errorf("receivers[%d].alex_attenuation must be 0..3", i))
		}
	}
	for i, v := range c.VFO {
		if _, err := radio.ParseMode(v.Mode); err != nil {
			errs = append(errs, fmt.Errorf("vfo[%d].mode: %w", i, err))
		}
		if v.Frequency < 0 {
			errs = append(errs, fmt.Errorf("vfo[%d].frequency must not be negative", i))
		}
	}
	if c.Transmitter.Drive < 0 || c.Transmitter.Drive > 255 {
		errs = append(errs, fmt.Errorf("transmitter.drive must be 0..255, got %d", c.Transmitter.Drive))
	}
	if _, err := keyerMode(c.CW.Mode); err != nil {
		errs = append(errs, fmt.Errorf("cw.mode: %w", err))
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}
	if c.RTP.Enabled {
		if _, _, err := net.SplitHostPort(c.RTP.Destination); err != nil {
			errs = append(errs, fmt.Errorf("rtp.destination: %w", err))
		}
		if c.RTP.Receiver < 0 || c.RTP.Receiver >= radio.MaxReceivers {
			errs = append(errs, fmt.Errorf("rtp.receiver must be 0..%d", radio.MaxReceivers-1))
		}
	}
	if c.Recorder.Enabled && (c.Recorder.Receiver < 0 || c.Recorder.Receiver >= radio.MaxReceivers) {
		errs = append(errs, fmt.Errorf("recorder.receiver must be 0..%d", radio.MaxReceivers-1))
	}
	return errors.Join(errs...)
}

func keyerMode(s string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "straight", "0":
		return radio.KeyerStraight, nil
	case "a", "1":
		return radio.KeyerModeA, nil
	case "b", "2", "":
		return radio.KeyerModeB, nil
	}
	return 0, fmt.Errorf("unknown keyer mode %q", s)
}

// Protocol returns the configured wire protocol. Call after Validate.
func (c *Config) Protocol() radio.Protocol {
	p, _ := radio.ParseProtocol(c.Radio.Protocol)
	return p
}

// State builds the initial radio state. Call after Validate.
func (c *Config) State() radio.State {
	s := radio.DefaultState()
	s.Device, _ = radio.ParseDeviceFamily(c.Radio.Device)
	s.FilterBoard, _ = radio.ParseFilterBoard(c.Radio.FilterBoard)
	s.Atlas = radio.Atlas{
		Penelope:      c.Radio.Atlas.Penelope,
		PenelopeMic:   c.Radio.Atlas.PenelopeMic,
		MercuryClock:  c.Radio.Atlas.MercuryClock,
		Clock10Source: c.Radio.Atlas.Clock10Source,
	}
	s.NewPABoard = c.Radio.NewPABoard
	s.PAEnabled = !c.Radio.DisablePA
	s.HL2AudioCodec = c.Radio.HL2Codec
	s.HavePreamp = c.Radio.Preamp
	s.AlexAtt = c.Radio.AlexAtt || s.FilterBoard == radio.FilterAlex
	s.ClassE = c.Radio.ClassE
	s.Receivers = c.Radio.Receivers

	for i := range s.Receiver {
		rx := c.Receivers[i]
		s.Receiver[i] = radio.Receiver{
			ADC:             rx.ADC,
			SampleRate:      rx.SampleRate,
			Antenna:         rx.Antenna,
			AlexAttenuation: rx.Attenuation,
			Preamp:          rx.Preamp,
			Dither:          rx.Dither,
			Random:          rx.Random,
		}
	}
	s.PSFeedback = radio.Receiver{ADC: c.Transmitter.FeedbackADC, SampleRate: 192000}
	for i := range s.ADC {
		s.ADC[i] = radio.ADC{Attenuation: c.ADC[i].Attenuation, Gain: c.ADC[i].Gain}
	}

	for i := range s.VFO {
		v := c.VFO[i]
		mode, _ := radio.ParseMode(v.Mode)
		s.VFO[i] = radio.VFO{
			Frequency:  v.Frequency,
			LO:         v.LO,
			Mode:       mode,
			CTUN:       v.CTUN,
			Offset:     v.Offset,
			RITEnabled: v.RIT != 0,
			RIT:        v.RIT,
			XITEnabled: v.XIT != 0,
			XIT:        v.XIT,
			Band: radio.Band{
				OCRx:      v.OCRx,
				OCTx:      v.OCTx,
				DisablePA: v.DisablePA,
				SixMeter:  v.SixMeter,
			},
		}
	}

	s.Duplex = c.Tuning.Duplex
	s.Diversity = c.Tuning.Diversity
	s.Calibration = c.Tuning.Calibration

	s.Transmitter = radio.Transmitter{
		Drive:       uint8(c.Transmitter.Drive),
		Attenuation: c.Transmitter.Attenuation,
		Antenna:     c.Transmitter.Antenna,
		PureSignal:  c.Transmitter.PureSignal,
		TwoTone:     c.Transmitter.TwoTone,
		LocalMic:    c.Transmitter.LocalMic,
	}

	keyer, _ := keyerMode(c.CW.Mode)
	s.CW = radio.CW{
		KeyerInternal:  *c.CW.InternalKeyer,
		Speed:          c.CW.Speed,
		Weight:         c.CW.Weight,
		Spacing:        c.CW.Spacing,
		Mode:           keyer,
		HangTime:       c.CW.HangTime,
		SidetoneFreq:   c.CW.SidetoneFreq,
		SidetoneVolume: c.CW.SidetoneVolume,
		PTTDelay:       c.CW.PTTDelay,
		Breakin:        c.CW.Breakin,
		KeysReversed:   c.CW.Reversed,
	}
	s.Mic = radio.Mic{
		Boost:       c.Mic.Boost,
		LineIn:      c.Mic.LineIn,
		LineInGain:  c.Mic.LineInGain,
		PTTDisabled: c.Mic.PTTDisabled,
		Bias:        c.Mic.Bias,
		TipRing:     c.Mic.TipRing,
		XLR:         c.Mic.XLR,
	}
	return s
}
