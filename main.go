package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/logutils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/cwsl/ka9q_hpsdr/emulator"
	"github.com/cwsl/ka9q_hpsdr/hpsdr/newproto"
	"github.com/cwsl/ka9q_hpsdr/hpsdr/oldproto"
	"github.com/cwsl/ka9q_hpsdr/hpsdr/radio"
	"github.com/cwsl/ka9q_hpsdr/hpsdr/supervisor"
	"github.com/cwsl/ka9q_hpsdr/hpsdr/transport"
)

// Version is set at build time
var Version = "dev"

const (
	statsInterval = time.Second
	restartPoll   = 500 * time.Millisecond
)

func setupLogging(debug bool) {
	minLogLevel := "INFO"
	if debug {
		minLogLevel = "DEBUG"
	}
	filter := &logutils.LevelFilter{
		Levels:   []logutils.LogLevel{"DEBUG", "INFO", "WARN", "ERROR"},
		MinLevel: logutils.LogLevel(minLogLevel),
		Writer:   os.Stderr,
	}
	log.SetOutput(filter)
	log.Print("[DEBUG] Debug is on")
}

// dialer returns the link factory for the configured transport
func dialer(cfg *Config, address string) func(ctx context.Context) (transport.Conn, error) {
	if cfg.Radio.TCP {
		addr := net.JoinHostPort(address, strconv.Itoa(oldproto.DataPort))
		return func(ctx context.Context) (transport.Conn, error) {
			return transport.DialTCP(ctx, addr)
		}
	}
	udp := transport.UDPConfig{
		Radio:       address,
		Interface:   cfg.Radio.Interface,
		ReadBuffer:  cfg.Radio.ReadBuffer,
		WriteBuffer: cfg.Radio.WriteBuffer,
		TOS:         cfg.Radio.TOS,
	}
	return func(ctx context.Context) (transport.Conn, error) {
		return transport.DialUDP(ctx, udp)
	}
}

// startEmulator binds an emulated radio on loopback and serves it until ctx
// is done
func startEmulator(ctx context.Context, cfg *Config, state radio.State) error {
	ecfg := emulator.Config{Device: state.Device}
	var (
		ports []int
		serve func(context.Context, transport.Conn) error
	)
	if cfg.Protocol() == radio.ProtocolNew {
		ports, serve = emulator.Protocol2Ports(), emulator.NewProtocol2(ecfg).Serve
	} else {
		ports, serve = emulator.Protocol1Ports, emulator.NewProtocol1(ecfg).Serve
	}
	l, err := emulator.ListenUDP("127.0.0.1", ports)
	if err != nil {
		return err
	}
	go func() {
		defer l.Close()
		if err := serve(ctx, l); err != nil {
			log.Printf("[ERROR] Emulator: %v", err)
		}
	}()
	return nil
}

func newEngine(cfg *Config, dial func(context.Context) (transport.Conn, error), store *radio.Store, sink radio.Sink, listener radio.StatusListener) engine {
	if cfg.Protocol() == radio.ProtocolNew {
		return newproto.New(newproto.Config{
			Dial:      dial,
			Store:     store,
			Sink:      sink,
			Listener:  listener,
			Throttles: cfg.Throttle,
		})
	}
	return oldproto.New(oldproto.Config{
		Dial:      dial,
		TCP:       cfg.Radio.TCP,
		Store:     store,
		Sink:      sink,
		Listener:  listener,
		Throttles: cfg.Throttle,
		IdleAudio: cfg.Radio.IdleAudio,
	})
}

func main() {
	configFile := pflag.StringP("config", "c", "config.yaml", "Path to configuration file")
	debug := pflag.BoolP("debug", "d", false, "Emit debug log messages")
	emulate := pflag.Bool("emulate", false, "Run against a built in emulated radio on loopback")
	listen := pflag.StringP("listen", "l", "", "HTTP listen address (overrides server.listen)")
	radioAddr := pflag.StringP("radio", "r", "", "Radio address (overrides radio.address)")
	protocol := pflag.StringP("protocol", "p", "", "Wire protocol, old or new (overrides radio.protocol)")
	showVersion := pflag.Bool("version", false, "Print the version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Println("ka9q_hpsdr", Version)
		return
	}

	config, err := LoadConfig(*configFile)
	if errors.Is(err, os.ErrNotExist) {
		config = DefaultConfig()
		err = nil
	}
	if err != nil {
		setupLogging(*debug)
		log.Fatalf("[ERROR] Failed to load configuration: %v", err)
	}
	setupLogging(*debug || config.Logging.Debug)

	if *listen != "" {
		config.Server.Listen = *listen
	}
	if *radioAddr != "" {
		config.Radio.Address = *radioAddr
	}
	if *protocol != "" {
		config.Radio.Protocol = *protocol
	}
	if *emulate {
		config.Radio.Address = "127.0.0.1"
		config.Radio.TCP = false
	}
	if err := config.Validate(); err != nil {
		log.Fatalf("[ERROR] Invalid configuration: %v", err)
	}
	if config.Radio.Address == "" {
		log.Fatalf("[ERROR] No radio address configured; set radio.address, pass --radio or use --emulate")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	instance := uuid.NewString()
	log.Printf("[INFO] ka9q_hpsdr %s starting, instance %s", Version, instance)

	reg := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(reg)
	metrics.StartResourceUpdater(ctx, 10*time.Second)
	metrics.StartPushgatewayWorker(ctx, config)

	var mqttPub *MQTTPublisher
	if config.MQTT.Enabled {
		mqttPub, err = NewMQTTPublisher(&config.MQTT, metrics.Gatherer(), instance)
		if err != nil {
			log.Printf("[ERROR] MQTT: %v", err)
		} else {
			mqttPub.StartPublisher(ctx)
			defer mqttPub.Disconnect()
		}
	}

	state := config.State()
	store := radio.NewStore(state)
	events := &radioEvents{metrics: metrics, mqtt: mqttPub}

	hub := newIQHub(metrics)
	levels := newLevelMeter(config.Server.StatsBlock, metrics)
	sinks := fanoutSink{hub.sink(config.Server.IQFrameSize), levels}

	var tasks []supervisor.Task
	if config.RTP.Enabled {
		fwd, err := NewRTPForwarder(config.RTP, metrics)
		if err != nil {
			log.Fatalf("[ERROR] RTP: %v", err)
		}
		defer fwd.Close()
		sinks = append(sinks, fwd)
		tasks = append(tasks, fwd.Run)
	}
	if config.Recorder.Enabled {
		rec, err := NewIQRecorder(config.Recorder.Path, config.Recorder.Receiver, metrics)
		if err != nil {
			log.Fatalf("[ERROR] Recorder: %v", err)
		}
		defer func() {
			if err := rec.Close(); err != nil {
				log.Printf("[ERROR] Recorder: %v", err)
			}
		}()
		sinks = append(sinks, rec)
		tasks = append(tasks, rec.Run)
	}

	if *emulate {
		if err := startEmulator(ctx, config, state); err != nil {
			log.Fatalf("[ERROR] Emulator: %v", err)
		}
	}

	eng := newEngine(config, dialer(config, config.Radio.Address), store, sinks, events)
	sup := supervisor.New(eng)
	sup.Attach(metrics.StatsTask(eng, statsInterval))
	for _, t := range tasks {
		sup.Attach(t)
	}
	sup.OnStateChange = func(st supervisor.State) {
		metrics.SetEngineState(config.Protocol(), st)
	}

	d := &daemon{cfg: config, store: store, engine: eng, sup: sup, levels: levels, events: events}

	limiter := NewClientRateLimiter(config.Server.ControlRate)
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				limiter.Cleanup()
			}
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/api/status", d.handleStatus)
	mux.HandleFunc("/api/control", limiter.Wrap(d.handleControl))
	mux.HandleFunc("/api/restart", limiter.Wrap(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := sup.Restart(ctx); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		d.handleStatus(w, r)
	}))
	mux.HandleFunc("/ws/iq", hub.handleIQWebSocket)
	mux.HandleFunc("/ws/status", handleStatusWebSocket(d.snapshot,
		time.Duration(config.Server.StatusPeriod)*time.Millisecond, metrics))

	server := &http.Server{
		Addr:              config.Server.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[INFO] HTTP: listening on %s", config.Server.Listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[ERROR] HTTP server failed: %v", err)
		}
	}()

	if err := sup.Start(ctx); err != nil {
		log.Fatalf("[ERROR] Failed to start engine: %v", err)
	}
	go watchEngine(ctx, sup)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Printf("[INFO] Shutting down")

	// cancelling ctx runs the protocol stop sequence
	cancel()
	if done := sup.Done(); done != nil {
		<-done
	}
	if err := sup.Err(); err != nil {
		log.Printf("[WARN] Engine stopped with: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[WARN] HTTP shutdown: %v", err)
	}
}

// watchEngine terminates the daemon when a run ends on its own with an
// error. Runs ended by Stop or a restart request are left alone.
func watchEngine(ctx context.Context, sup *supervisor.Supervisor) {
	for {
		done := sup.Done()
		select {
		case <-ctx.Done():
			return
		case <-done:
		}
		if err := sup.Err(); err != nil && ctx.Err() == nil {
			log.Fatalf("[ERROR] Engine failed: %v", err)
		}
		// stopped on request, wait for the next run
		select {
		case <-ctx.Done():
			return
		case <-time.After(restartPoll):
		}
	}
}
