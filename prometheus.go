package main

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/cwsl/ka9q_hpsdr/hpsdr/radio"
	"github.com/cwsl/ka9q_hpsdr/hpsdr/supervisor"
)

// statsSource is what the metrics updater polls. Both engines implement it.
type statsSource interface {
	Stats() radio.Stats
	Status() radio.Status
}

// PrometheusMetrics holds all Prometheus metric collectors for engine health,
// radio telemetry and system metrics
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Engine (protocol label)
	engineState    *prometheus.GaugeVec // 0 stopped, 1 starting, 2 running, 3 stopping
	engineStarts   prometheus.Counter
	sequenceErrors prometheus.Gauge

	// Stream health (stream label)
	streamOverflows *prometheus.GaugeVec
	streamDropped   *prometheus.GaugeVec
	streamQueued    *prometheus.GaugeVec
	poolBuffers     prometheus.Gauge
	poolInUse       prometheus.Gauge

	// Radio telemetry, raw ADC counts unless noted
	ptt          prometheus.Gauge
	adcOverload  prometheus.Gauge
	pllLocked    prometheus.Gauge
	forward      prometheus.Gauge
	reverse      prometheus.Gauge
	exciter      prometheus.Gauge
	swr          prometheus.Gauge
	supply       prometheus.Gauge
	temperature  prometheus.Gauge
	current      prometheus.Gauge
	fifoUnder    prometheus.Gauge
	fifoOver     prometheus.Gauge
	firmwareInfo *prometheus.GaugeVec

	// Signal level per receiver
	iqPowerDBFS *prometheus.GaugeVec
	iqPeakDBFS  *prometheus.GaugeVec

	// Outputs
	wsConnectionsTotal  *prometheus.CounterVec
	wsActiveConnections *prometheus.GaugeVec
	wsDroppedFrames     *prometheus.CounterVec
	rtpPacketsTotal     prometheus.Counter
	rtpBytesTotal       prometheus.Counter
	recorderBytesTotal  prometheus.Counter

	// Pushgateway
	pushgatewayPushesTotal   prometheus.Counter
	pushgatewaySuccessTotal  prometheus.Counter
	pushgatewayFailuresTotal prometheus.Counter
	pushgatewayLastPushTime  prometheus.Gauge

	// Resource usage
	goroutineCount   prometheus.Gauge
	memoryAllocBytes prometheus.Gauge
	memoryHeapBytes  prometheus.Gauge
	gcPauseSeconds   prometheus.Gauge
	cpuPercent       prometheus.Gauge
	systemMemPercent prometheus.Gauge
}

// NewPrometheusMetrics registers every collector on reg
func NewPrometheusMetrics(reg *prometheus.Registry) *PrometheusMetrics {
	f := promauto.With(reg)
	pm := &PrometheusMetrics{
		registry: reg,

		engineState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hpsdr_engine_state",
			Help: "Engine lifecycle state: 0 stopped, 1 starting, 2 running, 3 stopping",
		}, []string{"protocol"}),
		engineStarts: f.NewCounter(prometheus.CounterOpts{
			Name: "hpsdr_engine_starts_total",
			Help: "Number of times the engine has been started",
		}),
		sequenceErrors: f.NewGauge(prometheus.GaugeOpts{
			Name: "hpsdr_sequence_errors",
			Help: "Inbound packets with an unexpected sequence number since start",
		}),

		streamOverflows: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hpsdr_stream_overflows",
			Help: "Ring buffer overflow episodes per stream",
		}, []string{"stream"}),
		streamDropped: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hpsdr_stream_dropped",
			Help: "Units dropped while throttled per stream",
		}, []string{"stream"}),
		streamQueued: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hpsdr_stream_queued",
			Help: "Units currently queued per stream",
		}, []string{"stream"}),
		poolBuffers: f.NewGauge(prometheus.GaugeOpts{
			Name: "hpsdr_pool_buffers",
			Help: "Packet buffers allocated by the pool",
		}),
		poolInUse: f.NewGauge(prometheus.GaugeOpts{
			Name: "hpsdr_pool_in_use",
			Help: "Packet buffers currently handed out",
		}),

		ptt: f.NewGauge(prometheus.GaugeOpts{
			Name: "hpsdr_ptt",
			Help: "PTT asserted at the radio",
		}),
		adcOverload: f.NewGauge(prometheus.GaugeOpts{
			Name: "hpsdr_adc_overload",
			Help: "ADC overload reported in the last status",
		}),
		pllLocked: f.NewGauge(prometheus.GaugeOpts{
			Name: "hpsdr_pll_locked",
			Help: "10 MHz reference PLL locked",
		}),
		forward: f.NewGauge(prometheus.GaugeOpts{
			Name: "hpsdr_forward_power_raw",
			Help: "Averaged forward power ADC reading",
		}),
		reverse: f.NewGauge(prometheus.GaugeOpts{
			Name: "hpsdr_reverse_power_raw",
			Help: "Averaged reverse power ADC reading",
		}),
		exciter: f.NewGauge(prometheus.GaugeOpts{
			Name: "hpsdr_exciter_power_raw",
			Help: "Exciter power ADC reading",
		}),
		swr: f.NewGauge(prometheus.GaugeOpts{
			Name: "hpsdr_swr",
			Help: "Standing wave ratio computed from forward and reverse power",
		}),
		supply: f.NewGauge(prometheus.GaugeOpts{
			Name: "hpsdr_supply_raw",
			Help: "Supply voltage ADC reading",
		}),
		temperature: f.NewGauge(prometheus.GaugeOpts{
			Name: "hpsdr_temperature_raw",
			Help: "PA temperature ADC reading",
		}),
		current: f.NewGauge(prometheus.GaugeOpts{
			Name: "hpsdr_pa_current_raw",
			Help: "PA current ADC reading",
		}),
		fifoUnder: f.NewGauge(prometheus.GaugeOpts{
			Name: "hpsdr_tx_fifo_underruns",
			Help: "Hermes-Lite 2 TX FIFO underruns",
		}),
		fifoOver: f.NewGauge(prometheus.GaugeOpts{
			Name: "hpsdr_tx_fifo_overruns",
			Help: "Hermes-Lite 2 TX FIFO overruns",
		}),
		firmwareInfo: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hpsdr_firmware_info",
			Help: "Firmware reported by the radio, 1 when at least the known minimum",
		}, []string{"device", "version"}),

		iqPowerDBFS: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hpsdr_iq_power_dbfs",
			Help: "Mean IQ power per receiver in dBFS",
		}, []string{"receiver"}),
		iqPeakDBFS: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hpsdr_iq_peak_dbfs",
			Help: "Peak IQ magnitude per receiver in dBFS",
		}, []string{"receiver"}),

		wsConnectionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hpsdr_websocket_connections_total",
			Help: "WebSocket connections accepted",
		}, []string{"type"}),
		wsActiveConnections: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hpsdr_websocket_active_connections",
			Help: "WebSocket connections currently open",
		}, []string{"type"}),
		wsDroppedFrames: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hpsdr_websocket_dropped_frames_total",
			Help: "Frames dropped because a client could not keep up",
		}, []string{"type"}),
		rtpPacketsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "hpsdr_rtp_packets_total",
			Help: "RTP packets forwarded",
		}),
		rtpBytesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "hpsdr_rtp_bytes_total",
			Help: "RTP bytes forwarded including headers",
		}),
		recorderBytesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "hpsdr_recorder_bytes_total",
			Help: "Uncompressed IQ bytes written by the recorder",
		}),

		pushgatewayPushesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "hpsdr_pushgateway_pushes_total",
			Help: "Pushgateway push attempts",
		}),
		pushgatewaySuccessTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "hpsdr_pushgateway_success_total",
			Help: "Successful Pushgateway pushes",
		}),
		pushgatewayFailuresTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "hpsdr_pushgateway_failures_total",
			Help: "Failed Pushgateway pushes",
		}),
		pushgatewayLastPushTime: f.NewGauge(prometheus.GaugeOpts{
			Name: "hpsdr_pushgateway_last_push_timestamp",
			Help: "Unix timestamp of the last successful push",
		}),

		goroutineCount: f.NewGauge(prometheus.GaugeOpts{
			Name: "hpsdr_goroutines",
			Help: "Number of goroutines",
		}),
		memoryAllocBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "hpsdr_memory_alloc_bytes",
			Help: "Currently allocated heap bytes",
		}),
		memoryHeapBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "hpsdr_memory_heap_bytes",
			Help: "Heap bytes in use",
		}),
		gcPauseSeconds: f.NewGauge(prometheus.GaugeOpts{
			Name: "hpsdr_gc_pause_seconds",
			Help: "Most recent GC pause",
		}),
		cpuPercent: f.NewGauge(prometheus.GaugeOpts{
			Name: "hpsdr_system_cpu_percent",
			Help: "System wide CPU utilisation",
		}),
		systemMemPercent: f.NewGauge(prometheus.GaugeOpts{
			Name: "hpsdr_system_memory_percent",
			Help: "System wide memory utilisation",
		}),
	}
	return pm
}

// Gatherer exposes the registry for promhttp and the MQTT publisher
func (pm *PrometheusMetrics) Gatherer() prometheus.Gatherer {
	if pm == nil {
		return prometheus.NewRegistry()
	}
	return pm.registry
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// SetEngineState records a supervisor transition
func (pm *PrometheusMetrics) SetEngineState(protocol radio.Protocol, st supervisor.State) {
	if pm == nil {
		return
	}
	pm.engineState.WithLabelValues(protocol.String()).Set(float64(st))
	if st == supervisor.Starting {
		pm.engineStarts.Inc()
	}
}

// UpdateFromStats copies an engine health snapshot
func (pm *PrometheusMetrics) UpdateFromStats(st radio.Stats) {
	if pm == nil {
		return
	}
	pm.sequenceErrors.Set(float64(st.SequenceErrors))
	for _, s := range st.Streams {
		pm.streamOverflows.WithLabelValues(s.Name).Set(float64(s.Overflows))
		pm.streamDropped.WithLabelValues(s.Name).Set(float64(s.Dropped))
		pm.streamQueued.WithLabelValues(s.Name).Set(float64(s.Queued))
	}
	pm.poolBuffers.Set(float64(st.PoolBuffers))
	pm.poolInUse.Set(float64(st.PoolInUse))
}

// UpdateFromStatus copies the radio's last reported status
func (pm *PrometheusMetrics) UpdateFromStatus(s radio.Status) {
	if pm == nil {
		return
	}
	pm.ptt.Set(boolGauge(s.PTT))
	pm.adcOverload.Set(boolGauge(s.ADCOverload))
	pm.pllLocked.Set(boolGauge(s.PLLLocked))
	pm.forward.Set(float64(s.Forward))
	pm.reverse.Set(float64(s.Reverse))
	pm.exciter.Set(float64(s.Exciter))
	pm.swr.Set(s.SWR())
	pm.supply.Set(float64(s.SupplyVolts))
	pm.temperature.Set(float64(s.Temperature))
	pm.current.Set(float64(s.Current))
	pm.fifoUnder.Set(float64(s.FIFOUnderruns))
	pm.fifoOver.Set(float64(s.FIFOOverruns))
}

// RecordFirmware publishes the firmware check result
func (pm *PrometheusMetrics) RecordFirmware(device radio.DeviceFamily, version string, ok bool) {
	if pm == nil {
		return
	}
	pm.firmwareInfo.Reset()
	pm.firmwareInfo.WithLabelValues(device.String(), version).Set(boolGauge(ok))
}

// SetIQLevel records the signal level of one receiver
func (pm *PrometheusMetrics) SetIQLevel(rx int, meanDBFS, peakDBFS float64) {
	if pm == nil {
		return
	}
	label := fmt.Sprintf("%d", rx)
	pm.iqPowerDBFS.WithLabelValues(label).Set(meanDBFS)
	pm.iqPeakDBFS.WithLabelValues(label).Set(peakDBFS)
}

// WebSocket connection tracking methods
func (pm *PrometheusMetrics) RecordWSConnection(wsType string) {
	if pm == nil {
		return
	}
	pm.wsConnectionsTotal.WithLabelValues(wsType).Inc()
	pm.wsActiveConnections.WithLabelValues(wsType).Inc()
}

func (pm *PrometheusMetrics) RecordWSDisconnect(wsType string) {
	if pm == nil {
		return
	}
	pm.wsActiveConnections.WithLabelValues(wsType).Dec()
}

func (pm *PrometheusMetrics) RecordWSDrop(wsType string) {
	if pm == nil {
		return
	}
	pm.wsDroppedFrames.WithLabelValues(wsType).Inc()
}

// RecordRTPPacket counts one forwarded packet of n bytes
func (pm *PrometheusMetrics) RecordRTPPacket(n int) {
	if pm == nil {
		return
	}
	pm.rtpPacketsTotal.Inc()
	pm.rtpBytesTotal.Add(float64(n))
}

// RecordRecorderBytes counts uncompressed bytes handed to the recorder
func (pm *PrometheusMetrics) RecordRecorderBytes(n int) {
	if pm == nil {
		return
	}
	pm.recorderBytesTotal.Add(float64(n))
}

// updateResourceMetrics updates process and host resource usage
func (pm *PrometheusMetrics) updateResourceMetrics() {
	if pm == nil {
		return
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	pm.goroutineCount.Set(float64(runtime.NumGoroutine()))
	pm.memoryAllocBytes.Set(float64(m.Alloc))
	pm.memoryHeapBytes.Set(float64(m.HeapAlloc))
	if m.NumGC > 0 {
		lastPause := m.PauseNs[(m.NumGC+255)%256]
		pm.gcPauseSeconds.Set(float64(lastPause) / 1e9)
	}

	// zero interval compares against the previous call
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		pm.cpuPercent.Set(pct[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		pm.systemMemPercent.Set(vm.UsedPercent)
	}
}

// StatsTask polls src every interval. It is attached to the supervisor so it
// runs exactly while the engine does.
func (pm *PrometheusMetrics) StatsTask(src statsSource, interval time.Duration) supervisor.Task {
	return func(ctx context.Context) error {
		if pm == nil {
			return nil
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				pm.UpdateFromStats(src.Stats())
				pm.UpdateFromStatus(src.Status())
			}
		}
	}
}

// StartResourceUpdater refreshes resource metrics until ctx is done
func (pm *PrometheusMetrics) StartResourceUpdater(ctx context.Context, interval time.Duration) {
	if pm == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		pm.updateResourceMetrics()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pm.updateResourceMetrics()
			}
		}
	}()
}

// StartPushgatewayWorker periodically pushes the registry to a Pushgateway
func (pm *PrometheusMetrics) StartPushgatewayWorker(ctx context.Context, config *Config) {
	if pm == nil || !config.Prometheus.Pushgateway.Enabled {
		return
	}

	pgConfig := config.Prometheus.Pushgateway
	if pgConfig.URL == "" {
		log.Printf("[WARN] Metrics: Pushgateway enabled without a URL, not pushing")
		return
	}

	log.Printf("[INFO] Metrics: Pushgateway worker URL=%s Job=%s Instance=%s Interval=%ds",
		pgConfig.URL, pgConfig.Job, pgConfig.Instance, pgConfig.Interval)

	go func() {
		ticker := time.NewTicker(time.Duration(pgConfig.Interval) * time.Second)
		defer ticker.Stop()

		pm.pushOnce(pgConfig)
		for {
			select {
			case <-ctx.Done():
				log.Printf("[INFO] Metrics: Pushgateway worker stopped")
				return
			case <-ticker.C:
				pm.pushOnce(pgConfig)
			}
		}
	}()
}

func (pm *PrometheusMetrics) pushOnce(pgConfig PushgatewayConfig) {
	pm.pushgatewayPushesTotal.Inc()
	if err := pm.pushToGateway(pgConfig); err != nil {
		pm.pushgatewayFailuresTotal.Inc()
		log.Printf("[ERROR] Metrics: failed to push metrics to Pushgateway: %v", err)
		return
	}
	pm.pushgatewaySuccessTotal.Inc()
	pm.pushgatewayLastPushTime.Set(float64(time.Now().Unix()))
	log.Printf("[DEBUG] Metrics: pushed metrics to Pushgateway")
}

// pushToGateway pushes all metrics, grouped by instance
func (pm *PrometheusMetrics) pushToGateway(pgConfig PushgatewayConfig) error {
	pusher := push.New(pgConfig.URL, pgConfig.Job).Gatherer(pm.registry)
	if pgConfig.Instance != "" {
		pusher = pusher.Grouping("instance", pgConfig.Instance)
	}
	if pgConfig.Token != "" {
		pusher = pusher.BasicAuth(pgConfig.Instance, pgConfig.Token)
	}
	if err := pusher.Push(); err != nil {
		return fmt.Errorf("failed to push to %s: %w", pgConfig.URL, err)
	}
	return nil
}
