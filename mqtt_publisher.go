package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// MQTTPublisher publishes metric snapshots and radio events to a broker
type MQTTPublisher struct {
	client   mqtt.Client
	config   *MQTTConfig
	gatherer prometheus.Gatherer
	instance string
}

// MetricPayload represents a metric message for MQTT
type MetricPayload struct {
	Timestamp int64              `json:"timestamp"`
	Instance  string             `json:"instance"`
	Metrics   map[string]float64 `json:"metrics"`
	Labels    map[string]string  `json:"labels,omitempty"`
}

// EventPayload is a discrete radio event such as a PTT change
type EventPayload struct {
	Timestamp int64  `json:"timestamp"`
	Instance  string `json:"instance"`
	Event     string `json:"event"`
	Device    string `json:"device,omitempty"`
	Value     string `json:"value"`
}

// generateClientID creates a unique client ID for the MQTT connection
func generateClientID() string {
	return "hpsdr_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// loadTLSConfig loads TLS configuration from files
func loadTLSConfig(tlsConfig MQTTTLSConfig) (*tls.Config, error) {
	if !tlsConfig.Enabled {
		return nil, nil
	}

	config := &tls.Config{}

	if tlsConfig.CACert != "" {
		caCert, err := os.ReadFile(tlsConfig.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		config.RootCAs = caCertPool
	}

	if tlsConfig.ClientCert != "" && tlsConfig.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(tlsConfig.ClientCert, tlsConfig.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	return config, nil
}

// NewMQTTPublisher connects to the broker. instance identifies this
// daemon in every payload.
func NewMQTTPublisher(config *MQTTConfig, gatherer prometheus.Gatherer, instance string) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(generateClientID())

	if config.Username != "" {
		opts.SetUsername(config.Username)
	}
	if config.Password != "" {
		opts.SetPassword(config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	if config.TLS.Enabled {
		tlsConfig, err := loadTLSConfig(config.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Printf("[INFO] MQTT: connected to broker")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Printf("[WARN] MQTT: connection lost: %v", err)
	})
	opts.SetReconnectingHandler(func(client mqtt.Client, opts *mqtt.ClientOptions) {
		log.Printf("[INFO] MQTT: attempting to reconnect")
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	log.Printf("[INFO] MQTT: connected to broker %s", config.Broker)

	return &MQTTPublisher{
		client:   client,
		config:   config,
		gatherer: gatherer,
		instance: instance,
	}, nil
}

// StartPublisher publishes metric snapshots every PublishInterval seconds
func (mp *MQTTPublisher) StartPublisher(ctx context.Context) {
	if mp == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(time.Duration(mp.config.PublishInterval) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mp.publishAllMetrics()
			}
		}
	}()
}

func (mp *MQTTPublisher) publishAllMetrics() {
	families, err := mp.gatherer.Gather()
	if err != nil {
		log.Printf("[ERROR] MQTT: failed to gather Prometheus metrics: %v", err)
		return
	}
	timestamp := time.Now().Unix()
	for topic, metrics := range groupMetrics(families) {
		mp.publish(mp.config.TopicPrefix+"/"+topic, MetricPayload{
			Timestamp: timestamp,
			Instance:  mp.instance,
			Metrics:   metrics,
		})
	}
}

// groupMetrics sorts gathered families into topics. Per stream and per
// receiver metrics get a sub topic named after their label value.
func groupMetrics(families []*dto.MetricFamily) map[string]map[string]float64 {
	topics := make(map[string]map[string]float64)
	put := func(topic, name string, v float64) {
		if topics[topic] == nil {
			topics[topic] = make(map[string]float64)
		}
		topics[topic][name] = v
	}

	for _, mf := range families {
		metricName := strings.TrimPrefix(mf.GetName(), "hpsdr_")
		for _, m := range mf.GetMetric() {
			value, ok := extractMetricValue(m)
			if !ok {
				continue
			}
			labels := make(map[string]string)
			for _, label := range m.GetLabel() {
				labels[label.GetName()] = label.GetValue()
			}

			switch {
			case strings.HasPrefix(metricName, "stream_"):
				put("streams/"+labels["stream"], strings.TrimPrefix(metricName, "stream_"), value)
			case strings.HasPrefix(metricName, "iq_"):
				put("receivers/"+labels["receiver"], metricName, value)
			case strings.HasPrefix(metricName, "websocket_"):
				put("websocket", metricName+"_"+labels["type"], value)
			case strings.HasPrefix(metricName, "pushgateway_"):
				put("pushgateway", metricName, value)
			case strings.HasPrefix(metricName, "engine_"):
				if p, ok := labels["protocol"]; ok {
					metricName += "_" + strings.ReplaceAll(p, " ", "_")
				}
				put("engine", metricName, value)
			case metricName == "firmware_info":
				// published as an event instead
			case strings.HasPrefix(metricName, "system_"),
				strings.HasPrefix(metricName, "memory_"),
				strings.HasPrefix(metricName, "gc_"),
				metricName == "goroutines":
				put("system", metricName, value)
			default:
				put("radio", metricName, value)
			}
		}
	}
	return topics
}

// extractMetricValue extracts the numeric value from a Prometheus metric
func extractMetricValue(m *dto.Metric) (float64, bool) {
	if m.GetGauge() != nil {
		return m.GetGauge().GetValue(), true
	}
	if m.GetCounter() != nil {
		return m.GetCounter().GetValue(), true
	}
	if m.GetHistogram() != nil {
		return m.GetHistogram().GetSampleSum(), true
	}
	if m.GetSummary() != nil {
		return m.GetSummary().GetSampleSum(), true
	}
	return 0, false
}

// PublishEvent sends a radio event to <prefix>/events/<event>
func (mp *MQTTPublisher) PublishEvent(ev EventPayload) {
	if mp == nil {
		return
	}
	ev.Timestamp = time.Now().Unix()
	ev.Instance = mp.instance
	mp.publishJSON(mp.config.TopicPrefix+"/events/"+ev.Event, ev)
}

// publish sends a payload to an MQTT topic
func (mp *MQTTPublisher) publish(topic string, payload MetricPayload) {
	if len(payload.Metrics) == 0 {
		return
	}
	mp.publishJSON(topic, payload)
}

func (mp *MQTTPublisher) publishJSON(topic string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[ERROR] MQTT: failed to marshal payload for topic %s: %v", topic, err)
		return
	}

	token := mp.client.Publish(topic, mp.config.QoS, mp.config.Retain, data)
	if token.Wait() && token.Error() != nil {
		log.Printf("[ERROR] MQTT: failed to publish to topic %s: %v", topic, token.Error())
	}
}

// Disconnect gracefully disconnects from the MQTT broker
func (mp *MQTTPublisher) Disconnect() {
	if mp != nil && mp.client != nil && mp.client.IsConnected() {
		mp.client.Disconnect(250)
		log.Printf("[INFO] MQTT: disconnected from broker")
	}
}
