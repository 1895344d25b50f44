package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/BMWareSPEEDY/Aarohan-project/internal/config"
	"github.com/BMWareSPEEDY/Aarohan-project/internal/types"
)

// MQTTEmitter publishes raised events to {detections topic}/{severity}
type MQTTEmitter struct {
	cfg    *config.Config
	Client mqtt.Client // shared with the control plane

	mu        sync.RWMutex
	published map[string]uint64
	errors    uint64
	connected bool
}

// NewMQTTEmitter creates a new MQTT emitter
func NewMQTTEmitter(cfg *config.Config) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:       cfg,
		published: make(map[string]uint64),
	}
}

// Config returns the configuration the emitter was created with
func (e *MQTTEmitter) Config() *config.Config {
	return e.cfg
}

// Name identifies the emitter in logs
func (e *MQTTEmitter) Name() string {
	return "mqtt"
}

// Connect establishes the broker connection with automatic reconnection
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(e.cfg.MQTT.Broker))
	opts.SetClientID(e.cfg.InstanceID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		slog.Info("mqtt connection established",
			"broker", e.cfg.MQTT.Broker,
			"client_id", e.cfg.InstanceID,
		)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.MQTT.Broker,
		)
	}

	e.Client = mqtt.NewClient(opts)

	slog.Info("connecting to mqtt broker", "broker", e.cfg.MQTT.Broker)

	token := e.Client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// Topic returns the topic an event is published on
func (e *MQTTEmitter) Topic(ev types.DetectionEvent) string {
	return fmt.Sprintf("%s/%s", e.cfg.MQTT.Topics.Detections, strings.ToLower(string(ev.Severity)))
}

// Notify publishes ev as JSON
func (e *MQTTEmitter) Notify(ctx context.Context, ev types.DetectionEvent) error {
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal detection: %w", err)
	}

	topic := e.Topic(ev)
	qos := e.cfg.MQTT.QoS["detections"]

	token := e.Client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	slog.Debug("detection published",
		"topic", topic,
		"qos", qos,
		"id", ev.ID,
	)
	return nil
}

// Disconnect closes the MQTT connection
func (e *MQTTEmitter) Disconnect() {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250)
		slog.Info("mqtt disconnected")
	}
	e.setConnected(false)
}

// MQTTStats contains emitter statistics
type MQTTStats struct {
	Connected bool
	Published map[string]uint64
	Errors    uint64
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() MQTTStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return MQTTStats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
	}
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

// brokerURL accepts "host:port" or a full URL such as "ssl://host:8883"
func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}
