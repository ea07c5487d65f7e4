// Package mqttbridge is a publish-only SCADA telemetry bridge: every
// sync tick's readings are republished onto an MQTT broker so plant
// SCADA/HMI systems can subscribe without ever touching the agent's
// database credentials.
package mqttbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	aldsync "github.com/Albaraazain/ald-control-system-phase-5-sub000/internal/sync"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Config configures the SCADA bridge.
type Config struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	QoS            byte
	Retain         bool
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
}

// reading is the JSON payload published per parameter.
type reading struct {
	Component string  `json:"component"`
	Value     float64 `json:"value"`
	At        int64   `json:"at"`
}

// Bridge publishes sync-loop samples to MQTT. It implements
// internal/sync.TelemetrySink.
type Bridge struct {
	client mqtt.Client
	prefix string
	qos    byte
	retain bool
	log    *zap.Logger
}

// Connect dials the broker and blocks until the connection succeeds or
// times out.
func Connect(cfg Config, log *zap.Logger) (*Bridge, error) {
	if log == nil {
		log = zap.NewNop()
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("aldagent-%d", time.Now().Unix())
	}
	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 60 * time.Second
	}
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(keepAlive)
	opts.SetConnectTimeout(connectTimeout)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("mqtt connection lost", zap.Error(err))
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	token.Wait()
	if token.Error() != nil {
		return nil, fmt.Errorf("connecting to mqtt broker: %w", token.Error())
	}

	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = "ald/telemetry"
	}

	return &Bridge{client: client, prefix: prefix, qos: cfg.QoS, retain: cfg.Retain, log: log}, nil
}

// RecordTick publishes one retained-or-not message per sample under
// prefix/<parameter_id>. A publish failure is logged, never returned.
// Each publish waits up to 2 seconds for the broker inside the tick, so
// an unreachable broker delays the tick by up to 2 seconds per sample.
func (b *Bridge) RecordTick(_ context.Context, samples []aldsync.Sample, summary aldsync.TickSummary) {
	for _, sample := range samples {
		body, err := json.Marshal(reading{Component: sample.Component, Value: sample.Value, At: summary.At.Unix()})
		if err != nil {
			continue
		}
		topic := fmt.Sprintf("%s/%s", b.prefix, sample.ParameterID)
		token := b.client.Publish(topic, b.qos, b.retain, body)
		if !token.WaitTimeout(2 * time.Second) {
			b.log.Warn("mqtt publish timed out", zap.String("topic", topic))
			continue
		}
		if token.Error() != nil {
			b.log.Warn("mqtt publish failed", zap.String("topic", topic), zap.Error(token.Error()))
		}
	}
}

// Close disconnects from the broker.
func (b *Bridge) Close() error {
	if b.client.IsConnected() {
		b.client.Disconnect(250)
	}
	return nil
}
