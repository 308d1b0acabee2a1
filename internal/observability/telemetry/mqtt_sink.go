package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// DefaultMQTTTopic receives one message per finished interaction.
const DefaultMQTTTopic = "blackbox/interactions"

type mqttPublisher interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTSinkConfig defines broker publishing settings.
type MQTTSinkConfig struct {
	BrokerURL      string
	ClientID       string
	Topic          string
	Username       string
	Password       string
	QoS            byte
	ConnectTimeout time.Duration
}

// MQTTSink publishes interaction records to a broker. Metric and log
// events are ignored so the topic carries only the flat per-interaction record.
type MQTTSink struct {
	client mqttPublisher
	topic  string
	qos    byte
}

// NewMQTTSink connects to the broker and returns a sink.
func NewMQTTSink(cfg MQTTSinkConfig) (*MQTTSink, error) {
	broker := strings.TrimSpace(cfg.BrokerURL)
	if broker == "" {
		return nil, fmt.Errorf("mqtt broker url is required")
	}
	clientID := strings.TrimSpace(cfg.ClientID)
	if clientID == "" {
		clientID = fmt.Sprintf("blackbox-orchestrator-%d", time.Now().Unix())
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetKeepAlive(30 * time.Second)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to mqtt: %w", err)
	}
	return newMQTTSinkWithClient(client, cfg.Topic, cfg.QoS), nil
}

func newMQTTSinkWithClient(client mqttPublisher, topic string, qos byte) *MQTTSink {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		topic = DefaultMQTTTopic
	}
	if qos > 2 {
		qos = 1
	}
	return &MQTTSink{client: client, topic: topic, qos: qos}
}

// Export publishes interaction events and skips everything else.
func (s *MQTTSink) Export(ctx context.Context, event Event) error {
	if event.Kind != EventKindInteraction || event.Interaction == nil {
		return nil
	}
	if !s.client.IsConnected() {
		return fmt.Errorf("mqtt not connected")
	}
	payload, err := json.Marshal(event.Interaction)
	if err != nil {
		return fmt.Errorf("marshal interaction event: %w", err)
	}
	token := s.client.Publish(s.topic, s.qos, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("mqtt publish: %w", ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish: %w", err)
	}
	return nil
}

// Close disconnects from the broker.
func (s *MQTTSink) Close() error {
	s.client.Disconnect(250)
	return nil
}
