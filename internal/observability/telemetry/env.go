package telemetry

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	EnvTelemetryEnabled        = "BLACKBOX_TELEMETRY_ENABLED"
	EnvTelemetryCollectorURL   = "BLACKBOX_TELEMETRY_COLLECTOR_URL"
	EnvTelemetryCollectorKinds = "BLACKBOX_TELEMETRY_COLLECTOR_KINDS"
	EnvTelemetryCollectorToken = "BLACKBOX_TELEMETRY_COLLECTOR_TOKEN"
	EnvTelemetryMQTTBroker     = "BLACKBOX_TELEMETRY_MQTT_BROKER"
	EnvTelemetryMQTTTopic      = "BLACKBOX_TELEMETRY_MQTT_TOPIC"
	EnvTelemetryLogEvents      = "BLACKBOX_TELEMETRY_LOG_EVENTS"
	EnvTelemetryQueueCapacity  = "BLACKBOX_TELEMETRY_QUEUE_CAPACITY"
	EnvTelemetryLogLevel       = "BLACKBOX_TELEMETRY_LOG_LEVEL"
	EnvTelemetryExportTimeout  = "BLACKBOX_TELEMETRY_EXPORT_TIMEOUT"
)

// RuntimeConfig is the environment-driven shape of the process telemetry.
type RuntimeConfig struct {
	Enabled        bool
	CollectorURL   string
	CollectorKinds []EventKind
	CollectorToken string
	MQTTBroker     string
	MQTTTopic      string
	LogEvents      bool
	QueueCapacity  int
	MinLogLevel    slog.Level
	ExportTimeout  time.Duration
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		Enabled:       true,
		QueueCapacity: 256,
		MinLogLevel:   slog.LevelInfo,
		ExportTimeout: 200 * time.Millisecond,
	}
}

func RuntimeConfigFromEnv() (RuntimeConfig, error) {
	return RuntimeConfigFromLookup(os.LookupEnv)
}

// RuntimeConfigFromLookup reads settings through lookup. Unset or blank
// variables keep their defaults.
func RuntimeConfigFromLookup(lookup func(string) (string, bool)) (RuntimeConfig, error) {
	cfg := DefaultRuntimeConfig()
	get := func(name string) string {
		v, _ := lookup(name)
		return strings.TrimSpace(v)
	}
	cfg.CollectorURL = get(EnvTelemetryCollectorURL)
	cfg.CollectorToken = get(EnvTelemetryCollectorToken)
	cfg.MQTTBroker = get(EnvTelemetryMQTTBroker)
	cfg.MQTTTopic = get(EnvTelemetryMQTTTopic)

	parsers := []struct {
		name  string
		parse func(string) error
	}{
		{EnvTelemetryEnabled, func(v string) (err error) { cfg.Enabled, err = strconv.ParseBool(v); return }},
		{EnvTelemetryLogEvents, func(v string) (err error) { cfg.LogEvents, err = strconv.ParseBool(v); return }},
		{EnvTelemetryQueueCapacity, func(v string) error {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				return fmt.Errorf("must be an integer >= 1")
			}
			cfg.QueueCapacity = n
			return nil
		}},
		{EnvTelemetryLogLevel, func(v string) error { return cfg.MinLogLevel.UnmarshalText([]byte(v)) }},
		{EnvTelemetryExportTimeout, func(v string) error {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				return fmt.Errorf("must be a positive duration")
			}
			cfg.ExportTimeout = d
			return nil
		}},
		{EnvTelemetryCollectorKinds, func(v string) error {
			for _, part := range strings.Split(v, ",") {
				if part = strings.TrimSpace(part); part != "" {
					cfg.CollectorKinds = append(cfg.CollectorKinds, EventKind(strings.ToLower(part)))
				}
			}
			return nil
		}},
	}
	for _, p := range parsers {
		raw := get(p.name)
		if raw == "" {
			continue
		}
		if err := p.parse(raw); err != nil {
			return RuntimeConfig{}, fmt.Errorf("%s=%q: %w", p.name, raw, err)
		}
	}
	return cfg, nil
}

// Runtime is a started pipeline together with the sinks it owns.
type Runtime struct {
	*Pipeline
	sinks *FanoutSink
}

// Close drains the queue before releasing sink connections.
func (r *Runtime) Close() error {
	_ = r.Pipeline.Close()
	return r.sinks.Close()
}

// NewPipelineFromEnv builds the process telemetry from the environment.
// It returns nil, nil when telemetry is disabled.
func NewPipelineFromEnv(logger *slog.Logger) (*Runtime, error) {
	cfg, err := RuntimeConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return NewRuntime(cfg, logger)
}

func NewRuntime(cfg RuntimeConfig, logger *slog.Logger) (*Runtime, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	var sinks []Sink
	if cfg.CollectorURL != "" {
		collector, err := NewCollectorSink(CollectorSinkConfig{
			URL:    cfg.CollectorURL,
			Kinds:  cfg.CollectorKinds,
			Token:  cfg.CollectorToken,
			Client: &http.Client{Timeout: cfg.ExportTimeout},
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, collector)
	}
	if cfg.MQTTBroker != "" {
		broker, err := NewMQTTSink(MQTTSinkConfig{BrokerURL: cfg.MQTTBroker, Topic: cfg.MQTTTopic, QoS: 1})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, broker)
	}
	if cfg.LogEvents {
		sinks = append(sinks, NewSlogSink(logger))
	}
	fanout := NewFanoutSink(sinks...)
	return &Runtime{
		Pipeline: NewPipeline(fanout, Config{
			QueueCapacity: cfg.QueueCapacity,
			ExportTimeout: cfg.ExportTimeout,
			MinLogLevel:   cfg.MinLogLevel,
		}),
		sinks: fanout,
	}, nil
}
