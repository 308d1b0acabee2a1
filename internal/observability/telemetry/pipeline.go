package telemetry

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tiger/blackbox-orchestrator/api/interaction"
)

const (
	// MetricStageDurationMS is one stage call measured from the adapter.
	MetricStageDurationMS = "stage_duration_ms"
	// MetricInteractionTotalMS is end-to-end interaction latency.
	MetricInteractionTotalMS = "interaction_total_ms"
	// MetricCancelLatencyMS is the time spent abandoning a stage call.
	MetricCancelLatencyMS = "cancel_latency_ms"
	// MetricThermalCelsius is the hottest sampled zone.
	MetricThermalCelsius = "thermal_celsius"
	// MetricUtilizationPercent is sampled CPU utilization.
	MetricUtilizationPercent = "utilization_percent"
)

// EventKind names the payload carried by an Event.
type EventKind string

const (
	EventKindMetric      EventKind = "metric"
	EventKindLog         EventKind = "log"
	EventKindInteraction EventKind = "interaction"
)

// Correlation ties an event to the interaction and stage call it describes.
type Correlation struct {
	InteractionID string `json:"interaction_id,omitempty"`
	CallID        string `json:"call_id,omitempty"`
	Stage         string `json:"stage,omitempty"`
	Source        string `json:"source,omitempty"`
	AtMS          int64  `json:"at_ms,omitempty"`
}

type MetricEvent struct {
	Name   string            `json:"name"`
	Value  float64           `json:"value"`
	Unit   string            `json:"unit,omitempty"`
	Labels map[string]string `json:"labels,omitempty"`
}

type LogEvent struct {
	Name    string            `json:"name"`
	Level   slog.Level        `json:"level"`
	Message string            `json:"message"`
	Labels  map[string]string `json:"labels,omitempty"`
}

// Event is what sinks receive. Exactly one payload pointer is set.
type Event struct {
	Kind        EventKind          `json:"kind"`
	AtMS        int64              `json:"at_ms"`
	Correlation Correlation        `json:"correlation"`
	Metric      *MetricEvent       `json:"metric,omitempty"`
	Log         *LogEvent          `json:"log,omitempty"`
	Interaction *interaction.Event `json:"interaction,omitempty"`
}

// Sink exports events. Export runs on the pipeline goroutine and must honor ctx.
type Sink interface {
	Export(context.Context, Event) error
}

// Emitter is the handle callers on the hot path use. Implementations never block.
type Emitter interface {
	EmitMetric(name string, value float64, unit string, labels map[string]string, corr Correlation)
	EmitLog(name string, level slog.Level, message string, labels map[string]string, corr Correlation)
	EmitInteraction(record interaction.Event)
}

type nopEmitter struct{}

func (nopEmitter) EmitMetric(string, float64, string, map[string]string, Correlation) {}
func (nopEmitter) EmitLog(string, slog.Level, string, map[string]string, Correlation) {}
func (nopEmitter) EmitInteraction(interaction.Event)                                  {}

type emitterBox struct{ Emitter }

var defaultEmitter atomic.Pointer[emitterBox]

// SetDefaultEmitter installs the process-wide emitter. nil restores the no-op.
func SetDefaultEmitter(e Emitter) {
	if e == nil {
		defaultEmitter.Store(nil)
		return
	}
	defaultEmitter.Store(&emitterBox{e})
}

// DefaultEmitter returns the process-wide emitter, a no-op until one is set.
func DefaultEmitter() Emitter {
	if box := defaultEmitter.Load(); box != nil {
		return box.Emitter
	}
	return nopEmitter{}
}

type Config struct {
	QueueCapacity int
	ExportTimeout time.Duration
	// MinLogLevel filters log events before they are queued.
	// Metrics and interaction records are never filtered.
	MinLogLevel slog.Level
	Now         func() time.Time
}

func (c Config) withDefaults() Config {
	if c.QueueCapacity < 1 {
		c.QueueCapacity = 256
	}
	if c.ExportTimeout <= 0 {
		c.ExportTimeout = 200 * time.Millisecond
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

type Stats struct {
	Accepted uint64
	Dropped  uint64
	// Evicted counts queued events displaced to make room for an interaction record.
	Evicted  uint64
	Filtered uint64
	Exported uint64
	Failed   uint64
	Pending  int
}

// Pipeline queues events in a bounded buffer and exports them from one
// goroutine. A full queue drops metrics and logs, but an interaction record
// displaces the oldest queued event instead.
type Pipeline struct {
	sink Sink
	cfg  Config

	queue chan Event
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup

	accepted atomic.Uint64
	dropped  atomic.Uint64
	evicted  atomic.Uint64
	filtered atomic.Uint64
	exported atomic.Uint64
	failed   atomic.Uint64
}

// NewPipeline starts the export goroutine. A nil sink discards everything.
func NewPipeline(sink Sink, cfg Config) *Pipeline {
	cfg = cfg.withDefaults()
	if sink == nil {
		sink = SinkFunc(func(context.Context, Event) error { return nil })
	}
	p := &Pipeline{
		sink:  sink,
		cfg:   cfg,
		queue: make(chan Event, cfg.QueueCapacity),
		done:  make(chan struct{}),
	}
	p.wg.Add(1)
	go p.loop()
	return p
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(context.Context, Event) error

func (f SinkFunc) Export(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Close exports what is already queued and stops the pipeline. Events
// emitted afterwards are counted as dropped.
func (p *Pipeline) Close() error {
	p.once.Do(func() {
		close(p.done)
		p.wg.Wait()
	})
	return nil
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Accepted: p.accepted.Load(),
		Dropped:  p.dropped.Load(),
		Evicted:  p.evicted.Load(),
		Filtered: p.filtered.Load(),
		Exported: p.exported.Load(),
		Failed:   p.failed.Load(),
		Pending:  len(p.queue),
	}
}

func (p *Pipeline) EmitMetric(name string, value float64, unit string, labels map[string]string, corr Correlation) {
	p.offer(Event{
		Kind:        EventKindMetric,
		AtMS:        p.stamp(corr),
		Correlation: corr.normalized(),
		Metric: &MetricEvent{
			Name:   strings.TrimSpace(name),
			Value:  value,
			Unit:   strings.TrimSpace(unit),
			Labels: copyLabels(labels),
		},
	})
}

func (p *Pipeline) EmitLog(name string, level slog.Level, message string, labels map[string]string, corr Correlation) {
	if level < p.cfg.MinLogLevel {
		p.filtered.Add(1)
		return
	}
	p.offer(Event{
		Kind:        EventKindLog,
		AtMS:        p.stamp(corr),
		Correlation: corr.normalized(),
		Log: &LogEvent{
			Name:    strings.TrimSpace(name),
			Level:   level,
			Message: message,
			Labels:  copyLabels(labels),
		},
	})
}

// EmitInteraction queues the flat per-interaction record. The record is
// copied so later mutation by the caller cannot reach the sink.
func (p *Pipeline) EmitInteraction(record interaction.Event) {
	rec := record
	rec.Warnings = append([]string(nil), record.Warnings...)
	p.offer(Event{
		Kind:        EventKindInteraction,
		AtMS:        p.cfg.Now().UnixMilli(),
		Correlation: Correlation{InteractionID: strings.TrimSpace(record.InteractionID), Source: "orchestrator"},
		Interaction: &rec,
	})
}

func (p *Pipeline) offer(ev Event) {
	select {
	case <-p.done:
		p.dropped.Add(1)
		return
	default:
	}
	select {
	case p.queue <- ev:
		p.accepted.Add(1)
		return
	default:
	}
	if ev.Kind != EventKindInteraction {
		p.dropped.Add(1)
		return
	}
	select {
	case <-p.queue:
		p.evicted.Add(1)
	default:
	}
	select {
	case p.queue <- ev:
		p.accepted.Add(1)
	default:
		p.dropped.Add(1)
	}
}

func (p *Pipeline) loop() {
	defer p.wg.Done()
	for {
		select {
		case ev := <-p.queue:
			p.export(ev)
		case <-p.done:
			for len(p.queue) > 0 {
				p.export(<-p.queue)
			}
			return
		}
	}
}

func (p *Pipeline) export(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ExportTimeout)
	defer cancel()
	if err := p.sink.Export(ctx, ev); err != nil {
		p.failed.Add(1)
		return
	}
	p.exported.Add(1)
}

func (p *Pipeline) stamp(corr Correlation) int64 {
	if corr.AtMS > 0 {
		return corr.AtMS
	}
	return p.cfg.Now().UnixMilli()
}

func (c Correlation) normalized() Correlation {
	c.InteractionID = strings.TrimSpace(c.InteractionID)
	c.CallID = strings.TrimSpace(c.CallID)
	c.Stage = strings.TrimSpace(c.Stage)
	c.Source = strings.TrimSpace(c.Source)
	if c.AtMS < 0 {
		c.AtMS = 0
	}
	return c
}

func copyLabels(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		if k = strings.TrimSpace(k); k != "" {
			out[k] = strings.TrimSpace(v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
