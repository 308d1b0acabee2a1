package telemetry

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/tiger/blackbox-orchestrator/api/interaction"
)

func stalledSink(release <-chan struct{}) Sink {
	return SinkFunc(func(ctx context.Context, _ Event) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

func TestEmitDoesNotBlockOnFullQueue(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	p := NewPipeline(stalledSink(release), Config{QueueCapacity: 1, ExportTimeout: 5 * time.Millisecond})
	defer func() {
		close(release)
		_ = p.Close()
	}()

	start := time.Now()
	for i := 0; i < 2000; i++ {
		p.EmitMetric(MetricStageDurationMS, float64(i), "ms", nil, Correlation{InteractionID: "int-1", Stage: "llm", AtMS: int64(i + 1)})
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("expected emit to stay non-blocking, took %s", elapsed)
	}
	if stats := p.Stats(); stats.Dropped == 0 {
		t.Fatalf("expected drops under pressure, got %+v", stats)
	}
}

func TestInteractionRecordDisplacesQueuedMetric(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	sink := NewMemorySink(0)
	gate := SinkFunc(func(ctx context.Context, ev Event) error {
		<-release
		return sink.Export(ctx, ev)
	})
	p := NewPipeline(gate, Config{QueueCapacity: 1, ExportTimeout: time.Second})

	// The first metric is picked up by the export goroutine and parks on
	// the gate; wait for that so the second one fills the queue.
	p.EmitMetric("first", 1, "", nil, Correlation{})
	deadline := time.Now().Add(time.Second)
	for p.Stats().Pending != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	p.EmitMetric("second", 2, "", nil, Correlation{})
	p.EmitInteraction(interaction.Event{InteractionID: "int-keep", Outcome: interaction.OutcomeCompleted})
	close(release)
	_ = p.Close()

	if got := sink.Interactions(); len(got) != 1 || got[0].Interaction.InteractionID != "int-keep" {
		t.Fatalf("expected interaction record to survive, got %+v", sink.Events())
	}
	if len(sink.Metrics("second")) != 0 {
		t.Fatalf("expected queued metric to be displaced, got %+v", sink.Events())
	}
	if stats := p.Stats(); stats.Evicted != 1 {
		t.Fatalf("expected one eviction, got %+v", stats)
	}
}

func TestLogEventsBelowMinimumLevelAreFiltered(t *testing.T) {
	t.Parallel()

	sink := NewMemorySink(0)
	p := NewPipeline(sink, Config{QueueCapacity: 32, MinLogLevel: slog.LevelWarn})
	p.EmitLog("chatty", slog.LevelDebug, "ignored", nil, Correlation{})
	p.EmitLog("info", slog.LevelInfo, "ignored", nil, Correlation{})
	p.EmitLog("budget_warning", slog.LevelWarn, "llm over soft limit", map[string]string{" stage ": " llm "}, Correlation{InteractionID: "int-2"})
	_ = p.Close()

	events := sink.Events()
	if len(events) != 1 || events[0].Log == nil || events[0].Log.Name != "budget_warning" {
		t.Fatalf("expected only the warning, got %+v", events)
	}
	if events[0].Log.Labels["stage"] != "llm" {
		t.Fatalf("expected trimmed labels, got %+v", events[0].Log.Labels)
	}
	if stats := p.Stats(); stats.Filtered != 2 || stats.Exported != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestEventsCarryNormalizedCorrelation(t *testing.T) {
	t.Parallel()

	now := time.UnixMilli(5000)
	sink := NewMemorySink(0)
	p := NewPipeline(sink, Config{Now: func() time.Time { return now }})
	p.EmitMetric(MetricStageDurationMS, 5, "ms", map[string]string{"outcome": "success"}, Correlation{InteractionID: " int-7 ", CallID: "call-7", Stage: "asr", AtMS: 100})
	p.EmitLog("store", slog.LevelError, "write failed", nil, Correlation{InteractionID: "int-7", AtMS: -3})
	_ = p.Close()

	events := sink.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Kind != EventKindMetric || events[0].AtMS != 100 || events[0].Correlation.InteractionID != "int-7" {
		t.Fatalf("unexpected metric event: %+v", events[0])
	}
	if events[1].Kind != EventKindLog || events[1].AtMS != 5000 || events[1].Correlation.AtMS != 0 {
		t.Fatalf("expected clock fallback for unset timestamp, got %+v", events[1])
	}
}

func TestEmitAfterCloseIsDropped(t *testing.T) {
	t.Parallel()

	sink := NewMemorySink(0)
	p := NewPipeline(sink, Config{})
	_ = p.Close()
	p.EmitInteraction(interaction.Event{InteractionID: "late"})
	if len(sink.Events()) != 0 || p.Stats().Dropped != 1 {
		t.Fatalf("expected late emit to be dropped, got %+v", p.Stats())
	}
}

func TestDefaultEmitterCanBeOverridden(t *testing.T) {
	sink := NewMemorySink(0)
	p := NewPipeline(sink, Config{QueueCapacity: 8})
	defer func() {
		SetDefaultEmitter(nil)
		_ = p.Close()
	}()

	SetDefaultEmitter(p)
	DefaultEmitter().EmitMetric(MetricThermalCelsius, 71.5, "celsius", nil, Correlation{Source: "thermal_monitor"})
	_ = p.Close()
	if got := sink.Metrics(MetricThermalCelsius); len(got) != 1 || got[0].Metric.Value != 71.5 {
		t.Fatalf("expected default emitter to route through pipeline, got %+v", sink.Events())
	}

	SetDefaultEmitter(nil)
	if _, ok := DefaultEmitter().(nopEmitter); !ok {
		t.Fatalf("expected nil to restore the no-op emitter")
	}
}

func TestInteractionRecordIsCopied(t *testing.T) {
	t.Parallel()

	sink := NewMemorySink(0)
	p := NewPipeline(sink, Config{QueueCapacity: 8})
	warnings := []string{"store_failure"}
	p.EmitInteraction(interaction.Event{InteractionID: "int-9", Outcome: interaction.OutcomeDegraded, Warnings: warnings})
	warnings[0] = "mutated"
	_ = p.Close()

	got := sink.Interactions()
	if len(got) != 1 || got[0].Correlation.InteractionID != "int-9" || got[0].Interaction.Warnings[0] != "store_failure" {
		t.Fatalf("expected isolated interaction payload, got %+v", got)
	}
}

func TestMemorySinkKeepsMostRecent(t *testing.T) {
	t.Parallel()

	sink := NewMemorySink(2)
	for _, name := range []string{"a", "b", "c"} {
		_ = sink.Export(context.Background(), Event{Kind: EventKindMetric, Metric: &MetricEvent{Name: name}})
	}
	events := sink.Events()
	if len(events) != 2 || events[0].Metric.Name != "b" || events[1].Metric.Name != "c" {
		t.Fatalf("expected the two newest events, got %+v", events)
	}
}
