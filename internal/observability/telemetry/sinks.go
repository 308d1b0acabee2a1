package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
)

// FanoutSink exports every event to each child sink and joins their errors.
type FanoutSink struct {
	sinks []Sink
}

// NewFanoutSink drops nil children.
func NewFanoutSink(sinks ...Sink) *FanoutSink {
	out := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &FanoutSink{sinks: out}
}

// Export forwards event to every child.
func (f *FanoutSink) Export(ctx context.Context, event Event) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Export(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes children that hold connections.
func (f *FanoutSink) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// SlogSink writes telemetry events to a structured process logger.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink uses slog.Default when logger is nil.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger.With("component", "telemetry")}
}

// Export logs one line per event. Metrics log at debug.
func (s *SlogSink) Export(ctx context.Context, event Event) error {
	attrs := []any{"interaction_id", event.Correlation.InteractionID}
	if event.Correlation.Stage != "" {
		attrs = append(attrs, "stage", event.Correlation.Stage)
	}
	switch event.Kind {
	case EventKindMetric:
		if event.Metric == nil {
			return nil
		}
		attrs = append(attrs, "metric", event.Metric.Name, "value", event.Metric.Value, "unit", event.Metric.Unit)
		s.logger.DebugContext(ctx, "metric", appendLabels(attrs, event.Metric.Labels)...)
	case EventKindLog:
		if event.Log == nil {
			return nil
		}
		attrs = appendLabels(append(attrs, "event", event.Log.Name), event.Log.Labels)
		s.logger.Log(ctx, event.Log.Level, event.Log.Message, attrs...)
	case EventKindInteraction:
		if event.Interaction == nil {
			return nil
		}
		rec := event.Interaction
		s.logger.InfoContext(ctx, "interaction finished",
			"interaction_id", rec.InteractionID,
			"outcome", rec.Outcome,
			"final_state", rec.FinalState,
			"total_ms", rec.TotalMS,
			"asr_ms", rec.ASRMS,
			"llm_ms", rec.LLMMS,
			"llm_repair_ms", rec.LLMRepairMS,
			"tts_ms", rec.TTSMS,
			"under_load", rec.UnderLoad,
			"warnings", len(rec.Warnings),
		)
	}
	return nil
}

func appendLabels(attrs []any, labels map[string]string) []any {
	for k, v := range labels {
		attrs = append(attrs, k, v)
	}
	return attrs
}
