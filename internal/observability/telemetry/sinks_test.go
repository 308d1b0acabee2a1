package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/tiger/blackbox-orchestrator/api/interaction"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error) *fakeToken {
	done := make(chan struct{})
	close(done)
	return &fakeToken{err: err, done: done}
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakePublisher struct {
	connected    bool
	publishErr   error
	topics       []string
	payloads     [][]byte
	disconnected bool
}

func (p *fakePublisher) IsConnected() bool { return p.connected }

func (p *fakePublisher) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, payload.([]byte))
	return newFakeToken(p.publishErr)
}

func (p *fakePublisher) Disconnect(uint) { p.disconnected = true }

func TestMQTTSinkPublishesOnlyInteractionRecords(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{connected: true}
	sink := newMQTTSinkWithClient(pub, "", 1)

	if err := sink.Export(context.Background(), Event{Kind: EventKindMetric, Metric: &MetricEvent{Name: MetricStageDurationMS}}); err != nil {
		t.Fatalf("unexpected metric export error: %v", err)
	}
	record := interaction.Event{InteractionID: "int-1", Outcome: interaction.OutcomeCompleted, FinalState: interaction.StateCompleted, TotalMS: 5800}
	if err := sink.Export(context.Background(), Event{Kind: EventKindInteraction, Interaction: &record}); err != nil {
		t.Fatalf("unexpected interaction export error: %v", err)
	}

	if len(pub.topics) != 1 || pub.topics[0] != DefaultMQTTTopic {
		t.Fatalf("expected one publish to default topic, got %+v", pub.topics)
	}
	var decoded interaction.Event
	if err := json.Unmarshal(pub.payloads[0], &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.InteractionID != "int-1" || decoded.TotalMS != 5800 {
		t.Fatalf("unexpected published record: %+v", decoded)
	}
	_ = sink.Close()
	if !pub.disconnected {
		t.Fatalf("expected close to disconnect")
	}
}

func TestMQTTSinkReportsPublishFailures(t *testing.T) {
	t.Parallel()

	record := &interaction.Event{InteractionID: "int-2"}
	offline := newMQTTSinkWithClient(&fakePublisher{}, "custom/topic", 0)
	if err := offline.Export(context.Background(), Event{Kind: EventKindInteraction, Interaction: record}); err == nil {
		t.Fatalf("expected disconnected publisher to fail")
	}

	failing := newMQTTSinkWithClient(&fakePublisher{connected: true, publishErr: errors.New("broker gone")}, "custom/topic", 0)
	if err := failing.Export(context.Background(), Event{Kind: EventKindInteraction, Interaction: record}); err == nil {
		t.Fatalf("expected publish error to surface")
	}
}

type failingSink struct{}

func (failingSink) Export(context.Context, Event) error { return errors.New("boom") }

func TestFanoutSinkForwardsAndJoinsErrors(t *testing.T) {
	t.Parallel()

	mem := NewMemorySink(0)
	fanout := NewFanoutSink(mem, nil, failingSink{})
	err := fanout.Export(context.Background(), Event{Kind: EventKindLog, Log: &LogEvent{Name: "x"}})
	if err == nil {
		t.Fatalf("expected joined error from failing child")
	}
	if len(mem.Events()) != 1 {
		t.Fatalf("expected healthy child to receive the event, got %d", len(mem.Events()))
	}
}

func TestSlogSinkWritesInteractionSummary(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	sink := NewSlogSink(logger)

	record := interaction.Event{InteractionID: "int-3", Outcome: interaction.OutcomeTimedOut, FinalState: interaction.StateTimedOut}
	if err := sink.Export(context.Background(), Event{Kind: EventKindInteraction, Interaction: &record}); err != nil {
		t.Fatalf("unexpected export error: %v", err)
	}
	if err := sink.Export(context.Background(), Event{Kind: EventKindLog, Log: &LogEvent{Name: "store", Level: slog.LevelWarn, Message: "store unavailable"}}); err != nil {
		t.Fatalf("unexpected export error: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "interaction_id=int-3") || !strings.Contains(out, "outcome=timed_out") {
		t.Fatalf("expected interaction summary in log output, got %q", out)
	}
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "store unavailable") {
		t.Fatalf("expected warn-level log line, got %q", out)
	}
}
