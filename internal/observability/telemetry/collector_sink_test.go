package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/tiger/blackbox-orchestrator/api/interaction"
)

type collector struct {
	mu     sync.Mutex
	kinds  []string
	auth   []string
	bodies []Event
	status int
}

func (c *collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var ev Event
	_ = json.NewDecoder(r.Body).Decode(&ev)
	c.mu.Lock()
	c.kinds = append(c.kinds, r.Header.Get(HeaderEventKind))
	c.auth = append(c.auth, r.Header.Get("Authorization"))
	c.bodies = append(c.bodies, ev)
	status := c.status
	c.mu.Unlock()
	if status == 0 {
		status = http.StatusAccepted
	}
	w.WriteHeader(status)
}

func TestCollectorSinkPostsEnabledKinds(t *testing.T) {
	t.Parallel()

	c := &collector{}
	srv := httptest.NewServer(c)
	defer srv.Close()

	sink, err := NewCollectorSink(CollectorSinkConfig{URL: srv.URL + "/ingest", Token: "t0k", Client: srv.Client()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := context.Background()
	if err := sink.Export(ctx, Event{Kind: EventKindMetric, Metric: &MetricEvent{Name: MetricStageDurationMS}}); err != nil {
		t.Fatalf("unexpected metric export error: %v", err)
	}
	record := interaction.Event{InteractionID: "int-1", Outcome: interaction.OutcomeCompleted, TotalMS: 5400}
	if err := sink.Export(ctx, Event{Kind: EventKindInteraction, Interaction: &record}); err != nil {
		t.Fatalf("unexpected interaction export error: %v", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.kinds) != 1 || c.kinds[0] != "interaction" || c.auth[0] != "Bearer t0k" {
		t.Fatalf("expected only the interaction to be posted, got kinds=%v auth=%v", c.kinds, c.auth)
	}
	if got := c.bodies[0].Interaction; got == nil || got.InteractionID != "int-1" || got.TotalMS != 5400 {
		t.Fatalf("unexpected posted record: %+v", c.bodies[0])
	}
}

func TestCollectorSinkReportsRejection(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(&collector{status: http.StatusServiceUnavailable})
	defer srv.Close()

	sink, err := NewCollectorSink(CollectorSinkConfig{URL: srv.URL, Kinds: []EventKind{EventKindLog}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := sink.Export(context.Background(), Event{Kind: EventKindLog, Log: &LogEvent{Name: "x"}}); err == nil {
		t.Fatalf("expected 503 to surface as an error")
	}
}

func TestNewCollectorSinkValidates(t *testing.T) {
	t.Parallel()

	if _, err := NewCollectorSink(CollectorSinkConfig{URL: "ftp://collector"}); err == nil {
		t.Fatalf("expected non-http url to fail")
	}
	if _, err := NewCollectorSink(CollectorSinkConfig{URL: "http://collector", Kinds: []EventKind{"span"}}); err == nil {
		t.Fatalf("expected unknown kind to fail")
	}
}
