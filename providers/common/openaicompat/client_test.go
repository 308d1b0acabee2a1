package openaicompat

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/tiger/blackbox-orchestrator/api/interaction"
)

func TestModelFor(t *testing.T) {
	t.Parallel()

	cfg := Config{Model: "llama-3b", FastModel: "llama-1b"}
	if got := cfg.ModelFor(interaction.VariantFast); got != "llama-1b" {
		t.Fatalf("expected fast model, got %q", got)
	}
	if got := cfg.ModelFor(interaction.VariantFull); got != "llama-3b" {
		t.Fatalf("expected full model, got %q", got)
	}
	if got := (Config{Model: "only"}).ModelFor(interaction.VariantFast); got != "only" {
		t.Fatalf("expected fallback to full model, got %q", got)
	}
}

func TestPingReportsServerState(t *testing.T) {
	t.Parallel()

	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			http.NotFound(w, r)
			return
		}
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":{"message":"loading","type":"server_error"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"llama","object":"model","created":0,"owned_by":"local"}]}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL + "/v1"})
	if err != nil {
		t.Fatalf("unexpected client error: %v", err)
	}
	if err := Ping(context.Background(), client); err != nil {
		t.Fatalf("expected healthy ping, got %v", err)
	}
	healthy.Store(false)
	if err := Ping(context.Background(), client); err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("expected status in ping error, got %v", err)
	}
}

func TestClassifyKeepsContextErrors(t *testing.T) {
	t.Parallel()

	if err := Classify(context.DeadlineExceeded); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline to pass through, got %v", err)
	}
	if err := Classify(errors.New("connection refused")); err == nil || !strings.Contains(err.Error(), "transport") {
		t.Fatalf("expected transport error, got %v", err)
	}
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected missing base url to fail")
	}
}
