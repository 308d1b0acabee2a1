package wsengine

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tiger/blackbox-orchestrator/api/interaction"
	"github.com/tiger/blackbox-orchestrator/internal/runtime/provider/contracts"
)

func startWorker(t *testing.T, engine contracts.Engine) string {
	t.Helper()
	srv := httptest.NewServer(NewServer(engine, nil))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newClient(t *testing.T, url string, stage interaction.Stage) *Client {
	t.Helper()
	client, err := NewClient(ClientConfig{URL: url, EngineID: "remote-" + string(stage), Stage: stage})
	if err != nil {
		t.Fatalf("unexpected client error: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func llmRequest(text string) contracts.Request {
	return contracts.Request{InteractionID: "int-1", CallID: "call-1", Stage: interaction.StageLLM, Text: text}
}

func TestClientRoundTripsRequests(t *testing.T) {
	t.Parallel()

	engine := contracts.StaticEngine{
		ID:   "echo",
		Mode: interaction.StageLLM,
		ProcessFn: func(_ context.Context, req contracts.Request) (contracts.Response, error) {
			return contracts.Response{Text: "echo: " + req.Text, OutputTokens: 2}, nil
		},
	}
	client := newClient(t, startWorker(t, engine), interaction.StageLLM)

	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("unexpected ping error: %v", err)
	}
	for _, text := range []string{"one", "two"} {
		resp, err := client.Process(context.Background(), llmRequest(text))
		if err != nil {
			t.Fatalf("unexpected process error: %v", err)
		}
		if resp.Text != "echo: "+text || resp.OutputTokens != 2 {
			t.Fatalf("unexpected response: %+v", resp)
		}
	}
}

func TestClientReportsRemoteFailure(t *testing.T) {
	t.Parallel()

	engine := contracts.StaticEngine{
		ID:   "broken",
		Mode: interaction.StageLLM,
		ProcessFn: func(context.Context, contracts.Request) (contracts.Response, error) {
			return contracts.Response{}, errors.New("model not loaded")
		},
	}
	client := newClient(t, startWorker(t, engine), interaction.StageLLM)

	_, err := client.Process(context.Background(), llmRequest("hi"))
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Message != "model not loaded" {
		t.Fatalf("expected remote error, got %v", err)
	}
}

func TestClientCancelsRemoteCall(t *testing.T) {
	t.Parallel()

	canceled := make(chan struct{})
	engine := contracts.StaticEngine{
		ID:   "slow",
		Mode: interaction.StageLLM,
		ProcessFn: func(ctx context.Context, _ contracts.Request) (contracts.Response, error) {
			<-ctx.Done()
			close(canceled)
			return contracts.Response{}, ctx.Err()
		},
	}
	client := newClient(t, startWorker(t, engine), interaction.StageLLM)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := client.Process(ctx, llmRequest("hi")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	select {
	case <-canceled:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected worker call to be canceled")
	}
}

func TestClientCloseFailsPendingCalls(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	engine := contracts.StaticEngine{
		ID:   "stuck",
		Mode: interaction.StageLLM,
		ProcessFn: func(ctx context.Context, _ contracts.Request) (contracts.Response, error) {
			close(entered)
			<-ctx.Done()
			return contracts.Response{}, ctx.Err()
		},
	}
	client := newClient(t, startWorker(t, engine), interaction.StageLLM)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := client.Process(ctx, llmRequest("hi"))
		done <- err
	}()
	<-entered

	start := time.Now()
	if err := client.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	select {
	case err := <-done:
		if err == nil || errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected connection closed error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected pending call to fail on close")
	}
	if waited := time.Since(start); waited > time.Second {
		t.Fatalf("expected prompt failure, waited %s", waited)
	}
}

func TestServerAppliesDeadlineHint(t *testing.T) {
	t.Parallel()

	engine := contracts.StaticEngine{
		ID:   "hung",
		Mode: interaction.StageLLM,
		ProcessFn: func(ctx context.Context, _ contracts.Request) (contracts.Response, error) {
			<-ctx.Done()
			return contracts.Response{}, ctx.Err()
		},
	}
	client := newClient(t, startWorker(t, engine), interaction.StageLLM)

	req := llmRequest("hi")
	req.Config.DeadlineHint = 20 * time.Millisecond
	_, err := client.Process(context.Background(), req)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected worker timeout mapped to deadline exceeded, got %v", err)
	}
}

func TestClientConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []ClientConfig{
		{URL: "http://localhost:9000", EngineID: "x", Stage: interaction.StageASR},
		{URL: "ws://localhost:9000", Stage: interaction.StageASR},
		{URL: "ws://localhost:9000", EngineID: "x", Stage: "vision"},
	}
	for _, cfg := range tests {
		if _, err := NewClient(cfg); err == nil {
			t.Fatalf("expected config error for %+v", cfg)
		}
	}
	client, err := NewClient(ClientConfig{URL: "ws://127.0.0.1:1/engine", EngineID: "x", Stage: interaction.StageTTS, DialTimeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("unexpected client error: %v", err)
	}
	if err := client.Ping(context.Background()); err == nil {
		t.Fatalf("expected dial failure")
	}
}
