package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/tiger/blackbox-orchestrator/api/interaction"
	"github.com/tiger/blackbox-orchestrator/internal/runtime/pipeline"
	"github.com/tiger/blackbox-orchestrator/internal/runtime/thermal"
	"github.com/tiger/blackbox-orchestrator/internal/store"
)

type fakeOrchestrator struct {
	mu      sync.Mutex
	runs    []pipeline.Request
	result  pipeline.Result
	runErr  error
	text    string
	metrics *pipeline.Metrics
	active  string
}

func (f *fakeOrchestrator) Run(_ context.Context, req pipeline.Request) (pipeline.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, req)
	return f.result, f.runErr
}

func (f *fakeOrchestrator) Transcribe(_ context.Context, audio pipeline.Audio) (string, time.Duration, error) {
	if len(audio.Data) == 0 {
		return "", 0, pipeline.ErrNoAudio
	}
	return f.text, 420 * time.Millisecond, nil
}

func (f *fakeOrchestrator) Metrics() *pipeline.Metrics {
	if f.metrics == nil {
		f.metrics = pipeline.NewMetrics(25)
	}
	return f.metrics
}

func (f *fakeOrchestrator) Busy() bool { return false }

func (f *fakeOrchestrator) Cancel(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id != f.active {
		return false
	}
	f.active = ""
	return true
}

func (f *fakeOrchestrator) lastRun() pipeline.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[len(f.runs)-1]
}

type fakeStore struct {
	pingErr   error
	messages  []store.Message
	reminders []store.Reminder
	cleared   string
	limit     int
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) RecentMessages(_ context.Context, _ string, limit int) ([]store.Message, error) {
	f.limit = limit
	return f.messages, nil
}

func (f *fakeStore) ClearMessages(_ context.Context, userID string) (int64, error) {
	f.cleared = userID
	return int64(len(f.messages)), nil
}

func (f *fakeStore) ActiveReminders(_ context.Context, userID string) ([]store.Reminder, error) {
	return f.reminders, nil
}

type fakeThermal struct {
	mu       sync.Mutex
	state    interaction.ThermalState
	cooldown bool
}

func (f *fakeThermal) Status() thermal.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return thermal.Status{State: f.state, CooldownActive: f.cooldown, Thresholds: thermal.DefaultThresholds()}
}

func (f *fakeThermal) TriggerCooldown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = interaction.ThermalCritical
	f.cooldown = true
}

func newTestServer(t *testing.T, orch *fakeOrchestrator, st *fakeStore, th ThermalControl) *Server {
	t.Helper()
	deps := Deps{Orchestrator: orch, Store: st}
	if th != nil {
		deps.Thermal = th
	}
	srv, err := New(deps, Config{})
	if err != nil {
		t.Fatalf("unexpected server error: %v", err)
	}
	return srv
}

func doJSON(t *testing.T, srv *Server, req *http.Request, wantStatus int, out any) {
	t.Helper()
	resp, err := srv.App().Test(req, -1)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != wantStatus {
		t.Fatalf("expected status %d, got %d: %s", wantStatus, resp.StatusCode, body)
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			t.Fatalf("decode %s: %v", body, err)
		}
	}
}

func audioUpload(t *testing.T, path, filename string, data []byte, userID string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if data != nil {
		part, err := w.CreateFormFile("audio", filename)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		_, _ = part.Write(data)
	}
	if userID != "" {
		_ = w.WriteField("user_id", userID)
	}
	_ = w.Close()
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestVoiceInteractReturnsResult(t *testing.T) {
	t.Parallel()

	orch := &fakeOrchestrator{result: pipeline.Result{
		InteractionID: "int-1",
		State:         interaction.StateCompleted,
		Outcome:       interaction.OutcomeCompleted,
		Transcript:    "what time is it",
		ResponseText:  "It is nine.",
		Audio:         []byte("RIFF"),
		AudioFormat:   "wav",
	}}
	srv := newTestServer(t, orch, &fakeStore{}, nil)

	var body map[string]any
	doJSON(t, srv, audioUpload(t, "/voice/interact", "clip.webm", []byte("pcm"), "alice"), http.StatusOK, &body)
	if body["transcription"] != "what time is it" || body["response_text"] != "It is nine." || body["outcome"] != "completed" {
		t.Fatalf("unexpected body: %+v", body)
	}
	run := orch.lastRun()
	if run.UserID != "alice" || string(run.Audio) != "pcm" || run.AudioFormat != "webm" {
		t.Fatalf("unexpected pipeline request: %+v", run)
	}
}

func TestVoiceInteractStatusFollowsOutcome(t *testing.T) {
	t.Parallel()

	tests := []struct {
		outcome interaction.Outcome
		status  int
	}{
		{outcome: interaction.OutcomeDegraded, status: http.StatusOK},
		{outcome: interaction.OutcomeTimedOut, status: http.StatusGatewayTimeout},
		{outcome: interaction.OutcomeFailed, status: http.StatusBadGateway},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(string(tc.outcome), func(t *testing.T) {
			t.Parallel()
			orch := &fakeOrchestrator{result: pipeline.Result{Outcome: tc.outcome, Notice: "partial"}}
			srv := newTestServer(t, orch, &fakeStore{}, nil)
			var body map[string]any
			doJSON(t, srv, audioUpload(t, "/voice/interact", "clip.wav", []byte("pcm"), ""), tc.status, &body)
			if body["notice"] != "partial" {
				t.Fatalf("expected partial result in body, got %+v", body)
			}
			if run := orch.lastRun(); run.UserID != "default_user" {
				t.Fatalf("expected default user, got %q", run.UserID)
			}
		})
	}
}

func TestVoiceInteractRejectsBadRequests(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeOrchestrator{}, &fakeStore{}, nil)
	doJSON(t, srv, audioUpload(t, "/voice/interact", "clip.wav", nil, "alice"), http.StatusBadRequest, nil)
	doJSON(t, srv, audioUpload(t, "/voice/interact", "clip.wav", []byte{}, "alice"), http.StatusBadRequest, nil)

	busy := newTestServer(t, &fakeOrchestrator{runErr: pipeline.ErrBusy}, &fakeStore{}, nil)
	var body map[string]string
	doJSON(t, busy, audioUpload(t, "/voice/interact", "clip.wav", []byte("pcm"), ""), http.StatusTooManyRequests, &body)
	if !strings.Contains(body["error"], "in flight") {
		t.Fatalf("expected busy error, got %+v", body)
	}
}

func TestTextInteractAndTranscribe(t *testing.T) {
	t.Parallel()

	orch := &fakeOrchestrator{
		result: pipeline.Result{Outcome: interaction.OutcomeCompleted, ResponseText: "Playing jazz."},
		text:   "play some jazz",
	}
	srv := newTestServer(t, orch, &fakeStore{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/text/interact", strings.NewReader(`{"text":"play some jazz","user_id":"bob"}`))
	req.Header.Set("Content-Type", "application/json")
	var res map[string]any
	doJSON(t, srv, req, http.StatusOK, &res)
	if res["response_text"] != "Playing jazz." {
		t.Fatalf("unexpected body: %+v", res)
	}
	if run := orch.lastRun(); run.Text != "play some jazz" || run.UserID != "bob" || run.Audio != nil {
		t.Fatalf("unexpected text request: %+v", run)
	}

	empty := httptest.NewRequest(http.MethodPost, "/text/interact", strings.NewReader(`{"text":"  "}`))
	empty.Header.Set("Content-Type", "application/json")
	doJSON(t, srv, empty, http.StatusBadRequest, nil)

	var tr map[string]any
	doJSON(t, srv, audioUpload(t, "/voice/transcribe", "clip.wav", []byte("pcm"), ""), http.StatusOK, &tr)
	if tr["transcription"] != "play some jazz" || tr["asr_ms"] != float64(420) {
		t.Fatalf("unexpected transcription body: %+v", tr)
	}
}

func TestContextAndReminders(t *testing.T) {
	t.Parallel()

	st := &fakeStore{
		messages:  []store.Message{{Role: "user", Content: "hi"}, {Role: "assistant", Content: "hello"}},
		reminders: []store.Reminder{{ID: 7, UserID: "alice", Title: "stretch"}},
	}
	srv := newTestServer(t, &fakeOrchestrator{}, st, nil)

	var ctxBody struct {
		UserID   string          `json:"user_id"`
		Messages []store.Message `json:"messages"`
	}
	doJSON(t, srv, httptest.NewRequest(http.MethodGet, "/context/alice?limit=4", nil), http.StatusOK, &ctxBody)
	if ctxBody.UserID != "alice" || len(ctxBody.Messages) != 2 || st.limit != 4 {
		t.Fatalf("unexpected context body: %+v limit=%d", ctxBody, st.limit)
	}
	doJSON(t, srv, httptest.NewRequest(http.MethodGet, "/context/alice?limit=zero", nil), http.StatusBadRequest, nil)

	var cleared map[string]any
	doJSON(t, srv, httptest.NewRequest(http.MethodDelete, "/context/alice", nil), http.StatusOK, &cleared)
	if cleared["deleted"] != float64(2) || st.cleared != "alice" {
		t.Fatalf("unexpected clear body: %+v", cleared)
	}

	var rem struct {
		Reminders []store.Reminder `json:"reminders"`
	}
	doJSON(t, srv, httptest.NewRequest(http.MethodGet, "/reminders/alice", nil), http.StatusOK, &rem)
	if len(rem.Reminders) != 1 || rem.Reminders[0].Title != "stretch" {
		t.Fatalf("unexpected reminders: %+v", rem)
	}
}

func TestCancelInteraction(t *testing.T) {
	t.Parallel()

	orch := &fakeOrchestrator{active: "int-7"}
	srv := newTestServer(t, orch, &fakeStore{}, nil)

	var body map[string]any
	doJSON(t, srv, httptest.NewRequest(http.MethodPost, "/interactions/int-7/cancel", nil), http.StatusOK, &body)
	if body["interaction_id"] != "int-7" || body["cancelled"] != true {
		t.Fatalf("unexpected cancel body: %+v", body)
	}
	doJSON(t, srv, httptest.NewRequest(http.MethodPost, "/interactions/int-7/cancel", nil), http.StatusNotFound, nil)
}

func TestHealthAndThermal(t *testing.T) {
	t.Parallel()

	th := &fakeThermal{state: interaction.ThermalNormal}
	st := &fakeStore{}
	srv := newTestServer(t, &fakeOrchestrator{}, st, th)

	var health map[string]any
	doJSON(t, srv, httptest.NewRequest(http.MethodGet, "/health", nil), http.StatusOK, &health)
	if health["status"] != "healthy" || health["store"] != "ok" || health["thermal"] != "normal" {
		t.Fatalf("unexpected health: %+v", health)
	}

	var status thermal.Status
	doJSON(t, srv, httptest.NewRequest(http.MethodPost, "/thermal/cooldown", nil), http.StatusOK, &status)
	if status.State != interaction.ThermalCritical || !status.CooldownActive {
		t.Fatalf("expected cooldown latched, got %+v", status)
	}

	st.pingErr = errors.New("database is locked")
	doJSON(t, srv, httptest.NewRequest(http.MethodGet, "/health", nil), http.StatusOK, &health)
	if health["status"] != "degraded" {
		t.Fatalf("expected degraded health, got %+v", health)
	}

	noThermal := newTestServer(t, &fakeOrchestrator{}, &fakeStore{}, nil)
	doJSON(t, noThermal, httptest.NewRequest(http.MethodGet, "/thermal/status", nil), http.StatusServiceUnavailable, nil)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	orch := &fakeOrchestrator{}
	orch.Metrics().Record(pipeline.Result{Outcome: interaction.OutcomeCompleted, Timing: pipeline.Timing{Total: 2 * time.Second}})
	srv := newTestServer(t, orch, &fakeStore{}, nil)

	var snap pipeline.MetricsSnapshot
	doJSON(t, srv, httptest.NewRequest(http.MethodGet, "/metrics", nil), http.StatusOK, &snap)
	if snap.TotalInteractions != 1 || snap.AverageTotalMS != 2000 {
		t.Fatalf("unexpected metrics: %+v", snap)
	}
}

func TestProgressStream(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeOrchestrator{}, &fakeStore{}, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	defer func() {
		cancel()
		<-done
	}()

	ws, _, err := gorilla.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/ws/interactions", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for srv.Hub().ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	srv.Hub().Publish(interaction.Progress{InteractionID: "int-1", State: interaction.StateTranscribing, RemainingMS: 12000})

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got interaction.Progress
	if err := ws.ReadJSON(&got); err != nil {
		t.Fatalf("read progress: %v", err)
	}
	if got.InteractionID != "int-1" || got.State != interaction.StateTranscribing || got.RemainingMS != 12000 {
		t.Fatalf("unexpected progress: %+v", got)
	}

	resp, err := srv.App().Test(httptest.NewRequest(http.MethodGet, "/ws/interactions", nil))
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Fatalf("expected upgrade required for plain GET, got %d", resp.StatusCode)
	}
}

func TestHubDropsSlowSubscriber(t *testing.T) {
	t.Parallel()

	hub := NewHub(nil)
	sub := hub.subscribe()
	for i := 0; i <= subscriberBuffer; i++ {
		hub.Publish(interaction.Progress{InteractionID: "int-1"})
	}
	if hub.ClientCount() != 0 {
		t.Fatalf("expected slow subscriber dropped")
	}
	n := 0
	for range sub.send {
		n++
	}
	if n != subscriberBuffer {
		t.Fatalf("expected %d buffered messages, got %d", subscriberBuffer, n)
	}
	hub.unsubscribe(sub)
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	if _, err := New(Deps{Store: &fakeStore{}}, Config{}); err == nil {
		t.Fatalf("expected missing orchestrator error")
	}
	if _, err := New(Deps{Orchestrator: &fakeOrchestrator{}}, Config{}); err == nil {
		t.Fatalf("expected missing store error")
	}
}
