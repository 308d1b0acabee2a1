package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HeaderEventKind tells the collector which payload the body carries.
const HeaderEventKind = "X-Blackbox-Event-Kind"

// DefaultCollectorKinds are posted when CollectorSinkConfig.Kinds is empty.
// Per-call metrics stay local unless asked for.
var DefaultCollectorKinds = []EventKind{EventKindInteraction, EventKindLog}

type CollectorSinkConfig struct {
	URL    string
	Kinds  []EventKind
	Token  string
	Client *http.Client
}

// CollectorSink posts events as JSON to an HTTP collector, one request per event.
type CollectorSink struct {
	url    string
	token  string
	kinds  map[EventKind]bool
	client *http.Client
}

func NewCollectorSink(cfg CollectorSinkConfig) (*CollectorSink, error) {
	raw := strings.TrimSpace(cfg.URL)
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("collector url %q must be an absolute http(s) url", cfg.URL)
	}
	kinds := cfg.Kinds
	if len(kinds) == 0 {
		kinds = DefaultCollectorKinds
	}
	allowed := make(map[EventKind]bool, len(kinds))
	for _, k := range kinds {
		switch k {
		case EventKindMetric, EventKindLog, EventKindInteraction:
			allowed[k] = true
		default:
			return nil, fmt.Errorf("unknown event kind %q", k)
		}
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Second}
	}
	return &CollectorSink{url: u.String(), token: cfg.Token, kinds: allowed, client: client}, nil
}

// Export posts ev when its kind is enabled and skips it otherwise.
func (s *CollectorSink) Export(ctx context.Context, ev Event) error {
	if !s.kinds[ev.Kind] {
		return nil
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Kind, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEventKind, string(ev.Kind))
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s event: %w", ev.Kind, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("collector rejected %s event: %s", ev.Kind, resp.Status)
	}
	return nil
}
