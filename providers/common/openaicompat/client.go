// Package openaicompat builds clients for OpenAI-compatible inference
// servers running on the device.
package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/tiger/blackbox-orchestrator/api/interaction"
)

// localAPIKey is sent when the server does not require a key.
const localAPIKey = "local"

type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	FastModel  string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// NewClient returns a client that never retries; a failed engine call is
// reported to the stage adapter as-is.
func NewClient(cfg Config) (openai.Client, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return openai.Client{}, fmt.Errorf("base url is required")
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		key = localAPIKey
	}
	opts := []option.RequestOption{
		option.WithBaseURL(base),
		option.WithAPIKey(key),
		option.WithMaxRetries(0),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	return openai.NewClient(opts...), nil
}

// ModelFor picks the model for a variant. The fast variant falls back to the
// full model when no fast model is configured.
func (c Config) ModelFor(variant interaction.Variant) string {
	if variant == interaction.VariantFast && strings.TrimSpace(c.FastModel) != "" {
		return c.FastModel
	}
	return c.Model
}

// Classify wraps SDK errors with the HTTP status when one is known. Context
// errors pass through unchanged so the adapter sees timeouts.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return fmt.Errorf("engine returned status %d: %w", apiErr.StatusCode, err)
	}
	return fmt.Errorf("engine transport: %w", err)
}

// Ping lists models as a readiness check.
func Ping(ctx context.Context, client openai.Client) error {
	if _, err := client.Models.List(ctx); err != nil {
		return Classify(err)
	}
	return nil
}
