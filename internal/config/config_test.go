package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tiger/blackbox-orchestrator/api/interaction"
)

func mapLookup(env map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blackbox.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMergesFileAndEnvironment(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
log:
  format: json
budget:
  total: 10s
degradation:
  warning:
    soft_scale: 0.6
    variant: fast
    max_output_tokens: 80
    reserve_fraction: 1
engines:
  tts:
    provider: polly
    voice: Joanna
store:
  secret: env://BLACKBOX_TEST_SECRET
`)
	cfg, err := LoadWithLookup(path, mapLookup(map[string]string{
		"BLACKBOX_TEST_SECRET":          "correct horse",
		"BLACKBOX_LISTEN":               "127.0.0.1:9000",
		"BLACKBOX_LLM_BASE_URL":         "http://llm:8080/v1",
		"BLACKBOX_CONTEXT_MAX_MESSAGES": "4",
	}))
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.Budget.Total != 10*time.Second || cfg.Budget.Grace != 100*time.Millisecond {
		t.Fatalf("expected file total with default grace, got %+v", cfg.Budget)
	}
	if cfg.Degradation.Warning.MaxOutputTokens != 80 || cfg.Degradation.Critical.MaxOutputTokens != 64 {
		t.Fatalf("expected partial degradation override, got %+v", cfg.Degradation)
	}
	if cfg.Store.Secret != "correct horse" || cfg.API.Listen != "127.0.0.1:9000" || cfg.Context.MaxMessages != 4 {
		t.Fatalf("expected env overrides applied, got %+v", cfg)
	}
	if cfg.Engines.LLM.BaseURL != "http://llm:8080/v1" || cfg.Engines.TTS.Provider != ProviderPolly {
		t.Fatalf("unexpected engines: %+v", cfg.Engines)
	}
	if cfg.Log.Format != "json" || cfg.Store.Retention() != 30*24*time.Hour {
		t.Fatalf("unexpected log/store config: %+v %+v", cfg.Log, cfg.Store)
	}
	if got := cfg.Redacted().Store.Secret; got != "***redacted***" {
		t.Fatalf("expected redacted secret, got %q", got)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	t.Parallel()

	base := Default()
	base.Store.Secret = "s"
	if err := base.Validate(); err != nil {
		t.Fatalf("expected defaults with secret to validate, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "missing secret", mutate: func(c *Config) { c.Store.Secret = "" }, want: "store.secret"},
		{name: "bad admission", mutate: func(c *Config) { c.Pipeline.Admission = "drop" }, want: "admission"},
		{name: "zero weight", mutate: func(c *Config) { c.Budget.Weights.LLM = 0 }, want: "budget"},
		{name: "polly for llm", mutate: func(c *Config) { c.Engines.LLM.Provider = ProviderPolly }, want: "engines.llm"},
		{name: "unknown provider", mutate: func(c *Config) { c.Engines.ASR.Provider = "carrier-pigeon" }, want: "engines.asr"},
		{name: "bad variant", mutate: func(c *Config) { c.Degradation.Critical.Variant = interaction.Variant("turbo") }, want: "degradation.critical"},
		{name: "bad log level", mutate: func(c *Config) { c.Log.Level = "loud" }, want: "log level"},
		{name: "inverted thresholds", mutate: func(c *Config) { c.Thermal.Thresholds.CriticalC = 10 }, want: "thermal"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadReportsBadEnvironmentValues(t *testing.T) {
	t.Parallel()

	_, err := LoadWithLookup("", mapLookup(map[string]string{
		"BLACKBOX_STORE_SECRET": "s",
		"BLACKBOX_BUDGET_TOTAL": "thirteen seconds",
	}))
	if err == nil || !strings.Contains(err.Error(), "BLACKBOX_BUDGET_TOTAL") {
		t.Fatalf("expected duration parse error, got %v", err)
	}
	if _, err := LoadWithLookup(filepath.Join(t.TempDir(), "missing.yaml"), mapLookup(nil)); err == nil {
		t.Fatalf("expected missing file error")
	}
}

func TestResolveSecretWithLookup(t *testing.T) {
	t.Parallel()

	lookup := mapLookup(map[string]string{"STORE_KEY": "secret-key"})
	tests := []struct {
		name    string
		ref     string
		want    string
		wantErr bool
	}{
		{name: "env prefix", ref: "env://STORE_KEY", want: "secret-key"},
		{name: "literal", ref: "plain-value", want: "plain-value"},
		{name: "missing", ref: "env://UNKNOWN", wantErr: true},
		{name: "unsupported scheme", ref: "vault://store/key", wantErr: true},
		{name: "path in name", ref: "env://A/B", wantErr: true},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := ResolveSecretWithLookup(tc.ref, lookup)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tc.ref)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Fatalf("expected %q, got %q err=%v", tc.want, got, err)
			}
		})
	}
}
