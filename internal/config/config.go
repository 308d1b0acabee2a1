// Package config loads the immutable process configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/tiger/blackbox-orchestrator/api/interaction"
	"github.com/tiger/blackbox-orchestrator/internal/runtime/budget"
	"github.com/tiger/blackbox-orchestrator/internal/runtime/thermal"
	"github.com/tiger/blackbox-orchestrator/internal/store"
)

// Engine providers.
const (
	ProviderOpenAI = "openai"
	ProviderPolly  = "polly"
	ProviderRemote = "remote"
	ProviderStatic = "static"
)

// Config is loaded once at startup. Nothing reloads it.
type Config struct {
	Log         LogConfig         `yaml:"log"`
	Budget      BudgetConfig      `yaml:"budget"`
	Degradation thermal.PolicySet `yaml:"degradation"`
	Thermal     ThermalConfig     `yaml:"thermal"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Context     ContextConfig     `yaml:"context"`
	Engines     EnginesConfig     `yaml:"engines"`
	Store       StoreConfig       `yaml:"store"`
	API         APIConfig         `yaml:"api"`
	Functions   FunctionsConfig   `yaml:"functions"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type BudgetConfig struct {
	Total        time.Duration  `yaml:"total"`
	Weights      budget.Weights `yaml:"weights"`
	SoftFraction float64        `yaml:"soft_fraction"`
	Grace        time.Duration  `yaml:"grace"`
}

type ThermalConfig struct {
	Period     time.Duration      `yaml:"period"`
	Hysteresis int                `yaml:"hysteresis"`
	Thresholds thermal.Thresholds `yaml:"thresholds"`
	ZonesRoot  string             `yaml:"zones_root"`
	MaxZones   int                `yaml:"max_zones"`
}

type PipelineConfig struct {
	Admission             string  `yaml:"admission"`
	SystemPrompt          string  `yaml:"system_prompt"`
	TargetTokensPerSecond float64 `yaml:"target_tokens_per_second"`
	DefaultUserID         string  `yaml:"default_user_id"`
}

type ContextConfig struct {
	MaxMessages int `yaml:"max_messages"`
}

// EngineConfig selects and parameterizes one stage engine.
type EngineConfig struct {
	Provider  string        `yaml:"provider"`
	BaseURL   string        `yaml:"base_url"`
	APIKey    string        `yaml:"api_key"`
	Model     string        `yaml:"model"`
	FastModel string        `yaml:"fast_model"`
	Voice     string        `yaml:"voice"`
	Region    string        `yaml:"region"`
	Timeout   time.Duration `yaml:"timeout"`
}

type EnginesConfig struct {
	ASR EngineConfig `yaml:"asr"`
	LLM EngineConfig `yaml:"llm"`
	TTS EngineConfig `yaml:"tts"`
}

type StoreConfig struct {
	Path          string          `yaml:"path"`
	Secret        string          `yaml:"secret"`
	KDF           store.KDFParams `yaml:"kdf"`
	RetentionDays int             `yaml:"retention_days"`
	PruneSchedule string          `yaml:"prune_schedule"`
	SweepSchedule string          `yaml:"sweep_schedule"`
}

type APIConfig struct {
	Listen       string        `yaml:"listen"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	BodyLimitMB  int           `yaml:"body_limit_mb"`
}

type FunctionsConfig struct {
	RegistryPath string `yaml:"registry_path"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Budget: BudgetConfig{
			Total:        13 * time.Second,
			Weights:      budget.DefaultWeights(),
			SoftFraction: 0.8,
			Grace:        100 * time.Millisecond,
		},
		Degradation: thermal.DefaultPolicies(),
		Thermal: ThermalConfig{
			Period:     2 * time.Second,
			Hysteresis: 3,
			Thresholds: thermal.DefaultThresholds(),
			ZonesRoot:  "/sys/class/thermal",
			MaxZones:   10,
		},
		Pipeline: PipelineConfig{
			Admission:             "reject",
			TargetTokensPerSecond: 25,
			DefaultUserID:         "default_user",
		},
		Context: ContextConfig{MaxMessages: 10},
		Engines: EnginesConfig{
			ASR: EngineConfig{Provider: ProviderOpenAI, BaseURL: "http://localhost:8001/v1", Model: "whisper-1", Timeout: 10 * time.Second},
			LLM: EngineConfig{Provider: ProviderOpenAI, BaseURL: "http://localhost:8002/v1", Model: "llama-3.2-3b-instruct", FastModel: "llama-3.2-1b-instruct", Timeout: 15 * time.Second},
			TTS: EngineConfig{Provider: ProviderOpenAI, BaseURL: "http://localhost:8003/v1", Model: "tts-1", Voice: "alloy", Timeout: 10 * time.Second},
		},
		Store: StoreConfig{
			Path:          "data/blackbox.db",
			KDF:           store.DefaultKDFParams(),
			RetentionDays: 30,
			PruneSchedule: "0 3 * * *",
			SweepSchedule: "* * * * *",
		},
		API: APIConfig{
			Listen:       ":8000",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			BodyLimitMB:  25,
		},
	}
}

// Load reads .env (when present), then path (when non-empty) over the
// defaults, then BLACKBOX_* environment overrides, resolves secret refs and
// validates the result.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Debug("failed to load .env file", "error", err)
	}
	return LoadWithLookup(path, os.LookupEnv)
}

// LoadWithLookup is Load without .env handling and with an injectable
// environment.
func LoadWithLookup(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.resolveSecrets(lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(name string, dst *time.Duration) error {
		v, ok := lookup(name)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = d
		return nil
	}
	integer := func(name string, dst *int) error {
		v, ok := lookup(name)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = n
		return nil
	}

	str("BLACKBOX_LOG_LEVEL", &c.Log.Level)
	str("BLACKBOX_LOG_FORMAT", &c.Log.Format)
	str("BLACKBOX_LISTEN", &c.API.Listen)
	str("BLACKBOX_ADMISSION", &c.Pipeline.Admission)
	str("BLACKBOX_STORE_PATH", &c.Store.Path)
	str("BLACKBOX_STORE_SECRET", &c.Store.Secret)
	str("BLACKBOX_FUNCTIONS_PATH", &c.Functions.RegistryPath)
	str("BLACKBOX_THERMAL_ZONES_ROOT", &c.Thermal.ZonesRoot)
	for prefix, engine := range map[string]*EngineConfig{
		"BLACKBOX_ASR": &c.Engines.ASR,
		"BLACKBOX_LLM": &c.Engines.LLM,
		"BLACKBOX_TTS": &c.Engines.TTS,
	} {
		str(prefix+"_PROVIDER", &engine.Provider)
		str(prefix+"_BASE_URL", &engine.BaseURL)
		str(prefix+"_API_KEY", &engine.APIKey)
		str(prefix+"_MODEL", &engine.Model)
	}
	if err := dur("BLACKBOX_BUDGET_TOTAL", &c.Budget.Total); err != nil {
		return err
	}
	if err := dur("BLACKBOX_THERMAL_PERIOD", &c.Thermal.Period); err != nil {
		return err
	}
	return integer("BLACKBOX_CONTEXT_MAX_MESSAGES", &c.Context.MaxMessages)
}

func (c *Config) resolveSecrets(lookup func(string) (string, bool)) error {
	secret, err := ResolveSecretWithLookup(c.Store.Secret, lookup)
	if err != nil {
		return fmt.Errorf("store.secret: %w", err)
	}
	c.Store.Secret = secret
	for name, engine := range map[string]*EngineConfig{"asr": &c.Engines.ASR, "llm": &c.Engines.LLM, "tts": &c.Engines.TTS} {
		key, err := ResolveSecretWithLookup(engine.APIKey, lookup)
		if err != nil {
			return fmt.Errorf("engines.%s.api_key: %w", name, err)
		}
		engine.APIKey = key
	}
	return nil
}

// Validate rejects configurations the runtime cannot honor.
func (c Config) Validate() error {
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	if _, err := budget.Allocate(c.Budget.Total, c.Budget.Weights, c.Budget.SoftFraction); err != nil {
		return fmt.Errorf("budget: %w", err)
	}
	if c.Budget.Grace < 0 {
		return fmt.Errorf("budget.grace must be >=0")
	}
	if err := c.Degradation.Validate(); err != nil {
		return err
	}
	if err := c.Thermal.Thresholds.Validate(); err != nil {
		return fmt.Errorf("thermal.thresholds: %w", err)
	}
	if c.Thermal.Period <= 0 || c.Thermal.Hysteresis < 1 {
		return fmt.Errorf("thermal.period must be >0 and thermal.hysteresis >=1")
	}
	switch c.Pipeline.Admission {
	case "reject", "queue":
	default:
		return fmt.Errorf("pipeline.admission must be reject or queue, got %q", c.Pipeline.Admission)
	}
	if c.Context.MaxMessages < 0 {
		return fmt.Errorf("context.max_messages must be >=0")
	}
	for stage, engine := range map[interaction.Stage]EngineConfig{
		interaction.StageASR: c.Engines.ASR,
		interaction.StageLLM: c.Engines.LLM,
		interaction.StageTTS: c.Engines.TTS,
	} {
		if err := engine.validate(stage); err != nil {
			return fmt.Errorf("engines.%s: %w", stage, err)
		}
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Store.Secret == "" {
		return fmt.Errorf("store.secret is required")
	}
	if c.Store.RetentionDays < 1 {
		return fmt.Errorf("store.retention_days must be >=1")
	}
	if strings.TrimSpace(c.API.Listen) == "" {
		return fmt.Errorf("api.listen is required")
	}
	return nil
}

func (e EngineConfig) validate(stage interaction.Stage) error {
	switch e.Provider {
	case ProviderOpenAI, ProviderRemote:
		if strings.TrimSpace(e.BaseURL) == "" {
			return fmt.Errorf("base_url is required for %s", e.Provider)
		}
	case ProviderPolly:
		if stage != interaction.StageTTS {
			return fmt.Errorf("polly only serves tts")
		}
	case ProviderStatic:
	default:
		return fmt.Errorf("unsupported provider %q", e.Provider)
	}
	if e.Timeout < 0 {
		return fmt.Errorf("timeout must be >=0")
	}
	return nil
}

// ParseLevel maps a configured level name to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", level)
	}
}

// NewLogger builds the process logger described by c.
func (c LogConfig) NewLogger() *slog.Logger {
	level, _ := ParseLevel(c.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// Retention returns the history retention window.
func (c StoreConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// Redacted returns a copy safe to log.
func (c Config) Redacted() Config {
	c.Store.Secret = RedactSecret(c.Store.Secret)
	c.Engines.ASR.APIKey = RedactSecret(c.Engines.ASR.APIKey)
	c.Engines.LLM.APIKey = RedactSecret(c.Engines.LLM.APIKey)
	c.Engines.TTS.APIKey = RedactSecret(c.Engines.TTS.APIKey)
	return c
}
