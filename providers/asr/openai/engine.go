// Package openai serves the transcription stage from an OpenAI-compatible
// audio transcription endpoint.
package openai

import (
	"bytes"
	"context"
	"os"
	"strings"
	"time"

	sdk "github.com/openai/openai-go"
	"github.com/tiger/blackbox-orchestrator/api/interaction"
	"github.com/tiger/blackbox-orchestrator/internal/runtime/provider/contracts"
	"github.com/tiger/blackbox-orchestrator/providers/common/openaicompat"
)

const EngineID = "asr-openai-compatible"

type Config struct {
	openaicompat.Config
	Language string
}

func ConfigFromEnv() Config {
	return Config{
		Config: openaicompat.Config{
			BaseURL:   defaultString(os.Getenv("BLACKBOX_ASR_BASE_URL"), "http://localhost:8001/v1"),
			APIKey:    os.Getenv("BLACKBOX_ASR_API_KEY"),
			Model:     defaultString(os.Getenv("BLACKBOX_ASR_MODEL"), "whisper-1"),
			FastModel: os.Getenv("BLACKBOX_ASR_FAST_MODEL"),
			Timeout:   10 * time.Second,
		},
		Language: defaultString(os.Getenv("BLACKBOX_ASR_LANGUAGE"), "en"),
	}
}

type Engine struct {
	cfg    Config
	client sdk.Client
}

func NewEngine(cfg Config) (*Engine, error) {
	client, err := openaicompat.NewClient(cfg.Config)
	if err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg, client: client}, nil
}

func (e *Engine) EngineID() string {
	return EngineID
}

func (e *Engine) Stage() interaction.Stage {
	return interaction.StageASR
}

func (e *Engine) Process(ctx context.Context, req contracts.Request) (contracts.Response, error) {
	if err := req.Validate(); err != nil {
		return contracts.Response{}, err
	}
	format := strings.TrimSpace(strings.ToLower(req.AudioFormat))
	if format == "" {
		format = "wav"
	}
	params := sdk.AudioTranscriptionNewParams{
		File:  sdk.File(bytes.NewReader(req.Audio), "utterance."+format, "audio/"+format),
		Model: sdk.AudioModel(e.cfg.ModelFor(req.Config.Variant)),
	}
	if e.cfg.Language != "" {
		params.Language = sdk.String(e.cfg.Language)
	}
	transcription, err := e.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return contracts.Response{}, openaicompat.Classify(err)
	}
	return contracts.Response{Text: strings.TrimSpace(transcription.Text)}, nil
}

func (e *Engine) Ping(ctx context.Context) error {
	return openaicompat.Ping(ctx, e.client)
}

func defaultString(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
