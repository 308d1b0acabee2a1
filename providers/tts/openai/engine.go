// Package openai serves the synthesis stage from an OpenAI-compatible speech
// endpoint.
package openai

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	sdk "github.com/openai/openai-go"
	"github.com/tiger/blackbox-orchestrator/api/interaction"
	"github.com/tiger/blackbox-orchestrator/internal/runtime/provider/contracts"
	"github.com/tiger/blackbox-orchestrator/providers/common/openaicompat"
)

const EngineID = "tts-openai-compatible"

type Config struct {
	openaicompat.Config
	Voice string
}

func ConfigFromEnv() Config {
	return Config{
		Config: openaicompat.Config{
			BaseURL:   defaultString(os.Getenv("BLACKBOX_TTS_BASE_URL"), "http://localhost:8003/v1"),
			APIKey:    os.Getenv("BLACKBOX_TTS_API_KEY"),
			Model:     defaultString(os.Getenv("BLACKBOX_TTS_MODEL"), "tts-1"),
			FastModel: os.Getenv("BLACKBOX_TTS_FAST_MODEL"),
			Timeout:   10 * time.Second,
		},
		Voice: defaultString(os.Getenv("BLACKBOX_TTS_VOICE"), "alloy"),
	}
}

type Engine struct {
	cfg    Config
	client sdk.Client
}

func NewEngine(cfg Config) (*Engine, error) {
	if strings.TrimSpace(cfg.Voice) == "" {
		cfg.Voice = "alloy"
	}
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
	return interaction.StageTTS
}

func (e *Engine) Process(ctx context.Context, req contracts.Request) (contracts.Response, error) {
	if err := req.Validate(); err != nil {
		return contracts.Response{}, err
	}
	resp, err := e.client.Audio.Speech.New(ctx, sdk.AudioSpeechNewParams{
		Input:          req.Text,
		Model:          sdk.SpeechModel(e.cfg.ModelFor(req.Config.Variant)),
		Voice:          sdk.AudioSpeechNewParamsVoice(e.cfg.Voice),
		ResponseFormat: sdk.AudioSpeechNewParamsResponseFormatWAV,
	})
	if err != nil {
		return contracts.Response{}, openaicompat.Classify(err)
	}
	defer resp.Body.Close()
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return contracts.Response{}, fmt.Errorf("read speech: %w", openaicompat.Classify(err))
	}
	return contracts.Response{Audio: audio, AudioFormat: "wav"}, nil
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
