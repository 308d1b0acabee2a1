// Package openai serves the generation stage from an OpenAI-compatible
// chat completions endpoint.
package openai

import (
	"context"
	"os"
	"strings"
	"time"

	sdk "github.com/openai/openai-go"
	"github.com/tiger/blackbox-orchestrator/api/interaction"
	"github.com/tiger/blackbox-orchestrator/internal/runtime/provider/contracts"
	"github.com/tiger/blackbox-orchestrator/providers/common/openaicompat"
)

const EngineID = "llm-openai-compatible"

// DefaultMaxTokens caps a reply when the degradation policy sets no limit.
const DefaultMaxTokens = 150

type Config struct {
	openaicompat.Config
	Temperature float64
	MaxTokens   int
}

func ConfigFromEnv() Config {
	return Config{
		Config: openaicompat.Config{
			BaseURL:   defaultString(os.Getenv("BLACKBOX_LLM_BASE_URL"), "http://localhost:8002/v1"),
			APIKey:    os.Getenv("BLACKBOX_LLM_API_KEY"),
			Model:     defaultString(os.Getenv("BLACKBOX_LLM_MODEL"), "llama-3.2-3b-instruct"),
			FastModel: os.Getenv("BLACKBOX_LLM_FAST_MODEL"),
			Timeout:   15 * time.Second,
		},
		Temperature: 0.7,
		MaxTokens:   DefaultMaxTokens,
	}
}

type Engine struct {
	cfg    Config
	client sdk.Client
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Temperature < 0 {
		cfg.Temperature = 0
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
	return interaction.StageLLM
}

func (e *Engine) Process(ctx context.Context, req contracts.Request) (contracts.Response, error) {
	if err := req.Validate(); err != nil {
		return contracts.Response{}, err
	}
	maxTokens := req.Config.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = e.cfg.MaxTokens
	}
	resp, err := e.client.Chat.Completions.New(ctx, sdk.ChatCompletionNewParams{
		Model:       sdk.ChatModel(e.cfg.ModelFor(req.Config.Variant)),
		Messages:    buildMessages(req),
		MaxTokens:   sdk.Int(int64(maxTokens)),
		Temperature: sdk.Float(e.cfg.Temperature),
	})
	if err != nil {
		return contracts.Response{}, openaicompat.Classify(err)
	}
	if len(resp.Choices) == 0 {
		return contracts.Response{}, nil
	}
	return contracts.Response{
		Text:         strings.TrimSpace(resp.Choices[0].Message.Content),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}, nil
}

func (e *Engine) Ping(ctx context.Context) error {
	return openaicompat.Ping(ctx, e.client)
}

func buildMessages(req contracts.Request) []sdk.ChatCompletionMessageParamUnion {
	messages := make([]sdk.ChatCompletionMessageParamUnion, 0, len(req.History)+2)
	if strings.TrimSpace(req.SystemPrompt) != "" {
		messages = append(messages, sdk.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.History {
		if m.Role == contracts.RoleAssistant {
			messages = append(messages, sdk.AssistantMessage(m.Content))
			continue
		}
		messages = append(messages, sdk.UserMessage(m.Content))
	}
	return append(messages, sdk.UserMessage(req.Text))
}

func defaultString(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
