package contracts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tiger/blackbox-orchestrator/api/interaction"
)

// OutcomeClass is the normalized stage-call outcome taxonomy.
type OutcomeClass string

const (
	OutcomeSuccess         OutcomeClass = "success"
	OutcomeTimeout         OutcomeClass = "timeout"
	OutcomeEngineFailure   OutcomeClass = "engine_failure"
	OutcomeMalformedOutput OutcomeClass = "malformed_output"
)

// Validate enforces supported outcome classes.
func (o OutcomeClass) Validate() error {
	switch o {
	case OutcomeSuccess, OutcomeTimeout, OutcomeEngineFailure, OutcomeMalformedOutput:
		return nil
	default:
		return fmt.Errorf("unsupported outcome_class: %q", o)
	}
}

// Message is one conversation-history turn passed to the generation engine.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// EngineConfig is the configuration chosen by the degradation policy for one call.
type EngineConfig struct {
	Variant         interaction.Variant `json:"variant"`
	MaxOutputTokens int                 `json:"max_output_tokens,omitempty"`
	// DeadlineHint is the time the engine has before its answer is discarded.
	DeadlineHint time.Duration `json:"deadline_hint"`
}

// Request is passed to an engine once per stage call.
type Request struct {
	InteractionID string            `json:"interaction_id"`
	CallID        string            `json:"call_id"`
	Stage         interaction.Stage `json:"stage"`
	Audio         []byte            `json:"audio,omitempty"`
	AudioFormat   string            `json:"audio_format,omitempty"`
	Text          string            `json:"text,omitempty"`
	SystemPrompt  string            `json:"system_prompt,omitempty"`
	History       []Message         `json:"history,omitempty"`
	Config        EngineConfig      `json:"config"`
}

// Validate enforces required fields per stage.
func (r Request) Validate() error {
	if strings.TrimSpace(r.InteractionID) == "" || strings.TrimSpace(r.CallID) == "" {
		return fmt.Errorf("interaction_id and call_id are required")
	}
	if err := r.Stage.Validate(); err != nil {
		return err
	}
	if r.Config.Variant != "" {
		if err := r.Config.Variant.Validate(); err != nil {
			return err
		}
	}
	if r.Config.MaxOutputTokens < 0 {
		return fmt.Errorf("max_output_tokens must be >=0")
	}
	switch r.Stage {
	case interaction.StageASR:
		if len(r.Audio) == 0 {
			return fmt.Errorf("asr request requires audio")
		}
	case interaction.StageLLM, interaction.StageTTS:
		if strings.TrimSpace(r.Text) == "" {
			return fmt.Errorf("%s request requires text", r.Stage)
		}
	}
	return nil
}

// Response is what an engine returns for one call.
type Response struct {
	Text         string `json:"text,omitempty"`
	Audio        []byte `json:"audio,omitempty"`
	AudioFormat  string `json:"audio_format,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}

// Engine is one black-box inference backend.
type Engine interface {
	EngineID() string
	Stage() interaction.Stage
	Process(ctx context.Context, req Request) (Response, error)
}

// Pinger is implemented by engines that can report readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StaticEngine is a small utility engine for tests and local wiring.
type StaticEngine struct {
	ID        string
	Mode      interaction.Stage
	ProcessFn func(context.Context, Request) (Response, error)
	PingFn    func(context.Context) error
}

func (e StaticEngine) EngineID() string {
	return e.ID
}

func (e StaticEngine) Stage() interaction.Stage {
	return e.Mode
}

func (e StaticEngine) Process(ctx context.Context, req Request) (Response, error) {
	if e.ProcessFn != nil {
		return e.ProcessFn(ctx, req)
	}
	if err := req.Validate(); err != nil {
		return Response{}, err
	}
	switch e.Mode {
	case interaction.StageASR:
		return Response{Text: "hello"}, nil
	case interaction.StageTTS:
		return Response{Audio: []byte("pcm"), AudioFormat: "wav"}, nil
	default:
		return Response{Text: req.Text}, nil
	}
}

func (e StaticEngine) Ping(ctx context.Context) error {
	if e.PingFn != nil {
		return e.PingFn(ctx)
	}
	return nil
}
