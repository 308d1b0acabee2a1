package contracts

import (
	"context"
	"testing"

	"github.com/tiger/blackbox-orchestrator/api/interaction"
)

func TestRequestValidate(t *testing.T) {
	t.Parallel()

	req := Request{
		InteractionID: "int-1",
		CallID:        "call-1",
		Stage:         interaction.StageASR,
		Audio:         []byte{1, 2},
		Config:        EngineConfig{Variant: interaction.VariantFull},
	}
	if err := req.Validate(); err != nil {
		t.Fatalf("expected valid request, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Request)
	}{
		{name: "missing call id", mutate: func(r *Request) { r.CallID = "" }},
		{name: "asr without audio", mutate: func(r *Request) { r.Audio = nil }},
		{name: "llm without text", mutate: func(r *Request) { r.Stage = interaction.StageLLM }},
		{name: "bad variant", mutate: func(r *Request) { r.Config.Variant = "tiny" }},
		{name: "negative tokens", mutate: func(r *Request) { r.Config.MaxOutputTokens = -1 }},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			bad := req
			tc.mutate(&bad)
			if err := bad.Validate(); err == nil {
				t.Fatalf("expected validation error for %+v", bad)
			}
		})
	}
}

func TestOutcomeClassValidate(t *testing.T) {
	t.Parallel()

	for _, class := range []OutcomeClass{OutcomeSuccess, OutcomeTimeout, OutcomeEngineFailure, OutcomeMalformedOutput} {
		if err := class.Validate(); err != nil {
			t.Fatalf("expected %s to be valid, got %v", class, err)
		}
	}
	if err := OutcomeClass("overload").Validate(); err == nil {
		t.Fatalf("expected unsupported outcome class to fail")
	}
}

func TestStaticEngineDefaults(t *testing.T) {
	t.Parallel()

	engine := StaticEngine{ID: "tts-static", Mode: interaction.StageTTS}
	resp, err := engine.Process(context.Background(), Request{
		InteractionID: "int-1",
		CallID:        "call-1",
		Stage:         interaction.StageTTS,
		Text:          "hi",
	})
	if err != nil {
		t.Fatalf("unexpected process error: %v", err)
	}
	if len(resp.Audio) == 0 {
		t.Fatalf("expected audio from static tts engine, got %+v", resp)
	}
	if err := engine.Ping(context.Background()); err != nil {
		t.Fatalf("unexpected ping error: %v", err)
	}
}
