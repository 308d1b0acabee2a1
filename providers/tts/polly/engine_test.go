package polly

import (
	"context"
	"errors"
	"testing"

	pollysdk "github.com/aws/aws-sdk-go-v2/service/polly"
	"github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"
	"github.com/tiger/blackbox-orchestrator/api/interaction"
	"github.com/tiger/blackbox-orchestrator/internal/runtime/provider/contracts"
)

type fakePollyClient struct {
	out  *pollysdk.SynthesizeSpeechOutput
	err  error
	seen *pollysdk.SynthesizeSpeechInput
}

func (f *fakePollyClient) SynthesizeSpeech(ctx context.Context, params *pollysdk.SynthesizeSpeechInput, optFns ...func(*pollysdk.Options)) (*pollysdk.SynthesizeSpeechOutput, error) {
	f.seen = params
	return f.out, f.err
}

type fakeAPIError struct {
	code string
	msg  string
}

func (e fakeAPIError) Error() string {
	return e.code + ": " + e.msg
}

func (e fakeAPIError) ErrorCode() string {
	return e.code
}

func (e fakeAPIError) ErrorMessage() string {
	return e.msg
}

func (e fakeAPIError) ErrorFault() smithy.ErrorFault {
	return smithy.FaultServer
}

func ttsRequest(variant interaction.Variant) contracts.Request {
	return contracts.Request{
		InteractionID: "int-1",
		CallID:        "call-1",
		Stage:         interaction.StageTTS,
		Text:          "It is nine o'clock.",
		Config:        contracts.EngineConfig{Variant: variant},
	}
}

func TestProcessSuccess(t *testing.T) {
	t.Parallel()

	tests := []struct {
		variant interaction.Variant
		engine  types.Engine
	}{
		{variant: interaction.VariantFull, engine: types.EngineNeural},
		{variant: interaction.VariantFast, engine: types.EngineStandard},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(string(tc.variant), func(t *testing.T) {
			t.Parallel()
			client := &fakePollyClient{out: &pollysdk.SynthesizeSpeechOutput{AudioStream: NewTestAudioStream()}}
			engine, err := NewEngineWithClient(Config{}, client)
			if err != nil {
				t.Fatalf("unexpected engine error: %v", err)
			}
			resp, err := engine.Process(context.Background(), ttsRequest(tc.variant))
			if err != nil {
				t.Fatalf("unexpected process error: %v", err)
			}
			if string(resp.Audio) != "mp3" || resp.AudioFormat != "mp3" {
				t.Fatalf("unexpected response: %+v", resp)
			}
			if client.seen.Engine != tc.engine || *client.seen.Text != "It is nine o'clock." || client.seen.VoiceId != types.VoiceId("Joanna") {
				t.Fatalf("unexpected synthesis input: %+v", client.seen)
			}
		})
	}
}

func TestProcessErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		expected error
	}{
		{name: "timeout", err: context.DeadlineExceeded, expected: context.DeadlineExceeded},
		{name: "overload", err: fakeAPIError{code: "TooManyRequestsException", msg: "rate"}, expected: ErrOverloaded},
		{name: "rejected", err: fakeAPIError{code: "TextLengthExceededException", msg: "too long"}, expected: ErrRejected},
		{name: "transport", err: errors.New("tcp reset")},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			engine, err := NewEngineWithClient(Config{}, &fakePollyClient{err: tc.err})
			if err != nil {
				t.Fatalf("unexpected engine error: %v", err)
			}
			_, err = engine.Process(context.Background(), ttsRequest(interaction.VariantFull))
			if err == nil {
				t.Fatalf("expected error")
			}
			if tc.expected != nil && !errors.Is(err, tc.expected) {
				t.Fatalf("expected %v, got %v", tc.expected, err)
			}
		})
	}
}

func TestProcessRejectsInvalidRequest(t *testing.T) {
	t.Parallel()

	engine, _ := NewEngineWithClient(Config{}, &fakePollyClient{})
	req := ttsRequest(interaction.VariantFull)
	req.Text = " "
	if _, err := engine.Process(context.Background(), req); err == nil {
		t.Fatalf("expected empty text to be rejected")
	}
}

var _ smithy.APIError = fakeAPIError{}
var _ contracts.Engine = (*Engine)(nil)
