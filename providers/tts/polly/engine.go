package polly

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"
	"github.com/tiger/blackbox-orchestrator/api/interaction"
	"github.com/tiger/blackbox-orchestrator/internal/runtime/provider/contracts"
)

const EngineID = "tts-amazon-polly"

var (
	// ErrOverloaded indicates Polly throttled the request.
	ErrOverloaded = errors.New("polly throttled request")
	// ErrRejected indicates Polly refused the input text.
	ErrRejected = errors.New("polly rejected request")
)

type synthClient interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

type Config struct {
	Region  string
	VoiceID string
	Timeout time.Duration
}

// Engine synthesizes speech with Amazon Polly. The full variant uses the
// neural engine; the fast variant uses the standard engine.
type Engine struct {
	mu     sync.Mutex
	client synthClient
	cfg    Config
}

func ConfigFromEnv() Config {
	return Config{
		Region:  defaultString(os.Getenv("BLACKBOX_TTS_POLLY_REGION"), defaultString(os.Getenv("AWS_REGION"), "us-east-1")),
		VoiceID: defaultString(os.Getenv("BLACKBOX_TTS_POLLY_VOICE"), "Joanna"),
		Timeout: 10 * time.Second,
	}
}

func NewEngine(cfg Config) (*Engine, error) {
	return NewEngineWithClient(cfg, nil)
}

func NewEngineWithClient(cfg Config, client synthClient) (*Engine, error) {
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = "us-east-1"
	}
	if strings.TrimSpace(cfg.VoiceID) == "" {
		cfg.VoiceID = "Joanna"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Engine{client: client, cfg: cfg}, nil
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
	client, err := e.resolveClient(ctx)
	if err != nil {
		return contracts.Response{}, err
	}

	engine := pollytypes.EngineNeural
	if req.Config.Variant == interaction.VariantFast {
		engine = pollytypes.EngineStandard
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	output, err := client.SynthesizeSpeech(ctx, &polly.SynthesizeSpeechInput{
		Engine:       engine,
		OutputFormat: pollytypes.OutputFormatMp3,
		Text:         &req.Text,
		TextType:     pollytypes.TextTypeText,
		VoiceId:      pollytypes.VoiceId(e.cfg.VoiceID),
	})
	if err != nil {
		return contracts.Response{}, normalizePollyError(err)
	}
	if output == nil || output.AudioStream == nil {
		return contracts.Response{}, nil
	}
	defer output.AudioStream.Close()
	audio, err := io.ReadAll(output.AudioStream)
	if err != nil {
		return contracts.Response{}, normalizePollyError(err)
	}
	return contracts.Response{Audio: audio, AudioFormat: "mp3"}, nil
}

func normalizePollyError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "TooManyRequestsException":
			return fmt.Errorf("%w: %s", ErrOverloaded, apiErr.ErrorMessage())
		case "InvalidSsmlException", "TextLengthExceededException", "LexiconNotFoundException", "MarksNotSupportedForFormatException", "InvalidSampleRateException":
			return fmt.Errorf("%w: %s: %s", ErrRejected, apiErr.ErrorCode(), apiErr.ErrorMessage())
		default:
			return fmt.Errorf("polly server error %s: %w", apiErr.ErrorCode(), err)
		}
	}

	return fmt.Errorf("polly transport error: %w", err)
}

func defaultString(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

func (e *Engine) resolveClient(ctx context.Context) (synthClient, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client != nil {
		return e.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(e.cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	e.client = polly.NewFromConfig(awsCfg)
	return e.client, nil
}

// NewTestAudioStream creates an in-memory stream for engine tests.
func NewTestAudioStream() io.ReadCloser {
	return io.NopCloser(bytes.NewReader([]byte("mp3")))
}
