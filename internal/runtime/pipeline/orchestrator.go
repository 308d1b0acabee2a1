package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tiger/blackbox-orchestrator/api/interaction"
	"github.com/tiger/blackbox-orchestrator/internal/runtime/budget"
	"github.com/tiger/blackbox-orchestrator/internal/runtime/cancellation"
	"github.com/tiger/blackbox-orchestrator/internal/runtime/funccall"
	"github.com/tiger/blackbox-orchestrator/internal/runtime/provider/contracts"
	"github.com/tiger/blackbox-orchestrator/internal/runtime/thermal"
	"github.com/tiger/blackbox-orchestrator/internal/store"
)

// AdmissionMode decides what happens to a request while another runs.
type AdmissionMode string

const (
	AdmissionReject AdmissionMode = "reject"
	AdmissionQueue  AdmissionMode = "queue"
)

// Validate enforces supported admission modes.
func (m AdmissionMode) Validate() error {
	switch m {
	case AdmissionReject, AdmissionQueue:
		return nil
	default:
		return fmt.Errorf("unsupported admission mode: %q", m)
	}
}

// Invoker is one stage behind the invoke(request, deadline) contract.
// *stage.Adapter implements it.
type Invoker interface {
	Stage() interaction.Stage
	Invoke(ctx context.Context, req contracts.Request, deadline time.Time) (contracts.Response, error)
	Ping(ctx context.Context) error
}

// Audio is one finalized utterance.
type Audio struct {
	Data   []byte
	Format string
}

// Capture blocks until an utterance boundary and hands off the audio.
type Capture interface {
	Capture(ctx context.Context) (Audio, error)
}

// ThermalSource is a non-blocking read of the published thermal state.
type ThermalSource interface {
	Current() interaction.ThermalState
}

// Actions executes validated side-effecting calls.
type Actions interface {
	Execute(ctx context.Context, userID string, call funccall.FunctionCall) (string, error)
}

// History reads and appends conversation context.
type History interface {
	RecentMessages(ctx context.Context, userID string, limit int) ([]store.Message, error)
	AddMessage(ctx context.Context, userID, role, content string) error
}

// Deps are the collaborators one orchestrator drives.
type Deps struct {
	ASR Invoker
	LLM Invoker
	TTS Invoker

	Capture   Capture
	Thermal   ThermalSource
	Validator *funccall.Validator
	Actions   Actions
	History   History
	// Fence is shared with the stage adapters so Cancel reaches the calls
	// in flight. A private fence is created when nil.
	Fence *cancellation.Fence
}

// Config is the immutable orchestrator configuration.
type Config struct {
	Total        time.Duration
	Weights      budget.Weights
	SoftFraction float64
	Policies     thermal.PolicySet
	Admission    AdmissionMode
	SystemPrompt string
	HistoryLimit int
	// TargetTokensPerSecond is the generation throughput below which a
	// warning is logged.
	TargetTokensPerSecond float64
	DefaultUserID         string
	// Observer receives progress for every interaction.
	Observer func(interaction.Progress)
	Now      func() time.Time
	Logger   *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Total <= 0 {
		c.Total = 13 * time.Second
	}
	if c.Weights == (budget.Weights{}) {
		c.Weights = budget.DefaultWeights()
	}
	if c.SoftFraction <= 0 {
		c.SoftFraction = 0.8
	}
	if c.Policies == (thermal.PolicySet{}) {
		c.Policies = thermal.DefaultPolicies()
	}
	if c.Admission == "" {
		c.Admission = AdmissionReject
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
	if c.HistoryLimit == 0 {
		c.HistoryLimit = 10
	}
	if c.TargetTokensPerSecond <= 0 {
		c.TargetTokensPerSecond = 25
	}
	if c.DefaultUserID == "" {
		c.DefaultUserID = "default_user"
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// DefaultSystemPrompt is the assistant persona.
const DefaultSystemPrompt = "You are BLACK BOX, a private voice assistant running entirely on this device. " +
	"Answer in one or two short spoken sentences."

// Request starts one interaction. With Text set the turn skips capture and
// transcription; with Audio set it skips capture.
type Request struct {
	UserID      string
	Audio       []byte
	AudioFormat string
	Text        string
	Observer    func(interaction.Progress)
}

// Timing is the per-stage elapsed time of one interaction.
type Timing struct {
	ASR       time.Duration `json:"asr"`
	LLM       time.Duration `json:"llm"`
	LLMRepair time.Duration `json:"llm_repair"`
	TTS       time.Duration `json:"tts"`
	Total     time.Duration `json:"total"`
}

// Result is the outcome of one interaction. TimedOut and Failed results carry
// whatever was produced before the failure plus a plain-language notice.
type Result struct {
	InteractionID   string                      `json:"interaction_id"`
	State           interaction.State           `json:"state"`
	Outcome         interaction.Outcome         `json:"outcome"`
	Transcript      string                      `json:"transcription,omitempty"`
	ResponseText    string                      `json:"response_text,omitempty"`
	Audio           []byte                      `json:"audio,omitempty"`
	AudioFormat     string                      `json:"audio_format,omitempty"`
	Validation      interaction.ValidationClass `json:"validation,omitempty"`
	Call            *funccall.FunctionCall      `json:"-"`
	FunctionName    string                      `json:"function_name,omitempty"`
	UnderLoad       bool                        `json:"under_load"`
	Notice          string                      `json:"notice,omitempty"`
	Warnings        []string                    `json:"warnings,omitempty"`
	FailureReason   string                      `json:"failure_reason,omitempty"`
	Err             error                       `json:"-"`
	Timing          Timing                      `json:"timing"`
	TokensPerSecond float64                     `json:"llm_tokens_per_second,omitempty"`
	Event           interaction.Event           `json:"-"`
}

// Orchestrator sequences stage calls for one interaction at a time.
type Orchestrator struct {
	cfg          Config
	deps         Deps
	logger       *slog.Logger
	systemPrompt string
	metrics      *Metrics

	// slot admits at most one interaction.
	slot chan struct{}

	mu     sync.Mutex
	active string
}

// New validates collaborators and configuration.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	cfg = cfg.withDefaults()
	for stage, inv := range map[interaction.Stage]Invoker{
		interaction.StageASR: deps.ASR,
		interaction.StageLLM: deps.LLM,
		interaction.StageTTS: deps.TTS,
	} {
		if inv == nil {
			return nil, fmt.Errorf("%s stage is required", stage)
		}
		if inv.Stage() != stage {
			return nil, fmt.Errorf("%s slot holds a %s stage", stage, inv.Stage())
		}
	}
	if err := cfg.Admission.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Policies.Validate(); err != nil {
		return nil, err
	}
	if _, err := budget.Allocate(cfg.Total, cfg.Weights, cfg.SoftFraction); err != nil {
		return nil, err
	}
	if deps.Thermal == nil {
		deps.Thermal = steadyThermal{}
	}
	if deps.Validator == nil {
		deps.Validator = funccall.NewValidator(nil, nil)
	}
	if deps.Fence == nil {
		deps.Fence = cancellation.NewFence()
	}
	return &Orchestrator{
		cfg:          cfg,
		deps:         deps,
		logger:       cfg.Logger.With("component", "orchestrator"),
		systemPrompt: buildSystemPrompt(cfg.SystemPrompt, deps.Validator.Registry()),
		metrics:      NewMetrics(cfg.TargetTokensPerSecond),
		slot:         make(chan struct{}, 1),
	}, nil
}

// Metrics returns the running pipeline metrics.
func (o *Orchestrator) Metrics() *Metrics {
	return o.metrics
}

// Busy reports whether an interaction is in flight.
func (o *Orchestrator) Busy() bool {
	return len(o.slot) > 0
}

// Run drives one interaction to a terminal state. The error is non-nil only
// when the interaction was never admitted; timeouts and engine failures are
// reported in the result.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(req.Text) == "" && len(req.Audio) == 0 && o.deps.Capture == nil {
		return Result{}, ErrNoAudio
	}
	release, err := o.admit(ctx)
	if err != nil {
		return Result{}, err
	}
	defer release()

	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = o.cfg.DefaultUserID
	}
	tracker, err := budget.NewTracker(budget.Config{
		Total:        o.cfg.Total,
		Weights:      o.cfg.Weights,
		SoftFraction: o.cfg.SoftFraction,
		Now:          o.cfg.Now,
	})
	if err != nil {
		return Result{}, err
	}
	id := uuid.NewString()
	o.setActive(id)
	defer o.setActive("")

	r := newRun(o, id, req, tracker)
	r.execute(ctx)
	res := r.finish()
	o.metrics.Record(res)
	return res, nil
}

// Cancel stops the interaction with the given id if it is the one in flight.
// Calls in progress are abandoned and the interaction ends as TimedOut.
func (o *Orchestrator) Cancel(interactionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if interactionID == "" || interactionID != o.active {
		return false
	}
	n := o.deps.Fence.Cancel(interactionID)
	o.logger.Warn("interaction cancel requested", "interaction_id", interactionID, "calls", n)
	return true
}

func (o *Orchestrator) setActive(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if id == "" {
		o.deps.Fence.Forget(o.active)
	}
	o.active = id
}

// Transcribe runs the transcription stage alone within its allotment.
func (o *Orchestrator) Transcribe(ctx context.Context, audio Audio) (string, time.Duration, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	release, err := o.admit(ctx)
	if err != nil {
		return "", 0, err
	}
	defer release()
	if len(audio.Data) == 0 {
		return "", 0, ErrNoAudio
	}

	alloc, err := budget.Allocate(o.cfg.Total, o.cfg.Weights, o.cfg.SoftFraction)
	if err != nil {
		return "", 0, err
	}
	start := o.cfg.Now()
	resp, err := o.deps.ASR.Invoke(ctx, contracts.Request{
		InteractionID: uuid.NewString(),
		Audio:         audio.Data,
		AudioFormat:   audio.Format,
		Config:        contracts.EngineConfig{Variant: o.cfg.Policies.For(o.deps.Thermal.Current()).Variant},
	}, start.Add(alloc.Stages[0].Allotted))
	elapsed := o.cfg.Now().Sub(start)
	if err != nil {
		return "", elapsed, err
	}
	return resp.Text, elapsed, nil
}

// WaitReady pings every stage until all answer or ctx is done.
func (o *Orchestrator) WaitReady(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		var pending []string
		for _, inv := range []Invoker{o.deps.ASR, o.deps.LLM, o.deps.TTS} {
			if err := inv.Ping(ctx); err != nil {
				pending = append(pending, fmt.Sprintf("%s: %v", inv.Stage(), err))
			}
		}
		if len(pending) == 0 {
			o.logger.Info("all stages ready")
			return nil
		}
		o.logger.Info("waiting for stages", "pending", pending)
		select {
		case <-ctx.Done():
			return fmt.Errorf("stages not ready: %s: %w", strings.Join(pending, "; "), ctx.Err())
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) admit(ctx context.Context) (func(), error) {
	release := func() { <-o.slot }
	select {
	case o.slot <- struct{}{}:
		return release, nil
	default:
	}
	if o.cfg.Admission == AdmissionReject {
		return nil, ErrBusy
	}
	select {
	case o.slot <- struct{}{}:
		return release, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrBusy, ctx.Err())
	}
}

type steadyThermal struct{}

func (steadyThermal) Current() interaction.ThermalState {
	return interaction.ThermalNormal
}

func buildSystemPrompt(base string, registry *funccall.Registry) string {
	var b strings.Builder
	b.WriteString(base)
	if registry != nil && len(registry.Names()) > 0 {
		b.WriteString("\n\nYou can call these functions:\n")
		b.WriteString(registry.Describe())
		b.WriteString("To call one, reply with exactly one block of the form " +
			`<function>name({"argument": value})</function>` +
			". Timestamps use ISO-8601. Otherwise reply in plain text.")
	}
	return b.String()
}

func historyMessages(in []store.Message) []contracts.Message {
	out := make([]contracts.Message, 0, len(in))
	for _, m := range in {
		out = append(out, contracts.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

func isTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
