package stage

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
	"github.com/tiger/blackbox-orchestrator/internal/observability/telemetry"
	"github.com/tiger/blackbox-orchestrator/internal/runtime/cancellation"
	"github.com/tiger/blackbox-orchestrator/internal/runtime/channel"
	"github.com/tiger/blackbox-orchestrator/internal/runtime/provider/contracts"
)

// DefaultGrace bounds how long Invoke waits past the stage deadline.
const DefaultGrace = 100 * time.Millisecond

// Config controls deadline enforcement for one adapter. Fence, when set, is
// shared with the orchestrator so cancelling an interaction reaches the call
// in flight on this stage.
type Config struct {
	Grace  time.Duration
	Now    func() time.Time
	Fence  *cancellation.Fence
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Grace <= 0 {
		c.Grace = DefaultGrace
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type call struct {
	seq uint64
	ctx context.Context
	req contracts.Request
}

type result struct {
	seq      uint64
	resp     contracts.Response
	err      error
	finished time.Time
}

// Adapter turns one engine into a request/response actor. A worker goroutine
// owns the engine; Invoke talks to it over a pair of capacity-1 channels.
type Adapter struct {
	engine contracts.Engine
	stage  interaction.Stage
	cfg    Config
	logger *slog.Logger

	requests  *channel.Channel[call]
	responses *channel.Channel[result]

	stopCtx context.Context
	stop    context.CancelFunc

	// mu keeps at most one Invoke waiting at a time.
	mu  sync.Mutex
	seq uint64
}

// NewAdapter starts the worker for engine.
func NewAdapter(engine contracts.Engine, cfg Config) (*Adapter, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if err := engine.Stage().Validate(); err != nil {
		return nil, fmt.Errorf("engine %s: %w", engine.EngineID(), err)
	}
	cfg = cfg.withDefaults()
	stopCtx, stop := context.WithCancel(context.Background())
	a := &Adapter{
		engine:    engine,
		stage:     engine.Stage(),
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "stage", "stage", string(engine.Stage()), "engine", engine.EngineID()),
		requests:  channel.New[call](1),
		responses: channel.New[result](1),
		stopCtx:   stopCtx,
		stop:      stop,
	}
	go a.serve()
	return a, nil
}

// Stage returns the hop this adapter serves.
func (a *Adapter) Stage() interaction.Stage {
	return a.stage
}

// EngineID returns the wrapped engine id.
func (a *Adapter) EngineID() string {
	return a.engine.EngineID()
}

// Ping reports engine readiness. Engines without a Pinger are always ready.
func (a *Adapter) Ping(ctx context.Context) error {
	if p, ok := a.engine.(contracts.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close stops the worker. An engine call still running is abandoned.
func (a *Adapter) Close() {
	a.requests.Close()
	a.stop()
}

// Invoke runs one engine call and returns its response, or a *StageError.
// A response observed at exactly deadline is accepted; a later one is a
// Timeout. Invoke never waits longer than deadline + grace.
func (a *Adapter) Invoke(ctx context.Context, req contracts.Request, deadline time.Time) (contracts.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	req.Stage = a.stage
	if strings.TrimSpace(req.CallID) == "" {
		req.CallID = uuid.NewString()
	}
	start := a.cfg.Now()
	req.Config.DeadlineHint = deadline.Sub(start)

	resp, err := a.invoke(ctx, req, start, deadline)
	a.observe(req, start, err)
	return resp, err
}

func (a *Adapter) invoke(ctx context.Context, req contracts.Request, start, deadline time.Time) (contracts.Response, error) {
	if isDone(a.requests.Done()) {
		return contracts.Response{}, a.fail(KindEngineFailure, "", ErrAdapterClosed)
	}
	if start.After(deadline) {
		return contracts.Response{}, a.fail(KindTimeout, "deadline passed before dispatch", nil)
	}

	wait := deadline.Sub(start) + a.cfg.Grace
	callCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	if a.cfg.Fence != nil && req.InteractionID != "" {
		if err := a.cfg.Fence.Register(req.InteractionID, req.CallID, cancel); err != nil {
			if errors.Is(err, cancellation.ErrFenced) {
				return contracts.Response{}, a.fail(KindTimeout, "interaction cancelled", err)
			}
			return contracts.Response{}, a.fail(KindEngineFailure, "register call", err)
		}
		defer a.cfg.Fence.Release(req.InteractionID, req.CallID)
	}

	// Drop a result left behind by an abandoned call.
	for {
		if _, err := a.responses.Receive(0); err != nil {
			break
		}
	}

	a.seq++
	seq := a.seq
	if err := a.requests.Send(callCtx, call{seq: seq, ctx: callCtx, req: req}); err != nil {
		if errors.Is(err, channel.ErrChannelClosed) {
			return contracts.Response{}, a.fail(KindEngineFailure, "", ErrAdapterClosed)
		}
		return contracts.Response{}, a.stopped(ctx, req, "engine busy with an abandoned call", err)
	}

	for {
		res, err := a.responses.ReceiveContext(callCtx)
		if err != nil {
			if errors.Is(err, channel.ErrChannelClosed) {
				return contracts.Response{}, a.fail(KindEngineFailure, "", ErrAdapterClosed)
			}
			return contracts.Response{}, a.stopped(ctx, req, fmt.Sprintf("no answer within %s", deadline.Sub(start)), nil)
		}
		if res.seq != seq {
			continue
		}
		return a.classify(req, res, deadline)
	}
}

func (a *Adapter) classify(req contracts.Request, res result, deadline time.Time) (contracts.Response, error) {
	if res.finished.After(deadline) {
		return contracts.Response{}, a.fail(KindTimeout, fmt.Sprintf("answered %s past deadline", res.finished.Sub(deadline)), nil)
	}
	if res.err != nil {
		switch {
		case a.cfg.Fence != nil && a.cfg.Fence.IsFenced(req.InteractionID):
			return contracts.Response{}, a.fail(KindTimeout, "interaction cancelled", cancellation.ErrFenced)
		case errors.Is(res.err, context.DeadlineExceeded):
			return contracts.Response{}, a.fail(KindTimeout, "engine deadline exceeded", res.err)
		case errors.Is(res.err, context.Canceled):
			return contracts.Response{}, a.fail(KindTimeout, "canceled", res.err)
		}
		return contracts.Response{}, a.fail(KindEngineFailure, "", res.err)
	}
	if reason := shapeCheck(a.stage, res.resp); reason != "" {
		return contracts.Response{}, a.fail(KindMalformedOutput, reason, nil)
	}
	return res.resp, nil
}

func shapeCheck(stage interaction.Stage, resp contracts.Response) string {
	switch stage {
	case interaction.StageASR:
		if strings.TrimSpace(resp.Text) == "" {
			return "empty transcript"
		}
	case interaction.StageLLM:
		if strings.TrimSpace(resp.Text) == "" {
			return "empty generation"
		}
		if resp.OutputTokens < 0 {
			return "negative output token count"
		}
	case interaction.StageTTS:
		if len(resp.Audio) == 0 {
			return "empty audio"
		}
	}
	return ""
}

// stopped classifies a call abandoned before its answer arrived. The engine
// context is cancelled by the caller's deferred cancel.
func (a *Adapter) stopped(ctx context.Context, req contracts.Request, reason string, err error) *StageError {
	switch {
	case ctx.Err() != nil:
		return a.fail(KindTimeout, "canceled", ctx.Err())
	case a.cfg.Fence != nil && a.cfg.Fence.IsFenced(req.InteractionID):
		return a.fail(KindTimeout, "interaction cancelled", cancellation.ErrFenced)
	}
	return a.fail(KindTimeout, reason, err)
}

func (a *Adapter) fail(kind Kind, reason string, err error) *StageError {
	return &StageError{Kind: kind, Stage: a.stage, Reason: reason, Err: err}
}

func (a *Adapter) serve() {
	for {
		c, err := a.requests.ReceiveContext(a.stopCtx)
		if err != nil {
			return
		}
		resp, err := a.process(c)
		res := result{seq: c.seq, resp: resp, err: err, finished: a.cfg.Now()}
		if err := a.responses.Send(a.stopCtx, res); err != nil {
			return
		}
	}
}

func (a *Adapter) process(c call) (resp contracts.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine panic: %v", r)
		}
	}()
	return a.engine.Process(c.ctx, c.req)
}

func (a *Adapter) observe(req contracts.Request, start time.Time, err error) {
	end := a.cfg.Now()
	outcome := contracts.OutcomeSuccess
	if kind, ok := KindOf(err); ok {
		outcome = kind.Outcome()
	}
	attrs := map[string]string{
		"stage":   string(a.stage),
		"engine":  a.engine.EngineID(),
		"outcome": string(outcome),
		"variant": string(req.Config.Variant),
	}
	corr := telemetry.Correlation{
		InteractionID: req.InteractionID,
		CallID:        req.CallID,
		Stage:         string(a.stage),
		Source:        "stage_adapter",
		AtMS:          end.UnixMilli(),
	}
	telemetry.DefaultEmitter().EmitMetric(telemetry.MetricStageDurationMS, float64(end.Sub(start).Milliseconds()), "ms", attrs, corr)
	if err != nil {
		a.logger.Warn("stage call failed", "interaction_id", req.InteractionID, "call_id", req.CallID, "outcome", outcome, "error", err)
	}
}

func isDone(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
