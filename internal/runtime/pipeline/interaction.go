package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tiger/blackbox-orchestrator/api/interaction"
	"github.com/tiger/blackbox-orchestrator/internal/observability/telemetry"
	"github.com/tiger/blackbox-orchestrator/internal/runtime/budget"
	"github.com/tiger/blackbox-orchestrator/internal/runtime/cancellation"
	"github.com/tiger/blackbox-orchestrator/internal/runtime/funccall"
	"github.com/tiger/blackbox-orchestrator/internal/runtime/provider/contracts"
	"github.com/tiger/blackbox-orchestrator/internal/runtime/thermal"
	"github.com/tiger/blackbox-orchestrator/internal/store"
)

// run is the state of one admitted interaction. It is owned by the goroutine
// that called Run.
type run struct {
	o       *Orchestrator
	req     Request
	tracker *budget.Tracker
	logger  *slog.Logger

	state           interaction.State
	policy          thermal.Policy
	thermalDegraded bool
	sensitive       bool
	history         []contracts.Message

	res Result
	ev  interaction.Event
}

func newRun(o *Orchestrator, id string, req Request, tracker *budget.Tracker) *run {
	return &run{
		o:       o,
		req:     req,
		tracker: tracker,
		logger:  o.logger.With("interaction_id", id, "user_id", req.UserID),
		state:   interaction.StateCreated,
		policy:  o.cfg.Policies.Normal,
		res:     Result{InteractionID: id, State: interaction.StateCreated},
		ev:      interaction.Event{InteractionID: id, CreatedAtMS: tracker.Start().UnixMilli()},
	}
}

func (r *run) now() time.Time {
	return r.o.cfg.Now()
}

func (r *run) execute(ctx context.Context) {
	if !r.enter(interaction.StateListening, "") {
		return
	}

	transcript := strings.TrimSpace(r.req.Text)
	if transcript == "" {
		audio, ok := r.listen(ctx)
		if !ok {
			return
		}
		if !r.enter(interaction.StateTranscribing, "") {
			return
		}
		if transcript, ok = r.transcribe(ctx, audio); !ok {
			return
		}
	} else {
		r.tracker.Skip(interaction.StageASR)
	}
	r.res.Transcript = transcript

	if !r.enter(interaction.StateGenerating, transcript) {
		return
	}
	r.loadHistory(ctx)
	raw, ok := r.generate(ctx, transcript)
	if !ok {
		return
	}

	if !r.enter(interaction.StateValidating, "") {
		return
	}
	spoken := r.validate(ctx, transcript, raw)
	if r.state.IsTerminal() {
		return
	}
	r.res.ResponseText = spoken

	if !r.enter(interaction.StateSynthesizing, spoken) {
		return
	}
	if !r.synthesize(ctx, spoken) {
		return
	}
	r.remember(ctx, transcript, spoken)
	r.complete()
}

// enter moves to a working state. The thermal state is read and the matching
// policy applied to not-yet-entered stages before the budget check; an
// exhausted budget or a cancelled interaction ends it as TimedOut.
func (r *run) enter(next interaction.State, text string) bool {
	current := r.o.deps.Thermal.Current()
	r.ev.RecordThermal(next, current)
	r.policy = r.o.cfg.Policies.For(current)
	r.tracker.Degrade(budget.Adjustment{SoftScale: r.policy.SoftScale, ReserveFraction: r.policy.ReserveFraction})
	if current != interaction.ThermalNormal {
		r.thermalDegraded = true
	}
	if r.policy.UnderLoad {
		r.res.UnderLoad = true
	}

	if r.o.deps.Fence.IsFenced(r.res.InteractionID) {
		r.terminate(interaction.StateTimedOut, fmt.Errorf("%w: %v before %s", ErrTimeout, cancellation.ErrFenced, next))
		return false
	}
	if remaining := r.tracker.Remaining(); remaining <= 0 {
		r.terminate(interaction.StateTimedOut, fmt.Errorf("%w: budget exhausted before %s", ErrTimeout, next))
		return false
	}
	r.state = next
	r.res.State = next
	r.notify(current, text)
	return true
}

func (r *run) notify(thermalState interaction.ThermalState, text string) {
	p := interaction.Progress{
		InteractionID: r.res.InteractionID,
		State:         r.state,
		Thermal:       thermalState,
		Text:          text,
		ElapsedMS:     r.tracker.Elapsed().Milliseconds(),
		RemainingMS:   max(r.tracker.Remaining().Milliseconds(), 0),
	}
	if r.o.cfg.Observer != nil {
		r.o.cfg.Observer(p)
	}
	if r.req.Observer != nil {
		r.req.Observer(p)
	}
}

func (r *run) listen(ctx context.Context) (Audio, bool) {
	if len(r.req.Audio) > 0 {
		return Audio{Data: r.req.Audio, Format: r.req.AudioFormat}, true
	}
	captureCtx, cancel := context.WithDeadline(ctx, r.tracker.Deadline())
	defer cancel()
	if err := r.o.deps.Fence.Register(r.res.InteractionID, captureCallID, cancel); err != nil {
		r.stageFailed(fmt.Errorf("%w: %v", ErrTimeout, err))
		return Audio{}, false
	}
	defer r.o.deps.Fence.Release(r.res.InteractionID, captureCallID)
	audio, err := r.o.deps.Capture.Capture(captureCtx)
	if err != nil {
		if isTimeout(err) {
			err = fmt.Errorf("%w: no utterance before deadline: %v", ErrTimeout, err)
		} else {
			err = fmt.Errorf("%w: capture: %v", ErrEngineFailure, err)
		}
		r.stageFailed(err)
		return Audio{}, false
	}
	if len(audio.Data) == 0 {
		r.stageFailed(fmt.Errorf("%w: capture returned no audio", ErrMalformedOutput))
		return Audio{}, false
	}
	return audio, true
}

func (r *run) transcribe(ctx context.Context, audio Audio) (string, bool) {
	variant := r.policy.Variant
	r.ev.ASRVariant = variant
	resp, elapsed, err := r.call(ctx, r.o.deps.ASR, contracts.Request{
		Audio:       audio.Data,
		AudioFormat: audio.Format,
		Config:      contracts.EngineConfig{Variant: variant},
	}, time.Time{})
	r.res.Timing.ASR = elapsed
	if err != nil {
		r.stageFailed(err)
		return "", false
	}
	return strings.TrimSpace(resp.Text), true
}

func (r *run) loadHistory(ctx context.Context) {
	if r.o.deps.History == nil || r.o.cfg.HistoryLimit <= 0 {
		return
	}
	msgs, err := bounded(ctx, r, r.sideEffectDeadline().Sub(r.now()), func(ctx context.Context) ([]store.Message, error) {
		return r.o.deps.History.RecentMessages(ctx, r.req.UserID, r.o.cfg.HistoryLimit)
	})
	if err != nil {
		r.warn(fmt.Errorf("%w: load history: %v", ErrStoreFailure, err))
		return
	}
	r.history = historyMessages(msgs)
}

func (r *run) generate(ctx context.Context, transcript string) (string, bool) {
	r.ev.LLMVariant = r.policy.Variant
	r.ev.LLMMaxOutputTokens = r.policy.MaxOutputTokens
	resp, elapsed, err := r.call(ctx, r.o.deps.LLM, contracts.Request{
		Text:         transcript,
		SystemPrompt: r.o.systemPrompt,
		History:      r.history,
		Config:       r.llmConfig(),
	}, time.Time{})
	r.res.Timing.LLM = elapsed
	if err != nil {
		r.stageFailed(err)
		return "", false
	}
	r.observeThroughput(resp, elapsed)
	return resp.Text, true
}

func (r *run) llmConfig() contracts.EngineConfig {
	return contracts.EngineConfig{Variant: r.policy.Variant, MaxOutputTokens: r.policy.MaxOutputTokens}
}

func (r *run) observeThroughput(resp contracts.Response, elapsed time.Duration) {
	if resp.OutputTokens <= 0 || elapsed <= 0 {
		return
	}
	tps := float64(resp.OutputTokens) / elapsed.Seconds()
	r.res.TokensPerSecond = tps
	if tps < r.o.cfg.TargetTokensPerSecond {
		r.logger.Warn("generation below target throughput", "tokens_per_second", tps, "target", r.o.cfg.TargetTokensPerSecond)
	}
}

// validate classifies the generation and returns the text to speak. Invalid
// output gets at most one repair round trip, then collapses to plain text.
func (r *run) validate(ctx context.Context, transcript, raw string) string {
	v := r.o.deps.Validator.Validate(raw)
	r.markSensitive(v.Name)
	switch v.Class {
	case funccall.ClassPlainText:
		r.res.Validation = interaction.ValidationPlainText
		return r.speakable(v.Text)
	case funccall.ClassValidCall:
		r.res.Validation = interaction.ValidationValidCall
		return r.perform(ctx, v)
	}

	r.logger.Info("invalid function call", "reason", v.Reason)
	if repaired, ok := r.repair(ctx, transcript, raw, v.Reason); ok {
		r.res.Validation = interaction.ValidationRepaired
		r.markSensitive(repaired.Name)
		if repaired.Class == funccall.ClassValidCall {
			return r.perform(ctx, repaired)
		}
		return r.speakable(repaired.Text)
	}
	r.res.Validation = interaction.ValidationFallback
	r.warn(fmt.Errorf("%w: %s", ErrValidationFailed, v.Reason))
	return r.speakable(v.Text)
}

// markSensitive flags the turn when name is a sensitive function, whether or
// not the call was valid.
func (r *run) markSensitive(name string) {
	if name == "" {
		return
	}
	if schema, ok := r.o.deps.Validator.Registry().Lookup(name); ok && schema.Sensitive {
		r.sensitive = true
	}
}

// sideEffectDeadline is the latest point work between generation and
// synthesis may run to, leaving the TTS allotment and the reserve intact.
func (r *run) sideEffectDeadline() time.Time {
	reserve := r.tracker.Budget(interaction.StageTTS).Allotted + r.tracker.Allocation().Reserve
	return r.tracker.Deadline().Add(-reserve)
}

func (r *run) repair(ctx context.Context, transcript, raw, reason string) (funccall.Result, bool) {
	deadline := r.sideEffectDeadline()
	if !deadline.After(r.now()) {
		r.logger.Info("no time left for repair")
		return funccall.Result{}, false
	}
	if !r.enter(interaction.StateGenerating, "") {
		return funccall.Result{}, false
	}

	history := make([]contracts.Message, 0, len(r.history)+2)
	history = append(history, r.history...)
	history = append(history,
		contracts.Message{Role: contracts.RoleUser, Content: transcript},
		contracts.Message{Role: contracts.RoleAssistant, Content: raw},
	)
	resp, elapsed, err := r.call(ctx, r.o.deps.LLM, contracts.Request{
		Text:         repairPrompt(reason),
		SystemPrompt: r.o.systemPrompt,
		History:      history,
		Config:       r.llmConfig(),
	}, deadline)
	r.res.Timing.LLMRepair = elapsed
	r.resumeValidating()
	if err != nil {
		r.logger.Warn("repair call failed", "error", err)
		return funccall.Result{}, false
	}

	again := r.o.deps.Validator.Validate(resp.Text)
	if again.Class == funccall.ClassInvalid {
		r.logger.Info("repair still invalid", "reason", again.Reason)
		return again, false
	}
	return again, true
}

// resumeValidating returns to Validating after a repair attempt. A budget
// overrun here is not fatal; Synthesizing performs the next check.
func (r *run) resumeValidating() {
	current := r.o.deps.Thermal.Current()
	r.ev.RecordThermal(interaction.StateValidating, current)
	r.state = interaction.StateValidating
	r.res.State = interaction.StateValidating
	r.notify(current, "")
}

func repairPrompt(reason string) string {
	return fmt.Sprintf("Your previous reply contained an invalid function call: %s. "+
		"Reply again with exactly one valid function call or with plain text only.", reason)
}

func (r *run) perform(ctx context.Context, v funccall.Result) string {
	call := *v.Call
	r.res.Call = &call
	r.res.FunctionName = call.Name
	r.ev.FunctionName = call.Name

	if r.o.deps.Actions == nil {
		r.warn(fmt.Errorf("%w: no action handler for %s", ErrStoreFailure, call.Name))
		r.res.Notice = noticeStoreFailed
		return r.speakable(joinSentences(v.Text, noticeStoreFailed))
	}
	msg, err := bounded(ctx, r, r.sideEffectDeadline().Sub(r.now()), func(ctx context.Context) (string, error) {
		return r.o.deps.Actions.Execute(ctx, r.req.UserID, call)
	})
	if err != nil {
		r.warn(fmt.Errorf("%w: %s: %v", ErrStoreFailure, call.Name, err))
		r.res.Notice = noticeStoreFailed
		return r.speakable(joinSentences(v.Text, noticeStoreFailed))
	}
	return r.speakable(joinSentences(v.Text, msg))
}

func (r *run) speakable(text string) string {
	if text = strings.TrimSpace(text); text == "" {
		return fallbackApology
	}
	return text
}

func joinSentences(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " ")
}

func (r *run) synthesize(ctx context.Context, text string) bool {
	r.ev.TTSVariant = r.policy.Variant
	resp, elapsed, err := r.call(ctx, r.o.deps.TTS, contracts.Request{
		Text:   text,
		Config: contracts.EngineConfig{Variant: r.policy.Variant},
	}, time.Time{})
	r.res.Timing.TTS = elapsed
	if err != nil {
		r.stageFailed(err)
		return false
	}
	r.res.Audio = resp.Audio
	r.res.AudioFormat = resp.AudioFormat
	return true
}

// History placeholders for turns that touched a sensitive function.
const (
	redactedRequest = "[private request]"
	redactedReply   = "[private reply]"
)

// remember appends the turn to the user's history. Turns that touched a
// sensitive function are stored as placeholders so neither the request nor
// the spoken result can be read back later.
func (r *run) remember(ctx context.Context, transcript, spoken string) {
	if r.o.deps.History == nil {
		return
	}
	if r.sensitive {
		transcript, spoken = redactedRequest, redactedReply
	}
	_, err := bounded(ctx, r, r.tracker.Deadline().Sub(r.now()), func(ctx context.Context) (struct{}, error) {
		for _, m := range []store.Message{
			{Role: contracts.RoleUser, Content: transcript},
			{Role: contracts.RoleAssistant, Content: spoken},
		} {
			if err := r.o.deps.History.AddMessage(ctx, r.req.UserID, m.Role, m.Content); err != nil {
				return struct{}{}, err
			}
		}
		return struct{}{}, nil
	})
	if err != nil {
		r.warn(fmt.Errorf("%w: save history: %v", ErrStoreFailure, err))
	}
}

// Keys for non-engine work on the cancellation fence.
const (
	captureCallID = "capture"
	storeCallID   = "store"
)

// bounded runs a store operation for at most wait. It stops waiting once the
// time is up or the interaction is cancelled, even if fn ignores its context.
func bounded[T any](ctx context.Context, r *run, wait time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if wait <= 0 {
		return zero, fmt.Errorf("no time left: %w", context.DeadlineExceeded)
	}
	callCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	if err := r.o.deps.Fence.Register(r.res.InteractionID, storeCallID, cancel); err != nil {
		return zero, err
	}
	defer r.o.deps.Fence.Release(r.res.InteractionID, storeCallID)

	type outcome struct {
		v   T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn(callCtx)
		done <- outcome{v: v, err: err}
	}()
	select {
	case out := <-done:
		return out.v, out.err
	case <-callCtx.Done():
		return zero, callCtx.Err()
	}
}

// call invokes one stage within its allotment, or until override when set,
// and charges the elapsed time.
func (r *run) call(ctx context.Context, inv Invoker, req contracts.Request, override time.Time) (contracts.Response, time.Duration, error) {
	st := inv.Stage()
	_, deadline := r.tracker.Enter(st)
	if !override.IsZero() {
		deadline = override
	}
	req.InteractionID = r.res.InteractionID
	start := r.now()
	resp, err := inv.Invoke(ctx, req, deadline)
	elapsed := r.now().Sub(start)
	charge := r.tracker.Charge(st, elapsed)
	if charge.Decision.EmitWarning {
		r.logger.Warn("stage budget warning", "stage", st, "elapsed", elapsed, "allotted", charge.Allotted, "reason", charge.Decision.Reason)
		telemetry.DefaultEmitter().EmitLog("budget_warning", slog.LevelWarn, charge.Decision.Reason,
			map[string]string{"stage": string(st), "elapsed_ms": fmt.Sprint(elapsed.Milliseconds())},
			telemetry.Correlation{InteractionID: r.res.InteractionID, Stage: string(st), Source: "orchestrator", AtMS: r.now().UnixMilli()})
	}
	return resp, elapsed, err
}

func (r *run) warn(err error) {
	r.logger.Warn("interaction warning", "error", err)
	r.res.Warnings = append(r.res.Warnings, err.Error())
}

// stageFailed ends the interaction after a stage error. Nothing is retried.
func (r *run) stageFailed(err error) {
	if isTimeout(err) {
		r.terminate(interaction.StateTimedOut, err)
		return
	}
	r.terminate(interaction.StateFailed, err)
}

func (r *run) terminate(final interaction.State, err error) {
	r.state = final
	r.res.State = final
	r.res.Err = err
	r.res.FailureReason = err.Error()
	if final == interaction.StateTimedOut {
		r.res.Outcome = interaction.OutcomeTimedOut
		r.res.Notice = noticeTimedOut
	} else {
		r.res.Outcome = interaction.OutcomeFailed
		r.res.Notice = noticeFailed
	}
	r.logger.Warn("interaction ended early", "state", final, "error", err)
	r.notify(r.o.deps.Thermal.Current(), r.res.ResponseText)
}

func (r *run) complete() {
	r.state = interaction.StateCompleted
	r.res.State = interaction.StateCompleted
	r.res.Outcome = interaction.OutcomeCompleted
	if r.thermalDegraded || r.res.Validation == interaction.ValidationFallback || len(r.res.Warnings) > 0 {
		r.res.Outcome = interaction.OutcomeDegraded
	}
	if r.res.UnderLoad && r.res.Notice == "" {
		r.res.Notice = noticeUnderLoad
	}
	r.notify(r.o.deps.Thermal.Current(), r.res.ResponseText)
}

func (r *run) finish() Result {
	end := r.now()
	total := end.Sub(r.tracker.Start())
	r.res.Timing.Total = total

	if r.res.Validation == "" {
		r.res.Validation = interaction.ValidationSkipped
	}
	r.ev.Outcome = r.res.Outcome
	r.ev.FinalState = r.res.State
	r.ev.FailureReason = r.res.FailureReason
	r.ev.TotalMS = total.Milliseconds()
	r.ev.ASRMS = r.res.Timing.ASR.Milliseconds()
	r.ev.LLMMS = r.res.Timing.LLM.Milliseconds()
	r.ev.LLMRepairMS = r.res.Timing.LLMRepair.Milliseconds()
	r.ev.TTSMS = r.res.Timing.TTS.Milliseconds()
	r.ev.Validation = r.res.Validation
	r.ev.UnderLoad = r.res.UnderLoad
	r.ev.Warnings = append([]string(nil), r.res.Warnings...)
	r.res.Event = r.ev

	emitter := telemetry.DefaultEmitter()
	emitter.EmitInteraction(r.ev)
	emitter.EmitMetric(telemetry.MetricInteractionTotalMS, float64(total.Milliseconds()), "ms",
		map[string]string{"outcome": string(r.res.Outcome), "validation": string(r.res.Validation)},
		telemetry.Correlation{InteractionID: r.res.InteractionID, Source: "orchestrator", AtMS: end.UnixMilli()})
	r.logger.Info("interaction finished",
		"outcome", r.res.Outcome,
		"total_ms", total.Milliseconds(),
		"validation", r.res.Validation,
		"under_load", r.res.UnderLoad,
		"warnings", len(r.res.Warnings),
	)
	return r.res
}
