package interaction

import (
	"fmt"
	"strings"
)

// State is the orchestrator lifecycle state of one interaction.
type State string

const (
	StateCreated      State = "created"
	StateListening    State = "listening"
	StateTranscribing State = "transcribing"
	StateGenerating   State = "generating"
	StateValidating   State = "validating"
	StateSynthesizing State = "synthesizing"
	StateCompleted    State = "completed"
	StateTimedOut     State = "timed_out"
	StateFailed       State = "failed"
)

// Validate enforces supported lifecycle states.
func (s State) Validate() error {
	switch s {
	case StateCreated, StateListening, StateTranscribing, StateGenerating, StateValidating,
		StateSynthesizing, StateCompleted, StateTimedOut, StateFailed:
		return nil
	default:
		return fmt.Errorf("unsupported interaction state: %q", s)
	}
}

// IsTerminal reports whether no further transition is allowed.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateTimedOut || s == StateFailed
}

// Outcome is the terminal classification reported to callers.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeDegraded  Outcome = "degraded"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeFailed    Outcome = "failed"
)

// Validate enforces supported outcomes.
func (o Outcome) Validate() error {
	switch o {
	case OutcomeCompleted, OutcomeDegraded, OutcomeTimedOut, OutcomeFailed:
		return nil
	default:
		return fmt.Errorf("unsupported interaction outcome: %q", o)
	}
}

// Stage names one external engine hop.
type Stage string

const (
	StageASR Stage = "asr"
	StageLLM Stage = "llm"
	StageTTS Stage = "tts"
)

// Validate enforces supported stage names.
func (s Stage) Validate() error {
	switch s {
	case StageASR, StageLLM, StageTTS:
		return nil
	default:
		return fmt.Errorf("unsupported stage: %q", s)
	}
}

// Stages lists engine hops in pipeline order.
func Stages() []Stage {
	return []Stage{StageASR, StageLLM, StageTTS}
}

// ThermalState is the host classification published by the thermal monitor.
type ThermalState string

const (
	ThermalNormal   ThermalState = "normal"
	ThermalWarning  ThermalState = "warning"
	ThermalCritical ThermalState = "critical"
)

// Validate enforces supported thermal states.
func (s ThermalState) Validate() error {
	switch s {
	case ThermalNormal, ThermalWarning, ThermalCritical:
		return nil
	default:
		return fmt.Errorf("unsupported thermal state: %q", s)
	}
}

// Severity orders thermal states so the hotter one compares greater.
func (s ThermalState) Severity() int {
	switch s {
	case ThermalWarning:
		return 1
	case ThermalCritical:
		return 2
	default:
		return 0
	}
}

// Variant selects an engine configuration.
type Variant string

const (
	VariantFull Variant = "full"
	VariantFast Variant = "fast"
)

// Validate enforces supported engine variants.
func (v Variant) Validate() error {
	switch v {
	case VariantFull, VariantFast:
		return nil
	default:
		return fmt.Errorf("unsupported engine variant: %q", v)
	}
}

// ValidationClass records how generated output was resolved.
type ValidationClass string

const (
	ValidationPlainText ValidationClass = "plain_text"
	ValidationValidCall ValidationClass = "valid_call"
	ValidationRepaired  ValidationClass = "repaired"
	ValidationFallback  ValidationClass = "fallback"
	ValidationSkipped   ValidationClass = "skipped"
)

// Event is the flat per-interaction observability record. Field names are stable.
type Event struct {
	InteractionID         string          `json:"interaction_id"`
	CreatedAtMS           int64           `json:"created_at_ms"`
	Outcome               Outcome         `json:"outcome"`
	FinalState            State           `json:"final_state"`
	FailureReason         string          `json:"failure_reason,omitempty"`
	TotalMS               int64           `json:"total_ms"`
	ASRMS                 int64           `json:"asr_ms"`
	LLMMS                 int64           `json:"llm_ms"`
	LLMRepairMS           int64           `json:"llm_repair_ms"`
	TTSMS                 int64           `json:"tts_ms"`
	Validation            ValidationClass `json:"validation,omitempty"`
	FunctionName          string          `json:"function_name,omitempty"`
	ThermalAtListening    ThermalState    `json:"thermal_at_listening,omitempty"`
	ThermalAtTranscribing ThermalState    `json:"thermal_at_transcribing,omitempty"`
	ThermalAtGenerating   ThermalState    `json:"thermal_at_generating,omitempty"`
	ThermalAtValidating   ThermalState    `json:"thermal_at_validating,omitempty"`
	ThermalAtSynthesizing ThermalState    `json:"thermal_at_synthesizing,omitempty"`
	ASRVariant            Variant         `json:"asr_variant,omitempty"`
	LLMVariant            Variant         `json:"llm_variant,omitempty"`
	TTSVariant            Variant         `json:"tts_variant,omitempty"`
	LLMMaxOutputTokens    int             `json:"llm_max_output_tokens,omitempty"`
	UnderLoad             bool            `json:"under_load"`
	Warnings              []string        `json:"warnings,omitempty"`
}

// Validate enforces required event fields.
func (e Event) Validate() error {
	if strings.TrimSpace(e.InteractionID) == "" {
		return fmt.Errorf("interaction_id is required")
	}
	if e.CreatedAtMS < 0 || e.TotalMS < 0 {
		return fmt.Errorf("created_at_ms and total_ms must be >=0")
	}
	if e.ASRMS < 0 || e.LLMMS < 0 || e.LLMRepairMS < 0 || e.TTSMS < 0 {
		return fmt.Errorf("stage durations must be >=0")
	}
	if err := e.Outcome.Validate(); err != nil {
		return err
	}
	if err := e.FinalState.Validate(); err != nil {
		return err
	}
	if !e.FinalState.IsTerminal() {
		return fmt.Errorf("final_state must be terminal, got %q", e.FinalState)
	}
	return nil
}

// RecordThermal stores the thermal state observed when first entering state
// s. Re-entries, such as the repair round trip, keep the first observation.
func (e *Event) RecordThermal(s State, thermal ThermalState) {
	var slot *ThermalState
	switch s {
	case StateListening:
		slot = &e.ThermalAtListening
	case StateTranscribing:
		slot = &e.ThermalAtTranscribing
	case StateGenerating:
		slot = &e.ThermalAtGenerating
	case StateValidating:
		slot = &e.ThermalAtValidating
	case StateSynthesizing:
		slot = &e.ThermalAtSynthesizing
	default:
		return
	}
	if *slot == "" {
		*slot = thermal
	}
}

// Progress is one streaming update emitted while an interaction runs.
type Progress struct {
	InteractionID string       `json:"interaction_id"`
	State         State        `json:"state"`
	Thermal       ThermalState `json:"thermal,omitempty"`
	Text          string       `json:"text,omitempty"`
	ElapsedMS     int64        `json:"elapsed_ms"`
	RemainingMS   int64        `json:"remaining_ms"`
}
