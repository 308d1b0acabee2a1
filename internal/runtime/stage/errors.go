package stage

import (
	"errors"
	"fmt"

	"github.com/tiger/blackbox-orchestrator/api/interaction"
	"github.com/tiger/blackbox-orchestrator/internal/runtime/provider/contracts"
)

var (
	// ErrTimeout indicates the engine did not answer by the stage deadline.
	ErrTimeout = errors.New("stage timeout")
	// ErrEngineFailure indicates the engine reported an internal fault.
	ErrEngineFailure = errors.New("engine failure")
	// ErrMalformedOutput indicates the engine answer failed shape checks.
	ErrMalformedOutput = errors.New("malformed engine output")
	// ErrAdapterClosed indicates Invoke was called after Close.
	ErrAdapterClosed = errors.New("stage adapter closed")
)

// Kind is the closed set of stage error variants.
type Kind string

const (
	KindTimeout         Kind = "timeout"
	KindEngineFailure   Kind = "engine_failure"
	KindMalformedOutput Kind = "malformed_output"
)

// Outcome maps the kind onto the engine outcome taxonomy.
func (k Kind) Outcome() contracts.OutcomeClass {
	switch k {
	case KindTimeout:
		return contracts.OutcomeTimeout
	case KindMalformedOutput:
		return contracts.OutcomeMalformedOutput
	default:
		return contracts.OutcomeEngineFailure
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindTimeout:
		return ErrTimeout
	case KindMalformedOutput:
		return ErrMalformedOutput
	default:
		return ErrEngineFailure
	}
}

// StageError is returned by Invoke for every non-success outcome.
type StageError struct {
	Kind   Kind
	Stage  interaction.Stage
	Reason string
	Err    error
}

func (e *StageError) Error() string {
	msg := fmt.Sprintf("%s %s", e.Stage, e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for e.Kind, so errors.Is(err, ErrTimeout) works
// without unwrapping to *StageError.
func (e *StageError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// KindOf returns the stage error kind carried by err, if any.
func KindOf(err error) (Kind, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return "", false
}
