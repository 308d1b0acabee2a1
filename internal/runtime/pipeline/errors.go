package pipeline

import (
	"errors"

	"github.com/tiger/blackbox-orchestrator/internal/runtime/stage"
)

var (
	// ErrTimeout indicates a stage or the interaction ran out of budget.
	ErrTimeout = stage.ErrTimeout
	// ErrEngineFailure indicates an engine reported an internal fault.
	ErrEngineFailure = stage.ErrEngineFailure
	// ErrMalformedOutput indicates an engine answer failed shape checks.
	ErrMalformedOutput = stage.ErrMalformedOutput
	// ErrValidationFailed indicates a function call stayed invalid after repair.
	// It is recovered locally and only appears in warnings.
	ErrValidationFailed = errors.New("function call validation failed")
	// ErrStoreFailure indicates a side effect could not be persisted.
	// It is recovered locally and only appears in warnings.
	ErrStoreFailure = errors.New("store failure")
	// ErrBusy indicates an interaction is already in flight.
	ErrBusy = errors.New("interaction already in flight")
	// ErrNoAudio indicates neither audio, text nor a capture source was available.
	ErrNoAudio = errors.New("no audio to process")
)

// Plain-language notices attached to partial results.
const (
	noticeTimedOut    = "Sorry, that took longer than I'm allowed. Here is what I have so far."
	noticeFailed      = "Sorry, something went wrong while I was working on that."
	noticeUnderLoad   = "I'm running a little hot, so my answers may be shorter for a while."
	noticeStoreFailed = "I couldn't save that change, please try again later."
	fallbackApology   = "Sorry, I couldn't complete that request."
)
