package cancellation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrFenced is returned when a call registers for an interaction that has
// already been cancelled.
var ErrFenced = errors.New("interaction cancelled")

// Fence tracks in-flight work per interaction so one Cancel stops every
// stage call of that interaction without waiting for the engines to
// acknowledge. A single fence is shared by all stage adapters and the
// orchestrator.
type Fence struct {
	mu       sync.Mutex
	inflight map[string]map[string]context.CancelFunc
	fenced   map[string]bool
}

// NewFence returns an empty cancellation fence.
func NewFence() *Fence {
	return &Fence{
		inflight: map[string]map[string]context.CancelFunc{},
		fenced:   map[string]bool{},
	}
}

// Register records cancel as the hook for callID within interactionID.
// If the interaction was already cancelled, cancel fires immediately and
// ErrFenced is returned.
func (f *Fence) Register(interactionID, callID string, cancel context.CancelFunc) error {
	interactionID, callID, err := keys(interactionID, callID)
	if err != nil {
		return err
	}
	f.mu.Lock()
	if f.fenced[interactionID] {
		f.mu.Unlock()
		cancel()
		return ErrFenced
	}
	calls := f.inflight[interactionID]
	if calls == nil {
		calls = map[string]context.CancelFunc{}
		f.inflight[interactionID] = calls
	}
	calls[callID] = cancel
	f.mu.Unlock()
	return nil
}

// Release forgets a call that finished.
func (f *Fence) Release(interactionID, callID string) {
	interactionID, callID, err := keys(interactionID, callID)
	if err != nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	calls := f.inflight[interactionID]
	delete(calls, callID)
	if len(calls) == 0 {
		delete(f.inflight, interactionID)
	}
}

// Cancel fences interactionID and fires every registered hook. It reports
// how many hooks fired and never blocks on the engines.
func (f *Fence) Cancel(interactionID string) int {
	interactionID = strings.TrimSpace(interactionID)
	if interactionID == "" {
		return 0
	}
	f.mu.Lock()
	f.fenced[interactionID] = true
	calls := f.inflight[interactionID]
	delete(f.inflight, interactionID)
	f.mu.Unlock()
	for _, cancel := range calls {
		cancel()
	}
	return len(calls)
}

// Forget drops all state for a finished interaction.
func (f *Fence) Forget(interactionID string) {
	interactionID = strings.TrimSpace(interactionID)
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.inflight, interactionID)
	delete(f.fenced, interactionID)
}

// IsFenced reports whether interactionID has been cancelled.
func (f *Fence) IsFenced(interactionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fenced[strings.TrimSpace(interactionID)]
}

// Inflight returns the number of registered, unfinished calls.
func (f *Fence) Inflight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, calls := range f.inflight {
		n += len(calls)
	}
	return n
}

func keys(interactionID, callID string) (string, string, error) {
	interactionID = strings.TrimSpace(interactionID)
	callID = strings.TrimSpace(callID)
	if interactionID == "" || callID == "" {
		return "", "", fmt.Errorf("interaction_id and call_id are required")
	}
	return interactionID, callID, nil
}
