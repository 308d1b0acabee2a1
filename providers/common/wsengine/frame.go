// Package wsengine carries engine calls over a WebSocket so an inference
// engine can run in its own worker process.
package wsengine

import (
	"fmt"

	"github.com/tiger/blackbox-orchestrator/internal/runtime/provider/contracts"
)

type frameType string

const (
	frameRequest  frameType = "request"
	frameResponse frameType = "response"
	frameCancel   frameType = "cancel"
	framePing     frameType = "ping"
	framePong     frameType = "pong"
)

// frame is the single JSON envelope exchanged in both directions.
type frame struct {
	Type     frameType           `json:"type"`
	ID       string              `json:"id"`
	Request  *contracts.Request  `json:"request,omitempty"`
	Response *contracts.Response `json:"response,omitempty"`
	Error    string              `json:"error,omitempty"`
	// Timeout marks an engine error caused by its own deadline.
	Timeout bool `json:"timeout,omitempty"`
}

func (f frame) validate() error {
	if f.ID == "" {
		return fmt.Errorf("frame id is required")
	}
	switch f.Type {
	case frameRequest:
		if f.Request == nil {
			return fmt.Errorf("request frame %s has no request", f.ID)
		}
	case frameResponse, frameCancel, framePing, framePong:
	default:
		return fmt.Errorf("unsupported frame type %q", f.Type)
	}
	return nil
}

// RemoteError is an engine failure reported by the worker.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "remote engine: " + e.Message
}
