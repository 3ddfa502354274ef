// Package provider defines the streaming chat contract over external LLM
// APIs and the adapters implementing it (OpenAI-compatible and Ollama).
package provider

import (
	"context"

	"github.com/convene-ai/convene/internal/types"
)

// Request is one chat generation request.
type Request struct {
	Model       string
	Messages    []types.Message
	Temperature float64
	MaxTokens   int
	// APIKey is supplied per call so the keyring can rotate keys between
	// attempts. Empty for keyless local providers.
	APIKey string
	// Extras carries provider-specific knobs passed through verbatim.
	Extras map[string]any
}

// EventKind tags a StreamEvent.
type EventKind int

const (
	// EventDelta carries a text fragment.
	EventDelta EventKind = iota
	// EventDone terminates a successful stream. Never follows EventError.
	EventDone
	// EventError terminates a failed stream.
	EventError
)

// StreamEvent is the tagged union emitted on a generation stream.
type StreamEvent struct {
	Kind EventKind
	Text string // EventDelta only
	Err  *Error // EventError only
}

// ModelInfo describes one model a provider exposes.
type ModelInfo struct {
	ID string
	// PromptPrice and CompletionPrice are per-token USD prices where the
	// provider declares them; zero otherwise.
	PromptPrice     float64
	CompletionPrice float64
}

// Free reports whether the provider declares this model as costless.
func (m ModelInfo) Free() bool {
	return m.PromptPrice == 0 && m.CompletionPrice == 0
}

// Provider is the adapter contract shared by all LLM backends.
//
// Stream opens a generation and returns a channel of events. The channel is
// closed after a terminal event (Done or Error). Cancelling ctx aborts the
// stream. Errors detected before any bytes are sent are returned directly.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req Request) (<-chan StreamEvent, error)
	// ListModels enumerates available models; it doubles as the
	// reachability probe for the registry.
	ListModels(ctx context.Context) ([]ModelInfo, error)
}
