// Package provider defines the LLM provider capability, its error taxonomy
// and the decorators that give each provider its own timeout, retry and
// concurrency budget.
package provider

import (
	"context"

	"mesh-assistant/internal/domain"
)

// Provider is an interchangeable LLM backend.
type Provider interface {
	// Name identifies the backend in attempts and metadata (e.g. "openai").
	Name() string
	Generate(ctx context.Context, req Request) (Answer, error)
	Embed(ctx context.Context, text string) ([]float32, error)
	Available() bool
}

// Request is a single generation request. Prompt is the fully assembled
// user-side prompt; Context carries the keys that were used to build it.
type Request struct {
	System      string
	Prompt      string
	Context     map[string]any
	MaxTokens   int
	Temperature float32
}

// Answer is a successful generation.
type Answer struct {
	Text  string
	Usage domain.Usage
	// ResponseID is the upstream request identifier, e.g. "chatcmpl-…".
	ResponseID string
}
