package resilience

import (
	"context"

	"github.com/MrWong99/storyloom/pkg/provider/llm"
)

// Compile-time interface assertion.
var _ llm.Provider = (*LLMFallback)(nil)

// LLMFallback is an [llm.Provider] that fails over across language model
// backends, each behind its own breaker.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

// NewLLMFallback creates an [LLMFallback] preferring primary.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend.
func (f *LLMFallback) AddFallback(name string, p llm.Provider) {
	f.group.AddFallback(name, p)
}

// Available reports whether any backend admits calls.
func (f *LLMFallback) Available() bool { return f.group.Available() }

// Complete sends req to the first healthy backend.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(ctx, f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}
