// Package llm defines the narrow vendor boundary of spec.md section 6.5: a
// single `complete(system_prompt, user_prompt) -> string` operation, so that
// no vendor SDK type ever leaks into Task, Plan, or any broadcast type. No
// example repo in the pack vendors an LLM SDK, so each provider is a thin
// net/http client over its documented REST API, in the same spirit as the
// teacher's cloud clients (internal/cloud/gcp) being plain HTTP/gRPC
// wrappers rather than generated SDK wrappers.
package llm

import "context"

// Client is the single capability the planner depends on.
type Client interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Provider names recognized by LLM_PROVIDER (spec.md section 6.7).
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
)
