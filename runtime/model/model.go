// Package model provides a provider-agnostic abstraction over chat
// completion APIs (Anthropic, OpenAI, Bedrock, etc.) so skill executors can
// invoke models without coupling to specific SDKs. Implementations translate
// these normalized types into provider-specific formats.
package model

import (
	"context"
	"errors"
	"strings"
)

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Model classes select among an adapter's configured model identifiers when
// Request.Model is empty.
const (
	ClassDefault       Class = ""
	ClassHighReasoning Class = "high_reasoning"
	ClassSmall         Class = "small"
)

// ErrRateLimited indicates the provider rejected the request due to rate
// limiting. Adapters wrap provider errors with it so callers can back off.
var ErrRateLimited = errors.New("model: rate limited")

type (
	// Client defines the contract executors use to invoke LLM calls.
	// Implementations wrap provider SDKs and translate Request/Response to
	// provider-specific formats. Clients should be safe for concurrent use.
	Client interface {
		// Complete sends a chat completion request to the model provider
		// and returns the generated response.
		Complete(ctx context.Context, req Request) (Response, error)
	}

	// Class selects a configured model by capability tier. Adapters map
	// classes to concrete model identifiers.
	Class string

	// Request captures the normalized parameters for a model invocation.
	Request struct {
		// Model identifies the target model using the provider-specific
		// identifier. When empty, the adapter resolves Class against its
		// configured models.
		Model string

		// Class picks among the adapter's configured models when Model is
		// empty. Unknown classes fall back to the adapter default.
		Class Class

		// Messages is the ordered chat history, system prompts included.
		Messages []Message

		// Temperature controls sampling. Zero means the adapter default.
		Temperature float32

		// MaxTokens caps completion length. Zero means the adapter default.
		MaxTokens int
	}

	// Response wraps the generated content.
	Response struct {
		// Content contains the assistant messages returned by the model,
		// typically a single message.
		Content []Message

		// Usage reports token usage when the provider makes it available.
		Usage TokenUsage

		// StopReason explains why generation stopped. Values are
		// provider-specific and may be empty.
		StopReason string
	}

	// Message is one chat message.
	Message struct {
		Role    string
		Content string
	}

	// TokenUsage records prompt and completion token counts when reported.
	TokenUsage struct {
		InputTokens  int
		OutputTokens int
		TotalTokens  int
	}
)

// Text returns the concatenated text of the response's assistant messages.
func (r Response) Text() string {
	var b strings.Builder
	for _, m := range r.Content {
		b.WriteString(m.Content)
	}
	return b.String()
}
