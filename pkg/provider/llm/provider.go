// Package llm defines the Provider interface for text-model backends.
//
// An LLM provider wraps a hosted or local chat model and exposes a uniform
// request/response call so the text concierge can hold a conversation,
// offer tools, and fail over between vendors without coupling to any SDK.
//
// Implementors must be safe for concurrent use.
package llm

import "context"

// Usage holds token accounting information returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a reply.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history.
	Messages []Message

	// Tools is the set of functions offered to the model.
	Tools []ToolDefinition

	// Temperature controls output randomness. Zero leaves the provider
	// default in place.
	Temperature float64

	// MaxTokens caps the number of generated tokens. Zero means provider
	// default.
	MaxTokens int

	// SystemPrompt is the persona instruction placed ahead of the history.
	SystemPrompt string
}

// CompletionResponse is the model's reply.
type CompletionResponse struct {
	// Content is the text of the reply. Empty when the model answered only
	// with tool calls.
	Content string

	// ToolCalls lists the tool invocations the model requested. The caller
	// executes them and appends the results to the conversation.
	ToolCalls []ToolCall

	Usage Usage
}

// Provider is the abstraction over any chat-model backend.
type Provider interface {
	// Complete sends req to the model and waits for the full reply.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Capabilities returns static metadata about the underlying model.
	Capabilities() ModelCapabilities
}
