// Package llm defines the Provider interface for Large Language Model backends.
//
// The transcription pipeline uses a model for a single non-streaming task:
// correcting, summarising and tagging a finished transcript. The interface is
// therefore limited to one-shot completions. Implementations live in the
// openai and anyllm subpackages.
//
// Implementations must be safe for concurrent use and return promptly when
// ctx is cancelled.
package llm

import "context"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single entry in a conversation.
type Message struct {
	// Role is one of [RoleSystem], [RoleUser] or [RoleAssistant].
	Role string

	// Content is the text content of the message.
	Content string
}

// Usage holds token accounting returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a reply.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation; the last message drives the reply.
	Messages []Message

	// SystemPrompt is an optional instruction sent before Messages.
	SystemPrompt string

	// Temperature in [0, 2]. Zero keeps the provider default.
	Temperature float64

	// MaxTokens caps the reply length. Zero keeps the provider default.
	MaxTokens int

	// JSONObject asks the backend to reply with a single JSON object. Backends
	// without a native response format get an extra system instruction.
	JSONObject bool
}

// FinishLength is the finish reason reported when MaxTokens cut the reply short.
const FinishLength = "length"

// CompletionResponse is the model's full reply.
type CompletionResponse struct {
	Content string
	Usage   Usage

	// FinishReason is the backend's stop reason, e.g. "stop" or [FinishLength].
	// Empty when the backend does not report one.
	FinishReason string
}

// Truncated reports whether the reply stopped at the token limit.
func (r *CompletionResponse) Truncated() bool {
	return r.FinishReason == FinishLength
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req to the model and waits for the full reply.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
