// Package llm defines the provider abstraction for the chat-style
// transcript cleanup step.
//
// The gateway only needs one operation from a language model: send a system
// prompt plus the raw transcript, get corrected text and token usage back.
// Adapters exist for the OpenAI SDK, for the any-llm-go multi-provider
// bridge (Anthropic, Gemini, Groq, Mistral, ...), and for arbitrary
// OpenAI-compatible HTTP endpoints.
//
// Implementations must be safe for concurrent use and should report
// failures as [*Error] so the router can retry transient conditions.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Message is one chat turn.
type Message struct {
	// Role is "system", "user", or "assistant".
	Role string

	// Content is the message text.
	Content string
}

// Usage holds token accounting returned by the backend. Counts are in the
// model's native token unit and may differ between providers for the same
// text.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Request carries one completion call.
type Request struct {
	// SystemPrompt is the instruction injected before the conversation.
	SystemPrompt string

	// Messages is the ordered conversation; for transcript cleanup it is a
	// single user message holding the raw transcript.
	Messages []Message

	// Temperature controls output randomness. Zero means provider default.
	Temperature float64

	// MaxTokens caps completion length. Zero means provider default.
	MaxTokens int
}

// Response is the full completion result.
type Response struct {
	// Text is the assistant's reply.
	Text string

	// Usage contains token accounting for this call.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Name returns the stable provider name used in configuration and the
	// pricing tables.
	Name() string

	// Complete sends req to the model and waits for the full response.
	Complete(ctx context.Context, req Request) (Response, error)
}

// Error is the typed failure returned by LLM adapters.
type Error struct {
	// Provider names the adapter that produced the error.
	Provider string

	// Status is the upstream HTTP status, if any.
	Status int

	// Transient marks retryable failures (network, 5xx, 429).
	Transient bool

	// Message is a short description; never contains transcript content.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Provider, e.Message, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable provider failure.
func IsTransient(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return false
}

// TransientStatus reports whether an upstream HTTP status is retryable.
func TransientStatus(status int) bool {
	return status == 429 || status >= 500
}
