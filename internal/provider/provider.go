// Package provider holds the chat-completion backends the planner oracle talks to.
package provider

import (
	"context"
	"fmt"
	"time"
)

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// LLMProvider is a chat-completion backend.
type LLMProvider interface {
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	DefaultModel() string
}

// ChatRequest is one completion call. An empty Model uses the provider default.
type ChatRequest struct {
	Messages    []Message
	Model       string
	MaxTokens   int
	Temperature float64
	// JSONMode asks the backend for a single JSON object reply where supported.
	JSONMode bool
}

type ChatResponse struct {
	Content      string
	FinishReason string
	Usage        Usage
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// APIError is a non-2xx answer from a provider endpoint.
type APIError struct {
	Provider   string
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api error (status %d): %s", e.Provider, e.Status, e.Body)
}

// Retryable reports whether the same request may succeed later.
func (e *APIError) Retryable() bool {
	return e.Status == 429 || e.Status >= 500
}
