// Package llm defines the provider-agnostic contract used to reach the
// classifier and code-generation models.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// ErrRateLimited is returned (wrapped) when a model rejects a call with a
// rate-limit status. Callers use it to skip the model for the rest of a pass.
var ErrRateLimited = errors.New("model rate limited")

// ErrEmptyReply is returned when a model answers with no text at all.
var ErrEmptyReply = errors.New("empty reply")

// Provider is the abstraction over a single model endpoint.
type Provider interface {
	// SendMessage sends a conversation to the model and returns its reply.
	SendMessage(ctx context.Context, req *Request) (*Response, error)
	// Name returns the model identifier (e.g. "qwen/qwen3-coder:free").
	Name() string
}

// Request represents a full conversation sent to the model.
type Request struct {
	SystemPrompt string
	Messages     []Message
	MaxTokens    int
	// JSON asks the backend for a JSON object reply when it supports it.
	JSON bool
}

// Message is a single turn in the conversation.
type Message struct {
	Role    Role
	Content string
}

// Role identifies who sent a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// UserMessage builds a single-turn request body.
func UserMessage(content string) []Message {
	return []Message{{Role: RoleUser, Content: content}}
}

// Response is what the model returns.
type Response struct {
	Content    string
	Usage      Usage
	StopReason string // "end_turn", "max_tokens"
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// StatusError is a non-200 reply from a model endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// Unwrap lets errors.Is(err, ErrRateLimited) match 429 replies.
func (e *StatusError) Unwrap() error {
	if e.StatusCode == 429 {
		return ErrRateLimited
	}
	return nil
}

// NewStatusError builds the error for a non-200 reply, truncating long bodies.
func NewStatusError(code int, body []byte) *StatusError {
	const max = 512
	if len(body) > max {
		body = body[:max]
	}
	return &StatusError{StatusCode: code, Body: string(body)}
}
