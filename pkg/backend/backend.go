// Package backend defines the Provider interface for model inference backends.
//
// A backend wraps a remote inference API (the native Hearth streaming protocol
// or any OpenAI-compatible endpoint) and exposes a uniform interface for the
// model engine to stream completions without coupling to a specific SDK.
//
// Implementors must be safe for concurrent use. Channels returned by Stream
// must be closed by the implementation when the stream ends or when the
// supplied context is cancelled.
package backend

import (
	"context"
	"strings"

	"github.com/emberworks/hearth/pkg/types"
)

// Finish reasons set on the terminal chunk of a stream.
const (
	FinishStop      = "stop"
	FinishLength    = "length"
	FinishToolCalls = "tool_calls"
	FinishError     = "error"
)

// Request carries everything a backend needs to produce a completion. At
// minimum Messages must be non-empty.
type Request struct {
	// Model is the backend-side model name.
	Model string

	// Messages is the ordered conversation history. The last message is
	// typically from the "user" role and drives the response.
	Messages []types.Message

	// SystemPrompt is an optional high-priority instruction injected before
	// the conversation history.
	SystemPrompt string

	// Tools is the set of tool definitions offered to the model.
	Tools []types.ToolDefinition

	// Temperature controls output randomness in [0.0, 2.0]. Zero means the
	// backend default.
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means the backend
	// default.
	MaxTokens int
}

// Chunk is a single token fragment emitted by a streaming completion. A chunk
// may carry text, a finish signal, tool calls, or any combination.
type Chunk struct {
	// Text is the incremental text content. May be empty when the chunk
	// carries only ToolCalls or a FinishReason.
	Text string

	// FinishReason is set on the final chunk. Empty on non-final chunks.
	FinishReason string

	// ToolCalls contains tool invocations the model is requesting, fully
	// accumulated by the implementation before emission.
	ToolCalls []types.ToolCall
}

// Response is a fully-realized completion, assembled from a drained stream.
type Response struct {
	// Content is the full text of the assistant's reply. Empty when the model
	// responds exclusively with tool calls.
	Content string

	// ToolCalls lists all tool invocations requested by the model.
	ToolCalls []types.ToolCall

	// FinishReason is the terminal chunk's finish reason.
	FinishReason string
}

// Provider is the abstraction over any inference backend.
//
// Implementations must be safe for concurrent use. Each method must propagate
// context cancellation promptly: when ctx is cancelled the method must return
// (or close its channel) as quickly as possible.
type Provider interface {
	// Stream sends req to the model and returns a read-only channel emitting
	// Chunk values as they arrive. The channel is closed by the implementation
	// when generation finishes or ctx is cancelled.
	//
	// Callers must drain the channel to avoid goroutine leaks. Errors after
	// the channel opens surface as a Chunk with FinishReason "error"; the
	// initial error return is non-nil only for failures that prevent the
	// stream from starting. The returned channel is never nil when error is
	// nil.
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)

	// Complete sends req and waits for the full response. A convenience
	// wrapper around Stream for callers that do not need incremental output.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Name identifies the backend for logs and metrics.
	Name() string
}

// Collect drains a chunk stream into a Response. It returns once the channel
// closes or ctx is cancelled; on cancellation the partial response assembled
// so far is returned together with ctx.Err().
func Collect(ctx context.Context, ch <-chan Chunk) (*Response, error) {
	var (
		sb   strings.Builder
		resp Response
	)
	for {
		select {
		case <-ctx.Done():
			resp.Content = sb.String()
			return &resp, ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				resp.Content = sb.String()
				return &resp, nil
			}
			sb.WriteString(chunk.Text)
			if len(chunk.ToolCalls) > 0 {
				resp.ToolCalls = append(resp.ToolCalls, chunk.ToolCalls...)
			}
			if chunk.FinishReason != "" {
				resp.FinishReason = chunk.FinishReason
			}
		}
	}
}
