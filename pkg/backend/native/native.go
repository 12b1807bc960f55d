// Package native implements backend.Provider for the Hearth inference
// protocol: a single streaming HTTP POST whose response body is a sequence of
// newline-delimited JSON token fragments terminated by a fragment with a
// non-empty finish_reason.
//
// Any non-2xx response or mid-stream disconnect is reported as a failure so
// the engine's circuit breaker sees it.
package native

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/emberworks/hearth/pkg/backend"
	"github.com/emberworks/hearth/pkg/types"
)

// maxFragmentSize bounds a single NDJSON line read from the backend.
const maxFragmentSize = 1 << 20

// Provider implements backend.Provider against a Hearth inference endpoint.
type Provider struct {
	endpoint string
	client   *http.Client
}

// config holds optional configuration for the provider.
type config struct {
	timeout time.Duration
	client  *http.Client
}

// Option is a functional option for Provider.
type Option func(*config)

// WithTimeout sets a per-request HTTP timeout covering the whole stream.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *config) {
		c.client = client
	}
}

// New constructs a Provider talking to the given generate endpoint URL.
func New(endpoint string, opts ...Option) (*Provider, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("native: endpoint must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	client := cfg.client
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout}
	}
	return &Provider{endpoint: endpoint, client: client}, nil
}

// wireRequest is the JSON body sent to the inference endpoint.
type wireRequest struct {
	Model        string          `json:"model"`
	Messages     []types.Message `json:"messages"`
	SystemPrompt string          `json:"system_prompt,omitempty"`
	Tools        []wireTool      `json:"tools,omitempty"`
	Options      wireOptions     `json:"options"`
}

type wireOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Stream      bool    `json:"stream"`
}

type wireTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// wireFragment is one NDJSON line of the streamed response.
type wireFragment struct {
	Text         string           `json:"text,omitempty"`
	FinishReason string           `json:"finish_reason,omitempty"`
	ToolCalls    []types.ToolCall `json:"tool_calls,omitempty"`
}

// Stream implements backend.Provider.
func (p *Provider) Stream(ctx context.Context, req backend.Request) (<-chan backend.Chunk, error) {
	body, err := json.Marshal(buildWireRequest(req))
	if err != nil {
		return nil, fmt.Errorf("native: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("native: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("native: %s: %w", p.endpoint, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("native: %s returned %d: %s", p.endpoint, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	ch := make(chan backend.Chunk, 32)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), maxFragmentSize)

		finished := false
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var frag wireFragment
			if err := json.Unmarshal(line, &frag); err != nil {
				emit(ctx, ch, backend.Chunk{
					FinishReason: backend.FinishError,
					Text:         fmt.Sprintf("malformed fragment: %v", err),
				})
				return
			}
			if !emit(ctx, ch, backend.Chunk{
				Text:         frag.Text,
				FinishReason: frag.FinishReason,
				ToolCalls:    frag.ToolCalls,
			}) {
				return
			}
			if frag.FinishReason != "" {
				finished = true
				break
			}
		}

		if err := scanner.Err(); err != nil {
			emit(ctx, ch, backend.Chunk{FinishReason: backend.FinishError, Text: err.Error()})
			return
		}
		// EOF before the end-of-stream marker means the backend dropped the
		// connection mid-generation.
		if !finished {
			emit(ctx, ch, backend.Chunk{FinishReason: backend.FinishError, Text: "stream ended without finish marker"})
		}
	}()
	return ch, nil
}

// emit forwards one chunk downstream, reporting false if the consumer went
// away before accepting it.
func emit(ctx context.Context, ch chan<- backend.Chunk, chunk backend.Chunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// Complete implements backend.Provider.
func (p *Provider) Complete(ctx context.Context, req backend.Request) (*backend.Response, error) {
	ch, err := p.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	resp, err := backend.Collect(ctx, ch)
	if err != nil {
		return nil, err
	}
	if resp.FinishReason == backend.FinishError {
		return nil, fmt.Errorf("native: generation failed: %s", resp.Content)
	}
	return resp, nil
}

// Name implements backend.Provider.
func (p *Provider) Name() string {
	return "native"
}

func buildWireRequest(req backend.Request) wireRequest {
	wr := wireRequest{
		Model:        req.Model,
		Messages:     req.Messages,
		SystemPrompt: req.SystemPrompt,
		Options: wireOptions{
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
			Stream:      true,
		},
	}
	for _, td := range req.Tools {
		wr.Tools = append(wr.Tools, wireTool{
			Name:        td.Name,
			Description: td.Description,
			Parameters:  ParameterSchema(td),
		})
	}
	return wr
}

// ParameterSchema converts a tool definition's parameter specs into a JSON
// Schema object of the shape inference backends expect.
func ParameterSchema(td types.ToolDefinition) map[string]any {
	props := make(map[string]any, len(td.Parameters))
	var required []string
	for name, spec := range td.Parameters {
		prop := map[string]any{"type": spec.Type}
		if spec.MaxLength > 0 {
			prop["maxLength"] = spec.MaxLength
		}
		if spec.Min != 0 || spec.Max != 0 {
			prop["minimum"] = spec.Min
			prop["maximum"] = spec.Max
		}
		props[name] = prop
		if spec.Required {
			required = append(required, name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

var _ backend.Provider = (*Provider)(nil)
