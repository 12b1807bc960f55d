// Package mock provides a test double for the backend.Provider interface.
//
// Use Provider in unit tests to verify that the engine sends correct requests
// and to feed controlled token streams without a live inference backend. All
// fields are safe to set before calling any method; mutating them during a
// concurrent call is the caller's responsibility.
package mock

import (
	"context"
	"sync"

	"github.com/emberworks/hearth/pkg/backend"
)

// Call records a single invocation of Stream or Complete.
type Call struct {
	// Ctx is the context passed in.
	Ctx context.Context
	// Req is the request passed in.
	Req backend.Request
}

// Provider is a mock implementation of backend.Provider. Zero values for
// response fields cause methods to return zero values and nil errors. Set Err
// fields to inject errors.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// StreamChunks is the sequence of chunks emitted on the channel returned
	// by Stream. All chunks are sent before the channel is closed.
	StreamChunks []backend.Chunk

	// StreamErr, if non-nil, is returned from Stream instead of opening a
	// channel.
	StreamErr error

	// StreamErrs, if non-empty, overrides StreamErr per call: call i returns
	// StreamErrs[i] (nil entries succeed). Calls past the end fall back to
	// StreamErr.
	StreamErrs []error

	// CompleteResponse is returned by Complete. May be nil.
	CompleteResponse *backend.Response

	// CompleteErr, if non-nil, is returned from Complete.
	CompleteErr error

	// StreamCalls records every invocation of Stream in order.
	StreamCalls []Call

	// CompleteCalls records every invocation of Complete in order.
	CompleteCalls []Call
}

// Stream records the call and returns a channel that emits StreamChunks.
func (p *Provider) Stream(ctx context.Context, req backend.Request) (<-chan backend.Chunk, error) {
	p.mu.Lock()
	call := len(p.StreamCalls)
	p.StreamCalls = append(p.StreamCalls, Call{Ctx: ctx, Req: req})

	err := p.StreamErr
	if call < len(p.StreamErrs) {
		err = p.StreamErrs[call]
	}
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	chunks := make([]backend.Chunk, len(p.StreamChunks))
	copy(chunks, p.StreamChunks)
	p.mu.Unlock()

	ch := make(chan backend.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

// Complete records the call and returns CompleteResponse, CompleteErr. When
// CompleteResponse is nil and StreamChunks is set, the chunks are collected
// into a response instead.
func (p *Provider) Complete(ctx context.Context, req backend.Request) (*backend.Response, error) {
	p.mu.Lock()
	p.CompleteCalls = append(p.CompleteCalls, Call{Ctx: ctx, Req: req})
	resp, err := p.CompleteResponse, p.CompleteErr
	chunks := make([]backend.Chunk, len(p.StreamChunks))
	copy(chunks, p.StreamChunks)
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if resp != nil {
		return resp, nil
	}
	ch := make(chan backend.Chunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return backend.Collect(ctx, ch)
}

// Name returns ProviderName, defaulting to "mock".
func (p *Provider) Name() string {
	if p.ProviderName != "" {
		return p.ProviderName
	}
	return "mock"
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StreamCalls = nil
	p.CompleteCalls = nil
}

var _ backend.Provider = (*Provider)(nil)
