// Package mocks provides scripted fakes for provider and tool tests.
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/loomhq/loom/llm"
	"github.com/loomhq/loom/types"
)

// TextResponse builds a plain assistant response.
func TextResponse(content string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model: "mock-model",
		Choices: []llm.ChatChoice{{
			Index:        0,
			FinishReason: "stop",
			Message:      llm.Message{Role: llm.RoleAssistant, Content: content},
		}},
		Usage:     llm.ChatUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		CreatedAt: time.Now(),
	}
}

// ToolCallResponse builds an assistant response requesting tool calls.
func ToolCallResponse(calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model: "mock-model",
		Choices: []llm.ChatChoice{{
			Index:        0,
			FinishReason: "tool_calls",
			Message:      llm.Message{Role: llm.RoleAssistant, ToolCalls: calls},
		}},
		Usage: llm.ChatUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

// TransientError builds a retryable provider error.
func TransientError(msg string) error {
	return types.NewError(types.ErrUpstreamError, msg).WithRetryable(true).WithProvider("mock")
}

// scriptStep is one scripted outcome.
type scriptStep struct {
	resp *llm.ChatResponse
	err  error
}

// ScriptedProvider replays a fixed sequence of responses/errors.
// When the script is exhausted it keeps returning the last step.
type ScriptedProvider struct {
	mu       sync.Mutex
	name     string
	script   []scriptStep
	pos      int
	delay    time.Duration
	requests []*llm.ChatRequest
}

// NewScriptedProvider creates an empty scripted provider.
func NewScriptedProvider(name string) *ScriptedProvider {
	if name == "" {
		name = "mock"
	}
	return &ScriptedProvider{name: name}
}

// Respond appends a successful response to the script.
func (p *ScriptedProvider) Respond(resp *llm.ChatResponse) *ScriptedProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = append(p.script, scriptStep{resp: resp})
	return p
}

// Fail appends an error to the script.
func (p *ScriptedProvider) Fail(err error) *ScriptedProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = append(p.script, scriptStep{err: err})
	return p
}

// WithDelay makes every call sleep (observing ctx) before answering.
func (p *ScriptedProvider) WithDelay(d time.Duration) *ScriptedProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delay = d
	return p
}

// Completion implements llm.Provider.
func (p *ScriptedProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	var step scriptStep
	if len(p.script) == 0 {
		step = scriptStep{resp: TextResponse("default")}
	} else if p.pos < len(p.script) {
		step = p.script[p.pos]
		p.pos++
	} else {
		step = p.script[len(p.script)-1]
	}
	delay := p.delay
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if step.err != nil {
		return nil, step.err
	}
	// Copy so callers mutating the response (e.g. Retries) don't
	// corrupt the script.
	resp := *step.resp
	return &resp, nil
}

// Name implements llm.Provider.
func (p *ScriptedProvider) Name() string {
	return p.name
}

// Calls returns how many Completion calls were made.
func (p *ScriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// Requests returns the recorded requests.
func (p *ScriptedProvider) Requests() []*llm.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*llm.ChatRequest, len(p.requests))
	copy(out, p.requests)
	return out
}

// FailNTimesProvider fails with a transient error N times, then
// succeeds with the given response forever.
type FailNTimesProvider struct {
	mu       sync.Mutex
	failures int
	calls    int
	resp     *llm.ChatResponse
}

// NewFailNTimesProvider creates a provider that fails n times first.
func NewFailNTimesProvider(n int, resp *llm.ChatResponse) *FailNTimesProvider {
	if resp == nil {
		resp = TextResponse("recovered")
	}
	return &FailNTimesProvider{failures: n, resp: resp}
}

// Completion implements llm.Provider.
func (p *FailNTimesProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.failures {
		return nil, TransientError("transient upstream failure")
	}
	resp := *p.resp
	return &resp, nil
}

// Name implements llm.Provider.
func (p *FailNTimesProvider) Name() string {
	return "mock-flaky"
}

// Calls returns how many Completion calls were made.
func (p *FailNTimesProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
