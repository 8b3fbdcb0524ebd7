package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/loomhq/loom/internal/metrics"
	"github.com/loomhq/loom/llm"
)

// Result is the outcome of one tool call. A failed call is reported
// through Error, never through a Go error: the agent loop feeds
// failures back to the model as tool messages.
type Result struct {
	ToolCallID string          `json:"tool_call_id"`
	Name       string          `json:"name"`
	Value      json.RawMessage `json:"value,omitempty"`
	Error      string          `json:"error,omitempty"`
	Duration   time.Duration   `json:"duration"`
}

// Success reports whether the call produced a value.
func (r Result) Success() bool {
	return r.Error == ""
}

// ToMessage converts the result into the tool message sent back to
// the model.
func (r Result) ToMessage() llm.Message {
	content := string(r.Value)
	if !r.Success() {
		content = fmt.Sprintf(`{"error": %q}`, r.Error)
	}
	return llm.Message{
		Role:       llm.RoleTool,
		Content:    content,
		ToolCallID: r.ToolCallID,
		Name:       r.Name,
	}
}

// Executor runs tool calls against a registry. Every failure mode
// (unknown tool, bad arguments, rate limit, timeout, panic, tool
// error) is captured in the Result.
type Executor struct {
	registry  *Registry
	logger    *zap.Logger
	collector *metrics.Collector
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutorCollector attaches a metrics collector.
func WithExecutorCollector(c *metrics.Collector) ExecutorOption {
	return func(e *Executor) {
		e.collector = c
	}
}

// NewExecutor creates an executor over registry.
func NewExecutor(registry *Registry, logger *zap.Logger, opts ...ExecutorOption) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		registry: registry,
		logger:   logger.With(zap.String("component", "tool_executor")),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one tool call under the tool's timeout. It never
// returns a Go error; inspect Result.Error instead.
func (e *Executor) Execute(ctx context.Context, call llm.ToolCall) Result {
	start := time.Now()
	result := Result{ToolCallID: call.ID, Name: call.Name}

	fn, spec, err := e.registry.Get(call.Name)
	if err != nil {
		result.Error = err.Error()
		return e.finish(result, start)
	}

	if err := e.registry.allow(call.Name); err != nil {
		result.Error = err.Error()
		return e.finish(result, start)
	}

	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if !json.Valid(args) {
		result.Error = fmt.Sprintf("tool %s: arguments are not valid JSON", call.Name)
		return e.finish(result, start)
	}

	execCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	type callOutcome struct {
		value json.RawMessage
		err   error
	}
	done := make(chan callOutcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("tool panicked",
					zap.String("tool", call.Name),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()),
				)
				done <- callOutcome{err: fmt.Errorf("tool %s panicked: %v", call.Name, r)}
			}
		}()
		value, err := fn(execCtx, args)
		done <- callOutcome{value: value, err: err}
	}()

	select {
	case <-execCtx.Done():
		result.Error = fmt.Sprintf("tool %s: execution exceeded %s", call.Name, spec.Timeout)
	case out := <-done:
		if out.err != nil {
			result.Error = out.err.Error()
		} else {
			result.Value = out.value
		}
	}

	return e.finish(result, start)
}

// ExecuteBatch runs calls sequentially in declaration order. When
// continueOnError is false execution stops at the first failed call;
// results for unexecuted calls are not produced.
func (e *Executor) ExecuteBatch(ctx context.Context, calls []llm.ToolCall, continueOnError bool) []Result {
	results := make([]Result, 0, len(calls))
	for _, call := range calls {
		result := e.Execute(ctx, call)
		results = append(results, result)
		if !result.Success() && !continueOnError {
			break
		}
	}
	return results
}

func (e *Executor) finish(result Result, start time.Time) Result {
	result.Duration = time.Since(start)

	outcome := "success"
	if !result.Success() {
		outcome = "failure"
		e.logger.Warn("tool call failed",
			zap.String("tool", result.Name),
			zap.String("error", result.Error),
			zap.Duration("duration", result.Duration),
		)
	} else {
		e.logger.Debug("tool call completed",
			zap.String("tool", result.Name),
			zap.Duration("duration", result.Duration),
		)
	}
	if e.collector != nil {
		e.collector.RecordToolExecution(result.Name, outcome)
	}
	return result
}
