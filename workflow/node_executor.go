package workflow

import (
	"bytes"
	"context"
	"fmt"
	"text/template"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/loomhq/loom/internal/metrics"
	"github.com/loomhq/loom/llm"
	"github.com/loomhq/loom/tools"
	"github.com/loomhq/loom/types"
)

// DefaultMaxToolIterations bounds an agent's tool loop when neither
// the node nor the run config sets a limit.
const DefaultMaxToolIterations = 10

// NodeExecutor drives one node to completion: transforms and
// predicates run in-process, agent nodes go through the invoker and
// the tool executor.
type NodeExecutor struct {
	invoker      *llm.Invoker
	registry     *tools.Registry
	toolExecutor *tools.Executor
	logger       *zap.Logger
	collector    *metrics.Collector
	tracer       trace.Tracer
	maxToolIters int
}

// NodeExecutorOption configures a NodeExecutor.
type NodeExecutorOption func(*NodeExecutor)

// WithTools attaches a tool registry and executor for agent nodes.
func WithTools(registry *tools.Registry, executor *tools.Executor) NodeExecutorOption {
	return func(e *NodeExecutor) {
		e.registry = registry
		e.toolExecutor = executor
	}
}

// WithNodeCollector attaches a metrics collector.
func WithNodeCollector(c *metrics.Collector) NodeExecutorOption {
	return func(e *NodeExecutor) {
		e.collector = c
	}
}

// WithMaxToolIterations sets the engine-wide tool loop bound.
func WithMaxToolIterations(n int) NodeExecutorOption {
	return func(e *NodeExecutor) {
		if n > 0 {
			e.maxToolIters = n
		}
	}
}

// NewNodeExecutor creates a node executor. The invoker may be nil
// when the graph contains no agent nodes.
func NewNodeExecutor(invoker *llm.Invoker, logger *zap.Logger, opts ...NodeExecutorOption) *NodeExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &NodeExecutor{
		invoker:      invoker,
		logger:       logger.With(zap.String("component", "node_executor")),
		tracer:       otel.Tracer("loom/workflow"),
		maxToolIters: DefaultMaxToolIterations,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes one node against its input view. The returned output
// always carries the node id, timing, and status; on failure the
// error names the node and the output's Err mirrors it.
func (e *NodeExecutor) Run(ctx context.Context, node *Node, in Inputs) (*NodeOutput, error) {
	ctx, span := e.tracer.Start(ctx, "node.execute",
		trace.WithAttributes(
			attribute.String("node.id", node.ID),
			attribute.String("node.kind", string(node.Kind)),
		))
	defer span.End()

	if node.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, node.Timeout)
		defer cancel()
	}

	start := time.Now()
	output := &NodeOutput{
		NodeID:    node.ID,
		Status:    StatusRunning,
		StartedAt: start,
	}

	var content any
	var err error

	switch node.Kind {
	case KindTransform:
		content, err = node.Transform(ctx, in)
		if err != nil {
			err = types.NewError(types.ErrNodeExecutionFailed, "transform failed").
				WithNodeID(node.ID).WithCause(err)
		}
	case KindConditional:
		var label string
		label, err = node.Predicate(ctx, in)
		if err != nil {
			err = types.NewError(types.ErrPredicateEvaluation, "predicate evaluation failed").
				WithNodeID(node.ID).WithCause(err)
		}
		content = label
	case KindAgent:
		content, err = e.runAgent(ctx, node, in, output)
	default:
		err = types.NewError(types.ErrNodeExecutionFailed,
			fmt.Sprintf("unknown node kind %q", node.Kind)).WithNodeID(node.ID)
	}

	output.Duration = time.Since(start)

	if err != nil {
		// A per-node timeout surfaces as an ordinary node failure, not
		// a run abort.
		if ctx.Err() != nil && types.GetErrorCode(err) == "" {
			err = types.NewError(types.ErrNodeExecutionFailed, "node timed out").
				WithNodeID(node.ID).WithCause(err)
		}
		output.Status = StatusFailed
		output.Err = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if e.collector != nil {
			e.collector.RecordNodeExecution(string(node.Kind), string(StatusFailed), output.Duration)
		}
		e.logger.Warn("node failed",
			zap.String("node_id", node.ID),
			zap.String("kind", string(node.Kind)),
			zap.Duration("duration", output.Duration),
			zap.Error(err),
		)
		return output, err
	}

	output.Status = StatusCompleted
	output.Content = content
	span.SetStatus(codes.Ok, "")
	if e.collector != nil {
		e.collector.RecordNodeExecution(string(node.Kind), string(StatusCompleted), output.Duration)
	}
	e.logger.Debug("node completed",
		zap.String("node_id", node.ID),
		zap.String("kind", string(node.Kind)),
		zap.Duration("duration", output.Duration),
	)
	return output, nil
}

// runAgent renders the prompt and runs the bounded tool loop:
// model call, tool execution, repeat until a plain answer or the
// iteration limit.
func (e *NodeExecutor) runAgent(ctx context.Context, node *Node, in Inputs, output *NodeOutput) (any, error) {
	if e.invoker == nil {
		return nil, types.NewError(types.ErrNodeExecutionFailed, "no invoker configured for agent node").
			WithNodeID(node.ID)
	}
	spec := node.Agent

	prompt, err := renderPrompt(spec.PromptTemplate, in)
	if err != nil {
		return nil, types.NewError(types.ErrNodeExecutionFailed, "prompt rendering failed").
			WithNodeID(node.ID).WithCause(err)
	}

	messages := make([]llm.Message, 0, 2)
	if spec.SystemPrompt != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: spec.SystemPrompt})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: prompt})

	var toolSchemas []llm.ToolSchema
	if e.registry != nil && len(spec.Tools) > 0 {
		toolSchemas = e.registry.Schemas(spec.Tools)
	}

	maxIters := spec.MaxToolIterations
	if maxIters <= 0 {
		maxIters = e.maxToolIters
	}

	for iteration := 0; iteration < maxIters; iteration++ {
		resp, err := e.invoker.Invoke(ctx, &llm.ChatRequest{
			Model:       spec.Model,
			Messages:    messages,
			Tools:       toolSchemas,
			Temperature: spec.Temperature,
			MaxTokens:   spec.MaxTokens,
		})
		if err != nil {
			return nil, types.NewError(types.ErrNodeExecutionFailed, "provider call failed").
				WithNodeID(node.ID).WithCause(err)
		}
		output.Retries += resp.Retries
		output.Usage.Add(resp.Usage)

		if len(resp.Choices) == 0 {
			return nil, types.NewError(types.ErrNodeExecutionFailed, "provider returned no choices").
				WithNodeID(node.ID)
		}
		choice := resp.Choices[0]

		if len(choice.Message.ToolCalls) == 0 {
			return choice.Message.Content, nil
		}

		if e.toolExecutor == nil {
			return nil, types.NewError(types.ErrNodeExecutionFailed, "model requested tools but no executor configured").
				WithNodeID(node.ID)
		}

		e.logger.Debug("agent requested tools",
			zap.String("node_id", node.ID),
			zap.Int("iteration", iteration),
			zap.Int("tool_calls", len(choice.Message.ToolCalls)),
		)

		messages = append(messages, choice.Message)
		// Tool failures are fed back to the model as tool messages, so
		// the batch always runs to completion.
		results := e.toolExecutor.ExecuteBatch(ctx, choice.Message.ToolCalls, true)
		for _, r := range results {
			messages = append(messages, r.ToMessage())
		}
	}

	return nil, types.NewError(types.ErrToolLoopLimitExceeded,
		fmt.Sprintf("tool loop exceeded %d iterations", maxIters)).WithNodeID(node.ID)
}

// renderPrompt executes the node's template against the input view.
func renderPrompt(tmpl string, in Inputs) (string, error) {
	t, err := template.New("prompt").Option("missingkey=zero").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, in); err != nil {
		return "", fmt.Errorf("execute template: %w", err)
	}
	return buf.String(), nil
}
