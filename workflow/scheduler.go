package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/loomhq/loom/internal/metrics"
	"github.com/loomhq/loom/types"
)

// FailurePolicy decides what a node failure does to the rest of the
// run.
type FailurePolicy string

const (
	// FailFast marks the run failed and cancels in-flight siblings.
	FailFast FailurePolicy = "fail_fast"
	// ContinueOnError skips the failed node's transitive dependents
	// and keeps running independent branches.
	ContinueOnError FailurePolicy = "continue_on_error"
)

// RunConfig tunes one workflow run.
type RunConfig struct {
	// MaxConcurrency bounds how many nodes execute simultaneously.
	MaxConcurrency int
	// GlobalTimeout bounds the whole run; zero means unbounded.
	GlobalTimeout time.Duration
	// OnNodeFailure selects the failure policy (default FailFast).
	OnNodeFailure FailurePolicy
	// MaxToolIterations overrides the engine default for agent tool
	// loops in this run; zero keeps the default.
	MaxToolIterations int
}

// DefaultRunConfig returns the default run tuning.
func DefaultRunConfig() *RunConfig {
	return &RunConfig{
		MaxConcurrency: 4,
		OnNodeFailure:  FailFast,
	}
}

func (c *RunConfig) validate() error {
	if c.MaxConcurrency < 1 {
		return types.NewError(types.ErrInvalidConfig, "max concurrency must be at least 1")
	}
	switch c.OnNodeFailure {
	case FailFast, ContinueOnError:
	case "":
		c.OnNodeFailure = FailFast
	default:
		return types.NewError(types.ErrInvalidConfig,
			fmt.Sprintf("unknown failure policy %q", c.OnNodeFailure))
	}
	if c.MaxToolIterations < 0 {
		return types.NewError(types.ErrInvalidConfig, "max tool iterations cannot be negative")
	}
	return nil
}

// NodeRunner executes one node. *NodeExecutor is the production
// implementation; tests substitute fakes.
type NodeRunner interface {
	Run(ctx context.Context, node *Node, in Inputs) (*NodeOutput, error)
}

// Scheduler executes validated graphs: it tracks in-degrees, keeps a
// ready set, and dispatches ready nodes under a concurrency bound
// while propagating completions, failures, and branch selections to
// successors.
type Scheduler struct {
	runner    NodeRunner
	logger    *zap.Logger
	collector *metrics.Collector
	tracer    trace.Tracer
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerCollector attaches a metrics collector.
func WithSchedulerCollector(c *metrics.Collector) SchedulerOption {
	return func(s *Scheduler) {
		s.collector = c
	}
}

// NewScheduler creates a scheduler over runner.
func NewScheduler(runner NodeRunner, logger *zap.Logger, opts ...SchedulerOption) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		runner: runner,
		logger: logger.With(zap.String("component", "scheduler")),
		tracer: otel.Tracer("loom/workflow"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// nodeState is the scheduler's per-node bookkeeping. Only the
// scheduler goroutine touches it.
type nodeState struct {
	// pending counts unsettled predecessors (the node's remaining
	// in-degree).
	pending int
	// completed counts predecessors that finished over a live edge.
	completed int
	// failed counts predecessors that failed or were failure-skipped.
	failed int
	// dead counts predecessors reaching this node over an unselected
	// branch, or branch-skipped themselves.
	dead int
	// settled marks the node's fate as decided.
	settled bool
}

type nodeEvent struct {
	nodeID string
	output *NodeOutput
	err    error
}

// Execute runs the graph to completion. Structural and configuration
// errors return (nil, error) before any node runs; node failures and
// timeouts are reported through the Result's status.
func (s *Scheduler) Execute(ctx context.Context, graph *Graph, variables map[string]any, cfg *RunConfig) (*Result, error) {
	if graph == nil {
		return nil, fmt.Errorf("graph cannot be nil")
	}
	if cfg == nil {
		cfg = DefaultRunConfig()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if !graph.Validated() {
		if err := graph.Validate(); err != nil {
			return nil, err
		}
	}

	runID := uuid.NewString()
	start := time.Now()
	wfctx := NewContext(runID, variables)

	ctx, span := s.tracer.Start(ctx, "workflow.execute",
		trace.WithAttributes(
			attribute.String("workflow.name", graph.Name()),
			attribute.String("workflow.run_id", runID),
			attribute.Int("workflow.nodes", graph.Len()),
		))
	defer span.End()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var timeoutCh <-chan time.Time
	if cfg.GlobalTimeout > 0 {
		timer := time.NewTimer(cfg.GlobalTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	runner := s.runner
	if ne, ok := runner.(*NodeExecutor); ok && cfg.MaxToolIterations > 0 {
		override := *ne
		override.maxToolIters = cfg.MaxToolIterations
		runner = &override
	}

	s.logger.Info("starting workflow run",
		zap.String("run_id", runID),
		zap.String("workflow", graph.Name()),
		zap.Int("nodes", graph.Len()),
		zap.Int("max_concurrency", cfg.MaxConcurrency),
		zap.String("on_node_failure", string(cfg.OnNodeFailure)),
	)

	run := &runState{
		scheduler: s,
		graph:     graph,
		wfctx:     wfctx,
		cfg:       cfg,
		runner:    runner,
		runCtx:    runCtx,
		cancel:    cancel,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		states:    make(map[string]*nodeState, graph.Len()),
		events:    make(chan *nodeEvent, graph.Len()),
		inFlight:  make(map[string]bool),
	}
	for _, node := range graph.Nodes() {
		run.states[node.ID] = &nodeState{pending: graph.InDegree(node.ID)}
	}
	run.ready = append(run.ready, graph.Roots()...)

	status := run.loop(timeoutCh)

	result := &Result{
		RunID:      runID,
		Workflow:   graph.Name(),
		Status:     status,
		Outputs:    wfctx.Snapshot(),
		FailedNode: run.failedNode,
		InFlight:   run.timedOutNodes,
		StartedAt:  start,
		Duration:   time.Since(start),
		err:        run.runErr,
	}
	if run.runErr != nil {
		result.Error = run.runErr.Error()
	}
	for _, out := range result.Outputs {
		result.Usage.Add(out.Usage)
	}

	if s.collector != nil {
		s.collector.RecordWorkflowRun(string(status))
	}
	s.logger.Info("workflow run finished",
		zap.String("run_id", runID),
		zap.String("status", string(status)),
		zap.Duration("duration", result.Duration),
		zap.Int("outputs", len(result.Outputs)),
	)
	return result, nil
}

// runState holds one run's scheduling state. Everything here is owned
// by the scheduler goroutine; worker goroutines communicate only
// through the events channel.
type runState struct {
	scheduler *Scheduler
	graph     *Graph
	wfctx     *Context
	cfg       *RunConfig
	runner    NodeRunner
	runCtx    context.Context
	cancel    context.CancelFunc
	sem       *semaphore.Weighted

	states   map[string]*nodeState
	ready    []string
	events   chan *nodeEvent
	inFlight map[string]bool
	settled  int

	failedNode    string
	runErr        error
	timedOutNodes []string
}

// loop dispatches ready nodes and consumes completion events until
// every node is settled, a fatal failure stops the run, or the global
// timeout fires.
func (r *runState) loop(timeoutCh <-chan time.Time) RunStatus {
	total := r.graph.Len()

	for r.settled < total {
		for len(r.ready) > 0 {
			id := r.ready[0]
			r.ready = r.ready[1:]
			r.dispatch(id)
		}

		if len(r.inFlight) == 0 {
			// Nothing running and nothing ready: remaining nodes were
			// already settled by skip cascades, or the run was cancelled.
			break
		}

		select {
		case ev := <-r.events:
			if fatal := r.handle(ev); fatal {
				r.drainCancelled()
				return RunFailed
			}
		case <-timeoutCh:
			r.timedOutNodes = r.inFlightNames()
			r.runErr = types.NewError(types.ErrGlobalTimeout,
				fmt.Sprintf("run exceeded %s with %d nodes in flight", r.cfg.GlobalTimeout, len(r.timedOutNodes)))
			r.cancel()
			r.drainCancelled()
			return RunTimedOut
		}
	}

	if r.failedNode != "" {
		return RunFailed
	}
	if r.runCtx.Err() != nil {
		if r.runErr == nil {
			r.runErr = fmt.Errorf("run cancelled: %w", r.runCtx.Err())
		}
		return RunFailed
	}
	return RunCompleted
}

// dispatch launches one node. The semaphore is acquired inside the
// goroutine so a saturated bound leaves the node queued, not the
// scheduler blocked.
func (r *runState) dispatch(id string) {
	node, ok := r.graph.Node(id)
	if !ok {
		// Validate guarantees this cannot happen.
		r.settleNode(id)
		return
	}
	r.inFlight[id] = true

	preds := make([]string, 0, len(r.graph.Predecessors(id)))
	for _, e := range r.graph.Predecessors(id) {
		preds = append(preds, e.From)
	}

	go func() {
		if err := r.sem.Acquire(r.runCtx, 1); err != nil {
			r.events <- &nodeEvent{nodeID: id, err: err}
			return
		}
		defer r.sem.Release(1)

		output, err := r.runner.Run(r.runCtx, node, r.wfctx.InputsFor(preds))
		r.events <- &nodeEvent{nodeID: id, output: output, err: err}
	}()
}

// handle settles one finished node. It returns true when the run must
// stop immediately (fail-fast).
func (r *runState) handle(ev *nodeEvent) (fatal bool) {
	delete(r.inFlight, ev.nodeID)
	r.settleNode(ev.nodeID)

	if ev.err == nil {
		if err := r.wfctx.SetOutput(ev.output); err != nil {
			// Double write means a scheduler bug; surface it loudly.
			r.scheduler.logger.Error("output write conflict", zap.String("node_id", ev.nodeID), zap.Error(err))
		}
		r.propagateCompletion(ev.nodeID, ev.output)
		return false
	}

	if r.runCtx.Err() != nil && types.GetErrorCode(ev.err) == "" {
		// Cancelled mid-flight, not a genuine node failure.
		r.recordOutput(&NodeOutput{NodeID: ev.nodeID, Status: StatusSkipped, Err: "cancelled"})
		return false
	}

	output := ev.output
	if output == nil {
		output = &NodeOutput{NodeID: ev.nodeID, Status: StatusFailed, Err: ev.err.Error()}
	}
	r.recordOutput(output)

	if r.failedNode == "" {
		r.failedNode = ev.nodeID
		r.runErr = types.NewError(types.ErrNodeExecutionFailed,
			fmt.Sprintf("node %s failed", ev.nodeID)).WithNodeID(ev.nodeID).WithCause(ev.err)
	}

	if r.cfg.OnNodeFailure == FailFast {
		r.cancel()
		return true
	}

	r.propagateFailure(ev.nodeID)
	return false
}

// propagateCompletion releases the node's successors. For conditional
// nodes, edges whose label differs from the selected branch are dead:
// satisfied, but never dispatched.
func (r *runState) propagateCompletion(id string, output *NodeOutput) {
	node, _ := r.graph.Node(id)

	selected := ""
	if node != nil && node.Kind == KindConditional {
		if label, ok := output.Content.(string); ok {
			selected = label
		}
		r.scheduler.logger.Debug("branch selected",
			zap.String("node_id", id),
			zap.String("branch", selected),
		)
	}

	for _, edge := range r.graph.Successors(id) {
		st := r.states[edge.To]
		st.pending--
		if node != nil && node.Kind == KindConditional && edge.Label != "" && edge.Label != selected {
			st.dead++
		} else {
			st.completed++
		}
		r.maybeRelease(edge.To)
	}
}

// propagateFailure marks the node's successors as having a failed
// predecessor.
func (r *runState) propagateFailure(id string) {
	for _, edge := range r.graph.Successors(id) {
		st := r.states[edge.To]
		st.pending--
		st.failed++
		r.maybeRelease(edge.To)
	}
}

// propagateDead marks the node's successors as having a branch-dead
// predecessor.
func (r *runState) propagateDead(id string) {
	for _, edge := range r.graph.Successors(id) {
		st := r.states[edge.To]
		st.pending--
		st.dead++
		r.maybeRelease(edge.To)
	}
}

// maybeRelease decides a node's fate once its last predecessor
// settles: run if any live predecessor completed and none failed,
// skip with a recorded output if a predecessor failed, vanish
// silently if every predecessor was branch-dead.
func (r *runState) maybeRelease(id string) {
	st := r.states[id]
	if st.pending > 0 || st.settled {
		return
	}

	switch {
	case st.failed > 0:
		r.settleNode(id)
		r.recordOutput(&NodeOutput{NodeID: id, Status: StatusSkipped, Err: "skipped: predecessor failed"})
		r.scheduler.logger.Debug("node skipped after predecessor failure", zap.String("node_id", id))
		r.propagateFailure(id)
	case st.completed == 0:
		// Every predecessor sat on an unselected branch; the node is
		// not part of this run and leaves no output.
		r.settleNode(id)
		r.scheduler.logger.Debug("node dropped with branch", zap.String("node_id", id))
		r.propagateDead(id)
	default:
		r.ready = append(r.ready, id)
	}
}

func (r *runState) settleNode(id string) {
	st := r.states[id]
	if st.settled {
		return
	}
	st.settled = true
	r.settled++
}

func (r *runState) recordOutput(output *NodeOutput) {
	if err := r.wfctx.SetOutput(output); err != nil {
		r.scheduler.logger.Error("output write conflict",
			zap.String("node_id", output.NodeID),
			zap.Error(err),
		)
	}
}

// drainCancelled waits for every in-flight worker to observe the
// cancellation and report back, so no goroutine outlives the run.
func (r *runState) drainCancelled() {
	for len(r.inFlight) > 0 {
		ev := <-r.events
		delete(r.inFlight, ev.nodeID)
		r.settleNode(ev.nodeID)
		if _, written := r.wfctx.Output(ev.nodeID); written {
			continue
		}
		// A node that beat the cancellation keeps its real output.
		if ev.output != nil {
			r.recordOutput(ev.output)
		} else {
			r.recordOutput(&NodeOutput{NodeID: ev.nodeID, Status: StatusSkipped, Err: "cancelled"})
		}
	}
}

func (r *runState) inFlightNames() []string {
	names := make([]string, 0, len(r.inFlight))
	for _, id := range r.graph.order {
		if r.inFlight[id] {
			names = append(names, id)
		}
	}
	return names
}
