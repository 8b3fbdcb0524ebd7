package workflow

import (
	"fmt"
	"sync"
	"time"

	"github.com/loomhq/loom/llm"
)

// Status is a node's lifecycle state within one run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// NodeOutput is the record a node leaves in the run context. It is
// written exactly once per run.
type NodeOutput struct {
	NodeID    string        `json:"node_id"`
	Status    Status        `json:"status"`
	Content   any           `json:"content,omitempty"`
	StartedAt time.Time     `json:"started_at,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	// Retries is the total retry attempts consumed by provider calls
	// made on behalf of this node.
	Retries int           `json:"retries,omitempty"`
	Usage   llm.ChatUsage `json:"usage,omitempty"`
	Err     string        `json:"error,omitempty"`
}

// Inputs is the read-only view a node executes against: the caller's
// variables plus the contents of its completed predecessors.
type Inputs struct {
	Variables map[string]any
	Outputs   map[string]any
}

// Context is the shared, run-scoped store. Each node writes to its
// own key exactly once, so writers never contend on the same entry;
// the lock only guards the map structure itself.
type Context struct {
	runID string

	mu        sync.RWMutex
	variables map[string]any
	outputs   map[string]*NodeOutput
}

// NewContext creates a run context seeded with caller variables.
func NewContext(runID string, variables map[string]any) *Context {
	vars := make(map[string]any, len(variables))
	for k, v := range variables {
		vars[k] = v
	}
	return &Context{
		runID:     runID,
		variables: vars,
		outputs:   make(map[string]*NodeOutput),
	}
}

// RunID returns the run identifier.
func (c *Context) RunID() string { return c.runID }

// Variable returns a caller variable.
func (c *Context) Variable(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.variables[key]
	return v, ok
}

// Variables returns a copy of the caller variables.
func (c *Context) Variables() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	vars := make(map[string]any, len(c.variables))
	for k, v := range c.variables {
		vars[k] = v
	}
	return vars
}

// SetOutput records a node's output. A second write for the same node
// is a bug in the scheduler and returns an error.
func (c *Context) SetOutput(output *NodeOutput) error {
	if output == nil || output.NodeID == "" {
		return fmt.Errorf("output must carry a node id")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.outputs[output.NodeID]; exists {
		return fmt.Errorf("output for node %s already written", output.NodeID)
	}
	c.outputs[output.NodeID] = output
	return nil
}

// Output returns a node's recorded output.
func (c *Context) Output(nodeID string) (*NodeOutput, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out, ok := c.outputs[nodeID]
	return out, ok
}

// InputsFor builds the input view for a node: all variables plus the
// contents of the named predecessors that completed.
func (c *Context) InputsFor(predecessorIDs []string) Inputs {
	c.mu.RLock()
	defer c.mu.RUnlock()

	vars := make(map[string]any, len(c.variables))
	for k, v := range c.variables {
		vars[k] = v
	}

	outputs := make(map[string]any, len(predecessorIDs))
	for _, id := range predecessorIDs {
		if out, ok := c.outputs[id]; ok && out.Status == StatusCompleted {
			outputs[id] = out.Content
		}
	}
	return Inputs{Variables: vars, Outputs: outputs}
}

// Snapshot copies all recorded outputs.
func (c *Context) Snapshot() map[string]NodeOutput {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snapshot := make(map[string]NodeOutput, len(c.outputs))
	for id, out := range c.outputs {
		snapshot[id] = *out
	}
	return snapshot
}
