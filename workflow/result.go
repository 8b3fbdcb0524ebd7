package workflow

import (
	"encoding/json"
	"time"

	"github.com/loomhq/loom/llm"
)

// RunStatus is the final state of one workflow run.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunTimedOut  RunStatus = "timed_out"
)

// Result is the artifact a run surfaces to callers: final status,
// every recorded node output, and failure details when applicable.
// It is immutable once returned.
type Result struct {
	RunID    string                `json:"run_id"`
	Workflow string                `json:"workflow"`
	Status   RunStatus             `json:"status"`
	Outputs  map[string]NodeOutput `json:"outputs"`
	// FailedNode names the first node whose failure decided the run.
	FailedNode string `json:"failed_node,omitempty"`
	Error      string `json:"error,omitempty"`
	// InFlight lists the nodes still executing when a global timeout
	// cancelled the run.
	InFlight  []string      `json:"in_flight,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	// Usage aggregates token consumption across all agent nodes.
	Usage llm.ChatUsage `json:"usage,omitempty"`

	err error
}

// IsCompleted reports whether every node settled successfully.
func (r *Result) IsCompleted() bool {
	return r.Status == RunCompleted
}

// IsFailed reports whether a node failure decided the run.
func (r *Result) IsFailed() bool {
	return r.Status == RunFailed
}

// IsTimedOut reports whether the global timeout cancelled the run.
func (r *Result) IsTimedOut() bool {
	return r.Status == RunTimedOut
}

// Cause returns the underlying error chain for failed or timed-out
// runs, nil otherwise. The chain survives in-process inspection only;
// serialized results carry the flattened Error string.
func (r *Result) Cause() error {
	return r.err
}

// GetNodeOutput returns the recorded output of one node.
func (r *Result) GetNodeOutput(nodeID string) (NodeOutput, bool) {
	out, ok := r.Outputs[nodeID]
	return out, ok
}

// GetAllOutputs returns the contents of every completed node. Nodes
// dropped with an unselected branch never appear; failed and skipped
// nodes are excluded.
func (r *Result) GetAllOutputs() map[string]any {
	outputs := make(map[string]any)
	for id, out := range r.Outputs {
		if out.Status == StatusCompleted {
			outputs[id] = out.Content
		}
	}
	return outputs
}

// MarshalJSON serializes the result for external callers.
func (r *Result) MarshalJSON() ([]byte, error) {
	type alias Result
	return json.Marshal((*alias)(r))
}

// UnmarshalJSON restores a serialized result. Statuses and string
// contents round-trip exactly; Content is typed any, so other contents
// come back as JSON-native types (numbers as float64, objects as
// map[string]any). The in-process cause chain does not survive.
func (r *Result) UnmarshalJSON(data []byte) error {
	type alias Result
	return json.Unmarshal(data, (*alias)(r))
}
