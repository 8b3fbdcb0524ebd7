package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loomhq/loom/types"
)

// Kind identifies a node variant. The set is closed: adding a kind
// means adding a payload field and a case in the node executor.
type Kind string

const (
	// KindAgent calls a model through the resilient invoker, optionally
	// running tools in a bounded loop.
	KindAgent Kind = "agent"
	// KindTransform applies a pure function to its inputs.
	KindTransform Kind = "transform"
	// KindConditional evaluates a predicate that selects one outgoing
	// branch by label.
	KindConditional Kind = "conditional"
)

// TransformFunc is the payload of a transform node. It must be pure:
// failures are deterministic and never retried.
type TransformFunc func(ctx context.Context, in Inputs) (any, error)

// PredicateFunc is the payload of a conditional node. It returns the
// label of the outgoing edge to keep live; edges with other labels are
// treated as satisfied-but-skipped.
type PredicateFunc func(ctx context.Context, in Inputs) (string, error)

// AgentSpec configures an agent node.
type AgentSpec struct {
	// PromptTemplate is rendered against the workflow variables and
	// predecessor outputs (text/template syntax, .Variables and
	// .Outputs).
	PromptTemplate string
	// SystemPrompt, when set, is prepended as the system message.
	SystemPrompt string
	// Model names the model passed through to the provider.
	Model string
	// Tools lists registry tool names this agent may call.
	Tools []string
	// MaxToolIterations bounds the tool loop for this node; 0 means
	// the engine default.
	MaxToolIterations int
	Temperature       float32
	MaxTokens         int
}

// Node is one unit of work in the graph. Exactly one variant payload
// must be set, matching Kind.
type Node struct {
	ID   string
	Name string
	Kind Kind

	Agent     *AgentSpec
	Transform TransformFunc
	Predicate PredicateFunc

	// Timeout bounds this node's execution, tool loop included.
	// Zero means no per-node bound.
	Timeout time.Duration
}

// Edge is a directed dependency. Label is only meaningful when From
// is a conditional node: the predicate picks which label stays live.
type Edge struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Label string `json:"label,omitempty"`
}

// Graph is the workflow structure: an arena of nodes indexed by id
// plus adjacency lists of ids. It is built once, validated, then
// treated as immutable for the duration of a run.
type Graph struct {
	id    string
	name  string
	nodes map[string]*Node
	// order preserves insertion order for deterministic iteration.
	order []string
	out   map[string][]Edge
	in    map[string][]Edge

	validated bool
	logger    *zap.Logger
}

// NewGraph creates an empty graph.
func NewGraph(name string, logger *zap.Logger) *Graph {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Graph{
		id:     uuid.NewString(),
		name:   name,
		nodes:  make(map[string]*Node),
		out:    make(map[string][]Edge),
		in:     make(map[string][]Edge),
		logger: logger.With(zap.String("component", "graph"), zap.String("workflow", name)),
	}
}

// ID returns the graph's unique id.
func (g *Graph) ID() string { return g.id }

// Name returns the workflow name.
func (g *Graph) Name() string { return g.name }

// AddNode adds a node to the graph. The node's variant payload must
// match its Kind.
func (g *Graph) AddNode(node *Node) error {
	if node == nil {
		return fmt.Errorf("node cannot be nil")
	}
	if node.ID == "" {
		return fmt.Errorf("node has no id")
	}
	if _, exists := g.nodes[node.ID]; exists {
		return fmt.Errorf("node %s already added", node.ID)
	}
	if err := checkPayload(node); err != nil {
		return err
	}

	g.nodes[node.ID] = node
	g.order = append(g.order, node.ID)
	g.validated = false
	return nil
}

func checkPayload(node *Node) error {
	switch node.Kind {
	case KindAgent:
		if node.Agent == nil || node.Agent.PromptTemplate == "" {
			return fmt.Errorf("agent node %s has no prompt template", node.ID)
		}
	case KindTransform:
		if node.Transform == nil {
			return fmt.Errorf("transform node %s has no function", node.ID)
		}
	case KindConditional:
		if node.Predicate == nil {
			return fmt.Errorf("conditional node %s has no predicate", node.ID)
		}
	default:
		return fmt.Errorf("node %s has unknown kind %q", node.ID, node.Kind)
	}
	return nil
}

// Connect adds an unlabeled directed edge.
func (g *Graph) Connect(from, to string) error {
	return g.ConnectLabeled(from, to, "")
}

// ConnectLabeled adds a directed edge carrying a branch label. Both
// endpoints must already exist.
func (g *Graph) ConnectLabeled(from, to, label string) error {
	if _, exists := g.nodes[from]; !exists {
		return types.NewError(types.ErrUnknownNode, fmt.Sprintf("edge source %s not in graph", from)).WithNodeID(from)
	}
	if _, exists := g.nodes[to]; !exists {
		return types.NewError(types.ErrUnknownNode, fmt.Sprintf("edge target %s not in graph", to)).WithNodeID(to)
	}

	edge := Edge{From: from, To: to, Label: label}
	g.out[from] = append(g.out[from], edge)
	g.in[to] = append(g.in[to], edge)
	g.validated = false
	return nil
}

// Validate checks the graph is executable: acyclic, with every edge
// referencing known nodes. Declared-but-unconnected nodes are only a
// warning; they run as roots.
func (g *Graph) Validate() error {
	for _, edges := range g.out {
		for _, e := range edges {
			if _, ok := g.nodes[e.From]; !ok {
				return types.NewError(types.ErrDisconnectedReference,
					fmt.Sprintf("edge references unknown node %s", e.From)).WithNodeID(e.From)
			}
			if _, ok := g.nodes[e.To]; !ok {
				return types.NewError(types.ErrDisconnectedReference,
					fmt.Sprintf("edge references unknown node %s", e.To)).WithNodeID(e.To)
			}
		}
	}

	if err := g.detectCycle(); err != nil {
		return err
	}

	for _, id := range g.order {
		if len(g.in[id]) == 0 && len(g.out[id]) == 0 && len(g.order) > 1 {
			g.logger.Warn("node has no edges, will run as an isolated root",
				zap.String("node_id", id),
			)
		}
	}

	g.validated = true
	return nil
}

// Validated reports whether the graph passed Validate since its last
// mutation.
func (g *Graph) Validated() bool { return g.validated }

// detectCycle runs a depth-first traversal with a visiting set; a
// back-edge into the visiting set is a cycle.
func (g *Graph) detectCycle() error {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(g.nodes))

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, e := range g.out[id] {
			switch color[e.To] {
			case gray:
				return types.NewError(types.ErrCycleDetected,
					fmt.Sprintf("cycle through node %s", e.To)).WithNodeID(e.To)
			case white:
				if err := visit(e.To); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for _, id := range g.order {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*Node, bool) {
	node, ok := g.nodes[id]
	return node, ok
}

// Nodes returns all nodes in insertion order.
func (g *Graph) Nodes() []*Node {
	nodes := make([]*Node, 0, len(g.order))
	for _, id := range g.order {
		nodes = append(nodes, g.nodes[id])
	}
	return nodes
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.order) }

// Roots returns the ids of nodes with no incoming edges, in insertion
// order.
func (g *Graph) Roots() []string {
	roots := make([]string, 0)
	for _, id := range g.order {
		if len(g.in[id]) == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}

// Successors returns the outgoing edges of a node.
func (g *Graph) Successors(id string) []Edge { return g.out[id] }

// Predecessors returns the incoming edges of a node.
func (g *Graph) Predecessors(id string) []Edge { return g.in[id] }

// InDegree returns the number of incoming edges of a node.
func (g *Graph) InDegree(id string) int { return len(g.in[id]) }
