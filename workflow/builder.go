package workflow

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Builder assembles a graph fluently. The first error sticks and is
// returned from Build; intermediate calls after an error are no-ops.
type Builder struct {
	graph  *Graph
	lastID string
	err    error
}

// NewBuilder starts a new workflow graph.
func NewBuilder(name string) *Builder {
	return NewBuilderWithLogger(name, nil)
}

// NewBuilderWithLogger starts a new workflow graph with a logger.
func NewBuilderWithLogger(name string, logger *zap.Logger) *Builder {
	return &Builder{graph: NewGraph(name, logger)}
}

// AddAgent adds an agent node.
func (b *Builder) AddAgent(id string, spec *AgentSpec) *Builder {
	return b.addNode(&Node{ID: id, Name: id, Kind: KindAgent, Agent: spec})
}

// AddTransform adds a transform node.
func (b *Builder) AddTransform(id string, fn TransformFunc) *Builder {
	return b.addNode(&Node{ID: id, Name: id, Kind: KindTransform, Transform: fn})
}

// AddConditional adds a conditional node.
func (b *Builder) AddConditional(id string, fn PredicateFunc) *Builder {
	return b.addNode(&Node{ID: id, Name: id, Kind: KindConditional, Predicate: fn})
}

// AddNode adds a fully specified node.
func (b *Builder) AddNode(node *Node) *Builder {
	return b.addNode(node)
}

func (b *Builder) addNode(node *Node) *Builder {
	if b.err != nil {
		return b
	}
	if err := b.graph.AddNode(node); err != nil {
		b.err = err
		return b
	}
	b.lastID = node.ID
	return b
}

// WithTimeout sets a per-node timeout on the most recently added node.
func (b *Builder) WithTimeout(d time.Duration) *Builder {
	if b.err != nil {
		return b
	}
	if b.lastID == "" {
		b.err = fmt.Errorf("WithTimeout called before any node was added")
		return b
	}
	node, _ := b.graph.Node(b.lastID)
	node.Timeout = d
	return b
}

// Connect adds a dependency edge.
func (b *Builder) Connect(from, to string) *Builder {
	return b.ConnectLabeled(from, to, "")
}

// ConnectLabeled adds a dependency edge carrying a branch label.
func (b *Builder) ConnectLabeled(from, to, label string) *Builder {
	if b.err != nil {
		return b
	}
	if err := b.graph.ConnectLabeled(from, to, label); err != nil {
		b.err = err
	}
	return b
}

// Build validates and returns the graph.
func (b *Builder) Build() (*Graph, error) {
	if b.err != nil {
		return nil, b.err
	}
	if err := b.graph.Validate(); err != nil {
		return nil, err
	}
	return b.graph, nil
}
