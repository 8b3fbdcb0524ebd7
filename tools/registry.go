// Package tools provides the tool registry and executor used by agent
// nodes: callable specifications with JSON-schema signatures, executed
// under a timeout with a strict error-capture contract.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/loomhq/loom/llm"
)

// Func is the tool function signature. Arguments arrive as the raw
// JSON produced by the model; the return value must be JSON.
type Func func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// ParamType is a JSON-schema primitive type.
type ParamType string

const (
	TypeInteger ParamType = "integer"
	TypeNumber  ParamType = "number"
	TypeString  ParamType = "string"
	TypeBoolean ParamType = "boolean"
	TypeArray   ParamType = "array"
	TypeObject  ParamType = "object"
)

var validParamTypes = map[ParamType]bool{
	TypeInteger: true,
	TypeNumber:  true,
	TypeString:  true,
	TypeBoolean: true,
	TypeArray:   true,
	TypeObject:  true,
}

// Param describes one tool parameter. Parameters without a default
// value are marked required in the derived schema.
type Param struct {
	Name        string
	Type        ParamType
	Description string
	Default     any
}

// RateLimit caps how often a tool may be called.
type RateLimit struct {
	MaxCalls int
	Window   time.Duration
}

// Spec is a callable's specification: the schema is derived from it
// once, at registration time.
type Spec struct {
	Name        string
	Description string
	Params      []Param
	// Timeout bounds one execution of this tool (default 30s).
	Timeout time.Duration
	// RateLimit, when set, throttles calls to this tool.
	RateLimit *RateLimit
}

// Schema derives the JSON-schema tool description from the spec.
func (s Spec) Schema() (llm.ToolSchema, error) {
	properties := make(map[string]any, len(s.Params))
	required := make([]string, 0, len(s.Params))

	for _, p := range s.Params {
		if p.Name == "" {
			return llm.ToolSchema{}, fmt.Errorf("tool %s: parameter with empty name", s.Name)
		}
		if !validParamTypes[p.Type] {
			return llm.ToolSchema{}, fmt.Errorf("tool %s: parameter %s has unsupported type %q", s.Name, p.Name, p.Type)
		}

		prop := map[string]any{"type": string(p.Type)}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if p.Default != nil {
			prop["default"] = p.Default
		} else {
			required = append(required, p.Name)
		}
		properties[p.Name] = prop
	}

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}

	raw, err := json.Marshal(schema)
	if err != nil {
		return llm.ToolSchema{}, fmt.Errorf("tool %s: marshal schema: %w", s.Name, err)
	}

	return llm.ToolSchema{
		Name:        s.Name,
		Description: s.Description,
		Parameters:  raw,
	}, nil
}

// Registry maps tool names to callables. Registration happens during
// setup; afterwards the registry is read-mostly and safe for
// concurrent lookups. It is an explicitly constructed object, not a
// process-wide singleton, so tests stay isolated.
type Registry struct {
	mu       sync.RWMutex
	specs    map[string]Spec
	schemas  map[string]llm.ToolSchema
	funcs    map[string]Func
	limiters map[string]*rate.Limiter
	order    []string
	logger   *zap.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		specs:    make(map[string]Spec),
		schemas:  make(map[string]llm.ToolSchema),
		funcs:    make(map[string]Func),
		limiters: make(map[string]*rate.Limiter),
		logger:   logger.With(zap.String("component", "tool_registry")),
	}
}

// Register adds a tool. The schema is derived once here; duplicate
// names are rejected.
func (r *Registry) Register(spec Spec, fn Func) error {
	if spec.Name == "" {
		return fmt.Errorf("tool spec has no name")
	}
	if fn == nil {
		return fmt.Errorf("tool %s: nil function", spec.Name)
	}

	schema, err := spec.Schema()
	if err != nil {
		return err
	}

	if spec.Timeout <= 0 {
		spec.Timeout = 30 * time.Second
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.funcs[spec.Name]; exists {
		return fmt.Errorf("tool %s already registered", spec.Name)
	}

	r.specs[spec.Name] = spec
	r.schemas[spec.Name] = schema
	r.funcs[spec.Name] = fn
	r.order = append(r.order, spec.Name)

	if spec.RateLimit != nil && spec.RateLimit.MaxCalls > 0 && spec.RateLimit.Window > 0 {
		interval := spec.RateLimit.Window / time.Duration(spec.RateLimit.MaxCalls)
		r.limiters[spec.Name] = rate.NewLimiter(rate.Every(interval), spec.RateLimit.MaxCalls)
	}

	r.logger.Info("tool registered",
		zap.String("name", spec.Name),
		zap.Duration("timeout", spec.Timeout),
	)
	return nil
}

// Get returns the function and spec for a tool.
func (r *Registry) Get(name string) (Func, Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.funcs[name]
	if !ok {
		return nil, Spec{}, fmt.Errorf("tool %s not found", name)
	}
	return fn, r.specs[name], nil
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.funcs[name]
	return ok
}

// List returns all tool schemas in registration order.
func (r *Registry) List() []llm.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemas := make([]llm.ToolSchema, 0, len(r.order))
	for _, name := range r.order {
		schemas = append(schemas, r.schemas[name])
	}
	return schemas
}

// Schemas returns the schemas for the named tools, skipping unknown
// names. Agent nodes use this to advertise their tool subset.
func (r *Registry) Schemas(names []string) []llm.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemas := make([]llm.ToolSchema, 0, len(names))
	for _, name := range names {
		if schema, ok := r.schemas[name]; ok {
			schemas = append(schemas, schema)
		}
	}
	return schemas
}

// allow checks the tool's rate limiter, if any.
func (r *Registry) allow(name string) error {
	r.mu.RLock()
	limiter, ok := r.limiters[name]
	r.mu.RUnlock()

	if !ok {
		return nil
	}
	if !limiter.Allow() {
		return fmt.Errorf("tool %s: rate limit exceeded", name)
	}
	return nil
}
