package famulus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ToolHandler executes a tool call with defaults-merged, schema-validated
// arguments.
type ToolHandler func(ctx context.Context, args map[string]any) (any, error)

// Tool is one registered capability: a JSON Schema for its arguments, a
// handler, and default values merged in for missing or null keys.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON Schema; additionalProperties must be false
	Defaults    map[string]any
	Handler     ToolHandler
}

// ErrToolArgs is returned by Registry.Call when arguments fail schema
// validation. The handler is never invoked in that case.
type ErrToolArgs struct {
	Tool   string
	Detail string
}

func (e *ErrToolArgs) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, e.Detail)
}

type registeredTool struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry holds the tool set exposed to the LLM. Registration compiles the
// parameter schema once; Call validates before dispatch. Safe for concurrent
// use: the agent registers job-scoped tools while workers dispatch.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registeredTool
	order []string
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*registeredTool)}
}

// Register adds or replaces a tool. The parameter schema is compiled eagerly
// so a malformed schema fails here, not mid-conversation.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" || t.Handler == nil {
		return fmt.Errorf("tool registration requires name and handler")
	}
	params := t.Parameters
	if len(params) == 0 {
		params = json.RawMessage(`{"type":"object","properties":{},"additionalProperties":false}`)
		t.Parameters = params
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(params))
	if err != nil {
		return fmt.Errorf("tool %s: parse schema: %w", t.Name, err)
	}
	compiler := jsonschema.NewCompiler()
	url := t.Name + ".schema.json"
	if err := compiler.AddResource(url, doc); err != nil {
		return fmt.Errorf("tool %s: add schema resource: %w", t.Name, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("tool %s: compile schema: %w", t.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = &registeredTool{tool: t, schema: compiled}
	return nil
}

// Clone returns an independent registry sharing the compiled schemas, used
// to add job-scoped tools without racing other jobs.
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := &Registry{
		tools: make(map[string]*registeredTool, len(r.tools)),
		order: append([]string(nil), r.order...),
	}
	for name, rt := range r.tools {
		c.tools[name] = rt
	}
	return c
}

// Unregister removes a tool. Unknown names are a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return
	}
	delete(r.tools, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Definitions returns the registered tools in provider-neutral
// function-calling shape, in registration order.
func (r *Registry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name].tool
		defs = append(defs, ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return defs
}

// Call merges defaults into args for missing or null keys, validates the
// result against the tool's schema, and invokes the handler. Arguments that
// are not a JSON object are wrapped as {"raw": <payload>} before validation,
// so tools whose schema accepts a raw string still receive them. Validation
// failure returns *ErrToolArgs without touching the handler.
func (r *Registry) Call(ctx context.Context, name string, rawArgs json.RawMessage) (any, error) {
	r.mu.RLock()
	rt, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}

	args := map[string]any{}
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			args = map[string]any{"raw": string(rawArgs)}
		}
	}
	for k, v := range rt.tool.Defaults {
		if cur, present := args[k]; !present || cur == nil {
			args[k] = v
		}
	}

	// The compiled validator wants the canonically decoded form, so round
	// trip through JSON once.
	normalized, err := json.Marshal(args)
	if err != nil {
		return nil, &ErrToolArgs{Tool: name, Detail: err.Error()}
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(normalized))
	if err != nil {
		return nil, &ErrToolArgs{Tool: name, Detail: err.Error()}
	}
	if err := rt.schema.Validate(doc); err != nil {
		return nil, &ErrToolArgs{Tool: name, Detail: err.Error()}
	}

	return rt.tool.Handler(ctx, args)
}

// SchemaFor derives a function-calling parameter schema from a Go struct
// using its json tags. The result inlines all definitions and rejects
// unknown keys.
func SchemaFor[T any]() json.RawMessage {
	r := &invopop.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	var v T
	s := r.Reflect(&v)
	s.Version = ""
	b, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("schema derivation failed: %v", err))
	}
	return b
}
