package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// ToolHandler executes one tool call and returns a JSON-serializable result.
// Handler failures are never surfaced as a session error — the registry
// folds them into an {"error": "..."} payload and feeds that back to the
// LLM as the tool's output, per the tool-handler-failure category of the
// error taxonomy.
type ToolHandler func(ctx context.Context, args json.RawMessage) (interface{}, error)

type registeredTool struct {
	def     ToolDefinition
	handler ToolHandler
}

// ToolRegistry is a name-keyed table of side-effect handlers the LLM can
// invoke via function calling. Tools are registered before a session
// starts; Register and Call are both guarded by the registry's RWMutex.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]registeredTool
}

// NewToolRegistry returns an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]registeredTool)}
}

// Register adds a tool under name, described by schema for the LLM's
// function-calling declaration and backed by handler.
func (r *ToolRegistry) Register(name, description string, schema json.RawMessage, handler ToolHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = registeredTool{
		def: ToolDefinition{
			Name:        name,
			Description: description,
			Parameters:  schema,
		},
		handler: handler,
	}
}

// Definitions returns the JSON-schema declarations for every registered
// tool, suitable for passing to LLMProvider.StreamComplete.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.def)
	}
	return defs
}

// Call executes the named tool's handler. A handler error is converted to
// a JSON {"error": "<message>"} payload rather than returned as a Go
// error — only an unregistered tool name returns an error, since that is
// a session/configuration problem rather than a tool-handler failure.
func (r *ToolRegistry) Call(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotRegistered, name)
	}

	result, err := tool.handler(ctx, args)
	if err != nil {
		errPayload, _ := json.Marshal(map[string]string{"error": err.Error()})
		return errPayload, nil
	}

	out, err := json.Marshal(result)
	if err != nil {
		errPayload, _ := json.Marshal(map[string]string{"error": fmt.Sprintf("failed to encode tool result: %v", err)})
		return errPayload, nil
	}
	return out, nil
}
