package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
)

// Call carries what a tool handler knows about its caller. It is passed
// explicitly from the transport down to the handler.
type Call struct {
	// ProtocolSessionID identifies the MCP connection making the call.
	ProtocolSessionID string
	// Notify sends a server notification to the calling connection. It may
	// be nil when the transport has no push channel.
	Notify func(method string, params any)
}

// notify is Notify when set.
func (c Call) notify(method string, params any) {
	if c.Notify != nil {
		c.Notify(method, params)
	}
}

// ToolHandler executes one tool call.
type ToolHandler func(ctx context.Context, call Call, args json.RawMessage) (*mcp.CallToolResult, error)

type registeredTool struct {
	tool    mcp.Tool
	handler ToolHandler
}

// Registry stores tools keyed by name. Each server owns its own registry.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]registeredTool
	order []string
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]registeredTool),
	}
}

// Register adds a tool.
func (r *Registry) Register(tool mcp.Tool, handler ToolHandler) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if handler == nil {
		return fmt.Errorf("handler is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("tool already registered: %s", tool.Name)
	}
	r.tools[tool.Name] = registeredTool{tool: tool, handler: handler}
	r.order = append(r.order, tool.Name)
	return nil
}

// MustRegister adds a tool or panics.
func (r *Registry) MustRegister(tool mcp.Tool, handler ToolHandler) {
	if err := r.Register(tool, handler); err != nil {
		panic(err)
	}
}

// Tools lists registered tools in registration order.
func (r *Registry) Tools() []mcp.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]mcp.Tool, 0, len(r.order))
	for _, name := range r.order {
		tools = append(tools, r.tools[name].tool)
	}
	return tools
}

// Execute runs the tool by name.
func (r *Registry) Execute(ctx context.Context, call Call, name string, args json.RawMessage) (*mcp.CallToolResult, error) {
	if name == "" {
		return nil, fmt.Errorf("tool name is required")
	}
	r.mu.RLock()
	entry, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
	return entry.handler(ctx, call, args)
}
