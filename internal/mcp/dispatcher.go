package mcp

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
)

// Dispatcher answers JSON-RPC requests. Transports own the framing; the
// dispatcher only maps a request to a response.
type Dispatcher struct {
	registry     *Registry
	instructions string
	log          *slog.Logger
}

// NewDispatcher creates a dispatcher over registry.
func NewDispatcher(registry *Registry, instructions string, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		registry:     registry,
		instructions: instructions,
		log:          log.With("component", "mcp"),
	}
}

// Handle processes one request. It returns nil for notifications.
func (d *Dispatcher) Handle(ctx context.Context, call Call, req *JSONRPCRequest) *JSONRPCResponse {
	switch req.Method {
	case "initialize":
		return d.handleInitialize(req)
	case "notifications/initialized", "initialized":
		d.log.Debug("initialized notification received", "protocol_session_id", call.ProtocolSessionID)
		return nil
	case "notifications/cancelled":
		return nil
	case "ping":
		return newResult(req.ID, struct{}{})
	case "tools/list":
		return newResult(req.ID, ToolsListResult{Tools: d.registry.Tools()})
	case "tools/call":
		return d.handleToolsCall(ctx, call, req)
	default:
		if req.IsNotification() {
			return nil
		}
		d.log.Warn("unknown method", "method", req.Method)
		return newError(req.ID, CodeMethodNotFound, "Method not found")
	}
}

func (d *Dispatcher) handleInitialize(req *JSONRPCRequest) *JSONRPCResponse {
	var params InitializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return newError(req.ID, CodeInvalidParams, "Invalid params")
		}
	}
	version := params.ProtocolVersion
	if version == "" {
		version = mcp.LATEST_PROTOCOL_VERSION
	}
	d.log.Info("client initialized", "client", params.ClientInfo.Name, "protocol_version", version)

	return newResult(req.ID, InitializeResult{
		ProtocolVersion: version,
		Capabilities: Capabilities{
			Tools:   &ToolCapability{},
			Logging: &struct{}{},
		},
		ServerInfo: mcp.Implementation{
			Name:    ServerName,
			Version: ServerVersion,
		},
		Instructions: d.instructions,
	})
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, call Call, req *JSONRPCRequest) *JSONRPCResponse {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return newError(req.ID, CodeInvalidParams, "Invalid params")
	}

	result, err := d.registry.Execute(ctx, call, params.Name, params.Arguments)
	if err != nil {
		d.log.Warn("tool call failed", "tool", params.Name, "error", err)
		return newResult(req.ID, errorResult(err.Error()))
	}
	return newResult(req.ID, result)
}

func errorResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(text)},
		IsError: true,
	}
}
