// Package toolserver defines the abstract capability every tool server
// implements, whether it runs in-process, behind the daemon, or as a
// freshly spawned subprocess. It is the sole adapter boundary the pool
// depends on, mirroring the teacher's mcp.Client interface in
// internal/mcp/client.go which likewise hides stdio/http transport
// differences behind two methods.
package toolserver

import (
	"context"
	"encoding/json"

	"github.com/agentrt/agentrt/internal/wire"
)

// Server is the abstract tool-server capability: list the tools a server
// exposes, and invoke one by name. Implementations must be safe for
// concurrent use; call_tool may be invoked from arbitrary worker
// goroutines once registered with the pool.
type Server interface {
	ListTools(ctx context.Context) ([]wire.ToolDescriptor, error)
	CallTool(ctx context.Context, name string, arguments json.RawMessage) (wire.ToolResult, error)
}

// Embedded wraps a set of in-process tools behind the Server interface, the
// handler kind the pool consults first for both listing and dispatch.
type Embedded struct {
	ServerName string
	Tools      map[string]ToolHandler
}

// ToolHandler is one embedded tool's implementation plus its descriptor
// fields (description, input schema) for listing.
type ToolHandler struct {
	Description string
	InputSchema json.RawMessage
	Call        func(ctx context.Context, arguments json.RawMessage) (wire.ToolResult, error)
}

// NewEmbedded builds an Embedded server from a name and a handler map.
func NewEmbedded(serverName string, tools map[string]ToolHandler) *Embedded {
	return &Embedded{ServerName: serverName, Tools: tools}
}

func (e *Embedded) ListTools(ctx context.Context) ([]wire.ToolDescriptor, error) {
	out := make([]wire.ToolDescriptor, 0, len(e.Tools))
	for name, h := range e.Tools {
		out = append(out, wire.ToolDescriptor{
			Server:      e.ServerName,
			Name:        name,
			Description: h.Description,
			InputSchema: h.InputSchema,
		})
	}
	return out, nil
}

func (e *Embedded) CallTool(ctx context.Context, name string, arguments json.RawMessage) (wire.ToolResult, error) {
	h, ok := e.Tools[name]
	if !ok {
		return wire.ToolResult{}, ErrNoSuchTool
	}
	return h.Call(ctx, arguments)
}

// ErrNoSuchTool is returned by an Embedded server when asked to call a tool
// name it does not own; the pool takes it to mean "not this server" and
// tries the next owner, while any other error is returned to the caller.
var ErrNoSuchTool = &NoSuchToolError{}

// NoSuchToolError signals a call_tool for a name the server doesn't have.
type NoSuchToolError struct{}

func (e *NoSuchToolError) Error() string { return "tool server: no such tool" }
