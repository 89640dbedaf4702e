package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ToolPrefix is prepended to command names to form MCP tool names
const ToolPrefix = "linkrecall_"

// NewMCPServer registers every dispatcher command as an MCP tool
func NewMCPServer(d *Dispatcher, version string) *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: "linkrecall", Version: version}, nil)
	for _, c := range d.Commands() {
		registerTool(srv, d, c)
	}
	return srv
}

func registerTool(srv *mcp.Server, d *Dispatcher, c *Command) {
	tool := &mcp.Tool{
		Name:        ToolPrefix + c.Name,
		Description: c.Description,
		InputSchema: c.InputSchema,
	}
	name := c.Name
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := d.Dispatch(ctx, name, req.Params.Arguments)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(err)
			return &res, nil
		}

		data, err := json.Marshal(result)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("marshal: %w", err))
			return &res, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}

// ServeStdio runs the MCP server on stdin/stdout until ctx is cancelled or
// the client disconnects
func ServeStdio(ctx context.Context, srv *mcp.Server) error {
	return srv.Run(ctx, &mcp.StdioTransport{})
}
