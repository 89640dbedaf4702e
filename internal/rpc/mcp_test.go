package rpc

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

var testMCPImpl = &mcp.Implementation{Name: "linkrecall-test", Version: "0.1.0"}

func mcpSession(t *testing.T, d *Dispatcher) *mcp.ClientSession {
	t.Helper()
	srv := NewMCPServer(d, "test")

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	client := mcp.NewClient(testMCPImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func TestMCPListsTools(t *testing.T) {
	f := newFixture(t)
	session := mcpSession(t, f.dispatcher)

	res, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	names := make(map[string]bool)
	for _, tool := range res.Tools {
		names[tool.Name] = true
	}
	for _, c := range f.dispatcher.Commands() {
		if !names[ToolPrefix+c.Name] {
			t.Errorf("Tool %s not registered", ToolPrefix+c.Name)
		}
	}
}

func TestMCPCallTool(t *testing.T) {
	f := newFixture(t)
	session := mcpSession(t, f.dispatcher)

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      ToolPrefix + CmdStats,
		Arguments: map[string]any{},
	})
	if err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}
	if result.IsError {
		t.Fatalf("Tool returned error: %+v", result.Content)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("Expected TextContent, got %T", result.Content[0])
	}
	var stats struct {
		TotalURLs int `json:"total_urls"`
	}
	if err := json.Unmarshal([]byte(tc.Text), &stats); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if stats.TotalURLs != 3 {
		t.Errorf("TotalURLs = %d, want 3", stats.TotalURLs)
	}
}

func TestMCPToolError(t *testing.T) {
	f := newFixture(t)
	session := mcpSession(t, f.dispatcher)

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      ToolPrefix + CmdSearch,
		Arguments: map[string]any{"query": ""},
	})
	if err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}
	if !result.IsError {
		t.Error("Expected a tool error for an empty query")
	}
}
