package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/memquest/memquest/pkg/memory"
)

// NewMCPServer builds a stdio-servable MCP server exposing the memory
// plane as two tools, so agent runtimes can search and record memories
// without speaking the HTTP surface.
func NewMCPServer(version string, adapter memory.Adapter) *mcpserver.MCPServer {
	s := mcpserver.NewMCPServer(
		"memquest",
		version,
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithRecovery(),
	)

	searchTool := mcp.NewTool("memory_search",
		mcp.WithDescription("Search the user's long-term memory for facts relevant to a query."),
		mcp.WithString("query", mcp.Required(),
			mcp.Description("What to look for, in natural language.")),
		mcp.WithString("user_id", mcp.Required(),
			mcp.Description("User whose memories to search.")),
		mcp.WithString("tenant_id",
			mcp.Description("Tenant scope for the search.")),
		mcp.WithNumber("k",
			mcp.Description("Maximum number of results.")),
	)
	s.AddTool(searchTool, searchHandler(adapter))

	storeTool := mcp.NewTool("memory_store",
		mcp.WithDescription("Record a fact in the user's long-term memory. Ingestion is asynchronous."),
		mcp.WithString("text", mcp.Required(),
			mcp.Description("The fact to remember.")),
		mcp.WithString("user_id", mcp.Required(),
			mcp.Description("User the fact belongs to.")),
		mcp.WithString("tenant_id",
			mcp.Description("Tenant scope for the fact.")),
		mcp.WithString("agent_id",
			mcp.Description("Agent that produced the fact.")),
		mcp.WithString("tags",
			mcp.Description("Comma-separated tags, e.g. \"preference,fact\".")),
	)
	s.AddTool(storeTool, storeHandler(adapter))

	return s
}

// ServeMCPStdio blocks serving the MCP server on stdin/stdout.
func ServeMCPStdio(s *mcpserver.MCPServer) error {
	return mcpserver.ServeStdio(s)
}

func searchHandler(adapter memory.Adapter) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := request.RequireString("query")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		userID, err := request.RequireString("user_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		hits := adapter.Retrieve(ctx, memory.QueryContext{
			Text:     query,
			UserID:   userID,
			TenantID: request.GetString("tenant_id", ""),
		}, request.GetInt("k", 0))

		if len(hits) == 0 {
			return mcp.NewToolResultText("No relevant memories found."), nil
		}
		payload, err := json.MarshalIndent(hits, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to encode hits: %v", err)), nil
		}
		return mcp.NewToolResultText(string(payload)), nil
	}
}

func storeHandler(adapter memory.Adapter) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := request.RequireString("text")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		userID, err := request.RequireString("user_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		event := memory.MemoryEvent{
			UserID:   userID,
			TenantID: request.GetString("tenant_id", ""),
			AgentID:  request.GetString("agent_id", ""),
			Text:     text,
			Tags:     splitTags(request.GetString("tags", "")),
		}
		if accepted := adapter.EnqueueWrite(&event); !accepted {
			return mcp.NewToolResultText("Memory write not accepted (ingestion disabled or overloaded)."), nil
		}
		return mcp.NewToolResultText("Memory accepted for ingestion."), nil
	}
}

func splitTags(raw string) []string {
	if raw == "" {
		return nil
	}
	var tags []string
	for _, tag := range strings.Split(raw, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}
