package server

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memquest/memquest/pkg/memory"
)

func callToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func textContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content")
	return text.Text
}

func TestMCPSearchTool(t *testing.T) {
	adapter := &stubAdapter{hits: []memory.MemoryHit{
		{ID: "1", Snippet: "User prefers aisle seats", Score: 0.8, Source: "hybrid"},
	}}
	handler := searchHandler(adapter)

	result, err := handler(context.Background(), callToolRequest("memory_search", map[string]interface{}{
		"query":     "seat preferences",
		"user_id":   "u1",
		"tenant_id": "t1",
		"k":         float64(3),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	body := textContent(t, result)
	assert.Contains(t, body, "User prefers aisle seats")
	assert.Equal(t, "seat preferences", adapter.lastQuery.Text)
	assert.Equal(t, "u1", adapter.lastQuery.UserID)
	assert.Equal(t, "t1", adapter.lastQuery.TenantID)
	assert.Equal(t, 3, adapter.lastK)
}

func TestMCPSearchToolRequiresArgs(t *testing.T) {
	handler := searchHandler(&stubAdapter{})

	result, err := handler(context.Background(), callToolRequest("memory_search", map[string]interface{}{
		"query": "no user",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestMCPSearchToolEmptyResult(t *testing.T) {
	handler := searchHandler(&stubAdapter{})

	result, err := handler(context.Background(), callToolRequest("memory_search", map[string]interface{}{
		"query":   "anything",
		"user_id": "u1",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, "No relevant memories found.", textContent(t, result))
}

func TestMCPStoreTool(t *testing.T) {
	adapter := &stubAdapter{accept: true}
	handler := storeHandler(adapter)

	result, err := handler(context.Background(), callToolRequest("memory_store", map[string]interface{}{
		"text":    "User's birthday is in March",
		"user_id": "u1",
		"tags":    "fact, preference",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	require.NotNil(t, adapter.lastEvent)
	assert.Equal(t, "User's birthday is in March", adapter.lastEvent.Text)
	assert.Equal(t, []string{"fact", "preference"}, adapter.lastEvent.Tags)
}

func TestSplitTags(t *testing.T) {
	assert.Nil(t, splitTags(""))
	assert.Equal(t, []string{"a"}, splitTags("a"))
	assert.Equal(t, []string{"a", "b"}, splitTags(" a , b ,"))
}
