package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/aransky/memoir/internal/storage"
)

// NewMCPServer exposes the memory service over MCP: storing documents,
// semantic search, and question answering share the same queue and query
// services as the HTTP surface.
func NewMCPServer(deps Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"memoir",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithInstructions("memoir: self-hosted semantic memory. Store free-form text into named collections and search them by meaning."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("store_memory",
			mcp.WithDescription("Store a piece of text into a collection for later semantic retrieval. Returns the background task id."),
			mcp.WithString("collection", mcp.Description("Collection name"), mcp.Required()),
			mcp.WithString("content", mcp.Description("The text to store"), mcp.Required()),
		),
		mcpStoreMemory(deps),
	)

	s.AddTool(
		mcp.NewTool("search_memory",
			mcp.WithDescription("Semantically search a collection and return the most relevant text segments with scores."),
			mcp.WithString("collection", mcp.Description("Collection name"), mcp.Required()),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpSearchMemory(deps),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Answer a question about the given text. Returns JSON."),
			mcp.WithString("text", mcp.Description("The source text"), mcp.Required()),
			mcp.WithString("query", mcp.Description("The question to answer"), mcp.Required()),
		),
		mcpAsk(deps),
	)

	return s
}

func mcpStoreMemory(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		collection, err := req.RequireString("collection")
		if err != nil {
			return mcp.NewToolResultError("collection is required"), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcp.NewToolResultError("content is required"), nil
		}

		task, err := deps.Store.Enqueue(collection, storage.TaskIngest, storage.TaskPayload{Content: content})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to enqueue: %v", err)), nil
		}

		return mcp.NewToolResultText(fmt.Sprintf("Queued ingest task %d into collection %q", task.ID, collection)), nil
	}
}

func mcpSearchMemory(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		collection, err := req.RequireString("collection")
		if err != nil {
			return mcp.NewToolResultError("collection is required"), nil
		}
		queryText, err := req.RequireString("query")
		if err != nil {
			return mcp.NewToolResultError("query is required"), nil
		}

		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 50 {
			limit = 50
		}

		hits, err := deps.Query.Search(ctx, collection, queryText, limit)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
		}

		b, err := json.Marshal(hits)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcp.NewToolResultText(string(b)), nil
	}
}

func mcpAsk(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcp.NewToolResultError("text is required"), nil
		}
		queryText, err := req.RequireString("query")
		if err != nil {
			return mcp.NewToolResultError("query is required"), nil
		}

		result, err := deps.Ask(ctx, text, queryText, "")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("ask failed: %v", err)), nil
		}
		return mcp.NewToolResultText(string(result)), nil
	}
}
