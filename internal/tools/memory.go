package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/keboola/osiris-sub007/internal/memory"
	"github.com/keboola/osiris-sub007/internal/resolver"
)

// MemoryCaptureTool handles the memory_capture tool. It is consent-gated
// by the dispatcher before Handle runs.
type MemoryCaptureTool struct {
	store    *memory.Store
	resolver *resolver.Resolver
}

// NewMemoryCaptureTool creates a MemoryCaptureTool.
func NewMemoryCaptureTool(s *memory.Store, r *resolver.Resolver) *MemoryCaptureTool {
	return &MemoryCaptureTool{store: s, resolver: r}
}

// Definition returns the MCP tool definition for memory_capture.
func (t *MemoryCaptureTool) Definition() mcp.Tool {
	return mcp.NewTool("memory_capture",
		mcp.WithDescription(
			"Capture a note from this session into persistent memory (decisions, discoveries, user preferences). "+
				"Requires consent: true, given only after the user agreed. Secrets and personal data are masked before storage.",
		),
		mcp.WithBoolean("consent",
			mcp.Required(),
			mcp.Description("Must be true: the user agreed to store this"),
		),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session identifier ([A-Za-z0-9._-])"),
		),
		mcp.WithString("content",
			mcp.Required(),
			mcp.Description("What to remember"),
		),
		mcp.WithString("title",
			mcp.Description("Short, searchable title"),
		),
		mcp.WithString("kind",
			mcp.Description("note (default), decision, discovery, preference, issue or summary"),
			mcp.Enum(memory.Kinds...),
		),
		mcp.WithArray("tags",
			mcp.Description("Tags for filtering"),
			mcp.Items(map[string]any{"type": "string"}),
		),
		mcp.WithObject("data",
			mcp.Description("Structured context, e.g. the connection and tables involved"),
		),
	)
}

// Handle processes the memory_capture tool call.
func (t *MemoryCaptureTool) Handle(ctx context.Context, args Args) (map[string]any, error) {
	sessionID, err := args.RequiredString("session_id")
	if err != nil {
		return nil, err
	}
	content, err := args.RequiredString("content")
	if err != nil {
		return nil, err
	}
	res, err := t.store.Capture(memory.CaptureParams{
		SessionID: sessionID,
		Kind:      args.String("kind", ""),
		Title:     args.String("title", ""),
		Content:   content,
		Tags:      args.Strings("tags"),
		Data:      args.Map("data"),
	})
	if err != nil {
		return nil, err
	}
	uri, err := t.resolver.SessionURI(sessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":          res.Record.ID,
		"session_id":  res.Record.SessionID,
		"kind":        res.Record.Kind,
		"duplicate":   res.Duplicate,
		"captured_at": res.Record.CapturedAt,
		"uri":         uri,
	}, nil
}

// MemorySearchTool handles the memory_search tool.
type MemorySearchTool struct {
	store *memory.Store
}

// NewMemorySearchTool creates a MemorySearchTool.
func NewMemorySearchTool(s *memory.Store) *MemorySearchTool {
	return &MemorySearchTool{store: s}
}

// Definition returns the MCP tool definition for memory_search.
func (t *MemorySearchTool) Definition() mcp.Tool {
	return mcp.NewTool("memory_search",
		mcp.WithDescription(
			"Search captured memory with full-text search. An empty query returns the most recent records.",
		),
		mcp.WithString("query",
			mcp.Description("Search words"),
		),
		mcp.WithString("session_id",
			mcp.Description("Only this session"),
		),
		mcp.WithString("kind",
			mcp.Description("Only this kind"),
			mcp.Enum(memory.Kinds...),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum results (default 10)"),
			mcp.Min(1),
		),
	)
}

// Handle processes the memory_search tool call.
func (t *MemorySearchTool) Handle(ctx context.Context, args Args) (map[string]any, error) {
	results, err := t.store.Search(args.String("query", ""), memory.SearchOptions{
		SessionID: args.String("session_id", ""),
		Kind:      args.String("kind", ""),
		Limit:     args.Int("limit", 10),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"results": results,
		"count":   len(results),
	}, nil
}
