package tools

import (
	"context"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/keboola/osiris-sub007/internal/bridge"
)

// GuideStartTool handles the guide_start tool.
type GuideStartTool struct {
	bridge Delegator
}

// NewGuideStartTool creates a GuideStartTool.
func NewGuideStartTool(b Delegator) *GuideStartTool {
	return &GuideStartTool{bridge: b}
}

// Definition returns the MCP tool definition for guide_start.
func (t *GuideStartTool) Definition() mcp.Tool {
	return mcp.NewTool("guide_start",
		mcp.WithDescription(
			"Get the recommended next step for building a pipeline from a stated intent. "+
				"Pass the connections already known so the guide can skip listing them.",
		),
		mcp.WithString("intent",
			mcp.Required(),
			mcp.Description("What the user wants to build, in their words"),
		),
		mcp.WithArray("known_connections",
			mcp.Description("Connection references already identified, e.g. [\"@mysql.default\"]"),
			mcp.Items(map[string]any{"type": "string"}),
		),
	)
}

// Handle processes the guide_start tool call.
func (t *GuideStartTool) Handle(ctx context.Context, args Args) (map[string]any, error) {
	intent, err := args.RequiredString("intent")
	if err != nil {
		return nil, err
	}
	argv := []string{"guide", "start", "--intent", intent}
	if known := args.Strings("known_connections"); len(known) > 0 {
		argv = append(argv, "--known-connections", strings.Join(known, ","))
	}
	return t.bridge.Run(ctx, bridge.Invocation{Tool: "guide_start", Args: argv})
}

// UsecasesListTool handles the usecases_list tool.
type UsecasesListTool struct {
	bridge Delegator
}

// NewUsecasesListTool creates a UsecasesListTool.
func NewUsecasesListTool(b Delegator) *UsecasesListTool {
	return &UsecasesListTool{bridge: b}
}

// Definition returns the MCP tool definition for usecases_list.
func (t *UsecasesListTool) Definition() mcp.Tool {
	return mcp.NewTool("usecases_list",
		mcp.WithDescription("List pipeline use-case templates, optionally filtered by category."),
		mcp.WithString("category",
			mcp.Description("Category filter, e.g. etl, reporting"),
		),
	)
}

// Handle processes the usecases_list tool call.
func (t *UsecasesListTool) Handle(ctx context.Context, args Args) (map[string]any, error) {
	argv := []string{"usecases", "list"}
	if c := args.String("category", ""); c != "" {
		argv = append(argv, "--category", c)
	}
	out, err := t.bridge.Run(ctx, bridge.Invocation{Tool: "usecases_list", Args: argv})
	if err != nil {
		return nil, err
	}
	if items, ok := out["items"]; ok {
		if _, has := out["usecases"]; !has {
			out["usecases"] = items
			delete(out, "items")
		}
	}
	return out, nil
}
