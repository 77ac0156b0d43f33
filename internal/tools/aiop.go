package tools

import (
	"context"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/keboola/osiris-sub007/internal/bridge"
	"github.com/keboola/osiris-sub007/internal/errcode"
)

const maxAIOPList = 200

// AIOPListTool handles the aiop_list tool: the AI operation packages
// produced by past pipeline runs.
type AIOPListTool struct {
	bridge Delegator
}

// NewAIOPListTool creates an AIOPListTool.
func NewAIOPListTool(b Delegator) *AIOPListTool {
	return &AIOPListTool{bridge: b}
}

// Definition returns the MCP tool definition for aiop_list.
func (t *AIOPListTool) Definition() mcp.Tool {
	return mcp.NewTool("aiop_list",
		mcp.WithDescription("List AI operation packages (run summaries) from past pipeline runs, newest first."),
		mcp.WithString("pipeline",
			mcp.Description("Only runs of this pipeline"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum runs to return (1-200, default 20)"),
			mcp.Min(1),
			mcp.Max(maxAIOPList),
		),
	)
}

// Handle processes the aiop_list tool call.
func (t *AIOPListTool) Handle(ctx context.Context, args Args) (map[string]any, error) {
	argv := []string{"aiop", "list"}
	if p := args.String("pipeline", ""); p != "" {
		argv = append(argv, "--pipeline", p)
	}
	limit := args.Int("limit", 20)
	if limit < 1 || limit > maxAIOPList {
		return nil, errcode.New(errcode.InvalidArgs, "limit must be between 1 and 200").
			WithDetail("field", "limit")
	}
	argv = append(argv, "--limit", strconv.Itoa(limit))

	out, err := t.bridge.Run(ctx, bridge.Invocation{Tool: "aiop_list", Args: argv})
	if err != nil {
		return nil, err
	}
	if items, ok := out["items"]; ok {
		if _, has := out["runs"]; !has {
			out["runs"] = items
			delete(out, "items")
		}
	}
	return out, nil
}

// AIOPShowTool handles the aiop_show tool.
type AIOPShowTool struct {
	bridge Delegator
}

// NewAIOPShowTool creates an AIOPShowTool.
func NewAIOPShowTool(b Delegator) *AIOPShowTool {
	return &AIOPShowTool{bridge: b}
}

// Definition returns the MCP tool definition for aiop_show.
func (t *AIOPShowTool) Definition() mcp.Tool {
	return mcp.NewTool("aiop_show",
		mcp.WithDescription("Show the AI operation package of one run: evidence, semantics and narrative."),
		mcp.WithString("run_id",
			mcp.Required(),
			mcp.Description("Run identifier from aiop_list"),
		),
	)
}

// Handle processes the aiop_show tool call.
func (t *AIOPShowTool) Handle(ctx context.Context, args Args) (map[string]any, error) {
	runID, err := args.RequiredString("run_id")
	if err != nil {
		return nil, err
	}
	return t.bridge.Run(ctx, bridge.Invocation{
		Tool: "aiop_show",
		Args: []string{"aiop", "show", "--run", runID},
	})
}
