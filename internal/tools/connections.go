package tools

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/keboola/osiris-sub007/internal/bridge"
	"github.com/keboola/osiris-sub007/internal/capability"
	"github.com/keboola/osiris-sub007/internal/errcode"
)

var connectionPattern = regexp.MustCompile(`^@[a-z][a-z0-9_]*\.[A-Za-z0-9_-]+$`)

// connectionRef normalizes a connection reference to "@family.alias".
func connectionRef(raw string) (string, error) {
	ref := strings.TrimSpace(raw)
	if !strings.HasPrefix(ref, "@") {
		ref = "@" + ref
	}
	if !connectionPattern.MatchString(ref) {
		return "", errcode.New(errcode.InvalidReference, "connection id must look like @family.alias").
			WithDetail("field", "connection_id").
			WithDetail("value", raw)
	}
	return ref, nil
}

// ConnectionsListTool handles the connections_list tool.
type ConnectionsListTool struct {
	bridge Delegator
}

// NewConnectionsListTool creates a ConnectionsListTool.
func NewConnectionsListTool(b Delegator) *ConnectionsListTool {
	return &ConnectionsListTool{bridge: b}
}

// Definition returns the MCP tool definition for connections_list.
func (t *ConnectionsListTool) Definition() mcp.Tool {
	return mcp.NewTool("connections_list",
		mcp.WithDescription(
			"List the configured data connections (family and alias, with secrets masked). "+
				"Start here: every discovery and pipeline step refers to a connection as @family.alias.",
		),
	)
}

// Handle processes the connections_list tool call.
func (t *ConnectionsListTool) Handle(ctx context.Context, args Args) (map[string]any, error) {
	out, err := t.bridge.Run(ctx, bridge.Invocation{
		Tool: "connections_list",
		Args: []string{"connections", "list"},
	})
	if err != nil {
		return nil, err
	}
	conns := normalizeConnections(out)
	result := map[string]any{
		"connections": conns,
		"count":       len(conns),
	}
	for k, v := range out {
		if k != "connections" && k != "items" {
			result[k] = v
		}
	}
	return result, nil
}

// normalizeConnections always yields a list, whatever shape the command
// printed: a list under "connections" or "items", or a map keyed by
// reference.
func normalizeConnections(out map[string]any) []any {
	raw, ok := out["connections"]
	if !ok {
		raw = out["items"]
	}
	switch v := raw.(type) {
	case []any:
		return v
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		list := make([]any, 0, len(keys))
		for _, k := range keys {
			item, ok := v[k].(map[string]any)
			if !ok {
				item = map[string]any{"value": v[k]}
			}
			if _, has := item["id"]; !has {
				item["id"] = k
			}
			list = append(list, item)
		}
		return list
	}
	return []any{}
}

// ConnectionsDoctorTool handles the connections_doctor tool.
type ConnectionsDoctorTool struct {
	bridge       Delegator
	capabilities *capability.Registry
}

// NewConnectionsDoctorTool creates a ConnectionsDoctorTool.
func NewConnectionsDoctorTool(b Delegator, reg *capability.Registry) *ConnectionsDoctorTool {
	return &ConnectionsDoctorTool{bridge: b, capabilities: reg}
}

// Definition returns the MCP tool definition for connections_doctor.
func (t *ConnectionsDoctorTool) Definition() mcp.Tool {
	return mcp.NewTool("connections_doctor",
		mcp.WithDescription(
			"Diagnose one connection: resolves its configuration in the delegated process and reports "+
				"reachability and authentication checks. Use when discovery fails for a connection.",
		),
		mcp.WithString("connection_id",
			mcp.Required(),
			mcp.Description("Connection reference, e.g. @mysql.default"),
		),
	)
}

// Handle processes the connections_doctor tool call.
func (t *ConnectionsDoctorTool) Handle(ctx context.Context, args Args) (map[string]any, error) {
	raw, err := args.RequiredString("connection_id")
	if err != nil {
		return nil, err
	}
	ref, err := connectionRef(raw)
	if err != nil {
		return nil, err
	}
	out, err := t.bridge.Run(ctx, bridge.Invocation{
		Tool: "connections_doctor",
		Args: []string{"connections", "doctor", "--connection-id", ref},
	})
	if err != nil {
		return nil, err
	}
	out["connection_id"] = ref
	if t.capabilities != nil {
		family := capability.FamilyOf(ref)
		if spec, ok := t.capabilities.Lookup(family); ok {
			out["family"] = family
			out["capabilities"] = spec.Capabilities
		}
	}
	return out, nil
}
