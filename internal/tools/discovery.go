package tools

import (
	"context"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/keboola/osiris-sub007/internal/bridge"
	"github.com/keboola/osiris-sub007/internal/cache"
	"github.com/keboola/osiris-sub007/internal/capability"
	"github.com/keboola/osiris-sub007/internal/errcode"
	"github.com/keboola/osiris-sub007/internal/resolver"
	"github.com/keboola/osiris-sub007/internal/telemetry"
)

const (
	defaultSamples = 10
	maxSamples     = 1000
)

// DiscoveryRequestTool handles the discovery_request tool. Results are
// cached per connection, options and capability schema; the payload is
// exposed through resource URIs rather than inlined.
type DiscoveryRequestTool struct {
	bridge       Delegator
	cache        *cache.Cache
	ttl          time.Duration
	resolver     *resolver.Resolver
	capabilities *capability.Registry
}

// NewDiscoveryRequestTool creates a DiscoveryRequestTool.
func NewDiscoveryRequestTool(b Delegator, c *cache.Cache, ttl time.Duration, r *resolver.Resolver, reg *capability.Registry) *DiscoveryRequestTool {
	return &DiscoveryRequestTool{bridge: b, cache: c, ttl: ttl, resolver: r, capabilities: reg}
}

// Definition returns the MCP tool definition for discovery_request.
func (t *DiscoveryRequestTool) Definition() mcp.Tool {
	return mcp.NewTool("discovery_request",
		mcp.WithDescription(
			"Discover the schema of a connection (tables, columns, sample rows). "+
				"Returns a discovery_id and resource URIs for the overview, tables and samples; "+
				"read those resources instead of asking for the data inline. Results are cached.",
		),
		mcp.WithString("connection_id",
			mcp.Required(),
			mcp.Description("Connection reference, e.g. @postgres.main"),
		),
		mcp.WithString("component",
			mcp.Description("Extractor component to discover with (default: the family's extractor)"),
		),
		mcp.WithNumber("samples",
			mcp.Description("Sample rows per table (0-1000, default 10)"),
			mcp.Min(0),
			mcp.Max(maxSamples),
		),
		mcp.WithBoolean("use_cache",
			mcp.Description("Reuse a cached discovery when one matches (default true)"),
		),
	)
}

// Handle processes the discovery_request tool call.
func (t *DiscoveryRequestTool) Handle(ctx context.Context, args Args) (map[string]any, error) {
	raw, err := args.RequiredString("connection_id")
	if err != nil {
		return nil, err
	}
	ref, err := connectionRef(raw)
	if err != nil {
		return nil, err
	}
	component := args.String("component", "")
	samples := args.Int("samples", defaultSamples)
	if samples < 0 || samples > maxSamples {
		return nil, errcode.New(errcode.InvalidArgs, "samples must be between 0 and 1000").
			WithDetail("field", "samples")
	}

	in := cache.KeyInputs{
		Operation:         "discovery",
		Target:            ref,
		Options:           map[string]any{"component": component, "samples": samples},
		SchemaFingerprint: t.capabilities.Fingerprint(capability.FamilyOf(ref)),
	}
	run := func(ctx context.Context) (map[string]any, error) {
		argv := []string{"discovery", "run", "--connection-id", ref}
		if component != "" {
			argv = append(argv, "--component", component)
		}
		argv = append(argv, "--samples", strconv.Itoa(samples))
		return t.bridge.Run(ctx, bridge.Invocation{Tool: "discovery_request", Args: argv})
	}

	var (
		entry cache.Entry
		hit   bool
	)
	if args.Bool("use_cache", true) {
		entry, hit, err = t.cache.Fetch(ctx, in, t.ttl, run)
	} else {
		var payload map[string]any
		if payload, err = run(ctx); err == nil {
			entry, err = t.cache.Store(in, payload, t.ttl)
		}
	}
	if err != nil {
		return nil, err
	}
	telemetry.NoteCache(ctx, hit)

	uris, err := t.resolver.DiscoveryURIs(entry.ID)
	if err != nil {
		return nil, err
	}
	result := map[string]any{
		"discovery_id":  entry.ID,
		"connection_id": ref,
		"cached":        hit,
		"uris":          uris,
		"created_at":    entry.CreatedAt.Format(time.RFC3339),
		"expires_at":    entry.ExpiresAt().Format(time.RFC3339),
	}
	if tables, ok := entry.Payload["tables"].([]any); ok {
		result["table_count"] = len(tables)
	}
	if summary, ok := entry.Payload["summary"]; ok {
		result["summary"] = summary
	}
	return result, nil
}
