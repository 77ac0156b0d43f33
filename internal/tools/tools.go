// Package tools implements the fixed tool catalog.
//
// Each tool is a struct with its dependencies injected via constructor:
// Definition() returns the mcp.Tool schema and Handle() processes one call.
// Handlers return a result map or an error; the dispatcher owns the
// response envelope, guards and audit.
package tools

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/keboola/osiris-sub007/internal/bridge"
	"github.com/keboola/osiris-sub007/internal/cache"
	"github.com/keboola/osiris-sub007/internal/capability"
	"github.com/keboola/osiris-sub007/internal/drafts"
	"github.com/keboola/osiris-sub007/internal/memory"
	"github.com/keboola/osiris-sub007/internal/resolver"
)

// Tool is one entry of the catalog.
type Tool interface {
	Definition() mcp.Tool
	Handle(ctx context.Context, args Args) (map[string]any, error)
}

// Delegator runs a delegated invocation. *bridge.Bridge implements it.
type Delegator interface {
	Run(ctx context.Context, inv bridge.Invocation) (map[string]any, error)
}

// Deps are the shared services tools are built from.
type Deps struct {
	Bridge       Delegator
	Cache        *cache.Cache
	CacheTTL     time.Duration
	Resolver     *resolver.Resolver
	Capabilities *capability.Registry
	Memory       *memory.Store
	Drafts       *drafts.Store
}

// Catalog builds every tool in registration order.
func Catalog(d Deps) []Tool {
	return []Tool{
		NewConnectionsListTool(d.Bridge),
		NewConnectionsDoctorTool(d.Bridge, d.Capabilities),
		NewDiscoveryRequestTool(d.Bridge, d.Cache, d.CacheTTL, d.Resolver, d.Capabilities),
		NewOMLSchemaGetTool(),
		NewOMLValidateTool(d.Bridge),
		NewOMLSaveTool(d.Drafts, d.Resolver),
		NewGuideStartTool(d.Bridge),
		NewMemoryCaptureTool(d.Memory, d.Resolver),
		NewMemorySearchTool(d.Memory),
		NewUsecasesListTool(d.Bridge),
		NewAIOPListTool(d.Bridge),
		NewAIOPShowTool(d.Bridge),
	}
}

// InputSchema renders a tool's argument schema as a JSON Schema document.
func InputSchema(def mcp.Tool) map[string]any {
	props := def.InputSchema.Properties
	if props == nil {
		props = map[string]any{}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(def.InputSchema.Required) > 0 {
		schema["required"] = def.InputSchema.Required
	}
	return schema
}
