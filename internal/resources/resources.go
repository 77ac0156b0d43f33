// Package resources implements MCP resource handlers over the resolver.
//
// Resources provide read-only data the host can consume for context:
// discovery artifacts, captured session memory and OML drafts, each
// addressed as osiris://mcp/<type>/<path>, plus one index.json listing
// per type.
package resources

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/keboola/osiris-sub007/internal/errcode"
	"github.com/keboola/osiris-sub007/internal/resolver"
)

// DiscoveryIndex reports whether a discovery id is still live. Expired
// discoveries are neither listed nor readable.
type DiscoveryIndex interface {
	Live(id string) bool
}

// Handler manages resource endpoints.
type Handler struct {
	resolver  *resolver.Resolver
	discovery DiscoveryIndex
}

// NewHandler creates a resource Handler with its dependencies. A nil
// discovery index serves whatever is on disk.
func NewHandler(r *resolver.Resolver, discovery DiscoveryIndex) *Handler {
	return &Handler{resolver: r, discovery: discovery}
}

// IndexURI is the listing resource of typ.
func IndexURI(typ resolver.Type) string {
	return resolver.Prefix + string(typ) + "/index.json"
}

// IndexResources returns one listing resource per type.
func (h *Handler) IndexResources() []mcp.Resource {
	out := make([]mcp.Resource, 0, len(resolver.Types))
	for _, typ := range resolver.Types {
		out = append(out, mcp.NewResource(
			IndexURI(typ),
			fmt.Sprintf("Osiris %s index", typ),
			mcp.WithResourceDescription(fmt.Sprintf("Every %s resource, sorted by identifier", typ)),
			mcp.WithMIMEType("application/json"),
		))
	}
	return out
}

// Templates returns the URI templates of addressable artifacts.
func (h *Handler) Templates() []mcp.ResourceTemplate {
	return []mcp.ResourceTemplate{
		mcp.NewResourceTemplate(
			resolver.Prefix+"discovery/{discovery_id}/{artifact}",
			"Discovery artifact",
			mcp.WithTemplateDescription("overview.json, tables.json or samples.json of one discovery"),
			mcp.WithTemplateMIMEType("application/json"),
		),
		mcp.NewResourceTemplate(
			resolver.Prefix+"memory/sessions/{session}",
			"Session memory",
			mcp.WithTemplateDescription("Captured records of one session, one JSON object per line"),
			mcp.WithTemplateMIMEType("application/x-ndjson"),
		),
		mcp.NewResourceTemplate(
			resolver.Prefix+"drafts/oml/{filename}",
			"OML draft",
			mcp.WithTemplateDescription("A saved OML pipeline draft"),
			mcp.WithTemplateMIMEType("application/yaml"),
		),
	}
}

// HandleIndex returns the listing of the type named in the URI.
func (h *Handler) HandleIndex(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	uri := req.Params.URI
	var typ resolver.Type
	for _, t := range resolver.Types {
		if uri == IndexURI(t) {
			typ = t
		}
	}
	if typ == "" {
		return nil, fmt.Errorf("unknown index resource %s", uri)
	}
	entries, err := h.resolver.List(typ)
	if err != nil {
		return nil, err
	}
	if typ == resolver.Discovery {
		entries = h.liveOnly(entries)
	}
	data, err := json.MarshalIndent(map[string]any{
		"type":    typ,
		"count":   len(entries),
		"entries": entries,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling index: %w", err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// HandleRead resolves one artifact URI.
func (h *Handler) HandleRead(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	uri := req.Params.URI
	typ, identifier, err := resolver.Parse(uri)
	if err != nil {
		return nil, err
	}
	if typ == resolver.Discovery && !h.live(identifier) {
		return nil, errcode.New(errcode.ResourceNotFound, uri).WithDetail("uri", uri)
	}
	data, err := h.resolver.Resolve(uri)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: mimeType(uri),
			Text:     string(data),
		},
	}, nil
}

// live checks the discovery id of a discovery identifier.
func (h *Handler) live(identifier string) bool {
	if h.discovery == nil {
		return true
	}
	id, _, _ := strings.Cut(identifier, "/")
	return h.discovery.Live(id)
}

func (h *Handler) liveOnly(entries []resolver.Entry) []resolver.Entry {
	out := entries[:0]
	for _, e := range entries {
		if h.live(e.Identifier) {
			out = append(out, e)
		}
	}
	return out
}

func mimeType(uri string) string {
	switch path.Ext(uri) {
	case ".json":
		return "application/json"
	case ".jsonl":
		return "application/x-ndjson"
	case ".yaml", ".yml":
		return "application/yaml"
	}
	return "text/plain"
}
