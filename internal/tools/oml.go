package tools

import (
	"context"
	_ "embed"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/keboola/osiris-sub007/internal/bridge"
	"github.com/keboola/osiris-sub007/internal/drafts"
	"github.com/keboola/osiris-sub007/internal/fingerprint"
	"github.com/keboola/osiris-sub007/internal/resolver"
)

// OMLVersion is the document version the embedded schema describes.
const OMLVersion = "0.1.0"

//go:embed oml_schema.json
var omlSchema []byte

// OMLSchema returns the embedded OML JSON schema.
func OMLSchema() []byte { return omlSchema }

// OMLSchemaGetTool handles the oml_schema_get tool.
type OMLSchemaGetTool struct{}

// NewOMLSchemaGetTool creates an OMLSchemaGetTool.
func NewOMLSchemaGetTool() *OMLSchemaGetTool {
	return &OMLSchemaGetTool{}
}

// Definition returns the MCP tool definition for oml_schema_get.
func (t *OMLSchemaGetTool) Definition() mcp.Tool {
	return mcp.NewTool("oml_schema_get",
		mcp.WithDescription("Return the JSON schema of OML pipeline documents. Read it before drafting a pipeline."),
	)
}

// Handle processes the oml_schema_get tool call.
func (t *OMLSchemaGetTool) Handle(ctx context.Context, args Args) (map[string]any, error) {
	var schema map[string]any
	if err := json.Unmarshal(omlSchema, &schema); err != nil {
		return nil, err
	}
	return map[string]any{
		"version":     OMLVersion,
		"schema":      schema,
		"fingerprint": fingerprint.Sum(fingerprint.SchemaDomain, omlSchema),
	}, nil
}

// OMLValidateTool handles the oml_validate tool. Syntax is checked
// locally; semantic validation is delegated.
type OMLValidateTool struct {
	bridge Delegator
}

// NewOMLValidateTool creates an OMLValidateTool.
func NewOMLValidateTool(b Delegator) *OMLValidateTool {
	return &OMLValidateTool{bridge: b}
}

// Definition returns the MCP tool definition for oml_validate.
func (t *OMLValidateTool) Definition() mcp.Tool {
	return mcp.NewTool("oml_validate",
		mcp.WithDescription(
			"Validate an OML pipeline document: YAML syntax, schema, connection references and component configs. "+
				"Fix every reported diagnostic and validate again before saving.",
		),
		mcp.WithString("oml",
			mcp.Required(),
			mcp.Description("The OML document as YAML text"),
		),
		mcp.WithBoolean("strict",
			mcp.Description("Treat lint warnings as errors (default false)"),
		),
	)
}

// Handle processes the oml_validate tool call.
func (t *OMLValidateTool) Handle(ctx context.Context, args Args) (map[string]any, error) {
	doc, err := args.RequiredString("oml")
	if err != nil {
		return nil, err
	}
	if _, err := drafts.Parse([]byte(doc)); err != nil {
		return nil, err
	}
	argv := []string{"oml", "validate", "--stdin"}
	if args.Bool("strict", false) {
		argv = append(argv, "--strict")
	}
	out, err := t.bridge.Run(ctx, bridge.Invocation{
		Tool:  "oml_validate",
		Args:  argv,
		Stdin: []byte(doc),
	})
	if err != nil {
		return nil, err
	}
	if _, ok := out["valid"]; !ok {
		diags, _ := out["diagnostics"].([]any)
		out["valid"] = len(diags) == 0
	}
	return out, nil
}

// OMLSaveTool handles the oml_save tool.
type OMLSaveTool struct {
	drafts   *drafts.Store
	resolver *resolver.Resolver
}

// NewOMLSaveTool creates an OMLSaveTool.
func NewOMLSaveTool(d *drafts.Store, r *resolver.Resolver) *OMLSaveTool {
	return &OMLSaveTool{drafts: d, resolver: r}
}

// Definition returns the MCP tool definition for oml_save.
func (t *OMLSaveTool) Definition() mcp.Tool {
	return mcp.NewTool("oml_save",
		mcp.WithDescription(
			"Save an OML document as a draft and return its resource URI. "+
				"Saving identical content again returns the same draft.",
		),
		mcp.WithString("oml",
			mcp.Required(),
			mcp.Description("The OML document as YAML text"),
		),
		mcp.WithString("name",
			mcp.Description("Draft name (default: the document's name field)"),
		),
	)
}

// Handle processes the oml_save tool call.
func (t *OMLSaveTool) Handle(ctx context.Context, args Args) (map[string]any, error) {
	doc, err := args.RequiredString("oml")
	if err != nil {
		return nil, err
	}
	d, err := t.drafts.Save(args.String("name", ""), []byte(doc))
	if err != nil {
		return nil, err
	}
	uri, err := t.resolver.DraftURI(d.Filename)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"filename":    d.Filename,
		"uri":         uri,
		"size":        d.Size,
		"fingerprint": d.Fingerprint,
	}, nil
}
