// Package prompts implements MCP prompt handlers.
//
// MCP prompts are user-triggered workflows (like slash commands) that
// instruct the AI to execute a specific sequence of tool calls. Unlike
// tools (which the AI calls), prompts are initiated by the user.
package prompts

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// StartPrompt handles the osiris-start MCP prompt.
// It walks the AI from connections to a validated pipeline draft.
type StartPrompt struct{}

// NewStartPrompt creates a StartPrompt.
func NewStartPrompt() *StartPrompt {
	return &StartPrompt{}
}

// Definition returns the MCP prompt definition for registration.
func (p *StartPrompt) Definition() mcp.Prompt {
	return mcp.NewPrompt("osiris-start",
		mcp.WithPromptDescription(
			"Build a data pipeline with Osiris. "+
				"Lists your connections, discovers the source schema, drafts an OML pipeline "+
				"and validates it before saving.",
		),
		mcp.WithArgument("intent",
			mcp.ArgumentDescription("What the pipeline should do, e.g. 'copy yesterday's orders from MySQL to DuckDB'"),
		),
		mcp.WithArgument("connection",
			mcp.ArgumentDescription("Source connection if already known, e.g. @mysql.default"),
		),
	)
}

// Handle processes the osiris-start prompt request.
func (p *StartPrompt) Handle(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	intent := argument(req, "intent")
	connection := argument(req, "connection")

	var b strings.Builder
	if intent != "" {
		fmt.Fprintf(&b, "I want to build a data pipeline: %s\n\n", intent)
	} else {
		b.WriteString("I want to build a data pipeline. Ask me what it should do before calling any tool.\n\n")
	}
	b.WriteString("Please:\n")
	if connection != "" {
		fmt.Fprintf(&b, "1. Run `connections_doctor` with connection_id='%s' to confirm it works\n", connection)
		fmt.Fprintf(&b, "2. Run `discovery_request` with connection_id='%s' and read the overview and tables resources it returns\n", connection)
	} else {
		b.WriteString("1. Run `connections_list` and ask me which connection is the source\n")
		b.WriteString("2. Run `discovery_request` for that connection and read the overview and tables resources it returns\n")
	}
	b.WriteString("3. Run `oml_schema_get`, then draft the OML document using only tables and columns that discovery found\n")
	b.WriteString("4. Run `oml_validate` and fix every diagnostic until it passes\n")
	b.WriteString("5. Run `oml_save` and give me the draft URI\n\n")
	b.WriteString("Never ask me for passwords or keys: connections are resolved outside this conversation. ")
	b.WriteString("Only call `memory_capture` after I explicitly agree to store something.")

	description := "Start an Osiris pipeline"
	if intent != "" {
		description += ": " + intent
	}
	return &mcp.GetPromptResult{
		Description: description,
		Messages: []mcp.PromptMessage{
			{
				Role:    mcp.RoleUser,
				Content: mcp.NewTextContent(b.String()),
			},
		},
	}, nil
}

func argument(req mcp.GetPromptRequest, key string) string {
	if args := req.Params.Arguments; args != nil {
		return strings.TrimSpace(args[key])
	}
	return ""
}
