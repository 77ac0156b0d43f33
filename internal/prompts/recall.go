package prompts

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// RecallPrompt handles the osiris-recall MCP prompt.
// It instructs the AI to search captured memory before starting work.
type RecallPrompt struct{}

// NewRecallPrompt creates a RecallPrompt.
func NewRecallPrompt() *RecallPrompt {
	return &RecallPrompt{}
}

// Definition returns the MCP prompt definition for registration.
func (p *RecallPrompt) Definition() mcp.Prompt {
	return mcp.NewPrompt("osiris-recall",
		mcp.WithPromptDescription(
			"Recall what earlier sessions captured: decisions, discoveries and preferences "+
				"relevant to a topic.",
		),
		mcp.WithArgument("topic",
			mcp.ArgumentDescription("What to recall, e.g. 'orders pipeline'"),
		),
		mcp.WithArgument("session_id",
			mcp.ArgumentDescription("Limit to one session"),
		),
	)
}

// Handle processes the osiris-recall prompt request.
func (p *RecallPrompt) Handle(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	topic := argument(req, "topic")
	session := argument(req, "session_id")

	search := "Run `memory_search`"
	if topic != "" {
		search += fmt.Sprintf(" with query='%s'", topic)
	} else {
		search += " with an empty query to get the most recent records"
	}
	if session != "" {
		search += fmt.Sprintf(" and session_id='%s'", session)
	}

	return &mcp.GetPromptResult{
		Description: "Recall captured memory",
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.NewTextContent(
					search + ".\n\n" +
						"Then:\n" +
						"1. Summarize the decisions and preferences that still apply\n" +
						"2. List discoveries that may be stale and suggest re-running `discovery_request` for them\n" +
						"3. Point out open issues I should decide on next",
				),
			},
		},
	}, nil
}
