package prompts

import (
	"context"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
)

func makePromptReq(args map[string]string) mcp.GetPromptRequest {
	req := mcp.GetPromptRequest{}
	req.Params.Arguments = args
	return req
}

func promptText(t *testing.T, res *mcp.GetPromptResult) string {
	t.Helper()
	if len(res.Messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(res.Messages))
	}
	tc, ok := res.Messages[0].Content.(mcp.TextContent)
	if !ok {
		t.Fatalf("content = %T", res.Messages[0].Content)
	}
	return tc.Text
}

func TestStartPrompt_Definition(t *testing.T) {
	def := NewStartPrompt().Definition()
	if def.Name != "osiris-start" {
		t.Errorf("name = %q", def.Name)
	}
	if len(def.Arguments) != 2 {
		t.Errorf("arguments = %d, want 2", len(def.Arguments))
	}
}

func TestStartPrompt_WalksTheToolSequence(t *testing.T) {
	res, err := NewStartPrompt().Handle(context.Background(), makePromptReq(nil))
	if err != nil {
		t.Fatal(err)
	}
	text := promptText(t, res)
	order := []string{"connections_list", "discovery_request", "oml_schema_get", "oml_validate", "oml_save"}
	last := -1
	for _, tool := range order {
		i := strings.Index(text, "`"+tool+"`")
		if i < 0 {
			t.Fatalf("prompt does not mention %s", tool)
		}
		if i < last {
			t.Errorf("%s appears out of order", tool)
		}
		last = i
	}
}

func TestStartPrompt_KnownConnection(t *testing.T) {
	res, err := NewStartPrompt().Handle(context.Background(), makePromptReq(map[string]string{
		"intent":     "copy orders",
		"connection": "@mysql.default",
	}))
	if err != nil {
		t.Fatal(err)
	}
	text := promptText(t, res)
	if strings.Contains(text, "`connections_list`") {
		t.Error("a known connection should skip connections_list")
	}
	if !strings.Contains(text, "connection_id='@mysql.default'") || !strings.Contains(res.Description, "copy orders") {
		t.Errorf("prompt = %s / %s", res.Description, text)
	}
}

func TestRecallPrompt(t *testing.T) {
	res, err := NewRecallPrompt().Handle(context.Background(), makePromptReq(map[string]string{
		"topic":      "orders",
		"session_id": "chat-1",
	}))
	if err != nil {
		t.Fatal(err)
	}
	text := promptText(t, res)
	if !strings.Contains(text, "query='orders'") || !strings.Contains(text, "session_id='chat-1'") {
		t.Errorf("prompt = %s", text)
	}
}
