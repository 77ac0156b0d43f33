package resources

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/keboola/osiris-sub007/internal/errcode"
	"github.com/keboola/osiris-sub007/internal/resolver"
)

func makeReadReq(uri string) mcp.ReadResourceRequest {
	req := mcp.ReadResourceRequest{}
	req.Params.URI = uri
	return req
}

func write(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestHandler(t *testing.T) (*Handler, string) {
	t.Helper()
	root := t.TempDir()
	write(t, filepath.Join(root, "drafts", "oml", "b-pipeline.yaml"), "name: b\n")
	write(t, filepath.Join(root, "drafts", "oml", "a-pipeline.yaml"), "name: a\n")
	write(t, filepath.Join(root, "memory", "sessions", "chat-1.jsonl"), `{"id":"mem_1"}`+"\n")
	return NewHandler(resolver.New(root), nil), root
}

func TestDefinitions(t *testing.T) {
	h, _ := newTestHandler(t)
	idx := h.IndexResources()
	if len(idx) != 3 || idx[0].URI != "osiris://mcp/discovery/index.json" {
		t.Errorf("index resources = %+v", idx)
	}
	if len(h.Templates()) != 3 {
		t.Errorf("templates = %d", len(h.Templates()))
	}
}

func TestHandleIndex_Sorted(t *testing.T) {
	h, _ := newTestHandler(t)
	contents, err := h.HandleIndex(context.Background(), makeReadReq("osiris://mcp/drafts/index.json"))
	if err != nil {
		t.Fatal(err)
	}
	text := contents[0].(mcp.TextResourceContents).Text
	var idx struct {
		Count   int              `json:"count"`
		Entries []resolver.Entry `json:"entries"`
	}
	if err := json.Unmarshal([]byte(text), &idx); err != nil {
		t.Fatal(err)
	}
	if idx.Count != 2 || idx.Entries[0].Identifier != "oml/a-pipeline.yaml" {
		t.Errorf("index = %+v", idx)
	}

	if _, err := h.HandleIndex(context.Background(), makeReadReq("osiris://mcp/secrets/index.json")); err == nil {
		t.Error("unknown index should fail")
	}
}

func TestHandleRead(t *testing.T) {
	h, _ := newTestHandler(t)
	contents, err := h.HandleRead(context.Background(), makeReadReq("osiris://mcp/memory/sessions/chat-1.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	tc := contents[0].(mcp.TextResourceContents)
	if tc.MIMEType != "application/x-ndjson" || tc.Text != `{"id":"mem_1"}`+"\n" {
		t.Errorf("contents = %+v", tc)
	}

	_, err = h.HandleRead(context.Background(), makeReadReq("osiris://mcp/drafts/oml/missing.yaml"))
	var e *errcode.Error
	if !errors.As(err, &e) || e.Code != errcode.ResourceNotFound {
		t.Errorf("missing err = %v", err)
	}
	_, err = h.HandleRead(context.Background(), makeReadReq("osiris://mcp/drafts/oml/../../etc/passwd"))
	if !errors.As(err, &e) || e.Code != errcode.InvalidURI {
		t.Errorf("traversal err = %v", err)
	}
}

type liveSet map[string]bool

func (l liveSet) Live(id string) bool { return l[id] }

func TestDiscovery_ExpiredIsHidden(t *testing.T) {
	root := t.TempDir()
	for _, id := range []string{"disc_aaaaaaaaaaaaaaaa", "disc_bbbbbbbbbbbbbbbb"} {
		write(t, filepath.Join(root, "cache", id, "overview.json"), `{"id":"`+id+`"}`)
	}
	h := NewHandler(resolver.New(root), liveSet{"disc_aaaaaaaaaaaaaaaa": true})

	contents, err := h.HandleIndex(context.Background(), makeReadReq("osiris://mcp/discovery/index.json"))
	if err != nil {
		t.Fatal(err)
	}
	var idx struct {
		Count   int              `json:"count"`
		Entries []resolver.Entry `json:"entries"`
	}
	if err := json.Unmarshal([]byte(contents[0].(mcp.TextResourceContents).Text), &idx); err != nil {
		t.Fatal(err)
	}
	if idx.Count != 1 || idx.Entries[0].Identifier != "disc_aaaaaaaaaaaaaaaa/overview.json" {
		t.Errorf("index = %+v", idx)
	}

	if _, err := h.HandleRead(context.Background(), makeReadReq("osiris://mcp/discovery/disc_aaaaaaaaaaaaaaaa/overview.json")); err != nil {
		t.Errorf("live read: %v", err)
	}
	_, err = h.HandleRead(context.Background(), makeReadReq("osiris://mcp/discovery/disc_bbbbbbbbbbbbbbbb/overview.json"))
	var e *errcode.Error
	if !errors.As(err, &e) || e.Code != errcode.ResourceNotFound {
		t.Errorf("expired read err = %v", err)
	}
}
