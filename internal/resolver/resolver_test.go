package resolver

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/keboola/osiris-sub007/internal/errcode"
)

func codeOf(err error) errcode.Code {
	var e *errcode.Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
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

func TestMaterializeResolveRoundTrip(t *testing.T) {
	root := t.TempDir()
	r := New(root)
	write(t, filepath.Join(root, "cache", "disc_0123456789abcdef", "overview.json"), `{"a":1}`)
	write(t, filepath.Join(root, "memory", "sessions", "s1.jsonl"), "{}\n")
	write(t, filepath.Join(root, "drafts", "oml", "orders.yaml"), "oml_version: 0.1.0\n")

	uris, err := r.DiscoveryURIs("disc_0123456789abcdef")
	if err != nil {
		t.Fatal(err)
	}
	if uris["overview"] != "osiris://mcp/discovery/disc_0123456789abcdef/overview.json" {
		t.Errorf("overview uri = %s", uris["overview"])
	}
	data, err := r.Resolve(uris["overview"])
	if err != nil || string(data) != `{"a":1}` {
		t.Errorf("Resolve = %q, %v", data, err)
	}
	again, _ := r.Resolve(uris["overview"])
	if string(again) != string(data) {
		t.Error("resolution should be idempotent")
	}

	sessionURI, _ := r.SessionURI("s1")
	if data, err := r.Resolve(sessionURI); err != nil || string(data) != "{}\n" {
		t.Errorf("session = %q, %v", data, err)
	}
	draftURI, _ := r.DraftURI("orders.yaml")
	if _, err := r.Resolve(draftURI); err != nil {
		t.Errorf("draft: %v", err)
	}

	typ, id, err := Parse(draftURI)
	if err != nil || typ != Drafts || id != "oml/orders.yaml" {
		t.Errorf("Parse = %s %s %v", typ, id, err)
	}
}

func TestResolve_Missing(t *testing.T) {
	r := New(t.TempDir())
	_, err := r.Resolve("osiris://mcp/discovery/disc_ffffffffffffffff/tables.json")
	if codeOf(err) != errcode.ResourceNotFound {
		t.Errorf("err = %v", err)
	}
}

func TestParse_RejectsBadURIs(t *testing.T) {
	bad := []string{
		"http://mcp/discovery/disc_1/overview.json",
		"osiris://other/discovery/disc_1/overview.json",
		"osiris://mcp/discovery",
		"osiris://mcp/unknown/x",
		"osiris://mcp/discovery/disc_1/../../secrets.json",
		"osiris://mcp/discovery/disc_1/other.json",
		"osiris://mcp/discovery/notdisc/overview.json",
		"osiris://mcp/memory/sessions/../x.jsonl",
		"osiris://mcp/memory/sessions/s1.txt",
		"osiris://mcp/drafts/oml/a b.yaml",
		"osiris://mcp/drafts/oml/.hidden",
		"osiris://mcp/drafts/oml//x",
		"osiris://mcp/drafts/other/x.yaml",
	}
	for _, uri := range bad {
		if _, _, err := Parse(uri); codeOf(err) != errcode.InvalidURI {
			t.Errorf("Parse(%q) err = %v, want invalid uri", uri, err)
		}
	}
}

func TestResolve_RejectsNonRegularFiles(t *testing.T) {
	root := t.TempDir()
	r := New(root)
	outside := filepath.Join(t.TempDir(), "secret.yaml")
	write(t, outside, "password: x")
	if err := os.MkdirAll(filepath.Join(root, "drafts", "oml"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(root, "drafts", "oml", "link.yaml")); err != nil {
		t.Skip("symlinks unsupported")
	}
	if _, err := r.Resolve("osiris://mcp/drafts/oml/link.yaml"); codeOf(err) != errcode.ForbiddenPath {
		t.Errorf("err = %v", err)
	}
}

func TestResolve_RejectsSymlinkedDirectory(t *testing.T) {
	root := t.TempDir()
	r := New(root)
	outside := t.TempDir()
	write(t, filepath.Join(outside, "overview.json"), `{"secret":true}`)
	if err := os.MkdirAll(filepath.Join(root, "cache"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(root, "cache", "disc_0123456789abcdef")); err != nil {
		t.Skip("symlinks unsupported")
	}
	_, err := r.Resolve("osiris://mcp/discovery/disc_0123456789abcdef/overview.json")
	if codeOf(err) != errcode.ForbiddenPath {
		t.Errorf("err = %v, want %s", err, errcode.ForbiddenPath)
	}
}

func TestResolve_RejectsSymlinkedBaseDir(t *testing.T) {
	root := t.TempDir()
	r := New(root)
	outside := t.TempDir()
	write(t, filepath.Join(outside, "oml", "orders.yaml"), "oml_version: 0.1.0\n")
	if err := os.Symlink(outside, filepath.Join(root, "drafts")); err != nil {
		t.Skip("symlinks unsupported")
	}
	if _, err := r.Resolve("osiris://mcp/drafts/oml/orders.yaml"); codeOf(err) != errcode.ForbiddenPath {
		t.Errorf("err = %v, want %s", err, errcode.ForbiddenPath)
	}
}

func TestList_SortedByIdentifier(t *testing.T) {
	root := t.TempDir()
	r := New(root)
	for _, id := range []string{"disc_bbbbbbbbbbbbbbbb", "disc_aaaaaaaaaaaaaaaa"} {
		for _, a := range DiscoveryArtifacts {
			write(t, filepath.Join(root, "cache", id, a+".json"), "{}")
		}
	}
	write(t, filepath.Join(root, "cache", "disc_aaaaaaaaaaaaaaaa.json"), "{}")
	if err := os.MkdirAll(filepath.Join(root, "cache", ".disc_cccccccccccccccc.1.tmp"), 0o755); err != nil {
		t.Fatal(err)
	}
	write(t, filepath.Join(root, "drafts", "oml", "z.yaml"), "")
	write(t, filepath.Join(root, "drafts", "oml", "a.yaml"), "")
	write(t, filepath.Join(root, "memory", "sessions", "s2.jsonl"), "")
	write(t, filepath.Join(root, "memory", "sessions", "notes.txt"), "")

	disc, err := r.List(Discovery)
	if err != nil {
		t.Fatal(err)
	}
	if len(disc) != 6 {
		t.Fatalf("discovery entries = %d", len(disc))
	}
	for i := 1; i < len(disc); i++ {
		if disc[i-1].Identifier >= disc[i].Identifier {
			t.Errorf("not sorted: %s before %s", disc[i-1].Identifier, disc[i].Identifier)
		}
	}
	if disc[0].Identifier != "disc_aaaaaaaaaaaaaaaa/overview.json" {
		t.Errorf("first = %s", disc[0].Identifier)
	}

	drafts, _ := r.List(Drafts)
	if len(drafts) != 2 || drafts[0].Identifier != "oml/a.yaml" {
		t.Errorf("drafts = %+v", drafts)
	}
	mem, _ := r.List(Memory)
	if len(mem) != 1 || mem[0].URI != "osiris://mcp/memory/sessions/s2.jsonl" {
		t.Errorf("memory = %+v", mem)
	}

	empty, err := New(t.TempDir()).List(Memory)
	if err != nil || len(empty) != 0 {
		t.Errorf("empty root: %v %v", empty, err)
	}
	if _, err := r.List(Type("bogus")); codeOf(err) != errcode.InvalidURI {
		t.Errorf("bogus type err = %v", err)
	}
}
