// Package resolver maps resource URIs of the form
// osiris://mcp/<type>/<path> to files under the storage root and back.
//
// URIs are opaque to every other package: handlers ask for a URI by type
// and identifier and never build file paths themselves. Resolution is a
// pure read.
package resolver

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/keboola/osiris-sub007/internal/errcode"
)

// Prefix starts every resource URI.
const Prefix = "osiris://mcp/"

// Type is a resource family.
type Type string

const (
	Discovery Type = "discovery"
	Memory    Type = "memory"
	Drafts    Type = "drafts"
)

// Types lists every supported type in URI order.
var Types = []Type{Discovery, Memory, Drafts}

// DiscoveryArtifacts are the files addressable under a discovery id.
var DiscoveryArtifacts = []string{"overview", "tables", "samples"}

var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Entry is one listed resource.
type Entry struct {
	URI        string `json:"uri"`
	Type       Type   `json:"type"`
	Identifier string `json:"identifier"`
	Size       int64  `json:"size"`
}

// Resolver is stateless beyond its root and safe for concurrent use.
type Resolver struct {
	root string
}

// New returns a Resolver over root.
func New(root string) *Resolver {
	return &Resolver{root: root}
}

// Root returns the storage root.
func (r *Resolver) Root() string { return r.root }

// BaseDir is the directory backing typ.
func (r *Resolver) BaseDir(typ Type) string {
	switch typ {
	case Discovery:
		return filepath.Join(r.root, "cache")
	case Memory:
		return filepath.Join(r.root, "memory")
	case Drafts:
		return filepath.Join(r.root, "drafts")
	}
	return ""
}

// Materialize returns the URI for identifier under typ after validating
// both.
func (r *Resolver) Materialize(typ Type, identifier string) (string, error) {
	if err := validate(typ, identifier); err != nil {
		return "", err
	}
	return Prefix + string(typ) + "/" + identifier, nil
}

// DiscoveryURIs returns the artifact URIs of one discovery id.
func (r *Resolver) DiscoveryURIs(id string) (map[string]string, error) {
	out := make(map[string]string, len(DiscoveryArtifacts))
	for _, a := range DiscoveryArtifacts {
		uri, err := r.Materialize(Discovery, id+"/"+a+".json")
		if err != nil {
			return nil, err
		}
		out[a] = uri
	}
	return out, nil
}

// SessionURI returns the URI of a memory session stream.
func (r *Resolver) SessionURI(sessionID string) (string, error) {
	return r.Materialize(Memory, "sessions/"+sessionID+".jsonl")
}

// DraftURI returns the URI of an OML draft.
func (r *Resolver) DraftURI(filename string) (string, error) {
	return r.Materialize(Drafts, "oml/"+filename)
}

// Parse splits a URI into its type and identifier.
func Parse(uri string) (Type, string, error) {
	rest, ok := strings.CutPrefix(uri, Prefix)
	if !ok {
		return "", "", invalid(uri, "unknown scheme or authority")
	}
	typ, identifier, ok := strings.Cut(rest, "/")
	if !ok || identifier == "" {
		return "", "", invalid(uri, "missing path")
	}
	if err := validate(Type(typ), identifier); err != nil {
		return "", "", err
	}
	return Type(typ), identifier, nil
}

// Path maps a URI to its backing file.
func (r *Resolver) Path(uri string) (string, error) {
	typ, identifier, err := Parse(uri)
	if err != nil {
		return "", err
	}
	return filepath.Join(r.BaseDir(typ), filepath.FromSlash(identifier)), nil
}

// Resolve returns the bytes behind uri.
func (r *Resolver) Resolve(uri string) ([]byte, error) {
	path, err := r.Path(uri)
	if err != nil {
		return nil, err
	}
	info, err := r.lstatBelowRoot(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errcode.New(errcode.ResourceNotFound, uri).WithDetail("uri", uri)
		}
		if errors.Is(err, errSymlink) {
			return nil, errcode.New(errcode.ForbiddenPath, uri).WithDetail("uri", uri)
		}
		return nil, errcode.Wrap(errcode.Internal, err, "reading resource")
	}
	if !info.Mode().IsRegular() {
		return nil, errcode.New(errcode.ForbiddenPath, uri).WithDetail("uri", uri)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errcode.New(errcode.ResourceNotFound, uri).WithDetail("uri", uri)
		}
		return nil, errcode.Wrap(errcode.Internal, err, "reading resource")
	}
	return data, nil
}

var errSymlink = errors.New("symlink below the storage root")

// lstatBelowRoot walks every component of path below the root and fails
// on the first symlink. It returns the final component's info.
func (r *Resolver) lstatBelowRoot(path string) (fs.FileInfo, error) {
	rel, err := filepath.Rel(r.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("%s is outside the storage root", path)
	}
	cur := r.root
	var info fs.FileInfo
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		cur = filepath.Join(cur, part)
		if info, err = os.Lstat(cur); err != nil {
			return nil, err
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			return nil, errSymlink
		}
	}
	return info, nil
}

// List returns every resource of typ, sorted by identifier.
func (r *Resolver) List(typ Type) ([]Entry, error) {
	var ids []string
	var err error
	switch typ {
	case Discovery:
		ids, err = r.listDiscovery()
	case Memory:
		ids, err = r.listFlat(Memory, "sessions", ".jsonl")
	case Drafts:
		ids, err = r.listFlat(Drafts, "oml", "")
	default:
		return nil, errcode.New(errcode.InvalidURI, string(typ)).WithDetail("type", string(typ))
	}
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, err, "reading resource")
	}
	sort.Strings(ids)

	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		if validate(typ, id) != nil {
			continue
		}
		info, err := os.Stat(filepath.Join(r.BaseDir(typ), filepath.FromSlash(id)))
		if err != nil {
			continue
		}
		out = append(out, Entry{
			URI:        Prefix + string(typ) + "/" + id,
			Type:       typ,
			Identifier: id,
			Size:       info.Size(),
		})
	}
	return out, nil
}

func (r *Resolver) listDiscovery() ([]string, error) {
	dirs, err := os.ReadDir(r.BaseDir(Discovery))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, d := range dirs {
		if !d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			continue
		}
		for _, a := range DiscoveryArtifacts {
			id := d.Name() + "/" + a + ".json"
			if _, err := os.Stat(filepath.Join(r.BaseDir(Discovery), d.Name(), a+".json")); err == nil {
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

func (r *Resolver) listFlat(typ Type, sub, ext string) ([]string, error) {
	files, err := os.ReadDir(filepath.Join(r.BaseDir(typ), sub))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, f := range files {
		name := f.Name()
		if !f.Type().IsRegular() || strings.HasPrefix(name, ".") {
			continue
		}
		if ext != "" && filepath.Ext(name) != ext {
			continue
		}
		ids = append(ids, sub+"/"+name)
	}
	return ids, nil
}

// validate enforces the segment alphabet and each type's path shape.
func validate(typ Type, identifier string) error {
	uri := Prefix + string(typ) + "/" + identifier
	segs := strings.Split(identifier, "/")
	for _, s := range segs {
		if s == "" || s == "." || s == ".." || strings.HasPrefix(s, ".") || !segmentPattern.MatchString(s) {
			return invalid(uri, fmt.Sprintf("invalid path segment %q", s))
		}
	}
	switch typ {
	case Discovery:
		if len(segs) != 2 || !strings.HasPrefix(segs[0], "disc_") || !isArtifact(segs[1]) {
			return invalid(uri, "expected discovery/<disc_id>/<overview|tables|samples>.json")
		}
	case Memory:
		if len(segs) != 2 || segs[0] != "sessions" || filepath.Ext(segs[1]) != ".jsonl" {
			return invalid(uri, "expected memory/sessions/<session_id>.jsonl")
		}
	case Drafts:
		if len(segs) != 2 || segs[0] != "oml" {
			return invalid(uri, "expected drafts/oml/<filename>")
		}
	default:
		return invalid(uri, fmt.Sprintf("unknown resource type %q", typ))
	}
	return nil
}

func isArtifact(name string) bool {
	for _, a := range DiscoveryArtifacts {
		if name == a+".json" {
			return true
		}
	}
	return false
}

func invalid(uri, reason string) *errcode.Error {
	return errcode.New(errcode.InvalidURI, uri).
		WithDetail("uri", uri).
		WithDetail("reason", reason)
}
