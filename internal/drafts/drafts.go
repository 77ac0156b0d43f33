// Package drafts stores OML documents produced during authoring under
// <root>/drafts/oml. Filenames are generated from the document name and
// content so saving the same draft twice yields the same file.
package drafts

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/keboola/osiris-sub007/internal/errcode"
	"github.com/keboola/osiris-sub007/internal/fingerprint"
	"github.com/keboola/osiris-sub007/internal/fsutil"
)

// Ext is the extension of every saved draft.
const Ext = ".yaml"

// Draft describes one saved document.
type Draft struct {
	Filename    string    `json:"filename"`
	Name        string    `json:"name"`
	Size        int       `json:"size"`
	Fingerprint string    `json:"fingerprint"`
	SavedAt     time.Time `json:"saved_at"`
}

// Store is a directory of drafts.
type Store struct {
	dir string
}

// New returns a store over dir. The directory is created on first save.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

// Save checks that content is a YAML mapping and writes it atomically.
// name overrides the document's own top-level name when non-empty.
func (s *Store) Save(name string, content []byte) (Draft, error) {
	doc, err := Parse(content)
	if err != nil {
		return Draft{}, err
	}
	if strings.TrimSpace(name) == "" {
		name, _ = doc["name"].(string)
	}
	slug := Slug(name)
	if slug == "" {
		slug = "pipeline"
	}

	digest := fingerprint.Sum(fingerprint.ArtifactDomain, content)
	filename := slug + "-" + fingerprint.Short(digest, 12) + Ext
	if err := fsutil.WriteFile(filepath.Join(s.dir, filename), content, 0o644); err != nil {
		return Draft{}, fmt.Errorf("saving draft %s: %w", filename, err)
	}
	return Draft{
		Filename:    filename,
		Name:        name,
		Size:        len(content),
		Fingerprint: digest,
		SavedAt:     time.Now().UTC(),
	}, nil
}

// Read returns the content of a saved draft.
func (s *Store) Read(filename string) ([]byte, error) {
	if !ValidFilename(filename) {
		return nil, errcode.New(errcode.InvalidArgs, "invalid draft filename "+filename).
			WithDetail("field", "filename")
	}
	data, err := os.ReadFile(filepath.Join(s.dir, filename))
	if errors.Is(err, os.ErrNotExist) {
		return nil, errcode.New(errcode.ResourceNotFound, "drafts/oml/"+filename)
	}
	return data, err
}

// List returns saved drafts sorted by filename.
func (s *Store) List() ([]Draft, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return []Draft{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing drafts: %w", err)
	}
	out := []Draft{}
	for _, e := range entries {
		if !e.Type().IsRegular() || fsutil.IsTemp(e.Name()) || !ValidFilename(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Draft{
			Filename: e.Name(),
			Name:     strings.TrimSuffix(e.Name(), Ext),
			Size:     int(info.Size()),
			SavedAt:  info.ModTime().UTC(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out, nil
}

// Parse decodes content as a YAML mapping. Syntax errors carry the line.
func Parse(content []byte) (map[string]any, error) {
	if len(strings.TrimSpace(string(content))) == 0 {
		return nil, errcode.New(errcode.MissingField, "oml")
	}
	var node yaml.Node
	if err := yaml.Unmarshal(content, &node); err != nil {
		e := errcode.New(errcode.InvalidDocument, err.Error())
		if line := errorLine(err.Error()); line > 0 {
			e.WithDetail("line", line)
		}
		return nil, e
	}
	if len(node.Content) == 0 || node.Content[0].Kind != yaml.MappingNode {
		return nil, errcode.New(errcode.InvalidDocument, "document must be a YAML mapping")
	}
	var doc map[string]any
	if err := node.Content[0].Decode(&doc); err != nil {
		return nil, errcode.New(errcode.InvalidDocument, err.Error())
	}
	return doc, nil
}

var lineRegex = regexp.MustCompile(`line (\d+)`)

func errorLine(msg string) int {
	m := lineRegex.FindStringSubmatch(msg)
	if m == nil {
		return 0
	}
	var n int
	fmt.Sscanf(m[1], "%d", &n)
	return n
}

var slugCleaner = regexp.MustCompile(`[^a-z0-9]+`)

// Slug lower-cases s and collapses anything outside [a-z0-9] to dashes.
func Slug(s string) string {
	s = slugCleaner.ReplaceAllString(strings.ToLower(s), "-")
	s = strings.Trim(s, "-")
	if len(s) > 48 {
		s = strings.TrimRight(s[:48], "-")
	}
	return s
}

var filenameRegex = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9._-]*\.ya?ml$`)

// ValidFilename reports whether name could be a draft in this store.
func ValidFilename(name string) bool {
	return filenameRegex.MatchString(name) && !strings.Contains(name, "..")
}
