// Package capability holds the connector capability registry: which
// configuration fields each connector family declares as secret, and a
// fingerprint of each family's configuration schema.
//
// The registry is loaded once at startup from the embedded defaults plus an
// optional override file. It never reads connection configuration itself.
package capability

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/keboola/osiris-sub007/internal/fingerprint"
)

//go:embed capabilities.yaml
var defaultRegistry []byte

// Spec is one connector family's declaration.
type Spec struct {
	Family       string         `yaml:"-"`
	Version      string         `yaml:"version"`
	Secrets      []string       `yaml:"secrets"`
	ConfigSchema map[string]any `yaml:"config_schema"`
	Capabilities []string       `yaml:"capabilities"`
}

type document struct {
	Families map[string]Spec `yaml:"families"`
}

// Registry is an immutable, in-memory view of all family specs.
type Registry struct {
	specs        map[string]Spec
	secretKeys   map[string][]string
	fingerprints map[string]string
}

// Default returns the registry built from the embedded declarations only.
func Default() (*Registry, error) {
	return Load("")
}

// Load builds the registry from the embedded declarations, then applies
// path on top when it is non-empty. A family in the override file replaces
// the embedded one wholesale.
func Load(path string) (*Registry, error) {
	base, err := parse(defaultRegistry)
	if err != nil {
		return nil, fmt.Errorf("parsing embedded capabilities: %w", err)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading capabilities file: %w", err)
		}
		override, err := parse(data)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		for name, spec := range override {
			base[name] = spec
		}
	}
	return build(base)
}

// Parse builds a registry from YAML alone, without the embedded defaults.
func Parse(data []byte) (*Registry, error) {
	specs, err := parse(data)
	if err != nil {
		return nil, err
	}
	return build(specs)
}

func parse(data []byte) (map[string]Spec, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	out := make(map[string]Spec, len(doc.Families))
	for name, spec := range doc.Families {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			return nil, fmt.Errorf("family with empty name")
		}
		for _, ptr := range spec.Secrets {
			if !strings.HasPrefix(ptr, "/") {
				return nil, fmt.Errorf("family %s: secret %q is not a JSON pointer", name, ptr)
			}
		}
		spec.Family = name
		out[name] = spec
	}
	return out, nil
}

func build(specs map[string]Spec) (*Registry, error) {
	r := &Registry{
		specs:        specs,
		secretKeys:   make(map[string][]string, len(specs)),
		fingerprints: make(map[string]string, len(specs)),
	}
	for name, spec := range specs {
		r.secretKeys[name] = leafNames(spec.Secrets)
		fp, err := fingerprint.Of(fingerprint.SchemaDomain, map[string]any{
			"family":        name,
			"version":       spec.Version,
			"secrets":       spec.Secrets,
			"config_schema": spec.ConfigSchema,
			"capabilities":  spec.Capabilities,
		})
		if err != nil {
			return nil, fmt.Errorf("fingerprinting family %s: %w", name, err)
		}
		r.fingerprints[name] = fp
	}
	return r, nil
}

// leafNames returns the last segment of each JSON pointer, unescaped and
// lower-cased, deduplicated and sorted.
func leafNames(pointers []string) []string {
	seen := make(map[string]bool, len(pointers))
	var out []string
	for _, ptr := range pointers {
		segs := strings.Split(ptr, "/")
		leaf := segs[len(segs)-1]
		leaf = strings.ReplaceAll(leaf, "~1", "/")
		leaf = strings.ReplaceAll(leaf, "~0", "~")
		leaf = strings.ToLower(leaf)
		if leaf == "" || seen[leaf] {
			continue
		}
		seen[leaf] = true
		out = append(out, leaf)
	}
	sort.Strings(out)
	return out
}

// Lookup returns the spec for family.
func (r *Registry) Lookup(family string) (Spec, bool) {
	s, ok := r.specs[strings.ToLower(family)]
	return s, ok
}

// Families lists every known family name, sorted.
func (r *Registry) Families() []string {
	out := make([]string, 0, len(r.specs))
	for name := range r.specs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// SecretKeys returns the lower-cased leaf names declared secret for family,
// or nil when the family is unknown or declares none.
func (r *Registry) SecretKeys(family string) []string {
	return r.secretKeys[strings.ToLower(family)]
}

// Fingerprint returns the schema fingerprint for family. Unknown families
// share one fixed fingerprint so that registering the family later
// invalidates anything cached before.
func (r *Registry) Fingerprint(family string) string {
	if fp, ok := r.fingerprints[strings.ToLower(family)]; ok {
		return fp
	}
	return fingerprint.Sum(fingerprint.SchemaDomain, []byte("unknown:"+strings.ToLower(family)))
}

// FamilyOf extracts the family from a connection reference such as
// "@mysql.default" or "mysql.default".
func FamilyOf(connection string) string {
	ref := strings.TrimPrefix(strings.TrimSpace(connection), "@")
	if i := strings.IndexByte(ref, '.'); i >= 0 {
		ref = ref[:i]
	}
	return strings.ToLower(ref)
}
