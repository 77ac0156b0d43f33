// Package boundary is a structural check over the gateway's own source:
// it keeps database drivers and credential files out of the gateway
// process. Connections are resolved by the delegated command, never here.
package boundary

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Policy lists what gateway source may not contain.
type Policy struct {
	// ForbiddenImports are import path prefixes.
	ForbiddenImports []string
	// AllowedImports maps an import path prefix to the only package
	// directories (slash-separated, relative to the scan root) that may
	// import it.
	AllowedImports map[string][]string
	// ForbiddenLiterals are file names that may not appear as the base
	// name of any string literal.
	ForbiddenLiterals []string
	// SkipDirs are relative directories not scanned.
	SkipDirs []string
}

// DefaultPolicy is the gateway's rule set.
func DefaultPolicy() Policy {
	return Policy{
		ForbiddenImports: []string{
			"github.com/jackc/pgx",
			"github.com/lib/pq",
			"github.com/ClickHouse/clickhouse-go",
			"github.com/go-sql-driver/mysql",
			"github.com/snowflakedb/gosnowflake",
			"github.com/minio/minio-go",
			"github.com/aws/aws-sdk-go",
			"cloud.google.com/go",
		},
		AllowedImports: map[string][]string{
			"database/sql":       {"internal/memory"},
			"modernc.org/sqlite": {"internal/memory"},
		},
		ForbiddenLiterals: []string{
			"osiris_connections.yaml",
			"connections.yaml",
			".env",
			".netrc",
			".pgpass",
		},
		SkipDirs: []string{"internal/boundary"},
	}
}

// Violation is one finding.
type Violation struct {
	File   string
	Line   int
	Rule   string
	Detail string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s:%d: %s: %s", v.File, v.Line, v.Rule, v.Detail)
}

// Check parses every non-test Go file under root and reports violations
// sorted by file and line. Directories starting with "_" or "." and
// testdata are skipped, as the go tool does.
func Check(root string, p Policy) ([]Violation, error) {
	var out []Violation
	fset := token.NewFileSet()
	err := filepath.WalkDir(root, func(file string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, file)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			name := d.Name()
			if rel != "." && (strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") || name == "testdata") {
				return filepath.SkipDir
			}
			for _, skip := range p.SkipDirs {
				if rel == skip {
					return filepath.SkipDir
				}
			}
			return nil
		}
		if !strings.HasSuffix(rel, ".go") || strings.HasSuffix(rel, "_test.go") {
			return nil
		}
		found, err := checkFile(fset, file, rel, p)
		if err != nil {
			return err
		}
		out = append(out, found...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("boundary: %w", err)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].File != out[j].File {
			return out[i].File < out[j].File
		}
		return out[i].Line < out[j].Line
	})
	return out, nil
}

func checkFile(fset *token.FileSet, full, rel string, p Policy) ([]Violation, error) {
	f, err := parser.ParseFile(fset, full, nil, parser.SkipObjectResolution)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", rel, err)
	}
	dir := path.Dir(rel)
	var out []Violation

	for _, imp := range f.Imports {
		ipath, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			continue
		}
		line := fset.Position(imp.Pos()).Line
		if prefix, ok := matchPrefix(ipath, p.ForbiddenImports); ok {
			out = append(out, Violation{rel, line, "forbidden-import", fmt.Sprintf("%s (matches %s)", ipath, prefix)})
			continue
		}
		for prefix, dirs := range p.AllowedImports {
			if !hasPathPrefix(ipath, prefix) {
				continue
			}
			if !contains(dirs, dir) {
				out = append(out, Violation{rel, line, "restricted-import", fmt.Sprintf("%s is only allowed in %s", ipath, strings.Join(dirs, ", "))})
			}
		}
	}

	ast.Inspect(f, func(n ast.Node) bool {
		lit, ok := n.(*ast.BasicLit)
		if !ok || lit.Kind != token.STRING {
			return true
		}
		s, err := strconv.Unquote(lit.Value)
		if err != nil {
			return true
		}
		base := path.Base(filepath.ToSlash(strings.TrimSpace(s)))
		for _, name := range p.ForbiddenLiterals {
			if base == name {
				out = append(out, Violation{rel, fset.Position(lit.Pos()).Line, "forbidden-literal", strconv.Quote(s)})
				break
			}
		}
		return true
	})
	return out, nil
}

func matchPrefix(ipath string, prefixes []string) (string, bool) {
	for _, prefix := range prefixes {
		if hasPathPrefix(ipath, prefix) {
			return prefix, true
		}
	}
	return "", false
}

// hasPathPrefix matches whole path elements: "database/sql" matches
// "database/sql/driver" but not "database/sqlx".
func hasPathPrefix(ipath, prefix string) bool {
	return ipath == prefix || strings.HasPrefix(ipath, prefix+"/")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
