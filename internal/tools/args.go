package tools

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/keboola/osiris-sub007/internal/errcode"
)

// Args are the decoded arguments of one call.
type Args map[string]any

// String returns a trimmed string argument, or defaultVal when the key is
// missing or not a string.
func (a Args) String(key, defaultVal string) string {
	v, ok := a[key].(string)
	if !ok {
		return defaultVal
	}
	return strings.TrimSpace(v)
}

// RequiredString is String that fails with a missing_field error when the
// value is absent or blank.
func (a Args) RequiredString(key string) (string, error) {
	raw, present := a[key]
	if !present || raw == nil {
		return "", errcode.New(errcode.MissingField, key).WithDetail("field", key)
	}
	v, ok := raw.(string)
	if !ok {
		return "", errcode.New(errcode.InvalidType, key).WithDetail("field", key)
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return "", errcode.New(errcode.MissingField, key).WithDetail("field", key)
	}
	return v, nil
}

// Int extracts an integer argument, returning defaultVal if the key is
// missing or not a number (JSON numbers are float64).
func (a Args) Int(key string, defaultVal int) int {
	switch v := a[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return defaultVal
		}
		return int(n)
	}
	return defaultVal
}

// Bool extracts a boolean argument.
func (a Args) Bool(key string, defaultVal bool) bool {
	v, ok := a[key].(bool)
	if !ok {
		return defaultVal
	}
	return v
}

// Strings accepts either a JSON array of strings or a comma-separated
// string. Blanks are dropped and the result is sorted and deduplicated.
func (a Args) Strings(key string) []string {
	var raw []string
	switch v := a[key].(type) {
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				raw = append(raw, s)
			}
		}
	case []string:
		raw = v
	case string:
		raw = strings.Split(v, ",")
	}
	seen := map[string]bool{}
	var out []string
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Map extracts an object argument.
func (a Args) Map(key string) map[string]any {
	v, _ := a[key].(map[string]any)
	return v
}
