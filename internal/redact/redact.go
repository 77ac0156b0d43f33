// Package redact masks secret-bearing values and personal data before
// anything reaches a log stream or the memory store.
//
// Two passes run over every value. The key pass masks values whose key is
// declared secret by the capability registry for the call's connection
// family, or matches the fallback name list. The text pass rewrites
// connection-string passwords, email addresses, phone numbers and IPv4
// addresses inside every remaining string.
package redact

import (
	"regexp"
	"strings"

	"github.com/keboola/osiris-sub007/internal/capability"
)

// Mask replaces every secret value.
const Mask = "***MASKED***"

const (
	emailMask = "***EMAIL***"
	phoneMask = "***PHONE***"
	ipMask    = "***IP***"
)

var fallbackNames = map[string]bool{
	"password":         true,
	"passwd":           true,
	"pwd":              true,
	"secret":           true,
	"token":            true,
	"api_key":          true,
	"apikey":           true,
	"key":              true,
	"private_key":      true,
	"access_key":       true,
	"secret_key":       true,
	"credential":       true,
	"credentials":      true,
	"auth":             true,
	"authorization":    true,
	"dsn":              true,
	"service_role_key": true,
}

var fallbackSuffixes = []string{"_password", "_token", "_secret", "_key"}

// Look-alike names that are never secret unless a family declares them.
var carveOuts = map[string]bool{
	"primary_key":     true,
	"primary_keys":    true,
	"foreign_key":     true,
	"sort_key":        true,
	"partition_key":   true,
	"key_column":      true,
	"key_columns":     true,
	"cache_key":       true,
	"idempotency_key": true,
	"topic_key":       true,
	"key_field":       true,
}

var (
	connStringPattern = regexp.MustCompile(`\b([a-zA-Z][a-zA-Z0-9+.\-]*://[^:/@\s]+:)([^@\s]+)@`)
	emailPattern      = regexp.MustCompile(`\b[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}\b`)
	ipv4Pattern       = regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`)
	phonePattern      = regexp.MustCompile(`(?:\+\d{1,3}[\s\-.]?)?\(?\b\d{3}\)?[\s\-.]?\d{3}[\s\-.]?\d{4}\b`)
)

// Redactor applies both passes. It is safe for concurrent use.
type Redactor struct {
	registry *capability.Registry
}

// New returns a Redactor backed by registry. A nil registry leaves only the
// fallback names in effect.
func New(registry *capability.Registry) *Redactor {
	return &Redactor{registry: registry}
}

// Arguments returns a redacted deep copy of args. The input is never
// modified.
func (r *Redactor) Arguments(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	declared := r.declared(args)
	out, _ := r.value(args, declared).(map[string]any)
	return out
}

// Value redacts an arbitrary decoded JSON value with no connection context.
func (r *Redactor) Value(v any) any {
	return r.value(v, nil)
}

// Text runs the text pass over s.
func (r *Redactor) Text(s string) string {
	return Text(s)
}

// Text runs the text pass over s.
func Text(s string) string {
	if s == "" {
		return s
	}
	s = connStringPattern.ReplaceAllString(s, "${1}"+Mask+"@")
	s = emailPattern.ReplaceAllString(s, emailMask)
	s = ipv4Pattern.ReplaceAllString(s, ipMask)
	s = phonePattern.ReplaceAllString(s, phoneMask)
	return s
}

// IsSecretKey reports whether key is secret under the fallback rules alone.
func IsSecretKey(key string) bool {
	return isSecret(key, nil)
}

func (r *Redactor) declared(args map[string]any) map[string]bool {
	if r.registry == nil {
		return nil
	}
	var ref string
	for _, k := range []string{"connection", "connection_id"} {
		if s, ok := args[k].(string); ok && s != "" {
			ref = s
			break
		}
	}
	if ref == "" {
		return nil
	}
	keys := r.registry.SecretKeys(capability.FamilyOf(ref))
	if len(keys) == 0 {
		return nil
	}
	out := make(map[string]bool, len(keys))
	for _, k := range keys {
		out[k] = true
	}
	return out
}

func (r *Redactor) value(v any, declared map[string]bool) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			if isSecret(k, declared) {
				out[k] = Mask
				continue
			}
			out[k] = r.value(item, declared)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.value(item, declared)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Text(item)
		}
		return out
	case string:
		return Text(val)
	default:
		return val
	}
}

func isSecret(key string, declared map[string]bool) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	if declared[k] {
		return true
	}
	if carveOuts[k] {
		return false
	}
	if fallbackNames[k] {
		return true
	}
	for _, suffix := range fallbackSuffixes {
		if strings.HasSuffix(k, suffix) {
			return true
		}
	}
	return false
}
