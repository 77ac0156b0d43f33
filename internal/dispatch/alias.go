package dispatch

import "strings"

const legacyPrefix = "osiris"

// legacyAliases are spellings from earlier releases that do not follow
// the generated patterns.
var legacyAliases = map[string]string{
	"discovery.run":     "discovery_request",
	"oml.schema":        "oml_schema_get",
	"connections.check": "connections_doctor",
	"memory.save":       "memory_capture",
}

// buildAliases returns the lookup table for canonical names: each name in
// its underscore, dotted, and prefixed spellings, plus the legacy table.
func buildAliases(canonical []string) map[string]string {
	known := make(map[string]bool, len(canonical))
	table := make(map[string]string, len(canonical)*4+len(legacyAliases)*3)
	add := func(alias, name string) {
		table[strings.ToLower(alias)] = name
	}
	for _, name := range canonical {
		known[name] = true
		dotted := strings.ReplaceAll(name, "_", ".")
		add(name, name)
		add(dotted, name)
		add(legacyPrefix+"."+dotted, name)
		add(legacyPrefix+"_"+name, name)
	}
	for alias, name := range legacyAliases {
		if !known[name] {
			continue
		}
		if _, taken := table[alias]; taken {
			continue
		}
		add(alias, name)
		add(strings.ReplaceAll(alias, ".", "_"), name)
		add(legacyPrefix+"."+alias, name)
		add(legacyPrefix+"_"+strings.ReplaceAll(alias, ".", "_"), name)
	}
	return table
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
