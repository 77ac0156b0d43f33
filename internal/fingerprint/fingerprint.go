// Package fingerprint provides canonical JSON encoding and domain-separated
// BLAKE3 hashing. Every stable identifier in the gateway (cache keys,
// schema fingerprints, derived correlation ids) is computed here.
package fingerprint

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/zeebo/blake3"
)

// Domain is a 32-byte BLAKE3 key. The same input hashed under two domains
// yields unrelated digests.
type Domain [32]byte

func domain(name string) Domain {
	var d Domain
	copy(d[:], name)
	return d
}

// Hashing domains. Changing a value invalidates every digest in it.
var (
	CacheDomain       = domain("osiris.cache")
	SchemaDomain      = domain("osiris.schema")
	CorrelationDomain = domain("osiris.correlation")
	ArtifactDomain    = domain("osiris.artifact")
	MemoryDomain      = domain("osiris.memory")
)

// Canonical produces a stable byte representation of v: object keys sorted,
// no insignificant whitespace, numbers kept verbatim.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical json marshal: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical json unmarshal: %w", err)
	}

	out, err := json.Marshal(sortKeys(generic))
	if err != nil {
		return nil, fmt.Errorf("canonical json re-marshal: %w", err)
	}
	return out, nil
}

// Sum returns the hex-encoded keyed BLAKE3 digest of data.
func Sum(d Domain, data []byte) string {
	hasher, err := blake3.NewKeyed(d[:])
	if err != nil {
		// Only returned for a wrong key length, which Domain rules out.
		panic("fingerprint: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = hasher.Write(data)
	return hex.EncodeToString(hasher.Sum(nil))
}

// Of canonicalizes v and hashes it under d.
func Of(d Domain, v any) (string, error) {
	canon, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return Sum(d, canon), nil
}

// Short truncates a hex digest to n characters.
func Short(digest string, n int) string {
	if len(digest) <= n {
		return digest
	}
	return digest[:n]
}

func sortKeys(v any) any {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sorted := make(orderedMap, 0, len(val))
		for _, k := range keys {
			sorted = append(sorted, kv{Key: k, Value: sortKeys(val[k])})
		}
		return sorted

	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sortKeys(item)
		}
		return out

	default:
		return val
	}
}

// orderedMap preserves insertion order during JSON marshalling.
type orderedMap []kv

type kv struct {
	Key   string
	Value any
}

func (om orderedMap) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, item := range om {
		if i > 0 {
			buf = append(buf, ',')
		}
		key, err := json.Marshal(item.Key)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(item.Value)
		if err != nil {
			return nil, err
		}
		buf = append(buf, key...)
		buf = append(buf, ':')
		buf = append(buf, val...)
	}
	buf = append(buf, '}')
	return buf, nil
}
