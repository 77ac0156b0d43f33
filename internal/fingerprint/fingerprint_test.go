package fingerprint

import (
	"testing"
)

func TestCanonical_SortsKeysRecursively(t *testing.T) {
	in := map[string]any{
		"b": 1,
		"a": map[string]any{"z": true, "y": []any{map[string]any{"d": 1, "c": 2}}},
	}
	got, err := Canonical(in)
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	want := `{"a":{"y":[{"c":2,"d":1}],"z":true},"b":1}`
	if string(got) != want {
		t.Errorf("Canonical = %s, want %s", got, want)
	}
}

func TestCanonical_EmptyMap(t *testing.T) {
	got, err := Canonical(map[string]any{})
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	if string(got) != "{}" {
		t.Errorf("Canonical(empty) = %s, want {}", got)
	}
}

func TestCanonical_KeepsIntegersVerbatim(t *testing.T) {
	got, err := Canonical(map[string]any{"samples": 10, "ratio": 0.5})
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	if string(got) != `{"ratio":0.5,"samples":10}` {
		t.Errorf("Canonical = %s", got)
	}
}

func TestOf_OrderIndependent(t *testing.T) {
	a, err := Of(CacheDomain, map[string]any{"x": 1, "y": "two"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := Of(CacheDomain, map[string]any{"y": "two", "x": 1})
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("digests differ: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("digest length = %d, want 64", len(a))
	}
}

func TestSum_DomainSeparation(t *testing.T) {
	data := []byte("same input")
	if Sum(CacheDomain, data) == Sum(SchemaDomain, data) {
		t.Error("different domains should produce different digests")
	}
}

func TestShort(t *testing.T) {
	if got := Short("abcdef", 4); got != "abcd" {
		t.Errorf("Short = %s", got)
	}
	if got := Short("ab", 4); got != "ab" {
		t.Errorf("Short = %s", got)
	}
}
