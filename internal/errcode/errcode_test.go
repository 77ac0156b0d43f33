package errcode

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestAll_EveryCodeHasOneKnownFamily(t *testing.T) {
	families := map[Family]bool{
		FamilySchema: true, FamilySemantic: true, FamilyDiscovery: true,
		FamilyLint: true, FamilyPolicy: true, FamilyConnectivity: true,
	}
	seen := map[Code]bool{}
	for _, d := range All() {
		if !families[d.Family] {
			t.Errorf("code %s has unknown family %q", d.Code, d.Family)
		}
		if seen[d.Code] {
			t.Errorf("code %s listed twice", d.Code)
		}
		seen[d.Code] = true
		if d.Template == "" || d.Name == "" {
			t.Errorf("code %s missing name or template", d.Code)
		}
	}
}

func TestAll_CodePrefixMatchesFamily(t *testing.T) {
	prefixes := map[Family]string{
		FamilySchema:       "SCHEMA/",
		FamilySemantic:     "SEMANTIC/",
		FamilyDiscovery:    "DISCOVERY/",
		FamilyLint:         "LINT/",
		FamilyPolicy:       "POLICY/",
		FamilyConnectivity: "CONN/",
	}
	for _, d := range All() {
		if !strings.HasPrefix(string(d.Code), prefixes[d.Family]) {
			t.Errorf("code %s does not carry the %s prefix", d.Code, prefixes[d.Family])
		}
	}
}

func TestNew_FillsTemplate(t *testing.T) {
	e := New(PayloadTooLarge, 20, 16)
	if e.Message != "payload of 20 bytes exceeds the 16 byte limit" {
		t.Errorf("Message = %q", e.Message)
	}
	if e.Family() != FamilyPolicy {
		t.Errorf("Family = %s, want policy", e.Family())
	}
	if e.Retryable() {
		t.Error("payload_too_large should not be retryable")
	}
}

func TestNew_UnregisteredCodeBecomesInternal(t *testing.T) {
	e := New(Code("BOGUS/1"))
	if e.Code != Internal {
		t.Errorf("Code = %s, want %s", e.Code, Internal)
	}
}

func TestFrom(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"taxonomy passthrough", New(ConsentRequired, "memory_capture"), ConsentRequired},
		{"wrapped taxonomy", fmt.Errorf("outer: %w", New(RateLimited, "x")), RateLimited},
		{"deadline", context.DeadlineExceeded, Timeout},
		{"canceled", context.Canceled, Canceled},
		{"plain", errors.New("boom"), Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := From(tt.err).Code; got != tt.want {
				t.Errorf("From(%v).Code = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
	if From(nil) != nil {
		t.Error("From(nil) should be nil")
	}
}

func TestFrom_InternalMessageIsFixed(t *testing.T) {
	cause := errors.New("open /var/lib/osiris/memory.db: permission denied")
	e := From(fmt.Errorf("memory: %w", cause))
	if e.Code != Internal {
		t.Fatalf("Code = %s", e.Code)
	}
	if strings.Contains(e.Message, "/var/lib") || strings.Contains(e.Error(), "/var/lib") {
		t.Errorf("message leaks the cause: %q", e.Message)
	}
	if !errors.Is(e, cause) {
		t.Error("cause should stay reachable for logging")
	}
}

func TestWrap_KeepsCause(t *testing.T) {
	cause := errors.New("disk full")
	e := Wrap(CacheUnavailable, cause, "write")
	if !errors.Is(e, cause) {
		t.Error("errors.Is should find the cause")
	}
	e.WithDetail("path", "/tmp/x")
	if e.Detail["path"] != "/tmp/x" {
		t.Errorf("Detail = %v", e.Detail)
	}
}

func TestKnown(t *testing.T) {
	if !Known("CONN/CONN001") {
		t.Error("CONN/CONN001 should be known")
	}
	if Known("CONN/CONN777") {
		t.Error("CONN/CONN777 should not be known")
	}
}

func TestRaw(t *testing.T) {
	e := Raw(UnknownConnection, "no such connection @mysql.nope")
	if e.Code != UnknownConnection || e.Message != "no such connection @mysql.nope" {
		t.Errorf("Raw = %+v", e)
	}
	if Raw(Code("X/1"), "m").Code != Internal {
		t.Error("unregistered code should become internal")
	}
}
