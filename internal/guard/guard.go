// Package guard holds the checks every call passes before its handler
// runs: payload size, consent, rate and argument schema, in that order.
package guard

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/time/rate"

	"github.com/keboola/osiris-sub007/internal/errcode"
)

// DefaultPayloadLimit is the request ceiling when none is configured.
const DefaultPayloadLimit = 16 << 20

// ConsentTool is the tool that always requires consent.
const ConsentTool = "memory_capture"

// Config configures a Guard.
type Config struct {
	PayloadLimit  int
	ConsentTools  []string
	RatePerMinute int
}

// Guard is safe for concurrent use once every schema is registered.
type Guard struct {
	limit     int
	consent   map[string]bool
	perMinute int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	schemas map[string]*jsonschema.Schema
}

// New builds a Guard. The consent tool is always included.
func New(cfg Config) *Guard {
	g := &Guard{
		limit:     cfg.PayloadLimit,
		consent:   map[string]bool{ConsentTool: true},
		perMinute: cfg.RatePerMinute,
		limiters:  make(map[string]*rate.Limiter),
		schemas:   make(map[string]*jsonschema.Schema),
	}
	if g.limit <= 0 {
		g.limit = DefaultPayloadLimit
	}
	for _, t := range cfg.ConsentTools {
		if t = strings.TrimSpace(t); t != "" {
			g.consent[t] = true
		}
	}
	return g
}

// PayloadLimit returns the configured ceiling in bytes.
func (g *Guard) PayloadLimit() int { return g.limit }

// RequiresConsent reports whether tool is consent-gated.
func (g *Guard) RequiresConsent(tool string) bool { return g.consent[tool] }

// RegisterSchema compiles the JSON Schema for tool's arguments. It must be
// called before the Guard is shared.
func (g *Guard) RegisterSchema(tool string, schema []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schema))
	if err != nil {
		return fmt.Errorf("decoding schema for %s: %w", tool, err)
	}
	url := "mem://tools/" + tool + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return fmt.Errorf("adding schema for %s: %w", tool, err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("compiling schema for %s: %w", tool, err)
	}
	g.schemas[tool] = sch
	return nil
}

// Check runs every guard in order and returns the first failure.
func (g *Guard) Check(tool string, args map[string]any, payloadBytes int) error {
	if err := g.CheckPayloadSize(payloadBytes); err != nil {
		return err
	}
	if err := g.CheckConsent(tool, args); err != nil {
		return err
	}
	if err := g.CheckRate(tool); err != nil {
		return err
	}
	return g.ValidateArguments(tool, args)
}

// CheckPayloadSize rejects payloads above the ceiling.
func (g *Guard) CheckPayloadSize(n int) error {
	if n > g.limit {
		return errcode.New(errcode.PayloadTooLarge, n, g.limit).
			WithDetail("size_bytes", n).
			WithDetail("limit_bytes", g.limit)
	}
	return nil
}

// CheckConsent requires args["consent"] to be the boolean true for gated
// tools. Missing, false, strings and numbers all fail.
func (g *Guard) CheckConsent(tool string, args map[string]any) error {
	if !g.consent[tool] {
		return nil
	}
	if v, ok := args["consent"].(bool); ok && v {
		return nil
	}
	return errcode.New(errcode.ConsentRequired, tool).WithDetail("tool", tool)
}

// CheckRate takes one token from tool's bucket. A zero rate disables it.
func (g *Guard) CheckRate(tool string) error {
	if g.perMinute <= 0 {
		return nil
	}
	if !g.limiter(tool).Allow() {
		return errcode.New(errcode.RateLimited, tool).
			WithDetail("tool", tool).
			WithDetail("per_minute", g.perMinute)
	}
	return nil
}

func (g *Guard) limiter(tool string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	lim, ok := g.limiters[tool]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(g.perMinute)/60), g.perMinute)
		g.limiters[tool] = lim
	}
	return lim
}

// ValidateArguments checks args against tool's registered schema. Tools
// without a schema accept anything.
func (g *Guard) ValidateArguments(tool string, args map[string]any) error {
	sch, ok := g.schemas[tool]
	if !ok {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return errcode.Wrap(errcode.InvalidArgs, err, err.Error())
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return errcode.Wrap(errcode.InvalidArgs, err, err.Error())
	}
	if err := sch.Validate(inst); err != nil {
		found := violations(err.Error())
		reason := firstLine(err.Error())
		if len(found) > 0 {
			reason = strings.Join(found, "; ")
		}
		return errcode.Wrap(errcode.InvalidArgs, err, reason).
			WithDetail("tool", tool).
			WithDetail("violations", found)
	}
	return nil
}

// violations flattens the validator's indented report into one entry per
// failing location.
func violations(report string) []string {
	lines := strings.Split(report, "\n")
	var out []string
	for _, line := range lines[1:] {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "- ")
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
