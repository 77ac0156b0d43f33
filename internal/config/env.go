package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Environment variables, one per configuration key.
const (
	EnvRoot             = "OSIRIS_MCP_ROOT"
	EnvPayloadLimit     = "OSIRIS_MCP_PAYLOAD_LIMIT_BYTES"
	EnvCallTimeout      = "OSIRIS_MCP_CALL_TIMEOUT"
	EnvCacheTTL         = "OSIRIS_MCP_CACHE_TTL"
	EnvConsentTools     = "OSIRIS_MCP_CONSENT_TOOLS"
	EnvCommand          = "OSIRIS_MCP_COMMAND"
	EnvWorkdir          = "OSIRIS_MCP_WORKDIR"
	EnvBridgeTimeout    = "OSIRIS_MCP_BRIDGE_TIMEOUT"
	EnvMaxOutputBytes   = "OSIRIS_MCP_MAX_OUTPUT_BYTES"
	EnvRateLimit        = "OSIRIS_MCP_RATE_LIMIT"
	EnvCapabilitiesFile = "OSIRIS_MCP_CAPABILITIES"
	EnvLogLevel         = "OSIRIS_MCP_LOG_LEVEL"
	EnvOpsAddr          = "OSIRIS_MCP_OPS_ADDR"
	EnvOTLPEndpoint     = "OSIRIS_MCP_OTLP_ENDPOINT"
)

type lookupFunc func(key string) (string, bool)

// applyEnv overlays every set, non-empty variable onto c. Malformed
// values are errors rather than silent fallbacks.
func (c *Config) applyEnv(lookup lookupFunc) error {
	e := envReader{lookup: lookup}
	e.str(EnvRoot, &c.Root)
	e.int(EnvPayloadLimit, &c.PayloadLimitBytes)
	e.duration(EnvCallTimeout, &c.CallTimeout)
	e.duration(EnvCacheTTL, &c.Cache.TTL)
	e.list(EnvConsentTools, &c.Consent.RequiredTools)
	e.str(EnvCommand, &c.Bridge.Command)
	e.str(EnvWorkdir, &c.Bridge.Workdir)
	e.duration(EnvBridgeTimeout, &c.Bridge.Timeout)
	e.int(EnvMaxOutputBytes, &c.Bridge.MaxOutputBytes)
	e.int(EnvRateLimit, &c.RateLimit.PerMinute)
	e.str(EnvCapabilitiesFile, &c.CapabilitiesFile)
	e.str(EnvLogLevel, &c.Log.Level)
	e.str(EnvOpsAddr, &c.Ops.Addr)
	e.str(EnvOTLPEndpoint, &c.Tracing.OTLPEndpoint)
	return e.err
}

type envReader struct {
	lookup lookupFunc
	err    error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	v, ok := e.get(key)
	if !ok || e.err != nil {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.err = fmt.Errorf("config: %s=%q is not an integer", key, v)
		return
	}
	*dst = n
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.get(key)
	if !ok || e.err != nil {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.err = fmt.Errorf("config: %s=%q is not a duration", key, v)
		return
	}
	*dst = d
}

func (e *envReader) list(key string, dst *[]string) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}
