// Package server wires all gateway components and creates the MCP server.
//
// This is the composition root: it builds concrete implementations from
// the configuration and injects them into the tools, prompts and
// resources. No business logic lives here, only wiring.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/keboola/osiris-sub007/internal/audit"
	"github.com/keboola/osiris-sub007/internal/bridge"
	"github.com/keboola/osiris-sub007/internal/cache"
	"github.com/keboola/osiris-sub007/internal/capability"
	"github.com/keboola/osiris-sub007/internal/config"
	"github.com/keboola/osiris-sub007/internal/dispatch"
	"github.com/keboola/osiris-sub007/internal/drafts"
	"github.com/keboola/osiris-sub007/internal/envelope"
	"github.com/keboola/osiris-sub007/internal/guard"
	"github.com/keboola/osiris-sub007/internal/memory"
	"github.com/keboola/osiris-sub007/internal/ops"
	"github.com/keboola/osiris-sub007/internal/prompts"
	"github.com/keboola/osiris-sub007/internal/redact"
	"github.com/keboola/osiris-sub007/internal/resolver"
	"github.com/keboola/osiris-sub007/internal/resources"
	"github.com/keboola/osiris-sub007/internal/telemetry"
	"github.com/keboola/osiris-sub007/internal/tools"
)

// Name is the server name reported to MCP clients.
const Name = "osiris-mcp"

// Version is set at build time via ldflags.
var Version = "dev"

// fallbackTool receives calls whose name matches no tool so that they
// still produce an envelope and a rejection record. It is never listed.
const fallbackTool = "osiris_unrecognized_tool"

// requestedToolMeta carries the original name of a rerouted call.
const requestedToolMeta = "osiris/requested_tool"

// Option customizes New.
type Option func(*options)

type options struct {
	invoker bridge.Invoker
}

// WithInvoker replaces the delegated command runner.
func WithInvoker(inv bridge.Invoker) Option {
	return func(o *options) { o.invoker = inv }
}

// Gateway owns every long-lived component.
type Gateway struct {
	MCP        *server.MCPServer
	Dispatcher *dispatch.Dispatcher
	Telemetry  *telemetry.Recorder
	Memory     *memory.Store
	Cache      *cache.Cache

	cfg     *config.Config
	log     *zap.Logger
	closers []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

// New builds the gateway from a validated configuration. On error every
// component opened so far is closed again.
func New(cfg *config.Config, log *zap.Logger, opts ...Option) (gw *Gateway, err error) {
	if cfg.Root == "" {
		return nil, config.ErrNoRoot
	}
	if log == nil {
		log = zap.NewNop()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	g := &Gateway{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			_ = g.Close()
		}
	}()

	// --- Shared dependencies ---

	registry, err := capability.Load(cfg.CapabilitiesFile)
	if err != nil {
		return nil, fmt.Errorf("loading capabilities: %w", err)
	}
	redactor := redact.New(registry)

	auditLog, err := audit.NewLogger(cfg.AuditDir(), redactor)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	g.onClose("audit", auditLog.Close)

	recorder, err := telemetry.NewRecorder(cfg.TelemetryDir())
	if err != nil {
		return nil, fmt.Errorf("opening telemetry: %w", err)
	}
	g.Telemetry = recorder
	g.onClose("telemetry", recorder.Close)

	discoveryCache, err := cache.Open(cfg.CacheDir(), cfg.Cache.TTL, log.Named("cache"))
	if err != nil {
		return nil, fmt.Errorf("opening discovery cache: %w", err)
	}
	g.Cache = discoveryCache

	memCfg := memory.DefaultConfig(cfg.Root)
	if cfg.Memory.MaxContentLength > 0 {
		memCfg.MaxContentLength = cfg.Memory.MaxContentLength
	}
	if cfg.Memory.DedupeWindow > 0 {
		memCfg.DedupeWindow = cfg.Memory.DedupeWindow
	}
	memStore, err := memory.New(memCfg, redactor, log.Named("memory"))
	if err != nil {
		return nil, fmt.Errorf("opening memory store: %w", err)
	}
	g.Memory = memStore
	g.onClose("memory", memStore.Close)

	res := resolver.New(cfg.Root)

	invoker := o.invoker
	if invoker == nil {
		invoker = bridge.NewExec(bridge.ExecConfig{
			Command:        cfg.Bridge.Command,
			Workdir:        cfg.Bridge.Workdir,
			MaxOutputBytes: cfg.Bridge.MaxOutputBytes,
		})
	}
	br := bridge.New(invoker, cfg.Bridge.Timeout, log.Named("bridge"))

	// --- Dispatcher ---

	catalog := tools.Catalog(tools.Deps{
		Bridge:       br,
		Cache:        discoveryCache,
		CacheTTL:     cfg.Cache.TTL,
		Resolver:     res,
		Capabilities: registry,
		Memory:       memStore,
		Drafts:       drafts.New(cfg.DraftsDir()),
	})
	g.Dispatcher, err = dispatch.New(catalog, dispatch.Options{
		Guard: guard.New(guard.Config{
			PayloadLimit:  cfg.PayloadLimitBytes,
			ConsentTools:  cfg.Consent.RequiredTools,
			RatePerMinute: cfg.RateLimit.PerMinute,
		}),
		Audit:       auditLog,
		Telemetry:   recorder,
		Log:         log.Named("dispatch"),
		CallTimeout: cfg.CallTimeout,
	})
	if err != nil {
		return nil, err
	}

	// --- MCP server ---

	hooks := &server.Hooks{}
	hooks.AddBeforeCallTool(g.canonicalize)

	g.MCP = server.NewMCPServer(
		Name,
		Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithPromptCapabilities(true),
		server.WithRecovery(),
		server.WithResourceRecovery(),
		server.WithHooks(hooks),
		server.WithToolFilter(hideFallback),
		server.WithInstructions(serverInstructions()),
	)

	for _, t := range catalog {
		g.MCP.AddTool(t.Definition(), g.handleTool)
	}
	g.MCP.AddTool(mcp.NewTool(fallbackTool), g.handleTool)

	// --- Prompts ---

	startPrompt := prompts.NewStartPrompt()
	g.MCP.AddPrompt(startPrompt.Definition(), startPrompt.Handle)

	recallPrompt := prompts.NewRecallPrompt()
	g.MCP.AddPrompt(recallPrompt.Definition(), recallPrompt.Handle)

	// --- Resources ---

	resourceHandler := resources.NewHandler(res, discoveryCache)
	for _, r := range resourceHandler.IndexResources() {
		g.MCP.AddResource(r, resourceHandler.HandleIndex)
	}
	for _, tmpl := range resourceHandler.Templates() {
		g.MCP.AddResourceTemplate(tmpl, resourceHandler.HandleRead)
	}

	log.Info("gateway ready",
		zap.String("root", cfg.Root),
		zap.Strings("tools", g.Dispatcher.Tools()),
		zap.String("command", cfg.Bridge.Command),
	)
	return g, nil
}

// canonicalize rewrites aliases to canonical names before mcp-go looks
// the tool up, and routes unknown names to the fallback tool.
func (g *Gateway) canonicalize(_ context.Context, _ any, req *mcp.CallToolRequest) {
	if canonical, ok := g.Dispatcher.Resolve(req.Params.Name); ok {
		req.Params.Name = canonical
		return
	}
	if req.Params.Meta == nil {
		req.Params.Meta = &mcp.Meta{}
	}
	if req.Params.Meta.AdditionalFields == nil {
		req.Params.Meta.AdditionalFields = map[string]any{}
	}
	req.Params.Meta.AdditionalFields[requestedToolMeta] = req.Params.Name
	req.Params.Name = fallbackTool
}

func hideFallback(_ context.Context, list []mcp.Tool) []mcp.Tool {
	out := make([]mcp.Tool, 0, len(list))
	for _, t := range list {
		if t.Name != fallbackTool {
			out = append(out, t)
		}
	}
	return out
}

// handleTool is the single mcp-go handler for every tool. The envelope is
// returned as JSON text and as structured content.
func (g *Gateway) handleTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := req.Params.Name
	var requestID string
	if meta := req.Params.Meta; meta != nil {
		if original, ok := meta.AdditionalFields[requestedToolMeta].(string); ok && name == fallbackTool {
			name = original
		}
		requestID, _ = meta.AdditionalFields[dispatch.RequestIDArg].(string)
	}

	env := g.Dispatcher.Call(ctx, dispatch.Request{
		ToolName:  name,
		Arguments: req.GetArguments(),
		RequestID: requestID,
	})
	return toolResult(env)
}

func toolResult(env *envelope.Envelope) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	result := mcp.NewToolResultStructured(env, string(data))
	result.IsError = !env.OK()
	return result, nil
}

// ReadinessChecks are the checks served on /readyz.
func (g *Gateway) ReadinessChecks() map[string]ops.Check {
	return map[string]ops.Check{
		"memory": g.Memory.Ping,
		"root": func(context.Context) error {
			info, err := os.Stat(g.cfg.Root)
			if err != nil {
				return err
			}
			if !info.IsDir() {
				return fmt.Errorf("%s is not a directory", g.cfg.Root)
			}
			return nil
		},
	}
}

// OpsOptions returns the ops router options for this gateway.
func (g *Gateway) OpsOptions() ops.Options {
	return ops.Options{
		Gatherer: g.Telemetry.Registry(),
		Stats:    g.Telemetry,
		Checks:   g.ReadinessChecks(),
		Log:      g.log.Named("ops"),
	}
}

// Close flushes and closes every component in reverse order of opening.
// It is safe to call more than once.
func (g *Gateway) Close() error {
	var errs []error
	for i := len(g.closers) - 1; i >= 0; i-- {
		c := g.closers[i]
		if err := c.close(); err != nil {
			g.log.Warn("close failed", zap.String("component", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	g.closers = nil
	return errors.Join(errs...)
}

func (g *Gateway) onClose(name string, fn func() error) {
	g.closers = append(g.closers, namedCloser{name: name, close: fn})
}

// serverInstructions tells the AI how to use the gateway.
func serverInstructions() string {
	return `You have access to Osiris, a gateway to data connections and pipeline tooling.

## How tools respond
Every tool returns one JSON envelope:
- status "success" with a result object, or status "error" with an error object
  carrying code, family, message and retryable.
- _meta.correlation_id identifies the call. Pass request_id to keep it stable
  across retries.

Large discovery artifacts are not inlined. discovery_request returns
osiris://mcp/discovery/... URIs: read them as resources.

## Typical flow
1. connections_list, then connections_doctor for the connection you need
2. discovery_request to learn tables and columns (cached; use_cache=false to refresh)
3. oml_schema_get, then draft the pipeline
4. oml_validate, fix diagnostics, then oml_save

## Memory
memory_capture stores notes about this session. It requires consent=true,
which you may only pass after the user has agreed. memory_search finds
earlier notes.

## Errors
- POLICY errors (consent, payload size, rate limit) are never retryable as-is.
- CONN errors with retryable=true can be retried.
- SEMANTIC errors mean the arguments referenced something that does not exist.`
}
