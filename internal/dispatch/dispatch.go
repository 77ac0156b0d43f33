// Package dispatch is the single entry point for tool calls. It resolves
// the canonical tool, runs the guards, invokes the handler under the call
// timeout, and always returns a response envelope with its metadata
// stamped. Every call, rejected or not, produces one audit and one
// telemetry record.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/keboola/osiris-sub007/internal/audit"
	"github.com/keboola/osiris-sub007/internal/envelope"
	"github.com/keboola/osiris-sub007/internal/errcode"
	"github.com/keboola/osiris-sub007/internal/fingerprint"
	"github.com/keboola/osiris-sub007/internal/guard"
	"github.com/keboola/osiris-sub007/internal/telemetry"
	"github.com/keboola/osiris-sub007/internal/tools"
)

// DefaultCallTimeout bounds one call end to end.
const DefaultCallTimeout = 60 * time.Second

// RequestIDArg is the argument a caller may use to make its correlation id
// stable across retries.
const RequestIDArg = "request_id"

const tracerName = "github.com/keboola/osiris-sub007/internal/dispatch"

// unknownToolLabel replaces unrecognized names in metric labels.
const unknownToolLabel = "unknown"

// Request is one incoming call. Dispatch never mutates it.
type Request struct {
	ToolName  string
	Arguments map[string]any
	RequestID string
}

// Options are the dispatcher's collaborators. Guard is required; the rest
// default to no-ops.
type Options struct {
	Guard       *guard.Guard
	Audit       *audit.Logger
	Telemetry   *telemetry.Recorder
	Tracer      trace.Tracer
	Log         *zap.Logger
	CallTimeout time.Duration
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	tools     map[string]tools.Tool
	aliases   map[string]string
	guard     *guard.Guard
	audit     *audit.Logger
	telemetry *telemetry.Recorder
	tracer    trace.Tracer
	log       *zap.Logger
	timeout   time.Duration
	now       func() time.Time
}

// New registers catalog and compiles each tool's argument schema into the
// guard.
func New(catalog []tools.Tool, opts Options) (*Dispatcher, error) {
	if opts.Guard == nil {
		return nil, errors.New("dispatch: guard is required")
	}
	d := &Dispatcher{
		tools:     make(map[string]tools.Tool, len(catalog)),
		guard:     opts.Guard,
		audit:     opts.Audit,
		telemetry: opts.Telemetry,
		tracer:    opts.Tracer,
		log:       opts.Log,
		timeout:   opts.CallTimeout,
		now:       time.Now,
	}
	if d.tracer == nil {
		d.tracer = otel.Tracer(tracerName)
	}
	if d.log == nil {
		d.log = zap.NewNop()
	}
	if d.timeout <= 0 {
		d.timeout = DefaultCallTimeout
	}

	names := make([]string, 0, len(catalog))
	for _, t := range catalog {
		def := t.Definition()
		if _, dup := d.tools[def.Name]; dup {
			return nil, fmt.Errorf("dispatch: tool %s registered twice", def.Name)
		}
		schema, err := json.Marshal(tools.InputSchema(def))
		if err != nil {
			return nil, fmt.Errorf("dispatch: schema for %s: %w", def.Name, err)
		}
		if err := d.guard.RegisterSchema(def.Name, schema); err != nil {
			return nil, fmt.Errorf("dispatch: %w", err)
		}
		d.tools[def.Name] = t
		names = append(names, def.Name)
	}
	d.aliases = buildAliases(names)
	return d, nil
}

// Tools lists the canonical names, sorted.
func (d *Dispatcher) Tools() []string {
	out := make([]string, 0, len(d.tools))
	for name := range d.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Resolve maps any accepted spelling of a tool name to its canonical name.
func (d *Dispatcher) Resolve(name string) (string, bool) {
	canonical, ok := d.aliases[normalizeName(name)]
	return canonical, ok
}

// Call runs one tool call. It never panics and never returns a bare error:
// every outcome is an envelope with _meta set.
func (d *Dispatcher) Call(ctx context.Context, req Request) (env *envelope.Envelope) {
	start := d.now()
	requestID := req.RequestID
	if requestID == "" {
		requestID, _ = req.Arguments[RequestIDArg].(string)
	}
	corr := envelope.CorrelationID(requestID)
	canonical, known := d.Resolve(req.ToolName)

	spanName := "tool_call " + canonical
	if !known {
		spanName = "tool_call " + unknownToolLabel
	}
	ctx, span := d.tracer.Start(ctx, spanName, trace.WithAttributes(
		attribute.String("osiris.tool", canonical),
		attribute.String("osiris.requested_as", req.ToolName),
		attribute.String("osiris.correlation_id", corr),
	))
	defer span.End()
	ctx, call := telemetry.WithCall(ctx)

	args := copyArgs(req.Arguments)
	event := audit.EventToolCall
	bytesIn, sizeErr := payloadSize(args)

	finishing := false
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("dispatch panicked",
				zap.String("tool", canonical),
				zap.String("correlation_id", corr),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			env = envelope.Failure(errcode.New(errcode.Internal, "unexpected failure"))
			if finishing {
				env.Meta = envelope.Meta{CorrelationID: corr, BytesIn: bytesIn, BytesOut: env.BodySize(), Tool: canonical}
				return
			}
			d.finish(env, finishInfo{start, corr, canonical, req.ToolName, event, bytesIn, args, call, span})
		}
	}()

	var (
		result map[string]any
		err    error
	)
	switch {
	case sizeErr != nil:
		event = audit.EventRejected
		err = sizeErr
	case !known:
		event = audit.EventRejected
		err = errcode.New(errcode.UnknownTool, req.ToolName).WithDetail("tool", req.ToolName)
	default:
		if err = d.guard.Check(canonical, args, bytesIn); err != nil {
			event = audit.EventRejected
		} else {
			result, err = d.invoke(ctx, canonical, copyArgs(args))
		}
	}

	if err != nil {
		env = envelope.Failure(err)
		if env.Error.Code == string(errcode.Internal) {
			d.log.Error("tool call failed",
				zap.String("tool", canonical),
				zap.String("correlation_id", corr),
				zap.Error(err),
				zap.NamedError("cause", errors.Unwrap(err)),
			)
		}
	} else {
		env = envelope.Success(result)
	}
	finishing = true
	d.finish(env, finishInfo{start, corr, canonical, req.ToolName, event, bytesIn, args, call, span})
	return env
}

// invoke runs the handler under the call timeout. A handler that ignores
// cancellation is abandoned; its result is dropped.
func (d *Dispatcher) invoke(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	type outcome struct {
		result map[string]any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.log.Error("tool handler panicked",
					zap.String("tool", name),
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
				done <- outcome{err: errcode.New(errcode.Internal, "tool handler failed").WithDetail("tool", name)}
			}
		}()
		res, err := d.tools[name].Handle(callCtx, tools.Args(args))
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, errcode.Wrap(errcode.Canceled, ctx.Err(), "call canceled by the client").
				WithDetail("tool", name)
		}
		return nil, errcode.New(errcode.Timeout, d.timeout.String()).
			WithDetail("scope", "call").
			WithDetail("timeout_ms", d.timeout.Milliseconds()).
			WithDetail("tool", name)
	}
}

type finishInfo struct {
	start       time.Time
	corr        string
	canonical   string
	requestedAs string
	event       string
	bytesIn     int
	args        map[string]any
	call        *telemetry.Call
	span        trace.Span
}

// finish stamps _meta and writes the audit and telemetry records.
func (d *Dispatcher) finish(env *envelope.Envelope, fi finishInfo) {
	duration := d.now().Sub(fi.start)
	env.Meta = envelope.Meta{
		CorrelationID: fi.corr,
		DurationMS:    duration.Milliseconds(),
		BytesIn:       fi.bytesIn,
		BytesOut:      env.BodySize(),
		Tool:          fi.canonical,
	}

	status := string(env.Status)
	var code string
	if env.Error != nil {
		code = env.Error.Code
		fi.span.SetStatus(codes.Error, env.Error.Message)
		fi.span.SetAttributes(attribute.String("osiris.error_code", code))
	} else {
		fi.span.SetStatus(codes.Ok, "")
	}
	fi.span.SetAttributes(
		attribute.String("osiris.status", status),
		attribute.Int("osiris.bytes_in", env.Meta.BytesIn),
		attribute.Int("osiris.bytes_out", env.Meta.BytesOut),
	)

	toolLabel := fi.canonical
	if toolLabel == "" {
		toolLabel = unknownToolLabel
	}

	if d.audit != nil {
		err := d.audit.Record(audit.Entry{
			Event:         fi.event,
			CorrelationID: fi.corr,
			Tool:          toolLabel,
			RequestedAs:   fi.requestedAs,
			Status:        status,
			ErrorCode:     code,
			DurationMS:    env.Meta.DurationMS,
			BytesIn:       env.Meta.BytesIn,
			BytesOut:      env.Meta.BytesOut,
			Arguments:     fi.args,
			OmitArguments: code == string(errcode.PayloadTooLarge),
		})
		if err != nil {
			d.log.Warn("audit record failed", zap.String("correlation_id", fi.corr), zap.Error(err))
		}
	}
	if d.telemetry != nil {
		err := d.telemetry.Record(telemetry.Record{
			Event:         fi.event,
			CorrelationID: fi.corr,
			Tool:          toolLabel,
			Status:        status,
			ErrorCode:     code,
			DurationMS:    env.Meta.DurationMS,
			BytesIn:       env.Meta.BytesIn,
			BytesOut:      env.Meta.BytesOut,
			CacheHit:      fi.call.CacheHit(),
			ExitCode:      fi.call.ExitCode(),
		})
		if err != nil {
			d.log.Warn("telemetry record failed", zap.String("correlation_id", fi.corr), zap.Error(err))
		}
	}

	d.log.Debug("tool call",
		zap.String("tool", toolLabel),
		zap.String("requested_as", fi.requestedAs),
		zap.String("correlation_id", fi.corr),
		zap.String("status", status),
		zap.String("error_code", code),
		zap.Duration("duration", duration),
	)
}

// payloadSize is the length of the canonical JSON of args; empty or nil
// arguments count as "{}".
func payloadSize(args map[string]any) (int, error) {
	if len(args) == 0 {
		return 2, nil
	}
	canon, err := fingerprint.Canonical(args)
	if err != nil {
		return 0, errcode.Wrap(errcode.InvalidArgs, err, "arguments are not JSON-encodable")
	}
	return len(canon), nil
}

// copyArgs deep-copies the JSON-shaped parts of args.
func copyArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return copyArgs(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	default:
		return val
	}
}
