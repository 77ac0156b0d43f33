// Package bridge delegates privileged work to an external command.
//
// The gateway process never reads connection configuration or secrets.
// Every operation that needs them runs "<command> mcp <subcommand> ...
// --json" as a child process and sees only what that child prints. Run
// classifies the outcome onto the error taxonomy.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/keboola/osiris-sub007/internal/errcode"
	"github.com/keboola/osiris-sub007/internal/redact"
	"github.com/keboola/osiris-sub007/internal/telemetry"
)

// DefaultTimeout bounds one delegated invocation.
const DefaultTimeout = 30 * time.Second

const stderrDetailBytes = 2048

// Invocation is one delegated call: the tool it serves, the arguments
// after the leading verb, and optional stdin.
type Invocation struct {
	Tool  string
	Args  []string
	Stdin []byte
}

// Result is the raw outcome of running an Invocation.
type Result struct {
	ExitCode  int
	Stdout    []byte
	Stderr    []byte
	Duration  time.Duration
	Truncated bool
}

// Invoker runs invocations. Exec is the production implementation; tests
// substitute fakes.
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) (*Result, error)
}

// Bridge applies the per-invocation timeout and classifies results.
type Bridge struct {
	invoker Invoker
	timeout time.Duration
	log     *zap.Logger
}

// New returns a Bridge over invoker.
func New(invoker Invoker, timeout time.Duration, log *zap.Logger) *Bridge {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{invoker: invoker, timeout: timeout, log: log}
}

// Run invokes inv and returns its structured output. A JSON array on
// stdout is wrapped as {"items": [...]}.
func (b *Bridge) Run(ctx context.Context, inv Invocation) (map[string]any, error) {
	runCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	res, err := b.invoker.Invoke(runCtx, inv)
	if res != nil {
		telemetry.NoteExit(ctx, res.ExitCode)
		b.log.Debug("delegated command finished",
			zap.String("tool", inv.Tool),
			zap.Int("exit_code", res.ExitCode),
			zap.Duration("duration", res.Duration),
			zap.Int("stdout_bytes", len(res.Stdout)),
		)
	}
	if err != nil {
		return nil, b.classifyRunError(ctx, runCtx, inv, err)
	}
	if res.Truncated {
		return nil, errcode.New(errcode.DelegationFailed, "output exceeded the capture limit").
			WithDetail("exit_code", res.ExitCode).
			WithDetail("tool", inv.Tool)
	}
	if res.ExitCode == 0 {
		out, ok := parseOutput(res.Stdout)
		if !ok {
			return nil, errcode.New(errcode.DelegationFailed, "unparseable output").
				WithDetail("exit_code", 0).
				WithDetail("tool", inv.Tool).
				WithDetail("stderr", tail(res.Stderr))
		}
		return out, nil
	}
	return nil, classifyFailure(inv, res)
}

func (b *Bridge) classifyRunError(parent, runCtx context.Context, inv Invocation, err error) error {
	var e *errcode.Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(parent.Err(), context.Canceled):
		return errcode.Wrap(errcode.Canceled, err, "call canceled").
			WithDetail("tool", inv.Tool)
	case errors.Is(parent.Err(), context.DeadlineExceeded):
		return errcode.Wrap(errcode.Timeout, err, "call deadline").
			WithDetail("scope", "call").
			WithDetail("tool", inv.Tool)
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		b.log.Warn("delegated command timed out",
			zap.String("tool", inv.Tool),
			zap.Duration("timeout", b.timeout),
		)
		return errcode.Wrap(errcode.Timeout, err, b.timeout.String()).
			WithDetail("scope", "bridge").
			WithDetail("timeout_ms", b.timeout.Milliseconds()).
			WithDetail("tool", inv.Tool)
	}
	return errcode.Wrap(errcode.DelegationFailed, err, err.Error()).
		WithDetail("tool", inv.Tool)
}

// remoteError is the structured error the delegated command prints.
type remoteError struct {
	Error *struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Detail  map[string]any `json:"detail"`
	} `json:"error"`
}

func classifyFailure(inv Invocation, res *Result) error {
	for _, stream := range [][]byte{res.Stdout, res.Stderr} {
		re, ok := parseRemoteError(stream)
		if !ok {
			continue
		}
		if errcode.Known(re.Code) {
			e := errcode.Raw(errcode.Code(re.Code), re.Message)
			for k, v := range re.Detail {
				e.WithDetail(k, v)
			}
			return e.WithDetail("exit_code", res.ExitCode)
		}
		return errcode.New(errcode.DelegationFailed, re.Message).
			WithDetail("exit_code", res.ExitCode).
			WithDetail("remote_code", re.Code).
			WithDetail("tool", inv.Tool)
	}
	reason := fmt.Sprintf("exit status %d", res.ExitCode)
	return errcode.New(errcode.DelegationFailed, reason).
		WithDetail("exit_code", res.ExitCode).
		WithDetail("tool", inv.Tool).
		WithDetail("stderr", tail(res.Stderr))
}

type parsedRemote struct {
	Code    string
	Message string
	Detail  map[string]any
}

func parseRemoteError(data []byte) (parsedRemote, bool) {
	for _, candidate := range candidates(data) {
		var re remoteError
		if err := json.Unmarshal(candidate, &re); err != nil || re.Error == nil || re.Error.Code == "" {
			continue
		}
		msg := re.Error.Message
		if msg == "" {
			msg = re.Error.Code
		}
		return parsedRemote{Code: re.Error.Code, Message: redact.Text(msg), Detail: re.Error.Detail}, true
	}
	return parsedRemote{}, false
}

// parseOutput accepts a JSON object or array, either as the whole output
// or as its last non-empty line.
func parseOutput(data []byte) (map[string]any, bool) {
	for _, candidate := range candidates(data) {
		var v any
		dec := json.NewDecoder(bytes.NewReader(candidate))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil || dec.More() {
			continue
		}
		switch val := v.(type) {
		case map[string]any:
			return val, true
		case []any:
			return map[string]any{"items": val}, true
		}
	}
	return nil, false
}

func candidates(data []byte) [][]byte {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}
	out := [][]byte{data}
	if i := bytes.LastIndexByte(data, '\n'); i >= 0 {
		if last := bytes.TrimSpace(data[i+1:]); len(last) > 0 {
			out = append(out, last)
		}
	}
	return out
}

// tail returns the redacted end of a stderr capture.
func tail(stderr []byte) string {
	s := strings.TrimSpace(string(stderr))
	if len(s) > stderrDetailBytes {
		s = s[len(s)-stderrDetailBytes:]
	}
	return redact.Text(s)
}
