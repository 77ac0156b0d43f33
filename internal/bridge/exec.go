package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/keboola/osiris-sub007/internal/errcode"
)

// Verb is the fixed leading argument of every delegated invocation.
const Verb = "mcp"

const (
	// DefaultMaxOutput caps captured stdout.
	DefaultMaxOutput = 32 << 20
	stderrTail       = 64 << 10
	waitDelay        = 2 * time.Second
)

// ExecConfig configures Exec.
type ExecConfig struct {
	Command        string
	Workdir        string
	MaxOutputBytes int
}

// Exec runs the delegated command as a child process in its own process
// group. The child inherits the gateway's environment and resolves any
// secrets itself.
type Exec struct {
	command   string
	workdir   string
	maxOutput int
	lookPath  func(string) (string, error)
}

// NewExec returns an Exec for cfg.
func NewExec(cfg ExecConfig) *Exec {
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutput
	}
	return &Exec{
		command:   cfg.Command,
		workdir:   cfg.Workdir,
		maxOutput: cfg.MaxOutputBytes,
		lookPath:  exec.LookPath,
	}
}

// Argv returns the full argument vector for inv, command first.
func (e *Exec) Argv(inv Invocation) []string {
	argv := make([]string, 0, len(inv.Args)+3)
	argv = append(argv, e.command, Verb)
	argv = append(argv, inv.Args...)
	for _, a := range inv.Args {
		if a == "--json" {
			return argv
		}
	}
	return append(argv, "--json")
}

// Invoke runs inv to completion. A non-zero exit is not an error; it is
// reported in Result.ExitCode. Errors mean the process could not be run
// or was stopped by ctx.
func (e *Exec) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	path, err := e.lookPath(e.command)
	if err != nil {
		return nil, errcode.Wrap(errcode.CommandUnavailable, err, e.command).
			WithDetail("command", e.command)
	}
	argv := e.Argv(inv)

	cmd := exec.CommandContext(ctx, path, argv[1:]...)
	cmd.Dir = e.workdir
	stdout := &capBuffer{max: e.maxOutput}
	stderr := &tailBuffer{max: stderrTail}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if len(inv.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(inv.Stdin)
	}
	configureProcess(cmd)
	cmd.WaitDelay = waitDelay

	start := time.Now()
	runErr := cmd.Run()
	res := &Result{
		ExitCode:  0,
		Stdout:    stdout.Bytes(),
		Stderr:    stderr.Bytes(),
		Duration:  time.Since(start),
		Truncated: stdout.truncated,
	}
	if runErr == nil {
		return res, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		res.ExitCode = -1
		return res, ctxErr
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	if errors.Is(runErr, exec.ErrWaitDelay) {
		return res, nil
	}
	return nil, errcode.Wrap(errcode.CommandUnavailable, runErr, fmt.Sprintf("%s: %v", e.command, runErr)).
		WithDetail("command", e.command)
}

// capBuffer keeps the first max bytes and discards the rest, always
// reporting a full write so the child never sees EPIPE.
type capBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *capBuffer) Write(p []byte) (int, error) {
	room := b.max - b.buf.Len()
	if room <= 0 {
		if len(p) > 0 {
			b.truncated = true
		}
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *capBuffer) Bytes() []byte { return b.buf.Bytes() }

// tailBuffer keeps the last max bytes written.
type tailBuffer struct {
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) Bytes() []byte { return b.buf }
