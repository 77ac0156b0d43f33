// osiris-mcp: tool-call gateway between MCP clients and the Osiris CLI.
//
// The gateway speaks MCP over stdio. Anything that needs connection
// secrets is delegated to "osiris mcp ..." as a child process; the
// gateway itself only validates, caches, audits and shapes responses.
//
// Usage:
//
//	osiris-mcp [serve] [flags]     # Start the MCP server (stdio transport)
//	osiris-mcp check-config        # Print the resolved configuration
//	osiris-mcp version             # Print the version
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/keboola/osiris-sub007/internal/config"
	"github.com/keboola/osiris-sub007/internal/logging"
	"github.com/keboola/osiris-sub007/internal/ops"
	osiris "github.com/keboola/osiris-sub007/internal/server"
	"github.com/keboola/osiris-sub007/internal/tracing"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// flags are the command-line overrides. They win over the config file.
type flags struct {
	configPath string
	root       string
	logLevel   string
	opsAddr    string
}

func parseFlags(name string, args []string, stderr io.Writer) (*flags, error) {
	f := &flags{}
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVarP(&f.configPath, "config", "c", "", "path to the YAML config file (default: $"+config.EnvConfigFile+")")
	fs.StringVar(&f.root, "root", "", "storage root for cache, audit, telemetry, memory and drafts")
	fs.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	fs.StringVar(&f.opsAddr, "ops-addr", "", "serve /healthz, /readyz and /metrics on this address")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	return f, nil
}

func run(args []string, stdout, stderr io.Writer) error {
	cmd := "serve"
	if len(args) > 0 && (!strings.HasPrefix(args[0], "-") || metaFlags[args[0]]) {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		f, err := parseFlags("serve", args, stderr)
		if err != nil {
			return flagError(err, stderr)
		}
		cfg, err := loadConfig(f)
		if err != nil {
			return err
		}
		return serve(cfg)
	case "check-config":
		f, err := parseFlags("check-config", args, stderr)
		if err != nil {
			return flagError(err, stderr)
		}
		cfg, err := loadConfig(f)
		if err != nil {
			return err
		}
		out, err := cfg.YAML()
		if err != nil {
			return err
		}
		_, err = stdout.Write(out)
		return err
	case "version", "--version", "-v":
		fmt.Fprintf(stdout, "osiris-mcp %s\n", osiris.Version)
		return nil
	case "help", "--help", "-h":
		printUsage(stderr)
		return nil
	default:
		printUsage(stderr)
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

// metaFlags are accepted in place of a command.
var metaFlags = map[string]bool{"--version": true, "-v": true, "--help": true, "-h": true}

func flagError(err error, stderr io.Writer) error {
	if errors.Is(err, pflag.ErrHelp) {
		printUsage(stderr)
		return nil
	}
	return err
}

// loadConfig resolves file > env > default, then applies flags on top.
func loadConfig(f *flags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.root != "" {
		cfg.Root = f.root
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.opsAddr != "" {
		cfg.Ops.Addr = f.opsAddr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serve(cfg *config.Config) error {
	logger, err := logging.New(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		ServiceName:  cfg.Tracing.ServiceName,
		Version:      osiris.Version,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	gw, err := osiris.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	defer func() {
		if err := gw.Close(); err != nil {
			logger.Warn("gateway close", zap.Error(err))
		}
	}()

	if cfg.Ops.Addr != "" {
		opsSrv, err := ops.Listen(cfg.Ops.Addr, gw.OpsOptions())
		if err != nil {
			return fmt.Errorf("ops listener: %w", err)
		}
		go opsSrv.Serve()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = opsSrv.Shutdown(sctx)
		}()
	}

	// ServeStdio handles SIGINT and SIGTERM itself; the defers above run
	// once it returns.
	return server.ServeStdio(gw.MCP)
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `osiris-mcp %s - Osiris tool-call gateway (MCP over stdio)

Usage:
  osiris-mcp [serve] [flags]        Start the MCP server
  osiris-mcp check-config [flags]   Print the resolved configuration
  osiris-mcp version                Print the version

Flags:
  -c, --config string     YAML config file (default: $%s)
      --root string       storage root (required: flag, $%s or the root key)
      --log-level string  debug, info, warn or error
      --ops-addr string   serve /healthz, /readyz and /metrics on this address

MCP client configuration:

  {
    "mcpServers": {
      "osiris": {
        "command": "osiris-mcp",
        "args": ["serve", "--root", "/path/to/osiris/state"]
      }
    }
  }
`, osiris.Version, config.EnvConfigFile, config.EnvRoot)
}
