package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/buildkite/benchroom/internal/controlclient"
	"github.com/buildkite/benchroom/internal/endpoint"
	"github.com/buildkite/benchroom/internal/paths"
	"github.com/buildkite/benchroom/internal/runtimeconfig"
	"github.com/buildkite/benchroom/internal/store"
	"github.com/buildkite/benchroom/internal/tlsconfig"
	"github.com/charmbracelet/log"
)

type runtimeContext struct {
	Stdout     io.Writer
	Stderr     *os.File
	Config     runtimeconfig.Config
	ConfigPath string
	Version    string
}

type CLI struct {
	Serve   ServeCommand   `cmd:"" help:"Run the benchroom platform server"`
	Runner  RunnerCommand  `cmd:"" help:"Runner commands"`
	Doctor  DoctorCommand  `cmd:"" help:"Check this host can run benchmark jobs"`
	Project ProjectCommand `cmd:"" help:"Project administration"`
	Spec    SpecCommand    `cmd:"" help:"Hardware spec commands"`
	Jobs    JobsCommand    `cmd:"" help:"Inspect and cancel jobs"`
	Run     RunCommand     `cmd:"" help:"Submit benchmark runs"`
	TLS     TLSCommand     `cmd:"" name:"tls" help:"TLS material for https:// endpoints"`
	Images  ImagesCommand  `cmd:"" help:"Manage the runner image cache"`
	Version VersionCommand `cmd:"" help:"Print the benchroom version"`
}

// ClientFlags are shared by every command that talks to a running server.
type ClientFlags struct {
	Host   string `help:"Server endpoint (unix://path, http://host:port, or https://host:port)"`
	TLSCA  string `name:"tls-ca" help:"CA bundle used to verify an https:// server"`
	Output string `short:"o" enum:"auto,table,json" default:"auto" help:"Output format (auto|table|json); auto prints a table on a terminal"`
}

// StoreFlags are shared by the admin commands that write to the database
// directly.
type StoreFlags struct {
	Driver string `help:"Database driver (sqlite|postgres); defaults to runtime config"`
	DSN    string `name:"dsn" help:"Database DSN; defaults to runtime config or the state directory"`
}

type VersionCommand struct{}

type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("command failed with exit code %d", e.code)
}

func (e exitCodeError) ExitCode() int {
	return e.code
}

type hasExitCode interface {
	ExitCode() int
}

func Run(args []string, version string) error {
	cfg, cfgPath, err := runtimeconfig.Load()
	if err != nil {
		return err
	}

	runtimeCtx := &runtimeContext{
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
		Config:     cfg,
		ConfigPath: cfgPath,
		Version:    version,
	}

	cli := CLI{}
	parser, err := newParser(&cli)
	if err != nil {
		return err
	}

	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	return ctx.Run(runtimeCtx)
}

func newParser(cli *CLI) (*kong.Kong, error) {
	return kong.New(
		cli,
		kong.Name("benchroom"),
		kong.Description("Continuous benchmarking on isolated microVMs"),
		kong.UsageOnError(),
	)
}

func ExitCode(err error) int {
	var codeErr hasExitCode
	if errors.As(err, &codeErr) {
		return codeErr.ExitCode()
	}
	return 1
}

func (v *VersionCommand) Run(ctx *runtimeContext) error {
	version := strings.TrimSpace(ctx.Version)
	if version == "" {
		version = "dev"
	}
	_, err := fmt.Fprintf(ctx.Stdout, "benchroom %s\n", version)
	return err
}

func newLogger(rawLevel, component string) (*log.Logger, error) {
	levelName := effectiveLogLevel(rawLevel)
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", rawLevel, err)
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:     level,
		Formatter: log.TextFormatter,
	})
	return logger.With("component", component), nil
}

func (f ClientFlags) client(opts ...controlclient.Option) (*controlclient.Client, endpoint.Endpoint, error) {
	ep, err := endpoint.Resolve(f.Host)
	if err != nil {
		return nil, endpoint.Endpoint{}, err
	}
	opts = append([]controlclient.Option{controlclient.WithTLS(tlsconfig.Options{CAPath: f.TLSCA})}, opts...)
	client, err := controlclient.New(ep, opts...)
	if err != nil {
		return nil, endpoint.Endpoint{}, fmt.Errorf("connect to %s: %w", endpointDisplay(ep), err)
	}
	return client, ep, nil
}

// wantJSON reports whether output should be JSON: explicitly requested, or
// stdout is not a terminal.
func (f ClientFlags) wantJSON(stdout io.Writer) bool {
	switch f.Output {
	case "json":
		return true
	case "table":
		return false
	}
	file, ok := stdout.(*os.File)
	return !ok || !isTerminal(file)
}

func (f StoreFlags) open(ctx context.Context, cfg runtimeconfig.ServerConfig) (*store.Store, error) {
	driver := strings.TrimSpace(f.Driver)
	if driver == "" {
		driver = cfg.Database.Driver
	}
	dsn := strings.TrimSpace(f.DSN)
	if dsn == "" {
		dsn = cfg.Database.DSN
	}
	if dsn == "" && (driver == "" || driver == store.DriverSQLite) {
		path, err := paths.DatabasePath()
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
		dsn = path
	}
	return store.Open(ctx, store.Options{Driver: driver, DSN: dsn})
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

