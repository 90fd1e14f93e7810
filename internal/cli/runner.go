package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"github.com/buildkite/benchroom/internal/backend"
	"github.com/buildkite/benchroom/internal/backend/firecracker"
	"github.com/buildkite/benchroom/internal/bootassets"
	"github.com/buildkite/benchroom/internal/controlclient"
	"github.com/buildkite/benchroom/internal/endpoint"
	"github.com/buildkite/benchroom/internal/imagemgr"
	"github.com/buildkite/benchroom/internal/jobs"
	"github.com/buildkite/benchroom/internal/runner"
	"github.com/buildkite/benchroom/internal/runtimeconfig"
	"github.com/buildkite/benchroom/internal/sandbox"
	"github.com/buildkite/benchroom/internal/tlsconfig"
	"github.com/charmbracelet/log"
)

const guestAgentBinary = "benchroom-guest-agent"

type RunnerCommand struct {
	Start RunnerStartCommand `cmd:"" name:"run" help:"Claim and run jobs on this host"`
	Add   RunnerAddCommand   `cmd:"" help:"Register a runner and print its token"`
}

type RunnerStartCommand struct {
	Host        string `help:"Server endpoint (http://host:port, https://host:port, or unix://path)"`
	TLSCA       string `name:"tls-ca" help:"CA bundle used to verify an https:// server"`
	Token       string `env:"BENCHROOM_RUNNER_TOKEN" help:"Runner bearer token (defaults to runner.token_file)"`
	Arch        string `help:"Runner architecture (x86_64|aarch64); defaults to runtime config or the host"`
	PollTimeout uint32 `help:"Seconds each claim waits for a job" default:"30"`
	Once        bool   `help:"Exit after running one job"`
	LogLevel    string `help:"Runner log level (debug|info|warn|error)"`
}

type RunnerAddCommand struct {
	StoreFlags `embed:""`

	Name string `arg:"" help:"Runner name"`
	Arch string `help:"Runner architecture (x86_64|aarch64)" default:"x86_64"`
	JSON bool   `help:"Print the registration as JSON"`
}

type DoctorCommand struct {
	Arch string `help:"Architecture whose managed kernel to look for; defaults to runtime config or the host"`
	JSON bool   `help:"Print doctor report as JSON"`
}

func (r *RunnerStartCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger(r.LogLevel, "runner")
	if err != nil {
		return err
	}
	color := shouldUseANSI(ctx.Stderr)
	applyPolishedLoggerStyles(logger, color)

	cfg := ctx.Config.Runner
	token, err := resolveRunnerToken(r.Token, cfg.TokenFile)
	if err != nil {
		return err
	}
	host := r.Host
	if host == "" {
		host = cfg.Endpoint
	}
	ep, err := endpoint.Resolve(host)
	if err != nil {
		return err
	}
	arch, err := resolveArchitecture(r.Arch, cfg.Architecture)
	if err != nil {
		return err
	}

	runCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	engine, closeEngine, err := newEngine(runCtx, cfg, arch, logger)
	if err != nil {
		return err
	}
	defer closeEngine()

	client, err := controlclient.New(ep,
		controlclient.WithTLS(tlsconfig.Options{CAPath: r.TLSCA}),
		controlclient.WithRunnerToken(token),
	)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", endpointDisplay(ep), err)
	}
	rn, err := runner.New(runner.Options{
		Client:      runner.FromControlClient(client),
		Engine:      engine,
		Logger:      logger,
		PollTimeout: r.PollTimeout,
		Once:        r.Once,
	})
	if err != nil {
		return err
	}

	if shouldShowStartupHeader(ctx.Stderr) {
		_ = writeStartupHeader(ctx.Stderr, startupHeader{
			Title: "benchroom runner",
			Fields: []startupField{
				{Key: "server", Value: endpointDisplay(ep)},
				{Key: "architecture", Value: string(arch)},
				{Key: "config", Value: ctx.ConfigPath},
				{Key: "log level", Value: effectiveLogLevel(r.LogLevel)},
			},
		}, color)
	}
	logger.Info("waiting for jobs", "server", endpointDisplay(ep), "architecture", arch)
	return rn.Run(runCtx)
}

// newEngine wires the image cache and the firecracker launcher into a sandbox
// engine. The returned func releases the image cache.
func newEngine(ctx context.Context, cfg runtimeconfig.RunnerConfig, arch jobs.Architecture, logger *log.Logger) (*sandbox.Engine, func(), error) {
	fc := cfg.Firecracker

	kernel, err := bootassets.New(bootassets.Options{}).Resolve(ctx, arch, fc.KernelImage)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve kernel: %w", err)
	}
	if kernel.Notice != "" {
		logger.Info(kernel.Notice)
	}

	images, err := imagemgr.New(imagemgr.Options{
		MkfsBinary:       fc.MkfsPath,
		GuestAgentPath:   resolveGuestAgentPath(fc.GuestAgentPath),
		Architecture:     arch,
		InsecureRegistry: cfg.InsecureRegistry,
	})
	if err != nil {
		return nil, nil, err
	}

	engine, err := sandbox.NewEngine(sandbox.Options{
		Launcher:    firecracker.New(firecrackerConfig(fc, kernel.Path, logger)),
		Images:      images,
		OutputLimit: fc.OutputLimit(),
		Grace:       fc.Grace(),
		Logger:      logger.With("subsystem", "sandbox"),
		Telemetry: func(t sandbox.Telemetry) {
			logger.Debug("job telemetry", "job", t.JobID, "duration", t.Duration, "timed_out", t.TimedOut, "transport", t.Transport)
		},
	})
	if err != nil {
		_ = images.Close()
		return nil, nil, err
	}
	return engine, func() { _ = images.Close() }, nil
}

func firecrackerConfig(fc runtimeconfig.FirecrackerConfig, kernelPath string, logger *log.Logger) firecracker.Config {
	return firecracker.Config{
		FirecrackerBinary: fc.BinaryPath,
		JailerBinary:      fc.JailerPath,
		Resize2fsBinary:   fc.Resize2fsPath,
		KernelImagePath:   kernelPath,
		ChrootBaseDir:     fc.ChrootBaseDir,
		UID:               fc.UID,
		GID:               fc.GID,
		NetNS:             fc.NetNS,
		TapDevice:         fc.TapDevice,
		GuestMAC:          fc.GuestMAC,
		GuestPort:         fc.Port(),
		BootTimeout:       fc.Launch(),
		Logger:            logger,
	}
}

// resolveGuestAgentPath prefers the configured path, then a guest agent
// installed next to this binary.
func resolveGuestAgentPath(configured string) string {
	if configured = strings.TrimSpace(configured); configured != "" {
		return configured
	}
	self, err := os.Executable()
	if err != nil {
		return ""
	}
	candidate := filepath.Join(filepath.Dir(self), guestAgentBinary)
	if st, err := os.Stat(candidate); err == nil && st.Mode().IsRegular() {
		return candidate
	}
	return ""
}

func resolveRunnerToken(flag, tokenFile string) (string, error) {
	if token := strings.TrimSpace(flag); token != "" {
		return token, nil
	}
	if path := strings.TrimSpace(tokenFile); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read runner token: %w", err)
		}
		if token := strings.TrimSpace(string(b)); token != "" {
			return token, nil
		}
		return "", fmt.Errorf("runner token file %s is empty", path)
	}
	return "", errors.New("a runner token is required (--token, BENCHROOM_RUNNER_TOKEN or runner.token_file)")
}

func resolveArchitecture(flag, configured string) (jobs.Architecture, error) {
	for _, raw := range []string{flag, configured} {
		if strings.TrimSpace(raw) != "" {
			return jobs.ParseArchitecture(raw)
		}
	}
	return jobs.ParseArchitecture(runtime.GOARCH)
}

func (r *RunnerAddCommand) Run(ctx *runtimeContext) error {
	arch, err := jobs.ParseArchitecture(r.Arch)
	if err != nil {
		return err
	}
	service, closeService, err := r.adminService(context.Background(), ctx.Config.Server)
	if err != nil {
		return err
	}
	defer closeService()

	registered, token, err := service.RegisterRunner(context.Background(), r.Name, arch)
	if err != nil {
		return err
	}
	if r.JSON {
		return writeJSON(ctx.Stdout, map[string]any{"runner": registered, "token": token})
	}
	_, err = fmt.Fprintf(ctx.Stdout, "registered runner %s (%s, %s)\ntoken: %s\n", registered.Slug, registered.UUID, registered.Architecture, token)
	return err
}

func (d *DoctorCommand) Run(ctx *runtimeContext) error {
	cfg := ctx.Config.Runner
	checks := []backend.DoctorCheck{
		{Name: "runtime_config", Status: "pass", Message: fmt.Sprintf("using runtime config path %s", ctx.ConfigPath)},
	}

	arch, err := resolveArchitecture(d.Arch, cfg.Architecture)
	if err != nil {
		checks = append(checks, backend.DoctorCheck{Name: "architecture", Status: "fail", Message: err.Error()})
	} else {
		checks = append(checks, backend.DoctorCheck{Name: "architecture", Status: "pass", Message: string(arch)})
	}

	kernelPath := doctorKernelPath(cfg.Firecracker.KernelImage, arch)
	report := firecracker.New(firecrackerConfig(cfg.Firecracker, kernelPath, log.New(os.Stderr))).Doctor(context.Background())
	checks = append(checks, report.Checks...)
	checks = append(checks, guestAgentCheck(cfg.Firecracker.GuestAgentPath))
	report.Checks = checks

	if d.JSON {
		if err := writeJSON(ctx.Stdout, report); err != nil {
			return err
		}
	} else if _, err := fmt.Fprint(ctx.Stdout, renderDoctorReport(report, shouldUseANSI(ctx.Stderr))); err != nil {
		return err
	}
	if report.Failed() {
		return exitCodeError{code: 1}
	}
	return nil
}

// doctorKernelPath never downloads; a managed kernel only counts once it is
// already cached.
func doctorKernelPath(configured string, arch jobs.Architecture) string {
	if configured = strings.TrimSpace(configured); configured != "" || arch == "" {
		return configured
	}
	path, err := bootassets.New(bootassets.Options{}).Path(arch)
	if err != nil {
		return ""
	}
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

func guestAgentCheck(configured string) backend.DoctorCheck {
	path := resolveGuestAgentPath(configured)
	if path == "" {
		return backend.DoctorCheck{
			Name:    "guest_agent",
			Status:  "warn",
			Message: fmt.Sprintf("%s not found; images must already boot it as init", guestAgentBinary),
		}
	}
	if _, err := os.Stat(path); err != nil {
		return backend.DoctorCheck{Name: "guest_agent", Status: "fail", Message: err.Error()}
	}
	return backend.DoctorCheck{Name: "guest_agent", Status: "pass", Message: path}
}
