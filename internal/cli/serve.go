package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/buildkite/benchroom/internal/controlserver"
	"github.com/buildkite/benchroom/internal/endpoint"
	"github.com/buildkite/benchroom/internal/imageref"
	"github.com/buildkite/benchroom/internal/outputstore"
	"github.com/buildkite/benchroom/internal/platform"
	"github.com/buildkite/benchroom/internal/pulltoken"
	"github.com/buildkite/benchroom/internal/runtimeconfig"
	"github.com/charmbracelet/log"
)

type ServeCommand struct {
	StoreFlags `embed:""`

	Listen   string `help:"Listen endpoint (unix://path, http://host:port, https://host:port, or tsnet://hostname[:port])"`
	LogLevel string `help:"Server log level (debug|info|warn|error)"`
	TLSCert  string `name:"tls-cert" help:"Server certificate for https:// listeners"`
	TLSKey   string `name:"tls-key" help:"Server key for https:// listeners"`
	TLSCA    string `name:"tls-ca" help:"CA bundle written alongside the server certificate"`
}

func (s *ServeCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger(s.LogLevel, "server")
	if err != nil {
		return err
	}
	color := shouldUseANSI(ctx.Stderr)
	applyPolishedLoggerStyles(logger, color)

	listen := s.Listen
	if listen == "" {
		listen = ctx.Config.Server.Listen
	}
	ep, err := endpoint.ResolveListen(listen)
	if err != nil {
		return err
	}

	runCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	service, closeService, err := s.newService(runCtx, ctx.Config.Server, logger)
	if err != nil {
		return err
	}
	defer closeService()

	if shouldShowStartupHeader(ctx.Stderr) {
		_ = writeStartupHeader(ctx.Stderr, startupHeader{
			Title: "benchroom server",
			Fields: []startupField{
				{Key: "listen", Value: endpointDisplay(ep)},
				{Key: "config", Value: ctx.ConfigPath},
				{Key: "database", Value: effectiveDriver(s.Driver, ctx.Config.Server.Database.Driver)},
				{Key: "outputs", Value: effectiveOutputs(ctx.Config.Server.Outputs.Backend)},
				{Key: "log level", Value: effectiveLogLevel(s.LogLevel)},
			},
		}, color)
	}

	go service.RunSweeper(runCtx)

	server := controlserver.New(service, logger.With("subsystem", "http"))
	var tlsOpts *controlserver.TLSOptions
	if s.TLSCert != "" || s.TLSKey != "" || s.TLSCA != "" {
		tlsOpts = &controlserver.TLSOptions{CertPath: s.TLSCert, KeyPath: s.TLSKey, CAPath: s.TLSCA}
	}
	return controlserver.Serve(runCtx, ep, server.Handler(), logger, tlsOpts)
}

// newService assembles the platform from runtime config. The returned func
// closes the store.
func (f StoreFlags) newService(ctx context.Context, cfg runtimeconfig.ServerConfig, logger *log.Logger) (*platform.Service, func(), error) {
	secret, err := cfg.LoadPullTokenSecret()
	if err != nil {
		return nil, nil, err
	}
	tokens, err := pulltoken.NewIssuer(pulltoken.Options{
		Secret:        secret,
		PullAllowance: cfg.PullAllowance(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("pull token issuer: %w", err)
	}

	st, err := f.open(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	var outputs outputstore.Store
	switch cfg.Outputs.Backend {
	case "minio":
		minio, err := outputstore.NewMinio(ctx, cfg.Outputs.Minio)
		if err != nil {
			_ = st.Close()
			return nil, nil, fmt.Errorf("output store: %w", err)
		}
		outputs = minio
	default:
		outputs = outputstore.NewDatabase(st)
	}

	service := &platform.Service{
		Store:     st,
		Outputs:   outputs,
		AllowList: allowListFromConfig(cfg.Registry),
		Tokens:    tokens,
		Config:    cfg,
		Logger:    logger.With("subsystem", "platform"),
	}
	return service, func() { _ = st.Close() }, nil
}

func allowListFromConfig(cfg runtimeconfig.RegistryConfig) imageref.AllowList {
	local := strings.TrimSpace(cfg.LocalAddress)
	if local == "" {
		local = runtimeconfig.DefaultLocalRegistry
	}
	allow := imageref.DefaultAllowList(local)
	if len(cfg.LocalAliases) > 0 {
		allow.LocalAliases = cfg.LocalAliases
	}
	if len(cfg.Public) > 0 {
		allow.Public = cfg.Public
	}
	allow.Insecure = cfg.Insecure
	return allow
}

func effectiveDriver(flag, configured string) string {
	for _, v := range []string{flag, configured} {
		if v = strings.TrimSpace(v); v != "" {
			return strings.ToLower(v)
		}
	}
	return "sqlite"
}

func effectiveOutputs(backend string) string {
	if backend == "" {
		return "database"
	}
	return backend
}
