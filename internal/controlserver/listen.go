package controlserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/buildkite/benchroom/internal/endpoint"
	"github.com/buildkite/benchroom/internal/paths"
	"github.com/buildkite/benchroom/internal/tlsconfig"
	"github.com/charmbracelet/log"
	"golang.org/x/net/http2"
	"golang.org/x/sync/errgroup"
	"tailscale.com/tsnet"
)

const shutdownGrace = 5 * time.Second

// TLSOptions holds explicit TLS paths for https listeners. Unset paths fall
// back to the benchroom tls directory.
type TLSOptions struct {
	CertPath string
	KeyPath  string
	CAPath   string
}

// Serve serves handler on ep until ctx is done, then drains in-flight
// requests for up to shutdownGrace.
func Serve(ctx context.Context, ep endpoint.Endpoint, handler http.Handler, logger *log.Logger, tlsOpts *TLSOptions) error {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	ln, err := listen(ep, logger, tlsOpts)
	if err != nil {
		return err
	}
	defer ln.Close()

	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	if ep.Scheme == "https" {
		if err := http2.ConfigureServer(srv, nil); err != nil {
			return fmt.Errorf("configure HTTP/2 for TLS: %w", err)
		}
	}
	logger.Info("serving benchroom API", "endpoint", ep.Address, "scheme", ep.Scheme, "base_url", ep.BaseURL)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("benchroom API serve failed", "error", err)
		return err
	}
	logger.Info("benchroom API shutdown complete", "endpoint", ep.Address)
	return nil
}

func listen(ep endpoint.Endpoint, logger *log.Logger, tlsOpts *TLSOptions) (net.Listener, error) {
	switch ep.Scheme {
	case "unix":
		return listenUnix(ep.Address)
	case "tsnet":
		return listenTSNet(ep, logger)
	case "https":
		return listenTLS(ep, tlsOpts)
	case "http":
		return net.Listen("tcp", hostPort(ep.Address))
	}
	return nil, fmt.Errorf("unsupported endpoint scheme %q", ep.Scheme)
}

// listenUnix replaces a stale socket and restricts the new one to its owner.
// The listener unlinks the socket on Close.
func listenUnix(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		return nil, err
	}
	return ln, nil
}

func listenTLS(ep endpoint.Endpoint, opts *TLSOptions) (net.Listener, error) {
	var resolved tlsconfig.Options
	if opts != nil {
		resolved = tlsconfig.Options{CertPath: opts.CertPath, KeyPath: opts.KeyPath, CAPath: opts.CAPath}
	}
	cfg, err := tlsconfig.ResolveServer(resolved)
	if err != nil {
		return nil, fmt.Errorf("resolve server TLS config: %w", err)
	}
	if cfg == nil {
		return nil, errors.New("https listen endpoint requires TLS certificates (run `benchroom tls init`, pass --tls-cert/--tls-key, or place them in the benchroom tls directory)")
	}
	ln, err := tls.Listen("tcp", hostPort(ep.Address), cfg)
	if err != nil {
		return nil, fmt.Errorf("start TLS listener for %q: %w", ep.Address, err)
	}
	return ln, nil
}

type tsnetServer interface {
	Listen(network, addr string) (net.Listener, error)
	Close() error
}

var newTSNetServer = func(hostname, stateDir string, logf func(string, ...any)) tsnetServer {
	return &tsnet.Server{Dir: stateDir, Hostname: hostname, Logf: logf}
}

// tsnetListener shuts the tailnet node down with the listener.
type tsnetListener struct {
	net.Listener
	node tsnetServer
}

func (l tsnetListener) Close() error {
	return errors.Join(l.Listener.Close(), l.node.Close())
}

func listenTSNet(ep endpoint.Endpoint, logger *log.Logger) (net.Listener, error) {
	stateDir, err := paths.TSNetStateDir()
	if err != nil {
		return nil, fmt.Errorf("resolve tsnet state directory: %w", err)
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("create tsnet state directory: %w", err)
	}
	tsLogger := logger.With("subsystem", "tsnet")
	node := newTSNetServer(ep.TSNetHostname, stateDir, func(format string, args ...any) {
		if msg := strings.TrimSpace(fmt.Sprintf(format, args...)); msg != "" {
			tsLogger.Debug(msg)
		}
	})
	ln, err := node.Listen("tcp", ep.Address)
	if err != nil {
		_ = node.Close()
		return nil, fmt.Errorf("start tsnet listener for %q: %w", ep.Address, err)
	}
	return tsnetListener{Listener: ln, node: node}, nil
}

func hostPort(addr string) string {
	addr = strings.TrimPrefix(strings.TrimPrefix(addr, "https://"), "http://")
	return strings.TrimRight(addr, "/")
}
