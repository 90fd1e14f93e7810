// Package tlsconfig loads the TLS material benchroom serves https:// with and
// the CA runners verify it against.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/buildkite/benchroom/internal/paths"
)

// File names inside the TLS directory, as written by `benchroom tls init`.
const (
	CAFile   = "ca.pem"
	CAKey    = "ca.key"
	CertFile = "server.pem"
	KeyFile  = "server.key"
)

// Options holds explicit TLS paths from flags. Empty paths are discovered in
// Dir, which defaults to the XDG TLS directory.
type Options struct {
	CertPath string
	KeyPath  string
	CAPath   string
	Dir      string
}

func (o Options) dir() string {
	if o.Dir != "" {
		return o.Dir
	}
	dir, err := paths.TLSDir()
	if err != nil {
		return ""
	}
	return dir
}

// discover returns explicit when set, otherwise name inside the TLS directory
// if it exists.
func (o Options) discover(explicit, name string) string {
	if explicit != "" {
		return explicit
	}
	dir := o.dir()
	if dir == "" {
		return ""
	}
	candidate := filepath.Join(dir, name)
	if _, err := os.Stat(candidate); err != nil {
		return ""
	}
	return candidate
}

// ResolveServer returns the server-side config, or nil when there is no
// certificate to serve.
func ResolveServer(opts Options) (*tls.Config, error) {
	certPath := opts.discover(opts.CertPath, CertFile)
	keyPath := opts.discover(opts.KeyPath, KeyFile)
	switch {
	case certPath == "" && keyPath == "":
		return nil, nil
	case certPath == "":
		return nil, errors.New("a TLS key was given without a certificate")
	case keyPath == "":
		return nil, errors.New("a TLS certificate was given without a key")
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		// the runner channel is a bidi stream and needs h2
		NextProtos: []string{"h2", "http/1.1"},
	}, nil
}

// ResolveClient returns the client-side config. Without a CA bundle the
// system roots are used. Runners authenticate with bearer tokens, never
// client certificates.
func ResolveClient(opts Options) (*tls.Config, error) {
	if opts.CertPath != "" || opts.KeyPath != "" {
		return nil, errors.New("client certificates are not supported")
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS13}
	if caPath := opts.discover(opts.CAPath, CAFile); caPath != "" {
		pool, err := loadCAPool(caPath)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	caPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no valid certificates found in CA file %s", path)
	}
	return pool, nil
}
