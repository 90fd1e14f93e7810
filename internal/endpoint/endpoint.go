// Package endpoint parses the addresses the server listens on and that the
// CLI and runners dial.
package endpoint

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// HostEnv overrides the default endpoint for every command.
const HostEnv = "BENCHROOM_HOST"

// SystemSocketPath is where a system-wide server listens.
const SystemSocketPath = "/var/run/benchroom/benchroom.sock"

const (
	defaultTSNetHostname = "benchroom"
	defaultTSNetPort     = 7777

	unixBaseURL = "http://unix"
)

type Endpoint struct {
	Scheme  string
	Address string
	BaseURL string

	TSNetHostname string
	TSNetPort     int
}

// ResolveListen resolves where serve listens. tsnet://[hostname][:port] is
// only valid here.
func ResolveListen(raw string) (Endpoint, error) {
	value := configured(raw)
	if value == "" {
		return userSocket(), nil
	}
	if strings.HasPrefix(value, "tsnet://") {
		return parseTSNet(value)
	}
	ep, err := parse(value)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w (expected unix://, http://, https://, tsnet://, or an absolute socket path)", err)
	}
	return ep, nil
}

// Resolve resolves the server a client dials. Root prefers the system socket
// when one is listening.
func Resolve(raw string) (Endpoint, error) {
	value := configured(raw)
	if value == "" {
		if os.Geteuid() == 0 && isSocket(SystemSocketPath) {
			return unixSocket(SystemSocketPath), nil
		}
		return userSocket(), nil
	}
	if strings.HasPrefix(value, "tsnet://") {
		return Endpoint{}, fmt.Errorf("tsnet endpoint %q can only be used with serve --listen; dial the tailnet hostname over http:// instead", value)
	}
	ep, err := parse(value)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w (expected unix://, http://, https://, or an absolute socket path)", err)
	}
	return ep, nil
}

func configured(raw string) string {
	if value := strings.TrimSpace(raw); value != "" {
		return value
	}
	return strings.TrimSpace(os.Getenv(HostEnv))
}

func parse(value string) (Endpoint, error) {
	if strings.HasPrefix(value, "/") {
		return unixSocket(value), nil
	}
	scheme, rest, ok := strings.Cut(value, "://")
	if !ok {
		return Endpoint{}, fmt.Errorf("unsupported endpoint %q", value)
	}
	switch scheme {
	case "unix":
		if rest == "" {
			return Endpoint{}, fmt.Errorf("unix endpoint %q has no socket path", value)
		}
		return unixSocket(rest), nil
	case "http", "https":
		if rest == "" {
			return Endpoint{}, fmt.Errorf("%s endpoint %q has no host", scheme, value)
		}
		return Endpoint{Scheme: scheme, Address: value, BaseURL: strings.TrimRight(value, "/")}, nil
	}
	return Endpoint{}, fmt.Errorf("unsupported endpoint %q", value)
}

func parseTSNet(value string) (Endpoint, error) {
	u, err := url.Parse(value)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid tsnet endpoint %q: %w", value, err)
	}
	if u.Path != "" && u.Path != "/" {
		return Endpoint{}, fmt.Errorf("tsnet endpoint %q must not include a path", value)
	}

	ep := Endpoint{Scheme: "tsnet", TSNetHostname: u.Hostname(), TSNetPort: defaultTSNetPort}
	if ep.TSNetHostname == "" {
		ep.TSNetHostname = defaultTSNetHostname
	}
	if raw := u.Port(); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port < 1 || port > 65535 {
			return Endpoint{}, fmt.Errorf("invalid tsnet port %q in %q", raw, value)
		}
		ep.TSNetPort = port
	}
	port := strconv.Itoa(ep.TSNetPort)
	ep.Address = net.JoinHostPort("", port)
	ep.BaseURL = "http://" + net.JoinHostPort(ep.TSNetHostname, port)
	return ep, nil
}

// userSocket lives under XDG_RUNTIME_DIR, or the temp dir without one.
func userSocket() Endpoint {
	dir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR"))
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "benchroom")
	}
	return unixSocket(filepath.Join(dir, "benchroom", "benchroom.sock"))
}

func unixSocket(path string) Endpoint {
	return Endpoint{Scheme: "unix", Address: path, BaseURL: unixBaseURL}
}

func isSocket(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode()&os.ModeSocket != 0
}
