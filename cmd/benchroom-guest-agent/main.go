//go:build linux

package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/buildkite/benchroom/internal/vsockexec"
	"github.com/charmbracelet/log"
	"github.com/mdlayher/vsock"
	"golang.org/x/sys/unix"
)

func main() {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Prefix:          "guest-agent",
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
	})

	if os.Getpid() == 1 {
		if err := mountEarly(); err != nil {
			logger.Error("early mounts failed", "err", err)
		}
		if err := unix.Sethostname([]byte("benchroom")); err != nil {
			logger.Warn("set hostname", "err", err)
		}
	}

	port, err := resolvePort(os.Getenv("BENCHROOM_VSOCK_PORT"), readCmdline())
	if err != nil {
		logger.Error("invalid vsock port", "err", err)
		os.Exit(2)
	}

	ln, err := vsock.Listen(port, nil)
	if err != nil {
		logger.Error("listen vsock", "port", port, "err", err)
		os.Exit(1)
	}
	defer ln.Close()
	logger.Info("listening", "port", port)

	a := newAgent(logger, true)
	if err := a.serve(ln); err != nil {
		logger.Error("serve", "err", err)
		os.Exit(1)
	}
}

func (a *agent) serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			a.logger.Warn("accept", "err", err)
			continue
		}
		go a.handleConn(conn)
	}
}

// mountEarly sets up the pseudo filesystems a workload expects. The agent is
// init, so nothing else in the image runs first.
func mountEarly() error {
	mounts := []struct {
		source, target, fstype string
		flags                  uintptr
		data                   string
	}{
		{"proc", "/proc", "proc", unix.MS_NOSUID | unix.MS_NODEV | unix.MS_NOEXEC, ""},
		{"sysfs", "/sys", "sysfs", unix.MS_NOSUID | unix.MS_NODEV | unix.MS_NOEXEC, ""},
		{"devtmpfs", "/dev", "devtmpfs", unix.MS_NOSUID, "mode=0755"},
		{"tmpfs", "/tmp", "tmpfs", unix.MS_NOSUID | unix.MS_NODEV, "mode=1777"},
		{"tmpfs", "/run", "tmpfs", unix.MS_NOSUID | unix.MS_NODEV, "mode=0755"},
	}
	var errs []error
	for _, m := range mounts {
		if err := os.MkdirAll(m.target, 0o755); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := unix.Mount(m.source, m.target, m.fstype, m.flags, m.data); err != nil && !errors.Is(err, unix.EBUSY) {
			errs = append(errs, fmt.Errorf("mount %s on %s: %w", m.fstype, m.target, err))
		}
	}
	return errors.Join(errs...)
}

func readCmdline() string {
	raw, err := os.ReadFile("/proc/cmdline")
	if err != nil {
		return ""
	}
	return string(raw)
}

// resolvePort prefers the environment, then the kernel command line.
func resolvePort(env, cmdline string) (uint32, error) {
	if env != "" {
		parsed, err := strconv.ParseUint(env, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("BENCHROOM_VSOCK_PORT %q: %w", env, err)
		}
		return uint32(parsed), nil
	}
	if port, ok := parseCmdlinePort(cmdline); ok {
		return port, nil
	}
	return vsockexec.DefaultPort, nil
}
