//go:build linux

package main

import (
	"errors"
	"io"
	"net"
	"os/exec"
	"path/filepath"
	"slices"
	"sync"
	"syscall"

	"github.com/buildkite/benchroom/internal/vsockexec"
	"github.com/charmbracelet/log"
	"golang.org/x/sys/unix"
)

const defaultOutputLimit int64 = 10 << 20

type agent struct {
	logger *log.Logger

	mu         sync.Mutex
	running    *exec.Cmd
	namespaces bool
}

func newAgent(logger *log.Logger, namespaces bool) *agent {
	return &agent{logger: logger, namespaces: namespaces}
}

func (a *agent) handleConn(conn net.Conn) {
	defer conn.Close()

	send := newFrameSender(conn)
	req, err := vsockexec.DecodeRequest(conn)
	if err != nil {
		a.logger.Warn("rejected request", "err", err)
		_ = send.Send(vsockexec.Frame{Type: vsockexec.FrameExit, ExitCode: 1, Error: err.Error()})
		return
	}

	switch req.Op {
	case vsockexec.OpExec:
		a.exec(req, send)
	case vsockexec.OpSignal:
		a.signal(req, send)
	}
}

func (a *agent) exec(req vsockexec.Request, send *frameSender) {
	limit := req.OutputLimit
	if limit <= 0 {
		limit = defaultOutputLimit
	}

	cmd, stdout, stderr, err := a.start(req)
	if err != nil {
		_ = send.Send(vsockexec.Frame{Type: vsockexec.FrameExit, ExitCode: 1, Error: err.Error()})
		return
	}
	defer a.clearRunning(cmd)
	a.logger.Info("started", "command", req.Command[0], "pid", cmd.Process.Pid)

	var wg sync.WaitGroup
	for _, stream := range []struct {
		r    io.Reader
		kind vsockexec.FrameType
	}{{stdout, vsockexec.FrameStdout}, {stderr, vsockexec.FrameStderr}} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// One byte past the limit lets the host see the overflow.
			w := &streamWriter{send: send.Send, kind: stream.kind, remaining: limit + 1}
			_, _ = io.Copy(w, stream.r)
		}()
	}

	// Pipes must be drained before Wait closes them.
	wg.Wait()
	exitCode, waitErr := exitCodeFromWait(cmd.Wait())

	for _, path := range req.FilePaths {
		data, truncated, err := readLimited(resolveOutputPath(req.Dir, path), limit)
		if err != nil {
			a.logger.Warn("output file unavailable", "path", path, "err", err)
			continue
		}
		if err := send.Send(vsockexec.Frame{Type: vsockexec.FrameFile, Path: path, Data: data, Truncated: truncated}); err != nil {
			break
		}
	}

	exit := vsockexec.Frame{Type: vsockexec.FrameExit, ExitCode: exitCode}
	if waitErr != nil {
		exit.Error = waitErr.Error()
	}
	a.logger.Info("exited", "command", req.Command[0], "exit_code", exitCode)
	if err := send.Send(exit); err != nil {
		a.logger.Warn("host went away before exit frame", "err", err)
	}
}

// start launches the workload. When the kernel refuses the namespace flags the
// agent falls back to a plain process group for the rest of its life.
func (a *agent) start(req vsockexec.Request) (*exec.Cmd, io.ReadCloser, io.ReadCloser, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running != nil {
		return nil, nil, nil, errors.New("a command is already running")
	}

	for {
		cmd := exec.Command(req.Command[0], req.Command[1:]...)
		cmd.Dir = req.Dir
		cmd.Env = buildCommandEnv(req.Env)
		cmd.SysProcAttr = workloadSysProcAttr(a.namespaces)

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, nil, nil, err
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, nil, nil, err
		}

		err = cmd.Start()
		if err == nil {
			a.running = cmd
			return cmd, stdout, stderr, nil
		}
		if a.namespaces && (errors.Is(err, unix.EINVAL) || errors.Is(err, unix.EPERM)) {
			a.logger.Warn("namespaces unavailable, running without them", "err", err)
			a.namespaces = false
			continue
		}
		return nil, nil, nil, err
	}
}

func (a *agent) clearRunning(cmd *exec.Cmd) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running == cmd {
		a.running = nil
	}
}

// signal delivers to the workload's whole process group.
func (a *agent) signal(req vsockexec.Request, send *frameSender) {
	a.mu.Lock()
	cmd := a.running
	a.mu.Unlock()

	exit := vsockexec.Frame{Type: vsockexec.FrameExit}
	switch {
	case cmd == nil:
		exit.Error = "no running command"
	default:
		sig := syscall.Signal(req.Signal)
		if err := unix.Kill(-cmd.Process.Pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
			exit.ExitCode = 1
			exit.Error = err.Error()
		} else {
			a.logger.Info("signaled", "signal", sig.String(), "pgid", cmd.Process.Pid)
		}
	}
	_ = send.Send(exit)
}

// workloadSysProcAttr isolates the workload's process tree, mounts, hostname,
// IPC and user ids from the agent. Root inside maps to root in the guest only.
func workloadSysProcAttr(namespaces bool) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{Setpgid: true}
	if !namespaces {
		return attr
	}
	attr.Cloneflags = unix.CLONE_NEWPID | unix.CLONE_NEWNS | unix.CLONE_NEWUTS | unix.CLONE_NEWIPC | unix.CLONE_NEWUSER
	attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: 0, Size: 1}}
	attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: 0, Size: 1}}
	attr.GidMappingsEnableSetgroups = false
	return attr
}

// exitCodeFromWait maps a signal death to 128+signal like a shell would. The
// error is only set when the process could not be waited on at all.
func exitCodeFromWait(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return 1, err
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal()), nil
	}
	return exitErr.ExitCode(), nil
}

func resolveOutputPath(dir, path string) string {
	if filepath.IsAbs(path) || dir == "" {
		return path
	}
	return filepath.Join(dir, path)
}

type frameSender struct {
	w  io.Writer
	mu sync.Mutex
}

func newFrameSender(w io.Writer) *frameSender {
	return &frameSender{w: w}
}

func (s *frameSender) Send(frame vsockexec.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return vsockexec.EncodeFrame(s.w, frame)
}

// streamWriter forwards up to remaining bytes as frames and then discards, so
// the workload never blocks on a full pipe. A failed send also switches to
// discarding.
type streamWriter struct {
	send      func(vsockexec.Frame) error
	kind      vsockexec.FrameType
	remaining int64
	failed    bool
}

func (w *streamWriter) Write(p []byte) (int, error) {
	n := len(p)
	if w.failed || w.remaining <= 0 || n == 0 {
		return n, nil
	}
	if int64(len(p)) > w.remaining {
		p = p[:w.remaining]
	}
	w.remaining -= int64(len(p))
	if err := w.send(vsockexec.Frame{Type: w.kind, Data: slices.Clone(p)}); err != nil {
		w.failed = true
	}
	return n, nil
}
