package firecracker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/buildkite/benchroom/internal/vsockexec"
	"github.com/charmbracelet/log"
	"golang.org/x/sys/unix"
)

type vm struct {
	logger    *log.Logger
	root      string
	vsockPath string
	port      uint32

	jailer     *exec.Cmd
	jailerDone chan struct{}
	jailerErr  error

	closeOnce sync.Once
	closeErr  error
}

func newVM(logger *log.Logger, root string, port uint32, jailer *exec.Cmd) *vm {
	m := &vm{
		logger:     logger,
		root:       root,
		vsockPath:  filepath.Join(root, chrootVsock),
		port:       port,
		jailer:     jailer,
		jailerDone: make(chan struct{}),
	}
	if jailer == nil {
		close(m.jailerDone)
		return m
	}
	go func() {
		m.jailerErr = jailer.Wait()
		close(m.jailerDone)
	}()
	return m
}

// waitReady polls until the guest agent accepts a vsock connection. With
// --new-pid-ns the jailer exits once firecracker is running, so only a failed
// jailer or a vanished firecracker process ends the wait early.
func (m *vm) waitReady(ctx context.Context) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	jailerDone := m.jailerDone
	for {
		conn, err := dialGuest(ctx, m.vsockPath, m.port)
		if err == nil {
			_ = conn.Close()
			return nil
		}

		select {
		case <-jailerDone:
			if m.jailerErr != nil {
				return fmt.Errorf("jailer exited before the guest agent became ready: %w", m.jailerErr)
			}
			jailerDone = nil
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for the guest agent on %s: %w", m.vsockPath, ctx.Err())
		case <-ticker.C:
			if jailerDone == nil && !m.firecrackerAlive() {
				return errors.New("firecracker exited before the guest agent became ready")
			}
		}
	}
}

func (m *vm) Transport() string {
	return "vsock"
}

func (m *vm) Exec(ctx context.Context, req vsockexec.Request, sink vsockexec.Sink) (vsockexec.Result, error) {
	req.Op = vsockexec.OpExec
	return m.roundTrip(ctx, req, sink)
}

func (m *vm) Signal(ctx context.Context, sig syscall.Signal) error {
	res, err := m.roundTrip(ctx, vsockexec.Request{Op: vsockexec.OpSignal, Signal: int(sig)}, discardSink{})
	if err != nil {
		return err
	}
	if res.Error != "" {
		return fmt.Errorf("guest signal %s: %s", sig, res.Error)
	}
	return nil
}

// roundTrip sends one request on a fresh connection. Canceling ctx closes the
// connection, which unblocks the frame reader.
func (m *vm) roundTrip(ctx context.Context, req vsockexec.Request, sink vsockexec.Sink) (vsockexec.Result, error) {
	conn, err := dialGuest(ctx, m.vsockPath, m.port)
	if err != nil {
		return vsockexec.Result{}, fmt.Errorf("dial guest agent: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := vsockexec.EncodeRequest(conn, req); err != nil {
		return vsockexec.Result{}, fmt.Errorf("send %s request: %w", req.Op, err)
	}
	res, err := vsockexec.ReadFrames(conn, sink)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return vsockexec.Result{}, ctxErr
		}
		return vsockexec.Result{}, fmt.Errorf("read %s response: %w", req.Op, err)
	}
	return res, nil
}

// Kill stops the VM from the host side. It does not need the guest.
func (m *vm) Kill() error {
	var errs []error
	if pid, err := readPIDFile(m.pidFile()); err == nil {
		if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			errs = append(errs, fmt.Errorf("kill firecracker %d: %w", pid, err))
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}

	select {
	case <-m.jailerDone:
	default:
		if m.jailer != nil && m.jailer.Process != nil {
			if err := m.jailer.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				errs = append(errs, fmt.Errorf("kill jailer: %w", err))
			}
		}
	}
	return errors.Join(errs...)
}

func (m *vm) Close() error {
	m.closeOnce.Do(func() {
		killErr := m.Kill()
		select {
		case <-m.jailerDone:
		case <-time.After(2 * time.Second):
			m.logger.Warn("jailer did not exit after kill")
		}
		m.waitFirecrackerGone(2 * time.Second)
		m.closeErr = errors.Join(killErr, os.RemoveAll(filepath.Dir(m.root)))
		m.logger.Debug("vm closed", "chroot", m.root)
	})
	return m.closeErr
}

func (m *vm) pidFile() string {
	return filepath.Join(m.root, "firecracker.pid")
}

func (m *vm) firecrackerAlive() bool {
	pid, err := readPIDFile(m.pidFile())
	if err != nil {
		// Not written yet.
		return errors.Is(err, os.ErrNotExist)
	}
	return unix.Kill(pid, 0) == nil
}

func (m *vm) waitFirecrackerGone(timeout time.Duration) {
	pid, err := readPIDFile(m.pidFile())
	if err != nil {
		return
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := unix.Kill(pid, 0); errors.Is(err, unix.ESRCH) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}

type discardSink struct{}

func (discardSink) Stdout([]byte) {}
func (discardSink) Stderr([]byte) {}
func (discardSink) File(string, []byte, bool) {}
