// Package firecracker launches one jailed Firecracker microVM per job and
// talks to the guest agent over vsock.
package firecracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/buildkite/benchroom/internal/backend"
	"github.com/buildkite/benchroom/internal/hosttools"
	"github.com/buildkite/benchroom/internal/vsockexec"
	"github.com/charmbracelet/log"
	fcvsock "github.com/firecracker-microvm/firecracker-go-sdk/vsock"
	"golang.org/x/sys/unix"
)

const (
	DefaultChrootBaseDir = "/srv/jailer"
	DefaultBootTimeout   = 30 * time.Second
)

type Config struct {
	FirecrackerBinary string
	JailerBinary      string
	Resize2fsBinary   string
	KernelImagePath   string
	ChrootBaseDir     string
	// UID and GID the jailer drops to before exec'ing firecracker.
	UID int
	GID int
	// NetNS is an optional network namespace path the VM is placed in.
	NetNS string
	// TapDevice is attached as eth0 for specs that allow network.
	TapDevice   string
	GuestMAC    string
	GuestPort   uint32
	BootTimeout time.Duration
	Logger      *log.Logger
}

func (c Config) guestPort() uint32 {
	if c.GuestPort == 0 {
		return vsockexec.DefaultPort
	}
	return c.GuestPort
}

type Launcher struct {
	cfg    Config
	logger *log.Logger
	resize func(ctx context.Context, path string) error
}

func New(cfg Config) *Launcher {
	if cfg.FirecrackerBinary == "" {
		cfg.FirecrackerBinary = "firecracker"
	}
	if cfg.JailerBinary == "" {
		cfg.JailerBinary = "jailer"
	}
	if cfg.Resize2fsBinary == "" {
		cfg.Resize2fsBinary = "resize2fs"
	}
	if cfg.ChrootBaseDir == "" {
		cfg.ChrootBaseDir = DefaultChrootBaseDir
	}
	if cfg.BootTimeout <= 0 {
		cfg.BootTimeout = DefaultBootTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	l := &Launcher{cfg: cfg, logger: logger.WithPrefix("firecracker")}
	l.resize = func(ctx context.Context, path string) error {
		binary, err := hosttools.ResolveBinary(l.cfg.Resize2fsBinary)
		if err != nil {
			return err
		}
		return runResize2fs(binary)(ctx, path)
	}
	return l
}

func (l *Launcher) Name() string {
	return "firecracker"
}

func (l *Launcher) Capabilities() map[string]bool {
	return map[string]bool{
		backend.CapabilityIsolationJailer:       true,
		backend.CapabilityIsolationPIDNamespace: true,
		backend.CapabilityNetworkDefaultDeny:    true,
		backend.CapabilityNetworkGuestInterface: strings.TrimSpace(l.cfg.TapDevice) != "",
		backend.CapabilityRootFSResize:          true,
	}
}

func (l *Launcher) Launch(ctx context.Context, req backend.LaunchRequest) (backend.VM, error) {
	if runtime.GOOS != "linux" {
		return nil, fmt.Errorf("firecracker backend is linux-only, current OS is %s", runtime.GOOS)
	}
	if l.cfg.KernelImagePath == "" {
		return nil, errors.New("kernel image must be configured")
	}
	fcCfg, err := buildConfig(l.cfg, req)
	if err != nil {
		return nil, err
	}

	firecrackerPath, err := hosttools.ResolveBinary(l.cfg.FirecrackerBinary)
	if err != nil {
		return nil, fmt.Errorf("resolve firecracker binary: %w", err)
	}
	jailerPath, err := hosttools.ResolveBinary(l.cfg.JailerBinary)
	if err != nil {
		return nil, fmt.Errorf("resolve jailer binary: %w", err)
	}

	id := req.JobID.String()
	root := chrootRoot(l.cfg.ChrootBaseDir, firecrackerPath, id)
	jobDir := filepath.Dir(root)
	if _, err := os.Stat(jobDir); err == nil {
		return nil, fmt.Errorf("chroot for job %s already exists at %s", id, jobDir)
	}

	launched := false
	defer func() {
		if !launched {
			_ = os.RemoveAll(jobDir)
		}
	}()

	if err := l.prepareChroot(ctx, root, req, fcCfg); err != nil {
		return nil, err
	}

	logFile, err := os.Create(filepath.Join(jobDir, "jailer.log"))
	if err != nil {
		return nil, err
	}
	defer logFile.Close()

	cmd := exec.Command(jailerPath, jailerArgs(l.cfg, id, firecrackerPath)...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start jailer: %w", err)
	}

	m := newVM(l.logger.With("job", id), root, l.cfg.guestPort(), cmd)
	l.logger.Debug("jailer started", "job", id, "pid", cmd.Process.Pid, "chroot", root)

	bootCtx, cancel := context.WithTimeout(ctx, l.cfg.BootTimeout)
	defer cancel()
	if err := m.waitReady(bootCtx); err != nil {
		_ = m.Close()
		return nil, err
	}

	launched = true
	return m, nil
}

// Doctor checks the host can launch jailed VMs.
func (l *Launcher) Doctor(_ context.Context) backend.DoctorReport {
	report := backend.DoctorReport{
		Backend:      l.Name(),
		Capabilities: backend.CapabilitiesForLauncher(l),
	}

	appendCheck := func(name, status, message string) {
		report.Checks = append(report.Checks, backend.DoctorCheck{
			Name:    name,
			Status:  status,
			Message: message,
		})
	}

	if runtime.GOOS == "linux" {
		appendCheck("os", "pass", "linux host detected")
	} else {
		appendCheck("os", "fail", fmt.Sprintf("linux required, current OS is %s", runtime.GOOS))
	}

	if _, err := os.Stat("/dev/kvm"); err != nil {
		appendCheck("kvm", "fail", "missing /dev/kvm")
	} else if f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0); err != nil {
		appendCheck("kvm", "fail", fmt.Sprintf("cannot open /dev/kvm read-write: %v", err))
	} else {
		_ = f.Close()
		appendCheck("kvm", "pass", "/dev/kvm is accessible")
	}

	for _, tool := range []struct{ name, binary string }{
		{"firecracker", l.cfg.FirecrackerBinary},
		{"jailer", l.cfg.JailerBinary},
		{"resize2fs", l.cfg.Resize2fsBinary},
	} {
		if path, err := hosttools.ResolveBinary(tool.binary); err != nil {
			appendCheck(tool.name, "fail", err.Error())
		} else {
			appendCheck(tool.name, "pass", fmt.Sprintf("found %s", path))
		}
	}

	if l.cfg.KernelImagePath == "" {
		appendCheck("kernel_image", "fail", "kernel image not configured")
	} else if _, err := os.Stat(l.cfg.KernelImagePath); err != nil {
		appendCheck("kernel_image", "fail", fmt.Sprintf("kernel image not accessible: %v", err))
	} else {
		appendCheck("kernel_image", "pass", fmt.Sprintf("kernel image configured: %s", l.cfg.KernelImagePath))
	}

	if err := unix.Access(l.cfg.ChrootBaseDir, unix.W_OK); err != nil {
		appendCheck("chroot_base", "fail", fmt.Sprintf("chroot base %s is not writable: %v", l.cfg.ChrootBaseDir, err))
	} else {
		appendCheck("chroot_base", "pass", fmt.Sprintf("chroot base %s is writable", l.cfg.ChrootBaseDir))
	}

	if os.Geteuid() != 0 {
		appendCheck("privileges", "warn", "jailer needs root to chroot and drop privileges")
	} else {
		appendCheck("privileges", "pass", fmt.Sprintf("jailed VMs run as %d:%d", l.cfg.UID, l.cfg.GID))
	}

	switch tap := strings.TrimSpace(l.cfg.TapDevice); {
	case tap == "":
		appendCheck("network", "pass", "no tap device configured; every guest runs without a network interface")
	case tapExists(tap):
		appendCheck("network", "pass", fmt.Sprintf("tap device %s is attached for specs that allow network", tap))
	default:
		appendCheck("network", "fail", fmt.Sprintf("tap device %s not found", tap))
	}

	appendCheck("vsock_port", "pass", fmt.Sprintf("guest agent vsock port %d", l.cfg.guestPort()))
	return report
}

func tapExists(name string) bool {
	_, err := os.Stat(filepath.Join("/sys/class/net", name))
	return err == nil
}

// dialGuest gives up quickly so callers own the retry policy.
func dialGuest(ctx context.Context, udsPath string, port uint32) (io.ReadWriteCloser, error) {
	conn, err := fcvsock.DialContext(ctx, udsPath, port,
		fcvsock.WithRetryTimeout(time.Second),
		fcvsock.WithRetryInterval(50*time.Millisecond),
	)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
