package firecracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/buildkite/benchroom/internal/backend"
	"github.com/buildkite/benchroom/internal/imagemgr"
	"github.com/buildkite/benchroom/internal/vsockexec"
)

// Paths inside the jailer chroot. Firecracker sees them as absolute paths.
const (
	chrootKernel    = "/vmlinux"
	chrootRootFS    = "/rootfs.ext4"
	chrootConfig    = "/config.json"
	chrootAPISocket = "/run/firecracker.socket"
	chrootVsock     = "/v.sock"

	maxVCPUs = 32
)

type firecrackerConfig struct {
	BootSource        bootSource         `json:"boot-source"`
	Drives            []drive            `json:"drives"`
	MachineConfig     machineConfig      `json:"machine-config"`
	NetworkInterfaces []networkInterface `json:"network-interfaces,omitempty"`
	Vsock             *vsockConfig       `json:"vsock,omitempty"`
}

type bootSource struct {
	KernelImagePath string `json:"kernel_image_path"`
	BootArgs        string `json:"boot_args"`
}

type drive struct {
	DriveID      string `json:"drive_id"`
	PathOnHost   string `json:"path_on_host"`
	IsRootDevice bool   `json:"is_root_device"`
	IsReadOnly   bool   `json:"is_read_only"`
}

type machineConfig struct {
	VCPUCount  int64 `json:"vcpu_count"`
	MemSizeMiB int64 `json:"mem_size_mib"`
	SMT        bool  `json:"smt"`
}

type networkInterface struct {
	IfaceID     string `json:"iface_id"`
	HostDevName string `json:"host_dev_name"`
	GuestMAC    string `json:"guest_mac,omitempty"`
}

type vsockConfig struct {
	VsockID  string `json:"vsock_id"`
	GuestCID uint32 `json:"guest_cid"`
	UDSPath  string `json:"uds_path"`
}

// buildConfig sizes the VM from the spec. A NIC is attached only when the
// spec allows network and a tap device is configured; otherwise the guest has
// no interface at all.
func buildConfig(cfg Config, req backend.LaunchRequest) (firecrackerConfig, error) {
	if req.Spec.CPU == 0 || req.Spec.CPU > maxVCPUs {
		return firecrackerConfig{}, fmt.Errorf("spec cpu %d out of range 1-%d", req.Spec.CPU, maxVCPUs)
	}
	memMiB := req.Spec.MemoryMiB()
	if memMiB < 128 {
		return firecrackerConfig{}, fmt.Errorf("spec memory %d MiB is below the 128 MiB minimum", memMiB)
	}

	bootArgs := "console=ttyS0 reboot=k panic=1 pci=off rw init=" + imagemgr.GuestAgentPath
	if port := cfg.guestPort(); port != vsockexec.DefaultPort {
		bootArgs += " benchroom.vsock_port=" + strconv.FormatUint(uint64(port), 10)
	}

	out := firecrackerConfig{
		BootSource: bootSource{
			KernelImagePath: chrootKernel,
			BootArgs:        bootArgs,
		},
		Drives: []drive{{
			DriveID:      "rootfs",
			PathOnHost:   chrootRootFS,
			IsRootDevice: true,
		}},
		MachineConfig: machineConfig{
			VCPUCount:  int64(req.Spec.CPU),
			MemSizeMiB: memMiB,
		},
		Vsock: &vsockConfig{
			VsockID:  "benchroom-vsock",
			GuestCID: 3,
			UDSPath:  chrootVsock,
		},
	}
	if req.Spec.Network && strings.TrimSpace(cfg.TapDevice) != "" {
		out.NetworkInterfaces = []networkInterface{{
			IfaceID:     "eth0",
			HostDevName: cfg.TapDevice,
			GuestMAC:    cfg.GuestMAC,
		}}
	}
	return out, nil
}

// jailerArgs runs firecracker chrooted under <base>/firecracker/<id>/root as
// an unprivileged uid/gid in a fresh PID namespace.
func jailerArgs(cfg Config, id, firecrackerPath string) []string {
	args := []string{
		"--id", id,
		"--exec-file", firecrackerPath,
		"--uid", strconv.Itoa(cfg.UID),
		"--gid", strconv.Itoa(cfg.GID),
		"--chroot-base-dir", cfg.ChrootBaseDir,
		"--new-pid-ns",
	}
	if strings.TrimSpace(cfg.NetNS) != "" {
		args = append(args, "--netns", cfg.NetNS)
	}
	return append(args, "--", "--config-file", chrootConfig, "--api-sock", chrootAPISocket)
}

// chrootRoot mirrors the layout the jailer creates.
func chrootRoot(base, firecrackerPath, id string) string {
	return filepath.Join(base, filepath.Base(firecrackerPath), id, "root")
}

// prepareChroot stages the kernel, a writable copy of the rootfs grown to the
// spec's disk size, and the machine config.
func (l *Launcher) prepareChroot(ctx context.Context, root string, req backend.LaunchRequest, fcCfg firecrackerConfig) error {
	if err := os.MkdirAll(filepath.Join(root, "run"), 0o755); err != nil {
		return fmt.Errorf("create chroot %q: %w", root, err)
	}

	kernel := filepath.Join(root, chrootKernel)
	if err := os.Link(l.cfg.KernelImagePath, kernel); err != nil {
		if err := copyFile(l.cfg.KernelImagePath, kernel); err != nil {
			return fmt.Errorf("stage kernel: %w", err)
		}
	}

	rootfs := filepath.Join(root, chrootRootFS)
	if err := copyFile(req.RootFSPath, rootfs); err != nil {
		return fmt.Errorf("stage per-run rootfs: %w", err)
	}
	if err := l.growRootFS(ctx, rootfs, int64(req.Spec.Disk)); err != nil {
		return err
	}

	b, err := json.MarshalIndent(fcCfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(root, chrootConfig), append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("write firecracker config: %w", err)
	}

	for _, path := range []string{root, filepath.Join(root, "run"), kernel, rootfs, filepath.Join(root, chrootConfig)} {
		if err := os.Lchown(path, l.cfg.UID, l.cfg.GID); err != nil {
			return fmt.Errorf("chown %q to %d:%d: %w", path, l.cfg.UID, l.cfg.GID, err)
		}
	}
	return nil
}

// growRootFS extends the filesystem to size bytes. Images smaller than the
// spec's disk are grown; larger ones are left alone.
func (l *Launcher) growRootFS(ctx context.Context, path string, size int64) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if size <= info.Size() {
		return nil
	}
	if err := os.Truncate(path, size); err != nil {
		return fmt.Errorf("grow rootfs to %d bytes: %w", size, err)
	}
	return l.resize(ctx, path)
}

func runResize2fs(binary string) func(context.Context, string) error {
	return func(ctx context.Context, path string) error {
		out, err := exec.CommandContext(ctx, binary, "-f", path).CombinedOutput()
		if err != nil {
			return fmt.Errorf("run %s on %q: %w: %s", binary, path, err, strings.TrimSpace(string(out)))
		}
		return nil
	}
}

// copyFile clones src when the filesystem supports it and copies otherwise.
// The destination keeps the source's permission bits.
// copyFile gives dst its own inode holding src's bytes. A leftover dst is
// unlinked first, never truncated, so a stale hard link to the cached image
// cannot be written through.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}

	if err := os.Remove(dst); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale %s: %w", dst, err)
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()
	// the umask may have narrowed the mode
	if err := out.Chmod(info.Mode().Perm()); err != nil {
		return err
	}

	if !tryCloneFile(out, in) {
		if _, err := io.Copy(out, in); err != nil {
			return err
		}
	}
	return out.Sync()
}

func readPIDFile(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("parse pid file %q: %w", path, err)
	}
	if pid <= 1 {
		return 0, errors.New("pid file holds an invalid pid")
	}
	return pid, nil
}
