package imagemgr

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const (
	defaultMkfsBinary = "mkfs.ext4"

	minimumRootFSSizeBytes = 512 << 20
	rootFSHeadroomBytes    = 128 << 20
	rootFSAlignBytes       = 4 << 20

	// GuestAgentPath is where the guest agent lives inside every job rootfs.
	// The launcher boots it as init.
	GuestAgentPath = "/sbin/benchroom-guest-agent"
)

// bootDirs must exist in every rootfs for the agent to mount onto.
var bootDirs = []string{"dev", "proc", "run", "sys", "tmp", "sbin"}

func materializeExt4(ctx context.Context, mkfsBinary, guestAgent string, stream io.Reader, outputPath string) (int64, error) {
	work, err := os.MkdirTemp("", "benchroom-rootfs-*")
	if err != nil {
		return 0, fmt.Errorf("create rootfs work directory: %w", err)
	}
	defer os.RemoveAll(work)

	fs := &rootfs{dir: filepath.Join(work, "rootfs")}
	if err := os.Mkdir(fs.dir, 0o755); err != nil {
		return 0, fmt.Errorf("create rootfs directory: %w", err)
	}
	if err := fs.extract(stream); err != nil {
		return 0, err
	}
	for _, dir := range bootDirs {
		if err := os.MkdirAll(filepath.Join(fs.dir, dir), 0o755); err != nil {
			return 0, fmt.Errorf("prepare /%s: %w", dir, err)
		}
	}
	if guestAgent != "" {
		if err := fs.installAgent(guestAgent); err != nil {
			return 0, err
		}
	}
	return buildExt4(ctx, mkfsBinary, fs.dir, outputPath, imageSize(fs.bytes))
}

// buildExt4 formats a sparse file of size bytes populated from dir.
func buildExt4(ctx context.Context, mkfsBinary, dir, outputPath string, size int64) (int64, error) {
	f, err := os.OpenFile(outputPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create rootfs image: %w", err)
	}
	err = f.Truncate(size)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return 0, fmt.Errorf("size rootfs image to %d bytes: %w", size, err)
	}

	out, err := exec.CommandContext(ctx, mkfsBinary, "-F", "-d", dir, outputPath).CombinedOutput()
	if err != nil {
		return 0, fmt.Errorf("%s: %w: %s", mkfsBinary, err, strings.TrimSpace(string(out)))
	}
	return size, nil
}

// imageSize leaves room for ext4 metadata and for the benchmark to write,
// aligned so resize2fs can grow it cleanly.
func imageSize(content int64) int64 {
	size := max(content+content/2+rootFSHeadroomBytes, minimumRootFSSizeBytes)
	if rem := size % rootFSAlignBytes; rem != 0 {
		size += rootFSAlignBytes - rem
	}
	return size
}

// rootfs is a directory being populated from untrusted image layers. Every
// path is resolved inside dir and never through a symlink the layers planted.
type rootfs struct {
	dir   string
	bytes int64
}

func (r *rootfs) extract(stream io.Reader) error {
	tr := tar.NewReader(stream)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read image layers: %w", err)
		}
		target, err := r.path(hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			err = os.MkdirAll(target, hdr.FileInfo().Mode().Perm())
		case tar.TypeReg:
			err = r.writeFile(target, hdr.FileInfo().Mode().Perm(), tr)
		case tar.TypeSymlink:
			err = r.replace(target, func() error { return os.Symlink(hdr.Linkname, target) })
		case tar.TypeLink:
			var source string
			if source, err = r.path(hdr.Linkname); err == nil {
				err = r.replace(target, func() error { return os.Link(source, target) })
			}
		default:
			// devices and fifos are skipped; /dev is a devtmpfs at boot
		}
		if err != nil {
			return fmt.Errorf("extract %s: %w", hdr.Name, err)
		}
	}
}

// installAgent copies the host's guest agent over whatever the image put at
// GuestAgentPath.
func (r *rootfs) installAgent(agentPath string) error {
	src, err := os.Open(agentPath)
	if err != nil {
		return fmt.Errorf("open guest agent: %w", err)
	}
	defer src.Close()

	target, err := r.path(GuestAgentPath)
	if err != nil {
		return err
	}
	if err := r.writeFile(target, 0o755, src); err != nil {
		return fmt.Errorf("install guest agent: %w", err)
	}
	return nil
}

func (r *rootfs) writeFile(target string, mode os.FileMode, src io.Reader) error {
	return r.replace(target, func() error {
		f, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, mode)
		if err != nil {
			return err
		}
		n, err := io.Copy(f, src)
		r.bytes += n
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
		return err
	})
}

// replace removes any existing non-directory at target, so a later layer
// overwrites a planted symlink rather than following it, then runs create.
func (r *rootfs) replace(target string, create func() error) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if info, err := os.Lstat(target); err == nil && !info.IsDir() {
		if err := os.Remove(target); err != nil {
			return err
		}
	}
	return create()
}

// path maps an archive name to a host path under dir, refusing names that
// escape it or whose parents inside dir are symlinks.
func (r *rootfs) path(name string) (string, error) {
	rel := filepath.Clean(name)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("refusing archive entry with unsafe path %q", name)
	}
	rel = strings.TrimPrefix(rel, "/")
	if rel == "." || rel == "" {
		return r.dir, nil
	}

	current := r.dir
	for _, part := range strings.Split(filepath.Dir(rel), "/") {
		if part == "." {
			break
		}
		current = filepath.Join(current, part)
		info, err := os.Lstat(current)
		if errors.Is(err, os.ErrNotExist) {
			break
		}
		if err != nil {
			return "", err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return "", fmt.Errorf("refusing archive entry %q written through symlink %q", name, part)
		}
	}
	return filepath.Join(r.dir, rel), nil
}
