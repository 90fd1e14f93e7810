// Package bootassets provides guest kernels for runner hosts that do not
// configure one, downloading a pinned build on first use.
package bootassets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/buildkite/benchroom/internal/jobs"
	"github.com/buildkite/benchroom/internal/paths"
	"github.com/containerd/errdefs"
	v1 "github.com/google/go-containerregistry/pkg/v1"
)

// Kernel is a pinned guest kernel build. Digest is "sha256:<hex>" of the
// uncompressed vmlinux.
type Kernel struct {
	Name   string
	URL    string
	Digest string
}

// Resolution is where a runner's guest kernel lives.
type Resolution struct {
	Path       string
	Managed    bool
	Downloaded bool
	// Notice is set when the runner should tell the operator where the kernel
	// came from.
	Notice string
}

type Options struct {
	HTTPClient *http.Client
	AssetsDir  func() (string, error)
	Kernels    map[jobs.Architecture]Kernel
}

// Manager keeps managed kernels content-addressed under the assets
// directory, one file per digest.
type Manager struct {
	client    *http.Client
	assetsDir func() (string, error)
	kernels   map[jobs.Architecture]Kernel
	mu        sync.Mutex
}

var pinnedKernels = map[jobs.Architecture]Kernel{
	jobs.ArchitectureX86_64: {
		Name:   "firecracker-ci v1.14 x86_64 vmlinux-6.1.155",
		URL:    "https://s3.amazonaws.com/spec.ccfc.min/firecracker-ci/v1.14/x86_64/vmlinux-6.1.155",
		Digest: "sha256:e41c7048bd2475e7e788153823fcb9166a7e0b78c4c443bd6446d015fa735f53",
	},
	jobs.ArchitectureAarch64: {
		Name:   "firecracker-ci v1.14 aarch64 vmlinux-6.1.155",
		URL:    "https://s3.amazonaws.com/spec.ccfc.min/firecracker-ci/v1.14/aarch64/vmlinux-6.1.155",
		Digest: "sha256:61baeae1ac6197be4fc5c71fa78df266acdc33c54570290d2f611c2b42c105be",
	},
}

func New(opts Options) *Manager {
	m := &Manager{
		client:    opts.HTTPClient,
		assetsDir: opts.AssetsDir,
		kernels:   opts.Kernels,
	}
	if m.client == nil {
		m.client = &http.Client{Timeout: 5 * time.Minute}
	}
	if m.assetsDir == nil {
		m.assetsDir = paths.AssetsDir
	}
	if m.kernels == nil {
		m.kernels = pinnedKernels
	}
	return m
}

func (m *Manager) kernel(arch jobs.Architecture) (Kernel, v1.Hash, error) {
	k, ok := m.kernels[arch]
	if !ok {
		return Kernel{}, v1.Hash{}, fmt.Errorf("no managed kernel for %s: %w", arch, errdefs.ErrNotFound)
	}
	digest, err := v1.NewHash(k.Digest)
	if err != nil {
		return Kernel{}, v1.Hash{}, fmt.Errorf("managed kernel for %s: %w", arch, err)
	}
	return k, digest, nil
}

// Path is where the managed kernel for arch is stored, whether or not it has
// been downloaded yet.
func (m *Manager) Path(arch jobs.Architecture) (string, error) {
	_, digest, err := m.kernel(arch)
	if err != nil {
		return "", err
	}
	base, err := m.assetsDir()
	if err != nil {
		return "", fmt.Errorf("resolve assets directory: %w", err)
	}
	return filepath.Join(base, "kernels", digest.Algorithm+"-"+digest.Hex, "vmlinux"), nil
}

// Resolve prefers a configured kernel that exists on disk and otherwise
// ensures the managed kernel for arch.
func (m *Manager) Resolve(ctx context.Context, arch jobs.Architecture, configured string) (Resolution, error) {
	configured = strings.TrimSpace(configured)
	if configured != "" {
		if abs, err := filepath.Abs(configured); err == nil {
			configured = abs
		}
		if st, err := os.Stat(configured); err == nil && st.Mode().IsRegular() {
			return Resolution{Path: configured}, nil
		}
	}

	k, _, _ := m.kernel(arch)
	path, downloaded, err := m.ensure(ctx, arch)
	if err != nil {
		if configured != "" {
			return Resolution{}, fmt.Errorf("kernel_image %q is not accessible and no managed kernel is available: %w", configured, err)
		}
		return Resolution{}, err
	}

	notice := "using managed kernel " + k.Name
	if downloaded {
		notice = "downloaded managed kernel " + k.Name
	}
	if configured != "" {
		notice = fmt.Sprintf("kernel_image %q is not accessible; %s", configured, notice)
	}
	return Resolution{Path: path, Managed: true, Downloaded: downloaded, Notice: notice}, nil
}

func (m *Manager) ensure(ctx context.Context, arch jobs.Architecture) (string, bool, error) {
	k, digest, err := m.kernel(arch)
	if err != nil {
		return "", false, err
	}
	dest, err := m.Path(arch)
	if err != nil {
		return "", false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ok, err := matches(dest, digest)
	if err != nil || ok {
		return dest, false, err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", false, fmt.Errorf("create kernel directory: %w", err)
	}
	if err := m.download(ctx, k, digest, dest); err != nil {
		return "", false, err
	}
	return dest, true, nil
}

// download streams the kernel into a temporary file beside dest and only
// renames it into place once the digest matches.
func (m *Manager) download(ctx context.Context, k Kernel, want v1.Hash, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.URL, nil)
	if err != nil {
		return fmt.Errorf("create kernel request: %w", err)
	}
	req.Header.Set("User-Agent", "benchroom")
	res, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("download kernel from %s: %w", k.URL, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return fmt.Errorf("download kernel from %s: unexpected status %d: %s", k.URL, res.StatusCode, strings.TrimSpace(string(body)))
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".vmlinux-*")
	if err != nil {
		return fmt.Errorf("create temporary kernel: %w", err)
	}
	defer os.Remove(tmp.Name())

	got, _, err := v1.SHA256(io.TeeReader(res.Body, tmp))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("write kernel: %w", err)
	}
	if got != want {
		return fmt.Errorf("kernel checksum mismatch for %s: got %s want %s", k.URL, got, want)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("store kernel: %w", err)
	}
	return nil
}

func matches(path string, want v1.Hash) (bool, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("open kernel: %w", err)
	}
	defer f.Close()
	got, _, err := v1.SHA256(f)
	if err != nil {
		return false, fmt.Errorf("hash kernel %s: %w", path, err)
	}
	return got == want, nil
}
