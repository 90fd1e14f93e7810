// Package imagemgr pulls digest-pinned job images and caches them as ext4
// root filesystems, with metadata in sqlite.
package imagemgr

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/buildkite/benchroom/internal/hosttools"
	"github.com/buildkite/benchroom/internal/imageref"
	"github.com/buildkite/benchroom/internal/jobs"
	"github.com/buildkite/benchroom/internal/paths"
	"github.com/containerd/errdefs"
)

// OCIConfig is the part of an image's config the engine needs to start the
// benchmark.
type OCIConfig struct {
	Entrypoint []string `json:"entrypoint,omitempty"`
	Cmd        []string `json:"cmd,omitempty"`
	Env        []string `json:"env,omitempty"`
	Workdir    string   `json:"workdir,omitempty"`
	User       string   `json:"user,omitempty"`
}

// Record is one cached image. Ref is the canonical registry/repository@digest
// reference and is the cache key: the same digest pulled from two
// repositories is cached twice, so one project's pull never serves another's.
type Record struct {
	Ref        string    `json:"ref"`
	Digest     string    `json:"digest"`
	Repository string    `json:"repository"`
	RootFSPath string    `json:"rootfs_path"`
	SizeBytes  int64     `json:"size_bytes"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	OCIConfig  OCIConfig `json:"oci_config"`
}

type EnsureResult struct {
	Record   Record
	CacheHit bool
}

// PullFunc fetches the flattened filesystem of ref using token as the
// registry bearer credential.
type PullFunc func(ctx context.Context, ref, token string) (io.ReadCloser, OCIConfig, error)

// MaterializeFunc writes a bootable rootfs for the flattened layers in
// stream to path and returns its size.
type MaterializeFunc func(ctx context.Context, stream io.Reader, path string) (int64, error)

type Options struct {
	CacheDir       string
	MetadataDBPath string
	MkfsBinary     string
	// GuestAgentPath is copied into every materialised rootfs and booted as
	// init. Empty skips the injection.
	GuestAgentPath string
	// Architecture selects the image index entry to pull. Defaults to the
	// host.
	Architecture jobs.Architecture
	// InsecureRegistry pulls over plain HTTP, for a project-local registry
	// without TLS.
	InsecureRegistry bool
	Now              func() time.Time

	PullImage         PullFunc
	MaterializeRootFS MaterializeFunc
}

type Manager struct {
	cacheDir    string
	now         func() time.Time
	pull        PullFunc
	materialize MaterializeFunc
	catalog     *catalog

	mu sync.Mutex
}

func New(opts Options) (*Manager, error) {
	cacheDir := strings.TrimSpace(opts.CacheDir)
	dbPath := strings.TrimSpace(opts.MetadataDBPath)
	var err error
	if cacheDir == "" {
		if cacheDir, err = paths.ImageCacheDir(); err != nil {
			return nil, fmt.Errorf("resolve image cache directory: %w", err)
		}
	}
	if dbPath == "" {
		if dbPath, err = paths.ImageMetadataDBPath(); err != nil {
			return nil, fmt.Errorf("resolve image metadata path: %w", err)
		}
	}
	for _, dir := range []string{cacheDir, filepath.Dir(dbPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	m := &Manager{
		cacheDir:    cacheDir,
		now:         opts.Now,
		pull:        opts.PullImage,
		materialize: opts.MaterializeRootFS,
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.pull == nil {
		platform := platformFor(opts.Architecture)
		insecure := opts.InsecureRegistry
		m.pull = func(ctx context.Context, ref, token string) (io.ReadCloser, OCIConfig, error) {
			return pullImage(ctx, ref, token, platform, insecure)
		}
	}
	if m.materialize == nil {
		mkfs := strings.TrimSpace(opts.MkfsBinary)
		if mkfs == "" {
			mkfs = defaultMkfsBinary
		}
		agent := strings.TrimSpace(opts.GuestAgentPath)
		m.materialize = func(ctx context.Context, stream io.Reader, path string) (int64, error) {
			binary, err := hosttools.ResolveBinary(mkfs)
			if err != nil {
				return 0, err
			}
			return materializeExt4(ctx, binary, agent, stream, path)
		}
	}

	if m.catalog, err = openCatalog(context.Background(), dbPath); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) Close() error {
	return m.catalog.Close()
}

// Ensure returns the cached rootfs for ref, pulling and materialising it on a
// miss. ref must be digest-pinned.
func (m *Manager) Ensure(ctx context.Context, ref, token string) (EnsureResult, error) {
	parsed, err := imageref.ParseDigestReference(ref)
	if err != nil {
		return EnsureResult{}, err
	}
	key := canonicalRef(parsed)

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	record, found, err := m.catalog.get(ctx, key)
	if err != nil {
		return EnsureResult{}, err
	}
	if found {
		switch _, err := os.Stat(record.RootFSPath); {
		case err == nil:
			record.LastUsedAt = now
			if err := m.catalog.touch(ctx, key, now); err != nil {
				return EnsureResult{}, err
			}
			return EnsureResult{Record: record, CacheHit: true}, nil
		case !os.IsNotExist(err):
			return EnsureResult{}, fmt.Errorf("stat cached rootfs: %w", err)
		}
		// the artifact vanished underneath us; pull it again
		if err := m.catalog.delete(ctx, key); err != nil {
			return EnsureResult{}, err
		}
	}

	stream, config, err := m.pull(ctx, key, token)
	if err != nil {
		return EnsureResult{}, err
	}
	defer stream.Close()

	record, err = m.install(ctx, Record{
		Ref:        key,
		Digest:     parsed.Digest(),
		Repository: parsed.Registry + "/" + parsed.Repository,
		CreatedAt:  now,
		LastUsedAt: now,
		OCIConfig:  config,
	}, stream)
	if err != nil {
		return EnsureResult{}, err
	}
	return EnsureResult{Record: record}, nil
}

// install materialises stream into a temporary artifact and renames it into
// the cache only once it is complete.
func (m *Manager) install(ctx context.Context, record Record, stream io.Reader) (Record, error) {
	name := artifactName(record.Digest, record.Repository)
	tmp, err := os.CreateTemp(m.cacheDir, name+".tmp-*.ext4")
	if err != nil {
		return Record{}, fmt.Errorf("create temporary rootfs for %s: %w", record.Ref, err)
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	defer os.Remove(tmpPath)

	if record.SizeBytes, err = m.materialize(ctx, stream, tmpPath); err != nil {
		return Record{}, err
	}
	record.RootFSPath = filepath.Join(m.cacheDir, name+".ext4")
	if err := os.Rename(tmpPath, record.RootFSPath); err != nil {
		return Record{}, fmt.Errorf("move rootfs into cache: %w", err)
	}
	if err := m.catalog.put(ctx, record); err != nil {
		_ = os.Remove(record.RootFSPath)
		return Record{}, err
	}
	return record, nil
}

// List returns cached images, most recently used first.
func (m *Manager) List(ctx context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.catalog.all(ctx)
}

// Remove deletes cached images matching selector: a full reference, a digest
// (with or without the sha256: prefix) or a registry/repository. Metadata is
// kept for any artifact that could not be deleted.
func (m *Manager) Remove(ctx context.Context, selector string) ([]Record, error) {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return nil, fmt.Errorf("%w: image selector cannot be empty", errdefs.ErrInvalidArgument)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	records, err := m.catalog.match(ctx, selector)
	if err != nil {
		return nil, err
	}
	removed := make([]Record, 0, len(records))
	for _, record := range records {
		if err := os.Remove(record.RootFSPath); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("remove cached rootfs %s: %w", record.RootFSPath, err)
		}
		if err := m.catalog.delete(ctx, record.Ref); err != nil {
			return removed, err
		}
		removed = append(removed, record)
	}
	return removed, nil
}

func canonicalRef(ref imageref.DigestReference) string {
	return ref.Registry + "/" + ref.Repository + "@" + ref.Digest()
}

// artifactName keeps per-repository artifacts apart while staying readable by
// digest.
func artifactName(digest, repository string) string {
	sum := sha256.Sum256([]byte(repository))
	return strings.TrimPrefix(digest, "sha256:") + "-" + hex.EncodeToString(sum[:])[:12]
}
