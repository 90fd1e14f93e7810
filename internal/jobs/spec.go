package jobs

import (
	"fmt"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"
)

type Architecture string

const (
	ArchitectureX86_64  Architecture = "x86_64"
	ArchitectureAarch64 Architecture = "aarch64"
)

func ParseArchitecture(raw string) (Architecture, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "x86_64", "amd64":
		return ArchitectureX86_64, nil
	case "aarch64", "arm64":
		return ArchitectureAarch64, nil
	default:
		return "", fmt.Errorf("%w: unsupported architecture %q (expected x86_64 or aarch64)", errdefs.ErrInvalidArgument, raw)
	}
}

// Spec is a hardware profile a job runs under. Specs belong to a project and
// are referenced, never owned, by jobs and testbeds.
type Spec struct {
	UUID         uuid.UUID    `json:"uuid"`
	Project      uuid.UUID    `json:"project"`
	Name         string       `json:"name"`
	Slug         string       `json:"slug"`
	Architecture Architecture `json:"architecture"`
	CPU          uint32       `json:"cpu"`
	Memory       uint64       `json:"memory"`
	Disk         uint64       `json:"disk"`
	Network      bool         `json:"network"`
	IsFallback   bool         `json:"is_fallback"`
	Created      time.Time    `json:"created"`
	Modified     time.Time    `json:"modified"`
	Archived     *time.Time   `json:"archived,omitempty"`
}

func (s Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: spec name is required", errdefs.ErrInvalidArgument)
	}
	if _, err := ParseArchitecture(string(s.Architecture)); err != nil {
		return err
	}
	if s.CPU == 0 {
		return fmt.Errorf("%w: spec cpu must be at least 1", errdefs.ErrInvalidArgument)
	}
	if s.Memory < 128<<20 {
		return fmt.Errorf("%w: spec memory must be at least 128 MiB", errdefs.ErrInvalidArgument)
	}
	if s.Disk < 512<<20 {
		return fmt.Errorf("%w: spec disk must be at least 512 MiB", errdefs.ErrInvalidArgument)
	}
	return nil
}

// MemoryMiB returns the VM memory size. Firecracker sizes guests in MiB.
func (s Spec) MemoryMiB() int64 {
	return int64(s.Memory >> 20)
}

// Testbed is a named execution environment within a project. Once a testbed
// is bound to a spec, later jobs on it reuse that spec unless one is given
// explicitly.
type Testbed struct {
	UUID     uuid.UUID  `json:"uuid"`
	Project  uuid.UUID  `json:"project"`
	Name     string     `json:"name"`
	Slug     string     `json:"slug"`
	Spec     *uuid.UUID `json:"spec,omitempty"`
	Created  time.Time  `json:"created"`
	Modified time.Time  `json:"modified"`
}

// Slugify turns a display name into a URL-safe slug.
func Slugify(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	slug := strings.TrimRight(b.String(), "-")
	if len(slug) > 64 {
		slug = strings.TrimRight(slug[:64], "-")
	}
	if slug == "" {
		return "unnamed"
	}
	return slug
}
