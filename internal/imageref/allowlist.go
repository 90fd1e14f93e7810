// Package imageref parses job image references, enforces the registry
// allow-list and pins tags to content digests.
package imageref

import (
	"fmt"
	"slices"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/uuid"
)

const DockerHub = name.DefaultRegistry

// Image is a job image reference that passed the allow-list.
type Image struct {
	Original string
	// Registry is the host the runner pulls from. References naming a local
	// alias are rewritten to the project-local registry address.
	Registry   string
	Repository string
	Tag        string
	Digest     string
	// Local is set for images in the project-local registry.
	Local bool
}

// Pinned renders the digest reference for a resolved digest.
func (i Image) Pinned(digest string) string {
	return i.Registry + "/" + i.Repository + "@" + digest
}

// InProject reports whether a local image lives in the project's own
// repository namespace, addressed by slug or uuid.
func (i Image) InProject(slug string, id uuid.UUID) bool {
	first, _, _ := strings.Cut(i.Repository, "/")
	return first == slug || first == id.String()
}

type AllowList struct {
	// LocalAliases are registry names callers use for the project registry.
	LocalAliases []string
	// LocalAddress is the host[:port] the project registry is served on.
	LocalAddress string
	Public       []string
	Insecure     bool
}

func DefaultAllowList(localAddress string) AllowList {
	return AllowList{
		LocalAliases: []string{"localhost"},
		LocalAddress: localAddress,
		Public:       []string{DockerHub},
	}
}

// Parse validates raw and checks its registry. Disallowed registries are a
// client error.
func (a AllowList) Parse(raw string) (Image, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Image{}, fmt.Errorf("%w: job image is required", errdefs.ErrInvalidArgument)
	}
	var opts []name.Option
	if a.Insecure {
		opts = append(opts, name.Insecure)
	}

	// A bare alias such as "localhost" carries no '.' or ':' and would
	// otherwise parse as a Docker Hub namespace.
	local := false
	parseTarget := raw
	if first, rest, ok := strings.Cut(raw, "/"); ok && slices.Contains(a.LocalAliases, first) {
		local = true
		parseTarget = lowerRepository(rest)
		registry := a.LocalAddress
		if registry == "" {
			registry = first
		}
		opts = append(opts, name.WithDefaultRegistry(registry))
	}

	ref, err := name.ParseReference(parseTarget, opts...)
	if err != nil {
		return Image{}, fmt.Errorf("%w: invalid image reference %q: %v", errdefs.ErrInvalidArgument, raw, err)
	}

	img := Image{
		Original:   raw,
		Registry:   ref.Context().RegistryStr(),
		Repository: ref.Context().RepositoryStr(),
		Local:      local || (a.LocalAddress != "" && ref.Context().RegistryStr() == a.LocalAddress),
	}
	switch id := ref.(type) {
	case name.Digest:
		img.Digest = strings.ToLower(id.DigestStr())
	case name.Tag:
		img.Tag = id.TagStr()
	}

	if !img.Local && !slices.Contains(a.Public, img.Registry) {
		return Image{}, fmt.Errorf("%w: registry %q is not allowed for job images", errdefs.ErrInvalidArgument, img.Registry)
	}
	if img.Digest != "" && !IsDigest(img.Digest) {
		return Image{}, fmt.Errorf("%w: image %q must use a sha256 digest", errdefs.ErrInvalidArgument, raw)
	}
	return img, nil
}

// lowerRepository lowercases the repository path of ref so project names
// written in display casing address the slug. Tags are case sensitive and
// kept as written.
func lowerRepository(ref string) string {
	repo, suffix := ref, ""
	if i := strings.IndexByte(repo, '@'); i >= 0 {
		repo, suffix = repo[:i], repo[i:]
	}
	if i := strings.LastIndexByte(repo, ':'); i > strings.LastIndexByte(repo, '/') {
		repo, suffix = repo[:i], repo[i:]+suffix
	}
	return strings.ToLower(repo) + suffix
}
