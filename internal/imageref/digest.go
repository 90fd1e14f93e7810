package imageref

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
)

var digestPattern = regexp.MustCompile(`^sha256:[a-f0-9]{64}$`)

// DigestReference is a validated repo@sha256:<hex> reference.
type DigestReference struct {
	Original   string
	Registry   string
	Repository string
	digest     string
}

func (r DigestReference) Digest() string {
	return r.digest
}

// Hex is the digest without its algorithm prefix.
func (r DigestReference) Hex() string {
	return strings.TrimPrefix(r.digest, "sha256:")
}

// ParseDigestReference accepts only digest-pinned references, the only form
// a runner ever pulls.
func ParseDigestReference(raw string) (DigestReference, error) {
	ref := strings.TrimSpace(raw)
	if ref == "" {
		return DigestReference{}, fmt.Errorf("reference must be digest-pinned (for example registry/repo@sha256:<digest>)")
	}
	if !strings.Contains(ref, "@") {
		return DigestReference{}, fmt.Errorf("reference %q is not digest-pinned (expected registry/repo@sha256:<digest>)", ref)
	}
	parsed, err := name.NewDigest(ref)
	if err != nil {
		return DigestReference{}, fmt.Errorf("parse digest reference %q: %w", ref, err)
	}
	digest := strings.ToLower(parsed.DigestStr())
	if !digestPattern.MatchString(digest) {
		return DigestReference{}, fmt.Errorf("reference %q must include sha256 digest with 64 lowercase hex characters", ref)
	}
	return DigestReference{
		Original:   ref,
		Registry:   parsed.Context().RegistryStr(),
		Repository: parsed.Context().RepositoryStr(),
		digest:     digest,
	}, nil
}

// IsDigest reports whether s is a sha256 content digest.
func IsDigest(s string) bool {
	return digestPattern.MatchString(s)
}
