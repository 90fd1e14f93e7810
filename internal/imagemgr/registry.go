package imagemgr

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"strings"

	"github.com/buildkite/benchroom/internal/jobs"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

// pullImage resolves ref against the registry with the job's pull credential
// and returns the flattened layer stream.
func pullImage(ctx context.Context, ref, token string, platform v1.Platform, insecure bool) (io.ReadCloser, OCIConfig, error) {
	var opts []name.Option
	if insecure {
		opts = append(opts, name.Insecure)
	}
	digest, err := name.NewDigest(ref, opts...)
	if err != nil {
		return nil, OCIConfig{}, fmt.Errorf("parse digest reference %q: %w", ref, err)
	}

	var auth authn.Authenticator = authn.Anonymous
	if token = strings.TrimSpace(token); token != "" {
		auth = &authn.Bearer{Token: token}
	}
	img, err := remote.Image(digest,
		remote.WithContext(ctx),
		remote.WithAuth(auth),
		remote.WithPlatform(platform),
	)
	if err != nil {
		return nil, OCIConfig{}, fmt.Errorf("pull %s: %w", ref, err)
	}
	cfg, err := img.ConfigFile()
	if err != nil {
		return nil, OCIConfig{}, fmt.Errorf("read image config for %s: %w", ref, err)
	}
	return mutate.Extract(img), OCIConfig{
		Entrypoint: cfg.Config.Entrypoint,
		Cmd:        cfg.Config.Cmd,
		Env:        cfg.Config.Env,
		Workdir:    cfg.Config.WorkingDir,
		User:       cfg.Config.User,
	}, nil
}

// platformFor picks the image index entry a guest of arch can boot. An unset
// architecture means the host's.
func platformFor(arch jobs.Architecture) v1.Platform {
	if arch == "" {
		if parsed, err := jobs.ParseArchitecture(runtime.GOARCH); err == nil {
			arch = parsed
		}
	}
	switch arch {
	case jobs.ArchitectureX86_64:
		return v1.Platform{OS: "linux", Architecture: "amd64"}
	case jobs.ArchitectureAarch64:
		return v1.Platform{OS: "linux", Architecture: "arm64", Variant: "v8"}
	}
	return v1.Platform{OS: "linux", Architecture: runtime.GOARCH}
}
