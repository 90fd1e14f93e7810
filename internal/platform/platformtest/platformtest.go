// Package platformtest builds a platform.Service on a temporary sqlite store
// for tests of the HTTP surfaces.
package platformtest

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/buildkite/benchroom/internal/imageref"
	"github.com/buildkite/benchroom/internal/jobs"
	"github.com/buildkite/benchroom/internal/platform"
	"github.com/buildkite/benchroom/internal/pulltoken"
	"github.com/buildkite/benchroom/internal/store"
	"github.com/charmbracelet/log"
	"github.com/google/go-containerregistry/pkg/authn"
)

const Digest = "sha256:0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

// Image is a local image inside Fixture.Project.
const Image = "localhost/the-computer:v1"

type Fixture struct {
	Service     *platform.Service
	Store       *store.Store
	Tokens      *pulltoken.Issuer
	Project     jobs.Project
	Spec        jobs.Spec
	Runner      jobs.Runner
	RunnerToken string
}

type fixedDigest struct{}

func (fixedDigest) Resolve(_ context.Context, img imageref.Image, _ authn.Authenticator) (string, error) {
	if img.Digest != "" {
		return img.Digest, nil
	}
	return Digest, nil
}

func New(t *testing.T) *Fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, store.Options{DSN: filepath.Join(t.TempDir(), "benchroom.db")})
	if err != nil {
		t.Fatalf("store.Open returned error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	tokens, err := pulltoken.NewIssuer(pulltoken.Options{Secret: []byte("0123456789abcdef0123456789abcdef")})
	if err != nil {
		t.Fatalf("NewIssuer returned error: %v", err)
	}

	f := &Fixture{Store: st, Tokens: tokens}
	f.Service = &platform.Service{
		Store:     st,
		Digests:   fixedDigest{},
		AllowList: imageref.DefaultAllowList("localhost:61016"),
		Tokens:    tokens,
		Logger:    log.New(io.Discard),
	}

	if f.Project, err = f.Service.CreateProject(ctx, "The Computer", false); err != nil {
		t.Fatalf("CreateProject returned error: %v", err)
	}
	f.Spec, err = f.Service.CreateSpec(ctx, f.Project.Slug, jobs.Spec{
		Name:         "Job Test Spec",
		Architecture: jobs.ArchitectureX86_64,
		CPU:          2,
		Memory:       1 << 30,
		Disk:         4 << 30,
		IsFallback:   true,
	})
	if err != nil {
		t.Fatalf("CreateSpec returned error: %v", err)
	}
	if f.Runner, f.RunnerToken, err = f.Service.RegisterRunner(ctx, "runner-1", jobs.ArchitectureX86_64); err != nil {
		t.Fatalf("RegisterRunner returned error: %v", err)
	}
	return f
}
