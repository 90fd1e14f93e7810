package resolver

import (
	"context"
	"fmt"
	"testing"

	"github.com/buildkite/benchroom/internal/jobs"
	"github.com/containerd/errdefs"
	"github.com/google/uuid"
)

type fakeCatalog struct {
	specs    []jobs.Spec
	testbeds []jobs.Testbed
}

func (c *fakeCatalog) SpecByRef(_ context.Context, project uuid.UUID, ref string) (jobs.Spec, error) {
	for _, spec := range c.specs {
		if spec.Project == project && spec.Archived == nil && (spec.Slug == ref || spec.UUID.String() == ref) {
			return spec, nil
		}
	}
	return jobs.Spec{}, fmt.Errorf("spec %q: %w", ref, errdefs.ErrNotFound)
}

func (c *fakeCatalog) SpecByUUID(ctx context.Context, project, id uuid.UUID) (jobs.Spec, error) {
	return c.SpecByRef(ctx, project, id.String())
}

func (c *fakeCatalog) FallbackSpec(_ context.Context, project uuid.UUID) (jobs.Spec, bool, error) {
	for _, spec := range c.specs {
		if spec.Project == project && spec.IsFallback && spec.Archived == nil {
			return spec, true, nil
		}
	}
	return jobs.Spec{}, false, nil
}

func (c *fakeCatalog) TestbedByName(_ context.Context, project uuid.UUID, name string) (jobs.Testbed, bool, error) {
	for _, tb := range c.testbeds {
		if tb.Project == project && (tb.Name == name || tb.Slug == name) {
			return tb, true, nil
		}
	}
	return jobs.Testbed{}, false, nil
}

var projectID = uuid.MustParse("0f7d0a8a-51c7-4d55-8f2b-8d4b9d8f6a11")

func newSpec(name string, fallback bool) jobs.Spec {
	return jobs.Spec{
		UUID:         uuid.New(),
		Project:      projectID,
		Name:         name,
		Slug:         jobs.Slugify(name),
		Architecture: jobs.ArchitectureX86_64,
		CPU:          2,
		Memory:       1 << 30,
		Disk:         4 << 30,
		IsFallback:   fallback,
	}
}

func TestResolveFallbackNamesTestbedAfterSpec(t *testing.T) {
	t.Parallel()

	fallback := newSpec("Job Test Spec", true)
	catalog := &fakeCatalog{specs: []jobs.Spec{fallback}}

	res, err := Resolve(context.Background(), catalog, Request{Project: projectID})
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if got, want := res.TestbedName, "Job Test Spec"; got != want {
		t.Fatalf("unexpected testbed name: got %q want %q", got, want)
	}
	if res.Spec.UUID != fallback.UUID {
		t.Fatalf("expected fallback spec, got %s", res.Spec.Name)
	}
	if !res.Bind || res.Existing != nil {
		t.Fatalf("expected a new testbed bound to the fallback, got bind=%v existing=%v", res.Bind, res.Existing)
	}
}

func TestResolveTestbedBindingWinsOverFallback(t *testing.T) {
	t.Parallel()

	bound := newSpec("Bound Spec", false)
	fallback := newSpec("Fallback Spec", true)
	catalog := &fakeCatalog{
		specs:    []jobs.Spec{bound, fallback},
		testbeds: []jobs.Testbed{{UUID: uuid.New(), Project: projectID, Name: "ci-box", Slug: "ci-box", Spec: &bound.UUID}},
	}

	res, err := Resolve(context.Background(), catalog, Request{Project: projectID, Testbed: "ci-box"})
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if res.Spec.UUID != bound.UUID {
		t.Fatalf("expected testbed-bound spec %q, got %q", bound.Name, res.Spec.Name)
	}
	if res.Bind {
		t.Fatal("expected existing binding to be reused without rebinding")
	}
}

func TestResolveExplicitSpecRebindsTestbed(t *testing.T) {
	t.Parallel()

	bound := newSpec("Bound Spec", false)
	explicit := newSpec("Explicit Spec", false)
	catalog := &fakeCatalog{
		specs:    []jobs.Spec{bound, explicit},
		testbeds: []jobs.Testbed{{UUID: uuid.New(), Project: projectID, Name: "ci-box", Slug: "ci-box", Spec: &bound.UUID}},
	}

	res, err := Resolve(context.Background(), catalog, Request{Project: projectID, Testbed: "ci-box", Spec: explicit.Slug})
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if res.Spec.UUID != explicit.UUID || !res.Bind {
		t.Fatalf("expected explicit spec with rebind, got %q bind=%v", res.Spec.Name, res.Bind)
	}
	if got, want := res.TestbedName, "ci-box"; got != want {
		t.Fatalf("explicit testbed name must be kept verbatim: got %q want %q", got, want)
	}
}

func TestResolveUnknownExplicitSpecIsClientError(t *testing.T) {
	t.Parallel()

	catalog := &fakeCatalog{specs: []jobs.Spec{newSpec("Fallback", true)}}
	_, err := Resolve(context.Background(), catalog, Request{Project: projectID, Spec: "does-not-exist"})
	if err == nil || !errdefs.IsInvalidArgument(err) {
		t.Fatalf("expected invalid argument for unknown spec, got %v", err)
	}
}

func TestResolveWithoutAnySpec(t *testing.T) {
	t.Parallel()

	_, err := Resolve(context.Background(), &fakeCatalog{}, Request{Project: projectID, Testbed: "ci-box"})
	if !IsNoSpecAvailable(err) {
		t.Fatalf("expected no spec available, got %v", err)
	}
	if !errdefs.IsInvalidArgument(err) {
		t.Fatalf("expected no spec available to be a client error, got %v", err)
	}
}

func TestResolveDerivedNameFollowsCurrentResolution(t *testing.T) {
	t.Parallel()

	first := newSpec("First Spec", true)
	catalog := &fakeCatalog{specs: []jobs.Spec{first}}
	res, err := Resolve(context.Background(), catalog, Request{Project: projectID})
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if res.TestbedName != "First Spec" {
		t.Fatalf("unexpected first testbed name %q", res.TestbedName)
	}

	first.IsFallback = false
	second := newSpec("Second Spec", true)
	catalog.specs = []jobs.Spec{first, second}
	res, err = Resolve(context.Background(), catalog, Request{Project: projectID})
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if res.TestbedName != "Second Spec" {
		t.Fatalf("expected derived testbed name to follow the new fallback, got %q", res.TestbedName)
	}
}

func TestResolveArchivedBindingFallsBack(t *testing.T) {
	t.Parallel()

	archived := newSpec("Old Spec", false)
	archivedAt := archived.Created
	archived.Archived = &archivedAt
	fallback := newSpec("Fallback", true)
	catalog := &fakeCatalog{
		specs:    []jobs.Spec{archived, fallback},
		testbeds: []jobs.Testbed{{UUID: uuid.New(), Project: projectID, Name: "ci-box", Slug: "ci-box", Spec: &archived.UUID}},
	}

	res, err := Resolve(context.Background(), catalog, Request{Project: projectID, Testbed: "ci-box"})
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if res.Spec.UUID != fallback.UUID || !res.Bind {
		t.Fatalf("expected fallback with rebind, got %q bind=%v", res.Spec.Name, res.Bind)
	}
}

func TestTestbedNameWithoutJob(t *testing.T) {
	t.Parallel()

	if got := TestbedNameWithoutJob(""); got != DefaultTestbedName {
		t.Fatalf("unexpected default testbed: %q", got)
	}
	if got := TestbedNameWithoutJob("ci-box"); got != "ci-box" {
		t.Fatalf("unexpected explicit testbed: %q", got)
	}
}
