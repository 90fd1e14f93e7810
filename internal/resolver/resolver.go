// Package resolver decides which spec and testbed a job-bearing run binds to.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/buildkite/benchroom/internal/jobs"
	"github.com/containerd/errdefs"
	"github.com/google/uuid"
)

// DefaultTestbedName is used for runs without a job that omit the testbed.
const DefaultTestbedName = "localhost"

// ErrNoSpecAvailable is returned for a job-bearing run when the project has no
// explicit, testbed-bound, or fallback spec to offer.
var ErrNoSpecAvailable = fmt.Errorf("%w: no spec available: pass a spec, bind one to the testbed, or mark a project spec as fallback", errdefs.ErrInvalidArgument)

// Catalog is the read side of a project's spec and testbed catalogs. Lookups
// of missing or archived specs return an errdefs not-found error.
type Catalog interface {
	SpecByRef(ctx context.Context, project uuid.UUID, ref string) (jobs.Spec, error)
	SpecByUUID(ctx context.Context, project, id uuid.UUID) (jobs.Spec, error)
	FallbackSpec(ctx context.Context, project uuid.UUID) (jobs.Spec, bool, error)
	TestbedByName(ctx context.Context, project uuid.UUID, name string) (jobs.Testbed, bool, error)
}

type Request struct {
	Project uuid.UUID
	Testbed string
	Spec    string
}

type Resolution struct {
	Spec        jobs.Spec
	TestbedName string
	// Existing is the testbed already registered under TestbedName, if any.
	Existing *jobs.Testbed
	// Bind reports whether the testbed must be (re)bound to Spec.
	Bind bool
}

// Resolve picks the spec for a job-bearing run. Priority: explicit spec, the
// spec already bound to the named testbed, the project fallback. An omitted
// testbed name is derived from the resolved spec on every call.
func Resolve(ctx context.Context, catalog Catalog, req Request) (Resolution, error) {
	testbedName := strings.TrimSpace(req.Testbed)
	specRef := strings.TrimSpace(req.Spec)

	if specRef != "" {
		spec, err := catalog.SpecByRef(ctx, req.Project, specRef)
		if err != nil {
			if errdefs.IsNotFound(err) {
				return Resolution{}, fmt.Errorf("%w: unknown spec %q", errdefs.ErrInvalidArgument, specRef)
			}
			return Resolution{}, fmt.Errorf("resolve spec %q: %w", specRef, err)
		}
		return withTestbed(ctx, catalog, req.Project, nameOr(testbedName, spec.Name), spec)
	}

	if testbedName != "" {
		existing, found, err := catalog.TestbedByName(ctx, req.Project, testbedName)
		if err != nil {
			return Resolution{}, fmt.Errorf("look up testbed %q: %w", testbedName, err)
		}
		if found && existing.Spec != nil {
			spec, err := catalog.SpecByUUID(ctx, req.Project, *existing.Spec)
			switch {
			case err == nil:
				return Resolution{Spec: spec, TestbedName: testbedName, Existing: &existing}, nil
			case errdefs.IsNotFound(err):
				// The bound spec was archived; fall through to the fallback.
			default:
				return Resolution{}, fmt.Errorf("load spec bound to testbed %q: %w", testbedName, err)
			}
		}
	}

	fallback, ok, err := catalog.FallbackSpec(ctx, req.Project)
	if err != nil {
		return Resolution{}, fmt.Errorf("load fallback spec: %w", err)
	}
	if !ok {
		return Resolution{}, ErrNoSpecAvailable
	}
	return withTestbed(ctx, catalog, req.Project, nameOr(testbedName, fallback.Name), fallback)
}

// TestbedNameWithoutJob returns the testbed a run without a job reports
// against. Specs are never consulted.
func TestbedNameWithoutJob(requested string) string {
	return nameOr(strings.TrimSpace(requested), DefaultTestbedName)
}

func withTestbed(ctx context.Context, catalog Catalog, project uuid.UUID, name string, spec jobs.Spec) (Resolution, error) {
	existing, found, err := catalog.TestbedByName(ctx, project, name)
	if err != nil {
		return Resolution{}, fmt.Errorf("look up testbed %q: %w", name, err)
	}
	res := Resolution{Spec: spec, TestbedName: name}
	if !found {
		res.Bind = true
		return res, nil
	}
	res.Existing = &existing
	res.Bind = existing.Spec == nil || *existing.Spec != spec.UUID
	return res, nil
}

func nameOr(name, fallback string) string {
	if name != "" {
		return name
	}
	return fallback
}

// IsNoSpecAvailable reports whether err is ErrNoSpecAvailable.
func IsNoSpecAvailable(err error) bool {
	return errors.Is(err, ErrNoSpecAvailable)
}
