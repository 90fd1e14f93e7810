// Package platform implements run submission, the runner claim queue, the
// job channel and the liveness sweep on top of the store.
package platform

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/buildkite/benchroom/internal/imageref"
	"github.com/buildkite/benchroom/internal/jobs"
	"github.com/buildkite/benchroom/internal/outputstore"
	"github.com/buildkite/benchroom/internal/pulltoken"
	"github.com/buildkite/benchroom/internal/runtimeconfig"
	"github.com/buildkite/benchroom/internal/store"
	"github.com/charmbracelet/log"
	"github.com/containerd/errdefs"
	"github.com/google/uuid"
)

type Service struct {
	Store     *store.Store
	Outputs   outputstore.Store
	Digests   imageref.DigestResolver
	AllowList imageref.AllowList
	Tokens    *pulltoken.Issuer
	Config    runtimeconfig.ServerConfig
	Logger    *log.Logger
	Now       func() time.Time

	mu         sync.Mutex
	waiters    map[int]chan struct{}
	nextWaiter int
}

// claimRetick bounds how long a waiting claim goes without re-polling, so
// jobs submitted through another server replica are still picked up.
var claimRetick = time.Second

func (s *Service) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) outputs() outputstore.Store {
	if s.Outputs != nil {
		return s.Outputs
	}
	return outputstore.NewDatabase(s.Store)
}

func (s *Service) digests() imageref.DigestResolver {
	if s.Digests != nil {
		return s.Digests
	}
	return imageref.RemoteResolver{Insecure: s.AllowList.Insecure}
}

// subscribe registers a wake-up channel that is signalled when a job is
// submitted through this process.
func (s *Service) subscribe() (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waiters == nil {
		s.waiters = map[int]chan struct{}{}
	}
	id := s.nextWaiter
	s.nextWaiter++
	ch := make(chan struct{}, 1)
	s.waiters[id] = ch
	return ch, func() {
		s.mu.Lock()
		delete(s.waiters, id)
		s.mu.Unlock()
	}
}

func (s *Service) wake() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *Service) project(ctx context.Context, ref string) (jobs.Project, error) {
	if strings.TrimSpace(ref) == "" {
		return jobs.Project{}, fmt.Errorf("%w: project is required", errdefs.ErrInvalidArgument)
	}
	return s.Store.ProjectByRef(ctx, ref)
}

// AuthenticateRunner resolves a runner bearer token.
func (s *Service) AuthenticateRunner(ctx context.Context, token string) (jobs.Runner, error) {
	return s.Store.RunnerByToken(ctx, strings.TrimSpace(token))
}

// RegisterRunner creates a runner and returns the bearer token it
// authenticates with. The token is not recoverable afterwards.
func (s *Service) RegisterRunner(ctx context.Context, name string, arch jobs.Architecture) (jobs.Runner, string, error) {
	token, err := newRunnerToken()
	if err != nil {
		return jobs.Runner{}, "", err
	}
	runner, err := s.Store.CreateRunner(ctx, name, arch, token)
	if err != nil {
		return jobs.Runner{}, "", err
	}
	s.logger().Info("registered runner", "runner", runner.Slug, "architecture", runner.Architecture, "token_id", runnerTokenID(token))
	return runner, token, nil
}

func (s *Service) CreateProject(ctx context.Context, name string, claimed bool) (jobs.Project, error) {
	return s.Store.CreateProject(ctx, name, claimed)
}

func (s *Service) CreateSpec(ctx context.Context, projectRef string, spec jobs.Spec) (jobs.Spec, error) {
	project, err := s.project(ctx, projectRef)
	if err != nil {
		return jobs.Spec{}, err
	}
	spec.Project = project.UUID
	return s.Store.CreateSpec(ctx, spec)
}

func (s *Service) ListSpecs(ctx context.Context, projectRef string) ([]jobs.Spec, error) {
	project, err := s.project(ctx, projectRef)
	if err != nil {
		return nil, err
	}
	return s.Store.ListSpecs(ctx, project.UUID)
}

func (s *Service) ArchiveSpec(ctx context.Context, projectRef, specRef string) error {
	project, err := s.project(ctx, projectRef)
	if err != nil {
		return err
	}
	return s.Store.ArchiveSpec(ctx, project.UUID, specRef)
}

// ListJobs lists a project's jobs, optionally filtered by status. Configs are
// never included.
func (s *Service) ListJobs(ctx context.Context, projectRef, status string) ([]jobs.Job, error) {
	project, err := s.project(ctx, projectRef)
	if err != nil {
		return nil, err
	}
	var filter jobs.Status
	if strings.TrimSpace(status) != "" {
		if filter, err = jobs.ParseStatus(status); err != nil {
			return nil, err
		}
	}
	return s.Store.ListJobs(ctx, project.UUID, filter)
}

// GetJob returns a job with its output once it has one.
func (s *Service) GetJob(ctx context.Context, projectRef string, id uuid.UUID) (jobs.Job, error) {
	project, err := s.project(ctx, projectRef)
	if err != nil {
		return jobs.Job{}, err
	}
	job, err := s.Store.GetJob(ctx, project.UUID, id)
	if err != nil {
		return jobs.Job{}, err
	}
	if job.Status.Terminal() {
		out, ok, err := s.outputs().Get(ctx, job.UUID)
		if err != nil {
			return jobs.Job{}, fmt.Errorf("load output for job %s: %w", job.UUID, err)
		}
		if ok {
			job.Output = &out
		}
	}
	return job, nil
}

// CancelJob cancels a pending job outright. Claimed and running jobs are
// flagged and their runner is told over the job channel.
func (s *Service) CancelJob(ctx context.Context, projectRef string, id uuid.UUID) (jobs.Status, error) {
	project, err := s.project(ctx, projectRef)
	if err != nil {
		return "", err
	}
	status, err := s.Store.RequestCancel(ctx, project.UUID, id)
	if err != nil {
		return status, err
	}
	s.logger().Info("job cancel requested", "job", id, "status", status)
	return status, nil
}
