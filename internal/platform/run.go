package platform

import (
	"context"
	"fmt"

	"github.com/buildkite/benchroom/internal/jobs"
	"github.com/buildkite/benchroom/internal/resolver"
	"github.com/buildkite/benchroom/internal/runnerapi"
	"github.com/buildkite/benchroom/internal/store"
	"github.com/containerd/errdefs"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/uuid"
)

// SubmitRun records a run. A run carrying a job is resolved to a spec and
// testbed, its image pinned to a digest, and the job queued as pending.
// Nothing is written when any of that fails.
func (s *Service) SubmitRun(ctx context.Context, req runnerapi.RunRequest) (runnerapi.RunResponse, error) {
	project, err := s.project(ctx, req.Project)
	if err != nil {
		return runnerapi.RunResponse{}, err
	}
	if req.Job == nil {
		return s.submitReport(ctx, project, req)
	}

	config, err := s.jobConfig(ctx, project, *req.Job)
	if err != nil {
		return runnerapi.RunResponse{}, err
	}

	var resp runnerapi.RunResponse
	err = s.Store.WithTx(ctx, func(tx *store.Tx) error {
		res, err := resolver.Resolve(ctx, tx, resolver.Request{
			Project: project.UUID,
			Testbed: req.Testbed,
			Spec:    req.Job.Spec,
		})
		if err != nil {
			return err
		}

		var testbed jobs.Testbed
		switch {
		case res.Existing == nil:
			testbed, err = tx.CreateTestbed(ctx, project.UUID, res.TestbedName, &res.Spec.UUID)
			if err != nil {
				return err
			}
		case res.Bind:
			testbed = *res.Existing
			if err := tx.BindTestbed(ctx, testbed.UUID, res.Spec.UUID); err != nil {
				return err
			}
			testbed.Spec = &res.Spec.UUID
		default:
			testbed = *res.Existing
		}

		jobID := uuid.New()
		report, err := tx.CreateReport(ctx, jobs.Report{
			Project: project.UUID,
			Testbed: testbed.UUID,
			Branch:  req.Branch,
			Job:     &jobID,
		})
		if err != nil {
			return err
		}
		job, err := tx.CreateJob(ctx, store.NewJob{
			UUID:    jobID,
			Project: project.UUID,
			Report:  report.UUID,
			Spec:    res.Spec,
			Config:  config,
		})
		if err != nil {
			return err
		}
		resp = runnerapi.RunResponse{Report: report, Testbed: testbed, Job: &job}
		return nil
	})
	if err != nil {
		return runnerapi.RunResponse{}, err
	}

	s.logger().Info("job submitted",
		"project", project.Slug,
		"job", resp.Job.UUID,
		"spec", resp.Job.Spec.Slug,
		"testbed", resp.Testbed.Name,
		"image", config.ImageReference(),
	)
	s.wake()
	return resp, nil
}

func (s *Service) submitReport(ctx context.Context, project jobs.Project, req runnerapi.RunRequest) (runnerapi.RunResponse, error) {
	name := resolver.TestbedNameWithoutJob(req.Testbed)

	var resp runnerapi.RunResponse
	err := s.Store.WithTx(ctx, func(tx *store.Tx) error {
		testbed, found, err := tx.TestbedByName(ctx, project.UUID, name)
		if err != nil {
			return err
		}
		if !found {
			if testbed, err = tx.CreateTestbed(ctx, project.UUID, name, nil); err != nil {
				return err
			}
		}
		report, err := tx.CreateReport(ctx, jobs.Report{
			Project: project.UUID,
			Testbed: testbed.UUID,
			Branch:  req.Branch,
		})
		if err != nil {
			return err
		}
		resp = runnerapi.RunResponse{Report: report, Testbed: testbed}
		return nil
	})
	if err != nil {
		return runnerapi.RunResponse{}, err
	}
	return resp, nil
}

// jobConfig checks the image against the allow-list, pins it to a digest and
// validates the rest of the request.
func (s *Service) jobConfig(ctx context.Context, project jobs.Project, req runnerapi.JobRequest) (jobs.JobConfig, error) {
	img, err := s.AllowList.Parse(req.Image)
	if err != nil {
		return jobs.JobConfig{}, err
	}
	if img.Local && !img.InProject(project.Slug, project.UUID) {
		return jobs.JobConfig{}, fmt.Errorf("%w: image %q is outside project %q", errdefs.ErrInvalidArgument, req.Image, project.Slug)
	}

	var auth authn.Authenticator = authn.Anonymous
	if img.Local && s.Tokens != nil {
		token, _, err := s.Tokens.Mint(project.UUID, img.Repository, 0)
		if err != nil {
			return jobs.JobConfig{}, err
		}
		auth = &authn.Bearer{Token: token}
	}
	digest, err := s.digests().Resolve(ctx, img, auth)
	if err != nil {
		return jobs.JobConfig{}, err
	}

	return jobs.NewJobConfig(jobs.JobConfig{
		Registry:     img.Registry,
		Project:      project.UUID,
		Repository:   img.Repository,
		Digest:       digest,
		Entrypoint:   req.Entrypoint,
		Cmd:          req.Cmd,
		Env:          req.Env,
		Timeout:      req.Timeout,
		FilePaths:    req.FilePaths,
		Iter:         req.Iter,
		Average:      req.Average,
		Fold:         req.Fold,
		AllowFailure: req.AllowFailure,
	})
}
