package platform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/buildkite/benchroom/internal/jobs"
	"github.com/buildkite/benchroom/internal/runnerapi"
	"github.com/containerd/errdefs"
	"github.com/google/uuid"
)

const claimCandidates = 16

// PollTimeout validates a claim poll timeout in seconds. Zero selects the
// default.
func PollTimeout(seconds uint32) (time.Duration, error) {
	if seconds == 0 {
		seconds = runnerapi.DefaultPollTimeoutSeconds
	}
	if seconds < runnerapi.MinPollTimeoutSeconds || seconds > runnerapi.MaxPollTimeoutSeconds {
		return 0, fmt.Errorf("%w: poll timeout must be between %d and %d seconds, got %d",
			errdefs.ErrInvalidArgument, runnerapi.MinPollTimeoutSeconds, runnerapi.MaxPollTimeoutSeconds, seconds)
	}
	return time.Duration(seconds) * time.Second, nil
}

// Claim waits up to pollTimeout seconds for a pending job matching the
// runner's architecture and claims it. A nil job means nothing was
// claimable before the deadline.
func (s *Service) Claim(ctx context.Context, runner jobs.Runner, pollTimeout uint32) (*jobs.ClaimedJob, error) {
	wait, err := PollTimeout(pollTimeout)
	if err != nil {
		return nil, err
	}
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(claimRetick)
	defer ticker.Stop()

	wake, unsubscribe := s.subscribe()
	defer unsubscribe()

	for {
		claimed, err := s.tryClaim(ctx, runner)
		if err != nil || claimed != nil {
			return claimed, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-wake:
		case <-ticker.C:
		}
	}
}

func (s *Service) tryClaim(ctx context.Context, runner jobs.Runner) (*jobs.ClaimedJob, error) {
	candidates, err := s.Store.PendingCandidates(ctx, runner.Architecture, claimCandidates)
	if err != nil {
		return nil, err
	}
	for _, id := range candidates {
		won, err := s.Store.ClaimJob(ctx, id, runner.UUID)
		if err != nil {
			return nil, err
		}
		if !won {
			continue
		}
		claimed, err := s.claimedJob(ctx, id, runner)
		if err != nil {
			s.abandonClaim(id, runner, err)
			return nil, err
		}
		s.logger().Info("job claimed",
			"job", id,
			"runner", runner.Slug,
			"spec", claimed.Spec.Slug,
			"timeout", claimed.TimeoutDuration(),
		)
		return claimed, nil
	}
	return nil, nil
}

// claimedJob assembles the runner's view of a job it just won.
func (s *Service) claimedJob(ctx context.Context, id uuid.UUID, runner jobs.Runner) (*jobs.ClaimedJob, error) {
	job, config, err := s.Store.LoadClaim(ctx, id, runner.UUID)
	if err != nil {
		return nil, err
	}
	project, err := s.Store.ProjectByRef(ctx, job.Project.String())
	if err != nil {
		return nil, err
	}

	if s.Tokens == nil {
		return nil, errors.New("pull token issuer is not configured")
	}

	timeout := min(config.Timeout, s.Config.TimeoutCeiling(project.Claimed))
	config.Timeout = timeout
	token, _, err := s.Tokens.Mint(config.Project, config.Repository, time.Duration(timeout)*time.Second)
	if err != nil {
		return nil, fmt.Errorf("mint pull token for job %s: %w", id, err)
	}
	return &jobs.ClaimedJob{
		UUID:     job.UUID,
		Spec:     job.Spec,
		Config:   config,
		OCIToken: token,
		Timeout:  timeout,
		Created:  job.Created,
	}, nil
}

// abandonClaim fails a job whose claim could not be handed to the runner.
// Runner identity stays recorded.
func (s *Service) abandonClaim(id uuid.UUID, runner jobs.Runner, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status, err := s.Store.FinishJob(ctx, id, runner.UUID, jobs.StatusFailed)
	if err != nil {
		s.logger().Error("failed to abandon claim", "job", id, "runner", runner.Slug, "error", err)
		return
	}
	s.recordOutput(ctx, id, jobs.JobOutput{Error: fmt.Sprintf("claim could not be delivered: %v", cause)})
	s.logger().Warn("claim abandoned", "job", id, "runner", runner.Slug, "status", status, "error", cause)
}

func (s *Service) recordOutput(ctx context.Context, id uuid.UUID, out jobs.JobOutput) {
	if err := s.outputs().Put(ctx, id, out); err != nil {
		s.logger().Error("failed to record job output", "job", id, "error", err)
	}
}
