package platform

import (
	"context"
	"fmt"
	"time"

	"github.com/buildkite/benchroom/internal/jobs"
	"github.com/buildkite/benchroom/internal/store"
)

// Sweep fails claimed jobs whose runner never reported running and running
// jobs whose heartbeat went stale. Jobs are never put back in the queue.
func (s *Service) Sweep(ctx context.Context) ([]store.StaleJob, error) {
	now := s.now()
	claimStale := s.Config.ClaimStaleAfter()
	heartbeatStale := s.Config.HeartbeatStaleAfter()

	failed, err := s.Store.FailStale(ctx, now.Add(-claimStale), now.Add(-heartbeatStale))
	for _, job := range failed {
		msg := fmt.Sprintf("runner heartbeat lost for more than %s", heartbeatStale)
		if job.Status == jobs.StatusClaimed {
			msg = fmt.Sprintf("runner did not start the job within %s of claiming it", claimStale)
		}
		s.recordOutput(ctx, job.UUID, jobs.JobOutput{Error: msg})
		s.logger().Warn("stale job failed", "job", job.UUID, "was", job.Status, "reason", msg)
	}
	return failed, err
}

// RunSweeper sweeps on the configured interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.Config.SweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger().Error("liveness sweep failed", "error", err)
			}
		}
	}
}
