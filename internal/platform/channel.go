package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/buildkite/benchroom/internal/jobs"
	"github.com/buildkite/benchroom/internal/runnerapi"
	"github.com/containerd/errdefs"
	"github.com/google/uuid"
)

// ChannelConn is the server end of one job channel.
type ChannelConn interface {
	Receive() (runnerapi.ChannelMessage, error)
	Send(runnerapi.ServerMessage) error
}

// cancelPoll is how often an open channel checks for a cancel request
// between runner messages.
var cancelPoll = time.Second

type channelState struct {
	job        uuid.UUID
	runner     jobs.Runner
	started    bool
	cancelSent bool
}

// ServeChannel drives the job channel for a runner holding job id. It returns
// nil once the terminal report has been acknowledged, or when the runner
// closes the channel before reporting one.
func (s *Service) ServeChannel(ctx context.Context, runner jobs.Runner, id uuid.UUID, conn ChannelConn) error {
	job, err := s.Store.JobByUUID(ctx, id)
	if err != nil {
		return err
	}
	if job.Runner == nil || *job.Runner != runner.UUID {
		return fmt.Errorf("%w: job %s is not held by runner %s", errdefs.ErrPermissionDenied, id, runner.Slug)
	}
	if job.Status != jobs.StatusClaimed && job.Status != jobs.StatusRunning {
		return fmt.Errorf("%w: job %s is %s", errdefs.ErrFailedPrecondition, id, job.Status)
	}

	st := &channelState{job: id, runner: runner, started: job.Status == jobs.StatusRunning}
	logger := s.logger().With("job", id, "runner", runner.Slug)
	logger.Debug("job channel opened", "status", job.Status)

	type received struct {
		msg runnerapi.ChannelMessage
		err error
	}
	inbound := make(chan received, 1)
	go func() {
		for {
			msg, err := conn.Receive()
			select {
			case inbound <- received{msg: msg, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	if err := s.pushCancel(ctx, st, conn); err != nil {
		return err
	}

	ticker := time.NewTicker(cancelPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.pushCancel(ctx, st, conn); err != nil {
				return err
			}
		case in := <-inbound:
			if in.err != nil {
				if errors.Is(in.err, io.EOF) {
					logger.Warn("job channel closed without a terminal report")
					return nil
				}
				return in.err
			}
			done, err := s.handleChannelMessage(ctx, st, conn, in.msg)
			if err != nil {
				logger.Warn("job channel message rejected", "event", in.msg.Event, "error", err)
				return err
			}
			if done {
				return nil
			}
		}
	}
}

// handleChannelMessage applies one runner message. It reports true once the
// job is terminal and acknowledged.
func (s *Service) handleChannelMessage(ctx context.Context, st *channelState, conn ChannelConn, msg runnerapi.ChannelMessage) (bool, error) {
	switch msg.Event {
	case runnerapi.EventRunning:
		if err := s.Store.MarkRunning(ctx, st.job, st.runner.UUID); err != nil {
			return false, err
		}
		if !st.started {
			s.logger().Info("job running", "job", st.job, "runner", st.runner.Slug)
		}
		st.started = true
		return false, s.pushCancel(ctx, st, conn)

	case runnerapi.EventHeartbeat:
		if !st.started {
			return false, fmt.Errorf("%w: job %s sent a heartbeat before running", errdefs.ErrFailedPrecondition, st.job)
		}
		requested, err := s.Store.Heartbeat(ctx, st.job, st.runner.UUID)
		if err != nil {
			return false, err
		}
		if requested && !st.cancelSent {
			return false, s.sendCancel(st, conn)
		}
		return false, nil

	case runnerapi.EventCompleted, runnerapi.EventFailed, runnerapi.EventCanceled:
		to, _ := msg.Event.Status()
		recorded, err := s.Store.FinishJob(ctx, st.job, st.runner.UUID, to)
		if err != nil {
			return false, err
		}
		out := jobs.JobOutput{Results: msg.Results}
		if recorded == jobs.StatusFailed || msg.Error != "" {
			out.Error = msg.Error
		}
		s.recordOutput(ctx, st.job, out)
		s.logger().Info("job finished", "job", st.job, "runner", st.runner.Slug, "reported", to, "status", recorded)
		if err := conn.Send(runnerapi.ServerMessage{Event: runnerapi.EventAck, Status: recorded}); err != nil {
			return true, fmt.Errorf("ack job %s: %w", st.job, err)
		}
		return true, nil

	default:
		return false, fmt.Errorf("%w: unknown job channel event %q", errdefs.ErrInvalidArgument, msg.Event)
	}
}

// pushCancel tells the runner about a pending cancel request, once.
func (s *Service) pushCancel(ctx context.Context, st *channelState, conn ChannelConn) error {
	if st.cancelSent {
		return nil
	}
	requested, err := s.Store.CancelRequested(ctx, st.job)
	if err != nil {
		return err
	}
	if !requested {
		return nil
	}
	return s.sendCancel(st, conn)
}

func (s *Service) sendCancel(st *channelState, conn ChannelConn) error {
	if err := conn.Send(runnerapi.ServerMessage{Event: runnerapi.EventCancel}); err != nil {
		return fmt.Errorf("send cancel for job %s: %w", st.job, err)
	}
	st.cancelSent = true
	s.logger().Info("job cancel sent to runner", "job", st.job, "runner", st.runner.Slug)
	return nil
}
