// Package runner claims jobs from the platform and runs them one at a time,
// keeping the job channel alive while the engine works.
package runner

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/buildkite/benchroom/internal/controlclient"
	"github.com/buildkite/benchroom/internal/jobs"
	"github.com/buildkite/benchroom/internal/runnerapi"
	"github.com/buildkite/benchroom/internal/sandbox"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

const (
	DefaultPollTimeout uint32 = 30
	maxClaimBackoff           = 30 * time.Second
)

type Channel interface {
	Send(msg runnerapi.ChannelMessage) error
	Receive() (runnerapi.ServerMessage, error)
	Close() error
}

type Client interface {
	Claim(ctx context.Context, pollTimeout uint32) (*jobs.ClaimedJob, error)
	OpenChannel(ctx context.Context, id uuid.UUID) Channel
}

type Engine interface {
	Run(ctx context.Context, job jobs.ClaimedJob, canceled func() bool) sandbox.Outcome
}

type Options struct {
	Client            Client
	Engine            Engine
	Logger            *log.Logger
	PollTimeout       uint32
	HeartbeatInterval time.Duration
	AckTimeout        time.Duration
	// Once stops the loop after the first job.
	Once bool
}

type Runner struct {
	client      Client
	engine      Engine
	logger      *log.Logger
	pollTimeout uint32
	heartbeat   time.Duration
	ackTimeout  time.Duration
	once        bool
	sleep       func(context.Context, time.Duration) error
}

func New(opts Options) (*Runner, error) {
	if opts.Client == nil {
		return nil, errors.New("runner requires a client")
	}
	if opts.Engine == nil {
		return nil, errors.New("runner requires an engine")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	pollTimeout := opts.PollTimeout
	if pollTimeout == 0 {
		pollTimeout = DefaultPollTimeout
	}
	return &Runner{
		client:      opts.Client,
		engine:      opts.Engine,
		logger:      logger,
		pollTimeout: pollTimeout,
		heartbeat:   opts.HeartbeatInterval,
		ackTimeout:  opts.AckTimeout,
		once:        opts.Once,
		sleep:       sleepContext,
	}, nil
}

// Run claims and executes jobs until ctx is done. Claim errors back off
// exponentially; an empty poll retries immediately.
func (r *Runner) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		job, err := r.client.Claim(ctx, r.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Warn("claim failed", "err", err, "retry_in", backoff)
			if err := r.sleep(ctx, backoff); err != nil {
				return nil
			}
			backoff = min(backoff*2, maxClaimBackoff)
			continue
		}
		backoff = time.Second
		if job == nil {
			continue
		}

		r.RunJob(ctx, *job)
		if r.once {
			return nil
		}
	}
}

// RunJob supervises one claimed job through to its terminal message.
func (r *Runner) RunJob(ctx context.Context, job jobs.ClaimedJob) {
	logger := r.logger.With("job", job.UUID)
	logger.Info("claimed job", "spec", job.Spec.Slug, "image", job.Config.ImageReference())

	chCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch := newJobChannel(logger, r.client.OpenChannel(chCtx, job.UUID), r.heartbeat, r.ackTimeout)
	if err := ch.start(); err != nil {
		// The platform's liveness sweep fails the job.
		logger.Error("could not open job channel", "err", err)
		return
	}

	outcome := r.engine.Run(ctx, job, ch.canceled)
	msg := terminalMessage(outcome)
	logger.Info("job finished", "event", msg.Event, "error", msg.Error, "iterations", len(msg.Results))

	ack, err := ch.finish(msg)
	if err != nil {
		logger.Warn("terminal report not acknowledged", "err", err)
		return
	}
	if ack.Status != "" && string(ack.Status) != string(msg.Event) {
		logger.Info("platform recorded a different status", "status", ack.Status)
	}
}

func terminalMessage(outcome sandbox.Outcome) runnerapi.ChannelMessage {
	switch outcome.Status {
	case jobs.StatusCompleted:
		return runnerapi.ChannelMessage{Event: runnerapi.EventCompleted, Results: outcome.Results}
	case jobs.StatusCanceled:
		return runnerapi.ChannelMessage{Event: runnerapi.EventCanceled, Results: outcome.Results}
	default:
		errMsg := outcome.Error
		if errMsg == "" {
			errMsg = "job failed"
		}
		return runnerapi.ChannelMessage{Event: runnerapi.EventFailed, Results: outcome.Results, Error: errMsg}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// FromControlClient adapts the Connect client to the runner's interfaces.
func FromControlClient(c *controlclient.Client) Client {
	return controlClient{c}
}

type controlClient struct {
	c *controlclient.Client
}

func (c controlClient) Claim(ctx context.Context, pollTimeout uint32) (*jobs.ClaimedJob, error) {
	return c.c.Claim(ctx, pollTimeout)
}

func (c controlClient) OpenChannel(ctx context.Context, id uuid.UUID) Channel {
	return c.c.OpenChannel(ctx, id)
}
