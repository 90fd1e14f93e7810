package controlclient

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/buildkite/benchroom/internal/controlserver"
	"github.com/buildkite/benchroom/internal/endpoint"
	"github.com/buildkite/benchroom/internal/jobs"
	"github.com/buildkite/benchroom/internal/platform/platformtest"
	"github.com/buildkite/benchroom/internal/runnerapi"
	"github.com/charmbracelet/log"
	"github.com/containerd/errdefs"
	"github.com/google/uuid"
)

func newTestClient(t *testing.T) (*platformtest.Fixture, *Client) {
	t.Helper()
	f := platformtest.New(t)
	srv := httptest.NewServer(controlserver.New(f.Service, log.New(io.Discard)).Handler())
	t.Cleanup(srv.Close)

	client, err := New(endpoint.Endpoint{Scheme: "http", Address: srv.URL, BaseURL: srv.URL}, WithRunnerToken(f.RunnerToken))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return f, client
}

func submitAndClaim(t *testing.T, f *platformtest.Fixture, client *Client) *jobs.ClaimedJob {
	t.Helper()
	ctx := context.Background()

	run, err := client.SubmitRun(ctx, runnerapi.RunRequest{
		Project: f.Project.Slug,
		Job:     &runnerapi.JobRequest{Image: platformtest.Image, Cmd: []string{"/bench"}, Timeout: 30},
	})
	if err != nil {
		t.Fatalf("SubmitRun returned error: %v", err)
	}
	claimed, err := client.Claim(ctx, 1)
	if err != nil {
		t.Fatalf("Claim returned error: %v", err)
	}
	if claimed == nil || claimed.UUID != run.Job.UUID {
		t.Fatalf("unexpected claimed job: %+v", claimed)
	}
	return claimed
}

// waitForStatus polls until the server has applied what the channel sent;
// Send returns before the server reads the message.
func waitForStatus(ctx context.Context, t *testing.T, f *platformtest.Fixture, client *Client, id uuid.UUID, want jobs.Status) {
	t.Helper()
	for {
		job, err := client.GetJob(ctx, f.Project.Slug, id)
		if err != nil {
			t.Fatalf("GetJob returned error: %v", err)
		}
		if job.Status == want {
			return
		}
		select {
		case <-ctx.Done():
			t.Fatalf("job never reached %q, last saw %q", want, job.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestChannelReportsCompletion(t *testing.T) {
	t.Parallel()
	f, client := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	claimed := submitAndClaim(t, f, client)
	ch := client.OpenChannel(ctx, claimed.UUID)
	defer ch.Close()

	stdout := "12.5\n"
	for _, msg := range []runnerapi.ChannelMessage{
		{Event: runnerapi.EventRunning},
		{Event: runnerapi.EventHeartbeat},
		{Event: runnerapi.EventCompleted, Results: []jobs.IterationOutput{{ExitCode: 0, Stdout: &stdout}}},
	} {
		if err := ch.Send(msg); err != nil {
			t.Fatalf("Send(%s) returned error: %v", msg.Event, err)
		}
	}

	ack, err := ch.Receive()
	if err != nil {
		t.Fatalf("Receive returned error: %v", err)
	}
	if ack.Event != runnerapi.EventAck || ack.Status != jobs.StatusCompleted {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	job, err := client.GetJob(ctx, f.Project.Slug, claimed.UUID)
	if err != nil {
		t.Fatalf("GetJob returned error: %v", err)
	}
	if job.Status != jobs.StatusCompleted {
		t.Fatalf("unexpected status: got %q want %q", job.Status, jobs.StatusCompleted)
	}
	if job.Output == nil || len(job.Output.Results) != 1 || *job.Output.Results[0].Stdout != stdout {
		t.Fatalf("unexpected output: %+v", job.Output)
	}
}

func TestChannelDeliversCancel(t *testing.T) {
	t.Parallel()
	f, client := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	claimed := submitAndClaim(t, f, client)
	ch := client.OpenChannel(ctx, claimed.UUID)
	defer ch.Close()

	if err := ch.Send(runnerapi.ChannelMessage{Event: runnerapi.EventRunning}); err != nil {
		t.Fatalf("Send(running) returned error: %v", err)
	}
	waitForStatus(ctx, t, f, client, claimed.UUID, jobs.StatusRunning)
	resp, err := client.CancelJob(ctx, f.Project.Slug, claimed.UUID)
	if err != nil {
		t.Fatalf("CancelJob returned error: %v", err)
	}
	if resp.Status != jobs.StatusRunning {
		t.Fatalf("expected cancel of a running job to leave it running, got %q", resp.Status)
	}

	msg, err := ch.Receive()
	if err != nil {
		t.Fatalf("Receive returned error: %v", err)
	}
	if msg.Event != runnerapi.EventCancel {
		t.Fatalf("unexpected server message: got %q want %q", msg.Event, runnerapi.EventCancel)
	}

	if err := ch.Send(runnerapi.ChannelMessage{Event: runnerapi.EventCanceled}); err != nil {
		t.Fatalf("Send(canceled) returned error: %v", err)
	}
	ack, err := ch.Receive()
	if err != nil {
		t.Fatalf("Receive returned error: %v", err)
	}
	if ack.Event != runnerapi.EventAck || ack.Status != jobs.StatusCanceled {
		t.Fatalf("unexpected ack: %+v", ack)
	}
}

func TestClaimReturnsNilWhenQueueEmpty(t *testing.T) {
	t.Parallel()
	_, client := newTestClient(t)

	claimed, err := client.Claim(context.Background(), 1)
	if err != nil {
		t.Fatalf("Claim returned error: %v", err)
	}
	if claimed != nil {
		t.Fatalf("expected no job, got %+v", claimed)
	}
}

func TestRESTErrorsBecomeErrdefs(t *testing.T) {
	t.Parallel()
	f, client := newTestClient(t)
	ctx := context.Background()

	if _, err := client.ListJobs(ctx, "missing-project", ""); !errdefs.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := client.ListJobs(ctx, f.Project.Slug, jobs.Status("sleeping")); !errdefs.IsInvalidArgument(err) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	specs, err := client.ListSpecs(ctx, f.Project.Slug)
	if err != nil {
		t.Fatalf("ListSpecs returned error: %v", err)
	}
	if len(specs) != 1 || specs[0].UUID != f.Spec.UUID {
		t.Fatalf("unexpected specs: %+v", specs)
	}
}
