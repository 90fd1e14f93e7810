// Package runnerapi defines the wire shapes of the platform REST surface and
// the runner-facing Connect service.
package runnerapi

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/buildkite/benchroom/internal/jobs"
	"github.com/google/uuid"
)

const (
	ServiceName = "benchroom.runner.v1.RunnerService"

	ClaimProcedure   = "/" + ServiceName + "/Claim"
	ChannelProcedure = "/" + ServiceName + "/Channel"

	// JobHeader carries the job uuid when a runner opens its channel.
	JobHeader = "Benchroom-Job"

	DefaultPollTimeoutSeconds uint32 = 30
	MinPollTimeoutSeconds     uint32 = 1
	MaxPollTimeoutSeconds     uint32 = 900

	// AckTimeout bounds how long a runner waits for the terminal ack.
	AckTimeout = 5 * time.Second
	// HeartbeatInterval is how often a runner reports liveness.
	HeartbeatInterval = time.Second
)

// RunRequest is the body of POST /v0/run.
type RunRequest struct {
	Project string      `json:"project"`
	Testbed string      `json:"testbed,omitempty"`
	Branch  string      `json:"branch,omitempty"`
	Job     *JobRequest `json:"job,omitempty"`
}

type JobRequest struct {
	Image        string            `json:"image"`
	Spec         string            `json:"spec,omitempty"`
	Entrypoint   []string          `json:"entrypoint,omitempty"`
	Cmd          []string          `json:"cmd,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Timeout      uint32            `json:"timeout,omitempty"`
	Iter         uint32            `json:"iter,omitempty"`
	Average      jobs.Average      `json:"average,omitempty"`
	Fold         jobs.Fold         `json:"fold,omitempty"`
	FilePaths    []string          `json:"file_paths,omitempty"`
	AllowFailure bool              `json:"allow_failure,omitempty"`
}

type RunResponse struct {
	Report  jobs.Report  `json:"report"`
	Testbed jobs.Testbed `json:"testbed"`
	Job     *jobs.Job    `json:"job,omitempty"`
}

type CancelResponse struct {
	Job    uuid.UUID   `json:"job"`
	Status jobs.Status `json:"status"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type ClaimRequest struct {
	PollTimeout uint32 `json:"poll_timeout,omitempty"`
}

// ClaimResponse has a nil Job when nothing was claimable in the poll window.
type ClaimResponse struct {
	Job *jobs.ClaimedJob `json:"job"`
}

type Event string

const (
	EventRunning   Event = "running"
	EventHeartbeat Event = "heartbeat"
	EventCompleted Event = "completed"
	EventFailed    Event = "failed"
	EventCanceled  Event = "canceled"

	EventCancel Event = "cancel"
	EventAck    Event = "ack"
)

// Terminal reports whether a runner event finishes the job.
func (e Event) Terminal() bool {
	switch e {
	case EventCompleted, EventFailed, EventCanceled:
		return true
	default:
		return false
	}
}

// Status is the job status a terminal runner event asks for.
func (e Event) Status() (jobs.Status, bool) {
	switch e {
	case EventCompleted:
		return jobs.StatusCompleted, true
	case EventFailed:
		return jobs.StatusFailed, true
	case EventCanceled:
		return jobs.StatusCanceled, true
	default:
		return "", false
	}
}

// ChannelMessage is sent by the runner on the job channel.
type ChannelMessage struct {
	Event   Event                  `json:"event"`
	Results []jobs.IterationOutput `json:"results,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// ServerMessage is sent by the platform on the job channel. Status is set on
// acks and names the status actually recorded.
type ServerMessage struct {
	Event  Event       `json:"event"`
	Status jobs.Status `json:"status,omitempty"`
}

// Codec serialises the runner API messages as plain JSON over Connect.
type Codec struct{}

func (Codec) Name() string { return "json" }

func (Codec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (Codec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode runner api message: %w", err)
	}
	return nil
}
