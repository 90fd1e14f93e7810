package jobs

import (
	"time"

	"github.com/google/uuid"
)

// Job is the persisted execution request as every caller except the claiming
// runner sees it. It deliberately has no config field: the config only ever
// leaves the store inside a ClaimedJob.
type Job struct {
	UUID            uuid.UUID  `json:"uuid"`
	Project         uuid.UUID  `json:"project"`
	Report          uuid.UUID  `json:"report"`
	Status          Status     `json:"status"`
	Spec            Spec       `json:"spec"`
	Runner          *uuid.UUID `json:"runner,omitempty"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	Claimed         *time.Time `json:"claimed,omitempty"`
	Started         *time.Time `json:"started,omitempty"`
	Completed       *time.Time `json:"completed,omitempty"`
	LastHeartbeat   *time.Time `json:"last_heartbeat,omitempty"`
	Created         time.Time  `json:"created"`
	Modified        time.Time  `json:"modified"`
	Output          *JobOutput `json:"output,omitempty"`
}

// ClaimedJob is the wire-only projection handed to the runner that won a
// claim. It is assembled at claim time and never persisted.
type ClaimedJob struct {
	UUID     uuid.UUID `json:"uuid"`
	Spec     Spec      `json:"spec"`
	Config   JobConfig `json:"config"`
	OCIToken string    `json:"oci_token"`
	Timeout  uint32    `json:"timeout"`
	Created  time.Time `json:"created"`
}

func (c ClaimedJob) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}
