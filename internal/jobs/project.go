package jobs

import (
	"time"

	"github.com/google/uuid"
)

// Project owns specs, testbeds, reports and jobs. Claimed projects are
// allowed longer job timeouts.
type Project struct {
	UUID    uuid.UUID `json:"uuid"`
	Name    string    `json:"name"`
	Slug    string    `json:"slug"`
	Claimed bool      `json:"claimed"`
	Created time.Time `json:"created"`
}

// Report records one submitted run.
type Report struct {
	UUID    uuid.UUID  `json:"uuid"`
	Project uuid.UUID  `json:"project"`
	Testbed uuid.UUID  `json:"testbed"`
	Branch  string     `json:"branch,omitempty"`
	Job     *uuid.UUID `json:"job,omitempty"`
	Created time.Time  `json:"created"`
}

type Runner struct {
	UUID         uuid.UUID    `json:"uuid"`
	Name         string       `json:"name"`
	Slug         string       `json:"slug"`
	Architecture Architecture `json:"architecture"`
	Created      time.Time    `json:"created"`
	LastSeen     *time.Time   `json:"last_seen,omitempty"`
}
