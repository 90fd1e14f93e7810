package jobs

import (
	"fmt"
	"slices"
	"strings"

	"github.com/containerd/errdefs"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusClaimed   Status = "claimed"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

var transitions = map[Status][]Status{
	StatusPending: {StatusClaimed, StatusCanceled},
	StatusClaimed: {StatusRunning, StatusFailed, StatusCanceled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCanceled},
}

func ParseStatus(raw string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case StatusPending, StatusClaimed, StatusRunning, StatusCompleted, StatusFailed, StatusCanceled:
		return status, nil
	default:
		return "", fmt.Errorf("%w: unknown job status %q", errdefs.ErrInvalidArgument, raw)
	}
}

// Terminal reports whether a job in this status can never change again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is a legal job state transition.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// SourcesFor lists every status that may transition into to.
func SourcesFor(to Status) []Status {
	var out []Status
	for _, from := range []Status{StatusPending, StatusClaimed, StatusRunning} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}
