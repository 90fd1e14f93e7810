package backend

import (
	"context"
	"maps"
	"slices"
	"syscall"

	"github.com/buildkite/benchroom/internal/jobs"
	"github.com/buildkite/benchroom/internal/vsockexec"
	"github.com/google/uuid"
)

const (
	CapabilityIsolationJailer       = "isolation.jailer"
	CapabilityIsolationPIDNamespace = "isolation.pid_namespace"
	CapabilityNetworkDefaultDeny    = "network.default_deny"
	CapabilityNetworkGuestInterface = "network.guest_interface"
	CapabilityRootFSResize          = "rootfs.resize"
)

var knownCapabilityKeys = []string{
	CapabilityIsolationJailer,
	CapabilityIsolationPIDNamespace,
	CapabilityNetworkDefaultDeny,
	CapabilityNetworkGuestInterface,
	CapabilityRootFSResize,
}

// Launcher boots one disposable VM per job.
type Launcher interface {
	Name() string
	Launch(ctx context.Context, req LaunchRequest) (VM, error)
}

// VM is a booted guest. Exec and Signal are served by the guest agent; Kill
// acts on the host side and must work even when the guest is unresponsive.
type VM interface {
	Exec(ctx context.Context, req vsockexec.Request, sink vsockexec.Sink) (vsockexec.Result, error)
	Signal(ctx context.Context, sig syscall.Signal) error
	Kill() error
	// Close tears the VM down and removes its per-run files.
	Close() error
	Transport() string
}

type LaunchRequest struct {
	JobID uuid.UUID
	Spec  jobs.Spec
	// RootFSPath is the cached base image. Launchers copy it and never write
	// to it.
	RootFSPath string
}

// CapabilityReporter allows launchers to publish backend-specific
// capability flags in a machine-readable form.
type CapabilityReporter interface {
	Capabilities() map[string]bool
}

// CapabilitiesForLauncher returns every known capability key, set from the
// launcher's report when it has one.
func CapabilitiesForLauncher(launcher Launcher) map[string]bool {
	caps := make(map[string]bool, len(knownCapabilityKeys))
	for _, key := range knownCapabilityKeys {
		caps[key] = false
	}
	if launcher == nil {
		return caps
	}
	if reporter, ok := launcher.(CapabilityReporter); ok {
		maps.Copy(caps, reporter.Capabilities())
	}
	return caps
}

// SortedCapabilityKeys returns deterministic capability keys for presentation.
func SortedCapabilityKeys(caps map[string]bool) []string {
	return slices.Sorted(maps.Keys(caps))
}

type DoctorReport struct {
	Backend      string          `json:"backend"`
	Checks       []DoctorCheck   `json:"checks"`
	Capabilities map[string]bool `json:"capabilities,omitempty"`
}

type DoctorCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // pass|warn|fail
	Message string `json:"message"`
}

// Failed reports whether any check failed.
func (r DoctorReport) Failed() bool {
	for _, check := range r.Checks {
		if check.Status == "fail" {
			return true
		}
	}
	return false
}
