package cli

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/buildkite/benchroom/internal/jobs"
	"github.com/buildkite/benchroom/internal/runtimeconfig"
	"github.com/google/uuid"
)

func TestResolveRunnerToken(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tokenFile := filepath.Join(dir, "token")
	if err := os.WriteFile(tokenFile, []byte("from_file\n"), 0o600); err != nil {
		t.Fatalf("write token file: %v", err)
	}
	emptyFile := filepath.Join(dir, "empty")
	if err := os.WriteFile(emptyFile, nil, 0o600); err != nil {
		t.Fatalf("write empty token file: %v", err)
	}

	tests := []struct {
		name    string
		flag    string
		file    string
		want    string
		wantErr string
	}{
		{name: "flag wins", flag: " from_flag ", file: tokenFile, want: "from_flag"},
		{name: "file", file: tokenFile, want: "from_file"},
		{name: "empty file", file: emptyFile, wantErr: "is empty"},
		{name: "missing file", file: filepath.Join(dir, "missing"), wantErr: "read runner token"},
		{name: "nothing", wantErr: "runner token is required"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := resolveRunnerToken(tc.flag, tc.file)
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolveRunnerToken returned error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("unexpected token: got %q want %q", got, tc.want)
			}
		})
	}
}

func TestResolveArchitecture(t *testing.T) {
	t.Parallel()

	got, err := resolveArchitecture("arm64", "x86_64")
	if err != nil || got != jobs.ArchitectureAarch64 {
		t.Fatalf("unexpected flag architecture: got %q (%v)", got, err)
	}
	got, err = resolveArchitecture("", "amd64")
	if err != nil || got != jobs.ArchitectureX86_64 {
		t.Fatalf("unexpected configured architecture: got %q (%v)", got, err)
	}
	if _, err := resolveArchitecture("riscv64", ""); err == nil {
		t.Fatal("expected unsupported architecture to fail")
	}

	host, hostErr := resolveArchitecture("", "")
	if want, err := jobs.ParseArchitecture(runtime.GOARCH); err == nil {
		if hostErr != nil || host != want {
			t.Fatalf("unexpected host architecture: got %q (%v) want %q", host, hostErr, want)
		}
	}
}

func TestFirecrackerConfigAppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg := firecrackerConfig(runtimeconfig.FirecrackerConfig{
		JailerPath:    "/usr/local/bin/jailer",
		TapDevice:     "tap0",
		GuestMAC:      "06:00:ac:10:00:02",
		LaunchSeconds: 12,
	}, "/var/lib/benchroom/vmlinux", nil)

	if cfg.KernelImagePath != "/var/lib/benchroom/vmlinux" || cfg.JailerBinary != "/usr/local/bin/jailer" {
		t.Fatalf("unexpected paths: %+v", cfg)
	}
	if cfg.GuestPort != runtimeconfig.DefaultGuestPort {
		t.Fatalf("unexpected guest port: got %d want %d", cfg.GuestPort, runtimeconfig.DefaultGuestPort)
	}
	if cfg.BootTimeout != 12*time.Second {
		t.Fatalf("unexpected boot timeout: got %s want %s", cfg.BootTimeout, 12*time.Second)
	}
	if cfg.TapDevice != "tap0" || cfg.GuestMAC != "06:00:ac:10:00:02" {
		t.Fatalf("unexpected network config: %+v", cfg)
	}
}

func TestGuestAgentCheck(t *testing.T) {
	t.Parallel()

	agent := filepath.Join(t.TempDir(), guestAgentBinary)
	if err := os.WriteFile(agent, []byte("#!/bin/true\n"), 0o755); err != nil {
		t.Fatalf("write agent: %v", err)
	}
	if check := guestAgentCheck(agent); check.Status != "pass" || check.Message != agent {
		t.Fatalf("unexpected check for present agent: %+v", check)
	}
	if check := guestAgentCheck(filepath.Join(t.TempDir(), "missing")); check.Status != "fail" {
		t.Fatalf("unexpected check for missing agent: %+v", check)
	}
}

func TestDoctorKernelPathPrefersConfigured(t *testing.T) {
	t.Parallel()

	if got := doctorKernelPath(" /boot/vmlinux ", jobs.ArchitectureX86_64); got != "/boot/vmlinux" {
		t.Fatalf("unexpected kernel path: got %q want %q", got, "/boot/vmlinux")
	}
	if got := doctorKernelPath("", ""); got != "" {
		t.Fatalf("expected no kernel without an architecture, got %q", got)
	}
}

func TestRenderJobs(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	started := now.Add(-90 * time.Second)
	completed := now.Add(-30 * time.Second)
	id := uuid.MustParse("9c2a4d3e-7a35-4f0e-9d4c-1f6c1b2d3e4f")
	out := renderJobs([]jobs.Job{
		{UUID: id, Status: jobs.StatusCompleted, Spec: jobs.Spec{Slug: "small"}, Created: now.Add(-2 * time.Hour), Started: &started, Completed: &completed},
		{UUID: uuid.New(), Status: jobs.StatusRunning, CancelRequested: true, Spec: jobs.Spec{Slug: "small"}, Created: now},
	}, now)

	for _, want := range []string{"JOB", "STATUS", id.String(), "completed", "2h ago", "1m0s", "running (canceling)", "just now"} {
		if !strings.Contains(out, want) {
			t.Fatalf("job table missing %q:\n%s", want, out)
		}
	}
}

func TestSince(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		at   time.Time
		want string
	}{
		{at: time.Time{}, want: "-"},
		{at: now.Add(-10 * time.Second), want: "just now"},
		{at: now.Add(-5 * time.Minute), want: "5m ago"},
		{at: now.Add(-3 * time.Hour), want: "3h ago"},
		{at: now.Add(-72 * time.Hour), want: "3d ago"},
	}
	for _, tc := range tests {
		if got := since(now, tc.at); got != tc.want {
			t.Fatalf("since(%s) = %q, want %q", tc.at, got, tc.want)
		}
	}
}
