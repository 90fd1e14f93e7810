package cli

import (
	"regexp"
	"strings"
	"testing"

	"github.com/buildkite/benchroom/internal/backend"
	"github.com/buildkite/benchroom/internal/endpoint"
)

func TestRenderStartupHeader(t *testing.T) {
	t.Parallel()

	header := startupHeader{
		Title: "benchroom runner",
		Fields: []startupField{
			{Key: "server", Value: "http://bench.internal:7777"},
			{Key: "architecture", Value: ""},
			{Key: "", Value: "ignored"},
			{Key: "images", Value: "/var/cache/benchroom/images"},
		},
	}
	want := "\n⏱ benchroom runner\n   server: http://bench.internal:7777\n   images: /var/cache/benchroom/images\n\n"

	plain := renderStartupHeader(header, false)
	if plain != want {
		t.Fatalf("unexpected header output:\n--- got ---\n%s--- want ---\n%s", plain, want)
	}
	colored := renderStartupHeader(header, true)
	if !strings.Contains(colored, "\x1b[") {
		t.Fatalf("expected ANSI escapes in color output: %q", colored)
	}
	if got := stripANSI(colored); got != want {
		t.Fatalf("color output should only add escapes:\n--- got ---\n%s--- want ---\n%s", got, want)
	}
}

func TestRenderDoctorReport(t *testing.T) {
	t.Parallel()

	report := backend.DoctorReport{
		Backend: "firecracker",
		Checks: []backend.DoctorCheck{
			{Name: "runtime_config", Status: "pass", Message: "using /etc/benchroom/config.yaml"},
			{Name: "network", Status: "warn", Message: "no tap device; guests run offline"},
			{Name: "kvm", Status: "fail", Message: "/dev/kvm not found"},
		},
		Capabilities: map[string]bool{
			backend.CapabilityRootFSResize:          true,
			backend.CapabilityIsolationJailer:       true,
			backend.CapabilityNetworkGuestInterface: false,
		},
	}
	lines := []string{
		"doctor report (firecracker)",
		"✓ [pass] runtime_config: using /etc/benchroom/config.yaml",
		"! [warn] network: no tap device; guests run offline",
		"✗ [fail] kvm: /dev/kvm not found",
		"capabilities: isolation.jailer, rootfs.resize",
		"summary: 1 pass, 1 warn, 1 fail",
	}
	for _, color := range []bool{false, true} {
		out := renderDoctorReport(report, color)
		if hasANSI := strings.Contains(out, "\x1b["); hasANSI != color {
			t.Fatalf("color=%v but ANSI escapes present=%v: %q", color, hasANSI, out)
		}
		for _, line := range lines {
			if !strings.Contains(stripANSI(out), line) {
				t.Fatalf("color=%v: missing %q in %q", color, line, out)
			}
		}
	}
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func stripANSI(value string) string {
	return ansiEscape.ReplaceAllString(value, "")
}

func TestEndpointDisplay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ep   endpoint.Endpoint
		want string
	}{
		{name: "unix", ep: endpoint.Endpoint{Scheme: "unix", Address: "/run/benchroom.sock"}, want: "unix:///run/benchroom.sock"},
		{name: "http", ep: endpoint.Endpoint{Scheme: "http", Address: "http://127.0.0.1:7777", BaseURL: "http://127.0.0.1:7777"}, want: "http://127.0.0.1:7777"},
		{name: "tsnet default host", ep: endpoint.Endpoint{Scheme: "tsnet", TSNetPort: 7777}, want: "tsnet://benchroom:7777"},
		{name: "tsnet named", ep: endpoint.Endpoint{Scheme: "tsnet", TSNetHostname: "bench"}, want: "tsnet://bench"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := endpointDisplay(tc.ep); got != tc.want {
				t.Fatalf("unexpected display: got %q want %q", got, tc.want)
			}
		})
	}
}

func TestNormalizeDoctorStatus(t *testing.T) {
	t.Parallel()

	for raw, want := range map[string]string{"ok": "pass", "WARNING": "warn", "error": "fail", "maybe": "unknown"} {
		if got := normalizeDoctorStatus(raw); got != want {
			t.Fatalf("normalizeDoctorStatus(%q) = %q, want %q", raw, got, want)
		}
	}
}
