package main

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func TestSplitEnvEntry(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in    string
		key   string
		value string
		ok    bool
	}{
		{in: "TERM=xterm-256color", key: "TERM", value: "xterm-256color", ok: true},
		{in: "A=b=c", key: "A", value: "b=c", ok: true},
		{in: "TERM", key: "TERM", value: "", ok: true},
		{in: "=x", ok: false},
		{in: "", ok: false},
	}

	for _, tc := range tests {
		key, value, ok := splitEnvEntry(tc.in)
		if key != tc.key || value != tc.value || ok != tc.ok {
			t.Fatalf("splitEnvEntry(%q) => (%q,%q,%v), want (%q,%q,%v)", tc.in, key, value, ok, tc.key, tc.value, tc.ok)
		}
	}
}

func TestBuildCommandEnvRequestOverridesAndDefaults(t *testing.T) {
	t.Setenv("HOME", "")
	t.Setenv("PATH", "")
	t.Setenv("BENCH_AGENT_TEST", "agent")

	got := buildCommandEnv([]string{"BENCH_AGENT_TEST=request", "ITERATIONS=5"})
	for _, want := range []string{"BENCH_AGENT_TEST=request", "ITERATIONS=5", "HOME=/root", "PATH=" + defaultPath} {
		if !slices.Contains(got, want) {
			t.Fatalf("expected %q in env, got %v", want, got)
		}
	}
	if !slices.IsSorted(got) {
		t.Fatalf("expected sorted env, got %v", got)
	}
}

func TestParseCmdlinePort(t *testing.T) {
	t.Parallel()

	tests := []struct {
		cmdline string
		want    uint32
		ok      bool
	}{
		{cmdline: "console=ttyS0 benchroom.vsock_port=5000 rw", want: 5000, ok: true},
		{cmdline: "console=ttyS0 rw", ok: false},
		{cmdline: "benchroom.vsock_port=nope", ok: false},
		{cmdline: "benchroom.vsock_port=0", ok: false},
	}
	for _, tc := range tests {
		got, ok := parseCmdlinePort(tc.cmdline)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("parseCmdlinePort(%q) => (%d,%v), want (%d,%v)", tc.cmdline, got, ok, tc.want, tc.ok)
		}
	}
}

func TestReadLimited(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "result.json")
	if err := os.WriteFile(path, []byte("0123456789"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	data, truncated, err := readLimited(path, 4)
	if err != nil {
		t.Fatalf("readLimited returned error: %v", err)
	}
	if string(data) != "0123" || !truncated {
		t.Fatalf("unexpected read: got %q truncated=%v", data, truncated)
	}

	data, truncated, err = readLimited(path, 10)
	if err != nil {
		t.Fatalf("readLimited returned error: %v", err)
	}
	if string(data) != "0123456789" || truncated {
		t.Fatalf("unexpected read: got %q truncated=%v", data, truncated)
	}

	if _, _, err := readLimited(filepath.Join(t.TempDir(), "missing"), 4); err == nil {
		t.Fatal("expected error for missing file")
	}
}
