package jobs

import (
	"fmt"
	"strings"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"
)

const testDigest = "sha256:0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func baseConfig() JobConfig {
	return JobConfig{
		Registry:   "localhost:61016",
		Project:    uuid.MustParse("3a7e0c61-0b0c-4c8f-9e47-22c5e5a0c0de"),
		Repository: "the-computer",
		Digest:     testDigest,
	}
}

func repeat(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("arg-%d", i)
	}
	return out
}

func envOf(n int) map[string]string {
	out := make(map[string]string, n)
	for i := 0; i < n; i++ {
		out[fmt.Sprintf("KEY_%d", i)] = "v"
	}
	return out
}

func filePaths(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("/results/%d.json", i)
	}
	return out
}

func TestNewJobConfigCardinality(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		field string
		apply func(*JobConfig, int)
		max   int
	}{
		{name: "entrypoint", field: "entrypoint", apply: func(c *JobConfig, n int) { c.Entrypoint = repeat(n) }, max: MaxEntrypointArgs},
		{name: "cmd", field: "cmd", apply: func(c *JobConfig, n int) { c.Cmd = repeat(n) }, max: MaxCmdArgs},
		{name: "env", field: "env", apply: func(c *JobConfig, n int) { c.Env = envOf(n) }, max: MaxEnvVars},
		{name: "file paths", field: "file_paths", apply: func(c *JobConfig, n int) { c.FilePaths = filePaths(n) }, max: MaxFilePaths},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			atMax := baseConfig()
			tc.apply(&atMax, tc.max)
			if _, err := NewJobConfig(atMax); err != nil {
				t.Fatalf("expected %s at maximum (%d) to be accepted, got %v", tc.field, tc.max, err)
			}

			over := baseConfig()
			tc.apply(&over, tc.max+1)
			_, err := NewJobConfig(over)
			if err == nil {
				t.Fatalf("expected %s with %d entries to be rejected", tc.field, tc.max+1)
			}
			if !errdefs.IsInvalidArgument(err) {
				t.Fatalf("expected invalid argument error, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.field) {
				t.Fatalf("expected error to name %s, got %v", tc.field, err)
			}
		})
	}
}

func TestNewJobConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := NewJobConfig(baseConfig())
	if err != nil {
		t.Fatalf("NewJobConfig returned error: %v", err)
	}
	if got, want := cfg.Timeout, DefaultTimeoutSeconds; got != want {
		t.Fatalf("unexpected default timeout: got %d want %d", got, want)
	}
	if got, want := cfg.Iter, uint32(1); got != want {
		t.Fatalf("unexpected default iter: got %d want %d", got, want)
	}
	if got, want := cfg.ImageReference(), "localhost:61016/the-computer@"+testDigest; got != want {
		t.Fatalf("unexpected image reference: got %q want %q", got, want)
	}
}

func TestNewJobConfigRejectsMutableReference(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Digest = "v1"
	if _, err := NewJobConfig(cfg); err == nil || !errdefs.IsInvalidArgument(err) {
		t.Fatalf("expected invalid argument for tag instead of digest, got %v", err)
	}
}

func TestNewJobConfigRejectsRelativeFilePath(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.FilePaths = []string{"results.json"}
	if _, err := NewJobConfig(cfg); err == nil {
		t.Fatal("expected relative file path to be rejected")
	}
}

func TestEnvListIsSorted(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Env = map[string]string{"B": "2", "A": "1"}
	got := cfg.EnvList()
	if len(got) != 2 || got[0] != "A=1" || got[1] != "B=2" {
		t.Fatalf("unexpected env list: %v", got)
	}
}
