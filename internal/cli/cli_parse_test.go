package cli

import (
	"bytes"
	"strings"
	"testing"
)

func parseForTest(t *testing.T, args ...string) (*CLI, error) {
	t.Helper()

	c := &CLI{}
	parser, err := newParser(c)
	if err != nil {
		t.Fatalf("create parser: %v", err)
	}
	_, err = parser.Parse(args)
	return c, err
}

func TestRunSubmitPassesCommandThrough(t *testing.T) {
	t.Parallel()

	c, err := parseForTest(t, "run", "submit", "--project", "the-computer", "--image", "localhost/bench:v1", "--iter", "3", "--", "./bench", "--fast")
	if err != nil {
		t.Fatalf("parse returned error: %v", err)
	}
	req, err := c.Run.Submit.request()
	if err != nil {
		t.Fatalf("request returned error: %v", err)
	}
	if got, want := strings.Join(req.Job.Cmd, " "), "./bench --fast"; got != want {
		t.Fatalf("unexpected command: got %q want %q", got, want)
	}
	if c.Run.Submit.Iter != 3 {
		t.Fatalf("unexpected iter: got %d want 3", c.Run.Submit.Iter)
	}
}

func TestJobsListRequiresProject(t *testing.T) {
	t.Parallel()

	_, err := parseForTest(t, "jobs", "list")
	if err == nil {
		t.Fatal("expected parse error for missing --project")
	}
	if !strings.Contains(err.Error(), "--project") {
		t.Fatalf("expected missing project error, got %v", err)
	}
}

func TestSpecAddDefaults(t *testing.T) {
	t.Parallel()

	c, err := parseForTest(t, "spec", "add", "--project", "the-computer", "Small")
	if err != nil {
		t.Fatalf("parse returned error: %v", err)
	}
	add := c.Spec.Add
	if add.Name != "Small" || add.CPU != 2 || add.MemoryMiB != 2048 || add.DiskMiB != 10240 || add.Arch != "x86_64" {
		t.Fatalf("unexpected spec defaults: %+v", add)
	}
	if add.Output != "auto" {
		t.Fatalf("unexpected output default: got %q want %q", add.Output, "auto")
	}
}

func TestOutputRejectsUnknownFormat(t *testing.T) {
	t.Parallel()

	if _, err := parseForTest(t, "jobs", "list", "--project", "p", "-o", "yaml"); err == nil {
		t.Fatal("expected unknown output format to fail")
	}
}

func TestRunnerTokenFromEnvironment(t *testing.T) {
	t.Setenv("BENCHROOM_RUNNER_TOKEN", "runner_secret")

	c, err := parseForTest(t, "runner", "run", "--once")
	if err != nil {
		t.Fatalf("parse returned error: %v", err)
	}
	if c.Runner.Start.Token != "runner_secret" {
		t.Fatalf("unexpected token: got %q want %q", c.Runner.Start.Token, "runner_secret")
	}
	if !c.Runner.Start.Once || c.Runner.Start.PollTimeout != 30 {
		t.Fatalf("unexpected runner flags: %+v", c.Runner.Start)
	}
}

func TestVersionCommand(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	if err := (&VersionCommand{}).Run(&runtimeContext{Stdout: &out, Version: "v1.2.3"}); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if got, want := out.String(), "benchroom v1.2.3\n"; got != want {
		t.Fatalf("unexpected version output: got %q want %q", got, want)
	}
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	if got := ExitCode(exitCodeError{code: 3}); got != 3 {
		t.Fatalf("unexpected exit code: got %d want 3", got)
	}
	if got := ExitCode(errString("boom")); got != 1 {
		t.Fatalf("unexpected exit code: got %d want 1", got)
	}
}

type errString string

func (e errString) Error() string { return string(e) }

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	t.Parallel()

	if _, err := newLogger("chatty", "server"); err == nil {
		t.Fatal("expected unknown log level to fail")
	}
	if _, err := newLogger("", "server"); err != nil {
		t.Fatalf("expected empty level to default to info, got %v", err)
	}
}
