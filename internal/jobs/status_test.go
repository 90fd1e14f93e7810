package jobs

import "testing"

func TestCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusClaimed, true},
		{StatusPending, StatusRunning, false},
		{StatusClaimed, StatusRunning, true},
		{StatusClaimed, StatusCanceled, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusCanceled, true},
		{StatusRunning, StatusClaimed, false},
		{StatusCompleted, StatusCanceled, false},
		{StatusFailed, StatusRunning, false},
		{StatusCanceled, StatusPending, false},
	}
	for _, tc := range tests {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestTerminalStatusesHaveNoTransitions(t *testing.T) {
	t.Parallel()

	for _, status := range []Status{StatusCompleted, StatusFailed, StatusCanceled} {
		if !status.Terminal() {
			t.Fatalf("expected %s to be terminal", status)
		}
		for _, to := range []Status{StatusPending, StatusClaimed, StatusRunning, StatusCompleted, StatusFailed, StatusCanceled} {
			if CanTransition(status, to) {
				t.Fatalf("terminal %s must not transition to %s", status, to)
			}
		}
	}
}

func TestSourcesForCanceled(t *testing.T) {
	t.Parallel()

	got := SourcesFor(StatusCanceled)
	if len(got) != 3 {
		t.Fatalf("expected pending, claimed and running as cancel sources, got %v", got)
	}
}

func TestSlugify(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"Job Test Spec":    "job-test-spec",
		"  x86 / 4 vCPU ":  "x86-4-vcpu",
		"":                 "unnamed",
		"already-a-slug-1": "already-a-slug-1",
	}
	for in, want := range tests {
		if got := Slugify(in); got != want {
			t.Fatalf("Slugify(%q) = %q, want %q", in, got, want)
		}
	}
}
