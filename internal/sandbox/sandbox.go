// Package sandbox turns a claimed job into exactly one outcome by running it
// inside a disposable VM. It owns the wall-clock timeout, cancellation and
// output bounds; the launcher owns isolation.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/buildkite/benchroom/internal/backend"
	"github.com/buildkite/benchroom/internal/imagemgr"
	"github.com/buildkite/benchroom/internal/jobs"
	"github.com/buildkite/benchroom/internal/vsockexec"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// Op is a host-facing operation the engine may perform on a VM.
type Op string

const (
	OpExec   Op = "exec"
	OpSignal Op = "signal"
	OpKill   Op = "kill"
)

var DefaultAllowList = []Op{OpExec, OpSignal, OpKill}

const (
	DefaultGrace      = 5 * time.Second
	defaultCancelPoll = 100 * time.Millisecond
)

// ImageSource yields a cached rootfs for a digest-pinned reference, pulling it
// with token when it is not cached.
type ImageSource interface {
	Ensure(ctx context.Context, ref, token string) (imagemgr.EnsureResult, error)
}

type Options struct {
	Launcher backend.Launcher
	Images   ImageSource
	// AllowList must contain OpExec and OpKill. Without OpSignal a timeout
	// goes straight to a kill.
	AllowList []Op
	// OutputLimit bounds each stream and each output file per iteration.
	OutputLimit int64
	Grace       time.Duration
	CancelPoll  time.Duration
	Logger      *log.Logger
	// Telemetry is called once per Run after the VM is gone.
	Telemetry func(Telemetry)
	Now       func() time.Time
}

type Engine struct {
	launcher    backend.Launcher
	images      ImageSource
	allowed     map[Op]bool
	outputLimit int64
	grace       time.Duration
	cancelPoll  time.Duration
	logger      *log.Logger
	telemetry   func(Telemetry)
	now         func() time.Time
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Launcher == nil {
		return nil, errors.New("sandbox engine requires a launcher")
	}
	if opts.Images == nil {
		return nil, errors.New("sandbox engine requires an image source")
	}
	allowList := opts.AllowList
	if allowList == nil {
		allowList = DefaultAllowList
	}
	allowed := make(map[Op]bool, len(allowList))
	for _, op := range allowList {
		switch op {
		case OpExec, OpSignal, OpKill:
			allowed[op] = true
		default:
			return nil, fmt.Errorf("unknown sandbox operation %q in allow-list", op)
		}
	}
	if !allowed[OpExec] {
		return nil, fmt.Errorf("sandbox allow-list must include %q", OpExec)
	}
	if !allowed[OpKill] {
		return nil, fmt.Errorf("sandbox allow-list must include %q so timeouts can force-terminate the guest", OpKill)
	}

	e := &Engine{
		launcher:    opts.Launcher,
		images:      opts.Images,
		allowed:     allowed,
		outputLimit: opts.OutputLimit,
		grace:       opts.Grace,
		cancelPoll:  opts.CancelPoll,
		logger:      opts.Logger,
		telemetry:   opts.Telemetry,
		now:         opts.Now,
	}
	if e.outputLimit <= 0 {
		e.outputLimit = DefaultOutputLimit
	}
	if e.grace <= 0 {
		e.grace = DefaultGrace
	}
	if e.cancelPoll <= 0 {
		e.cancelPoll = defaultCancelPoll
	}
	if e.logger == nil {
		e.logger = log.New(io.Discard)
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// Outcome is the single result of a Run. Status is completed, failed or
// canceled; Results holds whatever iterations produced, including the partial
// output of one that was cut short.
type Outcome struct {
	Status    jobs.Status
	Results   []jobs.IterationOutput
	Error     string
	Telemetry Telemetry
}

type Telemetry struct {
	JobID     uuid.UUID     `json:"job"`
	Duration  time.Duration `json:"duration"`
	TimedOut  bool          `json:"timed_out"`
	Transport string        `json:"transport"`
}

// Run executes job and never returns an error: every failure, including
// boot and pull failures, is reported through the outcome. canceled is polled
// while the workload runs.
func (e *Engine) Run(ctx context.Context, job jobs.ClaimedJob, canceled func() bool) Outcome {
	if canceled == nil {
		canceled = func() bool { return false }
	}
	logger := e.logger.With("job", job.UUID)
	start := e.now()
	outcome := e.run(ctx, logger, job, canceled)
	outcome.Telemetry.JobID = job.UUID
	outcome.Telemetry.Duration = e.now().Sub(start)

	logger.Info("job finished",
		"status", outcome.Status,
		"duration", outcome.Telemetry.Duration,
		"timed_out", outcome.Telemetry.TimedOut,
		"transport", outcome.Telemetry.Transport,
	)
	if e.telemetry != nil {
		e.telemetry(outcome.Telemetry)
	}
	return outcome
}

func (e *Engine) run(ctx context.Context, logger *log.Logger, job jobs.ClaimedJob, canceled func() bool) Outcome {
	if canceled() {
		return Outcome{Status: jobs.StatusCanceled}
	}

	image, err := e.images.Ensure(ctx, job.Config.ImageReference(), job.OCIToken)
	if err != nil {
		return failed(nil, fmt.Sprintf("prepare image: %v", err))
	}
	logger.Debug("image ready", "digest", image.Record.Digest, "cache_hit", image.CacheHit)

	command := resolveCommand(image.Record.OCIConfig, job.Config)
	if len(command) == 0 {
		return failed(nil, "no command to run: the image has no entrypoint or cmd and the job sets none")
	}

	vm, err := e.launcher.Launch(ctx, backend.LaunchRequest{
		JobID:      job.UUID,
		Spec:       job.Spec,
		RootFSPath: image.Record.RootFSPath,
	})
	if err != nil {
		return failed(nil, fmt.Sprintf("boot %s vm: %v", e.launcher.Name(), err))
	}
	defer func() {
		if err := vm.Close(); err != nil {
			logger.Warn("vm teardown failed", "err", err)
		}
	}()

	transport := vm.Transport()
	req := vsockexec.Request{
		Op:          vsockexec.OpExec,
		Command:     command,
		Dir:         image.Record.OCIConfig.Workdir,
		Env:         mergeEnv(image.Record.OCIConfig.Env, job.Config.EnvList()),
		FilePaths:   job.Config.FilePaths,
		OutputLimit: e.outputLimit,
	}

	timeout := job.TimeoutDuration()
	deadline := e.now().Add(timeout)
	iterations := max(int(job.Config.Iter), 1)
	results := make([]jobs.IterationOutput, 0, iterations)

	for i := range iterations {
		res := e.iterate(ctx, vm, req, deadline, canceled)
		results = append(results, res.output)
		outcome := Outcome{Results: results, Telemetry: Telemetry{Transport: transport}}

		switch {
		case res.timedOut:
			outcome.Status = jobs.StatusFailed
			outcome.Error = fmt.Sprintf("job timed out after %s during iteration %d", timeout, i+1)
			outcome.Telemetry.TimedOut = true
			return outcome
		case res.canceled:
			outcome.Status = jobs.StatusCanceled
			return outcome
		case res.err != nil:
			outcome.Status = jobs.StatusFailed
			outcome.Error = fmt.Sprintf("iteration %d: %v", i+1, res.err)
			return outcome
		case res.output.ExitCode != 0 && !job.Config.AllowFailure:
			outcome.Status = jobs.StatusFailed
			outcome.Error = fmt.Sprintf("iteration %d exited with status %d", i+1, res.output.ExitCode)
			return outcome
		}
	}
	return Outcome{Status: jobs.StatusCompleted, Results: results, Telemetry: Telemetry{Transport: transport}}
}

type iterationResult struct {
	output   jobs.IterationOutput
	err      error
	timedOut bool
	canceled bool
}

type execDone struct {
	result vsockexec.Result
	err    error
}

// iterate runs one exec and supervises it against the deadline, the cancel
// flag and ctx.
func (e *Engine) iterate(ctx context.Context, vm backend.VM, req vsockexec.Request, deadline time.Time, canceled func() bool) iterationResult {
	buf := newCapture(e.outputLimit)
	execCtx, cancelExec := context.WithCancel(ctx)
	defer cancelExec()

	done := make(chan execDone, 1)
	go func() {
		res, err := vm.Exec(execCtx, req, buf)
		done <- execDone{result: res, err: err}
	}()

	timer := time.NewTimer(deadline.Sub(e.now()))
	defer timer.Stop()
	ticker := time.NewTicker(e.cancelPoll)
	defer ticker.Stop()

	for {
		select {
		case d := <-done:
			if d.err != nil {
				return iterationResult{output: buf.output(-1), err: d.err}
			}
			out := buf.output(d.result.ExitCode)
			if d.result.Error != "" {
				return iterationResult{output: out, err: errors.New(d.result.Error)}
			}
			return iterationResult{output: out}
		case <-timer.C:
			e.terminate(vm, done, cancelExec)
			return iterationResult{output: buf.output(-1), timedOut: true}
		case <-ticker.C:
			if canceled() {
				e.terminate(vm, done, cancelExec)
				return iterationResult{output: buf.output(-1), canceled: true}
			}
		case <-ctx.Done():
			e.terminate(vm, done, cancelExec)
			return iterationResult{output: buf.output(-1), err: ctx.Err()}
		}
	}
}

// terminate asks the workload to stop, then forces the VM down once the grace
// period runs out. It returns after the exec goroutine has finished, so the
// capture is no longer written to.
func (e *Engine) terminate(vm backend.VM, done <-chan execDone, cancelExec context.CancelFunc) {
	if e.allowed[OpSignal] {
		sigCtx, cancel := context.WithTimeout(context.Background(), e.grace)
		err := vm.Signal(sigCtx, syscall.SIGTERM)
		cancel()
		if err != nil {
			e.logger.Debug("signal workload failed", "err", err)
		} else {
			grace := time.NewTimer(e.grace)
			select {
			case <-done:
				grace.Stop()
				return
			case <-grace.C:
			}
		}
	}

	if err := vm.Kill(); err != nil {
		e.logger.Warn("force kill failed", "err", err)
	}
	cancelExec()
	<-done
}

// resolveCommand applies image defaults the way container runtimes do: a job
// entrypoint replaces the image's and drops the image cmd unless the job
// also gives one.
func resolveCommand(image imagemgr.OCIConfig, cfg jobs.JobConfig) []string {
	entrypoint := image.Entrypoint
	cmd := image.Cmd
	if len(cfg.Entrypoint) > 0 {
		entrypoint = cfg.Entrypoint
		cmd = nil
	}
	if len(cfg.Cmd) > 0 {
		cmd = cfg.Cmd
	}
	out := slices.Concat(entrypoint, cmd)
	if len(out) == 0 || strings.TrimSpace(out[0]) == "" {
		return nil
	}
	return out
}

// mergeEnv overlays job entries on the image environment by key.
func mergeEnv(image, job []string) []string {
	out := make([]string, 0, len(image)+len(job))
	index := make(map[string]int, len(image)+len(job))
	for _, entry := range slices.Concat(image, job) {
		key, _, _ := strings.Cut(entry, "=")
		if i, ok := index[key]; ok {
			out[i] = entry
			continue
		}
		index[key] = len(out)
		out = append(out, entry)
	}
	return out
}

func failed(results []jobs.IterationOutput, msg string) Outcome {
	return Outcome{Status: jobs.StatusFailed, Results: results, Error: msg}
}
