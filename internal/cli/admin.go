package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/buildkite/benchroom/internal/imagemgr"
	"github.com/buildkite/benchroom/internal/jobs"
	"github.com/buildkite/benchroom/internal/paths"
	"github.com/buildkite/benchroom/internal/platform"
	"github.com/buildkite/benchroom/internal/runnerapi"
	"github.com/buildkite/benchroom/internal/runtimeconfig"
	"github.com/buildkite/benchroom/internal/tlsbootstrap"
	"github.com/google/uuid"
)

const mib = 1 << 20

type ProjectCommand struct {
	Add ProjectAddCommand `cmd:"" help:"Create a project"`
}

type ProjectAddCommand struct {
	StoreFlags `embed:""`

	Name    string `arg:"" help:"Project name"`
	Claimed bool   `help:"Mark the project as claimed, raising its timeout ceiling"`
	JSON    bool   `help:"Print the project as JSON"`
}

type SpecCommand struct {
	Add     SpecAddCommand     `cmd:"" help:"Create a hardware spec"`
	List    SpecListCommand    `cmd:"" help:"List a project's specs"`
	Archive SpecArchiveCommand `cmd:"" help:"Archive a spec so new jobs cannot use it"`
}

type SpecAddCommand struct {
	ClientFlags `embed:""`

	Project   string `required:"" help:"Project uuid or slug"`
	Name      string `arg:"" help:"Spec name"`
	Arch      string `help:"Architecture (x86_64|aarch64)" default:"x86_64"`
	CPU       uint32 `name:"cpu" help:"vCPUs" default:"2"`
	MemoryMiB uint64 `name:"memory-mib" help:"Guest memory in MiB" default:"2048"`
	DiskMiB   uint64 `name:"disk-mib" help:"Root disk size in MiB" default:"10240"`
	Network   bool   `help:"Give jobs on this spec a network interface"`
	Fallback  bool   `help:"Use this spec when a job names none"`
}

type SpecListCommand struct {
	ClientFlags `embed:""`

	Project string `required:"" help:"Project uuid or slug"`
}

type SpecArchiveCommand struct {
	ClientFlags `embed:""`

	Project string `required:"" help:"Project uuid or slug"`
	Spec    string `arg:"" help:"Spec uuid or slug"`
}

type JobsCommand struct {
	List   JobsListCommand   `cmd:"" help:"List a project's jobs"`
	Get    JobsGetCommand    `cmd:"" help:"Show a job and its output"`
	Cancel JobsCancelCommand `cmd:"" help:"Cancel a job"`
}

type JobsListCommand struct {
	ClientFlags `embed:""`

	Project string `required:"" help:"Project uuid or slug"`
	Status  string `help:"Only jobs in this status"`
}

type JobsGetCommand struct {
	ClientFlags `embed:""`

	Project string `required:"" help:"Project uuid or slug"`
	ID      string `arg:"" name:"job" help:"Job uuid"`
}

type JobsCancelCommand struct {
	ClientFlags `embed:""`

	Project string `required:"" help:"Project uuid or slug"`
	ID      string `arg:"" name:"job" help:"Job uuid"`
}

type RunCommand struct {
	Submit RunSubmitCommand `cmd:"" help:"Submit a run, optionally with a benchmark job"`
}

type RunSubmitCommand struct {
	ClientFlags `embed:""`

	Project      string            `required:"" help:"Project uuid or slug"`
	Testbed      string            `help:"Testbed name (defaults to localhost)"`
	Branch       string            `help:"Branch the results belong to"`
	Image        string            `help:"OCI image to benchmark; omit to record a report without a job"`
	Spec         string            `help:"Spec uuid or slug (defaults to the testbed's or the project's fallback)"`
	Entrypoint   []string          `help:"Override the image entrypoint"`
	Env          map[string]string `help:"Extra environment (KEY=VALUE)"`
	Timeout      uint32            `help:"Job timeout in seconds"`
	Iter         uint32            `help:"Iterations"`
	Average      string            `help:"Average (mean|median)"`
	Fold         string            `help:"Fold iterations (min|max|mean|median)"`
	File         []string          `help:"Output file to collect after each iteration"`
	AllowFailure bool              `help:"Keep going when an iteration exits non-zero"`

	Cmd []string `arg:"" optional:"" passthrough:"" help:"Command to run in the image"`
}

type TLSCommand struct {
	Init TLSInitCommand `cmd:"" help:"Generate a CA and a server certificate"`
}

type TLSInitCommand struct {
	Dir   string   `help:"Output directory (defaults to the benchroom tls directory)"`
	Host  []string `help:"Extra hostnames or IPs for the server certificate"`
	Force bool     `help:"Replace the CA as well; runners must then trust the new ca.pem"`
}

type ImagesCommand struct {
	List ImagesListCommand `cmd:"" help:"List cached images"`
	Rm   ImagesRmCommand   `cmd:"" help:"Remove cached images by ref or digest"`
}

type ImagesListCommand struct {
	JSON bool `help:"Print records as JSON"`
}

type ImagesRmCommand struct {
	Selector string `arg:"" help:"Image ref, digest or digest prefix"`
}

// adminService is a platform over the store alone, for commands that never
// issue pull tokens.
func (f StoreFlags) adminService(ctx context.Context, cfg runtimeconfig.ServerConfig) (*platform.Service, func(), error) {
	st, err := f.open(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger("warn", "admin")
	if err != nil {
		_ = st.Close()
		return nil, nil, err
	}
	return &platform.Service{Store: st, Config: cfg, Logger: logger}, func() { _ = st.Close() }, nil
}

func (p *ProjectAddCommand) Run(ctx *runtimeContext) error {
	service, closeService, err := p.adminService(context.Background(), ctx.Config.Server)
	if err != nil {
		return err
	}
	defer closeService()

	project, err := service.CreateProject(context.Background(), p.Name, p.Claimed)
	if err != nil {
		return err
	}
	if p.JSON {
		return writeJSON(ctx.Stdout, project)
	}
	_, err = fmt.Fprintf(ctx.Stdout, "created project %s (%s)\n", project.Slug, project.UUID)
	return err
}

func (s *SpecAddCommand) Run(ctx *runtimeContext) error {
	arch, err := jobs.ParseArchitecture(s.Arch)
	if err != nil {
		return err
	}
	client, _, err := s.client()
	if err != nil {
		return err
	}
	created, err := client.CreateSpec(context.Background(), s.Project, jobs.Spec{
		Name:         s.Name,
		Architecture: arch,
		CPU:          s.CPU,
		Memory:       s.MemoryMiB * mib,
		Disk:         s.DiskMiB * mib,
		Network:      s.Network,
		IsFallback:   s.Fallback,
	})
	if err != nil {
		return err
	}
	if s.wantJSON(ctx.Stdout) {
		return writeJSON(ctx.Stdout, created)
	}
	_, err = fmt.Fprint(ctx.Stdout, renderSpecs([]jobs.Spec{created}))
	return err
}

func (s *SpecListCommand) Run(ctx *runtimeContext) error {
	client, _, err := s.client()
	if err != nil {
		return err
	}
	specs, err := client.ListSpecs(context.Background(), s.Project)
	if err != nil {
		return err
	}
	if s.wantJSON(ctx.Stdout) {
		return writeJSON(ctx.Stdout, specs)
	}
	_, err = fmt.Fprint(ctx.Stdout, renderSpecs(specs))
	return err
}

func (s *SpecArchiveCommand) Run(ctx *runtimeContext) error {
	client, _, err := s.client()
	if err != nil {
		return err
	}
	if err := client.ArchiveSpec(context.Background(), s.Project, s.Spec); err != nil {
		return err
	}
	_, err = fmt.Fprintf(ctx.Stdout, "archived spec %s\n", s.Spec)
	return err
}

func (j *JobsListCommand) Run(ctx *runtimeContext) error {
	var status jobs.Status
	if strings.TrimSpace(j.Status) != "" {
		parsed, err := jobs.ParseStatus(j.Status)
		if err != nil {
			return err
		}
		status = parsed
	}
	client, _, err := j.client()
	if err != nil {
		return err
	}
	list, err := client.ListJobs(context.Background(), j.Project, status)
	if err != nil {
		return err
	}
	if j.wantJSON(ctx.Stdout) {
		return writeJSON(ctx.Stdout, list)
	}
	_, err = fmt.Fprint(ctx.Stdout, renderJobs(list, time.Now()))
	return err
}

func (j *JobsGetCommand) Run(ctx *runtimeContext) error {
	id, err := parseJobID(j.ID)
	if err != nil {
		return err
	}
	client, _, err := j.client()
	if err != nil {
		return err
	}
	job, err := client.GetJob(context.Background(), j.Project, id)
	if err != nil {
		return err
	}
	// Iteration output does not fit a table.
	return writeJSON(ctx.Stdout, job)
}

func (j *JobsCancelCommand) Run(ctx *runtimeContext) error {
	id, err := parseJobID(j.ID)
	if err != nil {
		return err
	}
	client, _, err := j.client()
	if err != nil {
		return err
	}
	resp, err := client.CancelJob(context.Background(), j.Project, id)
	if err != nil {
		return err
	}
	if j.wantJSON(ctx.Stdout) {
		return writeJSON(ctx.Stdout, resp)
	}
	_, err = fmt.Fprintf(ctx.Stdout, "job %s is %s\n", resp.Job, resp.Status)
	return err
}

func (r *RunSubmitCommand) Run(ctx *runtimeContext) error {
	req, err := r.request()
	if err != nil {
		return err
	}
	client, _, err := r.client()
	if err != nil {
		return err
	}
	resp, err := client.SubmitRun(context.Background(), req)
	if err != nil {
		return err
	}
	if r.wantJSON(ctx.Stdout) {
		return writeJSON(ctx.Stdout, resp)
	}
	if resp.Job == nil {
		_, err = fmt.Fprintf(ctx.Stdout, "report %s recorded on testbed %s\n", resp.Report.UUID, resp.Testbed.Slug)
		return err
	}
	_, err = fmt.Fprintf(ctx.Stdout, "report %s queued job %s on spec %s (%s)\n", resp.Report.UUID, resp.Job.UUID, resp.Job.Spec.Slug, resp.Job.Status)
	return err
}

func (r *RunSubmitCommand) request() (runnerapi.RunRequest, error) {
	req := runnerapi.RunRequest{Project: r.Project, Testbed: r.Testbed, Branch: r.Branch}
	// kong keeps the "--" that ends flag parsing
	command := r.Cmd
	if len(command) > 0 && command[0] == "--" {
		command = command[1:]
	}
	if strings.TrimSpace(r.Image) == "" {
		if len(command) > 0 || len(r.Entrypoint) > 0 || r.Spec != "" {
			return runnerapi.RunRequest{}, errors.New("--image is required to run a job")
		}
		return req, nil
	}
	req.Job = &runnerapi.JobRequest{
		Image:        r.Image,
		Spec:         r.Spec,
		Entrypoint:   r.Entrypoint,
		Cmd:          command,
		Env:          r.Env,
		Timeout:      r.Timeout,
		Iter:         r.Iter,
		Average:      jobs.Average(r.Average),
		Fold:         jobs.Fold(r.Fold),
		FilePaths:    r.File,
		AllowFailure: r.AllowFailure,
	}
	return req, nil
}

func (t *TLSInitCommand) Run(ctx *runtimeContext) error {
	dir := strings.TrimSpace(t.Dir)
	if dir == "" {
		var err error
		if dir, err = paths.TLSDir(); err != nil {
			return err
		}
	}
	result, err := tlsbootstrap.Init(dir, tlsbootstrap.Options{Hosts: t.Host, Force: t.Force})
	if err != nil {
		return err
	}
	what := "CA and server certificate"
	if result.ReusedCA {
		what = "server certificate (existing CA kept)"
	}
	_, err = fmt.Fprintf(ctx.Stdout, "wrote %s for %s to %s\n", what, strings.Join(result.Hosts, ", "), dir)
	return err
}

func (i *ImagesListCommand) Run(ctx *runtimeContext) error {
	manager, err := imagemgr.New(imagemgr.Options{})
	if err != nil {
		return err
	}
	defer manager.Close()

	records, err := manager.List(context.Background())
	if err != nil {
		return err
	}
	if i.JSON {
		return writeJSON(ctx.Stdout, records)
	}
	_, err = fmt.Fprint(ctx.Stdout, renderImages(records, time.Now()))
	return err
}

func (i *ImagesRmCommand) Run(ctx *runtimeContext) error {
	manager, err := imagemgr.New(imagemgr.Options{})
	if err != nil {
		return err
	}
	defer manager.Close()

	removed, err := manager.Remove(context.Background(), i.Selector)
	if err != nil {
		return err
	}
	for _, record := range removed {
		if _, err := fmt.Fprintf(ctx.Stdout, "removed %s\n", record.Ref); err != nil {
			return err
		}
	}
	return nil
}

func parseJobID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid job id %q: %w", raw, err)
	}
	return id, nil
}

func formatMiB(bytes uint64) string {
	return strconv.FormatUint(bytes/mib, 10) + " MiB"
}
