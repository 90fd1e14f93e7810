package jobs

import (
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"
)

const (
	MaxEntrypointArgs = 64
	MaxCmdArgs        = 64
	MaxEnvVars        = 64
	MaxFilePaths      = 16
	MaxIterations     = 100

	DefaultTimeoutSeconds uint32 = 300
)

var digestPattern = regexp.MustCompile(`^sha256:[a-f0-9]{64}$`)

type Average string

const (
	AverageMean   Average = "mean"
	AverageMedian Average = "median"
)

type Fold string

const (
	FoldMin    Fold = "min"
	FoldMax    Fold = "max"
	FoldMean   Fold = "mean"
	FoldMedian Fold = "median"
)

// JobConfig is the minimum-disclosure payload a runner needs to execute a
// job. Digest is always an immutable content digest, never a tag.
type JobConfig struct {
	Registry     string            `json:"registry"`
	Project      uuid.UUID         `json:"project"`
	Repository   string            `json:"repository"`
	Digest       string            `json:"digest"`
	Entrypoint   []string          `json:"entrypoint,omitempty"`
	Cmd          []string          `json:"cmd,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Timeout      uint32            `json:"timeout"`
	FilePaths    []string          `json:"file_paths,omitempty"`
	Iter         uint32            `json:"iter"`
	Average      Average           `json:"average,omitempty"`
	Fold         Fold              `json:"fold,omitempty"`
	AllowFailure bool              `json:"allow_failure,omitempty"`
}

// NewJobConfig applies defaults and validates cfg. Every collection is checked
// against its maximum cardinality so oversized configs never reach storage.
func NewJobConfig(cfg JobConfig) (JobConfig, error) {
	out := cfg
	out.Registry = strings.TrimSpace(out.Registry)
	out.Repository = strings.TrimSpace(out.Repository)
	out.Digest = strings.ToLower(strings.TrimSpace(out.Digest))
	out.Entrypoint = slices.Clone(out.Entrypoint)
	out.Cmd = slices.Clone(out.Cmd)
	out.FilePaths = slices.Clone(out.FilePaths)
	if out.Env != nil {
		out.Env = maps.Clone(out.Env)
	}
	if out.Timeout == 0 {
		out.Timeout = DefaultTimeoutSeconds
	}
	if out.Iter == 0 {
		out.Iter = 1
	}

	if out.Registry == "" {
		return JobConfig{}, invalidConfig("registry is required")
	}
	if out.Project == uuid.Nil {
		return JobConfig{}, invalidConfig("project is required")
	}
	if out.Repository == "" {
		return JobConfig{}, invalidConfig("repository is required")
	}
	if !digestPattern.MatchString(out.Digest) {
		return JobConfig{}, invalidConfig(fmt.Sprintf("digest %q must be sha256 with 64 lowercase hex characters", cfg.Digest))
	}
	if err := checkCardinality("entrypoint", len(out.Entrypoint), MaxEntrypointArgs); err != nil {
		return JobConfig{}, err
	}
	if err := checkCardinality("cmd", len(out.Cmd), MaxCmdArgs); err != nil {
		return JobConfig{}, err
	}
	if err := checkCardinality("env", len(out.Env), MaxEnvVars); err != nil {
		return JobConfig{}, err
	}
	if err := checkCardinality("file_paths", len(out.FilePaths), MaxFilePaths); err != nil {
		return JobConfig{}, err
	}
	for key := range out.Env {
		if key == "" || strings.ContainsAny(key, "=\x00") {
			return JobConfig{}, invalidConfig(fmt.Sprintf("invalid env key %q", key))
		}
	}
	for _, path := range out.FilePaths {
		if !strings.HasPrefix(path, "/") {
			return JobConfig{}, invalidConfig(fmt.Sprintf("file path %q must be absolute", path))
		}
	}
	if out.Iter > MaxIterations {
		return JobConfig{}, invalidConfig(fmt.Sprintf("iter must be between 1 and %d, got %d", MaxIterations, out.Iter))
	}
	switch out.Average {
	case "", AverageMean, AverageMedian:
	default:
		return JobConfig{}, invalidConfig(fmt.Sprintf("unknown average %q", out.Average))
	}
	switch out.Fold {
	case "", FoldMin, FoldMax, FoldMean, FoldMedian:
	default:
		return JobConfig{}, invalidConfig(fmt.Sprintf("unknown fold %q", out.Fold))
	}
	return out, nil
}

// ImageReference is the digest-pinned reference the runner pulls.
func (c JobConfig) ImageReference() string {
	return c.Registry + "/" + c.Repository + "@" + c.Digest
}

// EnvList renders Env as sorted KEY=value entries.
func (c JobConfig) EnvList() []string {
	keys := slices.Sorted(maps.Keys(c.Env))
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, key+"="+c.Env[key])
	}
	return out
}

func checkCardinality(field string, got, max int) error {
	if got > max {
		return invalidConfig(fmt.Sprintf("%s has %d entries, maximum is %d", field, got, max))
	}
	return nil
}

func invalidConfig(msg string) error {
	return fmt.Errorf("%w: invalid job config: %s", errdefs.ErrInvalidArgument, msg)
}
