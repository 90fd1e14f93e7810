package runtimeconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/buildkite/benchroom/internal/outputstore"
	"github.com/buildkite/benchroom/internal/paths"
	"gopkg.in/yaml.v3"
)

const (
	DefaultLocalRegistry            = "localhost:61016"
	DefaultUnclaimedTimeoutSeconds  = 300
	DefaultClaimedTimeoutSeconds    = 3600
	DefaultPullAllowanceSeconds     = 300
	DefaultClaimStaleSeconds        = 60
	DefaultHeartbeatStaleSeconds    = 30
	DefaultSweepIntervalSeconds     = 10
	DefaultLaunchSeconds            = 30
	DefaultGraceSeconds             = 5
	DefaultOutputLimitBytes         = 10 * 1024 * 1024
	DefaultGuestPort         uint32 = 10700
)

type Config struct {
	Server ServerConfig `yaml:"server"`
	Runner RunnerConfig `yaml:"runner"`
}

type ServerConfig struct {
	Listen   string         `yaml:"listen"`
	Database DatabaseConfig `yaml:"database"`
	Outputs  OutputsConfig  `yaml:"outputs"`
	Registry RegistryConfig `yaml:"registry"`
	// PullTokenSecret signs runner pull credentials. PullTokenSecretFile is
	// read when the inline secret is empty.
	PullTokenSecret     string         `yaml:"pull_token_secret"`
	PullTokenSecretFile string         `yaml:"pull_token_secret_file"`
	Limits              LimitsConfig   `yaml:"limits"`
	Liveness            LivenessConfig `yaml:"liveness"`
}

type DatabaseConfig struct {
	// Driver is sqlite (default) or postgres.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type OutputsConfig struct {
	// Backend is database (default) or minio.
	Backend string                  `yaml:"backend"`
	Minio   outputstore.MinioConfig `yaml:"minio"`
}

type RegistryConfig struct {
	LocalAddress string   `yaml:"local_address"`
	LocalAliases []string `yaml:"local_aliases"`
	Public       []string `yaml:"public"`
	Insecure     bool     `yaml:"insecure"`
}

type LimitsConfig struct {
	UnclaimedTimeoutSeconds uint32 `yaml:"unclaimed_timeout_seconds"`
	ClaimedTimeoutSeconds   uint32 `yaml:"claimed_timeout_seconds"`
	PullAllowanceSeconds    int64  `yaml:"pull_allowance_seconds"`
}

type LivenessConfig struct {
	ClaimStaleSeconds     int64 `yaml:"claim_stale_seconds"`
	HeartbeatStaleSeconds int64 `yaml:"heartbeat_stale_seconds"`
	SweepIntervalSeconds  int64 `yaml:"sweep_interval_seconds"`
}

type RunnerConfig struct {
	Endpoint     string `yaml:"endpoint"`
	TokenFile    string `yaml:"token_file"`
	Architecture string `yaml:"architecture"`
	// InsecureRegistry pulls job images over plain HTTP.
	InsecureRegistry bool              `yaml:"insecure_registry"`
	Firecracker      FirecrackerConfig `yaml:"firecracker"`
}

type FirecrackerConfig struct {
	BinaryPath       string `yaml:"binary_path"`
	JailerPath       string `yaml:"jailer_path"`
	Resize2fsPath    string `yaml:"resize2fs_path"`
	MkfsPath         string `yaml:"mkfs_path"`
	GuestAgentPath   string `yaml:"guest_agent_path"`
	KernelImage      string `yaml:"kernel_image"`
	ChrootBaseDir    string `yaml:"chroot_base_dir"`
	UID              int    `yaml:"uid"`
	GID              int    `yaml:"gid"`
	NetNS            string `yaml:"netns"`
	TapDevice        string `yaml:"tap_device"`
	GuestMAC         string `yaml:"guest_mac"`
	GuestPort        uint32 `yaml:"guest_port"`
	LaunchSeconds    int64  `yaml:"launch_seconds"` // VM boot/guest-agent readiness timeout
	GraceSeconds     int64  `yaml:"grace_seconds"`
	OutputLimitBytes int64  `yaml:"output_limit_bytes"`
}

// TimeoutCeiling is the longest job timeout a project may run with.
func (c ServerConfig) TimeoutCeiling(claimedProject bool) uint32 {
	if claimedProject {
		return orDefault(c.Limits.ClaimedTimeoutSeconds, DefaultClaimedTimeoutSeconds)
	}
	return orDefault(c.Limits.UnclaimedTimeoutSeconds, DefaultUnclaimedTimeoutSeconds)
}

func (c ServerConfig) PullAllowance() time.Duration {
	return seconds(c.Limits.PullAllowanceSeconds, DefaultPullAllowanceSeconds)
}

func (c ServerConfig) ClaimStaleAfter() time.Duration {
	return seconds(c.Liveness.ClaimStaleSeconds, DefaultClaimStaleSeconds)
}

func (c ServerConfig) HeartbeatStaleAfter() time.Duration {
	return seconds(c.Liveness.HeartbeatStaleSeconds, DefaultHeartbeatStaleSeconds)
}

func (c ServerConfig) SweepInterval() time.Duration {
	return seconds(c.Liveness.SweepIntervalSeconds, DefaultSweepIntervalSeconds)
}

// LoadPullTokenSecret returns the configured signing secret.
func (c ServerConfig) LoadPullTokenSecret() ([]byte, error) {
	if secret := strings.TrimSpace(c.PullTokenSecret); secret != "" {
		return []byte(secret), nil
	}
	if path := strings.TrimSpace(c.PullTokenSecretFile); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read pull token secret: %w", err)
		}
		return []byte(strings.TrimSpace(string(b))), nil
	}
	return nil, errors.New("server.pull_token_secret or server.pull_token_secret_file is required")
}

func (c FirecrackerConfig) Launch() time.Duration {
	return seconds(c.LaunchSeconds, DefaultLaunchSeconds)
}

func (c FirecrackerConfig) Grace() time.Duration {
	return seconds(c.GraceSeconds, DefaultGraceSeconds)
}

func (c FirecrackerConfig) OutputLimit() int64 {
	if c.OutputLimitBytes > 0 {
		return c.OutputLimitBytes
	}
	return DefaultOutputLimitBytes
}

func (c FirecrackerConfig) Port() uint32 {
	return orDefault(c.GuestPort, DefaultGuestPort)
}

func Path() (string, error) {
	dir, err := paths.ConfigBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func Load() (Config, string, error) {
	path, err := Path()
	if err != nil {
		return Config{}, "", err
	}
	cfg, err := LoadFile(path)
	return cfg, path, err
}

// LoadFile reads path. A missing file yields the zero config.
func LoadFile(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	cfg := Config{}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Server.Listen = strings.TrimSpace(cfg.Server.Listen)
	cfg.Server.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Server.Database.Driver))
	cfg.Server.Outputs.Backend = strings.ToLower(strings.TrimSpace(cfg.Server.Outputs.Backend))
	switch cfg.Server.Outputs.Backend {
	case "", "database", "minio":
	default:
		return Config{}, fmt.Errorf("parse %s: unknown outputs backend %q", path, cfg.Server.Outputs.Backend)
	}
	return cfg, nil
}

func orDefault(v, def uint32) uint32 {
	if v == 0 {
		return def
	}
	return v
}

func seconds(v, def int64) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Second
}
