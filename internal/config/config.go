// Package config handles loading, validating, and applying configuration
// for the ephemeral runner tool. Configuration is read from a YAML file
// and can be overridden by CLI flags.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"gopkg.in/yaml.v3"

	"github.com/msand/ec2-github-runner/internal/engine"
	"github.com/msand/ec2-github-runner/internal/engine/docker"
	ec2engine "github.com/msand/ec2-github-runner/internal/engine/ec2"
	"github.com/msand/ec2-github-runner/internal/engine/gcp"
	"github.com/msand/ec2-github-runner/internal/runner"
)

// Operating modes. Start provisions an instance and registers a runner;
// stop tears both down using the identifiers a start invocation emitted.
const (
	ModeStart = "start"
	ModeStop  = "stop"
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure. It is constructed once at
// process entry and passed explicitly to every component.
type Config struct {
	GitHub  GitHubConfig  `yaml:"github"`
	Runner  RunnerConfig  `yaml:"runner"`
	Engine  EngineConfig  `yaml:"engine"`
	Logging LoggingConfig `yaml:"logging"`
	OTel    OTelConfig    `yaml:"otel"`
}

// ---------------------------------------------------------------------------
// GitHub / auth
// ---------------------------------------------------------------------------

// GitHubConfig identifies the repository and the token used against its
// runner API.
type GitHubConfig struct {
	// Owner is the user or organization owning the repository.
	Owner string `yaml:"owner"`

	// Repo is the repository name.
	Repo string `yaml:"repo"`

	// Token is a personal access token (or installation token) with the
	// repo scope required by the self-hosted runner API.
	Token string `yaml:"token"`
}

// RepoURL returns the https URL the runner registers against.
func (c GitHubConfig) RepoURL() string {
	return fmt.Sprintf("https://github.com/%s/%s", c.Owner, c.Repo)
}

// ---------------------------------------------------------------------------
// Runner
// ---------------------------------------------------------------------------

// RunnerConfig describes the runner side of the lifecycle.
type RunnerConfig struct {
	// Label identifies the runner. Generated on start when empty;
	// required on stop (use the value the start invocation emitted).
	Label string `yaml:"label"`

	// HomeDir points at a pre-installed runner directory on the image
	// (optional). When empty the boot script downloads the runner.
	HomeDir string `yaml:"home_dir"`

	// PreRunnerScript is executed before the runner is configured
	// (optional).
	PreRunnerScript string `yaml:"pre_runner_script"`

	// QuietPeriodSeconds is the delay before the first registration
	// lookup. Default: 30.
	QuietPeriodSeconds int `yaml:"quiet_period_seconds"`

	// RetryIntervalSeconds is the delay between registration lookups.
	// Default: 10.
	RetryIntervalSeconds int `yaml:"retry_interval_seconds"`

	// TimeoutMinutes bounds the registration wait. Default: 5.
	TimeoutMinutes int `yaml:"timeout_minutes"`
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

// EngineConfig selects and configures the compute backend.
type EngineConfig struct {
	// Type selects the compute backend: "ec2" (default), "gcp", "docker".
	Type string `yaml:"type"`

	// InstanceID identifies the instance to terminate in stop mode (use
	// the value the start invocation emitted).
	InstanceID string `yaml:"instance_id"`

	// EC2 holds AWS EC2 settings. Only read when Type == "ec2".
	EC2 EC2EngineConfig `yaml:"ec2"`

	// GCP holds GCP Compute Engine settings. Only read when Type == "gcp".
	GCP GCPEngineConfig `yaml:"gcp"`

	// Docker holds local Docker settings. Only read when Type == "docker".
	Docker DockerEngineConfig `yaml:"docker"`
}

// EC2EngineConfig holds AWS EC2 engine settings.
//
// Authentication uses the default AWS credential chain -- no credential
// fields are needed.
type EC2EngineConfig struct {
	// Region overrides the region from the credential chain (optional).
	Region string `yaml:"region"`

	// ImageID is the AMI to launch (required unless an override is set).
	ImageID string `yaml:"image_id"`

	// InstanceType is the EC2 instance type, e.g. "t3.micro".
	InstanceType string `yaml:"instance_type"`

	// SubnetID places the instance in a specific subnet.
	SubnetID string `yaml:"subnet_id"`

	// SecurityGroupID is attached to the instance (required unless an
	// override is set).
	SecurityGroupID string `yaml:"security_group_id"`

	// IAMInstanceProfile is the instance profile name to attach (optional).
	IAMInstanceProfile string `yaml:"iam_instance_profile"`

	// KeyName is an EC2 key pair for SSH access (optional).
	KeyName string `yaml:"key_name"`

	// RootDeviceName / RootVolumeSizeGB override the AMI's root volume
	// size (optional; set both).
	RootDeviceName   string `yaml:"root_device_name"`
	RootVolumeSizeGB int32  `yaml:"root_volume_size_gb"`

	// Tags are applied to the instance and its volumes.
	Tags []TagConfig `yaml:"tags"`

	// RunInstancesOverride is a raw JSON RunInstances request for callers
	// that need full control of provider fields. Its plain-text user data
	// may carry {{label}} and {{token}} placeholders.
	RunInstancesOverride string `yaml:"run_instances_override"`
}

// TagConfig is a key/value tag applied to launched resources.
type TagConfig struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

// GCPEngineConfig holds GCP Compute Engine settings.
//
// Authentication uses Application Default Credentials (ADC) -- no
// credential fields are needed.
type GCPEngineConfig struct {
	// Project is the GCP project ID (required when engine.type == "gcp").
	Project string `yaml:"project"`

	// Zone is the GCP zone for the runner VM (required).
	Zone string `yaml:"zone"`

	// MachineType is the Compute Engine machine type. Default: "e2-medium".
	MachineType string `yaml:"machine_type"`

	// Image is the full self-link or family URL of the boot image (required).
	Image string `yaml:"image"`

	// DiskSizeGB is the boot disk size in GB. Default: 50.
	DiskSizeGB int64 `yaml:"disk_size_gb"`

	// Network is the VPC network name. Default: "default".
	Network string `yaml:"network"`

	// Subnet is the subnetwork (optional).
	Subnet string `yaml:"subnet"`

	// PublicIP controls whether the runner VM gets an external IP.
	// Default: true. A *bool distinguishes "not set" from "false".
	PublicIP *bool `yaml:"public_ip"`

	// ServiceAccount is the service account email to attach (optional).
	ServiceAccount string `yaml:"service_account"`
}

// DockerEngineConfig holds local Docker engine settings.
type DockerEngineConfig struct {
	// Image is the runner container image.
	// Default: "ghcr.io/actions/actions-runner:latest".
	Image string `yaml:"image"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error. Default: info.
	Level string `yaml:"level"`
	// Format: text, json. Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OTLP push is active. Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318"). If
	// empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export. Default: true.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout (for debugging).
	StdOut bool `yaml:"stdout"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// If the file does not exist the returned Config contains zero values
// which must be filled via flag overrides before calling Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Config file is optional -- flags can supply everything.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.Engine.Type == "" {
		c.Engine.Type = "ec2"
	}
	if c.Runner.QuietPeriodSeconds == 0 {
		c.Runner.QuietPeriodSeconds = 30
	}
	if c.Runner.RetryIntervalSeconds == 0 {
		c.Runner.RetryIntervalSeconds = 10
	}
	if c.Runner.TimeoutMinutes == 0 {
		c.Runner.TimeoutMinutes = 5
	}
	if c.Engine.GCP.MachineType == "" {
		c.Engine.GCP.MachineType = "e2-medium"
	}
	if c.Engine.GCP.DiskSizeGB == 0 {
		c.Engine.GCP.DiskSizeGB = 50
	}
	if c.Engine.GCP.PublicIP == nil {
		t := true
		c.Engine.GCP.PublicIP = &t
	}
	if c.Engine.Docker.Image == "" {
		c.Engine.Docker.Image = "ghcr.io/actions/actions-runner:latest"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if !c.OTel.Enabled && c.OTel.Endpoint == "" {
		c.OTel.Insecure = true
	}
}

// Validate checks that all required fields for the selected mode are
// present and consistent. It fails fast, before any remote call is made.
func (c *Config) Validate(mode string) error {
	c.ApplyDefaults()

	if mode != ModeStart && mode != ModeStop {
		return fmt.Errorf("mode %q is not supported (supported: start, stop)", mode)
	}

	if c.GitHub.Owner == "" {
		return fmt.Errorf("github.owner is required")
	}
	if c.GitHub.Repo == "" {
		return fmt.Errorf("github.repo is required")
	}
	if c.GitHub.Token == "" {
		return fmt.Errorf("github.token is required")
	}

	if mode == ModeStop {
		return c.validateStop()
	}
	return c.validateStart()
}

func (c *Config) validateStart() error {
	switch c.Engine.Type {
	case "ec2":
		if c.Engine.EC2.RunInstancesOverride != "" {
			// The override controls all provider fields.
			return nil
		}
		if c.Engine.EC2.ImageID == "" {
			return fmt.Errorf("engine.ec2.image_id is required when engine.type is \"ec2\"")
		}
		if c.Engine.EC2.InstanceType == "" {
			return fmt.Errorf("engine.ec2.instance_type is required when engine.type is \"ec2\"")
		}
		if c.Engine.EC2.SubnetID == "" {
			return fmt.Errorf("engine.ec2.subnet_id is required when engine.type is \"ec2\"")
		}
		if c.Engine.EC2.SecurityGroupID == "" {
			return fmt.Errorf("engine.ec2.security_group_id is required when engine.type is \"ec2\"")
		}
	case "gcp":
		if c.Engine.GCP.Project == "" {
			return fmt.Errorf("engine.gcp.project is required when engine.type is \"gcp\"")
		}
		if c.Engine.GCP.Zone == "" {
			return fmt.Errorf("engine.gcp.zone is required when engine.type is \"gcp\"")
		}
		if c.Engine.GCP.Image == "" {
			return fmt.Errorf("engine.gcp.image is required when engine.type is \"gcp\"")
		}
	case "docker":
		// OK
	default:
		return fmt.Errorf("engine.type %q is not supported (supported: ec2, gcp, docker)", c.Engine.Type)
	}
	return nil
}

func (c *Config) validateStop() error {
	if c.Runner.Label == "" {
		return fmt.Errorf("runner.label is required in stop mode (use the label output of the start invocation)")
	}
	if c.Engine.InstanceID == "" {
		return fmt.Errorf("engine.instance_id is required in stop mode (use the instance id output of the start invocation)")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewGitHubClient creates an authenticated GitHub API client.
func (c *Config) NewGitHubClient() *github.Client {
	return github.NewClient(nil).WithAuthToken(c.GitHub.Token)
}

// WaitConfig returns the registration wait policy.
func (c *Config) WaitConfig() runner.WaitConfig {
	return runner.WaitConfig{
		QuietPeriod:   time.Duration(c.Runner.QuietPeriodSeconds) * time.Second,
		RetryInterval: time.Duration(c.Runner.RetryIntervalSeconds) * time.Second,
		Timeout:       time.Duration(c.Runner.TimeoutMinutes) * time.Minute,
	}
}

// NewEngine creates the compute engine selected by engine.type.
func (c *Config) NewEngine(ctx context.Context, logger *slog.Logger) (engine.Engine, error) {
	switch c.Engine.Type {
	case "ec2":
		tags := make([]ec2engine.Tag, len(c.Engine.EC2.Tags))
		for i, t := range c.Engine.EC2.Tags {
			tags[i] = ec2engine.Tag{Key: t.Key, Value: t.Value}
		}
		return ec2engine.New(ctx, ec2engine.Config{
			Region:               c.Engine.EC2.Region,
			ImageID:              c.Engine.EC2.ImageID,
			InstanceType:         c.Engine.EC2.InstanceType,
			SubnetID:             c.Engine.EC2.SubnetID,
			SecurityGroupID:      c.Engine.EC2.SecurityGroupID,
			IAMInstanceProfile:   c.Engine.EC2.IAMInstanceProfile,
			KeyName:              c.Engine.EC2.KeyName,
			RootDeviceName:       c.Engine.EC2.RootDeviceName,
			RootVolumeSizeGB:     c.Engine.EC2.RootVolumeSizeGB,
			Tags:                 tags,
			RunInstancesOverride: c.Engine.EC2.RunInstancesOverride,
		}, logger.WithGroup("engine.ec2"))
	case "gcp":
		return gcp.New(ctx, gcp.Config{
			Project:        c.Engine.GCP.Project,
			Zone:           c.Engine.GCP.Zone,
			MachineType:    c.Engine.GCP.MachineType,
			Image:          c.Engine.GCP.Image,
			DiskSizeGB:     c.Engine.GCP.DiskSizeGB,
			Network:        c.Engine.GCP.Network,
			Subnet:         c.Engine.GCP.Subnet,
			PublicIP:       *c.Engine.GCP.PublicIP,
			ServiceAccount: c.Engine.GCP.ServiceAccount,
		}, logger.WithGroup("engine.gcp"))
	case "docker":
		return docker.New(ctx, docker.Config{
			Image:   c.Engine.Docker.Image,
			RepoURL: c.GitHub.RepoURL(),
		}, logger.WithGroup("engine.docker"))
	default:
		return nil, fmt.Errorf("unsupported engine type: %s", c.Engine.Type)
	}
}
