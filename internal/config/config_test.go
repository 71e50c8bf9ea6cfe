package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// validEC2Config returns a minimal Config that passes Validate(ModeStart)
// with the EC2 engine.
func validEC2Config() *Config {
	return &Config{
		GitHub: GitHubConfig{
			Owner: "my-org",
			Repo:  "my-repo",
			Token: "ghp_test_token",
		},
		Engine: EngineConfig{
			Type: "ec2",
			EC2: EC2EngineConfig{
				ImageID:         "ami-0123456789abcdef0",
				InstanceType:    "t3.micro",
				SubnetID:        "subnet-abc",
				SecurityGroupID: "sg-abc",
			},
		},
	}
}

// validGCPConfig returns a minimal Config that passes Validate(ModeStart)
// with the GCP engine.
func validGCPConfig() *Config {
	return &Config{
		GitHub: GitHubConfig{
			Owner: "my-org",
			Repo:  "my-repo",
			Token: "ghp_test_token",
		},
		Engine: EngineConfig{
			Type: "gcp",
			GCP: GCPEngineConfig{
				Project: "my-project",
				Zone:    "us-central1-a",
				Image:   "projects/my-project/global/images/runner",
			},
		},
	}
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type ConfigValidationSuite struct {
	suite.Suite
}

func TestConfigValidationSuite(t *testing.T) {
	suite.Run(t, new(ConfigValidationSuite))
}

// ---------------------------------------------------------------------------
// Valid configs
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_ValidEC2Start() {
	cfg := validEC2Config()
	require.NoError(s.T(), cfg.Validate(ModeStart))
}

func (s *ConfigValidationSuite) TestValidate_ValidGCPStart() {
	cfg := validGCPConfig()
	require.NoError(s.T(), cfg.Validate(ModeStart))
}

func (s *ConfigValidationSuite) TestValidate_ValidDockerStart() {
	cfg := validEC2Config()
	cfg.Engine.Type = "docker"
	cfg.Engine.EC2 = EC2EngineConfig{}
	require.NoError(s.T(), cfg.Validate(ModeStart))
}

func (s *ConfigValidationSuite) TestValidate_ValidStop() {
	cfg := validEC2Config()
	cfg.Runner.Label = "ab3de"
	cfg.Engine.InstanceID = "i-0123"
	require.NoError(s.T(), cfg.Validate(ModeStop))
}

func (s *ConfigValidationSuite) TestValidate_UnknownMode() {
	cfg := validEC2Config()
	err := cfg.Validate("restart")
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "mode")
}

// ---------------------------------------------------------------------------
// GitHub validation
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_MissingOwner() {
	cfg := validEC2Config()
	cfg.GitHub.Owner = ""
	err := cfg.Validate(ModeStart)
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "github.owner")
}

func (s *ConfigValidationSuite) TestValidate_MissingRepo() {
	cfg := validEC2Config()
	cfg.GitHub.Repo = ""
	err := cfg.Validate(ModeStart)
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "github.repo")
}

func (s *ConfigValidationSuite) TestValidate_MissingToken() {
	cfg := validEC2Config()
	cfg.GitHub.Token = ""
	err := cfg.Validate(ModeStart)
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "github.token")
}

// ---------------------------------------------------------------------------
// Engine validation (start mode)
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_EC2_MissingImageID() {
	cfg := validEC2Config()
	cfg.Engine.EC2.ImageID = ""
	err := cfg.Validate(ModeStart)
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "image_id")
}

func (s *ConfigValidationSuite) TestValidate_EC2_MissingInstanceType() {
	cfg := validEC2Config()
	cfg.Engine.EC2.InstanceType = ""
	err := cfg.Validate(ModeStart)
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "instance_type")
}

func (s *ConfigValidationSuite) TestValidate_EC2_MissingSubnet() {
	cfg := validEC2Config()
	cfg.Engine.EC2.SubnetID = ""
	err := cfg.Validate(ModeStart)
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "subnet_id")
}

func (s *ConfigValidationSuite) TestValidate_EC2_MissingSecurityGroup() {
	cfg := validEC2Config()
	cfg.Engine.EC2.SecurityGroupID = ""
	err := cfg.Validate(ModeStart)
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "security_group_id")
}

func (s *ConfigValidationSuite) TestValidate_EC2_OverrideSkipsFieldChecks() {
	cfg := validEC2Config()
	cfg.Engine.EC2 = EC2EngineConfig{
		RunInstancesOverride: `{"ImageId":"ami-override"}`,
	}
	require.NoError(s.T(), cfg.Validate(ModeStart))
}

func (s *ConfigValidationSuite) TestValidate_GCP_MissingProject() {
	cfg := validGCPConfig()
	cfg.Engine.GCP.Project = ""
	err := cfg.Validate(ModeStart)
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "project")
}

func (s *ConfigValidationSuite) TestValidate_GCP_MissingZone() {
	cfg := validGCPConfig()
	cfg.Engine.GCP.Zone = ""
	err := cfg.Validate(ModeStart)
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "zone")
}

func (s *ConfigValidationSuite) TestValidate_GCP_MissingImage() {
	cfg := validGCPConfig()
	cfg.Engine.GCP.Image = ""
	err := cfg.Validate(ModeStart)
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "image")
}

func (s *ConfigValidationSuite) TestValidate_UnsupportedEngine() {
	cfg := validEC2Config()
	cfg.Engine.Type = "azure"
	err := cfg.Validate(ModeStart)
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "not supported")
}

// ---------------------------------------------------------------------------
// Stop mode validation
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_Stop_MissingLabel() {
	cfg := validEC2Config()
	cfg.Engine.InstanceID = "i-0123"
	err := cfg.Validate(ModeStop)
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "runner.label")
}

func (s *ConfigValidationSuite) TestValidate_Stop_MissingInstanceID() {
	cfg := validEC2Config()
	cfg.Runner.Label = "ab3de"
	err := cfg.Validate(ModeStop)
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "instance_id")
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestApplyDefaults_SetsExpectedValues() {
	cfg := &Config{}
	cfg.ApplyDefaults()

	assert.Equal(s.T(), "ec2", cfg.Engine.Type)
	assert.Equal(s.T(), 30, cfg.Runner.QuietPeriodSeconds)
	assert.Equal(s.T(), 10, cfg.Runner.RetryIntervalSeconds)
	assert.Equal(s.T(), 5, cfg.Runner.TimeoutMinutes)
	assert.Equal(s.T(), "e2-medium", cfg.Engine.GCP.MachineType)
	assert.Equal(s.T(), int64(50), cfg.Engine.GCP.DiskSizeGB)
	assert.NotNil(s.T(), cfg.Engine.GCP.PublicIP)
	assert.True(s.T(), *cfg.Engine.GCP.PublicIP)
	assert.Equal(s.T(), "ghcr.io/actions/actions-runner:latest", cfg.Engine.Docker.Image)
	assert.Equal(s.T(), "info", cfg.Logging.Level)
	assert.Equal(s.T(), "text", cfg.Logging.Format)
}

func (s *ConfigValidationSuite) TestWaitConfig_FromSeconds() {
	cfg := validEC2Config()
	cfg.ApplyDefaults()

	wc := cfg.WaitConfig()
	assert.Equal(s.T(), 30*time.Second, wc.QuietPeriod)
	assert.Equal(s.T(), 10*time.Second, wc.RetryInterval)
	assert.Equal(s.T(), 5*time.Minute, wc.Timeout)
}

func (s *ConfigValidationSuite) TestRepoURL() {
	cfg := validEC2Config()
	assert.Equal(s.T(), "https://github.com/my-org/my-repo", cfg.GitHub.RepoURL())
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestLoad_MissingFileIsEmptyConfig() {
	cfg, err := Load(filepath.Join(s.T().TempDir(), "nope.yaml"))
	require.NoError(s.T(), err)
	assert.Equal(s.T(), &Config{}, cfg)
}

func (s *ConfigValidationSuite) TestLoad_ParsesYAML() {
	path := filepath.Join(s.T().TempDir(), "config.yaml")
	data := `
github:
  owner: my-org
  repo: my-repo
  token: ghp_abc
engine:
  type: ec2
  ec2:
    image_id: ami-0123
    instance_type: t3.micro
    subnet_id: subnet-1
    security_group_id: sg-1
    tags:
      - key: team
        value: infra
runner:
  timeout_minutes: 7
`
	require.NoError(s.T(), os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "my-org", cfg.GitHub.Owner)
	assert.Equal(s.T(), "ami-0123", cfg.Engine.EC2.ImageID)
	assert.Equal(s.T(), 7, cfg.Runner.TimeoutMinutes)
	require.Len(s.T(), cfg.Engine.EC2.Tags, 1)
	assert.Equal(s.T(), "team", cfg.Engine.EC2.Tags[0].Key)
	require.NoError(s.T(), cfg.Validate(ModeStart))
}

func (s *ConfigValidationSuite) TestLoad_InvalidYAML() {
	path := filepath.Join(s.T().TempDir(), "config.yaml")
	require.NoError(s.T(), os.WriteFile(path, []byte("github: ["), 0o644))

	_, err := Load(path)
	assert.Error(s.T(), err)
}
