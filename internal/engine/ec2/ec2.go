// Package ec2 implements the engine.Engine interface using AWS EC2 to run
// an ephemeral GitHub Actions runner as a VM.
//
// Authentication uses the default AWS credential chain (environment,
// shared config, instance role). No credential fields exist in Config.
package ec2

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsec2 "github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/msand/ec2-github-runner/internal/engine"
)

// Placeholders recognized inside a caller-supplied run-instances override.
// When the override's user data contains either of them, the generated
// label and registration token are substituted in place of overwriting the
// override's payload.
const (
	LabelPlaceholder = "{{label}}"
	TokenPlaceholder = "{{token}}"
)

// Lifecycle state codes EC2 reports after a terminate call. Only codes
// that name a terminal or transitional shutdown state count as success.
// The high byte of the code carries internal flags and is masked off.
var stateNames = map[int32]string{
	32: "shutting-down",
	48: "terminated",
	64: "stopping",
	80: "stopped",
}

// Config holds EC2-specific engine settings.
type Config struct {
	// Region overrides the region from the default credential chain
	// (optional).
	Region string

	// ImageID is the AMI to launch (required unless an override is set).
	ImageID string

	// InstanceType is the EC2 instance type, e.g. "t3.micro".
	InstanceType string

	// SubnetID places the instance in a specific subnet.
	SubnetID string

	// SecurityGroupID is attached to the instance's network interface.
	SecurityGroupID string

	// IAMInstanceProfile is the name of an instance profile to attach
	// (optional).
	IAMInstanceProfile string

	// KeyName is an EC2 key pair name for SSH access (optional).
	KeyName string

	// RootDeviceName and RootVolumeSizeGB override the AMI's root volume
	// size (optional; both must be set together).
	RootDeviceName   string
	RootVolumeSizeGB int32

	// Tags are applied to the instance and its volumes at launch.
	Tags []Tag

	// RunInstancesOverride is a raw JSON-encoded RunInstances request.
	// When set it is used verbatim except for user data: an override
	// without user data gets the generated boot script injected, and an
	// override whose user data carries {{label}} / {{token}} placeholders
	// gets those substituted into its own payload. User data in the
	// override is plain text; base64 encoding is applied here.
	RunInstancesOverride string

	// WaitTimeout bounds WaitRunning. Default: 5 minutes.
	WaitTimeout time.Duration
}

// Tag is a key/value pair applied to launched resources.
type Tag struct {
	Key   string
	Value string
}

// ec2API is the slice of the EC2 client the engine uses. *awsec2.Client
// satisfies it; tests substitute a fake.
type ec2API interface {
	RunInstances(ctx context.Context, params *awsec2.RunInstancesInput, optFns ...func(*awsec2.Options)) (*awsec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *awsec2.TerminateInstancesInput, optFns ...func(*awsec2.Options)) (*awsec2.TerminateInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *awsec2.DescribeInstancesInput, optFns ...func(*awsec2.Options)) (*awsec2.DescribeInstancesOutput, error)
}

// runningWaiter matches *awsec2.InstanceRunningWaiter so tests can avoid
// the SDK's real polling cadence.
type runningWaiter interface {
	Wait(ctx context.Context, params *awsec2.DescribeInstancesInput, maxWaitDur time.Duration, optFns ...func(*awsec2.InstanceRunningWaiterOptions)) error
}

// Engine manages a single GitHub Actions runner as an EC2 VM.
type Engine struct {
	api    ec2API
	waiter runningWaiter
	cfg    Config
	logger *slog.Logger

	tracer trace.Tracer
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// New creates an EC2 engine using the default AWS credential chain.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := awsec2.NewFromConfig(awsCfg)

	logger.Info("ec2 engine initialized",
		slog.String("region", awsCfg.Region),
		slog.String("image_id", cfg.ImageID),
		slog.String("instance_type", cfg.InstanceType),
	)

	return newWithClient(client, awsec2.NewInstanceRunningWaiter(client), cfg, logger), nil
}

func newWithClient(api ec2API, waiter runningWaiter, cfg Config, logger *slog.Logger) *Engine {
	if cfg.WaitTimeout == 0 {
		cfg.WaitTimeout = 5 * time.Minute
	}
	return &Engine{
		api:    api,
		waiter: waiter,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("ec2-github-runner/engine/ec2"),
	}
}

// Launch submits a single RunInstances request and returns the assigned
// instance id. The call is attempt-once: on failure an instance may or may
// not exist server-side, and no cleanup is attempted.
func (e *Engine) Launch(ctx context.Context, spec engine.LaunchSpec) (string, error) {
	ctx, span := e.tracer.Start(ctx, "engine.ec2.Launch")
	defer span.End()

	span.SetAttributes(attribute.String("runner.label", spec.Label))

	input, err := e.buildRunInstancesInput(spec)
	if err != nil {
		return "", err
	}

	e.logger.Info("launching runner instance",
		slog.String("label", spec.Label),
		slog.String("image_id", aws.ToString(input.ImageId)),
		slog.String("instance_type", string(input.InstanceType)),
	)

	out, err := e.api.RunInstances(ctx, input)
	if err != nil {
		return "", fmt.Errorf("run instances: %w", err)
	}

	if len(out.Instances) == 0 || out.Instances[0].InstanceId == nil {
		return "", fmt.Errorf("run instances for label %s: %w", spec.Label, engine.ErrNoInstanceID)
	}

	id := aws.ToString(out.Instances[0].InstanceId)
	span.SetAttributes(attribute.String("ec2.instance_id", id))

	e.logger.Info("runner instance launched",
		slog.String("label", spec.Label),
		slog.String("instance_id", id),
	)

	return id, nil
}

// WaitRunning blocks until the instance reaches the running state, using
// the SDK's instance-running waiter, bounded by cfg.WaitTimeout.
func (e *Engine) WaitRunning(ctx context.Context, id string) error {
	ctx, span := e.tracer.Start(ctx, "engine.ec2.WaitRunning")
	defer span.End()

	span.SetAttributes(attribute.String("ec2.instance_id", id))

	e.logger.Info("waiting for instance to reach running state",
		slog.String("instance_id", id),
		slog.Duration("timeout", e.cfg.WaitTimeout),
	)

	err := e.waiter.Wait(ctx, &awsec2.DescribeInstancesInput{
		InstanceIds: []string{id},
	}, e.cfg.WaitTimeout)
	if err != nil {
		return fmt.Errorf("instance %s did not reach running state within %s: %w", id, e.cfg.WaitTimeout, err)
	}

	e.logger.Info("instance is running", slog.String("instance_id", id))
	return nil
}

// Terminate issues a single terminate request and inspects the lifecycle
// state code the provider reports back. A recognized shutdown state is
// success; anything else is an unexpected-state error carrying the raw
// code for diagnosis.
func (e *Engine) Terminate(ctx context.Context, id string) error {
	ctx, span := e.tracer.Start(ctx, "engine.ec2.Terminate")
	defer span.End()

	span.SetAttributes(attribute.String("ec2.instance_id", id))

	out, err := e.api.TerminateInstances(ctx, &awsec2.TerminateInstancesInput{
		InstanceIds: []string{id},
	})
	if err != nil {
		return fmt.Errorf("terminate instance %s: %w", id, err)
	}

	if len(out.TerminatingInstances) == 0 || out.TerminatingInstances[0].CurrentState == nil {
		return &engine.UnexpectedStateError{Op: "terminate " + id, State: "<missing>"}
	}

	code := aws.ToInt32(out.TerminatingInstances[0].CurrentState.Code) & 0xff
	name, ok := stateNames[code]
	if !ok {
		return &engine.UnexpectedStateError{Op: "terminate " + id, State: strconv.Itoa(int(code))}
	}

	e.logger.Info("runner instance "+name,
		slog.String("instance_id", id),
		slog.Int("state_code", int(code)),
	)

	return nil
}

// Close is a no-op; the EC2 client holds no long-lived connections.
func (e *Engine) Close() error { return nil }

// buildRunInstancesInput assembles the launch request, either from the
// caller-supplied raw override or from the named configuration fields.
func (e *Engine) buildRunInstancesInput(spec engine.LaunchSpec) (*awsec2.RunInstancesInput, error) {
	if e.cfg.RunInstancesOverride != "" {
		return e.buildFromOverride(spec)
	}

	input := &awsec2.RunInstancesInput{
		ImageId:      aws.String(e.cfg.ImageID),
		InstanceType: types.InstanceType(e.cfg.InstanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		UserData:     aws.String(encodeUserData(spec.Script)),
	}

	if e.cfg.SubnetID != "" {
		input.SubnetId = aws.String(e.cfg.SubnetID)
	}
	if e.cfg.SecurityGroupID != "" {
		input.SecurityGroupIds = []string{e.cfg.SecurityGroupID}
	}
	if e.cfg.IAMInstanceProfile != "" {
		input.IamInstanceProfile = &types.IamInstanceProfileSpecification{
			Name: aws.String(e.cfg.IAMInstanceProfile),
		}
	}
	if e.cfg.KeyName != "" {
		input.KeyName = aws.String(e.cfg.KeyName)
	}
	if e.cfg.RootDeviceName != "" && e.cfg.RootVolumeSizeGB > 0 {
		input.BlockDeviceMappings = []types.BlockDeviceMapping{
			{
				DeviceName: aws.String(e.cfg.RootDeviceName),
				Ebs: &types.EbsBlockDevice{
					VolumeSize:          aws.Int32(e.cfg.RootVolumeSizeGB),
					DeleteOnTermination: aws.Bool(true),
				},
			},
		}
	}
	if len(e.cfg.Tags) > 0 {
		tags := make([]types.Tag, len(e.cfg.Tags))
		for i, t := range e.cfg.Tags {
			tags[i] = types.Tag{Key: aws.String(t.Key), Value: aws.String(t.Value)}
		}
		input.TagSpecifications = []types.TagSpecification{
			{ResourceType: types.ResourceTypeInstance, Tags: tags},
			{ResourceType: types.ResourceTypeVolume, Tags: tags},
		}
	}

	return input, nil
}

// buildFromOverride parses the raw JSON override. The override controls
// every provider field; only user data is touched, following the
// substitution policy documented on Config.RunInstancesOverride.
func (e *Engine) buildFromOverride(spec engine.LaunchSpec) (*awsec2.RunInstancesInput, error) {
	input := &awsec2.RunInstancesInput{}
	if err := json.Unmarshal([]byte(e.cfg.RunInstancesOverride), input); err != nil {
		return nil, fmt.Errorf("parsing run instances override: %w", err)
	}

	switch {
	case input.UserData == nil || *input.UserData == "":
		input.UserData = aws.String(encodeUserData(spec.Script))
	case hasPlaceholders(*input.UserData):
		substituted := strings.ReplaceAll(*input.UserData, LabelPlaceholder, spec.Label)
		substituted = strings.ReplaceAll(substituted, TokenPlaceholder, spec.RegistrationToken)
		input.UserData = aws.String(encodeUserData(substituted))
	default:
		input.UserData = aws.String(encodeUserData(*input.UserData))
	}

	if input.MinCount == nil {
		input.MinCount = aws.Int32(1)
	}
	if input.MaxCount == nil {
		input.MaxCount = aws.Int32(1)
	}

	return input, nil
}

func hasPlaceholders(s string) bool {
	return strings.Contains(s, LabelPlaceholder) || strings.Contains(s, TokenPlaceholder)
}

func encodeUserData(script string) string {
	return base64.StdEncoding.EncodeToString([]byte(script))
}
