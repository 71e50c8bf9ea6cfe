// Package lifecycle orchestrates the two control paths of an invocation:
// start (token → launch → wait running → wait registered) and stop
// (terminate → remove runner). Steps run in strict sequence; the first
// fatal error aborts the remaining steps.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/msand/ec2-github-runner/internal/engine"
)

// labelLength is the length of a generated runner label. Labels only need
// to be practically unique per workflow run.
const labelLength = 5

// RunnerService is the CI-side collaborator: token issuance, registration
// waiting, and removal. *runner.Service satisfies it.
type RunnerService interface {
	CreateRegistrationToken(ctx context.Context) (string, error)
	WaitForRegistration(ctx context.Context, label string) error
	Remove(ctx context.Context, label string) error
}

// Config holds the collaborators and the identifiers threaded through the
// steps.
type Config struct {
	Engine  engine.Engine
	Runners RunnerService

	// BuildScript produces the instance boot script for a label/token pair.
	BuildScript func(label, token string) string

	// Outputs is where (label, instance id) are emitted on the start path.
	Outputs OutputWriter

	// Label is required on the stop path; on the start path it is
	// normally empty and generated fresh.
	Label string

	// InstanceID identifies the instance to terminate on the stop path.
	InstanceID string

	Logger *slog.Logger
}

// Controller sequences the lifecycle steps and maps any step failure into
// a terminal error for the process.
type Controller struct {
	cfg    Config
	logger *slog.Logger

	tracer trace.Tracer

	startDuration metric.Float64Histogram
	stepFailures  metric.Int64Counter
}

// New creates a Controller.
func New(cfg Config) *Controller {
	c := &Controller{
		cfg:    cfg,
		logger: cfg.Logger,
		tracer: otel.Tracer("ec2-github-runner/lifecycle"),
	}

	meter := otel.Meter("ec2-github-runner/lifecycle")
	var err error
	c.startDuration, err = meter.Float64Histogram(
		"lifecycle.start.duration",
		metric.WithDescription("Time from token fetch to registered runner (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(30, 60, 120, 180, 300, 600),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create start duration histogram", slog.String("error", err.Error()))
	}
	c.stepFailures, err = meter.Int64Counter(
		"lifecycle.step.failures",
		metric.WithDescription("Lifecycle steps that ended in a fatal error"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create step failure counter", slog.String("error", err.Error()))
	}

	return c
}

// Start provisions an instance, emits its identifiers, and waits until
// the runner on it is registered and online.
//
// The (label, instance id) outputs are emitted immediately after launch,
// before the instance is confirmed running, so they stay recoverable for
// a stop invocation even when a later step fails.
func (c *Controller) Start(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "lifecycle.Start")
	defer span.End()

	started := time.Now()

	label := c.cfg.Label
	if label == "" {
		label = newLabel()
	}
	span.SetAttributes(attribute.String("runner.label", label))
	c.logger.Info("starting ephemeral runner", slog.String("label", label))

	token, err := c.cfg.Runners.CreateRegistrationToken(ctx)
	if err != nil {
		return c.fail("registration-token", label, err)
	}

	id, err := c.cfg.Engine.Launch(ctx, engine.LaunchSpec{
		Label:             label,
		RegistrationToken: token,
		Script:            c.cfg.BuildScript(label, token),
	})
	if err != nil {
		return c.fail("launch", label, err)
	}
	span.SetAttributes(attribute.String("instance.id", id))

	if err := c.cfg.Outputs.Set(OutputLabel, label); err != nil {
		return c.fail("outputs", label, err)
	}
	if err := c.cfg.Outputs.Set(OutputInstanceID, id); err != nil {
		return c.fail("outputs", label, err)
	}

	if err := c.cfg.Engine.WaitRunning(ctx, id); err != nil {
		return c.fail("wait-running", id, err)
	}

	if err := c.cfg.Runners.WaitForRegistration(ctx, label); err != nil {
		return c.fail("wait-registration", label, err)
	}

	if c.startDuration != nil {
		c.startDuration.Record(ctx, time.Since(started).Seconds())
	}
	c.logger.Info("runner is ready",
		slog.String("label", label),
		slog.String("instance_id", id),
		slog.Duration("elapsed", time.Since(started).Round(time.Second)),
	)
	return nil
}

// Stop terminates the instance and removes the runner registration. The
// chain is linear: a fatal terminate error aborts before removal is
// attempted.
func (c *Controller) Stop(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "lifecycle.Stop")
	defer span.End()

	span.SetAttributes(
		attribute.String("runner.label", c.cfg.Label),
		attribute.String("instance.id", c.cfg.InstanceID),
	)
	c.logger.Info("stopping ephemeral runner",
		slog.String("label", c.cfg.Label),
		slog.String("instance_id", c.cfg.InstanceID),
	)

	if err := c.cfg.Engine.Terminate(ctx, c.cfg.InstanceID); err != nil {
		return c.fail("terminate", c.cfg.InstanceID, err)
	}

	if err := c.cfg.Runners.Remove(ctx, c.cfg.Label); err != nil {
		return c.fail("remove-runner", c.cfg.Label, err)
	}

	c.logger.Info("runner stopped",
		slog.String("label", c.cfg.Label),
		slog.String("instance_id", c.cfg.InstanceID),
	)
	return nil
}

// fail logs a step failure with its identifier before propagating, so a
// single failure is traceable without retries obscuring the root cause.
func (c *Controller) fail(step, id string, err error) error {
	if c.stepFailures != nil {
		c.stepFailures.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("step", step)))
	}
	c.logger.Error("lifecycle step failed",
		slog.String("step", step),
		slog.String("id", id),
		slog.String("error", err.Error()),
	)
	return fmt.Errorf("%s: %w", step, err)
}

// newLabel generates the opaque token that correlates the cloud instance
// with the registered runner.
func newLabel() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:labelLength]
}
