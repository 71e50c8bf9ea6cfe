// Package gcp implements the engine.Engine interface using Google Cloud
// Compute Engine to run an ephemeral GitHub Actions runner as a VM.
//
// Authentication uses Application Default Credentials (ADC). No
// credential fields exist in Config -- auth is handled by the environment
// (attached service account, Workload Identity Federation,
// GOOGLE_APPLICATION_CREDENTIALS, or gcloud auth application-default login).
package gcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	gax "github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/protobuf/proto"

	"github.com/msand/ec2-github-runner/internal/engine"
)

// Config holds GCP-specific engine settings.
type Config struct {
	// Project is the GCP project ID (required).
	Project string

	// Zone is the GCP zone where the runner VM is created (required).
	Zone string

	// MachineType is the Compute Engine machine type.
	// Default: "e2-medium".
	MachineType string

	// Image is the full self-link or family URL of the boot image
	// (required). Examples:
	//   "projects/my-project/global/images/runner-1234567890"
	//   "projects/debian-cloud/global/images/family/debian-12"
	Image string

	// DiskSizeGB is the boot disk size in GB. Default: 50.
	DiskSizeGB int64

	// Network is the VPC network (optional). Defaults to "default".
	Network string

	// Subnet is the subnetwork (optional). If empty, the default subnet
	// for the zone is used.
	Subnet string

	// PublicIP controls whether the runner VM gets an external IP.
	PublicIP bool

	// ServiceAccount is the GCP service account email to attach to the
	// runner VM (optional). If empty, the project's default compute
	// service account is used.
	ServiceAccount string

	// WaitTimeout bounds WaitRunning. Default: 5 minutes.
	WaitTimeout time.Duration
}

// operationWaiter matches *compute.Operation.
type operationWaiter interface {
	Wait(ctx context.Context, opts ...gax.CallOption) error
}

// instancesAPI is the slice of the Compute instances client the engine
// uses. The real client is wrapped by gceInstances; tests substitute a fake.
type instancesAPI interface {
	Insert(ctx context.Context, req *computepb.InsertInstanceRequest, opts ...gax.CallOption) (operationWaiter, error)
	Delete(ctx context.Context, req *computepb.DeleteInstanceRequest, opts ...gax.CallOption) (operationWaiter, error)
	Get(ctx context.Context, req *computepb.GetInstanceRequest, opts ...gax.CallOption) (*computepb.Instance, error)
	Close() error
}

// gceInstances adapts *compute.InstancesClient to instancesAPI.
type gceInstances struct {
	c *compute.InstancesClient
}

func (g gceInstances) Insert(ctx context.Context, req *computepb.InsertInstanceRequest, opts ...gax.CallOption) (operationWaiter, error) {
	op, err := g.c.Insert(ctx, req, opts...)
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (g gceInstances) Delete(ctx context.Context, req *computepb.DeleteInstanceRequest, opts ...gax.CallOption) (operationWaiter, error) {
	op, err := g.c.Delete(ctx, req, opts...)
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (g gceInstances) Get(ctx context.Context, req *computepb.GetInstanceRequest, opts ...gax.CallOption) (*computepb.Instance, error) {
	return g.c.Get(ctx, req, opts...)
}

func (g gceInstances) Close() error { return g.c.Close() }

// Engine manages a single GitHub Actions runner as a GCP Compute Engine VM.
type Engine struct {
	api    instancesAPI
	cfg    Config
	logger *slog.Logger

	// pollInterval between status lookups in WaitRunning.
	pollInterval time.Duration

	tracer trace.Tracer
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// New creates a GCP engine using Application Default Credentials.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcp instances client: %w", err)
	}

	logger.Info("gcp engine initialized",
		slog.String("project", cfg.Project),
		slog.String("zone", cfg.Zone),
		slog.String("machine_type", cfg.MachineType),
		slog.String("image", cfg.Image),
	)

	return newWithAPI(gceInstances{c: client}, cfg, logger), nil
}

func newWithAPI(api instancesAPI, cfg Config, logger *slog.Logger) *Engine {
	if cfg.MachineType == "" {
		cfg.MachineType = "e2-medium"
	}
	if cfg.DiskSizeGB == 0 {
		cfg.DiskSizeGB = 50
	}
	if cfg.Network == "" {
		cfg.Network = "default"
	}
	if cfg.WaitTimeout == 0 {
		cfg.WaitTimeout = 5 * time.Minute
	}
	return &Engine{
		api:          api,
		cfg:          cfg,
		logger:       logger,
		pollInterval: 5 * time.Second,
		tracer:       otel.Tracer("ec2-github-runner/engine/gcp"),
	}
}

// Launch creates a VM whose startup script registers and starts the
// runner. The VM name serves as the opaque instance id.
func (e *Engine) Launch(ctx context.Context, spec engine.LaunchSpec) (string, error) {
	ctx, span := e.tracer.Start(ctx, "engine.gcp.Launch")
	defer span.End()

	name := "runner-" + spec.Label
	span.SetAttributes(
		attribute.String("runner.label", spec.Label),
		attribute.String("gcp.instance_name", name),
		attribute.String("gcp.project", e.cfg.Project),
		attribute.String("gcp.zone", e.cfg.Zone),
	)

	instance := e.buildInstance(name, spec)

	e.logger.Info("launching runner VM",
		slog.String("name", name),
		slog.String("machine_type", e.cfg.MachineType),
		slog.String("zone", e.cfg.Zone),
	)

	op, err := e.api.Insert(ctx, &computepb.InsertInstanceRequest{
		Project:          e.cfg.Project,
		Zone:             e.cfg.Zone,
		InstanceResource: instance,
	})
	if err != nil {
		return "", fmt.Errorf("insert instance %s: %w", name, err)
	}

	span.AddEvent("waiting for GCP insert operation")
	if err := op.Wait(ctx); err != nil {
		return "", fmt.Errorf("waiting for insert of %s: %w", name, err)
	}

	e.logger.Info("runner VM launched", slog.String("name", name))
	return name, nil
}

// buildInstance assembles the VM resource. The boot script travels as
// startup-script metadata, which GCE executes on first boot.
func (e *Engine) buildInstance(name string, spec engine.LaunchSpec) *computepb.Instance {
	machineType := fmt.Sprintf("zones/%s/machineTypes/%s", e.cfg.Zone, e.cfg.MachineType)

	disk := &computepb.AttachedDisk{
		AutoDelete: proto.Bool(true),
		Boot:       proto.Bool(true),
		InitializeParams: &computepb.AttachedDiskInitializeParams{
			SourceImage: proto.String(e.cfg.Image),
			DiskSizeGb:  proto.Int64(e.cfg.DiskSizeGB),
			DiskType:    proto.String(fmt.Sprintf("zones/%s/diskTypes/pd-ssd", e.cfg.Zone)),
		},
	}

	nic := &computepb.NetworkInterface{
		Network: proto.String(fmt.Sprintf("global/networks/%s", e.cfg.Network)),
	}
	if e.cfg.Subnet != "" {
		nic.Subnetwork = proto.String(e.cfg.Subnet)
	}
	if e.cfg.PublicIP {
		nic.AccessConfigs = []*computepb.AccessConfig{
			{
				Name: proto.String("External NAT"),
				Type: proto.String("ONE_TO_ONE_NAT"),
			},
		}
	}

	instance := &computepb.Instance{
		Name:              proto.String(name),
		MachineType:       proto.String(machineType),
		Disks:             []*computepb.AttachedDisk{disk},
		NetworkInterfaces: []*computepb.NetworkInterface{nic},
		Metadata: &computepb.Metadata{
			Items: []*computepb.Items{
				{
					Key:   proto.String("startup-script"),
					Value: proto.String(spec.Script),
				},
			},
		},
		Labels: map[string]string{"runner-label": spec.Label},
	}

	if e.cfg.ServiceAccount != "" {
		instance.ServiceAccounts = []*computepb.ServiceAccount{
			{
				Email:  proto.String(e.cfg.ServiceAccount),
				Scopes: []string{"https://www.googleapis.com/auth/cloud-platform"},
			},
		}
	}

	return instance
}

// WaitRunning polls the instance status until it reports RUNNING, the
// instance enters a failure state, or cfg.WaitTimeout elapses.
func (e *Engine) WaitRunning(ctx context.Context, id string) error {
	ctx, span := e.tracer.Start(ctx, "engine.gcp.WaitRunning")
	defer span.End()

	span.SetAttributes(attribute.String("gcp.instance_name", id))

	e.logger.Info("waiting for VM to reach RUNNING",
		slog.String("name", id),
		slog.Duration("timeout", e.cfg.WaitTimeout),
	)

	deadline := time.Now().Add(e.cfg.WaitTimeout)
	for {
		instance, err := e.api.Get(ctx, &computepb.GetInstanceRequest{
			Project:  e.cfg.Project,
			Zone:     e.cfg.Zone,
			Instance: id,
		})
		if err != nil {
			return fmt.Errorf("get instance %s: %w", id, err)
		}

		switch status := instance.GetStatus(); status {
		case "RUNNING":
			e.logger.Info("VM is running", slog.String("name", id))
			return nil
		case "STOPPING", "TERMINATED", "SUSPENDED":
			return &engine.UnexpectedStateError{Op: "wait for " + id, State: status}
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("instance %s did not reach RUNNING within %s (last status %q)",
				id, e.cfg.WaitTimeout, instance.GetStatus())
		}

		if err := gax.Sleep(ctx, e.pollInterval); err != nil {
			return fmt.Errorf("waiting for instance %s: %w", id, err)
		}
	}
}

// Terminate permanently deletes the VM identified by id. It is
// idempotent -- deleting an already-deleted VM is not an error.
func (e *Engine) Terminate(ctx context.Context, id string) error {
	ctx, span := e.tracer.Start(ctx, "engine.gcp.Terminate")
	defer span.End()

	span.SetAttributes(
		attribute.String("gcp.instance_name", id),
		attribute.String("gcp.project", e.cfg.Project),
		attribute.String("gcp.zone", e.cfg.Zone),
	)

	e.logger.Info("deleting runner VM", slog.String("name", id))

	op, err := e.api.Delete(ctx, &computepb.DeleteInstanceRequest{
		Project:  e.cfg.Project,
		Zone:     e.cfg.Zone,
		Instance: id,
	})
	if err != nil {
		if isNotFound(err) {
			e.logger.Info("runner VM already deleted", slog.String("name", id))
			return nil
		}
		return fmt.Errorf("delete instance %s: %w", id, err)
	}

	if err := op.Wait(ctx); err != nil {
		// Race between delete and the operation check.
		if isNotFound(err) {
			e.logger.Info("runner VM already deleted", slog.String("name", id))
			return nil
		}
		return fmt.Errorf("waiting for delete of %s: %w", id, err)
	}

	e.logger.Info("runner VM deleted", slog.String("name", id))
	return nil
}

// Close releases the underlying API client.
func (e *Engine) Close() error {
	return e.api.Close()
}

// isNotFound reports whether err is a "not found" (404) error from the
// GCP API. google-cloud-go wraps googleapi.Error through several layers,
// so the error string is matched instead of type-asserting through them.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	for _, pattern := range []string{"Error 404", "code = NotFound", "notFound"} {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}
