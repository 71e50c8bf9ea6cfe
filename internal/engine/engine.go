// Package engine defines the abstraction for cloud backends that host a
// single ephemeral GitHub Actions runner. Each backend (EC2, GCP, Docker)
// implements the Engine interface so the lifecycle orchestration remains
// compute-agnostic.
package engine

import (
	"context"
	"errors"
	"fmt"
)

// LaunchSpec carries everything a backend needs to boot one runner host.
//
// Script is the plain-text boot script produced by the bootstrap builder.
// It already embeds Label and RegistrationToken; backends that accept a
// raw request override still receive Label and RegistrationToken directly
// so they can substitute caller-supplied placeholders.
type LaunchSpec struct {
	// Label uniquely identifies the runner created for this invocation.
	Label string

	// RegistrationToken is the single-use secret that authorizes the
	// runner to register itself with GitHub.
	RegistrationToken string

	// Script is the boot script the instance executes on first boot.
	Script string
}

// Engine is the contract every compute backend must satisfy.
//
// An invocation manages exactly one instance: Launch returns its opaque
// identifier, WaitRunning blocks until the instance reports a running
// state, and Terminate permanently destroys it. Every call is
// attempt-once; retries, where they exist at all, live in the callers.
type Engine interface {
	// Launch submits a single launch request and returns the identifier
	// the provider assigned to the new instance.
	Launch(ctx context.Context, spec LaunchSpec) (id string, err error)

	// WaitRunning blocks until the instance reaches a running state or a
	// bounded timeout elapses.
	WaitRunning(ctx context.Context, id string) error

	// Terminate requests termination of the instance. Backends must treat
	// an already-gone instance as terminated where the provider lets them
	// tell the difference.
	Terminate(ctx context.Context, id string) error

	// Close releases any underlying API clients.
	Close() error
}

// ErrNoInstanceID reports a launch call that succeeded at the transport
// level but returned no instance identifier. The instance may or may not
// exist server-side; no cleanup is attempted.
var ErrNoInstanceID = errors.New("provider returned no instance id")

// UnexpectedStateError reports a provider response that succeeded at the
// transport level but carried an instance state the backend does not
// recognize. It is distinct from a transport error so callers can tell a
// malformed-but-delivered response from a failed call.
type UnexpectedStateError struct {
	Op    string
	State string
}

func (e *UnexpectedStateError) Error() string {
	return fmt.Sprintf("%s: unexpected instance state %q", e.Op, e.State)
}
