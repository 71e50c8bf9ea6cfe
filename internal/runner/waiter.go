package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gax "github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// State is a phase of the registration wait.
type State string

const (
	// StateQuietPeriod is the initial fixed delay before the first
	// lookup, covering expected instance boot time. Looking up
	// immediately would spuriously report "not found".
	StateQuietPeriod State = "quiet-period"
	// StatePolling means lookups are in flight, one at a time.
	StatePolling State = "polling"
	// StateRegistered is the terminal success state.
	StateRegistered State = "registered"
	// StateTimedOut is the terminal failure state.
	StateTimedOut State = "timed-out"
)

// WaitConfig bounds the registration wait.
type WaitConfig struct {
	// QuietPeriod is slept once before the first lookup. Default: 30s.
	QuietPeriod time.Duration
	// RetryInterval is slept between lookups. Default: 10s.
	RetryInterval time.Duration
	// Timeout bounds the polling phase; attempts = ceil(Timeout /
	// RetryInterval). Default: 5 minutes.
	Timeout time.Duration
}

func (c *WaitConfig) applyDefaults() {
	if c.QuietPeriod == 0 {
		c.QuietPeriod = 30 * time.Second
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = 10 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Minute
	}
}

// TimeoutError reports that the runner did not come online within the
// configured timeout. It is distinguished from transport errors by type
// and by message.
type TimeoutError struct {
	Label    string
	Timeout  time.Duration
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("runner with label %q is not online after %s (%d lookups); the instance may have failed to boot or self-register",
		e.Label, e.Timeout, e.Attempts)
}

// RegistrationWaiter drives the quiet-period → polling → registered /
// timed-out state machine for one label. Lookups are strictly sequential;
// the next poll is scheduled only after the previous lookup returns.
type RegistrationWaiter struct {
	client *Client
	cfg    WaitConfig
	logger *slog.Logger

	state State

	polls        metric.Int64Counter
	waitDuration metric.Float64Histogram
}

// NewRegistrationWaiter creates a waiter that polls c for the runner.
func NewRegistrationWaiter(c *Client, cfg WaitConfig, logger *slog.Logger) *RegistrationWaiter {
	cfg.applyDefaults()

	w := &RegistrationWaiter{
		client: c,
		cfg:    cfg,
		logger: logger,
		state:  StateQuietPeriod,
	}

	meter := otel.Meter("ec2-github-runner/runner")
	var err error
	w.polls, err = meter.Int64Counter(
		"runner.registration.polls",
		metric.WithDescription("Total number of registration lookups performed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create polls counter", slog.String("error", err.Error()))
	}
	w.waitDuration, err = meter.Float64Histogram(
		"runner.registration.wait.duration",
		metric.WithDescription("Time until the runner came online (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(15, 30, 60, 120, 180, 300),
	)
	if err != nil {
		logger.Warn("failed to create wait duration histogram", slog.String("error", err.Error()))
	}

	return w
}

// State returns the waiter's current phase.
func (w *RegistrationWaiter) State() State { return w.state }

// Wait blocks until the runner carrying label reports "online" or the
// configured timeout elapses. Once started it runs to completion; the
// only external cancellation is the process context.
func (w *RegistrationWaiter) Wait(ctx context.Context, label string) error {
	ctx, span := w.client.tracer.Start(ctx, "runner.WaitForRegistration")
	defer span.End()

	span.SetAttributes(attribute.String("runner.label", label))

	attempts := int((w.cfg.Timeout + w.cfg.RetryInterval - 1) / w.cfg.RetryInterval)
	start := time.Now()

	w.state = StateQuietPeriod
	w.logger.Info("waiting for runner to self-register",
		slog.String("label", label),
		slog.Duration("quiet_period", w.cfg.QuietPeriod),
		slog.Duration("retry_interval", w.cfg.RetryInterval),
		slog.Duration("timeout", w.cfg.Timeout),
	)
	if err := gax.Sleep(ctx, w.cfg.QuietPeriod); err != nil {
		return fmt.Errorf("registration wait for %s: %w", label, err)
	}

	w.state = StatePolling
	for attempt := 1; ; attempt++ {
		if w.polls != nil {
			w.polls.Add(ctx, 1)
		}

		r := w.client.FindByLabel(ctx, label)
		if r != nil && r.GetStatus() == statusOnline {
			w.state = StateRegistered
			if w.waitDuration != nil {
				w.waitDuration.Record(ctx, time.Since(start).Seconds())
			}
			w.logger.Info("runner is registered and online",
				slog.String("label", label),
				slog.String("name", r.GetName()),
				slog.Int64("runner_id", r.GetID()),
				slog.Int("attempts", attempt),
			)
			return nil
		}

		if attempt >= attempts {
			w.state = StateTimedOut
			err := &TimeoutError{Label: label, Timeout: w.cfg.Timeout, Attempts: attempt}
			w.logger.Error("runner registration timed out",
				slog.String("label", label),
				slog.Duration("timeout", w.cfg.Timeout),
				slog.Int("attempts", attempt),
			)
			return err
		}

		w.logger.Debug("runner not online yet",
			slog.String("label", label),
			slog.Int("attempt", attempt),
			slog.Int("attempts_remaining", attempts-attempt),
		)
		if err := gax.Sleep(ctx, w.cfg.RetryInterval); err != nil {
			return fmt.Errorf("registration wait for %s: %w", label, err)
		}
	}
}
