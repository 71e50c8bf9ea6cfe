// Package runner wraps the GitHub Actions self-hosted runner API:
// registration token issuance, label-based lookup, registration waiting,
// and removal. The runner record itself is created server-side when the
// instance boots and self-registers; this package only observes it.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/go-github/v57/github"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// statusOnline is the runner status that marks registration as complete.
const statusOnline = "online"

// listPageSize is the per-page size used when scanning the runner list.
const listPageSize = 100

// actionsAPI is the slice of the go-github Actions service the client
// uses. *github.ActionsService satisfies it; tests substitute a fake.
type actionsAPI interface {
	CreateRegistrationToken(ctx context.Context, owner, repo string) (*github.RegistrationToken, *github.Response, error)
	ListRunners(ctx context.Context, owner, repo string, opts *github.ListOptions) (*github.Runners, *github.Response, error)
	RemoveRunner(ctx context.Context, owner, repo string, runnerID int64) (*github.Response, error)
}

// Client talks to the runner API of a single repository.
type Client struct {
	api    actionsAPI
	owner  string
	repo   string
	logger *slog.Logger

	tracer trace.Tracer
}

// NewClient creates a Client for owner/repo backed by gh.
func NewClient(gh *github.Client, owner, repo string, logger *slog.Logger) *Client {
	return newClient(gh.Actions, owner, repo, logger)
}

func newClient(api actionsAPI, owner, repo string, logger *slog.Logger) *Client {
	return &Client{
		api:    api,
		owner:  owner,
		repo:   repo,
		logger: logger,
		tracer: otel.Tracer("ec2-github-runner/runner"),
	}
}

// CreateRegistrationToken requests a single-use registration token for
// the repository. Any API error is fatal: without a token the rest of the
// start path is meaningless, so there is no retry.
func (c *Client) CreateRegistrationToken(ctx context.Context) (string, error) {
	ctx, span := c.tracer.Start(ctx, "runner.CreateRegistrationToken")
	defer span.End()

	token, _, err := c.api.CreateRegistrationToken(ctx, c.owner, c.repo)
	if err != nil {
		c.logger.Error("registration token request failed",
			slog.String("repo", c.owner+"/"+c.repo),
			slog.String("error", err.Error()),
		)
		return "", fmt.Errorf("creating registration token for %s/%s: %w", c.owner, c.repo, err)
	}

	c.logger.Info("registration token issued", slog.String("repo", c.owner+"/"+c.repo))
	return token.GetToken(), nil
}

// FindByLabel scans the repository's (paginated) runner list for the
// first runner whose label set contains label. It returns nil when no
// runner matches. Transport errors are deliberately swallowed and treated
// as absence -- logged, never surfaced -- so a transient API hiccup does
// not abort the registration wait. This is the one recoverable-by-retry
// point in the system.
func (c *Client) FindByLabel(ctx context.Context, label string) *github.Runner {
	ctx, span := c.tracer.Start(ctx, "runner.FindByLabel")
	defer span.End()

	span.SetAttributes(attribute.String("runner.label", label))

	opts := &github.ListOptions{PerPage: listPageSize}
	for {
		runners, resp, err := c.api.ListRunners(ctx, c.owner, c.repo, opts)
		if err != nil {
			c.logger.Warn("listing runners failed, treating as not found",
				slog.String("label", label),
				slog.String("error", err.Error()),
			)
			return nil
		}

		for _, r := range runners.Runners {
			for _, l := range r.Labels {
				if l.GetName() == label {
					return r
				}
			}
		}

		if resp.NextPage == 0 {
			return nil
		}
		opts.Page = resp.NextPage
	}
}

// Remove deletes the runner carrying label, if one exists. A missing
// runner is a completed no-op: the instance may have deregistered itself,
// or never registered at all. Deletion must be acknowledged with a
// 204 No Content; anything else is fatal.
func (c *Client) Remove(ctx context.Context, label string) error {
	ctx, span := c.tracer.Start(ctx, "runner.Remove")
	defer span.End()

	span.SetAttributes(attribute.String("runner.label", label))

	r := c.FindByLabel(ctx, label)
	if r == nil {
		c.logger.Info("no runner registered with label, nothing to remove",
			slog.String("label", label),
		)
		return nil
	}

	resp, err := c.api.RemoveRunner(ctx, c.owner, c.repo, r.GetID())
	if err != nil {
		return fmt.Errorf("removing runner %d (label %s): %w", r.GetID(), label, err)
	}
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("removing runner %d (label %s): unexpected status %d", r.GetID(), label, resp.StatusCode)
	}

	c.logger.Info("runner removed",
		slog.String("label", label),
		slog.Int64("runner_id", r.GetID()),
		slog.String("name", r.GetName()),
	)
	return nil
}
