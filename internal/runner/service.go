package runner

import (
	"context"
	"log/slog"

	"github.com/google/go-github/v57/github"
)

// Service bundles the repository client with the registration wait
// policy, giving the lifecycle controller a single collaborator for all
// runner-side operations.
type Service struct {
	*Client
	waitCfg WaitConfig
}

// NewService creates a Service for owner/repo backed by gh.
func NewService(gh *github.Client, owner, repo string, waitCfg WaitConfig, logger *slog.Logger) *Service {
	return &Service{
		Client:  NewClient(gh, owner, repo, logger),
		waitCfg: waitCfg,
	}
}

// WaitForRegistration blocks until the runner carrying label is online or
// the configured timeout elapses.
func (s *Service) WaitForRegistration(ctx context.Context, label string) error {
	return NewRegistrationWaiter(s.Client, s.waitCfg, s.logger).Wait(ctx, label)
}
