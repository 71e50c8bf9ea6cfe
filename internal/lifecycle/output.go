package lifecycle

import (
	"fmt"
	"log/slog"
	"os"
)

// Output names for the values a start invocation hands to a later stop
// invocation.
const (
	OutputLabel      = "label"
	OutputInstanceID = "ec2-instance-id"
)

// OutputWriter is the structured output channel of the process. In a
// GitHub Actions job this is the file named by $GITHUB_OUTPUT.
type OutputWriter interface {
	Set(name, value string) error
}

// GitHubOutput appends name=value pairs to the $GITHUB_OUTPUT file. When
// the variable is unset (e.g. running outside a workflow), values are
// only logged.
type GitHubOutput struct {
	path   string
	logger *slog.Logger
}

// NewGitHubOutput creates a writer targeting the file named by the
// GITHUB_OUTPUT environment variable.
func NewGitHubOutput(logger *slog.Logger) *GitHubOutput {
	return &GitHubOutput{
		path:   os.Getenv("GITHUB_OUTPUT"),
		logger: logger,
	}
}

// Set emits one output value.
func (o *GitHubOutput) Set(name, value string) error {
	o.logger.Info("output", slog.String("name", name), slog.String("value", value))

	if o.path == "" {
		return nil
	}

	f, err := os.OpenFile(o.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", o.path, err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%s=%s\n", name, value); err != nil {
		return fmt.Errorf("writing output %s: %w", name, err)
	}
	return nil
}
