package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/msand/ec2-github-runner/internal/bootstrap"
	"github.com/msand/ec2-github-runner/internal/buildinfo"
	"github.com/msand/ec2-github-runner/internal/config"
	"github.com/msand/ec2-github-runner/internal/lifecycle"
	appotel "github.com/msand/ec2-github-runner/internal/otel"
	"github.com/msand/ec2-github-runner/internal/runner"
)

var (
	cfgPath       string
	flagOverrides config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ec2-github-runner",
	Short: "Provision and tear down an ephemeral cloud VM as a GitHub Actions self-hosted runner",
	Long: `ec2-github-runner starts a single cloud instance that registers itself
as a self-hosted GitHub Actions runner, and stops it again afterwards.

"start" emits the runner label and instance id as workflow outputs;
"stop" consumes them to terminate the instance and remove the runner.

Configuration is read from a YAML file (--config) with optional CLI
flag overrides for the most common settings.`,
	SilenceUsage: true,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Launch an instance and wait until its runner is registered and online",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()
		return run(ctx, config.ModeStart)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Terminate the instance and remove its runner registration",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()
		return run(ctx, config.ModeStop)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ec2-github-runner %s (commit %s, built %s)\n",
			buildinfo.Version, buildinfo.Commit, buildinfo.BuildTime)
	},
}

func init() {
	f := rootCmd.PersistentFlags()

	// Config file
	f.StringVar(&cfgPath, "config", "config.yaml", "Path to YAML configuration file")

	// GitHub overrides
	f.StringVar(&flagOverrides.GitHub.Owner, "github-owner", "", "Repository owner (user or organization)")
	f.StringVar(&flagOverrides.GitHub.Repo, "github-repo", "", "Repository name")
	f.StringVar(&flagOverrides.GitHub.Token, "github-token", "", "GitHub token with repo scope")

	// Runner / engine overrides
	f.StringVar(&flagOverrides.Runner.Label, "label", "", "Runner label (stop mode: the label emitted by start)")
	f.StringVar(&flagOverrides.Engine.InstanceID, "instance-id", "", "Instance id to terminate (stop mode)")
	f.StringVar(&flagOverrides.Engine.Type, "engine", "", "Compute backend (ec2, gcp, docker)")

	// Logging overrides
	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")

	rootCmd.AddCommand(startCmd, stopCmd, versionCmd)
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.GitHub.Owner != "" {
		cfg.GitHub.Owner = flagOverrides.GitHub.Owner
	}
	if flagOverrides.GitHub.Repo != "" {
		cfg.GitHub.Repo = flagOverrides.GitHub.Repo
	}
	if flagOverrides.GitHub.Token != "" {
		cfg.GitHub.Token = flagOverrides.GitHub.Token
	}
	if flagOverrides.Runner.Label != "" {
		cfg.Runner.Label = flagOverrides.Runner.Label
	}
	if flagOverrides.Engine.InstanceID != "" {
		cfg.Engine.InstanceID = flagOverrides.Engine.InstanceID
	}
	if flagOverrides.Engine.Type != "" {
		cfg.Engine.Type = flagOverrides.Engine.Type
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
}

func run(ctx context.Context, mode string) error {
	// ---------------------------------------------------------------
	// 1. Load and validate configuration
	// ---------------------------------------------------------------
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(mode); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Create logger
	// ---------------------------------------------------------------
	logger := cfg.NewLogger()
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("mode", mode),
		slog.String("engine", cfg.Engine.Type),
		slog.String("repo", cfg.GitHub.Owner+"/"+cfg.GitHub.Repo),
	)

	// ---------------------------------------------------------------
	// 3. OpenTelemetry (optional)
	// ---------------------------------------------------------------
	otelShutdown, err := appotel.SetupOTelSDK(ctx, "ec2-github-runner", appotel.Config{
		Enabled:  cfg.OTel.Enabled,
		Endpoint: cfg.OTel.Endpoint,
		Insecure: cfg.OTel.Insecure,
		StdOut:   cfg.OTel.StdOut,
	})
	if err != nil {
		return fmt.Errorf("setting up otel: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("otel shutdown", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 4. Create compute engine and runner service
	// ---------------------------------------------------------------
	eng, err := cfg.NewEngine(ctx, logger)
	if err != nil {
		return fmt.Errorf("initializing engine: %w", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Warn("engine close", slog.String("error", err.Error()))
		}
	}()

	runners := runner.NewService(
		cfg.NewGitHubClient(),
		cfg.GitHub.Owner,
		cfg.GitHub.Repo,
		cfg.WaitConfig(),
		logger.WithGroup("runner"),
	)

	// ---------------------------------------------------------------
	// 5. Run the selected lifecycle path
	// ---------------------------------------------------------------
	ctrl := lifecycle.New(lifecycle.Config{
		Engine:  eng,
		Runners: runners,
		BuildScript: func(label, token string) string {
			return bootstrap.Script(cfg.GitHub.RepoURL(), label, token, bootstrap.Options{
				RunnerHomeDir:   cfg.Runner.HomeDir,
				PreRunnerScript: cfg.Runner.PreRunnerScript,
			})
		},
		Outputs:    lifecycle.NewGitHubOutput(logger),
		Label:      cfg.Runner.Label,
		InstanceID: cfg.Engine.InstanceID,
		Logger:     logger.WithGroup("lifecycle"),
	})

	if mode == config.ModeStop {
		return ctrl.Stop(ctx)
	}
	return ctrl.Start(ctx)
}
