// Package bootstrap builds the boot script an instance executes on first
// boot. The script installs (or reuses) the GitHub Actions runner,
// registers it with the repository using a single-use registration token,
// and starts it.
package bootstrap

import "strings"

// RunnerVersion is the actions/runner release installed when no
// pre-provisioned runner home directory is configured.
const RunnerVersion = "2.321.0"

// Options customizes the generated script.
type Options struct {
	// RunnerHomeDir points at a directory where the runner is already
	// installed (e.g. baked into the machine image). When set, the
	// download/extract steps are skipped.
	RunnerHomeDir string

	// PreRunnerScript is an arbitrary snippet executed before the runner
	// is configured, e.g. to install workflow dependencies.
	PreRunnerScript string
}

// Script returns the boot script for a runner that registers itself to
// repoURL with the given label and registration token.
func Script(repoURL, label, token string, opts Options) string {
	var lines []string

	lines = append(lines, "#!/bin/bash")

	if opts.RunnerHomeDir != "" {
		lines = append(lines, "cd "+opts.RunnerHomeDir)
		if opts.PreRunnerScript != "" {
			lines = append(lines, opts.PreRunnerScript)
		}
	} else {
		lines = append(lines,
			"mkdir -p /opt/actions-runner && cd /opt/actions-runner",
		)
		if opts.PreRunnerScript != "" {
			lines = append(lines, opts.PreRunnerScript)
		}
		lines = append(lines,
			`case $(uname -m) in aarch64) ARCH="arm64" ;; amd64|x86_64) ARCH="x64" ;; esac && export RUNNER_ARCH=${ARCH}`,
			"curl -O -L https://github.com/actions/runner/releases/download/v"+RunnerVersion+"/actions-runner-linux-${RUNNER_ARCH}-"+RunnerVersion+".tar.gz",
			"tar xzf ./actions-runner-linux-${RUNNER_ARCH}-"+RunnerVersion+".tar.gz",
		)
	}

	lines = append(lines,
		"export RUNNER_ALLOW_RUNASROOT=1",
		"./config.sh --url "+repoURL+" --token "+token+" --labels "+label+" --unattended",
		"./run.sh",
	)

	return strings.Join(lines, "\n")
}
