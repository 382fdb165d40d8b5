// Package cmdutil wraps the invocation of external privileged tools so the
// rest of the code can be tested without a block device or root.
package cmdutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
)

// Runner executes an external tool and blocks until it exits.
type Runner interface {
	// Run executes name with args and returns an error describing the
	// command line on non-zero exit.
	Run(ctx context.Context, name string, args ...string) error
	// RunEnv behaves like Run with extra environment entries appended to
	// the inherited environment.
	RunEnv(ctx context.Context, env []string, name string, args ...string) error
	// Output executes name with args and returns its trimmed stdout.
	Output(ctx context.Context, name string, args ...string) (string, error)
	// LookPath reports whether the tool is available.
	LookPath(name string) bool
}

type hostRunner struct{}

// NewHostRunner returns a Runner that executes commands on the host.
func NewHostRunner() Runner {
	return &hostRunner{}
}

func (hr *hostRunner) run(ctx context.Context, env []string, name string, args ...string) error {
	logrus.WithField("cmd", name+" "+strings.Join(args, " ")).Debug("running external tool")

	cmd := exec.CommandContext(ctx, name, args...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, msg)
		}
		return fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return nil
}

func (hr *hostRunner) Run(ctx context.Context, name string, args ...string) error {
	return hr.run(ctx, nil, name, args...)
}

func (hr *hostRunner) RunEnv(ctx context.Context, env []string, name string, args ...string) error {
	return hr.run(ctx, env, name, args...)
}

func (hr *hostRunner) Output(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	// Output captures stderr in ExitError.Stderr on its own.
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if msg := strings.TrimSpace(string(exitErr.Stderr)); msg != "" {
				return "", fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, msg)
			}
		}
		return "", fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (hr *hostRunner) LookPath(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
