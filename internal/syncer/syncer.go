// Package syncer runs the external file-synchronization tool.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"time"
)

// Tool copies sources into dest.
type Tool interface {
	// Run blocks until the copy ends. A non-zero exit of the tool is a
	// result, not an error: err is only set when the tool could not run.
	Run(ctx context.Context, sources []string, dest string, out io.Writer) (exitCode int, err error)
}

// DefaultGracePeriod is how long a cancelled tool gets between SIGTERM and SIGKILL.
const DefaultGracePeriod = 30 * time.Second

// Command runs an rsync-compatible tool as
// `<Path> <Options...> <source...> <dest>`.
type Command struct {
	Path        string
	Options     []string
	GracePeriod time.Duration
}

var _ Tool = (*Command)(nil)

// Args builds the argument list passed to the tool.
func (c *Command) Args(sources []string, dest string) []string {
	args := make([]string, 0, len(c.Options)+len(sources)+1)
	args = append(args, c.Options...)
	args = append(args, sources...)
	return append(args, dest)
}

func (c *Command) Run(ctx context.Context, sources []string, dest string, out io.Writer) (int, error) {
	cmd := exec.CommandContext(ctx, c.Path, c.Args(sources, dest)...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = c.GracePeriod
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = DefaultGracePeriod
	}

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code, nil
		}
		// killed by a signal
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return 128 + int(status.Signal()), nil
		}
		return 1, nil
	}
	return 0, fmt.Errorf("run %s: %w", c.Path, err)
}
