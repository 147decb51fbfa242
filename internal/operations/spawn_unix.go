//go:build unix

package operations

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// DetachedSpawner starts the worker in its own session with stdin closed and
// stdout/stderr appended to SpawnSpec.Output.
type DetachedSpawner struct{}

func (DetachedSpawner) Spawn(spec SpawnSpec) (int, error) {
	out, err := os.OpenFile(spec.Output, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open worker output %q: %w", spec.Output, err)
	}
	defer out.Close()

	devnull, err := os.Open(os.DevNull)
	if err != nil {
		return 0, err
	}
	defer devnull.Close()

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Stdin = devnull
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Dir = "/"
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()
	return pid, nil
}
