package operations

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/kebairia/driveback/internal/runlock"
)

// WorkerBinary is the file name of the detached worker executable.
const WorkerBinary = "driveback-worker"

// WorkerOutput is the file, inside LOG_DIR, receiving the worker's stdout and stderr.
const WorkerOutput = "worker.out"

// SpawnSpec describes the detached worker process.
type SpawnSpec struct {
	Path   string
	Args   []string
	Output string
}

// Spawner starts a process that outlives the caller and returns its pid
// without waiting for it.
type Spawner interface {
	Spawn(spec SpawnSpec) (pid int, err error)
}

// Start launches the backup in the background. It takes the job lock, hands
// it to a detached worker and returns the worker's pid.
func (om *OperationManager) Start(ctx context.Context) (int, error) {
	if !om.privileged() {
		return 0, ErrPermission
	}
	handle, err := om.locker.Acquire(om.identity())
	if err != nil {
		return 0, err
	}

	worker, err := om.workerPath()
	if err != nil {
		om.release(handle)
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		om.release(handle)
		return 0, err
	}
	if err := os.MkdirAll(om.cfg.LogDir, 0o755); err != nil {
		om.release(handle)
		return 0, fmt.Errorf("create log directory %q: %w", om.cfg.LogDir, err)
	}

	args := []string{"--token", handle.Token()}
	if om.configPath != "" {
		args = append(args, "--config", om.configPath)
	}
	spec := SpawnSpec{
		Path:   worker,
		Args:   args,
		Output: filepath.Join(om.cfg.LogDir, WorkerOutput),
	}
	pid, err := om.spawner.Spawn(spec)
	if err != nil {
		om.release(handle)
		return 0, fmt.Errorf("start worker %s: %w", worker, err)
	}
	argv := append([]string{spec.Path}, spec.Args...)
	if _, err := om.locker.Transfer(handle, pid, argv); err != nil {
		// the worker can still adopt by token
		om.log.Warn("failed to hand lock to worker", "pid", pid, "error", err)
	}

	om.log.Info("backup worker started",
		"job", om.cfg.DeviceName,
		"pid", pid,
		"worker", worker,
		"output", spec.Output,
	)
	return pid, nil
}

func (om *OperationManager) release(h *runlock.Handle) {
	if err := om.locker.Release(h); err != nil {
		om.log.Warn("failed to release lock", "path", h.Path(), "error", err)
	}
}

// workerPath finds the worker: WORKER_PATH, then next to the running
// executable, then $PATH.
func (om *OperationManager) workerPath() (string, error) {
	if om.cfg.WorkerPath != "" {
		return om.cfg.WorkerPath, nil
	}
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), WorkerBinary)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	path, err := exec.LookPath(WorkerBinary)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrWorkerNotFound, err)
	}
	return path, nil
}
