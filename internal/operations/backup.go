package operations

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/kebairia/driveback/internal/ledger"
	"github.com/kebairia/driveback/internal/notify"
	"github.com/kebairia/driveback/internal/runlock"
)

// ExitToolNotStarted is the worker's exit status when the sync tool could
// not be executed at all.
const ExitToolNotStarted = 127

const notifyTimeout = time.Minute

type runState int

const (
	stateStart runState = iota
	stateLockHeld
	stateMountChecked
	stateMountEnsured
	stateDestValidated
	stateSyncing
	stateSucceeded
	stateFailed
	stateAborted
)

func (s runState) String() string {
	switch s {
	case stateStart:
		return "start"
	case stateLockHeld:
		return "lock-held"
	case stateMountChecked:
		return "mount-checked"
	case stateMountEnsured:
		return "mount-ensured"
	case stateDestValidated:
		return "destination-validated"
	case stateSyncing:
		return "syncing"
	case stateSucceeded:
		return "succeeded"
	case stateFailed:
		return "failed"
	case stateAborted:
		return "aborted"
	}
	return "unknown"
}

// backupRun carries one worker run from lock to finalization.
type backupRun struct {
	om       *OperationManager
	ctx      context.Context
	state    runState
	handle   *runlock.Handle
	runLog   *ledger.RunLog
	rec      ledger.Record
	exitCode int
	notified bool
}

// RunBackup is the worker entry point. It takes over the lock handed over
// with token (or acquires it when token is empty), mounts the volume,
// validates the destination and runs the sync tool. The returned value is
// the process exit status: the sync tool's own status, 128+n when
// interrupted by signal n, 127 when the tool could not start and 1 for any
// other failure.
func (om *OperationManager) RunBackup(ctx context.Context, token string) (code int) {
	start := om.clock.Now()
	run := &backupRun{
		om:       om,
		ctx:      ctx,
		state:    stateStart,
		exitCode: 1,
		rec:      ledger.Record{Start: start, Outcome: ledger.OutcomeFailure},
	}

	handle, err := om.takeLock(token)
	if err != nil {
		om.log.Error("cannot take backup lock", "job", om.cfg.DeviceName, "error", err)
		return ExitCode(err)
	}
	run.handle = handle
	run.enter(stateLockHeld)
	defer run.finalize(&code)

	runLog, err := om.ledger.Begin(start)
	if err != nil {
		run.fail("", fmt.Errorf("open run log: %w", err))
		return
	}
	run.runLog = runLog
	_ = runLog.Printf("backup %s (pid %d) into %s", om.cfg.DeviceName, os.Getpid(), om.cfg.Destination())

	if !run.ensureMount() {
		return
	}
	if !run.validateDestination() {
		return
	}
	run.sync()
	return
}

func (om *OperationManager) takeLock(token string) (*runlock.Handle, error) {
	if token == "" {
		return om.locker.Acquire(om.identity())
	}
	return om.locker.Adopt(om.identity(), token)
}

func (r *backupRun) enter(s runState) {
	r.state = s
	r.om.log.Debug("backup state", "job", r.om.cfg.DeviceName, "state", s.String())
}

func (r *backupRun) ensureMount() bool {
	cfg := r.om.cfg
	mounted, err := r.om.mounter.IsMounted(cfg.MountPoint)
	if err != nil {
		r.fail(ledger.StageMount, fmt.Errorf("%w: check %s: %v", ErrMount, cfg.MountPoint, err))
		return false
	}
	r.enter(stateMountChecked)
	if mounted {
		r.printf("%s already mounted", cfg.MountPoint)
		return true
	}

	if err := os.MkdirAll(cfg.MountPoint, 0o755); err != nil {
		r.fail(ledger.StageMount, fmt.Errorf("%w: create mount point: %v", ErrMount, err))
		return false
	}
	r.printf("mounting UUID=%s on %s", cfg.VolumeUUID, cfg.MountPoint)
	if err := r.om.mounter.Mount(r.ctx, cfg.VolumeUUID, cfg.MountPoint); err != nil {
		r.fail(ledger.StageMount, fmt.Errorf("%w: UUID=%s on %s: %v", ErrMount, cfg.VolumeUUID, cfg.MountPoint, err))
		return false
	}
	r.enter(stateMountEnsured)
	return true
}

func (r *backupRun) validateDestination() bool {
	dest := r.om.cfg.Destination()
	if err := os.MkdirAll(dest, 0o755); err != nil {
		r.fail(ledger.StageDestination, fmt.Errorf("%w: %v", ErrDestination, err))
		return false
	}
	probe, err := os.CreateTemp(dest, ".driveback-probe-*")
	if err != nil {
		r.fail(ledger.StageDestination, fmt.Errorf("%w: %s is not writable: %v", ErrDestination, dest, err))
		return false
	}
	probe.Close()
	os.Remove(probe.Name())
	r.enter(stateDestValidated)
	return true
}

func (r *backupRun) sync() {
	cfg := r.om.cfg
	r.rec.Stage = ledger.StageSync
	r.rec.Start = r.om.clock.Now()
	r.enter(stateSyncing)
	_ = r.runLog.MarkStart(r.rec.Start)
	r.om.log.Info("sync started",
		"job", cfg.DeviceName,
		"tool", cfg.SyncTool,
		"sources", cfg.Sources,
		"destination", cfg.Destination(),
	)

	status, err := r.om.syncer.Run(r.ctx, cfg.Sources, cfg.Destination(), r.runLog.Writer())
	r.rec.End = r.om.clock.Now()
	_ = r.runLog.MarkEnd(r.rec.End)
	elapsed := r.rec.Duration()

	switch {
	case r.ctx.Err() != nil:
		r.abort()
		_ = r.runLog.MarkResult(ledger.OutcomeFailure, r.rec.Error)
	case err != nil:
		r.exitCode = ExitToolNotStarted
		r.rec.Error = err.Error()
		r.enter(stateFailed)
		_ = r.runLog.Errorf("%v", err)
		_ = r.runLog.MarkResult(ledger.OutcomeFailure, "sync tool did not start")
	case status == 0:
		r.exitCode = 0
		r.rec.Outcome = ledger.OutcomeSuccess
		r.rec.Stage = ""
		r.enter(stateSucceeded)
		_ = r.runLog.MarkResult(ledger.OutcomeSuccess, "")
		r.notify(notify.Notification{
			Title:    "Backup succeeded: " + cfg.DeviceName,
			Message:  "Backup of " + cfg.DeviceName + " completed in " + formatElapsed(elapsed) + ".",
			Severity: notify.SeverityInfo,
		})
	default:
		r.exitCode = status
		r.rec.Error = fmt.Sprintf("%s exited with status %d", cfg.SyncTool, status)
		r.enter(stateFailed)
		_ = r.runLog.MarkResult(ledger.OutcomeFailure, fmt.Sprintf("exit status %d", status))
		r.notify(r.failure(fmt.Sprintf("%s after %s.", r.rec.Error, formatElapsed(elapsed))))
	}
	r.rec.ExitCode = r.exitCode
	r.om.log.Info("sync finished",
		"job", cfg.DeviceName,
		"state", r.state.String(),
		"exit_code", r.exitCode,
		"elapsed", elapsed.Round(time.Second).String(),
	)
}

// fail ends the run before or outside the sync step.
func (r *backupRun) fail(stage ledger.Stage, err error) {
	r.rec.Stage = stage
	if r.ctx.Err() != nil {
		r.abort()
	} else {
		r.rec.Error = err.Error()
		r.exitCode = 1
		r.enter(stateFailed)
	}
	r.om.log.Error("backup failed", "job", r.om.cfg.DeviceName, "stage", string(stage), "error", err)
	if r.runLog != nil {
		_ = r.runLog.Errorf("%v", err)
		_ = r.runLog.MarkResult(ledger.OutcomeFailure, r.rec.Error)
	}
	r.notify(r.failure(r.rec.Error))
}

// abort records an interruption; the exit status follows the signal.
func (r *backupRun) abort() {
	cause := context.Cause(r.ctx)
	r.exitCode = ExitCode(cause)
	r.rec.Error = cause.Error()
	r.enter(stateAborted)
}

func (r *backupRun) failure(detail string) notify.Notification {
	msg := "Backup of " + r.om.cfg.DeviceName + " failed"
	if detail != "" {
		msg += ": " + detail
	}
	return notify.Notification{
		Title:    "Backup failed: " + r.om.cfg.DeviceName,
		Message:  msg,
		Severity: notify.SeverityError,
	}
}

// notify delivers n even after the run context is cancelled. Delivery
// errors are only logged.
func (r *backupRun) notify(n notify.Notification) {
	r.notified = true
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), notifyTimeout)
	defer cancel()
	if err := r.om.notifier.Notify(ctx, n); err != nil {
		r.om.log.Warn("notification not delivered", "title", n.Title, "error", err)
	}
}

func (r *backupRun) printf(format string, args ...any) {
	if r.runLog != nil {
		_ = r.runLog.Printf(format, args...)
	}
}

// finalize runs on every exit path once the lock is held, including panics,
// which are re-raised after cleanup.
func (r *backupRun) finalize(code *int) {
	p := recover()
	if p != nil {
		r.rec.Error = fmt.Sprintf("internal error: %v", p)
		r.exitCode = 1
		r.enter(stateFailed)
		if r.runLog != nil {
			_ = r.runLog.Errorf("%s", r.rec.Error)
			_ = r.runLog.MarkResult(ledger.OutcomeFailure, "internal error")
		}
	}
	if r.state != stateSucceeded && r.state != stateFailed && r.state != stateAborted {
		// returned without reaching a terminal state
		if r.ctx.Err() != nil {
			r.abort()
		} else {
			r.enter(stateFailed)
		}
	}

	if r.rec.End.IsZero() {
		r.rec.End = r.om.clock.Now()
	}
	r.rec.ExitCode = r.exitCode
	if r.state != stateSucceeded {
		r.rec.Outcome = ledger.OutcomeFailure
		if !r.notified {
			r.notify(r.failure(r.rec.Error))
		}
	}

	if r.runLog != nil {
		if err := r.runLog.Finalize(r.rec); err != nil {
			r.om.log.Warn("failed to write run record", "path", r.runLog.Path(), "error", err)
		}
		if err := r.runLog.Close(); err != nil {
			r.om.log.Warn("failed to close run log", "path", r.runLog.Path(), "error", err)
		}
	}
	if r.om.metrics != nil {
		if err := r.om.metrics.Write(r.om.cfg.DeviceName, r.rec); err != nil {
			r.om.log.Warn("failed to write metrics", "error", err)
		}
	}
	if err := r.om.locker.Release(r.handle); err != nil {
		r.om.log.Error("failed to release lock", "path", r.handle.Path(), "error", err)
	}

	*code = r.exitCode
	if p != nil {
		panic(p)
	}
}

func formatElapsed(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(time.Second).String()
}
