package operations

import (
	"context"
	"fmt"

	"github.com/kebairia/driveback/internal/runlock"
)

// Finish unmounts the backup volume once no run is active. It refuses while
// the lock names a live worker and leaves the mount untouched.
func (om *OperationManager) Finish(ctx context.Context) error {
	if !om.privileged() {
		return ErrPermission
	}

	st, err := om.locker.Inspect(om.identity())
	if err != nil {
		return fmt.Errorf("inspect lock: %w", err)
	}
	switch st.State {
	case runlock.Running:
		return fmt.Errorf("%w (pid %d); not unmounting %s", ErrBackupRunning, st.PID, om.cfg.MountPoint)
	case runlock.Stale:
		om.log.Warn("ignoring stale lock", "job", om.cfg.DeviceName, "pid", st.PID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	mounted, err := om.mounter.IsMounted(om.cfg.MountPoint)
	if err != nil {
		return fmt.Errorf("%w: check %s: %v", ErrMount, om.cfg.MountPoint, err)
	}
	if !mounted {
		om.log.Info("backup volume not mounted", "mount_point", om.cfg.MountPoint)
		return nil
	}
	if err := om.mounter.Unmount(om.cfg.MountPoint); err != nil {
		return fmt.Errorf("%w: unmount %s: %v", ErrMount, om.cfg.MountPoint, err)
	}
	om.log.Info("backup volume unmounted", "mount_point", om.cfg.MountPoint)
	return nil
}
