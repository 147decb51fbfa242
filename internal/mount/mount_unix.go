//go:build unix

package mount

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
)

// System is the Service backed by the host: mountinfo for queries, mount(8)
// for mounting by UUID and umount(2) for detaching.
type System struct {
	// MountCommand defaults to "mount".
	MountCommand string
}

var _ Service = System{}

func (System) IsMounted(path string) (bool, error) {
	mounted, err := mountinfo.Mounted(path)
	if err != nil {
		return false, fmt.Errorf("check mount %q: %w", path, err)
	}
	return mounted, nil
}

func (s System) Mount(ctx context.Context, volumeUUID, path string) error {
	name := s.MountCommand
	if name == "" {
		name = "mount"
	}
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, name, "UUID="+volumeUUID, path)
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("mount UUID=%s at %q: %w: %s", volumeUUID, path, err, strings.TrimSpace(out.String()))
	}
	return nil
}

func (System) Unmount(path string) error {
	if err := unix.Unmount(path, 0); err != nil {
		return fmt.Errorf("unmount %q: %w", path, err)
	}
	return nil
}
