//go:build !unix

package mount

import "context"

// System reports ErrUnsupported for every call.
type System struct {
	MountCommand string
}

var _ Service = System{}

func (System) IsMounted(string) (bool, error) { return false, ErrUnsupported }

func (System) Mount(context.Context, string, string) error { return ErrUnsupported }

func (System) Unmount(string) error { return ErrUnsupported }
