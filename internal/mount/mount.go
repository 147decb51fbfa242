// Package mount wraps the operating system's mount service.
package mount

import (
	"context"
	"errors"
)

// ErrUnsupported is returned on platforms without mount support.
var ErrUnsupported = errors.New("mounting is not supported on this platform")

// Service mounts and unmounts the backup volume.
type Service interface {
	IsMounted(path string) (bool, error)
	// Mount attaches the volume with the given filesystem UUID at path.
	// Volumes are addressed by UUID because device paths change between boots.
	Mount(ctx context.Context, volumeUUID, path string) error
	Unmount(path string) error
}
