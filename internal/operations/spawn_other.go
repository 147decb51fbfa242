//go:build !unix

package operations

import "errors"

// DetachedSpawner is only available on unix systems.
type DetachedSpawner struct{}

func (DetachedSpawner) Spawn(SpawnSpec) (int, error) {
	return 0, errors.New("detached worker is not supported on this platform")
}
