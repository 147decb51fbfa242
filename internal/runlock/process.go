package runlock

import (
	"errors"
	"os"
	"slices"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessTable answers the two questions a lock needs about its owner:
// is the process alive, and what command line is it running.
type ProcessTable interface {
	Alive(pid int) (bool, error)
	Cmdline(pid int) ([]string, error)
}

// ErrNoProcess is returned by Cmdline when the process has gone away.
var ErrNoProcess = errors.New("process not found")

// SystemProcesses reads the live process table through gopsutil.
type SystemProcesses struct{}

func (SystemProcesses) Alive(pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	return process.PidExists(int32(pid))
}

func (SystemProcesses) Cmdline(pid int) ([]string, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil, ErrNoProcess
		}
		return nil, err
	}
	return p.CmdlineSlice()
}

// self describes the calling process as it will appear in the process table.
func self() (int, []string) {
	return os.Getpid(), slices.Clone(os.Args)
}
