package operations

import (
	"errors"
	"os"
	"syscall"
)

// SignalError is the cancellation cause the worker uses when it receives an
// interrupt or termination signal.
type SignalError struct {
	Signal os.Signal
}

func (e *SignalError) Error() string {
	return "interrupted by signal " + e.Signal.String()
}

// ExitCode maps an error to a process exit status: 0 for nil, 128+n for a
// signal, 1 for anything else.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var sigErr *SignalError
	if errors.As(err, &sigErr) {
		if sig, ok := sigErr.Signal.(syscall.Signal); ok {
			return 128 + int(sig)
		}
	}
	return 1
}
