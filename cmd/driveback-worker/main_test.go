//go:build unix

package main

import (
	"context"
	"errors"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kebairia/driveback/internal/logger"
	"github.com/kebairia/driveback/internal/operations"
)

func TestCancelOnSignal_SIGTERMBecomesCause(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	stop := cancelOnSignal(cancel, logger.Nop(), syscall.SIGTERM)
	defer stop()

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTERM))

	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("context not cancelled after SIGTERM")
	}

	cause := context.Cause(ctx)
	var sigErr *operations.SignalError
	require.True(t, errors.As(cause, &sigErr), "cause: %v", cause)
	assert.Equal(t, syscall.SIGTERM, sigErr.Signal)
	assert.Equal(t, 143, operations.ExitCode(cause))

	// A second signal is consumed without replacing the cause.
	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTERM))
	time.Sleep(50 * time.Millisecond)
	assert.Same(t, sigErr, context.Cause(ctx).(*operations.SignalError))
}

func TestCancelOnSignal_StopReturns(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	stop := cancelOnSignal(cancel, logger.Nop(), syscall.SIGHUP)

	done := make(chan struct{})
	go func() {
		stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not return")
	}
	assert.NoError(t, ctx.Err())
}
