// Command driveback-worker performs one backup run. It is started detached
// by "driveback start", which hands it the job lock through --token.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kebairia/driveback/internal/config"
	"github.com/kebairia/driveback/internal/logger"
	"github.com/kebairia/driveback/internal/operations"
)

// LogFile is the worker's rotating log inside LOG_DIR.
const LogFile = "driveback.log"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configFile string
		token      string
		exitCode   int
	)
	cmd := &cobra.Command{
		Use:           "driveback-worker",
		Short:         "Run one backup in the foreground",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := work(cmd.Context(), configFile, token)
			exitCode = code
			return err
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "/etc/driveback/driveback.conf", "path to the job configuration file")
	cmd.Flags().StringVar(&token, "token", "", "lock token handed over by the launcher")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "driveback-worker: %v\n", err)
		if exitCode == 0 {
			exitCode = operations.ExitCode(err)
		}
	}
	return exitCode
}

func work(parent context.Context, configFile, token string) (int, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return 1, err
	}
	log, err := logger.Init(logger.Options{
		Level: cfg.LogLevel,
		File:  filepath.Join(cfg.LogDir, LogFile),
	})
	if err != nil {
		return 1, fmt.Errorf("init logger: %w", err)
	}
	defer logger.Cleanup()

	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)
	stop := cancelOnSignal(cancel, log, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	cfg = operations.ResolveWebhook(ctx, cfg, log)
	om, err := operations.New(cfg, log, operations.WithConfigPath(configFile))
	if err != nil {
		return 1, err
	}
	log.Info("backup worker starting", "job", cfg.DeviceName, "pid", os.Getpid())
	return om.RunBackup(ctx, token), nil
}

// cancelOnSignal cancels with a SignalError on the first of sigs. Later
// signals are logged and swallowed so the run can finalize its log. The
// returned func stops delivery.
func cancelOnSignal(cancel context.CancelCauseFunc, log logger.Logger, sigs ...os.Signal) func() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, sigs...)
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		first := true
		for {
			select {
			case sig := <-signals:
				if first {
					log.Warn("signal received, stopping backup", "signal", sig.String())
					cancel(&operations.SignalError{Signal: sig})
					first = false
					continue
				}
				log.Warn("signal received while stopping, ignored", "signal", sig.String())
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(signals)
		close(done)
		<-stopped
	}
}
