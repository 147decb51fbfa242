package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kebairia/driveback/internal/operations"
)

func newStartCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start a backup in the background (requires root)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			om, _, err := opts.manager()
			if err != nil {
				return err
			}
			pid, err := om.Start(cmd.Context())
			if err != nil {
				return err
			}
			cfg := om.Config()
			fmt.Fprintf(cmd.OutOrStdout(), "Backup %q started in the background (pid %d)\n", cfg.DeviceName, pid)
			fmt.Fprintf(cmd.OutOrStdout(), "  run logs:      %s\n", cfg.RunLogDir())
			fmt.Fprintf(cmd.OutOrStdout(), "  worker output: %s\n", filepath.Join(cfg.LogDir, operations.WorkerOutput))
			return nil
		},
	}
}

func newFinishCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "finish",
		Short: "Unmount the backup drive when no backup is running (requires root)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			om, _, err := opts.manager()
			if err != nil {
				return err
			}
			if err := om.Finish(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is not mounted; the drive can be removed\n", om.Config().MountPoint)
			return nil
		},
	}
}
