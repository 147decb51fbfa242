package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kebairia/driveback/internal/ledger"
)

func newStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether a backup is running and how the last one ended",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			om, _, err := opts.manager()
			if err != nil {
				return err
			}
			report, err := om.Status()
			if err != nil {
				return err
			}
			if opts.Format == "text" {
				_, err = io.WriteString(cmd.OutOrStdout(), report.String())
				return err
			}
			return render(cmd.OutOrStdout(), opts.Format, report)
		},
	}
}

func newHistoryCommand(opts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List the most recent runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			om, _, err := opts.manager()
			if err != nil {
				return err
			}
			runs, err := om.History(limit)
			if err != nil {
				return err
			}
			if opts.Format == "text" {
				return historyTable(cmd.OutOrStdout(), runs)
			}
			return render(cmd.OutOrStdout(), opts.Format, runs)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of runs to show (0 for all)")
	return cmd
}

func newExportCommand(opts *RootOptions) *cobra.Command {
	var (
		output string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the newest run logs as a zstd-compressed tar archive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			om, log, err := opts.manager()
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("create archive: %w", err)
				}
				defer f.Close()
				w = f
			}
			n, err := om.Export(w, limit)
			if err != nil {
				return err
			}
			log.Info("run logs exported", "runs", n, "output", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "-", "archive path, - for stdout")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "number of runs to include (0 for all)")
	return cmd
}

func render(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("unsupported format %q", format)
}

func historyTable(w io.Writer, runs []ledger.RunSummary) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, "No runs recorded")
		return err
	}
	table := uitable.New()
	table.MaxColWidth = 60
	table.AddRow("RUN", "STARTED", "OUTCOME", "DURATION")
	for _, run := range runs {
		started, duration := "-", "-"
		if !run.Start.IsZero() {
			started = run.Start.Local().Format(time.DateTime)
		}
		if run.Duration > 0 {
			duration = run.Duration.Round(time.Second).String()
		}
		outcome := string(run.Outcome)
		if run.Incomplete() {
			outcome += " (incomplete log)"
		}
		table.AddRow(run.Key, started, outcome, duration)
	}
	_, err := fmt.Fprintln(w, table)
	return err
}
