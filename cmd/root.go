package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kebairia/driveback/internal/config"
	"github.com/kebairia/driveback/internal/logger"
	"github.com/kebairia/driveback/internal/operations"
)

// DefaultConfigFile is read when --config is not given.
const DefaultConfigFile = "/etc/driveback/driveback.conf"

// ValidFormats are the report formats accepted by --format.
var ValidFormats = []string{"text", "json", "yaml"}

var errNoCommand = errors.New("no command given")

// RootOptions holds the global flags.
type RootOptions struct {
	ConfigFile string
	LogLevel   string
	Format     string
}

// NewRootCommand builds the driveback command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "driveback",
		Short: "Back up directories onto a removable drive",
		Long: `driveback mounts a backup drive by volume UUID, copies the configured
sources onto it with rsync in a detached worker, and reports on past runs.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = cmd.Usage()
			return errNoCommand
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", DefaultConfigFile, "path to the job configuration file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override LOG_LEVEL from the configuration")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "report format (text|json|yaml)")

	cmd.AddCommand(newStartCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newHistoryCommand(opts))
	cmd.AddCommand(newFinishCommand(opts))
	cmd.AddCommand(newExportCommand(opts))

	return cmd
}

// Execute runs the CLI and returns the process exit status.
func Execute() int {
	defer logger.Cleanup()
	return executeArgs(os.Args[1:], os.Stdout, os.Stderr)
}

func executeArgs(args []string, stdout, stderr io.Writer) int {
	root := NewRootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	if err == nil {
		return 0
	}
	if !errors.Is(err, errNoCommand) {
		fmt.Fprintf(stderr, "driveback: %v\n", err)
		if isUsageError(err) {
			_ = root.Usage()
		}
	}
	return operations.ExitCode(err)
}

// isUsageError reports errors cobra raises for a bad command line.
func isUsageError(err error) bool {
	msg := err.Error()
	for _, prefix := range []string{"unknown command", "unknown flag", "unknown shorthand flag", "invalid argument", "accepts "} {
		if strings.HasPrefix(msg, prefix) {
			return true
		}
	}
	return false
}

// manager loads the configuration and builds the OperationManager shared by
// every subcommand.
func (o *RootOptions) manager(extra ...operations.Option) (*operations.OperationManager, logger.Logger, error) {
	path, err := filepath.Abs(o.ConfigFile)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	level := cfg.LogLevel
	if o.LogLevel != "" {
		level = o.LogLevel
	}
	log, err := logger.Init(logger.Options{Level: level})
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}

	opts := append([]operations.Option{operations.WithConfigPath(path)}, extra...)
	om, err := operations.New(cfg, log, opts...)
	if err != nil {
		return nil, nil, err
	}
	return om, log, nil
}
