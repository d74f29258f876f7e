package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/specialistvlad/gridbench/internal/app"
	"github.com/specialistvlad/gridbench/internal/env"
	"github.com/specialistvlad/gridbench/internal/executor"
	"github.com/specialistvlad/gridbench/internal/scheduler"
)

// Version is set at build time with -ldflags.
var Version = "dev"

// Exit codes.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitUsage   = 2
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// options are the persistent flags shared by every command.
type options struct {
	configPaths     []string
	logLevel        string
	logFormat       string
	logDir          string
	store           string
	objectStore     bool
	statusFeed      string
	healthcheckPort int
	pollInterval    time.Duration
}

func (o *options) register(fs *pflag.FlagSet) error {
	port, err := env.Int("GRIDBENCH_HEALTHCHECK_PORT", 0)
	if err != nil {
		return err
	}
	objectStore, err := env.Bool("GRIDBENCH_OBJECT_STORE", false)
	if err != nil {
		return err
	}
	poll, err := env.Duration("GRIDBENCH_POLL_INTERVAL", executor.DefaultPollInterval)
	if err != nil {
		return err
	}

	fs.StringSliceVarP(&o.configPaths, "config-dir", "c", []string{env.String("GRIDBENCH_CONFIG_DIR", ".")}, "Files or directories with .hcl and .yaml project files.")
	fs.StringVar(&o.logLevel, "log-level", env.String("GRIDBENCH_LOG_LEVEL", "info"), "Logging level: 'debug', 'info', 'warn' or 'error'.")
	fs.StringVar(&o.logFormat, "log-format", env.String("GRIDBENCH_LOG_FORMAT", "auto"), "Log format: 'text', 'json' or 'auto'.")
	fs.StringVar(&o.logDir, "log-dir", env.String("GRIDBENCH_LOG_DIR", ""), "Directory for generated scripts and unit logs. Overrides the project setting.")
	fs.StringVar(&o.store, "store", env.String("GRIDBENCH_STORE", ""), "Result store URL: memory:// or postgres://. Empty disables history.")
	fs.BoolVar(&o.objectStore, "object-store", objectStore, "Mirror the build cache and upload logs to the S3 store configured by GRIDBENCH_S3_*.")
	fs.StringVar(&o.statusFeed, "status-feed", env.String("GRIDBENCH_STATUS_FEED", ""), "socket.io URL receiving worker status changes.")
	fs.IntVar(&o.healthcheckPort, "healthcheck-port", port, "Port for the health and metrics server. 0 is disabled.")
	fs.DurationVar(&o.pollInterval, "poll-interval", poll, "How often a waiting stage logs its progress.")
	return nil
}

func (o *options) config() (*app.Config, error) {
	return app.NewConfig(app.Config{
		ConfigPaths:     o.configPaths,
		LogFormat:       strings.ToLower(o.logFormat),
		LogLevel:        strings.ToLower(o.logLevel),
		LogDir:          o.logDir,
		StoreURL:        o.store,
		ObjectStore:     o.objectStore,
		StatusFeedURL:   o.statusFeed,
		HealthcheckPort: o.healthcheckPort,
		PollInterval:    o.pollInterval,
	})
}

func (o *options) newApp(cmd *cobra.Command, appOpts []app.Option) (*app.App, error) {
	cfg, err := o.config()
	if err != nil {
		return nil, err
	}
	return app.NewApp(cmd.ErrOrStderr(), cmd.OutOrStdout(), cfg, appOpts...)
}

// Execute parses args, runs the selected command and returns nil or an
// *ExitError: ExitUsage for argument problems, ExitFailure for everything
// that went wrong afterwards.
func Execute(ctx context.Context, args []string, outW, errW io.Writer, appOpts ...app.Option) error {
	started := false
	root, err := newRootCommand(&started, appOpts)
	if err != nil {
		return &ExitError{Code: ExitUsage, Message: err.Error()}
	}
	root.SetArgs(args)
	root.SetOut(outW)
	root.SetErr(errW)

	err = root.ExecuteContext(ctx)
	if err == nil {
		return nil
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr
	}
	if !started {
		return &ExitError{Code: ExitUsage, Message: fmt.Sprintf("%v\nRun 'gridbench --help' for usage.", err)}
	}
	return &ExitError{Code: ExitFailure, Message: err.Error()}
}

func newRootCommand(started *bool, appOpts []app.Option) (*cobra.Command, error) {
	opts := &options{}
	root := &cobra.Command{
		Use:   "gridbench",
		Short: "Benchmark a project across commits and configuration variants.",
		Long: `gridbench runs the stages of a project definition on a CPU budget, stores
results so later runs only top up what is missing, and can walk recent git
history to test every commit that still lacks results.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			*started = true
			return nil
		},
	}
	if err := opts.register(root.PersistentFlags()); err != nil {
		return nil, err
	}
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &ExitError{Code: ExitUsage, Message: err.Error()}
	})

	root.AddCommand(
		newRunCommand(opts, appOpts),
		newScheduleCommand(opts, appOpts),
		newStoreCommand(opts),
		newVersionCommand(),
	)
	return root, nil
}

func newRunCommand(opts *options, appOpts []app.Option) *cobra.Command {
	var pins []string
	cmd := &cobra.Command{
		Use:   "run [stage...]",
		Short: "Run the named stages once, or every stage when none is named.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.newApp(cmd, appOpts)
			if err != nil {
				return err
			}
			_, err = a.Run(cmd.Context(), app.RunOptions{Stages: args, Pins: pins})
			return err
		},
	}
	cmd.Flags().StringArrayVar(&pins, "git-commit", nil, "Check out a repository at a revision for this run, as repo:rev. Repeatable.")
	return cmd
}

func newScheduleCommand(opts *options, appOpts []app.Option) *cobra.Command {
	var (
		maxAge      time.Duration
		commitLimit int
	)
	cmd := &cobra.Command{
		Use:   "schedule setup-stage... test-stage",
		Short: "Test recent commits that still lack results.",
		Long: `schedule walks the remote branches of the main repository and, newest commit
first, runs the setup stages followed by the test stage on every commit for
which the test stage still needs results.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.newApp(cmd, appOpts)
			if err != nil {
				return err
			}
			report, err := a.Schedule(cmd.Context(), app.ScheduleOptions{
				Stages:      args,
				MaxAge:      maxAge,
				CommitLimit: commitLimit,
			})
			if report != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "commits: %d, ran: %d, failed: %d\n", len(report.Commits), report.Ran(), report.Failed())
			}
			return err
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", scheduler.DefaultMaxAge, "Ignore branches whose tip is older than this. 0 keeps every branch.")
	cmd.Flags().IntVar(&commitLimit, "commit-limit", scheduler.DefaultCommitLimit, "Commits listed per branch. 0 is unlimited.")
	return cmd
}

func newStoreCommand(opts *options) *cobra.Command {
	store := &cobra.Command{
		Use:   "store",
		Short: "Manage the result store.",
	}
	store.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create the result table and its index.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config()
			if err != nil {
				return err
			}
			return app.InitStore(cmd.Context(), cmd.ErrOrStderr(), cfg)
		},
	})
	return store
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version.",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "gridbench %s\n", Version)
		},
	}
}
