package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"filevora/config"
	"filevora/logging"

	"github.com/charmbracelet/log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	storageDir string
	logLevel   string
}

// NewRootCommand returns the root command with all subcommands attached.
func NewRootCommand(ctx context.Context, fs afero.Fs) *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "filevora",
		Short: "Stateless file conversion API.",
		Long: `Filevora accepts uploads or cloud-drive links, converts them with Gotenberg or
FFmpeg inside a short-lived job directory, and serves the result until the
retention window expires.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.storageDir, "storage-dir", "", "Job storage root (overrides STORAGE_DIR)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (overrides LOG_LEVEL)")

	rootCmd.AddCommand(NewServeCommand(ctx, fs, opts))
	rootCmd.AddCommand(NewSweepCommand(fs, opts))
	return rootCmd
}

// load reads the environment, applies flag overrides and validates.
func (o *rootOptions) load(cmd *cobra.Command) (*config.Config, *log.Logger, error) {
	cfg := config.Load()
	if o.storageDir != "" {
		cfg.StorageDir = o.storageDir
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Writer: cmd.ErrOrStderr()})
	return cfg, logger, nil
}

// Execute runs the CLI against the OS filesystem until SIGINT or SIGTERM.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := NewRootCommand(ctx, afero.NewOsFs()).ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
