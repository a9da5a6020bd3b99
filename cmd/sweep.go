package cmd

import (
	"fmt"
	"time"

	"filevora/storage"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

// NewSweepCommand runs a single retention sweep, for cron-driven deployments
// that do not keep the server's own sweeper.
func NewSweepCommand(fs afero.Fs, opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "sweep",
		Example: "$ filevora sweep --storage-dir /var/lib/filevora/jobs",
		Short:   "Delete expired job directories once and exit",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load(cmd)
			if err != nil {
				return err
			}

			store, err := storage.NewStore(fs, cfg.StorageDir, cfg.RetentionWindow, logger)
			if err != nil {
				return err
			}
			result := storage.NewSweeper(store, cfg.SweepInterval, logger).RunOnce()
			if result.Err != nil {
				return fmt.Errorf("sweep failed: %w", result.Err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "scanned %d, reaped %d, failed %d (retention %s)\n",
				result.Scanned, result.Reaped, result.Failed, cfg.RetentionWindow.Round(time.Second))
			return nil
		},
	}
}
