package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/sxbackup/btrfs-sxbackup/internal/job"
	"github.com/sxbackup/btrfs-sxbackup/internal/retention"
	"github.com/sxbackup/btrfs-sxbackup/internal/shell"
)

func newUpdateCmd(a *app) *cobra.Command {
	var (
		sourceRetention string
		destRetention   string
		compress        bool
		noCompress      bool
	)

	cmd := &cobra.Command{
		Use:   "update <subvolume>...",
		Short: "Update backup job parameters",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, _, closeLogger := a.newLogger("", false)
			defer closeLogger()

			if compress && noCompress {
				err := errors.New("--compress and --no-compress are mutually exclusive")
				logger.Error("invalid arguments", errField(err))
				return err
			}

			opts := job.UpdateOptions{}
			if sourceRetention != "" {
				expr, err := retention.Parse(sourceRetention)
				if err != nil {
					logger.Error("invalid source retention", errField(err))
					return err
				}
				opts.SourceRetention = expr
			}
			if destRetention != "" {
				expr, err := retention.Parse(destRetention)
				if err != nil {
					logger.Error("invalid destination retention", errField(err))
					return err
				}
				opts.DestinationRetention = expr
			}
			if compress || noCompress {
				v := compress
				opts.Compress = &v
			}

			return forEachSubvolume(logger, args, func(url shell.URL) error {
				j, err := job.Load(cmd.Context(), url, a.transport, logger)
				if err != nil {
					return err
				}
				return j.Update(cmd.Context(), opts)
			})
		},
	}

	cmd.Flags().StringVar(&sourceRetention, "source-retention", "",
		"expression defining which source snapshots to retain (alias --sr)")
	cmd.Flags().StringVar(&destRetention, "destination-retention", "",
		"expression defining which destination snapshots to retain (alias --dr)")
	cmd.Flags().BoolVarP(&compress, "compress", "c", false,
		"enable transfer stream compression")
	cmd.Flags().BoolVar(&noCompress, "no-compress", false,
		"disable transfer stream compression (alias --nc)")

	return cmd
}
