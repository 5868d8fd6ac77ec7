package main

import (
	"github.com/spf13/cobra"

	"github.com/sxbackup/btrfs-sxbackup/internal/job"
	"github.com/sxbackup/btrfs-sxbackup/internal/retention"
	"github.com/sxbackup/btrfs-sxbackup/internal/shell"
)

func newPurgeCmd(a *app) *cobra.Command {
	var (
		sourceRetention string
		destRetention   string
	)

	cmd := &cobra.Command{
		Use:   "purge <subvolume>...",
		Short: "Prune snapshots according to retention",
		Long: `Apply retention to both sides of each job, removing the snapshots the
expressions no longer cover. The newest snapshot is always kept. Retention
flags override the configured expressions for this invocation only.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, _, closeLogger := a.newLogger("", false)
			defer closeLogger()

			var srcOverride, dstOverride *retention.Expression
			var err error
			if sourceRetention != "" {
				if srcOverride, err = retention.Parse(sourceRetention); err != nil {
					logger.Error("invalid source retention", errField(err))
					return err
				}
			}
			if destRetention != "" {
				if dstOverride, err = retention.Parse(destRetention); err != nil {
					logger.Error("invalid destination retention", errField(err))
					return err
				}
			}

			return forEachSubvolume(logger, args, func(url shell.URL) error {
				j, err := job.Load(cmd.Context(), url, a.transport, logger)
				if err != nil {
					return err
				}
				return j.Purge(cmd.Context(), srcOverride, dstOverride)
			})
		},
	}

	cmd.Flags().StringVar(&sourceRetention, "source-retention", "",
		"override the source retention expression (alias --sr)")
	cmd.Flags().StringVar(&destRetention, "destination-retention", "",
		"override the destination retention expression (alias --dr)")

	return cmd
}
