package main

import (
	"github.com/spf13/cobra"

	"github.com/sxbackup/btrfs-sxbackup/internal/job"
	"github.com/sxbackup/btrfs-sxbackup/internal/retention"
	"github.com/sxbackup/btrfs-sxbackup/internal/shell"
)

func newInitCmd(a *app) *cobra.Command {
	var (
		sourceRetention string
		destRetention   string
		compress        bool
	)

	cmd := &cobra.Command{
		Use:   "init <source-url> [<destination-url>]",
		Short: "Initialize a backup job",
		Long: `Initialize a backup job binding a source subvolume to a destination
container subvolume. Omitting the destination creates a source-only
snapshot rotation job. Both sides may be local paths or SSH urls of the
form [scheme://][user@host[:port]]/path.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, _, closeLogger := a.newLogger("", false)
			defer closeLogger()

			sourceURL, err := shell.ParseURL(args[0])
			if err != nil {
				logger.Error("invalid source url", errField(err))
				return err
			}

			var destURL *shell.URL
			if len(args) == 2 {
				u, err := shell.ParseURL(args[1])
				if err != nil {
					logger.Error("invalid destination url", errField(err))
					return err
				}
				destURL = &u
			}

			opts := job.InitOptions{
				SourceRetention:      a.global.SourceRetention,
				DestinationRetention: a.global.DestinationRetention,
				Compress:             compress,
			}
			if sourceRetention != "" {
				if opts.SourceRetention, err = retention.Parse(sourceRetention); err != nil {
					logger.Error("invalid source retention", errField(err))
					return err
				}
			}
			if destRetention != "" {
				if opts.DestinationRetention, err = retention.Parse(destRetention); err != nil {
					logger.Error("invalid destination retention", errField(err))
					return err
				}
			}

			if _, err := job.Init(cmd.Context(), sourceURL, destURL, opts, a.transport, logger); err != nil {
				logger.Error("init failed", errField(err))
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sourceRetention, "source-retention", "",
		`expression defining which source snapshots to retain, e.g. "10" or "1d:4/d, 1w:daily, 2m:none" (alias --sr)`)
	cmd.Flags().StringVar(&destRetention, "destination-retention", "",
		"expression defining which destination snapshots to retain (alias --dr)")
	cmd.Flags().BoolVarP(&compress, "compress", "c", false,
		"compress the transfer stream; requires lzop on both sides")

	return cmd
}
