package main

import (
	"github.com/spf13/cobra"

	"github.com/sxbackup/btrfs-sxbackup/internal/job"
	"github.com/sxbackup/btrfs-sxbackup/internal/shell"
)

func newDestroyCmd(a *app) *cobra.Command {
	var purge bool

	cmd := &cobra.Command{
		Use:   "destroy <subvolume>...",
		Short: "Destroy backup jobs",
		Long: `Remove the job configuration on both sides. Snapshots are left in place
unless --purge is given; an emptied source container subvolume is removed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, _, closeLogger := a.newLogger("", false)
			defer closeLogger()

			return forEachSubvolume(logger, args, func(url shell.URL) error {
				j, err := job.Load(cmd.Context(), url, a.transport, logger)
				if err != nil {
					return err
				}
				return j.Destroy(cmd.Context(), purge)
			})
		},
	}

	cmd.Flags().BoolVar(&purge, "purge", false, "remove all snapshots as well")

	return cmd
}
