package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/sxbackup/btrfs-sxbackup/internal/job"
	"github.com/sxbackup/btrfs-sxbackup/internal/shell"
)

func newInfoCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "info <subvolume>...",
		Short: "Print backup job information",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, _, closeLogger := a.newLogger("", false)
			defer closeLogger()

			return forEachSubvolume(logger, args, func(url shell.URL) error {
				j, err := job.Load(cmd.Context(), url, a.transport, logger)
				if err != nil {
					return err
				}
				j.PrintInfo(cmd.Context(), os.Stdout)
				return nil
			})
		},
	}
}
