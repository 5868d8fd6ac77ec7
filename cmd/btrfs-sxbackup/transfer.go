package main

import (
	"github.com/spf13/cobra"

	"github.com/sxbackup/btrfs-sxbackup/internal/job"
	"github.com/sxbackup/btrfs-sxbackup/internal/shell"
)

func newTransferCmd(a *app) *cobra.Command {
	var compress bool

	cmd := &cobra.Command{
		Use:   "transfer <source-url> <destination-url>",
		Short: "Transfer a snapshot between two locations",
		Long: `Send a fresh snapshot of the source subvolume into the destination
container in one shot, without touching job configurations or retention.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, _, closeLogger := a.newLogger("", false)
			defer closeLogger()

			sourceURL, err := shell.ParseURL(args[0])
			if err != nil {
				logger.Error("invalid source url", errField(err))
				return err
			}
			destURL, err := shell.ParseURL(args[1])
			if err != nil {
				logger.Error("invalid destination url", errField(err))
				return err
			}

			if err := job.Transfer(cmd.Context(), sourceURL, destURL, compress, a.transport, logger); err != nil {
				logger.Error("transfer failed", errField(err))
				return err
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&compress, "compress", "c", false,
		"compress the transfer stream; requires lzop on both sides")

	return cmd
}
