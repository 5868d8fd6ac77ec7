package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sxbackup/btrfs-sxbackup/internal/job"
	"github.com/sxbackup/btrfs-sxbackup/internal/mail"
	"github.com/sxbackup/btrfs-sxbackup/internal/shell"
)

// mailFlagDefault marks -m given without an address: the recipient then
// comes from the global configuration.
const mailFlagDefault = "\x00global"

func newRunCmd(a *app) *cobra.Command {
	var (
		mailTo   string
		logIdent string
	)

	cmd := &cobra.Command{
		Use:   "run <subvolume>...",
		Short: "Run backup jobs",
		Long: `Run the backup job of each given subvolume. A subvolume may be either
endpoint of a job, as a local path or an SSH url.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			recipient := ""
			if cmd.Flags().Changed("mail") {
				recipient = mailTo
				if recipient == mailFlagDefault {
					recipient = a.global.EmailRecipient
				}
			}

			ident := logIdent
			if ident == "" {
				ident = a.global.LogIdent
			}

			logger, buffer, closeLogger := a.newLogger(ident, recipient != "")
			defer closeLogger()

			err := forEachSubvolume(logger, args, func(url shell.URL) error {
				j, err := job.Load(cmd.Context(), url, a.transport, logger)
				if err != nil {
					return err
				}
				j.ShowProgress = !a.quiet
				return j.Run(cmd.Context())
			})

			if err != nil && recipient != "" {
				notifier := &mail.Notifier{
					Recipient: recipient,
					SMTPHost:  a.global.SMTPHost,
					SMTPPort:  a.global.SMTPPort,
				}
				if mailErr := notifier.Send(appName+" FAILED", buffer.String()); mailErr != nil {
					logger.Warn("sending failure notification failed", zap.Error(mailErr))
				}
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&mailTo, "mail", "m", "",
		"send the run log by email on failure; without an address the global email-recipient is used")
	cmd.Flags().Lookup("mail").NoOptDefVal = mailFlagDefault
	cmd.Flags().StringVar(&logIdent, "log-ident", "",
		"ident used for syslog logging (alias --li)")

	return cmd
}
