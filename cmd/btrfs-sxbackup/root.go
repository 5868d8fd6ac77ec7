package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/sxbackup/btrfs-sxbackup/internal/config"
	"github.com/sxbackup/btrfs-sxbackup/internal/logging"
	"github.com/sxbackup/btrfs-sxbackup/internal/shell"
)

const appName = "btrfs-sxbackup"

// app carries the state shared by all subcommands: parsed global flags, the
// global configuration, and the shell transport.
type app struct {
	quiet   bool
	verbose int

	global    config.Global
	transport shell.Transport
}

// flagAliases maps the short flag spellings of the original tool onto the
// canonical names, so --sr works alongside --source-retention.
var flagAliases = map[string]string{
	"sr": "source-retention",
	"dr": "destination-retention",
	"nc": "no-compress",
	"li": "log-ident",
}

func newRootCmd() *cobra.Command {
	a := &app{transport: shell.NewTransport()}

	root := &cobra.Command{
		Use:     appName,
		Short:   "Incremental btrfs snapshot backups using snapshots and send/receive",
		Version: fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			global, err := config.Load(config.DefaultPath)
			if err != nil {
				return err
			}
			a.global = global
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().BoolVarP(&a.quiet, "quiet", "q", false, "do not log to stdout")
	root.PersistentFlags().CountVarP(&a.verbose, "verbose", "v", "enable debug logging and stack traces")

	root.SetGlobalNormalizationFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		if canonical, ok := flagAliases[name]; ok {
			name = canonical
		}
		return pflag.NormalizedName(name)
	})

	root.AddCommand(
		newInitCmd(a),
		newUpdateCmd(a),
		newRunCmd(a),
		newInfoCmd(a),
		newPurgeCmd(a),
		newDestroyCmd(a),
		newTransferCmd(a),
	)

	return root
}

// newLogger builds the logger for one command invocation. Syslog is
// enabled with the given ident, or with the program name when the ident is
// empty; capture is requested by run when a mail recipient is configured.
func (a *app) newLogger(ident string, capture bool) (*zap.Logger, *logging.Buffer, func()) {
	if ident == "" {
		ident = appName
	}
	return logging.New(logging.Options{
		Quiet:       a.quiet,
		Verbose:     a.verbose > 0,
		SyslogIdent: ident,
		Capture:     capture,
	})
}

func errField(err error) zap.Field {
	return zap.Error(err)
}

// forEachSubvolume runs fn once per subvolume URL argument, logging and
// counting failures instead of stopping. A non-nil return means at least
// one subvolume failed and the process must exit non-zero.
func forEachSubvolume(logger *zap.Logger, args []string, fn func(url shell.URL) error) error {
	failed := 0
	for _, raw := range args {
		url, err := shell.ParseURL(raw)
		if err != nil {
			logger.Error("invalid subvolume url", zap.String("url", raw), zap.Error(err))
			failed++
			continue
		}
		if err := fn(url); err != nil {
			logger.Error("subvolume failed", zap.String("url", url.String()), zap.Error(err))
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d subvolume(s) failed", failed, len(args))
	}
	return nil
}
