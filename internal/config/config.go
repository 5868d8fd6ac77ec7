// Package config reads the global configuration file. The result is an
// explicit value constructed once at program entry and passed to whatever
// needs it — there is no process-wide singleton.
package config

import (
	"fmt"
	"os"

	"gopkg.in/ini.v1"

	"github.com/sxbackup/btrfs-sxbackup/internal/retention"
)

// DefaultPath is where the global configuration lives.
const DefaultPath = "/etc/btrfs-sxbackup.conf"

const sectionName = "Default"

const (
	keySourceRetention      = "source-retention"
	keyDestinationRetention = "destination-retention"
	keyLogIdent             = "log-ident"
	keyEmailRecipient       = "email-recipient"
	keySMTPHost             = "smtp-host"
	keySMTPPort             = "smtp-port"
)

// Global holds the machine-wide defaults. All fields are optional; the zero
// value is what a missing file yields.
type Global struct {
	// SourceRetention and DestinationRetention are applied by init when no
	// expression is given on the command line.
	SourceRetention      *retention.Expression
	DestinationRetention *retention.Expression

	// LogIdent overrides the syslog ident for run invocations.
	LogIdent string

	// EmailRecipient receives failure notifications when run is invoked
	// with -m and no explicit address.
	EmailRecipient string

	// SMTPHost switches mail delivery from the local sendmail binary to a
	// direct SMTP submission when set. SMTPPort defaults to 25.
	SMTPHost string
	SMTPPort int
}

// Load reads the global configuration from path. A missing file is not an
// error; it yields the zero value.
func Load(path string) (Global, error) {
	var g Global

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return g, nil
		}
		return g, fmt.Errorf("reading global configuration [%s]: %w", path, err)
	}

	file, err := ini.Load(data)
	if err != nil {
		return g, fmt.Errorf("parsing global configuration [%s]: %w", path, err)
	}

	section := file.Section(sectionName)

	if v := section.Key(keySourceRetention).String(); v != "" {
		expr, err := retention.Parse(v)
		if err != nil {
			return g, fmt.Errorf("global %s: %w", keySourceRetention, err)
		}
		g.SourceRetention = expr
	}
	if v := section.Key(keyDestinationRetention).String(); v != "" {
		expr, err := retention.Parse(v)
		if err != nil {
			return g, fmt.Errorf("global %s: %w", keyDestinationRetention, err)
		}
		g.DestinationRetention = expr
	}

	g.LogIdent = section.Key(keyLogIdent).String()
	g.EmailRecipient = section.Key(keyEmailRecipient).String()
	g.SMTPHost = section.Key(keySMTPHost).String()
	g.SMTPPort = section.Key(keySMTPPort).MustInt(0)

	return g, nil
}
