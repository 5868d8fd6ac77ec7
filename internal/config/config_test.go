package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "btrfs-sxbackup.conf")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadMissingFile(t *testing.T) {
	g, err := Load(filepath.Join(t.TempDir(), "does-not-exist.conf"))
	require.NoError(t, err)
	assert.Nil(t, g.SourceRetention)
	assert.Nil(t, g.DestinationRetention)
	assert.Empty(t, g.LogIdent)
	assert.Empty(t, g.EmailRecipient)
}

func TestLoadFull(t *testing.T) {
	path := writeConfig(t, `[Default]
source-retention = 1d:4/d, 1w:daily
destination-retention = 2d: 1/d, 2m:none
log-ident = nightly-backup
email-recipient = admin@example.org
smtp-host = mail.example.org
smtp-port = 587
`)

	g, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, g.SourceRetention)
	assert.Equal(t, "1d:4/d, 1w:daily", g.SourceRetention.String())
	require.NotNil(t, g.DestinationRetention)
	assert.Equal(t, "2d: 1/d, 2m:none", g.DestinationRetention.String())
	assert.Equal(t, "nightly-backup", g.LogIdent)
	assert.Equal(t, "admin@example.org", g.EmailRecipient)
	assert.Equal(t, "mail.example.org", g.SMTPHost)
	assert.Equal(t, 587, g.SMTPPort)
}

func TestLoadInvalidRetention(t *testing.T) {
	path := writeConfig(t, "[Default]\nsource-retention = garbage\n")
	_, err := Load(path)
	assert.Error(t, err)
}
