package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findCommand(t *testing.T, root *cobra.Command, name string) *cobra.Command {
	t.Helper()
	for _, c := range root.Commands() {
		if c.Name() == name {
			return c
		}
	}
	t.Fatalf("command %s not found", name)
	return nil
}

func TestRootCommandSurface(t *testing.T) {
	root := newRootCmd()

	for _, expected := range []string{"init", "update", "run", "info", "purge", "destroy", "transfer"} {
		findCommand(t, root, expected)
	}

	assert.NotNil(t, root.PersistentFlags().Lookup("quiet"))
	assert.NotNil(t, root.PersistentFlags().Lookup("verbose"))
}

// The short spellings of the original tool normalize onto the canonical
// flag names, so --sr works alongside --source-retention.
func TestFlagAliases(t *testing.T) {
	root := newRootCmd()
	initCmd := findCommand(t, root, "init")

	norm := initCmd.Flags().GetNormalizeFunc()
	assert.Equal(t, "source-retention", string(norm(initCmd.Flags(), "sr")))
	assert.Equal(t, "destination-retention", string(norm(initCmd.Flags(), "dr")))

	runCmd := findCommand(t, root, "run")
	assert.Equal(t, "log-ident", string(norm(runCmd.Flags(), "li")))
}

func TestRunMailFlagOptionalValue(t *testing.T) {
	root := newRootCmd()
	runCmd := findCommand(t, root, "run")

	f := runCmd.Flags().Lookup("mail")
	require.NotNil(t, f)
	assert.Equal(t, mailFlagDefault, f.NoOptDefVal)
}
