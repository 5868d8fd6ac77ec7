package job

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPrintInfo(t *testing.T) {
	color.NoColor = true

	tr, src, dst := newFixture(t)
	initTestJob(t, tr, src, dst)

	j := loadAt(t, tr, src, t0)
	require.NoError(t, j.Run(context.Background()))
	j = loadAt(t, tr, src, t0.Add(time.Hour))
	require.NoError(t, j.Run(context.Background()))

	var buf bytes.Buffer
	j.PrintInfo(context.Background(), &buf)
	out := buf.String()

	assert.Contains(t, out, "UUID")
	assert.Contains(t, out, j.Source.UUID.String())
	assert.Contains(t, out, "Source URL")
	assert.Contains(t, out, "/mnt/a")
	assert.Contains(t, out, "Source container")
	assert.Contains(t, out, ".sxbackup")
	assert.Contains(t, out, "Destination URL")
	assert.Contains(t, out, "/mnt/b")
	assert.Contains(t, out, "sx-20150301-030000-utc")
	assert.Contains(t, out, "sx-20150301-040000-utc")
}

func TestPrintInfoSourceOnly(t *testing.T) {
	color.NoColor = true

	tr, src, _ := newFixture(t)
	_, err := Init(context.Background(), src, nil, InitOptions{}, tr, zap.NewNop())
	require.NoError(t, err)

	j := loadAt(t, tr, src, t0)

	var buf bytes.Buffer
	j.PrintInfo(context.Background(), &buf)
	out := buf.String()

	assert.Contains(t, out, "Source URL")
	assert.NotContains(t, out, "Destination URL")
}
