package location

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sxbackup/btrfs-sxbackup/internal/retention"
	"github.com/sxbackup/btrfs-sxbackup/internal/shell"
	"github.com/sxbackup/btrfs-sxbackup/internal/shell/shelltest"
)

func mustURL(t *testing.T, raw string) shell.URL {
	t.Helper()
	u, err := shell.ParseURL(raw)
	require.NoError(t, err)
	return u
}

func TestSourceContainerDefaults(t *testing.T) {
	tr := shelltest.New()
	l := New(mustURL(t, "/mnt/a"), KindSource, "", tr, zap.NewNop())
	assert.Equal(t, DefaultContainerRelpath, l.ContainerRelpath)
	assert.Equal(t, "/mnt/a/.sxbackup/", l.ContainerPath())
	assert.Equal(t, "/mnt/a/.sxbackup/.btrfs-sxbackup", l.ConfigPath())
}

func TestDestinationUsesURLPathAsContainer(t *testing.T) {
	tr := shelltest.New()
	l := New(mustURL(t, "/mnt/b"), KindDestination, "", tr, zap.NewNop())
	assert.Empty(t, l.ContainerRelpath)
	assert.Equal(t, "/mnt/b/", l.ContainerPath())
}

func TestCreateTempNameUnique(t *testing.T) {
	tr := shelltest.New()
	l := New(mustURL(t, "/mnt/a"), KindSource, "", tr, zap.NewNop())
	seen := map[string]bool{}
	for i := 0; i < 64; i++ {
		name := l.CreateTempName()
		assert.True(t, strings.HasPrefix(name, ".temp."))
		assert.False(t, seen[name], "duplicate temp name %s", name)
		seen[name] = true
	}
}

func TestPrepareEnvironmentCreatesSourceContainer(t *testing.T) {
	ctx := context.Background()
	tr := shelltest.New()
	u := mustURL(t, "/mnt/a")
	tr.CreateSubvolume(u, "/mnt/a")

	l := New(u, KindSource, "", tr, zap.NewNop())
	require.NoError(t, l.PrepareEnvironment(ctx))
	assert.True(t, tr.HasSubvolume(u, "/mnt/a/.sxbackup"))
}

func TestPrepareEnvironmentRemovesLeftoverTemp(t *testing.T) {
	ctx := context.Background()
	tr := shelltest.New()
	u := mustURL(t, "/mnt/b")
	tr.CreateSubvolume(u, "/mnt/b")
	tr.CreateSubvolume(u, "/mnt/b/.temp.deadbeef")

	l := New(u, KindDestination, "", tr, zap.NewNop())
	require.NoError(t, l.PrepareEnvironment(ctx))
	assert.False(t, tr.HasSubvolume(u, "/mnt/b/.temp.deadbeef"))
}

func TestPrepareEnvironmentDestinationMissingContainer(t *testing.T) {
	ctx := context.Background()
	tr := shelltest.New()
	l := New(mustURL(t, "/mnt/missing"), KindDestination, "", tr, zap.NewNop())
	assert.Error(t, l.PrepareEnvironment(ctx))
}

func TestRetrieveSnapshots(t *testing.T) {
	ctx := context.Background()
	tr := shelltest.New()
	u := mustURL(t, "/mnt/b")
	tr.CreateSubvolume(u, "/mnt/b")
	tr.CreateSubvolume(u, "/mnt/b/sx-20150101-000000-utc")
	tr.CreateSubvolume(u, "/mnt/b/sx-20150103-000000-utc")
	tr.CreateSubvolume(u, "/mnt/b/sx-20150102-000000-utc")
	tr.CreateSubvolume(u, "/mnt/b/unrelated-subvolume")

	l := New(u, KindDestination, "", tr, zap.NewNop())
	snapshots, err := l.RetrieveSnapshots(ctx)
	require.NoError(t, err)

	// Unparseable names are not owned by the job and are ignored; the rest
	// come back newest first.
	require.Len(t, snapshots, 3)
	assert.Equal(t, "sx-20150103-000000-utc", snapshots[0].Name.String())
	assert.Equal(t, "sx-20150102-000000-utc", snapshots[1].Name.String())
	assert.Equal(t, "sx-20150101-000000-utc", snapshots[2].Name.String())
	require.NotNil(t, snapshots[0].Subvolume)
}

func TestPurgeSnapshotsStaticBudget(t *testing.T) {
	ctx := context.Background()
	tr := shelltest.New()
	u := mustURL(t, "/mnt/b")
	tr.CreateSubvolume(u, "/mnt/b")
	for _, name := range []string{
		"sx-20150101-000000-utc",
		"sx-20150102-000000-utc",
		"sx-20150103-000000-utc",
		"sx-20150104-000000-utc",
	} {
		tr.CreateSubvolume(u, "/mnt/b/"+name)
	}

	l := New(u, KindDestination, "", tr, zap.NewNop())
	l.Retention = retention.MustParse("3")
	_, err := l.RetrieveSnapshots(ctx)
	require.NoError(t, err)

	now := time.Date(2015, 1, 4, 12, 0, 0, 0, time.UTC)
	require.NoError(t, l.PurgeSnapshots(ctx, nil, now))

	// Three snapshots in total survive, the oldest is gone.
	assert.False(t, tr.HasSubvolume(u, "/mnt/b/sx-20150101-000000-utc"))
	assert.True(t, tr.HasSubvolume(u, "/mnt/b/sx-20150102-000000-utc"))
	assert.True(t, tr.HasSubvolume(u, "/mnt/b/sx-20150104-000000-utc"))
	assert.Len(t, l.Snapshots, 3)
}

func TestPurgeSnapshotsWithoutRetentionKeepsAll(t *testing.T) {
	ctx := context.Background()
	tr := shelltest.New()
	u := mustURL(t, "/mnt/b")
	tr.CreateSubvolume(u, "/mnt/b")
	tr.CreateSubvolume(u, "/mnt/b/sx-20150101-000000-utc")
	tr.CreateSubvolume(u, "/mnt/b/sx-20150102-000000-utc")

	l := New(u, KindDestination, "", tr, zap.NewNop())
	_, err := l.RetrieveSnapshots(ctx)
	require.NoError(t, err)

	require.NoError(t, l.PurgeSnapshots(ctx, nil, time.Now()))
	assert.Len(t, l.Snapshots, 2)
}

func TestDestroyPurgesAndRemovesSourceContainer(t *testing.T) {
	ctx := context.Background()
	tr := shelltest.New()
	u := mustURL(t, "/mnt/a")
	tr.CreateSubvolume(u, "/mnt/a")
	tr.CreateSubvolume(u, "/mnt/a/.sxbackup")
	tr.CreateSubvolume(u, "/mnt/a/.sxbackup/sx-20150101-000000-utc")

	l := New(u, KindSource, "", tr, zap.NewNop())
	l.UUID = newTestUUID(t)
	l.Retention = retention.MustParse("3")
	require.NoError(t, l.WriteConfiguration(ctx, nil))

	require.NoError(t, l.Destroy(ctx, true))

	assert.False(t, tr.HasSubvolume(u, "/mnt/a/.sxbackup/sx-20150101-000000-utc"))
	assert.False(t, tr.HasSubvolume(u, "/mnt/a/.sxbackup"))
	_, hasConfig := tr.FileContent(u, "/mnt/a/.sxbackup/.btrfs-sxbackup")
	assert.False(t, hasConfig)
}

func TestDestroyWithoutPurgeKeepsSnapshots(t *testing.T) {
	ctx := context.Background()
	tr := shelltest.New()
	u := mustURL(t, "/mnt/a")
	tr.CreateSubvolume(u, "/mnt/a")
	tr.CreateSubvolume(u, "/mnt/a/.sxbackup")
	tr.CreateSubvolume(u, "/mnt/a/.sxbackup/sx-20150101-000000-utc")

	l := New(u, KindSource, "", tr, zap.NewNop())
	l.UUID = newTestUUID(t)
	require.NoError(t, l.WriteConfiguration(ctx, nil))

	require.NoError(t, l.Destroy(ctx, false))

	// The snapshot and its container survive; only the configuration goes.
	assert.True(t, tr.HasSubvolume(u, "/mnt/a/.sxbackup/sx-20150101-000000-utc"))
	assert.True(t, tr.HasSubvolume(u, "/mnt/a/.sxbackup"))
}
