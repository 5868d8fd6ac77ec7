// Package location models a URL-addressed backup endpoint hosting a
// container subvolume on the local host or on a remote host reachable over
// SSH. A Location is the only object that mutates filesystem state; every
// operation it performs is a single shell line issued through the shell
// transport, so source and destination behave identically no matter which
// side of the SSH connection they live on.
//
// Source and destination differ by a variant tag, not a type hierarchy:
// only a source creates its container on demand, only a source can snapshot
// the live volume, and only a source keeps its container in a relative path
// below the backed-up subvolume.
package location

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/sxbackup/btrfs-sxbackup/internal/entity"
	"github.com/sxbackup/btrfs-sxbackup/internal/retention"
	"github.com/sxbackup/btrfs-sxbackup/internal/shell"
)

// DefaultContainerRelpath is where a source keeps its snapshot container,
// relative to the backed-up subvolume.
const DefaultContainerRelpath = ".sxbackup"

// tempPrefix names in-flight scratch subvolumes. The random suffix keeps an
// interrupted run from colliding with the next one.
const tempPrefix = ".temp."

// ErrInconsistentLayout is returned when the container holds nested
// subvolumes, i.e. listed snapshot paths do not share a single parent.
var ErrInconsistentLayout = errors.New("inconsistent container layout")

// Kind tags a location as the backup source or destination.
type Kind int

const (
	KindSource Kind = iota + 1
	KindDestination
)

func (k Kind) String() string {
	switch k {
	case KindSource:
		return "Source"
	case KindDestination:
		return "Destination"
	}
	return ""
}

// ParseKind maps a configuration section name back to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "Source":
		return KindSource, nil
	case "Destination":
		return KindDestination, nil
	}
	return 0, fmt.Errorf("invalid location type [%s]", s)
}

// Location is one endpoint of a backup job.
type Location struct {
	URL  shell.URL
	Kind Kind

	// UUID is the shared job identity; both endpoints of a job carry the
	// same value.
	UUID uuid.UUID

	// ContainerRelpath is the snapshot container path relative to URL.Path.
	// Set on sources only; a destination's URL path is the container.
	ContainerRelpath string

	Retention *retention.Expression
	Compress  bool

	// Snapshots is the most recently retrieved snapshot list, newest first.
	Snapshots []entity.Snapshot

	transport shell.Transport
	logger    *zap.Logger
	base      *zap.Logger
}

// New creates a location. A source without an explicit container relpath
// gets DefaultContainerRelpath; destinations never carry one.
func New(url shell.URL, kind Kind, containerRelpath string, transport shell.Transport, logger *zap.Logger) *Location {
	l := &Location{
		URL:       url,
		Kind:      kind,
		transport: transport,
		base:      logger,
		logger:    namedLogger(logger, kind),
	}
	if kind == KindSource && containerRelpath == "" {
		containerRelpath = DefaultContainerRelpath
	}
	if kind == KindSource {
		l.ContainerRelpath = strings.Trim(containerRelpath, "/")
	}
	return l
}

func namedLogger(logger *zap.Logger, kind Kind) *zap.Logger {
	if name := kind.String(); name != "" {
		return logger.Named(strings.ToLower(name))
	}
	return logger
}

// SetKind retags the location, renaming its logger accordingly.
func (l *Location) SetKind(kind Kind) {
	l.Kind = kind
	l.logger = namedLogger(l.base, kind)
}

// IsRemote reports whether the endpoint lives on a remote host.
func (l *Location) IsRemote() bool {
	return l.URL.IsRemote()
}

// ContainerPath is the absolute path of the snapshot container subvolume,
// trailing-separator terminated.
func (l *Location) ContainerPath() string {
	if l.ContainerRelpath != "" {
		return path.Join(l.URL.TrimmedPath(), l.ContainerRelpath) + "/"
	}
	return l.URL.Path
}

// ConfigPath is the absolute path of the job configuration file.
func (l *Location) ConfigPath() string {
	return path.Join(l.ContainerPath(), ConfigFilename)
}

// SnapshotPath is the absolute path of a named snapshot in the container.
func (l *Location) SnapshotPath(name string) string {
	return path.Join(l.ContainerPath(), name)
}

// CreateTempName mints a scratch subvolume name unique across concurrent
// and interrupted runs.
func (l *Location) CreateTempName() string {
	buf := make([]byte, 6)
	_, _ = rand.Read(buf)
	return tempPrefix + hex.EncodeToString(buf)
}

// checkOutput issues a single shell line at this endpoint.
func (l *Location) checkOutput(ctx context.Context, cmd string) ([]byte, error) {
	l.logger.Debug("exec", zap.String("cmd", cmd))
	return l.transport.CheckOutput(ctx, l.URL, cmd)
}

// HasConfiguration probes for the job configuration file.
func (l *Location) HasConfiguration(ctx context.Context) bool {
	code, err := l.transport.Call(ctx, l.URL,
		fmt.Sprintf("if [ -f %s ] ; then exit 10; fi", shellquote.Join(l.ConfigPath())))
	return err == nil && code == 10
}

// PrepareEnvironment readies the endpoint for a run: the container exists
// (created on demand on the source side), actually is a subvolume, and no
// scratch subvolume from an interrupted run is left behind.
func (l *Location) PrepareEnvironment(ctx context.Context) error {
	container := l.ContainerPath()
	q := shellquote.Join(strings.TrimSuffix(container, "/"))

	if l.Kind == KindSource {
		if _, err := l.checkOutput(ctx,
			fmt.Sprintf("if [ ! -d %s ] ; then btrfs sub create %s; fi", q, q)); err != nil {
			return fmt.Errorf("creating container subvolume: %w", err)
		}
	}

	if _, err := l.checkOutput(ctx, fmt.Sprintf("btrfs sub show %s", q)); err != nil {
		return fmt.Errorf("container path is not a subvolume [%s]: %w", container, err)
	}

	// Leftover scratch subvolumes block a subsequent run; the glob is
	// evaluated by the endpoint's shell.
	cleanup := fmt.Sprintf(`cd %s && for t in %s* ; do if [ -d "$t" ] ; then btrfs sub del "$t"; fi; done`,
		q, tempPrefix)
	if _, err := l.checkOutput(ctx, cleanup); err != nil {
		return fmt.Errorf("removing leftover scratch subvolumes: %w", err)
	}

	return nil
}

// RetrieveSnapshots lists the container's immediate child subvolumes,
// keeps the ones whose names parse as snapshot names, caches the result
// newest-first and returns it.
func (l *Location) RetrieveSnapshots(ctx context.Context) ([]entity.Snapshot, error) {
	l.logger.Info("retrieving snapshots")

	out, err := l.checkOutput(ctx,
		fmt.Sprintf("btrfs sub list -o %s", shellquote.Join(strings.TrimSuffix(l.ContainerPath(), "/"))))
	if err != nil {
		return nil, fmt.Errorf("listing container subvolumes: %w", err)
	}

	var subvolumes []entity.Subvolume
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		sv, err := entity.ParseSubvolume(line)
		if err != nil {
			return nil, err
		}
		subvolumes = append(subvolumes, sv)
	}

	// All listed paths must live directly under one parent; anything else
	// means a nested subvolume structure inside the container, which a job
	// cannot own.
	if len(subvolumes) > 0 {
		parent := path.Dir(subvolumes[0].Path)
		for _, sv := range subvolumes {
			if path.Dir(sv.Path) != parent {
				return nil, fmt.Errorf("%w at %s [%s != %s]: each job needs a dedicated container subvolume",
					ErrInconsistentLayout, l.URL.String(), parent, path.Dir(sv.Path))
			}
		}
	}

	snapshots := make([]entity.Snapshot, 0, len(subvolumes))
	for i := range subvolumes {
		name, err := entity.ParseSnapshotName(path.Base(subvolumes[i].Path))
		if err != nil {
			// Names the job does not own are ignored.
			continue
		}
		snapshots = append(snapshots, entity.Snapshot{Name: name, Subvolume: &subvolumes[i]})
	}

	sortSnapshots(snapshots)
	l.Snapshots = snapshots
	return snapshots, nil
}

// sortSnapshots orders newest first.
func sortSnapshots(snapshots []entity.Snapshot) {
	sort.SliceStable(snapshots, func(i, j int) bool {
		return snapshots[j].Name.Before(snapshots[i].Name)
	})
}

// CreateSnapshot takes a read-only snapshot of the live volume under the
// container and returns its path. The volume mtime is stamped first so
// consecutive snapshots always differ, and the filesystem is synced so the
// snapshot is complete on disk before it is sent anywhere.
func (l *Location) CreateSnapshot(ctx context.Context, name string) (string, error) {
	if l.Kind != KindSource {
		return "", errors.New("snapshots can only be created on a source location")
	}

	l.logger.Info("creating snapshot", zap.String("name", name))

	volume := l.URL.TrimmedPath()
	target := l.SnapshotPath(name)
	cmd := fmt.Sprintf("touch %s && btrfs sub snap -r %s %s && sync",
		shellquote.Join(volume), shellquote.Join(volume), shellquote.Join(target))
	if _, err := l.checkOutput(ctx, cmd); err != nil {
		return "", fmt.Errorf("creating snapshot [%s]: %w", name, err)
	}
	return target, nil
}

// MoveFile renames a path within the location.
func (l *Location) MoveFile(ctx context.Context, src, dst string) error {
	_, err := l.checkOutput(ctx, fmt.Sprintf("mv %s %s", shellquote.Join(src), shellquote.Join(dst)))
	if err != nil {
		return fmt.Errorf("renaming [%s] to [%s]: %w", src, dst, err)
	}
	return nil
}

// RemoveSubvolume deletes a subvolume if it exists.
func (l *Location) RemoveSubvolume(ctx context.Context, subvolumePath string) error {
	l.logger.Info("removing subvolume", zap.String("path", subvolumePath))
	q := shellquote.Join(strings.TrimSuffix(subvolumePath, "/"))
	_, err := l.checkOutput(ctx, fmt.Sprintf("if [ -d %s ] ; then btrfs sub del %s; fi", q, q))
	if err != nil {
		return fmt.Errorf("removing subvolume [%s]: %w", subvolumePath, err)
	}
	return nil
}

// RemoveSnapshots deletes the named snapshots in one batched shell command.
func (l *Location) RemoveSnapshots(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}

	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = shellquote.Join(n)
	}
	cmd := fmt.Sprintf("cd %s && btrfs sub del %s",
		shellquote.Join(strings.TrimSuffix(l.ContainerPath(), "/")), strings.Join(quoted, " "))
	if _, err := l.checkOutput(ctx, cmd); err != nil {
		return fmt.Errorf("removing snapshots: %w", err)
	}
	return nil
}

// PurgeSnapshots applies retention to all cached snapshots except the
// newest, which is always kept. An override expression takes precedence
// over the configured one; with neither, nothing is removed.
func (l *Location) PurgeSnapshots(ctx context.Context, override *retention.Expression, now time.Time) error {
	expr := l.Retention
	if override != nil {
		expr = override
	}
	if expr == nil || len(l.Snapshots) <= 1 {
		return nil
	}

	// The head never reaches the filter but still occupies a slot of a
	// static budget.
	removals, kept := retention.Filter(expr.WithHeadRetained(), l.Snapshots[1:],
		func(s entity.Snapshot) time.Time { return s.Name.Timestamp() }, now)

	for _, removal := range removals {
		names := make([]string, len(removal.Items))
		for i, s := range removal.Items {
			names[i] = s.Name.String()
		}
		l.logger.Info(fmt.Sprintf("removing %d snapshot(s) due to retention [%s]: %s",
			len(names), removal.Condition, strings.Join(names, ", ")))
		if err := l.RemoveSnapshots(ctx, names); err != nil {
			return err
		}
	}

	l.Snapshots = append(l.Snapshots[:1:1], kept...)
	sortSnapshots(l.Snapshots)
	return nil
}

// Destroy removes the job configuration and, with purge, every snapshot.
// A source container subvolume that ended up empty is removed as well.
func (l *Location) Destroy(ctx context.Context, purge bool) error {
	if _, err := l.RetrieveSnapshots(ctx); err != nil {
		return err
	}

	if purge && len(l.Snapshots) > 0 {
		l.logger.Info("purging all snapshots")
		names := make([]string, len(l.Snapshots))
		for i, s := range l.Snapshots {
			names[i] = s.Name.String()
		}
		if err := l.RemoveSnapshots(ctx, names); err != nil {
			return err
		}
		l.Snapshots = nil
	}

	if err := l.RemoveConfiguration(ctx); err != nil {
		return err
	}

	if len(l.Snapshots) == 0 && l.Kind == KindSource && l.ContainerRelpath != "" {
		return l.RemoveSubvolume(ctx, l.ContainerPath())
	}
	return nil
}

func (l *Location) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "url [%s]", l.URL.String())
	if l.ContainerRelpath != "" {
		fmt.Fprintf(&b, " container [%s]", l.ContainerRelpath)
	}
	ret := "-"
	if l.Retention != nil {
		ret = l.Retention.String()
	}
	fmt.Fprintf(&b, " retention [%s] compress [%v]", ret, l.Compress)
	return b.String()
}
