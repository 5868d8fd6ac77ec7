// Package job implements the transactional backup protocol. A Job binds a
// source location to an optional destination location under a shared UUID
// and drives init, run, update, purge, destroy, info, and one-shot transfer
// against the pair.
//
// The engine is single-threaded per job; parallelism exists only at the
// subprocess level inside the transfer pipeline (see pipeline.go). All
// mutation goes through the location package, one shell line at a time, so
// the recovery guarantees hold no matter which side is remote.
package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sxbackup/btrfs-sxbackup/internal/entity"
	"github.com/sxbackup/btrfs-sxbackup/internal/location"
	"github.com/sxbackup/btrfs-sxbackup/internal/retention"
	"github.com/sxbackup/btrfs-sxbackup/internal/shell"
)

// Retention applied by init when neither the command line nor the global
// configuration provides an expression.
var (
	DefaultSourceRetention      = retention.MustParse("3")
	DefaultDestinationRetention = retention.MustParse("2d: 1/d, 2w:3/w, 1m:1/w, 2m:none")
)

var (
	// ErrAlreadyInitialized is returned by init when a side already carries
	// a job configuration.
	ErrAlreadyInitialized = errors.New("location is already initialized")

	// ErrNotInitialized is returned when a job configuration was required
	// but missing.
	ErrNotInitialized = errors.New("location is not initialized")

	// ErrInconsistentJob is returned when the two sides of a job do not
	// share the same uuid.
	ErrInconsistentJob = errors.New("inconsistent job")

	// ErrNoPeer is returned when loading from a destination whose
	// configuration records no usable source URL.
	ErrNoPeer = errors.New("configuration has no usable peer url")

	// ErrClockSkew is returned when a new snapshot name would not be
	// strictly newer than the current head, which would violate the
	// filesystem ordering invariant.
	ErrClockSkew = errors.New("new snapshot would not be newer than the current head (check system time)")
)

// Job is the durable binding of a source to an optional destination.
type Job struct {
	Source *location.Location
	Dest   *location.Location

	transport shell.Transport
	logger    *zap.Logger

	// Now supplies the reference time for snapshot naming and retention.
	// Overridable so the protocol is testable without a wall clock.
	Now func() time.Time

	// ShowProgress enables the in-process byte meter on the transfer pipe
	// when no external progress binary is available.
	ShowProgress bool
}

// InitOptions carries the init parameters resolved by the caller (command
// line over global configuration); nil retention falls back to the package
// defaults.
type InitOptions struct {
	SourceRetention      *retention.Expression
	DestinationRetention *retention.Expression
	Compress             bool
}

// Init creates a new backup job: both environments are prepared, a shared
// UUID is minted, and both configurations are written. destURL may be nil
// for a source-only snapshot rotation job. Fails when either side already
// carries a configuration.
func Init(ctx context.Context, sourceURL shell.URL, destURL *shell.URL, opts InitOptions,
	transport shell.Transport, logger *zap.Logger) (*Job, error) {

	source := location.New(sourceURL, location.KindSource, "", transport, logger)
	var dest *location.Location
	if destURL != nil {
		dest = location.New(*destURL, location.KindDestination, "", transport, logger)
	}

	if source.HasConfiguration(ctx) {
		return nil, fmt.Errorf("%w: source [%s]", ErrAlreadyInitialized, source.URL.String())
	}
	if dest != nil && dest.HasConfiguration(ctx) {
		return nil, fmt.Errorf("%w: destination [%s]", ErrAlreadyInitialized, dest.URL.String())
	}

	id := uuid.New()
	source.UUID = id

	source.Retention = opts.SourceRetention
	if source.Retention == nil {
		source.Retention = DefaultSourceRetention
	}
	source.Compress = opts.Compress

	if dest != nil {
		dest.UUID = id
		dest.Retention = opts.DestinationRetention
		if dest.Retention == nil {
			dest.Retention = DefaultDestinationRetention
		}
		dest.Compress = opts.Compress
	}

	logger.Info("preparing source and destination environment")
	if err := source.PrepareEnvironment(ctx); err != nil {
		return nil, err
	}
	if dest != nil {
		if err := dest.PrepareEnvironment(ctx); err != nil {
			return nil, err
		}
	}

	if err := source.WriteConfiguration(ctx, dest); err != nil {
		return nil, err
	}
	if dest != nil {
		if err := dest.WriteConfiguration(ctx, source); err != nil {
			return nil, err
		}
	}

	j := &Job{Source: source, Dest: dest, transport: transport, logger: logger, Now: time.Now}
	logger.Info(source.String())
	if dest != nil {
		logger.Info(dest.String())
	}
	logger.Info("initialized successfully")
	return j, nil
}

// Load reconstructs a job from either of its endpoints. When the URL does
// not directly hold a configuration, the default source container relpath
// below it is probed. The peer's configuration is read back for
// cross-validation: both sides must carry the same uuid.
func Load(ctx context.Context, url shell.URL, transport shell.Transport, logger *zap.Logger) (*Job, error) {
	loc := location.New(url, 0, "", transport, logger)

	if !loc.HasConfiguration(ctx) {
		loc.ContainerRelpath = location.DefaultContainerRelpath
	}

	peer, err := loc.ReadConfiguration(ctx)
	if err != nil {
		var cmdErr *shell.CommandError
		if errors.As(err, &cmdErr) {
			return nil, fmt.Errorf("%w [%s]", ErrNotInitialized, url.String())
		}
		return nil, err
	}

	if peer != nil {
		if _, err := peer.ReadConfiguration(ctx); err != nil {
			return nil, fmt.Errorf("reading peer configuration: %w", err)
		}
		if peer.UUID != loc.UUID {
			return nil, fmt.Errorf("%w: uuid mismatch [%s != %s]", ErrInconsistentJob, loc.UUID, peer.UUID)
		}
	}

	var source, dest *location.Location
	if loc.Kind == location.KindSource {
		source, dest = loc, peer
	} else {
		source, dest = peer, loc
	}

	if source == nil {
		return nil, fmt.Errorf("%w: no source recorded at [%s]", ErrNoPeer, url.String())
	}

	return &Job{Source: source, Dest: dest, transport: transport, logger: logger, Now: time.Now}, nil
}

// UpdateOptions mutates job parameters; nil fields are left unchanged.
type UpdateOptions struct {
	SourceRetention      *retention.Expression
	DestinationRetention *retention.Expression
	Compress             *bool
}

// Update rewrites both configurations with changed parameters. Requires
// both sides to carry matching UUIDs — jobs created by versions that
// predate shared identities cannot be updated in place.
func (j *Job) Update(ctx context.Context, opts UpdateOptions) error {
	if j.Dest != nil {
		if j.Source.UUID == uuid.Nil || j.Dest.UUID == uuid.Nil {
			return fmt.Errorf("%w: updating requires location uuids; this job was presumably created by an older version",
				ErrInconsistentJob)
		}
		if j.Source.UUID != j.Dest.UUID {
			return fmt.Errorf("%w: uuid mismatch [%s != %s]", ErrInconsistentJob, j.Source.UUID, j.Dest.UUID)
		}
	}

	if opts.SourceRetention != nil {
		j.Source.Retention = opts.SourceRetention
	}
	if opts.DestinationRetention != nil && j.Dest != nil {
		j.Dest.Retention = opts.DestinationRetention
	}
	if opts.Compress != nil {
		j.Source.Compress = *opts.Compress
		if j.Dest != nil {
			j.Dest.Compress = *opts.Compress
		}
	}

	j.logger.Info("updating configurations")
	if err := j.Source.WriteConfiguration(ctx, j.Dest); err != nil {
		return err
	}
	if j.Dest != nil {
		if err := j.Dest.WriteConfiguration(ctx, j.Source); err != nil {
			return err
		}
	}

	j.logger.Info(j.Source.String())
	if j.Dest != nil {
		j.logger.Info(j.Dest.String())
	}
	j.logger.Info("updated successfully")
	return nil
}

// Run performs one backup: a new source snapshot is created, transferred to
// the destination (when one exists), both sides are promoted atomically,
// and retention is applied with the new head always preserved.
func (j *Job) Run(ctx context.Context) error {
	return j.run(ctx, true)
}

func (j *Job) run(ctx context.Context, withPurge bool) error {
	started := time.Now()

	j.logger.Info(j.Source.String())
	if j.Dest != nil {
		j.logger.Info(j.Dest.String())
	}

	j.logger.Info("preparing environment")
	if err := j.Source.PrepareEnvironment(ctx); err != nil {
		return err
	}
	if j.Dest != nil {
		if err := j.Dest.PrepareEnvironment(ctx); err != nil {
			return err
		}
	}

	if _, err := j.Source.RetrieveSnapshots(ctx); err != nil {
		return err
	}
	if j.Dest != nil {
		if _, err := j.Dest.RetrieveSnapshots(ctx); err != nil {
			return err
		}
	}

	newName := entity.NewSnapshotName(j.Now())
	if len(j.Source.Snapshots) > 0 &&
		!j.Source.Snapshots[0].Name.Timestamp().Before(newName.Timestamp()) {
		return fmt.Errorf("%w: new [%s], head [%s]", ErrClockSkew, newName, j.Source.Snapshots[0].Name)
	}

	if j.Dest == nil {
		if _, err := j.Source.CreateSnapshot(ctx, newName.String()); err != nil {
			return err
		}
	} else {
		if err := j.transferSnapshot(ctx, newName.String()); err != nil {
			return err
		}
	}

	newSnapshot := entity.Snapshot{Name: newName}
	j.Source.Snapshots = append([]entity.Snapshot{newSnapshot}, j.Source.Snapshots...)
	if j.Dest != nil {
		j.Dest.Snapshots = append([]entity.Snapshot{newSnapshot}, j.Dest.Snapshots...)
	}

	if withPurge {
		now := j.Now()
		if err := j.Source.PurgeSnapshots(ctx, nil, now); err != nil {
			return err
		}
		if j.Dest != nil {
			if err := j.Dest.PurgeSnapshots(ctx, nil, now); err != nil {
				return err
			}
		}
	}

	j.logger.Info(fmt.Sprintf("backup %s created successfully in %s",
		newName, time.Since(started).Round(time.Second)))
	return nil
}

// Purge applies retention to both sides, optionally overriding the
// configured expressions. The newest snapshot on each side is always kept.
func (j *Job) Purge(ctx context.Context, sourceOverride, destOverride *retention.Expression) error {
	if _, err := j.Source.RetrieveSnapshots(ctx); err != nil {
		return err
	}
	now := j.Now()
	if err := j.Source.PurgeSnapshots(ctx, sourceOverride, now); err != nil {
		return err
	}

	if j.Dest != nil {
		if _, err := j.Dest.RetrieveSnapshots(ctx); err != nil {
			return err
		}
		if err := j.Dest.PurgeSnapshots(ctx, destOverride, now); err != nil {
			return err
		}
	}
	return nil
}

// Destroy removes the job configuration on both sides and, with purge, all
// snapshots.
func (j *Job) Destroy(ctx context.Context, purge bool) error {
	var err error
	err = multierr.Append(err, j.Source.Destroy(ctx, purge))
	if j.Dest != nil {
		err = multierr.Append(err, j.Dest.Destroy(ctx, purge))
	}
	return err
}

// Transfer performs a one-shot send/receive of a fresh snapshot between two
// URLs with no job configuration involved and no retention applied.
func Transfer(ctx context.Context, sourceURL, destURL shell.URL, compress bool,
	transport shell.Transport, logger *zap.Logger) error {

	source := location.New(sourceURL, location.KindSource, "", transport, logger)
	dest := location.New(destURL, location.KindDestination, "", transport, logger)
	source.Compress = compress
	dest.Compress = compress

	j := &Job{Source: source, Dest: dest, transport: transport, logger: logger, Now: time.Now}
	return j.run(ctx, false)
}
