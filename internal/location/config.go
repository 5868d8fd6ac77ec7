package location

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"
	"gopkg.in/ini.v1"

	"github.com/sxbackup/btrfs-sxbackup/internal/retention"
	"github.com/sxbackup/btrfs-sxbackup/internal/shell"
)

// ConfigFilename is the job descriptor stored in each side's container.
const ConfigFilename = ".btrfs-sxbackup"

// Configuration file keys. "keep" is the historical name of "retention"
// and is still read for configurations written by old versions.
const (
	keyUUID            = "uuid"
	keySource          = "source"
	keySourceContainer = "source-container"
	keyDestination     = "destination"
	keyKeep            = "keep"
	keyRetention       = "retention"
	keyCompress        = "compress"
)

// ErrInvalidConfiguration is returned when a job descriptor cannot be
// interpreted.
var ErrInvalidConfiguration = errors.New("invalid job configuration")

// WriteConfiguration serializes this side's job descriptor and stores it in
// the container. Peer URL fields are recorded only when they are reachable
// from this side — the peer is on the same host plane (both local or both
// remote) or explicitly remote — which is what makes either endpoint a
// valid entry point for loading the job.
func (l *Location) WriteConfiguration(ctx context.Context, peer *Location) error {
	if l.Kind == 0 {
		return fmt.Errorf("%w: missing location type", ErrInvalidConfiguration)
	}

	var source, sourceContainer, destination string

	if peer == nil {
		// A source-only snapshot rotation job is self-describing.
		if l.Kind != KindSource {
			return fmt.Errorf("%w: destination requires a peer", ErrInvalidConfiguration)
		}
		source = l.URL.String()
		sourceContainer = l.ContainerRelpath
	} else {
		if peer.Kind == 0 {
			return fmt.Errorf("%w: missing peer location type", ErrInvalidConfiguration)
		}
		if l.Kind == peer.Kind {
			return fmt.Errorf("%w: peer has the same location type [%s]", ErrInvalidConfiguration, peer.Kind)
		}
		if l.UUID != peer.UUID {
			return fmt.Errorf("%w: peer has a different uuid [%s != %s]", ErrInvalidConfiguration, l.UUID, peer.UUID)
		}

		bothSamePlane := l.IsRemote() == peer.IsRemote()

		switch l.Kind {
		case KindSource:
			if bothSamePlane {
				source = l.URL.String()
				sourceContainer = l.ContainerRelpath
			}
			if bothSamePlane || peer.IsRemote() {
				destination = peer.URL.String()
			}
		case KindDestination:
			if bothSamePlane {
				destination = l.URL.String()
			}
			if bothSamePlane || peer.IsRemote() {
				source = peer.URL.String()
				sourceContainer = peer.ContainerRelpath
			}
		}
	}

	file := ini.Empty()
	section, err := file.NewSection(l.Kind.String())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}

	if l.UUID != uuid.Nil {
		section.Key(keyUUID).SetValue(l.UUID.String())
	}
	if source != "" {
		section.Key(keySource).SetValue(source)
	}
	if sourceContainer != "" {
		section.Key(keySourceContainer).SetValue(sourceContainer)
	}
	if destination != "" {
		section.Key(keyDestination).SetValue(destination)
	}
	if l.Retention != nil {
		section.Key(keyRetention).SetValue(l.Retention.String())
	}
	if l.Compress {
		section.Key(keyCompress).SetValue("true")
	}

	var buf bytes.Buffer
	if _, err := file.WriteTo(&buf); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}

	l.logger.Info("writing configuration", zap.String("path", l.ConfigPath()))
	cmd := fmt.Sprintf("cat > %s", shellquote.Join(l.ConfigPath()))
	if err := l.transport.Input(ctx, l.URL, cmd, buf.Bytes()); err != nil {
		return fmt.Errorf("writing configuration [%s]: %w", l.ConfigPath(), err)
	}
	return nil
}

// ReadConfiguration reads this side's job descriptor, adopts its settings,
// and reconstructs the peer location from the recorded URLs. The returned
// peer is nil when the descriptor records none.
//
// When a source descriptor is found without an explicit container relpath —
// the load was pointed at the container itself — the URL is amended to the
// parent volume and the relpath to the container's basename.
func (l *Location) ReadConfiguration(ctx context.Context) (*Location, error) {
	out, err := l.checkOutput(ctx, fmt.Sprintf("cat %s", shellquote.Join(l.ConfigPath())))
	if err != nil {
		return nil, fmt.Errorf("reading configuration [%s]: %w", l.ConfigPath(), err)
	}

	cfg, err := parseConfiguration(out)
	if err != nil {
		return nil, fmt.Errorf("%w [%s]", err, l.ConfigPath())
	}

	var peer *Location

	switch cfg.kind {
	case KindSource:
		if l.ContainerRelpath == "" {
			container := strings.TrimSuffix(l.ContainerPath(), "/")
			relpath := path.Base(container)
			amended := l.URL
			amended.Path = path.Dir(container)
			l.URL = amended.Normalized()
			l.ContainerRelpath = relpath
		}
		if cfg.destination != nil {
			peer = New(*cfg.destination, KindDestination, "", l.transport, l.base)
		}
	case KindDestination:
		if cfg.source != nil {
			peer = New(*cfg.source, KindSource, cfg.sourceContainer, l.transport, l.base)
		}
	}

	l.SetKind(cfg.kind)
	l.UUID = cfg.uuid
	l.Retention = cfg.retention
	l.Compress = cfg.compress

	return peer, nil
}

// RemoveConfiguration deletes the job descriptor from the container.
func (l *Location) RemoveConfiguration(ctx context.Context) error {
	l.logger.Info("removing configuration")
	if _, err := l.checkOutput(ctx, fmt.Sprintf("rm %s", shellquote.Join(l.ConfigPath()))); err != nil {
		return fmt.Errorf("removing configuration [%s]: %w", l.ConfigPath(), err)
	}
	return nil
}

// parsedConfiguration is the raw content of one job descriptor.
type parsedConfiguration struct {
	kind            Kind
	uuid            uuid.UUID
	source          *shell.URL
	sourceContainer string
	destination     *shell.URL
	retention       *retention.Expression
	compress        bool
}

func parseConfiguration(data []byte) (*parsedConfiguration, error) {
	file, err := ini.Load(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}

	var section *ini.Section
	for _, s := range file.Sections() {
		if s.Name() != ini.DefaultSection {
			section = s
			break
		}
	}
	if section == nil {
		return nil, fmt.Errorf("%w: missing section", ErrInvalidConfiguration)
	}

	kind, err := ParseKind(section.Name())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}

	cfg := &parsedConfiguration{kind: kind}

	if v := section.Key(keyUUID).String(); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return nil, fmt.Errorf("%w: bad uuid [%s]", ErrInvalidConfiguration, v)
		}
		cfg.uuid = id
	}
	if v := section.Key(keySource).String(); v != "" {
		u, err := shell.ParseURL(v)
		if err != nil {
			return nil, fmt.Errorf("%w: bad source url [%s]", ErrInvalidConfiguration, v)
		}
		cfg.source = &u
	}
	cfg.sourceContainer = strings.Trim(section.Key(keySourceContainer).String(), "/")
	if v := section.Key(keyDestination).String(); v != "" {
		u, err := shell.ParseURL(v)
		if err != nil {
			return nil, fmt.Errorf("%w: bad destination url [%s]", ErrInvalidConfiguration, v)
		}
		cfg.destination = &u
	}

	retentionText := section.Key(keyRetention).String()
	if retentionText == "" {
		retentionText = section.Key(keyKeep).String()
	}
	if retentionText != "" {
		expr, err := retention.Parse(retentionText)
		if err != nil {
			return nil, err
		}
		cfg.retention = expr
	}

	cfg.compress = section.Key(keyCompress).MustBool(false)

	return cfg, nil
}
