package job

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/shirou/gopsutil/v4/disk"
	"go.uber.org/zap"

	"github.com/sxbackup/btrfs-sxbackup/internal/entity"
	"github.com/sxbackup/btrfs-sxbackup/internal/location"
)

const infoNA = "n/a"

// infoEntry is one row of the info table; multi-valued rows render one
// value per line under a single label.
type infoEntry struct {
	label  string
	values []string
}

// PrintInfo writes both sides' metadata and snapshot listings as an aligned
// key/value table.
func (j *Job) PrintInfo(ctx context.Context, w io.Writer) {
	for _, l := range []*location.Location{j.Source, j.Dest} {
		if l == nil || l.Kind == 0 {
			continue
		}
		if _, err := l.RetrieveSnapshots(ctx); err != nil {
			j.logger.Error("retrieving snapshots failed", zap.Error(err))
		}
	}

	entries := []infoEntry{
		{label: "UUID", values: []string{j.Source.UUID.String()}},
		{label: "Compress", values: []string{fmt.Sprintf("%v", j.Source.Compress)}},
		{label: "Source URL", values: []string{j.Source.URL.String()}},
		{label: "Source container", values: []string{j.Source.ContainerRelpath}},
		{label: "Source retention", values: []string{retentionText(j.Source)}},
	}
	if usage := localUsage(j.Source); usage != "" {
		entries = append(entries, infoEntry{label: "Source usage", values: []string{usage}})
	}
	entries = append(entries, infoEntry{label: "Source snapshots", values: snapshotLines(j.Source.Snapshots)})

	if j.Dest != nil {
		entries = append(entries,
			infoEntry{label: "Destination URL", values: []string{j.Dest.URL.String()}},
			infoEntry{label: "Destination retention", values: []string{retentionText(j.Dest)}},
		)
		if usage := localUsage(j.Dest); usage != "" {
			entries = append(entries, infoEntry{label: "Destination usage", values: []string{usage}})
		}
		entries = append(entries, infoEntry{label: "Destination snapshots", values: snapshotLines(j.Dest.Snapshots)})
	}

	width := 0
	for _, e := range entries {
		if len(e.label) > width {
			width = len(e.label)
		}
	}

	bold := color.New(color.Bold)
	for _, e := range entries {
		for i, v := range e.values {
			label := ""
			if i == 0 {
				label = e.label
			}
			fmt.Fprintf(w, "   %s %s\n", bold.Sprintf("%-*s", width, label), v)
		}
	}
}

func retentionText(l *location.Location) string {
	if l.Retention == nil {
		return infoNA
	}
	return l.Retention.String()
}

func snapshotLines(snapshots []entity.Snapshot) []string {
	if len(snapshots) == 0 {
		return []string{infoNA}
	}
	lines := make([]string, len(snapshots))
	for i, s := range snapshots {
		lines[i] = s.Name.String()
	}
	return lines
}

// localUsage reports filesystem usage for local endpoints; remote usage is
// not probed.
func localUsage(l *location.Location) string {
	if l.IsRemote() {
		return ""
	}
	u, err := disk.Usage(strings.TrimSuffix(l.ContainerPath(), "/"))
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%s of %s (%.1f%%)", formatBytes(u.Used), formatBytes(u.Total), u.UsedPercent)
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
