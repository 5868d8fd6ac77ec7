// Package entity holds the small value types the backup engine is built
// around: snapshot names, subvolume records, and their parsers. All types
// are plain immutable values — everything that touches the filesystem lives
// in the location and job packages.
package entity

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// ErrInvalidSnapshotName is returned when a string does not match the
// canonical snapshot name form sx-YYYYMMDD-HHMMSS-utc.
var ErrInvalidSnapshotName = errors.New("invalid snapshot name")

var snapshotNameRegex = regexp.MustCompile(`^sx-([0-9]{4})([0-9]{2})([0-9]{2})-([0-9]{2})([0-9]{2})([0-9]{2})-utc$`)

// SnapshotName is a timestamp-based snapshot identifier. Its textual form is
// sx-YYYYMMDD-HHMMSS-utc; because the timestamp is always UTC and fields are
// fixed-width, lexicographic order of the text equals chronological order.
type SnapshotName struct {
	timestamp time.Time
}

// NewSnapshotName creates a snapshot name for the given instant. The
// timestamp is normalized to UTC with second precision, matching what the
// textual form can carry.
func NewSnapshotName(timestamp time.Time) SnapshotName {
	return SnapshotName{timestamp: timestamp.UTC().Truncate(time.Second)}
}

// ParseSnapshotName parses the canonical textual form. It is the exact
// inverse of String: parse(format(n)) == n for every valid name.
func ParseSnapshotName(name string) (SnapshotName, error) {
	m := snapshotNameRegex.FindStringSubmatch(name)
	if m == nil {
		return SnapshotName{}, fmt.Errorf("%w [%s]", ErrInvalidSnapshotName, name)
	}

	fields := make([]int, 6)
	for i := range fields {
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return SnapshotName{}, fmt.Errorf("%w [%s]", ErrInvalidSnapshotName, name)
		}
		fields[i] = n
	}

	ts := time.Date(fields[0], time.Month(fields[1]), fields[2], fields[3], fields[4], fields[5], 0, time.UTC)

	// time.Date normalizes out-of-range fields (month 13 becomes January of
	// the following year). Distinct textual forms must never denote the same
	// instant, so reject anything that does not survive the round trip.
	if ts.Year() != fields[0] || int(ts.Month()) != fields[1] || ts.Day() != fields[2] ||
		ts.Hour() != fields[3] || ts.Minute() != fields[4] || ts.Second() != fields[5] {
		return SnapshotName{}, fmt.Errorf("%w [%s]", ErrInvalidSnapshotName, name)
	}

	return SnapshotName{timestamp: ts}, nil
}

// Timestamp returns the UTC instant this name denotes.
func (n SnapshotName) Timestamp() time.Time {
	return n.timestamp
}

// Before reports whether n denotes an earlier instant than other.
func (n SnapshotName) Before(other SnapshotName) bool {
	return n.timestamp.Before(other.timestamp)
}

// Equal reports whether both names denote the same instant.
func (n SnapshotName) Equal(other SnapshotName) bool {
	return n.timestamp.Equal(other.timestamp)
}

func (n SnapshotName) String() string {
	return fmt.Sprintf("sx-%s-utc", n.timestamp.Format("20060102-150405"))
}
