package entity

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotNameFormat(t *testing.T) {
	n := NewSnapshotName(time.Date(2015, 1, 2, 13, 20, 10, 0, time.UTC))
	assert.Equal(t, "sx-20150102-132010-utc", n.String())
}

func TestSnapshotNameParse(t *testing.T) {
	n, err := ParseSnapshotName("sx-20150102-132010-utc")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2015, 1, 2, 13, 20, 10, 0, time.UTC), n.Timestamp())
}

func TestSnapshotNameParseInvalid(t *testing.T) {
	invalid := []string{
		"sx-2015-01-02",
		"sx-20150102-132010",
		"20150102-132010-utc",
		"sx-20150102-132010-utc-extra",
		"sx-20151402-132010-utc", // month out of range
		"sx-20150102-256010-utc", // hour out of range
		"",
	}
	for _, s := range invalid {
		_, err := ParseSnapshotName(s)
		assert.ErrorIs(t, err, ErrInvalidSnapshotName, "input %q", s)
	}
}

func TestSnapshotNameRoundTrip(t *testing.T) {
	timestamps := []time.Time{
		time.Date(1999, 12, 31, 23, 59, 59, 0, time.UTC),
		time.Date(2000, 2, 29, 0, 0, 0, 0, time.UTC),
		time.Date(2015, 1, 2, 13, 20, 10, 0, time.UTC),
		time.Date(2038, 1, 19, 3, 14, 7, 0, time.UTC),
	}
	for _, ts := range timestamps {
		n := NewSnapshotName(ts)
		parsed, err := ParseSnapshotName(n.String())
		require.NoError(t, err)
		assert.True(t, parsed.Equal(n), "round trip of %s", ts)
	}
}

func TestSnapshotNameNonUTCInput(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	n := NewSnapshotName(time.Date(2015, 1, 2, 14, 20, 10, 0, loc))
	assert.Equal(t, "sx-20150102-132010-utc", n.String())
}

func TestSnapshotNameSortMatchesChronology(t *testing.T) {
	base := time.Date(2014, 6, 15, 8, 0, 0, 0, time.UTC)
	var names []SnapshotName
	for _, offset := range []time.Duration{
		40 * 24 * time.Hour, time.Second, 0, 365 * 24 * time.Hour, time.Hour, 59 * time.Minute,
	} {
		names = append(names, NewSnapshotName(base.Add(offset)))
	}

	byText := append([]SnapshotName(nil), names...)
	sort.Slice(byText, func(i, j int) bool { return byText[i].String() < byText[j].String() })

	byTime := append([]SnapshotName(nil), names...)
	sort.Slice(byTime, func(i, j int) bool { return byTime[i].Before(byTime[j]) })

	assert.Equal(t, byTime, byText)
}
