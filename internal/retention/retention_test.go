package retention

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2015, 6, 1, 12, 0, 0, 0, time.UTC)

func timeOf(t time.Time) time.Time { return t }

// hourly returns n items, one per hour, the newest at now.
func hourly(now time.Time, n int) []time.Time {
	items := make([]time.Time, n)
	for i := range items {
		items[i] = now.Add(-time.Duration(i) * time.Hour)
	}
	return items
}

func flatten(removals []Removal[time.Time]) []time.Time {
	var out []time.Time
	for _, r := range removals {
		out = append(out, r.Items...)
	}
	return out
}

func TestParseCanonicalText(t *testing.T) {
	e, err := Parse("1d:4/d,4d:daily, 1w:2/4d")
	require.NoError(t, err)
	assert.Equal(t, "1d:4/d, 4d:daily, 1w:2/4d", e.String())
}

func TestParseConditionForms(t *testing.T) {
	e, err := Parse("6h:4/d, 2m:none, 1w:weekly, 30")
	require.NoError(t, err)
	conds := e.Conditions()
	require.Len(t, conds, 4)

	// Sorted by age ascending; the bare integer has age zero.
	assert.Equal(t, time.Duration(0), conds[0].Age())
	assert.Equal(t, 30, conds[0].IntervalAmount())
	_, has := conds[0].IntervalDuration()
	assert.False(t, has)

	assert.Equal(t, 6*time.Hour, conds[1].Age())
	d, has := conds[1].IntervalDuration()
	assert.True(t, has)
	assert.Equal(t, 24*time.Hour, d)
	assert.Equal(t, 4, conds[1].IntervalAmount())

	assert.Equal(t, 7*24*time.Hour, conds[2].Age())
	d, has = conds[2].IntervalDuration()
	assert.True(t, has)
	assert.Equal(t, 7*24*time.Hour, d)
	assert.Equal(t, 1, conds[2].IntervalAmount())

	assert.Equal(t, 2*30*24*time.Hour, conds[3].Age())
	assert.Equal(t, 0, conds[3].IntervalAmount())
}

func TestParseAgeWithoutUnitIsHours(t *testing.T) {
	e, err := Parse("36:2/d")
	require.NoError(t, err)
	assert.Equal(t, 36*time.Hour, e.Conditions()[0].Age())
}

func TestParseInvalid(t *testing.T) {
	for _, expr := range []string{
		"garbage",
		"1x:4/d",
		"1d:",
		"1d:4/",
		"1d:4/x",
		"1d:4:5",
		"",
	} {
		_, err := Parse(expr)
		assert.ErrorIs(t, err, ErrInvalidExpression, "expression %q", expr)
	}
}

func TestFilterStaticAmount(t *testing.T) {
	e := MustParse("10")
	items := hourly(testNow, 50)

	removals, kept := Filter(e, items, timeOf, testNow)

	require.Len(t, kept, 10)
	assert.Equal(t, items[:10], kept, "all kept items are the newest")
	assert.Len(t, flatten(removals), 40)
}

func TestFilterEmptyExpressionKeepsAll(t *testing.T) {
	e := &Expression{}
	items := hourly(testNow, 5)
	removals, kept := Filter(e, items, timeOf, testNow)
	assert.Empty(t, removals)
	assert.Equal(t, items, kept)
}

func TestFilterNoItems(t *testing.T) {
	removals, kept := Filter(MustParse("3"), nil, timeOf, testNow)
	assert.Empty(t, removals)
	assert.Empty(t, kept)
}

func TestFilterRecentItemsAlwaysKept(t *testing.T) {
	e := MustParse("1d:none")
	items := hourly(testNow, 48)

	removals, kept := Filter(e, items, timeOf, testNow)

	// Everything younger than one day survives, everything else goes.
	for _, ts := range kept {
		assert.True(t, ts.After(testNow.Add(-24*time.Hour)))
	}
	assert.Len(t, kept, 24)
	assert.Len(t, flatten(removals), 24)
}

// The partition property: kept and the dropped groups are disjoint and
// together cover the input, for the full six-condition expression over 120
// days of hourly snapshots.
func TestFilterPartition(t *testing.T) {
	e, err := Parse("1d:4/d, 4d:daily, 1w:2/4d, 1m:weekly, 12m:1/y, 23m:none")
	require.NoError(t, err)
	items := hourly(testNow, 2880)

	removals, kept := Filter(e, items, timeOf, testNow)
	dropped := flatten(removals)

	assert.Equal(t, len(items), len(kept)+len(dropped))

	seen := map[time.Time]int{}
	for _, ts := range kept {
		seen[ts]++
	}
	for _, ts := range dropped {
		seen[ts]++
	}
	require.Len(t, seen, len(items), "partition covers every input item")
	for ts, n := range seen {
		assert.Equal(t, 1, n, "item %s appears exactly once", ts)
	}

	// Deterministic: a second evaluation yields the identical partition.
	removals2, kept2 := Filter(e, items, timeOf, testNow)
	assert.Equal(t, kept, kept2)
	assert.Equal(t, flatten(removals), flatten(removals2))
}

// Inside a narrow interval the oldest item survives, not the newest —
// otherwise a newer item would take over the slot on every run and the
// interval's content would never age out.
func TestFilterKeepsOldestRepresentative(t *testing.T) {
	e := MustParse("0:1/d")
	items := []time.Time{
		testNow.Add(-100 * time.Minute),
		testNow.Add(-80 * time.Minute),
		testNow.Add(-60 * time.Minute),
	}

	removals, kept := Filter(e, items, timeOf, testNow)

	require.Len(t, kept, 1)
	assert.Equal(t, testNow.Add(-100*time.Minute), kept[0])
	assert.Len(t, flatten(removals), 2)
}

// Stability: evaluating again slightly later never moves an item from
// dropped back to kept.
func TestFilterStableAcrossTime(t *testing.T) {
	e := MustParse("1d:1/d")
	items := []time.Time{
		testNow.Add(-25 * time.Hour),
		testNow.Add(-30 * time.Hour),
		testNow.Add(-40 * time.Hour),
		testNow.Add(-5 * time.Hour), // recent, always kept
	}

	_, kept := Filter(e, items, timeOf, testNow)
	_, keptLater := Filter(e, items, timeOf, testNow.Add(30*time.Minute))

	keptSet := map[time.Time]bool{}
	for _, ts := range kept {
		keptSet[ts] = true
	}
	for _, ts := range keptLater {
		assert.True(t, keptSet[ts], "item %s moved from dropped back to kept", ts)
	}

	// The surviving representative of the aged interval is its oldest item.
	assert.Contains(t, kept, testNow.Add(-40*time.Hour))
	assert.NotContains(t, kept, testNow.Add(-25*time.Hour))
}

func TestFilterRemovalsGroupedByCondition(t *testing.T) {
	e := MustParse("1h:1/d, 2d:none")
	items := hourly(testNow, 72)

	removals, _ := Filter(e, items, timeOf, testNow)

	require.NotEmpty(t, removals)
	for _, r := range removals {
		require.NotNil(t, r.Condition)
		assert.NotEmpty(t, r.Items)
	}
	texts := map[string]bool{}
	for _, r := range removals {
		texts[r.Condition.String()] = true
	}
	assert.True(t, texts["1h:1/d"])
	assert.True(t, texts["2d:none"])
}

func TestWithHeadRetained(t *testing.T) {
	e := MustParse("3")
	items := hourly(testNow, 3)

	removals, kept := Filter(e.WithHeadRetained(), items, timeOf, testNow)

	// One slot is charged for the head the caller retains outside the
	// filter, so two of three survive here.
	assert.Len(t, kept, 2)
	assert.Len(t, flatten(removals), 1)

	// Banded conditions are unaffected.
	banded := MustParse("2d: 1/d, 2w:3/w, 1m:1/w, 2m:none")
	adjusted := banded.WithHeadRetained()
	for i, c := range banded.Conditions() {
		assert.Equal(t, c.IntervalAmount(), adjusted.Conditions()[i].IntervalAmount())
	}
}
