// Package retention implements the age-banded thinning policy that decides
// which historical snapshots to keep on each side of a backup job.
//
// A retention expression is an ordered list of conditions, each written as
// <age>:<retain>. Age is an integer with an optional unit (h, d, w, m, y;
// hours when omitted): 6h, 4d, 1w, 2m. Retain is either a static amount, or
// a density N/unit or N/Mu (N per unit, N per M units): 4/d, 3/w, 2/4d.
// A bare unit word (daily, weekly, ...) means one per that unit; "none"
// means keep nothing. A whole condition may also be a single integer,
// meaning "keep that many, regardless of age".
//
// Example: "1d:4/d, 1w:1/d, 1m:1/w, 2m:none" — after one day keep four per
// day, after one week one per day, after one month one per week, after two
// months none.
//
// Filter is pure: the reference time is a parameter, never the wall clock,
// so evaluation is deterministic and testable.
package retention

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidExpression is returned when an expression string fails the
// retention grammar.
var ErrInvalidExpression = errors.New("invalid retention expression")

var (
	ageRegex    = regexp.MustCompile(`(?i)^([0-9]+)([hdwmy])?$`)
	retainRegex = regexp.MustCompile(`(?i)^([0-9]+)(/([0-9]+)?([hdwmy]))?$`)
)

// unitDuration maps a unit rune to its duration. Months and years are the
// fixed 30/365 day approximations the expression grammar is defined with.
func unitDuration(unit byte) (time.Duration, bool) {
	switch unit | 0x20 {
	case 'h':
		return time.Hour, true
	case 'd':
		return 24 * time.Hour, true
	case 'w':
		return 7 * 24 * time.Hour, true
	case 'm':
		return 30 * 24 * time.Hour, true
	case 'y':
		return 365 * 24 * time.Hour, true
	}
	return 0, false
}

// Condition is one element of a retention expression: beginning at age in
// the past, retain intervalAmount items per intervalDuration. A condition
// without an interval duration retains a static amount inside its band.
type Condition struct {
	age              time.Duration
	intervalDuration time.Duration
	hasInterval      bool
	intervalAmount   int
	text             string
}

// Age is how far in the past this condition begins to apply.
func (c *Condition) Age() time.Duration {
	return c.age
}

// IntervalDuration returns the thinning sub-interval length and whether one
// is set. Absent means the amount is static for the whole band.
func (c *Condition) IntervalDuration() (time.Duration, bool) {
	return c.intervalDuration, c.hasInterval
}

// IntervalAmount is how many items to retain per sub-interval.
func (c *Condition) IntervalAmount() int {
	return c.intervalAmount
}

// String returns the condition as it appeared in the expression.
func (c *Condition) String() string {
	return c.text
}

// parseCondition parses a single condition token, either "<age>:<retain>"
// or a bare integer.
func parseCondition(text string) (*Condition, error) {
	parts := strings.Split(text, ":")
	if len(parts) != 2 {
		// A bare integer is a static amount with no age.
		amount, err := strconv.Atoi(strings.TrimSpace(text))
		if err != nil {
			return nil, fmt.Errorf("%w: condition must consist of age and retention separated by colon [%s]",
				ErrInvalidExpression, text)
		}
		return &Condition{age: 0, hasInterval: false, intervalAmount: amount, text: text}, nil
	}

	ageLiteral := strings.TrimSpace(parts[0])
	retainLiteral := strings.TrimSpace(parts[1])

	m := ageRegex.FindStringSubmatch(ageLiteral)
	if m == nil {
		return nil, fmt.Errorf("%w: invalid age [%s]", ErrInvalidExpression, ageLiteral)
	}
	ageAmount, err := strconv.Atoi(m[1])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid age [%s]", ErrInvalidExpression, ageLiteral)
	}
	age := time.Duration(ageAmount) * time.Hour
	if m[2] != "" {
		unit, _ := unitDuration(m[2][0])
		age = time.Duration(ageAmount) * unit
	}

	cond := &Condition{age: age, text: text}
	if retainLiteral == "" {
		return nil, fmt.Errorf("%w: invalid retention [%s]", ErrInvalidExpression, text)
	}

	switch retainLiteral[0] | 0x20 {
	case 'n':
		// "none": retain nothing inside this band.
		cond.hasInterval = false
		cond.intervalAmount = 0
	case 'h', 'd', 'w', 'm', 'y':
		// A bare unit word (daily, weekly, ...) means one per that unit.
		unit, _ := unitDuration(retainLiteral[0])
		cond.hasInterval = true
		cond.intervalDuration = unit
		cond.intervalAmount = 1
	default:
		m := retainRegex.FindStringSubmatch(retainLiteral)
		if m == nil {
			return nil, fmt.Errorf("%w: invalid retention [%s]", ErrInvalidExpression, retainLiteral)
		}
		amount, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, fmt.Errorf("%w: invalid retention [%s]", ErrInvalidExpression, retainLiteral)
		}
		cond.intervalAmount = amount

		if m[3] == "" && m[4] == "" {
			cond.hasInterval = false
		} else {
			mult := 1
			if m[3] != "" {
				if mult, err = strconv.Atoi(m[3]); err != nil || mult == 0 {
					return nil, fmt.Errorf("%w: invalid retention [%s]", ErrInvalidExpression, retainLiteral)
				}
			}
			unit, _ := unitDuration(m[4][0])
			cond.hasInterval = true
			cond.intervalDuration = time.Duration(mult) * unit
		}
	}

	return cond, nil
}

// Expression is an ordered set of conditions sorted by age ascending, plus
// the canonical expression text.
type Expression struct {
	conditions []*Condition
	text       string
}

// Parse parses a comma-separated retention expression.
func Parse(expression string) (*Expression, error) {
	tokens := strings.Split(expression, ",")
	for i, t := range tokens {
		tokens[i] = strings.TrimSpace(t)
	}
	text := strings.Join(tokens, ", ")

	conditions := make([]*Condition, 0, len(tokens))
	for _, t := range tokens {
		cond, err := parseCondition(t)
		if err != nil {
			return nil, err
		}
		conditions = append(conditions, cond)
	}

	sort.SliceStable(conditions, func(i, j int) bool {
		return conditions[i].age < conditions[j].age
	})

	return &Expression{conditions: conditions, text: text}, nil
}

// MustParse is Parse for expressions known valid at compile time (defaults).
func MustParse(expression string) *Expression {
	e, err := Parse(expression)
	if err != nil {
		panic(err)
	}
	return e
}

// String returns the canonical expression text.
func (e *Expression) String() string {
	return e.text
}

// Conditions returns the conditions sorted by age ascending.
func (e *Expression) Conditions() []*Condition {
	return e.conditions
}

// WithHeadRetained returns an expression adjusted for a caller that always
// retains the newest item outside the filter: one slot of a zero-age static
// budget is already taken by that item, so "3" means three snapshots in
// total, head included.
func (e *Expression) WithHeadRetained() *Expression {
	adjusted := &Expression{text: e.text, conditions: make([]*Condition, len(e.conditions))}
	for i, c := range e.conditions {
		if c.age == 0 && !c.hasInterval && c.intervalAmount > 0 {
			copied := *c
			copied.intervalAmount--
			adjusted.conditions[i] = &copied
			continue
		}
		adjusted.conditions[i] = c
	}
	return adjusted
}

// Removal is the set of items one condition chose to drop, reported grouped
// so the caller can log which policy band removed what.
type Removal[T any] struct {
	Condition *Condition
	Items     []T
}

// applicableCondition is a condition bound to a reference time: its band
// spans (end, start] on the time axis, where start = now - age and end is
// the start of the next condition (or open for the last one).
type applicableCondition[T any] struct {
	cond   *Condition
	start  time.Time
	end    time.Time
	hasEnd bool

	// interval duration to tile the band with; for a static condition in a
	// bounded band this is the band width, so the static amount applies to
	// the band as a whole.
	intervalDuration time.Duration
	hasInterval      bool
}

// applicableInterval is one sub-interval of a band, relative to the band
// start. A missing end means the interval is unbounded (static tail).
type applicableInterval struct {
	start  time.Time
	end    time.Time
	hasEnd bool
	amount int
}

// reduce evenly thins items down to at most max elements. The returned
// lists preserve the input order.
func reduce[T any](items []T, max int) (retain, remove []T) {
	if max == 0 {
		return nil, items
	}
	if len(items) <= max {
		return items, nil
	}

	// Half-to-even rounding keeps index 0 selected for the common small
	// interval sizes, which together with the caller's reversal pins the
	// oldest item of an interval as its surviving representative.
	s := float64(len(items))/float64(max+1) - 1
	ss := float64(len(items)) / float64(max)
	next := int(math.RoundToEven(s))
	for j, item := range items {
		if j == next {
			retain = append(retain, item)
			s += ss
			next = int(math.RoundToEven(s))
		} else {
			remove = append(remove, item)
		}
	}
	return retain, remove
}

// splice partitions items into those not matching and those matching the
// predicate, preserving order.
func splice[T any](items []T, match func(T) bool) (remainder, spliced []T) {
	for _, item := range items {
		if match(item) {
			spliced = append(spliced, item)
		} else {
			remainder = append(remainder, item)
		}
	}
	return remainder, spliced
}

// intervalAt computes the sub-interval of this band containing the given
// timestamp, or false when the timestamp is outside the band.
func (ac *applicableCondition[T]) intervalAt(ts time.Time) (applicableInterval, bool) {
	if ts.After(ac.start) || (ac.hasEnd && !ts.After(ac.end)) {
		return applicableInterval{}, false
	}

	if !ac.hasInterval {
		return applicableInterval{start: ac.start, hasEnd: false, amount: ac.cond.intervalAmount}, true
	}

	f := math.Floor(float64(ac.start.Sub(ts)) / float64(ac.intervalDuration))
	start := ac.start.Add(-time.Duration(f) * ac.intervalDuration)
	return applicableInterval{
		start:  start,
		end:    start.Add(-ac.intervalDuration),
		hasEnd: true,
		amount: ac.cond.intervalAmount,
	}, true
}

// Filter partitions items into those to keep and those each condition chose
// to drop. The reference time now anchors the age bands; timeOf yields each
// item's timestamp. kept and the union of all removals form a disjoint,
// complete partition of items. With no conditions, everything is kept.
func Filter[T any](e *Expression, items []T, timeOf func(T) time.Time, now time.Time) (removals []Removal[T], kept []T) {
	if len(e.conditions) == 0 {
		return nil, append([]T(nil), items...)
	}
	if len(items) == 0 {
		return nil, nil
	}

	sorted := append([]T(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return timeOf(sorted[i]).After(timeOf(sorted[j]))
	})

	conditions := applicableConditions[T](e, now)

	// Items newer than the first condition's age are kept unconditionally.
	rest, recent := splice(sorted, func(item T) bool {
		return timeOf(item).After(now.Add(-e.conditions[0].age))
	})
	kept = append(kept, recent...)

	removalIndex := map[*Condition]int{}

	for len(rest) > 0 && len(conditions) > 0 {
		ac := conditions[0]

		interval, ok := ac.intervalAt(timeOf(rest[0]))
		if !ok {
			// Newest remaining item is out of this band; move to the next.
			conditions = conditions[1:]
			continue
		}

		var retain, remove []T
		rest, retain, remove = filterTyped(interval, rest, timeOf)
		kept = append(kept, retain...)

		if len(remove) > 0 {
			idx, seen := removalIndex[ac.cond]
			if !seen {
				removals = append(removals, Removal[T]{Condition: ac.cond})
				idx = len(removals) - 1
				removalIndex[ac.cond] = idx
			}
			removals[idx].Items = append(removals[idx].Items, remove...)
		}
	}

	return removals, kept
}

// applicableConditions binds the expression's conditions to a reference time.
func applicableConditions[T any](e *Expression, now time.Time) []*applicableCondition[T] {
	out := make([]*applicableCondition[T], 0, len(e.conditions))
	for i, cond := range e.conditions {
		ac := &applicableCondition[T]{
			cond:  cond,
			start: now.Add(-cond.age),
		}
		if i < len(e.conditions)-1 {
			ac.end = now.Add(-e.conditions[i+1].age)
			ac.hasEnd = true
		}

		ac.intervalDuration = cond.intervalDuration
		ac.hasInterval = cond.hasInterval
		if !cond.hasInterval && ac.hasEnd {
			// A static amount inside a bounded band applies to the band as a
			// whole: tile it with a single interval spanning the band.
			ac.intervalDuration = ac.start.Sub(ac.end)
			ac.hasInterval = ac.intervalDuration > 0
		}

		out = append(out, ac)
	}
	return out
}

// filterTyped applies one sub-interval to the (newest-first) item list;
// split out as a function because applicableInterval carries no type
// parameter. Items inside the interval are reversed before the even
// reduction so the oldest representative of a narrow interval is the one
// kept; otherwise a newer item would take over the slot on every run and
// items inside the interval would never age out.
func filterTyped[T any](iv applicableInterval, items []T, timeOf func(T) time.Time) (rest, retain, remove []T) {
	if iv.hasEnd {
		var inside []T
		rest, inside = splice(items, func(item T) bool {
			ts := timeOf(item)
			return !iv.start.Before(ts) && ts.After(iv.end)
		})
		reversed := make([]T, len(inside))
		for i, item := range inside {
			reversed[len(inside)-1-i] = item
		}
		retain, remove = reduce(reversed, iv.amount)
		return rest, retain, remove
	}

	if len(items) > iv.amount {
		return nil, items[:iv.amount], items[iv.amount:]
	}
	return nil, items, nil
}
