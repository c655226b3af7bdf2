package recurrence

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/samber/mo"
)

// ErrInvalidRecurrenceRule is returned for rules with an unknown frequency,
// an interval below one, or weekdays that are out of range or set on a
// non-weekly rule.
var ErrInvalidRecurrenceRule = errors.New("invalid recurrence rule")

// Frequency is the unit a rule repeats in.
type Frequency string

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
	Yearly  Frequency = "yearly"
)

// ParseFrequency accepts the frequency names case-insensitively.
func ParseFrequency(s string) (Frequency, error) {
	f := Frequency(strings.ToLower(strings.TrimSpace(s)))
	if !f.Valid() {
		return "", fmt.Errorf("%w: unknown frequency %q", ErrInvalidRecurrenceRule, s)
	}
	return f, nil
}

func (f Frequency) Valid() bool {
	switch f {
	case Daily, Weekly, Monthly, Yearly:
		return true
	}
	return false
}

// Weekday numbers days 1=Sunday .. 7=Saturday.
type Weekday int

const (
	Sunday Weekday = iota + 1
	Monday
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
)

// WeekdayOf returns the weekday of t in t's location.
func WeekdayOf(t time.Time) Weekday {
	return Weekday(t.Weekday()) + 1
}

func (w Weekday) Valid() bool { return w >= Sunday && w <= Saturday }

// Time converts w to the standard library weekday.
func (w Weekday) Time() time.Weekday { return time.Weekday(w - 1) }

func (w Weekday) String() string {
	if !w.Valid() {
		return fmt.Sprintf("Weekday(%d)", int(w))
	}
	return w.Time().String()
}

// Rule describes how an event repeats after its anchor date.
type Rule struct {
	Frequency Frequency
	// Interval is the "every N units" step, at least 1.
	Interval int
	// EndDate bounds generation. When absent the engine's horizon applies.
	EndDate mo.Option[time.Time]
	// DaysOfWeek is only allowed on weekly rules. Empty means "same
	// weekday as the anchor, every Interval weeks".
	DaysOfWeek []Weekday
}

// Validate reports whether r can be handed to the engine.
func (r Rule) Validate() error {
	if !r.Frequency.Valid() {
		return fmt.Errorf("%w: unknown frequency %q", ErrInvalidRecurrenceRule, string(r.Frequency))
	}
	if r.Interval < 1 {
		return fmt.Errorf("%w: interval must be >= 1, got %d", ErrInvalidRecurrenceRule, r.Interval)
	}
	if len(r.DaysOfWeek) > 0 && r.Frequency != Weekly {
		return fmt.Errorf("%w: days of week need a weekly rule, got %s", ErrInvalidRecurrenceRule, r.Frequency)
	}
	for _, d := range r.DaysOfWeek {
		if !d.Valid() {
			return fmt.Errorf("%w: weekday %d out of range 1..7", ErrInvalidRecurrenceRule, int(d))
		}
	}
	return nil
}

// weekdaySet returns the rule's weekdays as a lookup table indexed by
// time.Weekday, and whether any were set.
func (r Rule) weekdaySet() ([7]bool, bool) {
	var set [7]bool
	found := false
	for _, d := range r.DaysOfWeek {
		if d.Valid() {
			set[d.Time()] = true
			found = true
		}
	}
	return set, found
}

// Equal compares two rules, treating DaysOfWeek as a set.
func (r Rule) Equal(o Rule) bool {
	if r.Frequency != o.Frequency || r.Interval != o.Interval {
		return false
	}
	re, rok := r.EndDate.Get()
	oe, ook := o.EndDate.Get()
	if rok != ook || (rok && !re.Equal(oe)) {
		return false
	}
	rs, _ := r.weekdaySet()
	ws, _ := o.weekdaySet()
	return rs == ws
}

// SortedDays returns the distinct weekdays of r in Sunday..Saturday order.
func (r Rule) SortedDays() []Weekday {
	out := make([]Weekday, 0, len(r.DaysOfWeek))
	for _, d := range r.DaysOfWeek {
		if d.Valid() && !slices.Contains(out, d) {
			out = append(out, d)
		}
	}
	slices.Sort(out)
	return out
}

// Schedule is an event's anchor date plus its recurrence, if any.
// A Schedule without a rule yields exactly its anchor.
type Schedule struct {
	Anchor time.Time
	Rule   mo.Option[Rule]
}

// NonRecurring returns a one-off schedule.
func NonRecurring(anchor time.Time) Schedule {
	return Schedule{Anchor: anchor, Rule: mo.None[Rule]()}
}

// Recurring returns a schedule repeating by rule. The rule is validated.
func Recurring(anchor time.Time, rule Rule) (Schedule, error) {
	if err := rule.Validate(); err != nil {
		return Schedule{}, err
	}
	return Schedule{Anchor: anchor, Rule: mo.Some(rule)}, nil
}

func (s Schedule) IsRecurring() bool { return s.Rule.IsPresent() }
