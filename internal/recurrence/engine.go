package recurrence

import (
	"time"
)

const (
	// DefaultMaxOccurrences caps a generated sequence, anchor included.
	DefaultMaxOccurrences = 50
	// DefaultHorizonYears bounds rules without an end date.
	DefaultHorizonYears = 2
)

// EngineConfig holds the bounds applied to every expansion.
type EngineConfig struct {
	MaxOccurrences int // Maximum occurrences returned, anchor included
	HorizonYears   int // End date used when a rule has none, counted from the anchor
}

// DefaultEngineConfig provides the standard 50 occurrence / 2 year bounds.
var DefaultEngineConfig = EngineConfig{
	MaxOccurrences: DefaultMaxOccurrences,
	HorizonYears:   DefaultHorizonYears,
}

// Engine expands schedules into occurrence dates. It holds no state besides
// its configuration and is safe for concurrent use.
type Engine struct {
	config EngineConfig
}

// NewEngine creates an engine with DefaultEngineConfig.
func NewEngine() *Engine {
	return NewEngineWithConfig(DefaultEngineConfig)
}

// NewEngineWithConfig creates an engine; zero or negative fields fall back
// to the defaults.
func NewEngineWithConfig(config EngineConfig) *Engine {
	if config.MaxOccurrences <= 0 {
		config.MaxOccurrences = DefaultMaxOccurrences
	}
	if config.HorizonYears <= 0 {
		config.HorizonYears = DefaultHorizonYears
	}
	return &Engine{config: config}
}

func (e *Engine) Config() EngineConfig { return e.config }

// Generate expands rule from anchor using the engine's bounds.
func (e *Engine) Generate(anchor time.Time, rule Rule) ([]time.Time, error) {
	return generate(anchor, rule, e.config.MaxOccurrences, e.config.HorizonYears)
}

// InRange returns the occurrences of s within [from, to], inclusive.
func (e *Engine) InRange(s Schedule, from, to time.Time) ([]time.Time, error) {
	return inRange(s, from, to, e.config.MaxOccurrences, e.config.HorizonYears)
}

// GenerateOccurrences returns the ordered occurrence dates of rule starting
// at anchor. The anchor is always the first element. At most limit dates are
// returned (limit <= 0 means DefaultMaxOccurrences) and none lies after the
// rule's end date, or after anchor + DefaultHorizonYears when it has none.
func GenerateOccurrences(anchor time.Time, rule Rule, limit int) ([]time.Time, error) {
	return generate(anchor, rule, limit, DefaultHorizonYears)
}

// OccurrencesInRange returns the occurrences of s within [from, to],
// inclusive. A non-recurring schedule yields its anchor if it is in range.
func OccurrencesInRange(s Schedule, from, to time.Time, limit int) ([]time.Time, error) {
	return inRange(s, from, to, limit, DefaultHorizonYears)
}

func inRange(s Schedule, from, to time.Time, limit, horizonYears int) ([]time.Time, error) {
	all := []time.Time{s.Anchor}
	if rule, ok := s.Rule.Get(); ok {
		var err error
		all, err = generate(s.Anchor, rule, limit, horizonYears)
		if err != nil {
			return nil, err
		}
	}

	out := make([]time.Time, 0, len(all))
	for _, t := range all {
		if t.Before(from) || t.After(to) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func generate(anchor time.Time, rule Rule, limit, horizonYears int) ([]time.Time, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultMaxOccurrences
	}
	if horizonYears <= 0 {
		horizonYears = DefaultHorizonYears
	}
	end := rule.EndDate.OrElse(anchor.AddDate(horizonYears, 0, 0))

	out := make([]time.Time, 1, min(limit, 64))
	out[0] = anchor
	if limit == 1 || anchor.After(end) {
		return out, nil
	}

	// Steps longer than the whole span cannot land inside it. Checking
	// before multiplying keeps huge intervals from overflowing.
	spanDays := daysBetween(anchor, end)
	spanMonths := monthsBetween(anchor, end)

	switch rule.Frequency {
	case Daily:
		if rule.Interval <= spanDays {
			out = stepDays(out, anchor, end, rule.Interval, limit)
		}
	case Weekly:
		if days, ok := rule.weekdaySet(); ok {
			out = walkWeekdays(out, anchor, end, rule.Interval, spanDays, days, limit)
		} else if rule.Interval <= spanDays/7 {
			out = stepDays(out, anchor, end, 7*rule.Interval, limit)
		}
	case Monthly:
		if rule.Interval <= spanMonths {
			out = stepMonths(out, anchor, end, rule.Interval, limit)
		}
	case Yearly:
		if rule.Interval <= spanMonths/12 {
			out = stepMonths(out, anchor, end, 12*rule.Interval, limit)
		}
	}
	return out, nil
}

// daysBetween counts calendar days from a's date to b's date, both read in
// a's location. Unix seconds are used because Duration saturates at ~292
// years.
func daysBetween(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.In(a.Location()).Date()
	from := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC).Unix()
	to := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC).Unix()
	return int((to - from) / 86400)
}

// monthsBetween counts month boundaries from a to b, in a's location.
func monthsBetween(a, b time.Time) int {
	ay, am, _ := a.Date()
	by, bm, _ := b.In(a.Location()).Date()
	return (by-ay)*12 + int(bm-am)
}

// stepDays appends anchor + k*step calendar days for k = 1, 2, ...
// Calendar days keep the anchor's wall-clock time across DST changes.
func stepDays(out []time.Time, anchor, end time.Time, step, limit int) []time.Time {
	for k := 1; len(out) < limit; k++ {
		next := anchor.AddDate(0, 0, k*step)
		if next.After(end) {
			break
		}
		out = append(out, next)
	}
	return out
}

// stepMonths appends anchor + k*step months for k = 1, 2, ... Each date is
// computed from the anchor, with the day clamped to the target month's last
// day, so Jan 31 yields Feb 29 (or 28) and then Mar 31.
func stepMonths(out []time.Time, anchor, end time.Time, step, limit int) []time.Time {
	for k := 1; len(out) < limit; k++ {
		next := addMonthsClamped(anchor, k*step)
		if next.After(end) {
			break
		}
		out = append(out, next)
	}
	return out
}

// walkWeekdays visits each calendar day after the anchor, up to spanDays.
// Day k belongs to week k/7 counted from the anchor; only weeks that are a
// multiple of interval are eligible, and within them only the requested
// weekdays.
func walkWeekdays(out []time.Time, anchor, end time.Time, interval, spanDays int, days [7]bool, limit int) []time.Time {
	for k := 1; k <= spanDays && len(out) < limit; k++ {
		if week := k / 7; week%interval != 0 {
			if interval > spanDays/7 {
				// No later eligible week starts inside the span.
				break
			}
			// Jump to the first day of the next eligible week.
			k = (week/interval+1)*interval*7 - 1
			continue
		}
		next := anchor.AddDate(0, 0, k)
		if next.After(end) {
			break
		}
		if days[next.Weekday()] {
			out = append(out, next)
		}
	}
	return out
}

func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	hh, mm, ss := t.Clock()
	first := time.Date(y, m+time.Month(months), 1, 0, 0, 0, 0, time.UTC)
	if last := daysIn(first.Year(), first.Month()); d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, hh, mm, ss, t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
