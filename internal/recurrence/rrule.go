package recurrence

import (
	"fmt"
	"strings"
	"time"

	"github.com/samber/mo"
	"github.com/teambition/rrule-go"
)

var (
	toRRuleFreq = map[Frequency]rrule.Frequency{
		Daily:   rrule.DAILY,
		Weekly:  rrule.WEEKLY,
		Monthly: rrule.MONTHLY,
		Yearly:  rrule.YEARLY,
	}
	fromRRuleFreq = map[rrule.Frequency]Frequency{
		rrule.DAILY:   Daily,
		rrule.WEEKLY:  Weekly,
		rrule.MONTHLY: Monthly,
		rrule.YEARLY:  Yearly,
	}
	// indexed by Weekday-1
	toRRuleDay    = []rrule.Weekday{rrule.SU, rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA}
	rruleDayNames = []string{"SU", "MO", "TU", "WE", "TH", "FR", "SA"}
)

// maxRRuleCount bounds the COUNT resolved by FromRRule.
const maxRRuleCount = 10000

// ToRRule renders rule as an RFC 5545 RRULE value (without the "RRULE:"
// prefix). UNTIL is written in UTC. Weekly rules with weekdays and an
// interval above one carry WKST set to the anchor's weekday, because weeks
// are counted in 7-day blocks from the anchor.
func ToRRule(anchor time.Time, rule Rule) (string, error) {
	if err := rule.Validate(); err != nil {
		return "", err
	}

	opt := rrule.ROption{
		Freq:     toRRuleFreq[rule.Frequency],
		Interval: rule.Interval,
	}
	if end, ok := rule.EndDate.Get(); ok {
		opt.Until = end.UTC()
	}
	if rule.Frequency == Weekly {
		for _, d := range rule.SortedDays() {
			opt.Byweekday = append(opt.Byweekday, toRRuleDay[d-1])
		}
	}
	out := opt.RRuleString()
	if needsWeekStart(rule) {
		out += ";WKST=" + rruleDayNames[WeekdayOf(anchor)-1]
	}
	return out, nil
}

// needsWeekStart reports whether the week boundary changes which dates rule
// produces.
func needsWeekStart(rule Rule) bool {
	return rule.Frequency == Weekly && rule.Interval > 1 && len(rule.DaysOfWeek) > 0
}

// FromRRule translates an RRULE value into a Rule. Only FREQ (daily to
// yearly), INTERVAL, UNTIL, COUNT, WKST and plain BYDAY are understood;
// anything else fails with ErrInvalidRecurrenceRule.
//
//   - A date-only UNTIL covers that whole day in the anchor's location.
//   - COUNT is converted to the date of the COUNT-th occurrence, expanded
//     from anchor the same way Generate does.
//   - Weekly BYDAY rules with INTERVAL > 1 need WKST equal to the anchor's
//     weekday; other week starts select different weeks.
func FromRRule(anchor time.Time, value string) (Rule, error) {
	value = strings.TrimPrefix(strings.TrimSpace(value), "RRULE:")
	opt, err := rrule.StrToROption(value)
	if err != nil {
		return Rule{}, fmt.Errorf("%w: %v", ErrInvalidRecurrenceRule, err)
	}

	freq, ok := fromRRuleFreq[opt.Freq]
	if !ok {
		return Rule{}, fmt.Errorf("%w: unsupported FREQ=%v", ErrInvalidRecurrenceRule, opt.Freq)
	}
	if unsupported := unsupportedParts(opt); unsupported != "" {
		return Rule{}, fmt.Errorf("%w: unsupported %s in %q", ErrInvalidRecurrenceRule, unsupported, value)
	}

	rule := Rule{
		Frequency: freq,
		Interval:  opt.Interval,
		EndDate:   mo.None[time.Time](),
	}
	if rule.Interval == 0 {
		rule.Interval = 1
	}

	for i := range opt.Byweekday {
		w := opt.Byweekday[i]
		if w.N() != 0 {
			return Rule{}, fmt.Errorf("%w: positional BYDAY %s", ErrInvalidRecurrenceRule, w.String())
		}
		rule.DaysOfWeek = append(rule.DaysOfWeek, weekdayFromRRule(w.Day()))
	}
	if len(rule.DaysOfWeek) > 0 {
		switch {
		case freq == Weekly:
		case freq == Daily && rule.Interval == 1:
			// FREQ=DAILY;BYDAY=MO,TU,... is the same set as a weekly rule.
			rule.Frequency = Weekly
		default:
			return Rule{}, fmt.Errorf("%w: BYDAY with FREQ=%v", ErrInvalidRecurrenceRule, opt.Freq)
		}
	}
	if needsWeekStart(rule) {
		if wkst := weekdayFromRRule(opt.Wkst.Day()); wkst != WeekdayOf(anchor) {
			return Rule{}, fmt.Errorf("%w: WKST=%s does not match the %s anchor",
				ErrInvalidRecurrenceRule, rruleDayNames[wkst-1], WeekdayOf(anchor))
		}
	}
	if err := rule.Validate(); err != nil {
		return Rule{}, err
	}

	switch {
	case !opt.Until.IsZero():
		until := opt.Until
		if untilIsDate(value) {
			y, m, d := until.Date()
			until = time.Date(y, m, d+1, 0, 0, 0, 0, anchor.Location()).Add(-time.Nanosecond)
		}
		rule.EndDate = mo.Some(until)
	case opt.Count > 0:
		bounded := rule
		bounded.EndDate = mo.Some(time.Date(9999, 12, 31, 23, 59, 59, 0, anchor.Location()))
		all, err := generate(anchor, bounded, min(opt.Count, maxRRuleCount), DefaultHorizonYears)
		if err != nil {
			return Rule{}, err
		}
		rule.EndDate = mo.Some(all[len(all)-1])
	}

	return rule, nil
}

// weekdayFromRRule converts rrule-go's Monday=0 .. Sunday=6 numbering.
func weekdayFromRRule(day int) Weekday {
	return Weekday((day+1)%7 + 1)
}

func untilIsDate(value string) bool {
	for _, part := range strings.Split(value, ";") {
		k, v, ok := strings.Cut(part, "=")
		if ok && strings.EqualFold(strings.TrimSpace(k), "UNTIL") {
			return !strings.Contains(strings.ToUpper(v), "T")
		}
	}
	return false
}

func unsupportedParts(opt *rrule.ROption) string {
	var parts []string
	if len(opt.Bysetpos) > 0 {
		parts = append(parts, "BYSETPOS")
	}
	if len(opt.Bymonth) > 0 {
		parts = append(parts, "BYMONTH")
	}
	if len(opt.Bymonthday) > 0 {
		parts = append(parts, "BYMONTHDAY")
	}
	if len(opt.Byyearday) > 0 {
		parts = append(parts, "BYYEARDAY")
	}
	if len(opt.Byweekno) > 0 {
		parts = append(parts, "BYWEEKNO")
	}
	if len(opt.Byhour) > 0 || len(opt.Byminute) > 0 || len(opt.Bysecond) > 0 {
		parts = append(parts, "BYHOUR/BYMINUTE/BYSECOND")
	}
	if len(opt.Byeaster) > 0 {
		parts = append(parts, "BYEASTER")
	}
	return strings.Join(parts, ",")
}
