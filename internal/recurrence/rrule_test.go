package recurrence

import (
	"testing"
	"time"

	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teambition/rrule-go"
)

func TestToRRule(t *testing.T) {
	rule := Rule{
		Frequency:  Weekly,
		Interval:   2,
		EndDate:    mo.Some(day(2024, 1, 10)),
		DaysOfWeek: []Weekday{Wednesday, Monday, Monday},
	}

	s, err := ToRRule(day(2024, 1, 3), rule)
	require.NoError(t, err)
	assert.Contains(t, s, "FREQ=WEEKLY")
	assert.Contains(t, s, "INTERVAL=2")
	assert.Contains(t, s, "UNTIL=20240110T000000Z")
	assert.Contains(t, s, "BYDAY=MO,WE")
	assert.Contains(t, s, "WKST=WE")

	s, err = ToRRule(day(2024, 1, 3), Rule{Frequency: Weekly, Interval: 1, DaysOfWeek: []Weekday{Monday}})
	require.NoError(t, err)
	assert.NotContains(t, s, "WKST")

	_, err = ToRRule(day(2024, 1, 3), Rule{Frequency: Weekly})
	require.ErrorIs(t, err, ErrInvalidRecurrenceRule)
}

func TestRRuleRoundTrip(t *testing.T) {
	anchor := day(2024, 1, 3) // Wednesday
	rules := []Rule{
		{Frequency: Daily, Interval: 3},
		{Frequency: Weekly, Interval: 1, DaysOfWeek: []Weekday{Sunday, Saturday}},
		{Frequency: Weekly, Interval: 2, DaysOfWeek: []Weekday{Monday, Friday}},
		{Frequency: Monthly, Interval: 6, EndDate: mo.Some(day(2026, 1, 1))},
		{Frequency: Yearly, Interval: 1},
	}

	for _, rule := range rules {
		s, err := ToRRule(anchor, rule)
		require.NoError(t, err)

		back, err := FromRRule(anchor, s)
		require.NoError(t, err, s)
		assert.True(t, rule.Equal(back), "%s: %+v != %+v", s, rule, back)
	}
}

func TestFromRRule(t *testing.T) {
	anchor := day(2024, 1, 1)

	tests := []struct {
		name     string
		value    string
		expected Rule
	}{
		{
			name:     "weekly with days",
			value:    "FREQ=WEEKLY;INTERVAL=2;BYDAY=MO,WE",
			expected: Rule{Frequency: Weekly, Interval: 2, DaysOfWeek: []Weekday{Monday, Wednesday}},
		},
		{
			name:     "prefixed with until",
			value:    "RRULE:FREQ=DAILY;UNTIL=20240110T000000Z",
			expected: Rule{Frequency: Daily, Interval: 1, EndDate: mo.Some(day(2024, 1, 10))},
		},
		{
			name:     "count becomes end date",
			value:    "FREQ=DAILY;COUNT=3",
			expected: Rule{Frequency: Daily, Interval: 1, EndDate: mo.Some(day(2024, 1, 3))},
		},
		{
			name:     "date-only until covers the whole day",
			value:    "FREQ=DAILY;UNTIL=20240110",
			expected: Rule{Frequency: Daily, Interval: 1, EndDate: mo.Some(day(2024, 1, 11).Add(-time.Nanosecond))},
		},
		{
			name:     "biweekly with matching week start",
			value:    "FREQ=WEEKLY;INTERVAL=2;WKST=MO;BYDAY=TU,TH",
			expected: Rule{Frequency: Weekly, Interval: 2, DaysOfWeek: []Weekday{Tuesday, Thursday}},
		},
		{
			name:  "daily on weekdays becomes weekly",
			value: "FREQ=DAILY;BYDAY=MO,TU,WE,TH,FR",
			expected: Rule{
				Frequency:  Weekly,
				Interval:   1,
				DaysOfWeek: []Weekday{Monday, Tuesday, Wednesday, Thursday, Friday},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromRRule(anchor, tt.value)
			require.NoError(t, err)
			assert.True(t, tt.expected.Equal(got), "got %+v", got)
		})
	}
}

func TestFromRRule_Unsupported(t *testing.T) {
	for _, value := range []string{
		"FREQ=HOURLY",
		"FREQ=MONTHLY;BYMONTHDAY=15",
		"FREQ=MONTHLY;BYDAY=2FR",
		"FREQ=MONTHLY;BYDAY=FR",
		"FREQ=YEARLY;BYMONTH=6",
		// Anchor is a Monday; a Sunday week start selects other weeks.
		"FREQ=WEEKLY;INTERVAL=2;WKST=SU;BYDAY=MO,FR",
		"not a rule",
	} {
		_, err := FromRRule(day(2024, 1, 1), value)
		assert.ErrorIs(t, err, ErrInvalidRecurrenceRule, value)
	}
}

// For rules whose anchor already matches the pattern, the engine agrees
// with a plain RFC 5545 expansion.
func TestGenerateOccurrences_AgreesWithRRule(t *testing.T) {
	anchor := day(2024, 1, 1) // Monday
	end := day(2024, 3, 1)
	rules := []Rule{
		{Frequency: Daily, Interval: 2, EndDate: mo.Some(end)},
		{Frequency: Weekly, Interval: 1, EndDate: mo.Some(end)},
		{Frequency: Weekly, Interval: 1, EndDate: mo.Some(end), DaysOfWeek: []Weekday{Monday, Thursday}},
		{Frequency: Monthly, Interval: 1, EndDate: mo.Some(day(2025, 1, 1))},
	}

	for _, rule := range rules {
		s, err := ToRRule(anchor, rule)
		require.NoError(t, err)

		opt, err := rrule.StrToROption(s)
		require.NoError(t, err)
		opt.Dtstart = anchor
		r, err := rrule.NewRRule(*opt)
		require.NoError(t, err)

		got, err := GenerateOccurrences(anchor, rule, 500)
		require.NoError(t, err)

		want := r.All()
		require.Len(t, got, len(want), s)
		for i := range want {
			assert.True(t, want[i].Equal(got[i]), "%s #%d: %v != %v", s, i, want[i], got[i])
		}
	}
}

func TestToRRule_WeekStartFollowsAnchor(t *testing.T) {
	anchor := time.Date(2024, 1, 3, 18, 0, 0, 0, time.UTC) // Wednesday
	rule := Rule{
		Frequency:  Weekly,
		Interval:   2,
		EndDate:    mo.Some(day(2024, 2, 29)),
		DaysOfWeek: []Weekday{Monday, Friday},
	}

	s, err := ToRRule(anchor, rule)
	require.NoError(t, err)
	assert.Contains(t, s, "WKST=WE")

	opt, err := rrule.StrToROption(s)
	require.NoError(t, err)
	opt.Dtstart = anchor
	r, err := rrule.NewRRule(*opt)
	require.NoError(t, err)

	got, err := GenerateOccurrences(anchor, rule, 500)
	require.NoError(t, err)
	require.True(t, got[0].Equal(anchor))

	at := func(m time.Month, d int) time.Time { return time.Date(2024, m, d, 18, 0, 0, 0, time.UTC) }
	expected := []time.Time{
		at(1, 5), at(1, 8), at(1, 19), at(1, 22),
		at(2, 2), at(2, 5), at(2, 16), at(2, 19),
	}
	assert.Equal(t, expected, got[1:])

	// The anchor does not fall on BYDAY, so RFC 5545 expansion leaves it out.
	want := r.All()
	require.Len(t, want, len(expected), s)
	for i := range want {
		assert.True(t, expected[i].Equal(want[i]), "%s #%d: %v != %v", s, i, expected[i], want[i])
	}
}

func TestFromRRule_WeekStartMustMatchAnchor(t *testing.T) {
	anchor := day(2024, 1, 3) // Wednesday

	_, err := FromRRule(anchor, "FREQ=WEEKLY;INTERVAL=2;BYDAY=MO,FR")
	require.ErrorIs(t, err, ErrInvalidRecurrenceRule)

	got, err := FromRRule(anchor, "FREQ=WEEKLY;INTERVAL=2;WKST=WE;BYDAY=MO,FR")
	require.NoError(t, err)
	assert.Equal(t, []Weekday{Monday, Friday}, got.SortedDays())

	// Without an interval the week start does not matter.
	_, err = FromRRule(anchor, "FREQ=WEEKLY;BYDAY=MO,FR")
	require.NoError(t, err)
}

func TestFromRRule_CountFollowsEngine(t *testing.T) {
	anchor := time.Date(2024, 1, 31, 19, 0, 0, 0, time.UTC)

	rule, err := FromRRule(anchor, "FREQ=MONTHLY;COUNT=3")
	require.NoError(t, err)
	end, ok := rule.EndDate.Get()
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 3, 31, 19, 0, 0, 0, time.UTC), end)

	got, err := GenerateOccurrences(anchor, rule, 50)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{
		anchor,
		time.Date(2024, 2, 29, 19, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 31, 19, 0, 0, 0, time.UTC),
	}, got)
}

func TestFromRRule_DateOnlyUntilKeepsLastDay(t *testing.T) {
	anchor := time.Date(2024, 1, 1, 18, 0, 0, 0, time.UTC)

	rule, err := FromRRule(anchor, "FREQ=DAILY;INTERVAL=2;UNTIL=20240109")
	require.NoError(t, err)

	got, err := GenerateOccurrences(anchor, rule, 50)
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, time.Date(2024, 1, 9, 18, 0, 0, 0, time.UTC), got[4])
}

func TestParseFrequency(t *testing.T) {
	f, err := ParseFrequency(" Weekly ")
	require.NoError(t, err)
	assert.Equal(t, Weekly, f)

	_, err = ParseFrequency("fortnightly")
	assert.ErrorIs(t, err, ErrInvalidRecurrenceRule)
}

func TestWeekdayOf(t *testing.T) {
	assert.Equal(t, Monday, WeekdayOf(day(2024, 1, 1)))
	assert.Equal(t, Sunday, WeekdayOf(day(2024, 1, 7)))
	assert.Equal(t, time.Saturday, Saturday.Time())
	assert.Equal(t, "Wednesday", Wednesday.String())
}
