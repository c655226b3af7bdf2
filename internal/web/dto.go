package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/samber/mo"

	"tourcal/internal/model"
	"tourcal/internal/recurrence"
)

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// ruleDTO is the JSON form of a recurrence rule. Weekdays are numbered
// Sunday=1 .. Saturday=7.
type ruleDTO struct {
	Frequency  string `json:"frequency"`
	Interval   int    `json:"interval"`
	EndDate    string `json:"end_date,omitempty"`
	DaysOfWeek []int  `json:"days_of_week,omitempty"`
	RRule      string `json:"rrule,omitempty"`
}

// eventInput is accepted by POST and PUT. Times are RFC3339 or YYYY-MM-DD,
// interpreted in Timezone (default: the display timezone).
type eventInput struct {
	Title      string   `json:"title"`
	Kind       string   `json:"kind"`
	Venue      string   `json:"venue"`
	City       string   `json:"city"`
	Notes      string   `json:"notes"`
	AllDay     bool     `json:"all_day"`
	Start      string   `json:"start"`
	End        string   `json:"end"`
	Timezone   string   `json:"timezone"`
	Recurrence *ruleDTO `json:"recurrence"`
}

type eventDTO struct {
	ID         string      `json:"id"`
	Title      string      `json:"title"`
	Kind       model.Kind  `json:"kind"`
	Venue      string      `json:"venue,omitempty"`
	City       string      `json:"city,omitempty"`
	Notes      string      `json:"notes,omitempty"`
	AllDay     bool        `json:"all_day"`
	Start      time.Time   `json:"start"`
	End        time.Time   `json:"end"`
	Timezone   string      `json:"timezone"`
	Recurrence *ruleDTO    `json:"recurrence"`
	Exceptions []time.Time `json:"exceptions,omitempty"`
	Source     string      `json:"source,omitempty"`
	UID        string      `json:"uid,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// occurrenceDTO is a JSON-friendly view of occurrences.
type occurrenceDTO struct {
	EventID     string     `json:"event_id"`
	UID         string     `json:"uid,omitempty"`
	InstanceKey string     `json:"instance_key"`
	Title       string     `json:"title"`
	Kind        model.Kind `json:"kind"`
	Venue       string     `json:"venue,omitempty"`
	City        string     `json:"city,omitempty"`
	AllDay      bool       `json:"all_day"`
	Start       time.Time  `json:"start"`
	End         time.Time  `json:"end"`
}

type occurrencesResponse struct {
	Occurrences     []occurrenceDTO `json:"occurrences"`
	TruncatedEvents []string        `json:"truncated_events,omitempty"`
	FailedEvents    []string        `json:"failed_events,omitempty"`
	RangeStart      time.Time       `json:"range_start"`
	RangeEnd        time.Time       `json:"range_end"`
	DisplayTimeZone string          `json:"display_timezone"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return badRequest("empty body")
		}
		return badRequest("invalid JSON: %v", err)
	}
	return nil
}

// parseTime accepts RFC3339, a local "2006-01-02T15:04[:05]" or a date.
func parseTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.In(loc), nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02T15:04", time.DateOnly} {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, badRequest("invalid time %q", v)
}

// parseEndTime parses an inclusive upper bound. A bare date covers that
// whole day, so a rehearsal at 18:00 on the end date is still included.
func parseEndTime(v string, loc *time.Location) (time.Time, error) {
	t, err := parseTime(v, loc)
	if err != nil {
		return t, err
	}
	if _, err := time.ParseInLocation(time.DateOnly, strings.TrimSpace(v), loc); err == nil {
		t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return t, nil
}

func (in ruleDTO) toRule(anchor time.Time) (recurrence.Rule, error) {
	if in.RRule != "" {
		return recurrence.FromRRule(anchor, in.RRule)
	}

	freq, err := recurrence.ParseFrequency(in.Frequency)
	if err != nil {
		return recurrence.Rule{}, err
	}
	rule := recurrence.Rule{
		Frequency: freq,
		Interval:  in.Interval,
		EndDate:   mo.None[time.Time](),
	}
	if rule.Interval == 0 {
		rule.Interval = 1
	}
	if in.EndDate != "" {
		end, err := parseEndTime(in.EndDate, anchor.Location())
		if err != nil {
			return recurrence.Rule{}, err
		}
		rule.EndDate = mo.Some(end)
	}
	for _, d := range in.DaysOfWeek {
		rule.DaysOfWeek = append(rule.DaysOfWeek, recurrence.Weekday(d))
	}
	return rule, rule.Validate()
}

func ruleToDTO(anchor time.Time, rule recurrence.Rule) *ruleDTO {
	out := &ruleDTO{
		Frequency: string(rule.Frequency),
		Interval:  rule.Interval,
	}
	if end, ok := rule.EndDate.Get(); ok {
		out.EndDate = end.Format(time.RFC3339)
	}
	for _, d := range rule.SortedDays() {
		out.DaysOfWeek = append(out.DaysOfWeek, int(d))
	}
	if rr, err := recurrence.ToRRule(anchor, rule); err == nil {
		out.RRule = rr
	}
	return out
}

// apply copies the editable fields of in onto ev.
func (in eventInput) apply(ev model.Event, display *time.Location) (model.Event, error) {
	loc := display
	if in.Timezone != "" {
		l, err := time.LoadLocation(in.Timezone)
		if err != nil {
			return ev, badRequest("invalid timezone %q", in.Timezone)
		}
		loc = l
	}
	if strings.TrimSpace(in.Title) == "" {
		return ev, badRequest("title is required")
	}
	if in.Start == "" {
		return ev, badRequest("start is required")
	}
	start, err := parseTime(in.Start, loc)
	if err != nil {
		return ev, err
	}
	end := start
	if in.End != "" {
		if end, err = parseTime(in.End, loc); err != nil {
			return ev, err
		}
	} else if in.AllDay {
		end = start.AddDate(0, 0, 1)
	}

	ev.Title = in.Title
	ev.Kind = model.Kind(strings.ToLower(in.Kind))
	ev.Venue = in.Venue
	ev.City = in.City
	ev.Notes = in.Notes
	ev.AllDay = in.AllDay
	ev.Start = start
	ev.End = end

	ev.Recurrence = mo.None[recurrence.Rule]()
	if in.Recurrence != nil {
		rule, err := in.Recurrence.toRule(start)
		if err != nil {
			return ev, err
		}
		ev.Recurrence = mo.Some(rule)
	}
	return ev, nil
}

func eventToDTO(ev model.Event) eventDTO {
	out := eventDTO{
		ID:         ev.ID,
		Title:      ev.Title,
		Kind:       ev.Kind,
		Venue:      ev.Venue,
		City:       ev.City,
		Notes:      ev.Notes,
		AllDay:     ev.AllDay,
		Start:      ev.Start,
		End:        ev.End,
		Timezone:   ev.Start.Location().String(),
		Exceptions: ev.Exceptions,
		Source:     ev.Source,
		UID:        ev.UID,
		CreatedAt:  ev.CreatedAt,
		UpdatedAt:  ev.UpdatedAt,
	}
	if rule, ok := ev.Recurrence.Get(); ok {
		out.Recurrence = ruleToDTO(ev.Start, rule)
	}
	return out
}

func occurrencesToDTO(occ []model.Occurrence) []occurrenceDTO {
	out := make([]occurrenceDTO, 0, len(occ))
	for _, o := range occ {
		out = append(out, occurrenceDTO{
			EventID:     o.EventID,
			UID:         o.UID,
			InstanceKey: o.InstanceKey,
			Title:       o.Title,
			Kind:        o.Kind,
			Venue:       o.Venue,
			City:        o.City,
			AllDay:      o.AllDay,
			Start:       o.Start,
			End:         o.End,
		})
	}
	return out
}
