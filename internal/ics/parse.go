package ics

import (
	"bytes"
	"errors"
	"slices"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/samber/mo"

	appLog "tourcal/internal/log"
	"tourcal/internal/model"
	"tourcal/internal/recurrence"
)

// ParseICS converts the VEVENTs of a single ICS payload into events owned by
// src. IDs are left empty; the importer matches records by (Source, UID).
//
//   - RRULE is translated with recurrence.FromRRule. Rules the engine cannot
//     express are logged and the event is imported as a one-off.
//   - EXDATE values become Exceptions.
//   - Overridden instances (RECURRENCE-ID) are skipped.
func ParseICS(src Source, body []byte) ([]model.Event, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		appLog.Error("ics parse failed", err, "source", src.ID, "url", redactURL(src.URL))
		return nil, err
	}

	events := make([]model.Event, 0)
	for _, comp := range cal.Events() {
		if rid := comp.GetProperty(ical.ComponentProperty("RECURRENCE-ID")); rid != nil {
			appLog.Debug("ics override skipped", "source", src.ID, "recurrence_id", rid.Value)
			continue
		}
		ev, perr := parseVEvent(src, comp)
		if perr != nil {
			// Log and skip this event, but keep parsing others.
			appLog.Error("ics vevent parse failed", perr, "source", src.ID)
			continue
		}
		events = append(events, ev)
	}

	appLog.Info("ics parse completed", "source", src.ID, "event_count", len(events))
	return events, nil
}

func parseVEvent(src Source, ve *ical.VEvent) (model.Event, error) {
	out := model.Event{Source: src.ID, Kind: kindFor(src, ve)}

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return out, errors.New("missing UID")
	}
	out.UID = uidProp.Value

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Title = p.Value
	}
	if out.Title == "" {
		out.Title = "(untitled)"
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Notes = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Venue = p.Value
	}

	startProp := ve.GetProperty(ical.ComponentPropertyDtStart)
	if startProp == nil {
		return out, errors.New("missing DTSTART")
	}
	out.AllDay = isDateValue(startProp)

	start, err := propTime(startProp, func() (time.Time, error) { return ve.GetStartAt() })
	if err != nil {
		return out, err
	}
	out.Start = start

	switch endProp := ve.GetProperty(ical.ComponentPropertyDtEnd); {
	case endProp != nil:
		end, err := propTime(endProp, func() (time.Time, error) { return ve.GetEndAt() })
		if err != nil {
			return out, err
		}
		out.End = end
	case out.AllDay:
		out.End = start.AddDate(0, 0, 1)
	default:
		out.End = start
	}
	if out.End.Before(out.Start) {
		out.End = out.Start
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil && p.Value != "" {
		rule, err := recurrence.FromRRule(out.Start, p.Value)
		if err != nil {
			appLog.Info("ics rrule not supported, importing first occurrence only",
				"source", src.ID, "uid", out.UID, "rrule", p.Value, "reason", err.Error())
		} else {
			out.Recurrence = mo.Some(rule)
		}
	}

	if out.Recurrence.IsPresent() {
		out.Exceptions = exDates(ve, out.Start.Location())
	}

	return out, nil
}

// kindFor maps the first recognised CATEGORIES value to a Kind, falling back
// to the source's configured kind.
func kindFor(src Source, ve *ical.VEvent) model.Kind {
	for _, p := range ve.GetProperties(ical.ComponentPropertyCategories) {
		for _, c := range strings.Split(p.Value, ",") {
			if k := model.Kind(strings.ToLower(strings.TrimSpace(c))); k.Valid() {
				return k
			}
		}
	}
	if k := model.Kind(src.Kind); k.Valid() {
		return k
	}
	return model.KindOther
}

func exDates(ve *ical.VEvent, loc *time.Location) []time.Time {
	var out []time.Time
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		zone := paramLocation(p, loc)
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			t, err := parseICSTime(part, zone)
			if err != nil {
				appLog.Debug("ics exdate ignored", "value", part, "reason", err.Error())
				continue
			}
			out = append(out, t)
		}
	}
	slices.SortFunc(out, func(a, b time.Time) int { return a.Compare(b) })
	return out
}

func isDateValue(p *ical.IANAProperty) bool {
	if vs, ok := p.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

// propTime prefers the library's TZID-aware getter for DATE-TIME values and
// parses DATE values itself.
func propTime(p *ical.IANAProperty, get func() (time.Time, error)) (time.Time, error) {
	if !isDateValue(p) {
		if t, err := get(); err == nil && !t.IsZero() {
			return t, nil
		}
	}
	return parseICSTime(p.Value, paramLocation(p, time.Local))
}

func paramLocation(p *ical.IANAProperty, fallback *time.Location) *time.Location {
	if tzs, ok := p.ICalParameters["TZID"]; ok && len(tzs) > 0 {
		if loc, err := time.LoadLocation(tzs[0]); err == nil {
			return loc
		}
	}
	return fallback
}

// parseICSTime parses DATE, floating DATE-TIME and UTC DATE-TIME values.
func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	switch {
	case v == "":
		return time.Time{}, errors.New("empty time value")
	case strings.HasSuffix(v, "Z"):
		return time.Parse("20060102T150405Z", v)
	case strings.Contains(v, "T"):
		return time.ParseInLocation("20060102T150405", v, loc)
	default:
		return time.ParseInLocation("20060102", v, loc)
	}
}
