package ics

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	goical "github.com/emersion/go-ical"

	"tourcal/internal/model"
	"tourcal/internal/recurrence"
)

const productID = "-//tourcal//EN"

// Export renders events as a VCALENDAR. Recurring events carry their RRULE
// and EXDATEs, so subscribers expand them on their own.
func Export(events []model.Event, calName string) ([]byte, error) {
	cal := goical.NewCalendar()
	cal.Props.SetText(goical.PropVersion, "2.0")
	cal.Props.SetText(goical.PropProductID, productID)
	if calName != "" {
		cal.Props.SetText("X-WR-CALNAME", calName)
	}

	stamp := time.Now().UTC()
	for _, ev := range events {
		ve, err := toVEvent(ev, stamp)
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", ev.ID, err)
		}
		cal.Children = append(cal.Children, ve)
	}

	var buf bytes.Buffer
	if err := goical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, fmt.Errorf("encode calendar: %w", err)
	}
	return buf.Bytes(), nil
}

func toVEvent(ev model.Event, stamp time.Time) (*goical.Component, error) {
	ve := goical.NewComponent(goical.CompEvent)

	uid := ev.UID
	if uid == "" {
		uid = ev.ID + "@tourcal"
	}
	ve.Props.SetText(goical.PropUID, uid)
	ve.Props.SetText(goical.PropSummary, ev.Title)
	ve.Props.SetDateTime(goical.PropDateTimeStamp, stamp)
	ve.Props.SetText(goical.PropCategories, strings.ToUpper(string(ev.Kind)))

	if loc := location(ev); ev.Venue != "" || ev.City != "" {
		ve.Props.SetText(goical.PropLocation, loc)
	}
	if ev.Notes != "" {
		ve.Props.SetText(goical.PropDescription, ev.Notes)
	}

	ve.Props.Add(timeProp(goical.PropDateTimeStart, ev.Start, ev.AllDay))
	end := ev.End
	if ev.AllDay && !end.After(ev.Start) {
		end = ev.Start.AddDate(0, 0, 1)
	}
	ve.Props.Add(timeProp(goical.PropDateTimeEnd, end, ev.AllDay))

	if rule, ok := ev.Recurrence.Get(); ok {
		rr, err := recurrence.ToRRule(ev.Start, rule)
		if err != nil {
			return nil, err
		}
		// Raw value: SetText would escape the commas of BYDAY.
		p := goical.NewProp(goical.PropRecurrenceRule)
		p.Value = rr
		ve.Props.Add(p)

		for _, ex := range ev.Exceptions {
			ve.Props.Add(timeProp(goical.PropExceptionDates, ex, ev.AllDay))
		}
	}

	return ve, nil
}

func location(ev model.Event) string {
	switch {
	case ev.Venue == "":
		return ev.City
	case ev.City == "":
		return ev.Venue
	default:
		return ev.Venue + ", " + ev.City
	}
}

// timeProp writes DATE values for all-day events. Timed values keep their
// IANA zone as TZID so RRULE expansion follows DST; anything else is
// written in UTC.
func timeProp(name string, t time.Time, allDay bool) *goical.Prop {
	p := goical.NewProp(name)
	switch {
	case allDay:
		p.SetDate(t)
	case strings.Contains(t.Location().String(), "/"):
		p.SetDateTime(t)
	default:
		p.SetDateTime(t.UTC())
	}
	return p
}
