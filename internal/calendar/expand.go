package calendar

import (
	"errors"
	"slices"
	"time"

	appLog "tourcal/internal/log"
	"tourcal/internal/model"
	"tourcal/internal/recurrence"
)

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// DisplayLocation is the timezone to which all occurrences will be converted.
	// If nil, time.Local is used.
	DisplayLocation *time.Location

	// RangeStart / RangeEnd define the inclusive window for occurrence starts.
	RangeStart time.Time
	RangeEnd   time.Time

	// Engine expands each event. If nil, recurrence.NewEngine() is used.
	Engine *recurrence.Engine
}

// ExpandResult wraps the list of expanded occurrences and information about
// truncation.
type ExpandResult struct {
	Occurrences []model.Occurrence
	// TruncatedEvents records IDs whose expansion hit the engine's cap, so
	// later dates in the window may be missing.
	TruncatedEvents []string
	// FailedEvents records IDs whose rule could not be expanded.
	FailedEvents []string
}

// Expand turns stored events into concrete occurrences within the window,
// sorted by start. It handles:
//
//   - Single non-recurring events
//   - Recurring events via the recurrence engine
//   - Exceptions (deleted single occurrences)
//   - All-day semantics
func Expand(events []model.Event, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.DisplayLocation == nil {
		cfg.DisplayLocation = time.Local
	}
	if cfg.Engine == nil {
		cfg.Engine = recurrence.NewEngine()
	}

	all := make([]model.Occurrence, 0)
	for _, ev := range events {
		occ, hitCap, err := expandEvent(ev, cfg)
		if err != nil {
			appLog.Error("expand: failed to expand event", err, "event_id", ev.ID)
			result.FailedEvents = append(result.FailedEvents, ev.ID)
			continue
		}
		if hitCap {
			result.TruncatedEvents = append(result.TruncatedEvents, ev.ID)
			appLog.Debug("expand: occurrences capped", "event_id", ev.ID, "cap", cfg.Engine.Config().MaxOccurrences)
		}
		all = append(all, occ...)
	}

	slices.SortStableFunc(all, func(a, b model.Occurrence) int {
		return a.Start.Compare(b.Start)
	})
	result.Occurrences = all
	return result, nil
}

// expandEvent returns the occurrences of one event in range and whether the
// full expansion was cut short by the cap.
func expandEvent(ev model.Event, cfg ExpandConfig) ([]model.Occurrence, bool, error) {
	starts, err := cfg.Engine.InRange(ev.Schedule(), cfg.RangeStart, cfg.RangeEnd)
	if err != nil {
		return nil, false, err
	}

	hitCap := false
	if rule, ok := ev.Recurrence.Get(); ok {
		hitCap, err = capped(ev.Start, rule, cfg.Engine)
		if err != nil {
			return nil, false, err
		}
	}

	out := make([]model.Occurrence, 0, len(starts))
	dur := ev.Duration()
	for _, start := range starts {
		if isException(ev, start) {
			continue
		}

		var end time.Time
		if ev.AllDay {
			// All-day: treat as [date 00:00, next day 00:00) in event's timezone.
			start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, start.Location())
			days := max(1, int(dur.Round(24*time.Hour)/(24*time.Hour)))
			end = start.AddDate(0, 0, days)
		} else {
			end = start.Add(dur)
		}
		out = append(out, makeOccurrence(ev, start, end, cfg.DisplayLocation))
	}
	return out, hitCap, nil
}

// capped reports whether expanding rule produced exactly the engine's cap
// while the rule's bound lies beyond the last generated date.
func capped(anchor time.Time, rule recurrence.Rule, engine *recurrence.Engine) (bool, error) {
	all, err := engine.Generate(anchor, rule)
	if err != nil {
		return false, err
	}
	limit := engine.Config().MaxOccurrences
	if len(all) < limit || limit <= 1 {
		return false, nil
	}
	bound := rule.EndDate.OrElse(anchor.AddDate(engine.Config().HorizonYears, 0, 0))
	return all[len(all)-1].Before(bound), nil
}

// isException reports whether start falls on an excepted calendar day,
// compared in the event's own timezone.
func isException(ev model.Event, start time.Time) bool {
	loc := ev.Start.Location()
	sy, sm, sd := start.In(loc).Date()
	for _, ex := range ev.Exceptions {
		if ex.Equal(start) {
			return true
		}
		ey, em, ed := ex.In(loc).Date()
		if ey == sy && em == sm && ed == sd {
			return true
		}
	}
	return false
}

// makeOccurrence converts an event + specific start/end time into a
// model.Occurrence normalized into displayLoc.
func makeOccurrence(ev model.Event, start, end time.Time, displayLoc *time.Location) model.Occurrence {
	startLocal := start.In(displayLoc)
	endLocal := end.In(displayLoc)

	occ := model.Occurrence{
		EventID: ev.ID,
		UID:     ev.UID,
		Title:   ev.Title,
		Kind:    ev.Kind,
		Venue:   ev.Venue,
		City:    ev.City,
		AllDay:  ev.AllDay,
		Start:   startLocal,
		End:     endLocal,
	}

	// InstanceKey: use start time in RFC3339 as a stable per-instance key.
	occ.InstanceKey = startLocal.Format(time.RFC3339Nano)

	return occ
}
