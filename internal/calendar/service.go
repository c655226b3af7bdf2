package calendar

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/samber/mo"

	appLog "tourcal/internal/log"
	"tourcal/internal/model"
	"tourcal/internal/recurrence"
	"tourcal/internal/store"
)

// ErrNotAnOccurrence is returned when an exception targets a date the event
// does not occur on, or its first occurrence.
var ErrNotAnOccurrence = errors.New("date is not an occurrence of the event")

// Service answers calendar questions about stored events.
type Service struct {
	store    store.Store
	engine   *recurrence.Engine
	location *time.Location
}

// NewService wires a store and an engine. loc is the display timezone;
// nil means time.Local.
func NewService(s store.Store, engine *recurrence.Engine, loc *time.Location) *Service {
	if engine == nil {
		engine = recurrence.NewEngine()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Service{store: s, engine: engine, location: loc}
}

func (s *Service) Location() *time.Location { return s.location }

func (s *Service) Store() store.Store { return s.store }

// Occurrences expands one event within [from, to].
func (s *Service) Occurrences(ctx context.Context, id string, from, to time.Time) (ExpandResult, error) {
	ev, err := s.store.GetEvent(ctx, id)
	if err != nil {
		return ExpandResult{}, fmt.Errorf("get event %s: %w", id, err)
	}
	return Expand([]model.Event{ev}, s.expandConfig(from, to))
}

// Window expands every stored event within [from, to].
func (s *Service) Window(ctx context.Context, from, to time.Time) (ExpandResult, error) {
	events, err := s.store.ListEvents(ctx)
	if err != nil {
		return ExpandResult{}, fmt.Errorf("list events: %w", err)
	}
	return Expand(events, s.expandConfig(from, to))
}

// Upcoming returns the occurrences from now through the next days days.
func (s *Service) Upcoming(ctx context.Context, now time.Time, days int) (ExpandResult, error) {
	if days <= 0 {
		days = 1
	}
	now = now.In(s.location)
	return s.Window(ctx, now, now.AddDate(0, 0, days))
}

// SetRecurrence replaces the recurrence of an event. mo.None makes it a
// one-off event and clears its exceptions.
func (s *Service) SetRecurrence(ctx context.Context, id string, rule mo.Option[recurrence.Rule]) (model.Event, error) {
	ev, err := s.store.GetEvent(ctx, id)
	if err != nil {
		return model.Event{}, fmt.Errorf("get event %s: %w", id, err)
	}
	if r, ok := rule.Get(); ok {
		if err := r.Validate(); err != nil {
			return model.Event{}, err
		}
	} else {
		ev.Exceptions = nil
	}
	ev.Recurrence = rule

	saved, err := s.store.SaveEvent(ctx, ev)
	if err != nil {
		return model.Event{}, fmt.Errorf("save event %s: %w", id, err)
	}
	appLog.Info("recurrence updated", "event_id", id, "recurring", rule.IsPresent())
	return saved, nil
}

// DeleteOccurrence records an exception for the occurrence on date's
// calendar day (in the event's timezone). The first occurrence cannot be
// removed this way; edit or delete the event instead.
func (s *Service) DeleteOccurrence(ctx context.Context, id string, date time.Time) (model.Event, error) {
	ev, err := s.store.GetEvent(ctx, id)
	if err != nil {
		return model.Event{}, fmt.Errorf("get event %s: %w", id, err)
	}
	rule, ok := ev.Recurrence.Get()
	if !ok {
		return model.Event{}, fmt.Errorf("%w: event %s does not repeat", ErrNotAnOccurrence, id)
	}

	occurrences, err := s.engine.Generate(ev.Start, rule)
	if err != nil {
		return model.Event{}, err
	}

	loc := ev.Start.Location()
	y, m, d := date.In(loc).Date()
	idx := slices.IndexFunc(occurrences, func(t time.Time) bool {
		ty, tm, td := t.In(loc).Date()
		return ty == y && tm == m && td == d
	})
	if idx <= 0 {
		return model.Event{}, fmt.Errorf("%w: %s", ErrNotAnOccurrence, date.Format(time.DateOnly))
	}
	target := occurrences[idx]
	if isException(ev, target) {
		return ev, nil
	}

	ev.Exceptions = append(ev.Exceptions, target)
	slices.SortFunc(ev.Exceptions, func(a, b time.Time) int { return a.Compare(b) })

	saved, err := s.store.SaveEvent(ctx, ev)
	if err != nil {
		return model.Event{}, fmt.Errorf("save event %s: %w", id, err)
	}
	appLog.Info("occurrence deleted", "event_id", id, "date", target.Format(time.RFC3339))
	return saved, nil
}

func (s *Service) expandConfig(from, to time.Time) ExpandConfig {
	return ExpandConfig{
		DisplayLocation: s.location,
		RangeStart:      from,
		RangeEnd:        to,
		Engine:          s.engine,
	}
}
