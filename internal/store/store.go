package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"

	"tourcal/internal/model"
)

var (
	// ErrNotFound is returned when no event has the requested ID.
	ErrNotFound = errors.New("event not found")
	// ErrInvalidEvent is returned by SaveEvent for records that cannot be stored.
	ErrInvalidEvent = errors.New("invalid event")
)

// Provider is the minimal event-record contract the calendar needs.
type Provider interface {
	GetEvent(ctx context.Context, id string) (model.Event, error)
	// SaveEvent inserts or replaces ev. An empty ID is assigned a new one.
	// The stored record is returned.
	SaveEvent(ctx context.Context, ev model.Event) (model.Event, error)
}

// Store adds listing and deletion to Provider.
type Store interface {
	Provider
	ListEvents(ctx context.Context) ([]model.Event, error)
	DeleteEvent(ctx context.Context, id string) error
}

// prepare validates ev and fills in ID, kind and timestamps. prev is the
// record being replaced, if any.
func prepare(ev model.Event, prev *model.Event, now time.Time) (model.Event, error) {
	if ev.Start.IsZero() {
		return model.Event{}, fmt.Errorf("%w: start is required", ErrInvalidEvent)
	}
	if ev.End.IsZero() {
		ev.End = ev.Start
	}
	if ev.End.Before(ev.Start) {
		return model.Event{}, fmt.Errorf("%w: end %s is before start %s", ErrInvalidEvent,
			ev.End.Format(time.RFC3339), ev.Start.Format(time.RFC3339))
	}
	if ev.Kind == "" {
		ev.Kind = model.KindOther
	}
	if !ev.Kind.Valid() {
		return model.Event{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, ev.Kind)
	}
	if rule, ok := ev.Recurrence.Get(); ok {
		if err := rule.Validate(); err != nil {
			return model.Event{}, err
		}
	}

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if prev != nil {
		ev.CreatedAt = prev.CreatedAt
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	ev.UpdatedAt = now
	return clone(ev), nil
}

// clone copies the slices of ev so callers cannot alias stored state.
func clone(ev model.Event) model.Event {
	ev.Exceptions = slices.Clone(ev.Exceptions)
	if rule, ok := ev.Recurrence.Get(); ok {
		rule.DaysOfWeek = slices.Clone(rule.DaysOfWeek)
		ev.Recurrence = mo.Some(rule)
	}
	return ev
}

func sortEvents(events []model.Event) {
	slices.SortFunc(events, func(a, b model.Event) int {
		if c := a.Start.Compare(b.Start); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
}
