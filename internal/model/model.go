package model

import (
	"time"

	"github.com/samber/mo"

	"tourcal/internal/recurrence"
)

// Kind classifies an entry in the band's calendar.
type Kind string

const (
	KindShow      Kind = "show"
	KindRehearsal Kind = "rehearsal"
	KindTravel    Kind = "travel"
	KindPress     Kind = "press"
	KindOther     Kind = "other"
)

func (k Kind) Valid() bool {
	switch k {
	case KindShow, KindRehearsal, KindTravel, KindPress, KindOther:
		return true
	}
	return false
}

// Event is a stored calendar entry. Start is the anchor of its recurrence;
// occurrences are never stored, only recomputed.
type Event struct {
	ID string

	Title string
	Kind  Kind
	Venue string
	City  string
	Notes string

	AllDay bool

	// Start / End of the first occurrence, in the event's own timezone.
	Start time.Time
	End   time.Time

	Recurrence mo.Option[recurrence.Rule]

	// Exceptions are single occurrences removed by the user, matched by
	// calendar day in Start's location.
	Exceptions []time.Time

	// Source and UID identify events imported from an ICS subscription.
	Source string
	UID    string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Schedule returns the anchor and recurrence of ev.
func (ev Event) Schedule() recurrence.Schedule {
	return recurrence.Schedule{Anchor: ev.Start, Rule: ev.Recurrence}
}

// Duration is the length of every occurrence.
func (ev Event) Duration() time.Duration {
	if ev.End.Before(ev.Start) {
		return 0
	}
	return ev.End.Sub(ev.Start)
}

// Occurrence represents a single concrete instance of an event
// (after recurrence expansion and timezone normalization).
type Occurrence struct {
	EventID string
	UID     string

	// InstanceKey uniquely identifies a single occurrence of a recurring
	// event, derived from the local start time.
	InstanceKey string

	Title string
	Kind  Kind
	Venue string
	City  string

	AllDay bool

	// Start / End are in the configured display timezone.
	Start time.Time
	End   time.Time
}
