package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/samber/mo"

	appLog "tourcal/internal/log"
	"tourcal/internal/model"
	"tourcal/internal/recurrence"
)

const documentVersion = 1

// FileStore is a MemoryStore persisted as a single JSON document.
// Every mutation rewrites the file atomically.
type FileStore struct {
	mem  *MemoryStore
	path string
}

// document is the on-disk layout.
type document struct {
	Version int           `json:"version"`
	Events  []eventRecord `json:"events"`
}

type eventRecord struct {
	ID         string      `json:"id"`
	Title      string      `json:"title"`
	Kind       string      `json:"kind"`
	Venue      string      `json:"venue,omitempty"`
	City       string      `json:"city,omitempty"`
	Notes      string      `json:"notes,omitempty"`
	AllDay     bool        `json:"all_day"`
	Timezone   string      `json:"timezone,omitempty"`
	Start      time.Time   `json:"start"`
	End        time.Time   `json:"end"`
	Recurrence *ruleRecord `json:"recurrence,omitempty"`
	Exceptions []time.Time `json:"exceptions,omitempty"`
	Source     string      `json:"source,omitempty"`
	UID        string      `json:"uid,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

type ruleRecord struct {
	Frequency  string     `json:"frequency"`
	Interval   int        `json:"interval"`
	EndDate    *time.Time `json:"end_date,omitempty"`
	DaysOfWeek []int      `json:"days_of_week,omitempty"`
}

// OpenFileStore loads the document at path. A missing file yields an empty
// store; the file is created on the first write.
func OpenFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("store path is empty")
	}

	fsStore := &FileStore{mem: NewMemoryStore(), path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			appLog.Info("store file not found; starting empty", "path", path)
			return fsStore, nil
		}
		return nil, err
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	for _, rec := range doc.Events {
		ev, err := rec.toEvent()
		if err != nil {
			// Keep loading the rest; a single bad record should not lose the calendar.
			appLog.Error("store: skipping unreadable event", err, "id", rec.ID, "path", path)
			continue
		}
		fsStore.mem.events[ev.ID] = ev
	}

	appLog.Info("store loaded", "path", path, "event_count", len(fsStore.mem.events))
	return fsStore, nil
}

func (s *FileStore) GetEvent(ctx context.Context, id string) (model.Event, error) {
	return s.mem.GetEvent(ctx, id)
}

func (s *FileStore) ListEvents(ctx context.Context) ([]model.Event, error) {
	return s.mem.ListEvents(ctx)
}

func (s *FileStore) SaveEvent(_ context.Context, ev model.Event) (model.Event, error) {
	s.mem.mu.Lock()
	defer s.mem.mu.Unlock()

	prev, saved, err := s.mem.saveLocked(ev)
	if err != nil {
		return model.Event{}, err
	}
	if err := s.flushLocked(); err != nil {
		// Roll the map back so memory and disk agree.
		if prev != nil {
			s.mem.events[prev.ID] = *prev
		} else {
			delete(s.mem.events, saved.ID)
		}
		return model.Event{}, err
	}
	return saved, nil
}

func (s *FileStore) DeleteEvent(_ context.Context, id string) error {
	s.mem.mu.Lock()
	defer s.mem.mu.Unlock()

	prev, ok := s.mem.events[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.mem.events, id)
	if err := s.flushLocked(); err != nil {
		s.mem.events[id] = prev
		return err
	}
	return nil
}

// flushLocked writes the whole document atomically: temp file in the same
// directory, fsync, chmod 0600, rename. Caller holds s.mem.mu.
func (s *FileStore) flushLocked() error {
	events := make([]model.Event, 0, len(s.mem.events))
	for _, ev := range s.mem.events {
		events = append(events, ev)
	}
	sortEvents(events)

	doc := document{Version: documentVersion, Events: make([]eventRecord, 0, len(events))}
	for _, ev := range events {
		doc.Events = append(doc.Events, recordFromEvent(ev))
	}

	data, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tourcal-events-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, s.path)
}

func recordFromEvent(ev model.Event) eventRecord {
	rec := eventRecord{
		ID:         ev.ID,
		Title:      ev.Title,
		Kind:       string(ev.Kind),
		Venue:      ev.Venue,
		City:       ev.City,
		Notes:      ev.Notes,
		AllDay:     ev.AllDay,
		Start:      ev.Start,
		End:        ev.End,
		Exceptions: ev.Exceptions,
		Source:     ev.Source,
		UID:        ev.UID,
		CreatedAt:  ev.CreatedAt,
		UpdatedAt:  ev.UpdatedAt,
	}
	// time.Time JSON only keeps the offset; the zone name is needed to
	// keep wall-clock times stable across DST when expanding. Floating ICS
	// times live in time.Local, which is written as "Local".
	if loc := ev.Start.Location(); loc != time.UTC {
		rec.Timezone = loc.String()
	}
	if rule, ok := ev.Recurrence.Get(); ok {
		rr := &ruleRecord{Frequency: string(rule.Frequency), Interval: rule.Interval}
		if end, ok := rule.EndDate.Get(); ok {
			rr.EndDate = &end
		}
		for _, d := range rule.DaysOfWeek {
			rr.DaysOfWeek = append(rr.DaysOfWeek, int(d))
		}
		rec.Recurrence = rr
	}
	return rec
}

func (rec eventRecord) toEvent() (model.Event, error) {
	if rec.ID == "" {
		return model.Event{}, errors.New("missing id")
	}

	ev := model.Event{
		ID:         rec.ID,
		Title:      rec.Title,
		Kind:       model.Kind(rec.Kind),
		Venue:      rec.Venue,
		City:       rec.City,
		Notes:      rec.Notes,
		AllDay:     rec.AllDay,
		Start:      rec.Start,
		End:        rec.End,
		Recurrence: mo.None[recurrence.Rule](),
		Exceptions: rec.Exceptions,
		Source:     rec.Source,
		UID:        rec.UID,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	}

	if rec.Timezone != "" {
		loc, err := time.LoadLocation(rec.Timezone)
		if err != nil {
			appLog.Error("store: unknown timezone; keeping fixed offset", err, "id", rec.ID, "timezone", rec.Timezone)
		} else {
			ev.Start = ev.Start.In(loc)
			ev.End = ev.End.In(loc)
			for i := range ev.Exceptions {
				ev.Exceptions[i] = ev.Exceptions[i].In(loc)
			}
		}
	}

	if rr := rec.Recurrence; rr != nil {
		rule := recurrence.Rule{
			Frequency: recurrence.Frequency(rr.Frequency),
			Interval:  rr.Interval,
			EndDate:   mo.None[time.Time](),
		}
		if rr.EndDate != nil {
			rule.EndDate = mo.Some(*rr.EndDate)
		}
		for _, d := range rr.DaysOfWeek {
			rule.DaysOfWeek = append(rule.DaysOfWeek, recurrence.Weekday(d))
		}
		if err := rule.Validate(); err != nil {
			return model.Event{}, err
		}
		ev.Recurrence = mo.Some(rule)
	}
	return ev, nil
}
