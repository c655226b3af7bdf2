package web

import (
	"net/http"
	"time"

	"github.com/samber/mo"

	"tourcal/internal/ics"
	appLog "tourcal/internal/log"
	"tourcal/internal/model"
	"tourcal/internal/recurrence"
)

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.svc.Store().ListEvents(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	out := make([]eventDTO, 0, len(events))
	for _, ev := range events {
		out = append(out, eventToDTO(ev))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.svc.Store().GetEvent(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, eventToDTO(ev))
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var in eventInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeFailure(w, r, err)
		return
	}
	ev, err := in.apply(model.Event{}, s.svc.Location())
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	saved, err := s.svc.Store().SaveEvent(r.Context(), ev)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	s.invalidate()
	appLog.Info("event created", "event_id", saved.ID, "recurring", saved.Recurrence.IsPresent())

	w.Header().Set("Location", "/api/events/"+saved.ID)
	writeJSON(w, http.StatusCreated, eventToDTO(saved))
}

// handleUpdateEvent replaces the editable fields of an event. Exceptions
// survive only while the anchor and the rule stay the same.
func (s *Server) handleUpdateEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	prev, err := s.svc.Store().GetEvent(ctx, id)
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	var in eventInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeFailure(w, r, err)
		return
	}
	ev, err := in.apply(prev, s.svc.Location())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if !sameSchedule(prev, ev) {
		ev.Exceptions = nil
	}

	saved, err := s.svc.Store().SaveEvent(ctx, ev)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	s.invalidate()
	appLog.Info("event updated", "event_id", id)
	writeJSON(w, http.StatusOK, eventToDTO(saved))
}

func sameSchedule(a, b model.Event) bool {
	if !a.Start.Equal(b.Start) {
		return false
	}
	ra, aok := a.Recurrence.Get()
	rb, bok := b.Recurrence.Get()
	return aok == bok && (!aok || ra.Equal(rb))
}

func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.svc.Store().DeleteEvent(r.Context(), id); err != nil {
		writeFailure(w, r, err)
		return
	}
	s.invalidate()
	appLog.Info("event deleted", "event_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleSetRecurrence accepts a rule object, or null to make the event a
// one-off.
func (s *Server) handleSetRecurrence(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	var in *ruleDTO
	if err := decodeJSON(w, r, &in); err != nil {
		writeFailure(w, r, err)
		return
	}

	rule := mo.None[recurrence.Rule]()
	if in != nil {
		ev, err := s.svc.Store().GetEvent(ctx, id)
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		parsed, err := in.toRule(ev.Start)
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		rule = mo.Some(parsed)
	}

	saved, err := s.svc.SetRecurrence(ctx, id, rule)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	s.invalidate()
	writeJSON(w, http.StatusOK, eventToDTO(saved))
}

// handleEventOccurrences lists the occurrences of one event.
//
// GET /api/events/{id}/occurrences?from=2024-01-01&to=2024-03-01
//   - from / to: RFC3339 or YYYY-MM-DD in the display timezone
//   - defaults: today minus backfill days .. today plus days days
func (s *Server) handleEventOccurrences(w http.ResponseWriter, r *http.Request) {
	from, to, err := s.window(r)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	res, err := s.svc.Occurrences(r.Context(), r.PathValue("id"), from, to)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, occurrencesResponse{
		Occurrences:     occurrencesToDTO(res.Occurrences),
		TruncatedEvents: res.TruncatedEvents,
		FailedEvents:    res.FailedEvents,
		RangeStart:      from,
		RangeEnd:        to,
		DisplayTimeZone: s.svc.Location().String(),
	})
}

func (s *Server) handleDeleteOccurrence(w http.ResponseWriter, r *http.Request) {
	date, err := parseTime(r.PathValue("date"), s.svc.Location())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	saved, err := s.svc.DeleteOccurrence(r.Context(), r.PathValue("id"), date)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	s.invalidate()
	writeJSON(w, http.StatusOK, eventToDTO(saved))
}

// handleOccurrences returns every occurrence within a window around today.
//
// GET /api/occurrences?days=14&backfill=1
//   - days:     number of future days (default horizon_days)
//   - backfill: number of past days to include (default 1)
func (s *Server) handleOccurrences(w http.ResponseWriter, r *http.Request) {
	from, to, err := s.window(r)
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	key := from.Format(time.RFC3339Nano) + "|" + to.Format(time.RFC3339Nano)
	resp, gen, ok := s.cached(key)
	if ok {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	res, err := s.svc.Window(r.Context(), from, to)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	resp = occurrencesResponse{
		Occurrences:     occurrencesToDTO(res.Occurrences),
		TruncatedEvents: res.TruncatedEvents,
		FailedEvents:    res.FailedEvents,
		RangeStart:      from,
		RangeEnd:        to,
		DisplayTimeZone: s.svc.Location().String(),
	}
	s.storeCached(key, gen, resp)

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	events, err := s.svc.Store().ListEvents(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	body, err := ics.Export(events, s.cfg.CalendarName)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `inline; filename="calendar.ics"`)
	_, _ = w.Write(body)
}

// window resolves from/to, or days/backfill around today in the display
// timezone.
func (s *Server) window(r *http.Request) (time.Time, time.Time, error) {
	q := r.URL.Query()
	loc := s.svc.Location()

	days := parseIntDefault(q.Get("days"), s.cfg.HorizonDays)
	if days <= 0 {
		days = s.cfg.HorizonDays
	}
	backfill := max(parseIntDefault(q.Get("backfill"), 1), 0)

	y, m, d := s.now().In(loc).Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, loc)
	from := today.AddDate(0, 0, -backfill)
	to := today.AddDate(0, 0, days)

	var err error
	if v := q.Get("from"); v != "" {
		if from, err = parseTime(v, loc); err != nil {
			return from, to, err
		}
	}
	if v := q.Get("to"); v != "" {
		if to, err = parseEndTime(v, loc); err != nil {
			return from, to, err
		}
	}
	if to.Before(from) {
		return from, to, badRequest("to %s is before from %s", to.Format(time.RFC3339), from.Format(time.RFC3339))
	}
	return from, to, nil
}
