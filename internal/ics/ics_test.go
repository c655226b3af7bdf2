package ics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tourcal/internal/model"
	"tourcal/internal/recurrence"
	"tourcal/internal/store"
)

const tourFeed = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//agency//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:rehearsal-1@agency\r\n" +
	"DTSTAMP:20231201T000000Z\r\n" +
	"SUMMARY:Rehearsal\r\n" +
	"CATEGORIES:REHEARSAL\r\n" +
	"LOCATION:Studio B\r\n" +
	"DTSTART;TZID=Europe/Berlin:20240101T180000\r\n" +
	"DTEND;TZID=Europe/Berlin:20240101T210000\r\n" +
	"RRULE:FREQ=WEEKLY;BYDAY=MO,WE;UNTIL=20240116T230000Z\r\n" +
	"EXDATE;TZID=Europe/Berlin:20240103T180000\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:rehearsal-1@agency\r\n" +
	"DTSTAMP:20231201T000000Z\r\n" +
	"RECURRENCE-ID;TZID=Europe/Berlin:20240108T180000\r\n" +
	"SUMMARY:Rehearsal (moved)\r\n" +
	"DTSTART;TZID=Europe/Berlin:20240108T190000\r\n" +
	"DTEND;TZID=Europe/Berlin:20240108T220000\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:flight-1@agency\r\n" +
	"DTSTAMP:20231201T000000Z\r\n" +
	"SUMMARY:Fly to Tokyo\r\n" +
	"DTSTART;VALUE=DATE:20240201\r\n" +
	"DTEND;VALUE=DATE:20240203\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:meeting-1@agency\r\n" +
	"DTSTAMP:20231201T000000Z\r\n" +
	"SUMMARY:Label meeting\r\n" +
	"DTSTART:20240126T100000Z\r\n" +
	"DTEND:20240126T110000Z\r\n" +
	"RRULE:FREQ=MONTHLY;BYDAY=-1FR\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"DTSTAMP:20231201T000000Z\r\n" +
	"SUMMARY:No UID\r\n" +
	"DTSTART:20240126T100000Z\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

var agency = Source{ID: "agency", URL: "https://agency.example/feed.ics?token=secret", Kind: "show"}

func byUID(t *testing.T, events []model.Event) map[string]model.Event {
	t.Helper()
	out := make(map[string]model.Event, len(events))
	for _, ev := range events {
		out[ev.UID] = ev
	}
	return out
}

func TestParseICS(t *testing.T) {
	events, err := ParseICS(agency, []byte(tourFeed))
	require.NoError(t, err)
	require.Len(t, events, 3)

	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	got := byUID(t, events)

	rehearsal := got["rehearsal-1@agency"]
	assert.Equal(t, "agency", rehearsal.Source)
	assert.Equal(t, "Rehearsal", rehearsal.Title)
	assert.Equal(t, "Studio B", rehearsal.Venue)
	assert.Equal(t, model.KindRehearsal, rehearsal.Kind)
	assert.True(t, rehearsal.Start.Equal(time.Date(2024, 1, 1, 18, 0, 0, 0, berlin)))
	assert.Equal(t, 3*time.Hour, rehearsal.Duration())
	rule, ok := rehearsal.Recurrence.Get()
	require.True(t, ok)
	assert.Equal(t, recurrence.Weekly, rule.Frequency)
	assert.Equal(t, []recurrence.Weekday{recurrence.Monday, recurrence.Wednesday}, rule.SortedDays())
	require.Len(t, rehearsal.Exceptions, 1)
	assert.True(t, rehearsal.Exceptions[0].Equal(time.Date(2024, 1, 3, 18, 0, 0, 0, berlin)))

	flight := got["flight-1@agency"]
	assert.True(t, flight.AllDay)
	assert.Equal(t, model.KindShow, flight.Kind, "falls back to the source kind")
	assert.Equal(t, 2024, flight.Start.Year())
	assert.Equal(t, time.February, flight.Start.Month())
	assert.Equal(t, 1, flight.Start.Day())
	assert.Equal(t, 3, flight.End.Day())
	assert.False(t, flight.Recurrence.IsPresent())

	meeting := got["meeting-1@agency"]
	assert.False(t, meeting.Recurrence.IsPresent(), "positional BYDAY is imported as a one-off")
	assert.Empty(t, meeting.Exceptions)
}

func TestParseICS_Errors(t *testing.T) {
	_, err := ParseICS(agency, nil)
	require.Error(t, err)
}

func TestExport_RoundTrip(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	rule := recurrence.Rule{
		Frequency:  recurrence.Weekly,
		Interval:   2,
		EndDate:    mo.Some(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)),
		DaysOfWeek: []recurrence.Weekday{recurrence.Wednesday, recurrence.Monday},
	}
	events := []model.Event{
		{
			ID:         "r1",
			Title:      "Full band rehearsal",
			Kind:       model.KindRehearsal,
			Venue:      "Studio B",
			Start:      time.Date(2024, 1, 1, 18, 0, 0, 0, berlin),
			End:        time.Date(2024, 1, 1, 21, 0, 0, 0, berlin),
			Recurrence: mo.Some(rule),
			Exceptions: []time.Time{time.Date(2024, 1, 15, 18, 0, 0, 0, berlin)},
		},
		{
			ID:     "t1",
			UID:    "flight-1@agency",
			Title:  "Fly to Tokyo",
			Kind:   model.KindTravel,
			AllDay: true,
			Start:  time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
			End:    time.Date(2024, 2, 3, 0, 0, 0, 0, time.UTC),
		},
	}

	body, err := Export(events, "Spring Tour")
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, "X-WR-CALNAME:Spring Tour")
	assert.Contains(t, text, "FREQ=WEEKLY")
	assert.Contains(t, text, "BYDAY=MO,WE")
	assert.Contains(t, text, "UID:r1@tourcal")
	assert.Contains(t, text, "CATEGORIES:REHEARSAL")

	back, err := ParseICS(Source{ID: "self"}, body)
	require.NoError(t, err)
	require.Len(t, back, 2)
	got := byUID(t, back)

	r := got["r1@tourcal"]
	assert.Equal(t, "Full band rehearsal", r.Title)
	assert.Equal(t, "Studio B", r.Venue)
	assert.Equal(t, model.KindRehearsal, r.Kind)
	assert.True(t, r.Start.Equal(events[0].Start))
	backRule, ok := r.Recurrence.Get()
	require.True(t, ok)
	assert.Equal(t, 2, backRule.Interval)
	assert.Equal(t, rule.SortedDays(), backRule.SortedDays())
	end, ok := backRule.EndDate.Get()
	require.True(t, ok)
	assert.True(t, end.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))
	require.Len(t, r.Exceptions, 1)
	assert.True(t, r.Exceptions[0].Equal(events[0].Exceptions[0]))

	flight := got["flight-1@agency"]
	assert.True(t, flight.AllDay)
	assert.Equal(t, model.KindTravel, flight.Kind)
}

func TestLocation(t *testing.T) {
	assert.Equal(t, "Paradiso, Amsterdam", location(model.Event{Venue: "Paradiso", City: "Amsterdam"}))
	assert.Equal(t, "Amsterdam", location(model.Event{City: "Amsterdam"}))
	assert.Equal(t, "Paradiso", location(model.Event{Venue: "Paradiso"}))
}

func TestFetcher_ConditionalAndFallback(t *testing.T) {
	var hits, conditional atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			conditional.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(tourFeed))
	}))

	f := NewFetcher(t.TempDir(), srv.Client())
	src := Source{ID: "agency", URL: srv.URL + "/feed.ics"}
	ctx := context.Background()

	first, err := f.FetchOne(ctx, src)
	require.NoError(t, err)
	assert.False(t, first.FromCache)
	assert.Equal(t, tourFeed, string(first.Body))

	second, err := f.FetchOne(ctx, src)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, tourFeed, string(second.Body))
	assert.Equal(t, int32(1), conditional.Load())

	srv.Close()
	third, err := f.FetchOne(ctx, src)
	require.NoError(t, err, "network errors fall back to the cached body")
	assert.True(t, third.FromCache)
	assert.Equal(t, int32(2), hits.Load())
}

func TestFetcher_ErrorsWithoutCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir(), srv.Client())
	results, errs := f.FetchAll(context.Background(), []Source{
		{ID: "forbidden", URL: srv.URL},
		{ID: "empty"},
	})
	assert.Empty(t, results)
	assert.Len(t, errs, 2)
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "https://agency.example/...(redacted)", redactURL(agency.URL))
	assert.Equal(t, "ics://...(redacted)", redactURL("not a url"))
}

func TestImporter_Upsert(t *testing.T) {
	feed := tourFeed
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(feed))
	}))
	defer srv.Close()

	ctx := context.Background()
	st := store.NewMemoryStore()
	manual, err := st.SaveEvent(ctx, model.Event{Title: "Soundcheck", Start: time.Date(2024, 1, 5, 16, 0, 0, 0, time.UTC)})
	require.NoError(t, err)

	im := NewImporter(NewFetcher(t.TempDir(), srv.Client()), st)
	src := Source{ID: "agency", URL: srv.URL}

	stats, err := im.Import(ctx, []Source{src})
	require.NoError(t, err)
	assert.Equal(t, ImportStats{Created: 3}, stats)

	all, err := st.ListEvents(ctx)
	require.NoError(t, err)
	require.Len(t, all, 4)
	ids := make(map[string]string)
	for _, ev := range all {
		ids[ev.UID] = ev.ID
	}

	// Second run: the flight left the feed, the rest is updated in place.
	feed = strings.Replace(tourFeed, "UID:flight-1@agency", "UID:flight-2@agency", 1)
	stats, err = im.Import(ctx, []Source{src})
	require.NoError(t, err)
	assert.Equal(t, ImportStats{Created: 1, Updated: 2, Deleted: 1}, stats)

	all, err = st.ListEvents(ctx)
	require.NoError(t, err)
	require.Len(t, all, 4)
	for _, ev := range all {
		switch ev.UID {
		case "rehearsal-1@agency", "meeting-1@agency":
			assert.Equal(t, ids[ev.UID], ev.ID, "imported events keep their ID")
		case "flight-1@agency":
			t.Fatalf("stale event %s was not deleted", ev.UID)
		}
	}

	_, err = st.GetEvent(ctx, manual.ID)
	require.NoError(t, err, "manual events are never touched")
}

func TestImporter_OverlappingRunsDoNotDuplicate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(tourFeed))
	}))
	defer srv.Close()

	ctx := context.Background()
	st := store.NewMemoryStore()
	im := NewImporter(NewFetcher(t.TempDir(), srv.Client()), st)
	sources := []Source{{ID: "agency", URL: srv.URL}}

	var (
		wg      sync.WaitGroup
		created atomic.Int32
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stats, err := im.Import(ctx, sources)
			assert.NoError(t, err)
			created.Add(int32(stats.Created))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3), created.Load())
	all, err := st.ListEvents(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestImporter_FailedSourceKeepsEvents(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	_, err := st.SaveEvent(ctx, model.Event{
		Title:  "Show",
		Source: "agency",
		UID:    "show-1",
		Start:  time.Date(2024, 1, 5, 20, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	im := NewImporter(NewFetcher(t.TempDir(), srv.Client()), st)
	stats, err := im.Import(ctx, []Source{{ID: "agency", URL: srv.URL}})
	require.Error(t, err)
	assert.Equal(t, ImportStats{}, stats)

	all, err := st.ListEvents(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
