package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"tourcal/internal/calendar"
	appLog "tourcal/internal/log"
	"tourcal/internal/model"
	"tourcal/internal/recurrence"
	"tourcal/internal/store"
)

func noop(context.Context) error { return nil }

func TestAddValidatesSpecs(t *testing.T) {
	s := New(time.UTC)

	require.NoError(t, s.Add(Job{Name: "digest", Spec: "0 8 * * *", Run: noop}))
	require.Error(t, s.Add(Job{Name: "digest", Spec: "0 9 * * *", Run: noop}), "duplicate name")
	require.Error(t, s.Add(Job{Name: "broken", Spec: "every tuesday", Run: noop}))
	require.Error(t, s.Add(Job{Name: "nofunc", Spec: "* * * * *"}))
}

func TestNextUsesLocation(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	s := New(berlin)
	require.NoError(t, s.Add(Job{Name: "digest", Spec: "0 8 * * *", Run: noop}))

	_, ok := s.Next("digest")
	assert.False(t, ok, "no activation before Start")

	s.Start(context.Background())
	defer s.Stop(context.Background())

	next, ok := s.Next("digest")
	require.True(t, ok)
	local := next.In(berlin)
	assert.Equal(t, 8, local.Hour())
	assert.Equal(t, 0, local.Minute())

	_, ok = s.Next("missing")
	assert.False(t, ok)
}

func TestRunNow(t *testing.T) {
	s := New(time.UTC)
	boom := errors.New("boom")
	calls := 0
	require.NoError(t, s.Add(Job{Name: "import", Spec: "*/30 * * * *", Run: func(context.Context) error {
		calls++
		return boom
	}}))

	require.ErrorIs(t, s.RunNow(context.Background(), "import"), boom)
	assert.Equal(t, 1, calls)
	require.ErrorIs(t, s.RunNow(context.Background(), "nope"), ErrUnknownJob)
}

func TestDigestJobLogsUpcoming(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	appLog.Use(zap.New(core))

	ctx := context.Background()
	st := store.NewMemoryStore()
	_, err := st.SaveEvent(ctx, model.Event{
		Title: "Rehearsal",
		Kind:  model.KindRehearsal,
		Start: time.Date(2024, 1, 1, 18, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 1, 1, 21, 0, 0, 0, time.UTC),
		Recurrence: mo.Some(recurrence.Rule{
			Frequency:  recurrence.Weekly,
			Interval:   1,
			DaysOfWeek: []recurrence.Weekday{recurrence.Monday, recurrence.Wednesday},
		}),
	})
	require.NoError(t, err)

	svc := calendar.NewService(st, nil, time.UTC)
	now := func() time.Time { return time.Date(2024, 1, 7, 12, 0, 0, 0, time.UTC) }
	job := DigestJob("0 8 * * *", svc, 7, now)

	require.NoError(t, job.Run(ctx))

	digest := logs.FilterMessage("upcoming digest").All()
	require.Len(t, digest, 1)
	assert.EqualValues(t, 2, digest[0].ContextMap()["occurrences"])
	assert.Equal(t, 2, logs.FilterMessage("upcoming").Len())
}
