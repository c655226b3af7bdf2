package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"tourcal/internal/calendar"
	"tourcal/internal/ics"
	appLog "tourcal/internal/log"
)

// ErrUnknownJob is returned by RunNow for a name that was never added.
var ErrUnknownJob = errors.New("unknown job")

// Job is a named unit of background work on a cron schedule.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// Scheduler runs Jobs on standard 5-field cron specs in the display zone.
// Overlapping runs of the same job are skipped and panics are recovered.
type Scheduler struct {
	cron *cron.Cron

	mu      sync.Mutex
	jobs    map[string]Job
	entries map[string]cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
}

func New(loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	logger := cronLogger{}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		jobs:    make(map[string]Job),
		entries: make(map[string]cron.EntryID),
	}
}

// Add registers job. Its spec is checked immediately.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("job needs a name and a func")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("job %q already added", job.Name)
	}
	id, err := s.cron.AddFunc(job.Spec, func() { s.run(job) })
	if err != nil {
		return fmt.Errorf("job %q: invalid cron spec %q: %w", job.Name, job.Spec, err)
	}
	s.jobs[job.Name] = job
	s.entries[job.Name] = id
	return nil
}

// Start begins dispatching. Jobs receive a context derived from ctx that is
// cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	s.mu.Unlock()

	s.cron.Start()
	appLog.Info("scheduler started", "jobs", names)
}

// Stop halts dispatching and waits for running jobs, at most until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		appLog.Info("scheduler stop timed out")
	}
}

// Next returns the next activation of a job, if scheduled.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	next := s.cron.Entry(id).Next
	return next, !next.IsZero()
}

// RunNow runs a job synchronously outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return job.Run(ctx)
}

func (s *Scheduler) run(job Job) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	started := time.Now()
	if err := job.Run(ctx); err != nil {
		appLog.Error("job failed", err, "job", job.Name, "duration", time.Since(started).String())
		return
	}
	appLog.Debug("job done", "job", job.Name, "duration", time.Since(started).String())
}

// ImportJob re-imports ICS subscriptions.
func ImportJob(spec string, im *ics.Importer, sources []ics.Source) Job {
	return Job{
		Name: "import",
		Spec: spec,
		Run: func(ctx context.Context) error {
			_, err := im.Import(ctx, sources)
			return err
		},
	}
}

// DigestJob logs the occurrences of the next days days.
func DigestJob(spec string, svc *calendar.Service, days int, now func() time.Time) Job {
	if now == nil {
		now = time.Now
	}
	return Job{
		Name: "digest",
		Spec: spec,
		Run: func(ctx context.Context) error {
			res, err := svc.Upcoming(ctx, now(), days)
			if err != nil {
				return err
			}
			appLog.Info("upcoming digest",
				"days", days,
				"occurrences", len(res.Occurrences),
				"truncated_events", len(res.TruncatedEvents),
				"failed_events", len(res.FailedEvents),
			)
			for _, occ := range res.Occurrences {
				appLog.Info("upcoming",
					"start", occ.Start.Format(time.RFC3339),
					"title", occ.Title,
					"kind", string(occ.Kind),
					"venue", occ.Venue,
					"city", occ.City,
				)
			}
			return nil
		},
	}
}

// cronLogger routes robfig/cron's logr-style calls to the app logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}
