package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"tourcal/internal/calendar"
	"tourcal/internal/config"
	"tourcal/internal/ics"
	appLog "tourcal/internal/log"
	"tourcal/internal/recurrence"
	"tourcal/internal/scheduler"
	"tourcal/internal/store"
	"tourcal/internal/web"
)

const version = "0.1.0"

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	if err := newApp().Run(os.Args); err != nil {
		appLog.Error("tourcal failed", err)
		appLog.Sync()
		os.Exit(1)
	}
	appLog.Sync()
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "tourcal",
		Usage:   "Keep a band's shows, rehearsals and travel in one recurring calendar.",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "./tourcal.yaml",
				EnvVars: []string{"TOURCAL_CONFIG"},
				Usage:   "path to the YAML config (created with defaults if missing)",
			},
			&cli.StringFlag{
				Name:    "listen",
				EnvVars: []string{"TOURCAL_LISTEN"},
				Usage:   "HTTP listen address (overrides config if set)",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			occurrencesCommand(),
			importCommand(),
			exportCommand(),
		},
	}
}

// deps is everything a command needs, built from the config.
type deps struct {
	cfg      *config.Config
	store    *store.FileStore
	svc      *calendar.Service
	importer *ics.Importer
	sources  []ics.Source
}

func setup(c *cli.Context) (*deps, error) {
	cfgPath := c.String("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if listen := c.String("listen"); listen != "" {
		cfg.Listen = listen
	}
	if err := appLog.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, err
	}

	st, err := store.OpenFileStore(cfg.DataPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	engine := recurrence.NewEngineWithConfig(recurrence.EngineConfig{
		MaxOccurrences: cfg.MaxOccurrences,
		HorizonYears:   cfg.HorizonYears,
	})
	svc := calendar.NewService(st, engine, cfg.Location())

	sources := make([]ics.Source, 0, len(cfg.ICS))
	for _, src := range cfg.ICS {
		sources = append(sources, ics.Source{ID: src.SourceID(), URL: src.URL, Kind: src.Kind})
	}

	appLog.Info("effective config",
		"config_path", cfgPath,
		"listen", cfg.Listen,
		"timezone", cfg.Timezone,
		"data_path", cfg.DataPath,
		"max_occurrences", cfg.MaxOccurrences,
		"horizon_years", cfg.HorizonYears,
		"ics_count", len(sources),
	)

	return &deps{
		cfg:      cfg,
		store:    st,
		svc:      svc,
		importer: ics.NewImporter(ics.NewFetcher(cfg.CacheDir, nil), st),
		sources:  sources,
	}, nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API and the background import/digest jobs.",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "no-import", Usage: "Skip the initial ICS import on startup."},
		},
		Action: func(c *cli.Context) error {
			d, err := setup(c)
			if err != nil {
				return err
			}
			appLog.Info("tourcal starting", "version", version)

			// Root context with cancellation on SIGINT/SIGTERM.
			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sched := scheduler.New(d.svc.Location())
			if len(d.sources) > 0 {
				if err := sched.Add(scheduler.ImportJob(d.cfg.RefreshCron, d.importer, d.sources)); err != nil {
					return err
				}
			}
			if d.cfg.DigestCron != "" {
				if err := sched.Add(scheduler.DigestJob(d.cfg.DigestCron, d.svc, d.cfg.HorizonDays, nil)); err != nil {
					return err
				}
			}
			sched.Start(ctx)
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				sched.Stop(stopCtx)
			}()

			if len(d.sources) > 0 && !c.Bool("no-import") {
				go func() {
					if err := sched.RunNow(ctx, "import"); err != nil {
						appLog.Error("initial import failed", err)
					}
				}()
			}

			err = web.NewServer(d.cfg, d.svc).ListenAndServe(ctx)
			appLog.Info("tourcal exiting")
			return err
		},
	}
}

func occurrencesCommand() *cli.Command {
	return &cli.Command{
		Name:  "occurrences",
		Usage: "Print the occurrences of one event, or of all events, within a window.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "id", Usage: "event ID (default: all events)"},
			&cli.StringFlag{Name: "from", Usage: "window start, RFC3339 or YYYY-MM-DD (default: today)"},
			&cli.StringFlag{Name: "to", Usage: "window end, RFC3339 or YYYY-MM-DD inclusive (default: from + horizon_days)"},
			&cli.BoolFlag{Name: "json", Usage: "print JSON instead of a table"},
		},
		Action: func(c *cli.Context) error {
			d, err := setup(c)
			if err != nil {
				return err
			}
			loc := d.svc.Location()

			y, m, day := time.Now().In(loc).Date()
			from := time.Date(y, m, day, 0, 0, 0, 0, loc)
			if v := c.String("from"); v != "" {
				if from, err = parseWhen(v, loc); err != nil {
					return err
				}
			}
			to := from.AddDate(0, 0, d.cfg.HorizonDays)
			if v := c.String("to"); v != "" {
				if to, err = parseUntil(v, loc); err != nil {
					return err
				}
			}

			var res calendar.ExpandResult
			if id := c.String("id"); id != "" {
				res, err = d.svc.Occurrences(c.Context, id, from, to)
			} else {
				res, err = d.svc.Window(c.Context, from, to)
			}
			if err != nil {
				return err
			}

			if c.Bool("json") {
				enc := json.NewEncoder(c.App.Writer)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			return printOccurrences(c.App.Writer, res)
		},
	}
}

func importCommand() *cli.Command {
	return &cli.Command{
		Name:  "import",
		Usage: "Import all configured ICS subscriptions once.",
		Action: func(c *cli.Context) error {
			d, err := setup(c)
			if err != nil {
				return err
			}
			if len(d.sources) == 0 {
				return fmt.Errorf("no ICS sources configured in %s", c.String("config"))
			}
			stats, err := d.importer.Import(c.Context, d.sources)
			fmt.Fprintf(c.App.Writer, "created %d, updated %d, deleted %d, skipped %d\n",
				stats.Created, stats.Updated, stats.Deleted, stats.Skipped)
			return err
		},
	}
}

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Write all events as an ICS calendar.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output file (default: stdout)"},
		},
		Action: func(c *cli.Context) error {
			d, err := setup(c)
			if err != nil {
				return err
			}
			events, err := d.store.ListEvents(c.Context)
			if err != nil {
				return err
			}
			body, err := ics.Export(events, d.cfg.CalendarName)
			if err != nil {
				return err
			}
			if out := c.String("out"); out != "" {
				return os.WriteFile(out, body, 0o644)
			}
			_, err = c.App.Writer.Write(body)
			return err
		},
	}
}

func printOccurrences(w io.Writer, res calendar.ExpandResult) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "START\tEND\tKIND\tTITLE\tVENUE\tCITY")
	for _, o := range res.Occurrences {
		layout := "2006-01-02 15:04"
		if o.AllDay {
			layout = time.DateOnly
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			o.Start.Format(layout), o.End.Format(layout), o.Kind, o.Title, o.Venue, o.City)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, id := range res.TruncatedEvents {
		fmt.Fprintf(w, "note: event %s has more occurrences than the configured maximum\n", id)
	}
	for _, id := range res.FailedEvents {
		fmt.Fprintf(w, "warning: event %s could not be expanded\n", id)
	}
	return nil
}

func parseWhen(v string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.In(loc), nil
	}
	t, err := time.ParseInLocation(time.DateOnly, v, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want RFC3339 or YYYY-MM-DD", v)
	}
	return t, nil
}

// parseUntil is parseWhen for the end of a window: a bare date includes
// that whole day.
func parseUntil(v string, loc *time.Location) (time.Time, error) {
	t, err := parseWhen(v, loc)
	if err != nil {
		return t, err
	}
	if _, err := time.Parse(time.RFC3339, v); err != nil {
		t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return t, nil
}
