package ics

import (
	"context"
	"errors"
	"fmt"
	"sync"

	appLog "tourcal/internal/log"
	"tourcal/internal/model"
	"tourcal/internal/store"
)

// ImportStats summarises one import run.
type ImportStats struct {
	Created int
	Updated int
	Deleted int
	Skipped int
}

// Importer pulls ICS subscriptions into the event store. Runs are
// serialized: two overlapping runs would both miss each other's new UIDs
// and create duplicates.
type Importer struct {
	mu      sync.Mutex
	fetcher *Fetcher
	store   store.Store
}

func NewImporter(fetcher *Fetcher, s store.Store) *Importer {
	return &Importer{fetcher: fetcher, store: s}
}

// Import fetches and parses every source and upserts its events by
// (Source, UID). Events of a source that disappeared from its feed are
// deleted. A source that could not be fetched or parsed leaves its events
// untouched; its error is joined into the returned error.
func (im *Importer) Import(ctx context.Context, sources []Source) (ImportStats, error) {
	im.mu.Lock()
	defer im.mu.Unlock()

	var stats ImportStats

	results, errs := im.fetcher.FetchAll(ctx, sources)

	existing, err := im.store.ListEvents(ctx)
	if err != nil {
		return stats, fmt.Errorf("list events: %w", err)
	}
	index := make(map[string]map[string]model.Event)
	for _, ev := range existing {
		if ev.Source == "" {
			continue
		}
		if index[ev.Source] == nil {
			index[ev.Source] = make(map[string]model.Event)
		}
		index[ev.Source][ev.UID] = ev
	}

	for _, res := range results {
		parsed, err := ParseICS(res.Source, res.Body)
		if err != nil {
			errs = append(errs, fmt.Errorf("source %s: %w", res.Source.ID, err))
			continue
		}

		known := index[res.Source.ID]
		seen := make(map[string]bool, len(parsed))
		for _, ev := range parsed {
			if seen[ev.UID] {
				stats.Skipped++
				continue
			}
			seen[ev.UID] = true

			prev, found := known[ev.UID]
			if found {
				ev.ID = prev.ID
				ev.CreatedAt = prev.CreatedAt
			}
			if _, err := im.store.SaveEvent(ctx, ev); err != nil {
				stats.Skipped++
				appLog.Error("ics import save failed", err, "source", res.Source.ID, "uid", ev.UID)
				continue
			}
			if found {
				stats.Updated++
			} else {
				stats.Created++
			}
		}

		for uid, ev := range known {
			if seen[uid] {
				continue
			}
			if err := im.store.DeleteEvent(ctx, ev.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
				appLog.Error("ics import delete failed", err, "source", res.Source.ID, "uid", uid)
				continue
			}
			stats.Deleted++
		}
	}

	appLog.Info("ics import completed",
		"sources", len(sources),
		"created", stats.Created,
		"updated", stats.Updated,
		"deleted", stats.Deleted,
		"skipped", stats.Skipped,
		"errors", len(errs),
	)
	return stats, errors.Join(errs...)
}
