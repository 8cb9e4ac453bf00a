package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/banshee-data/underpass.report/internal/report"
)

// History stores delivered reports.
type History interface {
	RecordReport(ctx context.Context, r report.Report) error
}

// Stats counts delivery outcomes. Delivered counts reports that reached at
// least one destination.
type Stats struct {
	Attempted        uint64 `json:"attempted"`
	Delivered        uint64 `json:"delivered"`
	SnapshotFailures uint64 `json:"snapshot_failures"`
	PublishFailures  uint64 `json:"publish_failures"`
	HistoryFailures  uint64 `json:"history_failures"`
}

// Fanout sends each report to the snapshot, the publisher and the history,
// in that order. A failing destination never stops the others. Publisher and
// History may be nil.
type Fanout struct {
	Snapshot  *SnapshotStore
	Publisher Publisher
	Topic     string
	History   History

	attempted        atomic.Uint64
	delivered        atomic.Uint64
	snapshotFailures atomic.Uint64
	publishFailures  atomic.Uint64
	historyFailures  atomic.Uint64
}

// Deliver hands r to every destination and returns the joined failures.
func (f *Fanout) Deliver(ctx context.Context, r report.Report) error {
	var errs []error
	reached := false
	f.attempted.Add(1)

	if f.Snapshot != nil {
		if err := f.Snapshot.Write(r); err != nil {
			f.snapshotFailures.Add(1)
			errs = append(errs, err)
		} else {
			reached = true
		}
	}

	if f.Publisher != nil {
		if err := f.publish(ctx, r); err != nil {
			f.publishFailures.Add(1)
			errs = append(errs, err)
		} else {
			reached = true
		}
	}

	if f.History != nil {
		if err := f.History.RecordReport(ctx, r); err != nil {
			f.historyFailures.Add(1)
			errs = append(errs, fmt.Errorf("history: %w", err))
		} else {
			reached = true
		}
	}

	if reached {
		f.delivered.Add(1)
	}
	return errors.Join(errs...)
}

func (f *Fanout) publish(ctx context.Context, r report.Report) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if err := f.Publisher.Publish(ctx, f.Topic, payload); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

func (f *Fanout) Stats() Stats {
	return Stats{
		Attempted:        f.attempted.Load(),
		Delivered:        f.delivered.Load(),
		SnapshotFailures: f.snapshotFailures.Load(),
		PublishFailures:  f.publishFailures.Load(),
		HistoryFailures:  f.historyFailures.Load(),
	}
}
