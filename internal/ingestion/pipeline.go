// Package ingestion keeps the graph index in step with the vault: a full
// reconcile pass at startup and a debounced file watcher afterwards.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Benny93/notegraph/internal/logging"
	"github.com/Benny93/notegraph/internal/service"
)

// ReconcileStats summarizes a pipeline run.
type ReconcileStats struct {
	Notes           int     `json:"notes"`
	Reindexed       int     `json:"reindexed"`
	Unchanged       int     `json:"unchanged"`
	Removed         int     `json:"removed"`
	CitationsSynced int     `json:"citations_synced"`
	Failed          int     `json:"failed"`
	DurationSecs    float64 `json:"duration_secs"`
}

// ProgressCallback is called with phase name and progress (0.0-1.0).
type ProgressCallback func(phase string, progress float64)

// PipelineOptions configures RunPipeline.
type PipelineOptions struct {
	// Force reconciles notes whose content hash is unchanged.
	Force    bool
	Progress ProgressCallback
	Logger   logrus.FieldLogger
}

// RunPipeline reconciles the whole index with the vault. It removes indexed
// keys that no longer have a note, reconciles every note, then re-syncs the
// citation edges of every note carrying a managed citation block.
//
// A failing note is counted and logged and does not stop the run; the
// failures are returned joined after the run. Cancellation is checked
// between notes.
func RunPipeline(ctx context.Context, svc *service.Service, opts PipelineOptions) (*ReconcileStats, error) {
	start := time.Now()
	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}
	progress := opts.Progress
	if progress == nil {
		progress = func(string, float64) {}
	}
	stats := &ReconcileStats{}

	// Phase 1: Walk
	progress("Walking vault", 0.0)
	notes, err := svc.Documents().List()
	if err != nil {
		return nil, fmt.Errorf("walking vault: %w", err)
	}
	stats.Notes = len(notes)
	live := make(map[string]struct{}, len(notes))
	for _, n := range notes {
		live[n.Key] = struct{}{}
	}
	exists := func(k string) bool {
		_, ok := live[k]
		return ok
	}
	progress("Walking vault", 1.0)

	// Phase 2: Stale keys
	progress("Removing stale notes", 0.0)
	indexed, err := svc.Index().NodeKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing indexed keys: %w", err)
	}
	for _, k := range indexed {
		if exists(k) {
			continue
		}
		if err := svc.Index().RemoveNote(ctx, k); err != nil {
			return nil, fmt.Errorf("removing stale note %q: %w", k, err)
		}
		stats.Removed++
	}
	progress("Removing stale notes", 1.0)

	// Phase 3: Reconcile
	var errs []error
	progress("Reconciling notes", 0.0)
	for i, n := range notes {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		res, err := svc.ReconcileNote(ctx, n, exists, opts.Force)
		switch {
		case err != nil:
			stats.Failed++
			errs = append(errs, err)
			log.WithError(err).WithField("key", n.Key).Warn("ingestion.reconcile_failed")
		case res.Skipped:
			stats.Unchanged++
		default:
			stats.Reindexed++
		}
		progress("Reconciling notes", float64(i+1)/float64(len(notes)))
	}
	progress("Reconciling notes", 1.0)

	// Phase 4: Managed citation blocks
	progress("Syncing citations", 0.0)
	for i, n := range notes {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		synced, err := svc.SyncManagedCitations(ctx, n)
		if err != nil {
			stats.Failed++
			errs = append(errs, err)
			log.WithError(err).WithField("key", n.Key).Warn("ingestion.sync_failed")
		} else if synced {
			stats.CitationsSynced++
		}
		progress("Syncing citations", float64(i+1)/float64(len(notes)))
	}
	progress("Syncing citations", 1.0)

	stats.DurationSecs = time.Since(start).Seconds()
	log.WithFields(logrus.Fields{
		"notes":     stats.Notes,
		"reindexed": stats.Reindexed,
		"unchanged": stats.Unchanged,
		"removed":   stats.Removed,
		"citations": stats.CitationsSynced,
		"failed":    stats.Failed,
	}).Info("ingestion.pipeline")

	return stats, errors.Join(errs...)
}
