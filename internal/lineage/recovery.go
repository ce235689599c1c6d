package lineage

import (
	"context"
	"time"

	"github.com/nucleus/segpush/internal/controlplane"
)

// Recovery is the outcome of a stale-entry scan.
type Recovery struct {
	// Aborted entries were IN_PROGRESS for longer than the threshold.
	Aborted []controlplane.LineageEntry
	// Pending entries are IN_PROGRESS but younger than the threshold; they may
	// belong to a push that is still running and are left alone.
	Pending []controlplane.LineageEntry
}

// RecoverStale aborts IN_PROGRESS entries whose last state change is older
// than olderThan. A push that crashed between its uploads and the close leaves
// such an entry behind; its segmentsFrom are still live, so aborting restores
// the view from before the push.
func (c *Coordinator) RecoverStale(ctx context.Context, olderThan time.Duration) (*Recovery, error) {
	entries, err := c.Entries(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := c.opts.Now().Add(-olderThan).UnixMilli()
	rec := &Recovery{}
	for _, e := range entries {
		if e.State != controlplane.StateInProgress {
			continue
		}
		if e.Timestamp > cutoff {
			c.logger.Info("lineage entry in progress", "table", c.table.String(), "entryId", e.ID,
				"age", c.opts.Now().Sub(time.UnixMilli(e.Timestamp)))
			rec.Pending = append(rec.Pending, e)
			continue
		}
		if err := c.Abort(ctx, &Entry{ID: e.ID, Table: c.table, SegmentsFrom: e.SegmentsFrom, SegmentsTo: e.SegmentsTo}); err != nil {
			return rec, err
		}
		e.State = controlplane.StateAborted
		rec.Aborted = append(rec.Aborted, e)
	}
	return rec, nil
}
