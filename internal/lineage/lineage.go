// Package lineage guards REFRESH pushes with a control-plane lineage entry so
// the replacement of a table's segments becomes visible in one step.
//
// A guarded push opens an entry replacing the live segment set (segmentsFrom)
// with the new one (segmentsTo), uploads, and then closes the entry as
// COMPLETED. Until the close, queries keep seeing segmentsFrom only. Any upload
// failure closes the entry as ABORTED, which drops segmentsTo and leaves
// segmentsFrom untouched.
package lineage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/nucleus/segpush/internal/controlplane"
	"github.com/nucleus/segpush/internal/retry"
	"github.com/nucleus/segpush/internal/segment"
)

var (
	// ErrNameCollision is returned when segmentsTo repeats a name or shares one
	// with the live set it replaces.
	ErrNameCollision = errors.New("segment name collision")
	// ErrUntimestampedName is returned when a guarded refresh name carries no
	// generation timestamp.
	ErrUntimestampedName = errors.New("segment name has no refresh timestamp")
)

// =============================================================================
// SEGMENTS-TO DERIVATION
// =============================================================================

// TarSegmentsTo names segments after their archive files.
func TarSegmentsTo(artifacts []segment.Artifact) []string {
	out := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		out = append(out, segment.NameFromURI(a.TarURI))
	}
	return out
}

// URISegmentsTo names segments after the rewritten download URIs.
func URISegmentsTo(uris []string) []string {
	out := make([]string, 0, len(uris))
	for _, u := range uris {
		out = append(out, segment.NameFromURI(u))
	}
	return out
}

// MetadataSegmentsTo names segments after the keys of a segment URI mapping
// (download URI to tar URI), in key order.
func MetadataSegmentsTo(mapping map[string]string) []string {
	uris := make([]string, 0, len(mapping))
	for u := range mapping {
		uris = append(uris, u)
	}
	sort.Strings(uris)
	return URISegmentsTo(uris)
}

// IsGuarded reports whether pushes to the table need a lineage entry.
func IsGuarded(cfg *controlplane.TableConfig) bool {
	return cfg.ConsistentRefresh()
}

// ValidateNames checks that segmentsTo is pairwise distinct, disjoint from
// segmentsFrom and, for guarded refreshes, timestamped.
func ValidateNames(segmentsFrom, segmentsTo []string, requireTimestamp bool) error {
	seen := make(map[string]bool, len(segmentsTo))
	for _, name := range segmentsTo {
		if seen[name] {
			return fmt.Errorf("%w: %s appears twice in the push", ErrNameCollision, name)
		}
		seen[name] = true
		if requireTimestamp {
			parts, err := segment.ParseName(name)
			if err != nil || !parts.HasTimestamp() {
				return fmt.Errorf("%w: %s", ErrUntimestampedName, name)
			}
		}
	}
	for _, name := range segmentsFrom {
		if seen[name] {
			return fmt.Errorf("%w: %s is both live and being pushed", ErrNameCollision, name)
		}
	}
	return nil
}

// =============================================================================
// COORDINATOR
// =============================================================================

// Entry is an open lineage entry owned by this process.
type Entry struct {
	ID           string
	Table        controlplane.TableRef
	SegmentsFrom []string
	SegmentsTo   []string
	OpenedAt     time.Time
}

// Options configure a Coordinator.
type Options struct {
	// Policy applies to listing and opening.
	Policy retry.Policy
	// FinalizePolicy applies to closing an entry.
	FinalizePolicy retry.Policy
	// RequireTimestamp rejects segment names without a refresh timestamp.
	RequireTimestamp bool
	Now              func() time.Time
	Logger           hclog.Logger
}

// Coordinator opens and closes lineage entries for one table.
type Coordinator struct {
	client controlplane.Client
	table  controlplane.TableRef
	opts   Options
	logger hclog.Logger
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(client controlplane.Client, table controlplane.TableRef, opts Options) *Coordinator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Coordinator{
		client: client,
		table:  table,
		opts:   opts,
		logger: logger.Named("lineage"),
	}
}

func (c *Coordinator) call(ctx context.Context, p retry.Policy, what string, fn func(ctx context.Context) error) error {
	_, err := retry.Do(ctx, p, func(ctx context.Context, attempt int) retry.Outcome {
		out := retry.Classify(fn(ctx))
		if out.Kind == retry.KindRetriable {
			c.logger.Warn("lineage call failed", "table", c.table.String(), "call", what, "attempt", attempt, "error", out.Err)
		}
		return out
	})
	if err != nil {
		return fmt.Errorf("%s for %s: %w", what, c.table, err)
	}
	return nil
}

// Live returns the table's current live segment names.
func (c *Coordinator) Live(ctx context.Context) ([]string, error) {
	var live []string
	err := c.call(ctx, c.opts.Policy, "list live segments", func(ctx context.Context) error {
		names, err := c.client.ListLiveSegments(ctx, c.table)
		live = names
		return err
	})
	return live, err
}

// Begin replaces the live set with segmentsTo in a new IN_PROGRESS entry.
// It must be called before any segment of the push is uploaded.
func (c *Coordinator) Begin(ctx context.Context, segmentsTo []string) (*Entry, error) {
	if len(segmentsTo) == 0 {
		return nil, fmt.Errorf("lineage for %s: no segments to push", c.table)
	}
	if err := ValidateNames(nil, segmentsTo, c.opts.RequireTimestamp); err != nil {
		return nil, err
	}
	from, err := c.Live(ctx)
	if err != nil {
		return nil, err
	}
	if err := ValidateNames(from, segmentsTo, false); err != nil {
		return nil, err
	}

	var id string
	err = c.call(ctx, c.opts.Policy, "start lineage", func(ctx context.Context) error {
		got, err := c.client.StartLineage(ctx, c.table, from, segmentsTo, false)
		id = got
		return err
	})
	if err != nil {
		return nil, err
	}
	entry := &Entry{
		ID:           id,
		Table:        c.table,
		SegmentsFrom: append([]string(nil), from...),
		SegmentsTo:   append([]string(nil), segmentsTo...),
		OpenedAt:     c.opts.Now(),
	}
	c.logger.Info("lineage entry opened", "table", c.table.String(), "entryId", id, "from", len(from), "to", len(segmentsTo))
	return entry, nil
}

// Complete closes the entry as COMPLETED, atomically swapping segmentsFrom
// for segmentsTo. A failure leaves the entry open; it is never assumed closed.
func (c *Coordinator) Complete(ctx context.Context, entry *Entry) error {
	err := c.call(ctx, c.opts.FinalizePolicy, "complete lineage "+entry.ID, func(ctx context.Context) error {
		return c.client.EndLineage(ctx, c.table, entry.ID, controlplane.StateCompleted)
	})
	if err != nil {
		c.logger.Error("lineage entry left open", "table", c.table.String(), "entryId", entry.ID, "error", err)
		return err
	}
	c.logger.Info("lineage entry completed", "table", c.table.String(), "entryId", entry.ID)
	return nil
}

// Abort closes the entry as ABORTED. It runs even when ctx is already
// cancelled, bounded by the finalize policy.
func (c *Coordinator) Abort(ctx context.Context, entry *Entry) error {
	ctx = context.WithoutCancel(ctx)
	if p := c.opts.FinalizePolicy; p.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Budget())
		defer cancel()
	}
	err := c.call(ctx, c.opts.FinalizePolicy, "abort lineage "+entry.ID, func(ctx context.Context) error {
		return c.client.EndLineage(ctx, c.table, entry.ID, controlplane.StateAborted)
	})
	if err != nil {
		c.logger.Error("lineage entry could not be aborted", "table", c.table.String(), "entryId", entry.ID, "error", err)
		return err
	}
	c.logger.Info("lineage entry aborted", "table", c.table.String(), "entryId", entry.ID)
	return nil
}

// Entries lists the table's lineage entries.
func (c *Coordinator) Entries(ctx context.Context) ([]controlplane.LineageEntry, error) {
	var entries []controlplane.LineageEntry
	err := c.call(ctx, c.opts.Policy, "list lineage", func(ctx context.Context) error {
		got, err := c.client.ListLineage(ctx, c.table)
		entries = got
		return err
	})
	return entries, err
}
