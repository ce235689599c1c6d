// Package dispatch fans push work out over independent units. A unit carries
// everything a worker needs to rebuild its own file-system bindings and
// control-plane client, so it can run in this process or on a remote worker.
package dispatch

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/nucleus/segpush/internal/jobspec"
	"github.com/nucleus/segpush/internal/segment"
)

// WorkUnit is one partition of a push. It is JSON-serializable.
type WorkUnit struct {
	Index    int                `json:"index"`
	Spec     *jobspec.JobSpec   `json:"spec"`
	Mode     jobspec.Mode       `json:"mode"`
	EntryID  string             `json:"entryId,omitempty"`
	Segments []segment.Artifact `json:"segments"`
}

// UnitFunc pushes every segment of a unit.
type UnitFunc func(ctx context.Context, unit WorkUnit) error

// Dispatcher maps fn over units. It returns once every started unit has
// finished, with the first failure if any; after a failure no further units
// are started.
type Dispatcher interface {
	Dispatch(ctx context.Context, units []WorkUnit, fn UnitFunc) error
}

// Partition splits artifacts round-robin into at most n groups. n <= 0 yields
// one group per artifact. Groups are never empty.
func Partition(artifacts []segment.Artifact, n int) [][]segment.Artifact {
	if len(artifacts) == 0 {
		return nil
	}
	if n <= 0 || n > len(artifacts) {
		n = len(artifacts)
	}
	out := make([][]segment.Artifact, n)
	for i, a := range artifacts {
		out[i%n] = append(out[i%n], a)
	}
	return out
}

// Units builds one WorkUnit per partition. Each unit gets its own copy of spec.
func Units(spec *jobspec.JobSpec, entryID string, artifacts []segment.Artifact) []WorkUnit {
	parts := Partition(artifacts, spec.Push.Parallelism)
	units := make([]WorkUnit, 0, len(parts))
	for i, p := range parts {
		units = append(units, WorkUnit{
			Index:    i,
			Spec:     spec.Clone(),
			Mode:     spec.Push.Mode,
			EntryID:  entryID,
			Segments: p,
		})
	}
	return units
}

// LocalDispatcher runs units as goroutines of this process.
type LocalDispatcher struct {
	// Limit caps concurrently running units; zero runs all at once.
	Limit int
}

func (d LocalDispatcher) Dispatch(parent context.Context, units []WorkUnit, fn UnitFunc) error {
	g, ctx := errgroup.WithContext(parent)
	limit := d.Limit
	if limit <= 0 {
		limit = len(units)
	}
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, u := range units {
		if ctx.Err() != nil {
			break
		}
		u := u
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(ctx, u); err != nil {
				return fmt.Errorf("unit %d: %w", u.Index, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return parent.Err()
}
