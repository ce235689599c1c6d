// Package push runs a segment push job: discover the archives a generation
// step left in the output dir, route them to their published URIs, and
// upload them, guarding REFRESH tables with a lineage entry so the new
// segment set replaces the old one atomically.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/nucleus/segpush/internal/controlplane"
	"github.com/nucleus/segpush/internal/dispatch"
	"github.com/nucleus/segpush/internal/filesystem"
	"github.com/nucleus/segpush/internal/jobspec"
	"github.com/nucleus/segpush/internal/journal"
	"github.com/nucleus/segpush/internal/lineage"
	"github.com/nucleus/segpush/internal/retry"
	"github.com/nucleus/segpush/internal/segment"
	"github.com/nucleus/segpush/internal/upload"
)

// ErrNoSegments is returned when the output dir holds no segment archive.
var ErrNoSegments = errors.New("no segment archives found")

// SegmentError names the segment and push mode of a failed upload.
type SegmentError = upload.SegmentError

// Result describes a finished push.
type Result struct {
	RunID    string
	Table    controlplane.TableRef
	Mode     jobspec.Mode
	Guarded  bool
	EntryID  string
	Segments []segment.Artifact
	Units    int
	Elapsed  time.Duration
}

// =============================================================================
// OPTIONS
// =============================================================================

type options struct {
	client      controlplane.Client
	plugins     *filesystem.PluginRegistry
	dispatcher  dispatch.Dispatcher
	journal     journal.Store
	tableConfig *controlplane.TableConfig
	rateLimit   float64
	logger      hclog.Logger
	now         func() time.Time
}

// Option configures a Runner.
type Option func(*options)

// WithClient makes the driver use client instead of building an HTTP client.
// Dispatched units still build their own.
func WithClient(c controlplane.Client) Option { return func(o *options) { o.client = c } }

// WithPlugins binds file systems from reg instead of the built-in registry.
func WithPlugins(reg *filesystem.PluginRegistry) Option {
	return func(o *options) { o.plugins = reg }
}

// WithDispatcher runs multi-unit pushes on d (default: LocalDispatcher).
func WithDispatcher(d dispatch.Dispatcher) Option { return func(o *options) { o.dispatcher = d } }

// WithJournal records runs in s (default: a MemoryStore).
func WithJournal(s journal.Store) Option { return func(o *options) { o.journal = s } }

// WithTableConfig skips fetching the table config.
func WithTableConfig(cfg *controlplane.TableConfig) Option {
	return func(o *options) { o.tableConfig = cfg }
}

// WithRateLimit sets the control-plane request rate of built clients.
func WithRateLimit(perSecond float64) Option { return func(o *options) { o.rateLimit = perSecond } }

func WithLogger(l hclog.Logger) Option { return func(o *options) { o.logger = l } }

func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// =============================================================================
// RUNNER
// =============================================================================

// Runner pushes the segments of one job spec.
type Runner struct {
	spec     *jobspec.JobSpec
	opts     options
	logger   hclog.Logger
	env      *Env
	strategy Strategy
	coord    *lineage.Coordinator
}

// NewRunner creates a Runner. Call Init before Run.
func NewRunner(spec *jobspec.JobSpec, opts ...Option) *Runner {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = hclog.NewNullLogger()
	}
	if o.dispatcher == nil {
		o.dispatcher = dispatch.LocalDispatcher{}
	}
	if o.journal == nil {
		o.journal = journal.NewMemoryStore()
	}
	return &Runner{spec: spec, opts: o, logger: o.logger.Named("runner")}
}

// Init validates the job spec and builds the driver's bindings.
func (r *Runner) Init(ctx context.Context) error {
	r.spec.ApplyDefaults()
	if err := r.spec.Validate(); err != nil {
		return fmt.Errorf("invalid job spec: %w", err)
	}
	strategy, err := StrategyFor(r.spec.Push.Mode)
	if err != nil {
		return err
	}
	env, err := newEnv(r.spec, envConfig{
		plugins:   r.opts.plugins,
		client:    r.opts.client,
		rateLimit: r.opts.rateLimit,
		logger:    r.opts.logger,
	})
	if err != nil {
		return err
	}
	r.env = env
	r.strategy = strategy
	r.coord = lineage.NewCoordinator(env.Client, env.Table, lineage.Options{
		Policy:         r.spec.RetryPolicy(),
		FinalizePolicy: r.spec.FinalizePolicy(),
		Now:            r.opts.now,
		Logger:         r.opts.logger,
	})
	return nil
}

// Coordinator exposes the lineage coordinator of an initialized runner.
func (r *Runner) Coordinator() *lineage.Coordinator { return r.coord }

// Run discovers, routes and uploads every segment. It either publishes all
// segments or returns the first non-retriable failure; a guarded push then
// aborts its lineage entry so the previous segment set stays live.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	if r.env == nil {
		return nil, errors.New("runner is not initialized")
	}
	start := r.opts.now()
	mode := r.strategy.Mode()
	table := r.env.Table
	res := &Result{Table: table, Mode: mode}

	artifacts, err := r.strategy.Discover(ctx, r.env)
	if err != nil {
		return nil, err
	}
	if len(artifacts) == 0 {
		return nil, fmt.Errorf("%w under %s", ErrNoSegments, r.spec.OutputDirURI)
	}
	artifacts, err = r.strategy.Route(r.env, artifacts)
	if err != nil {
		return nil, fmt.Errorf("route segments: %w", err)
	}
	res.Segments = artifacts

	cfg, err := r.tableConfig(ctx)
	if err != nil {
		return nil, err
	}
	res.Guarded = lineage.IsGuarded(cfg)
	segmentsTo := r.strategy.SegmentsTo(artifacts)

	run := &journal.Run{
		Table:      table.Name,
		TableType:  table.Type,
		Mode:       string(mode),
		SegmentsTo: segmentsTo,
	}
	if err := r.opts.journal.Begin(ctx, run); err != nil {
		return nil, fmt.Errorf("journal run: %w", err)
	}
	res.RunID = run.ID
	logger := r.logger.With("table", table.String(), "mode", mode, "runId", run.ID)
	logger.Info("push started", "segments", len(artifacts), "guarded", res.Guarded)

	var entry *lineage.Entry
	if res.Guarded {
		entry, err = r.openEntry(ctx, segmentsTo)
		if err != nil {
			r.finish(ctx, run, journal.StateFailed, err)
			return nil, err
		}
		res.EntryID = entry.ID
		run.EntryID = entry.ID
		r.record(ctx, run)
	}

	units := dispatch.Units(r.spec, res.EntryID, artifacts)
	res.Units = len(units)
	if err := r.upload(ctx, units); err != nil {
		err = fmt.Errorf("%s push to %s: %w", mode, table, err)
		if entry != nil {
			if abortErr := r.coord.Abort(ctx, entry); abortErr != nil {
				err = errors.Join(err, abortErr)
			}
		}
		r.finish(ctx, run, journal.StateFailed, err)
		logger.Error("push failed", "error", err)
		return nil, err
	}

	if entry != nil {
		run.State = journal.StateUploaded
		r.record(ctx, run)
		if err := r.coord.Complete(ctx, entry); err != nil {
			run.Error = err.Error()
			r.record(ctx, run)
			return nil, err
		}
	}
	r.finish(ctx, run, journal.StateCompleted, nil)
	res.Elapsed = r.opts.now().Sub(start)
	logger.Info("push completed", "segments", len(artifacts), "units", len(units), "elapsed", res.Elapsed)
	return res, nil
}

func (r *Runner) openEntry(ctx context.Context, segmentsTo []string) (*lineage.Entry, error) {
	if err := lineage.ValidateNames(nil, segmentsTo, true); err != nil {
		return nil, err
	}
	if r.spec.RecoverStale() {
		if _, err := r.coord.RecoverStale(ctx, r.spec.Push.StaleLineageAfter); err != nil {
			return nil, fmt.Errorf("recover stale lineage: %w", err)
		}
	}
	return r.coord.Begin(ctx, segmentsTo)
}

// upload runs a single unit on the driver's own bindings and anything more
// through the dispatcher, where each unit rebuilds its bindings.
func (r *Runner) upload(ctx context.Context, units []dispatch.WorkUnit) error {
	if len(units) == 1 {
		return pushSegments(ctx, r.env, r.strategy, units[0].Segments)
	}
	return r.opts.dispatcher.Dispatch(ctx, units, UnitRunner(UnitConfig{
		Logger:    r.opts.logger,
		Plugins:   r.opts.plugins,
		RateLimit: r.opts.rateLimit,
	}))
}

// tableConfig reads the config from the job spec's tableConfigURI when set, else
// from the control plane.
func (r *Runner) tableConfig(ctx context.Context) (*controlplane.TableConfig, error) {
	if r.opts.tableConfig != nil {
		return r.opts.tableConfig, nil
	}
	if uri := r.spec.Table.TableConfigURI; uri != "" {
		return readTableConfig(ctx, r.env.FS, uri)
	}
	var cfg *controlplane.TableConfig
	_, err := retry.Do(ctx, r.spec.RetryPolicy(), func(ctx context.Context, _ int) retry.Outcome {
		got, err := r.env.Client.GetTableConfig(ctx, r.env.Table)
		cfg = got
		return retry.Classify(err)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch table config for %s: %w", r.env.Table, err)
	}
	return cfg, nil
}

func readTableConfig(ctx context.Context, fs filesystem.FileSystem, uri string) (*controlplane.TableConfig, error) {
	rc, err := fs.Open(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("open table config %s: %w", uri, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read table config %s: %w", uri, err)
	}
	var cfg controlplane.TableConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse table config %s: %w", uri, err)
	}
	return &cfg, nil
}

// record is best effort; a journal outage never fails a push.
func (r *Runner) record(ctx context.Context, run *journal.Run) {
	if err := r.opts.journal.Update(context.WithoutCancel(ctx), run); err != nil {
		r.logger.Warn("journal update failed", "runId", run.ID, "error", err)
	}
}

func (r *Runner) finish(ctx context.Context, run *journal.Run, state journal.State, err error) {
	run.State = state
	if err != nil {
		run.Error = err.Error()
	}
	r.record(ctx, run)
}
