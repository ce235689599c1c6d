package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/nucleus/segpush/internal/jobspec"
)

// =============================================================================
// WORKFLOW AND ACTIVITY NAMES
// =============================================================================

const (
	PushUnitsWorkflowName = "segpushPushUnitsWorkflow"
	PushUnitActivityName  = "segpushPushUnit"

	DefaultTaskQueue = "segpush"

	// ErrTypeUnitFailed is the application error type of a failed unit.
	ErrTypeUnitFailed = "SegmentPushFailed"
)

// =============================================================================
// WORKFLOW
// =============================================================================

// PushUnitsInput is the workflow input.
type PushUnitsInput struct {
	Units []WorkUnit `json:"units"`
	// UnitTimeout overrides the start-to-close timeout of every unit. Zero
	// derives it per unit from the unit's retry budget (UnitDeadline).
	UnitTimeout time.Duration `json:"unitTimeout,omitempty"`
	// HeartbeatTimeout lets the server notice a dead worker and deliver cancellation.
	HeartbeatTimeout time.Duration `json:"heartbeatTimeout"`
}

// PushUnitsWorkflow runs one PushUnit activity per unit. The first failure
// cancels the remaining activities; the workflow returns only after every
// activity has finished so no upload outlives the run.
func PushUnitsWorkflow(ctx workflow.Context, input PushUnitsInput) error {
	logger := workflow.GetLogger(ctx)
	if len(input.Units) == 0 {
		return nil
	}
	heartbeat := input.HeartbeatTimeout
	if heartbeat <= 0 {
		heartbeat = time.Minute
	}

	ctx, cancel := workflow.WithCancel(ctx)
	defer cancel()

	selector := workflow.NewSelector(ctx)
	var firstErr error
	for _, unit := range input.Units {
		timeout := input.UnitTimeout
		if timeout <= 0 {
			timeout = UnitDeadline(unit)
		}
		actCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
			StartToCloseTimeout: timeout,
			HeartbeatTimeout:    heartbeat,
			WaitForCancellation: true,
			// Segment retries happen inside the unit.
			RetryPolicy: &temporal.RetryPolicy{MaximumAttempts: 1},
		})
		future := workflow.ExecuteActivity(actCtx, PushUnitActivityName, unit)
		selector.AddFuture(future, func(f workflow.Future) {
			if err := f.Get(ctx, nil); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("unit %d: %w", unit.Index, err)
				logger.Warn("push unit failed, cancelling siblings", "unit", unit.Index, "error", err)
				cancel()
			}
		})
	}
	for range input.Units {
		selector.Select(ctx)
	}
	if firstErr != nil {
		return firstErr
	}
	logger.Info("push units completed", "units", len(input.Units))
	return nil
}

// UnitDeadline is the longest a unit can run without any segment exhausting
// its retry budget: every segment spends the full budget of its upload, and of
// its deep-store copy when the unit copies archives first.
func UnitDeadline(unit WorkUnit) time.Duration {
	spec := &jobspec.JobSpec{}
	if unit.Spec != nil {
		spec = unit.Spec.Clone()
	}
	spec.ApplyDefaults()
	mode := unit.Mode
	if mode == "" {
		mode = spec.Push.Mode
	}
	perSegment := spec.RetryPolicy().Budget()
	if mode == jobspec.ModeMetadata && spec.Push.DeepStoreDirURI != "" {
		perSegment *= 2
	}
	return time.Duration(max(len(unit.Segments), 1)) * perSegment
}

// =============================================================================
// ACTIVITY
// =============================================================================

// Activities hosts the PushUnit activity on a worker.
type Activities struct {
	Run UnitFunc
	// HeartbeatInterval defaults to 10s.
	HeartbeatInterval time.Duration
}

// PushUnit runs one unit, heartbeating until it returns.
func (a *Activities) PushUnit(ctx context.Context, unit WorkUnit) error {
	logger := activity.GetLogger(ctx)
	logger.Info("push unit started", "unit", unit.Index, "segments", len(unit.Segments))

	interval := a.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				activity.RecordHeartbeat(ctx, unit.Index)
			}
		}
	}()

	if err := a.Run(ctx, unit); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeUnitFailed, err)
	}
	return nil
}

// Registrar is satisfied by worker.Worker and the SDK test environments.
type Registrar interface {
	RegisterWorkflowWithOptions(w interface{}, options workflow.RegisterOptions)
	RegisterActivityWithOptions(a interface{}, options activity.RegisterOptions)
}

// Register registers the workflow and the PushUnit activity under their
// fixed names.
func Register(r Registrar, acts *Activities) {
	r.RegisterWorkflowWithOptions(PushUnitsWorkflow, workflow.RegisterOptions{Name: PushUnitsWorkflowName})
	r.RegisterActivityWithOptions(acts.PushUnit, activity.RegisterOptions{Name: PushUnitActivityName})
}

// =============================================================================
// DISPATCHER
// =============================================================================

// TemporalDispatcher runs units as activities on segpush workers. The fn
// passed to Dispatch is not shipped; workers run the UnitFunc they were
// started with. Unit specs are redacted before they enter workflow history,
// so workers resolve credentials from their own environment.
type TemporalDispatcher struct {
	Client           client.Client
	TaskQueue        string
	UnitTimeout      time.Duration
	HeartbeatTimeout time.Duration
}

func (d *TemporalDispatcher) Dispatch(ctx context.Context, units []WorkUnit, _ UnitFunc) error {
	if len(units) == 0 {
		return nil
	}
	queue := d.TaskQueue
	if queue == "" {
		queue = DefaultTaskQueue
	}
	run, err := d.Client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        "segpush-" + uuid.NewString(),
		TaskQueue: queue,
	}, PushUnitsWorkflowName, PushUnitsInput{
		Units:            redact(units),
		UnitTimeout:      d.UnitTimeout,
		HeartbeatTimeout: d.HeartbeatTimeout,
	})
	if err != nil {
		return fmt.Errorf("start push workflow: %w", err)
	}
	if err := run.Get(ctx, nil); err != nil {
		return fmt.Errorf("push workflow %s: %w", run.GetID(), err)
	}
	return nil
}

func redact(units []WorkUnit) []WorkUnit {
	out := make([]WorkUnit, len(units))
	for i, u := range units {
		if u.Spec != nil {
			u.Spec = u.Spec.Redacted()
		}
		out[i] = u
	}
	return out
}
