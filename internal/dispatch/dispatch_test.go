package dispatch_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/testsuite"

	"github.com/nucleus/segpush/internal/dispatch"
	"github.com/nucleus/segpush/internal/jobspec"
	"github.com/nucleus/segpush/internal/segment"
)

func artifacts(n int) []segment.Artifact {
	out := make([]segment.Artifact, n)
	for i := range out {
		name := fmt.Sprintf("events_OFFLINE_%d", i)
		out[i] = segment.Artifact{Name: name, TarURI: "file:/out/" + name + segment.ArchiveExt}
	}
	return out
}

func testSpec(parallelism int) *jobspec.JobSpec {
	spec := &jobspec.JobSpec{
		OutputDirURI: "file:/out",
		Table:        jobspec.TableSpec{Name: "events"},
		ControlPlane: jobspec.ControlPlaneSpec{URI: "http://localhost:9000"},
		Push:         jobspec.PushConfig{Mode: jobspec.ModeURI, Parallelism: parallelism},
	}
	spec.ApplyDefaults()
	return spec
}

func names(units []dispatch.WorkUnit) []string {
	var out []string
	for _, u := range units {
		for _, s := range u.Segments {
			out = append(out, s.Name)
		}
	}
	sort.Strings(out)
	return out
}

func TestPartition(t *testing.T) {
	arts := artifacts(5)

	parts := dispatch.Partition(arts, 2)
	require.Len(t, parts, 2)
	assert.Len(t, parts[0], 3)
	assert.Len(t, parts[1], 2)

	assert.Len(t, dispatch.Partition(arts, 0), 5, "unset parallelism runs one unit per segment")
	assert.Len(t, dispatch.Partition(arts, 50), 5, "no empty units")
	assert.Len(t, dispatch.Partition(arts, 1), 1)
	assert.Nil(t, dispatch.Partition(nil, 3))
}

func TestUnits_CarryIndependentSpecs(t *testing.T) {
	spec := testSpec(2)
	units := dispatch.Units(spec, "entry-1", artifacts(4))
	require.Len(t, units, 2)
	for i, u := range units {
		assert.Equal(t, i, u.Index)
		assert.Equal(t, jobspec.ModeURI, u.Mode)
		assert.Equal(t, "entry-1", u.EntryID)
		assert.NotSame(t, spec, u.Spec)
	}
	units[0].Spec.Table.Name = "changed"
	assert.Equal(t, "events", units[1].Spec.Table.Name)
	assert.Equal(t, "events", spec.Table.Name)
}

func TestLocalDispatcher_RunsEveryUnit(t *testing.T) {
	units := dispatch.Units(testSpec(3), "", artifacts(7))
	var mu sync.Mutex
	var seen []dispatch.WorkUnit
	err := dispatch.LocalDispatcher{}.Dispatch(context.Background(), units, func(_ context.Context, u dispatch.WorkUnit) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, u)
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, seen, 3)
	assert.Equal(t, names(units), names(seen))
}

func TestLocalDispatcher_FirstFailureStopsTheRest(t *testing.T) {
	units := dispatch.Units(testSpec(0), "", artifacts(6))
	boom := errors.New("boom")
	var started atomic.Int32
	err := dispatch.LocalDispatcher{Limit: 1}.Dispatch(context.Background(), units, func(_ context.Context, u dispatch.WorkUnit) error {
		started.Add(1)
		if u.Index == 1 {
			return boom
		}
		return nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.Contains(t, err.Error(), "unit 1")
	assert.Equal(t, int32(2), started.Load())
}

func TestLocalDispatcher_CancelledParent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := dispatch.LocalDispatcher{}.Dispatch(ctx, dispatch.Units(testSpec(1), "", artifacts(2)), func(context.Context, dispatch.WorkUnit) error {
		t.Fatal("unit started after cancellation")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPushUnitsWorkflow_RunsEveryUnit(t *testing.T) {
	var s testsuite.WorkflowTestSuite
	env := s.NewTestWorkflowEnvironment()

	var mu sync.Mutex
	var seen []dispatch.WorkUnit
	dispatch.Register(env, &dispatch.Activities{Run: func(_ context.Context, u dispatch.WorkUnit) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, u)
		return nil
	}})

	units := dispatch.Units(testSpec(2), "entry-1", artifacts(5))
	env.ExecuteWorkflow(dispatch.PushUnitsWorkflowName, dispatch.PushUnitsInput{Units: units, UnitTimeout: time.Minute})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	assert.Equal(t, names(units), names(seen))
	for _, u := range seen {
		require.NotNil(t, u.Spec, "spec survives serialization")
		assert.Equal(t, "events", u.Spec.Table.Name)
		assert.Equal(t, "entry-1", u.EntryID)
	}
}

func TestPushUnitsWorkflow_FailsOnUnitError(t *testing.T) {
	var s testsuite.WorkflowTestSuite
	env := s.NewTestWorkflowEnvironment()
	dispatch.Register(env, &dispatch.Activities{Run: func(_ context.Context, u dispatch.WorkUnit) error {
		if u.Index == 0 {
			return errors.New("boom")
		}
		return nil
	}})

	env.ExecuteWorkflow(dispatch.PushUnitsWorkflowName, dispatch.PushUnitsInput{Units: dispatch.Units(testSpec(3), "", artifacts(3))})

	require.True(t, env.IsWorkflowCompleted())
	err := env.GetWorkflowError()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestPushUnitsWorkflow_NoUnits(t *testing.T) {
	var s testsuite.WorkflowTestSuite
	env := s.NewTestWorkflowEnvironment()
	dispatch.Register(env, &dispatch.Activities{Run: func(context.Context, dispatch.WorkUnit) error { return nil }})

	env.ExecuteWorkflow(dispatch.PushUnitsWorkflowName, dispatch.PushUnitsInput{})
	require.True(t, env.IsWorkflowCompleted())
	assert.NoError(t, env.GetWorkflowError())
}

func TestUnitDeadline_GrowsWithSegments(t *testing.T) {
	spec := testSpec(1)
	budget := spec.RetryPolicy().Budget()
	require.Equal(t, time.Minute, budget, "one attempt of the default per-attempt timeout")

	small := dispatch.Units(spec, "", artifacts(2))[0]
	large := dispatch.Units(spec, "", artifacts(61))[0]
	assert.Equal(t, 2*budget, dispatch.UnitDeadline(small))
	assert.Equal(t, 61*budget, dispatch.UnitDeadline(large))
	assert.Greater(t, dispatch.UnitDeadline(large), time.Hour)

	spec.Push.Retry.Attempts = 3
	spec.Push.Retry.InitialBackoff = time.Second
	spec.Push.Retry.Multiplier = 2
	retried := dispatch.Units(spec, "", artifacts(2))[0]
	assert.Equal(t, 2*spec.RetryPolicy().Budget(), dispatch.UnitDeadline(retried))
	assert.Equal(t, 2*(3*time.Minute+3*time.Second), dispatch.UnitDeadline(retried))
}

func TestUnitDeadline_CountsDeepStoreCopy(t *testing.T) {
	spec := testSpec(1)
	spec.Push.Mode = jobspec.ModeMetadata
	spec.Push.DeepStoreDirURI = "file:/deep"
	unit := dispatch.Units(spec, "", artifacts(4))[0]
	assert.Equal(t, 8*spec.RetryPolicy().Budget(), dispatch.UnitDeadline(unit))

	unit.Spec = nil
	assert.Equal(t, 4*time.Minute, dispatch.UnitDeadline(unit), "defaults apply without a spec")
}

type capturingClient struct {
	client.Client
	input dispatch.PushUnitsInput
}

func (c *capturingClient) ExecuteWorkflow(_ context.Context, _ client.StartWorkflowOptions, _ interface{}, args ...interface{}) (client.WorkflowRun, error) {
	c.input = args[0].(dispatch.PushUnitsInput)
	return completedRun{}, nil
}

type completedRun struct {
	client.WorkflowRun
}

func (completedRun) GetID() string                          { return "segpush-test" }
func (completedRun) Get(context.Context, interface{}) error { return nil }

func TestTemporalDispatcher_RedactsSecrets(t *testing.T) {
	spec := testSpec(2)
	spec.ControlPlane.AuthToken = "cp-token"
	spec.FileSystems = append(spec.FileSystems, jobspec.FSSpec{Scheme: "s3", ClassName: "fs.s3", Config: map[string]any{
		"endpointUrl":     "http://minio:9000",
		"accessKeyId":     "key",
		"secretAccessKey": "secret",
	}})
	units := dispatch.Units(spec, "entry-1", artifacts(4))

	c := &capturingClient{}
	d := &dispatch.TemporalDispatcher{Client: c}
	require.NoError(t, d.Dispatch(context.Background(), units, nil))

	require.Len(t, c.input.Units, len(units))
	for i, u := range c.input.Units {
		assert.Empty(t, u.Spec.ControlPlane.AuthToken)
		for _, fs := range u.Spec.FileSystems {
			assert.NotContains(t, fs.Config, "accessKeyId")
			assert.NotContains(t, fs.Config, "secretAccessKey")
		}
		assert.Equal(t, units[i].Segments, u.Segments)
		assert.Equal(t, "entry-1", u.EntryID)
	}
	assert.Equal(t, "cp-token", units[0].Spec.ControlPlane.AuthToken, "caller's units keep their secrets")
}
