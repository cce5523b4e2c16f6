package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/foreman/internal/config"
	"github.com/harrison/foreman/internal/models"
)

func newTestManager(t *testing.T, rig *testRig) *Manager {
	t.Helper()
	return NewManager(config.Default(), rig.store, rig.bus, rig.engine, rig.engine.Log)
}

func managerSpec(t *testing.T, jobs ...models.JobSpec) *models.PlanSpec {
	t.Helper()
	return &models.PlanSpec{
		Name:       "managed",
		RepoPath:   t.TempDir(),
		BaseBranch: "main",
		Jobs:       jobs,
	}
}

func TestCreatePersistsAndStaysPaused(t *testing.T) {
	rig := newTestRig(t)
	mgr := newTestManager(t, rig)

	plan, err := mgr.Create(managerSpec(t, shellJob("a", "true")), CreateOptions{})
	require.NoError(t, err)

	assert.True(t, plan.IsPaused)
	loaded, err := rig.store.LoadPlan(plan.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.ID, loaded.ID)

	created := rig.eventsOfType(EventPlanCreated)
	require.Len(t, created, 1)
	assert.Equal(t, plan.ID, created[0].PlanID)
}

func TestCreateRejectsInvalidSpec(t *testing.T) {
	rig := newTestRig(t)
	mgr := newTestManager(t, rig)

	spec := managerSpec(t, shellJob("a", "true", "ghost"))
	_, err := mgr.Create(spec, CreateOptions{})
	assert.Error(t, err)
}

func TestChainedPlanResumesOnSuccess(t *testing.T) {
	rig := newTestRig(t)
	mgr := newTestManager(t, rig)

	upstream, err := mgr.Create(managerSpec(t, shellJob("a", "true")), CreateOptions{})
	require.NoError(t, err)
	waiter, err := mgr.Create(managerSpec(t, shellJob("b", "true")), CreateOptions{ResumeAfterPlan: upstream.ID})
	require.NoError(t, err)

	assert.Equal(t, upstream.ID, waiter.ResumeAfter)
	assert.True(t, waiter.IsPaused)

	rig.bus.Publish(Event{Type: EventPlanCompleted, PlanID: upstream.ID, PlanStatus: models.PlanSucceeded})

	assert.Empty(t, waiter.ResumeAfter)
	assert.False(t, waiter.IsPaused)
}

func TestChainedPlanNotResumedOnFailure(t *testing.T) {
	rig := newTestRig(t)
	mgr := newTestManager(t, rig)

	upstream, err := mgr.Create(managerSpec(t, shellJob("a", "true")), CreateOptions{})
	require.NoError(t, err)
	waiter, err := mgr.Create(managerSpec(t, shellJob("b", "true")), CreateOptions{ResumeAfterPlan: upstream.ID})
	require.NoError(t, err)

	// A failed or partial upstream keeps the waiter waiting: the
	// dependency may still be retried.
	rig.bus.Publish(Event{Type: EventPlanCompleted, PlanID: upstream.ID, PlanStatus: models.PlanFailed})
	assert.Equal(t, upstream.ID, waiter.ResumeAfter)
	assert.True(t, waiter.IsPaused)
}

func TestCancelReleasesWaitersWithoutResuming(t *testing.T) {
	rig := newTestRig(t)
	mgr := newTestManager(t, rig)

	upstream, err := mgr.Create(managerSpec(t, shellJob("a", "true")), CreateOptions{})
	require.NoError(t, err)
	waiter, err := mgr.Create(managerSpec(t, shellJob("b", "true")), CreateOptions{ResumeAfterPlan: upstream.ID})
	require.NoError(t, err)

	require.NoError(t, mgr.Cancel(upstream.ID))

	assert.Empty(t, waiter.ResumeAfter, "waiter released")
	assert.True(t, waiter.IsPaused, "but not resumed")

	for _, state := range upstream.NodeStates {
		assert.Equal(t, models.StatusCanceled, state.Status)
	}
}

func TestDeleteRemovesPlan(t *testing.T) {
	rig := newTestRig(t)
	mgr := newTestManager(t, rig)

	plan, err := mgr.Create(managerSpec(t, shellJob("a", "true")), CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, mgr.Delete(plan.ID))

	_, _, err = mgr.Plan(plan.ID)
	assert.ErrorIs(t, err, ErrPlanNotFound)
	_, err = rig.store.LoadPlan(plan.ID)
	assert.Error(t, err)
}

func TestForceFailNode(t *testing.T) {
	rig := newTestRig(t)
	mgr := newTestManager(t, rig)

	plan, err := mgr.Create(managerSpec(t, shellJob("a", "true")), CreateOptions{})
	require.NoError(t, err)
	node := nodeByProducer(t, plan, "a")

	require.NoError(t, mgr.ForceFailNode(plan.ID, node.ID, "not needed"))

	state := plan.State(node.ID)
	assert.Equal(t, models.StatusFailed, state.Status)
	assert.True(t, state.ForceFailed)
	assert.Equal(t, "not needed", state.ForceFailMessage)
	require.NotEmpty(t, state.AttemptHistory)
	last := state.AttemptHistory[len(state.AttemptHistory)-1]
	assert.Equal(t, models.TriggerRetry, last.Trigger)
	assert.Equal(t, models.AttemptFailed, last.Status)

	// Terminal nodes cannot be force-failed again.
	assert.ErrorIs(t, mgr.ForceFailNode(plan.ID, node.ID, "again"), ErrNotForceFailable)
}

func TestRetryNodeRefusesClearWorktreeWithUpstreamWork(t *testing.T) {
	rig := newTestRig(t)
	mgr := newTestManager(t, rig)

	plan, err := mgr.Create(managerSpec(t,
		shellJob("a", "true"),
		shellJob("b", "true", "a"),
	), CreateOptions{})
	require.NoError(t, err)

	a := nodeByProducer(t, plan, "a")
	b := nodeByProducer(t, plan, "b")
	plan.State(a.ID).CompletedCommit = "done-a"
	plan.State(b.ID).Status = models.StatusFailed

	err = mgr.RetryNode(plan.ID, b.ID, RetryOptions{ClearWorktree: true})
	assert.ErrorIs(t, err, ErrWorktreeInUse)

	// Without clearing, the retry resets the node.
	require.NoError(t, mgr.RetryNode(plan.ID, b.ID, RetryOptions{}))
	assert.Equal(t, models.StatusPending, plan.State(b.ID).Status)
}

func TestRetryNodeRequiresFailedState(t *testing.T) {
	rig := newTestRig(t)
	mgr := newTestManager(t, rig)

	plan, err := mgr.Create(managerSpec(t, shellJob("a", "true")), CreateOptions{})
	require.NoError(t, err)
	node := nodeByProducer(t, plan, "a")

	err = mgr.RetryNode(plan.ID, node.ID, RetryOptions{})
	assert.ErrorIs(t, err, ErrNotRetryable)
}

func TestRetryAgentJobGetsFixInstructions(t *testing.T) {
	rig := newTestRig(t)
	mgr := newTestManager(t, rig)

	plan, err := mgr.Create(managerSpec(t, agentJob("worker", "build the feature")), CreateOptions{})
	require.NoError(t, err)
	node := nodeByProducer(t, plan, "worker")
	state := plan.State(node.ID)
	state.Status = models.StatusFailed
	state.Error = "compile error in worker.go"

	require.NoError(t, mgr.RetryNode(plan.ID, node.ID, RetryOptions{}))

	assert.Contains(t, node.Work.Agent.Instructions, "previous attempt")
	assert.Contains(t, node.Work.Agent.Instructions, "compile error in worker.go")
	assert.Contains(t, node.Work.Agent.Instructions, "build the feature")
}

func TestRetryNodeWithNewWorkKeepsSpec(t *testing.T) {
	rig := newTestRig(t)
	mgr := newTestManager(t, rig)

	plan, err := mgr.Create(managerSpec(t, agentJob("worker", "original")), CreateOptions{})
	require.NoError(t, err)
	node := nodeByProducer(t, plan, "worker")
	plan.State(node.ID).Status = models.StatusFailed

	replacement := &models.WorkSpec{Shell: &models.ShellSpec{Command: "make fix"}}
	require.NoError(t, mgr.RetryNode(plan.ID, node.ID, RetryOptions{NewWork: replacement}))
	assert.Equal(t, models.WorkShell, node.Work.Kind())
}

func TestWatchdogFailsNodeWithDeadPID(t *testing.T) {
	rig := newTestRig(t)
	mgr := newTestManager(t, rig)

	plan, err := mgr.Create(managerSpec(t, shellJob("a", "true")), CreateOptions{})
	require.NoError(t, err)
	_, sm, err := mgr.Plan(plan.ID)
	require.NoError(t, err)

	node := nodeByProducer(t, plan, "a")
	state := plan.State(node.ID)
	state.Status = models.StatusRunning
	state.PID = 1 << 30 // can't exist

	for i := 0; i < watchdogThreshold; i++ {
		mgr.watchdog(plan, sm)
		if i < watchdogThreshold-1 {
			assert.Equal(t, models.StatusRunning, state.Status)
		}
	}
	assert.Equal(t, models.StatusFailed, state.Status)
}

func TestManagerRunsPlanEndToEnd(t *testing.T) {
	rig := newTestRig(t)
	succeedShell(rig)
	mgr := newTestManager(t, rig)

	plan, err := mgr.Create(managerSpec(t,
		shellJob("a", "true"),
		shellJob("b", "true", "a"),
	), CreateOptions{})
	require.NoError(t, err)

	done := make(chan models.PlanStatus, 1)
	rig.bus.Subscribe(func(e Event) {
		if e.Type == EventPlanCompleted && e.PlanID == plan.ID {
			select {
			case done <- e.PlanStatus:
			default:
			}
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)

	require.NoError(t, mgr.Start(plan.ID))

	select {
	case status := <-done:
		assert.Equal(t, models.PlanSucceeded, status)
	case <-time.After(10 * time.Second):
		t.Fatal("plan did not complete in time")
	}

	for _, state := range plan.NodeStates {
		assert.Equal(t, models.StatusSucceeded, state.Status)
	}
}
