package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/foreman/internal/agent"
	"github.com/harrison/foreman/internal/models"
	"github.com/harrison/foreman/internal/proc"
)

// succeedShell makes every shell/process run succeed and leave changes
// in the worktree, so the commit phase produces a commit.
func succeedShell(rig *testRig) {
	rig.proc.hook = func(req proc.Request) *proc.Result {
		rig.git.mu.Lock()
		rig.git.dirty[req.Cwd] = true
		rig.git.mu.Unlock()
		return &proc.Result{ExitCode: 0}
	}
}

func TestSingleShellNodeSuccess(t *testing.T) {
	rig := newTestRig(t)
	succeedShell(rig)

	plan := buildPlan(t, t.TempDir(), func(s *models.PlanSpec) {
		s.CleanUpSuccessfulWork = true
	}, shellJob("hello", "printf hello > out.txt"))
	sm, err := NewStateMachine(plan, rig.bus)
	require.NoError(t, err)

	runNode(t, rig, plan, sm, "hello")

	node := nodeByProducer(t, plan, "hello")
	state := plan.State(node.ID)

	assert.Equal(t, models.StatusSucceeded, state.Status)
	assert.NotEmpty(t, state.CompletedCommit)
	assert.NotEqual(t, state.BaseCommit, state.CompletedCommit)
	assert.Equal(t, 1, state.Attempts)

	require.Len(t, state.AttemptHistory, 1)
	record := state.AttemptHistory[0]
	assert.Equal(t, models.AttemptSucceeded, record.Status)
	assert.Equal(t, models.TriggerInitial, record.Trigger)
	assert.NotNil(t, record.EndedAt)
	// Bulky fields are flattened to refs once the attempt completed.
	assert.Empty(t, record.Logs)
	assert.NotEmpty(t, record.LogsRef)

	require.NotNil(t, state.WorkSummary)
	assert.GreaterOrEqual(t, state.WorkSummary.Commits, 1)

	assert.True(t, state.WorktreeCleanedUp, "leaf without target branch cleans up")
	assert.Equal(t, "base0000", plan.BaseCommitAtStart)

	completions := rig.eventsOfType(EventNodeCompleted)
	require.Len(t, completions, 1)
	assert.True(t, completions[0].Success)
}

func TestAttemptHistoryMatchesAttempts(t *testing.T) {
	rig := newTestRig(t)
	succeedShell(rig)

	plan := buildPlan(t, t.TempDir(), nil, shellJob("a", "true"), shellJob("b", "true", "a"))
	sm, err := NewStateMachine(plan, rig.bus)
	require.NoError(t, err)

	runNode(t, rig, plan, sm, "a")
	runNode(t, rig, plan, sm, "b")

	for _, state := range plan.NodeStates {
		assert.Equal(t, state.Attempts, len(state.AttemptHistory))
	}
}

func TestDiamondWithLeafReverseIntegration(t *testing.T) {
	rig := newTestRig(t)
	succeedShell(rig)
	rig.git.refs["feature/x"] = "target0"

	plan := buildPlan(t, t.TempDir(), func(s *models.PlanSpec) {
		s.TargetBranch = "feature/x"
	},
		shellJob("a", "true"),
		shellJob("b", "true", "a"),
		shellJob("c", "true", "a"),
		shellJob("d", "true", "b", "c"),
	)
	sm, err := NewStateMachine(plan, rig.bus)
	require.NoError(t, err)

	for _, producer := range []string{"a", "b", "c", "d"} {
		runNode(t, rig, plan, sm, producer)
	}

	for _, producer := range []string{"a", "b", "c", "d"} {
		node := nodeByProducer(t, plan, producer)
		assert.Equal(t, models.StatusSucceeded, plan.State(node.ID).Status, producer)
	}

	d := nodeByProducer(t, plan, "d")
	dState := plan.State(d.ID)
	assert.True(t, dState.MergedToTarget)
	assert.Equal(t, models.StepSuccess, dState.StepStatuses[models.PhaseMergeRI])

	// The target branch moved to the RI merge commit.
	require.NotEmpty(t, rig.git.refMoves)
	assert.Contains(t, rig.git.refMoves[len(rig.git.refMoves)-1], "feature/x->merge")

	// d forward-integrated c's commit on top of b's (its FI base).
	a := nodeByProducer(t, plan, "a")
	b := nodeByProducer(t, plan, "b")
	c := nodeByProducer(t, plan, "c")
	assert.Equal(t, plan.State(b.ID).CompletedCommit, dState.BaseCommit)
	dWorktree := dState.WorktreePath
	assert.Contains(t, rig.git.merges, dWorktree+"<-"+plan.State(c.ID).CompletedCommit)

	// Consumption acknowledgements accumulated.
	assert.ElementsMatch(t, []string{b.ID, c.ID}, plan.State(a.ID).ConsumedByDependents)

	// baseCommitAtStart was written exactly once, by the first fresh
	// worktree of the plan.
	assert.Equal(t, "base0000", plan.BaseCommitAtStart)
}

func TestSnapshotValidationNodeCarriesReverseIntegration(t *testing.T) {
	rig := newTestRig(t)
	succeedShell(rig)
	rig.git.refs["feature/x"] = "target0"

	plan := buildPlan(t, t.TempDir(), func(s *models.PlanSpec) {
		s.TargetBranch = "feature/x"
		s.CleanUpSuccessfulWork = true
		s.SnapshotValidation = &models.WorkSpec{Shell: &models.ShellSpec{Command: "make check"}}
	},
		shellJob("a", "true"),
		shellJob("b", "true", "a"),
		shellJob("c", "true", "a"),
	)
	sm, err := NewStateMachine(plan, rig.bus)
	require.NoError(t, err)
	require.NotNil(t, plan.Snapshot)

	for _, producer := range []string{"a", "b", "c", models.SnapshotProducerID} {
		runNode(t, rig, plan, sm, producer)
	}

	for _, state := range plan.NodeStates {
		assert.Equal(t, models.StatusSucceeded, state.Status)
	}

	snap := plan.Node(plan.Snapshot.NodeID)
	snapState := plan.State(snap.ID)
	b := nodeByProducer(t, plan, "b")
	c := nodeByProducer(t, plan, "c")

	// The snapshot base was captured when its worktree was first created.
	assert.Equal(t, "base0000", plan.Snapshot.BaseCommit)
	assert.Equal(t, "base0000", snapState.BaseCommit)

	// Every dependency commit was forward-integrated into the snapshot
	// worktree, not used as its base.
	assert.Contains(t, rig.git.merges, plan.Snapshot.WorktreePath+"<-"+plan.State(b.ID).CompletedCommit)
	assert.Contains(t, rig.git.merges, plan.Snapshot.WorktreePath+"<-"+plan.State(c.ID).CompletedCommit)

	// Reverse integration went through the snapshot node alone.
	assert.True(t, snapState.MergedToTarget)
	assert.False(t, plan.State(b.ID).MergedToTarget)
	assert.Equal(t, models.StepSkipped, plan.State(b.ID).StepStatuses[models.PhaseMergeRI])
	require.Len(t, rig.git.refMoves, 1)
	assert.Contains(t, rig.git.refMoves[0], "feature/x->merge")

	// The user nodes' worktrees were swept once consumed; the snapshot
	// node cleaned its own up after the merge.
	for _, state := range plan.NodeStates {
		assert.True(t, state.WorktreeCleanedUp)
	}
}

func TestShellFailureAutoHealSwapSucceeds(t *testing.T) {
	rig := newTestRig(t)
	rig.proc.hook = func(req proc.Request) *proc.Result {
		return &proc.Result{ExitCode: 1}
	}
	rig.agent.hook = func(req agent.Request) *agent.Result {
		rig.git.mu.Lock()
		rig.git.dirty[req.Cwd] = true
		rig.git.mu.Unlock()
		return &agent.Result{Success: true, SessionID: "sess-1"}
	}

	plan := buildPlan(t, t.TempDir(), nil, shellJob("flaky", "exit 1"))
	sm, err := NewStateMachine(plan, rig.bus)
	require.NoError(t, err)

	runNode(t, rig, plan, sm, "flaky")

	node := nodeByProducer(t, plan, "flaky")
	state := plan.State(node.ID)

	assert.Equal(t, models.StatusSucceeded, state.Status)
	assert.Equal(t, 2, state.Attempts)
	require.Len(t, state.AttemptHistory, 2)
	assert.Equal(t, models.AttemptFailed, state.AttemptHistory[0].Status)
	assert.Equal(t, models.TriggerInitial, state.AttemptHistory[0].Trigger)
	assert.Equal(t, models.PhaseWork, state.AttemptHistory[0].FailedPhase)
	assert.Equal(t, models.AttemptSucceeded, state.AttemptHistory[1].Status)
	assert.Equal(t, models.TriggerAutoHeal, state.AttemptHistory[1].Trigger)

	// The work spec was swapped to a heal agent that saw the failure.
	assert.Equal(t, models.WorkAgent, node.Work.Kind())
	assert.Contains(t, node.Work.Agent.Instructions, "exit 1")
	assert.Equal(t, 1, state.AutoHealAttempted[models.PhaseWork])
	assert.Equal(t, "sess-1", state.AgentSessionID)
	assert.Equal(t, 1, rig.agent.callCount())
}

func TestAutoHealNoOpIsFailed(t *testing.T) {
	rig := newTestRig(t)
	rig.proc.hook = func(req proc.Request) *proc.Result {
		return &proc.Result{ExitCode: 1}
	}
	// The heal agent claims success but changes nothing.
	rig.agent.hook = func(req agent.Request) *agent.Result {
		return &agent.Result{Success: true}
	}

	plan := buildPlan(t, t.TempDir(), nil, shellJob("flaky", "exit 1"))
	sm, err := NewStateMachine(plan, rig.bus)
	require.NoError(t, err)

	runNode(t, rig, plan, sm, "flaky")

	node := nodeByProducer(t, plan, "flaky")
	state := plan.State(node.ID)

	assert.Equal(t, models.StatusFailed, state.Status)
	assert.Equal(t, 2, state.Attempts)
	require.Len(t, state.AttemptHistory, 2)
	assert.Equal(t, models.AttemptFailed, state.AttemptHistory[1].Status)
	assert.Contains(t, state.AttemptHistory[1].Error, "no changes")
}

func TestAutoHealDisabledFailsImmediately(t *testing.T) {
	rig := newTestRig(t)
	rig.proc.hook = func(req proc.Request) *proc.Result {
		return &proc.Result{ExitCode: 1}
	}

	off := false
	job := shellJob("strict", "exit 1")
	job.AutoHeal = &off
	plan := buildPlan(t, t.TempDir(), nil, job)
	sm, err := NewStateMachine(plan, rig.bus)
	require.NoError(t, err)

	runNode(t, rig, plan, sm, "strict")

	state := plan.State(nodeByProducer(t, plan, "strict").ID)
	assert.Equal(t, models.StatusFailed, state.Status)
	assert.Equal(t, 1, state.Attempts)
	assert.Zero(t, rig.agent.callCount())
}

func TestAgentKilledBySignalRetriesSameSpec(t *testing.T) {
	rig := newTestRig(t)
	calls := 0
	var mu sync.Mutex
	rig.agent.hook = func(req agent.Request) *agent.Result {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return &agent.Result{Success: false, Error: "killed by signal SIGTERM", ExitCode: 137}
		}
		rig.git.mu.Lock()
		rig.git.dirty[req.Cwd] = true
		rig.git.mu.Unlock()
		return &agent.Result{Success: true}
	}

	plan := buildPlan(t, t.TempDir(), nil, agentJob("worker", "do the thing"))
	sm, err := NewStateMachine(plan, rig.bus)
	require.NoError(t, err)

	runNode(t, rig, plan, sm, "worker")

	node := nodeByProducer(t, plan, "worker")
	state := plan.State(node.ID)

	// A sub-attempt: the user-visible attempt count did not move.
	assert.Equal(t, models.StatusSucceeded, state.Status)
	assert.Equal(t, 1, state.Attempts)
	require.Len(t, state.AttemptHistory, 1)
	assert.Equal(t, models.AttemptSucceeded, state.AttemptHistory[0].Status)
	assert.Equal(t, 2, rig.agent.callCount())
	// The spec stayed an agent spec, not a heal swap.
	assert.Equal(t, "do the thing", node.Work.Agent.Instructions)
}

func TestAgentNormalFailureIsTerminal(t *testing.T) {
	rig := newTestRig(t)
	rig.agent.hook = func(req agent.Request) *agent.Result {
		return &agent.Result{Success: false, Error: "tests are red", ExitCode: 1}
	}

	plan := buildPlan(t, t.TempDir(), nil, agentJob("worker", "do the thing"))
	sm, err := NewStateMachine(plan, rig.bus)
	require.NoError(t, err)

	runNode(t, rig, plan, sm, "worker")

	state := plan.State(nodeByProducer(t, plan, "worker").ID)
	assert.Equal(t, models.StatusFailed, state.Status)
	assert.Equal(t, 1, state.Attempts)
	assert.Equal(t, 1, rig.agent.callCount())
	assert.Contains(t, state.Error, "tests are red")
}

func TestReverseIntegrationConflictFailsNode(t *testing.T) {
	rig := newTestRig(t)
	succeedShell(rig)
	rig.git.refs["main"] = "base0000"
	rig.git.refs["feature/x"] = "target0"
	rig.git.conflictFiles = []string{"src/x.go"}

	plan := buildPlan(t, t.TempDir(), func(s *models.PlanSpec) {
		s.TargetBranch = "feature/x"
		s.CleanUpSuccessfulWork = true
	}, shellJob("leaf", "true"))
	sm, err := NewStateMachine(plan, rig.bus)
	require.NoError(t, err)

	runNode(t, rig, plan, sm, "leaf")

	state := plan.State(nodeByProducer(t, plan, "leaf").ID)
	assert.Equal(t, models.StatusFailed, state.Status)
	assert.Equal(t, models.StepFailed, state.StepStatuses[models.PhaseMergeRI])
	assert.Contains(t, state.Error, "reverse integration")
	assert.False(t, state.MergedToTarget)
	assert.False(t, state.WorktreeCleanedUp, "worktree preserved for manual retry")
	assert.Empty(t, rig.git.removed)
}

func TestReverseIntegrationSerialized(t *testing.T) {
	rig := newTestRig(t)
	rig.git.refs["feature/x"] = "target0"

	plan := buildPlan(t, t.TempDir(), func(s *models.PlanSpec) {
		s.TargetBranch = "feature/x"
	}, shellJob("a", "true"), shellJob("b", "true"))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			err := rig.engine.mergeToTarget(context.Background(), plan, "done", nil)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	require.Len(t, rig.git.riWindows, 4)
	for i := 1; i < len(rig.git.riWindows); i++ {
		prev, current := rig.git.riWindows[i-1], rig.git.riWindows[i]
		assert.False(t, current.start.Before(prev.end),
			"merge %d started before merge %d finished", i, i-1)
	}
}

func TestForwardIntegrationFailureIsNotHealed(t *testing.T) {
	rig := newTestRig(t)
	succeedShell(rig)

	plan := buildPlan(t, t.TempDir(), nil, shellJob("a", "true"), shellJob("b", "true", "a"), shellJob("c", "true", "a"), shellJob("d", "true", "b", "c"))
	sm, err := NewStateMachine(plan, rig.bus)
	require.NoError(t, err)

	runNode(t, rig, plan, sm, "a")
	runNode(t, rig, plan, sm, "b")
	runNode(t, rig, plan, sm, "c")

	rig.git.mergeErr = errors.New("merge blew up")
	runNode(t, rig, plan, sm, "d")

	state := plan.State(nodeByProducer(t, plan, "d").ID)
	assert.Equal(t, models.StatusFailed, state.Status)
	require.Len(t, state.AttemptHistory, 1)
	assert.Equal(t, models.PhaseMergeFI, state.AttemptHistory[0].FailedPhase)
	assert.Zero(t, rig.agent.callCount(), "merge-fi failures are not auto-healed")
}

func TestExpectsNoChangesCarriesBaseCommitForward(t *testing.T) {
	rig := newTestRig(t)
	// Work succeeds without touching the tree.
	rig.proc.hook = func(req proc.Request) *proc.Result {
		return &proc.Result{ExitCode: 0}
	}

	job := shellJob("check", "true")
	job.ExpectsNoChanges = true
	plan := buildPlan(t, t.TempDir(), nil, job)
	sm, err := NewStateMachine(plan, rig.bus)
	require.NoError(t, err)

	runNode(t, rig, plan, sm, "check")

	state := plan.State(nodeByProducer(t, plan, "check").ID)
	assert.Equal(t, models.StatusSucceeded, state.Status)
	assert.Equal(t, state.BaseCommit, state.CompletedCommit)
}

func TestCancellationRecordsCanceledAttempt(t *testing.T) {
	rig := newTestRig(t)
	succeedShell(rig)

	plan := buildPlan(t, t.TempDir(), nil, shellJob("a", "true"))
	sm, err := NewStateMachine(plan, rig.bus)
	require.NoError(t, err)

	node := nodeByProducer(t, plan, "a")
	sm.RecomputeReadiness()
	require.NoError(t, sm.Transition(node.ID, models.StatusScheduled, "test"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rig.engine.ExecuteJobNode(ctx, plan, sm, node)

	state := plan.State(node.ID)
	assert.Equal(t, models.StatusCanceled, state.Status)
	require.Len(t, state.AttemptHistory, 1)
	assert.Equal(t, models.AttemptCanceled, state.AttemptHistory[0].Status)
	assert.Zero(t, rig.agent.callCount(), "canceled attempts are not auto-healed")
}

func TestConfiguredSymlinkDirsReachWorktreeAcquisition(t *testing.T) {
	rig := newTestRig(t)
	succeedShell(rig)
	rig.engine.Config.WorktreeSymlinkDirs = []string{"node_modules"}

	plan := buildPlan(t, t.TempDir(), nil, shellJob("a", "true"))
	sm, err := NewStateMachine(plan, rig.bus)
	require.NoError(t, err)

	runNode(t, rig, plan, sm, "a")

	assert.Contains(t, rig.git.symlinked, "node_modules")
}

func TestBaseCommitAtStartWrittenOnce(t *testing.T) {
	rig := newTestRig(t)
	plan := buildPlan(t, t.TempDir(), nil, shellJob("a", "true"))

	rig.engine.setBaseCommitAtStartOnce(plan, "first")
	rig.engine.setBaseCommitAtStartOnce(plan, "second")
	assert.Equal(t, "first", plan.BaseCommitAtStart)
}

func TestDecideRecoveryTable(t *testing.T) {
	rig := newTestRig(t)
	exit137 := 137
	crash := 0xC0000005

	shellNode := &models.PlanNode{AutoHeal: true, Work: &models.WorkSpec{Shell: &models.ShellSpec{Command: "x"}}}
	agentNode := &models.PlanNode{AutoHeal: true, Work: &models.WorkSpec{Agent: &models.AgentSpec{Instructions: "x"}}}

	tests := []struct {
		name   string
		node   *models.PlanNode
		state  *models.NodeExecutionState
		result *PipelineResult
		want   recoveryAction
	}{
		{
			name:   "shell failure heals",
			node:   shellNode,
			state:  models.NewNodeExecutionState(),
			result: &PipelineResult{FailedPhase: models.PhaseWork, Err: errors.New("exit 1")},
			want:   recoveryHealSwap,
		},
		{
			name:   "agent killed retries same spec",
			node:   agentNode,
			state:  models.NewNodeExecutionState(),
			result: &PipelineResult{FailedPhase: models.PhaseWork, Err: errors.New("work: killed by signal SIGKILL"), ExitCode: &exit137},
			want:   recoveryRetrySameSpec,
		},
		{
			name:   "agent windows crash code retries same spec",
			node:   agentNode,
			state:  models.NewNodeExecutionState(),
			result: &PipelineResult{FailedPhase: models.PhaseWork, Err: errors.New("agent crashed"), ExitCode: &crash},
			want:   recoveryRetrySameSpec,
		},
		{
			name:   "agent normal failure fails",
			node:   agentNode,
			state:  models.NewNodeExecutionState(),
			result: &PipelineResult{FailedPhase: models.PhaseWork, Err: errors.New("red tests"), ExitCode: &exit137},
			want:   recoveryNone,
		},
		{
			name:   "override resume wins",
			node:   shellNode,
			state:  models.NewNodeExecutionState(),
			result: &PipelineResult{FailedPhase: models.PhaseWork, OverrideResumeFromPhase: models.PhasePrechecks},
			want:   recoveryOverride,
		},
		{
			name:   "no-auto-heal suppresses everything",
			node:   shellNode,
			state:  models.NewNodeExecutionState(),
			result: &PipelineResult{FailedPhase: models.PhaseWork, NoAutoHeal: true, OverrideResumeFromPhase: models.PhasePrechecks},
			want:   recoveryNone,
		},
		{
			name:   "merge-fi is never healed",
			node:   shellNode,
			state:  models.NewNodeExecutionState(),
			result: &PipelineResult{FailedPhase: models.PhaseMergeFI, Err: errors.New("conflict")},
			want:   recoveryNone,
		},
		{
			name:   "force fail wins",
			node:   shellNode,
			state:  models.NewNodeExecutionState(),
			result: &PipelineResult{FailedPhase: models.PhaseWork, ForceFailed: true},
			want:   recoveryNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rig.engine.decideRecovery(tt.node, tt.state, tt.result))
		})
	}
}

func TestDecideRecoveryBudgetExhausted(t *testing.T) {
	rig := newTestRig(t)
	node := &models.PlanNode{AutoHeal: true, Work: &models.WorkSpec{Shell: &models.ShellSpec{Command: "x"}}}
	state := models.NewNodeExecutionState()
	state.AutoHealAttempted[models.PhaseWork] = rig.engine.maxAutoHeal()

	result := &PipelineResult{FailedPhase: models.PhaseWork, Err: errors.New("exit 1")}
	assert.Equal(t, recoveryNone, rig.engine.decideRecovery(node, state, result))
}
