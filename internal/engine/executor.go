package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/harrison/foreman/internal/config"
	"github.com/harrison/foreman/internal/git"
	"github.com/harrison/foreman/internal/logger"
	"github.com/harrison/foreman/internal/models"
	"github.com/harrison/foreman/internal/store"
)

// Engine executes job nodes end to end: forward integration, the phase
// pipeline, reverse integration for leaves, bounded auto-recovery, and
// worktree cleanup. Errors never escape ExecuteJobNode; every failure
// becomes a recorded attempt, a state transition, an event, and a save.
type Engine struct {
	Git      GitCapability
	Proc     ProcessRunner
	Agent    AgentInvoker
	Store    *store.Store
	History  *store.History // optional; nil disables run history
	Bus      *Bus
	Config   *config.Config
	Log      *logger.Console
	Resolver ConflictResolver // optional AI conflict resolution for RI merges

	planLocks sync.Map // plan id -> *sync.Mutex, guards plan-wide fields
	riLocks   sync.Map // plan id -> *sync.Mutex, serializes RI merges
}

// attemptRun tracks the in-flight attempt's record index and log handle.
type attemptRun struct {
	index  int
	log    *store.ExecutionLog
	offset int
}

// ExecuteJobNode runs one node to a terminal status. It mutates plan
// state, persists after every observable change, and emits events. A
// missing node state (plan mutated concurrently) returns silently.
func (e *Engine) ExecuteJobNode(ctx context.Context, plan *models.PlanInstance, sm *StateMachine, node *models.PlanNode) {
	state := plan.State(node.ID)
	if state == nil {
		return
	}

	if err := sm.Transition(node.ID, models.StatusRunning, "execution started"); err != nil {
		e.Log.Debugf("node %s not started: %v", node.Name, err)
		return
	}
	e.Bus.Publish(Event{Type: EventNodeStarted, PlanID: plan.ID, NodeID: node.ID})

	trigger := models.TriggerInitial
	if state.Attempts > 0 {
		trigger = models.TriggerRetry
	}
	state.Attempts++
	now := time.Now().UTC()
	state.LastAttempt = &now

	resume := state.ResumeFromPhase
	state.ResumeFromPhase = ""

	e.runAttempts(ctx, plan, sm, node, state, trigger, resume)
}

// runAttempts is the attempt loop: run the pipeline, then either finish
// the node or apply the recovery policy and go around again.
func (e *Engine) runAttempts(ctx context.Context, plan *models.PlanInstance, sm *StateMachine, node *models.PlanNode, state *models.NodeExecutionState, trigger models.TriggerType, resume models.ExecutionPhase) {
	run := e.beginAttempt(plan, node, state, trigger)

	// Set when a heal attempt must be checked for a no-op outcome; holds
	// the worktree HEAD captured before the heal ran.
	healHeadBefore := ""

	for {
		result := e.runPipeline(ctx, plan, sm, node, state, run, resume)

		if ctx.Err() != nil {
			e.finalizeCanceled(plan, sm, node, state, run, result)
			return
		}

		if healHeadBefore != "" && !result.Failed() {
			if e.healProducedNothing(ctx, state, healHeadBefore) {
				result.FailedPhase = resume
				result.Err = fmt.Errorf("auto-heal produced no changes")
				result.NoAutoHeal = true
			}
			healHeadBefore = ""
		}

		if !result.Failed() {
			e.completeSuccess(ctx, plan, sm, node, state, run, result)
			return
		}

		switch e.decideRecovery(node, state, result) {
		case recoveryNone:
			e.finalizeFailed(plan, sm, node, state, run, result)
			return

		case recoveryRetrySameSpec:
			// Sub-attempt: the attempt number and record are unchanged;
			// only the log offset moves so the new output is a fresh
			// slice of the same attempt.
			state.AutoHealAttempted[result.FailedPhase]++
			if run.log != nil {
				run.log.Append(result.FailedPhase, "info", "agent killed externally, retrying with the same spec")
				run.offset = run.log.Len()
			}
			resume = result.FailedPhase
			e.persist(plan)

		case recoveryHealSwap:
			state.AutoHealAttempted[result.FailedPhase]++
			e.finalizeRecord(plan, node, state, run, models.AttemptFailed, result)
			e.recordHistory(plan, node, state, run)

			healSpec := e.buildHealSpec(node, result, run)
			setPhaseSpec(node, result.FailedPhase, healSpec)
			if err := e.Store.SaveNodeSpecs(plan.ID, node); err != nil {
				e.Log.Warnf("save heal spec for %s: %v", node.Name, err)
			}

			healHeadBefore = e.worktreeHead(ctx, state)
			state.Attempts++
			run = e.beginAttempt(plan, node, state, models.TriggerAutoHeal)
			resume = result.FailedPhase
			e.Bus.Publish(Event{Type: EventNodeRetry, PlanID: plan.ID, NodeID: node.ID})

		case recoveryOverride:
			state.AutoHealAttempted[result.FailedPhase]++
			e.finalizeRecord(plan, node, state, run, models.AttemptFailed, result)
			e.recordHistory(plan, node, state, run)

			state.Error = ""
			state.Attempts++
			run = e.beginAttempt(plan, node, state, models.TriggerAutoHeal)
			resume = result.OverrideResumeFromPhase
			e.Bus.Publish(Event{Type: EventNodeRetry, PlanID: plan.ID, NodeID: node.ID})
		}
	}
}

// beginAttempt snapshots the node's specs, opens the attempt log, and
// appends the running attempt-record placeholder.
func (e *Engine) beginAttempt(plan *models.PlanInstance, node *models.PlanNode, state *models.NodeExecutionState, trigger models.TriggerType) *attemptRun {
	if err := e.Store.SnapshotAttemptSpecs(plan.ID, node, state.Attempts); err != nil {
		e.Log.Warnf("snapshot specs for %s attempt %d: %v", node.Name, state.Attempts, err)
	}

	log, err := e.Store.OpenExecutionLog(plan.ID, node.ID, state.Attempts)
	if err != nil {
		e.Log.Warnf("open execution log for %s: %v", node.Name, err)
		log = nil
	}

	record := models.AttemptRecord{
		AttemptNumber: state.Attempts,
		Trigger:       trigger,
		Status:        models.AttemptRunning,
		StartedAt:     time.Now().UTC(),
		StepStatuses:  make(map[models.ExecutionPhase]models.StepStatus),
	}
	if log != nil {
		record.LogFilePath = log.Path()
	}
	state.AttemptHistory = append(state.AttemptHistory, record)

	run := &attemptRun{index: len(state.AttemptHistory) - 1, log: log}
	if log != nil {
		run.offset = log.Len()
	}
	e.persist(plan)
	return run
}

// runPipeline resolves the attempt's merge inputs and executes the phase
// pipeline with callbacks that mirror progress into the live record.
func (e *Engine) runPipeline(ctx context.Context, plan *models.PlanInstance, sm *StateMachine, node *models.PlanNode, state *models.NodeExecutionState, run *attemptRun, resume models.ExecutionPhase) *PipelineResult {
	record := &state.AttemptHistory[run.index]

	base, additionals := e.resolveBaseCommits(plan, sm, node)
	baseSHA, err := e.Git.ResolveRef(ctx, base)
	if err != nil {
		return &PipelineResult{
			StepStatuses: map[models.ExecutionPhase]models.StepStatus{models.PhaseMergeFI: models.StepFailed},
			FailedPhase:  models.PhaseMergeFI,
			Err:          err,
		}
	}

	worktreePath := node.AssignedWorktreePath
	if worktreePath == "" {
		worktreePath = filepath.Join(plan.WorktreeRoot, node.ID[:8])
	}

	req := &PipelineRequest{
		Plan:                   plan,
		Node:                   node,
		WorktreePath:           worktreePath,
		BaseCommit:             baseSHA,
		DependencyCommits:      additionals,
		AttemptNumber:          state.Attempts,
		AgentSessionID:         state.AgentSessionID,
		ResumeFromPhase:        resume,
		PreviousStepStatuses:   copyStepStatuses(state.StepStatuses),
		RepoPath:               plan.RepoPath,
		BaseCommitAtStart:      plan.BaseCommitAtStart,
		SpecsDir:               e.Store.SpecsDir(plan.ID, node.ID),
		SymlinkDirs:            e.Config.WorktreeSymlinkDirs,
		ProjectWorktreeContext: e.Config.Setup.ProjectWorktreeContext,
		Log:                    run.log,
		OnProgress: func(step string) {
			e.Log.Debugf("%s: %s", node.Name, step)
		},
		OnStepStatus: func(phase models.ExecutionPhase, status models.StepStatus) {
			state.StepStatuses[phase] = status
			record.StepStatuses[phase] = status
			if run.log != nil {
				record.Logs = run.log.Slice(run.offset)
			}
			e.persist(plan)
		},
		OnPID: func(pid int) {
			state.PID = pid
		},
		OnWorktreeReady: func(result *git.WorktreeResult) {
			state.WorktreePath = worktreePath
			if result.Reused {
				if state.BaseCommit == "" {
					state.BaseCommit = result.BaseCommit
				}
			} else {
				state.BaseCommit = result.BaseCommit
				e.setBaseCommitAtStartOnce(plan, result.BaseCommit)
				if result.TotalMs > 500 {
					e.Log.Warnf("worktree creation for %s took %dms", node.Name, result.TotalMs)
				}
			}
			e.setSnapshotBaseCommitOnce(plan, node, result.BaseCommit)
			record.BaseCommit = state.BaseCommit
		},
	}
	if plan.Snapshot != nil {
		req.SnapshotBranch = plan.Snapshot.Branch
	}
	if plan.IsLeaf(node.ID) && plan.TargetBranch != "" {
		req.TargetBranch = plan.TargetBranch
		req.MergeRI = func(ctx context.Context, completedCommit string) error {
			return e.mergeToTarget(ctx, plan, completedCommit, run.log)
		}
	}

	pipeline := &Pipeline{Git: e.Git, Proc: e.Proc, Agent: e.Agent}
	result := pipeline.Run(ctx, req)
	state.PID = 0

	if result.StepStatuses[models.PhaseMergeFI] == models.StepSuccess {
		e.ackConsumption(ctx, plan, node)
	}
	if result.SessionID != "" {
		state.AgentSessionID = result.SessionID
	}
	if result.ForceFailed {
		state.ForceFailed = true
		state.ForceFailMessage = result.ForceFailMessage
	}
	return result
}

// resolveBaseCommits picks the FI base and additional sources for a node.
func (e *Engine) resolveBaseCommits(plan *models.PlanInstance, sm *StateMachine, node *models.PlanNode) (string, []string) {
	baseCommits := sm.BaseCommitsFor(node.ID)

	// The snapshot-validation node integrates every dependency on top of
	// the snapshot's own base, captured when its worktree is first
	// created.
	if plan.Snapshot != nil && node.AssignedWorktreePath != "" &&
		node.AssignedWorktreePath == plan.Snapshot.WorktreePath {
		if plan.Snapshot.BaseCommit != "" {
			return plan.Snapshot.BaseCommit, baseCommits
		}
		return plan.BaseBranch, baseCommits
	}
	if len(node.Dependencies) == 0 {
		if plan.Snapshot != nil && plan.Snapshot.BaseCommit != "" {
			return plan.Snapshot.BaseCommit, nil
		}
		return plan.BaseBranch, nil
	}
	if len(baseCommits) == 0 {
		// Dependencies exist but produced no commits; fall back to the
		// plan's base.
		return plan.BaseBranch, nil
	}
	return baseCommits[0], baseCommits[1:]
}

// ackConsumption marks this node as having consumed each dependency's
// completed commit, then sweeps for cleanup-eligible worktrees.
func (e *Engine) ackConsumption(ctx context.Context, plan *models.PlanInstance, node *models.PlanNode) {
	mu := e.planLock(plan.ID)
	mu.Lock()
	for _, dep := range node.Dependencies {
		if depState := plan.State(dep); depState != nil {
			depState.MarkConsumed(node.ID)
		}
	}
	mu.Unlock()

	if plan.CleanUpSuccessfulWork {
		e.cleanupEligibleWorktrees(ctx, plan)
	}
}

// completeSuccess finishes a successful attempt: records the completed
// commit and work summary, judges the reverse-integration outcome for
// leaves, flattens the attempt record, and transitions the node.
func (e *Engine) completeSuccess(ctx context.Context, plan *models.PlanInstance, sm *StateMachine, node *models.PlanNode, state *models.NodeExecutionState, run *attemptRun, result *PipelineResult) {
	record := &state.AttemptHistory[run.index]
	state.CompletedCommit = result.CompletedCommit
	state.Error = ""
	if result.Metrics != nil {
		state.Metrics = result.Metrics
	}
	if len(result.PhaseMetrics) > 0 {
		state.PhaseMetrics = result.PhaseMetrics
	}
	record.CompletedCommit = result.CompletedCommit

	if summary := e.computeWorkSummary(ctx, state.BaseCommit, result.CompletedCommit); summary != nil {
		state.WorkSummary = summary
		mu := e.planLock(plan.ID)
		mu.Lock()
		plan.WorkSummary.Merge(summary)
		mu.Unlock()
	}

	leaf := plan.IsLeaf(node.ID)
	if leaf && plan.TargetBranch != "" {
		switch result.StepStatuses[models.PhaseMergeRI] {
		case models.StepSuccess:
			state.MergedToTarget = true
		default:
			// Worktree preserved so the user can retry the merge.
			result.FailedPhase = models.PhaseMergeRI
			result.Err = fmt.Errorf("reverse integration into %s did not complete; worktree preserved for manual retry", plan.TargetBranch)
			e.finalizeFailed(plan, sm, node, state, run, result)
			return
		}
	}
	if leaf {
		// Aggregate view across the whole chain; advisory only.
		if agg := e.computeWorkSummary(ctx, plan.BaseBranch, result.CompletedCommit); agg != nil {
			state.AggregatedWorkSummary = agg
		}
	}

	e.finalizeRecord(plan, node, state, run, models.AttemptSucceeded, result)

	if plan.CleanUpSuccessfulWork && leaf && (state.MergedToTarget || plan.TargetBranch == "") {
		e.cleanupWorktree(ctx, plan, node.ID, state)
	}

	if err := sm.Transition(node.ID, models.StatusSucceeded, "all phases completed"); err != nil {
		e.Log.Errorf("node %s: %v", node.Name, err)
	}
	sm.RecomputeReadiness()
	e.Bus.Publish(Event{Type: EventNodeCompleted, PlanID: plan.ID, NodeID: node.ID, Success: true})
	e.persist(plan)
	e.recordHistory(plan, node, state, run)
}

// finalizeFailed closes out a failed attempt and transitions the node.
func (e *Engine) finalizeFailed(plan *models.PlanInstance, sm *StateMachine, node *models.PlanNode, state *models.NodeExecutionState, run *attemptRun, result *PipelineResult) {
	message := "job failed"
	if result.Err != nil {
		message = result.Err.Error()
	}
	state.Error = message

	e.finalizeRecord(plan, node, state, run, models.AttemptFailed, result)

	if err := sm.Transition(node.ID, models.StatusFailed, message); err != nil {
		e.Log.Errorf("node %s: %v", node.Name, err)
	}
	sm.RecomputeReadiness()
	e.Bus.Publish(Event{Type: EventNodeCompleted, PlanID: plan.ID, NodeID: node.ID, Success: false})
	e.persist(plan)
	e.recordHistory(plan, node, state, run)
}

// finalizeCanceled records a canceled attempt. Cancellation is a plain
// failure from the recovery policy's point of view: no auto-heal.
func (e *Engine) finalizeCanceled(plan *models.PlanInstance, sm *StateMachine, node *models.PlanNode, state *models.NodeExecutionState, run *attemptRun, result *PipelineResult) {
	state.Error = "canceled"
	e.finalizeRecord(plan, node, state, run, models.AttemptCanceled, result)
	if err := sm.Transition(node.ID, models.StatusCanceled, "canceled"); err != nil {
		e.Log.Debugf("node %s: %v", node.Name, err)
	}
	e.Bus.Publish(Event{Type: EventNodeCompleted, PlanID: plan.ID, NodeID: node.ID, Success: false})
	e.persist(plan)
	e.recordHistory(plan, node, state, run)
}

// finalizeRecord completes the attempt-record placeholder and flattens
// its bulky fields to on-disk references.
func (e *Engine) finalizeRecord(plan *models.PlanInstance, node *models.PlanNode, state *models.NodeExecutionState, run *attemptRun, status models.AttemptStatus, result *PipelineResult) {
	record := &state.AttemptHistory[run.index]
	now := time.Now().UTC()
	record.EndedAt = &now
	record.Status = status

	if result != nil {
		record.FailedPhase = result.FailedPhase
		if result.Err != nil {
			record.Error = result.Err.Error()
		}
		record.ExitCode = result.ExitCode
		record.PhaseTiming = result.PhaseTiming
		record.PhaseMetrics = result.PhaseMetrics
		if result.CompletedCommit != "" {
			record.CompletedCommit = result.CompletedCommit
		}
	}

	// Flatten: the inline log and work usage are cleared in favour of their
	// file refs; the metrics summary stays on the record.
	record.Logs = ""
	if run.log != nil {
		record.LogsRef = run.log.Path()
	}
	record.WorkUsed = nil
	if result != nil && result.Metrics != nil {
		record.Metrics = result.Metrics
		if ref, err := e.Store.SaveAttemptMetrics(plan.ID, node.ID, record.AttemptNumber, result.Metrics); err == nil {
			record.WorkRef = ref
		}
	}
}

// healProducedNothing reports whether the worktree is exactly where it
// was before the heal ran: same HEAD, nothing uncommitted.
func (e *Engine) healProducedNothing(ctx context.Context, state *models.NodeExecutionState, headBefore string) bool {
	if state.WorktreePath == "" {
		return false
	}
	headAfter, err := e.Git.Head(ctx, state.WorktreePath)
	if err != nil || headAfter != headBefore {
		return false
	}
	dirty, err := e.Git.HasUncommittedChanges(ctx, state.WorktreePath)
	return err == nil && !dirty
}

func (e *Engine) worktreeHead(ctx context.Context, state *models.NodeExecutionState) string {
	if state.WorktreePath == "" {
		return ""
	}
	head, err := e.Git.Head(ctx, state.WorktreePath)
	if err != nil {
		return ""
	}
	return head
}

// computeWorkSummary builds the per-commit change summary between two
// commits. Best-effort: errors are logged and yield nil.
func (e *Engine) computeWorkSummary(ctx context.Context, base, to string) *models.JobWorkSummary {
	if base == "" || to == "" || base == to {
		return &models.JobWorkSummary{}
	}
	details, err := e.Git.CommitsBetween(ctx, base, to)
	if err != nil {
		e.Log.Debugf("work summary %s..%s: %v", base, to, err)
		return nil
	}
	summary := &models.JobWorkSummary{}
	for _, d := range details {
		summary.AddCommit(models.CommitDetail{
			Hash:          d.Hash,
			ShortHash:     d.ShortHash,
			Message:       d.Message,
			FilesAdded:    d.FilesAdded,
			FilesModified: d.FilesModified,
			FilesDeleted:  d.FilesDeleted,
		})
	}
	return summary
}

// setSnapshotBaseCommitOnce records the snapshot worktree's base commit
// the first time the snapshot-validation node acquires it.
func (e *Engine) setSnapshotBaseCommitOnce(plan *models.PlanInstance, node *models.PlanNode, commit string) {
	if plan.Snapshot == nil || node.ID != plan.Snapshot.NodeID || commit == "" {
		return
	}
	mu := e.planLock(plan.ID)
	mu.Lock()
	defer mu.Unlock()
	if plan.Snapshot.BaseCommit == "" {
		plan.Snapshot.BaseCommit = commit
	}
}

func (e *Engine) setBaseCommitAtStartOnce(plan *models.PlanInstance, commit string) {
	mu := e.planLock(plan.ID)
	mu.Lock()
	defer mu.Unlock()
	if plan.BaseCommitAtStart == "" {
		plan.BaseCommitAtStart = commit
	}
}

func (e *Engine) planLock(planID string) *sync.Mutex {
	mu, _ := e.planLocks.LoadOrStore(planID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// persist saves the plan, surfacing but never propagating I/O failures;
// the in-memory state stays authoritative until the next save.
func (e *Engine) persist(plan *models.PlanInstance) {
	if err := e.Store.SavePlan(plan); err != nil {
		e.Log.Errorf("persist plan %s: %v", plan.Name, err)
	}
}

func (e *Engine) recordHistory(plan *models.PlanInstance, node *models.PlanNode, state *models.NodeExecutionState, run *attemptRun) {
	if e.History == nil {
		return
	}
	record := state.AttemptHistory[run.index]
	var durationMs int64
	if record.EndedAt != nil {
		durationMs = record.EndedAt.Sub(record.StartedAt).Milliseconds()
	}
	row := store.AttemptRow{
		PlanID:          plan.ID,
		PlanName:        plan.Name,
		NodeID:          node.ID,
		ProducerID:      node.ProducerID,
		AttemptNumber:   record.AttemptNumber,
		TriggerType:     string(record.Trigger),
		Status:          string(record.Status),
		FailedPhase:     string(record.FailedPhase),
		Error:           record.Error,
		DurationMs:      durationMs,
		AgentSessionID:  state.AgentSessionID,
		CompletedCommit: record.CompletedCommit,
	}
	if err := e.History.RecordAttempt(context.Background(), row); err != nil {
		e.Log.Warnf("record history: %v", err)
	}
}

func copyStepStatuses(in map[models.ExecutionPhase]models.StepStatus) map[models.ExecutionPhase]models.StepStatus {
	out := make(map[models.ExecutionPhase]models.StepStatus, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
