package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/harrison/foreman/internal/config"
	"github.com/harrison/foreman/internal/logger"
	"github.com/harrison/foreman/internal/models"
	"github.com/harrison/foreman/internal/proc"
	"github.com/harrison/foreman/internal/store"
)

// Sentinel errors for lifecycle operations.
var (
	ErrPlanNotFound     = errors.New("plan not found")
	ErrNotRetryable     = errors.New("node is not in a retryable state")
	ErrWorktreeInUse    = errors.New("clearing the worktree would discard upstream work")
	ErrNotForceFailable = errors.New("node cannot be force-failed from its current state")
)

// pumpInterval is the scheduling tick. The pump owns all scheduling
// decisions; job tasks only execute.
const pumpInterval = 100 * time.Millisecond

// watchdogThreshold is how many consecutive pump cycles a running node's
// PID may be missing before the node is force-failed.
const watchdogThreshold = 10

// CreateOptions adjusts plan creation.
type CreateOptions struct {
	// ResumeAfterPlan keeps the plan paused until the named plan
	// succeeds.
	ResumeAfterPlan string
}

// RetryOptions adjusts an explicit node retry.
type RetryOptions struct {
	NewWork       *models.WorkSpec
	NewPrechecks  *models.WorkSpec
	NewPostchecks *models.WorkSpec
	// ClearWorktree discards the node's worktree so the retry starts
	// fresh. Refused when a dependency has completed work the worktree
	// carries.
	ClearWorktree bool
}

// Manager owns plan lifecycles: creation, start/pause/resume, cancel,
// delete, explicit retries, and the pump loop that feeds ready nodes to
// the execution engine.
type Manager struct {
	cfg       *config.Config
	store     *store.Store
	bus       *Bus
	engine    *Engine
	scheduler *Scheduler
	log       *logger.Console

	// globalSlots admits work-performing job tasks across all plans.
	globalSlots *semaphore.Weighted

	mu        sync.Mutex
	plans     map[string]*models.PlanInstance
	machines  map[string]*StateMachine
	cancels   map[string]context.CancelFunc // node task cancels, key plan/node
	planStops map[string]context.CancelFunc
	missedPID map[string]int // watchdog counters, key plan/node

	pumpCancel context.CancelFunc
	wg         sync.WaitGroup
}

// NewManager wires a Manager from its collaborators. Loads nothing; call
// Restore to pick up persisted plans.
func NewManager(cfg *config.Config, st *store.Store, bus *Bus, engine *Engine, log *logger.Console) *Manager {
	globalMax := cfg.MaxParallel
	if globalMax <= 0 {
		globalMax = config.DefaultGlobalMaxParallel
	}
	m := &Manager{
		cfg:         cfg,
		store:       st,
		bus:         bus,
		engine:      engine,
		scheduler:   &Scheduler{GlobalMaxParallel: globalMax},
		log:         log,
		globalSlots: semaphore.NewWeighted(int64(globalMax)),
		plans:       make(map[string]*models.PlanInstance),
		machines:    make(map[string]*StateMachine),
		cancels:     make(map[string]context.CancelFunc),
		planStops:   make(map[string]context.CancelFunc),
		missedPID:   make(map[string]int),
	}
	bus.Subscribe(m.onEvent)
	return m
}

// Restore loads all persisted plans into the manager. Nodes left in a
// transient status by a previous process are failed so the operator can
// retry them.
func (m *Manager) Restore() error {
	plans, problems := m.store.LoadAll()
	for _, problem := range problems {
		m.log.Warnf("restore: %v", problem)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, plan := range plans {
		sm, err := NewStateMachine(plan, m.bus)
		if err != nil {
			m.log.Warnf("restore plan %s: %v", plan.Name, err)
			continue
		}
		for _, state := range plan.NodeStates {
			switch state.Status {
			case models.StatusScheduled, models.StatusRunning:
				state.Status = models.StatusFailed
				state.Version++
				state.Error = "interrupted by process restart"
			}
		}
		m.plans[plan.ID] = plan
		m.machines[plan.ID] = sm
	}
	return nil
}

// Create validates and instantiates a plan, persists it, and emits
// planCreated. The plan does not schedule until Start is called.
func (m *Manager) Create(spec *models.PlanSpec, opts CreateOptions) (*models.PlanInstance, error) {
	worktreeRoot := filepath.Join(spec.RepoPath, ".foreman", "worktrees")
	plan, err := models.NewPlanInstance(spec, worktreeRoot)
	if err != nil {
		return nil, err
	}
	// Plans are created paused; Start (or a completing upstream plan)
	// releases them.
	plan.IsPaused = true
	if opts.ResumeAfterPlan != "" {
		plan.ResumeAfter = opts.ResumeAfterPlan
	}

	sm, err := NewStateMachine(plan, m.bus)
	if err != nil {
		return nil, err
	}

	for _, node := range plan.Nodes {
		if err := m.store.SaveNodeSpecs(plan.ID, node); err != nil {
			return nil, err
		}
	}
	if err := m.store.SavePlan(plan); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.plans[plan.ID] = plan
	m.machines[plan.ID] = sm
	m.mu.Unlock()

	m.bus.Publish(Event{Type: EventPlanCreated, PlanID: plan.ID})
	return plan, nil
}

// Start unpauses a plan and marks its roots schedulable.
func (m *Manager) Start(planID string) error {
	plan, sm, err := m.lookup(planID)
	if err != nil {
		return err
	}
	plan.IsPaused = false
	sm.RecomputeReadiness()
	if err := m.store.SavePlan(plan); err != nil {
		m.log.Errorf("persist plan %s: %v", plan.Name, err)
	}
	m.bus.Publish(Event{Type: EventPlanStarted, PlanID: planID})
	return nil
}

// Pause stops scheduling new nodes; running nodes finish.
func (m *Manager) Pause(planID string) error {
	plan, _, err := m.lookup(planID)
	if err != nil {
		return err
	}
	plan.IsPaused = true
	if err := m.store.SavePlan(plan); err != nil {
		m.log.Errorf("persist plan %s: %v", plan.Name, err)
	}
	m.bus.Publish(Event{Type: EventPlanUpdated, PlanID: planID})
	return nil
}

// Resume re-enables scheduling for a paused plan.
func (m *Manager) Resume(planID string) error {
	plan, _, err := m.lookup(planID)
	if err != nil {
		return err
	}
	plan.IsPaused = false
	if err := m.store.SavePlan(plan); err != nil {
		m.log.Errorf("persist plan %s: %v", plan.Name, err)
	}
	m.bus.Publish(Event{Type: EventPlanUpdated, PlanID: planID})
	return nil
}

// Cancel stops a plan: cancels executors, terminates known PIDs, moves
// every non-terminal node to canceled, and releases any plan waiting on
// this one (without resuming it).
func (m *Manager) Cancel(planID string) error {
	plan, sm, err := m.lookup(planID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if stop := m.planStops[planID]; stop != nil {
		stop()
	}
	for key, cancel := range m.cancels {
		if belongsToPlan(key, planID) {
			cancel()
		}
	}
	m.mu.Unlock()

	for _, state := range plan.NodeStates {
		if state.PID > 0 {
			_ = proc.Terminate(state.PID)
		}
	}
	for id, state := range plan.NodeStates {
		if state.Status.IsTerminal() {
			continue
		}
		if err := sm.Transition(id, models.StatusCanceled, "plan canceled"); err != nil {
			m.log.Debugf("cancel node %s: %v", id, err)
		}
	}

	m.releaseWaiters(planID)
	if err := m.store.SavePlan(plan); err != nil {
		m.log.Errorf("persist plan %s: %v", plan.Name, err)
	}
	m.bus.Publish(Event{Type: EventPlanUpdated, PlanID: planID})
	return nil
}

// Delete cancels a plan if needed and removes its persisted state.
func (m *Manager) Delete(planID string) error {
	if _, _, err := m.lookup(planID); err != nil {
		return err
	}
	if err := m.Cancel(planID); err != nil {
		return err
	}
	if err := m.store.DeletePlan(planID); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.plans, planID)
	delete(m.machines, planID)
	m.mu.Unlock()
	m.bus.Publish(Event{Type: EventPlanDeleted, PlanID: planID})
	return nil
}

// ForceFailNode fails a node from pending, ready, scheduled, or running:
// cancels its executor, terminates its PID, and records a retry-trigger
// attempt.
func (m *Manager) ForceFailNode(planID, nodeID, reason string) error {
	plan, sm, err := m.lookup(planID)
	if err != nil {
		return err
	}
	state := plan.State(nodeID)
	if state == nil {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	switch state.Status {
	case models.StatusPending, models.StatusReady, models.StatusScheduled, models.StatusRunning:
	default:
		return fmt.Errorf("%w: %s is %s", ErrNotForceFailable, nodeID, state.Status)
	}

	if reason == "" {
		reason = "force-failed by user"
	}

	m.mu.Lock()
	if cancel := m.cancels[taskKey(planID, nodeID)]; cancel != nil {
		cancel()
	}
	m.mu.Unlock()
	if state.PID > 0 {
		_ = proc.Terminate(state.PID)
		state.PID = 0
	}

	state.ForceFailed = true
	state.ForceFailMessage = reason
	state.Error = reason
	now := time.Now().UTC()
	ended := now
	state.AttemptHistory = append(state.AttemptHistory, models.AttemptRecord{
		AttemptNumber: state.Attempts,
		Trigger:       models.TriggerRetry,
		Status:        models.AttemptFailed,
		StartedAt:     now,
		EndedAt:       &ended,
		Error:         reason,
	})

	if err := sm.ForceFail(nodeID, reason); err != nil {
		return err
	}
	sm.RecomputeReadiness()
	if err := m.store.SavePlan(plan); err != nil {
		m.log.Errorf("persist plan %s: %v", plan.Name, err)
	}
	return nil
}

// RetryNode resets a failed node to pending, optionally with replacement
// specs or a cleared worktree. Clearing is refused when any dependency
// has a completed commit the worktree carries forward.
func (m *Manager) RetryNode(planID, nodeID string, opts RetryOptions) error {
	plan, sm, err := m.lookup(planID)
	if err != nil {
		return err
	}
	node := plan.Node(nodeID)
	state := plan.State(nodeID)
	if node == nil || state == nil {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	if state.Status != models.StatusFailed {
		return fmt.Errorf("%w: %s is %s", ErrNotRetryable, nodeID, state.Status)
	}

	if opts.ClearWorktree {
		for _, dep := range node.Dependencies {
			if depState := plan.State(dep); depState != nil && depState.CompletedCommit != "" {
				return ErrWorktreeInUse
			}
		}
		if state.WorktreePath != "" {
			if err := m.engine.Git.RemoveWorktree(context.Background(), state.WorktreePath); err != nil {
				m.log.Warnf("clear worktree %s: %v", state.WorktreePath, err)
			}
			state.WorktreePath = ""
			state.BaseCommit = ""
		}
	}

	if opts.NewWork != nil {
		node.Work = opts.NewWork
	} else if node.Work.Kind() == models.WorkAgent {
		// A retried agent job without a replacement spec gets fresh
		// instructions pointed at the previous failure.
		node.Work = retryAgentSpec(node.Work, state.Error)
	}
	if opts.NewPrechecks != nil {
		node.Prechecks = opts.NewPrechecks
	}
	if opts.NewPostchecks != nil {
		node.Postchecks = opts.NewPostchecks
	}
	if err := m.store.SaveNodeSpecs(plan.ID, node); err != nil {
		m.log.Warnf("save retry specs for %s: %v", node.Name, err)
	}

	state.Error = ""
	state.ForceFailed = false
	state.ForceFailMessage = ""
	if err := sm.Transition(nodeID, models.StatusPending, "explicit retry"); err != nil {
		return err
	}
	sm.RecomputeReadiness()
	if err := m.store.SavePlan(plan); err != nil {
		m.log.Errorf("persist plan %s: %v", plan.Name, err)
	}
	m.bus.Publish(Event{Type: EventNodeRetry, PlanID: planID, NodeID: nodeID})
	return nil
}

// retryAgentSpec derives the auto-generated retry instructions for an
// agent job retried without an explicit new spec.
func retryAgentSpec(previous *models.WorkSpec, lastError string) *models.WorkSpec {
	instructions := "The previous attempt of this job failed"
	if lastError != "" {
		instructions += " with:\n\n```\n" + lastError + "\n```\n\n"
	} else {
		instructions += ". "
	}
	instructions += "Fix the previous error and complete the original task:\n\n" + previous.Agent.Instructions
	return &models.WorkSpec{Agent: &models.AgentSpec{
		Instructions:   instructions,
		AllowedFolders: previous.Agent.AllowedFolders,
		AllowedURLs:    previous.Agent.AllowedURLs,
		ModelTier:      previous.Agent.ModelTier,
		ResumeSession:  previous.Agent.ResumeSession,
	}}
}

// Run starts the pump loop and blocks until ctx is canceled and all job
// tasks have drained.
func (m *Manager) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.pumpCancel = cancel
	m.mu.Unlock()

	ticker := time.NewTicker(pumpInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.wg.Wait()
			return
		case <-ticker.C:
			m.pump(ctx)
		}
	}
}

// Stop cancels the pump loop.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.pumpCancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// pump runs one scheduling tick: readiness recomputation, the liveness
// watchdog, and node selection for every plan.
func (m *Manager) pump(ctx context.Context) {
	m.mu.Lock()
	plans := make([]*models.PlanInstance, 0, len(m.plans))
	for _, plan := range m.plans {
		plans = append(plans, plan)
	}
	m.mu.Unlock()
	sort.Slice(plans, func(i, j int) bool { return plans[i].CreatedAt.Before(plans[j].CreatedAt) })

	runningGlobal := 0
	for _, plan := range plans {
		runningGlobal += countRunningWork(plan)
	}

	for _, plan := range plans {
		m.mu.Lock()
		sm := m.machines[plan.ID]
		m.mu.Unlock()
		if sm == nil {
			continue
		}

		sm.RecomputeReadiness()
		m.watchdog(plan, sm)

		selected := m.scheduler.SelectNodes(plan, countRunningWork(plan), runningGlobal)
		for _, nodeID := range selected {
			node := plan.Node(nodeID)
			if node == nil {
				continue
			}
			if node.PerformsWork() && !m.globalSlots.TryAcquire(1) {
				continue
			}
			if err := sm.Transition(nodeID, models.StatusScheduled, "selected by scheduler"); err != nil {
				if node.PerformsWork() {
					m.globalSlots.Release(1)
				}
				continue
			}
			if node.PerformsWork() {
				runningGlobal++
			}
			m.spawnJobTask(ctx, plan, sm, node)
		}
	}
}

// spawnJobTask runs one node's execution engine in its own goroutine.
func (m *Manager) spawnJobTask(ctx context.Context, plan *models.PlanInstance, sm *StateMachine, node *models.PlanNode) {
	taskCtx, cancel := context.WithCancel(ctx)
	key := taskKey(plan.ID, node.ID)
	m.mu.Lock()
	m.cancels[key] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			cancel()
			m.mu.Lock()
			delete(m.cancels, key)
			delete(m.missedPID, key)
			m.mu.Unlock()
			if node.PerformsWork() {
				m.globalSlots.Release(1)
			}
		}()
		m.engine.ExecuteJobNode(taskCtx, plan, sm, node)
	}()
}

// watchdog force-fails running nodes whose recorded PID has been dead
// for watchdogThreshold consecutive pump cycles.
func (m *Manager) watchdog(plan *models.PlanInstance, sm *StateMachine) {
	for id, state := range plan.NodeStates {
		if state.Status != models.StatusRunning || state.PID <= 0 {
			continue
		}
		key := taskKey(plan.ID, id)
		if proc.Alive(state.PID) {
			m.mu.Lock()
			delete(m.missedPID, key)
			m.mu.Unlock()
			continue
		}
		m.mu.Lock()
		m.missedPID[key]++
		missed := m.missedPID[key]
		m.mu.Unlock()
		if missed < watchdogThreshold {
			continue
		}
		m.log.Warnf("node %s lost its process (pid %d); failing", id, state.PID)
		m.mu.Lock()
		if cancel := m.cancels[key]; cancel != nil {
			cancel()
		}
		delete(m.missedPID, key)
		m.mu.Unlock()
		if err := sm.ForceFail(id, "process died without reporting a result"); err != nil {
			m.log.Debugf("watchdog fail %s: %v", id, err)
		}
	}
}

// onEvent handles cross-plan effects: a plan completing successfully
// auto-resumes every plan waiting on it. Failed or partial completions
// leave waiters paused; the dependency may still be retried.
func (m *Manager) onEvent(e Event) {
	if e.Type != EventPlanCompleted {
		return
	}
	if e.PlanStatus != models.PlanSucceeded {
		return
	}

	m.mu.Lock()
	var waiters []*models.PlanInstance
	for _, plan := range m.plans {
		if plan.ResumeAfter == e.PlanID {
			waiters = append(waiters, plan)
		}
	}
	m.mu.Unlock()

	for _, plan := range waiters {
		plan.ResumeAfter = ""
		plan.IsPaused = false
		if err := m.store.SavePlan(plan); err != nil {
			m.log.Errorf("persist plan %s: %v", plan.Name, err)
		}
		m.log.Infof("plan %s resumed after %s completed", plan.Name, e.PlanID)
		m.bus.Publish(Event{Type: EventPlanUpdated, PlanID: plan.ID})
	}
}

// releaseWaiters clears resumeAfterPlan on plans waiting for a canceled
// or deleted plan so they stop waiting, without resuming them.
func (m *Manager) releaseWaiters(planID string) {
	m.mu.Lock()
	var waiters []*models.PlanInstance
	for _, plan := range m.plans {
		if plan.ResumeAfter == planID {
			waiters = append(waiters, plan)
		}
	}
	m.mu.Unlock()

	for _, plan := range waiters {
		plan.ResumeAfter = ""
		if err := m.store.SavePlan(plan); err != nil {
			m.log.Errorf("persist plan %s: %v", plan.Name, err)
		}
		m.bus.Publish(Event{Type: EventPlanUpdated, PlanID: plan.ID})
	}
}

// Plan returns a registered plan and its state machine.
func (m *Manager) Plan(planID string) (*models.PlanInstance, *StateMachine, error) {
	return m.lookup(planID)
}

// Plans returns all registered plans, ordered by creation time.
func (m *Manager) Plans() []*models.PlanInstance {
	m.mu.Lock()
	defer m.mu.Unlock()
	plans := make([]*models.PlanInstance, 0, len(m.plans))
	for _, plan := range m.plans {
		plans = append(plans, plan)
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].CreatedAt.Before(plans[j].CreatedAt) })
	return plans
}

func (m *Manager) lookup(planID string) (*models.PlanInstance, *StateMachine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	plan := m.plans[planID]
	if plan == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
	}
	return plan, m.machines[planID], nil
}

func countRunningWork(plan *models.PlanInstance) int {
	count := 0
	for id, state := range plan.NodeStates {
		if state.Status != models.StatusScheduled && state.Status != models.StatusRunning {
			continue
		}
		if node := plan.Node(id); node != nil && node.PerformsWork() {
			count++
		}
	}
	return count
}

func taskKey(planID, nodeID string) string {
	return planID + "/" + nodeID
}

func belongsToPlan(key, planID string) bool {
	return len(key) > len(planID) && key[:len(planID)] == planID && key[len(planID)] == '/'
}
