package engine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/harrison/foreman/internal/dag"
	"github.com/harrison/foreman/internal/models"
)

// Sentinel errors for state-machine operations.
var (
	ErrNodeNotFound      = errors.New("node not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrVersionConflict   = errors.New("node version conflict")
)

// allowedTransitions is the per-node transition table. Anything not
// listed is rejected. failed→pending is reserved for explicit retry.
var allowedTransitions = map[models.NodeStatus][]models.NodeStatus{
	models.StatusPending:   {models.StatusReady, models.StatusBlocked, models.StatusCanceled},
	models.StatusReady:     {models.StatusScheduled, models.StatusBlocked, models.StatusCanceled},
	models.StatusScheduled: {models.StatusRunning, models.StatusCanceled},
	models.StatusRunning:   {models.StatusSucceeded, models.StatusFailed, models.StatusCanceled},
	models.StatusFailed:    {models.StatusPending},
}

func transitionAllowed(from, to models.NodeStatus) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// StateMachine serializes status transitions for one plan's nodes and
// derives readiness, base commits, and the aggregate plan status.
// Transitions for a single node are serialized under the machine's lock;
// a concurrent transition attempt that lost the race fails with
// ErrInvalidTransition (the status moved) or ErrVersionConflict (CAS).
type StateMachine struct {
	plan *models.PlanInstance
	bus  *Bus

	mu sync.Mutex
	// topo is the plan's node ids in topological order with ties broken
	// by producer id; fixed for the plan's lifetime.
	topo     []string
	topoRank map[string]int
}

// NewStateMachine builds the machine for a plan, fixing its topological
// order.
func NewStateMachine(plan *models.PlanInstance, bus *Bus) (*StateMachine, error) {
	topo, err := dag.TopoOrder(plan.Graph(), plan.ProducerLess)
	if err != nil {
		return nil, fmt.Errorf("state machine: %w", err)
	}
	rank := make(map[string]int, len(topo))
	for i, id := range topo {
		rank[id] = i
	}
	return &StateMachine{plan: plan, bus: bus, topo: topo, topoRank: rank}, nil
}

// Plan returns the plan this machine governs.
func (sm *StateMachine) Plan() *models.PlanInstance {
	return sm.plan
}

// Transition moves a node to next if the transition table allows it from
// the node's current status. Emits a nodeTransition event, and a
// planCompleted event when the transition leaves every node terminal.
func (sm *StateMachine) Transition(nodeID string, next models.NodeStatus, reason string) error {
	return sm.transition(nodeID, -1, next, reason)
}

// TransitionCAS is Transition guarded by an expected version: if the
// node's version has moved since the caller observed it, the transition
// fails with ErrVersionConflict.
func (sm *StateMachine) TransitionCAS(nodeID string, expectedVersion int64, next models.NodeStatus, reason string) error {
	return sm.transition(nodeID, expectedVersion, next, reason)
}

func (sm *StateMachine) transition(nodeID string, expectedVersion int64, next models.NodeStatus, reason string) error {
	sm.mu.Lock()
	state := sm.plan.State(nodeID)
	if state == nil {
		sm.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	if expectedVersion >= 0 && state.Version != expectedVersion {
		sm.mu.Unlock()
		return fmt.Errorf("%w: node %s at version %d, expected %d",
			ErrVersionConflict, nodeID, state.Version, expectedVersion)
	}
	prev := state.Status
	if !transitionAllowed(prev, next) {
		sm.mu.Unlock()
		return fmt.Errorf("%w: node %s cannot go %s -> %s", ErrInvalidTransition, nodeID, prev, next)
	}
	state.Status = next
	state.Version++
	done := next.IsTerminal() && sm.allTerminalLocked()
	var planStatus models.PlanStatus
	if done {
		planStatus = sm.planStatusLocked()
	}
	sm.mu.Unlock()

	sm.bus.Publish(Event{
		Type:   EventNodeTransition,
		PlanID: sm.plan.ID,
		NodeID: nodeID,
		Prev:   prev,
		Next:   next,
		Reason: reason,
	})
	if done {
		sm.bus.Publish(Event{
			Type:       EventPlanCompleted,
			PlanID:     sm.plan.ID,
			PlanStatus: planStatus,
		})
	}
	return nil
}

// ForceFail moves a node straight to failed from any non-terminal status.
// Used by the lifecycle manager's force-fail operation and the liveness
// watchdog; ordinary execution goes through Transition.
func (sm *StateMachine) ForceFail(nodeID, reason string) error {
	sm.mu.Lock()
	state := sm.plan.State(nodeID)
	if state == nil {
		sm.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	prev := state.Status
	if prev.IsTerminal() {
		sm.mu.Unlock()
		return fmt.Errorf("%w: node %s cannot force-fail from %s", ErrInvalidTransition, nodeID, prev)
	}
	state.Status = models.StatusFailed
	state.Version++
	done := sm.allTerminalLocked()
	var planStatus models.PlanStatus
	if done {
		planStatus = sm.planStatusLocked()
	}
	sm.mu.Unlock()

	sm.bus.Publish(Event{
		Type:   EventNodeTransition,
		PlanID: sm.plan.ID,
		NodeID: nodeID,
		Prev:   prev,
		Next:   models.StatusFailed,
		Reason: reason,
	})
	if done {
		sm.bus.Publish(Event{
			Type:       EventPlanCompleted,
			PlanID:     sm.plan.ID,
			PlanStatus: planStatus,
		})
	}
	return nil
}

// RecomputeReadiness promotes pending nodes whose dependencies have all
// succeeded to ready, and blocks pending/ready nodes downstream of a
// failed or blocked dependency. Blocking propagates transitively.
func (sm *StateMachine) RecomputeReadiness() {
	type change struct {
		id   string
		prev models.NodeStatus
		next models.NodeStatus
	}
	var changes []change

	sm.mu.Lock()
	for {
		progressed := false
		for id, state := range sm.plan.NodeStates {
			if state.Status != models.StatusPending && state.Status != models.StatusReady {
				continue
			}
			node := sm.plan.Node(id)
			ready := true
			blocked := false
			for _, dep := range node.Dependencies {
				depState := sm.plan.State(dep)
				if depState == nil {
					continue
				}
				switch depState.Status {
				case models.StatusSucceeded:
				case models.StatusFailed, models.StatusBlocked, models.StatusCanceled:
					blocked = true
					ready = false
				default:
					ready = false
				}
			}
			switch {
			case blocked:
				prev := state.Status
				state.Status = models.StatusBlocked
				state.Version++
				changes = append(changes, change{id, prev, models.StatusBlocked})
				progressed = true
			case ready && state.Status == models.StatusPending:
				state.Status = models.StatusReady
				state.Version++
				changes = append(changes, change{id, models.StatusPending, models.StatusReady})
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}
	done := len(changes) > 0 && sm.allTerminalLocked()
	var planStatus models.PlanStatus
	if done {
		planStatus = sm.planStatusLocked()
	}
	sm.mu.Unlock()

	for _, ch := range changes {
		reason := "dependencies succeeded"
		if ch.next == models.StatusBlocked {
			reason = "dependency failed or blocked"
		}
		sm.bus.Publish(Event{
			Type:   EventNodeTransition,
			PlanID: sm.plan.ID,
			NodeID: ch.id,
			Prev:   ch.prev,
			Next:   ch.next,
			Reason: reason,
		})
	}
	if done {
		sm.bus.Publish(Event{
			Type:       EventPlanCompleted,
			PlanID:     sm.plan.ID,
			PlanStatus: planStatus,
		})
	}
}

// BaseCommitsFor returns the completed commits of a node's dependencies
// in the plan's topological order (ties broken by producer id). The first
// element is the forward-integration base; the rest are additional FI
// sources merged on top.
func (sm *StateMachine) BaseCommitsFor(nodeID string) []string {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	node := sm.plan.Node(nodeID)
	if node == nil {
		return nil
	}
	deps := make([]string, len(node.Dependencies))
	copy(deps, node.Dependencies)
	// Order dependencies by their fixed topological rank.
	for i := 1; i < len(deps); i++ {
		for j := i; j > 0 && sm.topoRank[deps[j]] < sm.topoRank[deps[j-1]]; j-- {
			deps[j], deps[j-1] = deps[j-1], deps[j]
		}
	}

	var commits []string
	for _, dep := range deps {
		if state := sm.plan.State(dep); state != nil && state.CompletedCommit != "" {
			commits = append(commits, state.CompletedCommit)
		}
	}
	return commits
}

// PlanStatus derives the aggregate plan status from the node statuses.
func (sm *StateMachine) PlanStatus() models.PlanStatus {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.planStatusLocked()
}

func (sm *StateMachine) planStatusLocked() models.PlanStatus {
	var running, succeeded, failed, canceled, total int
	for _, state := range sm.plan.NodeStates {
		total++
		switch state.Status {
		case models.StatusScheduled, models.StatusRunning:
			running++
		case models.StatusSucceeded:
			succeeded++
		case models.StatusFailed, models.StatusBlocked:
			failed++
		case models.StatusCanceled:
			canceled++
		}
	}
	switch {
	case running > 0:
		return models.PlanRunning
	case total > 0 && succeeded == total:
		return models.PlanSucceeded
	case succeeded > 0 && (failed > 0 || canceled > 0):
		return models.PlanPartial
	case canceled > 0 && succeeded == 0:
		return models.PlanCanceled
	case failed > 0:
		return models.PlanFailed
	}
	return models.PlanPending
}

func (sm *StateMachine) allTerminalLocked() bool {
	for _, state := range sm.plan.NodeStates {
		if !state.Status.IsTerminal() {
			return false
		}
	}
	return len(sm.plan.NodeStates) > 0
}
